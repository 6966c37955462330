package queue

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestQueue_EnqueueDequeueOrder(t *testing.T) {
	q := New[int]()
	q.Enqueue(1, 2, 3)

	items, err := q.Dequeue(context.Background(), 1, 0, nil)
	if err != nil {
		t.Fatalf("Dequeue() failed: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("Expected 3 items, got %d", len(items))
	}
	for i, want := range []int{1, 2, 3} {
		if items[i] != want {
			t.Errorf("Expected item %d at position %d, got %d", want, i, items[i])
		}
	}
}

func TestQueue_FlushSemantics(t *testing.T) {
	// dequeue(min=3) on a queue holding 7 returns all 7, not 3
	q := New[int]()
	q.Enqueue(1, 2, 3, 4, 5, 6, 7)

	items, err := q.Dequeue(context.Background(), 3, 0, nil)
	if err != nil {
		t.Fatalf("Dequeue() failed: %v", err)
	}
	if len(items) != 7 {
		t.Errorf("Expected flush of all 7 items, got %d", len(items))
	}
	if q.Len() != 0 {
		t.Errorf("Expected empty queue after flush, got %d", q.Len())
	}
}

func TestQueue_TimeoutPartialDelivery(t *testing.T) {
	// dequeue(min=5, timeout=100ms) with 2 items arriving at t=10ms
	// returns those 2 items at or after t=100ms, not earlier
	q := New[int]()

	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Enqueue(1, 2)
	}()

	var timeoutCount = -1
	start := time.Now()
	items, err := q.Dequeue(context.Background(), 5, 100*time.Millisecond, func(count int) {
		timeoutCount = count
	})
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Dequeue() failed: %v", err)
	}
	if len(items) != 2 {
		t.Errorf("Expected 2 items on timeout, got %d", len(items))
	}
	if elapsed < 100*time.Millisecond {
		t.Errorf("Expected delivery at or after 100ms, got %v", elapsed)
	}
	if timeoutCount != 2 {
		t.Errorf("Expected onTimeout count 2, got %d", timeoutCount)
	}
}

func TestQueue_TimeoutEmptyDelivery(t *testing.T) {
	q := New[int]()

	start := time.Now()
	items, err := q.Dequeue(context.Background(), 1, 50*time.Millisecond, nil)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Dequeue() failed: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("Expected 0 items from empty queue on timeout, got %d", len(items))
	}
	if elapsed < 50*time.Millisecond {
		t.Errorf("Expected wait of at least 50ms, got %v", elapsed)
	}
}

func TestQueue_WaiterSatisfiedByEnqueue(t *testing.T) {
	q := New[int]()
	q.Enqueue(1)

	done := make(chan []int, 1)
	go func() {
		items, _ := q.Dequeue(context.Background(), 3, 0, nil)
		done <- items
	}()

	// Give the consumer time to register its waiter
	time.Sleep(20 * time.Millisecond)
	q.Enqueue(2, 3)

	select {
	case items := <-done:
		if len(items) != 3 {
			t.Errorf("Expected 3 items, got %d", len(items))
		}
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not complete after minimum was reached")
	}
}

func TestQueue_EveryItemDeliveredExactlyOnce(t *testing.T) {
	q := New[int]()
	const total = 500

	var mu sync.Mutex
	seen := make(map[int]int)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for c := 0; c < 4; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				items, err := q.Dequeue(ctx, 1, 0, nil)
				if err != nil {
					return
				}
				mu.Lock()
				for _, it := range items {
					seen[it]++
				}
				mu.Unlock()
			}
		}()
	}

	for i := 0; i < total; i++ {
		q.Enqueue(i)
	}

	// Wait for the consumers to drain everything
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n == total && q.Len() == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != total {
		t.Fatalf("Expected %d distinct items delivered, got %d", total, len(seen))
	}
	for item, count := range seen {
		if count != 1 {
			t.Errorf("Expected item %d delivered exactly once, got %d times", item, count)
		}
	}
}

func TestQueue_ClearKeepsWaiters(t *testing.T) {
	q := New[int]()
	q.Enqueue(1)

	done := make(chan []int, 1)
	go func() {
		items, _ := q.Dequeue(context.Background(), 5, 0, nil)
		done <- items
	}()

	time.Sleep(20 * time.Millisecond)
	q.Clear()
	if q.Len() != 0 {
		t.Errorf("Expected empty queue after Clear, got %d", q.Len())
	}

	// The registered waiter must survive the clear and be satisfied by new data
	q.Enqueue(10, 20, 30, 40, 50)

	select {
	case items := <-done:
		if len(items) != 5 {
			t.Errorf("Expected 5 items after clear and refill, got %d", len(items))
		}
		if items[0] != 10 {
			t.Errorf("Expected first item 10 after clear, got %d", items[0])
		}
	case <-time.After(time.Second):
		t.Fatal("Waiter was not satisfied after Clear")
	}
}

func TestQueue_ContextCancel(t *testing.T) {
	q := New[int]()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(ctx, 1, 0, nil)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Expected context error from cancelled Dequeue")
		}
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not return after context cancel")
	}
}

func TestQueue_FirstItemGateCoalesced(t *testing.T) {
	// All consumers blocked on an empty queue share one wake signal;
	// one of them drains the batch, the rest re-park
	q := New[int]()

	results := make(chan int, 3)
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	for i := 0; i < 3; i++ {
		go func() {
			items, err := q.Dequeue(ctx, 1, 0, nil)
			if err == nil {
				results <- len(items)
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	q.Enqueue(1, 2, 3)

	select {
	case n := <-results:
		if n != 3 {
			t.Errorf("Expected the winning consumer to drain all 3 items, got %d", n)
		}
	case <-time.After(time.Second):
		t.Fatal("No consumer received the batch")
	}

	if q.Len() != 0 {
		t.Errorf("Expected empty queue after batch delivery, got %d", q.Len())
	}
}

func TestQueue_LenExcludesDelivered(t *testing.T) {
	q := New[string]()
	q.Enqueue("a", "b")
	if q.Len() != 2 {
		t.Errorf("Expected Len 2, got %d", q.Len())
	}

	_, err := q.Dequeue(context.Background(), 1, 0, nil)
	if err != nil {
		t.Fatalf("Dequeue() failed: %v", err)
	}
	if q.Len() != 0 {
		t.Errorf("Expected Len 0 after delivery, got %d", q.Len())
	}
}
