package resilience

import (
	"errors"
	"testing"
	"time"
)

func failingCall() error { return errors.New("dependency down") }

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, time.Minute)

	for i := 0; i < 3; i++ {
		if err := cb.Call(failingCall); err == nil {
			t.Fatalf("Expected error on call %d", i+1)
		}
	}

	if state := cb.GetState(); state != StateOpen {
		t.Errorf("Expected open state after 3 failures, got %v", state)
	}
}

func TestCircuitBreaker_RejectsWhileOpen(t *testing.T) {
	cb := NewCircuitBreaker("test", 1, time.Minute)

	cb.Call(failingCall)

	called := false
	err := cb.Call(func() error {
		called = true
		return nil
	})

	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Error("Expected fn to not be invoked while open")
	}
}

func TestCircuitBreaker_HalfOpenAfterResetTimeout(t *testing.T) {
	cb := NewCircuitBreaker("test", 1, 20*time.Millisecond)

	cb.Call(failingCall)
	if state := cb.GetState(); state != StateOpen {
		t.Fatalf("Expected open state, got %v", state)
	}

	time.Sleep(30 * time.Millisecond)

	if err := cb.Call(func() error { return nil }); err != nil {
		t.Errorf("Expected probe to go through, got %v", err)
	}
	if state := cb.GetState(); state != StateHalfOpen {
		t.Errorf("Expected half_open state after first probe, got %v", state)
	}
}

func TestCircuitBreaker_ClosesAfterProbeSuccesses(t *testing.T) {
	cb := NewCircuitBreaker("test", 1, 10*time.Millisecond)

	cb.Call(failingCall)
	time.Sleep(20 * time.Millisecond)

	for i := 0; i < halfOpenProbes; i++ {
		if err := cb.Call(func() error { return nil }); err != nil {
			t.Fatalf("Expected probe %d to succeed, got %v", i+1, err)
		}
	}

	if state := cb.GetState(); state != StateClosed {
		t.Errorf("Expected closed state after successful probes, got %v", state)
	}
}

func TestCircuitBreaker_ReopensOnProbeFailure(t *testing.T) {
	cb := NewCircuitBreaker("test", 1, 10*time.Millisecond)

	cb.Call(failingCall)
	time.Sleep(20 * time.Millisecond)

	cb.Call(func() error { return nil })
	if state := cb.GetState(); state != StateHalfOpen {
		t.Fatalf("Expected half_open state, got %v", state)
	}

	cb.Call(failingCall)
	if state := cb.GetState(); state != StateOpen {
		t.Errorf("Expected open state after failed probe, got %v", state)
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker("test", 1, time.Minute)

	cb.Call(failingCall)
	if state := cb.GetState(); state != StateOpen {
		t.Fatalf("Expected open state, got %v", state)
	}

	cb.Reset()

	if state := cb.GetState(); state != StateClosed {
		t.Errorf("Expected closed state after reset, got %v", state)
	}
	if err := cb.Call(func() error { return nil }); err != nil {
		t.Errorf("Expected call to succeed after reset, got %v", err)
	}
}

func TestCircuitBreaker_GetStats(t *testing.T) {
	cb := NewCircuitBreaker("test", 5, time.Minute)

	cb.Call(func() error { return nil })
	cb.Call(failingCall)
	cb.Call(func() error { return nil })
	cb.Call(failingCall)

	state, requests, failures, failureRate := cb.GetStats()
	if state != StateClosed {
		t.Errorf("Expected closed state, got %v", state)
	}
	if requests != 4 {
		t.Errorf("Expected 4 requests, got %d", requests)
	}
	if failures != 2 {
		t.Errorf("Expected 2 failures, got %d", failures)
	}
	if failureRate != 50.0 {
		t.Errorf("Expected 50%% failure rate, got %.1f", failureRate)
	}
}

func TestCircuitState_String(t *testing.T) {
	tests := []struct {
		state    CircuitState
		expected string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{CircuitState(42), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.expected {
			t.Errorf("Expected %q, got %q", tt.expected, got)
		}
	}
}
