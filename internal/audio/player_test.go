package audio

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/cyavt/server-bot-ai/internal/config"
	"github.com/cyavt/server-bot-ai/internal/observability"
)

func testPlayerConfig() *config.Config {
	return &config.Config{
		SampleRate:       16000,
		Channels:         1,
		FrameSize:        320,
		MinAudioDuration: 20, // 320 samples per chunk
		BufferMinPackets: 2,
		BufferTimeout:    50,
		DrainMinPackets:  99,
		DrainTimeout:     10,
		FlushTimeout:     30,
	}
}

func newTestPlayer(sink *recordingSink) *Player {
	cfg := testPlayerConfig()
	sink.sampleRate = cfg.SampleRate
	p := NewPlayer(cfg, sink, SystemClock{}, zerolog.Nop(), nil)
	p.SetDecoderFactory(func() (FrameDecoder, error) {
		return &stubDecoder{samplesPerFrame: 320}, nil
	})
	return p
}

func TestPlayer_EnqueueAndPlay(t *testing.T) {
	sink := &recordingSink{}
	p := newTestPlayer(sink)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	for i := 0; i < 4; i++ {
		p.EnqueueAudioData([]byte{1, 2, 3})
	}

	waitForChunks(t, sink, 4)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.GetAudioStats().TotalPending == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	stats := p.GetAudioStats()
	t.Fatalf("Expected pipeline to drain, got %d pending", stats.TotalPending)
}

func TestPlayer_EmptyFrameIsNotDecoded(t *testing.T) {
	sink := &recordingSink{}
	p := newTestPlayer(sink)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	p.EnqueueAudioData(nil)
	p.EnqueueAudioData([]byte{})

	time.Sleep(50 * time.Millisecond)
	if got := p.GetAudioStats().PendingDecode; got != 0 {
		t.Errorf("Expected empty frames to bypass the decode queue, got %d pending", got)
	}
	if got := len(sink.snapshot()); got != 0 {
		t.Errorf("Expected no scheduled chunks from empty frames, got %d", got)
	}
}

func TestPlayer_ClearAllAudio(t *testing.T) {
	sink := &recordingSink{}
	p := newTestPlayer(sink)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	for i := 0; i < 8; i++ {
		p.EnqueueAudioData([]byte{1})
	}
	p.ClearAllAudio()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if p.GetAudioStats().TotalPending == 0 && sink.stopCount() > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	stats := p.GetAudioStats()
	t.Fatalf("Expected empty pipeline after clear, got %d pending (%d sink stops)",
		stats.TotalPending, sink.stopCount())
}

func TestPlayer_StartIsIdempotent(t *testing.T) {
	sink := &recordingSink{}
	p := newTestPlayer(sink)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	p.Start(ctx)

	for i := 0; i < 2; i++ {
		p.EnqueueAudioData([]byte{1})
	}

	// A second Start must not spawn a second consumer pipeline; both
	// frames are still played exactly once
	chunks := waitForChunks(t, sink, 2)
	total := 0
	for _, c := range chunks {
		total += c.samples
	}
	if total != 2*320 {
		t.Errorf("Expected 640 samples scheduled, got %d", total)
	}
}

func gatherCounter(t *testing.T, name string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Expected metrics gather to succeed, got %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			total := 0.0
			for _, m := range mf.GetMetric() {
				total += m.GetCounter().GetValue()
			}
			return total
		}
	}
	return 0
}

func TestPlayer_IdleBufferWaitDoesNotCountTimeout(t *testing.T) {
	sink := &recordingSink{}
	cfg := testPlayerConfig()
	sink.sampleRate = cfg.SampleRate
	p := NewPlayer(cfg, sink, SystemClock{}, zerolog.Nop(), observability.NewSessionMetrics("player-test"))
	p.SetDecoderFactory(func() (FrameDecoder, error) {
		return &stubDecoder{samplesPerFrame: 320}, nil
	})
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	before := gatherCounter(t, "voice_client_buffer_timeouts_total")
	p.Start(ctx)

	// Several pre-roll windows elapse with no audio at all; an idle
	// player must not count them as buffering timeouts
	time.Sleep(200 * time.Millisecond)
	if got := gatherCounter(t, "voice_client_buffer_timeouts_total"); got != before {
		t.Errorf("Expected no buffer timeouts while idle, counter grew by %.0f", got-before)
	}

	// A partial batch that times out below the packet minimum is one
	p.EnqueueAudioData([]byte{1})
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if gatherCounter(t, "voice_client_buffer_timeouts_total") > before {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("Expected a timed-out partial batch to count as a buffer timeout")
}

func TestPlayer_CloseDropsUndeliveredFrames(t *testing.T) {
	sink := &recordingSink{}
	p := newTestPlayer(sink)

	for i := 0; i < 5; i++ {
		p.EnqueueAudioData([]byte{1, 2})
	}
	if got := p.recvQueue.Len(); got != 5 {
		t.Fatalf("Expected 5 buffered frames, got %d", got)
	}

	p.Close()
	if got := p.recvQueue.Len(); got != 0 {
		t.Errorf("Expected receive queue to be empty after close, got %d", got)
	}

	// A fresh session must not play leftovers from the previous one
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Close()

	time.Sleep(100 * time.Millisecond)
	if got := len(sink.snapshot()); got != 0 {
		t.Errorf("Expected no chunks from a stale queue, got %d", got)
	}
}

func TestPlayer_AmplitudeZeroWhenIdle(t *testing.T) {
	sink := &recordingSink{}
	p := newTestPlayer(sink)

	if got := p.Amplitude(); got != 0 {
		t.Errorf("Expected zero amplitude before start, got %f", got)
	}
}

func TestPlayer_StatsBeforeStart(t *testing.T) {
	sink := &recordingSink{}
	p := newTestPlayer(sink)

	stats := p.GetAudioStats()
	if stats.TotalPending != 0 {
		t.Errorf("Expected zero pending before start, got %d", stats.TotalPending)
	}
}
