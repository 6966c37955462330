package audio

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cyavt/server-bot-ai/internal/config"
	"github.com/cyavt/server-bot-ai/internal/observability"
	"github.com/cyavt/server-bot-ai/internal/queue"
)

// AudioStats reports pipeline backlog for diagnostics and backpressure
// visibility.
type AudioStats struct {
	PendingDecode int `json:"pending_decode"` // Compressed frames awaiting decode
	PendingPlay   int `json:"pending_play"`   // Decoded frames awaiting playback
	TotalPending  int `json:"total_pending"`
}

// DecoderFactory creates the codec lazily so that a failed init can be
// retried on first use instead of aborting the session.
type DecoderFactory func() (FrameDecoder, error)

// Player is the public-facing audio sink for the protocol layer. It owns
// the output device and decoder, runs the decode and playback stages, and
// exposes enqueue/clear/stats operations.
type Player struct {
	cfg     *config.Config
	sink    OutputSink
	clock   Clock
	logger  zerolog.Logger
	metrics *observability.Metrics

	newDecoder DecoderFactory

	mu      sync.Mutex
	decoder FrameDecoder
	sc      *StreamContext
	started bool
	cancel  context.CancelFunc

	recvQueue *queue.Queue[[]byte] // compressed frames from the network layer
}

// NewPlayer wires a player around an output sink. The decoder is created
// lazily from the default Opus factory; tests may replace it with
// SetDecoderFactory before Start.
func NewPlayer(cfg *config.Config, sink OutputSink, clock Clock, logger zerolog.Logger, metrics *observability.Metrics) *Player {
	p := &Player{
		cfg:       cfg,
		sink:      sink,
		clock:     clock,
		logger:    logger,
		metrics:   metrics,
		recvQueue: queue.New[[]byte](),
	}
	p.newDecoder = func() (FrameDecoder, error) {
		return NewDecoder(cfg.SampleRate, cfg.Channels, cfg.FrameSize, logger)
	}
	return p
}

// SetDecoderFactory replaces the codec factory. Must be called before Start.
func (p *Player) SetDecoderFactory(f DecoderFactory) {
	p.mu.Lock()
	p.newDecoder = f
	p.mu.Unlock()
}

// ensureDecoder returns the decoder, creating it on first use.
func (p *Player) ensureDecoder() (FrameDecoder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.decoder != nil {
		return p.decoder, nil
	}
	dec, err := p.newDecoder()
	if err != nil {
		return nil, err
	}
	p.decoder = dec
	return dec, nil
}

// lazyDecoder defers codec creation to first use so that an init failure
// degrades to retry-on-next-frame instead of killing the session.
type lazyDecoder struct {
	p *Player
}

func (l *lazyDecoder) Decode(frame []byte) []int16 {
	dec, err := l.p.ensureDecoder()
	if err != nil {
		l.p.logger.Error().Err(err).Msg("Decoder unavailable, dropping frame")
		if l.p.metrics != nil {
			l.p.metrics.RecordError("decoder_init_error", "audio")
		}
		return nil
	}
	return dec.Decode(frame)
}

func (l *lazyDecoder) Close() error {
	l.p.mu.Lock()
	dec := l.p.decoder
	l.p.decoder = nil
	l.p.mu.Unlock()
	if dec != nil {
		return dec.Close()
	}
	return nil
}

// Start preloads the decoder (best effort) and launches the decode,
// playback, and network-buffering stages as indefinitely-running tasks.
// Calling Start on a started player is a no-op.
func (p *Player) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.sc = NewStreamContext(StreamConfig{
		SampleRate:    p.cfg.SampleRate,
		Channels:      p.cfg.Channels,
		FrameSize:     p.cfg.FrameSize,
		ChunkDuration: time.Duration(p.cfg.MinAudioDuration) * time.Millisecond,
		FlushTimeout:  time.Duration(p.cfg.FlushTimeout) * time.Millisecond,
	}, &lazyDecoder{p}, p.sink, p.clock, p.logger, p.metrics)
	sc := p.sc
	p.started = true
	p.mu.Unlock()

	// Preload the codec so the first frame does not pay init latency;
	// failure is retried lazily on first use
	if _, err := p.ensureDecoder(); err != nil {
		p.logger.Warn().Err(err).Msg("Decoder preload failed, will retry on first frame")
	}

	go sc.RunDecode(ctx)
	go sc.RunPlayback(ctx)
	go p.bufferLoop(ctx)

	p.logger.Info().
		Int("sample_rate", p.cfg.SampleRate).
		Int("frame_size", p.cfg.FrameSize).
		Msg("Audio player started")
}

// bufferLoop feeds the decode stage from the receive queue: a pre-roll
// wait for a handful of packets (or a timeout under jitter), then a drain
// loop that batches whatever the network delivered.
func (p *Player) bufferLoop(ctx context.Context) {
	preRollTimeout := time.Duration(p.cfg.BufferTimeout) * time.Millisecond
	drainTimeout := time.Duration(p.cfg.DrainTimeout) * time.Millisecond

	for {
		packets, err := p.recvQueue.Dequeue(ctx, p.cfg.BufferMinPackets, preRollTimeout, func(count int) {
			if count > 0 {
				p.logger.Info().Int("packets", count).Msg("Buffering timed out, starting playback")
				if p.metrics != nil {
					p.metrics.RecordBufferTimeout()
				}
			}
		})
		if err != nil {
			p.logger.Debug().Msg("Buffer loop stopping")
			return
		}
		if len(packets) > 0 {
			p.logger.Debug().Int("packets", len(packets)).Msg("Buffered audio packets")
			p.sc.PushFrames(packets...)
		}

		for {
			batch, err := p.recvQueue.Dequeue(ctx, p.cfg.DrainMinPackets, drainTimeout, nil)
			if err != nil {
				return
			}
			if len(batch) == 0 {
				break
			}
			p.sc.PushFrames(batch...)
		}
	}
}

// EnqueueAudioData routes a compressed frame into the pipeline. A
// zero-length frame is the remote end-of-utterance sentinel: it marks the
// active playback context for graceful drain instead of being decoded.
func (p *Player) EnqueueAudioData(frame []byte) {
	if len(frame) > 0 {
		if p.metrics != nil {
			p.metrics.RecordFrameReceived(len(frame))
		}
		p.recvQueue.Enqueue(frame)
		return
	}

	p.logger.Debug().Msg("Received empty audio frame, treating as end of utterance")
	p.mu.Lock()
	sc := p.sc
	started := p.started
	p.mu.Unlock()
	if started && sc != nil {
		sc.MarkEndOfStream()
	}
}

// ClearAllAudio is the immediate full reset used on remote stop or
// barge-in: every queue is dropped and scheduled output is cancelled
// without waiting for in-flight chunks.
func (p *Player) ClearAllAudio() {
	p.logger.Info().Msg("Clearing all audio")

	p.recvQueue.Clear()

	p.mu.Lock()
	sc := p.sc
	p.mu.Unlock()
	if sc != nil {
		sc.ClearAllBuffers()
	}
}

// GetAudioStats returns pending-decode and pending-play counts.
func (p *Player) GetAudioStats() AudioStats {
	p.mu.Lock()
	sc := p.sc
	p.mu.Unlock()

	if sc == nil {
		return AudioStats{}
	}
	pendingDecode := p.recvQueue.Len() + sc.PendingDecodeCount()
	pendingPlay := sc.PendingPlayCount()
	return AudioStats{
		PendingDecode: pendingDecode,
		PendingPlay:   pendingPlay,
		TotalPending:  pendingDecode + pendingPlay,
	}
}

// AudioStats implements observability.AudioStatsProvider.
func (p *Player) AudioStats() (pendingDecode, pendingPlay int) {
	stats := p.GetAudioStats()
	return stats.PendingDecode, stats.PendingPlay
}

// Amplitude returns the current playback level for the avatar feed.
func (p *Player) Amplitude() float64 {
	p.mu.Lock()
	sc := p.sc
	p.mu.Unlock()
	if sc == nil {
		return 0
	}
	return sc.Amplitude()
}

// Close stops both stages deterministically and releases the decoder.
// A new session requires a fresh Start.
func (p *Player) Close() error {
	p.mu.Lock()
	cancel := p.cancel
	dec := p.decoder
	p.decoder = nil
	p.cancel = nil
	p.started = false
	p.sc = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.recvQueue.Clear()
	if dec != nil {
		return dec.Close()
	}
	return nil
}
