package audio

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cyavt/server-bot-ai/internal/observability"
	"github.com/cyavt/server-bot-ai/internal/queue"
)

// StreamConfig carries the per-session audio parameters.
type StreamConfig struct {
	SampleRate    int           // Output sample rate in Hz
	Channels      int           // Mono playback
	FrameSize     int           // Samples per compressed frame
	ChunkDuration time.Duration // Duration of one scheduled playback chunk
	FlushTimeout  time.Duration // Backlog wait before a short tail chunk is played
}

// StreamContext owns the two decoupled stages of one playback session:
// decode (compressed frames -> sample blocks) and playback scheduling
// (sample blocks -> time-stamped output chunks). The stages never share
// mutable state except through the queues; the playback goroutine is the
// single writer of the sample backlog, and ClearAllBuffers communicates
// with it through a generation counter checked at every suspension point.
type StreamContext struct {
	cfg     StreamConfig
	decoder FrameDecoder
	sink    OutputSink
	clock   Clock
	logger  zerolog.Logger
	metrics *observability.Metrics

	frameQueue  *queue.Queue[[]byte]  // compressed frames awaiting decode
	sampleQueue *queue.Queue[float32] // decoded samples awaiting playback

	mu           sync.Mutex
	scheduledEnd time.Time // output-clock time at which the last scheduled chunk finishes
	playing      bool
	generation   uint64
	endOfStream  bool
	lastRMS      float64

	pendingDecode atomic.Int64 // frames currently held by the decode stage
	backlogLen    atomic.Int64 // samples currently held by the playback stage
}

// NewStreamContext wires a streaming context from its collaborators.
// The sink and decoder are exclusively owned by this context until it is
// torn down.
func NewStreamContext(cfg StreamConfig, decoder FrameDecoder, sink OutputSink, clock Clock, logger zerolog.Logger, metrics *observability.Metrics) *StreamContext {
	if clock == nil {
		clock = SystemClock{}
	}
	return &StreamContext{
		cfg:         cfg,
		decoder:     decoder,
		sink:        sink,
		clock:       clock,
		logger:      logger,
		metrics:     metrics,
		frameQueue:  queue.New[[]byte](),
		sampleQueue: queue.New[float32](),
	}
}

// PushFrames enqueues compressed frames for the decode stage.
func (sc *StreamContext) PushFrames(frames ...[]byte) {
	sc.frameQueue.Enqueue(frames...)
}

// PushSamples enqueues already-linear samples directly for playback,
// bypassing decode. Used for re-buffering.
func (sc *StreamContext) PushSamples(samples []float32) {
	sc.sampleQueue.Enqueue(samples...)
}

// MarkEndOfStream records that the remote signalled end of speech.
func (sc *StreamContext) MarkEndOfStream() {
	sc.mu.Lock()
	sc.endOfStream = true
	sc.mu.Unlock()
}

// EndOfStream reports whether the remote signalled end of speech.
func (sc *StreamContext) EndOfStream() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.endOfStream
}

// Amplitude returns the RMS level of the most recently scheduled chunk,
// or zero once scheduled audio has finished playing. Feeds the avatar.
func (sc *StreamContext) Amplitude() float64 {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if !sc.playing || sc.clock.Now().After(sc.scheduledEnd) {
		return 0
	}
	return sc.lastRMS
}

// PendingDecodeCount returns the number of compressed frames not yet decoded.
func (sc *StreamContext) PendingDecodeCount() int {
	return sc.frameQueue.Len() + int(sc.pendingDecode.Load())
}

// PendingPlayCount returns decoded-but-unplayed audio as an equivalent
// frame count: queued samples, the playback backlog, and the portion of
// already-scheduled audio that has not rendered yet.
func (sc *StreamContext) PendingPlayCount() int {
	queued := sc.sampleQueue.Len() + int(sc.backlogLen.Load())

	scheduled := 0
	sc.mu.Lock()
	if sc.playing {
		if remaining := sc.scheduledEnd.Sub(sc.clock.Now()); remaining > 0 {
			scheduled = int(remaining.Seconds() * float64(sc.cfg.SampleRate))
		}
	}
	sc.mu.Unlock()

	total := queued + scheduled
	if total == 0 {
		return 0
	}
	return (total + sc.cfg.FrameSize - 1) / sc.cfg.FrameSize
}

// ClearAllBuffers is the hard reset used on interruption: it drops every
// queued frame and sample, cancels in-flight scheduled output, and resets
// the scheduling clock to now. The playback goroutine discards its local
// backlog when it next observes the generation bump.
func (sc *StreamContext) ClearAllBuffers() {
	sc.logger.Info().Msg("Clearing all audio buffers")

	sc.frameQueue.Clear()
	sc.sampleQueue.Clear()
	sc.sink.Stop()

	sc.mu.Lock()
	sc.generation++
	sc.playing = false
	sc.endOfStream = false
	sc.scheduledEnd = sc.clock.Now()
	sc.lastRMS = 0
	sc.mu.Unlock()

	sc.backlogLen.Store(0)

	if sc.metrics != nil {
		sc.metrics.RecordPlaybackReset()
	}
}

// ScheduledEnd returns the output-clock timestamp at which the most
// recently scheduled chunk will finish playing.
func (sc *StreamContext) ScheduledEnd() time.Time {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.scheduledEnd
}

func (sc *StreamContext) currentGeneration() uint64 {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.generation
}

func (sc *StreamContext) setPlaying(v bool) {
	sc.mu.Lock()
	sc.playing = v
	sc.mu.Unlock()
}

func (sc *StreamContext) chunkSamples() int {
	n := int(sc.cfg.ChunkDuration.Seconds() * float64(sc.cfg.SampleRate))
	if n < 1 {
		n = 1
	}
	return n
}

// RunDecode is the decode stage: it repeatedly takes whatever batch of
// compressed frames has accumulated, decodes each sequentially, and
// pushes the resulting normalized samples into the playback queue.
// Runs until ctx is cancelled; per-frame failures never stall the loop.
func (sc *StreamContext) RunDecode(ctx context.Context) {
	sc.logger.Debug().Msg("Decode stage started")

	var pending [][]byte
	for {
		var decoded []float32
		for _, frame := range pending {
			pcm := sc.decoder.Decode(frame)
			ok := len(pcm) > 0
			if sc.metrics != nil {
				sc.metrics.RecordDecode(ok)
			}
			if ok {
				decoded = append(decoded, Int16ToFloat32(pcm)...)
			}
		}

		if len(decoded) > 0 {
			sc.sampleQueue.Enqueue(decoded...)
		} else if len(pending) > 0 {
			sc.logger.Warn().Int("frames", len(pending)).Msg("No samples decoded from batch")
		}
		sc.pendingDecode.Store(0)

		batch, err := sc.frameQueue.Dequeue(ctx, 1, 0, nil)
		if err != nil {
			sc.logger.Debug().Msg("Decode stage stopping")
			return
		}
		pending = batch
		sc.pendingDecode.Store(int64(len(batch)))
	}
}

// RunPlayback is the playback stage: it maintains a local sample backlog
// and slices fixed-duration chunks off it, scheduling each back-to-back
// at max(scheduledEnd, now) so consecutive chunks never overlap and never
// leave a gap unless the backlog is genuinely exhausted. Runs until ctx
// is cancelled.
func (sc *StreamContext) RunPlayback(ctx context.Context) {
	sc.logger.Debug().Msg("Playback stage started")

	sc.mu.Lock()
	sc.scheduledEnd = sc.clock.Now()
	gen := sc.generation
	sc.mu.Unlock()

	chunkSamples := sc.chunkSamples()
	minSamples := 2 * chunkSamples
	var backlog []float32

	syncBacklog := func() { sc.backlogLen.Store(int64(len(backlog))) }

	for {
		// Initial buffering: hold off until enough audio accumulated
		if len(backlog) < minSamples && !sc.isPlaying() {
			need := minSamples - len(backlog)
			more, err := sc.sampleQueue.Dequeue(ctx, need, 0, nil)
			if err != nil {
				sc.logger.Debug().Msg("Playback stage stopping")
				return
			}
			if g := sc.currentGeneration(); g != gen {
				// The samples predate the reset; drop them
				gen = g
				backlog = backlog[:0]
				syncBacklog()
				continue
			}
			backlog = append(backlog, more...)
			syncBacklog()
			continue
		}
		sc.setPlaying(true)

		// Emit full chunks back-to-back while the backlog allows
		for len(backlog) >= chunkSamples {
			if g := sc.currentGeneration(); g != gen {
				gen = g
				backlog = backlog[:0]
				break
			}
			sc.scheduleChunk(backlog[:chunkSamples:chunkSamples], gen)
			backlog = backlog[chunkSamples:]
			syncBacklog()
		}

		// Backlog below one chunk: wait briefly for more rather than
		// emitting a short chunk mid-stream
		need := minSamples - len(backlog)
		more, err := sc.sampleQueue.Dequeue(ctx, need, sc.cfg.FlushTimeout, nil)
		if err != nil {
			sc.logger.Debug().Msg("Playback stage stopping")
			return
		}
		if g := sc.currentGeneration(); g != gen {
			gen = g
			backlog = backlog[:0]
			syncBacklog()
			continue
		}

		if len(more) == 0 {
			if len(backlog) > 0 {
				// Genuinely exhausted: play out the tail
				sc.scheduleChunk(backlog, gen)
				backlog = nil
				syncBacklog()
			}
			// Re-enter initial buffering for the next utterance
			sc.setPlaying(false)
			continue
		}
		backlog = append(backlog, more...)
		syncBacklog()
	}
}

func (sc *StreamContext) isPlaying() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.playing
}

// scheduleChunk hands one chunk to the sink, starting back-to-back with
// the previous chunk or immediately if the clock has caught up. A clear
// that raced ahead (generation bump) drops the chunk instead.
func (sc *StreamContext) scheduleChunk(chunk []float32, gen uint64) {
	sc.mu.Lock()
	if sc.generation != gen {
		sc.mu.Unlock()
		return
	}
	start := sc.scheduledEnd
	if now := sc.clock.Now(); now.After(start) {
		start = now
	}
	duration := time.Duration(float64(len(chunk)) / float64(sc.cfg.SampleRate) * float64(time.Second))
	sc.scheduledEnd = start.Add(duration)
	sc.lastRMS = RMS(chunk)
	sc.mu.Unlock()

	sc.logger.Debug().
		Int("samples", len(chunk)).
		Dur("duration", duration).
		Msg("Scheduling playback chunk")

	if err := sc.sink.Schedule(chunk, start); err != nil {
		sc.logger.Error().Err(err).Msg("Failed to schedule playback chunk")
		if sc.metrics != nil {
			sc.metrics.RecordError("schedule_error", "audio")
		}
		return
	}
	if sc.metrics != nil {
		sc.metrics.RecordChunkScheduled()
	}
}
