package audio

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cyavt/server-bot-ai/internal/config"
	"github.com/cyavt/server-bot-ai/internal/observability"
)

// CaptureSource delivers fixed-size blocks of captured linear PCM.
// ReadFrame blocks until a full frame is available and returns io.EOF
// when the device is closed.
type CaptureSource interface {
	ReadFrame() ([]int16, error)
}

// FrameWriter transmits one compressed frame to the remote peer.
type FrameWriter interface {
	WriteAudioFrame(frame []byte) error
}

// Recorder is the capture path: it reads PCM frames from the source,
// gates them through voice activity detection, and encodes and sends
// only the frames that carry speech. The protocol layer toggles capture
// around remote speech so the assistant does not hear itself.
type Recorder struct {
	cfg     *config.Config
	source  CaptureSource
	writer  FrameWriter
	vad     *VADDetector
	logger  zerolog.Logger
	metrics *observability.Metrics

	mu      sync.Mutex
	encoder *Encoder
	enabled bool
}

// NewRecorder wires the capture path. Capture starts disabled until the
// protocol layer enables it.
func NewRecorder(cfg *config.Config, source CaptureSource, writer FrameWriter, logger zerolog.Logger, metrics *observability.Metrics) *Recorder {
	return &Recorder{
		cfg:    cfg,
		source: source,
		writer: writer,
		vad: NewVADDetector(&VADConfig{
			EnergyThreshold: cfg.VADEnergyThreshold,
			SilenceFrames:   cfg.VADSilenceFrames,
		}),
		logger:  logger,
		metrics: metrics,
	}
}

// SetEnabled toggles capture. Disabling resets VAD state so a half-open
// utterance does not leak into the next listen window.
func (r *Recorder) SetEnabled(enabled bool) {
	r.mu.Lock()
	changed := r.enabled != enabled
	r.enabled = enabled
	r.mu.Unlock()

	if changed {
		r.vad.Reset()
		r.logger.Info().Bool("enabled", enabled).Msg("Capture toggled")
	}
}

// Enabled reports whether capture is currently active.
func (r *Recorder) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

func (r *Recorder) ensureEncoder() (*Encoder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.encoder != nil {
		return r.encoder, nil
	}
	enc, err := NewEncoder(r.cfg.SampleRate, r.cfg.Channels)
	if err != nil {
		return nil, err
	}
	r.encoder = enc
	return enc, nil
}

// Run drives the capture loop until ctx is cancelled or the source is
// closed. Frames read while capture is disabled are discarded so the
// device buffer never backs up.
func (r *Recorder) Run(ctx context.Context) error {
	r.logger.Info().
		Int("sample_rate", r.cfg.SampleRate).
		Int("frame_size", r.cfg.FrameSize).
		Msg("Recorder started")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		pcm, err := r.source.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				r.logger.Info().Msg("Capture source closed")
				return nil
			}
			r.logger.Error().Err(err).Msg("Capture read failed")
			if r.metrics != nil {
				r.metrics.RecordError("capture_read_error", "audio")
			}
			return err
		}

		if !r.Enabled() {
			continue
		}

		isSpeaking, speechStarted, speechEnded := r.vad.ProcessFrame(pcm)
		if speechStarted {
			r.logger.Debug().Msg("Speech started")
		}
		if speechEnded {
			r.logger.Debug().Msg("Speech ended")
		}
		if !isSpeaking {
			continue
		}

		if err := r.sendFrame(pcm); err != nil {
			r.logger.Error().Err(err).Msg("Failed to send audio frame")
			if r.metrics != nil {
				r.metrics.RecordError("frame_send_error", "audio")
			}
		}
	}
}

func (r *Recorder) sendFrame(pcm []int16) error {
	enc, err := r.ensureEncoder()
	if err != nil {
		return err
	}
	frame, err := enc.Encode(pcm)
	if err != nil {
		return err
	}
	if err := r.writer.WriteAudioFrame(frame); err != nil {
		return err
	}
	if r.metrics != nil {
		r.metrics.RecordFrameSent(len(frame))
	}
	return nil
}

// ReaderSource adapts a byte stream of 16-bit little-endian PCM (e.g. a
// capture pipe from a system recording process) into fixed-size frames.
type ReaderSource struct {
	r         io.Reader
	frameSize int
}

// NewReaderSource creates a source that reads frameSize-sample frames
// from r.
func NewReaderSource(r io.Reader, frameSize int) *ReaderSource {
	return &ReaderSource{r: r, frameSize: frameSize}
}

// ReadFrame blocks until one full frame is read. A truncated tail at
// stream end is discarded and reported as io.EOF.
func (s *ReaderSource) ReadFrame() ([]int16, error) {
	buf := make([]byte, s.frameSize*2)
	if _, err := io.ReadFull(s.r, buf); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, err
	}

	pcm := make([]int16, s.frameSize)
	for i := range pcm {
		pcm[i] = int16(buf[i*2]) | int16(buf[i*2+1])<<8
	}
	return pcm, nil
}

// Close releases the encoder.
func (r *Recorder) Close() error {
	r.mu.Lock()
	enc := r.encoder
	r.encoder = nil
	r.mu.Unlock()

	if enc != nil {
		return enc.Close()
	}
	return nil
}
