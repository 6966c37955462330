package audio

import (
	"fmt"
	"sync"

	"github.com/hraban/opus"
	"github.com/rs/zerolog"
)

// FrameDecoder turns one compressed frame into a block of linear samples.
// A decode failure yields an empty block; a single bad frame must not stop
// the stream.
type FrameDecoder interface {
	Decode(frame []byte) []int16
	Close() error
}

// Decoder wraps the Opus codec for the playback path. Stateful only via
// internal codec memory; safe to reuse across frames of one session but
// not across concurrent sessions.
type Decoder struct {
	mu        sync.Mutex
	dec       *opus.Decoder
	frameSize int
	closed    bool
	logger    zerolog.Logger
}

// NewDecoder initializes the codec for the given stream parameters.
func NewDecoder(sampleRate, channels, frameSize int, logger zerolog.Logger) (*Decoder, error) {
	dec, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize opus decoder: %w", err)
	}
	return &Decoder{
		dec:       dec,
		frameSize: frameSize,
		logger:    logger,
	}, nil
}

// Decode converts one compressed frame into linear PCM samples. Corrupt
// frames are logged and produce an empty block; playback continues with
// the next frame.
func (d *Decoder) Decode(frame []byte) []int16 {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}

	pcm := make([]int16, d.frameSize)
	n, err := d.dec.Decode(frame, pcm)
	if err != nil {
		d.logger.Error().Err(err).Int("frame_bytes", len(frame)).Msg("Opus decode failed")
		return nil
	}
	return pcm[:n]
}

// Close releases codec resources exactly once. Decodes after Close return
// empty blocks.
func (d *Decoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	d.dec = nil
	return nil
}
