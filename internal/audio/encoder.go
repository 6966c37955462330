package audio

import (
	"fmt"
	"sync"

	"github.com/hraban/opus"
)

// maxEncodedFrameBytes bounds one compressed frame; Opus voice frames at
// 16kHz are far smaller in practice.
const maxEncodedFrameBytes = 1275

// Encoder wraps the Opus codec for the capture path, mirroring Decoder.
type Encoder struct {
	mu     sync.Mutex
	enc    *opus.Encoder
	closed bool
}

// NewEncoder initializes a voice-tuned Opus encoder.
func NewEncoder(sampleRate, channels int) (*Encoder, error) {
	enc, err := opus.NewEncoder(sampleRate, channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize opus encoder: %w", err)
	}
	return &Encoder{enc: enc}, nil
}

// Encode compresses one fixed-size block of linear samples into a single
// frame ready for transmission.
func (e *Encoder) Encode(pcm []int16) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, fmt.Errorf("encoder is closed")
	}

	buf := make([]byte, maxEncodedFrameBytes)
	n, err := e.enc.Encode(pcm, buf)
	if err != nil {
		return nil, fmt.Errorf("opus encode failed: %w", err)
	}
	return buf[:n], nil
}

// Close releases codec resources exactly once.
func (e *Encoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	e.enc = nil
	return nil
}
