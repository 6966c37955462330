package audio

import (
	"io"
	"sync"
	"time"
)

// Clock is the monotonic output clock that playback is scheduled against.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock (monotonic under the hood).
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time { return time.Now() }

// OutputSink is the output-device capability owned by one streaming
// context at a time. Schedule queues a block of normalized samples to
// start at the given clock time; Stop cancels everything in flight so
// audio stops audibly within the call.
type OutputSink interface {
	Schedule(samples []float32, start time.Time) error
	Stop()
}

// WriterSink renders scheduled audio as 16-bit little-endian PCM on an
// io.Writer at the scheduled wall-clock time (e.g. piped into a system
// playback process). Stop drops chunks that have not started writing yet.
type WriterSink struct {
	mu         sync.Mutex
	w          io.Writer
	generation int
}

// NewWriterSink creates a sink that writes PCM to w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// Schedule waits until start and then writes the chunk, unless Stop was
// called in the meantime.
func (s *WriterSink) Schedule(samples []float32, start time.Time) error {
	s.mu.Lock()
	gen := s.generation
	s.mu.Unlock()

	go func() {
		if d := time.Until(start); d > 0 {
			time.Sleep(d)
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.generation != gen {
			// Cancelled by Stop before the start time arrived
			return
		}

		pcm := Float32ToInt16(samples)
		buf := make([]byte, len(pcm)*2)
		for i, v := range pcm {
			buf[i*2] = byte(v)
			buf[i*2+1] = byte(v >> 8)
		}
		s.w.Write(buf)
	}()
	return nil
}

// Stop invalidates all pending scheduled chunks.
func (s *WriterSink) Stop() {
	s.mu.Lock()
	s.generation++
	s.mu.Unlock()
}
