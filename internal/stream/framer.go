package stream

import (
	"fmt"
	"sync"

	"github.com/satindergrewal/trackwatch/internal/audio"
)

// Framer cuts the raw PCM a session reads into 20ms s16 frames. Frames are
// offered to out without blocking, so a stalled broadcaster never slows the
// monitor's read loop.
type Framer struct {
	out        chan<- []int16
	frameBytes int

	mu      sync.Mutex
	pending []byte
	dropped uint64
}

// NewFramer returns a framer for f, which must be 16-bit PCM.
func NewFramer(f audio.Format, out chan<- []int16) (*Framer, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if f.SampleWidth != 2 {
		return nil, fmt.Errorf("listen-along needs 16-bit samples, got %d bytes: %w", f.SampleWidth, audio.ErrBadFormat)
	}
	return &Framer{
		out:        out,
		frameBytes: f.FrameSamples() * f.SampleWidth,
	}, nil
}

// Write buffers p and emits every complete frame. It never fails.
func (fr *Framer) Write(p []byte) (int, error) {
	fr.mu.Lock()
	defer fr.mu.Unlock()

	fr.pending = append(fr.pending, p...)
	for len(fr.pending) >= fr.frameBytes {
		frame := audio.BytesToSamples(fr.pending[:fr.frameBytes])
		fr.pending = fr.pending[fr.frameBytes:]
		select {
		case fr.out <- frame:
		default:
			fr.dropped++
		}
	}
	// Keep the remainder in its own small buffer.
	if cap(fr.pending) > 4*fr.frameBytes {
		fr.pending = append([]byte(nil), fr.pending...)
	}
	return len(p), nil
}

// Tap adapts Write to the monitor's per-chunk hook.
func (fr *Framer) Tap(p []byte) { fr.Write(p) }

// Reset drops a partial frame left by a previous session.
func (fr *Framer) Reset() {
	fr.mu.Lock()
	fr.pending = nil
	fr.mu.Unlock()
}

// Dropped counts frames discarded because out was full.
func (fr *Framer) Dropped() uint64 {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return fr.dropped
}
