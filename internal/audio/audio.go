package audio

import (
	"errors"
	"fmt"
	"time"
)

const (
	DefaultSampleRate  = 44100
	DefaultChannels    = 1
	DefaultSampleWidth = 2 // bytes per sample (s16le)
	FrameDuration      = 20 * time.Millisecond
)

// Format describes interleaved little-endian PCM as produced by the decoder.
type Format struct {
	SampleRate  int
	Channels    int
	SampleWidth int // bytes per sample
}

// DefaultFormat is 44.1kHz mono 16-bit, the rate reference tracks are usually indexed at.
func DefaultFormat() Format {
	return Format{
		SampleRate:  DefaultSampleRate,
		Channels:    DefaultChannels,
		SampleWidth: DefaultSampleWidth,
	}
}

// BlockAlign returns the size in bytes of one interleaved sample frame.
func (f Format) BlockAlign() int {
	return f.Channels * f.SampleWidth
}

// BytesPerSecond returns the PCM byte rate.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.BlockAlign()
}

// BytesFor returns the block-aligned byte length of d seconds of audio.
func (f Format) BytesFor(d time.Duration) int {
	n := int(d.Seconds() * float64(f.BytesPerSecond()))
	if ba := f.BlockAlign(); ba > 0 {
		n -= n % ba
	}
	return n
}

// FrameSamples returns the interleaved sample count of one 20ms frame.
func (f Format) FrameSamples() int {
	return f.SampleRate * int(FrameDuration/time.Millisecond) / 1000 * f.Channels
}

// Validate reports whether the format can describe real PCM.
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("sample rate %d: %w", f.SampleRate, ErrBadFormat)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("channels %d: %w", f.Channels, ErrBadFormat)
	}
	if f.SampleWidth <= 0 || f.SampleWidth > 4 {
		return fmt.Errorf("sample width %d: %w", f.SampleWidth, ErrBadFormat)
	}
	return nil
}

// ErrBadFormat is returned by Format.Validate.
var ErrBadFormat = errors.New("invalid pcm format")
