package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/satindergrewal/trackwatch/internal/procutil"
)

// ErrNoStdout is returned when the decoder's output pipe cannot be opened.
var ErrNoStdout = errors.New("decoder stdout not captured")

// DecoderConfig describes how to turn a stream URL into raw PCM.
type DecoderConfig struct {
	Binary string // ffmpeg executable, "ffmpeg" if empty
	URL    string
	Format Format
}

// pcmCodec maps a sample width to ffmpeg's raw format name.
func pcmCodec(width int) string {
	switch width {
	case 1:
		return "u8"
	case 3:
		return "s24le"
	case 4:
		return "s32le"
	default:
		return "s16le"
	}
}

// Argv returns the full decoder command line.
func (c DecoderConfig) Argv() []string {
	bin := c.Binary
	if bin == "" {
		bin = "ffmpeg"
	}
	return []string{
		bin,
		"-i", c.URL,
		"-vn",
		"-ac", fmt.Sprint(c.Format.Channels),
		"-ar", fmt.Sprint(c.Format.SampleRate),
		"-f", pcmCodec(c.Format.SampleWidth),
		"-",
	}
}

// Decoder owns an ffmpeg process decoding a stream to PCM on stdout.
// Diagnostics on stderr are discarded.
type Decoder struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser

	waitOnce sync.Once
	waitErr  error
}

// StartDecoder launches the decoder. Cancelling ctx terminates the process.
func StartDecoder(ctx context.Context, cfg DecoderConfig) (*Decoder, error) {
	argv := cfg.Argv()
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	procutil.Terminable(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoStdout, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start decoder: %w", err)
	}
	return &Decoder{cmd: cmd, stdout: stdout}, nil
}

// Read reads decoded PCM. It blocks until data arrives or the stream ends.
func (d *Decoder) Read(p []byte) (int, error) {
	return d.stdout.Read(p)
}

// Stop terminates the decoder and reaps it. Safe to call more than once.
func (d *Decoder) Stop() error {
	if err := procutil.Terminate(d.cmd); err != nil {
		return fmt.Errorf("terminate decoder: %w", err)
	}
	d.wait()
	return nil
}

// Wait blocks until the decoder exits and returns its exit error.
func (d *Decoder) Wait() error {
	d.wait()
	return d.waitErr
}

func (d *Decoder) wait() {
	d.waitOnce.Do(func() {
		d.waitErr = d.cmd.Wait()
	})
}
