// Package matcher drives the external acoustic-fingerprint program (Panako)
// in query and store mode.
package matcher

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/satindergrewal/trackwatch/internal/procutil"
)

const (
	// ExitTimeout is reported when a query is killed for running too long.
	// The matcher itself never returns it.
	ExitTimeout = 124

	DefaultQueryTimeout = 40 * time.Second

	timeoutOutput = "PANAKO QUERY TIMEOUT"
)

// DefaultAddOpens are the JVM module openings Panako needs on modern Java.
var DefaultAddOpens = []string{
	"java.base/java.nio=ALL-UNNAMED",
	"java.base/java.lang=ALL-UNNAMED",
}

// Panako invokes `java -jar panako.jar <mode> ...`.
type Panako struct {
	Java     string // java executable, "java" if empty
	Jar      string
	AddOpens []string
}

// Result is the outcome of one query invocation.
type Result struct {
	ExitCode int
	Output   string // combined stdout and stderr
	TimedOut bool
	Err      error // set when the process could not run at all or was cancelled
	Duration time.Duration
}

// OK reports whether the query ran to completion with exit status 0.
func (r Result) OK() bool {
	return r.Err == nil && !r.TimedOut && r.ExitCode == 0
}

func (p Panako) base() []string {
	java := p.Java
	if java == "" {
		java = "java"
	}
	argv := []string{java}
	for _, ao := range p.AddOpens {
		argv = append(argv, "--add-opens", ao)
	}
	return append(argv, "-jar", p.Jar)
}

// QueryArgv returns the command line that identifies the audio in wavPath.
func (p Panako) QueryArgv(wavPath string) []string {
	return append(p.base(), "query", wavPath)
}

// StoreArgv returns the command line that indexes a single reference file.
// dbDir is passed with -d when not empty.
func (p Panako) StoreArgv(file, dbDir string) []string {
	argv := append(p.base(), "store", "-f", file)
	if dbDir != "" {
		argv = append(argv, "-d", dbDir)
	}
	return argv
}

// Query runs the matcher against wavPath, killing it after timeout.
// A timeout is not an error: it yields ExitCode 124 and TimedOut.
func (p Panako) Query(ctx context.Context, wavPath string, timeout time.Duration) Result {
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	argv := p.QueryArgv(wavPath)
	cmd := exec.CommandContext(qctx, argv[0], argv[1:]...)
	cmd.WaitDelay = procutil.WaitDelay

	start := time.Now()
	out, err := cmd.CombinedOutput()
	res := Result{
		ExitCode: procutil.ExitCode(err),
		Output:   string(out),
		Duration: time.Since(start),
	}

	switch {
	case ctx.Err() != nil:
		res.Err = ctx.Err()
	case errors.Is(qctx.Err(), context.DeadlineExceeded):
		res.TimedOut = true
		res.ExitCode = ExitTimeout
		res.Output = timeoutOutput
	case err != nil && res.ExitCode == -1:
		res.Err = fmt.Errorf("run matcher: %w", err)
	}
	return res
}

// ErrNotStarted wraps Store errors for a process that never ran.
var ErrNotStarted = errors.New("matcher not started")

// Store indexes file, calling onLine for every output line as it is produced.
// It returns the process exit code. An error wrapping ErrNotStarted means the
// process could not be started; any other error means its output could not
// be read in full, and the exit code is still valid. Cancelling ctx
// terminates the process.
func (p Panako) Store(ctx context.Context, file, dbDir string, onLine func(string)) (int, error) {
	argv := p.StoreArgv(file, dbDir)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	procutil.Terminable(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return -1, fmt.Errorf("%w: stdout: %v", ErrNotStarted, err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("%w: %v", ErrNotStarted, err)
	}

	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	for sc.Scan() {
		if onLine != nil {
			onLine(sc.Text())
		}
	}
	scanErr := sc.Err()
	if scanErr != nil {
		// Keep the pipe flowing so the child can run to exit.
		io.Copy(io.Discard, stdout)
	}

	code := procutil.ExitCode(cmd.Wait())
	if scanErr != nil {
		return code, fmt.Errorf("read matcher output: %w", scanErr)
	}
	return code, nil
}

// maxLine bounds a single line of store output.
const maxLine = 1024 * 1024
