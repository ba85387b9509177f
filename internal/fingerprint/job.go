// Package fingerprint indexes the reference library with the external
// matcher in store mode, one file at a time.
package fingerprint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/satindergrewal/trackwatch/internal/catalog"
	"github.com/satindergrewal/trackwatch/internal/events"
	"github.com/satindergrewal/trackwatch/internal/matcher"
	"github.com/satindergrewal/trackwatch/internal/metrics"
	"github.com/satindergrewal/trackwatch/internal/procutil"
)

// Storer indexes one reference file. Store returns the exit code of the
// store process. An err wrapping matcher.ErrNotStarted means it never ran;
// any other err is reported and the exit code still counts.
type Storer interface {
	Store(ctx context.Context, file, dbDir string, onLine func(string)) (int, error)
	StoreArgv(file, dbDir string) []string
}

// Options configure a store job.
type Options struct {
	Library    string   // reference directory, scanned recursively
	Extensions []string // catalog.DefaultExtensions when empty
	DBDir      string   // optional matcher database directory
	Force      bool     // delete DBDir before storing
	Storer     Storer
	Sink       events.Sink
	Progress   func(done, total int)
}

// Summary reports what a job did.
type Summary struct {
	Total     int
	Completed int // store process ran to exit, whatever its status
	Failed    int // completed with a non-zero exit
	Skipped   int // store process could not be started
	Cancelled bool
}

// Job is a single pass over the library.
type Job struct {
	opts Options
}

// NewJob prepares a store job.
func NewJob(opts Options) *Job {
	if opts.Sink == nil {
		opts.Sink = events.Discard
	}
	return &Job{opts: opts}
}

// Run stores every reference file in lexicographic order. Cancelling ctx
// terminates the file in flight and no further file is started. Run never
// returns an error: problems are reported to the sink, and the last event is
// always STOPPED.
func (j *Job) Run(ctx context.Context) (sum Summary) {
	sink := j.opts.Sink
	defer func() {
		if r := recover(); r != nil {
			sink.Emit(events.Errorf("[FINGERPRINT ERROR] %v", r))
		}
		sink.Emit(events.New(events.KindStopped, "[FINGERPRINT STOPPED]"))
	}()

	files, err := catalog.Files(j.opts.Library, j.opts.Extensions)
	if err != nil {
		sink.Emit(events.Errorf("[FINGERPRINT ERROR] %v", err))
		return sum
	}
	if len(files) == 0 {
		sink.Emit(events.Infof("[FINGERPRINT] No reference files found in %s", j.opts.Library))
		return sum
	}

	sum.Total = len(files)
	sink.Emit(events.Infof("[FINGERPRINT] Found %d reference files", sum.Total))
	j.progress(0, sum.Total)

	dbDir, err := j.prepareDB()
	if err != nil {
		sink.Emit(events.Errorf("[FINGERPRINT ERROR] %v", err))
		if errors.Is(err, errForceFailed) {
			return sum
		}
	} else if dbDir != "" {
		sink.Emit(events.Infof("[FINGERPRINT] Using DB dir: %s", dbDir))
	}

	for i, path := range files {
		if ctx.Err() != nil {
			sum.Cancelled = true
			sink.Emit(events.Infof("[FINGERPRINT] Stop requested, exiting (%d/%d files completed)", sum.Completed, sum.Total))
			return sum
		}

		sink.Emit(events.Infof("[FINGERPRINT] (%d/%d) Processing: %s", i+1, sum.Total, path))
		switch storeFile(ctx, j.opts.Storer, sink, path, dbDir) {
		case statusOK:
			sum.Completed++
		case statusFailed:
			sum.Completed++
			sum.Failed++
		case statusSkipped:
			sum.Skipped++
		case statusInterrupted:
			// Cancelled mid-file; reported at the top of the loop.
		}
		j.progress(i+1, sum.Total)
	}

	if ctx.Err() != nil {
		sum.Cancelled = true
		sink.Emit(events.Infof("[FINGERPRINT] Stop requested, exiting (%d/%d files completed)", sum.Completed, sum.Total))
		return sum
	}
	sink.Emit(events.Infof("[FINGERPRINT] Done: %d completed, %d failed, %d skipped", sum.Completed, sum.Failed, sum.Skipped))
	return sum
}

func (j *Job) progress(done, total int) {
	if j.opts.Progress != nil {
		j.opts.Progress(done, total)
	}
}

var errForceFailed = errors.New("force reindex failed")

// prepareDB resolves and creates the database directory. A directory that
// cannot be created is reported and the matcher falls back to its default.
func (j *Job) prepareDB() (string, error) {
	if j.opts.DBDir == "" {
		return "", nil
	}
	abs, err := filepath.Abs(j.opts.DBDir)
	if err != nil {
		return "", fmt.Errorf("could not prepare DB dir %q: %w", j.opts.DBDir, err)
	}
	if j.opts.Force {
		if err := os.RemoveAll(abs); err != nil {
			return "", fmt.Errorf("%w: delete %s: %v", errForceFailed, abs, err)
		}
		j.opts.Sink.Emit(events.Infof("[FINGERPRINT] Deleted DB folder %s (force)", abs))
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", fmt.Errorf("could not create DB dir %q: %w", abs, err)
	}
	return abs, nil
}

type status int

const (
	statusOK status = iota
	statusFailed
	statusSkipped
	statusInterrupted
)

// storeFile runs the matcher on a single file, streaming its output to sink.
func storeFile(ctx context.Context, storer Storer, sink events.Sink, path, dbDir string) status {
	sink.Emit(events.Infof("[FINGERPRINT] CMD: %s", procutil.Quote(storer.StoreArgv(path, dbDir))))

	code, err := storer.Store(ctx, path, dbDir, func(line string) {
		sink.Emit(events.New(events.KindOutput, line))
	})
	if errors.Is(err, matcher.ErrNotStarted) {
		metrics.FingerprintFiles.WithLabelValues("skipped").Inc()
		sink.Emit(events.Errorf("[FINGERPRINT ERROR] failed to start matcher for %s: %v", path, err))
		return statusSkipped
	}
	if err != nil {
		sink.Emit(events.Errorf("[FINGERPRINT ERROR] %s: %v", path, err))
	}
	if ctx.Err() != nil {
		sink.Emit(events.Infof("[FINGERPRINT] interrupted %s (exit %d)", path, code))
		return statusInterrupted
	}

	sink.Emit(events.Infof("[FINGERPRINT] process exit %d for %s", code, path))
	if code != 0 {
		metrics.FingerprintFiles.WithLabelValues("failed").Inc()
		return statusFailed
	}
	metrics.FingerprintFiles.WithLabelValues("ok").Inc()
	return statusOK
}
