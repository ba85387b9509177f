// Package monitor runs one stream-monitoring session: it ingests decoded
// PCM into a sliding window, periodically asks the matcher what is playing,
// and reports debounced track lifecycle events.
package monitor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/xid"

	"github.com/satindergrewal/trackwatch/internal/audio"
	"github.com/satindergrewal/trackwatch/internal/catalog"
	"github.com/satindergrewal/trackwatch/internal/detect"
	"github.com/satindergrewal/trackwatch/internal/events"
	"github.com/satindergrewal/trackwatch/internal/matcher"
	"github.com/satindergrewal/trackwatch/internal/metrics"
	"github.com/satindergrewal/trackwatch/internal/procutil"
)

// ErrInvalidSettings is wrapped by Settings.Validate.
var ErrInvalidSettings = errors.New("invalid monitor settings")

// Settings are fixed for the lifetime of a session.
type Settings struct {
	Format        audio.Format
	Window        time.Duration // audio retained and submitted per query
	Overlap       time.Duration // shared between consecutive windows
	MissThreshold int           // consecutive misses before END
	QueryTimeout  time.Duration
}

// DefaultSettings mirrors the values the monitor has always shipped with.
func DefaultSettings() Settings {
	return Settings{
		Format:        audio.DefaultFormat(),
		Window:        25 * time.Second,
		Overlap:       5 * time.Second,
		MissThreshold: 2,
		QueryTimeout:  matcher.DefaultQueryTimeout,
	}
}

// Step is the query cadence.
func (s Settings) Step() time.Duration {
	return s.Window - s.Overlap
}

// Validate rejects settings that would never query or would query in a
// tight loop.
func (s Settings) Validate() error {
	if err := s.Format.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	if s.Overlap < 0 {
		return fmt.Errorf("%w: overlap %s is negative", ErrInvalidSettings, s.Overlap)
	}
	if s.Step() <= 0 {
		return fmt.Errorf("%w: window %s must be longer than overlap %s", ErrInvalidSettings, s.Window, s.Overlap)
	}
	if s.MissThreshold < 1 {
		return fmt.Errorf("%w: miss threshold %d must be at least 1", ErrInvalidSettings, s.MissThreshold)
	}
	if s.Format.BytesFor(s.Window) <= 0 {
		return fmt.Errorf("%w: window %s holds no audio", ErrInvalidSettings, s.Window)
	}
	return nil
}

// Stream is an open PCM source. Stop releases it and must be safe to call
// after the stream has ended.
type Stream interface {
	io.Reader
	Stop() error
}

// Source opens the PCM stream for a session.
type Source interface {
	Open(ctx context.Context) (Stream, error)
	Describe() string
}

// Querier identifies the audio in a WAV file.
type Querier interface {
	Query(ctx context.Context, wavPath string, timeout time.Duration) matcher.Result
}

// DecoderSource decodes a stream URL with ffmpeg.
type DecoderSource struct {
	Config audio.DecoderConfig
}

func (d DecoderSource) Open(ctx context.Context) (Stream, error) {
	dec, err := audio.StartDecoder(ctx, d.Config)
	if err != nil {
		return nil, err
	}
	return dec, nil
}

func (d DecoderSource) Describe() string {
	return procutil.Quote(d.Config.Argv())
}

// Options wires a session to its collaborators.
type Options struct {
	Settings Settings
	Source   Source
	Matcher  Querier
	Parser   matcher.ResultParser // SubstringParser when nil
	Tracks   []catalog.Track
	Sink     events.Sink
	// Tap, when set, receives every ingested chunk. It must not retain
	// the slice.
	Tap     func([]byte)
	TempDir string // where query artifacts are written, os.TempDir() if empty
}

// Session is a single monitoring run. Run it once.
type Session struct {
	id   string
	opts Options
	sink events.Sink

	now func() time.Time
}

// New validates opts and prepares a session.
func New(opts Options) (*Session, error) {
	if err := opts.Settings.Validate(); err != nil {
		return nil, err
	}
	if opts.Source == nil {
		return nil, errors.New("monitor: no source")
	}
	if opts.Matcher == nil {
		return nil, errors.New("monitor: no matcher")
	}
	if opts.Parser == nil {
		opts.Parser = matcher.SubstringParser{}
	}
	if opts.Sink == nil {
		opts.Sink = events.Discard
	}
	id := xid.New().String()
	return &Session{
		id:   id,
		opts: opts,
		sink: events.WithSession(id, opts.Sink),
		now:  time.Now,
	}, nil
}

// ID identifies the session in emitted events.
func (s *Session) ID() string { return s.id }

// Run ingests and queries until the stream ends or ctx is cancelled. It
// never panics or returns an error; every outcome is reported to the sink,
// and the last event is always STOPPED.
func (s *Session) Run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.sink.Emit(events.Errorf("[MONITOR ERROR] %v", r))
		}
		metrics.ActiveTracks.Set(0)
		s.sink.Emit(events.New(events.KindStopped, "[MONITOR STOPPED]"))
	}()

	if len(s.opts.Tracks) == 0 {
		s.sink.Emit(events.Infof("Warning: no reference tracks in catalog"))
	}

	s.sink.Emit(events.Infof("Starting ffmpeg: %s", s.opts.Source.Describe()))
	stream, err := s.opts.Source.Open(ctx)
	if err != nil {
		s.sink.Emit(events.Errorf("[FFMPEG ERROR] %v", err))
		return
	}
	defer stream.Stop()

	s.loop(ctx, stream)
}

func (s *Session) loop(ctx context.Context, stream Stream) {
	set := s.opts.Settings
	window := audio.NewWindow(set.Format.BytesFor(set.Window))
	tracker := detect.NewTracker(set.MissThreshold)
	step := set.Step()

	ba := set.Format.BlockAlign()
	chunk := make([]byte, max(set.Format.BytesPerSecond()/4/ba, 1)*ba)
	// chunk[:have] holds bytes not yet forming a whole sample frame. Only
	// whole frames reach the window, so every snapshot starts on a frame.
	have := 0
	lastCheck := s.now()
	cycle := 0

	for {
		if ctx.Err() != nil {
			s.sink.Emit(events.Infof("Stop requested, exiting"))
			return
		}

		n, err := stream.Read(chunk[have:])
		if n > 0 {
			metrics.IngestedBytes.Add(float64(n))
			have += n
			if whole := have - have%ba; whole > 0 {
				window.Append(chunk[:whole])
				if s.opts.Tap != nil {
					s.opts.Tap(chunk[:whole])
				}
				have = copy(chunk, chunk[whole:have])
			}
		}
		if err != nil {
			switch {
			case ctx.Err() != nil:
				s.sink.Emit(events.Infof("Stop requested, exiting"))
			case errors.Is(err, io.EOF):
				s.sink.Emit(events.Infof("ffmpeg ended or no data, exiting"))
			default:
				s.sink.Emit(events.Errorf("[FFMPEG ERROR] read: %v", err))
			}
			return
		}

		now := s.now()
		if now.Sub(lastCheck) < step || ctx.Err() != nil {
			continue
		}
		lastCheck = now
		cycle++
		s.dispatch(ctx, cycle, now, window.Snapshot(), tracker)
	}
}

// dispatch runs one query cycle against pcm and feeds the result to tracker.
func (s *Session) dispatch(ctx context.Context, cycle int, now time.Time, pcm []byte, tracker *detect.Tracker) {
	set := s.opts.Settings
	s.sink.Emit(events.Infof("[%s] Running query #%d (window %s)",
		now.Format("2006-01-02 15:04:05"), cycle, set.Window))

	res, err := s.query(ctx, pcm)
	if ctx.Err() != nil {
		// Stopped mid-query; the result is incomplete.
		return
	}
	metrics.QueryDuration.Observe(res.Duration.Seconds())

	var matched []catalog.Track
	switch {
	case err != nil:
		metrics.QueryCycles.WithLabelValues("failed").Inc()
		s.sink.Emit(events.Errorf("[QUERY ERROR] query #%d: %v", cycle, err))
	case res.Err != nil:
		metrics.QueryCycles.WithLabelValues("failed").Inc()
		s.sink.Emit(events.Errorf("[QUERY ERROR] query #%d: %v", cycle, res.Err))
	case res.TimedOut:
		metrics.QueryCycles.WithLabelValues("timeout").Inc()
		s.sink.Emit(events.Errorf("[QUERY TIMEOUT] query #%d after %s, treating as no match", cycle, set.QueryTimeout))
	case res.ExitCode != 0:
		metrics.QueryCycles.WithLabelValues("failed").Inc()
		s.sink.Emit(events.Errorf("[QUERY ERROR] query #%d: matcher exit %d, treating as no match", cycle, res.ExitCode))
	default:
		matched = s.opts.Parser.Parse(res.Output, s.opts.Tracks)
		if len(matched) > 0 {
			metrics.QueryCycles.WithLabelValues("match").Inc()
		} else {
			metrics.QueryCycles.WithLabelValues("nomatch").Inc()
		}
	}

	for _, e := range tracker.Observe(cycle, matched) {
		metrics.DetectionEvents.WithLabelValues(string(e.Kind)).Inc()
		s.sink.Emit(e)
	}
	metrics.ActiveTracks.Set(float64(tracker.Len()))
}

// query writes pcm to a temporary WAV file, runs the matcher on it and
// removes the file on every path out.
func (s *Session) query(ctx context.Context, pcm []byte) (matcher.Result, error) {
	f, err := os.CreateTemp(s.opts.TempDir, "panako_q_*.wav")
	if err != nil {
		return matcher.Result{}, fmt.Errorf("create query artifact: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)

	bw := bufio.NewWriter(f)
	if err := audio.WriteWAV(bw, s.opts.Settings.Format, pcm); err != nil {
		f.Close()
		return matcher.Result{}, err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return matcher.Result{}, fmt.Errorf("write query artifact: %w", err)
	}
	if err := f.Close(); err != nil {
		return matcher.Result{}, fmt.Errorf("close query artifact: %w", err)
	}

	return s.opts.Matcher.Query(ctx, path, s.opts.Settings.QueryTimeout), nil
}
