package monitor

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/satindergrewal/trackwatch/internal/audio"
	"github.com/satindergrewal/trackwatch/internal/catalog"
	"github.com/satindergrewal/trackwatch/internal/events"
	"github.com/satindergrewal/trackwatch/internal/matcher"
)

// Tiny format so windows stay small: 100 Hz mono 16-bit = 200 B/s.
var testFormat = audio.Format{SampleRate: 100, Channels: 1, SampleWidth: 2}

func testSettings(missThreshold int) Settings {
	return Settings{
		Format:        testFormat,
		Window:        3 * time.Second,
		Overlap:       1 * time.Second,
		MissThreshold: missThreshold,
		QueryTimeout:  time.Second,
	}
}

// fakeStream yields reads chunks of data then io.EOF.
type fakeStream struct {
	reads   int
	chunk   int
	mu      sync.Mutex
	stopped bool
}

func (f *fakeStream) Read(p []byte) (int, error) {
	if f.reads == 0 {
		return 0, io.EOF
	}
	f.reads--
	n := min(len(p), f.chunk)
	for i := range p[:n] {
		p[i] = byte(f.reads)
	}
	return n, nil
}

func (f *fakeStream) Stop() error {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
	return nil
}

type fakeSource struct {
	stream  *fakeStream
	openErr error
}

func (s *fakeSource) Open(context.Context) (Stream, error) {
	if s.openErr != nil {
		return nil, s.openErr
	}
	return s.stream, nil
}

func (s *fakeSource) Describe() string { return "fake-ffmpeg -i test" }

// fakeMatcher returns outputs[i] for the i-th query.
type fakeMatcher struct {
	t       *testing.T
	outputs []matcher.Result
	calls   int
	sizes   []int64
	onQuery func(call int)
}

func (m *fakeMatcher) Query(ctx context.Context, wavPath string, timeout time.Duration) matcher.Result {
	m.calls++
	info, err := os.Stat(wavPath)
	if err != nil {
		m.t.Errorf("query artifact missing during query: %v", err)
	} else {
		m.sizes = append(m.sizes, info.Size())
	}
	if m.onQuery != nil {
		m.onQuery(m.calls)
	}
	if m.calls <= len(m.outputs) {
		return m.outputs[m.calls-1]
	}
	return matcher.Result{}
}

func out(s string) matcher.Result { return matcher.Result{Output: s} }

// stepClock advances by d each time it is read.
func stepClock(d time.Duration) func() time.Time {
	t := time.Unix(1_700_000_000, 0)
	return func() time.Time {
		t = t.Add(d)
		return t
	}
}

type harness struct {
	session *Session
	rec     *events.Recorder
	stream  *fakeStream
	matcher *fakeMatcher
	tmp     string
}

func newHarness(t *testing.T, tracks []catalog.Track, settings Settings, reads int, outputs ...matcher.Result) *harness {
	t.Helper()
	h := &harness{
		rec:     &events.Recorder{},
		stream:  &fakeStream{reads: reads, chunk: 50},
		matcher: &fakeMatcher{t: t, outputs: outputs},
		tmp:     t.TempDir(),
	}
	s, err := New(Options{
		Settings: settings,
		Source:   &fakeSource{stream: h.stream},
		Matcher:  h.matcher,
		Tracks:   tracks,
		Sink:     h.rec,
		TempDir:  h.tmp,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Every read crosses the step boundary, so each read dispatches a query.
	s.now = stepClock(settings.Step())
	h.session = s
	return h
}

func detections(rec *events.Recorder) []string {
	var got []string
	for _, e := range rec.Detections() {
		got = append(got, e.String())
	}
	return got
}

func assertLines(t *testing.T, got, want []string) {
	t.Helper()
	if strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Errorf("events:\n  got  %q\n  want %q", got, want)
	}
}

func assertStoppedLast(t *testing.T, rec *events.Recorder) {
	t.Helper()
	if len(rec.Events) == 0 {
		t.Fatal("no events")
	}
	last := rec.Events[len(rec.Events)-1]
	if last.Kind != events.KindStopped || last.String() != "[MONITOR STOPPED]" {
		t.Errorf("last event = %q, want [MONITOR STOPPED]", last.String())
	}
}

func TestEndToEndStartContinue(t *testing.T) {
	songs := t.TempDir()
	if err := os.WriteFile(filepath.Join(songs, "trackA.mp3"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	tracks, err := catalog.Scan(songs, nil)
	if err != nil {
		t.Fatal(err)
	}

	h := newHarness(t, tracks, testSettings(1), 2,
		out("1 match: "+songs+"/trackA.mp3 score 40"),
		out("query result tracka"),
	)
	h.session.Run(context.Background())

	assertLines(t, detections(h.rec), []string{
		"START: trackA (check #1)",
		"CONTINUE: trackA (check #2)",
	})
	for _, e := range h.rec.Detections() {
		if e.Session != h.session.ID() {
			t.Errorf("event session = %q, want %q", e.Session, h.session.ID())
		}
	}
	assertStoppedLast(t, h.rec)
	if !h.stream.stopped {
		t.Error("decoder not released")
	}

	entries, _ := os.ReadDir(h.tmp)
	if len(entries) != 0 {
		t.Errorf("query artifacts left behind: %v", entries)
	}
}

func TestSingleMissAbsorbed(t *testing.T) {
	tracks := []catalog.Track{catalog.NewTrack("/s/trackA.mp3")}
	h := newHarness(t, tracks, testSettings(2), 4,
		out("tracka"), out("tracka"), out("nothing"), out("tracka"),
	)
	h.session.Run(context.Background())

	assertLines(t, detections(h.rec), []string{
		"START: trackA (check #1)",
		"CONTINUE: trackA (check #2)",
		"CONTINUE: trackA (check #4)",
	})
}

func TestEndAfterThreshold(t *testing.T) {
	tracks := []catalog.Track{catalog.NewTrack("/s/trackA.mp3")}
	h := newHarness(t, tracks, testSettings(2), 3, out("tracka"), out(""), out(""))
	h.session.Run(context.Background())

	dets := h.rec.Detections()
	assertLines(t, detections(h.rec), []string{
		"START: trackA (check #1)",
		"END: trackA (last seen check #1)",
	})
	if dets[1].Cycle != 3 || dets[1].LastSeen != 1 {
		t.Errorf("END at cycle %d last seen %d, want 3 and 1", dets[1].Cycle, dets[1].LastSeen)
	}
}

func TestTimeoutAndFailureCountAsMiss(t *testing.T) {
	tracks := []catalog.Track{catalog.NewTrack("/s/trackA.mp3")}
	h := newHarness(t, tracks, testSettings(2), 3,
		out("tracka"),
		matcher.Result{ExitCode: matcher.ExitTimeout, TimedOut: true, Output: "tracka"},
		matcher.Result{ExitCode: 1, Output: "tracka"},
	)
	h.session.Run(context.Background())

	assertLines(t, detections(h.rec), []string{
		"START: trackA (check #1)",
		"END: trackA (last seen check #1)",
	})
	var timeouts, failures int
	for _, e := range h.rec.Events {
		if strings.Contains(e.Message, "[QUERY TIMEOUT]") {
			timeouts++
		}
		if strings.Contains(e.Message, "matcher exit 1") {
			failures++
		}
	}
	if timeouts != 1 || failures != 1 {
		t.Errorf("timeouts=%d failures=%d, want 1 each", timeouts, failures)
	}
	assertStoppedLast(t, h.rec)
}

func TestCancelBetweenCycles(t *testing.T) {
	tracks := []catalog.Track{catalog.NewTrack("/s/trackA.mp3")}
	h := newHarness(t, tracks, testSettings(2), 100, out("tracka"), out("tracka"), out("tracka"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.matcher.onQuery = func(call int) {
		if call == 1 {
			cancel()
		}
	}
	h.session.Run(ctx)

	if h.matcher.calls != 1 {
		t.Errorf("queries dispatched = %d, want 1", h.matcher.calls)
	}
	if len(h.rec.Detections()) != 0 {
		t.Errorf("cancelled cycle must not emit detections: %v", detections(h.rec))
	}
	assertStoppedLast(t, h.rec)
	if !h.stream.stopped {
		t.Error("decoder not released on cancel")
	}
}

func TestCancelledBeforeStart(t *testing.T) {
	h := newHarness(t, nil, testSettings(2), 100)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.session.Run(ctx)
	if h.matcher.calls != 0 {
		t.Errorf("queries = %d, want 0", h.matcher.calls)
	}
	assertStoppedLast(t, h.rec)
}

func TestSourceOpenFailure(t *testing.T) {
	rec := &events.Recorder{}
	m := &fakeMatcher{t: t}
	s, err := New(Options{
		Settings: testSettings(2),
		Source:   &fakeSource{openErr: errors.New("exec: ffmpeg not found")},
		Matcher:  m,
		Sink:     rec,
	})
	if err != nil {
		t.Fatal(err)
	}
	s.Run(context.Background())

	if m.calls != 0 {
		t.Errorf("queries = %d, want 0", m.calls)
	}
	var sawErr bool
	for _, e := range rec.Events {
		if e.Kind == events.KindError && strings.Contains(e.Message, "[FFMPEG ERROR]") {
			sawErr = true
		}
	}
	if !sawErr {
		t.Errorf("no [FFMPEG ERROR] event in %q", rec.Lines())
	}
	assertStoppedLast(t, rec)
}

func TestPanicIsContained(t *testing.T) {
	h := newHarness(t, nil, testSettings(2), 5)
	h.matcher.onQuery = func(int) { panic("matcher exploded") }

	h.session.Run(context.Background())

	var sawPanic bool
	for _, e := range h.rec.Events {
		if e.Kind == events.KindError && strings.Contains(e.Message, "matcher exploded") {
			sawPanic = true
		}
	}
	if !sawPanic {
		t.Errorf("panic not reported: %q", h.rec.Lines())
	}
	assertStoppedLast(t, h.rec)
	if !h.stream.stopped {
		t.Error("decoder not released after panic")
	}
	entries, _ := os.ReadDir(h.tmp)
	if len(entries) != 0 {
		t.Errorf("query artifact leaked after panic: %v", entries)
	}
}

func TestCadenceFollowsWallClock(t *testing.T) {
	settings := testSettings(2)
	h := newHarness(t, nil, settings, 6)
	// Half a step per read: a query every second read.
	h.session.now = stepClock(settings.Step() / 2)
	h.session.Run(context.Background())

	if h.matcher.calls != 3 {
		t.Errorf("queries = %d, want 3", h.matcher.calls)
	}
}

func TestQueryArtifactBoundedByWindow(t *testing.T) {
	settings := testSettings(2)
	h := newHarness(t, nil, settings, 20)
	h.session.Run(context.Background())

	maxSize := int64(44 + settings.Format.BytesFor(settings.Window))
	for i, size := range h.matcher.sizes {
		if size > maxSize {
			t.Errorf("query %d artifact %d bytes exceeds window %d", i+1, size, maxSize)
		}
	}
	if last := h.matcher.sizes[len(h.matcher.sizes)-1]; last != maxSize {
		t.Errorf("full window artifact = %d bytes, want %d", last, maxSize)
	}
}

func TestTapSeesEveryChunk(t *testing.T) {
	stream := &fakeStream{reads: 4, chunk: 50}
	var tapped int
	s, err := New(Options{
		Settings: testSettings(2),
		Source:   &fakeSource{stream: stream},
		Matcher:  &fakeMatcher{t: t},
		Tap:      func(p []byte) { tapped += len(p) },
		TempDir:  t.TempDir(),
	})
	if err != nil {
		t.Fatal(err)
	}
	s.Run(context.Background())
	if tapped != 200 {
		t.Errorf("tapped %d bytes, want 200", tapped)
	}
}

// rampStream yields little-endian int16 samples 0, 1, 2, ... in reads of
// the given sizes, which need not be whole samples.
type rampStream struct {
	sizes []int
	pos   int // bytes produced so far
}

func (r *rampStream) Read(p []byte) (int, error) {
	if len(r.sizes) == 0 {
		return 0, io.EOF
	}
	n := min(len(p), r.sizes[0])
	r.sizes = r.sizes[1:]
	for i := range p[:n] {
		k := r.pos + i
		v := uint16(k / 2)
		if k%2 == 0 {
			p[i] = byte(v)
		} else {
			p[i] = byte(v >> 8)
		}
	}
	r.pos += n
	return n, nil
}

func (r *rampStream) Stop() error { return nil }

type rampSource struct{ stream *rampStream }

func (s rampSource) Open(context.Context) (Stream, error) { return s.stream, nil }
func (s rampSource) Describe() string                     { return "ramp" }

// rampChecker verifies each query artifact holds a contiguous ramp.
type rampChecker struct {
	t       *testing.T
	queries int
	full    bool
	window  int
}

func (c *rampChecker) Query(_ context.Context, wavPath string, _ time.Duration) matcher.Result {
	c.queries++
	b, err := os.ReadFile(wavPath)
	if err != nil {
		c.t.Fatalf("read artifact: %v", err)
	}
	data := b[44:]
	if len(data)%2 != 0 {
		c.t.Errorf("query %d: odd data length %d", c.queries, len(data))
		return matcher.Result{}
	}
	if len(data) == c.window {
		c.full = true
	}
	for i := 2; i+1 < len(data); i += 2 {
		prev := binary.LittleEndian.Uint16(data[i-2:])
		cur := binary.LittleEndian.Uint16(data[i:])
		if cur != prev+1 {
			c.t.Errorf("query %d: sample %d = %d after %d, data starts mid-sample", c.queries, i/2, cur, prev)
			break
		}
	}
	return matcher.Result{}
}

func TestOddSizedReadsKeepWindowOnSampleBoundary(t *testing.T) {
	settings := testSettings(2)
	var sizes []int
	for range 12 {
		sizes = append(sizes, 7, 13, 1, 49, 3)
	}
	sizes = append(sizes, 1)

	window := settings.Format.BytesFor(settings.Window)
	checker := &rampChecker{t: t, window: window}
	var tapped int
	s, err := New(Options{
		Settings: settings,
		Source:   rampSource{stream: &rampStream{sizes: sizes}},
		Matcher:  checker,
		Tap: func(p []byte) {
			if len(p)%2 != 0 {
				t.Errorf("tap got %d bytes, not whole samples", len(p))
			}
			tapped += len(p)
		},
		TempDir: t.TempDir(),
	})
	if err != nil {
		t.Fatal(err)
	}
	s.now = stepClock(settings.Step())
	s.Run(context.Background())

	if checker.queries == 0 || !checker.full {
		t.Errorf("queries = %d, full window seen = %v", checker.queries, checker.full)
	}
	// 877 bytes produced; the trailing odd byte never forms a sample.
	if tapped != 876 {
		t.Errorf("tapped %d bytes, want 876", tapped)
	}
}

func TestChunkSizeIsWholeFrames(t *testing.T) {
	// 22050 Hz stereo 16-bit: a quarter second is 22050 bytes, not a
	// multiple of the 4-byte frame.
	f := audio.Format{SampleRate: 22050, Channels: 2, SampleWidth: 2}
	stream := &fakeStream{reads: 1, chunk: 1 << 20}
	var got int
	s, err := New(Options{
		Settings: Settings{Format: f, Window: 3 * time.Second, Overlap: time.Second, MissThreshold: 1, QueryTimeout: time.Second},
		Source:   &fakeSource{stream: stream},
		Matcher:  &fakeMatcher{t: t},
		Tap:      func(p []byte) { got = len(p) },
		TempDir:  t.TempDir(),
	})
	if err != nil {
		t.Fatal(err)
	}
	s.Run(context.Background())
	if got == 0 || got%f.BlockAlign() != 0 {
		t.Errorf("chunk = %d bytes, want a non-zero multiple of %d", got, f.BlockAlign())
	}
}

func TestEmptyCatalogWarns(t *testing.T) {
	h := newHarness(t, nil, testSettings(2), 0)
	h.session.Run(context.Background())
	if !strings.HasPrefix(h.rec.Lines()[0], "Warning: no reference tracks") {
		t.Errorf("first line = %q, want catalog warning", h.rec.Lines()[0])
	}
}

func TestSettingsValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Settings)
		ok     bool
	}{
		{"defaults", func(*Settings) {}, true},
		{"window equals overlap", func(s *Settings) { s.Overlap = s.Window }, false},
		{"overlap exceeds window", func(s *Settings) { s.Overlap = s.Window + time.Second }, false},
		{"negative overlap", func(s *Settings) { s.Overlap = -time.Second }, false},
		{"zero overlap", func(s *Settings) { s.Overlap = 0 }, true},
		{"zero miss threshold", func(s *Settings) { s.MissThreshold = 0 }, false},
		{"bad format", func(s *Settings) { s.Format.Channels = 0 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultSettings()
			tt.modify(&s)
			err := s.Validate()
			if tt.ok && err != nil {
				t.Errorf("Validate = %v, want nil", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidSettings) {
				t.Errorf("Validate = %v, want ErrInvalidSettings", err)
			}
		})
	}
}

func TestNewRejectsZeroStep(t *testing.T) {
	s := DefaultSettings()
	s.Overlap = s.Window
	_, err := New(Options{Settings: s, Source: &fakeSource{}, Matcher: &fakeMatcher{t: t}})
	if !errors.Is(err, ErrInvalidSettings) {
		t.Errorf("New = %v, want ErrInvalidSettings", err)
	}
}

func TestDecoderSourceDescribe(t *testing.T) {
	src := DecoderSource{Config: audio.DecoderConfig{URL: "http://x/live?a=1&b=2", Format: audio.DefaultFormat()}}
	got := src.Describe()
	if !strings.Contains(got, "'http://x/live?a=1&b=2'") {
		t.Errorf("Describe = %q, want quoted URL", got)
	}
}
