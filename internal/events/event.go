// Package events defines the ordered record stream produced by the monitor
// and fingerprint workers, and the sinks that consume it.
package events

import (
	"fmt"
	"log"
	"time"

	"github.com/rs/xid"
)

// Kind classifies an event.
type Kind string

const (
	KindStart    Kind = "START"
	KindContinue Kind = "CONTINUE"
	KindEnd      Kind = "END"
	KindInfo     Kind = "INFO"
	KindOutput   Kind = "OUTPUT" // verbatim matcher output line
	KindError    Kind = "ERROR"
	KindStopped  Kind = "STOPPED"
)

// IsDetection reports whether k is a track lifecycle event.
func (k Kind) IsDetection() bool {
	return k == KindStart || k == KindContinue || k == KindEnd
}

// Event is one immutable record. Detection events carry Track and Cycle;
// END also carries LastSeen.
type Event struct {
	ID       string    `json:"id"`
	Session  string    `json:"session,omitempty"`
	Kind     Kind      `json:"kind"`
	Track    string    `json:"track,omitempty"`
	Cycle    int       `json:"cycle,omitempty"`
	LastSeen int       `json:"last_seen,omitempty"`
	Message  string    `json:"message,omitempty"`
	Time     time.Time `json:"time"`
}

// New stamps an event with a fresh ID and the current time.
func New(kind Kind, message string) Event {
	return Event{
		ID:      xid.New().String(),
		Kind:    kind,
		Message: message,
		Time:    time.Now(),
	}
}

// Detection builds a START/CONTINUE/END event for track at cycle.
func Detection(kind Kind, track string, cycle, lastSeen int) Event {
	e := New(kind, "")
	e.Track = track
	e.Cycle = cycle
	e.LastSeen = lastSeen
	return e
}

// Infof builds an INFO event.
func Infof(format string, args ...any) Event {
	return New(KindInfo, fmt.Sprintf(format, args...))
}

// Errorf builds an ERROR event.
func Errorf(format string, args ...any) Event {
	return New(KindError, fmt.Sprintf(format, args...))
}

// String renders the event as a single text line.
func (e Event) String() string {
	switch e.Kind {
	case KindStart:
		return fmt.Sprintf("START: %s (check #%d)", e.Track, e.Cycle)
	case KindContinue:
		return fmt.Sprintf("CONTINUE: %s (check #%d)", e.Track, e.Cycle)
	case KindEnd:
		return fmt.Sprintf("END: %s (last seen check #%d)", e.Track, e.LastSeen)
	default:
		return e.Message
	}
}

// Sink receives events in emission order. Emit must not block for long and
// never reports back to the producer.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// LogSink writes each event through the standard logger.
type LogSink struct {
	Prefix string
}

func (s LogSink) Emit(e Event) {
	log.Printf("%s%s", s.Prefix, e.String())
}

// Multi fans each event out to every sink in order.
func Multi(sinks ...Sink) Sink {
	return SinkFunc(func(e Event) {
		for _, s := range sinks {
			s.Emit(e)
		}
	})
}

// WithSession stamps every event passing through with a session ID.
func WithSession(id string, next Sink) Sink {
	return SinkFunc(func(e Event) {
		e.Session = id
		next.Emit(e)
	})
}

// Recorder collects events in memory. It is intended for tests and for
// callers that want the full transcript of a short run.
type Recorder struct {
	Events []Event
}

func (r *Recorder) Emit(e Event) { r.Events = append(r.Events, e) }

// Lines returns the rendered lines of all recorded events.
func (r *Recorder) Lines() []string {
	out := make([]string, len(r.Events))
	for i, e := range r.Events {
		out[i] = e.String()
	}
	return out
}

// Detections returns only START/CONTINUE/END events.
func (r *Recorder) Detections() []Event {
	var out []Event
	for _, e := range r.Events {
		if e.Kind.IsDetection() {
			out = append(out, e)
		}
	}
	return out
}
