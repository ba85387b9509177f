// Package detect turns per-cycle match sets into debounced track lifecycle
// events.
package detect

import (
	"slices"
	"strings"

	"github.com/satindergrewal/trackwatch/internal/catalog"
	"github.com/satindergrewal/trackwatch/internal/events"
)

// State is the bookkeeping for one active track.
type State struct {
	Track     catalog.Track
	LastSeen  int // cycle the track was last matched
	MissCount int // consecutive cycles without a match
}

// Tracker is the detection state table. It belongs to the single worker that
// calls Observe and is never shared.
type Tracker struct {
	missThreshold int
	active        map[string]*State // keyed by Track.Path
}

// NewTracker creates a tracker that ends a track after missThreshold
// consecutive misses. Values below 1 are treated as 1.
func NewTracker(missThreshold int) *Tracker {
	if missThreshold < 1 {
		missThreshold = 1
	}
	return &Tracker{
		missThreshold: missThreshold,
		active:        make(map[string]*State),
	}
}

// Observe applies one query cycle's matches and returns the resulting events:
// START/CONTINUE for matched tracks (in the order given), then END for tracks
// that reached the miss threshold (ordered by name).
func (t *Tracker) Observe(cycle int, matched []catalog.Track) []events.Event {
	var out []events.Event
	seen := make(map[string]bool, len(matched))

	for _, tr := range matched {
		if seen[tr.Path] {
			continue
		}
		seen[tr.Path] = true

		st, ok := t.active[tr.Path]
		if !ok {
			t.active[tr.Path] = &State{Track: tr, LastSeen: cycle}
			out = append(out, events.Detection(events.KindStart, tr.Name, cycle, cycle))
			continue
		}
		st.LastSeen = cycle
		st.MissCount = 0
		out = append(out, events.Detection(events.KindContinue, tr.Name, cycle, cycle))
	}

	var ended []*State
	for key, st := range t.active {
		if seen[key] {
			continue
		}
		st.MissCount++
		if st.MissCount >= t.missThreshold {
			ended = append(ended, st)
			delete(t.active, key)
		}
	}
	slices.SortFunc(ended, func(a, b *State) int {
		return strings.Compare(a.Track.Name, b.Track.Name)
	})
	for _, st := range ended {
		out = append(out, events.Detection(events.KindEnd, st.Track.Name, cycle, st.LastSeen))
	}
	return out
}

// Active returns copies of the current states, ordered by track name.
func (t *Tracker) Active() []State {
	out := make([]State, 0, len(t.active))
	for _, st := range t.active {
		out = append(out, *st)
	}
	slices.SortFunc(out, func(a, b State) int {
		return strings.Compare(a.Track.Name, b.Track.Name)
	})
	return out
}

// Len returns the number of active tracks.
func (t *Tracker) Len() int { return len(t.active) }
