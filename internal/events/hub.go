package events

import (
	"log"
	"slices"
	"strings"
	"sync"
)

// Hub is the sink behind the HTTP API: it keeps a bounded history, tracks
// which tracks are currently playing from START/END events, and fans events
// out to live subscribers. Slow subscribers lose events rather than blocking
// the workers.
type Hub struct {
	mu         sync.RWMutex
	history    []Event
	maxHistory int
	playing    map[string]Event // track -> most recent START/CONTINUE
	subs       map[*Subscription]struct{}
}

// Subscription receives events published after it was created.
type Subscription struct {
	C    chan Event
	done chan struct{}
}

// Done is closed when the subscription is cancelled.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// NewHub creates a hub keeping the last maxHistory events.
func NewHub(maxHistory int) *Hub {
	if maxHistory <= 0 {
		maxHistory = 500
	}
	return &Hub{
		maxHistory: maxHistory,
		playing:    make(map[string]Event),
		subs:       make(map[*Subscription]struct{}),
	}
}

// Emit records e and forwards it to subscribers.
func (h *Hub) Emit(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.history = append(h.history, e)
	if over := len(h.history) - h.maxHistory; over > 0 {
		h.history = slices.Delete(h.history, 0, over)
	}

	switch e.Kind {
	case KindStart, KindContinue:
		h.playing[e.Track] = e
	case KindEnd:
		delete(h.playing, e.Track)
	case KindStopped:
		if e.Session != "" {
			for track, p := range h.playing {
				if p.Session == e.Session {
					delete(h.playing, track)
				}
			}
		}
	}

	for s := range h.subs {
		select {
		case s.C <- e:
		default:
			log.Printf("events: subscriber too slow, dropped %s", e.Kind)
		}
	}
}

// History returns a copy of the retained events, oldest first.
func (h *Hub) History() []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return slices.Clone(h.history)
}

// Playing returns the tracks currently considered active, sorted by name.
func (h *Hub) Playing() []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Event, 0, len(h.playing))
	for _, e := range h.playing {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b Event) int {
		return strings.Compare(a.Track, b.Track)
	})
	return out
}

// Subscribe registers a live subscriber with the given buffer size.
func (h *Hub) Subscribe(buf int) *Subscription {
	s, _ := h.SubscribeWithHistory(buf)
	return s
}

// SubscribeWithHistory registers a subscriber and returns the retained
// history at that instant. Every event is in exactly one of the two.
func (h *Hub) SubscribeWithHistory(buf int) (*Subscription, []Event) {
	if buf <= 0 {
		buf = 64
	}
	s := &Subscription{C: make(chan Event, buf), done: make(chan struct{})}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[s] = struct{}{}
	return s, slices.Clone(h.history)
}

// Unsubscribe removes s and closes its done channel.
func (h *Hub) Unsubscribe(s *Subscription) {
	h.mu.Lock()
	_, ok := h.subs[s]
	delete(h.subs, s)
	h.mu.Unlock()
	if ok {
		close(s.done)
	}
}

// SubscriberCount returns the number of live subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
