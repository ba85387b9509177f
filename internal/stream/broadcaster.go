// Package stream lets listeners hear the audio a monitor session is
// analysing, over chunked HTTP or WebRTC.
package stream

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/satindergrewal/trackwatch/internal/audio"
)

// DefaultListenerBuffer is ~3 seconds of 20ms frames.
const DefaultListenerBuffer = 150

// Broadcaster fans out PCM frames from the monitored stream to N listeners.
type Broadcaster struct {
	format audio.Format

	mu        sync.RWMutex
	listeners map[*Listener]struct{}
	dropped   atomic.Uint64
}

// Listener receives 20ms s16 frames in the broadcaster's format.
type Listener struct {
	C    chan []int16
	done chan struct{}
	once sync.Once
}

// Done is closed once the listener is unsubscribed.
func (l *Listener) Done() <-chan struct{} { return l.done }

// NewBroadcaster creates a broadcaster for frames in format f.
func NewBroadcaster(f audio.Format) *Broadcaster {
	return &Broadcaster{
		format:    f,
		listeners: make(map[*Listener]struct{}),
	}
}

// Format is the PCM layout of every frame.
func (b *Broadcaster) Format() audio.Format { return b.format }

// Subscribe registers a listener buffering up to buffer frames.
func (b *Broadcaster) Subscribe(buffer int) *Listener {
	if buffer <= 0 {
		buffer = DefaultListenerBuffer
	}
	l := &Listener{
		C:    make(chan []int16, buffer),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.listeners[l] = struct{}{}
	b.mu.Unlock()
	return l
}

// Unsubscribe removes a listener and signals it to stop. Safe to call twice.
func (b *Broadcaster) Unsubscribe(l *Listener) {
	b.mu.Lock()
	delete(b.listeners, l)
	b.mu.Unlock()
	l.once.Do(func() { close(l.done) })
}

// ListenerCount returns the number of active listeners.
func (b *Broadcaster) ListenerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Dropped counts frames not delivered to a slow listener.
func (b *Broadcaster) Dropped() uint64 { return b.dropped.Load() }

// Publish delivers frame to every listener without blocking.
func (b *Broadcaster) Publish(frame []int16) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for l := range b.listeners {
		select {
		case l.C <- frame:
		default:
			b.dropped.Add(1)
		}
	}
}

// Run publishes frames from source until ctx is done or source closes.
func (b *Broadcaster) Run(ctx context.Context, source <-chan []int16) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-source:
			if !ok {
				return
			}
			b.Publish(frame)
		}
	}
}
