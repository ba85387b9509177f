// Package worker runs at most one background task per slot.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
)

// ErrBusy is returned by Start while the slot's task is still running.
var ErrBusy = errors.New("worker already running")

// Slot holds a single cancellable task.
type Slot struct {
	name string

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSlot returns an idle slot. name is used in log lines.
func NewSlot(name string) *Slot {
	return &Slot{name: name}
}

// Start runs fn in a new goroutine with a context derived from parent.
func (s *Slot) Start(parent context.Context, fn func(ctx context.Context)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.runningLocked() {
		return fmt.Errorf("%s: %w", s.name, ErrBusy)
	}

	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done

	go func() {
		defer close(done)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				log.Printf("%s: worker panic: %v", s.name, r)
			}
		}()
		fn(ctx)
	}()
	return nil
}

// Stop cancels the running task, if any. It does not wait.
func (s *Slot) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.runningLocked() {
		return false
	}
	s.cancel()
	return true
}

// Running reports whether a task is in progress.
func (s *Slot) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runningLocked()
}

// Wait blocks until the current task returns or ctx is done.
func (s *Slot) Wait(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Slot) runningLocked() bool {
	if s.done == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}
