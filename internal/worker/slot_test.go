package worker

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSlotRejectsSecondStart(t *testing.T) {
	s := NewSlot("monitor")
	release := make(chan struct{})
	if err := s.Start(context.Background(), func(ctx context.Context) { <-release }); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !s.Running() {
		t.Fatal("expected running")
	}
	err := s.Start(context.Background(), func(ctx context.Context) {})
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("second Start err = %v, want ErrBusy", err)
	}

	close(release)
	if err := s.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s.Running() {
		t.Fatal("still running after task returned")
	}
	if err := s.Start(context.Background(), func(ctx context.Context) {}); err != nil {
		t.Fatalf("restart: %v", err)
	}
}

func TestSlotStopCancelsContext(t *testing.T) {
	s := NewSlot("index")
	if s.Stop() {
		t.Fatal("Stop on idle slot reported a task")
	}
	seen := make(chan error, 1)
	s.Start(context.Background(), func(ctx context.Context) {
		<-ctx.Done()
		seen <- ctx.Err()
	})
	if !s.Stop() {
		t.Fatal("Stop found nothing to cancel")
	}
	select {
	case err := <-seen:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("ctx err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("task not cancelled")
	}
	s.Wait(context.Background())
}

func TestSlotRecoversPanic(t *testing.T) {
	s := NewSlot("boom")
	s.Start(context.Background(), func(ctx context.Context) { panic("kaboom") })
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if s.Running() {
		t.Error("slot still running after panic")
	}
}

func TestSlotWaitHonoursContext(t *testing.T) {
	s := NewSlot("slow")
	release := make(chan struct{})
	defer close(release)
	s.Start(context.Background(), func(ctx context.Context) { <-release })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait err = %v, want deadline exceeded", err)
	}
}
