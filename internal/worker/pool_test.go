package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolRunsJobs(t *testing.T) {
	p := New(3, 10, nil)
	var n atomic.Int32
	for i := 0; i < 10; i++ {
		if err := p.Submit(func(context.Context) error {
			n.Add(1)
			return nil
		}); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if n.Load() != 10 {
		t.Fatalf("ran %d jobs, want 10", n.Load())
	}
}

func TestPoolQueueFull(t *testing.T) {
	p := New(1, 1, nil)
	release := make(chan struct{})
	started := make(chan struct{})

	_ = p.Submit(func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started
	if err := p.Submit(func(context.Context) error { return nil }); err != nil {
		t.Fatalf("second Submit() error = %v", err)
	}
	if err := p.Submit(func(context.Context) error { return nil }); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("third Submit() error = %v, want ErrQueueFull", err)
	}
	close(release)
	_ = p.Stop(context.Background())
}

func TestPoolStopRejectsAndCancels(t *testing.T) {
	p := New(1, 1, nil)
	started := make(chan struct{})
	cancelled := make(chan struct{})

	_ = p.Submit(func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Stop() error = %v, want deadline exceeded", err)
	}
	<-cancelled

	if err := p.Submit(func(context.Context) error { return nil }); !errors.Is(err, ErrStopped) {
		t.Fatalf("Submit() after Stop error = %v", err)
	}
}

func TestPoolRecoversPanics(t *testing.T) {
	p := New(1, 2, nil)
	var ran atomic.Bool
	_ = p.Submit(func(context.Context) error { panic("boom") })
	_ = p.Submit(func(context.Context) error {
		ran.Store(true)
		return nil
	})
	_ = p.Stop(context.Background())
	if !ran.Load() {
		t.Fatal("worker died after panic")
	}
}
