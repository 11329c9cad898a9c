package florin

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLimiter_AcquireUnderCapacity(t *testing.T) {
	l := NewLimiter(LimiterConfig{Capacity: 2, QueueTimeout: 50 * time.Millisecond})

	r1, err := l.Acquire(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r2, err := l.Acquire(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stats := l.Stats(1)
	if stats.Active != 2 {
		t.Errorf("active = %d, want 2", stats.Active)
	}

	r1()
	r2()
	stats = l.Stats(1)
	if stats.Active != 0 {
		t.Errorf("active = %d, want 0 after release", stats.Active)
	}
	if stats.Processed != 2 {
		t.Errorf("processed = %d, want 2", stats.Processed)
	}
}

func TestLimiter_QueueTimeout(t *testing.T) {
	l := NewLimiter(LimiterConfig{Capacity: 1, QueueTimeout: 40 * time.Millisecond})

	release, err := l.Acquire(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer release()

	start := time.Now()
	_, err = l.Acquire(context.Background(), 1)
	var limitErr *ErrConcurrencyLimit
	if !errors.As(err, &limitErr) {
		t.Fatalf("got %v, want ErrConcurrencyLimit", err)
	}
	if limitErr.QueuePosition < 1 {
		t.Errorf("queue position = %d, want >= 1", limitErr.QueuePosition)
	}
	if limitErr.WaitTime < 30*time.Millisecond {
		t.Errorf("wait time = %v, want at least ~40ms", limitErr.WaitTime)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Errorf("acquire blocked far past the queue timeout")
	}

	stats := l.Stats(1)
	if stats.Queued != 0 {
		t.Errorf("queued = %d, want 0 after the wait ended", stats.Queued)
	}
}

func TestLimiter_QueuedAcquireSucceedsOnRelease(t *testing.T) {
	l := NewLimiter(LimiterConfig{Capacity: 1, QueueTimeout: time.Second})

	release, err := l.Acquire(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	acquired := make(chan error, 1)
	go func() {
		r, err := l.Acquire(context.Background(), 1)
		if err == nil {
			r()
		}
		acquired <- err
	}()

	time.Sleep(20 * time.Millisecond)
	release()

	select {
	case err := <-acquired:
		if err != nil {
			t.Errorf("queued acquire failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("queued acquire never completed")
	}
}

func TestLimiter_UsersAreIndependent(t *testing.T) {
	l := NewLimiter(LimiterConfig{Capacity: 1, QueueTimeout: 30 * time.Millisecond})

	r1, err := l.Acquire(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer r1()

	// A different user is unaffected by user 1 being at capacity.
	r2, err := l.Acquire(context.Background(), 2)
	if err != nil {
		t.Fatalf("user 2 blocked by user 1: %v", err)
	}
	r2()
}

func TestLimiter_ReleaseIsIdempotent(t *testing.T) {
	l := NewLimiter(LimiterConfig{Capacity: 1, QueueTimeout: 30 * time.Millisecond})

	release, err := l.Acquire(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	release()
	release() // second call must be a no-op

	stats := l.Stats(1)
	if stats.Active != 0 {
		t.Errorf("active = %d, want 0", stats.Active)
	}
	if stats.Processed != 1 {
		t.Errorf("processed = %d, want 1", stats.Processed)
	}
}
