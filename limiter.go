package florin

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// LimiterConfig tunes per-user concurrency. Zero values mean capacity 5 and
// a 30s queue timeout.
type LimiterConfig struct {
	Capacity     int64
	QueueTimeout time.Duration
}

// LimiterStats is one user's counters.
type LimiterStats struct {
	Active    int
	Queued    int
	Processed int64
}

// Limiter caps concurrent generations per user. Excess requests queue up to
// the configured timeout, then fail with [ErrConcurrencyLimit]. Per-user
// state is retained to preserve counters.
type Limiter struct {
	mu       sync.Mutex
	users    map[int64]*userLimiter
	capacity int64
	timeout  time.Duration
}

type userLimiter struct {
	sem       *semaphore.Weighted
	active    int
	queued    int
	processed int64
}

func NewLimiter(cfg LimiterConfig) *Limiter {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 5
	}
	if cfg.QueueTimeout <= 0 {
		cfg.QueueTimeout = 30 * time.Second
	}
	return &Limiter{
		users:    map[int64]*userLimiter{},
		capacity: cfg.Capacity,
		timeout:  cfg.QueueTimeout,
	}
}

func (l *Limiter) user(userID int64) *userLimiter {
	ul, ok := l.users[userID]
	if !ok {
		ul = &userLimiter{sem: semaphore.NewWeighted(l.capacity)}
		l.users[userID] = ul
	}
	return ul
}

// Acquire claims one generation slot for the user. The returned release
// function must be called exactly once when the generation ends.
func (l *Limiter) Acquire(ctx context.Context, userID int64) (release func(), err error) {
	l.mu.Lock()
	ul := l.user(userID)
	queued := ul.active >= int(l.capacity)
	var qpos int
	if queued {
		ul.queued++
		qpos = ul.queued
	}
	l.mu.Unlock()

	start := time.Now()
	actx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	acqErr := ul.sem.Acquire(actx, 1)

	l.mu.Lock()
	if queued {
		ul.queued--
	}
	if acqErr != nil {
		l.mu.Unlock()
		return nil, &ErrConcurrencyLimit{QueuePosition: qpos, WaitTime: time.Since(start)}
	}
	ul.active++
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			ul.active--
			ul.processed++
			l.mu.Unlock()
			ul.sem.Release(1)
		})
	}, nil
}

// Stats returns the user's counters.
func (l *Limiter) Stats(userID int64) LimiterStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	ul, ok := l.users[userID]
	if !ok {
		return LimiterStats{}
	}
	return LimiterStats{Active: ul.active, Queued: ul.queued, Processed: ul.processed}
}
