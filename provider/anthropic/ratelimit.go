package anthropic

import (
	"context"
	"sync"
	"time"
)

// limiter enforces provider-side requests-per-minute and tokens-per-minute
// budgets over sliding one-minute windows. The token limit is soft: the
// request that exceeds it completes, subsequent requests block until the
// window slides. Zero limits disable the corresponding window.
type limiter struct {
	mu sync.Mutex

	rpm       int
	rpmWindow []time.Time

	tpm       int64
	tpmWindow []tokenEntry
}

type tokenEntry struct {
	at     time.Time
	tokens int64
}

func newLimiter(rpm int, tpm int64) *limiter {
	return &limiter{rpm: rpm, tpm: tpm}
}

// wait blocks until both budgets allow a request, then reserves a request
// slot. Returns ctx.Err() if cancelled while waiting.
func (l *limiter) wait(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := time.Now()
		cutoff := now.Add(-time.Minute)

		l.rpmWindow = pruneRequests(l.rpmWindow, cutoff)
		l.tpmWindow = pruneTokens(l.tpmWindow, cutoff)

		rpmOK := l.rpm <= 0 || len(l.rpmWindow) < l.rpm

		tpmOK := true
		if l.tpm > 0 {
			var total int64
			for _, e := range l.tpmWindow {
				total += e.tokens
			}
			tpmOK = total < l.tpm
		}

		if rpmOK && tpmOK {
			if l.rpm > 0 {
				l.rpmWindow = append(l.rpmWindow, now)
			}
			l.mu.Unlock()
			return nil
		}

		// Sleep until the oldest entry of the blocking window expires.
		var wait time.Duration
		if !rpmOK && len(l.rpmWindow) > 0 {
			wait = l.rpmWindow[0].Add(time.Minute).Sub(now)
		}
		if !tpmOK && len(l.tpmWindow) > 0 {
			w := l.tpmWindow[0].at.Add(time.Minute).Sub(now)
			if wait == 0 || w < wait {
				wait = w
			}
		}
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		l.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// record adds a completed request's token count to the token window.
func (l *limiter) record(tokens int64) {
	if l.tpm <= 0 || tokens <= 0 {
		return
	}
	l.mu.Lock()
	l.tpmWindow = append(l.tpmWindow, tokenEntry{at: time.Now(), tokens: tokens})
	l.mu.Unlock()
}

func pruneRequests(s []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(s) && s[i].Before(cutoff) {
		i++
	}
	return s[i:]
}

func pruneTokens(s []tokenEntry, cutoff time.Time) []tokenEntry {
	i := 0
	for i < len(s) && s[i].at.Before(cutoff) {
		i++
	}
	return s[i:]
}
