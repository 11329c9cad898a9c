package florin

import (
	"context"
	"sync"
	"time"
)

// NormalizationTracker coordinates the queue's flush timing with in-flight
// normalizations: the queue waits for a chat's pending set to drain before
// snapshotting a batch. Producers mark Finish only after the message reached
// the downstream queue, so a flush never observes an empty pending set while
// a message is between normalizer and queue.
type NormalizationTracker struct {
	mu    sync.Mutex
	chats map[int64]*chatPending
}

type chatPending struct {
	pending map[int64]struct{}
	done    chan struct{}
}

func NewNormalizationTracker() *NormalizationTracker {
	return &NormalizationTracker{chats: map[int64]*chatPending{}}
}

// Start adds a message to the chat's pending set.
func (t *NormalizationTracker) Start(chatID, messageID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp, ok := t.chats[chatID]
	if !ok {
		cp = &chatPending{pending: map[int64]struct{}{}, done: make(chan struct{})}
		t.chats[chatID] = cp
	}
	cp.pending[messageID] = struct{}{}
}

// Finish removes a message from the pending set. When the set drains, all
// waiters wake and the chat state is discarded.
func (t *NormalizationTracker) Finish(chatID, messageID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp, ok := t.chats[chatID]
	if !ok {
		return
	}
	delete(cp.pending, messageID)
	if len(cp.pending) == 0 {
		close(cp.done)
		delete(t.chats, chatID)
	}
}

// WaitForChat blocks until the chat's pending set drains. Returns false on
// timeout or context cancellation, leaving the pending set untouched. A chat
// with nothing pending returns true immediately.
func (t *NormalizationTracker) WaitForChat(ctx context.Context, chatID int64, timeout time.Duration) bool {
	t.mu.Lock()
	cp, ok := t.chats[chatID]
	t.mu.Unlock()
	if !ok {
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-cp.done:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Pending reports how many normalizations are in flight for the chat.
func (t *NormalizationTracker) Pending(chatID int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp, ok := t.chats[chatID]
	if !ok {
		return 0
	}
	return len(cp.pending)
}

// MediaGroupTracker detects when an album has finished arriving: Telegram
// delivers each album item as a separate update with a shared
// media_group_id and no count, so completion is a quiet period with no new
// registrations.
type MediaGroupTracker struct {
	mu       sync.Mutex
	lastSeen map[string]time.Time

	quiet   time.Duration
	poll    time.Duration
	maxWait time.Duration
}

func NewMediaGroupTracker() *MediaGroupTracker {
	return &MediaGroupTracker{
		lastSeen: map[string]time.Time{},
		quiet:    300 * time.Millisecond,
		poll:     50 * time.Millisecond,
		maxWait:  5 * time.Second,
	}
}

// Register refreshes the group's last-seen timestamp.
func (t *MediaGroupTracker) Register(groupID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSeen[groupID] = time.Now()
}

// WaitForComplete polls until no Register has happened for the quiet period,
// then discards the group state and returns true. Returns false when maxWait
// elapses or ctx is cancelled first.
func (t *MediaGroupTracker) WaitForComplete(ctx context.Context, groupID string) bool {
	deadline := time.Now().Add(t.maxWait)
	ticker := time.NewTicker(t.poll)
	defer ticker.Stop()

	for {
		t.mu.Lock()
		last, ok := t.lastSeen[groupID]
		if !ok || time.Since(last) >= t.quiet {
			delete(t.lastSeen, groupID)
			t.mu.Unlock()
			return true
		}
		t.mu.Unlock()

		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// Generation is one tracked in-flight run.
type Generation struct {
	key    ThreadKey
	cancel context.CancelFunc
}

// GenerationTracker maps a thread key to its in-flight generation so a new
// message in the same thread can drop the old answer.
type GenerationTracker struct {
	mu     sync.Mutex
	active map[ThreadKey]*Generation
}

func NewGenerationTracker() *GenerationTracker {
	return &GenerationTracker{active: map[ThreadKey]*Generation{}}
}

// Track registers cancel as the active generation for key, cancelling any
// previous one.
func (g *GenerationTracker) Track(key ThreadKey, cancel context.CancelFunc) *Generation {
	g.mu.Lock()
	defer g.mu.Unlock()
	if prev, ok := g.active[key]; ok {
		prev.cancel()
	}
	gen := &Generation{key: key, cancel: cancel}
	g.active[key] = gen
	return gen
}

// CancelActive cancels the in-flight generation for key, if any.
func (g *GenerationTracker) CancelActive(key ThreadKey) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	gen, ok := g.active[key]
	if !ok {
		return false
	}
	gen.cancel()
	return true
}

// Done unregisters gen unless a newer generation already replaced it.
func (g *GenerationTracker) Done(gen *Generation) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active[gen.key] == gen {
		delete(g.active, gen.key)
	}
}
