package florin

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DispatchFunc runs one batch for one thread. The queue retries a failed
// dispatch once before dropping the batch.
type DispatchFunc func(ctx context.Context, threadID string, batch Batch) error

// QueueConfig tunes batching. Zero values take the defaults noted per field.
type QueueConfig struct {
	// BatchDelay is how long a lone message waits for followers (150ms).
	BatchDelay time.Duration
	// ChatWait bounds the wait for in-flight normalizations (2s).
	ChatWait time.Duration
	// GroupChatWait is ChatWait for album messages (3s).
	GroupChatWait time.Duration
	Logger        *slog.Logger
}

// QueueStats is a point-in-time snapshot of queue health.
type QueueStats struct {
	Threads         int
	Processing      int
	Waiting         int
	PendingMessages int
}

// ThreadQueue serializes execution per thread while batching near-
// simultaneous messages into one executor run. Messages arriving while a
// batch runs are queued and dispatched as the next batch when the run ends.
type ThreadQueue struct {
	mu      sync.Mutex
	threads map[string]*threadState

	norm     *NormalizationTracker
	groups   *MediaGroupTracker
	dispatch DispatchFunc

	batchDelay    time.Duration
	chatWait      time.Duration
	groupChatWait time.Duration
	log           *slog.Logger
}

type threadState struct {
	pending    []*ProcessedMessage
	processing bool
}

func NewThreadQueue(norm *NormalizationTracker, groups *MediaGroupTracker, dispatch DispatchFunc, cfg QueueConfig) *ThreadQueue {
	if cfg.BatchDelay <= 0 {
		cfg.BatchDelay = 150 * time.Millisecond
	}
	if cfg.ChatWait <= 0 {
		cfg.ChatWait = 2 * time.Second
	}
	if cfg.GroupChatWait <= 0 {
		cfg.GroupChatWait = 3 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = nopLogger
	}
	return &ThreadQueue{
		threads:       map[string]*threadState{},
		norm:          norm,
		groups:        groups,
		dispatch:      dispatch,
		batchDelay:    cfg.BatchDelay,
		chatWait:      cfg.ChatWait,
		groupChatWait: cfg.GroupChatWait,
		log:           cfg.Logger,
	}
}

// Add appends msg to its thread and, unless a batch is already running,
// waits out the batching window and dispatches. Blocks for the duration of
// the dispatched run, including any follow-up batches that accumulate
// meanwhile.
//
// enqueued, if non-nil, runs once the message is visible to batch
// snapshots. Producers use it to mark the normalization finished: doing
// that any earlier lets a batch-mate's chat wait return before this
// message is in pending, splitting the batch.
func (q *ThreadQueue) Add(ctx context.Context, threadID string, msg *ProcessedMessage, enqueued func()) {
	q.mu.Lock()
	st, ok := q.threads[threadID]
	if !ok {
		st = &threadState{}
		q.threads[threadID] = st
	}
	st.pending = append(st.pending, msg)
	processing := st.processing
	q.mu.Unlock()

	if enqueued != nil {
		enqueued()
	}
	if processing {
		// The running batch picks this up when it finishes.
		return
	}

	q.waitForBatch(ctx, msg)

	q.mu.Lock()
	if st.processing || len(st.pending) == 0 {
		// Another goroutine took the batch during the wait.
		q.mu.Unlock()
		return
	}
	st.processing = true
	batch := Batch(st.pending)
	st.pending = nil
	q.mu.Unlock()

	q.run(ctx, threadID, st, batch)
}

// waitForBatch gives near-simultaneous messages a chance to join the batch:
// albums wait for the group to go quiet, everything waits for in-flight
// normalizations of the same chat.
func (q *ThreadQueue) waitForBatch(ctx context.Context, msg *ProcessedMessage) {
	chatID := msg.Inbound.ChatID
	if gid := msg.Inbound.MediaGroupID; gid != "" {
		if !q.groups.WaitForComplete(ctx, gid) {
			q.log.Warn("media group did not settle", "media_group_id", gid, "chat_id", chatID)
		}
		q.norm.WaitForChat(ctx, chatID, q.groupChatWait)
		return
	}

	timer := time.NewTimer(q.batchDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}
	q.norm.WaitForChat(ctx, chatID, q.chatWait)
}

// run executes batches for one thread until none remain, then releases the
// processing flag.
func (q *ThreadQueue) run(ctx context.Context, threadID string, st *threadState, batch Batch) {
	for {
		if err := q.dispatch(ctx, threadID, batch); err != nil {
			q.log.Warn("batch dispatch failed, retrying once",
				"thread_id", threadID,
				"batch_size", len(batch),
				"error", err)
			if err := q.dispatch(ctx, threadID, batch); err != nil {
				q.log.Error("batch dispatch failed after retry",
					"thread_id", threadID,
					"batch_size", len(batch),
					"error", err)
			}
		}

		q.mu.Lock()
		if len(st.pending) == 0 {
			st.processing = false
			q.mu.Unlock()
			return
		}
		batch = Batch(st.pending)
		st.pending = nil
		q.mu.Unlock()
	}
}

// Stats snapshots queue state.
func (q *ThreadQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := QueueStats{Threads: len(q.threads)}
	for _, st := range q.threads {
		if st.processing {
			s.Processing++
		} else if len(st.pending) > 0 {
			s.Waiting++
		}
		s.PendingMessages += len(st.pending)
	}
	return s
}
