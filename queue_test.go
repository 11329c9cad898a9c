package florin

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type dispatchRecorder struct {
	mu      sync.Mutex
	batches []Batch
	delay   time.Duration
	failN   int // fail the first N calls
	calls   int
}

func (d *dispatchRecorder) dispatch(_ context.Context, _ string, batch Batch) error {
	d.mu.Lock()
	d.calls++
	fail := d.calls <= d.failN
	if !fail {
		d.batches = append(d.batches, batch)
	}
	delay := d.delay
	d.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if fail {
		return errors.New("dispatch failed")
	}
	return nil
}

func (d *dispatchRecorder) snapshot() []Batch {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Batch(nil), d.batches...)
}

func textMsg(chatID, messageID int64, text string) *ProcessedMessage {
	return &ProcessedMessage{
		Inbound: &InboundMessage{
			ChatID:      chatID,
			UserID:      7,
			MessageID:   messageID,
			ContentType: ContentText,
			Text:        text,
		},
		Text: text,
	}
}

func testQueue(rec *dispatchRecorder) *ThreadQueue {
	return NewThreadQueue(NewNormalizationTracker(), NewMediaGroupTracker(), rec.dispatch, QueueConfig{
		BatchDelay:    20 * time.Millisecond,
		ChatWait:      100 * time.Millisecond,
		GroupChatWait: 100 * time.Millisecond,
	})
}

func TestThreadQueue_BatchesNearSimultaneousMessages(t *testing.T) {
	rec := &dispatchRecorder{}
	q := testQueue(rec)

	var wg sync.WaitGroup
	for i := int64(1); i <= 2; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			q.Add(context.Background(), "t1", textMsg(1, id, "m"), nil)
		}(i)
	}
	wg.Wait()

	batches := rec.snapshot()
	if len(batches) != 1 {
		t.Fatalf("got %d batches, want 1", len(batches))
	}
	if len(batches[0]) != 2 {
		t.Errorf("batch size = %d, want 2", len(batches[0]))
	}
}

func TestThreadQueue_SerializesPerThread(t *testing.T) {
	rec := &dispatchRecorder{delay: 60 * time.Millisecond}
	q := testQueue(rec)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.Add(context.Background(), "t1", textMsg(1, 1, "first"), nil)
	}()

	// Arrive while the first batch is being dispatched.
	time.Sleep(35 * time.Millisecond)
	q.Add(context.Background(), "t1", textMsg(1, 2, "second"), nil)

	wg.Wait()

	batches := rec.snapshot()
	if len(batches) != 2 {
		t.Fatalf("got %d batches, want 2", len(batches))
	}
	if batches[0][0].Text != "first" || batches[1][0].Text != "second" {
		t.Errorf("batches out of order: %q then %q", batches[0][0].Text, batches[1][0].Text)
	}
}

func TestThreadQueue_IndependentThreadsDoNotBlock(t *testing.T) {
	rec := &dispatchRecorder{}
	q := testQueue(rec)

	var wg sync.WaitGroup
	for i := int64(1); i <= 2; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			q.Add(context.Background(), string(rune('a'+id)), textMsg(id, id, "m"), nil)
		}(i)
	}
	wg.Wait()

	if got := len(rec.snapshot()); got != 2 {
		t.Errorf("got %d batches, want 2 (one per thread)", got)
	}
}

func TestThreadQueue_RetriesFailedDispatchOnce(t *testing.T) {
	rec := &dispatchRecorder{failN: 1}
	q := testQueue(rec)

	q.Add(context.Background(), "t1", textMsg(1, 1, "m"), nil)

	rec.mu.Lock()
	calls := rec.calls
	rec.mu.Unlock()
	if calls != 2 {
		t.Errorf("got %d dispatch calls, want 2 (original + one retry)", calls)
	}
	if len(rec.snapshot()) != 1 {
		t.Errorf("retry did not deliver the batch")
	}
}

func TestThreadQueue_GivesUpAfterRetry(t *testing.T) {
	rec := &dispatchRecorder{failN: 2}
	q := testQueue(rec)

	q.Add(context.Background(), "t1", textMsg(1, 1, "m"), nil)

	rec.mu.Lock()
	calls := rec.calls
	rec.mu.Unlock()
	if calls != 2 {
		t.Errorf("got %d dispatch calls, want 2", calls)
	}

	// The flag must be released so the next message still dispatches.
	q.Add(context.Background(), "t1", textMsg(1, 2, "next"), nil)
	if len(rec.snapshot()) != 1 {
		t.Errorf("queue stuck after failed batch")
	}
}

func TestThreadQueue_WaitsForPendingNormalizations(t *testing.T) {
	norm := NewNormalizationTracker()
	rec := &dispatchRecorder{}
	q := NewThreadQueue(norm, NewMediaGroupTracker(), rec.dispatch, QueueConfig{
		BatchDelay: 10 * time.Millisecond,
		ChatWait:   500 * time.Millisecond,
	})

	// A slow sibling normalization is in flight for the same chat.
	norm.Start(1, 2)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.Add(context.Background(), "t1", textMsg(1, 1, "fast"), nil)
	}()

	// The sibling arrives through Add, which marks the normalization
	// finished only after the message is in pending.
	time.Sleep(50 * time.Millisecond)
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.Add(context.Background(), "t1", textMsg(1, 2, "slow"), func() { norm.Finish(1, 2) })
	}()

	wg.Wait()

	batches := rec.snapshot()
	if len(batches) != 1 {
		t.Fatalf("got %d batches, want 1", len(batches))
	}
	if len(batches[0]) != 2 {
		t.Errorf("batch size = %d, want 2 (flush waited for the sibling)", len(batches[0]))
	}
}

func TestThreadQueue_MediaGroupWaitsForQuietPeriod(t *testing.T) {
	groups := NewMediaGroupTracker()
	groups.quiet = 40 * time.Millisecond
	groups.poll = 10 * time.Millisecond

	rec := &dispatchRecorder{}
	q := NewThreadQueue(NewNormalizationTracker(), groups, rec.dispatch, QueueConfig{
		BatchDelay: 10 * time.Millisecond,
		ChatWait:   100 * time.Millisecond,
	})

	groups.Register("g1")
	msg := textMsg(1, 1, "photo")
	msg.Inbound.MediaGroupID = "g1"

	start := time.Now()
	q.Add(context.Background(), "t1", msg, nil)
	if elapsed := time.Since(start); elapsed < 35*time.Millisecond {
		t.Errorf("album dispatched after %v, want at least the quiet period", elapsed)
	}
	if len(rec.snapshot()) != 1 {
		t.Errorf("album batch not dispatched")
	}
}

func TestThreadQueue_Stats(t *testing.T) {
	rec := &dispatchRecorder{delay: 80 * time.Millisecond}
	q := testQueue(rec)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.Add(context.Background(), "t1", textMsg(1, 1, "m"), nil)
	}()

	time.Sleep(40 * time.Millisecond)
	q.Add(context.Background(), "t1", textMsg(1, 2, "queued"), nil)

	stats := q.Stats()
	if stats.Threads != 1 {
		t.Errorf("threads = %d, want 1", stats.Threads)
	}
	if stats.Processing != 1 {
		t.Errorf("processing = %d, want 1", stats.Processing)
	}
	if stats.PendingMessages != 1 {
		t.Errorf("pending = %d, want 1", stats.PendingMessages)
	}
	wg.Wait()
}
