package florin

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// AuditConfig tunes the write-behind tool-call batcher. Zero values mean a
// batch of 16 and a 5 second flush interval.
type AuditConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	Logger        *slog.Logger
}

// ToolCallBatcher buffers tool-call audit rows and writes them to the store
// in batches, on size or interval. Audit rows are advisory: a failed flush
// logs and drops rather than failing the generation.
type ToolCallBatcher struct {
	store Store
	size  int
	log   *slog.Logger

	mu      sync.Mutex
	pending []ToolCallRecord

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewToolCallBatcher(store Store, cfg AuditConfig) *ToolCallBatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = nopLogger
	}
	b := &ToolCallBatcher{
		store: store,
		size:  cfg.BatchSize,
		log:   cfg.Logger,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go b.loop(cfg.FlushInterval)
	return b
}

// Queue buffers one audit row. Triggers a flush when the buffer reaches the
// batch size.
func (b *ToolCallBatcher) Queue(rec ToolCallRecord) {
	b.mu.Lock()
	b.pending = append(b.pending, rec)
	full := len(b.pending) >= b.size
	b.mu.Unlock()
	if full {
		b.Flush(context.Background())
	}
}

// Flush writes everything buffered so far.
func (b *ToolCallBatcher) Flush(ctx context.Context) {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	if err := b.store.SaveToolCalls(ctx, batch); err != nil {
		b.log.Error("tool call audit flush failed", "rows", len(batch), "error", err)
	}
}

// Close flushes the remaining rows and stops the interval loop.
func (b *ToolCallBatcher) Close() {
	b.stopOnce.Do(func() { close(b.stop) })
	<-b.done
	b.Flush(context.Background())
}

func (b *ToolCallBatcher) loop(interval time.Duration) {
	defer close(b.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.Flush(context.Background())
		}
	}
}
