package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/velikov/florin"
	"github.com/velikov/florin/internal/config"
	"github.com/velikov/florin/internal/i18n"
)

// deps bundles everything the update handler needs.
type deps struct {
	Frontend    florin.Frontend
	Store       florin.Store
	Cache       florin.Cache
	Normalizer  *florin.Normalizer
	Router      *florin.TopicRouter
	Executor    *florin.Executor
	Ledger      *florin.Ledger
	Payments    *florin.Payments
	Audit       *florin.ToolCallBatcher
	Metrics     florin.Metrics
	GenTracker  *florin.GenerationTracker
	NormTracker *florin.NormalizationTracker
	Groups      *florin.MediaGroupTracker
	Limiter     *florin.Limiter
	Logger      *slog.Logger
}

// App owns the update loop: one goroutine per inbound update, batching and
// ordering delegated to the thread queue.
type App struct {
	cfg   *config.Config
	deps  deps
	queue *florin.ThreadQueue
	log   *slog.Logger

	admins map[int64]bool

	// failures counts consecutive dispatch failures per thread so the
	// user is notified once, after the queue's automatic retry.
	failMu   sync.Mutex
	failures map[string]int

	wg sync.WaitGroup
}

func newApp(cfg *config.Config, d deps) *App {
	a := &App{
		cfg:      cfg,
		deps:     d,
		log:      d.Logger.With("component", "app"),
		admins:   map[int64]bool{},
		failures: map[string]int{},
	}
	for _, id := range cfg.Telegram.AdminIDs {
		a.admins[id] = true
	}
	a.queue = florin.NewThreadQueue(d.NormTracker, d.Groups, a.runBatch, florin.QueueConfig{
		BatchDelay: msDuration(cfg.Display.BatchDelayMS),
		Logger:     d.Logger.With("component", "queue"),
	})
	return a
}

// Run polls updates until ctx is cancelled, then waits for in-flight
// handlers (and through them, executors) to finish.
func (a *App) Run(ctx context.Context) error {
	updates, err := a.deps.Frontend.Poll(ctx)
	if err != nil {
		return fmt.Errorf("start polling: %w", err)
	}
	a.log.Info("bot started", "admins", len(a.admins))

	for u := range updates {
		u := u
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.handleUpdate(ctx, u)
		}()
	}

	a.log.Info("polling stopped, draining in-flight updates")
	a.wg.Wait()
	return ctx.Err()
}

// runBatch is the thread queue's dispatch function: acquire a per-user slot,
// register the generation for /cancel, and run the executor.
func (a *App) runBatch(ctx context.Context, threadID string, batch florin.Batch) error {
	if len(batch) == 0 {
		return florin.ErrEmptyBatch
	}
	in := batch[0].Inbound
	key := florin.ThreadKey{ChatID: in.ChatID, UserID: in.UserID, TopicID: in.TopicID}

	release, err := a.deps.Limiter.Acquire(ctx, in.UserID)
	if err != nil {
		var cl *florin.ErrConcurrencyLimit
		if errors.As(err, &cl) {
			a.log.Warn("concurrency limit hit",
				"user_id", in.UserID,
				"queue_position", cl.QueuePosition,
				"wait", cl.WaitTime)
			a.reply(ctx, in, a.langForID(ctx, in.UserID), "busy")
			return nil
		}
		return err
	}
	defer release()

	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	gen := a.deps.GenTracker.Track(key, cancel)
	defer a.deps.GenTracker.Done(gen)

	user, err := a.userFor(ctx, in.UserID)
	if err != nil {
		return fmt.Errorf("load user %d: %w", in.UserID, err)
	}
	thread, err := a.deps.Store.GetThread(ctx, threadID)
	if err != nil {
		return fmt.Errorf("load thread %s: %w", threadID, err)
	}

	err = a.deps.Executor.Run(genCtx, user, thread, batch)
	switch {
	case err == nil:
		a.clearFailure(threadID)
		return nil
	case genCtx.Err() != nil:
		// Cancelled by /cancel or a newer message; silent to the user.
		a.log.Info("generation cancelled", "thread_id", threadID, "user_id", in.UserID)
		a.clearFailure(threadID)
		return nil
	default:
		a.log.Error("executor run failed",
			"thread_id", threadID,
			"user_id", in.UserID,
			"batch_size", len(batch),
			"error", err)
		// The queue retries once; tell the user only when the retry
		// also failed.
		if a.noteFailure(threadID) >= 2 {
			a.clearFailure(threadID)
			a.reply(ctx, in, user.Language, "generic_error")
		}
		return err
	}
}

func (a *App) noteFailure(threadID string) int {
	a.failMu.Lock()
	defer a.failMu.Unlock()
	a.failures[threadID]++
	return a.failures[threadID]
}

func (a *App) clearFailure(threadID string) {
	a.failMu.Lock()
	defer a.failMu.Unlock()
	delete(a.failures, threadID)
}

// userFor loads a user profile, cache first.
func (a *App) userFor(ctx context.Context, userID int64) (florin.User, error) {
	if u, ok := a.deps.Cache.GetUser(ctx, userID); ok {
		return u, nil
	}
	u, err := a.deps.Store.GetUser(ctx, userID)
	if err != nil {
		return florin.User{}, err
	}
	a.deps.Cache.SetUser(ctx, u)
	return u, nil
}

// syncUser upserts the profile from the inbound snapshot.
func (a *App) syncUser(ctx context.Context, in *florin.InboundMessage) (florin.User, error) {
	u, err := a.deps.Store.GetOrCreateUser(ctx, florin.User{
		ID:        in.UserID,
		Username:  in.Username,
		FirstName: in.FirstName,
		Language:  i18n.Match(in.LanguageCode),
	})
	if err != nil {
		return florin.User{}, err
	}
	a.deps.Cache.SetUser(ctx, u)
	return u, nil
}

// langForID resolves the user's interface language, falling back to the
// configured default when the profile is unavailable.
func (a *App) langForID(ctx context.Context, userID int64) string {
	if u, err := a.userFor(ctx, userID); err == nil && u.Language != "" {
		return u.Language
	}
	return a.cfg.Bot.DefaultLanguage
}

// reply sends a localized message into the update's chat and topic.
func (a *App) reply(ctx context.Context, in *florin.InboundMessage, lang, key string, args ...any) {
	if _, err := a.deps.Frontend.Send(ctx, in.ChatID, in.TopicID, i18n.T(lang, key, args...)); err != nil {
		a.log.Warn("reply failed", "chat_id", in.ChatID, "key", key, "error", err)
	}
}
