package florin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// maxParallelTools caps the number of concurrent tool goroutines per
// iteration so a fan-out request cannot overwhelm the external services.
const maxParallelTools = 10

// ExecutorConfig tunes the tool loop. Zero values mean 16 iterations, no
// cost cap, precheck enabled.
type ExecutorConfig struct {
	MaxIterations int
	// CostCap is the absolute USD ceiling per invocation; zero disables it.
	CostCap decimal.Decimal
	// CostCapNotice is appended to the partial answer when the cap fires.
	CostCapNotice string
	// DisablePrecheck turns the paid-tool balance gate off.
	DisablePrecheck bool
	Display         DisplayConfig
	Logger          *slog.Logger
}

// Executor drives one LLM turn loop per batch: stream the turn into a
// throttled draft, dispatch requested tools in parallel, account their cost,
// feed results back, and commit the outcome.
type Executor struct {
	provider Provider
	registry *Registry
	ledger   *Ledger
	prompts  *PromptBuilder
	store    Store
	cache    Cache
	frontend Frontend
	audit    *ToolCallBatcher
	metrics  Metrics

	maxIter  int
	costCap  decimal.Decimal
	notice   string
	precheck bool
	display  DisplayConfig
	log      *slog.Logger
}

func NewExecutor(provider Provider, registry *Registry, ledger *Ledger, prompts *PromptBuilder, store Store, cache Cache, frontend Frontend, audit *ToolCallBatcher, metrics Metrics, cfg ExecutorConfig) *Executor {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 16
	}
	if cfg.CostCapNotice == "" {
		cfg.CostCapNotice = "⚠️ Cost limit reached, stopping here."
	}
	if cfg.Logger == nil {
		cfg.Logger = nopLogger
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &Executor{
		provider: provider,
		registry: registry,
		ledger:   ledger,
		prompts:  prompts,
		store:    store,
		cache:    cache,
		frontend: frontend,
		audit:    audit,
		metrics:  metrics,
		maxIter:  cfg.MaxIterations,
		costCap:  cfg.CostCap,
		notice:   cfg.CostCapNotice,
		precheck: !cfg.DisablePrecheck,
		display:  cfg.Display,
		log:      cfg.Logger,
	}
}

// deliveredFile is one tool artifact already sent to the user.
type deliveredFile struct {
	messageID int64
	file      GeneratedFile
}

// runState accumulates across loop iterations.
type runState struct {
	session   *DisplaySession
	usage     Usage
	llmCost   decimal.Decimal
	toolCost  decimal.Decimal
	delivered []deliveredFile
	cancelled bool
	// lastMsgID ties usage and tool charges to the newest inbound message.
	lastMsgID int64
}

func (st *runState) totalCost() decimal.Decimal { return st.llmCost.Add(st.toolCost) }

// Run executes one batch. Cancellation mid-stream is not an error: whatever
// already streamed commits as the partial answer and accrued usage is still
// charged. Any other failure returns to the queue, which retries once.
func (e *Executor) Run(ctx context.Context, user User, thread Thread, batch Batch) error {
	if len(batch) == 0 {
		return ErrEmptyBatch
	}
	start := time.Now()
	// Finalize and commit must survive a cancelled generation.
	commitCtx := context.WithoutCancel(ctx)

	req, err := e.prompts.Build(ctx, user, thread, batch, e.registry.Definitions())
	if err != nil {
		return err
	}

	st := &runState{
		session:   NewDisplaySession(e.frontend, thread.ChatID, thread.TopicID, e.display),
		lastMsgID: relatedBatchMessageID(batch),
	}
	scope := ToolScope{
		ThreadID: thread.ID,
		Key:      ThreadKey{ChatID: thread.ChatID, UserID: user.ID, TopicID: thread.TopicID},
		Language: user.Language,
	}

	err = e.loop(ctx, commitCtx, user, &req, st, scope)
	if err != nil && !st.cancelled {
		// Nothing streamed or committed yet worth keeping; let the queue retry.
		if len(st.session.Parts()) == 0 && st.session.draft.MessageID() == 0 {
			return err
		}
		e.log.Warn("tool loop error after partial output, committing partial",
			"thread_id", thread.ID, "error", err)
	}

	parts := st.session.Finalize(commitCtx)
	e.settle(commitCtx, user, batch, st)
	if err := e.commit(commitCtx, thread, batch, parts, st); err != nil {
		return err
	}
	e.metrics.BatchDispatched(commitCtx, len(batch), time.Since(start))
	e.log.Info("batch executed",
		"thread_id", thread.ID,
		"batch_size", len(batch),
		"parts", len(parts),
		"cost_usd", FormatUSD(st.totalCost()),
		"cancelled", st.cancelled,
		"duration", time.Since(start))
	return nil
}

// loop runs turn iterations until end_turn, cancellation, the cost cap, or
// the iteration budget.
func (e *Executor) loop(ctx, commitCtx context.Context, user User, req *TurnRequest, st *runState, scope ToolScope) error {
	for i := 0; i < e.maxIter; i++ {
		resp, err := e.provider.StreamTurn(ctx, *req, func(ev StreamEvent) {
			e.onStreamEvent(ctx, st.session, ev)
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				st.cancelled = true
				e.log.Debug("generation cancelled mid-stream", "iteration", i)
				return nil
			}
			return err
		}

		st.usage.Add(resp.Usage)
		turnCost := e.provider.CountCost(req.Model, resp.Usage)
		st.llmCost = RoundUSD(st.llmCost.Add(turnCost))
		e.metrics.TurnUsage(ctx, req.Model, resp.Usage, turnCost)

		pending := resp.PendingTools()
		rewriteImageMarkers(st.session, pending)
		st.session.EndBlock()
		st.session.Update(ctx)

		req.Messages = append(req.Messages, ChatMessage{
			Role:      RoleAssistant,
			Content:   resp.Text(),
			ToolCalls: pending,
			Raw:       resp.Raw,
		})

		switch resp.StopReason {
		case StopToolUse:
			results, forceBreak := e.dispatchTools(ctx, commitCtx, user, scope, pending, st)
			req.Messages = append(req.Messages, ToolResultsMessage(results))
			if st.cancelled {
				return nil
			}
			if forceBreak {
				return nil
			}
		case StopPauseTurn:
			// Provider paused a long-running turn; re-send accumulated history.
		default:
			// end_turn, max_tokens, refusal, unknown: final answer.
			return nil
		}

		if e.costCap.Sign() > 0 && st.totalCost().GreaterThanOrEqual(e.costCap) {
			e.log.Warn("cost cap reached, stopping loop",
				"cost_usd", FormatUSD(st.totalCost()),
				"cap_usd", FormatUSD(e.costCap),
				"iteration", i)
			st.session.EndBlock()
			st.session.Text(e.notice)
			return nil
		}
	}

	e.log.Warn("max iterations reached", "max", e.maxIter)
	return nil
}

// onStreamEvent mirrors one provider event into the draft.
func (e *Executor) onStreamEvent(ctx context.Context, session *DisplaySession, ev StreamEvent) {
	switch ev.Type {
	case EventThinkingDelta:
		session.Thinking(ev.Text)
		session.Update(ctx)
	case EventTextDelta:
		session.Text(ev.Text)
		session.Update(ctx)
	case EventToolStart:
		session.Marker(toolMarker(ev.Tool))
		session.Update(ctx)
	case EventBlockEnd:
		session.EndBlock()
	}
}

// dispatchTools prechecks, executes, delivers, and accounts one iteration's
// pending tools. Results come back in call order.
func (e *Executor) dispatchTools(ctx, commitCtx context.Context, user User, scope ToolScope, calls []ToolCall, st *runState) (blocks []ToolResultBlock, forceBreak bool) {
	results := make([]*ToolResult, len(calls))

	// Balance pre-check: strictly negative balance rejects paid tools before
	// they run. Unknown balance allows the call.
	var toRun []int
	for i, tc := range calls {
		if e.precheck && e.registry.IsPaid(tc.Name) {
			if balance, err := e.ledger.GetBalance(ctx, user.ID); err == nil && balance.Sign() < 0 {
				results[i] = precheckRejection(tc.Name, balance)
				e.metrics.PrecheckRejected(ctx, tc.Name)
				e.log.Info("paid tool rejected by balance precheck",
					"tool", tc.Name,
					"user_id", user.ID,
					"balance", FormatUSD(balance))
				continue
			}
		}
		toRun = append(toRun, i)
	}

	e.executeParallel(ctx, scope, calls, toRun, results)

	var firstFiles = true
	blocks = make([]ToolResultBlock, len(calls))
	for i, tc := range calls {
		res := results[i]
		if res == nil {
			res = ErrorResult("tool %s produced no result", tc.Name)
		}

		if ctx.Err() != nil {
			st.cancelled = true
		}

		// Deliver artifacts unless the generation was cancelled meanwhile.
		if len(res.Files) > 0 && !st.cancelled {
			if firstFiles {
				st.session.CommitForFiles(commitCtx)
				firstFiles = false
			}
			for _, f := range res.Files {
				if id, err := e.deliver(commitCtx, scope.Key, f); err == nil {
					st.delivered = append(st.delivered, deliveredFile{messageID: id, file: f})
				} else {
					e.log.Error("artifact delivery failed", "tool", tc.Name, "filename", f.Filename, "error", err)
				}
			}
		}

		// Cost accounting: at most one charge per tool result.
		if res.CostUSD.Sign() > 0 && !res.AlreadyCharged {
			if _, err := e.ledger.Charge(commitCtx, user.ID, res.CostUSD, "tool "+tc.Name, st.lastMsgID); err != nil {
				e.log.Error("tool charge failed", "tool", tc.Name, "user_id", user.ID, "error", err)
			} else {
				st.toolCost = RoundUSD(st.toolCost.Add(res.CostUSD))
			}
		}
		e.metrics.ToolExecuted(ctx, tc.Name, !res.IsError, res.Duration, res.CostUSD)

		if res.ModelID != "" && e.audit != nil {
			e.audit.Queue(ToolCallRecord{
				ID:            NewID(),
				UserID:        user.ID,
				ThreadID:      scope.ThreadID,
				ToolName:      tc.Name,
				ModelID:       res.ModelID,
				InputTokens:   res.Usage.InputTokens,
				OutputTokens:  res.Usage.OutputTokens,
				CacheRead:     res.Usage.CacheRead,
				CacheCreation: res.Usage.CacheCreation,
				CostUSD:       res.CostUSD,
				Duration:      res.Duration,
				Success:       !res.IsError,
				CreatedAt:     time.Now().UTC(),
			})
		}

		blocks[i] = ToolResultBlock{ToolCallID: tc.ID, Content: res.Content, IsError: res.IsError}
		forceBreak = forceBreak || res.ForceTurnBreak
	}
	return blocks, forceBreak
}

// executeParallel runs the selected calls through a bounded worker pool,
// writing each result at its call index. A single call runs inline.
func (e *Executor) executeParallel(ctx context.Context, scope ToolScope, calls []ToolCall, indices []int, results []*ToolResult) {
	if len(indices) == 0 {
		return
	}
	if len(indices) == 1 {
		i := indices[0]
		results[i] = e.safeExecute(ctx, scope, calls[i])
		return
	}

	work := make(chan int, len(indices))
	for _, i := range indices {
		work <- i
	}
	close(work)

	var mu sync.Mutex
	var wg sync.WaitGroup
	workers := min(len(indices), maxParallelTools)
	wg.Add(workers)
	for range workers {
		go func() {
			defer wg.Done()
			for i := range work {
				if ctx.Err() != nil {
					mu.Lock()
					results[i] = ErrorResult("cancelled: %v", ctx.Err())
					mu.Unlock()
					continue
				}
				res := e.safeExecute(ctx, scope, calls[i])
				mu.Lock()
				results[i] = res
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
}

// safeExecute converts tool panics and errors into error results so one
// broken tool never kills the loop.
func (e *Executor) safeExecute(ctx context.Context, scope ToolScope, tc ToolCall) (res *ToolResult) {
	defer func() {
		if p := recover(); p != nil {
			e.log.Error("tool panicked", "tool", tc.Name, "panic", p)
			res = ErrorResult("tool %q panic: %v", tc.Name, p)
		}
	}()
	start := time.Now()
	res, err := e.registry.Execute(ctx, scope, tc.Name, tc.Input)
	if err != nil {
		return &ToolResult{Content: "error: " + err.Error(), IsError: true, Duration: time.Since(start)}
	}
	return res
}

// deliver sends one artifact into the user's chat and topic.
func (e *Executor) deliver(ctx context.Context, key ThreadKey, f GeneratedFile) (int64, error) {
	if strings.HasPrefix(f.MIME, "image/") {
		return e.frontend.SendPhoto(ctx, key.ChatID, key.TopicID, f)
	}
	return e.frontend.SendDocument(ctx, key.ChatID, key.TopicID, f)
}

// settle charges the accrued LLM usage and any unbilled transcriptions.
func (e *Executor) settle(ctx context.Context, user User, batch Batch, st *runState) {
	if st.llmCost.Sign() > 0 {
		if _, err := e.ledger.Charge(ctx, user.ID, st.llmCost, "assistant response", st.lastMsgID); err != nil {
			e.log.Error("usage charge failed", "user_id", user.ID, "cost_usd", FormatUSD(st.llmCost), "error", err)
		}
	}
	for _, pm := range batch {
		if pm.Transcript == nil || pm.TranscriptionCharged || pm.Transcript.CostUSD.Sign() <= 0 {
			continue
		}
		desc := fmt.Sprintf("transcription %.0fs", pm.Transcript.Duration)
		if _, err := e.ledger.Charge(ctx, user.ID, pm.Transcript.CostUSD, desc, pm.Inbound.MessageID); err != nil {
			e.log.Error("transcription charge failed", "user_id", user.ID, "error", err)
			continue
		}
		pm.TranscriptionCharged = true
	}
}

// commit persists the batch's user messages, the assistant parts, and every
// file row, then refreshes the caches.
func (e *Executor) commit(ctx context.Context, thread Thread, batch Batch, parts []MessagePart, st *runState) error {
	now := time.Now().UTC()
	msgs := make([]Message, 0, len(batch)+len(parts))
	files := make([]UserFile, 0, len(st.delivered))

	for _, pm := range batch {
		in := pm.Inbound
		msgs = append(msgs, Message{
			ChatID:    in.ChatID,
			MessageID: in.MessageID,
			ThreadID:  thread.ID,
			Role:      RoleUser,
			Sender:    displayName(in.FirstName, in.Username),
			Text:      storedText(pm),
			Reply:     in.Reply,
			Forward:   in.Forward,
			Quote:     in.Quote,
			CreatedAt: in.Date,
		})
		for _, uf := range pm.Files {
			files = append(files, UserFile{
				ID:               NewID(),
				ChatID:           in.ChatID,
				MessageID:        in.MessageID,
				ThreadID:         thread.ID,
				Filename:         uf.Filename,
				MIME:             uf.MIME,
				Size:             uf.Size,
				Type:             uf.Type,
				Source:           SourceUser,
				ClaudeFileID:     uf.ClaudeFileID,
				TelegramFileID:   uf.TelegramFileID,
				TelegramUniqueID: uf.TelegramUniqueID,
				UploadedAt:       now,
				ExpiresAt:        uf.ExpiresAt,
			})
		}
	}

	for i, part := range parts {
		m := Message{
			ChatID:    thread.ChatID,
			MessageID: part.MessageID,
			ThreadID:  thread.ID,
			Role:      RoleAssistant,
			Text:      part.Text,
			CreatedAt: now,
		}
		if i == 0 {
			m.TextTokens = st.usage.OutputTokens
			m.ThinkingTokens = st.usage.CacheCreation
		}
		msgs = append(msgs, m)
	}

	for _, df := range st.delivered {
		files = append(files, UserFile{
			ID:         NewID(),
			ChatID:     thread.ChatID,
			MessageID:  df.messageID,
			ThreadID:   thread.ID,
			Filename:   df.file.Filename,
			MIME:       df.file.MIME,
			Size:       int64(len(df.file.Data)),
			Type:       FileGenerated,
			Source:     SourceAssistant,
			UploadedAt: now,
		})
	}

	if err := e.store.SaveMessages(ctx, msgs); err != nil {
		return fmt.Errorf("save messages: %w", err)
	}
	if len(files) > 0 {
		if err := e.store.SaveFiles(ctx, files); err != nil {
			return fmt.Errorf("save files: %w", err)
		}
		e.cache.InvalidateFiles(ctx, thread.ID)
	}
	e.cache.InvalidateMessages(ctx, thread.ID)
	if err := e.store.TouchThread(ctx, thread.ID, now); err != nil {
		e.log.Warn("touch thread failed", "thread_id", thread.ID, "error", err)
	}
	if e.audit != nil {
		e.audit.Flush(ctx)
	}
	return nil
}

// storedText is the persistable text of one inbound message: caption plus
// labeled transcript, without context markers (those re-render from fields).
func storedText(pm *ProcessedMessage) string {
	text := pm.Text
	if pm.Transcript != nil {
		label := "Voice message transcript"
		if pm.Inbound.ContentType == ContentVideoNote {
			label = "Video message transcript"
		}
		if text != "" {
			return fmt.Sprintf("%s\n[%s]: %s", text, label, pm.Transcript.Text)
		}
		return fmt.Sprintf("[%s]: %s", label, pm.Transcript.Text)
	}
	if text == "" && len(pm.Files) > 0 {
		names := make([]string, 0, len(pm.Files))
		for _, f := range pm.Files {
			names = append(names, f.Filename)
		}
		return fmt.Sprintf("[Sent %s]", strings.Join(names, ", "))
	}
	return text
}

func relatedBatchMessageID(batch Batch) int64 {
	if len(batch) == 0 {
		return 0
	}
	return batch[len(batch)-1].Inbound.MessageID
}

// precheckRejection is the synthetic tool result for a balance-gated call.
func precheckRejection(tool string, balance decimal.Decimal) *ToolResult {
	payload, _ := json.Marshal(map[string]string{
		"error":       "insufficient_balance",
		"message":     "The user's balance is negative. Apologize and suggest topping up with /topup.",
		"balance_usd": balance.String(),
		"tool_name":   tool,
	})
	return &ToolResult{Content: string(payload), IsError: true}
}

var toolEmoji = map[string]string{
	"analyze_image":    "🖼",
	"analyze_pdf":      "📄",
	"transcribe_audio": "🎙",
	"execute_python":   "🐍",
	"generate_image":   "🎨",
	"deliver_file":     "📎",
	"preview_file":     "👀",
	"web_search":       "🔍",
	"web_fetch":        "🌐",
	"render_latex":     "🧮",
}

// toolMarker renders the one-line activity marker shown while a tool runs.
// Image generation gets an open-ended marker until its full input arrives.
func toolMarker(name string) string {
	emoji, ok := toolEmoji[name]
	if !ok {
		emoji = "🔧"
	}
	if name == "generate_image" {
		return fmt.Sprintf("[%s %s…]", emoji, name)
	}
	return fmt.Sprintf("[%s %s]", emoji, name)
}

// rewriteImageMarkers fills in the generation prompt once the complete tool
// input is known.
func rewriteImageMarkers(session *DisplaySession, calls []ToolCall) {
	for _, tc := range calls {
		if tc.Name != "generate_image" {
			continue
		}
		var input struct {
			Prompt string `json:"prompt"`
		}
		if err := json.Unmarshal(tc.Input, &input); err != nil || input.Prompt == "" {
			continue
		}
		session.RewriteMarker(fmt.Sprintf("[%s %s: %q]", toolEmoji[tc.Name], tc.Name, truncateRunes(input.Prompt, 60)))
	}
}
