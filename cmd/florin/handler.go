package main

import (
	"context"
	"errors"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/velikov/florin"
	"github.com/velikov/florin/internal/i18n"
)

func msDuration(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

func (a *App) handleUpdate(ctx context.Context, u florin.Update) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("update handler panic", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	switch {
	case u.Message != nil:
		a.handleMessage(ctx, u.Message)
	case u.Edited != nil:
		a.handleEdited(ctx, u.Edited)
	case u.PreCheckout != nil:
		a.handlePreCheckout(ctx, u.PreCheckout)
	case u.Payment != nil:
		a.handlePayment(ctx, u.Payment)
	case u.Callback != nil:
		a.handleCallback(ctx, u.Callback)
	}
}

func (a *App) handleMessage(ctx context.Context, in *florin.InboundMessage) {
	user, err := a.syncUser(ctx, in)
	if err != nil {
		a.log.Error("user sync failed", "user_id", in.UserID, "error", err)
		a.reply(ctx, in, a.cfg.Bot.DefaultLanguage, "generic_error")
		return
	}

	if cmd, args, ok := parseCommand(in.Text); ok {
		a.handleCommand(ctx, user, in, cmd, args)
		return
	}
	a.handleContent(ctx, user, in)
}

// handleContent runs the ingestion pipeline for one content message:
// normalize, resolve the thread (with topic routing in forums), enqueue.
func (a *App) handleContent(ctx context.Context, user florin.User, in *florin.InboundMessage) {
	a.deps.NormTracker.Start(in.ChatID, in.MessageID)
	finished := false
	finish := func() {
		if !finished {
			finished = true
			a.deps.NormTracker.Finish(in.ChatID, in.MessageID)
		}
	}
	defer finish()

	if in.MediaGroupID != "" {
		a.deps.Groups.Register(in.MediaGroupID)
	}
	if in.ContentType != florin.ContentText {
		// Downloads and uploads take a while; show activity meanwhile.
		a.deps.Frontend.SendTyping(ctx, in.ChatID, in.TopicID)
	}

	pm, err := a.deps.Normalizer.Normalize(ctx, in)
	if err != nil {
		a.log.Error("normalize failed",
			"chat_id", in.ChatID,
			"message_id", in.MessageID,
			"content_type", in.ContentType,
			"error", err)
		if strings.Contains(err.Error(), "unsupported content type") {
			a.reply(ctx, in, user.Language, "unsupported_content")
		} else {
			a.reply(ctx, in, user.Language, "generic_error")
		}
		return
	}

	key := florin.ThreadKey{ChatID: in.ChatID, UserID: in.UserID, TopicID: in.TopicID}
	thread, err := a.deps.Store.GetOrCreateThread(ctx, key)
	if err != nil {
		a.log.Error("thread resolve failed", "chat_id", in.ChatID, "error", err)
		a.reply(ctx, in, user.Language, "generic_error")
		return
	}
	if in.IsForum {
		if dec := a.deps.Router.Route(ctx, in, thread); dec.Action != florin.RouteStay && dec.Thread != nil {
			thread = *dec.Thread
		}
	}

	// A newer message in the same scope supersedes the running answer.
	a.deps.GenTracker.CancelActive(florin.ThreadKey{ChatID: thread.ChatID, UserID: thread.UserID, TopicID: thread.TopicID})

	// Add marks the normalization finished once the message is enqueued;
	// marking it here would let a batch-mate's chat wait return first and
	// split the batch.
	a.queue.Add(ctx, thread.ID, pm, finish)
}

// handleEdited rewrites the stored copy of an edited message so future
// prompts see the new text. Edits of unseen messages are ignored.
func (a *App) handleEdited(ctx context.Context, in *florin.InboundMessage) {
	msg, err := a.deps.Store.GetMessage(ctx, in.ChatID, in.MessageID)
	if err != nil {
		return
	}
	if err := a.deps.Store.UpdateMessageText(ctx, in.ChatID, in.MessageID, in.Text); err != nil {
		a.log.Warn("edit update failed", "chat_id", in.ChatID, "message_id", in.MessageID, "error", err)
		return
	}
	a.deps.Cache.InvalidateMessages(ctx, msg.ThreadID)
}

// handlePreCheckout approves a payment only when the payload round-trips and
// matches the paying user.
func (a *App) handlePreCheckout(ctx context.Context, q *florin.PreCheckoutQuery) {
	reason := validatePreCheckout(q)
	if err := a.deps.Frontend.AnswerPreCheckout(ctx, q.ID, reason == "", reason); err != nil {
		a.log.Error("pre-checkout answer failed", "query_id", q.ID, "error", err)
		return
	}
	if reason != "" {
		a.log.Warn("pre-checkout rejected", "user_id", q.UserID, "payload", q.Payload, "reason", reason)
	}
}

func validatePreCheckout(q *florin.PreCheckoutQuery) string {
	p, err := florin.ParseInvoicePayload(q.Payload)
	switch {
	case err != nil:
		return "malformed invoice payload"
	case p.UserID != q.UserID:
		return "invoice was issued to a different user"
	case q.Currency != "XTR":
		return "unexpected currency"
	case p.Stars != q.Amount:
		return "amount does not match the invoice"
	default:
		return ""
	}
}

func (a *App) handlePayment(ctx context.Context, sp *florin.SuccessfulPayment) {
	payment, balance, err := a.deps.Payments.CreditPayment(ctx, *sp)
	if err != nil {
		var dup *florin.ErrDuplicatePayment
		if errors.As(err, &dup) {
			a.log.Warn("duplicate payment ignored", "charge_id", sp.ChargeID, "user_id", sp.UserID)
			return
		}
		// Telegram already took the stars; this needs an operator.
		a.log.Error("payment credit failed",
			"charge_id", sp.ChargeID,
			"user_id", sp.UserID,
			"stars", sp.Amount,
			"error", err)
		return
	}
	a.deps.Metrics.PaymentCredited(ctx, sp.Amount, payment.CreditedUSD)

	lang := a.langForID(ctx, sp.UserID)
	text := i18n.T(lang, "payment_credited", florin.FormatUSD(payment.CreditedUSD), florin.FormatUSD(balance))
	if _, err := a.deps.Frontend.Send(ctx, sp.ChatID, 0, text); err != nil {
		a.log.Warn("payment confirmation failed", "chat_id", sp.ChatID, "error", err)
	}
}

// handleCallback serves the /topup preset keyboard ("topup:<stars>").
func (a *App) handleCallback(ctx context.Context, cb *florin.CallbackQuery) {
	stars, ok := strings.CutPrefix(cb.Data, "topup:")
	if !ok {
		a.deps.Frontend.AnswerCallback(ctx, cb.ID, "")
		return
	}
	n, err := strconv.ParseInt(stars, 10, 64)
	if err != nil || n <= 0 {
		a.deps.Frontend.AnswerCallback(ctx, cb.ID, "")
		return
	}
	a.deps.Frontend.AnswerCallback(ctx, cb.ID, "")
	if err := a.sendInvoice(ctx, cb.UserID, cb.ChatID, n); err != nil {
		a.log.Error("invoice from callback failed", "user_id", cb.UserID, "stars", n, "error", err)
	}
}

func (a *App) sendInvoice(ctx context.Context, userID, chatID, stars int64) error {
	_, credited := a.deps.Payments.Quote(stars)
	lang := a.langForID(ctx, userID)
	title := i18n.T(lang, "topup_title")
	description := i18n.T(lang, "topup_description", stars, florin.FormatUSD(credited))
	payload := florin.InvoicePayload(userID, stars, time.Now())
	return a.deps.Frontend.SendInvoice(ctx, chatID, title, description, payload, stars)
}

// parseCommand splits "/cmd@BotName args" into its parts. Non-commands
// return ok=false.
func parseCommand(text string) (cmd, args string, ok bool) {
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	rest := text[1:]
	if rest == "" {
		return "", "", false
	}
	cmd, args, _ = strings.Cut(rest, " ")
	cmd, _, _ = strings.Cut(cmd, "@")
	if cmd == "" {
		return "", "", false
	}
	return strings.ToLower(cmd), strings.TrimSpace(args), true
}
