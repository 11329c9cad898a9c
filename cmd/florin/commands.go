package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/velikov/florin"
	"github.com/velikov/florin/internal/i18n"
)

// knownModels are the model ids /model accepts.
var knownModels = []string{
	"claude-opus-4-1",
	"claude-sonnet-4-5",
	"claude-3-7-sonnet-latest",
	"claude-3-5-haiku-latest",
}

const (
	minTopupStars = 1
	maxTopupStars = 100_000
	historyLimit  = 10
)

var topupPresets = []int64{100, 250, 500}

func (a *App) handleCommand(ctx context.Context, user florin.User, in *florin.InboundMessage, cmd, args string) {
	lang := user.Language

	switch cmd {
	case "start":
		balance, err := a.deps.Ledger.GetBalance(ctx, user.ID)
		if err != nil {
			balance = user.Balance
		}
		a.reply(ctx, in, lang, "welcome", florin.FormatUSD(balance))

	case "help":
		a.reply(ctx, in, lang, "help")

	case "balance":
		balance, err := a.deps.Ledger.GetBalance(ctx, user.ID)
		if err != nil {
			a.log.Error("balance lookup failed", "user_id", user.ID, "error", err)
			a.reply(ctx, in, lang, "generic_error")
			return
		}
		key := "balance"
		if balance.IsNegative() {
			key = "balance_low"
		}
		a.reply(ctx, in, lang, key, florin.FormatUSD(balance))

	case "history":
		a.cmdHistory(ctx, user, in)

	case "topup":
		a.cmdTopup(ctx, user, in, args)

	case "refund":
		a.cmdRefund(ctx, user, in, args)

	case "model":
		a.cmdModel(ctx, user, in, args)

	case "prompt":
		a.cmdPrompt(ctx, user, in, args)

	case "language":
		a.cmdLanguage(ctx, user, in, args)

	case "new":
		a.cmdNew(ctx, user, in, args)

	case "cancel":
		key := florin.ThreadKey{ChatID: in.ChatID, UserID: in.UserID, TopicID: in.TopicID}
		if a.deps.GenTracker.CancelActive(key) {
			a.reply(ctx, in, lang, "cancel_done")
		} else {
			a.reply(ctx, in, lang, "cancel_none")
		}

	case "stats":
		a.cmdStats(ctx, user, in)

	case "grant":
		a.adminOnly(ctx, user, in, func() { a.cmdGrant(ctx, user, in, args) })

	case "setmargin":
		a.adminOnly(ctx, user, in, func() { a.cmdSetMargin(ctx, user, in, args) })

	case "integrity":
		a.adminOnly(ctx, user, in, func() { a.cmdIntegrity(ctx, user, in, args) })

	case "astats":
		a.adminOnly(ctx, user, in, func() { a.cmdAdminStats(ctx, in) })

	default:
		a.log.Debug("unknown command ignored", "command", cmd, "user_id", user.ID)
	}
}

func (a *App) adminOnly(ctx context.Context, user florin.User, in *florin.InboundMessage, fn func()) {
	if !a.admins[user.ID] {
		a.reply(ctx, in, user.Language, "admin_only")
		return
	}
	fn()
}

func (a *App) cmdHistory(ctx context.Context, user florin.User, in *florin.InboundMessage) {
	ops, err := a.deps.Ledger.BalanceHistory(ctx, user.ID, historyLimit)
	if err != nil {
		a.log.Error("history lookup failed", "user_id", user.ID, "error", err)
		a.reply(ctx, in, user.Language, "generic_error")
		return
	}
	if len(ops) == 0 {
		a.reply(ctx, in, user.Language, "history_empty")
		return
	}
	lines := []string{i18n.T(user.Language, "history_header")}
	for _, op := range ops {
		lines = append(lines, formatOperation(user.Language, op))
	}
	balance, err := a.deps.Ledger.GetBalance(ctx, user.ID)
	if err == nil {
		lines = append(lines, "", i18n.T(user.Language, "balance", florin.FormatUSD(balance)))
	}
	if _, err := a.deps.Frontend.Send(ctx, in.ChatID, in.TopicID, strings.Join(lines, "\n")); err != nil {
		a.log.Warn("history reply failed", "chat_id", in.ChatID, "error", err)
	}
}

// formatOperation renders one history line: date, signed amount, description.
// Payment-linked rows carry the charge id so /refund can reference it.
func formatOperation(lang string, op florin.BalanceOperation) string {
	sign := "+"
	if op.Amount.IsNegative() {
		sign = "-"
	}
	desc := op.Description
	if desc == "" {
		desc = string(op.Type)
	}
	if op.RelatedPaymentID != "" {
		desc = fmt.Sprintf("%s [%s]", desc, op.RelatedPaymentID)
	}
	return i18n.T(lang, "history_line",
		op.CreatedAt.Format("Jan 02 15:04"),
		sign,
		florin.FormatUSD(op.Amount.Abs()),
		desc)
}

func (a *App) cmdTopup(ctx context.Context, user florin.User, in *florin.InboundMessage, args string) {
	if args == "" {
		var rows [][]florin.Button
		for _, stars := range topupPresets {
			_, credited := a.deps.Payments.Quote(stars)
			rows = append(rows, []florin.Button{{
				Text: fmt.Sprintf("⭐ %d → $%s", stars, florin.FormatUSD(credited)),
				Data: fmt.Sprintf("topup:%d", stars),
			}})
		}
		text := i18n.T(user.Language, "topup_usage")
		if _, err := a.deps.Frontend.SendKeyboard(ctx, in.ChatID, in.TopicID, text, rows); err != nil {
			a.log.Warn("topup keyboard failed", "chat_id", in.ChatID, "error", err)
		}
		return
	}
	stars, err := strconv.ParseInt(args, 10, 64)
	if err != nil || stars < minTopupStars || stars > maxTopupStars {
		a.reply(ctx, in, user.Language, "topup_usage")
		return
	}
	if err := a.sendInvoice(ctx, user.ID, in.ChatID, stars); err != nil {
		a.log.Error("invoice failed", "user_id", user.ID, "stars", stars, "error", err)
		a.reply(ctx, in, user.Language, "generic_error")
	}
}

func (a *App) cmdRefund(ctx context.Context, user florin.User, in *florin.InboundMessage, args string) {
	chargeID := strings.TrimSpace(args)
	if chargeID == "" {
		a.reply(ctx, in, user.Language, "refund_usage")
		return
	}

	payment, err := a.deps.Payments.Refund(ctx, user.ID, chargeID)
	if err != nil {
		switch {
		case errors.Is(err, florin.ErrPaymentNotFound):
			a.reply(ctx, in, user.Language, "refund_not_found")
		case errors.Is(err, florin.ErrPaymentNotRefundable):
			a.reply(ctx, in, user.Language, "refund_not_refundable")
		case errors.Is(err, florin.ErrRefundWindowExpired):
			a.reply(ctx, in, user.Language, "refund_window")
		case errors.Is(err, florin.ErrRefundInsufficientBalance):
			a.reply(ctx, in, user.Language, "refund_balance")
		default:
			a.log.Error("refund failed", "user_id", user.ID, "charge_id", chargeID, "error", err)
			a.reply(ctx, in, user.Language, "generic_error")
		}
		return
	}

	// The ledger is already settled; a platform failure here means the
	// stars stay with Telegram and an operator has to re-drive the call.
	if err := a.deps.Frontend.RefundStarPayment(ctx, user.ID, chargeID); err != nil {
		a.log.Error("platform refund failed after ledger settle",
			"user_id", user.ID,
			"charge_id", chargeID,
			"credited_usd", florin.FormatUSD(payment.CreditedUSD),
			"error", err)
	}
	a.deps.Metrics.PaymentRefunded(ctx, payment.CreditedUSD)
	a.reply(ctx, in, user.Language, "refund_success", florin.FormatUSD(payment.CreditedUSD))
}

func (a *App) cmdModel(ctx context.Context, user florin.User, in *florin.InboundMessage, args string) {
	model := strings.TrimSpace(args)
	if model == "" || !isKnownModel(model) {
		a.reply(ctx, in, user.Language, "model_unknown", model, strings.Join(knownModels, ", "))
		return
	}
	if err := a.deps.Store.UpdateUserModel(ctx, user.ID, model); err != nil {
		a.log.Error("model update failed", "user_id", user.ID, "error", err)
		a.reply(ctx, in, user.Language, "generic_error")
		return
	}
	a.deps.Cache.InvalidateUser(ctx, user.ID)
	a.reply(ctx, in, user.Language, "model_set", model)
}

func isKnownModel(model string) bool {
	for _, m := range knownModels {
		if m == model {
			return true
		}
	}
	return false
}

func (a *App) cmdPrompt(ctx context.Context, user florin.User, in *florin.InboundMessage, args string) {
	prompt := strings.TrimSpace(args)
	if prompt == "off" {
		prompt = ""
	}
	if err := a.deps.Store.UpdateUserPrompt(ctx, user.ID, prompt); err != nil {
		a.log.Error("prompt update failed", "user_id", user.ID, "error", err)
		a.reply(ctx, in, user.Language, "generic_error")
		return
	}
	a.deps.Cache.InvalidateUser(ctx, user.ID)
	if prompt == "" {
		a.reply(ctx, in, user.Language, "prompt_cleared")
	} else {
		a.reply(ctx, in, user.Language, "prompt_set")
	}
}

func (a *App) cmdLanguage(ctx context.Context, user florin.User, in *florin.InboundMessage, args string) {
	lang := strings.ToLower(strings.TrimSpace(args))
	if lang != "en" && lang != "ru" {
		a.reply(ctx, in, user.Language, "language_usage")
		return
	}
	if err := a.deps.Store.UpdateUserLanguage(ctx, user.ID, lang); err != nil {
		a.log.Error("language update failed", "user_id", user.ID, "error", err)
		a.reply(ctx, in, user.Language, "generic_error")
		return
	}
	a.deps.Cache.InvalidateUser(ctx, user.ID)
	a.reply(ctx, in, lang, "language_set")
}

// cmdNew rotates the conversation. In forum chats it opens a fresh topic; in
// plain chats it clears the current thread's history under the new title.
func (a *App) cmdNew(ctx context.Context, user florin.User, in *florin.InboundMessage, args string) {
	title := strings.TrimSpace(args)
	if title == "" {
		a.reply(ctx, in, user.Language, "new_topic_usage")
		return
	}

	if in.IsForum {
		topicID, err := a.deps.Frontend.CreateForumTopic(ctx, in.ChatID, title)
		if err != nil {
			a.log.Error("forum topic create failed", "chat_id", in.ChatID, "error", err)
			a.reply(ctx, in, user.Language, "generic_error")
			return
		}
		key := florin.ThreadKey{ChatID: in.ChatID, UserID: in.UserID, TopicID: topicID}
		thread, err := a.deps.Store.GetOrCreateThread(ctx, key)
		if err == nil {
			err = a.deps.Store.UpdateThreadTitle(ctx, thread.ID, title)
		}
		if err != nil {
			a.log.Error("thread create failed", "chat_id", in.ChatID, "topic_id", topicID, "error", err)
			a.reply(ctx, in, user.Language, "generic_error")
			return
		}
		if _, err := a.deps.Frontend.Send(ctx, in.ChatID, topicID, i18n.T(user.Language, "new_topic", title)); err != nil {
			a.log.Warn("topic greeting failed", "chat_id", in.ChatID, "error", err)
		}
		return
	}

	key := florin.ThreadKey{ChatID: in.ChatID, UserID: in.UserID, TopicID: in.TopicID}
	thread, err := a.deps.Store.GetOrCreateThread(ctx, key)
	if err == nil {
		err = a.deps.Store.ClearThread(ctx, thread.ID)
	}
	if err == nil {
		err = a.deps.Store.UpdateThreadTitle(ctx, thread.ID, title)
	}
	if err != nil {
		a.log.Error("thread rotate failed", "chat_id", in.ChatID, "error", err)
		a.reply(ctx, in, user.Language, "generic_error")
		return
	}
	a.deps.Cache.InvalidateMessages(ctx, thread.ID)
	a.deps.Cache.InvalidateFiles(ctx, thread.ID)
	a.reply(ctx, in, user.Language, "new_topic", title)
}

func (a *App) cmdStats(ctx context.Context, user florin.User, in *florin.InboundMessage) {
	month, err := a.deps.Ledger.TotalCharged(ctx, user.ID, florin.PeriodMonth)
	if err != nil {
		a.log.Error("stats lookup failed", "user_id", user.ID, "error", err)
		a.reply(ctx, in, user.Language, "generic_error")
		return
	}
	today, err := a.deps.Ledger.TotalCharged(ctx, user.ID, florin.PeriodToday)
	if err != nil {
		a.log.Error("stats lookup failed", "user_id", user.ID, "error", err)
		a.reply(ctx, in, user.Language, "generic_error")
		return
	}
	var msgCount int
	key := florin.ThreadKey{ChatID: in.ChatID, UserID: in.UserID, TopicID: in.TopicID}
	if thread, err := a.deps.Store.GetOrCreateThread(ctx, key); err == nil {
		if msgs, err := a.deps.Store.ThreadMessages(ctx, thread.ID, 1000); err == nil {
			msgCount = len(msgs)
		}
	}
	a.reply(ctx, in, user.Language, "stats", florin.FormatUSD(month), florin.FormatUSD(today), msgCount)
}

// --- Admin commands ---

func (a *App) cmdGrant(ctx context.Context, admin florin.User, in *florin.InboundMessage, args string) {
	fields := strings.Fields(args)
	if len(fields) < 2 {
		a.reply(ctx, in, admin.Language, "grant_usage")
		return
	}
	target := fields[0]
	amount, err := decimal.NewFromString(fields[1])
	if err != nil || amount.IsZero() {
		a.reply(ctx, in, admin.Language, "grant_usage")
		return
	}
	desc := strings.Join(fields[2:], " ")
	if desc == "" {
		desc = fmt.Sprintf("admin grant by %d", admin.ID)
	}

	_, after, err := a.deps.Ledger.AdminAdjust(ctx, admin.ID, target, amount, desc)
	if err != nil {
		if errors.Is(err, florin.ErrUserNotFound) {
			a.reply(ctx, in, admin.Language, "refund_not_found")
			return
		}
		a.log.Error("grant failed", "admin_id", admin.ID, "target", target, "error", err)
		a.reply(ctx, in, admin.Language, "generic_error")
		return
	}
	a.reply(ctx, in, admin.Language, "grant_done", florin.FormatUSD(amount), target, florin.FormatUSD(after))
}

func (a *App) cmdSetMargin(ctx context.Context, admin florin.User, in *florin.InboundMessage, args string) {
	k3, err := decimal.NewFromString(strings.TrimSpace(args))
	if err != nil {
		a.reply(ctx, in, admin.Language, "setmargin_usage")
		return
	}
	if err := a.deps.Payments.SetMargin(k3); err != nil {
		a.reply(ctx, in, admin.Language, "setmargin_usage")
		return
	}
	a.reply(ctx, in, admin.Language, "setmargin_done", k3.String())
}

func (a *App) cmdIntegrity(ctx context.Context, admin florin.User, in *florin.InboundMessage, args string) {
	target := strings.TrimPrefix(strings.TrimSpace(args), "@")
	if target == "" {
		a.send(ctx, in, "Usage: /integrity <user_id|@username>")
		return
	}
	userID, err := strconv.ParseInt(target, 10, 64)
	if err != nil {
		u, lerr := a.deps.Store.GetUserByUsername(ctx, target)
		if lerr != nil {
			a.send(ctx, in, fmt.Sprintf("User %q not found.", target))
			return
		}
		userID = u.ID
	}
	ok, err := a.deps.Ledger.VerifyIntegrity(ctx, userID)
	if err != nil {
		a.log.Error("integrity check failed", "user_id", userID, "error", err)
		a.reply(ctx, in, admin.Language, "generic_error")
		return
	}
	if ok {
		a.send(ctx, in, fmt.Sprintf("Ledger for user %d is consistent.", userID))
	} else {
		a.send(ctx, in, fmt.Sprintf("⚠️ Ledger for user %d has inconsistent operations, see logs.", userID))
	}
}

func (a *App) cmdAdminStats(ctx context.Context, in *florin.InboundMessage) {
	qs := a.queue.Stats()
	ls := a.deps.Limiter.Stats(in.UserID)
	text := fmt.Sprintf(
		"Queue: %d threads, %d processing, %d waiting, %d pending messages.\n"+
			"Your limiter: %d active, %d queued, %d processed.\n"+
			"Owner margin: %s",
		qs.Threads, qs.Processing, qs.Waiting, qs.PendingMessages,
		ls.Active, ls.Queued, ls.Processed,
		a.deps.Payments.Margin().String())
	a.send(ctx, in, text)
}

func (a *App) send(ctx context.Context, in *florin.InboundMessage, text string) {
	if _, err := a.deps.Frontend.Send(ctx, in.ChatID, in.TopicID, text); err != nil {
		a.log.Warn("send failed", "chat_id", in.ChatID, "error", err)
	}
}
