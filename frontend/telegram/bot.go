// Package telegram implements florin.Frontend against the Telegram Bot API
// over plain HTTP, with long polling for updates.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/velikov/florin"
)

const (
	apiBaseURL  = "https://api.telegram.org/bot"
	fileBaseURL = "https://api.telegram.org/file/bot"

	maxMessageLength = 4096
	maxCaptionLength = 1024

	pollTimeout = 30 * time.Second
)

// Bot implements florin.Frontend for Telegram.
type Bot struct {
	token      string
	httpClient *http.Client
	log        *slog.Logger
}

var _ florin.Frontend = (*Bot)(nil)

// NewBot creates a Telegram bot client for the given token. The HTTP client
// timeout leaves headroom over the long-poll timeout.
func NewBot(token string, log *slog.Logger) *Bot {
	if log == nil {
		log = slog.Default()
	}
	return &Bot{
		token:      token,
		httpClient: &http.Client{Timeout: pollTimeout + 15*time.Second},
		log:        log,
	}
}

// --- Polling ---

// Poll starts long-polling for updates and returns a channel of inbound
// events. The channel closes when ctx is cancelled.
func (b *Bot) Poll(ctx context.Context) (<-chan florin.Update, error) {
	ch := make(chan florin.Update)
	go b.pollLoop(ctx, ch)
	return ch, nil
}

func (b *Bot) pollLoop(ctx context.Context, ch chan<- florin.Update) {
	defer close(ch)
	var offset int64

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		updates, err := b.getUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.log.Warn("poll failed, retrying", "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			out, ok := mapUpdate(u)
			if !ok {
				continue
			}
			select {
			case ch <- out:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (b *Bot) getUpdates(ctx context.Context, offset int64) ([]Update, error) {
	body := map[string]any{
		"offset":          offset,
		"timeout":         int(pollTimeout.Seconds()),
		"allowed_updates": []string{"message", "edited_message", "callback_query", "pre_checkout_query"},
	}
	var result []Update
	if err := b.call(ctx, "getUpdates", body, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// mapUpdate converts one wire update into a florin.Update. Payments arrive
// as a message carrying successful_payment and take precedence over the
// message's (empty) content.
func mapUpdate(u Update) (florin.Update, bool) {
	switch {
	case u.PreCheckoutQuery != nil:
		q := u.PreCheckoutQuery
		return florin.Update{PreCheckout: &florin.PreCheckoutQuery{
			ID:       q.ID,
			UserID:   q.From.ID,
			Currency: q.Currency,
			Amount:   q.TotalAmount,
			Payload:  q.InvoicePayload,
		}}, true

	case u.CallbackQuery != nil:
		q := u.CallbackQuery
		cb := &florin.CallbackQuery{ID: q.ID, UserID: q.From.ID, Data: q.Data}
		if q.Message != nil {
			cb.ChatID = q.Message.Chat.ID
			cb.MessageID = q.Message.MessageID
			if q.Message.IsTopicMessage {
				cb.TopicID = q.Message.MessageThreadID
			}
		}
		return florin.Update{Callback: cb}, true

	case u.Message != nil && u.Message.SuccessfulPayment != nil:
		m := u.Message
		p := m.SuccessfulPayment
		pay := &florin.SuccessfulPayment{
			ChatID:    m.Chat.ID,
			MessageID: m.MessageID,
			Currency:  p.Currency,
			Amount:    p.TotalAmount,
			Payload:   p.InvoicePayload,
			ChargeID:  p.TelegramPaymentChargeID,
		}
		if m.From != nil {
			pay.UserID = m.From.ID
		}
		return florin.Update{Payment: pay}, true

	case u.Message != nil:
		in := toInbound(u.Message)
		if in == nil {
			return florin.Update{}, false
		}
		in.UpdateID = u.UpdateID
		return florin.Update{Message: in}, true

	case u.EditedMessage != nil:
		in := toInbound(u.EditedMessage)
		if in == nil {
			return florin.Update{}, false
		}
		in.UpdateID = u.UpdateID
		return florin.Update{Edited: in}, true
	}
	return florin.Update{}, false
}

// --- Sending ---

// Send sends plain text. Text over Telegram's 4096-char limit splits into
// multiple messages; the id of the last one is returned.
func (b *Bot) Send(ctx context.Context, chatID, topicID int64, text string) (int64, error) {
	var lastID int64
	for _, chunk := range splitMessage(text) {
		body := b.messageBody(chatID, topicID)
		body["text"] = chunk
		var result Message
		if err := b.call(ctx, "sendMessage", body, &result); err != nil {
			return 0, err
		}
		lastID = result.MessageID
	}
	return lastID, nil
}

// SendFormatted sends with a parse mode. HTML mode converts the Markdown
// the generation pipeline produces; a formatting rejection falls back to
// plain text so no answer is ever lost to markup.
func (b *Bot) SendFormatted(ctx context.Context, chatID, topicID int64, text string, mode florin.ParseMode) (int64, error) {
	if mode == florin.ModePlain {
		return b.Send(ctx, chatID, topicID, text)
	}
	var lastID int64
	for _, chunk := range splitMessage(text) {
		body := b.messageBody(chatID, topicID)
		body["text"] = b.renderChunk(chunk, mode)
		body["parse_mode"] = string(mode)
		var result Message
		err := b.call(ctx, "sendMessage", body, &result)
		if isParseError(err) {
			b.log.Debug("formatted send rejected, falling back to plain", "chat_id", chatID, "error", err)
			body["text"] = chunk
			delete(body, "parse_mode")
			err = b.call(ctx, "sendMessage", body, &result)
		}
		if err != nil {
			return 0, err
		}
		lastID = result.MessageID
	}
	return lastID, nil
}

// SendKeyboard sends text with an inline keyboard.
func (b *Bot) SendKeyboard(ctx context.Context, chatID, topicID int64, text string, rows [][]florin.Button) (int64, error) {
	markup := InlineKeyboardMarkup{InlineKeyboard: make([][]InlineKeyboardButton, len(rows))}
	for i, row := range rows {
		markup.InlineKeyboard[i] = make([]InlineKeyboardButton, len(row))
		for j, btn := range row {
			markup.InlineKeyboard[i][j] = InlineKeyboardButton{Text: btn.Text, CallbackData: btn.Data}
		}
	}
	body := b.messageBody(chatID, topicID)
	body["text"] = text
	body["reply_markup"] = markup
	var result Message
	if err := b.call(ctx, "sendMessage", body, &result); err != nil {
		return 0, err
	}
	return result.MessageID, nil
}

// Edit updates a message with plain text.
// Silently ignores "message is not modified" errors.
func (b *Bot) Edit(ctx context.Context, chatID, messageID int64, text string) error {
	body := map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
		"text":       truncate(text, maxMessageLength),
	}
	err := b.call(ctx, "editMessageText", body, nil)
	if isNotModifiedError(err) {
		return nil
	}
	return err
}

// EditFormatted updates a message with a parse mode, falling back to a
// plain edit on a formatting rejection.
func (b *Bot) EditFormatted(ctx context.Context, chatID, messageID int64, text string, mode florin.ParseMode) error {
	if mode == florin.ModePlain {
		return b.Edit(ctx, chatID, messageID, text)
	}
	body := map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
		"text":       truncate(b.renderChunk(text, mode), maxMessageLength),
		"parse_mode": string(mode),
	}
	err := b.call(ctx, "editMessageText", body, nil)
	if isNotModifiedError(err) {
		return nil
	}
	if isParseError(err) {
		return b.Edit(ctx, chatID, messageID, text)
	}
	return err
}

// Delete removes a message.
func (b *Bot) Delete(ctx context.Context, chatID, messageID int64) error {
	return b.call(ctx, "deleteMessage", map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
	}, nil)
}

// SendTyping shows a typing indicator.
func (b *Bot) SendTyping(ctx context.Context, chatID, topicID int64) error {
	body := b.messageBody(chatID, topicID)
	body["action"] = "typing"
	return b.call(ctx, "sendChatAction", body, nil)
}

// SendPhoto delivers an image as a photo message.
func (b *Bot) SendPhoto(ctx context.Context, chatID, topicID int64, f florin.GeneratedFile) (int64, error) {
	return b.sendFile(ctx, "sendPhoto", "photo", chatID, topicID, f)
}

// SendDocument delivers a file as a document message.
func (b *Bot) SendDocument(ctx context.Context, chatID, topicID int64, f florin.GeneratedFile) (int64, error) {
	return b.sendFile(ctx, "sendDocument", "document", chatID, topicID, f)
}

// sendFile uploads bytes via multipart/form-data.
func (b *Bot) sendFile(ctx context.Context, method, field string, chatID, topicID int64, f florin.GeneratedFile) (int64, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	_ = mw.WriteField("chat_id", fmt.Sprintf("%d", chatID))
	if topicID > 0 {
		_ = mw.WriteField("message_thread_id", fmt.Sprintf("%d", topicID))
	}
	if f.Caption != "" {
		_ = mw.WriteField("caption", truncate(f.Caption, maxCaptionLength))
	}
	fw, err := mw.CreateFormFile(field, f.Filename)
	if err != nil {
		return 0, fmt.Errorf("telegram: build upload: %w", err)
	}
	if _, err := fw.Write(f.Data); err != nil {
		return 0, fmt.Errorf("telegram: build upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return 0, fmt.Errorf("telegram: build upload: %w", err)
	}

	url := apiBaseURL + b.token + "/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return 0, fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("telegram: %s: %w", method, err)
	}
	defer resp.Body.Close()

	var result Message
	if err := decodeEnvelope(resp.Body, &result); err != nil {
		return 0, err
	}
	return result.MessageID, nil
}

// DownloadFile fetches a platform file by id. Two-step: getFile for the
// file_path, then a GET against the file endpoint.
func (b *Bot) DownloadFile(ctx context.Context, fileID string) ([]byte, string, error) {
	var file File
	if err := b.call(ctx, "getFile", map[string]any{"file_id": fileID}, &file); err != nil {
		return nil, "", err
	}
	if file.FilePath == "" {
		return nil, "", fmt.Errorf("telegram: empty file_path for file_id %s", fileID)
	}

	url := fileBaseURL + b.token + "/" + file.FilePath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("telegram: create download request: %w", err)
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("telegram: download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, "", fmt.Errorf("telegram: download file HTTP %d: %s", resp.StatusCode, string(body))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("telegram: read file body: %w", err)
	}

	parts := strings.Split(file.FilePath, "/")
	return data, parts[len(parts)-1], nil
}

// CreateForumTopic creates a topic in a forum chat and returns its id.
func (b *Bot) CreateForumTopic(ctx context.Context, chatID int64, title string) (int64, error) {
	var result ForumTopic
	err := b.call(ctx, "createForumTopic", map[string]any{
		"chat_id": chatID,
		"name":    truncate(title, 128),
	}, &result)
	if err != nil {
		return 0, err
	}
	return result.MessageThreadID, nil
}

// --- Payments ---

// SendInvoice issues a Telegram Stars invoice. Stars invoices use the XTR
// currency and an empty provider token.
func (b *Bot) SendInvoice(ctx context.Context, chatID int64, title, description, payload string, stars int64) error {
	return b.call(ctx, "sendInvoice", map[string]any{
		"chat_id":     chatID,
		"title":       title,
		"description": description,
		"payload":     payload,
		"currency":    "XTR",
		"prices":      []LabeledPrice{{Label: title, Amount: stars}},
	}, nil)
}

// AnswerPreCheckout approves or rejects a pre-checkout query. Telegram
// voids the payment if no answer arrives within 10 seconds.
func (b *Bot) AnswerPreCheckout(ctx context.Context, queryID string, ok bool, errMsg string) error {
	body := map[string]any{
		"pre_checkout_query_id": queryID,
		"ok":                    ok,
	}
	if !ok && errMsg != "" {
		body["error_message"] = errMsg
	}
	return b.call(ctx, "answerPreCheckoutQuery", body, nil)
}

// RefundStarPayment reverses a Stars charge on the platform side.
func (b *Bot) RefundStarPayment(ctx context.Context, userID int64, chargeID string) error {
	return b.call(ctx, "refundStarPayment", map[string]any{
		"user_id":                    userID,
		"telegram_payment_charge_id": chargeID,
	}, nil)
}

// AnswerCallback acknowledges an inline-keyboard press.
func (b *Bot) AnswerCallback(ctx context.Context, queryID, text string) error {
	body := map[string]any{"callback_query_id": queryID}
	if text != "" {
		body["text"] = text
	}
	return b.call(ctx, "answerCallbackQuery", body, nil)
}

// --- Plumbing ---

func (b *Bot) messageBody(chatID, topicID int64) map[string]any {
	body := map[string]any{"chat_id": chatID}
	if topicID > 0 {
		body["message_thread_id"] = topicID
	}
	return body
}

func (b *Bot) renderChunk(text string, mode florin.ParseMode) string {
	if mode == florin.ModeHTML {
		return MarkdownToHTML(text)
	}
	return text
}

// call posts JSON to a Bot API method and decodes the result envelope.
func (b *Bot) call(ctx context.Context, method string, reqBody any, result any) error {
	url := apiBaseURL + b.token + "/" + method

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("telegram: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: %s: %w", method, err)
	}
	defer resp.Body.Close()

	return decodeEnvelope(resp.Body, result)
}

func decodeEnvelope(r io.Reader, result any) error {
	respBody, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("telegram: read response: %w", err)
	}

	var envelope struct {
		OK          bool            `json:"ok"`
		Description string          `json:"description,omitempty"`
		ErrorCode   int             `json:"error_code,omitempty"`
		Result      json.RawMessage `json:"result,omitempty"`
		Parameters  *struct {
			RetryAfter int `json:"retry_after,omitempty"`
		} `json:"parameters,omitempty"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("telegram: decode response: %w (body: %s)", err, string(respBody))
	}
	if !envelope.OK {
		apiErr := &apiError{Code: envelope.ErrorCode, Description: envelope.Description}
		if envelope.Parameters != nil {
			apiErr.RetryAfter = time.Duration(envelope.Parameters.RetryAfter) * time.Second
		}
		return apiErr
	}
	if result != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("telegram: decode result: %w", err)
		}
	}
	return nil
}

// apiError is a Telegram API error response. RetryAfter is set on 429s.
type apiError struct {
	Code        int
	Description string
	RetryAfter  time.Duration
}

func (e *apiError) Error() string {
	return fmt.Sprintf("telegram API error %d: %s", e.Code, e.Description)
}

// isNotModifiedError matches the error Telegram returns when an edit
// carries the same text the message already has.
func isNotModifiedError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "message is not modified")
}

// isParseError matches entity-parsing rejections of a formatted payload.
func isParseError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "can't parse entities") ||
		strings.Contains(msg, "can't parse message text")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// splitMessage splits text into chunks that fit Telegram's message limit,
// preferring to break at a newline.
func splitMessage(text string) []string {
	runes := []rune(text)
	if len(runes) <= maxMessageLength {
		return []string{text}
	}

	var chunks []string
	for len(runes) > 0 {
		if len(runes) <= maxMessageLength {
			chunks = append(chunks, string(runes))
			break
		}
		window := runes[:maxMessageLength]
		splitPos := lastNewline(window)
		if splitPos == -1 {
			splitPos = maxMessageLength
		} else {
			splitPos++ // keep the newline in the current chunk
		}
		chunks = append(chunks, string(runes[:splitPos]))
		runes = runes[splitPos:]
	}
	return chunks
}

func lastNewline(r []rune) int {
	for i := len(r) - 1; i >= 0; i-- {
		if r[i] == '\n' {
			return i
		}
	}
	return -1
}
