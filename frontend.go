package florin

import "context"

// ParseMode selects outbound message formatting.
type ParseMode string

const (
	ModePlain      ParseMode = ""
	ModeHTML       ParseMode = "HTML"
	ModeMarkdownV2 ParseMode = "MarkdownV2"
)

// Button is one inline-keyboard button.
type Button struct {
	Text string
	Data string
}

// PreCheckoutQuery asks the bot to approve a payment before it is taken.
type PreCheckoutQuery struct {
	ID       string
	UserID   int64
	Currency string
	Amount   int64
	Payload  string
}

// SuccessfulPayment reports a completed platform payment.
type SuccessfulPayment struct {
	ChatID    int64
	UserID    int64
	MessageID int64
	Currency  string
	Amount    int64 // stars
	Payload   string
	ChargeID  string
}

// CallbackQuery is an inline-keyboard button press.
type CallbackQuery struct {
	ID        string
	UserID    int64
	ChatID    int64
	MessageID int64
	TopicID   int64
	Data      string
}

// Update is one inbound platform event; exactly one field is set.
type Update struct {
	Message     *InboundMessage
	Edited      *InboundMessage
	PreCheckout *PreCheckoutQuery
	Payment     *SuccessfulPayment
	Callback    *CallbackQuery
}

// Frontend abstracts the messaging platform.
type Frontend interface {
	// Poll returns a channel of incoming updates. Blocks until ctx is cancelled.
	Poll(ctx context.Context) (<-chan Update, error)
	// Send sends a new message, returns the message id for later editing.
	Send(ctx context.Context, chatID, topicID int64, text string) (int64, error)
	// SendFormatted sends with a parse mode, falling back to plain on a
	// formatting rejection.
	SendFormatted(ctx context.Context, chatID, topicID int64, text string, mode ParseMode) (int64, error)
	// SendKeyboard sends text with an inline keyboard.
	SendKeyboard(ctx context.Context, chatID, topicID int64, text string, rows [][]Button) (int64, error)
	// Edit updates an existing message with plain text.
	Edit(ctx context.Context, chatID, messageID int64, text string) error
	// EditFormatted updates an existing message with a parse mode.
	EditFormatted(ctx context.Context, chatID, messageID int64, text string, mode ParseMode) error
	// Delete removes a message.
	Delete(ctx context.Context, chatID, messageID int64) error
	// SendTyping shows a typing indicator.
	SendTyping(ctx context.Context, chatID, topicID int64) error
	// SendPhoto delivers an image, returns the message id.
	SendPhoto(ctx context.Context, chatID, topicID int64, f GeneratedFile) (int64, error)
	// SendDocument delivers a document, returns the message id.
	SendDocument(ctx context.Context, chatID, topicID int64, f GeneratedFile) (int64, error)
	// DownloadFile fetches a platform file by id, returns data and filename.
	DownloadFile(ctx context.Context, fileID string) ([]byte, string, error)
	// CreateForumTopic creates a topic in a forum chat, returns its id.
	CreateForumTopic(ctx context.Context, chatID int64, title string) (int64, error)
	// SendInvoice issues a Stars invoice.
	SendInvoice(ctx context.Context, chatID int64, title, description, payload string, stars int64) error
	// AnswerPreCheckout approves or rejects a pre-checkout query.
	AnswerPreCheckout(ctx context.Context, queryID string, ok bool, errMsg string) error
	// RefundStarPayment reverses a Stars charge on the platform side.
	RefundStarPayment(ctx context.Context, userID int64, chargeID string) error
	// AnswerCallback acknowledges an inline-keyboard press.
	AnswerCallback(ctx context.Context, queryID, text string) error
}
