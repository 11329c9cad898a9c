package telegram

// Wire types for the subset of the Telegram Bot API this bot uses.
// Field sets are trimmed to what the bot reads; unknown fields are ignored
// by the JSON decoder.

// Update is one incoming event from getUpdates.
type Update struct {
	UpdateID         int64             `json:"update_id"`
	Message          *Message          `json:"message,omitempty"`
	EditedMessage    *Message          `json:"edited_message,omitempty"`
	CallbackQuery    *CallbackQuery    `json:"callback_query,omitempty"`
	PreCheckoutQuery *PreCheckoutQuery `json:"pre_checkout_query,omitempty"`
}

// Message is a Telegram message.
type Message struct {
	MessageID       int64          `json:"message_id"`
	MessageThreadID int64          `json:"message_thread_id,omitempty"`
	IsTopicMessage  bool           `json:"is_topic_message,omitempty"`
	From            *User          `json:"from,omitempty"`
	Chat            Chat           `json:"chat"`
	Date            int64          `json:"date"`
	Text            string         `json:"text,omitempty"`
	Caption         string         `json:"caption,omitempty"`
	MediaGroupID    string         `json:"media_group_id,omitempty"`
	Photo           []PhotoSize    `json:"photo,omitempty"`
	Document        *Document      `json:"document,omitempty"`
	Voice           *Voice         `json:"voice,omitempty"`
	Audio           *Audio         `json:"audio,omitempty"`
	Video           *Video         `json:"video,omitempty"`
	VideoNote       *VideoNote     `json:"video_note,omitempty"`
	ReplyToMessage  *Message       `json:"reply_to_message,omitempty"`
	Quote           *TextQuote     `json:"quote,omitempty"`
	ForwardOrigin   *MessageOrigin `json:"forward_origin,omitempty"`

	SuccessfulPayment *SuccessfulPayment `json:"successful_payment,omitempty"`
}

// User is a Telegram account.
type User struct {
	ID           int64  `json:"id"`
	IsBot        bool   `json:"is_bot"`
	FirstName    string `json:"first_name"`
	Username     string `json:"username,omitempty"`
	LanguageCode string `json:"language_code,omitempty"`
}

// Chat is the conversation a message belongs to.
type Chat struct {
	ID      int64  `json:"id"`
	Type    string `json:"type"` // "private", "group", "supergroup", "channel"
	Title   string `json:"title,omitempty"`
	IsForum bool   `json:"is_forum,omitempty"`
}

// PhotoSize is one resolution of a photo.
type PhotoSize struct {
	FileID       string `json:"file_id"`
	FileUniqueID string `json:"file_unique_id"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	FileSize     int64  `json:"file_size,omitempty"`
}

// Document is a general file attachment.
type Document struct {
	FileID       string `json:"file_id"`
	FileUniqueID string `json:"file_unique_id"`
	FileName     string `json:"file_name,omitempty"`
	MimeType     string `json:"mime_type,omitempty"`
	FileSize     int64  `json:"file_size,omitempty"`
}

// Voice is a voice note.
type Voice struct {
	FileID       string `json:"file_id"`
	FileUniqueID string `json:"file_unique_id"`
	Duration     int    `json:"duration"`
	MimeType     string `json:"mime_type,omitempty"`
	FileSize     int64  `json:"file_size,omitempty"`
}

// Audio is an audio file.
type Audio struct {
	FileID       string `json:"file_id"`
	FileUniqueID string `json:"file_unique_id"`
	Duration     int    `json:"duration"`
	FileName     string `json:"file_name,omitempty"`
	MimeType     string `json:"mime_type,omitempty"`
	FileSize     int64  `json:"file_size,omitempty"`
}

// Video is a video file.
type Video struct {
	FileID       string `json:"file_id"`
	FileUniqueID string `json:"file_unique_id"`
	Duration     int    `json:"duration"`
	FileName     string `json:"file_name,omitempty"`
	MimeType     string `json:"mime_type,omitempty"`
	FileSize     int64  `json:"file_size,omitempty"`
}

// VideoNote is a round video message.
type VideoNote struct {
	FileID       string `json:"file_id"`
	FileUniqueID string `json:"file_unique_id"`
	Duration     int    `json:"duration"`
	FileSize     int64  `json:"file_size,omitempty"`
}

// TextQuote is the user-selected quoted part of a replied-to message.
type TextQuote struct {
	Text string `json:"text"`
}

// MessageOrigin describes where a forwarded message came from. Type
// discriminates which of the optional fields is set.
type MessageOrigin struct {
	Type           string `json:"type"` // "user", "hidden_user", "chat", "channel"
	Date           int64  `json:"date"`
	SenderUser     *User  `json:"sender_user,omitempty"`
	SenderUserName string `json:"sender_user_name,omitempty"`
	SenderChat     *Chat  `json:"sender_chat,omitempty"`
	Chat           *Chat  `json:"chat,omitempty"`
}

// SuccessfulPayment confirms a completed Stars payment.
type SuccessfulPayment struct {
	Currency                string `json:"currency"`
	TotalAmount             int64  `json:"total_amount"`
	InvoicePayload          string `json:"invoice_payload"`
	TelegramPaymentChargeID string `json:"telegram_payment_charge_id"`
	ProviderPaymentChargeID string `json:"provider_payment_charge_id,omitempty"`
}

// PreCheckoutQuery asks the bot to confirm a payment before it is taken.
type PreCheckoutQuery struct {
	ID             string `json:"id"`
	From           User   `json:"from"`
	Currency       string `json:"currency"`
	TotalAmount    int64  `json:"total_amount"`
	InvoicePayload string `json:"invoice_payload"`
}

// CallbackQuery is an inline-keyboard button press.
type CallbackQuery struct {
	ID      string   `json:"id"`
	From    User     `json:"from"`
	Message *Message `json:"message,omitempty"`
	Data    string   `json:"data,omitempty"`
}

// File is the getFile response; FilePath feeds the download URL.
type File struct {
	FileID       string `json:"file_id"`
	FileUniqueID string `json:"file_unique_id"`
	FileSize     int64  `json:"file_size,omitempty"`
	FilePath     string `json:"file_path,omitempty"`
}

// ForumTopic is the createForumTopic response.
type ForumTopic struct {
	MessageThreadID int64  `json:"message_thread_id"`
	Name            string `json:"name"`
}

// InlineKeyboardButton is one button of an inline keyboard.
type InlineKeyboardButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data,omitempty"`
}

// InlineKeyboardMarkup is the reply_markup payload for inline keyboards.
type InlineKeyboardMarkup struct {
	InlineKeyboard [][]InlineKeyboardButton `json:"inline_keyboard"`
}

// LabeledPrice is one line of an invoice. For Stars invoices the amount is
// the star count and there is exactly one line.
type LabeledPrice struct {
	Label  string `json:"label"`
	Amount int64  `json:"amount"`
}
