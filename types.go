package florin

import (
	"encoding/json"
	"io"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

// --- Domain types (database records) ---

// User is one Telegram account known to the bot. Balance is mutated only by
// the Ledger.
type User struct {
	ID           int64           `json:"id"` // Telegram user id
	Username     string          `json:"username,omitempty"`
	FirstName    string          `json:"first_name,omitempty"`
	Model        string          `json:"model,omitempty"`         // preferred LLM model, empty = default
	CustomPrompt string          `json:"custom_prompt,omitempty"` // appended to the system prompt
	Language     string          `json:"language,omitempty"`      // BCP 47 tag
	Balance      decimal.Decimal `json:"balance"`                 // USD, scale 4
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Thread is one conversation scope, unique per (chat, user, topic).
// TopicID 0 means the chat has no forum topic (or the "general" topic).
type Thread struct {
	ID            string    `json:"id"`
	ChatID        int64     `json:"chat_id"`
	UserID        int64     `json:"user_id"`
	TopicID       int64     `json:"topic_id"`
	Title         string    `json:"title,omitempty"`
	FilesContext  string    `json:"files_context,omitempty"` // summary of files seen in this thread
	LastMessageAt time.Time `json:"last_message_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// Message is one persisted dialog message, keyed by (chat_id, message_id).
type Message struct {
	ChatID         int64           `json:"chat_id"`
	MessageID      int64           `json:"message_id"`
	ThreadID       string          `json:"thread_id"`
	Role           Role            `json:"role"`
	Sender         string          `json:"sender,omitempty"` // display name at send time
	Text           string          `json:"text"`
	Reply          *ReplyContext   `json:"reply,omitempty"`
	Forward        *ForwardContext `json:"forward,omitempty"`
	Quote          *QuoteContext   `json:"quote,omitempty"`
	EditCount      int             `json:"edit_count"`
	ThinkingTokens int64           `json:"thinking_tokens"`
	TextTokens     int64           `json:"text_tokens"`
	CreatedAt      time.Time       `json:"created_at"`
}

// UserFile is file metadata owned by a Message. ClaudeFileID is the handle
// on the LLM files API side; the Telegram ids are nullable because
// tool-generated files never pass through Telegram's storage.
type UserFile struct {
	ID               string     `json:"id"`
	ChatID           int64      `json:"chat_id"`
	MessageID        int64      `json:"message_id"`
	ThreadID         string     `json:"thread_id"`
	Filename         string     `json:"filename"`
	MIME             string     `json:"mime"`
	Size             int64      `json:"size"`
	Type             FileType   `json:"type"`
	Source           FileSource `json:"source"`
	ClaudeFileID     string     `json:"claude_file_id,omitempty"`
	TelegramFileID   string     `json:"telegram_file_id,omitempty"`
	TelegramUniqueID string     `json:"telegram_unique_id,omitempty"`
	UploadedAt       time.Time  `json:"uploaded_at"`
	ExpiresAt        time.Time  `json:"expires_at,omitempty"`
}

// Payment is one Telegram Stars top-up, keyed by the platform charge id.
// Invariant: CreditedUSD = NominalUSD * (1 - K1 - K2 - K3), 4 dp half-up.
type Payment struct {
	ChargeID    string          `json:"charge_id"`
	UserID      int64           `json:"user_id"`
	Stars       int64           `json:"stars"`
	NominalUSD  decimal.Decimal `json:"nominal_usd"`
	CreditedUSD decimal.Decimal `json:"credited_usd"`
	K1          decimal.Decimal `json:"k1"` // platform withdrawal fee
	K2          decimal.Decimal `json:"k2"` // platform topics fee
	K3          decimal.Decimal `json:"k3"` // operator margin
	Status      PaymentStatus   `json:"status"`
	Payload     string          `json:"payload"` // invoice payload
	CreatedAt   time.Time       `json:"created_at"`
	RefundedAt  time.Time       `json:"refunded_at,omitempty"`
}

// BalanceOperation is one audit row. Invariant per row:
// BalanceAfter = BalanceBefore + Amount.
type BalanceOperation struct {
	ID               string          `json:"id"`
	UserID           int64           `json:"user_id"`
	Type             OperationType   `json:"type"`
	Amount           decimal.Decimal `json:"amount"` // signed
	BalanceBefore    decimal.Decimal `json:"balance_before"`
	BalanceAfter     decimal.Decimal `json:"balance_after"`
	RelatedPaymentID string          `json:"related_payment_id,omitempty"`
	RelatedMessageID int64           `json:"related_message_id,omitempty"`
	AdminUserID      int64           `json:"admin_user_id,omitempty"`
	Description      string          `json:"description,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// ToolCallRecord is one audit row for a model-backed tool execution,
// written through the write-behind batcher.
type ToolCallRecord struct {
	ID            string          `json:"id"`
	UserID        int64           `json:"user_id"`
	ThreadID      string          `json:"thread_id"`
	ToolName      string          `json:"tool_name"`
	ModelID       string          `json:"model_id,omitempty"`
	InputTokens   int64           `json:"input_tokens"`
	OutputTokens  int64           `json:"output_tokens"`
	CacheRead     int64           `json:"cache_read_tokens"`
	CacheCreation int64           `json:"cache_creation_tokens"`
	CostUSD       decimal.Decimal `json:"cost_usd"`
	Duration      time.Duration   `json:"duration"`
	Success       bool            `json:"success"`
	CreatedAt     time.Time       `json:"created_at"`
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentRefunded  PaymentStatus = "refunded"
)

type OperationType string

const (
	OpPayment    OperationType = "payment"
	OpUsage      OperationType = "usage"
	OpRefund     OperationType = "refund"
	OpAdminTopup OperationType = "admin_topup"
)

// Period selects a window for usage totals.
type Period string

const (
	PeriodToday Period = "today"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
	PeriodAll   Period = "all"
)

// PeriodStart returns the UTC lower bound of a usage window relative to now.
// Today starts at UTC midnight; week and month are rolling.
func PeriodStart(p Period, now time.Time) time.Time {
	switch p {
	case PeriodToday:
		return now.Truncate(24 * time.Hour)
	case PeriodWeek:
		return now.AddDate(0, 0, -7)
	case PeriodMonth:
		return now.AddDate(0, -1, 0)
	default:
		return time.Time{}
	}
}

// FileType is the tagged variant the normalizer and preview tool dispatch on.
type FileType string

const (
	FileImage     FileType = "image"
	FilePDF       FileType = "pdf"
	FileAudio     FileType = "audio"
	FileVoice     FileType = "voice"
	FileVideo     FileType = "video"
	FileVideoNote FileType = "video_note"
	FileDocument  FileType = "document"
	FileGenerated FileType = "generated"
)

type FileSource string

const (
	SourceUser      FileSource = "user"
	SourceAssistant FileSource = "assistant"
)

// ContentType classifies an inbound update's payload.
type ContentType string

const (
	ContentText      ContentType = "text"
	ContentPhoto     ContentType = "photo"
	ContentDocument  ContentType = "document"
	ContentVoice     ContentType = "voice"
	ContentAudio     ContentType = "audio"
	ContentVideo     ContentType = "video"
	ContentVideoNote ContentType = "video_note"
)

// --- Inbound platform types ---

// InboundMessage is the platform-agnostic snapshot of one content update.
// The frontend converts raw Telegram updates into this form; everything
// downstream of the frontend works on it.
type InboundMessage struct {
	UpdateID     int64
	ChatID       int64
	ChatType     string // "private", "group", "supergroup"
	ChatTitle    string
	UserID       int64
	Username     string
	FirstName    string
	LanguageCode string
	MessageID    int64
	Date         time.Time
	TopicID      int64 // forum topic id, 0 = general
	IsForum      bool
	ContentType  ContentType
	Text         string // text or caption
	MediaGroupID string
	File         *InboundFile
	Reply        *ReplyContext
	Forward      *ForwardContext
	Quote        *QuoteContext
}

// InboundFile is the media payload of an inbound message, before download.
type InboundFile struct {
	TelegramFileID   string
	TelegramUniqueID string
	Filename         string
	MIME             string
	Size             int64
	Duration         int // seconds, for voice/audio/video
}

// ReplyContext is the snippet of the message being replied to.
type ReplyContext struct {
	MessageID int64  `json:"message_id"`
	Sender    string `json:"sender,omitempty"`
	IsBot     bool   `json:"is_bot,omitempty"`
	Text      string `json:"text,omitempty"`
}

// ForwardContext describes where a forwarded message came from.
type ForwardContext struct {
	SenderName string    `json:"sender_name,omitempty"`
	ChatTitle  string    `json:"chat_title,omitempty"`
	Date       time.Time `json:"date,omitempty"`
}

// QuoteContext is the user-selected quote of a reply.
type QuoteContext struct {
	Text string `json:"text"`
}

// --- Normalizer output ---

// UploadedFile is one fully-ingested attachment: downloaded, sniffed, and
// (when the type supports it) uploaded to the files API.
type UploadedFile struct {
	ClaudeFileID     string
	TelegramFileID   string
	TelegramUniqueID string
	Filename         string
	MIME             string
	Size             int64
	Type             FileType
	ExpiresAt        time.Time
}

// TranscriptInfo carries a voice or video-note transcription.
type TranscriptInfo struct {
	Text     string
	Duration float64 // seconds
	Language string
	CostUSD  decimal.Decimal
}

// ProcessedMessage is the canonical form of one inbound event. Invariant:
// by the time it is enqueued, all external I/O (download, upload,
// transcription) has completed.
type ProcessedMessage struct {
	Inbound              *InboundMessage
	Text                 string
	Files                []UploadedFile
	Transcript           *TranscriptInfo
	TranscriptionCharged bool
}

func (p *ProcessedMessage) HasMedia() bool {
	return p.Inbound != nil && p.Inbound.ContentType != ContentText
}

func (p *ProcessedMessage) HasFiles() bool { return len(p.Files) > 0 }

func (p *ProcessedMessage) HasTranscript() bool { return p.Transcript != nil }

// Batch is an ordered set of processed messages delivered to the executor
// atomically for one tool-loop run.
type Batch []*ProcessedMessage

// ThreadKey identifies a conversation scope.
type ThreadKey struct {
	ChatID  int64
	UserID  int64
	TopicID int64
}

// --- LLM protocol types ---

// ChatMessage is one dialog message in provider-neutral form. Raw, when
// set, is provider-owned echo state (the exact wire message from a previous
// turn) and takes precedence over the portable fields during conversion.
type ChatMessage struct {
	Role        Role
	Content     string
	Files       []FileRef
	ToolCalls   []ToolCall
	ToolResults []ToolResultBlock
	Raw         any
}

// FileRef references an uploaded file for a multimodal content block.
type FileRef struct {
	ClaudeFileID string
	Kind         FileKind
}

type FileKind string

const (
	FileKindImage    FileKind = "image"
	FileKindDocument FileKind = "document"
)

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResultBlock is the content fed back to the model for one tool call.
type ToolResultBlock struct {
	ToolCallID string
	Content    string
	IsError    bool
}

// SystemBlock is one segment of the system prompt. Cache marks the segment
// as a prompt-cache breakpoint.
type SystemBlock struct {
	Text  string
	Cache bool
}

// ToolDefinition describes a tool to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// TurnRequest is one streaming request to the provider.
type TurnRequest struct {
	Model          string
	System         []SystemBlock
	Messages       []ChatMessage
	Tools          []ToolDefinition
	MaxTokens      int64
	ThinkingBudget int64 // tokens; 0 disables extended thinking
}

// StopReason is the provider's reason for ending a turn.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
	StopPauseTurn StopReason = "pause_turn"
	StopRefusal   StopReason = "refusal"
)

// BlockType tags one accumulated assistant content block.
type BlockType string

const (
	BlockThinking BlockType = "thinking"
	BlockText     BlockType = "text"
	BlockToolUse  BlockType = "tool_use"
)

// AssistantBlock is one accumulated content block of a turn.
type AssistantBlock struct {
	Type BlockType
	Text string
	Tool *ToolCall
}

// TurnResponse is the accumulated result of one streamed turn. Raw is the
// provider's wire-form assistant message, carried so the next iteration
// echoes thinking signatures and tool blocks exactly.
type TurnResponse struct {
	Blocks     []AssistantBlock
	StopReason StopReason
	Usage      Usage
	Raw        any
}

// Text returns the concatenated text blocks of the turn.
func (r *TurnResponse) Text() string {
	var out string
	for _, b := range r.Blocks {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// Thinking returns the concatenated thinking blocks of the turn.
func (r *TurnResponse) Thinking() string {
	var out string
	for _, b := range r.Blocks {
		if b.Type == BlockThinking {
			out += b.Text
		}
	}
	return out
}

// PendingTools returns the tool calls requested by the turn, in block order.
func (r *TurnResponse) PendingTools() []ToolCall {
	var calls []ToolCall
	for _, b := range r.Blocks {
		if b.Type == BlockToolUse && b.Tool != nil {
			calls = append(calls, *b.Tool)
		}
	}
	return calls
}

// Usage counts tokens for one turn or one tool execution.
type Usage struct {
	InputTokens   int64 `json:"input_tokens"`
	OutputTokens  int64 `json:"output_tokens"`
	CacheRead     int64 `json:"cache_read_tokens,omitempty"`
	CacheCreation int64 `json:"cache_creation_tokens,omitempty"`
}

// Add accumulates o into u.
func (u *Usage) Add(o Usage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
	u.CacheRead += o.CacheRead
	u.CacheCreation += o.CacheCreation
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: RoleUser, Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: RoleAssistant, Content: text}
}

// ToolResultsMessage packs tool results into the user message the next
// iteration sends back.
func ToolResultsMessage(results []ToolResultBlock) ChatMessage {
	return ChatMessage{Role: RoleUser, ToolResults: results}
}

// nopLogger discards everything; components default to it when no logger is
// injected.
var nopLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
