package florin

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Store abstracts relational persistence. Implementations never commit
// inside individual methods; multi-row mutations go through Tx, which
// commits when fn returns nil and rolls back otherwise.
type Store interface {
	// --- Users ---
	GetOrCreateUser(ctx context.Context, u User) (User, error)
	GetUser(ctx context.Context, userID int64) (User, error)
	GetUserByUsername(ctx context.Context, username string) (User, error)
	UpdateUserModel(ctx context.Context, userID int64, model string) error
	UpdateUserPrompt(ctx context.Context, userID int64, prompt string) error
	UpdateUserLanguage(ctx context.Context, userID int64, lang string) error

	// --- Threads ---
	GetOrCreateThread(ctx context.Context, key ThreadKey) (Thread, error)
	GetThread(ctx context.Context, threadID string) (Thread, error)
	ListThreads(ctx context.Context, chatID, userID int64, limit int) ([]Thread, error)
	TouchThread(ctx context.Context, threadID string, at time.Time) error
	UpdateThreadTitle(ctx context.Context, threadID, title string) error
	UpdateThreadFilesContext(ctx context.Context, threadID, filesContext string) error
	ClearThread(ctx context.Context, threadID string) error

	// --- Messages ---
	SaveMessages(ctx context.Context, msgs []Message) error
	ThreadMessages(ctx context.Context, threadID string, limit int) ([]Message, error)
	GetMessage(ctx context.Context, chatID, messageID int64) (Message, error)
	UpdateMessageText(ctx context.Context, chatID, messageID int64, text string) error

	// --- Files ---
	SaveFiles(ctx context.Context, files []UserFile) error
	FileByID(ctx context.Context, id string) (UserFile, error)
	FileByClaudeID(ctx context.Context, claudeFileID string) (UserFile, error)
	FileByTelegramID(ctx context.Context, telegramFileID string) (UserFile, error)
	FileByUniqueID(ctx context.Context, telegramUniqueID string) (UserFile, error)
	ThreadFiles(ctx context.Context, threadID string) ([]UserFile, error)

	// --- Payments (reads; writes go through Tx) ---
	PaymentByCharge(ctx context.Context, chargeID string) (Payment, error)
	UserPayments(ctx context.Context, userID int64, limit int) ([]Payment, error)

	// --- Balance operations (reads; writes go through Tx) ---
	BalanceHistory(ctx context.Context, userID int64, limit int) ([]BalanceOperation, error)
	UserOperations(ctx context.Context, userID int64) ([]BalanceOperation, error)
	TotalCharged(ctx context.Context, userID int64, p Period) (decimal.Decimal, error)

	// --- Tool call audit ---
	SaveToolCalls(ctx context.Context, recs []ToolCallRecord) error

	// --- Transactions ---
	Tx(ctx context.Context, fn func(StoreTx) error) error

	// --- Lifecycle ---
	Init(ctx context.Context) error
	Close() error
}

// StoreTx is the transactional subset used by money mutations. ForUpdate
// reads take a row lock, serializing ledger writes per user.
type StoreTx interface {
	GetUserForUpdate(ctx context.Context, userID int64) (User, error)
	GetUserByUsernameForUpdate(ctx context.Context, username string) (User, error)
	UpdateBalance(ctx context.Context, userID int64, balance decimal.Decimal) error
	InsertOperation(ctx context.Context, op BalanceOperation) error

	// InsertPayment fails with [ErrDuplicatePayment] when the charge id
	// already exists.
	InsertPayment(ctx context.Context, p Payment) error
	GetPaymentForUpdate(ctx context.Context, chargeID string) (Payment, error)
	MarkPaymentRefunded(ctx context.Context, chargeID string, at time.Time) error
}

// ExecFileMeta describes one cached sandbox artifact.
type ExecFileMeta struct {
	Filename  string    `json:"filename"`
	MIME      string    `json:"mime"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// Cache is best-effort shared state. Implementations convert backend errors
// into misses and log them; callers never see an error from a cache.
type Cache interface {
	// --- User profiles ---
	GetUser(ctx context.Context, userID int64) (User, bool)
	SetUser(ctx context.Context, u User)
	// UpdateUserBalance rewrites only the balance and cached-at fields of a
	// cached profile, leaving other fields intact. No-op on cache miss.
	UpdateUserBalance(ctx context.Context, userID int64, balance decimal.Decimal)
	InvalidateUser(ctx context.Context, userID int64)

	// --- Threads ---
	GetThread(ctx context.Context, key ThreadKey) (Thread, bool)
	SetThread(ctx context.Context, key ThreadKey, t Thread)

	// --- Message windows ---
	GetMessages(ctx context.Context, threadID string) ([]Message, bool)
	SetMessages(ctx context.Context, threadID string, msgs []Message)
	InvalidateMessages(ctx context.Context, threadID string)

	// --- File listings ---
	GetFiles(ctx context.Context, threadID string) ([]UserFile, bool)
	SetFiles(ctx context.Context, threadID string, files []UserFile)
	InvalidateFiles(ctx context.Context, threadID string)

	// --- Topic router ---
	GetRecentTopics(ctx context.Context, chatID, userID int64) ([]Thread, bool)
	SetRecentTopics(ctx context.Context, chatID, userID int64, topics []Thread)

	// --- Sandbox artifacts ---
	StoreExecFile(ctx context.Context, id string, data []byte, meta ExecFileMeta) error
	GetExecFile(ctx context.Context, id string) ([]byte, ExecFileMeta, bool)
}
