// Package postgres implements florin.Store on PostgreSQL.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool. Money columns are
// NUMERIC(12,4); decimal values scan and encode through their database/sql
// interfaces, so no float conversion happens anywhere.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/velikov/florin"
)

// Store implements florin.Store backed by PostgreSQL. Ledger writes go
// through Tx, which serializes per-user mutations with row locks.
type Store struct {
	pool *pgxpool.Pool
}

var _ florin.Store = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates all required tables and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id BIGINT PRIMARY KEY,
			username TEXT NOT NULL DEFAULT '',
			first_name TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			custom_prompt TEXT NOT NULL DEFAULT '',
			language TEXT NOT NULL DEFAULT '',
			balance NUMERIC(12,4) NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS users_username_idx ON users (lower(username))`,

		`CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			chat_id BIGINT NOT NULL,
			user_id BIGINT NOT NULL,
			topic_id BIGINT NOT NULL DEFAULT 0,
			title TEXT NOT NULL DEFAULT '',
			files_context TEXT NOT NULL DEFAULT '',
			last_message_at TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
			created_at TIMESTAMPTZ NOT NULL,
			UNIQUE (chat_id, user_id, topic_id)
		)`,
		`CREATE INDEX IF NOT EXISTS threads_chat_user_idx ON threads (chat_id, user_id, last_message_at DESC)`,

		`CREATE TABLE IF NOT EXISTS messages (
			chat_id BIGINT NOT NULL,
			message_id BIGINT NOT NULL,
			thread_id TEXT NOT NULL,
			role TEXT NOT NULL,
			sender TEXT NOT NULL DEFAULT '',
			text TEXT NOT NULL,
			reply JSONB,
			forward JSONB,
			quote JSONB,
			edit_count INTEGER NOT NULL DEFAULT 0,
			thinking_tokens BIGINT NOT NULL DEFAULT 0,
			text_tokens BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (chat_id, message_id)
		)`,
		`CREATE INDEX IF NOT EXISTS messages_thread_idx ON messages (thread_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS user_files (
			id TEXT PRIMARY KEY,
			chat_id BIGINT NOT NULL,
			message_id BIGINT NOT NULL,
			thread_id TEXT NOT NULL,
			filename TEXT NOT NULL,
			mime TEXT NOT NULL DEFAULT '',
			size BIGINT NOT NULL DEFAULT 0,
			type TEXT NOT NULL,
			source TEXT NOT NULL,
			claude_file_id TEXT NOT NULL DEFAULT '',
			telegram_file_id TEXT NOT NULL DEFAULT '',
			telegram_unique_id TEXT NOT NULL DEFAULT '',
			uploaded_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS user_files_thread_idx ON user_files (thread_id, uploaded_at)`,
		`CREATE INDEX IF NOT EXISTS user_files_claude_idx ON user_files (claude_file_id)`,
		`CREATE INDEX IF NOT EXISTS user_files_unique_idx ON user_files (telegram_unique_id)`,

		`CREATE TABLE IF NOT EXISTS payments (
			charge_id TEXT PRIMARY KEY,
			user_id BIGINT NOT NULL,
			stars BIGINT NOT NULL,
			nominal_usd NUMERIC(12,4) NOT NULL,
			credited_usd NUMERIC(12,4) NOT NULL,
			k1 NUMERIC(8,6) NOT NULL DEFAULT 0,
			k2 NUMERIC(8,6) NOT NULL DEFAULT 0,
			k3 NUMERIC(8,6) NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			refunded_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS payments_user_idx ON payments (user_id, created_at DESC)`,

		`CREATE TABLE IF NOT EXISTS balance_operations (
			id TEXT PRIMARY KEY,
			user_id BIGINT NOT NULL,
			type TEXT NOT NULL,
			amount NUMERIC(12,4) NOT NULL,
			balance_before NUMERIC(12,4) NOT NULL,
			balance_after NUMERIC(12,4) NOT NULL,
			related_payment_id TEXT NOT NULL DEFAULT '',
			related_message_id BIGINT NOT NULL DEFAULT 0,
			admin_user_id BIGINT NOT NULL DEFAULT 0,
			description TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS balance_operations_user_idx ON balance_operations (user_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS tool_calls (
			id TEXT PRIMARY KEY,
			user_id BIGINT NOT NULL,
			thread_id TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			model_id TEXT NOT NULL DEFAULT '',
			input_tokens BIGINT NOT NULL DEFAULT 0,
			output_tokens BIGINT NOT NULL DEFAULT 0,
			cache_read_tokens BIGINT NOT NULL DEFAULT 0,
			cache_creation_tokens BIGINT NOT NULL DEFAULT 0,
			cost_usd NUMERIC(12,4) NOT NULL DEFAULT 0,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			success BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS tool_calls_user_idx ON tool_calls (user_id, created_at)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

// Close is a no-op. The caller owns the pool and manages its lifecycle.
func (s *Store) Close() error {
	return nil
}

// --- Users ---

const userColumns = `id, username, first_name, model, custom_prompt, language, balance, created_at, updated_at`

func scanUser(row pgx.Row) (florin.User, error) {
	var u florin.User
	err := row.Scan(&u.ID, &u.Username, &u.FirstName, &u.Model, &u.CustomPrompt,
		&u.Language, &u.Balance, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

// GetOrCreateUser inserts the user if unknown and returns the stored row.
// An existing row is returned unchanged; the caller's profile fields only
// seed creation.
func (s *Store) GetOrCreateUser(ctx context.Context, u florin.User) (florin.User, error) {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, username, first_name, model, custom_prompt, language, balance, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		 ON CONFLICT (id) DO NOTHING`,
		u.ID, u.Username, u.FirstName, u.Model, u.CustomPrompt, u.Language, u.Balance, now)
	if err != nil {
		return florin.User{}, fmt.Errorf("postgres: create user: %w", err)
	}
	return s.GetUser(ctx, u.ID)
}

// GetUser returns a user by Telegram id.
func (s *Store) GetUser(ctx context.Context, userID int64) (florin.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return florin.User{}, florin.ErrUserNotFound
	}
	if err != nil {
		return florin.User{}, fmt.Errorf("postgres: get user: %w", err)
	}
	return u, nil
}

// GetUserByUsername resolves a user by username, case-insensitively.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (florin.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE lower(username) = lower($1)`, username))
	if errors.Is(err, pgx.ErrNoRows) {
		return florin.User{}, florin.ErrUserNotFound
	}
	if err != nil {
		return florin.User{}, fmt.Errorf("postgres: get user by username: %w", err)
	}
	return u, nil
}

func (s *Store) updateUserField(ctx context.Context, userID int64, column, value string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET `+column+` = $1, updated_at = $2 WHERE id = $3`,
		value, time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("postgres: update user %s: %w", column, err)
	}
	if tag.RowsAffected() == 0 {
		return florin.ErrUserNotFound
	}
	return nil
}

func (s *Store) UpdateUserModel(ctx context.Context, userID int64, model string) error {
	return s.updateUserField(ctx, userID, "model", model)
}

func (s *Store) UpdateUserPrompt(ctx context.Context, userID int64, prompt string) error {
	return s.updateUserField(ctx, userID, "custom_prompt", prompt)
}

func (s *Store) UpdateUserLanguage(ctx context.Context, userID int64, lang string) error {
	return s.updateUserField(ctx, userID, "language", lang)
}

// --- Threads ---

const threadColumns = `id, chat_id, user_id, topic_id, title, files_context, last_message_at, created_at`

func scanThread(row pgx.Row) (florin.Thread, error) {
	var t florin.Thread
	err := row.Scan(&t.ID, &t.ChatID, &t.UserID, &t.TopicID, &t.Title,
		&t.FilesContext, &t.LastMessageAt, &t.CreatedAt)
	return t, err
}

// GetOrCreateThread returns the thread for a (chat, user, topic) key,
// creating it on first use. Concurrent creators converge on one row through
// the key's unique constraint.
func (s *Store) GetOrCreateThread(ctx context.Context, key florin.ThreadKey) (florin.Thread, error) {
	const byKey = `SELECT ` + threadColumns + ` FROM threads WHERE chat_id = $1 AND user_id = $2 AND topic_id = $3`

	t, err := scanThread(s.pool.QueryRow(ctx, byKey, key.ChatID, key.UserID, key.TopicID))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return florin.Thread{}, fmt.Errorf("postgres: get thread by key: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO threads (id, chat_id, user_id, topic_id, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (chat_id, user_id, topic_id) DO NOTHING`,
		florin.NewID(), key.ChatID, key.UserID, key.TopicID, time.Now().UTC())
	if err != nil {
		return florin.Thread{}, fmt.Errorf("postgres: create thread: %w", err)
	}

	t, err = scanThread(s.pool.QueryRow(ctx, byKey, key.ChatID, key.UserID, key.TopicID))
	if err != nil {
		return florin.Thread{}, fmt.Errorf("postgres: get thread by key: %w", err)
	}
	return t, nil
}

// GetThread returns a thread by ID.
func (s *Store) GetThread(ctx context.Context, threadID string) (florin.Thread, error) {
	t, err := scanThread(s.pool.QueryRow(ctx,
		`SELECT `+threadColumns+` FROM threads WHERE id = $1`, threadID))
	if errors.Is(err, pgx.ErrNoRows) {
		return florin.Thread{}, florin.ErrThreadNotFound
	}
	if err != nil {
		return florin.Thread{}, fmt.Errorf("postgres: get thread: %w", err)
	}
	return t, nil
}

// ListThreads returns a user's threads in a chat, most recently active first.
func (s *Store) ListThreads(ctx context.Context, chatID, userID int64, limit int) ([]florin.Thread, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+threadColumns+` FROM threads
		 WHERE chat_id = $1 AND user_id = $2
		 ORDER BY last_message_at DESC
		 LIMIT $3`,
		chatID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list threads: %w", err)
	}
	defer rows.Close()

	var threads []florin.Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan thread: %w", err)
		}
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

func (s *Store) updateThreadField(ctx context.Context, threadID, column string, value any) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE threads SET `+column+` = $1 WHERE id = $2`, value, threadID)
	if err != nil {
		return fmt.Errorf("postgres: update thread %s: %w", column, err)
	}
	if tag.RowsAffected() == 0 {
		return florin.ErrThreadNotFound
	}
	return nil
}

func (s *Store) TouchThread(ctx context.Context, threadID string, at time.Time) error {
	return s.updateThreadField(ctx, threadID, "last_message_at", at)
}

func (s *Store) UpdateThreadTitle(ctx context.Context, threadID, title string) error {
	return s.updateThreadField(ctx, threadID, "title", title)
}

func (s *Store) UpdateThreadFilesContext(ctx context.Context, threadID, filesContext string) error {
	return s.updateThreadField(ctx, threadID, "files_context", filesContext)
}

// ClearThread drops a thread's dialog history. The thread row itself
// survives so the topic binding and title stay intact.
func (s *Store) ClearThread(ctx context.Context, threadID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM messages WHERE thread_id = $1`, threadID); err != nil {
		return fmt.Errorf("postgres: clear thread: %w", err)
	}
	return nil
}

// --- Messages ---

const messageColumns = `chat_id, message_id, thread_id, role, sender, text, reply, forward, quote, edit_count, thinking_tokens, text_tokens, created_at`

func scanMessage(row pgx.Row) (florin.Message, error) {
	var m florin.Message
	var reply, forward, quote []byte
	err := row.Scan(&m.ChatID, &m.MessageID, &m.ThreadID, &m.Role, &m.Sender, &m.Text,
		&reply, &forward, &quote, &m.EditCount, &m.ThinkingTokens, &m.TextTokens, &m.CreatedAt)
	if err != nil {
		return florin.Message{}, err
	}
	if reply != nil {
		m.Reply = &florin.ReplyContext{}
		_ = json.Unmarshal(reply, m.Reply)
	}
	if forward != nil {
		m.Forward = &florin.ForwardContext{}
		_ = json.Unmarshal(forward, m.Forward)
	}
	if quote != nil {
		m.Quote = &florin.QuoteContext{}
		_ = json.Unmarshal(quote, m.Quote)
	}
	return m, nil
}

// jsonbOrNull marshals v into a nullable JSONB parameter.
func jsonbOrNull(v any) *string {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	s := string(data)
	return &s
}

// SaveMessages inserts dialog messages in one batch. Re-delivered rows with
// a known (chat_id, message_id) key are ignored.
func (s *Store) SaveMessages(ctx context.Context, msgs []florin.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for _, m := range msgs {
		var reply, forward, quote *string
		if m.Reply != nil {
			reply = jsonbOrNull(m.Reply)
		}
		if m.Forward != nil {
			forward = jsonbOrNull(m.Forward)
		}
		if m.Quote != nil {
			quote = jsonbOrNull(m.Quote)
		}
		b.Queue(
			`INSERT INTO messages (`+messageColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, $9::jsonb, $10, $11, $12, $13)
			 ON CONFLICT (chat_id, message_id) DO NOTHING`,
			m.ChatID, m.MessageID, m.ThreadID, string(m.Role), m.Sender, m.Text,
			reply, forward, quote, m.EditCount, m.ThinkingTokens, m.TextTokens, m.CreatedAt)
	}
	br := s.pool.SendBatch(ctx, b)
	defer br.Close()
	for range msgs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: save messages: %w", err)
		}
	}
	return nil
}

// ThreadMessages returns the most recent messages of a thread in
// chronological order (oldest first).
func (s *Store) ThreadMessages(ctx context.Context, threadID string, limit int) ([]florin.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE thread_id = $1
		 ORDER BY created_at DESC, message_id DESC
		 LIMIT $2`,
		threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: thread messages: %w", err)
	}
	defer rows.Close()

	var msgs []florin.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate messages: %w", err)
	}

	// Reverse to chronological order (oldest first).
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// GetMessage returns one message by its platform key.
func (s *Store) GetMessage(ctx context.Context, chatID, messageID int64) (florin.Message, error) {
	m, err := scanMessage(s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE chat_id = $1 AND message_id = $2`,
		chatID, messageID))
	if errors.Is(err, pgx.ErrNoRows) {
		return florin.Message{}, fmt.Errorf("message %d/%d not found", chatID, messageID)
	}
	if err != nil {
		return florin.Message{}, fmt.Errorf("postgres: get message: %w", err)
	}
	return m, nil
}

// UpdateMessageText rewrites a message's text after an edit and bumps its
// edit counter.
func (s *Store) UpdateMessageText(ctx context.Context, chatID, messageID int64, text string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE messages SET text = $1, edit_count = edit_count + 1
		 WHERE chat_id = $2 AND message_id = $3`,
		text, chatID, messageID)
	if err != nil {
		return fmt.Errorf("postgres: update message text: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("message %d/%d not found", chatID, messageID)
	}
	return nil
}

// --- Files ---

const fileColumns = `id, chat_id, message_id, thread_id, filename, mime, size, type, source, claude_file_id, telegram_file_id, telegram_unique_id, uploaded_at, expires_at`

func scanFile(row pgx.Row) (florin.UserFile, error) {
	var f florin.UserFile
	var expiresAt *time.Time
	err := row.Scan(&f.ID, &f.ChatID, &f.MessageID, &f.ThreadID, &f.Filename, &f.MIME,
		&f.Size, &f.Type, &f.Source, &f.ClaudeFileID, &f.TelegramFileID,
		&f.TelegramUniqueID, &f.UploadedAt, &expiresAt)
	if err != nil {
		return florin.UserFile{}, err
	}
	if expiresAt != nil {
		f.ExpiresAt = *expiresAt
	}
	return f, nil
}

// SaveFiles upserts file metadata rows in one batch. Re-ingesting a known
// file refreshes its handles and expiry.
func (s *Store) SaveFiles(ctx context.Context, files []florin.UserFile) error {
	if len(files) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for _, f := range files {
		var expiresAt *time.Time
		if !f.ExpiresAt.IsZero() {
			expiresAt = &f.ExpiresAt
		}
		b.Queue(
			`INSERT INTO user_files (`+fileColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			 ON CONFLICT (id) DO UPDATE SET
			   claude_file_id = EXCLUDED.claude_file_id,
			   telegram_file_id = EXCLUDED.telegram_file_id,
			   telegram_unique_id = EXCLUDED.telegram_unique_id,
			   uploaded_at = EXCLUDED.uploaded_at,
			   expires_at = EXCLUDED.expires_at`,
			f.ID, f.ChatID, f.MessageID, f.ThreadID, f.Filename, f.MIME, f.Size,
			string(f.Type), string(f.Source), f.ClaudeFileID, f.TelegramFileID,
			f.TelegramUniqueID, f.UploadedAt, expiresAt)
	}
	br := s.pool.SendBatch(ctx, b)
	defer br.Close()
	for range files {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: save files: %w", err)
		}
	}
	return nil
}

func (s *Store) fileByColumn(ctx context.Context, column, value string) (florin.UserFile, error) {
	f, err := scanFile(s.pool.QueryRow(ctx,
		`SELECT `+fileColumns+` FROM user_files WHERE `+column+` = $1`, value))
	if errors.Is(err, pgx.ErrNoRows) {
		return florin.UserFile{}, &florin.ErrFileNotFound{ID: value}
	}
	if err != nil {
		return florin.UserFile{}, fmt.Errorf("postgres: get file by %s: %w", column, err)
	}
	return f, nil
}

func (s *Store) FileByID(ctx context.Context, id string) (florin.UserFile, error) {
	return s.fileByColumn(ctx, "id", id)
}

func (s *Store) FileByClaudeID(ctx context.Context, claudeFileID string) (florin.UserFile, error) {
	return s.fileByColumn(ctx, "claude_file_id", claudeFileID)
}

func (s *Store) FileByTelegramID(ctx context.Context, telegramFileID string) (florin.UserFile, error) {
	return s.fileByColumn(ctx, "telegram_file_id", telegramFileID)
}

func (s *Store) FileByUniqueID(ctx context.Context, telegramUniqueID string) (florin.UserFile, error) {
	return s.fileByColumn(ctx, "telegram_unique_id", telegramUniqueID)
}

// ThreadFiles returns all files seen in a thread, oldest first.
func (s *Store) ThreadFiles(ctx context.Context, threadID string) ([]florin.UserFile, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+fileColumns+` FROM user_files
		 WHERE thread_id = $1
		 ORDER BY uploaded_at`,
		threadID)
	if err != nil {
		return nil, fmt.Errorf("postgres: thread files: %w", err)
	}
	defer rows.Close()

	var files []florin.UserFile
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// --- Payments ---

const paymentColumns = `charge_id, user_id, stars, nominal_usd, credited_usd, k1, k2, k3, status, payload, created_at, refunded_at`

func scanPayment(row pgx.Row) (florin.Payment, error) {
	var p florin.Payment
	var refundedAt *time.Time
	err := row.Scan(&p.ChargeID, &p.UserID, &p.Stars, &p.NominalUSD, &p.CreditedUSD,
		&p.K1, &p.K2, &p.K3, &p.Status, &p.Payload, &p.CreatedAt, &refundedAt)
	if err != nil {
		return florin.Payment{}, err
	}
	if refundedAt != nil {
		p.RefundedAt = *refundedAt
	}
	return p, nil
}

// PaymentByCharge returns a payment by its platform charge id.
func (s *Store) PaymentByCharge(ctx context.Context, chargeID string) (florin.Payment, error) {
	p, err := scanPayment(s.pool.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE charge_id = $1`, chargeID))
	if errors.Is(err, pgx.ErrNoRows) {
		return florin.Payment{}, florin.ErrPaymentNotFound
	}
	if err != nil {
		return florin.Payment{}, fmt.Errorf("postgres: get payment: %w", err)
	}
	return p, nil
}

// UserPayments returns a user's payments, most recent first.
func (s *Store) UserPayments(ctx context.Context, userID int64, limit int) ([]florin.Payment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+paymentColumns+` FROM payments
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: user payments: %w", err)
	}
	defer rows.Close()

	var payments []florin.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan payment: %w", err)
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// --- Balance operations ---

const operationColumns = `id, user_id, type, amount, balance_before, balance_after, related_payment_id, related_message_id, admin_user_id, description, created_at`

func scanOperation(row pgx.Row) (florin.BalanceOperation, error) {
	var op florin.BalanceOperation
	err := row.Scan(&op.ID, &op.UserID, &op.Type, &op.Amount, &op.BalanceBefore,
		&op.BalanceAfter, &op.RelatedPaymentID, &op.RelatedMessageID,
		&op.AdminUserID, &op.Description, &op.CreatedAt)
	return op, err
}

// BalanceHistory returns a user's most recent ledger rows, newest first.
func (s *Store) BalanceHistory(ctx context.Context, userID int64, limit int) ([]florin.BalanceOperation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+operationColumns+` FROM balance_operations
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: balance history: %w", err)
	}
	defer rows.Close()
	return collectOperations(rows)
}

// UserOperations returns a user's full ledger in chronological order.
// Used by the integrity audit, which replays every row.
func (s *Store) UserOperations(ctx context.Context, userID int64) ([]florin.BalanceOperation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+operationColumns+` FROM balance_operations
		 WHERE user_id = $1
		 ORDER BY created_at, id`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: user operations: %w", err)
	}
	defer rows.Close()
	return collectOperations(rows)
}

func collectOperations(rows pgx.Rows) ([]florin.BalanceOperation, error) {
	var ops []florin.BalanceOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan operation: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// TotalCharged sums the magnitude of usage charges inside a period window.
func (s *Store) TotalCharged(ctx context.Context, userID int64, p florin.Period) (decimal.Decimal, error) {
	q := `SELECT COALESCE(SUM(ABS(amount)), 0) FROM balance_operations
	      WHERE user_id = $1 AND type = $2`
	args := []any{userID, string(florin.OpUsage)}
	if since := florin.PeriodStart(p, time.Now().UTC()); !since.IsZero() {
		q += ` AND created_at >= $3`
		args = append(args, since)
	}

	var total decimal.Decimal
	if err := s.pool.QueryRow(ctx, q, args...).Scan(&total); err != nil {
		return decimal.Zero, fmt.Errorf("postgres: total charged: %w", err)
	}
	return total, nil
}

// --- Tool call audit ---

// SaveToolCalls inserts audit rows in one batch. Called by the write-behind
// batcher, never on the hot path.
func (s *Store) SaveToolCalls(ctx context.Context, recs []florin.ToolCallRecord) error {
	if len(recs) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for _, r := range recs {
		b.Queue(
			`INSERT INTO tool_calls (id, user_id, thread_id, tool_name, model_id,
				input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens,
				cost_usd, duration_ms, success, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			 ON CONFLICT (id) DO NOTHING`,
			r.ID, r.UserID, r.ThreadID, r.ToolName, r.ModelID,
			r.InputTokens, r.OutputTokens, r.CacheRead, r.CacheCreation,
			r.CostUSD, r.Duration.Milliseconds(), r.Success, r.CreatedAt)
	}
	br := s.pool.SendBatch(ctx, b)
	defer br.Close()
	for range recs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: save tool calls: %w", err)
		}
	}
	return nil
}

// --- Transactions ---

// Tx runs fn inside a database transaction. fn returning nil commits;
// any error rolls back.
func (s *Store) Tx(ctx context.Context, fn func(florin.StoreTx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(&storeTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	return nil
}

// storeTx implements florin.StoreTx on an open pgx transaction.
type storeTx struct {
	tx pgx.Tx
}

var _ florin.StoreTx = (*storeTx)(nil)

// GetUserForUpdate reads a user row under a row lock, serializing
// concurrent ledger writes for that user.
func (t *storeTx) GetUserForUpdate(ctx context.Context, userID int64) (florin.User, error) {
	u, err := scanUser(t.tx.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return florin.User{}, florin.ErrUserNotFound
	}
	if err != nil {
		return florin.User{}, fmt.Errorf("postgres: get user for update: %w", err)
	}
	return u, nil
}

func (t *storeTx) GetUserByUsernameForUpdate(ctx context.Context, username string) (florin.User, error) {
	u, err := scanUser(t.tx.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE lower(username) = lower($1) FOR UPDATE`, username))
	if errors.Is(err, pgx.ErrNoRows) {
		return florin.User{}, florin.ErrUserNotFound
	}
	if err != nil {
		return florin.User{}, fmt.Errorf("postgres: get user for update: %w", err)
	}
	return u, nil
}

func (t *storeTx) UpdateBalance(ctx context.Context, userID int64, balance decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE users SET balance = $1, updated_at = $2 WHERE id = $3`,
		balance, time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("postgres: update balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return florin.ErrUserNotFound
	}
	return nil
}

func (t *storeTx) InsertOperation(ctx context.Context, op florin.BalanceOperation) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO balance_operations (id, user_id, type, amount, balance_before,
			balance_after, related_payment_id, related_message_id, admin_user_id,
			description, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		op.ID, op.UserID, string(op.Type), op.Amount,
		op.BalanceBefore, op.BalanceAfter,
		op.RelatedPaymentID, op.RelatedMessageID, op.AdminUserID,
		op.Description, op.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert operation: %w", err)
	}
	return nil
}

// InsertPayment inserts a payment row, failing on a duplicate charge id.
// The primary key carries the idempotency guarantee.
func (t *storeTx) InsertPayment(ctx context.Context, p florin.Payment) error {
	var refundedAt *time.Time
	if !p.RefundedAt.IsZero() {
		refundedAt = &p.RefundedAt
	}
	tag, err := t.tx.Exec(ctx,
		`INSERT INTO payments (charge_id, user_id, stars, nominal_usd, credited_usd,
			k1, k2, k3, status, payload, created_at, refunded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (charge_id) DO NOTHING`,
		p.ChargeID, p.UserID, p.Stars, p.NominalUSD, p.CreditedUSD,
		p.K1, p.K2, p.K3, string(p.Status),
		p.Payload, p.CreatedAt, refundedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &florin.ErrDuplicatePayment{ChargeID: p.ChargeID}
	}
	return nil
}

func (t *storeTx) GetPaymentForUpdate(ctx context.Context, chargeID string) (florin.Payment, error) {
	p, err := scanPayment(t.tx.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE charge_id = $1 FOR UPDATE`, chargeID))
	if errors.Is(err, pgx.ErrNoRows) {
		return florin.Payment{}, florin.ErrPaymentNotFound
	}
	if err != nil {
		return florin.Payment{}, fmt.Errorf("postgres: get payment for update: %w", err)
	}
	return p, nil
}

func (t *storeTx) MarkPaymentRefunded(ctx context.Context, chargeID string, at time.Time) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE payments SET status = $1, refunded_at = $2 WHERE charge_id = $3`,
		string(florin.PaymentRefunded), at, chargeID)
	if err != nil {
		return fmt.Errorf("postgres: mark payment refunded: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return florin.ErrPaymentNotFound
	}
	return nil
}
