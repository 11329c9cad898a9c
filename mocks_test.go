package florin

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// memStore is an in-memory Store for tests. Tx snapshots the money tables
// and restores them when fn fails, mimicking a rollback.
type memStore struct {
	mu          sync.Mutex
	users       map[int64]User
	threads     map[string]Thread
	threadByKey map[ThreadKey]string
	messages    []Message
	files       map[string]UserFile
	payments    map[string]Payment
	ops         []BalanceOperation
	toolCalls   []ToolCallRecord
	txErr       error // injected transaction failure
}

func newMemStore() *memStore {
	return &memStore{
		users:       map[int64]User{},
		threads:     map[string]Thread{},
		threadByKey: map[ThreadKey]string{},
		files:       map[string]UserFile{},
		payments:    map[string]Payment{},
	}
}

func (s *memStore) addUser(id int64, username string, balance string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, _ := decimal.NewFromString(balance)
	s.users[id] = User{ID: id, Username: username, Balance: b, CreatedAt: time.Now()}
}

func (s *memStore) GetOrCreateUser(_ context.Context, u User) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.users[u.ID]; ok {
		return existing, nil
	}
	u.CreatedAt = time.Now()
	u.UpdatedAt = u.CreatedAt
	s.users[u.ID] = u
	return u, nil
}

func (s *memStore) GetUser(_ context.Context, userID int64) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return u, nil
}

func (s *memStore) GetUserByUsername(_ context.Context, username string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Username, username) {
			return u, nil
		}
	}
	return User{}, ErrUserNotFound
}

func (s *memStore) setUserField(userID int64, set func(*User)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	set(&u)
	u.UpdatedAt = time.Now()
	s.users[userID] = u
	return nil
}

func (s *memStore) UpdateUserModel(_ context.Context, userID int64, model string) error {
	return s.setUserField(userID, func(u *User) { u.Model = model })
}

func (s *memStore) UpdateUserPrompt(_ context.Context, userID int64, prompt string) error {
	return s.setUserField(userID, func(u *User) { u.CustomPrompt = prompt })
}

func (s *memStore) UpdateUserLanguage(_ context.Context, userID int64, lang string) error {
	return s.setUserField(userID, func(u *User) { u.Language = lang })
}

func (s *memStore) GetOrCreateThread(_ context.Context, key ThreadKey) (Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.threadByKey[key]; ok {
		return s.threads[id], nil
	}
	t := Thread{
		ID:        NewID(),
		ChatID:    key.ChatID,
		UserID:    key.UserID,
		TopicID:   key.TopicID,
		CreatedAt: time.Now(),
	}
	s.threads[t.ID] = t
	s.threadByKey[key] = t.ID
	return t, nil
}

func (s *memStore) GetThread(_ context.Context, threadID string) (Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[threadID]
	if !ok {
		return Thread{}, ErrThreadNotFound
	}
	return t, nil
}

func (s *memStore) ListThreads(_ context.Context, chatID, userID int64, limit int) ([]Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Thread
	for _, t := range s.threads {
		if t.ChatID == chatID && t.UserID == userID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastMessageAt.After(out[j].LastMessageAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) setThreadField(threadID string, set func(*Thread)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[threadID]
	if !ok {
		return ErrThreadNotFound
	}
	set(&t)
	s.threads[threadID] = t
	return nil
}

func (s *memStore) TouchThread(_ context.Context, threadID string, at time.Time) error {
	return s.setThreadField(threadID, func(t *Thread) { t.LastMessageAt = at })
}

func (s *memStore) UpdateThreadTitle(_ context.Context, threadID, title string) error {
	return s.setThreadField(threadID, func(t *Thread) { t.Title = title })
}

func (s *memStore) UpdateThreadFilesContext(_ context.Context, threadID, fc string) error {
	return s.setThreadField(threadID, func(t *Thread) { t.FilesContext = fc })
}

func (s *memStore) ClearThread(_ context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = slices.DeleteFunc(s.messages, func(m Message) bool { return m.ThreadID == threadID })
	return nil
}

func (s *memStore) SaveMessages(_ context.Context, msgs []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msgs...)
	return nil
}

func (s *memStore) ThreadMessages(_ context.Context, threadID string, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.messages {
		if m.ThreadID == threadID {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *memStore) GetMessage(_ context.Context, chatID, messageID int64) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.ChatID == chatID && m.MessageID == messageID {
			return m, nil
		}
	}
	return Message{}, fmt.Errorf("message %d/%d not found", chatID, messageID)
}

func (s *memStore) UpdateMessageText(_ context.Context, chatID, messageID int64, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].ChatID == chatID && s.messages[i].MessageID == messageID {
			s.messages[i].Text = text
			s.messages[i].EditCount++
			return nil
		}
	}
	return fmt.Errorf("message %d/%d not found", chatID, messageID)
}

func (s *memStore) SaveFiles(_ context.Context, files []UserFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range files {
		s.files[f.ID] = f
	}
	return nil
}

func (s *memStore) FileByID(_ context.Context, id string) (UserFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	if !ok {
		return UserFile{}, &ErrFileNotFound{ID: id}
	}
	return f, nil
}

func (s *memStore) FileByClaudeID(_ context.Context, claudeFileID string) (UserFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.files {
		if f.ClaudeFileID == claudeFileID {
			return f, nil
		}
	}
	return UserFile{}, &ErrFileNotFound{ID: claudeFileID}
}

func (s *memStore) FileByTelegramID(_ context.Context, telegramFileID string) (UserFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.files {
		if f.TelegramFileID == telegramFileID {
			return f, nil
		}
	}
	return UserFile{}, &ErrFileNotFound{ID: telegramFileID}
}

func (s *memStore) FileByUniqueID(_ context.Context, uniqueID string) (UserFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.files {
		if f.TelegramUniqueID == uniqueID {
			return f, nil
		}
	}
	return UserFile{}, &ErrFileNotFound{ID: uniqueID}
}

func (s *memStore) ThreadFiles(_ context.Context, threadID string) ([]UserFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []UserFile
	for _, f := range s.files {
		if f.ThreadID == threadID {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UploadedAt.Before(out[j].UploadedAt) })
	return out, nil
}

func (s *memStore) PaymentByCharge(_ context.Context, chargeID string) (Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[chargeID]
	if !ok {
		return Payment{}, ErrPaymentNotFound
	}
	return p, nil
}

func (s *memStore) UserPayments(_ context.Context, userID int64, limit int) ([]Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Payment
	for _, p := range s.payments {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) BalanceHistory(_ context.Context, userID int64, limit int) ([]BalanceOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []BalanceOperation
	for i := len(s.ops) - 1; i >= 0; i-- {
		if s.ops[i].UserID == userID {
			out = append(out, s.ops[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *memStore) UserOperations(_ context.Context, userID int64) ([]BalanceOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []BalanceOperation
	for _, op := range s.ops {
		if op.UserID == userID {
			out = append(out, op)
		}
	}
	return out, nil
}

func (s *memStore) TotalCharged(_ context.Context, userID int64, p Period) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	since := PeriodStart(p, time.Now().UTC())
	total := decimal.Zero
	for _, op := range s.ops {
		if op.UserID == userID && op.Type == OpUsage && !op.CreatedAt.Before(since) {
			total = total.Add(op.Amount.Abs())
		}
	}
	return total, nil
}

func (s *memStore) SaveToolCalls(_ context.Context, recs []ToolCallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolCalls = append(s.toolCalls, recs...)
	return nil
}

func (s *memStore) Tx(_ context.Context, fn func(StoreTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.txErr != nil {
		return s.txErr
	}
	snapUsers := maps.Clone(s.users)
	snapPayments := maps.Clone(s.payments)
	snapOps := slices.Clone(s.ops)
	if err := fn(&memTx{s: s}); err != nil {
		s.users = snapUsers
		s.payments = snapPayments
		s.ops = snapOps
		return err
	}
	return nil
}

func (s *memStore) Init(context.Context) error { return nil }
func (s *memStore) Close() error               { return nil }

// memTx operates on memStore data under the lock Tx already holds.
type memTx struct {
	s *memStore
}

func (t *memTx) GetUserForUpdate(_ context.Context, userID int64) (User, error) {
	u, ok := t.s.users[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return u, nil
}

func (t *memTx) GetUserByUsernameForUpdate(_ context.Context, username string) (User, error) {
	for _, u := range t.s.users {
		if strings.EqualFold(u.Username, username) {
			return u, nil
		}
	}
	return User{}, ErrUserNotFound
}

func (t *memTx) UpdateBalance(_ context.Context, userID int64, balance decimal.Decimal) error {
	u, ok := t.s.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	u.Balance = balance
	u.UpdatedAt = time.Now()
	t.s.users[userID] = u
	return nil
}

func (t *memTx) InsertOperation(_ context.Context, op BalanceOperation) error {
	t.s.ops = append(t.s.ops, op)
	return nil
}

func (t *memTx) InsertPayment(_ context.Context, p Payment) error {
	if _, ok := t.s.payments[p.ChargeID]; ok {
		return &ErrDuplicatePayment{ChargeID: p.ChargeID}
	}
	t.s.payments[p.ChargeID] = p
	return nil
}

func (t *memTx) GetPaymentForUpdate(_ context.Context, chargeID string) (Payment, error) {
	p, ok := t.s.payments[chargeID]
	if !ok {
		return Payment{}, ErrPaymentNotFound
	}
	return p, nil
}

func (t *memTx) MarkPaymentRefunded(_ context.Context, chargeID string, at time.Time) error {
	p, ok := t.s.payments[chargeID]
	if !ok {
		return ErrPaymentNotFound
	}
	p.Status = PaymentRefunded
	p.RefundedAt = at
	t.s.payments[chargeID] = p
	return nil
}

// memCache is an in-memory Cache for tests. balanceUpdates counts
// UpdateUserBalance calls so tests can assert the single-update rule.
type memCache struct {
	mu             sync.Mutex
	users          map[int64]User
	threads        map[ThreadKey]Thread
	messages       map[string][]Message
	files          map[string][]UserFile
	topics         map[string][]Thread
	execData       map[string][]byte
	execMeta       map[string]ExecFileMeta
	balanceUpdates int
}

func newMemCache() *memCache {
	return &memCache{
		users:    map[int64]User{},
		threads:  map[ThreadKey]Thread{},
		messages: map[string][]Message{},
		files:    map[string][]UserFile{},
		topics:   map[string][]Thread{},
		execData: map[string][]byte{},
		execMeta: map[string]ExecFileMeta{},
	}
}

func (c *memCache) GetUser(_ context.Context, userID int64) (User, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.users[userID]
	return u, ok
}

func (c *memCache) SetUser(_ context.Context, u User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.users[u.ID] = u
}

func (c *memCache) UpdateUserBalance(_ context.Context, userID int64, balance decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balanceUpdates++
	u, ok := c.users[userID]
	if !ok {
		return
	}
	u.Balance = balance
	c.users[userID] = u
}

func (c *memCache) InvalidateUser(_ context.Context, userID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.users, userID)
}

func (c *memCache) GetThread(_ context.Context, key ThreadKey) (Thread, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.threads[key]
	return t, ok
}

func (c *memCache) SetThread(_ context.Context, key ThreadKey, t Thread) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.threads[key] = t
}

func (c *memCache) GetMessages(_ context.Context, threadID string) ([]Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs, ok := c.messages[threadID]
	return msgs, ok
}

func (c *memCache) SetMessages(_ context.Context, threadID string, msgs []Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages[threadID] = msgs
}

func (c *memCache) InvalidateMessages(_ context.Context, threadID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.messages, threadID)
}

func (c *memCache) GetFiles(_ context.Context, threadID string) ([]UserFile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	files, ok := c.files[threadID]
	return files, ok
}

func (c *memCache) SetFiles(_ context.Context, threadID string, files []UserFile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files[threadID] = files
}

func (c *memCache) InvalidateFiles(_ context.Context, threadID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.files, threadID)
}

func topicKey(chatID, userID int64) string { return fmt.Sprintf("%d:%d", chatID, userID) }

func (c *memCache) GetRecentTopics(_ context.Context, chatID, userID int64) ([]Thread, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	topics, ok := c.topics[topicKey(chatID, userID)]
	return topics, ok
}

func (c *memCache) SetRecentTopics(_ context.Context, chatID, userID int64, topics []Thread) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics[topicKey(chatID, userID)] = topics
}

func (c *memCache) StoreExecFile(_ context.Context, id string, data []byte, meta ExecFileMeta) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.execData[id] = data
	c.execMeta[id] = meta
	return nil
}

func (c *memCache) GetExecFile(_ context.Context, id string) ([]byte, ExecFileMeta, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.execData[id]
	if !ok {
		return nil, ExecFileMeta{}, false
	}
	return data, c.execMeta[id], true
}

// fakeFrontend implements Frontend with overridable function fields. Sent
// messages and files are recorded; message ids are handed out sequentially.
type fakeFrontend struct {
	mu     sync.Mutex
	nextID int64
	sent   []sentMessage
	edits  []sentMessage
	photos []GeneratedFile
	docs   []GeneratedFile

	downloadFn func(fileID string) ([]byte, string, error)
	sendErr    error
	editErr    error
	topics     int64
	invoices   []string
	refunds    []string
	deletes    []int64
}

type sentMessage struct {
	ChatID    int64
	TopicID   int64
	MessageID int64
	Text      string
	Mode      ParseMode
}

func newFakeFrontend() *fakeFrontend {
	return &fakeFrontend{nextID: 1000}
}

func (f *fakeFrontend) Poll(ctx context.Context) (<-chan Update, error) {
	ch := make(chan Update)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (f *fakeFrontend) send(chatID, topicID int64, text string, mode ParseMode) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return 0, f.sendErr
	}
	f.nextID++
	f.sent = append(f.sent, sentMessage{ChatID: chatID, TopicID: topicID, MessageID: f.nextID, Text: text, Mode: mode})
	return f.nextID, nil
}

func (f *fakeFrontend) Send(_ context.Context, chatID, topicID int64, text string) (int64, error) {
	return f.send(chatID, topicID, text, ModePlain)
}

func (f *fakeFrontend) SendFormatted(_ context.Context, chatID, topicID int64, text string, mode ParseMode) (int64, error) {
	return f.send(chatID, topicID, text, mode)
}

func (f *fakeFrontend) SendKeyboard(_ context.Context, chatID, topicID int64, text string, _ [][]Button) (int64, error) {
	return f.send(chatID, topicID, text, ModePlain)
}

func (f *fakeFrontend) Edit(_ context.Context, chatID, messageID int64, text string) error {
	return f.edit(chatID, messageID, text, ModePlain)
}

func (f *fakeFrontend) EditFormatted(_ context.Context, chatID, messageID int64, text string, mode ParseMode) error {
	return f.edit(chatID, messageID, text, mode)
}

func (f *fakeFrontend) edit(chatID, messageID int64, text string, mode ParseMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.editErr != nil {
		return f.editErr
	}
	f.edits = append(f.edits, sentMessage{ChatID: chatID, MessageID: messageID, Text: text, Mode: mode})
	return nil
}

func (f *fakeFrontend) Delete(_ context.Context, _ int64, messageID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, messageID)
	return nil
}

func (f *fakeFrontend) SendTyping(context.Context, int64, int64) error { return nil }

func (f *fakeFrontend) SendPhoto(_ context.Context, chatID, topicID int64, gf GeneratedFile) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.photos = append(f.photos, gf)
	return f.nextID, nil
}

func (f *fakeFrontend) SendDocument(_ context.Context, chatID, topicID int64, gf GeneratedFile) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.docs = append(f.docs, gf)
	return f.nextID, nil
}

func (f *fakeFrontend) DownloadFile(_ context.Context, fileID string) ([]byte, string, error) {
	if f.downloadFn != nil {
		return f.downloadFn(fileID)
	}
	return nil, "", fmt.Errorf("no download configured for %s", fileID)
}

func (f *fakeFrontend) CreateForumTopic(_ context.Context, _ int64, _ string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics++
	return 5000 + f.topics, nil
}

func (f *fakeFrontend) SendInvoice(_ context.Context, _ int64, _, _, payload string, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invoices = append(f.invoices, payload)
	return nil
}

func (f *fakeFrontend) AnswerPreCheckout(context.Context, string, bool, string) error { return nil }

func (f *fakeFrontend) RefundStarPayment(_ context.Context, _ int64, chargeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunds = append(f.refunds, chargeID)
	return nil
}

func (f *fakeFrontend) AnswerCallback(context.Context, string, string) error { return nil }

func (f *fakeFrontend) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.sent {
		out = append(out, m.Text)
	}
	return out
}

// fakeFileAPI implements FileAPI in memory.
type fakeFileAPI struct {
	mu      sync.Mutex
	uploads map[string][]byte
	nextID  int
	err     error
}

func newFakeFileAPI() *fakeFileAPI {
	return &fakeFileAPI{uploads: map[string][]byte{}}
}

func (f *fakeFileAPI) Upload(_ context.Context, filename, mime string, data []byte) (FileUpload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return FileUpload{}, f.err
	}
	f.nextID++
	id := fmt.Sprintf("file_%03d", f.nextID)
	f.uploads[id] = data
	return FileUpload{ID: id, ExpiresAt: time.Now().Add(48 * time.Hour)}, nil
}

func (f *fakeFileAPI) Download(_ context.Context, fileID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.uploads[fileID]
	if !ok {
		return nil, &ErrHTTP{Status: 404, Body: "file not found"}
	}
	return data, nil
}

// compile-time checks
var (
	_ Store    = (*memStore)(nil)
	_ StoreTx  = (*memTx)(nil)
	_ Cache    = (*memCache)(nil)
	_ Frontend = (*fakeFrontend)(nil)
	_ FileAPI  = (*fakeFileAPI)(nil)
)
