// Package rediscache implements florin.Cache on Redis.
//
// The cache is best-effort shared state between bot instances. Backend
// failures degrade to misses and are logged; callers never see a Redis
// error on a read path. The Cache accepts an externally-owned
// *redis.Client via constructor injection.
package rediscache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/velikov/florin"
)

const (
	userTTL     = 5 * time.Minute
	threadTTL   = 5 * time.Minute
	messagesTTL = 5 * time.Minute
	filesTTL    = 5 * time.Minute
	topicsTTL   = time.Minute
	execTTL     = 30 * time.Minute

	// MaxExecFileSize caps one cached sandbox artifact.
	MaxExecFileSize = 10 << 20
)

// balanceScript rewrites only the balance and cached_at fields of a cached
// profile, leaving sibling fields (model, prompt, language) intact so a
// concurrent settings change is not lost. No-op when the key is absent.
var balanceScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
	return 0
end
local profile = cjson.decode(cur)
profile['balance'] = ARGV[1]
profile['cached_at'] = ARGV[2]
local ttl = redis.call('TTL', KEYS[1])
if ttl <= 0 then
	ttl = tonumber(ARGV[3])
end
redis.call('SET', KEYS[1], cjson.encode(profile), 'EX', ttl)
return 1
`)

// Cache implements florin.Cache backed by Redis.
type Cache struct {
	rdb *redis.Client
	log *slog.Logger
}

var _ florin.Cache = (*Cache)(nil)

// New creates a Cache using an existing redis.Client.
// The caller owns the client and is responsible for closing it.
func New(rdb *redis.Client, log *slog.Logger) *Cache {
	if log == nil {
		log = slog.Default()
	}
	return &Cache{rdb: rdb, log: log}
}

func userKey(userID int64) string { return fmt.Sprintf("user:%d", userID) }
func threadKey(k florin.ThreadKey) string {
	return fmt.Sprintf("thread:%d:%d:%d", k.ChatID, k.UserID, k.TopicID)
}
func topicsKey(chatID, userID int64) string {
	return fmt.Sprintf("cache:recent_topics:%d:%d", chatID, userID)
}
func messagesKey(threadID string) string { return "messages:" + threadID }
func filesKey(threadID string) string    { return "files:" + threadID }
func execFileKey(id string) string       { return "exec:file:" + id }
func execMetaKey(id string) string       { return "exec:meta:" + id }

// getJSON loads and decodes one key. Any failure is a miss.
func (c *Cache) getJSON(ctx context.Context, key string, dst any) bool {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false
	}
	if err != nil {
		c.log.Warn("cache read failed", "key", key, "error", err)
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		c.log.Warn("cache entry corrupt, dropping", "key", key, "error", err)
		c.rdb.Del(ctx, key)
		return false
	}
	return true
}

func (c *Cache) setJSON(ctx context.Context, key string, v any, ttl time.Duration) {
	data, err := json.Marshal(v)
	if err != nil {
		c.log.Warn("cache encode failed", "key", key, "error", err)
		return
	}
	if err := c.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		c.log.Warn("cache write failed", "key", key, "error", err)
	}
}

func (c *Cache) del(ctx context.Context, keys ...string) {
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		c.log.Warn("cache delete failed", "keys", keys, "error", err)
	}
}

// --- User profiles ---

// cachedProfile wraps a user row with the time it entered the cache. The
// cached_at field is what the balance CAS script touches alongside balance.
type cachedProfile struct {
	florin.User
	CachedAt time.Time `json:"cached_at"`
}

func (c *Cache) GetUser(ctx context.Context, userID int64) (florin.User, bool) {
	var p cachedProfile
	if !c.getJSON(ctx, userKey(userID), &p) {
		return florin.User{}, false
	}
	return p.User, true
}

func (c *Cache) SetUser(ctx context.Context, u florin.User) {
	c.setJSON(ctx, userKey(u.ID), cachedProfile{User: u, CachedAt: time.Now().UTC()}, userTTL)
}

// UpdateUserBalance rewrites only the balance and cached-at fields of a
// cached profile via a server-side script. No-op on cache miss.
func (c *Cache) UpdateUserBalance(ctx context.Context, userID int64, balance decimal.Decimal) {
	err := balanceScript.Run(ctx, c.rdb,
		[]string{userKey(userID)},
		balance.StringFixed(4),
		time.Now().UTC().Format(time.RFC3339Nano),
		int(userTTL.Seconds()),
	).Err()
	if err != nil && err != redis.Nil {
		c.log.Warn("cached balance update failed", "user_id", userID, "error", err)
	}
}

func (c *Cache) InvalidateUser(ctx context.Context, userID int64) {
	c.del(ctx, userKey(userID))
}

// --- Threads ---

func (c *Cache) GetThread(ctx context.Context, key florin.ThreadKey) (florin.Thread, bool) {
	var t florin.Thread
	if !c.getJSON(ctx, threadKey(key), &t) {
		return florin.Thread{}, false
	}
	return t, true
}

func (c *Cache) SetThread(ctx context.Context, key florin.ThreadKey, t florin.Thread) {
	c.setJSON(ctx, threadKey(key), t, threadTTL)
}

// --- Message windows ---

func (c *Cache) GetMessages(ctx context.Context, threadID string) ([]florin.Message, bool) {
	var msgs []florin.Message
	if !c.getJSON(ctx, messagesKey(threadID), &msgs) {
		return nil, false
	}
	return msgs, true
}

func (c *Cache) SetMessages(ctx context.Context, threadID string, msgs []florin.Message) {
	c.setJSON(ctx, messagesKey(threadID), msgs, messagesTTL)
}

func (c *Cache) InvalidateMessages(ctx context.Context, threadID string) {
	c.del(ctx, messagesKey(threadID))
}

// --- File listings ---

func (c *Cache) GetFiles(ctx context.Context, threadID string) ([]florin.UserFile, bool) {
	var files []florin.UserFile
	if !c.getJSON(ctx, filesKey(threadID), &files) {
		return nil, false
	}
	return files, true
}

func (c *Cache) SetFiles(ctx context.Context, threadID string, files []florin.UserFile) {
	c.setJSON(ctx, filesKey(threadID), files, filesTTL)
}

func (c *Cache) InvalidateFiles(ctx context.Context, threadID string) {
	c.del(ctx, filesKey(threadID))
}

// --- Topic router ---

func (c *Cache) GetRecentTopics(ctx context.Context, chatID, userID int64) ([]florin.Thread, bool) {
	var topics []florin.Thread
	if !c.getJSON(ctx, topicsKey(chatID, userID), &topics) {
		return nil, false
	}
	return topics, true
}

func (c *Cache) SetRecentTopics(ctx context.Context, chatID, userID int64, topics []florin.Thread) {
	c.setJSON(ctx, topicsKey(chatID, userID), topics, topicsTTL)
}

// --- Sandbox artifacts ---

// StoreExecFile caches one sandbox artifact under its temp id. Unlike the
// read paths this returns an error: a lost artifact means a broken file
// handle in the conversation, and the executor reports it to the user.
func (c *Cache) StoreExecFile(ctx context.Context, id string, data []byte, meta florin.ExecFileMeta) error {
	if len(data) > MaxExecFileSize {
		return fmt.Errorf("exec file %s exceeds %d bytes", id, MaxExecFileSize)
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode exec meta: %w", err)
	}
	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, execFileKey(id), data, execTTL)
	pipe.Set(ctx, execMetaKey(id), metaJSON, execTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store exec file %s: %w", id, err)
	}
	return nil
}

func (c *Cache) GetExecFile(ctx context.Context, id string) ([]byte, florin.ExecFileMeta, bool) {
	data, err := c.rdb.Get(ctx, execFileKey(id)).Bytes()
	if err == redis.Nil {
		return nil, florin.ExecFileMeta{}, false
	}
	if err != nil {
		c.log.Warn("exec file read failed", "id", id, "error", err)
		return nil, florin.ExecFileMeta{}, false
	}
	var meta florin.ExecFileMeta
	if !c.getJSON(ctx, execMetaKey(id), &meta) {
		return nil, florin.ExecFileMeta{}, false
	}
	return data, meta, true
}
