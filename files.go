package florin

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// FetchTier names where file bytes came from.
type FetchTier string

const (
	TierExecCache FetchTier = "exec_cache"
	TierTelegram  FetchTier = "telegram"
	TierFilesAPI  FetchTier = "files_api"
)

// FileMeta describes fetched bytes.
type FileMeta struct {
	Filename     string
	MIME         string
	Size         int64
	Source       FetchTier
	ClaudeFileID string
}

// FileManagerConfig tunes the bytes cache. Zero values mean a 10 minute TTL
// and 64 entries.
type FileManagerConfig struct {
	CacheTTL     time.Duration
	CacheEntries int
	Logger       *slog.Logger
}

// FileManager resolves a file handle to bytes. The handle prefix selects the
// tier: exec_ reads sandbox artifacts from the shared cache, file_ resolves
// a files-API id through the UserFile table, anything else is treated as a
// platform file id.
type FileManager struct {
	store    Store
	cache    Cache
	frontend Frontend
	files    FileAPI
	log      *slog.Logger

	mu      sync.Mutex
	bytes   map[string]*cachedBytes
	ttl     time.Duration
	maxKeys int
}

type cachedBytes struct {
	data    []byte
	meta    FileMeta
	touched time.Time
}

func NewFileManager(store Store, cache Cache, frontend Frontend, files FileAPI, cfg FileManagerConfig) *FileManager {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 10 * time.Minute
	}
	if cfg.CacheEntries <= 0 {
		cfg.CacheEntries = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = nopLogger
	}
	return &FileManager{
		store:    store,
		cache:    cache,
		frontend: frontend,
		files:    files,
		log:      cfg.Logger,
		bytes:    map[string]*cachedBytes{},
		ttl:      cfg.CacheTTL,
		maxKeys:  cfg.CacheEntries,
	}
}

// Fetch resolves fileID to bytes and metadata. useCache consults and fills
// the in-process bytes cache.
func (m *FileManager) Fetch(ctx context.Context, fileID string, useCache bool) ([]byte, FileMeta, error) {
	if useCache {
		if data, meta, ok := m.cacheGet(fileID); ok {
			return data, meta, nil
		}
	}

	var (
		data []byte
		meta FileMeta
		err  error
	)
	switch {
	case strings.HasPrefix(fileID, "exec_"):
		data, meta, err = m.fetchExec(ctx, fileID)
	case strings.HasPrefix(fileID, "file_"):
		data, meta, err = m.fetchClaudeFile(ctx, fileID)
	default:
		data, meta, err = m.fetchTelegram(ctx, fileID)
	}
	if err != nil {
		return nil, FileMeta{}, err
	}

	if useCache {
		m.cachePut(fileID, data, meta)
	}
	return data, meta, nil
}

func (m *FileManager) fetchExec(ctx context.Context, fileID string) ([]byte, FileMeta, error) {
	data, em, ok := m.cache.GetExecFile(ctx, fileID)
	if !ok {
		return nil, FileMeta{}, &ErrFileNotFound{ID: fileID, Reason: "execution artifact expired or never existed"}
	}
	return data, FileMeta{
		Filename: em.Filename,
		MIME:     em.MIME,
		Size:     em.Size,
		Source:   TierExecCache,
	}, nil
}

func (m *FileManager) fetchClaudeFile(ctx context.Context, fileID string) ([]byte, FileMeta, error) {
	uf, err := m.store.FileByClaudeID(ctx, fileID)
	if err != nil {
		var nf *ErrFileNotFound
		if errors.As(err, &nf) {
			return nil, FileMeta{}, &ErrFileNotFound{ID: fileID, Reason: "no record for this files-api id"}
		}
		return nil, FileMeta{}, err
	}

	meta := FileMeta{
		Filename:     uf.Filename,
		MIME:         uf.MIME,
		Size:         uf.Size,
		ClaudeFileID: uf.ClaudeFileID,
	}

	// Platform storage outlives the files-API TTL, so prefer it.
	if uf.TelegramFileID != "" {
		data, _, err := m.frontend.DownloadFile(ctx, uf.TelegramFileID)
		if err == nil {
			meta.Source = TierTelegram
			if meta.Size == 0 {
				meta.Size = int64(len(data))
			}
			return data, meta, nil
		}
		m.log.Warn("platform download failed, falling back to files api",
			"file_id", fileID, "error", err)
	}

	data, err := m.files.Download(ctx, uf.ClaudeFileID)
	if err != nil {
		return nil, FileMeta{}, &ErrFileNotFound{ID: fileID, Reason: "files-api download failed: " + err.Error()}
	}
	meta.Source = TierFilesAPI
	if meta.Size == 0 {
		meta.Size = int64(len(data))
	}
	return data, meta, nil
}

func (m *FileManager) fetchTelegram(ctx context.Context, fileID string) ([]byte, FileMeta, error) {
	meta := FileMeta{Source: TierTelegram}
	if uf, err := m.store.FileByTelegramID(ctx, fileID); err == nil {
		meta.Filename = uf.Filename
		meta.MIME = uf.MIME
		meta.Size = uf.Size
		meta.ClaudeFileID = uf.ClaudeFileID
	}

	data, filename, err := m.frontend.DownloadFile(ctx, fileID)
	if err != nil {
		return nil, FileMeta{}, &ErrFileNotFound{ID: fileID, Reason: "platform download failed: " + err.Error()}
	}
	if meta.Filename == "" {
		meta.Filename = filename
	}
	if meta.Size == 0 {
		meta.Size = int64(len(data))
	}
	return data, meta, nil
}

// StashArtifact stores tool output in the shared cache under a fresh exec
// handle and returns the handle.
func (m *FileManager) StashArtifact(ctx context.Context, filename, mime string, data []byte) (string, error) {
	id := ExecFileID(filename)
	err := m.cache.StoreExecFile(ctx, id, data, ExecFileMeta{
		Filename:  filename,
		MIME:      mime,
		Size:      int64(len(data)),
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// --- in-process bytes cache, TTL-bounded, oldest-evicted ---

func (m *FileManager) cacheGet(fileID string) ([]byte, FileMeta, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cb, ok := m.bytes[fileID]
	if !ok {
		return nil, FileMeta{}, false
	}
	if time.Since(cb.touched) > m.ttl {
		delete(m.bytes, fileID)
		return nil, FileMeta{}, false
	}
	cb.touched = time.Now()
	return cb.data, cb.meta, true
}

func (m *FileManager) cachePut(fileID string, data []byte, meta FileMeta) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.bytes) >= m.maxKeys {
		var oldestKey string
		var oldest time.Time
		for k, cb := range m.bytes {
			if oldestKey == "" || cb.touched.Before(oldest) {
				oldestKey, oldest = k, cb.touched
			}
		}
		delete(m.bytes, oldestKey)
	}
	m.bytes[fileID] = &cachedBytes{data: data, meta: meta, touched: time.Now()}
}
