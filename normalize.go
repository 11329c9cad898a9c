package florin

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// NormalizerConfig tunes ingestion. Zero values mean a 48h files-API TTL,
// 3 upload attempts with 1s base delay, and free transcription.
type NormalizerConfig struct {
	FilesTTL            time.Duration
	MaxRetries          int
	RetryBase           time.Duration
	TranscriptionPerMin decimal.Decimal
	Logger              *slog.Logger
}

// Normalizer turns one inbound event into a ProcessedMessage. All external
// I/O (platform download, files-API upload, transcription) finishes before
// Normalize returns; the queue's batching relies on that.
type Normalizer struct {
	frontend   Frontend
	files      FileAPI
	speech     Transcriber
	filesTTL   time.Duration
	maxRetries int
	retryBase  time.Duration
	ttsRate    decimal.Decimal
	log        *slog.Logger
}

func NewNormalizer(frontend Frontend, files FileAPI, speech Transcriber, cfg NormalizerConfig) *Normalizer {
	if cfg.FilesTTL <= 0 {
		cfg.FilesTTL = 48 * time.Hour
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = nopLogger
	}
	return &Normalizer{
		frontend:   frontend,
		files:      files,
		speech:     speech,
		filesTTL:   cfg.FilesTTL,
		maxRetries: cfg.MaxRetries,
		retryBase:  cfg.RetryBase,
		ttsRate:    cfg.TranscriptionPerMin,
		log:        cfg.Logger,
	}
}

// Normalize produces exactly one ProcessedMessage per event.
func (n *Normalizer) Normalize(ctx context.Context, in *InboundMessage) (*ProcessedMessage, error) {
	p := &ProcessedMessage{Inbound: in, Text: in.Text}
	if in.ContentType == ContentText || in.File == nil {
		return p, nil
	}

	data, dlName, err := n.frontend.DownloadFile(ctx, in.File.TelegramFileID)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", in.ContentType, err)
	}

	filename := in.File.Filename
	if filename == "" {
		filename = dlName
	}
	if filename == "" {
		filename = defaultFilename(in.ContentType)
	}
	mimeType := DetectMIME(data, filename, in.File.MIME)

	switch in.ContentType {
	case ContentVoice, ContentVideoNote:
		tr, err := RetryCall(ctx, n.maxRetries, n.retryBase, "speech", n.log, func() (*Transcription, error) {
			return n.speech.Transcribe(ctx, filename, data)
		})
		if err != nil {
			return nil, fmt.Errorf("transcribe %s: %w", in.ContentType, err)
		}
		p.Transcript = &TranscriptInfo{
			Text:     tr.Text,
			Duration: tr.Duration,
			Language: tr.Language,
			CostUSD:  n.transcriptionCost(tr.Duration),
		}
		n.log.Debug("transcribed inbound media",
			"chat_id", in.ChatID,
			"message_id", in.MessageID,
			"duration_s", tr.Duration,
			"language", tr.Language)

	case ContentPhoto, ContentDocument, ContentAudio, ContentVideo:
		up, err := RetryCall(ctx, n.maxRetries, n.retryBase, "files", n.log, func() (FileUpload, error) {
			return n.files.Upload(ctx, filename, mimeType, data)
		})
		if err != nil {
			return nil, fmt.Errorf("upload %s: %w", in.ContentType, err)
		}
		expires := up.ExpiresAt
		if expires.IsZero() {
			expires = time.Now().Add(n.filesTTL)
		}
		p.Files = append(p.Files, UploadedFile{
			ClaudeFileID:     up.ID,
			TelegramFileID:   in.File.TelegramFileID,
			TelegramUniqueID: in.File.TelegramUniqueID,
			Filename:         filename,
			MIME:             mimeType,
			Size:             int64(len(data)),
			Type:             fileTypeOf(in.ContentType, mimeType),
			ExpiresAt:        expires,
		})
		n.log.Debug("uploaded inbound media",
			"chat_id", in.ChatID,
			"message_id", in.MessageID,
			"claude_file_id", up.ID,
			"mime", mimeType,
			"size", len(data))

	default:
		return nil, fmt.Errorf("unsupported content type %q", in.ContentType)
	}

	return p, nil
}

func (n *Normalizer) transcriptionCost(durationSec float64) decimal.Decimal {
	if n.ttsRate.IsZero() || durationSec <= 0 {
		return decimal.Zero
	}
	minutes := decimal.NewFromFloat(durationSec / 60)
	return RoundUSD(n.ttsRate.Mul(minutes))
}

// DetectMIME sniffs the content type from bytes, falling back to the file
// extension, then the platform-declared type. Parameters are stripped.
func DetectMIME(data []byte, filename, declared string) string {
	sniffed := http.DetectContentType(data)
	if isGenericMIME(sniffed) {
		if byExt := mime.TypeByExtension(filepath.Ext(filename)); byExt != "" {
			sniffed = byExt
		} else if declared != "" {
			sniffed = declared
		}
	}
	if mt, _, err := mime.ParseMediaType(sniffed); err == nil {
		return mt
	}
	return sniffed
}

func isGenericMIME(mt string) bool {
	return mt == "application/octet-stream" || strings.HasPrefix(mt, "text/plain")
}

func defaultFilename(ct ContentType) string {
	switch ct {
	case ContentPhoto:
		return "photo.jpg"
	case ContentVoice:
		return "voice.ogg"
	case ContentVideoNote:
		return "video_note.mp4"
	case ContentAudio:
		return "audio.mp3"
	case ContentVideo:
		return "video.mp4"
	default:
		return "file.bin"
	}
}

func fileTypeOf(ct ContentType, mimeType string) FileType {
	switch ct {
	case ContentPhoto:
		return FileImage
	case ContentVoice:
		return FileVoice
	case ContentVideoNote:
		return FileVideoNote
	case ContentAudio:
		return FileAudio
	case ContentVideo:
		return FileVideo
	case ContentDocument:
		switch {
		case mimeType == "application/pdf":
			return FilePDF
		case strings.HasPrefix(mimeType, "image/"):
			return FileImage
		case strings.HasPrefix(mimeType, "audio/"):
			return FileAudio
		case strings.HasPrefix(mimeType, "video/"):
			return FileVideo
		default:
			return FileDocument
		}
	default:
		return FileDocument
	}
}
