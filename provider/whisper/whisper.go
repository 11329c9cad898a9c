// Package whisper implements speech-to-text against an OpenAI-compatible
// audio transcription endpoint.
package whisper

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

// Config holds transcription client settings.
type Config struct {
	BaseURL string // e.g. "https://api.openai.com/v1"
	APIKey  string
	Model   string
	Logger  *slog.Logger
}

// Client POSTs audio to the transcriptions endpoint. It implements
// florin.Transcriber.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	log        *slog.Logger
}

var _ florin.Transcriber = (*Client)(nil)

// New creates a transcription client.
func New(cfg Config) *Client {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	model := cfg.Model
	if model == "" {
		model = "whisper-1"
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      model,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		log:        log.With("component", "whisper"),
	}
}

// verbose_json carries segment metadata we don't need; duration and
// language are the useful extras over plain json.
type transcriptionResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
}

// Transcribe converts one audio file to text.
func (c *Client) Transcribe(ctx context.Context, filename string, data []byte) (*florin.Transcription, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("whisper: build upload: %w", err)
	}
	if _, err := fw.Write(data); err != nil {
		return nil, fmt.Errorf("whisper: build upload: %w", err)
	}
	_ = mw.WriteField("model", c.model)
	_ = mw.WriteField("response_format", "verbose_json")
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("whisper: build upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/audio/transcriptions", &buf)
	if err != nil {
		return nil, fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("whisper: transcribe: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("whisper: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &florin.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       string(body),
			RetryAfter: florin.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	var result transcriptionResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("whisper: parse response: %w", err)
	}
	c.log.Debug("audio transcribed",
		"filename", filename,
		"audio_seconds", result.Duration,
		"elapsed", time.Since(start))
	return &florin.Transcription{
		Text:     result.Text,
		Language: result.Language,
		Duration: result.Duration,
	}, nil
}
