// Package anthropic implements the conversational provider against the
// Claude Messages API: streamed turns with extended thinking and tool use,
// Files API upload/download, vision one-shots, and small classification
// calls for the topic router.
package anthropic

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/velikov/florin"
)

// Config holds client settings. Rate limits are provider-side sliding
// windows; zero disables the corresponding window.
type Config struct {
	APIKey         string
	RequestsPerMin int
	TokensPerMin   int64
	FileTTL        time.Duration // advertised expiry of uploaded files
	Pricing        map[string]Pricing
	Logger         *slog.Logger
}

// Client talks to the Claude API. It implements florin.Provider,
// florin.Classifier and florin.FileAPI.
type Client struct {
	api     anthropic.Client
	limiter *limiter
	pricing map[string]Pricing
	fileTTL time.Duration
	log     *slog.Logger
}

var (
	_ florin.Provider   = (*Client)(nil)
	_ florin.Classifier = (*Client)(nil)
	_ florin.FileAPI    = (*Client)(nil)
)

// New creates a Claude client. The beta headers enable the Files API and
// interleaved thinking for every request.
func New(cfg Config) *Client {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	pricing := defaultPricing()
	for model, p := range cfg.Pricing {
		pricing[model] = p
	}
	fileTTL := cfg.FileTTL
	if fileTTL <= 0 {
		fileTTL = 48 * time.Hour
	}
	return &Client{
		api: anthropic.NewClient(
			option.WithAPIKey(cfg.APIKey),
			option.WithHeaderAdd("anthropic-beta", "files-api-2025-04-14"),
			option.WithHeaderAdd("anthropic-beta", "interleaved-thinking-2025-05-14"),
		),
		limiter: newLimiter(cfg.RequestsPerMin, cfg.TokensPerMin),
		pricing: pricing,
		fileTTL: fileTTL,
		log:     log.With("component", "anthropic"),
	}
}

// Classify runs one small non-streaming completion, used by the topic
// router. Returns the concatenated text of the response.
func (c *Client) Classify(ctx context.Context, model, system, prompt string, maxTokens int64) (string, error) {
	if err := c.limiter.wait(ctx); err != nil {
		return "", err
	}

	params := anthropic.BetaMessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages: []anthropic.BetaMessageParam{
			anthropic.NewBetaUserMessage(anthropic.NewBetaTextBlock(prompt)),
		},
	}
	if system != "" {
		params.System = []anthropic.BetaTextBlockParam{{Text: system}}
	}

	msg, err := c.api.Beta.Messages.New(ctx, params)
	if err != nil {
		return "", wrapErr(err)
	}
	c.limiter.record(msg.Usage.InputTokens + msg.Usage.OutputTokens)

	var out string
	for _, block := range msg.Content {
		if text, ok := block.AsAny().(anthropic.BetaTextBlock); ok {
			out += text.Text
		}
	}
	return out, nil
}

// DescribeFile runs a single vision or document turn over an uploaded
// file: one user message with the file block and the prompt, no tools.
func (c *Client) DescribeFile(ctx context.Context, model, prompt, fileID string, kind florin.FileKind, maxTokens int64) (string, florin.Usage, error) {
	if err := c.limiter.wait(ctx); err != nil {
		return "", florin.Usage{}, err
	}

	blocks := []anthropic.BetaContentBlockParamUnion{
		fileBlock(fileID, kind),
		anthropic.NewBetaTextBlock(prompt),
	}
	msg, err := c.api.Beta.Messages.New(ctx, anthropic.BetaMessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages:  []anthropic.BetaMessageParam{anthropic.NewBetaUserMessage(blocks...)},
	})
	if err != nil {
		return "", florin.Usage{}, wrapErr(err)
	}
	usage := toUsage(msg.Usage)
	c.limiter.record(usage.InputTokens + usage.OutputTokens)

	var out string
	for _, block := range msg.Content {
		if text, ok := block.AsAny().(anthropic.BetaTextBlock); ok {
			out += text.Text
		}
	}
	return out, usage, nil
}

func toUsage(u anthropic.BetaUsage) florin.Usage {
	return florin.Usage{
		InputTokens:   u.InputTokens,
		OutputTokens:  u.OutputTokens,
		CacheRead:     u.CacheReadInputTokens,
		CacheCreation: u.CacheCreationInputTokens,
	}
}

// wrapErr maps SDK failures onto the domain error types the retry layer
// classifies: HTTP statuses become ErrHTTP, everything else ErrLLM.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		httpErr := &florin.ErrHTTP{Status: apiErr.StatusCode, Body: apiErr.Error()}
		if apiErr.Response != nil {
			httpErr.RetryAfter = florin.ParseRetryAfter(apiErr.Response.Header.Get("Retry-After"))
		}
		return httpErr
	}
	return &florin.ErrLLM{Provider: "anthropic", Message: err.Error()}
}
