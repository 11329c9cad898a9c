// Package gemini implements image generation and editing through the
// Gemini API's multimodal generation models.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"

	"github.com/velikov/florin"
)

// Config holds image generation settings.
type Config struct {
	APIKey string
	Model  string
	Logger *slog.Logger
}

// Client generates images via the Gemini API. It implements
// florin.ImageGenerator.
type Client struct {
	api   *genai.Client
	model string
	log   *slog.Logger
}

var _ florin.ImageGenerator = (*Client)(nil)

// New creates a Gemini image client.
func New(ctx context.Context, cfg Config) (*Client, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-2.5-flash-image"
	}
	api, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &Client{
		api:   api,
		model: model,
		log:   log.With("component", "gemini"),
	}, nil
}

// GenerateImage runs one generation or edit request. Source images go in
// as inline data before the prompt; search grounding is attached when the
// request asks for it (current events, real places, named styles).
func (c *Client) GenerateImage(ctx context.Context, req florin.ImageRequest) (*florin.ImageResult, error) {
	parts := make([]*genai.Part, 0, len(req.SourceImages)+1)
	for _, src := range req.SourceImages {
		parts = append(parts, &genai.Part{
			InlineData: &genai.Blob{MIMEType: src.MIME, Data: src.Data},
		})
	}
	parts = append(parts, &genai.Part{Text: buildPrompt(req)})

	config := &genai.GenerateContentConfig{
		ResponseModalities: []string{"TEXT", "IMAGE"},
	}
	if req.AspectRatio != "" {
		config.ImageConfig = &genai.ImageConfig{AspectRatio: req.AspectRatio}
	}
	if req.UseSearch {
		config.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	}

	resp, err := c.api.Models.GenerateContent(ctx, c.model,
		[]*genai.Content{{Role: "user", Parts: parts}}, config)
	if err != nil {
		return nil, wrapErr(err)
	}

	result := &florin.ImageResult{ModelID: c.model}
	if resp.UsageMetadata != nil {
		result.Usage = florin.Usage{
			InputTokens:  int64(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int64(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			switch {
			case part.InlineData != nil && result.Data == nil:
				result.Data = part.InlineData.Data
				result.MIME = part.InlineData.MIMEType
			case part.Text != "":
				result.Text += part.Text
			}
		}
	}
	if result.Data == nil {
		msg := strings.TrimSpace(result.Text)
		if msg == "" {
			msg = "model returned no image"
		}
		return nil, &florin.ErrLLM{Provider: "gemini", Message: msg}
	}

	c.log.Debug("image generated",
		"model", c.model,
		"bytes", len(result.Data),
		"sources", len(req.SourceImages),
		"search", req.UseSearch)
	return result, nil
}

// buildPrompt folds the requested output size into the prompt; the image
// models take size hints as natural language, not parameters.
func buildPrompt(req florin.ImageRequest) string {
	if req.Size == "" {
		return req.Prompt
	}
	return fmt.Sprintf("%s\n\nTarget output size: %s.", req.Prompt, req.Size)
}

// wrapErr maps API failures onto the domain error types the retry layer
// classifies. The genai SDK exposes transport failures as APIError with a
// status code.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &florin.ErrHTTP{Status: apiErr.Code, Body: apiErr.Message}
	}
	return &florin.ErrLLM{Provider: "gemini", Message: err.Error()}
}
