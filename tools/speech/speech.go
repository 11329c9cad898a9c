// Package speech exposes on-demand audio transcription. Voice messages
// are transcribed during normalization; this tool covers audio files the
// model wants transcribed later in the conversation.
package speech

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/velikov/florin"
)

// Files resolves a file handle to bytes.
type Files interface {
	Fetch(ctx context.Context, fileID string, useCache bool) ([]byte, florin.FileMeta, error)
}

// Tool implements transcribe_audio.
type Tool struct {
	transcriber    florin.Transcriber
	files          Files
	pricePerMinute decimal.Decimal
}

var _ florin.Tool = (*Tool)(nil)

// New creates a transcription tool billing pricePerMinute per started
// minute of audio.
func New(transcriber florin.Transcriber, files Files, pricePerMinute decimal.Decimal) *Tool {
	return &Tool{transcriber: transcriber, files: files, pricePerMinute: pricePerMinute}
}

func (t *Tool) Definitions() []florin.ToolDefinition {
	return []florin.ToolDefinition{{
		Name:        "transcribe_audio",
		Description: "Transcribe an audio file the user attached. Use the file_id from the conversation's file list.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"file_id":{"type":"string","description":"id of the audio file"}},"required":["file_id"]}`),
	}}
}

func (t *Tool) Execute(ctx context.Context, _ florin.ToolScope, _ string, args json.RawMessage) (*florin.ToolResult, error) {
	var params struct {
		FileID string `json:"file_id"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return florin.ErrorResult("invalid args: %v", err), nil
	}
	if params.FileID == "" {
		return florin.ErrorResult("file_id is required"), nil
	}

	data, meta, err := t.files.Fetch(ctx, params.FileID, true)
	if err != nil {
		var nf *florin.ErrFileNotFound
		if errors.As(err, &nf) {
			return florin.ErrorResult("file %s is not available: %s", params.FileID, nf.Reason), nil
		}
		return nil, fmt.Errorf("transcribe_audio: fetch: %w", err)
	}

	tr, err := t.transcriber.Transcribe(ctx, meta.Filename, data)
	if err != nil {
		return nil, fmt.Errorf("transcribe_audio: %w", err)
	}

	cost := Cost(t.pricePerMinute, tr.Duration)
	out, _ := json.Marshal(map[string]any{
		"transcript": tr.Text,
		"duration":   tr.Duration,
		"language":   tr.Language,
		"cost_usd":   cost,
	})

	return &florin.ToolResult{
		Content: string(out),
		CostUSD: cost,
	}, nil
}

// Cost prices seconds of audio at pricePerMinute, pro rata.
func Cost(pricePerMinute decimal.Decimal, seconds float64) decimal.Decimal {
	if pricePerMinute.IsZero() || seconds <= 0 {
		return decimal.Zero
	}
	minutes := decimal.NewFromFloat(seconds / 60)
	return florin.RoundUSD(pricePerMinute.Mul(minutes))
}
