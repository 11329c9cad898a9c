// Package vision exposes image and PDF analysis over files already
// uploaded to the provider's files API.
package vision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/velikov/florin"
)

// Describer runs a single vision or document turn over an uploaded file.
// Satisfied by the anthropic provider client.
type Describer interface {
	DescribeFile(ctx context.Context, model, prompt, fileID string, kind florin.FileKind, maxTokens int64) (string, florin.Usage, error)
	CountCost(model string, u florin.Usage) decimal.Decimal
}

// Tool implements analyze_image and analyze_pdf.
type Tool struct {
	describer Describer
	model     string
	maxTokens int64
}

var _ florin.Tool = (*Tool)(nil)

// New creates a vision tool analyzing files with the given model.
func New(describer Describer, model string, maxTokens int64) *Tool {
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	return &Tool{describer: describer, model: model, maxTokens: maxTokens}
}

func (t *Tool) Definitions() []florin.ToolDefinition {
	return []florin.ToolDefinition{
		{
			Name:        "analyze_image",
			Description: "Analyze an image the user attached earlier. Use the claude_file_id from the conversation's file list. Ask a specific question for a focused answer.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"claude_file_id":{"type":"string","description":"files-api id of the image"},"question":{"type":"string","description":"what to look for or answer"}},"required":["claude_file_id","question"]}`),
		},
		{
			Name:        "analyze_pdf",
			Description: "Analyze a PDF document the user attached earlier. Use the claude_file_id from the conversation's file list.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"claude_file_id":{"type":"string","description":"files-api id of the document"},"question":{"type":"string","description":"what to extract or answer"}},"required":["claude_file_id","question"]}`),
		},
	}
}

func (t *Tool) Execute(ctx context.Context, _ florin.ToolScope, name string, args json.RawMessage) (*florin.ToolResult, error) {
	var params struct {
		ClaudeFileID string `json:"claude_file_id"`
		Question     string `json:"question"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return florin.ErrorResult("invalid args: %v", err), nil
	}
	if params.ClaudeFileID == "" {
		return florin.ErrorResult("claude_file_id is required"), nil
	}

	kind := florin.FileKindImage
	if name == "analyze_pdf" {
		kind = florin.FileKindDocument
	}

	analysis, usage, err := t.describer.DescribeFile(ctx, t.model, params.Question, params.ClaudeFileID, kind, t.maxTokens)
	if err != nil {
		var nf *florin.ErrFileNotFound
		if errors.As(err, &nf) {
			return florin.ErrorResult("file %s is not available: %s", params.ClaudeFileID, nf.Reason), nil
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	cost := t.describer.CountCost(t.model, usage)
	out, _ := json.Marshal(map[string]any{
		"analysis":    analysis,
		"tokens_used": usage.InputTokens + usage.OutputTokens,
	})

	return &florin.ToolResult{
		Content: string(out),
		CostUSD: cost,
		ModelID: t.model,
		Usage:   usage,
	}, nil
}
