// Package imagegen exposes image generation and editing.
package imagegen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/velikov/florin"
)

const maxSourceImages = 4

// Files resolves a file handle to bytes.
type Files interface {
	Fetch(ctx context.Context, fileID string, useCache bool) ([]byte, florin.FileMeta, error)
}

// Tool implements generate_image.
type Tool struct {
	generator     florin.ImageGenerator
	files         Files
	pricePerImage decimal.Decimal
}

var _ florin.Tool = (*Tool)(nil)

// New creates the image tool billing pricePerImage per successful
// generation.
func New(generator florin.ImageGenerator, files Files, pricePerImage decimal.Decimal) *Tool {
	return &Tool{generator: generator, files: files, pricePerImage: pricePerImage}
}

func (t *Tool) Definitions() []florin.ToolDefinition {
	return []florin.ToolDefinition{{
		Name: "generate_image",
		Description: "Generate a new image from a prompt, or edit attached images when source_file_ids is set. " +
			"The result is delivered to the user automatically.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
"prompt":{"type":"string","description":"detailed description of the desired image"},
"source_file_ids":{"type":"array","items":{"type":"string"},"description":"file ids of source images to edit"},
"aspect_ratio":{"type":"string","description":"e.g. 1:1, 16:9, 9:16"},
"image_size":{"type":"string","description":"e.g. 1024x1024"},
"use_google_search":{"type":"boolean","description":"ground the generation in current web results"}
},"required":["prompt"]}`),
	}}
}

func (t *Tool) Execute(ctx context.Context, _ florin.ToolScope, _ string, args json.RawMessage) (*florin.ToolResult, error) {
	var params struct {
		Prompt          string   `json:"prompt"`
		SourceFileIDs   []string `json:"source_file_ids"`
		AspectRatio     string   `json:"aspect_ratio"`
		ImageSize       string   `json:"image_size"`
		UseGoogleSearch bool     `json:"use_google_search"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return florin.ErrorResult("invalid args: %v", err), nil
	}
	if params.Prompt == "" {
		return florin.ErrorResult("prompt is required"), nil
	}
	if len(params.SourceFileIDs) > maxSourceImages {
		return florin.ErrorResult("at most %d source images allowed", maxSourceImages), nil
	}

	req := florin.ImageRequest{
		Prompt:      params.Prompt,
		AspectRatio: params.AspectRatio,
		Size:        params.ImageSize,
		UseSearch:   params.UseGoogleSearch,
	}
	for _, id := range params.SourceFileIDs {
		data, meta, err := t.files.Fetch(ctx, id, true)
		if err != nil {
			var nf *florin.ErrFileNotFound
			if errors.As(err, &nf) {
				return florin.ErrorResult("source image %s is not available: %s", id, nf.Reason), nil
			}
			return nil, fmt.Errorf("generate_image: fetch %s: %w", id, err)
		}
		req.SourceImages = append(req.SourceImages, florin.SourceImage{MIME: meta.MIME, Data: data})
	}

	result, err := t.generator.GenerateImage(ctx, req)
	if err != nil {
		var llmErr *florin.ErrLLM
		if errors.As(err, &llmErr) {
			return florin.ErrorResult("image generation failed: %s", llmErr.Message), nil
		}
		return nil, fmt.Errorf("generate_image: %w", err)
	}

	mode := "generate"
	if len(req.SourceImages) > 0 {
		mode = "edit"
	}
	out, _ := json.Marshal(map[string]any{
		"mode":     mode,
		"cost_usd": t.pricePerImage,
		"text":     result.Text,
	})

	return &florin.ToolResult{
		Content: string(out),
		CostUSD: t.pricePerImage,
		ModelID: result.ModelID,
		Usage:   result.Usage,
		Files: []florin.GeneratedFile{{
			Filename: imageFilename(result.MIME),
			MIME:     result.MIME,
			Data:     result.Data,
			Caption:  caption(params.Prompt),
		}},
	}, nil
}

func caption(prompt string) string {
	runes := []rune(prompt)
	if len(runes) <= 200 {
		return prompt
	}
	return string(runes[:199]) + "…"
}

func imageFilename(mime string) string {
	switch mime {
	case "image/jpeg":
		return "generated.jpg"
	case "image/webp":
		return "generated.webp"
	default:
		return "generated.png"
	}
}
