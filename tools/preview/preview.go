// Package preview gives the model a cheap look inside an attached file
// before committing to full analysis. Tabular and text files are parsed
// locally for free; images and questioned PDFs route into the vision
// model and are charged like analyze_image/analyze_pdf.
package preview

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/velikov/florin"
)

const (
	defaultMaxRows  = 20
	defaultMaxChars = 2000
	hardMaxRows     = 100
	hardMaxChars    = 20000
)

// Files resolves a file handle to bytes.
type Files interface {
	Fetch(ctx context.Context, fileID string, useCache bool) ([]byte, florin.FileMeta, error)
}

// Describer runs a single vision or document turn, for previews that
// need the model's eyes.
type Describer interface {
	DescribeFile(ctx context.Context, model, prompt, fileID string, kind florin.FileKind, maxTokens int64) (string, florin.Usage, error)
	CountCost(model string, u florin.Usage) decimal.Decimal
}

// Tool implements preview_file.
type Tool struct {
	files     Files
	describer Describer
	model     string
	maxTokens int64
}

var _ florin.Tool = (*Tool)(nil)

func New(files Files, describer Describer, model string, maxTokens int64) *Tool {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &Tool{files: files, describer: describer, model: model, maxTokens: maxTokens}
}

func (t *Tool) Definitions() []florin.ToolDefinition {
	return []florin.ToolDefinition{{
		Name: "preview_file",
		Description: "Preview an attached file: CSV rows, text excerpt, SQLite schema with sample rows, PDF text, or a vision look at an image. " +
			"Image and questioned-PDF previews run the vision model and are charged.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
"file_id":{"type":"string","description":"id of the file to preview"},
"max_rows":{"type":"integer","description":"rows for tabular previews, default 20"},
"max_chars":{"type":"integer","description":"characters for text previews, default 2000"},
"question":{"type":"string","description":"optional question; routes image/PDF preview through the vision model"}
},"required":["file_id"]}`),
	}}
}

func (t *Tool) Execute(ctx context.Context, _ florin.ToolScope, _ string, args json.RawMessage) (*florin.ToolResult, error) {
	var params struct {
		FileID   string `json:"file_id"`
		MaxRows  int    `json:"max_rows"`
		MaxChars int    `json:"max_chars"`
		Question string `json:"question"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return florin.ErrorResult("invalid args: %v", err), nil
	}
	if params.FileID == "" {
		return florin.ErrorResult("file_id is required"), nil
	}
	maxRows := clampDefault(params.MaxRows, defaultMaxRows, hardMaxRows)
	maxChars := clampDefault(params.MaxChars, defaultMaxChars, hardMaxChars)

	data, meta, err := t.files.Fetch(ctx, params.FileID, true)
	if err != nil {
		var nf *florin.ErrFileNotFound
		if errors.As(err, &nf) {
			return florin.ErrorResult("file %s is not available: %s", params.FileID, nf.Reason), nil
		}
		return nil, fmt.Errorf("preview_file: %w", err)
	}

	switch classify(meta.Filename, meta.MIME, data) {
	case kindCSV:
		return t.previewCSV(data, maxRows)
	case kindText:
		return t.previewText(data, maxChars)
	case kindSQLite:
		return t.previewSQLite(data, maxRows)
	case kindPDF:
		return t.previewPDF(ctx, data, meta, params.Question, maxChars)
	case kindImage:
		return t.previewImage(ctx, meta, params.Question)
	case kindMedia:
		return florin.TextResult(fmt.Sprintf(
			"%s is an audio/video file (%s, %d bytes). Use transcribe_audio to get its transcript.",
			meta.Filename, meta.MIME, len(data))), nil
	default:
		return florin.TextResult(fmt.Sprintf(
			"%s is a binary file (%s, %d bytes); no preview available.",
			meta.Filename, meta.MIME, len(data))), nil
	}
}

func (t *Tool) previewCSV(data []byte, maxRows int) (*florin.ToolResult, error) {
	r := csv.NewReader(strings.NewReader(string(data)))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	var rows [][]string
	total := 0
	for {
		rec, err := r.Read()
		if err != nil {
			break
		}
		total++
		if len(rows) <= maxRows {
			rows = append(rows, rec)
		}
	}
	if total == 0 {
		return florin.ErrorResult("file is empty or not parseable as CSV"), nil
	}

	truncated := false
	if len(rows) > maxRows {
		rows = rows[:maxRows]
		truncated = true
	}
	var b strings.Builder
	fmt.Fprintf(&b, "CSV preview: %d rows total, showing %d.\n", total, len(rows))
	for _, rec := range rows {
		b.WriteString(strings.Join(rec, " | "))
		b.WriteByte('\n')
	}
	if truncated {
		b.WriteString("... (truncated)\n")
	}
	return florin.TextResult(b.String()), nil
}

func (t *Tool) previewText(data []byte, maxChars int) (*florin.ToolResult, error) {
	text := string(data)
	note := ""
	if len(text) > maxChars {
		text = text[:maxChars]
		note = "\n... (truncated)"
	}
	return florin.TextResult(text + note), nil
}

// previewPDF extracts text locally for free; with a question it runs the
// document through the vision model instead, which is charged.
func (t *Tool) previewPDF(ctx context.Context, data []byte, meta florin.FileMeta, question string, maxChars int) (*florin.ToolResult, error) {
	if question != "" && meta.ClaudeFileID != "" {
		return t.describe(ctx, meta.ClaudeFileID, florin.FileKindDocument, question)
	}

	text, pages, err := extractPDFText(data, maxChars)
	if err != nil {
		return florin.ErrorResult("cannot parse PDF: %v", err), nil
	}
	if text == "" {
		return florin.TextResult(fmt.Sprintf(
			"PDF with %d pages, no extractable text (likely scanned). Use analyze_pdf to read it visually.", pages)), nil
	}
	return florin.TextResult(fmt.Sprintf("PDF preview (%d pages):\n%s", pages, text)), nil
}

// previewImage always goes through the vision model.
func (t *Tool) previewImage(ctx context.Context, meta florin.FileMeta, question string) (*florin.ToolResult, error) {
	if meta.ClaudeFileID == "" {
		return florin.ErrorResult("image %s was not uploaded for analysis; attach it again", meta.Filename), nil
	}
	if question == "" {
		question = "Describe this image briefly: what it shows, any visible text, notable details."
	}
	return t.describe(ctx, meta.ClaudeFileID, florin.FileKindImage, question)
}

func (t *Tool) describe(ctx context.Context, fileID string, kind florin.FileKind, question string) (*florin.ToolResult, error) {
	analysis, usage, err := t.describer.DescribeFile(ctx, t.model, question, fileID, kind, t.maxTokens)
	if err != nil {
		return nil, fmt.Errorf("preview_file: describe: %w", err)
	}
	return &florin.ToolResult{
		Content: analysis,
		CostUSD: t.describer.CountCost(t.model, usage),
		ModelID: t.model,
		Usage:   usage,
	}, nil
}

func clampDefault(v, def, max int) int {
	if v <= 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}
