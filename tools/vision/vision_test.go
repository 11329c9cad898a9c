package vision

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/velikov/florin"
)

type fakeDescriber struct {
	gotModel  string
	gotPrompt string
	gotFileID string
	gotKind   florin.FileKind

	text string
	err  error
}

func (f *fakeDescriber) DescribeFile(_ context.Context, model, prompt, fileID string, kind florin.FileKind, _ int64) (string, florin.Usage, error) {
	f.gotModel, f.gotPrompt, f.gotFileID, f.gotKind = model, prompt, fileID, kind
	if f.err != nil {
		return "", florin.Usage{}, f.err
	}
	return f.text, florin.Usage{InputTokens: 1200, OutputTokens: 300}, nil
}

func (f *fakeDescriber) CountCost(string, florin.Usage) decimal.Decimal {
	return decimal.RequireFromString("0.0081")
}

func TestAnalyzeImage(t *testing.T) {
	d := &fakeDescriber{text: "a cat on a windowsill"}
	tool := New(d, "claude-haiku-4-5", 2048)

	res, err := tool.Execute(context.Background(), florin.ToolScope{}, "analyze_image",
		json.RawMessage(`{"claude_file_id":"file_abc","question":"what animal?"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.Content)
	}
	if d.gotKind != florin.FileKindImage {
		t.Errorf("kind = %s, want image", d.gotKind)
	}
	if d.gotFileID != "file_abc" || d.gotPrompt != "what animal?" {
		t.Errorf("describer got %s %q", d.gotFileID, d.gotPrompt)
	}

	var out struct {
		Analysis   string `json:"analysis"`
		TokensUsed int64  `json:"tokens_used"`
	}
	if err := json.Unmarshal([]byte(res.Content), &out); err != nil {
		t.Fatalf("parse content: %v", err)
	}
	if out.Analysis != "a cat on a windowsill" {
		t.Errorf("analysis = %q", out.Analysis)
	}
	if out.TokensUsed != 1500 {
		t.Errorf("tokens_used = %d, want 1500", out.TokensUsed)
	}
	if !res.CostUSD.Equal(decimal.RequireFromString("0.0081")) {
		t.Errorf("cost = %s", res.CostUSD)
	}
	if res.ModelID != "claude-haiku-4-5" {
		t.Errorf("model = %s", res.ModelID)
	}
}

func TestAnalyzePDFUsesDocumentKind(t *testing.T) {
	d := &fakeDescriber{text: "a quarterly report"}
	tool := New(d, "claude-haiku-4-5", 0)

	res, err := tool.Execute(context.Background(), florin.ToolScope{}, "analyze_pdf",
		json.RawMessage(`{"claude_file_id":"file_doc","question":"summarize"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.Content)
	}
	if d.gotKind != florin.FileKindDocument {
		t.Errorf("kind = %s, want document", d.gotKind)
	}
}

func TestAnalyzeMissingFile(t *testing.T) {
	d := &fakeDescriber{err: &florin.ErrFileNotFound{ID: "file_gone", Reason: "expired"}}
	tool := New(d, "m", 100)

	res, err := tool.Execute(context.Background(), florin.ToolScope{}, "analyze_image",
		json.RawMessage(`{"claude_file_id":"file_gone","question":"q"}`))
	if err != nil {
		t.Fatalf("expected error result, got error: %v", err)
	}
	if !res.IsError {
		t.Error("expected error result for missing file")
	}
}

func TestAnalyzeMissingArgs(t *testing.T) {
	tool := New(&fakeDescriber{}, "m", 100)

	res, err := tool.Execute(context.Background(), florin.ToolScope{}, "analyze_image",
		json.RawMessage(`{"question":"q"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.IsError {
		t.Error("expected error result without claude_file_id")
	}
}
