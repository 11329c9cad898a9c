package preview

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/velikov/florin"
)

type fakeFiles struct {
	data map[string][]byte
	meta map[string]florin.FileMeta
}

func (f *fakeFiles) Fetch(_ context.Context, id string, _ bool) ([]byte, florin.FileMeta, error) {
	data, ok := f.data[id]
	if !ok {
		return nil, florin.FileMeta{}, &florin.ErrFileNotFound{ID: id, Reason: "unknown"}
	}
	return data, f.meta[id], nil
}

type fakeDescriber struct {
	gotPrompt string
	gotKind   florin.FileKind
	text      string
}

func (f *fakeDescriber) DescribeFile(_ context.Context, _, prompt, _ string, kind florin.FileKind, _ int64) (string, florin.Usage, error) {
	f.gotPrompt, f.gotKind = prompt, kind
	return f.text, florin.Usage{InputTokens: 100, OutputTokens: 50}, nil
}

func (f *fakeDescriber) CountCost(string, florin.Usage) decimal.Decimal {
	return decimal.RequireFromString("0.002")
}

func run(t *testing.T, tool *Tool, args string) *florin.ToolResult {
	t.Helper()
	res, err := tool.Execute(context.Background(), florin.ToolScope{}, "preview_file", json.RawMessage(args))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	return res
}

func TestPreviewCSV(t *testing.T) {
	files := &fakeFiles{
		data: map[string][]byte{"f1": []byte("name,age\nana,30\nboris,41\n")},
		meta: map[string]florin.FileMeta{"f1": {Filename: "people.csv", MIME: "text/csv"}},
	}
	tool := New(files, &fakeDescriber{}, "m", 0)

	res := run(t, tool, `{"file_id":"f1"}`)
	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.Content)
	}
	if !strings.Contains(res.Content, "3 rows total") {
		t.Errorf("missing row count in %q", res.Content)
	}
	if !strings.Contains(res.Content, "ana | 30") {
		t.Errorf("missing row in %q", res.Content)
	}
	if res.CostUSD.Sign() != 0 {
		t.Errorf("CSV preview is free, cost = %s", res.CostUSD)
	}
}

func TestPreviewCSVRowLimit(t *testing.T) {
	var b strings.Builder
	b.WriteString("n\n")
	for i := 0; i < 50; i++ {
		b.WriteString("1\n")
	}
	files := &fakeFiles{
		data: map[string][]byte{"f1": []byte(b.String())},
		meta: map[string]florin.FileMeta{"f1": {Filename: "x.csv", MIME: "text/csv"}},
	}
	tool := New(files, &fakeDescriber{}, "m", 0)

	res := run(t, tool, `{"file_id":"f1","max_rows":5}`)
	if !strings.Contains(res.Content, "showing 5") || !strings.Contains(res.Content, "truncated") {
		t.Errorf("content = %q", res.Content)
	}
}

func TestPreviewText(t *testing.T) {
	files := &fakeFiles{
		data: map[string][]byte{"f1": []byte(strings.Repeat("abc ", 100))},
		meta: map[string]florin.FileMeta{"f1": {Filename: "notes.txt", MIME: "text/plain"}},
	}
	tool := New(files, &fakeDescriber{}, "m", 0)

	res := run(t, tool, `{"file_id":"f1","max_chars":50}`)
	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.Content)
	}
	if !strings.Contains(res.Content, "truncated") {
		t.Errorf("expected truncation note in %q", res.Content)
	}
}

func TestPreviewImageRoutesToVision(t *testing.T) {
	files := &fakeFiles{
		data: map[string][]byte{"f1": {0xFF, 0xD8, 0xFF}},
		meta: map[string]florin.FileMeta{"f1": {
			Filename: "photo.jpg", MIME: "image/jpeg", ClaudeFileID: "file_img",
		}},
	}
	d := &fakeDescriber{text: "a sunset"}
	tool := New(files, d, "m", 0)

	res := run(t, tool, `{"file_id":"f1","question":"what is it?"}`)
	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.Content)
	}
	if d.gotKind != florin.FileKindImage || d.gotPrompt != "what is it?" {
		t.Errorf("describer got kind=%s prompt=%q", d.gotKind, d.gotPrompt)
	}
	if res.Content != "a sunset" {
		t.Errorf("content = %q", res.Content)
	}
	if res.CostUSD.Sign() <= 0 {
		t.Error("vision-backed preview must be charged")
	}
}

func TestPreviewMediaHint(t *testing.T) {
	files := &fakeFiles{
		data: map[string][]byte{"f1": {1, 2}},
		meta: map[string]florin.FileMeta{"f1": {Filename: "voice.ogg", MIME: "audio/ogg"}},
	}
	tool := New(files, &fakeDescriber{}, "m", 0)

	res := run(t, tool, `{"file_id":"f1"}`)
	if !strings.Contains(res.Content, "transcribe_audio") {
		t.Errorf("content = %q", res.Content)
	}
}

func TestPreviewSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := db.Exec(`CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT)`); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO users (name) VALUES ('ana'), ('boris')`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	db.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	files := &fakeFiles{
		data: map[string][]byte{"f1": data},
		meta: map[string]florin.FileMeta{"f1": {Filename: "sample.db", MIME: "application/octet-stream"}},
	}
	tool := New(files, &fakeDescriber{}, "m", 0)

	res := run(t, tool, `{"file_id":"f1"}`)
	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.Content)
	}
	if !strings.Contains(res.Content, "users (2 rows)") {
		t.Errorf("missing table summary in:\n%s", res.Content)
	}
	if !strings.Contains(res.Content, "ana") {
		t.Errorf("missing sample row in:\n%s", res.Content)
	}
}

func TestPreviewMissingFile(t *testing.T) {
	tool := New(&fakeFiles{}, &fakeDescriber{}, "m", 0)

	res := run(t, tool, `{"file_id":"gone"}`)
	if !res.IsError {
		t.Error("expected error result for missing file")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		mime     string
		data     []byte
		want     fileKind
	}{
		{"sqlite magic wins", "export.bin", "application/octet-stream", []byte("SQLite format 3\x00rest"), kindSQLite},
		{"pdf magic", "doc", "", []byte("%PDF-1.7 ..."), kindPDF},
		{"csv by mime", "x", "text/csv", []byte("a,b"), kindCSV},
		{"tsv by extension", "data.tsv", "application/octet-stream", []byte("a\tb"), kindCSV},
		{"image", "p.jpg", "image/jpeg; charset=binary", []byte{0xFF}, kindImage},
		{"audio", "v.ogg", "audio/ogg", []byte{1}, kindMedia},
		{"json is textual", "x.json", "application/json", []byte(`{}`), kindText},
		{"utf8 sniff", "readme", "application/octet-stream", []byte("plain words"), kindText},
		{"binary", "x.bin", "application/octet-stream", []byte{0, 1, 2, 3}, kindBinary},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.filename, tt.mime, tt.data); got != tt.want {
				t.Errorf("classify = %v, want %v", got, tt.want)
			}
		})
	}
}
