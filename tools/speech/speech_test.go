package speech

import (
	"context"
	"encoding/json"
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

type fakeTranscriber struct {
	gotFilename string
	result      *florin.Transcription
}

func (f *fakeTranscriber) Transcribe(_ context.Context, filename string, _ []byte) (*florin.Transcription, error) {
	f.gotFilename = filename
	return f.result, nil
}

func TestTranscribeAudio(t *testing.T) {
	files := &fakeFiles{
		data: map[string][]byte{"aud1": []byte("oggdata")},
		meta: map[string]florin.FileMeta{"aud1": {Filename: "note.ogg", MIME: "audio/ogg"}},
	}
	tr := &fakeTranscriber{result: &florin.Transcription{
		Text: "hello there", Language: "en", Duration: 90,
	}}
	tool := New(tr, files, decimal.RequireFromString("0.006"))

	res, err := tool.Execute(context.Background(), florin.ToolScope{}, "transcribe_audio",
		json.RawMessage(`{"file_id":"aud1"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.Content)
	}
	if tr.gotFilename != "note.ogg" {
		t.Errorf("transcriber got filename %q", tr.gotFilename)
	}

	var out struct {
		Transcript string  `json:"transcript"`
		Duration   float64 `json:"duration"`
		Language   string  `json:"language"`
	}
	if err := json.Unmarshal([]byte(res.Content), &out); err != nil {
		t.Fatalf("parse content: %v", err)
	}
	if out.Transcript != "hello there" || out.Language != "en" || out.Duration != 90 {
		t.Errorf("content = %+v", out)
	}

	// 90s at 0.006/min = 0.009
	if !res.CostUSD.Equal(decimal.RequireFromString("0.009")) {
		t.Errorf("cost = %s, want 0.009", res.CostUSD)
	}
}

func TestTranscribeMissingFile(t *testing.T) {
	tool := New(&fakeTranscriber{}, &fakeFiles{}, decimal.Zero)

	res, err := tool.Execute(context.Background(), florin.ToolScope{}, "transcribe_audio",
		json.RawMessage(`{"file_id":"nope"}`))
	if err != nil {
		t.Fatalf("expected error result, got error: %v", err)
	}
	if !res.IsError {
		t.Error("expected error result for missing file")
	}
}

func TestCost(t *testing.T) {
	rate := decimal.RequireFromString("0.006")
	tests := []struct {
		seconds float64
		want    string
	}{
		{0, "0"},
		{60, "0.006"},
		{30, "0.003"},
		{151, "0.0151"},
	}
	for _, tt := range tests {
		got := Cost(rate, tt.seconds)
		if !got.Equal(decimal.RequireFromString(tt.want)) {
			t.Errorf("Cost(%v) = %s, want %s", tt.seconds, got, tt.want)
		}
	}
}
