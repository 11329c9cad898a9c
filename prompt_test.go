package florin

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestPromptBuilder_SystemBlocks(t *testing.T) {
	store := newMemStore()
	cache := newMemCache()
	b := NewPromptBuilder(store, cache, PromptConfig{
		SystemPrompt: "You are a helpful bot.",
		DefaultModel: "claude-sonnet-4-5",
	})

	thread := Thread{ID: "t1", ChatID: 1, UserID: 2}
	user := User{ID: 2, CustomPrompt: "Answer tersely."}

	req, err := b.Build(context.Background(), user, thread, Batch{textMsg(1, 1, "hi")}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(req.System) != 2 {
		t.Fatalf("got %d system blocks, want 2", len(req.System))
	}
	if !req.System[0].Cache {
		t.Error("global prompt block must be a cache breakpoint")
	}
	if req.System[1].Text != "Answer tersely." {
		t.Errorf("custom prompt block = %q", req.System[1].Text)
	}
	if req.Model != "claude-sonnet-4-5" {
		t.Errorf("model = %q, want default", req.Model)
	}
}

func TestPromptBuilder_FilesSectionListed(t *testing.T) {
	store := newMemStore()
	store.SaveFiles(context.Background(), []UserFile{{
		ID:           "uf1",
		ThreadID:     "t1",
		ChatID:       1,
		MessageID:    10,
		Filename:     "report.pdf",
		MIME:         "application/pdf",
		Size:         2 << 20,
		Type:         FilePDF,
		ClaudeFileID: "file_abc",
	}})
	b := NewPromptBuilder(store, newMemCache(), PromptConfig{SystemPrompt: "sys"})

	req, err := b.Build(context.Background(), User{ID: 2}, Thread{ID: "t1"}, Batch{textMsg(1, 11, "q")}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	last := req.System[len(req.System)-1].Text
	if !strings.Contains(last, "Available files in this conversation") {
		t.Errorf("files section missing: %q", last)
	}
	if !strings.Contains(last, "report.pdf") || !strings.Contains(last, "file_abc") {
		t.Errorf("files section lacks file entry: %q", last)
	}
}

func TestPromptBuilder_HistoryReattachesFiles(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	store.SaveMessages(ctx, []Message{
		{ChatID: 1, MessageID: 10, ThreadID: "t1", Role: RoleUser, Text: "look at this", CreatedAt: time.Now()},
		{ChatID: 1, MessageID: 11, ThreadID: "t1", Role: RoleAssistant, Text: "Nice photo.", CreatedAt: time.Now()},
	})
	store.SaveFiles(ctx, []UserFile{{
		ID:           "uf1",
		ThreadID:     "t1",
		ChatID:       1,
		MessageID:    10,
		Filename:     "cat.jpg",
		MIME:         "image/jpeg",
		Type:         FileImage,
		ClaudeFileID: "file_img",
	}})
	b := NewPromptBuilder(store, newMemCache(), PromptConfig{SystemPrompt: "sys"})

	req, err := b.Build(ctx, User{ID: 2}, Thread{ID: "t1"}, Batch{textMsg(1, 12, "and now?")}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// history (2) + batch (1)
	if len(req.Messages) != 3 {
		t.Fatalf("got %d messages, want 3", len(req.Messages))
	}
	first := req.Messages[0]
	if first.Role != RoleUser {
		t.Errorf("first role = %s, want user", first.Role)
	}
	if len(first.Files) != 1 || first.Files[0].ClaudeFileID != "file_img" {
		t.Errorf("first message files = %+v, want the image block", first.Files)
	}
	if first.Files[0].Kind != FileKindImage {
		t.Errorf("kind = %s, want image", first.Files[0].Kind)
	}
	second := req.Messages[1]
	if second.Role != RoleAssistant || len(second.Files) != 0 {
		t.Errorf("assistant message = %+v, want no files", second)
	}
}

func TestPromptBuilder_UserModelOverridesDefault(t *testing.T) {
	b := NewPromptBuilder(newMemStore(), newMemCache(), PromptConfig{
		SystemPrompt: "sys",
		DefaultModel: "claude-sonnet-4-5",
	})
	req, err := b.Build(context.Background(), User{ID: 2, Model: "claude-opus-4-1"}, Thread{ID: "t1"}, Batch{textMsg(1, 1, "hi")}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Model != "claude-opus-4-1" {
		t.Errorf("model = %q, want the user's choice", req.Model)
	}
}

func TestFormatInbound_PlainPrivateText(t *testing.T) {
	pm := textMsg(1, 1, "just a question")
	pm.Inbound.ChatType = "private"
	if got := FormatInbound(pm); got != "just a question" {
		t.Errorf("got %q, want plain passthrough", got)
	}
}

func TestFormatInbound_ReplyContext(t *testing.T) {
	pm := textMsg(1, 1, "yes")
	pm.Inbound.ChatType = "private"
	pm.Inbound.Reply = &ReplyContext{Sender: "Alice", Text: "ship it?"}

	got := FormatInbound(pm)
	if !strings.Contains(got, "> In reply to Alice: ship it?") {
		t.Errorf("reply marker missing: %q", got)
	}
	if !strings.HasSuffix(got, "yes") {
		t.Errorf("text lost: %q", got)
	}
}

func TestFormatInbound_BotReplyMarkedAssistant(t *testing.T) {
	pm := textMsg(1, 1, "explain more")
	pm.Inbound.Reply = &ReplyContext{Sender: "florin_bot", IsBot: true, Text: "The answer is 4."}

	got := FormatInbound(pm)
	if !strings.Contains(got, "In reply to assistant:") {
		t.Errorf("bot reply not marked assistant: %q", got)
	}
}

func TestFormatInbound_GroupSenderPrefix(t *testing.T) {
	pm := textMsg(1, 1, "hello all")
	pm.Inbound.ChatType = "supergroup"
	pm.Inbound.FirstName = "Alice"

	got := FormatInbound(pm)
	if !strings.Contains(got, "**Alice:** hello all") {
		t.Errorf("sender prefix missing: %q", got)
	}
}

func TestFormatInbound_ForwardMarker(t *testing.T) {
	pm := textMsg(1, 1, "interesting")
	pm.Inbound.Forward = &ForwardContext{ChatTitle: "Tech News"}

	got := FormatInbound(pm)
	if !strings.Contains(got, "[Forwarded from Tech News]") {
		t.Errorf("forward marker missing: %q", got)
	}
}

func TestFormatInbound_VoiceTranscript(t *testing.T) {
	pm := textMsg(1, 1, "")
	pm.Inbound.ContentType = ContentVoice
	pm.Transcript = &TranscriptInfo{Text: "remind me tomorrow", Duration: 4.2}

	got := FormatInbound(pm)
	if !strings.Contains(got, "[Voice message transcript]: remind me tomorrow") {
		t.Errorf("transcript marker missing: %q", got)
	}
}

func TestFormatInbound_MediaWithoutCaption(t *testing.T) {
	pm := textMsg(1, 1, "")
	pm.Inbound.ContentType = ContentPhoto
	pm.Files = []UploadedFile{{Filename: "cat.jpg"}}

	got := FormatInbound(pm)
	if !strings.Contains(got, "[Sent cat.jpg]") {
		t.Errorf("placeholder missing: %q", got)
	}
}

func TestFilesSection_Empty(t *testing.T) {
	if got := FilesSection(nil); got != "" {
		t.Errorf("got %q, want empty for no files", got)
	}
}

func TestFilesSection_MarksExpiredAndGenerated(t *testing.T) {
	files := []UserFile{
		{Filename: "old.pdf", MIME: "application/pdf", Size: 100, ClaudeFileID: "file_1", ExpiresAt: time.Now().Add(-time.Hour)},
		{Filename: "chart.png", MIME: "image/png", Size: 100, ClaudeFileID: "file_2", Source: SourceAssistant},
	}
	got := FilesSection(files)
	if !strings.Contains(got, "old.pdf") || !strings.Contains(got, "[expired]") {
		t.Errorf("expired marker missing: %q", got)
	}
	if !strings.Contains(got, "chart.png") || !strings.Contains(got, "[generated]") {
		t.Errorf("generated marker missing: %q", got)
	}
}
