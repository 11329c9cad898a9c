package florin

import "testing"

func TestMessageConstructors(t *testing.T) {
	if msg := UserMessage("hello"); msg.Role != RoleUser || msg.Content != "hello" {
		t.Errorf("UserMessage = %+v", msg)
	}
	if msg := AssistantMessage("sure thing"); msg.Role != RoleAssistant || msg.Content != "sure thing" {
		t.Errorf("AssistantMessage = %+v", msg)
	}
}

func TestToolResultsMessage(t *testing.T) {
	msg := ToolResultsMessage([]ToolResultBlock{
		{ToolCallID: "t1", Content: "result data"},
		{ToolCallID: "t2", Content: "oops", IsError: true},
	})
	if msg.Role != RoleUser {
		t.Errorf("Role = %q, want user", msg.Role)
	}
	if len(msg.ToolResults) != 2 || msg.ToolResults[1].IsError != true {
		t.Errorf("ToolResults = %+v", msg.ToolResults)
	}
	if msg.Content != "" {
		t.Errorf("Content = %q, want empty", msg.Content)
	}
}

func TestTurnResponseAccessors(t *testing.T) {
	resp := &TurnResponse{Blocks: []AssistantBlock{
		{Type: BlockThinking, Text: "let me think. "},
		{Type: BlockText, Text: "First "},
		{Type: BlockToolUse, Tool: &ToolCall{ID: "t1", Name: "web_search"}},
		{Type: BlockText, Text: "second."},
		{Type: BlockToolUse, Tool: &ToolCall{ID: "t2", Name: "web_fetch"}},
	}}

	if got := resp.Text(); got != "First second." {
		t.Errorf("Text() = %q", got)
	}
	if got := resp.Thinking(); got != "let me think. " {
		t.Errorf("Thinking() = %q", got)
	}
	tools := resp.PendingTools()
	if len(tools) != 2 || tools[0].ID != "t1" || tools[1].Name != "web_fetch" {
		t.Errorf("PendingTools() = %+v", tools)
	}
}

func TestUsageAdd(t *testing.T) {
	u := Usage{InputTokens: 100, OutputTokens: 50}
	u.Add(Usage{InputTokens: 10, OutputTokens: 5, CacheRead: 200, CacheCreation: 30})
	want := Usage{InputTokens: 110, OutputTokens: 55, CacheRead: 200, CacheCreation: 30}
	if u != want {
		t.Errorf("Add = %+v, want %+v", u, want)
	}
}

func TestProcessedMessageHelpers(t *testing.T) {
	text := textMsg(1, 1, "hi")
	if text.HasMedia() || text.HasFiles() || text.HasTranscript() {
		t.Errorf("plain text message reports media: %+v", text)
	}

	voice := textMsg(1, 2, "")
	voice.Inbound.ContentType = ContentVoice
	voice.Transcript = &TranscriptInfo{Text: "hello"}
	if !voice.HasMedia() || !voice.HasTranscript() {
		t.Errorf("voice message helpers wrong: %+v", voice)
	}

	doc := textMsg(1, 3, "see attached")
	doc.Inbound.ContentType = ContentDocument
	doc.Files = []UploadedFile{{Filename: "a.pdf"}}
	if !doc.HasFiles() {
		t.Error("document message reports no files")
	}
}
