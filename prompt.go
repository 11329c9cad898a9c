package florin

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// PromptConfig shapes request assembly. Zero values mean a 40 message
// history window, 8192 max tokens, thinking disabled.
type PromptConfig struct {
	SystemPrompt   string
	DefaultModel   string
	HistoryLimit   int
	MaxTokens      int64
	ThinkingBudget int64
}

// PromptBuilder assembles one TurnRequest: system prompt, reconstructed
// history, and the new batch.
type PromptBuilder struct {
	store Store
	cache Cache
	cfg   PromptConfig
}

func NewPromptBuilder(store Store, cache Cache, cfg PromptConfig) *PromptBuilder {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 40
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 8192
	}
	return &PromptBuilder{store: store, cache: cache, cfg: cfg}
}

// Build assembles the request for one batch. The system prompt is the
// static global prompt (a prompt-cache breakpoint), the user's custom
// prompt, and a generated listing of the thread's files.
func (b *PromptBuilder) Build(ctx context.Context, user User, thread Thread, batch Batch, tools []ToolDefinition) (TurnRequest, error) {
	files, err := b.threadFiles(ctx, thread.ID)
	if err != nil {
		return TurnRequest{}, fmt.Errorf("load thread files: %w", err)
	}

	system := []SystemBlock{{Text: b.cfg.SystemPrompt, Cache: true}}
	if user.CustomPrompt != "" {
		system = append(system, SystemBlock{Text: user.CustomPrompt})
	}
	if section := FilesSection(files); section != "" {
		system = append(system, SystemBlock{Text: section})
	}

	history, err := b.history(ctx, thread.ID, files)
	if err != nil {
		return TurnRequest{}, fmt.Errorf("load history: %w", err)
	}

	messages := history
	for _, pm := range batch {
		messages = append(messages, batchMessage(pm))
	}

	model := user.Model
	if model == "" {
		model = b.cfg.DefaultModel
	}
	return TurnRequest{
		Model:          model,
		System:         system,
		Messages:       messages,
		Tools:          tools,
		MaxTokens:      b.cfg.MaxTokens,
		ThinkingBudget: b.cfg.ThinkingBudget,
	}, nil
}

func (b *PromptBuilder) threadFiles(ctx context.Context, threadID string) ([]UserFile, error) {
	if files, ok := b.cache.GetFiles(ctx, threadID); ok {
		return files, nil
	}
	files, err := b.store.ThreadFiles(ctx, threadID)
	if err != nil {
		return nil, err
	}
	b.cache.SetFiles(ctx, threadID, files)
	return files, nil
}

// history reconstructs prior thread messages in multimodal form: stored
// context markers are re-rendered and file rows re-attached as blocks.
func (b *PromptBuilder) history(ctx context.Context, threadID string, files []UserFile) ([]ChatMessage, error) {
	msgs, ok := b.cache.GetMessages(ctx, threadID)
	if !ok {
		var err error
		msgs, err = b.store.ThreadMessages(ctx, threadID, b.cfg.HistoryLimit)
		if err != nil {
			return nil, err
		}
		b.cache.SetMessages(ctx, threadID, msgs)
	}

	byMessage := map[int64][]UserFile{}
	for _, f := range files {
		byMessage[f.MessageID] = append(byMessage[f.MessageID], f)
	}

	out := make([]ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		cm := ChatMessage{Content: FormatStoredMessage(m)}
		switch m.Role {
		case RoleAssistant:
			cm.Role = RoleAssistant
		default:
			cm.Role = RoleUser
			for _, f := range byMessage[m.MessageID] {
				if f.ChatID != m.ChatID || f.ClaudeFileID == "" {
					continue
				}
				if ref, ok := fileRef(f); ok {
					cm.Files = append(cm.Files, ref)
				}
			}
		}
		out = append(out, cm)
	}
	return out, nil
}

// fileRef maps a stored file to a content block kind. Types the model
// cannot ingest inline stay listed in the files section only.
func fileRef(f UserFile) (FileRef, bool) {
	switch f.Type {
	case FileImage:
		return FileRef{ClaudeFileID: f.ClaudeFileID, Kind: FileKindImage}, true
	case FilePDF:
		return FileRef{ClaudeFileID: f.ClaudeFileID, Kind: FileKindDocument}, true
	default:
		return FileRef{}, false
	}
}

// batchMessage converts one processed inbound message into the user message
// appended to the request.
func batchMessage(pm *ProcessedMessage) ChatMessage {
	cm := ChatMessage{Role: RoleUser, Content: FormatInbound(pm)}
	for _, f := range pm.Files {
		uf := UserFile{Type: f.Type, ClaudeFileID: f.ClaudeFileID}
		if ref, ok := fileRef(uf); ok {
			cm.Files = append(cm.Files, ref)
		}
	}
	return cm
}

// FormatInbound renders the textual content of a processed message with its
// context markers. Private-chat messages without context stay plain; any
// context switches to the structured form.
func FormatInbound(pm *ProcessedMessage) string {
	in := pm.Inbound
	text := pm.Text
	if pm.Transcript != nil {
		label := "Voice message transcript"
		if in.ContentType == ContentVideoNote {
			label = "Video message transcript"
		}
		if text != "" {
			text = fmt.Sprintf("%s\n[%s]: %s", text, label, pm.Transcript.Text)
		} else {
			text = fmt.Sprintf("[%s]: %s", label, pm.Transcript.Text)
		}
	}
	if text == "" && len(pm.Files) > 0 {
		names := make([]string, 0, len(pm.Files))
		for _, f := range pm.Files {
			names = append(names, f.Filename)
		}
		text = fmt.Sprintf("[Sent %s]", strings.Join(names, ", "))
	}

	return formatWithContext(messageContext{
		group:   in.ChatType != "" && in.ChatType != "private",
		sender:  displayName(in.FirstName, in.Username),
		reply:   in.Reply,
		forward: in.Forward,
		quote:   in.Quote,
	}, text)
}

// FormatStoredMessage re-renders a persisted message the same way the live
// path formatted it.
func FormatStoredMessage(m Message) string {
	if m.Role == RoleAssistant {
		return m.Text
	}
	return formatWithContext(messageContext{
		sender:  m.Sender,
		reply:   m.Reply,
		forward: m.Forward,
		quote:   m.Quote,
	}, m.Text)
}

type messageContext struct {
	group   bool
	sender  string
	reply   *ReplyContext
	forward *ForwardContext
	quote   *QuoteContext
}

func formatWithContext(mc messageContext, text string) string {
	hasContext := mc.reply != nil || mc.forward != nil || mc.quote != nil
	if !hasContext && !mc.group {
		return text
	}

	var b strings.Builder
	if mc.forward != nil {
		origin := mc.forward.SenderName
		if origin == "" {
			origin = mc.forward.ChatTitle
		}
		if origin == "" {
			origin = "unknown"
		}
		fmt.Fprintf(&b, "[Forwarded from %s]\n", origin)
	}
	if mc.reply != nil {
		sender := mc.reply.Sender
		if mc.reply.IsBot {
			sender = "assistant"
		}
		if sender == "" {
			sender = "unknown"
		}
		fmt.Fprintf(&b, "> In reply to %s: %s\n", sender, truncateRunes(mc.reply.Text, 200))
	}
	if mc.quote != nil {
		fmt.Fprintf(&b, "> Quoting: %s\n", truncateRunes(mc.quote.Text, 200))
	}
	if mc.group && mc.sender != "" {
		fmt.Fprintf(&b, "**%s:** %s", mc.sender, text)
	} else {
		b.WriteString(text)
	}
	return b.String()
}

func displayName(firstName, username string) string {
	if firstName != "" {
		return firstName
	}
	if username != "" {
		return "@" + username
	}
	return ""
}

func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "…"
}

// FilesSection renders the "Available files in this conversation" system
// block. Empty when the thread has no files.
func FilesSection(files []UserFile) string {
	if len(files) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Available files in this conversation\n\n")
	now := time.Now()
	for _, f := range files {
		fmt.Fprintf(&b, "- %s (%s, %s)", f.Filename, f.MIME, humanSize(f.Size))
		if f.ClaudeFileID != "" {
			fmt.Fprintf(&b, ", id: %s", f.ClaudeFileID)
		}
		if f.Source == SourceAssistant {
			b.WriteString(" [generated]")
		}
		if !f.ExpiresAt.IsZero() && f.ExpiresAt.Before(now) {
			b.WriteString(" [expired]")
		}
		b.WriteString("\n")
	}
	b.WriteString("\nReference files by id when calling tools.")
	return b.String()
}

func humanSize(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
