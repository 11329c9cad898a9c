package florin

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// DisplayConfig shapes the streaming draft. Zero values mean a 4096 rune
// message limit, 256/768 rune safety margins, one edit per second.
type DisplayConfig struct {
	Mode           ParseMode
	MessageLimit   int
	HTMLMargin     int
	MarkdownMargin int
	EditInterval   time.Duration
	Logger         *slog.Logger
}

// MessagePart is one finalized piece of the assistant's answer, as shown to
// the user. Text carries prose only, with tool markers stripped.
type MessagePart struct {
	MessageID int64
	Text      string
}

// DraftManager owns the single in-progress message on the platform side.
// Push edits it at most once per interval; Force bypasses the throttle.
type DraftManager struct {
	frontend Frontend
	chatID   int64
	topicID  int64
	interval time.Duration
	logger   *slog.Logger

	messageID int64
	lastEdit  time.Time
}

func NewDraftManager(frontend Frontend, chatID, topicID int64, interval time.Duration, logger *slog.Logger) *DraftManager {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = nopLogger
	}
	return &DraftManager{frontend: frontend, chatID: chatID, topicID: topicID, interval: interval, logger: logger}
}

// Push creates or edits the draft message. Returns false when the edit was
// suppressed by the throttle or failed; the caller retries on the next delta.
func (d *DraftManager) Push(ctx context.Context, text string, mode ParseMode) bool {
	if d.messageID != 0 && time.Since(d.lastEdit) < d.interval {
		return false
	}
	return d.flush(ctx, text, mode) == nil
}

// Force pushes regardless of the throttle and returns the draft's message id.
func (d *DraftManager) Force(ctx context.Context, text string, mode ParseMode) (int64, error) {
	if err := d.flush(ctx, text, mode); err != nil {
		return d.messageID, err
	}
	return d.messageID, nil
}

func (d *DraftManager) flush(ctx context.Context, text string, mode ParseMode) error {
	if d.messageID == 0 {
		var (
			id  int64
			err error
		)
		if mode == ModePlain {
			id, err = d.frontend.Send(ctx, d.chatID, d.topicID, text)
		} else {
			id, err = d.frontend.SendFormatted(ctx, d.chatID, d.topicID, text, mode)
		}
		if err != nil {
			d.logger.Warn("draft send failed", "chat_id", d.chatID, "error", err)
			return err
		}
		d.messageID = id
		d.lastEdit = time.Now()
		return nil
	}

	var err error
	if mode == ModePlain {
		err = d.frontend.Edit(ctx, d.chatID, d.messageID, text)
	} else {
		err = d.frontend.EditFormatted(ctx, d.chatID, d.messageID, text, mode)
	}
	if err != nil {
		d.logger.Warn("draft edit failed", "chat_id", d.chatID, "message_id", d.messageID, "error", err)
		return err
	}
	d.lastEdit = time.Now()
	return nil
}

// Discard deletes the draft message, if one exists.
func (d *DraftManager) Discard(ctx context.Context) {
	if d.messageID == 0 {
		return
	}
	if err := d.frontend.Delete(ctx, d.chatID, d.messageID); err != nil {
		d.logger.Warn("draft delete failed", "chat_id", d.chatID, "message_id", d.messageID, "error", err)
	}
	d.messageID = 0
}

// Reset detaches from the current message so the next push opens a new one.
func (d *DraftManager) Reset() {
	d.messageID = 0
	d.lastEdit = time.Time{}
}

// MessageID returns the platform id of the current draft, 0 if none.
func (d *DraftManager) MessageID() int64 { return d.messageID }

type textEntry struct {
	text   string
	marker bool
}

// DisplaySession accumulates the streamed thinking and text blocks of one
// generation and mirrors them into a throttled draft. Thinking renders as a
// quoted run ahead of the visible text; the formatted frontends turn it into
// a collapsed blockquote. When the rendering outgrows the platform limit the
// thinking trims from its start first, then the text splits into committed
// parts.
type DisplaySession struct {
	draft  *DraftManager
	mode   ParseMode
	limit  int
	margin int
	logger *slog.Logger

	thinking     []string
	thinkingOpen bool
	entries      []textEntry
	proseOpen    bool

	lastPushed string
	parts      []MessagePart
}

func NewDisplaySession(frontend Frontend, chatID, topicID int64, cfg DisplayConfig) *DisplaySession {
	if cfg.MessageLimit <= 0 {
		cfg.MessageLimit = 4096
	}
	if cfg.HTMLMargin <= 0 {
		cfg.HTMLMargin = 256
	}
	if cfg.MarkdownMargin <= 0 {
		cfg.MarkdownMargin = 768
	}
	if cfg.Logger == nil {
		cfg.Logger = nopLogger
	}
	margin := cfg.HTMLMargin
	if cfg.Mode == ModeMarkdownV2 {
		margin = cfg.MarkdownMargin
	}
	return &DisplaySession{
		draft:  NewDraftManager(frontend, chatID, topicID, cfg.EditInterval, cfg.Logger),
		mode:   cfg.Mode,
		limit:  cfg.MessageLimit,
		margin: margin,
		logger: cfg.Logger,
	}
}

// Thinking appends a chunk to the open thinking block.
func (s *DisplaySession) Thinking(chunk string) {
	if !s.thinkingOpen {
		s.thinking = append(s.thinking, "")
		s.thinkingOpen = true
	}
	s.thinking[len(s.thinking)-1] += chunk
}

// Text appends a chunk to the open text block.
func (s *DisplaySession) Text(chunk string) {
	if !s.proseOpen {
		s.entries = append(s.entries, textEntry{})
		s.proseOpen = true
	}
	s.entries[len(s.entries)-1].text += chunk
}

// Marker appends a one-line tool activity marker and closes the open blocks.
func (s *DisplaySession) Marker(line string) {
	s.EndBlock()
	s.entries = append(s.entries, textEntry{text: line, marker: true})
}

// RewriteMarker replaces the most recent marker line, once the tool's full
// input is known.
func (s *DisplaySession) RewriteMarker(line string) {
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].marker {
			s.entries[i].text = line
			return
		}
	}
}

// EndBlock closes the open thinking or text block; the next delta starts a
// new one.
func (s *DisplaySession) EndBlock() {
	s.thinkingOpen = false
	s.proseOpen = false
}

// Update re-renders the draft and pushes it, subject to the throttle. A
// rendering that still exceeds the limit with thinking exhausted commits the
// current text as a finalized part and starts a fresh draft.
func (s *DisplaySession) Update(ctx context.Context) {
	rendered, overflow := s.render()
	if overflow {
		s.commitPart(ctx, false)
		rendered, _ = s.render()
	}
	if rendered == "" || rendered == s.lastPushed {
		return
	}
	if s.draft.Push(ctx, rendered, s.mode) {
		s.lastPushed = rendered
	}
}

// CommitForFiles finalizes the current text so a file lands between it and
// whatever streams next. Thinking is discarded; with no text at all the
// draft is removed instead, keeping the file first.
func (s *DisplaySession) CommitForFiles(ctx context.Context) {
	s.commitPart(ctx, true)
}

// Finalize commits the remaining text and returns every finalized part in
// order. A draft holding only thinking is left in place.
func (s *DisplaySession) Finalize(ctx context.Context) []MessagePart {
	s.commitPart(ctx, false)
	return s.parts
}

// Parts returns the parts committed so far.
func (s *DisplaySession) Parts() []MessagePart { return s.parts }

func (s *DisplaySession) commitPart(ctx context.Context, discardEmpty bool) {
	text := s.commitText()
	if text == "" {
		if discardEmpty {
			s.draft.Discard(ctx)
			s.resetPart()
		}
		return
	}
	out := text
	if s.mode == ModeMarkdownV2 {
		out = repairMarkdown(out)
	}
	id, err := s.draft.Force(ctx, out, s.mode)
	if err != nil || id == 0 {
		s.logger.Error("commit draft part failed", "chat_id", s.draft.chatID, "error", err)
	}
	if id != 0 {
		s.parts = append(s.parts, MessagePart{MessageID: id, Text: text})
	}
	s.resetPart()
}

func (s *DisplaySession) resetPart() {
	s.thinking = nil
	s.thinkingOpen = false
	s.entries = nil
	s.proseOpen = false
	s.lastPushed = ""
	s.draft.Reset()
}

const thinkingTrimStep = 256

// render composes the draft string, trimming thinking from its start until
// the whole fits the budget. overflow reports that the text alone no longer
// fits and the session must split.
func (s *DisplaySession) render() (rendered string, overflow bool) {
	visible := s.visibleText()
	think := strings.Join(s.thinking, "\n\n")
	budget := s.limit - s.margin
	for {
		out := composeDraft(think, visible)
		if s.mode == ModeMarkdownV2 {
			out = repairMarkdown(out)
		}
		if len([]rune(out)) <= budget {
			return out, false
		}
		if think == "" {
			return out, true
		}
		think = trimFront(think, thinkingTrimStep)
	}
}

// visibleText joins text entries. Blocks separate with a blank line; a line
// directly after a marker keeps the blank line, a marker attaches on the
// next line.
func (s *DisplaySession) visibleText() string {
	var b strings.Builder
	for i, e := range s.entries {
		if i > 0 {
			if e.marker {
				b.WriteString("\n")
			} else {
				b.WriteString("\n\n")
			}
		}
		b.WriteString(e.text)
	}
	return b.String()
}

// commitText is the persistable form of the current draft: prose blocks
// only, markers stripped.
func (s *DisplaySession) commitText() string {
	var blocks []string
	for _, e := range s.entries {
		if e.marker {
			continue
		}
		if t := strings.TrimSpace(e.text); t != "" {
			blocks = append(blocks, t)
		}
	}
	return strings.Join(blocks, "\n\n")
}

func composeDraft(think, visible string) string {
	switch {
	case think == "":
		return visible
	case visible == "":
		return quoteThinking(think)
	default:
		return quoteThinking(think) + "\n\n" + visible
	}
}

// quoteThinking prefixes each line for the formatted frontends to render as
// a collapsed blockquote.
func quoteThinking(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = "> " + l
	}
	return strings.Join(lines, "\n")
}

func trimFront(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return ""
	}
	return "…" + string(r[n:])
}

// repairMarkdown closes formatting runs a truncation cut mid-token. Counting
// is parity based: an odd number of occurrences of a delimiter outside code
// gets one closer appended.
func repairMarkdown(s string) string {
	var inFence, inCode bool
	var bold, under, strike, star, ital int
	for i := 0; i < len(s); {
		switch {
		case strings.HasPrefix(s[i:], "```"):
			inFence = !inFence
			i += 3
		case inFence:
			i++
		case s[i] == '`':
			inCode = !inCode
			i++
		case inCode:
			i++
		case strings.HasPrefix(s[i:], "**"):
			bold++
			i += 2
		case strings.HasPrefix(s[i:], "__"):
			under++
			i += 2
		case strings.HasPrefix(s[i:], "~~"):
			strike++
			i += 2
		case s[i] == '*':
			star++
			i++
		case s[i] == '_':
			ital++
			i++
		default:
			i++
		}
	}
	if !inFence && !inCode && bold%2 == 0 && under%2 == 0 && strike%2 == 0 && star%2 == 0 && ital%2 == 0 {
		return s
	}
	var b strings.Builder
	b.WriteString(s)
	if inCode {
		b.WriteString("`")
	}
	if inFence {
		b.WriteString("\n```")
	}
	if bold%2 == 1 {
		b.WriteString("**")
	}
	if under%2 == 1 {
		b.WriteString("__")
	}
	if strike%2 == 1 {
		b.WriteString("~~")
	}
	if star%2 == 1 {
		b.WriteString("*")
	}
	if ital%2 == 1 {
		b.WriteString("_")
	}
	return b.String()
}
