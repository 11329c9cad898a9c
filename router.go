package florin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// topicSystemPrompt instructs the routing model. The reply must be one JSON
// object; anything else falls back to "stay".
const topicSystemPrompt = `You are a conversation-topic router for a chat assistant. Given a new user message and a list of the user's recent topics with sample messages, decide where the message belongs.

Return ONLY a JSON object:
- {"action":"stay"} — the message continues the current topic.
- {"action":"resume","topic":"<topic letter>"} — the message continues one of the listed topics.
- {"action":"new","title":"<short topic title>"} — the message starts a new subject. The title is 2-5 words in the user's language.

Rules:
- Prefer "stay" when in doubt.
- "resume" only when the message clearly continues a listed topic.
- Respond with ONLY the JSON object, no extra text.`

// RouterConfig tunes topic classification. Zero values mean disabled, 5
// recent topics, 3 sample messages each, 200 rune samples, a 30 minute gap,
// and 32 rune temp titles.
type RouterConfig struct {
	Enabled        bool
	Model          string
	MaxTokens      int64
	MinGap         time.Duration
	RecentTopics   int
	RecentMessages int
	Truncate       int
	TitleMaxLen    int
	Logger         *slog.Logger
}

// RouteAction is the router's verdict.
type RouteAction string

const (
	RouteStay   RouteAction = "stay"
	RouteResume RouteAction = "resume"
	RouteNew    RouteAction = "new"
)

// RouteDecision is one routing outcome. Thread is set for resume (the
// existing topic) and new (the freshly created one).
type RouteDecision struct {
	Action RouteAction
	Thread *Thread
	Title  string
}

// TopicRouter classifies new messages in forum chats as staying in the
// current topic, resuming an older one, or opening a new one. Every failure
// degrades to stay; routing never blocks a message.
type TopicRouter struct {
	classifier Classifier
	store      Store
	cache      Cache
	frontend   Frontend
	cfg        RouterConfig
	log        *slog.Logger
}

func NewTopicRouter(classifier Classifier, store Store, cache Cache, frontend Frontend, cfg RouterConfig) *TopicRouter {
	if cfg.RecentTopics <= 0 {
		cfg.RecentTopics = 5
	}
	if cfg.RecentMessages <= 0 {
		cfg.RecentMessages = 3
	}
	if cfg.Truncate <= 0 {
		cfg.Truncate = 200
	}
	if cfg.TitleMaxLen <= 0 {
		cfg.TitleMaxLen = 32
	}
	if cfg.MinGap <= 0 {
		cfg.MinGap = 30 * time.Minute
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 128
	}
	if cfg.Logger == nil {
		cfg.Logger = nopLogger
	}
	return &TopicRouter{
		classifier: classifier,
		store:      store,
		cache:      cache,
		frontend:   frontend,
		cfg:        cfg,
		log:        cfg.Logger,
	}
}

// Route decides where an inbound text message belongs. current is the
// thread the message arrived in. stay is returned for non-forum chats,
// non-text content, fresh activity in the current topic, and every error.
func (r *TopicRouter) Route(ctx context.Context, in *InboundMessage, current Thread) RouteDecision {
	stay := RouteDecision{Action: RouteStay}
	if !r.cfg.Enabled || !in.IsForum || in.ContentType != ContentText || in.Text == "" {
		return stay
	}

	// Gap suppression: an actively used topic keeps its messages.
	if !current.LastMessageAt.IsZero() && time.Since(current.LastMessageAt) < r.cfg.MinGap {
		return stay
	}

	topics, err := r.recentTopics(ctx, in.ChatID, in.UserID)
	if err != nil {
		r.log.Warn("topic routing: loading recent topics failed", "chat_id", in.ChatID, "error", err)
		return stay
	}
	// Exclude the current topic from resume candidates.
	candidates := make([]Thread, 0, len(topics))
	for _, t := range topics {
		if t.ID != current.ID {
			candidates = append(candidates, t)
		}
	}
	prompt := r.buildPrompt(ctx, in.Text, candidates)

	raw, err := r.classifier.Classify(ctx, r.cfg.Model, topicSystemPrompt, prompt, r.cfg.MaxTokens)
	if err != nil {
		r.log.Warn("topic routing: classification failed", "chat_id", in.ChatID, "error", err)
		return stay
	}
	verdict, ok := parseRouteVerdict(raw)
	if !ok {
		r.log.Warn("topic routing: unparseable verdict", "raw", truncateRunes(raw, 200))
		return stay
	}

	switch verdict.Action {
	case "resume":
		idx := topicIndex(verdict.Topic)
		if idx < 0 || idx >= len(candidates) {
			return stay
		}
		target := candidates[idx]
		r.announceRedirect(ctx, in, target)
		return RouteDecision{Action: RouteResume, Thread: &target, Title: target.Title}
	case "new":
		title := strings.TrimSpace(verdict.Title)
		if title == "" {
			title = truncateRunes(in.Text, r.cfg.TitleMaxLen)
		}
		title = truncateRunes(title, r.cfg.TitleMaxLen)
		t, err := r.createTopic(ctx, in, title)
		if err != nil {
			r.log.Warn("topic routing: creating topic failed", "chat_id", in.ChatID, "error", err)
			return stay
		}
		return RouteDecision{Action: RouteNew, Thread: &t, Title: title}
	default:
		return stay
	}
}

// recentTopics loads the user's latest threads in this chat, cached 60s.
func (r *TopicRouter) recentTopics(ctx context.Context, chatID, userID int64) ([]Thread, error) {
	if topics, ok := r.cache.GetRecentTopics(ctx, chatID, userID); ok {
		return topics, nil
	}
	topics, err := r.store.ListThreads(ctx, chatID, userID, r.cfg.RecentTopics)
	if err != nil {
		return nil, err
	}
	r.cache.SetRecentTopics(ctx, chatID, userID, topics)
	return topics, nil
}

// buildPrompt lists candidate topics as lettered entries with recent user
// messages as samples.
func (r *TopicRouter) buildPrompt(ctx context.Context, text string, candidates []Thread) string {
	var b strings.Builder
	b.WriteString("New message:\n")
	b.WriteString(truncateRunes(text, r.cfg.Truncate))
	b.WriteString("\n\nRecent topics:\n")
	if len(candidates) == 0 {
		b.WriteString("(none)\n")
	}
	for i, t := range candidates {
		title := t.Title
		if title == "" {
			title = "untitled"
		}
		fmt.Fprintf(&b, "%c. %s\n", 'A'+i, title)
		for _, m := range r.sampleMessages(ctx, t.ID) {
			fmt.Fprintf(&b, "   - %s\n", truncateRunes(m, r.cfg.Truncate))
		}
	}
	return b.String()
}

func (r *TopicRouter) sampleMessages(ctx context.Context, threadID string) []string {
	msgs, ok := r.cache.GetMessages(ctx, threadID)
	if !ok {
		var err error
		msgs, err = r.store.ThreadMessages(ctx, threadID, r.cfg.RecentMessages)
		if err != nil {
			return nil
		}
	}
	var out []string
	for i := len(msgs) - 1; i >= 0 && len(out) < r.cfg.RecentMessages; i-- {
		if msgs[i].Role == RoleUser && msgs[i].Text != "" {
			out = append(out, msgs[i].Text)
		}
	}
	// Restore chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// announceRedirect leaves a short pointer in the topic the message left.
func (r *TopicRouter) announceRedirect(ctx context.Context, in *InboundMessage, target Thread) {
	title := target.Title
	if title == "" {
		title = "another topic"
	}
	if _, err := r.frontend.Send(ctx, in.ChatID, in.TopicID, "↗ "+title); err != nil {
		r.log.Warn("topic routing: redirect notice failed", "chat_id", in.ChatID, "error", err)
	}
}

// createTopic opens the forum topic on the platform and the matching thread
// row, titled and pre-touched.
func (r *TopicRouter) createTopic(ctx context.Context, in *InboundMessage, title string) (Thread, error) {
	topicID, err := r.frontend.CreateForumTopic(ctx, in.ChatID, title)
	if err != nil {
		return Thread{}, err
	}
	t, err := r.store.GetOrCreateThread(ctx, ThreadKey{ChatID: in.ChatID, UserID: in.UserID, TopicID: topicID})
	if err != nil {
		return Thread{}, err
	}
	if t.Title != title {
		if err := r.store.UpdateThreadTitle(ctx, t.ID, title); err != nil {
			r.log.Warn("topic routing: title update failed", "thread_id", t.ID, "error", err)
		}
		t.Title = title
	}
	return t, nil
}

type routeVerdict struct {
	Action string `json:"action"`
	Topic  string `json:"topic"`
	Title  string `json:"title"`
}

// parseRouteVerdict extracts the JSON object from the model reply, tolerant
// of code fences and surrounding prose.
func parseRouteVerdict(raw string) (routeVerdict, bool) {
	s := strings.TrimSpace(raw)
	if start, end := strings.Index(s, "{"), strings.LastIndex(s, "}"); start >= 0 && end > start {
		s = s[start : end+1]
	}
	var v routeVerdict
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return routeVerdict{}, false
	}
	switch v.Action {
	case "stay", "resume", "new":
		return v, true
	}
	return routeVerdict{}, false
}

// topicIndex maps a topic letter ("A", "b") to a candidate index, -1 when
// out of range.
func topicIndex(s string) int {
	s = strings.TrimSpace(s)
	if len(s) != 1 {
		return -1
	}
	c := s[0]
	switch {
	case c >= 'A' && c <= 'Z':
		return int(c - 'A')
	case c >= 'a' && c <= 'z':
		return int(c - 'a')
	}
	return -1
}
