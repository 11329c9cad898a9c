package florin

// StreamEventType tags one streaming event from the provider.
type StreamEventType string

const (
	// EventThinkingDelta appends text to the current thinking block.
	EventThinkingDelta StreamEventType = "thinking_delta"
	// EventTextDelta appends text to the current text block.
	EventTextDelta StreamEventType = "text_delta"
	// EventToolStart announces a tool_use block; Tool holds the name.
	EventToolStart StreamEventType = "tool_start"
	// EventBlockEnd closes the current content block; Block holds its type.
	EventBlockEnd StreamEventType = "block_end"
)

// StreamEvent is one incremental update of a streamed turn. The provider
// sends these on the events channel while accumulating the full
// [TurnResponse] it returns at the end.
type StreamEvent struct {
	Type  StreamEventType
	Text  string
	Tool  string
	Block BlockType
}
