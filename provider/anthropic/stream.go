package anthropic

import (
	"context"
	"encoding/json"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/velikov/florin"
)

// StreamTurn runs one streamed Messages API turn. Incremental deltas go to
// onEvent in stream order; the accumulated turn is returned at the end.
// The SDK does not always propagate cancellation, so the loop checks ctx
// on every event.
func (c *Client) StreamTurn(ctx context.Context, req florin.TurnRequest, onEvent func(florin.StreamEvent)) (*florin.TurnResponse, error) {
	if err := c.limiter.wait(ctx); err != nil {
		return nil, err
	}

	stream := c.api.Beta.Messages.NewStreaming(ctx, buildParams(req))
	defer stream.Close()

	emit := onEvent
	if emit == nil {
		emit = func(florin.StreamEvent) {}
	}

	var msg anthropic.BetaMessage
	currentBlock := florin.BlockText
	for stream.Next() {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		event := stream.Current()
		if err := msg.Accumulate(event); err != nil {
			// A malformed tool payload stops accumulating cleanly; the
			// resulting empty tool call surfaces as a tool error and the
			// loop recovers on the next iteration.
			c.log.Warn("event accumulation failed", "error", err)
			continue
		}

		switch ev := event.AsAny().(type) {
		case anthropic.BetaRawContentBlockStartEvent:
			switch block := ev.ContentBlock.AsAny().(type) {
			case anthropic.BetaThinkingBlock:
				currentBlock = florin.BlockThinking
			case anthropic.BetaToolUseBlock:
				currentBlock = florin.BlockToolUse
				emit(florin.StreamEvent{Type: florin.EventToolStart, Tool: block.Name})
			default:
				currentBlock = florin.BlockText
			}
		case anthropic.BetaRawContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case anthropic.BetaTextDelta:
				emit(florin.StreamEvent{Type: florin.EventTextDelta, Text: delta.Text})
			case anthropic.BetaThinkingDelta:
				emit(florin.StreamEvent{Type: florin.EventThinkingDelta, Text: delta.Thinking})
			}
		case anthropic.BetaRawContentBlockStopEvent:
			emit(florin.StreamEvent{Type: florin.EventBlockEnd, Block: currentBlock})
			currentBlock = florin.BlockText
		}
	}
	if err := stream.Err(); err != nil {
		return nil, wrapErr(err)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	resp := accumulateResponse(&msg)
	c.limiter.record(resp.Usage.InputTokens + resp.Usage.OutputTokens)
	return resp, nil
}

// accumulateResponse converts the accumulated wire message into the
// provider-neutral turn result. Raw carries the exact wire-form assistant
// message so the next iteration echoes signatures and tool blocks intact.
func accumulateResponse(msg *anthropic.BetaMessage) *florin.TurnResponse {
	resp := &florin.TurnResponse{
		StopReason: toStopReason(msg.StopReason),
		Usage:      toUsage(msg.Usage),
		Raw:        msg.ToParam(),
	}
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.BetaTextBlock:
			resp.Blocks = append(resp.Blocks, florin.AssistantBlock{
				Type: florin.BlockText,
				Text: variant.Text,
			})
		case anthropic.BetaThinkingBlock:
			resp.Blocks = append(resp.Blocks, florin.AssistantBlock{
				Type: florin.BlockThinking,
				Text: variant.Thinking,
			})
		case anthropic.BetaToolUseBlock:
			resp.Blocks = append(resp.Blocks, florin.AssistantBlock{
				Type: florin.BlockToolUse,
				Tool: &florin.ToolCall{
					ID:    variant.ID,
					Name:  variant.Name,
					Input: json.RawMessage(variant.JSON.Input.Raw()),
				},
			})
		}
	}
	return resp
}

func toStopReason(r anthropic.BetaStopReason) florin.StopReason {
	switch r {
	case anthropic.BetaStopReasonEndTurn, anthropic.BetaStopReasonStopSequence:
		return florin.StopEndTurn
	case anthropic.BetaStopReasonToolUse:
		return florin.StopToolUse
	case anthropic.BetaStopReasonMaxTokens:
		return florin.StopMaxTokens
	case anthropic.BetaStopReasonPauseTurn:
		return florin.StopPauseTurn
	case anthropic.BetaStopReasonRefusal:
		return florin.StopRefusal
	default:
		return florin.StopEndTurn
	}
}
