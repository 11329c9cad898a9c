package anthropic

import (
	"encoding/json"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/velikov/florin"
)

// buildParams converts a provider-neutral turn request into Messages API
// parameters. Turns go through the beta surface because file-source blocks
// (Files API references) only exist there. The last system block gets a
// prompt-cache breakpoint in addition to any blocks the caller marked.
func buildParams(req florin.TurnRequest) anthropic.BetaMessageNewParams {
	params := anthropic.BetaMessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: req.MaxTokens,
		System:    buildSystem(req.System),
		Messages:  buildMessages(req.Messages),
		Tools:     buildTools(req.Tools),
	}
	if req.ThinkingBudget > 0 {
		params.Thinking = anthropic.BetaThinkingConfigParamUnion{
			OfEnabled: &anthropic.BetaThinkingConfigEnabledParam{
				Type:         "enabled",
				BudgetTokens: req.ThinkingBudget,
			},
		}
	}
	return params
}

func buildSystem(blocks []florin.SystemBlock) []anthropic.BetaTextBlockParam {
	out := make([]anthropic.BetaTextBlockParam, 0, len(blocks))
	for i, b := range blocks {
		p := anthropic.BetaTextBlockParam{Text: b.Text}
		if b.Cache || i == len(blocks)-1 {
			p.CacheControl = anthropic.BetaCacheControlEphemeralParam{Type: "ephemeral"}
		}
		out = append(out, p)
	}
	return out
}

// buildMessages converts dialog history. A message carrying Raw echo state
// (the wire-form assistant message of a previous iteration) passes through
// untouched so thinking signatures and tool blocks survive verbatim.
func buildMessages(msgs []florin.ChatMessage) []anthropic.BetaMessageParam {
	out := make([]anthropic.BetaMessageParam, 0, len(msgs))
	for _, m := range msgs {
		if raw, ok := m.Raw.(anthropic.BetaMessageParam); ok {
			out = append(out, raw)
			continue
		}
		switch m.Role {
		case florin.RoleAssistant:
			out = append(out, assistantParam(m))
		default:
			out = append(out, userParam(m))
		}
	}
	return out
}

func userParam(m florin.ChatMessage) anthropic.BetaMessageParam {
	var blocks []anthropic.BetaContentBlockParamUnion
	for _, r := range m.ToolResults {
		blocks = append(blocks, toolResultBlock(r))
	}
	for _, f := range m.Files {
		blocks = append(blocks, fileBlock(f.ClaudeFileID, f.Kind))
	}
	if m.Content != "" {
		blocks = append(blocks, anthropic.NewBetaTextBlock(m.Content))
	}
	if len(blocks) == 0 {
		blocks = append(blocks, anthropic.NewBetaTextBlock(""))
	}
	return anthropic.NewBetaUserMessage(blocks...)
}

func assistantParam(m florin.ChatMessage) anthropic.BetaMessageParam {
	var blocks []anthropic.BetaContentBlockParamUnion
	if m.Content != "" {
		blocks = append(blocks, anthropic.NewBetaTextBlock(m.Content))
	}
	for _, tc := range m.ToolCalls {
		blocks = append(blocks, anthropic.NewBetaToolUseBlock(tc.ID, tc.Input, tc.Name))
	}
	if len(blocks) == 0 {
		blocks = append(blocks, anthropic.NewBetaTextBlock(""))
	}
	return anthropic.BetaMessageParam{
		Role:    anthropic.BetaMessageParamRoleAssistant,
		Content: blocks,
	}
}

func toolResultBlock(r florin.ToolResultBlock) anthropic.BetaContentBlockParamUnion {
	block := anthropic.NewBetaToolResultBlock(r.ToolCallID)
	block.OfToolResult.Content = []anthropic.BetaToolResultBlockParamContentUnion{
		{OfText: &anthropic.BetaTextBlockParam{Text: r.Content}},
	}
	if r.IsError {
		block.OfToolResult.IsError = anthropic.Bool(true)
	}
	return block
}

// fileBlock references a Files API upload as image or document content.
func fileBlock(fileID string, kind florin.FileKind) anthropic.BetaContentBlockParamUnion {
	if kind == florin.FileKindImage {
		return anthropic.NewBetaImageBlock(anthropic.BetaFileImageSourceParam{FileID: fileID})
	}
	return anthropic.NewBetaDocumentBlock(anthropic.BetaFileDocumentSourceParam{FileID: fileID})
}

// toolSchema is the JSON Schema shape tool definitions carry.
type toolSchema struct {
	Properties map[string]any `json:"properties"`
	Required   []string       `json:"required"`
}

func buildTools(defs []florin.ToolDefinition) []anthropic.BetaToolUnionParam {
	out := make([]anthropic.BetaToolUnionParam, 0, len(defs))
	for _, d := range defs {
		var schema toolSchema
		_ = json.Unmarshal(d.Parameters, &schema)
		tool := anthropic.BetaToolParam{
			Name:        d.Name,
			Description: anthropic.String(d.Description),
			InputSchema: anthropic.BetaToolInputSchemaParam{
				Properties: schema.Properties,
				Required:   schema.Required,
			},
		}
		out = append(out, anthropic.BetaToolUnionParam{OfTool: &tool})
	}
	return out
}
