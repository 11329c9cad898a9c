package florin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ToolScope is the per-call context a tool executes in.
type ToolScope struct {
	ThreadID string
	Key      ThreadKey
	Language string // user's BCP 47 tag, for localized tool output
}

// Tool executes model-invoked actions. One Tool may serve several
// definitions; Execute dispatches on name.
type Tool interface {
	Definitions() []ToolDefinition
	Execute(ctx context.Context, scope ToolScope, name string, args json.RawMessage) (*ToolResult, error)
}

// GeneratedFile is a tool-produced artifact queued for delivery to the user.
type GeneratedFile struct {
	Filename string
	MIME     string
	Data     []byte
	Caption  string
}

// ToolResult is the outcome of one tool execution. Content goes back to the
// model; the rest drives accounting and delivery.
type ToolResult struct {
	Content string
	IsError bool

	// CostUSD is what this call cost. AlreadyCharged means the tool settled
	// the charge itself and the executor must not charge again.
	CostUSD        decimal.Decimal
	AlreadyCharged bool

	// ModelID and Usage are set by tools that run their own LLM sub-call.
	ModelID string
	Usage   Usage

	Duration time.Duration

	// Files are artifacts to send to the user once the current draft is
	// committed.
	Files []GeneratedFile

	// ForceTurnBreak ends the tool loop after this iteration even when the
	// model asked for more tools.
	ForceTurnBreak bool
}

// TextResult wraps plain content in a successful result.
func TextResult(content string) *ToolResult {
	return &ToolResult{Content: content}
}

// ErrorResult wraps an error message in a result the model sees as failed.
func ErrorResult(format string, args ...any) *ToolResult {
	return &ToolResult{Content: fmt.Sprintf(format, args...), IsError: true}
}

// Registry routes tool calls by name and aggregates definitions in
// registration order.
type Registry struct {
	tools map[string]Tool
	order []string
	paid  map[string]bool
}

func NewRegistry() *Registry {
	return &Registry{
		tools: map[string]Tool{},
		paid:  map[string]bool{},
	}
}

// Register adds every definition the tool exposes. Later registrations of
// the same name win.
func (r *Registry) Register(t Tool) {
	for _, def := range t.Definitions() {
		if _, ok := r.tools[def.Name]; !ok {
			r.order = append(r.order, def.Name)
		}
		r.tools[def.Name] = t
	}
}

// MarkPaid flags tool names that require a non-negative balance before they
// run.
func (r *Registry) MarkPaid(names ...string) {
	for _, n := range names {
		r.paid[n] = true
	}
}

// IsPaid reports whether the named tool is balance-gated.
func (r *Registry) IsPaid(name string) bool { return r.paid[name] }

// Definitions lists every registered definition in registration order.
func (r *Registry) Definitions() []ToolDefinition {
	defs := make([]ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		for _, def := range r.tools[name].Definitions() {
			if def.Name == name {
				defs = append(defs, def)
			}
		}
	}
	return defs
}

// Execute dispatches one call. Unknown names come back as an error result
// rather than an error, so the model can correct itself.
func (r *Registry) Execute(ctx context.Context, scope ToolScope, name string, args json.RawMessage) (*ToolResult, error) {
	t, ok := r.tools[name]
	if !ok {
		return ErrorResult("unknown tool: %s", name), nil
	}
	start := time.Now()
	res, err := t.Execute(ctx, scope, name, args)
	if err != nil {
		return nil, err
	}
	if res.Duration == 0 {
		res.Duration = time.Since(start)
	}
	return res, nil
}
