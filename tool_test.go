package florin

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

type mockTool struct {
	names []string
}

func (m mockTool) Definitions() []ToolDefinition {
	defs := make([]ToolDefinition, 0, len(m.names))
	for _, n := range m.names {
		defs = append(defs, ToolDefinition{Name: n, Description: "mock " + n})
	}
	return defs
}

func (m mockTool) Execute(_ context.Context, _ ToolScope, name string, _ json.RawMessage) (*ToolResult, error) {
	return TextResult("hello from " + name), nil
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	reg.Register(mockTool{names: []string{"greet", "wave"}})

	defs := reg.Definitions()
	if len(defs) != 2 || defs[0].Name != "greet" || defs[1].Name != "wave" {
		t.Fatalf("definitions = %v, want [greet wave]", defs)
	}

	res, err := reg.Execute(context.Background(), ToolScope{}, "greet", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != "hello from greet" {
		t.Errorf("got %q", res.Content)
	}
	if res.Duration <= 0 {
		t.Error("duration not recorded")
	}
}

func TestRegistry_UnknownTool(t *testing.T) {
	reg := NewRegistry()
	res, err := reg.Execute(context.Background(), ToolScope{}, "nonexistent", nil)
	if err != nil {
		t.Fatalf("unknown tool should not be a hard error: %v", err)
	}
	if !res.IsError {
		t.Error("expected an error result for unknown tool")
	}
}

func TestRegistry_LaterRegistrationWins(t *testing.T) {
	reg := NewRegistry()
	reg.Register(mockTool{names: []string{"greet"}})
	reg.Register(overrideTool{})

	res, _ := reg.Execute(context.Background(), ToolScope{}, "greet", nil)
	if res.Content != "override" {
		t.Errorf("got %q, want override", res.Content)
	}
	if got := len(reg.Definitions()); got != 1 {
		t.Errorf("definitions = %d, want 1", got)
	}
}

type overrideTool struct{}

func (overrideTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: "greet"}}
}

func (overrideTool) Execute(context.Context, ToolScope, string, json.RawMessage) (*ToolResult, error) {
	return TextResult("override"), nil
}

func TestRegistry_MarkPaid(t *testing.T) {
	reg := NewRegistry()
	reg.MarkPaid("generate_image", "web_search")
	if !reg.IsPaid("generate_image") || !reg.IsPaid("web_search") {
		t.Error("marked tools not reported paid")
	}
	if reg.IsPaid("render_latex") {
		t.Error("unmarked tool reported paid")
	}
}

func TestRegistry_PreservesToolDuration(t *testing.T) {
	reg := NewRegistry()
	reg.Register(timedTool{})
	res, _ := reg.Execute(context.Background(), ToolScope{}, "timed", nil)
	if res.Duration != 42*time.Second {
		t.Errorf("duration = %v, want tool-reported 42s", res.Duration)
	}
}

type timedTool struct{}

func (timedTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: "timed"}}
}

func (timedTool) Execute(context.Context, ToolScope, string, json.RawMessage) (*ToolResult, error) {
	return &ToolResult{Content: "ok", Duration: 42 * time.Second}, nil
}

func TestErrorResult(t *testing.T) {
	res := ErrorResult("bad input: %d", 7)
	if !res.IsError || res.Content != "bad input: 7" {
		t.Errorf("result = %+v", res)
	}
}
