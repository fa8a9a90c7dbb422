package bub

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

// sleepTool blocks for its configured duration or the context, whichever
// ends first, and reports success either way.
type sleepTool struct {
	d time.Duration
}

func (s *sleepTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: "slow", Description: "sleeps"}}
}

func (s *sleepTool) Execute(ctx context.Context, _ string, _ json.RawMessage) (ToolResult, error) {
	select {
	case <-time.After(s.d):
	case <-ctx.Done():
	}
	return ToolResult{Content: "woke up"}, nil
}

func TestRegistryAllDefinitions(t *testing.T) {
	r := NewToolRegistry()
	r.Add(&echoTool{name: "a"})
	r.Add(&echoTool{name: "b"})

	defs := r.AllDefinitions()
	if len(defs) != 2 || defs[0].Name != "a" || defs[1].Name != "b" {
		t.Errorf("AllDefinitions = %+v", defs)
	}
}

func TestRegistryUnknownTool(t *testing.T) {
	r := NewToolRegistry()
	res, err := r.Execute(context.Background(), "nope", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Error != "unknown tool: nope" {
		t.Errorf("Error = %q", res.Error)
	}
}

func TestRegistryPerToolTimeout(t *testing.T) {
	r := NewToolRegistry()
	r.Add(&sleepTool{d: time.Second})
	r.SetTimeout("slow", 20*time.Millisecond)

	res, err := r.Execute(context.Background(), "slow", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Error != "timeout:tool" {
		t.Errorf("Error = %q, want timeout:tool", res.Error)
	}
}

func TestRegistryNoTimeoutByDefault(t *testing.T) {
	r := NewToolRegistry()
	r.Add(&sleepTool{d: time.Millisecond})

	res, err := r.Execute(context.Background(), "slow", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != "woke up" || res.Error != "" {
		t.Errorf("result = %+v", res)
	}
}
