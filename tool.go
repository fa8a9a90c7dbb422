package bub

import (
	"context"
	"encoding/json"
	"time"
)

// Tool defines an agent capability with one or more tool functions.
type Tool interface {
	Definitions() []ToolDefinition
	Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error)
}

// ToolResult is the outcome of a tool execution. A non-empty Error is a
// tool-level failure: the loop records it as a result value and keeps
// going rather than aborting the turn.
type ToolResult struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// ToolRegistry holds all registered tools and dispatches execution.
type ToolRegistry struct {
	tools    []Tool
	timeouts map[string]time.Duration
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{timeouts: make(map[string]time.Duration)}
}

// Add registers a tool.
func (r *ToolRegistry) Add(t Tool) {
	r.tools = append(r.tools, t)
}

// SetTimeout sets a per-tool execution deadline. Zero means no limit.
func (r *ToolRegistry) SetTimeout(name string, d time.Duration) {
	r.timeouts[name] = d
}

// AllDefinitions returns tool definitions from all registered tools.
func (r *ToolRegistry) AllDefinitions() []ToolDefinition {
	var defs []ToolDefinition
	for _, t := range r.tools {
		defs = append(defs, t.Definitions()...)
	}
	return defs
}

// Execute dispatches a tool call by name, applying the tool's deadline
// when one is configured. Unknown tools and deadline hits come back as
// error-valued results, not Go errors: the model sees them and recovers.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	for _, t := range r.tools {
		for _, d := range t.Definitions() {
			if d.Name != name {
				continue
			}
			if timeout := r.timeouts[name]; timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			res, err := t.Execute(ctx, name, args)
			if err == nil && ctx.Err() == context.DeadlineExceeded {
				return ToolResult{Error: (&ErrTimeout{Stage: "tool"}).Tag()}, nil
			}
			return res, err
		}
	}
	return ToolResult{Error: "unknown tool: " + name}, nil
}
