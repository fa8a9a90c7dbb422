package bub

import "context"

// Provider abstracts the language-model backend behind a single
// capability: given a conversation and tool schemas, return either
// final text or a batch of tool calls.
type Provider interface {
	// Chat sends one turn. When req.Tools is non-empty the response may
	// contain ToolCalls instead of Content.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// Name returns the provider name (e.g. "openai").
	Name() string
}
