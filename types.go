package bub

import "encoding/json"

// --- Standard message format (provider-agnostic) ---

// ChatMessage is one message in the provider-agnostic conversation
// shape. Reconstruction (tape.Project) produces these from tape entries
// and providers convert them at their boundary.
type ChatMessage struct {
	Role       string     `json:"role"` // "system", "user", "assistant", "tool"
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolCall is one call descriptor emitted by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"` // always "function"
	Function FunctionCall `json:"function"`
}

// FunctionCall holds the function name and its arguments as a JSON string.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ChatRequest is the input to a Provider turn.
type ChatRequest struct {
	Messages []ChatMessage    `json:"messages"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
}

// ChatResponse is a single model turn: either final text or a batch of
// tool calls, never both.
type ChatResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

// Usage counts tokens consumed by a model call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ToolDefinition describes one callable tool in JSON Schema form.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// --- Domain messages crossing the bus ---

// InboundMessage is a user-originated message entering the system from
// a channel adapter.
type InboundMessage struct {
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
	UserID    string `json:"userId,omitempty"`
	Channel   string `json:"channel"` // "tg", "discord", "cli", ...
	Text      string `json:"text"`
	ReplyToID string `json:"replyToId,omitempty"`
	Mention   bool   `json:"mention,omitempty"`
	Group     bool   `json:"group,omitempty"`
}

// OutboundMessage is an agent-originated message exiting to a channel.
type OutboundMessage struct {
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
	Channel   string `json:"channel"`
	Text      string `json:"text"`
	ReplyToID string `json:"replyToId,omitempty"`
}

// SessionID returns the stable "<channel>:<chat>" identity the runtime
// keys sessions by.
func (m InboundMessage) SessionID() string {
	return m.Channel + ":" + m.ChatID
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}

func ToolResultMessage(callID, name, content string) ChatMessage {
	return ChatMessage{Role: "tool", Content: content, ToolCallID: callID, Name: name}
}
