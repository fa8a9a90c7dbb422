package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	bub "github.com/bublab/bub"
)

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithName overrides the provider name reported in errors and logs.
func WithName(name string) ProviderOption {
	return func(p *Provider) { p.name = name }
}

// WithHTTPClient replaces the default http.Client (tests, proxies).
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *Provider) { p.client = c }
}

// WithTemperature sets the sampling temperature on every request.
func WithTemperature(t float64) ProviderOption {
	return func(p *Provider) { p.temperature = &t }
}

// WithMaxTokens caps the completion length on every request.
func WithMaxTokens(n int) ProviderOption {
	return func(p *Provider) { p.maxTokens = n }
}

// Provider implements bub.Provider over the OpenAI chat completions
// API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string

	temperature *float64
	maxTokens   int
}

var _ bub.Provider = (*Provider)(nil)

// NewProvider creates an OpenAI-compatible chat provider.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "http://localhost:11434/v1"). The /chat/completions path is appended
// automatically.
func NewProvider(apiKey, model, baseURL string, opts ...ProviderOption) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
		name:    "openai",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name (default "openai").
func (p *Provider) Name() string { return p.name }

// Chat sends a non-streaming chat request and returns the complete
// response. When req.Tools is non-empty, the response may contain tool
// calls.
func (p *Provider) Chat(ctx context.Context, req bub.ChatRequest) (bub.ChatResponse, error) {
	body := p.buildBody(req)
	payload, err := json.Marshal(body)
	if err != nil {
		return bub.ChatResponse{}, &bub.ErrLLM{Provider: p.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return bub.ChatResponse{}, &bub.ErrLLM{Provider: p.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return bub.ChatResponse{}, &bub.ErrLLM{Provider: p.name, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return bub.ChatResponse{}, p.httpErr(resp)
	}

	var wire chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return bub.ChatResponse{}, &bub.ErrLLM{Provider: p.name, Message: fmt.Sprintf("decode response: %v", err)}
	}
	return p.parseResponse(wire)
}

// buildBody converts the provider-agnostic request to the wire shape.
func (p *Provider) buildBody(req bub.ChatRequest) chatRequest {
	body := chatRequest{
		Model:       p.model,
		Messages:    make([]message, len(req.Messages)),
		Temperature: p.temperature,
		MaxTokens:   p.maxTokens,
	}
	for i, m := range req.Messages {
		wm := message{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
		for _, tc := range m.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, toolCallWire{
				ID:   tc.ID,
				Type: "function",
				Function: functionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		body.Messages[i] = wm
	}
	for _, d := range req.Tools {
		body.Tools = append(body.Tools, tool{
			Type: "function",
			Function: function{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			},
		})
	}
	return body
}

// parseResponse maps the first choice back to the agnostic shape.
func (p *Provider) parseResponse(wire chatResponse) (bub.ChatResponse, error) {
	if len(wire.Choices) == 0 || wire.Choices[0].Message == nil {
		return bub.ChatResponse{}, &bub.ErrLLM{Provider: p.name, Message: "response has no choices"}
	}
	msg := wire.Choices[0].Message
	if msg.Refusal != "" {
		return bub.ChatResponse{}, &bub.ErrLLM{Provider: p.name, Message: "refusal: " + msg.Refusal}
	}

	out := bub.ChatResponse{Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, bub.ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: bub.FunctionCall{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}
	if wire.Usage != nil {
		out.Usage = bub.Usage{
			InputTokens:  wire.Usage.PromptTokens,
			OutputTokens: wire.Usage.CompletionTokens,
		}
	}
	return out, nil
}

// httpErr reads the response body and returns an ErrHTTP for the retry
// middleware. Parses the Retry-After header when present (429/503).
func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &bub.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       string(body),
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

// parseRetryAfter handles the delay-seconds form of Retry-After. The
// HTTP-date form is rare on LLM APIs and falls back to zero.
func parseRetryAfter(v string) int {
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
