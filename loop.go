package bub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultMaxSteps     = 20
	defaultModelTimeout = 90 * time.Second
	maxParallelDispatch = 8
)

// LoopResult is the outcome of one model turn.
type LoopResult struct {
	Content string // final assistant text (empty when Err is set)
	Steps   int    // model calls consumed
	Usage   Usage  // summed over all model calls
	Err     string // error tag, e.g. "max_steps_exceeded"
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithMaxSteps caps the number of model calls per turn.
func WithMaxSteps(n int) LoopOption {
	return func(l *Loop) {
		if n > 0 {
			l.maxSteps = n
		}
	}
}

// WithModelTimeout sets the per-call deadline on the provider.
func WithModelTimeout(d time.Duration) LoopOption {
	return func(l *Loop) {
		if d > 0 {
			l.modelTimeout = d
		}
	}
}

// WithLoopLogger sets a structured logger for the loop.
func WithLoopLogger(lg *slog.Logger) LoopOption {
	return func(l *Loop) { l.logger = lg }
}

// WithLoopTracer enables span emission around model and tool stages.
func WithLoopTracer(t Tracer) LoopOption {
	return func(l *Loop) { l.tracer = t }
}

// WithLoopMetrics records turn, model, and tool metrics on m.
func WithLoopMetrics(m Metrics) LoopOption {
	return func(l *Loop) { l.metrics = m }
}

// Loop drives the model turn: project the tape into provider messages,
// call the model, execute any requested tools, and append every step
// back onto the tape. The tape is the only state; the loop itself holds
// none between turns.
type Loop struct {
	provider Provider
	tools    *ToolRegistry
	store    TapeStore

	maxSteps     int
	modelTimeout time.Duration
	logger       *slog.Logger
	tracer       Tracer
	metrics      Metrics
}

// NewLoop wires a loop over a provider, a tool registry, and a tape
// store.
func NewLoop(p Provider, tools *ToolRegistry, store TapeStore, opts ...LoopOption) *Loop {
	l := &Loop{
		provider:     p,
		tools:        tools,
		store:        store,
		maxSteps:     defaultMaxSteps,
		modelTimeout: defaultModelTimeout,
		logger:       nopLogger,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Run appends input to the tape and drives model calls until the model
// answers without tool calls or the step cap is hit. Every intermediate
// step lands on the tape before the next model call, so a crash between
// steps loses nothing. The terminal loop.result event records the
// outcome either way.
func (l *Loop) Run(ctx context.Context, tapeID string, input ChatMessage) (LoopResult, error) {
	inputEntry, err := NewMessageEntry(input)
	if err != nil {
		return LoopResult{}, err
	}
	if _, err := l.store.Append(ctx, tapeID, inputEntry); err != nil {
		return LoopResult{}, err
	}
	return l.resume(ctx, tapeID)
}

// resume drives the loop from whatever is already on the tape. It is
// also the recovery path: a tape ending in an unanswered tool_call or
// a bare user message picks up exactly where it stopped.
func (l *Loop) resume(ctx context.Context, tapeID string) (LoopResult, error) {
	var result LoopResult

	for step := 0; step < l.maxSteps; step++ {
		stepCtx := ctx
		var span Span
		if l.tracer != nil {
			stepCtx, span = l.tracer.Start(ctx, "loop.step",
				StringAttr("tape", tapeID), IntAttr("step", step))
		}

		resp, err := l.modelCall(stepCtx, tapeID)
		if span != nil {
			if err != nil {
				span.Error(err)
			}
			span.End()
		}
		if err != nil {
			l.logger.Error("model call failed", "tape", tapeID, "step", step, "error", err)
			return result, err
		}
		result.Steps = step + 1
		result.Usage.InputTokens += resp.Usage.InputTokens
		result.Usage.OutputTokens += resp.Usage.OutputTokens

		if len(resp.ToolCalls) == 0 {
			result.Content = resp.Content
			if err := l.appendMessage(ctx, tapeID, AssistantMessage(resp.Content)); err != nil {
				return result, err
			}
			return result, l.appendResultEvent(ctx, tapeID, result)
		}

		callEntry, err := NewToolCallEntry(resp.ToolCalls)
		if err != nil {
			return result, err
		}
		if _, err := l.store.Append(ctx, tapeID, callEntry); err != nil {
			return result, err
		}

		results := l.dispatchParallel(ctx, resp.ToolCalls)
		resultEntry, err := NewToolResultEntry(results)
		if err != nil {
			return result, err
		}
		if _, err := l.store.Append(ctx, tapeID, resultEntry); err != nil {
			return result, err
		}
	}

	result.Err = TagMaxStepsExceeded
	l.logger.Warn("step cap exhausted", "tape", tapeID, "max_steps", l.maxSteps)
	if err := l.appendResultEvent(ctx, tapeID, result); err != nil {
		return result, err
	}
	return result, &ErrMaxSteps{Steps: l.maxSteps}
}

// modelCall projects the tape and calls the provider under the model
// deadline.
func (l *Loop) modelCall(ctx context.Context, tapeID string) (ChatResponse, error) {
	entries, err := l.store.Read(ctx, tapeID, 0, 0)
	if err != nil {
		return ChatResponse{}, err
	}
	req := ChatRequest{
		Messages: Project(entries),
		Tools:    l.tools.AllDefinitions(),
	}

	callCtx, cancel := context.WithTimeout(ctx, l.modelTimeout)
	defer cancel()
	start := time.Now()
	resp, err := l.provider.Chat(callCtx, req)
	if l.metrics != nil {
		l.metrics.ModelCall(ctx, l.provider.Name(), time.Since(start))
	}
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return ChatResponse{}, &ErrTimeout{Stage: "model"}
		}
		return ChatResponse{}, err
	}
	return resp, nil
}

func (l *Loop) appendMessage(ctx context.Context, tapeID string, msg ChatMessage) error {
	e, err := NewMessageEntry(msg)
	if err != nil {
		return err
	}
	_, err = l.store.Append(ctx, tapeID, e)
	return err
}

func (l *Loop) appendResultEvent(ctx context.Context, tapeID string, res LoopResult) error {
	if l.metrics != nil {
		l.metrics.TurnCompleted(ctx, res.Steps, res.Usage, res.Err)
	}
	data := map[string]any{"steps": res.Steps}
	if res.Err != "" {
		data["error"] = res.Err
	}
	e, err := NewEventEntry("loop.result", data)
	if err != nil {
		return err
	}
	_, err = l.store.Append(ctx, tapeID, e)
	return err
}

// safeExecute wraps a registry dispatch with panic recovery so a
// misbehaving tool taints its own slot instead of the process.
func (l *Loop) safeExecute(ctx context.Context, tc ToolCall) (res ToolResult) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			res = ToolResult{Error: fmt.Sprintf("tool %q panic: %v", tc.Function.Name, p)}
		}
		if l.metrics != nil {
			l.metrics.ToolExecution(ctx, tc.Function.Name, time.Since(start), res.Error != "")
		}
	}()
	res, err := l.tools.Execute(ctx, tc.Function.Name, json.RawMessage(tc.Function.Arguments))
	if err != nil {
		return ToolResult{Error: err.Error()}
	}
	return res
}

// resultValue flattens a tool outcome into the value recorded on the
// tape: the content for successes, the tagged error string for
// failures. Projection then renders string contents verbatim.
func resultValue(r ToolResult) any {
	if r.Error != "" {
		return TagToolFailed + ": " + r.Error
	}
	return r.Content
}

// indexedResult carries a tool outcome alongside its position in the
// original call slice, allowing channel-based collection in order.
type indexedResult struct {
	idx    int
	result ToolResult
}

// dispatchParallel runs all tool calls concurrently and returns results
// in the same order as the input calls. Single calls run inline. Multiple
// calls use a fixed worker pool of min(len(calls), maxParallelDispatch)
// goroutines pulling from a shared work channel.
//
// Collection is context-aware: if ctx is cancelled while calls are still
// in flight, incomplete slots are filled with the context error instead
// of blocking indefinitely.
func (l *Loop) dispatchParallel(ctx context.Context, calls []ToolCall) []any {
	if len(calls) == 1 {
		return []any{resultValue(l.safeExecute(ctx, calls[0]))}
	}

	type workItem struct {
		idx int
		tc  ToolCall
	}
	workCh := make(chan workItem, len(calls))
	for i, tc := range calls {
		workCh <- workItem{idx: i, tc: tc}
	}
	close(workCh)

	resultCh := make(chan indexedResult, len(calls))
	numWorkers := min(len(calls), maxParallelDispatch)
	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for range numWorkers {
		go func() {
			defer wg.Done()
			for w := range workCh {
				if ctx.Err() != nil {
					resultCh <- indexedResult{w.idx, ToolResult{Error: ctx.Err().Error()}}
					continue
				}
				resultCh <- indexedResult{w.idx, l.safeExecute(ctx, w.tc)}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(resultCh)
	}()

	results := make([]ToolResult, len(calls))
	filled := make([]bool, len(calls))
collect:
	for received := 0; received < len(calls); received++ {
		select {
		case r, ok := <-resultCh:
			if !ok {
				break collect
			}
			results[r.idx] = r.result
			filled[r.idx] = true
		case <-ctx.Done():
			break collect
		}
	}
	for i := range results {
		if !filled[i] {
			reason := "cancelled"
			if err := ctx.Err(); err != nil {
				reason = err.Error()
			}
			results[i] = ToolResult{Error: reason}
		}
	}

	out := make([]any, len(results))
	for i, r := range results {
		out[i] = resultValue(r)
	}
	return out
}
