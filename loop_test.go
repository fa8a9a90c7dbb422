package bub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// --- shared test doubles ---

// mockProvider is a test Provider that returns canned responses.
type mockProvider struct {
	name      string
	responses []ChatResponse // popped in order
	mu        sync.Mutex
	idx       int
	calls     int
}

func (m *mockProvider) Name() string { return m.name }

func (m *mockProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.idx >= len(m.responses) {
		return ChatResponse{Content: "exhausted"}, nil
	}
	resp := m.responses[m.idx]
	m.idx++
	return resp, nil
}

// memStore is an in-memory TapeStore for loop, session, and supervisor
// tests. Forks copy the shared prefix; the real stores stitch instead,
// but the visible semantics are the same.
type memStore struct {
	mu      sync.Mutex
	tapes   map[string]*memTape
	anchors map[string]Anchor
}

type memTape struct {
	info    TapeInfo
	entries []Entry
}

func newMemStore() *memStore {
	return &memStore{
		tapes:   make(map[string]*memTape),
		anchors: make(map[string]Anchor),
	}
}

var _ TapeStore = (*memStore)(nil)

func (s *memStore) activeLocked(tapeID string) (*memTape, error) {
	t, ok := s.tapes[tapeID]
	if !ok || t.info.Archived {
		return nil, &ErrTapeNotFound{TapeID: tapeID}
	}
	return t, nil
}

func (s *memStore) CreateTape(_ context.Context, tapeID, title string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tapeID == "" {
		tapeID = NewID()
	}
	if _, ok := s.tapes[tapeID]; ok {
		return "", fmt.Errorf("tape %s already exists", tapeID)
	}
	s.tapes[tapeID] = &memTape{info: TapeInfo{TapeID: tapeID, Title: title}}
	return tapeID, nil
}

func (s *memStore) Append(_ context.Context, tapeID string, e Entry) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.activeLocked(tapeID)
	if err != nil {
		return Entry{}, err
	}
	e.ID = 1
	if n := len(t.entries); n > 0 {
		e.ID = t.entries[n-1].ID + 1
	} else if t.info.Parent != nil {
		e.ID = t.info.Parent.SplitEntryID + 1
	}
	t.entries = append(t.entries, e)
	return e, nil
}

func (s *memStore) Read(_ context.Context, tapeID string, fromID, toID int64) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.activeLocked(tapeID)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range t.entries {
		if e.ID < fromID {
			continue
		}
		if toID > 0 && e.ID >= toID {
			break
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *memStore) Fork(ctx context.Context, sourceTapeID string, opts ForkOpts) (string, error) {
	s.mu.Lock()
	src, err := s.activeLocked(sourceTapeID)
	if err != nil {
		s.mu.Unlock()
		return "", err
	}
	tail := int64(0)
	if n := len(src.entries); n > 0 {
		tail = src.entries[n-1].ID
	}
	s.mu.Unlock()

	split, err := ResolveFork(ctx, s, sourceTapeID, opts, tail)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	newID := opts.NewTapeID
	if newID == "" {
		newID = NewID()
	}
	if _, ok := s.tapes[newID]; ok {
		return "", fmt.Errorf("tape %s already exists", newID)
	}
	child := &memTape{info: TapeInfo{
		TapeID: newID,
		Parent: &TapeParent{SourceTapeID: sourceTapeID, SplitEntryID: split},
	}}
	for _, e := range src.entries {
		if e.ID <= split {
			child.entries = append(child.entries, e)
		}
	}
	s.tapes[newID] = child
	return newID, nil
}

func (s *memStore) CreateAnchor(_ context.Context, name, tapeID string, entryID int64, state map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.activeLocked(tapeID); err != nil {
		return err
	}
	s.anchors[name] = Anchor{Name: name, TapeID: tapeID, EntryID: entryID, State: state}
	return nil
}

func (s *memStore) GetAnchor(_ context.Context, name string) (Anchor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.anchors[name]
	if !ok {
		return Anchor{}, &ErrAnchorNotFound{Name: name}
	}
	return a, nil
}

func (s *memStore) ListAnchors(context.Context) ([]Anchor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Anchor, 0, len(s.anchors))
	for _, a := range s.anchors {
		out = append(out, a)
	}
	return out, nil
}

func (s *memStore) ResolveAnchor(ctx context.Context, name string) (int64, error) {
	a, err := s.GetAnchor(ctx, name)
	if err != nil {
		return 0, err
	}
	return a.EntryID, nil
}

func (s *memStore) DeleteAnchor(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.anchors[name]; !ok {
		return &ErrAnchorNotFound{Name: name}
	}
	delete(s.anchors, name)
	return nil
}

func (s *memStore) Tapes(context.Context) ([]TapeInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []TapeInfo
	for _, t := range s.tapes {
		if !t.info.Archived {
			out = append(out, t.info)
		}
	}
	return out, nil
}

func (s *memStore) Archive(_ context.Context, tapeID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.activeLocked(tapeID)
	if err != nil {
		return "", err
	}
	t.info.Archived = true
	for name, a := range s.anchors {
		if a.TapeID == tapeID {
			delete(s.anchors, name)
		}
	}
	return "", nil
}

func (s *memStore) Reset(_ context.Context, tapeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.activeLocked(tapeID)
	if err != nil {
		return err
	}
	bootstrapID := int64(0)
	for _, e := range t.entries {
		if e.Kind == KindAnchor {
			bootstrapID = e.ID
			break
		}
	}
	kept := t.entries[:0]
	for _, e := range t.entries {
		if e.ID <= bootstrapID {
			kept = append(kept, e)
		}
	}
	t.entries = kept
	for name, a := range s.anchors {
		if a.TapeID == tapeID && a.EntryID > bootstrapID {
			delete(s.anchors, name)
		}
	}
	return nil
}

func (s *memStore) Close() error { return nil }

// echoTool answers any call with its raw arguments.
type echoTool struct {
	name string
}

func (e *echoTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: e.name, Description: "echoes arguments"}}
}

func (e *echoTool) Execute(_ context.Context, _ string, args json.RawMessage) (ToolResult, error) {
	return ToolResult{Content: "echo:" + string(args)}, nil
}

func call(id, name, args string) ToolCall {
	return ToolCall{ID: id, Type: "function", Function: FunctionCall{Name: name, Arguments: args}}
}

func mustTape(t *testing.T, store TapeStore, tapeID string) []Entry {
	t.Helper()
	entries, err := store.Read(context.Background(), tapeID, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	return entries
}

func kinds(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Kind
	}
	return out
}

// --- loop tests ---

func TestLoopSimpleTurn(t *testing.T) {
	store := newMemStore()
	if _, err := store.CreateTape(context.Background(), "t1", ""); err != nil {
		t.Fatal(err)
	}
	provider := &mockProvider{
		name: "test",
		responses: []ChatResponse{
			{Content: "hi there", Usage: Usage{InputTokens: 5, OutputTokens: 7}},
		},
	}
	loop := NewLoop(provider, NewToolRegistry(), store)

	res, err := loop.Run(context.Background(), "t1", UserMessage("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != "hi there" {
		t.Errorf("Content = %q, want %q", res.Content, "hi there")
	}
	if res.Steps != 1 {
		t.Errorf("Steps = %d, want 1", res.Steps)
	}
	if res.Usage.InputTokens != 5 || res.Usage.OutputTokens != 7 {
		t.Errorf("Usage = %+v", res.Usage)
	}

	entries := mustTape(t, store, "t1")
	want := []string{KindMessage, KindMessage, KindEvent}
	if got := kinds(entries); !equalStrings(got, want) {
		t.Fatalf("tape kinds = %v, want %v", got, want)
	}
	var ev EventPayload
	if err := json.Unmarshal(entries[2].Payload, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Name != "loop.result" {
		t.Errorf("event name = %q, want loop.result", ev.Name)
	}
}

func TestLoopToolTurn(t *testing.T) {
	store := newMemStore()
	store.CreateTape(context.Background(), "t1", "")
	tools := NewToolRegistry()
	tools.Add(&echoTool{name: "greet"})
	provider := &mockProvider{
		name: "test",
		responses: []ChatResponse{
			{ToolCalls: []ToolCall{call("1", "greet", `{"name":"world"}`)}},
			{Content: "done"},
		},
	}
	loop := NewLoop(provider, tools, store)

	res, err := loop.Run(context.Background(), "t1", UserMessage("greet the world"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != "done" {
		t.Errorf("Content = %q, want %q", res.Content, "done")
	}
	if res.Steps != 2 {
		t.Errorf("Steps = %d, want 2", res.Steps)
	}

	entries := mustTape(t, store, "t1")
	want := []string{KindMessage, KindToolCall, KindToolResult, KindMessage, KindEvent}
	if got := kinds(entries); !equalStrings(got, want) {
		t.Fatalf("tape kinds = %v, want %v", got, want)
	}

	var p ToolResultPayload
	if err := json.Unmarshal(entries[2].Payload, &p); err != nil {
		t.Fatal(err)
	}
	if len(p.Results) != 1 {
		t.Fatalf("results = %d, want 1", len(p.Results))
	}
	var content string
	if err := json.Unmarshal(p.Results[0], &content); err != nil {
		t.Fatal(err)
	}
	if content != `echo:{"name":"world"}` {
		t.Errorf("tool result = %q", content)
	}
}

// sumTool answers every call with "7".
type sumTool struct{}

func (sumTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: "add", Description: "adds numbers"}}
}

func (sumTool) Execute(context.Context, string, json.RawMessage) (ToolResult, error) {
	return ToolResult{Content: "7"}, nil
}

func TestLoopToolResultProjectsVerbatim(t *testing.T) {
	// The tape records the tool's content string, not a wrapper, so the
	// projected tool message carries it verbatim.
	store := newMemStore()
	store.CreateTape(context.Background(), "t1", "")
	tools := NewToolRegistry()
	tools.Add(sumTool{})
	provider := &mockProvider{
		name: "test",
		responses: []ChatResponse{
			{ToolCalls: []ToolCall{call("c1", "add", `{"a":3,"b":4}`)}},
			{Content: "7"},
		},
	}
	loop := NewLoop(provider, tools, store)

	res, err := loop.Run(context.Background(), "t1", UserMessage("sum 3 4"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != "7" || res.Steps != 2 {
		t.Errorf("result = %+v", res)
	}

	got := Project(mustTape(t, store, "t1"))
	if len(got) != 4 {
		t.Fatalf("projected = %d messages, want 4: %+v", len(got), got)
	}
	if got[1].Role != "assistant" || len(got[1].ToolCalls) != 1 || got[1].ToolCalls[0].ID != "c1" {
		t.Errorf("assistant turn = %+v", got[1])
	}
	if got[2].Role != "tool" || got[2].ToolCallID != "c1" || got[2].Content != "7" {
		t.Errorf("tool message = %+v", got[2])
	}
	if got[3].Role != "assistant" || got[3].Content != "7" {
		t.Errorf("final turn = %+v", got[3])
	}
}

// barrierTool blocks each Execute until all concurrent calls have
// started. Sequential dispatch deadlocks (caught by the test timeout).
type barrierTool struct {
	name    string
	barrier chan struct{}
	started chan struct{}
}

func (b *barrierTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: b.name, Description: "barrier tool"}}
}

func (b *barrierTool) Execute(_ context.Context, _ string, _ json.RawMessage) (ToolResult, error) {
	b.started <- struct{}{}
	<-b.barrier
	return ToolResult{Content: "done from " + b.name}, nil
}

func TestLoopParallelToolExecution(t *testing.T) {
	const numTools = 3
	barrier := make(chan struct{})
	started := make(chan struct{}, numTools)

	store := newMemStore()
	store.CreateTape(context.Background(), "t1", "")
	tools := NewToolRegistry()
	var calls []ToolCall
	for i := 0; i < numTools; i++ {
		name := fmt.Sprintf("tool_%d", i)
		tools.Add(&barrierTool{name: name, barrier: barrier, started: started})
		calls = append(calls, call(fmt.Sprintf("%d", i+1), name, `{}`))
	}

	provider := &mockProvider{
		name: "test",
		responses: []ChatResponse{
			{ToolCalls: calls},
			{Content: "all tools completed"},
		},
	}
	loop := NewLoop(provider, tools, store)

	done := make(chan struct{})
	var res LoopResult
	var runErr error
	go func() {
		res, runErr = loop.Run(context.Background(), "t1", UserMessage("go"))
		close(done)
	}()

	for i := 0; i < numTools; i++ {
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatal("tool did not start, dispatch likely sequential")
		}
	}
	close(barrier)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not finish in time")
	}
	if runErr != nil {
		t.Fatal(runErr)
	}
	if res.Content != "all tools completed" {
		t.Errorf("Content = %q", res.Content)
	}

	// Results must line up index for index with the calls.
	entries := mustTape(t, store, "t1")
	var p ToolResultPayload
	for _, e := range entries {
		if e.Kind == KindToolResult {
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				t.Fatal(err)
			}
			break
		}
	}
	if len(p.Results) != numTools {
		t.Fatalf("results = %d, want %d", len(p.Results), numTools)
	}
	for i, raw := range p.Results {
		var content string
		if err := json.Unmarshal(raw, &content); err != nil {
			t.Fatal(err)
		}
		want := fmt.Sprintf("done from tool_%d", i)
		if content != want {
			t.Errorf("result[%d] = %q, want %q", i, content, want)
		}
	}
}

// repeatProvider returns the same response forever.
type repeatProvider struct {
	resp ChatResponse
}

func (p *repeatProvider) Name() string { return "repeat" }
func (p *repeatProvider) Chat(context.Context, ChatRequest) (ChatResponse, error) {
	return p.resp, nil
}

func TestLoopMaxSteps(t *testing.T) {
	store := newMemStore()
	store.CreateTape(context.Background(), "t1", "")
	tools := NewToolRegistry()
	tools.Add(&echoTool{name: "spin"})
	provider := &repeatProvider{resp: ChatResponse{
		ToolCalls: []ToolCall{call("1", "spin", `{}`)},
	}}
	loop := NewLoop(provider, tools, store, WithMaxSteps(3))

	res, err := loop.Run(context.Background(), "t1", UserMessage("loop forever"))
	var maxErr *ErrMaxSteps
	if !errors.As(err, &maxErr) {
		t.Fatalf("err = %v, want ErrMaxSteps", err)
	}
	if maxErr.Tag() != TagMaxStepsExceeded {
		t.Errorf("Tag = %q", maxErr.Tag())
	}
	if res.Steps != 3 {
		t.Errorf("Steps = %d, want 3", res.Steps)
	}
	if res.Err != TagMaxStepsExceeded {
		t.Errorf("Err = %q", res.Err)
	}

	// Terminal event carries the error tag.
	entries := mustTape(t, store, "t1")
	last := entries[len(entries)-1]
	if last.Kind != KindEvent {
		t.Fatalf("last entry kind = %q, want event", last.Kind)
	}
	var ev EventPayload
	if err := json.Unmarshal(last.Payload, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Data["error"] != TagMaxStepsExceeded {
		t.Errorf("event error = %v", ev.Data["error"])
	}
}

// stuckProvider never answers before the context expires.
type stuckProvider struct{}

func (stuckProvider) Name() string { return "stuck" }
func (stuckProvider) Chat(ctx context.Context, _ ChatRequest) (ChatResponse, error) {
	<-ctx.Done()
	return ChatResponse{}, ctx.Err()
}

func TestLoopModelTimeout(t *testing.T) {
	store := newMemStore()
	store.CreateTape(context.Background(), "t1", "")
	loop := NewLoop(stuckProvider{}, NewToolRegistry(), store,
		WithModelTimeout(30*time.Millisecond))

	_, err := loop.Run(context.Background(), "t1", UserMessage("hello"))
	var timeout *ErrTimeout
	if !errors.As(err, &timeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if timeout.Tag() != "timeout:model" {
		t.Errorf("Tag = %q, want timeout:model", timeout.Tag())
	}
}

// panicTool panics on every call.
type panicTool struct{}

func (panicTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: "boom", Description: "panics"}}
}

func (panicTool) Execute(context.Context, string, json.RawMessage) (ToolResult, error) {
	panic("kaboom")
}

func TestLoopToolPanicRecovered(t *testing.T) {
	store := newMemStore()
	store.CreateTape(context.Background(), "t1", "")
	tools := NewToolRegistry()
	tools.Add(panicTool{})
	provider := &mockProvider{
		name: "test",
		responses: []ChatResponse{
			{ToolCalls: []ToolCall{call("1", "boom", `{}`)}},
			{Content: "recovered fine"},
		},
	}
	loop := NewLoop(provider, tools, store)

	res, err := loop.Run(context.Background(), "t1", UserMessage("try it"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != "recovered fine" {
		t.Errorf("Content = %q", res.Content)
	}

	entries := mustTape(t, store, "t1")
	var p ToolResultPayload
	for _, e := range entries {
		if e.Kind == KindToolResult {
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				t.Fatal(err)
			}
		}
	}
	var content string
	if err := json.Unmarshal(p.Results[0], &content); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(content, TagToolFailed+":") {
		t.Errorf("result = %q, want %s tag", content, TagToolFailed)
	}
	if !strings.Contains(content, "panic") {
		t.Errorf("result = %q, want panic mention", content)
	}
}

// recordingMetrics captures every Metrics hook invocation.
type recordingMetrics struct {
	mu         sync.Mutex
	modelCalls []string // provider per model call
	toolNames  []string
	toolFailed []bool
	turns      []LoopResult // steps, usage, err tag per completed turn
	delivered  int
	dropped    int
}

func (m *recordingMetrics) BusDelivered(_ context.Context, _ string, recipients int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delivered += recipients
}

func (m *recordingMetrics) BusDropped(context.Context, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped++
}

func (m *recordingMetrics) TurnCompleted(_ context.Context, steps int, usage Usage, errTag string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = append(m.turns, LoopResult{Steps: steps, Usage: usage, Err: errTag})
}

func (m *recordingMetrics) ModelCall(_ context.Context, provider string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modelCalls = append(m.modelCalls, provider)
}

func (m *recordingMetrics) ToolExecution(_ context.Context, tool string, _ time.Duration, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.toolNames = append(m.toolNames, tool)
	m.toolFailed = append(m.toolFailed, failed)
}

func TestLoopRecordsMetrics(t *testing.T) {
	store := newMemStore()
	store.CreateTape(context.Background(), "t1", "")
	tools := NewToolRegistry()
	tools.Add(&echoTool{name: "greet"})
	provider := &mockProvider{
		name: "test",
		responses: []ChatResponse{
			{ToolCalls: []ToolCall{call("1", "greet", `{}`)}, Usage: Usage{InputTokens: 10, OutputTokens: 2}},
			{Content: "done", Usage: Usage{InputTokens: 20, OutputTokens: 3}},
		},
	}
	rec := &recordingMetrics{}
	loop := NewLoop(provider, tools, store, WithLoopMetrics(rec))

	if _, err := loop.Run(context.Background(), "t1", UserMessage("go")); err != nil {
		t.Fatal(err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.modelCalls) != 2 || rec.modelCalls[0] != "test" {
		t.Errorf("model calls = %v, want two from %q", rec.modelCalls, "test")
	}
	if len(rec.toolNames) != 1 || rec.toolNames[0] != "greet" || rec.toolFailed[0] {
		t.Errorf("tool executions = %v failed=%v", rec.toolNames, rec.toolFailed)
	}
	if len(rec.turns) != 1 {
		t.Fatalf("turns = %d, want 1", len(rec.turns))
	}
	turn := rec.turns[0]
	if turn.Steps != 2 || turn.Err != "" {
		t.Errorf("turn = %+v", turn)
	}
	if turn.Usage.InputTokens != 30 || turn.Usage.OutputTokens != 5 {
		t.Errorf("usage = %+v, want summed token counts", turn.Usage)
	}
}

func TestLoopRecordsMetricsOnStepCap(t *testing.T) {
	store := newMemStore()
	store.CreateTape(context.Background(), "t1", "")
	tools := NewToolRegistry()
	tools.Add(&echoTool{name: "spin"})
	provider := &repeatProvider{resp: ChatResponse{
		ToolCalls: []ToolCall{call("1", "spin", `{}`)},
	}}
	rec := &recordingMetrics{}
	loop := NewLoop(provider, tools, store, WithMaxSteps(2), WithLoopMetrics(rec))

	_, err := loop.Run(context.Background(), "t1", UserMessage("loop forever"))
	var maxErr *ErrMaxSteps
	if !errors.As(err, &maxErr) {
		t.Fatalf("err = %v, want ErrMaxSteps", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.turns) != 1 {
		t.Fatalf("turns = %d, want 1", len(rec.turns))
	}
	if rec.turns[0].Err != TagMaxStepsExceeded {
		t.Errorf("turn err = %q, want %q", rec.turns[0].Err, TagMaxStepsExceeded)
	}
	if rec.turns[0].Steps != 2 {
		t.Errorf("turn steps = %d, want 2", rec.turns[0].Steps)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
