package bub

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// echoProvider answers with the last user message. An optional gate
// holds every call until released; inflight tracks concurrency.
type echoProvider struct {
	gate     chan struct{}
	inflight atomic.Int32
	maxSeen  atomic.Int32
}

func (p *echoProvider) Name() string { return "echo" }

func (p *echoProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	n := p.inflight.Add(1)
	defer p.inflight.Add(-1)
	for {
		seen := p.maxSeen.Load()
		if n <= seen || p.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return ChatResponse{}, ctx.Err()
		}
	}
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			return ChatResponse{Content: "re:" + req.Messages[i].Content}, nil
		}
	}
	return ChatResponse{Content: "re:"}, nil
}

func newTestSession(t *testing.T, id string, provider Provider) (*Session, *memStore) {
	t.Helper()
	store := newMemStore()
	tools := NewToolRegistry()
	loop := NewLoop(provider, tools, store)
	sess, err := NewSession(context.Background(), id, loop, store, tools, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(sess.Close)
	return sess, store
}

func TestSessionBootstrap(t *testing.T) {
	sess, store := newTestSession(t, "cli:1", &echoProvider{})

	entries := mustTape(t, store, sess.TapeID)
	if len(entries) != 1 || entries[0].Kind != KindAnchor {
		t.Fatalf("fresh tape = %v", kinds(entries))
	}
	var p AnchorPayload
	if err := json.Unmarshal(entries[0].Payload, &p); err != nil {
		t.Fatal(err)
	}
	if p.Name != BootstrapAnchor {
		t.Errorf("anchor payload name = %q, want %q", p.Name, BootstrapAnchor)
	}

	a, err := store.GetAnchor(context.Background(), "cli:1/"+BootstrapAnchor)
	if err != nil {
		t.Fatal(err)
	}
	if a.TapeID != "cli:1" || a.EntryID != 1 {
		t.Errorf("registry anchor = %+v", a)
	}
}

func TestSessionResumesExistingTape(t *testing.T) {
	store := newMemStore()
	tools := NewToolRegistry()
	loop := NewLoop(&echoProvider{}, tools, store)

	first, err := NewSession(context.Background(), "cli:1", loop, store, tools, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := first.HandleInput(context.Background(), "hello"); err != nil {
		t.Fatal(err)
	}
	first.Close()
	before := len(mustTape(t, store, "cli:1"))

	second, err := NewSession(context.Background(), "cli:1", loop, store, tools, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()
	if after := len(mustTape(t, store, "cli:1")); after != before {
		t.Errorf("reopen changed the tape: %d -> %d entries", before, after)
	}
}

func TestSessionModelTurn(t *testing.T) {
	sess, store := newTestSession(t, "cli:1", &echoProvider{})

	reply, err := sess.HandleInput(context.Background(), "hello")
	if err != nil {
		t.Fatal(err)
	}
	if reply.Output != "re:hello" {
		t.Errorf("Output = %q", reply.Output)
	}

	// anchor, user message, assistant message, loop.result event
	entries := mustTape(t, store, sess.TapeID)
	want := []string{KindAnchor, KindMessage, KindMessage, KindEvent}
	if got := kinds(entries); !equalStrings(got, want) {
		t.Errorf("tape = %v, want %v", got, want)
	}
}

func TestSessionSerializesTurns(t *testing.T) {
	gate := make(chan struct{})
	provider := &echoProvider{gate: gate}
	sess, _ := newTestSession(t, "cli:1", provider)

	const turns = 4
	var wg sync.WaitGroup
	outputs := make([]string, turns)
	errs := make([]error, turns)
	inputs := []string{"a", "b", "c", "d"}
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var reply Reply
			reply, errs[i] = sess.HandleInput(context.Background(), inputs[i])
			outputs[i] = reply.Output
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	for i := range errs {
		if errs[i] != nil {
			t.Fatalf("turn %d: %v", i, errs[i])
		}
		if outputs[i] != "re:"+inputs[i] {
			t.Errorf("turn %d output = %q", i, outputs[i])
		}
	}
	if peak := provider.maxSeen.Load(); peak != 1 {
		t.Errorf("model concurrency = %d, want 1", peak)
	}
}

func TestSessionResetTruncatesToBootstrap(t *testing.T) {
	sess, store := newTestSession(t, "cli:1", &echoProvider{})

	if _, err := sess.HandleInput(context.Background(), "remember this"); err != nil {
		t.Fatal(err)
	}
	if len(mustTape(t, store, sess.TapeID)) < 2 {
		t.Fatal("turn left nothing on the tape")
	}

	reply, err := sess.HandleInput(context.Background(), ",reset")
	if err != nil {
		t.Fatal(err)
	}
	if reply.Output != "context cleared" {
		t.Errorf("Output = %q", reply.Output)
	}

	entries := mustTape(t, store, sess.TapeID)
	if len(entries) != 1 || entries[0].Kind != KindAnchor {
		t.Errorf("tape after reset = %v", kinds(entries))
	}

	// The session keeps working after reset.
	reply, err = sess.HandleInput(context.Background(), "fresh start")
	if err != nil {
		t.Fatal(err)
	}
	if reply.Output != "re:fresh start" {
		t.Errorf("Output = %q", reply.Output)
	}
}

func TestSessionIntrospectionCommands(t *testing.T) {
	store := newMemStore()
	tools := NewToolRegistry()
	tools.Add(&echoTool{name: "greet"})
	loop := NewLoop(&echoProvider{}, tools, store)
	sess, err := NewSession(context.Background(), "cli:1", loop, store, tools, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()

	reply, err := sess.HandleInput(context.Background(), ",tools")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply.Output, "greet") {
		t.Errorf(",tools output = %q", reply.Output)
	}

	reply, err = sess.HandleInput(context.Background(), ",tape")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply.Output, "cli:1") || !strings.Contains(reply.Output, "1 entries") {
		t.Errorf(",tape output = %q", reply.Output)
	}

	reply, err = sess.HandleInput(context.Background(), ",quit")
	if err != nil {
		t.Fatal(err)
	}
	if !reply.Exit {
		t.Errorf(",quit reply = %+v", reply)
	}
}

func TestSessionBackpressure(t *testing.T) {
	gate := make(chan struct{})
	provider := &echoProvider{gate: gate}
	sess, _ := newTestSession(t, "cli:1", provider)

	// Occupy the worker, then fill the queue.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sess.HandleInput(context.Background(), "busy")
	}()
	deadline := time.Now().Add(2 * time.Second)
	for provider.inflight.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("worker never started the first turn")
		}
		time.Sleep(time.Millisecond)
	}

	for i := 0; i < sessionQueueSize; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess.HandleInput(context.Background(), "queued")
		}()
	}
	for sess.Pending() < sessionQueueSize {
		if time.Now().After(deadline) {
			t.Fatalf("queue never filled: %d", sess.Pending())
		}
		time.Sleep(time.Millisecond)
	}

	_, err := sess.HandleInput(context.Background(), "overflow")
	var bp *ErrBackpressure
	if !errors.As(err, &bp) {
		t.Fatalf("err = %v, want ErrBackpressure", err)
	}
	if bp.Queued != sessionQueueSize {
		t.Errorf("Queued = %d, want %d", bp.Queued, sessionQueueSize)
	}

	close(gate)
	wg.Wait()
}

func TestSessionClosedRejectsInput(t *testing.T) {
	sess, _ := newTestSession(t, "cli:1", &echoProvider{})
	sess.Close()
	if _, err := sess.HandleInput(context.Background(), "hello"); err == nil {
		t.Fatal("expected error after Close")
	}
}
