package bub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// sessionQueueSize bounds inputs waiting behind an in-flight turn.
const sessionQueueSize = 32

// Reply is the session's answer to one input.
type Reply struct {
	Output string
	Exit   bool // interactive caller should stop reading
}

type sessionJob struct {
	ctx   context.Context
	input string
	reply chan replyOutcome
}

type replyOutcome struct {
	reply Reply
	err   error
}

// Session binds one conversation to one tape and serializes its turns.
// Inputs are processed strictly in arrival order; a second input for
// the same session waits behind the first rather than interleaving
// model calls on a shared tape.
type Session struct {
	ID     string
	TapeID string

	loop   *Loop
	store  TapeStore
	tools  *ToolRegistry
	logger *slog.Logger

	jobs chan sessionJob

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// sessionAnchorName scopes the bootstrap anchor registry entry to one
// tape; the anchor entry on the tape itself carries the plain name.
func sessionAnchorName(tapeID string) string {
	return tapeID + "/" + BootstrapAnchor
}

// NewSession opens (or resumes) the session's tape, writing the
// bootstrap anchor on first use, and starts the serialization worker.
func NewSession(ctx context.Context, id string, loop *Loop, store TapeStore, tools *ToolRegistry, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = nopLogger
	}
	s := &Session{
		ID:     id,
		TapeID: id,
		loop:   loop,
		store:  store,
		tools:  tools,
		logger: logger,
		jobs:   make(chan sessionJob, sessionQueueSize),
		done:   make(chan struct{}),
	}
	if err := s.ensureTape(ctx); err != nil {
		return nil, err
	}
	go s.worker()
	return s, nil
}

// ensureTape creates the session tape with its bootstrap anchor, or
// resumes an existing one untouched.
func (s *Session) ensureTape(ctx context.Context) error {
	_, err := s.store.Read(ctx, s.TapeID, 0, 1)
	if err == nil {
		return nil
	}
	var notFound *ErrTapeNotFound
	if !errors.As(err, &notFound) {
		return err
	}

	if _, err := s.store.CreateTape(ctx, s.TapeID, s.ID); err != nil {
		return err
	}
	entry, err := NewAnchorEntry(BootstrapAnchor, nil)
	if err != nil {
		return err
	}
	appended, err := s.store.Append(ctx, s.TapeID, entry)
	if err != nil {
		return err
	}
	if err := s.store.CreateAnchor(ctx, sessionAnchorName(s.TapeID), s.TapeID, appended.ID, nil); err != nil {
		return err
	}
	s.logger.Info("session opened", "session", s.ID, "tape", s.TapeID)
	return nil
}

// HandleInput enqueues one input and blocks until its turn completes.
// Order across concurrent callers is queue order.
func (s *Session) HandleInput(ctx context.Context, input string) (Reply, error) {
	job := sessionJob{ctx: ctx, input: input, reply: make(chan replyOutcome, 1)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Reply{}, errors.New("session closed")
	}
	select {
	case s.jobs <- job:
		s.mu.Unlock()
	default:
		queued := len(s.jobs)
		s.mu.Unlock()
		return Reply{}, &ErrBackpressure{Queued: queued}
	}

	select {
	case out := <-job.reply:
		return out.reply, out.err
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

func (s *Session) worker() {
	defer close(s.done)
	for job := range s.jobs {
		reply, err := s.process(job.ctx, job.input)
		job.reply <- replyOutcome{reply: reply, err: err}
	}
}

// process executes one routed turn. Runs only on the worker goroutine.
func (s *Session) process(ctx context.Context, input string) (Reply, error) {
	route := Route(input)

	switch {
	case route.ExitRequested:
		return Reply{Exit: true}, nil

	case route.ResetContext:
		if err := s.store.Reset(ctx, s.TapeID); err != nil {
			return Reply{}, err
		}
		s.logger.Info("context reset", "session", s.ID)
		return Reply{Output: route.ImmediateOutput}, nil

	case route.Command != "":
		return s.introspect(ctx, route.Command)

	case route.ImmediateOutput != "":
		return Reply{Output: route.ImmediateOutput}, nil
	}

	res, err := s.loop.Run(ctx, s.TapeID, UserMessage(route.ModelPrompt))
	if err != nil {
		var maxSteps *ErrMaxSteps
		if errors.As(err, &maxSteps) {
			return Reply{Output: "error: " + maxSteps.Tag()}, nil
		}
		var timeout *ErrTimeout
		if errors.As(err, &timeout) {
			return Reply{Output: "error: " + timeout.Tag()}, nil
		}
		return Reply{}, err
	}
	return Reply{Output: res.Content}, nil
}

// introspect answers ,tools and ,tape without a model call.
func (s *Session) introspect(ctx context.Context, cmd string) (Reply, error) {
	switch cmd {
	case "tools":
		defs := s.tools.AllDefinitions()
		if len(defs) == 0 {
			return Reply{Output: "no tools registered"}, nil
		}
		var b strings.Builder
		for _, d := range defs {
			fmt.Fprintf(&b, "%s - %s\n", d.Name, d.Description)
		}
		return Reply{Output: strings.TrimRight(b.String(), "\n")}, nil

	case "tape":
		entries, err := s.store.Read(ctx, s.TapeID, 0, 0)
		if err != nil {
			return Reply{}, err
		}
		return Reply{Output: fmt.Sprintf("tape %s: %d entries", s.TapeID, len(entries))}, nil
	}
	return Reply{Output: "unknown command ," + cmd}, nil
}

// Close stops accepting input and waits for the in-flight turn.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.jobs)
	s.mu.Unlock()
	<-s.done
}

// Pending reports inputs queued behind the current turn.
func (s *Session) Pending() int { return len(s.jobs) }
