package bub

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// defaultShutdownGrace bounds how long Shutdown waits for in-flight
// turns before giving up on them.
const defaultShutdownGrace = 5 * time.Second

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithShutdownGrace sets the drain deadline for Shutdown.
func WithShutdownGrace(d time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		if d > 0 {
			s.grace = d
		}
	}
}

// WithSupervisorLogger sets a structured logger for the supervisor.
func WithSupervisorLogger(l *slog.Logger) SupervisorOption {
	return func(s *Supervisor) { s.logger = l }
}

// Supervisor owns the session table. Sessions materialize on first
// input and live until shutdown; each one serializes its own turns, so
// the supervisor only hands out references.
type Supervisor struct {
	loop   *Loop
	store  TapeStore
	tools  *ToolRegistry
	logger *slog.Logger
	grace  time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
	stopped  bool
}

// NewSupervisor wires a supervisor over a shared loop and store.
func NewSupervisor(loop *Loop, store TapeStore, tools *ToolRegistry, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		loop:     loop,
		store:    store,
		tools:    tools,
		logger:   nopLogger,
		grace:    defaultShutdownGrace,
		sessions: make(map[string]*Session),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Session returns the session for id, creating it on first use.
func (s *Supervisor) Session(ctx context.Context, id string) (*Session, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, context.Canceled
	}
	if sess, ok := s.sessions[id]; ok {
		s.mu.Unlock()
		return sess, nil
	}
	s.mu.Unlock()

	// Tape setup happens outside the table lock; losers of the race
	// resume the tape the winner created, which is harmless.
	sess, err := NewSession(ctx, id, s.loop, s.store, s.tools, s.logger)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[id]; ok {
		go sess.Close()
		return existing, nil
	}
	s.sessions[id] = sess
	return sess, nil
}

// ResetSession truncates a session's context back to its bootstrap
// anchor. A session that never took input is a no-op success.
func (s *Supervisor) ResetSession(ctx context.Context, id string) error {
	sess, err := s.Session(ctx, id)
	if err != nil {
		return err
	}
	_, err = sess.HandleInput(ctx, ",reset")
	return err
}

// SessionIDs returns the ids of all live sessions, sorted.
func (s *Supervisor) SessionIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Shutdown stops accepting new sessions and drains live ones. Sessions
// still busy when the grace period lapses are abandoned; their tapes
// hold everything needed to resume.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	draining := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		draining = append(draining, sess)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, sess := range draining {
			wg.Add(1)
			go func(sess *Session) {
				defer wg.Done()
				sess.Close()
			}(sess)
		}
		wg.Wait()
		close(done)
	}()

	grace := time.NewTimer(s.grace)
	defer grace.Stop()
	select {
	case <-done:
		s.logger.Info("all sessions drained", "count", len(draining))
	case <-grace.C:
		s.logger.Warn("shutdown grace lapsed with sessions busy", "count", len(draining))
	case <-ctx.Done():
		s.logger.Warn("shutdown cancelled", "count", len(draining))
	}
}
