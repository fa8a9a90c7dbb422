// Package app wires the agent runtime: bus client, tape store, model
// loop, session supervisor, and the bridge between them.
package app

import (
	"context"
	"log/slog"
	"os"

	bub "github.com/bublab/bub"
	"github.com/bublab/bub/bus"
	"github.com/bublab/bub/internal/config"
	"github.com/bublab/bub/provider/openaicompat"
	"github.com/bublab/bub/tools/file"
	"github.com/bublab/bub/tools/shell"
)

// agentClientID is the bus identity the runtime initializes with.
const agentClientID = "agent"

// App is the assembled agent runtime.
type App struct {
	cfg     config.Config
	logger  *slog.Logger
	tracer  bub.Tracer
	metrics bub.Metrics

	client   *bus.Client
	provider bub.Provider
	store    bub.TapeStore
	tools    *bub.ToolRegistry
	loop     *bub.Loop
	sup      *bub.Supervisor
}

// Option adjusts App construction.
type Option func(*App)

// WithTracer threads a tracer through the loop and bus client.
func WithTracer(t bub.Tracer) Option {
	return func(a *App) { a.tracer = t }
}

// WithMetrics threads runtime counters through the loop.
func WithMetrics(m bub.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithProviderOverride swaps the model provider (tests, local models).
func WithProviderOverride(p bub.Provider) Option {
	return func(a *App) { a.provider = p }
}

// New assembles the runtime from config. The tape store is opened here;
// Close releases it.
func New(cfg config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = bub.NopLogger()
	}
	a := &App{cfg: cfg, logger: logger}
	for _, o := range opts {
		o(a)
	}

	store, err := newTapeStore(context.Background(), cfg.Tape, logger)
	if err != nil {
		return nil, err
	}
	a.store = store

	if a.provider == nil {
		a.provider = bub.WithRetry(
			openaicompat.NewProvider(cfg.Agent.APIKey, cfg.Agent.Model, cfg.Agent.BaseURL),
			bub.RetryLogger(logger),
		)
	}

	if err := os.MkdirAll(cfg.Tools.Workspace, 0o755); err != nil {
		return nil, err
	}
	a.tools = bub.NewToolRegistry()
	a.tools.Add(shell.New(cfg.Tools.Workspace, cfg.Tools.ShellTimeout))
	a.tools.Add(file.New(cfg.Tools.Workspace))

	loopOpts := []bub.LoopOption{
		bub.WithMaxSteps(cfg.Agent.MaxSteps),
		bub.WithLoopLogger(logger),
	}
	if a.tracer != nil {
		loopOpts = append(loopOpts, bub.WithLoopTracer(a.tracer))
	}
	if a.metrics != nil {
		loopOpts = append(loopOpts, bub.WithLoopMetrics(a.metrics))
	}
	a.loop = bub.NewLoop(a.provider, a.tools, a.store, loopOpts...)
	a.sup = bub.NewSupervisor(a.loop, a.store, a.tools,
		bub.WithSupervisorLogger(logger))

	a.client = bus.NewClient(cfg.Bus.Addr(),
		bus.WithReconnect(),
		bus.WithClientLogger(logger))
	return a, nil
}

// Tools exposes the registry for extra registrations before Run.
func (a *App) Tools() *bub.ToolRegistry { return a.tools }

// Supervisor exposes the session table (CLI "run" drives it directly).
func (a *App) Supervisor() *bub.Supervisor { return a.sup }

// Run connects to the bus and serves inbound traffic until ctx ends.
func (a *App) Run(ctx context.Context) error {
	if err := a.client.Connect(ctx); err != nil {
		return err
	}
	if err := a.client.Initialize(ctx, agentClientID, nil); err != nil {
		return err
	}
	if err := a.client.OnInbound(ctx, func(msg bub.InboundMessage) {
		go a.handleInbound(ctx, msg)
	}); err != nil {
		return err
	}
	if err := a.client.Subscribe(ctx, "system:*", a.handleSystem); err != nil {
		return err
	}
	a.logger.Info("agent online", "bus", a.cfg.Bus.Addr(), "model", a.cfg.Agent.Model)

	<-ctx.Done()
	return nil
}

// Close drains sessions, disconnects, and releases the store.
func (a *App) Close() {
	shutdownCtx := context.Background()
	a.sup.Shutdown(shutdownCtx)
	_ = a.client.Disconnect()
	_ = a.store.Close()
}
