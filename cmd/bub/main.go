// Command bub runs the agent message bus and the tape-backed agent
// runtime.
//
//	bub serve                 start the bus and the agent runtime
//	bub run [flags] [prompt]  one-shot or interactive local session
//
// Exit codes: 0 success, 1 runtime failure, 2 usage error.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	bub "github.com/bublab/bub"
	"github.com/bublab/bub/bus"
	"github.com/bublab/bub/internal/app"
	"github.com/bublab/bub/internal/config"
	"github.com/bublab/bub/observer"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "serve":
		os.Exit(runServe(os.Args[2:]))
	case "run":
		os.Exit(runRun(os.Args[2:]))
	case "-h", "--help", "help":
		usage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "bub: unknown command %q\n", os.Args[1])
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `usage:
  bub serve [-config path]
  bub run   [-config path] [-session id] [-model name] [-workspace dir] [prompt...]
`)
}

func newLogger(filter string) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(filter) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// runServe starts the bus server and the agent runtime against it.
func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("BUB_CONFIG"), "config file path")
	_ = fs.Parse(args)

	cfg := config.Load(*configPath)
	logger := newLogger(cfg.Log.Filter)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var appOpts []app.Option
	serverOpts := []bus.ServerOption{bus.WithServerLogger(logger)}
	if cfg.Observer.Enabled {
		inst, shutdown, err := observer.Init(ctx, "bub")
		if err != nil {
			logger.Error("observer init failed", "error", err)
			return 1
		}
		defer func() { _ = shutdown(context.Background()) }()
		tracer := observer.NewTracer()
		appOpts = append(appOpts, app.WithTracer(tracer), app.WithMetrics(inst))
		serverOpts = append(serverOpts, bus.WithServerTracer(tracer), bus.WithServerMetrics(inst))
	}

	server := bus.NewServer(serverOpts...)
	listener, err := bus.Listen(cfg.Bus.Addr())
	if err != nil {
		logger.Error("bus listen failed", "addr", cfg.Bus.Addr(), "error", err)
		return 1
	}
	go func() {
		if err := server.Serve(ctx, listener); err != nil && ctx.Err() == nil {
			logger.Error("bus server stopped", "error", err)
			stop()
		}
	}()
	logger.Info("bus listening", "addr", cfg.Bus.Addr())

	runtime, err := app.New(cfg, logger, appOpts...)
	if err != nil {
		logger.Error("runtime init failed", "error", err)
		return 1
	}
	defer runtime.Close()

	if err := runtime.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("runtime failed", "error", err)
		return 1
	}
	return 0
}

// runRun drives a local session directly, without the bus: one-shot
// when a prompt is given, interactive otherwise.
func runRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("BUB_CONFIG"), "config file path")
	sessionID := fs.String("session", "cli:local", "session id")
	model := fs.String("model", "", "override the configured model")
	workspace := fs.String("workspace", "", "override the tool workspace")
	_ = fs.Parse(args)

	cfg := config.Load(*configPath)
	if *model != "" {
		cfg.Agent.Model = *model
	}
	if *workspace != "" {
		cfg.Tools.Workspace = *workspace
	}
	logger := newLogger(cfg.Log.Filter)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runtime, err := app.New(cfg, logger)
	if err != nil {
		logger.Error("runtime init failed", "error", err)
		return 1
	}
	defer runtime.Close()

	sess, err := runtime.Supervisor().Session(ctx, *sessionID)
	if err != nil {
		logger.Error("session open failed", "session", *sessionID, "error", err)
		return 1
	}

	if prompt := strings.TrimSpace(strings.Join(fs.Args(), " ")); prompt != "" {
		reply, err := sess.HandleInput(ctx, prompt)
		if err != nil {
			logger.Error("turn failed", "error", err)
			return 1
		}
		fmt.Println(reply.Output)
		return 0
	}

	return interactive(ctx, sess)
}

// interactive reads lines from stdin until EOF or ,quit.
func interactive(ctx context.Context, sess *bub.Session) int {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	fmt.Println("bub — ,help for commands, ,quit to leave")
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return 0
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		reply, err := sess.HandleInput(ctx, line)
		if err != nil {
			if ctx.Err() != nil {
				return 0
			}
			fmt.Fprintln(os.Stderr, "error:", err)
			continue
		}
		if reply.Exit {
			return 0
		}
		if reply.Output != "" {
			fmt.Println(reply.Output)
		}
	}
}
