// Tetherd bridges chat models to MCP tool servers.
//
// It maintains connections to the configured MCP servers (WebSocket or
// streamable HTTP), reconnects them when they drop, and exposes an HTTP
// API whose chat endpoint runs a multi-turn agentic loop: model turns
// are streamed, requested tool calls are routed to their servers, and
// the whole exchange is delivered as one marker-annotated text stream.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	tetherd serve            Start the daemon
//	tetherd check            Validate the configuration and probe servers
//	tetherd init [dir]       Write an example configuration file
//	tetherd version          Print version and build information
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/voslund/tether/examples"
	"github.com/voslund/tether/internal/agent"
	"github.com/voslund/tether/internal/api"
	"github.com/voslund/tether/internal/audit"
	"github.com/voslund/tether/internal/buildinfo"
	"github.com/voslund/tether/internal/config"
	"github.com/voslund/tether/internal/events"
	"github.com/voslund/tether/internal/llm"
	"github.com/voslund/tether/internal/registry"
)

// main constructs the OS-level environment and delegates to run, so the
// full lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run parses arguments and dispatches. Arguments are parsed by hand:
// the flag package relies on package-level globals, which makes run()
// impossible to call concurrently from tests, and the surface here is
// small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		case !strings.HasPrefix(args[i], "-") && command != "":
			cmdArgs = append(cmdArgs, args[i])
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "check":
		return runCheck(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		_, err := fmt.Fprintln(stdout, buildinfo.String())
		return err
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(w io.Writer) error {
	_, err := fmt.Fprintf(w, `tetherd — MCP tool bridge for chat models

Usage:
  tetherd serve              Start the daemon
  tetherd check              Validate configuration and probe MCP servers
  tetherd init [dir]         Write an example configuration file
  tetherd version            Print version and build information

Flags:
  -config <path>             Configuration file (default: auto-discover)
`)
	return err
}

// runServe wires every component and blocks until a shutdown signal.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, level)
	slog.SetDefault(logger)
	logger.Info("starting tetherd",
		"version", buildinfo.Version,
		"config", cfgPath,
		"servers", len(cfg.Servers),
	)

	bus := events.New()
	reg := registry.NewManager(logger, bus)
	defer reg.Close()

	var recorder agent.Recorder
	var auditStore *audit.Store
	if cfg.AuditDB != "" {
		auditStore, err = audit.NewStore(cfg.AuditDB)
		if err != nil {
			return fmt.Errorf("open audit store: %w", err)
		}
		defer auditStore.Close()
		recorder = auditStore
	}

	completions := llm.NewClient(cfg.Completion, logger)
	loop := agent.NewLoop(cfg.Agent, completions, reg, agent.NewSessions(), recorder, bus, logger)

	servers := registry.ServersFromConfig(cfg.Servers)
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, servers, reg, loop, completions, logger)
	server.SetEventBus(bus)
	if auditStore != nil {
		server.SetAuditStore(auditStore)
	}

	// Connect the configured servers up front so the first chat request
	// does not pay the handshake cost. Partial or total failure is
	// tolerated; the supervisor and later requests will keep trying.
	initCtx, cancelInit := context.WithTimeout(ctx, 30*time.Second)
	if ok, res := reg.EnsureInitialized(initCtx, servers, nil); !ok {
		logger.Warn("initial MCP connection pass failed", "reason", res.Message)
	} else {
		logger.Info("MCP servers connected",
			"connected", len(res.Connected),
			"failed", len(res.Failed),
			"tools", res.ToolCount,
		)
	}
	cancelInit()

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	select {
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api server shutdown", "error", err)
	}
	return nil
}

// runCheck validates the configuration and health-checks every enabled
// server without starting the daemon.
func runCheck(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "config OK: %s\n", cfgPath)

	logger := newLogger(io.Discard, slog.LevelError)
	reg := registry.NewManager(logger, nil)
	defer reg.Close()

	failures := 0
	for _, sc := range registry.ServersFromConfig(cfg.Servers) {
		if !sc.Enabled {
			fmt.Fprintf(stdout, "  %-20s disabled\n", sc.Name)
			continue
		}
		state := reg.RunHealthCheck(ctx, sc, false)
		if state.Status == registry.HealthSuccess {
			fmt.Fprintf(stdout, "  %-20s ok (%s, %d tools, %dms)\n",
				sc.Name, state.Transport, len(state.Tools), state.DurationMS)
			continue
		}
		failures++
		fmt.Fprintf(stdout, "  %-20s FAILED: %s\n", sc.Name, state.Error)
	}

	if failures > 0 {
		return fmt.Errorf("%d server(s) unreachable", failures)
	}
	return nil
}

// runInit writes the example config into dir, refusing to overwrite.
func runInit(stdout io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	path := filepath.Join(dir, "tether.yaml")
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(stdout, "skipped %s (already exists)\n", path)
		return nil
	}

	if err := os.WriteFile(path, examples.ConfigYAML, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(stdout, "created %s\n", path)
	fmt.Fprintln(stdout, "Edit it to point at your completion endpoint and MCP servers.")
	return nil
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
