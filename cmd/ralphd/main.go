// Ralphd is the attempt-loop supervisor daemon.
//
// It hosts the MCP tool surface for agent sessions, an HTTP API for humans
// watching or answering the loop, and a NATS bridge to the agent runtime
// that owns the actual sessions.
//
// Usage:
//
//	# Start the daemon (HTTP + NATS event bridge)
//	ralphd serve
//
//	# Serve the MCP tool surface on stdio
//	ralphd mcp
//
// Configuration comes from a YAML settings file with RALPH_* environment
// overrides; every numeric setting is clamped into a safe range.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/doeixd/opencode-ralph-rlm/internal/config"
	"github.com/doeixd/opencode-ralph-rlm/internal/docstore"
	"github.com/doeixd/opencode-ralph-rlm/internal/events"
	"github.com/doeixd/opencode-ralph-rlm/internal/gate"
	httpserver "github.com/doeixd/opencode-ralph-rlm/internal/http"
	"github.com/doeixd/opencode-ralph-rlm/internal/logging"
	mcpserver "github.com/doeixd/opencode-ralph-rlm/internal/mcp"
	"github.com/doeixd/opencode-ralph-rlm/internal/notify"
	"github.com/doeixd/opencode-ralph-rlm/internal/qa"
	"github.com/doeixd/opencode-ralph-rlm/internal/registry"
	"github.com/doeixd/opencode-ralph-rlm/internal/review"
	"github.com/doeixd/opencode-ralph-rlm/internal/runner"
	"github.com/doeixd/opencode-ralph-rlm/internal/sessionhost"
	"github.com/doeixd/opencode-ralph-rlm/internal/subtask"
	"github.com/doeixd/opencode-ralph-rlm/internal/supervisor"
	"github.com/doeixd/opencode-ralph-rlm/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var settingsPath string

var rootCmd = &cobra.Command{
	Use:   "ralphd",
	Short: "Attempt-loop supervisor daemon",
	Long: `ralphd supervises verification-gated attempt loops: it spawns strategist
and worker sessions, runs the verification command when a worker settles,
and rolls failed attempts over until the budget runs out or the check passes.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the daemon (HTTP API and NATS event bridge)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(false)
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the MCP tool surface on stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(true)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ralphd\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Commit:     %s\n", gitCommit)
		fmt.Printf("Build Date: %s\n", buildDate)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&settingsPath, "settings", "ralph.yaml", "settings file path")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runDaemon(stdioMCP bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	// Settings resolve before the logger exists, so the bootstrap resolver
	// runs silent and is replaced once logging is up.
	settings := config.NewResolver(settingsPath, nil).Settings()

	logger, err := initLogger(settings)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	resolver := config.NewResolver(settingsPath, logger)
	go resolver.Watch(ctx)

	logger.Info(ctx, "starting ralphd",
		zap.String("version", version),
		zap.String("settings", settingsPath),
		zap.String("doc_root", settings.DocRoot),
		zap.Int("max_attempts", settings.MaxAttempts))

	store, err := docstore.NewFSStore(settings.DocRoot)
	if err != nil {
		return fmt.Errorf("failed to open document store: %w", err)
	}

	var nc *nats.Conn
	if settings.NATSURL != "" {
		nc, err = nats.Connect(settings.NATSURL,
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(1*time.Second),
		)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS at %s: %w", settings.NATSURL, err)
		}
		defer nc.Close()
		logger.Info(ctx, "connected to NATS", zap.String("url", settings.NATSURL))
	} else {
		logger.Warn(ctx, "no NATS url configured: sessions cannot be spawned and idle events will not arrive")
	}

	var host sessionhost.Host
	notifier := notify.Notifier(notify.NewLogNotifier(logger))
	if nc != nil {
		host = sessionhost.NewNATSHost(nc, 0, logger)
		notifier = notify.Multi{notifier, notify.NewNATSNotifier(nc, notify.DefaultSubject, logger)}
	} else {
		host = sessionhost.NewFakeHost()
	}

	reg := registry.New()
	metrics := telemetry.New()
	commandRunner := runner.New(settings.KillGrace, logger)

	subtasks := subtask.NewManager(store, host, reg, resolver, logger)
	channel := qa.NewChannel(store, notifier, resolver, logger)
	channel.SetOpenGauge(metrics.QuestionsOpen)
	reviews := review.NewManager(ctx, store, host, reg, resolver, notifier, logger)
	reviews.SetRunCounter(metrics.ReviewRunsTotal)

	sup := supervisor.New(store, host, reg, commandRunner, resolver, reviews, notifier, metrics, logger)
	defer sup.Close()

	if nc != nil {
		source := events.NewIdleSource(nc, sup.NotifyIdle, logger)
		if err := source.Start(); err != nil {
			return fmt.Errorf("failed to subscribe to idle events: %w", err)
		}
		defer source.Close()
	}

	httpSrv, err := httpserver.NewServer(sup, channel, metrics, logger, &httpserver.Config{
		Host: settings.HTTPHost,
		Port: settings.HTTPPort,
	})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}
	httpErr := make(chan error, 1)
	go func() {
		httpErr <- httpSrv.Start()
	}()

	if stdioMCP {
		mcpSrv, err := mcpserver.NewServer(nil, store, reg, gate.New(settings.GateMessage),
			sup, subtasks, channel, reviews, resolver, metrics, logger)
		if err != nil {
			return fmt.Errorf("failed to create MCP server: %w", err)
		}
		mcpDone := make(chan error, 1)
		go func() {
			mcpDone <- mcpSrv.Run(ctx)
		}()
		select {
		case err := <-mcpDone:
			cancel()
			shutdown(sup, httpSrv, logger)
			return err
		case err := <-httpErr:
			return fmt.Errorf("http server failed: %w", err)
		case <-ctx.Done():
			shutdown(sup, httpSrv, logger)
			return nil
		}
	}

	select {
	case err := <-httpErr:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
		shutdown(sup, httpSrv, logger)
		return nil
	}
}

// shutdown ends the loop, which aborts child sessions and stops in-flight
// verification commands, then drains the HTTP server.
func shutdown(sup *supervisor.Supervisor, httpSrv *httpserver.Server, logger *logging.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := sup.End(ctx); err != nil {
		logger.Debug(ctx, "loop end on shutdown", zap.Error(err))
	}
	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Warn(ctx, "http shutdown failed", zap.Error(err))
	}
	logger.Info(ctx, "shutdown complete")
}

// initLogger builds the structured logger from resolved settings.
func initLogger(settings *config.Settings) (*logging.Logger, error) {
	level, err := logging.LevelFromString(settings.LogLevel)
	if err != nil {
		level, _ = logging.LevelFromString("info")
	}
	return logging.NewLogger(&logging.Config{
		Level:  level,
		Format: settings.LogFormat,
		Caller: true,
		Fields: map[string]string{
			"service": "ralphd",
		},
	})
}
