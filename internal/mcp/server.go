// Package mcp exposes the supervisor protocol as MCP tools.
//
// This implementation uses the MCP SDK (github.com/modelcontextprotocol/go-sdk/mcp)
// and calls internal services directly. Every tool call carries the calling
// session's id; destructive calls pass through the context-load gate first.
package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/doeixd/opencode-ralph-rlm/internal/config"
	"github.com/doeixd/opencode-ralph-rlm/internal/docstore"
	"github.com/doeixd/opencode-ralph-rlm/internal/gate"
	"github.com/doeixd/opencode-ralph-rlm/internal/logging"
	"github.com/doeixd/opencode-ralph-rlm/internal/qa"
	"github.com/doeixd/opencode-ralph-rlm/internal/registry"
	"github.com/doeixd/opencode-ralph-rlm/internal/review"
	"github.com/doeixd/opencode-ralph-rlm/internal/subtask"
	"github.com/doeixd/opencode-ralph-rlm/internal/supervisor"
	"github.com/doeixd/opencode-ralph-rlm/internal/telemetry"
)

// SettingsSource provides live-resolved settings.
type SettingsSource interface {
	Settings() *config.Settings
}

// Server is the MCP tool surface over the supervisor services.
type Server struct {
	mcp      *mcp.Server
	store    docstore.Store
	registry *registry.Registry
	gate     *gate.Gate
	sup      *supervisor.Supervisor
	subtasks *subtask.Manager
	qa       *qa.Channel
	reviews  *review.Manager
	settings SettingsSource
	metrics  *telemetry.Metrics
	logger   *logging.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "ralphd")
	Name string

	// Version is the server version (default: "1.0.0")
	Version string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "ralphd",
		Version: "1.0.0",
	}
}

// NewServer creates the MCP server and registers the tool set.
func NewServer(
	cfg *Config,
	store docstore.Store,
	reg *registry.Registry,
	g *gate.Gate,
	sup *supervisor.Supervisor,
	subtasks *subtask.Manager,
	channel *qa.Channel,
	reviews *review.Manager,
	settings SettingsSource,
	metrics *telemetry.Metrics,
	logger *logging.Logger,
) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("document store is required")
	}
	if reg == nil {
		return nil, fmt.Errorf("session registry is required")
	}
	if g == nil {
		return nil, fmt.Errorf("gate is required")
	}
	if sup == nil {
		return nil, fmt.Errorf("supervisor is required")
	}
	if subtasks == nil {
		return nil, fmt.Errorf("subtask manager is required")
	}
	if channel == nil {
		return nil, fmt.Errorf("qa channel is required")
	}
	if settings == nil {
		return nil, fmt.Errorf("settings source is required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	mcpServer := mcp.NewServer(
		&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		},
		nil,
	)

	s := &Server{
		mcp:      mcpServer,
		store:    store,
		registry: reg,
		gate:     g,
		sup:      sup,
		subtasks: subtasks,
		qa:       channel,
		reviews:  reviews,
		settings: settings,
		metrics:  metrics,
		logger:   logger.Named("mcp"),
	}

	s.registerLoopTools()
	s.registerContextTools()
	s.registerSubtaskTools()
	s.registerCollabTools()

	return s, nil
}

// checkGate runs the destructive-action gate for the calling session.
func (s *Server) checkGate(sessionID, action string) error {
	rec := s.registry.Get(sessionID)
	if err := s.gate.Check(rec, action); err != nil {
		if s.metrics != nil {
			s.metrics.GateRejectionsTotal.Inc()
		}
		return err
	}
	return nil
}

// Run starts the MCP server on the stdio transport.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info(ctx, "starting MCP server on stdio transport")
	transport := &mcp.StdioTransport{}
	if err := s.mcp.Run(ctx, transport); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: text},
		},
	}
}
