// Package http provides the observation and answer surface of ralphd.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/doeixd/opencode-ralph-rlm/internal/logging"
	"github.com/doeixd/opencode-ralph-rlm/internal/qa"
	"github.com/doeixd/opencode-ralph-rlm/internal/supervisor"
	"github.com/doeixd/opencode-ralph-rlm/internal/telemetry"
)

// Server serves loop status, pending questions, and metrics.
type Server struct {
	echo    *echo.Echo
	sup     *supervisor.Supervisor
	qa      *qa.Channel
	metrics *telemetry.Metrics
	logger  *logging.Logger
	config  *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// NewServer creates the HTTP server.
func NewServer(sup *supervisor.Supervisor, channel *qa.Channel, metrics *telemetry.Metrics,
	logger *logging.Logger, cfg *Config) (*Server, error) {
	if sup == nil {
		return nil, fmt.Errorf("supervisor cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9290,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:    e,
		sup:     sup,
		qa:      channel,
		metrics: metrics,
		logger:  logger.Named("http"),
		config:  cfg,
	}

	// Register routes
	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	// Health check
	s.echo.GET("/health", s.handleHealth)

	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}

	// API v1 routes
	v1 := s.echo.Group("/api/v1")
	v1.GET("/status", s.handleStatus)
	if s.qa != nil {
		v1.GET("/questions", s.handleQuestions)
		v1.POST("/questions/:id/answer", s.handleAnswer)
	}
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// StatusResponse is the response body for GET /api/v1/status.
type StatusResponse struct {
	Loop          supervisor.Snapshot `json:"loop"`
	OpenQuestions int                 `json:"openQuestions"`
}

// AnswerRequest is the request body for POST /api/v1/questions/:id/answer.
type AnswerRequest struct {
	Answer string `json:"answer"`
}

// AnswerResponse is the response body for POST /api/v1/questions/:id/answer.
type AnswerResponse struct {
	ID         string `json:"id"`
	Superseded bool   `json:"superseded"`
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleStatus returns the loop snapshot with the open-question count.
func (s *Server) handleStatus(c echo.Context) error {
	resp := StatusResponse{Loop: s.sup.Snapshot()}
	if s.qa != nil {
		resp.OpenQuestions = len(s.qa.Unanswered(c.Request().Context()))
	}
	return c.JSON(http.StatusOK, resp)
}

// handleQuestions lists questions waiting for an answer, oldest first.
func (s *Server) handleQuestions(c echo.Context) error {
	return c.JSON(http.StatusOK, s.qa.Unanswered(c.Request().Context()))
}

// handleAnswer records an answer for a pending question.
func (s *Server) handleAnswer(c echo.Context) error {
	id := c.Param("id")
	var req AnswerRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn(c.Request().Context(), "invalid answer request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Answer == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "answer field is required")
	}

	superseded, err := s.qa.Respond(c.Request().Context(), id, req.Answer)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, AnswerResponse{ID: id, Superseded: superseded})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
