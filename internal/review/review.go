// Package review runs the optional secondary check pass.
//
// Gating state (per-attempt requests and run counts) is mirrored to a JSON
// document after every mutation so a restarted process resumes correct
// decisions; live session ids are not trusted across restarts.
package review

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/doeixd/opencode-ralph-rlm/internal/config"
	"github.com/doeixd/opencode-ralph-rlm/internal/docstore"
	"github.com/doeixd/opencode-ralph-rlm/internal/logging"
	"github.com/doeixd/opencode-ralph-rlm/internal/notify"
	"github.com/doeixd/opencode-ralph-rlm/internal/registry"
	"github.com/doeixd/opencode-ralph-rlm/internal/sessionhost"
	"github.com/doeixd/opencode-ralph-rlm/internal/subtask"
)

// StatePath is the gating mirror document path inside the store.
const StatePath = "review-state.json"

// attemptState is the per-attempt gating record.
type attemptState struct {
	Requested bool   `json:"requested"`
	Note      string `json:"note,omitempty"`
	RunCount  int    `json:"runCount"`
}

// ActiveReview describes the single in-flight review, if any.
type ActiveReview struct {
	Name       string `json:"name"`
	Attempt    int    `json:"attempt"`
	SessionID  string `json:"sessionId"`
	OutputPath string `json:"outputPath"`
}

// persisted is the wire shape of the disk mirror.
type persisted struct {
	Attempts map[string]attemptState `json:"attempts"`
	Active   *ActiveReview           `json:"active,omitempty"`
}

// SettingsSource provides live-resolved settings.
type SettingsSource interface {
	Settings() *config.Settings
}

// Counter is the completed-runs metric hook. prometheus.Counter satisfies it.
type Counter interface {
	Inc()
}

// Manager owns review gating and execution.
type Manager struct {
	store    docstore.Store
	host     sessionhost.Host
	registry *registry.Registry
	settings SettingsSource
	notifier notify.Notifier
	logger   *logging.Logger
	runs     Counter

	mu       sync.Mutex
	attempts map[int]attemptState
	active   *ActiveReview
}

// NewManager creates a review manager and loads the persisted gating state.
// An active review recorded before a restart is discarded: its session id
// belongs to a process that no longer exists.
func NewManager(ctx context.Context, store docstore.Store, host sessionhost.Host, reg *registry.Registry,
	settings SettingsSource, notifier notify.Notifier, logger *logging.Logger) *Manager {
	if notifier == nil {
		notifier = notify.NewLogNotifier(logger)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	m := &Manager{
		store:    store,
		host:     host,
		registry: reg,
		settings: settings,
		notifier: notifier,
		logger:   logger.Named("review"),
		attempts: make(map[int]attemptState),
	}
	m.load(ctx)
	return m
}

// SetRunCounter wires the completed-runs counter. Optional.
func (m *Manager) SetRunCounter(c Counter) {
	m.runs = c
}

func (m *Manager) load(ctx context.Context) {
	content, err := m.store.Read(ctx, StatePath)
	if err != nil {
		return
	}
	var p persisted
	if err := json.Unmarshal([]byte(content), &p); err != nil {
		m.logger.Warn(ctx, "review state unreadable, starting fresh", zap.Error(err))
		return
	}
	for key, state := range p.Attempts {
		attempt, err := strconv.Atoi(key)
		if err != nil {
			continue
		}
		m.attempts[attempt] = state
	}
	if p.Active != nil {
		m.logger.Warn(ctx, "discarding pre-restart active review",
			zap.String("name", p.Active.Name), zap.Int("attempt", p.Active.Attempt))
	}
}

// persistLocked rewrites the mirror wholesale. Callers hold m.mu.
func (m *Manager) persistLocked(ctx context.Context) {
	p := persisted{Attempts: make(map[string]attemptState, len(m.attempts)), Active: m.active}
	for attempt, state := range m.attempts {
		p.Attempts[strconv.Itoa(attempt)] = state
	}
	payload, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return
	}
	if err := m.store.Write(ctx, StatePath, string(payload)); err != nil {
		m.logger.Warn(ctx, "review state write failed", zap.Error(err))
	}
}

// RequestReview marks an attempt ready for review.
func (m *Manager) RequestReview(ctx context.Context, attempt int, note string) error {
	if attempt < 1 {
		return fmt.Errorf("invalid attempt %d", attempt)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.attempts[attempt]
	state.Requested = true
	state.Note = note
	m.attempts[attempt] = state
	m.persistLocked(ctx)

	m.logger.Info(ctx, "review requested", zap.Int("attempt", attempt))
	return nil
}

// checkGateLocked validates the enabled/readiness/quota gates for the
// attempt. Callers hold m.mu.
func (m *Manager) checkGateLocked(attempt int, force bool, s *config.Settings) error {
	if force {
		return nil
	}
	if !s.ReviewerEnabled {
		return fmt.Errorf("reviews are disabled in settings (use force to override)")
	}
	state := m.attempts[attempt]
	if s.ReviewerRequireExplicitReady && !state.Requested {
		return fmt.Errorf(
			"review for attempt %d not requested: call review_request first or force", attempt)
	}
	if state.RunCount >= s.ReviewRunsPerAttempt {
		return fmt.Errorf(
			"review quota reached for attempt %d: %d of %d runs used", attempt, state.RunCount, s.ReviewRunsPerAttempt)
	}
	return nil
}

// RunReview starts a review for the attempt, subject to gating. force
// bypasses the enabled/readiness/quota checks; wait polls an already-active
// review to completion before starting.
func (m *Manager) RunReview(ctx context.Context, attempt int, force, wait bool) (ActiveReview, error) {
	s := m.settings.Settings()

	m.mu.Lock()
	if err := m.checkGateLocked(attempt, force, s); err != nil {
		m.mu.Unlock()
		return ActiveReview{}, err
	}
	active := m.active
	m.mu.Unlock()

	if active != nil {
		if !wait {
			return ActiveReview{}, fmt.Errorf("review %q is already running for attempt %d",
				active.Name, active.Attempt)
		}
		if err := m.waitForActive(ctx, s.QAPollInterval); err != nil {
			return ActiveReview{}, err
		}
	}

	return m.start(ctx, attempt, force)
}

func (m *Manager) waitForActive(ctx context.Context, poll time.Duration) error {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for active review: %w", ctx.Err())
		case <-ticker.C:
			m.CheckActive(ctx)
			m.mu.Lock()
			done := m.active == nil
			m.mu.Unlock()
			if done {
				return nil
			}
		}
	}
}

func (m *Manager) start(ctx context.Context, attempt int, force bool) (ActiveReview, error) {
	s := m.settings.Settings()
	m.mu.Lock()
	if m.active != nil {
		name := m.active.Name
		m.mu.Unlock()
		return ActiveReview{}, fmt.Errorf("review %q is already running", name)
	}
	// A completed run during the wait may have consumed the request or the
	// quota, so the gate is decided again here.
	if err := m.checkGateLocked(attempt, force, s); err != nil {
		m.mu.Unlock()
		return ActiveReview{}, err
	}
	run := m.attempts[attempt].RunCount + 1
	m.mu.Unlock()

	name := fmt.Sprintf("attempt-%d-run-%d", attempt, run)
	scratch := "reviews/" + name + "/scratch.md"
	if err := m.store.Write(ctx, scratch, subtask.ScratchTemplate); err != nil {
		return ActiveReview{}, fmt.Errorf("bootstrap review scratch: %w", err)
	}

	sessionID, err := m.host.Create(ctx, "review: "+name)
	if err != nil {
		return ActiveReview{}, fmt.Errorf("create review session: %w", err)
	}
	m.registry.Register(sessionID, registry.RoleSubtask, attempt)

	if err := m.host.Prompt(ctx, sessionID, s.PromptReview); err != nil {
		m.logger.Warn(ctx, "review prompt failed", zap.Error(err))
	}

	active := ActiveReview{
		Name:       name,
		Attempt:    attempt,
		SessionID:  sessionID,
		OutputPath: s.ReviewOutputDir + "/" + name + ".md",
	}
	m.mu.Lock()
	m.active = &active
	m.persistLocked(ctx)
	m.mu.Unlock()

	m.logger.Info(ctx, "review started", zap.String("name", name), zap.Int("attempt", attempt))
	return active, nil
}

// CheckActive detects completion of the in-flight review (same structural
// markers as sub-tasks) and, when done, writes the report, clears the
// requested flag, and counts the run. Safe to call repeatedly.
func (m *Manager) CheckActive(ctx context.Context) bool {
	m.mu.Lock()
	active := m.active
	m.mu.Unlock()
	if active == nil {
		return false
	}

	scratch := "reviews/" + active.Name + "/scratch.md"
	content := docstore.ReadOr(ctx, m.store, scratch, "")
	if !subtask.DetectCompletion(content) {
		return false
	}

	report := fmt.Sprintf("# Review %s\n\nAttempt: %d\nCompleted: %s\n\n---\n\n%s\n",
		active.Name, active.Attempt, time.Now().Format(time.RFC3339), content)
	if err := m.store.Write(ctx, active.OutputPath, report); err != nil {
		m.logger.Warn(ctx, "review report write failed", zap.Error(err))
	}

	if err := m.host.Delete(ctx, active.SessionID); err != nil {
		m.logger.Debug(ctx, "review session delete failed", zap.Error(err))
	}
	m.registry.Remove(active.SessionID)

	m.mu.Lock()
	state := m.attempts[active.Attempt]
	state.Requested = false
	state.Note = ""
	state.RunCount++
	m.attempts[active.Attempt] = state
	m.active = nil
	m.persistLocked(ctx)
	m.mu.Unlock()

	if m.runs != nil {
		m.runs.Inc()
	}
	m.notifier.ShowStatus(ctx, notify.SeverityInfo,
		fmt.Sprintf("review %s completed, report at %s", active.Name, active.OutputPath))
	return true
}

// Active returns the in-flight review, if any.
func (m *Manager) Active() *ActiveReview {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil
	}
	copy := *m.active
	return &copy
}

// RunCount returns completed runs for the attempt.
func (m *Manager) RunCount(attempt int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[attempt].RunCount
}

// Requested reports whether the attempt is marked ready for review.
func (m *Manager) Requested(attempt int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[attempt].Requested
}

// Reset clears all gating state, including the mirror. Used by the
// supervisor's terminal reset.
func (m *Manager) Reset(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = make(map[int]attemptState)
	m.active = nil
	m.persistLocked(ctx)
}
