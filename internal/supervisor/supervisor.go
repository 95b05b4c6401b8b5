// Package supervisor drives the attempt loop: strategist planning, worker
// delegation, verification, and rollover into the next attempt.
//
// One supervisor exists per process. A controller session binds it, after
// which idle events route through it by role; the loop ends when
// verification passes or the attempt budget is exhausted.
package supervisor

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/doeixd/opencode-ralph-rlm/internal/config"
	"github.com/doeixd/opencode-ralph-rlm/internal/docstore"
	"github.com/doeixd/opencode-ralph-rlm/internal/events"
	"github.com/doeixd/opencode-ralph-rlm/internal/logging"
	"github.com/doeixd/opencode-ralph-rlm/internal/notify"
	"github.com/doeixd/opencode-ralph-rlm/internal/registry"
	"github.com/doeixd/opencode-ralph-rlm/internal/review"
	"github.com/doeixd/opencode-ralph-rlm/internal/runner"
	"github.com/doeixd/opencode-ralph-rlm/internal/sessionhost"
	"github.com/doeixd/opencode-ralph-rlm/internal/telemetry"
)

// Loop document paths inside the store.
const (
	ScratchPath     = "scratch.md"
	ScratchPrevPath = "scratch.prev.md"
	SummaryPath     = "attempt-summary.md"
	DonePath        = "done.md"
)

// scratchTemplate seeds the working scratch document at the start of an
// attempt.
const scratchTemplate = "# Attempt {{attempt}} Scratch\n\nGoal: {{goal}}\n\nWorking notes for this attempt. The previous attempt's notes are in scratch.prev.md.\n"

// SettingsSource provides live-resolved settings.
type SettingsSource interface {
	Settings() *config.Settings
}

// Verifier runs the external verification command. *runner.Runner satisfies
// it; tests substitute scripted verdicts.
type Verifier interface {
	Run(ctx context.Context, argv []string, dir string, timeout time.Duration) runner.Result
	StopAll()
}

// ReviewChecker is the slice of the review manager the supervisor drives.
type ReviewChecker interface {
	CheckActive(ctx context.Context) bool
	Active() *review.ActiveReview
	Reset(ctx context.Context)
}

// Snapshot is a point-in-time view of the loop for status surfaces.
type Snapshot struct {
	Bound        bool                 `json:"bound"`
	ControllerID string               `json:"controllerId,omitempty"`
	Goal         string               `json:"goal,omitempty"`
	Attempt      int                  `json:"attempt"`
	MaxAttempts  int                  `json:"maxAttempts"`
	StrategistID string               `json:"strategistId,omitempty"`
	WorkerID     string               `json:"workerId,omitempty"`
	Delegated    bool                 `json:"delegated"`
	Terminal     bool                 `json:"terminal"`
	Exhausted    bool                 `json:"exhausted"`
	Paused       bool                 `json:"paused"`
	ActiveReview *review.ActiveReview `json:"activeReview,omitempty"`
}

// Supervisor is the singleton loop driver.
type Supervisor struct {
	store    docstore.Store
	host     sessionhost.Host
	registry *registry.Registry
	verifier Verifier
	settings SettingsSource
	reviews  ReviewChecker
	notifier notify.Notifier
	metrics  *telemetry.Metrics
	logger   *logging.Logger

	mu           sync.Mutex
	bound        bool
	controllerID string
	goal         string
	attempt      int
	strategistID string
	workerID     string
	delegated    bool
	terminal     bool
	exhausted    bool
	paused       bool
	verifying    bool

	debouncer *events.Debouncer
	stopBeat  context.CancelFunc
	staleSeen map[string]bool
}

// New creates an unbound supervisor.
func New(store docstore.Store, host sessionhost.Host, reg *registry.Registry, verifier Verifier,
	settings SettingsSource, reviews ReviewChecker, notifier notify.Notifier,
	metrics *telemetry.Metrics, logger *logging.Logger) *Supervisor {
	if notifier == nil {
		notifier = notify.NewLogNotifier(logger)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &Supervisor{
		store:     store,
		host:      host,
		registry:  reg,
		verifier:  verifier,
		settings:  settings,
		reviews:   reviews,
		notifier:  notifier,
		metrics:   metrics,
		logger:    logger.Named("supervisor"),
		staleSeen: make(map[string]bool),
	}
	s.debouncer = events.NewDebouncer(settings.Settings().IdleDebounce, func(id string) {
		s.HandleIdle(context.Background(), id)
	})
	return s
}

// Bind attaches a controller session and starts the loop. The first binder
// wins; a second bind fails unless forced, in which case the previous run is
// ended first. Readiness problems are reported together so the controller
// can fix them in one pass.
func (s *Supervisor) Bind(ctx context.Context, controllerID, goal string, force bool) error {
	var problems []string
	if controllerID == "" {
		problems = append(problems, "controller session id is required")
	}
	if strings.TrimSpace(goal) == "" {
		problems = append(problems, "a non-empty goal is required")
	}
	if len(problems) > 0 {
		return fmt.Errorf("not ready to start: %s", strings.Join(problems, "; "))
	}

	s.mu.Lock()
	if s.bound && !force {
		current := s.controllerID
		s.mu.Unlock()
		return fmt.Errorf("already bound to controller %s (use force to take over)", current)
	}
	wasBound := s.bound
	s.mu.Unlock()

	if wasBound {
		s.logger.Warn(ctx, "forced rebind, ending previous run", zap.String("controller", controllerID))
		_ = s.End(ctx)
	}

	s.registry.Register(controllerID, registry.RoleMain, 0)

	s.mu.Lock()
	s.bound = true
	s.controllerID = controllerID
	s.goal = goal
	s.attempt = 0
	s.terminal = false
	s.exhausted = false
	s.paused = false
	s.mu.Unlock()

	// A missing verify command is a supported degraded state: every attempt
	// ends with an unknown verdict and rolls over.
	if len(s.settings.Settings().VerifyCommand) == 0 {
		s.logger.Warn(ctx, "verify_command is not configured, verdicts will be unknown")
		s.notifier.ShowStatus(ctx, notify.SeverityWarning,
			"verify_command is not configured: verdicts will be unknown")
	}

	s.startHeartbeat()
	s.logger.Info(ctx, "loop bound", zap.String("controller", controllerID), zap.String("goal", goal))
	return s.beginAttempt(ctx, true)
}

// beginAttempt advances the counter (unless rerunning the current attempt),
// resets the scratch document, and spawns the strategist.
func (s *Supervisor) beginAttempt(ctx context.Context, advance bool) error {
	s.mu.Lock()
	if s.terminal || s.exhausted {
		s.mu.Unlock()
		return fmt.Errorf("loop is not running")
	}
	if advance {
		s.attempt++
	}
	attempt := s.attempt
	s.delegated = false
	s.workerID = ""
	lingering := s.strategistID
	s.strategistID = ""
	s.mu.Unlock()

	// At most one strategist is tracked at a time. A strategist that never
	// went idle before its attempt ended is retired here.
	if lingering != "" {
		if err := s.host.Delete(ctx, lingering); err != nil {
			s.logger.Debug(ctx, "lingering strategist delete failed", zap.Error(err))
		}
		s.registry.Remove(lingering)
	}

	if advance {
		if s.metrics != nil {
			s.metrics.AttemptsTotal.Inc()
		}
		if err := s.store.EnsureDefault(ctx, ScratchPath, s.renderPrompt(scratchTemplate, attempt)); err != nil {
			s.logger.Warn(ctx, "scratch bootstrap failed", zap.Error(err))
		}
	}

	id, err := s.host.Create(ctx, "strategist attempt "+strconv.Itoa(attempt))
	if err != nil {
		return fmt.Errorf("create strategist session: %w", err)
	}
	s.registry.Register(id, registry.RoleStrategist, attempt)
	s.trackSessions()
	if s.metrics != nil {
		s.metrics.SpawnsTotal.WithLabelValues(registry.RoleStrategist.String()).Inc()
	}

	s.mu.Lock()
	s.strategistID = id
	s.mu.Unlock()

	prompt := s.renderPrompt(s.settings.Settings().PromptStrategist, attempt)
	if err := s.host.Prompt(ctx, id, prompt); err != nil {
		s.logger.Warn(ctx, "strategist prompt failed", zap.Error(err))
	}

	s.logger.Info(ctx, "attempt started",
		zap.Int("attempt", attempt), zap.String("strategist", id))
	return nil
}

func (s *Supervisor) renderPrompt(tpl string, attempt int) string {
	s.mu.Lock()
	goal := s.goal
	s.mu.Unlock()
	out := strings.ReplaceAll(tpl, "{{attempt}}", strconv.Itoa(attempt))
	return strings.ReplaceAll(out, "{{goal}}", goal)
}

// DelegateWorker hands the attempt to a worker session. Only the active
// strategist may delegate, at most once per attempt.
func (s *Supervisor) DelegateWorker(ctx context.Context, callerID, instructions string) (string, error) {
	s.mu.Lock()
	switch {
	case !s.bound:
		s.mu.Unlock()
		return "", fmt.Errorf("loop is not bound")
	case s.terminal || s.exhausted:
		s.mu.Unlock()
		return "", fmt.Errorf("loop is not running")
	case s.paused:
		s.mu.Unlock()
		return "", fmt.Errorf("loop is paused")
	case callerID != s.strategistID:
		active := s.strategistID
		s.mu.Unlock()
		return "", fmt.Errorf("only the active strategist (%s) may delegate", active)
	case s.delegated:
		worker := s.workerID
		s.mu.Unlock()
		return "", fmt.Errorf("attempt already delegated to worker %s", worker)
	}
	attempt := s.attempt
	s.delegated = true
	s.mu.Unlock()

	id, err := s.host.Create(ctx, "worker attempt "+strconv.Itoa(attempt))
	if err != nil {
		s.mu.Lock()
		s.delegated = false
		s.mu.Unlock()
		return "", fmt.Errorf("create worker session: %w", err)
	}
	s.registry.Register(id, registry.RoleWorker, attempt)
	s.registry.Mutate(callerID, func(r *registry.Record) { r.DelegatedChild = true })
	s.trackSessions()
	if s.metrics != nil {
		s.metrics.SpawnsTotal.WithLabelValues(registry.RoleWorker.String()).Inc()
	}

	s.mu.Lock()
	s.workerID = id
	s.mu.Unlock()

	prompt := s.renderPrompt(s.settings.Settings().PromptWorker, attempt)
	if instructions != "" {
		prompt += "\n\nInstructions from the strategist:\n" + instructions
	}
	if err := s.host.Prompt(ctx, id, prompt); err != nil {
		s.logger.Warn(ctx, "worker prompt failed", zap.Error(err))
	}

	s.logger.Info(ctx, "worker delegated",
		zap.Int("attempt", attempt), zap.String("worker", id))
	return id, nil
}

// ReportProgress refreshes the session's liveness timestamp.
func (s *Supervisor) ReportProgress(sessionID string) {
	s.registry.Mutate(sessionID, func(r *registry.Record) { r.LastProgressAt = time.Now() })
}

// NotifyIdle feeds an idle signal through the debounce window.
func (s *Supervisor) NotifyIdle(sessionID string) {
	s.debouncer.Trigger(sessionID)
}

// HandleIdle routes a settled idle signal by the session's role. Signals for
// sessions that are no longer the active strategist or worker are stale and
// ignored.
func (s *Supervisor) HandleIdle(ctx context.Context, sessionID string) {
	s.mu.Lock()
	if !s.bound || s.terminal || s.paused {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	rec := s.registry.Get(sessionID)
	switch rec.Role {
	case registry.RoleStrategist:
		s.onStrategistIdle(ctx, sessionID)
	case registry.RoleWorker:
		s.onWorkerIdle(ctx, sessionID)
	case registry.RoleSubtask:
		// Review sessions carry the subtask role; completion is structural.
		if s.reviews != nil {
			s.reviews.CheckActive(ctx)
		}
	default:
		s.logger.Debug(ctx, "idle signal for unmanaged session", zap.String("session", sessionID))
	}
}

func (s *Supervisor) onStrategistIdle(ctx context.Context, sessionID string) {
	s.mu.Lock()
	if sessionID != s.strategistID {
		s.mu.Unlock()
		return
	}
	delegated := s.delegated
	attempt := s.attempt
	s.strategistID = ""
	s.mu.Unlock()

	if !delegated {
		// The loop stalls here, visibly, until the controller resumes it
		// with a kick. No implicit fallback worker is spawned.
		s.logger.Warn(ctx, "strategist idle without delegating", zap.Int("attempt", attempt))
		s.notifier.ShowStatus(ctx, notify.SeverityWarning,
			fmt.Sprintf("strategist went idle on attempt %d without delegating a worker", attempt))
		return
	}

	if err := s.host.Delete(ctx, sessionID); err != nil {
		s.logger.Debug(ctx, "strategist session delete failed", zap.Error(err))
	}
	s.registry.Remove(sessionID)
	s.trackSessions()
}

func (s *Supervisor) onWorkerIdle(ctx context.Context, sessionID string) {
	s.mu.Lock()
	if sessionID != s.workerID || s.verifying {
		s.mu.Unlock()
		return
	}
	s.verifying = true
	s.workerID = ""
	attempt := s.attempt
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.verifying = false
		s.mu.Unlock()
	}()

	if err := s.host.Delete(ctx, sessionID); err != nil {
		s.logger.Debug(ctx, "worker session delete failed", zap.Error(err))
	}
	s.registry.Remove(sessionID)
	s.trackSessions()

	cfg := s.settings.Settings()
	s.logger.Info(ctx, "verifying attempt",
		zap.Int("attempt", attempt), zap.Strings("command", cfg.VerifyCommand))
	result := s.verifier.Run(ctx, cfg.VerifyCommand, cfg.WorkDir, cfg.CommandTimeout)
	if s.metrics != nil {
		s.metrics.VerificationsTotal.WithLabelValues(string(result.Verdict)).Inc()
	}

	if result.Verdict == runner.VerdictPass {
		s.finish(ctx, attempt, result)
		return
	}
	s.rollover(ctx, attempt, result)
}

// finish marks the loop terminal after a passing verification and records
// the outcome in done.md.
func (s *Supervisor) finish(ctx context.Context, attempt int, result runner.Result) {
	s.mu.Lock()
	s.terminal = true
	goal := s.goal
	s.mu.Unlock()

	doc := fmt.Sprintf("# Done\n\nGoal: %s\nAttempt: %d\nVerified: %s\n\n## Verifier Output\n\n```\n%s\n```\n",
		goal, attempt, time.Now().Format(time.RFC3339), strings.TrimSpace(result.Stdout))
	if err := s.store.Write(ctx, DonePath, doc); err != nil {
		s.logger.Warn(ctx, "done document write failed", zap.Error(err))
	}

	s.notifier.ShowStatus(ctx, notify.SeverityInfo,
		fmt.Sprintf("verification passed on attempt %d, loop complete", attempt))
	s.logger.Info(ctx, "loop complete", zap.Int("attempt", attempt))
}

// rollover archives the attempt's scratch state and either starts the next
// attempt or stops with the budget exhausted. Exhaustion is not terminal:
// the controller may raise the budget and resume.
func (s *Supervisor) rollover(ctx context.Context, attempt int, result runner.Result) {
	summary := fmt.Sprintf("\n## Attempt %d\n\nVerdict: %s (exit %d", attempt, result.Verdict, result.ExitCode)
	if result.TimedOut {
		summary += ", timed out"
	}
	summary += ")\n"
	if tail := lastLines(result.Stderr, 20); tail != "" {
		summary += "\n```\n" + tail + "\n```\n"
	}
	summary += "\nSuggested continuation: review the verifier output above, adjust the approach in scratch.md, and retry.\n"
	if err := s.store.Append(ctx, SummaryPath, summary); err != nil {
		s.logger.Warn(ctx, "attempt summary append failed", zap.Error(err))
	}

	max := s.settings.Settings().MaxAttempts
	if attempt >= max {
		s.mu.Lock()
		s.exhausted = true
		s.strategistID = ""
		s.delegated = false
		s.mu.Unlock()
		s.notifier.ShowStatus(ctx, notify.SeverityError,
			fmt.Sprintf("attempt budget exhausted: %d of %d attempts failed verification", attempt, max))
		s.logger.Warn(ctx, "attempt budget exhausted", zap.Int("attempts", attempt))
		return
	}

	// The scratch archive and reset belong to the attempt that is actually
	// about to run, so exhaustion leaves the last attempt's notes in place.
	prev := docstore.ReadOr(ctx, s.store, ScratchPath, "")
	if err := s.store.Write(ctx, ScratchPrevPath, prev); err != nil {
		s.logger.Warn(ctx, "scratch archive failed", zap.Error(err))
	}
	if err := s.store.Write(ctx, ScratchPath, s.renderPrompt(scratchTemplate, attempt+1)); err != nil {
		s.logger.Warn(ctx, "scratch reset failed", zap.Error(err))
	}
	if s.metrics != nil {
		s.metrics.RolloversTotal.Inc()
	}

	s.logger.Info(ctx, "verification failed, rolling over",
		zap.Int("attempt", attempt), zap.String("verdict", string(result.Verdict)))
	if err := s.beginAttempt(ctx, true); err != nil {
		s.logger.Error(ctx, "next attempt failed to start", zap.Error(err))
	}
}

// Pause suspends idle routing. In-flight sessions keep running.
func (s *Supervisor) Pause(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.bound {
		return fmt.Errorf("loop is not bound")
	}
	s.paused = true
	s.logger.Info(ctx, "loop paused", zap.Int("attempt", s.attempt))
	return nil
}

// Resume lifts a pause. With kick, the loop restores its own motion: an
// active worker is treated as settled (its idle signal was likely dropped
// during the pause), and an empty slate gets a strategist for the current
// attempt.
func (s *Supervisor) Resume(ctx context.Context, kick bool) error {
	s.mu.Lock()
	if !s.bound {
		s.mu.Unlock()
		return fmt.Errorf("loop is not bound")
	}
	s.paused = false
	stopped := s.terminal || s.exhausted
	worker := s.workerID
	strategist := s.strategistID
	attempt := s.attempt
	s.mu.Unlock()

	s.logger.Info(ctx, "loop resumed", zap.Bool("kick", kick))
	if !kick || stopped {
		return nil
	}
	if worker != "" {
		s.HandleIdle(ctx, worker)
		return nil
	}
	if strategist == "" {
		return s.beginAttempt(ctx, attempt == 0)
	}
	return nil
}

// End stops the loop: terminal state, all sessions aborted and discarded,
// in-flight verification commands terminated.
func (s *Supervisor) End(ctx context.Context) error {
	s.mu.Lock()
	if !s.bound {
		s.mu.Unlock()
		return fmt.Errorf("loop is not bound")
	}
	s.terminal = true
	s.paused = true
	s.strategistID = ""
	s.workerID = ""
	controller := s.controllerID
	s.mu.Unlock()

	s.verifier.StopAll()
	for _, id := range s.registry.IDs() {
		if id == controller {
			continue
		}
		if err := s.host.Abort(ctx, id); err != nil {
			s.logger.Debug(ctx, "session abort failed", zap.String("session", id), zap.Error(err))
		}
		if err := s.host.Delete(ctx, id); err != nil {
			s.logger.Debug(ctx, "session delete failed", zap.String("session", id), zap.Error(err))
		}
		s.registry.Remove(id)
	}
	s.trackSessions()

	s.notifier.ShowStatus(ctx, notify.SeverityInfo, "loop ended")
	s.logger.Info(ctx, "loop ended")
	return nil
}

// Reset clears terminal state so a fresh run can start. Only a stopped loop
// may be reset; Resume with kick starts the new run.
func (s *Supervisor) Reset(ctx context.Context) error {
	s.mu.Lock()
	if !s.terminal && !s.exhausted {
		s.mu.Unlock()
		return fmt.Errorf("loop is still running: end it before resetting")
	}
	s.terminal = false
	s.exhausted = false
	s.paused = true
	s.attempt = 0
	s.delegated = false
	s.strategistID = ""
	s.workerID = ""
	s.mu.Unlock()

	if s.reviews != nil {
		s.reviews.Reset(ctx)
	}
	s.logger.Info(ctx, "loop reset")
	return nil
}

// Snapshot returns the current loop state.
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Bound:        s.bound,
		ControllerID: s.controllerID,
		Goal:         s.goal,
		Attempt:      s.attempt,
		MaxAttempts:  s.settings.Settings().MaxAttempts,
		StrategistID: s.strategistID,
		WorkerID:     s.workerID,
		Delegated:    s.delegated,
		Terminal:     s.terminal,
		Exhausted:    s.exhausted,
		Paused:       s.paused,
	}
	s.mu.Unlock()
	if s.reviews != nil {
		snap.ActiveReview = s.reviews.Active()
	}
	return snap
}

// Close stops the debouncer and heartbeat. The loop state is untouched.
func (s *Supervisor) Close() {
	s.debouncer.Stop()
	s.mu.Lock()
	stop := s.stopBeat
	s.stopBeat = nil
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (s *Supervisor) startHeartbeat() {
	s.mu.Lock()
	if s.stopBeat != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.stopBeat = cancel
	s.mu.Unlock()

	go s.heartbeat(ctx)
}

// heartbeat warns about active sessions with no recent progress. It never
// kills anything: stale sessions are the operator's call.
func (s *Supervisor) heartbeat(ctx context.Context) {
	interval := s.settings.Settings().HeartbeatInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkStale(ctx)
		}
	}
}

func (s *Supervisor) checkStale(ctx context.Context) {
	s.mu.Lock()
	paused := s.paused || s.terminal
	active := []string{s.strategistID, s.workerID}
	s.mu.Unlock()
	if paused {
		return
	}

	staleAfter := s.settings.Settings().StaleAfter
	for _, id := range active {
		if id == "" {
			continue
		}
		rec := s.registry.Get(id)
		idle := time.Since(rec.LastProgressAt)
		if idle < staleAfter {
			s.mu.Lock()
			delete(s.staleSeen, id)
			s.mu.Unlock()
			continue
		}
		// One warning per staleness episode; progress clears the mark.
		s.mu.Lock()
		seen := s.staleSeen[id]
		s.staleSeen[id] = true
		s.mu.Unlock()
		if seen {
			continue
		}
		s.logger.Warn(ctx, "session stale",
			zap.String("session", id), zap.String("role", rec.Role.String()), zap.Duration("idle", idle))
		s.notifier.ShowStatus(ctx, notify.SeverityWarning,
			fmt.Sprintf("%s session %s has made no progress for %s", rec.Role, id, idle.Round(time.Second)))
	}
}

func (s *Supervisor) trackSessions() {
	if s.metrics != nil {
		s.metrics.ActiveSessions.Set(float64(s.registry.Len()))
	}
}

// lastLines returns up to n trailing non-empty-trimmed lines of s.
func lastLines(s string, n int) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
