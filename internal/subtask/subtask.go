// Package subtask spawns isolated child sessions for parallel decomposition.
//
// Sub-tasks live outside the main attempt loop: any session may fan out, up
// to a concurrency cap, and completion is detected structurally from the
// task's scratch document rather than from session lifecycle events.
package subtask

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/doeixd/opencode-ralph-rlm/internal/config"
	"github.com/doeixd/opencode-ralph-rlm/internal/docstore"
	"github.com/doeixd/opencode-ralph-rlm/internal/logging"
	"github.com/doeixd/opencode-ralph-rlm/internal/registry"
	"github.com/doeixd/opencode-ralph-rlm/internal/sessionhost"
)

// Completion markers. A task is done once its scratch document contains the
// heading or the sentinel phrase verbatim.
const (
	CompletionHeading  = "## Final Result"
	CompletionSentinel = "SUBTASK COMPLETE"
)

// DetectCompletion reports whether a scratch document signals completion.
// Checking repeatedly is idempotent.
func DetectCompletion(content string) bool {
	for _, line := range strings.Split(content, "\n") {
		if strings.TrimSpace(line) == CompletionHeading {
			return true
		}
	}
	return strings.Contains(content, CompletionSentinel)
}

// ScratchTemplate is the bootstrap content of a fresh sub-task scratch doc.
// The completion heading is described inline, never on a line of its own, and
// the sentinel phrase is not quoted: a fresh document must not read as
// complete.
const ScratchTemplate = "# Sub-task Scratch\n\nWrite findings here. When finished, add a `" +
	CompletionHeading + "` heading on its own line followed by your result.\n"

// Task names become storage path segments, so the charset is restrictive.
var nameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// SettingsSource provides live-resolved settings.
type SettingsSource interface {
	Settings() *config.Settings
}

// Manager owns sub-task spawning and inspection.
type Manager struct {
	store    docstore.Store
	host     sessionhost.Host
	registry *registry.Registry
	settings SettingsSource
	logger   *logging.Logger
}

// NewManager creates a sub-task manager.
func NewManager(store docstore.Store, host sessionhost.Host, reg *registry.Registry, settings SettingsSource, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Manager{
		store:    store,
		host:     host,
		registry: reg,
		settings: settings,
		logger:   logger.Named("subtask"),
	}
}

func scratchPath(name, file string) string {
	if file == "" {
		file = "scratch.md"
	}
	return "subtasks/" + name + "/" + file
}

// Spawn validates, bootstraps scratch state, creates and registers a child
// session, and records the task on the caller. Validation happens before any
// session or document is created.
func (m *Manager) Spawn(ctx context.Context, parentID, name, goal, extra string) (registry.ChildTask, error) {
	if !nameRe.MatchString(name) {
		return registry.ChildTask{}, fmt.Errorf(
			"invalid sub-task name %q: need 1-64 chars of [A-Za-z0-9._-] starting alphanumeric", name)
	}
	if goal == "" {
		return registry.ChildTask{}, fmt.Errorf("sub-task %q needs a goal", name)
	}

	parent := m.registry.Get(parentID)
	running := 0
	for _, task := range parent.ChildTasks {
		if task.Status == registry.TaskRunning {
			running++
			if task.Label == name {
				return registry.ChildTask{}, fmt.Errorf("sub-task %q is already running (id %s)", name, task.ID)
			}
		}
	}
	limit := m.settings.Settings().SubtaskConcurrency
	if running >= limit {
		return registry.ChildTask{}, fmt.Errorf(
			"sub-task concurrency limit reached: %d running, cap %d; await one before spawning", running, limit)
	}

	// Fresh scratch state for every spawn, even when a finished task reused
	// the name.
	if err := m.store.Write(ctx, scratchPath(name, ""), ScratchTemplate); err != nil {
		return registry.ChildTask{}, fmt.Errorf("bootstrap scratch for %q: %w", name, err)
	}
	goalDoc := "# Goal\n\n" + goal + "\n"
	if extra != "" {
		goalDoc += "\n## Context\n\n" + extra + "\n"
	}
	if err := m.store.Write(ctx, scratchPath(name, "goal.md"), goalDoc); err != nil {
		return registry.ChildTask{}, fmt.Errorf("write goal for %q: %w", name, err)
	}

	childID, err := m.host.Create(ctx, "subtask: "+name)
	if err != nil {
		return registry.ChildTask{}, fmt.Errorf("create sub-task session for %q: %w", name, err)
	}
	m.registry.Register(childID, registry.RoleSubtask, parent.AttemptNumber)

	prompt := strings.ReplaceAll(m.settings.Settings().PromptSubtask, "{{goal}}", goal)
	if extra != "" {
		prompt += "\n\nContext:\n" + extra
	}
	if err := m.host.Prompt(ctx, childID, prompt); err != nil {
		// Prompt failures leave the session registered; the task is recorded
		// as failed so the caller sees what happened.
		m.logger.Warn(ctx, "sub-task prompt failed", zap.String("name", name), zap.Error(err))
	}

	task := registry.ChildTask{
		ID:        childID,
		Label:     name,
		Goal:      goal,
		SpawnTime: time.Now(),
		Status:    registry.TaskRunning,
	}
	m.registry.Mutate(parentID, func(r *registry.Record) {
		r.ChildTasks = append(r.ChildTasks, task)
	})

	m.logger.Info(ctx, "sub-task spawned",
		zap.String("parent", parentID), zap.String("name", name), zap.String("session", childID))
	return task, nil
}

// AwaitResult is one non-blocking completion check.
type AwaitResult struct {
	Done       bool
	Status     registry.TaskStatus
	ResultText string
}

// Await checks the task's scratch document for the completion marker. It is
// advisory-polling: callers re-invoke periodically, the manager never sleeps.
func (m *Manager) Await(ctx context.Context, parentID, name string) (AwaitResult, error) {
	task, err := m.find(parentID, name)
	if err != nil {
		return AwaitResult{}, err
	}
	if task.Status != registry.TaskRunning {
		return AwaitResult{Done: true, Status: task.Status, ResultText: task.ResultText}, nil
	}

	content := docstore.ReadOr(ctx, m.store, scratchPath(name, ""), "")
	if !DetectCompletion(content) {
		return AwaitResult{Done: false, Status: registry.TaskRunning}, nil
	}

	m.registry.Mutate(parentID, func(r *registry.Record) {
		for i := range r.ChildTasks {
			if r.ChildTasks[i].ID == task.ID {
				r.ChildTasks[i].Status = registry.TaskDone
				r.ChildTasks[i].ResultText = content
			}
		}
	})
	// The child session is finished with; teardown is best-effort.
	if err := m.host.Delete(ctx, task.ID); err != nil {
		m.logger.Debug(ctx, "sub-task session delete failed", zap.Error(err))
	}
	m.registry.Remove(task.ID)

	m.logger.Info(ctx, "sub-task completed", zap.String("parent", parentID), zap.String("name", name))
	return AwaitResult{Done: true, Status: registry.TaskDone, ResultText: content}, nil
}

// Peek reads a document from the task's scratch set without any state change.
func (m *Manager) Peek(ctx context.Context, parentID, name, file string) (string, error) {
	if _, err := m.find(parentID, name); err != nil {
		return "", err
	}
	if strings.Contains(file, "/") || strings.Contains(file, "\\") || file == ".." {
		return "", fmt.Errorf("invalid sub-task file %q", file)
	}
	return docstore.ReadOr(ctx, m.store, scratchPath(name, file), docstore.Missing), nil
}

// List returns the caller's known tasks verbatim.
func (m *Manager) List(parentID string) []registry.ChildTask {
	return m.registry.Get(parentID).ChildTasks
}

func (m *Manager) find(parentID, name string) (registry.ChildTask, error) {
	parent := m.registry.Get(parentID)
	// Last spawn with the name wins: names are reusable after completion.
	for i := len(parent.ChildTasks) - 1; i >= 0; i-- {
		if parent.ChildTasks[i].Label == name {
			return parent.ChildTasks[i], nil
		}
	}
	known := make([]string, 0, len(parent.ChildTasks))
	for _, task := range parent.ChildTasks {
		known = append(known, task.Label)
	}
	return registry.ChildTask{}, fmt.Errorf("unknown sub-task %q for this session (known: %s)",
		name, strings.Join(known, ", "))
}
