// Package gate enforces the load-context-before-mutation protocol.
//
// Actions are statically partitioned into safe and destructive sets; any
// action in neither set is treated as safe (read-only informational calls).
// Gating exists to force an acquisition order on coding sessions; planning
// roles are deliberately never gated.
package gate

import (
	"fmt"

	"github.com/doeixd/opencode-ralph-rlm/internal/registry"
)

// Action names match the MCP tool names sessions invoke.
const (
	ActionContextLoad    = "context_load"
	ActionProgressReport = "progress_report"
	ActionStatus         = "supervisor_status"

	ActionSubtaskSpawn   = "subtask_spawn"
	ActionSubtaskAwait   = "subtask_await"
	ActionSubtaskPeek    = "subtask_peek"
	ActionSubtaskList    = "subtask_list"
	ActionQuestionAsk    = "question_ask"
	ActionQuestionReply  = "question_respond"
	ActionReviewRequest  = "review_request"
	ActionReviewRun      = "review_run"
	ActionWorkerDelegate = "worker_delegate"
	ActionDocWrite       = "doc_write"
	ActionDocAppend      = "doc_append"
)

// safeActions are always allowed, gated role or not.
var safeActions = map[string]struct{}{
	ActionContextLoad:    {},
	ActionProgressReport: {},
	ActionStatus:         {},
	ActionSubtaskAwait:   {},
	ActionSubtaskPeek:    {},
	ActionSubtaskList:    {},
	ActionQuestionAsk:    {},
}

// destructiveActions mutate protocol state and require a loaded context
// from gated roles.
var destructiveActions = map[string]struct{}{
	ActionSubtaskSpawn:   {},
	ActionQuestionReply:  {},
	ActionReviewRequest:  {},
	ActionReviewRun:      {},
	ActionWorkerDelegate: {},
	ActionDocWrite:       {},
	ActionDocAppend:      {},
}

// Gate is the pre-action interceptor. It reads registry state but never
// mutates it; flipping ContextLoaded is the context-load handler's job.
type Gate struct {
	message string
}

// New creates a gate with the configured rejection message.
func New(message string) *Gate {
	if message == "" {
		message = "context not loaded"
	}
	return &Gate{message: message}
}

// Name returns the gate identifier.
func (g *Gate) Name() string {
	return "context-load-gate"
}

// Destructive reports whether action is in the destructive set.
func Destructive(action string) bool {
	_, ok := destructiveActions[action]
	return ok
}

// Safe reports whether action is in the explicit safe set.
func Safe(action string) bool {
	_, ok := safeActions[action]
	return ok
}

// Check rejects destructive actions from gated roles whose session has not
// loaded context this attempt. All other combinations pass.
func (g *Gate) Check(rec registry.Record, action string) error {
	if !rec.Role.Gated() {
		return nil
	}
	if !Destructive(action) {
		return nil
	}
	if rec.ContextLoaded {
		return nil
	}
	return &RejectionError{
		Action:  action,
		Role:    rec.Role,
		Message: g.message,
	}
}

// RejectionError is a protocol violation: a gated action before context load.
type RejectionError struct {
	Action  string
	Role    registry.Role
	Message string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%s rejected for %s session: %s", e.Action, e.Role, e.Message)
}
