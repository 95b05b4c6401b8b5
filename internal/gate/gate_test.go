package gate

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doeixd/opencode-ralph-rlm/internal/registry"
)

func TestCheck_GatedRoleBeforeContextLoad(t *testing.T) {
	g := New("load context first")
	rec := registry.Record{ID: "w1", Role: registry.RoleWorker}

	err := g.Check(rec, ActionDocWrite)
	require.Error(t, err)

	var rej *RejectionError
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, ActionDocWrite, rej.Action)
	assert.Contains(t, err.Error(), "load context first")
}

func TestCheck_AfterContextLoadSucceeds(t *testing.T) {
	g := New("")
	rec := registry.Record{ID: "w1", Role: registry.RoleWorker, ContextLoaded: true}
	assert.NoError(t, g.Check(rec, ActionDocWrite))
}

func TestCheck_StrategistAndMainNeverGated(t *testing.T) {
	g := New("")
	for _, role := range []registry.Role{registry.RoleStrategist, registry.RoleMain} {
		rec := registry.Record{ID: "s", Role: role}
		assert.NoError(t, g.Check(rec, ActionDocWrite), "role %s", role)
		assert.NoError(t, g.Check(rec, ActionSubtaskSpawn), "role %s", role)
	}
}

func TestCheck_SafeAndUnlistedActionsPass(t *testing.T) {
	g := New("")
	rec := registry.Record{ID: "w1", Role: registry.RoleSubtask}

	assert.NoError(t, g.Check(rec, ActionQuestionAsk))
	assert.NoError(t, g.Check(rec, ActionSubtaskPeek))
	// Unknown read-only action is implicitly safe.
	assert.NoError(t, g.Check(rec, "doc_read"))
}

func TestPartition(t *testing.T) {
	assert.True(t, Destructive(ActionSubtaskSpawn))
	assert.False(t, Destructive(ActionQuestionAsk))
	assert.True(t, Safe(ActionContextLoad))
	assert.False(t, Safe("doc_read"))
}
