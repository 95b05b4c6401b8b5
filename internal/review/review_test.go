package review

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doeixd/opencode-ralph-rlm/internal/config"
	"github.com/doeixd/opencode-ralph-rlm/internal/docstore"
	"github.com/doeixd/opencode-ralph-rlm/internal/logging"
	"github.com/doeixd/opencode-ralph-rlm/internal/notify"
	"github.com/doeixd/opencode-ralph-rlm/internal/registry"
	"github.com/doeixd/opencode-ralph-rlm/internal/sessionhost"
	"github.com/doeixd/opencode-ralph-rlm/internal/subtask"
)

type fixedSettings struct {
	s *config.Settings
}

func (f *fixedSettings) Settings() *config.Settings { return f.s }

func newTestManager(t *testing.T, mutate func(*config.Settings)) (*Manager, *docstore.MemStore, *sessionhost.FakeHost) {
	t.Helper()
	store := docstore.NewMemStore()
	host := sessionhost.NewFakeHost()
	settings := config.DefaultSettings()
	settings.QAPollInterval = 20 * time.Millisecond
	if mutate != nil {
		mutate(settings)
	}
	m := NewManager(context.Background(), store, host, registry.New(),
		&fixedSettings{settings}, notify.NewRecorder(), logging.NewTestLogger().Logger)
	return m, store, host
}

func finishReview(t *testing.T, store docstore.Store, active ActiveReview, body string) {
	t.Helper()
	scratch := "reviews/" + active.Name + "/scratch.md"
	require.NoError(t, store.Write(context.Background(), scratch,
		body+"\n\n"+subtask.CompletionHeading+"\n\nlooks correct\n"))
}

func TestRunReview_RequiresExplicitRequest(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newTestManager(t, nil)

	_, err := m.RunReview(ctx, 1, false, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not requested")

	require.NoError(t, m.RequestReview(ctx, 1, "feature looks done"))
	active, err := m.RunReview(ctx, 1, false, false)
	require.NoError(t, err)
	assert.Equal(t, 1, active.Attempt)
	assert.Equal(t, "reviews/"+active.Name+".md", active.OutputPath)

	// Scratch bootstrapped for the review session.
	content, err := store.Read(ctx, "reviews/"+active.Name+"/scratch.md")
	require.NoError(t, err)
	assert.Contains(t, content, subtask.CompletionHeading)
}

func TestRunReview_DisabledUnlessForced(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, func(s *config.Settings) {
		s.ReviewerEnabled = false
	})

	_, err := m.RunReview(ctx, 1, false, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disabled")

	_, err = m.RunReview(ctx, 1, true, false)
	require.NoError(t, err)
}

func TestRunReview_QuotaPerAttempt(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newTestManager(t, nil)

	require.NoError(t, m.RequestReview(ctx, 1, ""))
	active, err := m.RunReview(ctx, 1, false, false)
	require.NoError(t, err)

	finishReview(t, store, active, "checked the diff")
	require.True(t, m.CheckActive(ctx))
	assert.Equal(t, 1, m.RunCount(1))
	assert.False(t, m.Requested(1), "completion consumes the request")

	// Default quota is one run per attempt.
	require.NoError(t, m.RequestReview(ctx, 1, ""))
	_, err = m.RunReview(ctx, 1, false, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota")

	// force bypasses the quota; a different attempt has its own budget.
	_, err = m.RunReview(ctx, 1, true, false)
	require.NoError(t, err)
	m.Reset(ctx)
	require.NoError(t, m.RequestReview(ctx, 2, ""))
	_, err = m.RunReview(ctx, 2, false, false)
	require.NoError(t, err)
}

func TestRunReview_RejectsConcurrentRun(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newTestManager(t, nil)

	require.NoError(t, m.RequestReview(ctx, 1, ""))
	active, err := m.RunReview(ctx, 1, false, false)
	require.NoError(t, err)

	_, err = m.RunReview(ctx, 1, true, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")

	// wait=true picks up once the in-flight review completes.
	done := make(chan error, 1)
	go func() {
		_, err := m.RunReview(ctx, 1, true, true)
		done <- err
	}()
	finishReview(t, store, active, "first pass")

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiting run never started")
	}
}

func TestRunReview_WaitedRunReappliesQuota(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newTestManager(t, func(s *config.Settings) {
		s.ReviewerRequireExplicitReady = false
	})

	active, err := m.RunReview(ctx, 1, false, false)
	require.NoError(t, err)

	// An unforced waiter passes the gate while the quota is still open, but
	// the awaited completion consumes it. The waiter must not start a second
	// run past the budget.
	done := make(chan error, 1)
	go func() {
		_, err := m.RunReview(ctx, 1, false, true)
		done <- err
	}()
	finishReview(t, store, active, "first pass")

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "quota")
	case <-time.After(2 * time.Second):
		t.Fatal("waiting run never returned")
	}
	assert.Equal(t, 1, m.RunCount(1))
	assert.Nil(t, m.Active())
}

func TestCheckActive_WritesReportAndTearsDown(t *testing.T) {
	ctx := context.Background()
	m, store, host := newTestManager(t, nil)

	require.NoError(t, m.RequestReview(ctx, 3, ""))
	active, err := m.RunReview(ctx, 3, false, false)
	require.NoError(t, err)

	assert.False(t, m.CheckActive(ctx), "no completion marker yet")

	finishReview(t, store, active, "verified the behavior")
	require.True(t, m.CheckActive(ctx))
	assert.Nil(t, m.Active())

	report, err := store.Read(ctx, active.OutputPath)
	require.NoError(t, err)
	assert.Contains(t, report, "verified the behavior")
	assert.Contains(t, report, "Attempt: 3")

	sess := host.Session(active.SessionID)
	require.NotNil(t, sess)
	assert.True(t, sess.Deleted, "review session deleted on completion")
}

func TestGatingState_SurvivesRestart(t *testing.T) {
	ctx := context.Background()
	m, store, host := newTestManager(t, nil)

	require.NoError(t, m.RequestReview(ctx, 1, ""))
	active, err := m.RunReview(ctx, 1, false, false)
	require.NoError(t, err)
	finishReview(t, store, active, "done")
	require.True(t, m.CheckActive(ctx))
	require.NoError(t, m.RequestReview(ctx, 2, "next round"))

	settings := config.DefaultSettings()
	reborn := NewManager(ctx, store, host, registry.New(),
		&fixedSettings{settings}, notify.NewRecorder(), logging.NewNop())

	assert.Equal(t, 1, reborn.RunCount(1))
	assert.True(t, reborn.Requested(2))
	assert.Nil(t, reborn.Active())

	// The consumed quota still gates the reborn manager.
	require.NoError(t, reborn.RequestReview(ctx, 1, ""))
	_, err = reborn.RunReview(ctx, 1, false, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota")
}
