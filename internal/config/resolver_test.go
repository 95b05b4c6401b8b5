package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doeixd/opencode-ralph-rlm/internal/logging"
)

func writeSettings(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestResolver_MissingFileUsesDefaults(t *testing.T) {
	r := NewResolver(filepath.Join(t.TempDir(), "absent.yaml"), logging.NewTestLogger().Logger)
	s := r.Settings()

	assert.Equal(t, 25, s.MaxAttempts)
	assert.Equal(t, 500, s.MaxRlmSliceLines)
	assert.Equal(t, 3, s.SubtaskConcurrency)
	assert.Equal(t, 5*time.Second, s.QAPollInterval)
}

func TestResolver_MalformedFileUsesDefaults(t *testing.T) {
	logger := logging.NewTestLogger()
	path := writeSettings(t, "max_attempts: [this is not\n  an int\n")
	r := NewResolver(path, logger.Logger)

	s := r.Settings()
	require.NotNil(t, s)
	assert.Equal(t, 25, s.MaxAttempts)
}

func TestResolver_ClampsRanges(t *testing.T) {
	path := writeSettings(t, `
max_attempts: 100000
max_rlm_slice_lines: 3
subtask_concurrency: 99
review_runs_per_attempt: 0
`)
	r := NewResolver(path, logging.NewNop())
	s := r.Settings()

	assert.Equal(t, 500, s.MaxAttempts)
	assert.Equal(t, 10, s.MaxRlmSliceLines)
	assert.Equal(t, 16, s.SubtaskConcurrency)
	assert.Equal(t, 1, s.ReviewRunsPerAttempt)
}

func TestResolver_GrepThresholdNeverExceedsSliceLimit(t *testing.T) {
	cases := []struct {
		name      string
		yaml      string
		slice     int
		threshold int
	}{
		{"threshold above slice", "max_rlm_slice_lines: 100\ngrep_required_threshold_lines: 900\n", 100, 100},
		{"threshold below slice", "max_rlm_slice_lines: 800\ngrep_required_threshold_lines: 200\n", 800, 200},
		{"only slice shrinks below default threshold", "max_rlm_slice_lines: 50\n", 50, 50},
		{"neither set", "", 500, 300},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := NewResolver(writeSettings(t, tc.yaml), logging.NewNop())
			s := r.Settings()
			assert.Equal(t, tc.slice, s.MaxRlmSliceLines)
			assert.Equal(t, tc.threshold, s.GrepRequiredThresholdLines)
			assert.LessOrEqual(t, s.GrepRequiredThresholdLines, s.MaxRlmSliceLines)
		})
	}
}

func TestResolver_BoolOverrides(t *testing.T) {
	path := writeSettings(t, "reviewer_enabled: false\nreviewer_require_explicit_ready: false\n")
	r := NewResolver(path, logging.NewNop())
	s := r.Settings()

	assert.False(t, s.ReviewerEnabled)
	assert.False(t, s.ReviewerRequireExplicitReady)
}

func TestResolver_EnvOverride(t *testing.T) {
	t.Setenv("RALPH_MAX_ATTEMPTS", "7")
	r := NewResolver("", logging.NewNop())
	assert.Equal(t, 7, r.Settings().MaxAttempts)
}

func TestResolver_CachesWithinTTL(t *testing.T) {
	path := writeSettings(t, "max_attempts: 5\n")
	r := NewResolver(path, logging.NewNop())
	assert.Equal(t, 5, r.Settings().MaxAttempts)

	require.NoError(t, os.WriteFile(path, []byte("max_attempts: 9\n"), 0o600))
	// Still cached.
	assert.Equal(t, 5, r.Settings().MaxAttempts)

	r.Invalidate()
	assert.Equal(t, 9, r.Settings().MaxAttempts)
}

func TestResolver_PromptFileReference(t *testing.T) {
	promptPath := filepath.Join(t.TempDir(), "worker.txt")
	require.NoError(t, os.WriteFile(promptPath, []byte("custom worker prompt"), 0o600))

	path := writeSettings(t, "prompt_worker: file:"+promptPath+"\nprompt_strategist: file:/nonexistent/p.txt\n")
	r := NewResolver(path, logging.NewNop())
	s := r.Settings()

	assert.Equal(t, "custom worker prompt", s.PromptWorker)
	// Unreadable reference falls back to the default.
	assert.Equal(t, DefaultSettings().PromptStrategist, s.PromptStrategist)
}
