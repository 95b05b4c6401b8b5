package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"go.uber.org/zap"

	"github.com/doeixd/opencode-ralph-rlm/internal/logging"
)

const (
	maxSettingsFileSize = 1024 * 1024 // 1MB
	defaultCacheTTL     = 10 * time.Second

	envPrefix = "RALPH_"
)

// rawSettings mirrors the YAML document. Pointer fields distinguish
// "absent" from an explicit zero/false.
type rawSettings struct {
	MaxAttempts    *int     `koanf:"max_attempts"`
	CommandTimeout Duration `koanf:"command_timeout"`
	KillGrace      Duration `koanf:"kill_grace"`
	VerifyCommand  []string `koanf:"verify_command"`
	WorkDir        string   `koanf:"work_dir"`
	DocRoot        string   `koanf:"doc_root"`

	MaxRlmSliceLines           *int `koanf:"max_rlm_slice_lines"`
	GrepRequiredThresholdLines *int `koanf:"grep_required_threshold_lines"`

	SubtaskConcurrency *int `koanf:"subtask_concurrency"`

	ReviewerEnabled              *bool  `koanf:"reviewer_enabled"`
	ReviewerRequireExplicitReady *bool  `koanf:"reviewer_require_explicit_ready"`
	ReviewRunsPerAttempt         *int   `koanf:"review_runs_per_attempt"`
	ReviewOutputDir              string `koanf:"review_output_dir"`

	QAPollInterval   Duration `koanf:"qa_poll_interval"`
	QADefaultTimeout Duration `koanf:"qa_default_timeout"`

	IdleDebounce      Duration `koanf:"idle_debounce"`
	HeartbeatInterval Duration `koanf:"heartbeat_interval"`
	StaleAfter        Duration `koanf:"stale_after"`

	GateMessage string `koanf:"gate_message"`

	PromptStrategist string `koanf:"prompt_strategist"`
	PromptWorker     string `koanf:"prompt_worker"`
	PromptReview     string `koanf:"prompt_review"`
	PromptSubtask    string `koanf:"prompt_subtask"`

	HTTPHost  string `koanf:"http_host"`
	HTTPPort  *int   `koanf:"http_port"`
	NATSURL   string `koanf:"nats_url"`
	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`
}

// Resolver loads and caches resolved settings.
//
// Settings never fails: malformed or missing input degrades to defaults.
// Results are cached for a short TTL so live edits become visible without
// re-parsing on every action.
type Resolver struct {
	path   string
	ttl    time.Duration
	logger *logging.Logger

	mu        sync.Mutex
	cached    *Settings
	fetchedAt time.Time

	watcher *fsnotify.Watcher
}

// NewResolver creates a resolver for the given settings file path.
// An empty path means defaults only (env overrides still apply).
func NewResolver(path string, logger *logging.Logger) *Resolver {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Resolver{
		path:   path,
		ttl:    defaultCacheTTL,
		logger: logger.Named("config"),
	}
}

// Settings returns the current resolved settings. Never returns nil and
// never fails.
func (r *Resolver) Settings() *Settings {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cached != nil && time.Since(r.fetchedAt) < r.ttl {
		return r.cached
	}
	r.cached = r.resolve()
	r.fetchedAt = time.Now()
	return r.cached
}

// Invalidate drops the cached settings so the next Settings call re-resolves.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	r.cached = nil
	r.mu.Unlock()
}

// Watch invalidates the cache early when the settings file changes on disk.
// The TTL cache remains the correctness mechanism; watch failures are
// swallowed after a warning.
func (r *Resolver) Watch(ctx context.Context) {
	if r.path == "" {
		return
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.logger.Warn(ctx, "settings watcher unavailable", zap.Error(err))
		return
	}
	// Watch the directory: editors replace files, which drops file-level watches.
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		r.logger.Warn(ctx, "settings watch failed", zap.Error(err))
		_ = watcher.Close()
		return
	}
	r.watcher = watcher

	go func() {
		defer watcher.Close()
		base := filepath.Base(r.path)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base {
					continue
				}
				if ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Rename) {
					r.logger.Debug(ctx, "settings file changed, invalidating cache")
					r.Invalidate()
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
}

// resolve builds Settings from file + env, clamping everything into range.
func (r *Resolver) resolve() *Settings {
	ctx := context.Background()
	k := koanf.New(".")

	if r.path != "" {
		if content, err := r.readSettingsFile(); err != nil {
			r.logger.Warn(ctx, "settings file unreadable, using defaults", zap.Error(err))
		} else if content != nil {
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				r.logger.Warn(ctx, "settings file malformed, using defaults", zap.Error(err))
				k = koanf.New(".")
			}
		}
	}

	// RALPH_MAX_ATTEMPTS -> max_attempts
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	}), nil); err != nil {
		r.logger.Warn(ctx, "env overrides unavailable", zap.Error(err))
	}

	var raw rawSettings
	if err := k.Unmarshal("", &raw); err != nil {
		r.logger.Warn(ctx, "settings unmarshal failed, using defaults", zap.Error(err))
		raw = rawSettings{}
	}

	return r.fromRaw(&raw)
}

func (r *Resolver) readSettingsFile() ([]byte, error) {
	info, err := os.Stat(r.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if info.Size() > maxSettingsFileSize {
		return nil, fmt.Errorf("settings file too large: %d bytes (max %d)", info.Size(), maxSettingsFileSize)
	}
	return os.ReadFile(r.path)
}

// fromRaw applies defaults and clamps every field.
func (r *Resolver) fromRaw(raw *rawSettings) *Settings {
	s := DefaultSettings()

	s.MaxAttempts = clampInt(raw.MaxAttempts, s.MaxAttempts, minAttempts, maxAttempts)
	s.CommandTimeout = clampDuration(raw.CommandTimeout, s.CommandTimeout, time.Second, 24*time.Hour)
	s.KillGrace = clampDuration(raw.KillGrace, s.KillGrace, 500*time.Millisecond, 30*time.Second)

	if len(raw.VerifyCommand) > 0 {
		s.VerifyCommand = raw.VerifyCommand
	}
	if raw.WorkDir != "" {
		s.WorkDir = raw.WorkDir
	}
	if raw.DocRoot != "" {
		s.DocRoot = raw.DocRoot
	}

	// The grep threshold bound depends on the resolved slice limit, so the
	// independent field resolves first.
	s.MaxRlmSliceLines = clampInt(raw.MaxRlmSliceLines, s.MaxRlmSliceLines, minSliceLines, maxSliceLines)
	s.GrepRequiredThresholdLines = clampInt(raw.GrepRequiredThresholdLines,
		min(s.GrepRequiredThresholdLines, s.MaxRlmSliceLines), minSliceLines, s.MaxRlmSliceLines)

	s.SubtaskConcurrency = clampInt(raw.SubtaskConcurrency, s.SubtaskConcurrency, minConcurrency, maxConcurrency)

	if raw.ReviewerEnabled != nil {
		s.ReviewerEnabled = *raw.ReviewerEnabled
	}
	if raw.ReviewerRequireExplicitReady != nil {
		s.ReviewerRequireExplicitReady = *raw.ReviewerRequireExplicitReady
	}
	s.ReviewRunsPerAttempt = clampInt(raw.ReviewRunsPerAttempt, s.ReviewRunsPerAttempt, minReviewRuns, maxReviewRuns)
	if raw.ReviewOutputDir != "" {
		s.ReviewOutputDir = raw.ReviewOutputDir
	}

	s.QAPollInterval = clampDuration(raw.QAPollInterval, s.QAPollInterval, time.Second, time.Minute)
	s.QADefaultTimeout = clampDuration(raw.QADefaultTimeout, s.QADefaultTimeout, time.Minute, 24*time.Hour)

	s.IdleDebounce = clampDuration(raw.IdleDebounce, s.IdleDebounce, 100*time.Millisecond, 10*time.Second)
	s.HeartbeatInterval = clampDuration(raw.HeartbeatInterval, s.HeartbeatInterval, 5*time.Second, 10*time.Minute)
	s.StaleAfter = clampDuration(raw.StaleAfter, s.StaleAfter, time.Minute, 24*time.Hour)

	if raw.GateMessage != "" {
		s.GateMessage = raw.GateMessage
	}

	s.PromptStrategist = r.resolvePrompt(raw.PromptStrategist, s.PromptStrategist)
	s.PromptWorker = r.resolvePrompt(raw.PromptWorker, s.PromptWorker)
	s.PromptReview = r.resolvePrompt(raw.PromptReview, s.PromptReview)
	s.PromptSubtask = r.resolvePrompt(raw.PromptSubtask, s.PromptSubtask)

	if raw.HTTPHost != "" {
		s.HTTPHost = raw.HTTPHost
	}
	if raw.HTTPPort != nil && *raw.HTTPPort >= 1 && *raw.HTTPPort <= 65535 {
		s.HTTPPort = *raw.HTTPPort
	}
	if raw.NATSURL != "" {
		s.NATSURL = raw.NATSURL
	}
	if raw.LogLevel != "" {
		if _, err := logging.LevelFromString(raw.LogLevel); err == nil {
			s.LogLevel = raw.LogLevel
		}
	}
	if raw.LogFormat == "json" || raw.LogFormat == "console" {
		s.LogFormat = raw.LogFormat
	}

	return s
}

// resolvePrompt returns the override as-is, or the contents of a "file:"
// reference. Unreadable references fall back to the default.
func (r *Resolver) resolvePrompt(override, fallback string) string {
	if override == "" {
		return fallback
	}
	if path, ok := strings.CutPrefix(override, "file:"); ok {
		content, err := os.ReadFile(path)
		if err != nil {
			r.logger.Warn(context.Background(), "prompt file unreadable, using default",
				zap.String("path", path), zap.Error(err))
			return fallback
		}
		return string(content)
	}
	return override
}

func clampInt(v *int, def, lo, hi int) int {
	if v == nil {
		return clampIntValue(def, lo, hi)
	}
	return clampIntValue(*v, lo, hi)
}

func clampIntValue(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampDuration(v Duration, def, lo, hi time.Duration) time.Duration {
	d := v.Duration()
	if d == 0 {
		d = def
	}
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
