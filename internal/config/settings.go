// Package config provides the bounded settings resolver for ralphd.
//
// Raw settings come from a YAML file with RALPH_* environment overrides.
// Every numeric field is clamped into a safe range and malformed input
// degrades to defaults; resolution never fails.
package config

import "time"

// Settings is the fully-defaulted, range-clamped configuration.
type Settings struct {
	// Attempt loop
	MaxAttempts    int
	CommandTimeout time.Duration // 0 means no timeout
	KillGrace      time.Duration
	VerifyCommand  []string
	WorkDir        string
	DocRoot        string

	// RLM slicing
	MaxRlmSliceLines           int
	GrepRequiredThresholdLines int

	// Sub-tasks
	SubtaskConcurrency int

	// Reviews
	ReviewerEnabled              bool
	ReviewerRequireExplicitReady bool
	ReviewRunsPerAttempt         int
	ReviewOutputDir              string

	// Q&A
	QAPollInterval   time.Duration
	QADefaultTimeout time.Duration

	// Event handling
	IdleDebounce      time.Duration
	HeartbeatInterval time.Duration
	StaleAfter        time.Duration

	// Gate
	GateMessage string

	// Prompts, each resolved from a literal or a "file:" reference.
	PromptStrategist string
	PromptWorker     string
	PromptReview     string
	PromptSubtask    string

	// Daemon surfaces
	HTTPHost  string
	HTTPPort  int
	NATSURL   string
	LogLevel  string
	LogFormat string
}

// Bound pairs for every clamped numeric field.
const (
	minAttempts = 1
	maxAttempts = 500

	minSliceLines = 10
	maxSliceLines = 2000

	minConcurrency = 1
	maxConcurrency = 16

	minReviewRuns = 1
	maxReviewRuns = 10
)

// DefaultGateMessage is returned to gated sessions that act before loading context.
const DefaultGateMessage = "context not loaded: call context_load before any destructive action this attempt"

// DefaultSettings returns the configuration used when no raw settings exist.
func DefaultSettings() *Settings {
	return &Settings{
		MaxAttempts:    25,
		CommandTimeout: 10 * time.Minute,
		KillGrace:      2 * time.Second,
		WorkDir:        ".",
		DocRoot:        ".ralph",

		MaxRlmSliceLines:           500,
		GrepRequiredThresholdLines: 300,

		SubtaskConcurrency: 3,

		ReviewerEnabled:              true,
		ReviewerRequireExplicitReady: true,
		ReviewRunsPerAttempt:         1,
		ReviewOutputDir:              "reviews",

		QAPollInterval:   5 * time.Second,
		QADefaultTimeout: 30 * time.Minute,

		IdleDebounce:      800 * time.Millisecond,
		HeartbeatInterval: 30 * time.Second,
		StaleAfter:        10 * time.Minute,

		GateMessage: DefaultGateMessage,

		PromptStrategist: defaultStrategistPrompt,
		PromptWorker:     defaultWorkerPrompt,
		PromptReview:     defaultReviewPrompt,
		PromptSubtask:    defaultSubtaskPrompt,

		HTTPHost:  "localhost",
		HTTPPort:  9290,
		LogLevel:  "info",
		LogFormat: "json",
	}
}

const (
	defaultStrategistPrompt = `You are the strategist for attempt {{attempt}}. Review the previous ` +
		`attempt summary, update the plan documents, then delegate one worker via the supervisor.`
	defaultWorkerPrompt = `You are the worker for attempt {{attempt}}. Load context first, ` +
		`then perform the planned work and stop when done.`
	defaultReviewPrompt = `You are a read-only reviewer. Inspect the current state of the work, ` +
		`write your findings to your scratch document, and finish with the completion marker.`
	defaultSubtaskPrompt = `You are an isolated sub-task session. Goal: {{goal}}. Write results ` +
		`to your scratch document and finish with the completion marker.`
)
