// Package sessionhost defines the boundary to the mechanism that actually
// creates and prompts child agent sessions.
//
// The core treats every call as best-effort: a failing host must never crash
// the supervisor, only degrade the operation that needed it.
package sessionhost

import "context"

// Host instantiates and drives opaque child execution contexts.
type Host interface {
	// Create starts a new session and returns its id.
	Create(ctx context.Context, title string) (string, error)

	// Prompt sends text to a session, fire-and-forget.
	Prompt(ctx context.Context, id, text string) error

	// Abort interrupts whatever the session is doing.
	Abort(ctx context.Context, id string) error

	// Delete tears the session down.
	Delete(ctx context.Context, id string) error
}
