// Package docstore defines the document store boundary.
//
// Protocol state lives in plain hierarchical key->text documents owned by
// an external store. The core never depends on atomic multi-document
// transactions; every operation touches a single path.
package docstore

import (
	"context"
)

// Store is the external document store collaborator.
type Store interface {
	// Read returns the document at path. Missing documents are an error
	// (callers substitute placeholders at the call site).
	Read(ctx context.Context, path string) (string, error)

	// Write replaces the document at path, creating parents as needed.
	Write(ctx context.Context, path, content string) error

	// Append adds content to the end of the document at path, creating it
	// if absent.
	Append(ctx context.Context, path, content string) error

	// Exists reports whether a document is present at path.
	Exists(ctx context.Context, path string) (bool, error)

	// EnsureDefault writes content at path only if no document exists there.
	EnsureDefault(ctx context.Context, path, content string) error
}

// ReadOr returns the document at path, or fallback when the read fails.
// The conventional fallback for display surfaces is "(missing)".
func ReadOr(ctx context.Context, s Store, path, fallback string) string {
	content, err := s.Read(ctx, path)
	if err != nil {
		return fallback
	}
	return content
}

// Missing is the placeholder substituted for unreadable documents.
const Missing = "(missing)"
