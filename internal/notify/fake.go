package notify

import (
	"context"
	"strings"
	"sync"
)

// Recorder is a Notifier that captures notifications for test assertions.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
}

// Entry is one captured notification.
type Entry struct {
	Severity Severity
	Text     string
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) ShowStatus(ctx context.Context, severity Severity, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, Entry{Severity: severity, Text: text})
}

// All returns every captured notification.
func (r *Recorder) All() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Contains reports whether any notification text contains substr.
func (r *Recorder) Contains(substr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if strings.Contains(e.Text, substr) {
			return true
		}
	}
	return false
}
