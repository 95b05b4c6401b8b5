package sessionhost

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// FakeHost is a scripted Host for tests. It records every call and can be
// told to fail specific operations.
type FakeHost struct {
	mu       sync.Mutex
	sessions map[string]*FakeSession
	order    []string

	CreateErr error
	PromptErr error
}

// FakeSession is the recorded state of one created session.
type FakeSession struct {
	ID      string
	Title   string
	Prompts []string
	Aborted bool
	Deleted bool
}

// NewFakeHost creates an empty fake host.
func NewFakeHost() *FakeHost {
	return &FakeHost{sessions: make(map[string]*FakeSession)}
}

func (h *FakeHost) Create(ctx context.Context, title string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.CreateErr != nil {
		return "", h.CreateErr
	}
	id := uuid.New().String()
	h.sessions[id] = &FakeSession{ID: id, Title: title}
	h.order = append(h.order, id)
	return id, nil
}

func (h *FakeHost) Prompt(ctx context.Context, id, text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.PromptErr != nil {
		return h.PromptErr
	}
	sess, ok := h.sessions[id]
	if !ok {
		return fmt.Errorf("unknown session %s", id)
	}
	sess.Prompts = append(sess.Prompts, text)
	return nil
}

func (h *FakeHost) Abort(ctx context.Context, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sess, ok := h.sessions[id]; ok {
		sess.Aborted = true
	}
	return nil
}

func (h *FakeHost) Delete(ctx context.Context, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sess, ok := h.sessions[id]; ok {
		sess.Deleted = true
	}
	return nil
}

// Session returns the recorded session, or nil.
func (h *FakeHost) Session(id string) *FakeSession {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessions[id]
}

// Created returns session ids in creation order.
func (h *FakeHost) Created() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.order))
	copy(out, h.order)
	return out
}
