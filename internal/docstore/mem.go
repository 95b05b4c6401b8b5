package docstore

import (
	"context"
	"fmt"
	"sync"
)

// MemStore is an in-memory Store for tests.
type MemStore struct {
	mu   sync.RWMutex
	docs map[string]string
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{docs: make(map[string]string)}
}

func (s *MemStore) Read(ctx context.Context, path string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	content, ok := s.docs[path]
	if !ok {
		return "", fmt.Errorf("read %s: document not found", path)
	}
	return content, nil
}

func (s *MemStore) Write(ctx context.Context, path, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[path] = content
	return nil
}

func (s *MemStore) Append(ctx context.Context, path, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[path] += content
	return nil
}

func (s *MemStore) Exists(ctx context.Context, path string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.docs[path]
	return ok, nil
}

func (s *MemStore) EnsureDefault(ctx context.Context, path, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[path]; !ok {
		s.docs[path] = content
	}
	return nil
}

// Paths returns all document paths, for test assertions.
func (s *MemStore) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	paths := make([]string, 0, len(s.docs))
	for p := range s.docs {
		paths = append(paths, p)
	}
	return paths
}
