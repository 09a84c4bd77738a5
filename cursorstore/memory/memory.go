// Package memory provides an in-process cursorstore.Store for single-node
// deployments and tests.
package memory

import (
	"context"
	"sync"

	"github.com/opencode-studio/eventstream-go/cursorstore"
)

// Store keeps cursors in a map. Safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	cursors map[string]string
}

// New creates an empty store.
func New() *Store {
	return &Store{cursors: make(map[string]string)}
}

func (s *Store) Load(ctx context.Context, label string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursors[label], nil
}

func (s *Store) Save(ctx context.Context, label, cursor string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[label] = cursor
	return nil
}

func (s *Store) Close() error { return nil }

var _ cursorstore.Store = (*Store)(nil)
