// Package mock provides an in-memory store for tests. Threads are deep-copied
// on load and save so callers cannot mutate stored state by accident.
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/meetflow/pkg/store"
)

var (
	_ store.ConversationStore = (*Store)(nil)
	_ store.ChunkRetriever    = (*Store)(nil)
	_ store.Pinger            = (*Store)(nil)
)

// Store is an in-memory ConversationStore and ChunkRetriever.
type Store struct {
	mu      sync.Mutex
	threads map[string]store.Thread

	// LoadErr and SaveErr, when set, are returned by LoadThread/SaveThread.
	LoadErr error
	SaveErr error

	// PingErr is returned by Ping.
	PingErr error

	// Chunks are returned by SearchChunks, truncated to topK.
	Chunks    []store.ChunkResult
	SearchErr error

	// Saves counts successful SaveThread calls.
	Saves int
}

// LoadThread returns a copy of the stored thread or store.ErrNotFound.
func (s *Store) LoadThread(_ context.Context, id string) (*store.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.LoadErr != nil {
		return nil, s.LoadErr
	}
	t, ok := s.threads[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	t.Messages = slices.Clone(t.Messages)
	return &t, nil
}

// SaveThread stores a copy of t.
func (s *Store) SaveThread(_ context.Context, t *store.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SaveErr != nil {
		return s.SaveErr
	}
	if s.threads == nil {
		s.threads = make(map[string]store.Thread)
	}
	cp := *t
	cp.Messages = slices.Clone(t.Messages)
	s.threads[t.ConversationID] = cp
	s.Saves++
	return nil
}

// SearchChunks returns up to topK of Chunks.
func (s *Store) SearchChunks(_ context.Context, _ []float32, topK int) ([]store.ChunkResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SearchErr != nil {
		return nil, s.SearchErr
	}
	n := max(0, min(topK, len(s.Chunks)))
	return slices.Clone(s.Chunks[:n]), nil
}

// Ping returns PingErr.
func (s *Store) Ping(context.Context) error { return s.PingErr }
