package relay

import (
	"context"
	"sync"
)

// Store persists turns and context snapshots so a thread can resume after a
// restart. Writes happen at turn boundaries, never mid-turn.
type Store interface {
	// SaveTurn appends or updates a turn record.
	SaveTurn(ctx context.Context, turn *Turn) error

	// LoadThread reconstructs a thread from its persisted turns and latest
	// context snapshot. An unknown id returns an empty thread, not an error.
	LoadThread(ctx context.Context, threadID string) (*Thread, error)

	// SaveContext records the latest compressed context for a thread.
	SaveContext(ctx context.Context, threadID string, cc *CompressedContext) error

	// Close releases underlying resources.
	Close() error
}

// MemoryStore is an in-process Store for tests and embedded use.
type MemoryStore struct {
	mu       sync.Mutex
	turns    map[string][]*Turn
	contexts map[string]*CompressedContext
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		turns:    make(map[string][]*Turn),
		contexts: make(map[string]*CompressedContext),
	}
}

func (s *MemoryStore) SaveTurn(_ context.Context, turn *Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *turn
	list := s.turns[turn.ThreadID]
	for i, existing := range list {
		if existing.ID == turn.ID {
			list[i] = &cp
			return nil
		}
	}
	s.turns[turn.ThreadID] = append(list, &cp)
	return nil
}

func (s *MemoryStore) LoadThread(_ context.Context, threadID string) (*Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	thread := &Thread{ID: threadID}
	for _, t := range s.turns[threadID] {
		cp := *t
		thread.Turns = append(thread.Turns, &cp)
	}
	if cc, ok := s.contexts[threadID]; ok {
		cp := *cc
		thread.Context = &cp
	}
	return thread, nil
}

func (s *MemoryStore) SaveContext(_ context.Context, threadID string, cc *CompressedContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *cc
	s.contexts[threadID] = &cp
	return nil
}

func (s *MemoryStore) Close() error { return nil }
