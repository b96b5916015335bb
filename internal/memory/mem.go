package memory

import (
	"context"
	"sync"

	"github.com/nugget/parley/internal/chat"
)

// MemStore is an in-process Store. It backs the ask command and tests.
type MemStore struct {
	mu            sync.RWMutex
	conversations map[string]chat.History
}

// NewMemStore creates an empty in-process store.
func NewMemStore() *MemStore {
	return &MemStore{conversations: make(map[string]chat.History)}
}

// Load returns a copy of the stored history.
func (s *MemStore) Load(_ context.Context, conversationID string) (chat.History, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.conversations[conversationID]
	if !ok {
		return chat.History{}, nil
	}
	return h.Clone(), nil
}

// Save stores a copy of h.
func (s *MemStore) Save(_ context.Context, conversationID string, h chat.History) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := h.Clone()
	if c == nil {
		c = chat.History{}
	}
	s.conversations[conversationID] = c
	return nil
}

// Delete removes the conversation.
func (s *MemStore) Delete(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[conversationID]; !ok {
		return ErrNotFound
	}
	delete(s.conversations, conversationID)
	return nil
}
