// Package memory persists conversation histories. The store is the single
// writer of record: the agent loads the latest snapshot before every turn
// and saves the complete history when the turn finishes.
package memory

import (
	"context"
	"errors"
	"time"

	"github.com/nugget/parley/internal/chat"
)

// ErrNotFound is returned when a conversation does not exist.
var ErrNotFound = errors.New("conversation not found")

// Store loads and saves whole conversation histories.
type Store interface {
	// Load returns the stored history. An unknown conversation yields an
	// empty history and no error.
	Load(ctx context.Context, conversationID string) (chat.History, error)
	// Save replaces the stored history with h.
	Save(ctx context.Context, conversationID string, h chat.History) error
	// Delete removes the conversation. It returns ErrNotFound when
	// nothing was stored.
	Delete(ctx context.Context, conversationID string) error
}

// Conversation summarizes one stored conversation.
type Conversation struct {
	ID        string    `json:"id"`
	Messages  int       `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
