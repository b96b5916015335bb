package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/parley/internal/chat"
	"github.com/nugget/parley/internal/memory"
)

// ScheduledTaskPrefix starts the message recorded when a task fires.
const ScheduledTaskPrefix = "Running scheduled task: "

// Notifier records fired scheduled tasks in their conversation. It never
// invokes the model; the user sees the message the next time the history
// is read.
type Notifier struct {
	store  memory.Store
	logger *slog.Logger
	clock  func() time.Time
}

// NewNotifier creates a notifier that writes to store.
func NewNotifier(store memory.Store, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{store: store, logger: logger, clock: time.Now}
}

// Notify appends a user message announcing the task to the latest stored
// history and saves it. Repeated calls append repeated messages.
func (n *Notifier) Notify(ctx context.Context, conversationID, description string) error {
	h, err := n.store.Load(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	msg := chat.Message{
		ID:        chat.NewID(),
		Role:      chat.RoleUser,
		Parts:     []chat.Part{chat.Text(ScheduledTaskPrefix + description)},
		CreatedAt: n.clock(),
	}
	if err := n.store.Save(ctx, conversationID, h.Append(msg)); err != nil {
		return fmt.Errorf("save history: %w", err)
	}

	n.logger.Info("scheduled task recorded",
		"conversation_id", conversationID,
		"message_id", msg.ID,
		"description", description,
	)
	return nil
}
