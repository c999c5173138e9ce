package messaging

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	InsertNotification(ctx context.Context, n *Notification) error
	ListNotifications(ctx context.Context, q NotificationQuery) ([]*Notification, error)
	// MarkRead marks the given notifications of actorID read, or all of them
	// when ids is empty, and returns how many changed.
	MarkRead(ctx context.Context, actorID string, ids []uuid.UUID) (int, error)

	InsertMessage(ctx context.Context, m *ChatMessage) error
	// ListMessages returns an appointment's chat, oldest first.
	ListMessages(ctx context.Context, appointmentID uuid.UUID, limit, offset int) ([]*ChatMessage, error)
}
