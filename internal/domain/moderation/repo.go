package moderation

import "context"

type Repository interface {
	// SetBlocked applies c only when it changes the stored state and reports
	// whether it did.
	SetBlocked(ctx context.Context, c Change) (bool, error)
	Get(ctx context.Context, actorID string) (Record, error)
	ListBlocked(ctx context.Context) ([]string, error)
}
