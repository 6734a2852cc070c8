package ports

import (
	"context"

	"github.com/alejandrodnm/graduator/internal/domain"
)

// Notifier tells the external indexing service about a newly seeded pool.
// Best-effort: callers log failures and move on.
type Notifier interface {
	NotifyPoolCreated(ctx context.Context, evt domain.PoolCreated) error
}

// EventPublisher emits task lifecycle transitions to downstream consumers.
type EventPublisher interface {
	Publish(ctx context.Context, evt domain.TaskEvent) error
}
