package ports

import (
	"context"
	"time"

	"github.com/alejandrodnm/graduator/internal/domain"
)

// SagaStore persists graduation tasks. Every Save is durable before it returns.
type SagaStore interface {
	// Load returns every task keyed by task id.
	Load(ctx context.Context) (map[string]*domain.GraduationTask, error)

	// Get returns one task or domain.ErrNotFound.
	Get(ctx context.Context, taskID string) (*domain.GraduationTask, error)

	// Save atomically replaces the full record.
	Save(ctx context.Context, task *domain.GraduationTask) error

	// GetIncomplete returns non-terminal tasks ordered by StartedAt.
	GetIncomplete(ctx context.Context) ([]*domain.GraduationTask, error)

	Remove(ctx context.Context, taskID string) error

	// PruneTerminal deletes COMPLETED tasks, and FAILED tasks holding no
	// extracted funds, last updated before cutoff.
	PruneTerminal(ctx context.Context, cutoff time.Time) (int64, error)

	// ReservedCoinIDs returns coin handles held by tasks that have not completed.
	ReservedCoinIDs(ctx context.Context) ([]string, error)
}

// PollerState persists the event poller's cursors and de-dup set.
type PollerState interface {
	Cursor(ctx context.Context, pkg string) (domain.EventID, error)
	SaveCursor(ctx context.Context, pkg string, cursor domain.EventID, processedAt time.Time) error
	LastProcessedTime(ctx context.Context) (time.Time, error)

	MarkEventProcessed(ctx context.Context, txDigest, taskID string, at time.Time) error
	ProcessedEvents(ctx context.Context) (map[string]string, error)
}
