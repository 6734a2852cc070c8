package graduation

import (
	"context"
	"fmt"
	"time"

	"github.com/alejandrodnm/graduator/internal/ports"
)

// Requeue resets a FAILED task to the status its step flags justify, so the
// next run resumes it. Extracted funds and pool address are kept.
func Requeue(ctx context.Context, store ports.SagaStore, taskID string, now time.Time) error {
	t, err := store.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("graduation.Requeue: %w", err)
	}
	if err := t.Requeue(now); err != nil {
		return fmt.Errorf("graduation.Requeue %s: %w", taskID, err)
	}
	if err := store.Save(ctx, t); err != nil {
		return fmt.Errorf("graduation.Requeue %s: %w", taskID, err)
	}
	return nil
}

// Cancel marks a non-terminal task FAILED so no further automatic attempts
// are made.
func Cancel(ctx context.Context, store ports.SagaStore, taskID, reason string, now time.Time) error {
	t, err := store.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("graduation.Cancel: %w", err)
	}
	if reason == "" {
		reason = "cancelled by operator"
	}
	if err := t.Fail(reason, now); err != nil {
		return fmt.Errorf("graduation.Cancel %s: %w", taskID, err)
	}
	if err := store.Save(ctx, t); err != nil {
		return fmt.Errorf("graduation.Cancel %s: %w", taskID, err)
	}
	return nil
}
