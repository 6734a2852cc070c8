package graduation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/graduator/internal/application/retry"
	"github.com/alejandrodnm/graduator/internal/domain"
	"github.com/alejandrodnm/graduator/internal/ports"
)

// Resumer reloads unfinished tasks after a restart.
type Resumer struct {
	ledger ports.LedgerReader
	store  ports.SagaStore
	retry  *retry.Controller
	now    func() time.Time
}

func NewResumer(ledger ports.LedgerReader, store ports.SagaStore, rc *retry.Controller) *Resumer {
	return &Resumer{ledger: ledger, store: store, retry: rc, now: time.Now}
}

// Resume returns the non-terminal tasks to run, oldest first. A task whose
// curve is already seeded on-chain but that holds no extracted funds is
// marked FAILED: we cannot tell which funds belong to it.
func (r *Resumer) Resume(ctx context.Context) ([]*domain.GraduationTask, error) {
	tasks, err := r.store.GetIncomplete(ctx)
	if err != nil {
		return nil, fmt.Errorf("graduation.Resume: %w", err)
	}

	var out []*domain.GraduationTask
	for _, t := range tasks {
		var st domain.CurveState
		err := r.retry.Run(ctx, "get_curve_state", func(ctx context.Context) error {
			var err error
			st, err = r.ledger.GetCurveState(ctx, domain.CurveRef{
				CurveID: t.TaskID, AssetID: t.AssetID, Package: t.ContractVersion,
			})
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// The executor re-checks chain state before any write that depends on it.
			slog.Warn("graduation: resume could not read curve state", "task", t.TaskID, "err", err)
			out = append(out, t)
			continue
		}

		if st.LiquiditySeeded && t.ExtractedFunds == nil {
			if err := t.Fail(domain.ErrExternallyCompleted.Error(), r.now()); err != nil {
				return nil, err
			}
			if err := r.store.Save(ctx, t); err != nil {
				return nil, fmt.Errorf("graduation.Resume: save %s: %w", t.TaskID, err)
			}
			slog.Error("graduation: curve seeded without local record, manual reconciliation needed",
				"task", t.TaskID, "asset", t.AssetID)
			continue
		}

		slog.Info("graduation: resuming task",
			"task", t.TaskID,
			"status", t.Status,
			"next", t.NextStep(),
			"funds_held", t.ExtractedFunds != nil,
			"pool", t.PoolAddress,
		)
		out = append(out, t)
	}
	return out, nil
}
