package graduation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/graduator/internal/domain"
	"github.com/alejandrodnm/graduator/internal/ports"
)

const (
	defaultPageSize = 50
	defaultMaxPages = 10
)

// PollerConfig lists the curve packages (contract versions) to watch.
type PollerConfig struct {
	Packages []string
	PageSize int
	MaxPages int // pages followed per package per tick
}

// Poller turns graduation events into tasks, oldest first. A package's cursor
// only advances after every event on the page has been persisted as a task or
// recorded as processed, so a crash re-reads the page and the digest de-dup
// turns the replay into a no-op.
type Poller struct {
	ledger ports.LedgerReader
	store  ports.SagaStore
	state  ports.PollerState
	cfg    PollerConfig
	now    func() time.Time
}

func NewPoller(ledger ports.LedgerReader, store ports.SagaStore, state ports.PollerState, cfg PollerConfig) *Poller {
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = defaultMaxPages
	}
	return &Poller{ledger: ledger, store: store, state: state, cfg: cfg, now: time.Now}
}

// Poll reads new events from every package. processed maps graduation tx
// digests to task ids and is updated in place. The tasks returned are the
// ones to queue, in detection order: new tasks, plus unfinished tasks an
// unprocessed event points at. On error, tasks found before it are still
// returned.
func (p *Poller) Poll(ctx context.Context, processed map[string]string) ([]*domain.GraduationTask, error) {
	var found []*domain.GraduationTask
	seen := make(map[string]struct{})
	for _, pkg := range p.cfg.Packages {
		tasks, err := p.pollPackage(ctx, pkg, processed)
		for _, t := range tasks {
			if _, dup := seen[t.TaskID]; dup {
				continue
			}
			seen[t.TaskID] = struct{}{}
			found = append(found, t)
		}
		if err != nil {
			return found, fmt.Errorf("graduation.Poll %s: %w", pkg, err)
		}
	}
	return found, nil
}

func (p *Poller) pollPackage(ctx context.Context, pkg string, processed map[string]string) ([]*domain.GraduationTask, error) {
	cursor, err := p.state.Cursor(ctx, pkg)
	if err != nil {
		return nil, err
	}

	var created []*domain.GraduationTask
	for page := 0; page < p.cfg.MaxPages; page++ {
		pg, err := p.ledger.QueryGraduationEvents(ctx, pkg, cursor, p.cfg.PageSize)
		if err != nil {
			return created, err
		}

		for _, ev := range pg.Events {
			if ev.Kind != domain.EventGraduated {
				continue
			}
			if _, seen := processed[ev.ID.TxDigest]; seen {
				continue
			}
			task, err := p.handle(ctx, ev, processed)
			if err != nil {
				return created, err
			}
			if task != nil {
				created = append(created, task)
			}
		}

		if !pg.NextCursor.IsZero() && pg.NextCursor != cursor {
			if err := p.state.SaveCursor(ctx, pkg, pg.NextCursor, p.now()); err != nil {
				return created, err
			}
			cursor = pg.NextCursor
		}
		if !pg.HasNextPage {
			break
		}
	}
	return created, nil
}

// handle creates the task for one graduation, or records a no-op. An
// existing task that is not terminal is returned so it gets queued: its event
// may have been saved without being marked processed.
func (p *Poller) handle(ctx context.Context, ev domain.LedgerEvent, processed map[string]string) (*domain.GraduationTask, error) {
	digest := ev.ID.TxDigest
	ref, err := p.ledger.ResolveCurve(ctx, digest)
	if errors.Is(err, domain.ErrNotFound) {
		slog.Warn("graduation: event without curve in effects, skipping", "tx", digest, "package", ev.Package)
		return nil, p.markProcessed(ctx, digest, "", processed)
	}
	if err != nil {
		return nil, err
	}
	if ev.CurveHint != "" && ev.CurveHint != ref.CurveID {
		slog.Warn("graduation: event payload names a different curve than tx effects",
			"tx", digest, "payload", ev.CurveHint, "effects", ref.CurveID)
	}

	existing, err := p.store.Get(ctx, ref.CurveID)
	switch {
	case err == nil:
		slog.Debug("graduation: task already exists", "task", existing.TaskID, "status", existing.Status, "tx", digest)
		if err := p.markProcessed(ctx, digest, existing.TaskID, processed); err != nil {
			return nil, err
		}
		if existing.Status.Terminal() {
			return nil, nil
		}
		return existing, nil
	case !errors.Is(err, domain.ErrNotFound):
		return nil, err
	}

	task := domain.NewGraduationTask(ref.CurveID, ref.AssetID, digest, ev.Package, p.now())
	if err := p.store.Save(ctx, task); err != nil {
		return nil, err
	}
	if err := p.markProcessed(ctx, digest, task.TaskID, processed); err != nil {
		return nil, err
	}
	slog.Info("graduation: detected",
		"task", task.TaskID,
		"asset", task.AssetID,
		"package", ev.Package,
		"tx", digest,
	)
	return task, nil
}

func (p *Poller) markProcessed(ctx context.Context, digest, taskID string, processed map[string]string) error {
	if err := p.state.MarkEventProcessed(ctx, digest, taskID, p.now()); err != nil {
		return err
	}
	processed[digest] = taskID
	return nil
}
