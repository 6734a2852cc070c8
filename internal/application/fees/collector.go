// Package fees periodically claims trading fees earned by locked positions
// and forwards them to the treasury.
package fees

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alejandrodnm/graduator/internal/application/retry"
	"github.com/alejandrodnm/graduator/internal/domain"
	"github.com/alejandrodnm/graduator/internal/observability"
	"github.com/alejandrodnm/graduator/internal/ports"
)

const (
	defaultInterval  = 24 * time.Hour
	coinTypeFragment = "::coin::Coin<"
)

// Config controls the collection loop.
type Config struct {
	Interval time.Duration
	Treasury string // recipient of collected fees; empty keeps them in the lock account
}

// Report summarizes one collection pass.
type Report struct {
	Positions int
	Collected int
	Skipped   int // nothing owed per the dry run
	Failed    int
	Forwarded int // coins sent to the treasury
}

// Collector claims fees for every position (or burn proof) owned by the
// ledger client's account.
type Collector struct {
	ledger  ports.Ledger
	retry   *retry.Controller
	cfg     Config
	metrics *observability.Metrics
}

func NewCollector(ledger ports.Ledger, rc *retry.Controller, cfg Config) *Collector {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	return &Collector{ledger: ledger, retry: rc, cfg: cfg}
}

func (c *Collector) WithMetrics(m *observability.Metrics) *Collector { c.metrics = m; return c }

// Run collects once immediately, then every Interval until ctx is done.
func (c *Collector) Run(ctx context.Context) {
	slog.Info("fees: collector started", "interval", c.cfg.Interval, "owner", c.ledger.Address(), "treasury", c.cfg.Treasury)
	c.runOnce(ctx)

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("fees: collector stopped")
			return
		case <-ticker.C:
			c.runOnce(ctx)
		}
	}
}

func (c *Collector) runOnce(ctx context.Context) {
	rep, err := c.RunOnce(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("fees: collection pass failed", "err", err)
		}
		return
	}
	slog.Info("fees: collection pass done",
		"positions", rep.Positions,
		"collected", rep.Collected,
		"skipped", rep.Skipped,
		"failed", rep.Failed,
		"forwarded", rep.Forwarded,
	)
}

// RunOnce performs a single pass. Only listing the positions can fail the
// pass; a failing position is logged and counted.
func (c *Collector) RunOnce(ctx context.Context) (Report, error) {
	owner := c.ledger.Address()
	var positions []domain.Position
	err := c.retry.Run(ctx, "owned_positions", func(ctx context.Context) error {
		var err error
		positions, err = c.ledger.OwnedPositions(ctx, owner)
		return err
	})
	if err != nil {
		return Report{}, fmt.Errorf("fees.RunOnce: %w", err)
	}

	rep := Report{Positions: len(positions)}
	for _, pos := range positions {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		pos, err := c.estimate(ctx, pos)
		if err != nil {
			rep.Failed++
			c.metrics.FeeCollection("failed")
			slog.Warn("fees: estimate failed", "position", pos.ObjectID, "pool", pos.PoolID, "err", err)
			continue
		}
		if !pos.HasFees() {
			rep.Skipped++
			c.metrics.FeeCollection("skipped")
			continue
		}
		n, err := c.collect(ctx, pos)
		rep.Forwarded += n
		if err != nil {
			rep.Failed++
			c.metrics.FeeCollection("failed")
			slog.Warn("fees: collect failed", "position", pos.ObjectID, "pool", pos.PoolID, "err", err)
			continue
		}
		rep.Collected++
		c.metrics.FeeCollection("collected")
	}
	return rep, nil
}

// estimate reads what a claim would pay out right now.
func (c *Collector) estimate(ctx context.Context, pos domain.Position) (domain.Position, error) {
	out := pos
	err := c.retry.Run(ctx, "estimate_fees", func(ctx context.Context) error {
		var err error
		out, err = c.ledger.EstimateFees(ctx, pos)
		return err
	})
	if err != nil {
		return pos, err
	}
	return out, nil
}

// collect claims one position's fees and forwards the resulting coins.
func (c *Collector) collect(ctx context.Context, pos domain.Position) (int, error) {
	res, err := c.retry.Do(ctx, "collect_fees", func(ctx context.Context) (domain.TxResult, error) {
		return c.ledger.CollectFees(ctx, pos)
	})
	if err != nil {
		return 0, err
	}
	slog.Info("fees: collected",
		"position", pos.ObjectID,
		"pool", pos.PoolID,
		"owed_a", pos.FeeOwedA,
		"owed_b", pos.FeeOwedB,
		"tx", res.Digest,
	)
	if c.cfg.Treasury == "" {
		return 0, nil
	}

	me := c.ledger.Address()
	var forwarded int
	var errs []error
	for _, ch := range res.Created(coinTypeFragment) {
		if !strings.EqualFold(ch.Owner, me) {
			continue
		}
		_, err := c.retry.Do(ctx, "forward_fees", func(ctx context.Context) (domain.TxResult, error) {
			return c.ledger.TransferObject(ctx, ch.ObjectID, c.cfg.Treasury)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("forward %s: %w", ch.ObjectID, err))
			continue
		}
		forwarded++
	}
	return forwarded, errors.Join(errs...)
}
