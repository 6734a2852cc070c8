// Package retry wraps single ledger writes with bounded exponential backoff.
//
// This is the operation-level retry: it retries one call within one executor
// invocation. Retrying the remaining steps of a task across process lifetimes
// is the saga's job, using whatever was persisted.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/graduator/internal/domain"
)

const (
	defaultMaxRetries = 5
	defaultBase       = 2 * time.Second
	defaultMaxDelay   = 2 * time.Minute
)

// Config controls attempts and backoff.
type Config struct {
	MaxRetries int           // total attempts, including the first
	Base       time.Duration // wait after the first failure
	MaxDelay   time.Duration // cap for a single wait; 0 = no cap
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{MaxRetries: defaultMaxRetries, Base: defaultBase, MaxDelay: defaultMaxDelay}
}

// SleepFunc waits d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Hook is called after every failed attempt that will be retried.
type Hook func(op string, attempt int, wait time.Duration, err error)

// Controller retries operations with exponential backoff.
type Controller struct {
	cfg   Config
	sleep SleepFunc
	hook  Hook
}

// New creates a Controller. Zero fields in cfg fall back to defaults.
func New(cfg Config) *Controller {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.Base <= 0 {
		cfg.Base = defaultBase
	}
	return &Controller{cfg: cfg, sleep: sleepCtx}
}

// WithSleep replaces the wait function (tests).
func (c *Controller) WithSleep(fn SleepFunc) *Controller {
	c.sleep = fn
	return c
}

// WithHook registers a retry observer (metrics).
func (c *Controller) WithHook(h Hook) *Controller {
	c.hook = h
	return c
}

// MaxRetries returns the configured attempt budget.
func (c *Controller) MaxRetries() int { return c.cfg.MaxRetries }

// Backoff returns the wait applied after the k-th failed attempt (k >= 1),
// i.e. before attempt k+1: base * 2^(k-1), capped at MaxDelay.
func (c *Controller) Backoff(k int) time.Duration {
	if k < 1 {
		k = 1
	}
	wait := c.cfg.Base
	for i := 1; i < k; i++ {
		wait *= 2
		if c.cfg.MaxDelay > 0 && wait >= c.cfg.MaxDelay {
			return c.cfg.MaxDelay
		}
	}
	if c.cfg.MaxDelay > 0 && wait > c.cfg.MaxDelay {
		return c.cfg.MaxDelay
	}
	return wait
}

type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent marks an error as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// Run calls fn until it returns nil, a permanent error, the attempt budget is
// spent, or ctx is cancelled.
func (c *Controller) Run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry %s: %w", op, err)
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if IsPermanent(lastErr) {
			return fmt.Errorf("retry %s: %w", op, lastErr)
		}
		if attempt == c.cfg.MaxRetries {
			break
		}

		wait := c.Backoff(attempt)
		slog.Warn("retry: attempt failed",
			"op", op,
			"attempt", attempt,
			"max", c.cfg.MaxRetries,
			"wait", wait,
			"err", lastErr,
		)
		if c.hook != nil {
			c.hook(op, attempt, wait, lastErr)
		}
		if err := c.sleep(ctx, wait); err != nil {
			return fmt.Errorf("retry %s: %w", op, err)
		}
	}
	return fmt.Errorf("retry %s: exhausted %d attempts: %w", op, c.cfg.MaxRetries, lastErr)
}

// Do runs a ledger write. Success means the ledger reported the transaction's
// status as successful, not merely that it was submitted.
func (c *Controller) Do(ctx context.Context, op string, fn func(ctx context.Context) (domain.TxResult, error)) (domain.TxResult, error) {
	var res domain.TxResult
	err := c.Run(ctx, op, func(ctx context.Context) error {
		r, err := fn(ctx)
		if err != nil {
			return err
		}
		if !r.Success {
			return fmt.Errorf("%w: tx %s: %s", domain.ErrTxFailed, r.Digest, r.Error)
		}
		res = r
		return nil
	})
	return res, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
