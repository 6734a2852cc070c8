package sui

// client.go: JSON-RPC transport for a Sui-style ledger.
//
// Reads go through call(), which retries transport errors with exponential
// backoff. Writes go through callOnce(): retrying a write is the Retry
// Controller's decision, not the transport's.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"
)

const (
	defaultRatePerSec = 20
	defaultTimeout    = 30 * time.Second
	defaultGasBudget  = 100_000_000
	defaultClockID    = "0x6"

	gasCoinType = "0x2::sui::SUI"

	maxRetries    = 3
	baseRetryWait = 500 * time.Millisecond
)

// Config carries the ledger and AMM object references the client needs.
type Config struct {
	RPCURL     string
	RatePerSec float64
	Timeout    time.Duration

	// Bonding-curve contract layout.
	CurveModule string // module that defines the curve and its entry points
	CurveStruct string // curve object struct name
	EventStruct string // graduation event struct name
	AdminCapID  string // optional capability passed before the curve
	ReserveType string // coin type the curve collects, default SUI

	GasBudget   uint64
	GasObjectID string // optional fixed gas coin

	AMM AMMConfig
}

// AMMConfig references the concentrated-liquidity AMM's shared objects.
type AMMConfig struct {
	PackageID      string
	GlobalConfigID string
	PoolsID        string
	ClockID        string
	BurnPackageID  string
	BurnManagerID  string
	LockMode       string // "burn" | "custodian"
	Custodian      string
}

const (
	LockBurn      = "burn"
	LockCustodian = "custodian"
)

// ReservedSource returns coin ids that must never be spent as gas.
type ReservedSource func(ctx context.Context) ([]string, error)

// Client implements ports.Ledger.
type Client struct {
	rpc      *rpc.Client
	limiter  *rate.Limiter
	signer   *Signer
	cfg      Config
	reserved ReservedSource

	// writeMu serializes gas selection through execution, so two writers
	// sharing the client never pick the same gas coin.
	writeMu sync.Mutex
}

// Dial connects to the JSON-RPC endpoint. signer may be nil for read-only use.
func Dial(ctx context.Context, cfg Config, signer *Signer) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("sui.Dial: rpc url required")
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = defaultRatePerSec
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.GasBudget == 0 {
		cfg.GasBudget = defaultGasBudget
	}
	if cfg.ReserveType == "" {
		cfg.ReserveType = gasCoinType
	}
	if cfg.AMM.ClockID == "" {
		cfg.AMM.ClockID = defaultClockID
	}
	if cfg.AMM.LockMode == "" {
		cfg.AMM.LockMode = LockBurn
	}

	rc, err := rpc.DialOptions(ctx, cfg.RPCURL, rpc.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}))
	if err != nil {
		return nil, fmt.Errorf("sui.Dial: %w", err)
	}
	burst := int(math.Max(1, cfg.RatePerSec/2))
	return &Client{
		rpc:     rc,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst),
		signer:  signer,
		cfg:     cfg,
	}, nil
}

// SetReservedSource installs the gas-coin exclusion list provider.
func (c *Client) SetReservedSource(fn ReservedSource) {
	c.reserved = fn
}

// Close releases the underlying connection.
func (c *Client) Close() {
	c.rpc.Close()
}

// Address returns the signer's account, or "" when read-only.
func (c *Client) Address() string {
	if c.signer == nil {
		return ""
	}
	return c.signer.Address()
}

// call issues a read with rate limiting and retries on transport errors.
// JSON-RPC errors returned by the node are not retried.
func (c *Client) call(ctx context.Context, out any, method string, args ...any) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := c.callOnce(ctx, out, method, args...)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable(err) || attempt == maxRetries {
			break
		}
		slog.Debug("sui: retrying read", "method", method, "attempt", attempt+1, "err", err)
		if err := sleep(ctx, attempt); err != nil {
			return err
		}
	}
	return lastErr
}

func (c *Client) callOnce(ctx context.Context, out any, method string, args ...any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	if err := c.rpc.CallContext(ctx, out, method, args...); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return false
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500
	}
	return true
}

func sleep(ctx context.Context, attempt int) error {
	wait := time.Duration(math.Pow(2, float64(attempt))) * baseRetryWait
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
