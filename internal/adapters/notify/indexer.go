package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/alejandrodnm/graduator/internal/domain"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	poolCreatedPath = "/pool-created"

	indexerRatePerSec = 5
	indexerRetries    = 2
	indexerRetryWait  = 500 * time.Millisecond
	defaultTimeout    = 10 * time.Second
)

// Indexer implements ports.Notifier against the indexing service's HTTP API.
type Indexer struct {
	http    *http.Client
	baseURL string
	limiter *rate.Limiter
}

// NewIndexer creates a notifier. timeout <= 0 uses the default.
func NewIndexer(baseURL string, timeout time.Duration) *Indexer {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Indexer{
		http:    &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
		limiter: rate.NewLimiter(indexerRatePerSec, 1),
	}
}

// NotifyPoolCreated POSTs {assetId, poolAddress}. Any 2xx is success.
func (n *Indexer) NotifyPoolCreated(ctx context.Context, evt domain.PoolCreated) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("notify.NotifyPoolCreated: marshal: %w", err)
	}
	requestID := uuid.NewString()

	var lastErr error
	for attempt := 0; attempt <= indexerRetries; attempt++ {
		if err := n.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("notify.NotifyPoolCreated: rate limiter: %w", err)
		}

		retry, err := n.post(ctx, body, requestID)
		if err == nil {
			slog.Debug("notify: indexer accepted pool", "asset", evt.AssetID, "pool", evt.PoolAddress, "request_id", requestID)
			return nil
		}
		lastErr = err
		if !retry {
			break
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * indexerRetryWait
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return fmt.Errorf("notify.NotifyPoolCreated: %w", ctx.Err())
		}
	}
	return fmt.Errorf("notify.NotifyPoolCreated %s: %w", evt.AssetID, lastErr)
}

func (n *Indexer) post(ctx context.Context, body []byte, requestID string) (retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+poolCreatedPath, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", requestID)

	resp, err := n.http.Do(req)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return false, nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err = fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	return resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500, err
}
