package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alejandrodnm/graduator/internal/application/retry"
	"github.com/alejandrodnm/graduator/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	waits []time.Duration
}

func (r *recorder) sleep(_ context.Context, d time.Duration) error {
	r.waits = append(r.waits, d)
	return nil
}

func TestController_BackoffGrowth(t *testing.T) {
	rec := &recorder{}
	c := retry.New(retry.Config{MaxRetries: 6, Base: 100 * time.Millisecond}).WithSleep(rec.sleep)

	calls := 0
	err := c.Run(context.Background(), "op", func(context.Context) error {
		calls++
		return errors.New("rpc timeout")
	})
	require.Error(t, err)
	assert.Equal(t, 6, calls)
	require.Len(t, rec.waits, 5)

	for k := 1; k <= len(rec.waits); k++ {
		want := 100 * time.Millisecond * time.Duration(1<<(k-1))
		assert.Equal(t, want, rec.waits[k-1], "wait after failure %d", k)
		if k > 1 {
			assert.GreaterOrEqual(t, rec.waits[k-1], rec.waits[k-2])
		}
	}
}

func TestController_BackoffCapped(t *testing.T) {
	c := retry.New(retry.Config{MaxRetries: 10, Base: time.Second, MaxDelay: 5 * time.Second})
	assert.Equal(t, time.Second, c.Backoff(1))
	assert.Equal(t, 4*time.Second, c.Backoff(3))
	assert.Equal(t, 5*time.Second, c.Backoff(4))
	assert.Equal(t, 5*time.Second, c.Backoff(9))
}

func TestController_SucceedsAfterTransientErrors(t *testing.T) {
	rec := &recorder{}
	c := retry.New(retry.Config{MaxRetries: 4, Base: time.Millisecond}).WithSleep(rec.sleep)

	calls := 0
	res, err := c.Do(context.Background(), "create_pool", func(context.Context) (domain.TxResult, error) {
		calls++
		if calls < 3 {
			return domain.TxResult{}, errors.New("connection reset")
		}
		return domain.TxResult{Digest: "ok", Success: true}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Digest)
	assert.Equal(t, 3, calls)
	assert.Len(t, rec.waits, 2)
}

func TestController_SubmittedButFailedIsNotSuccess(t *testing.T) {
	c := retry.New(retry.Config{MaxRetries: 2, Base: time.Millisecond}).WithSleep((&recorder{}).sleep)

	calls := 0
	_, err := c.Do(context.Background(), "extract", func(context.Context) (domain.TxResult, error) {
		calls++
		return domain.TxResult{Digest: "d", Success: false, Error: "MoveAbort"}, nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTxFailed)
	assert.Equal(t, 2, calls)
}

func TestController_PermanentStopsImmediately(t *testing.T) {
	c := retry.New(retry.Config{MaxRetries: 5, Base: time.Millisecond}).WithSleep((&recorder{}).sleep)

	sentinel := errors.New("bad key")
	calls := 0
	err := c.Run(context.Background(), "op", func(context.Context) error {
		calls++
		return retry.Permanent(sentinel)
	})
	assert.ErrorIs(t, err, sentinel)
	assert.True(t, retry.IsPermanent(err))
	assert.Equal(t, 1, calls)
}

func TestController_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := retry.New(retry.Config{MaxRetries: 5, Base: time.Hour})

	calls := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := c.Run(ctx, "op", func(context.Context) error {
		calls++
		return errors.New("boom")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestController_HookCalledPerRetry(t *testing.T) {
	var ops []int
	c := retry.New(retry.Config{MaxRetries: 3, Base: time.Millisecond}).
		WithSleep((&recorder{}).sleep).
		WithHook(func(_ string, attempt int, _ time.Duration, _ error) { ops = append(ops, attempt) })

	_ = c.Run(context.Background(), "op", func(context.Context) error { return errors.New("x") })
	assert.Equal(t, []int{1, 2}, ops)
}
