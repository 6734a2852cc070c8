package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTask() *GraduationTask {
	return NewGraduationTask("0xcurve", "0xabc::meme::MEME", "digest1", "0xpkg1", t0)
}

func TestGraduationTask_AdvanceForwardOnly(t *testing.T) {
	task := newTask()
	require.NoError(t, task.Advance(StatusPayoutsDone, t0))
	require.NoError(t, task.Advance(StatusLiquidityExtracted, t0))

	err := task.Advance(StatusPayoutsDone, t0)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, StatusLiquidityExtracted, task.Status)

	err = task.Advance(StatusFailed, t0)
	assert.True(t, errors.Is(err, ErrInvalidTransition), "FAILED is reached only through Fail")
}

func TestGraduationTask_CompletedSetsTimestamp(t *testing.T) {
	task := newTask()
	require.NoError(t, task.Advance(StatusCompleted, t0.Add(time.Minute)))
	require.NotNil(t, task.CompletedAt)
	assert.Equal(t, t0.Add(time.Minute), *task.CompletedAt)

	err := task.Advance(StatusCompleted, t0)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestGraduationTask_FailKeepsRecoveryData(t *testing.T) {
	task := newTask()
	task.Steps.Payouts = true
	require.NoError(t, task.SetExtractedFunds(ExtractedFunds{ReserveCoinID: "0xr", AssetCoinID: "0xa"}, t0))
	task.PoolAddress = "0xpool"

	require.NoError(t, task.Fail("add liquidity exhausted", t0))
	assert.Equal(t, StatusFailed, task.Status)
	assert.True(t, task.Steps.Liquidity)
	require.NotNil(t, task.ExtractedFunds)
	assert.Equal(t, "0xr", task.ExtractedFunds.ReserveCoinID)
	assert.Equal(t, "0xpool", task.PoolAddress)

	assert.ErrorIs(t, task.Fail("again", t0), ErrInvalidTransition)
}

func TestGraduationTask_ExtractedFundsSetOnce(t *testing.T) {
	task := newTask()
	require.NoError(t, task.SetExtractedFunds(ExtractedFunds{ReserveAmount: 1}, t0))
	err := task.SetExtractedFunds(ExtractedFunds{ReserveAmount: 2}, t0)
	assert.ErrorIs(t, err, ErrFundsAlreadyExtracted)
	assert.Equal(t, uint64(1), task.ExtractedFunds.ReserveAmount)
}

func TestGraduationTask_NextStep(t *testing.T) {
	task := newTask()
	assert.Equal(t, StepPayouts, task.NextStep())
	task.Steps.Payouts = true
	assert.Equal(t, StepExtract, task.NextStep())
	task.Steps.Liquidity = true
	assert.Equal(t, StepCreatePool, task.NextStep())
	task.Steps.Pool = true
	assert.Equal(t, StepAddLiquidity, task.NextStep())
	task.PositionID = "0xpos"
	assert.Equal(t, StepLock, task.NextStep())
	task.Steps.Locked = true
	assert.Equal(t, StepDone, task.NextStep())
}

func TestGraduationTask_Requeue(t *testing.T) {
	task := newTask()
	task.Steps = StepFlags{Payouts: true, Liquidity: true}
	require.NoError(t, task.Fail("rpc down", t0))

	require.NoError(t, task.Requeue(t0.Add(time.Hour)))
	assert.Equal(t, StatusLiquidityExtracted, task.Status)
	assert.Empty(t, task.Error)
	assert.Nil(t, task.CompletedAt)

	assert.ErrorIs(t, task.Requeue(t0), ErrInvalidTransition, "only FAILED tasks can be requeued")
}

func TestGraduationTask_CloneIsDeep(t *testing.T) {
	task := newTask()
	require.NoError(t, task.SetExtractedFunds(ExtractedFunds{ReserveAmount: 10}, t0))
	c := task.Clone()
	c.ExtractedFunds.ReserveAmount = 99
	assert.Equal(t, uint64(10), task.ExtractedFunds.ReserveAmount)
}

func TestTaskStatus_Terminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusPoolCreated.Terminal())
	assert.True(t, StatusDetected.Valid())
	assert.False(t, TaskStatus("BOGUS").Valid())
}

func TestGraduationTask_Reached(t *testing.T) {
	task := NewGraduationTask("c", "a", "tx", "pkg", time.Now())
	assert.True(t, task.Reached(StatusDetected))
	assert.False(t, task.Reached(StatusPayoutsDone))

	require.NoError(t, task.Advance(StatusLiquidityExtracted, time.Now()))
	assert.True(t, task.Reached(StatusPayoutsDone))
	assert.False(t, task.Reached(StatusPoolCreated))

	require.NoError(t, task.Fail("x", time.Now()))
	assert.False(t, task.Reached(StatusDetected))
}
