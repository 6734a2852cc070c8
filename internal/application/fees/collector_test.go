package fees

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alejandrodnm/graduator/internal/application/retry"
	"github.com/alejandrodnm/graduator/internal/domain"
	"github.com/alejandrodnm/graduator/internal/observability"
	"github.com/alejandrodnm/graduator/internal/ports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const owner = "0xlock"

// mockLedger implements the calls the collector makes; anything else panics.
type mockLedger struct {
	ports.Ledger

	mu          sync.Mutex
	positions   []domain.Position
	owed        map[string][2]uint64 // dry-run result per position
	estimateErr error
	listErr     error
	collectErr  map[string]error
	collected   []string
	transfers   map[string]string // object -> recipient
	transferErr error
}

func (m *mockLedger) Address() string { return owner }

func (m *mockLedger) OwnedPositions(ctx context.Context, o string) ([]domain.Position, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.positions, nil
}

func (m *mockLedger) EstimateFees(ctx context.Context, pos domain.Position) (domain.Position, error) {
	if m.estimateErr != nil {
		return pos, retry.Permanent(m.estimateErr)
	}
	owed := m.owed[pos.ObjectID]
	pos.FeeOwedA, pos.FeeOwedB = owed[0], owed[1]
	return pos, nil
}

func (m *mockLedger) CollectFees(ctx context.Context, pos domain.Position) (domain.TxResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collected = append(m.collected, pos.ObjectID)
	if err := m.collectErr[pos.ObjectID]; err != nil {
		return domain.TxResult{}, retry.Permanent(err)
	}
	return domain.TxResult{
		Digest:  "tx-" + pos.ObjectID,
		Success: true,
		ObjectChanges: []domain.ObjectChange{
			{Kind: domain.ObjectCreated, ObjectID: pos.ObjectID + "-fa", ObjectType: "0x2::coin::Coin<0x2::sui::SUI>", Owner: owner},
			{Kind: domain.ObjectCreated, ObjectID: pos.ObjectID + "-fb", ObjectType: "0x2::coin::Coin<0xabc::meme::MEME>", Owner: owner},
			{Kind: domain.ObjectMutated, ObjectID: pos.ObjectID, ObjectType: "0xburn::lp_burn::CetusLPBurnProof", Owner: owner},
		},
	}, nil
}

func (m *mockLedger) TransferObject(ctx context.Context, objectID, recipient string) (domain.TxResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transferErr != nil {
		return domain.TxResult{}, retry.Permanent(m.transferErr)
	}
	if m.transfers == nil {
		m.transfers = map[string]string{}
	}
	m.transfers[objectID] = recipient
	return domain.TxResult{Digest: "tx-transfer-" + objectID, Success: true}, nil
}

func testRetry() *retry.Controller {
	return retry.New(retry.Config{MaxRetries: 2, Base: time.Millisecond}).
		WithSleep(func(ctx context.Context, d time.Duration) error { return ctx.Err() })
}

func TestCollector_RunOnce_CollectsAndForwards(t *testing.T) {
	l := &mockLedger{
		positions: []domain.Position{
			{ObjectID: "0xp1", PoolID: "0xpool1"},
			{ObjectID: "0xp2", PoolID: "0xpool2"},
			{ObjectID: "0xp3", PoolID: "0xpool3"},
		},
		owed: map[string][2]uint64{"0xp1": {10, 0}, "0xp3": {0, 7}},
	}
	reg := prometheus.NewRegistry()
	c := NewCollector(l, testRetry(), Config{Treasury: "0xtreasury"}).WithMetrics(observability.NewMetrics(reg))

	rep, err := c.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Report{Positions: 3, Collected: 2, Skipped: 1, Forwarded: 4}, rep)
	assert.Equal(t, []string{"0xp1", "0xp3"}, l.collected)
	assert.Equal(t, map[string]string{
		"0xp1-fa": "0xtreasury",
		"0xp1-fb": "0xtreasury",
		"0xp3-fa": "0xtreasury",
		"0xp3-fb": "0xtreasury",
	}, l.transfers)

	count, err := testutil.GatherAndCount(reg, "graduator_fee_collections_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count) // collected + skipped series
}

func TestCollector_RunOnce_PositionFailureDoesNotStopPass(t *testing.T) {
	l := &mockLedger{
		positions:  []domain.Position{{ObjectID: "0xp1"}, {ObjectID: "0xp2"}},
		owed:       map[string][2]uint64{"0xp1": {1, 0}, "0xp2": {1, 0}},
		collectErr: map[string]error{"0xp1": errors.New("MoveAbort")},
	}
	c := NewCollector(l, testRetry(), Config{Treasury: "0xtreasury"})

	rep, err := c.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 1, rep.Collected)
	assert.Equal(t, []string{"0xp1", "0xp2"}, l.collected)
	assert.Len(t, l.transfers, 2)
}

func TestCollector_RunOnce_WithoutTreasuryKeepsCoins(t *testing.T) {
	l := &mockLedger{
		positions: []domain.Position{{ObjectID: "0xp1"}},
		owed:      map[string][2]uint64{"0xp1": {1, 0}},
	}
	c := NewCollector(l, testRetry(), Config{})

	rep, err := c.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, rep.Collected)
	assert.Zero(t, rep.Forwarded)
	assert.Empty(t, l.transfers)
}

func TestCollector_RunOnce_ForwardFailureCountsAsFailed(t *testing.T) {
	l := &mockLedger{
		positions:   []domain.Position{{ObjectID: "0xp1"}},
		owed:        map[string][2]uint64{"0xp1": {1, 0}},
		transferErr: errors.New("insufficient gas"),
	}
	c := NewCollector(l, testRetry(), Config{Treasury: "0xtreasury"})

	rep, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)
	assert.Zero(t, rep.Collected)
}

func TestCollector_RunOnce_ListErrorFailsPass(t *testing.T) {
	boom := errors.New("rpc unavailable")
	c := NewCollector(&mockLedger{listErr: boom}, testRetry(), Config{})

	_, err := c.RunOnce(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestCollector_Run_StopsOnCancel(t *testing.T) {
	l := &mockLedger{
		positions: []domain.Position{{ObjectID: "0xp1"}},
		owed:      map[string][2]uint64{"0xp1": {1, 0}},
	}
	c := NewCollector(l, testRetry(), Config{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return len(l.collected) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("collector did not stop")
	}
}

func TestCollector_RunOnce_EstimateFailureSkipsClaim(t *testing.T) {
	l := &mockLedger{
		positions:   []domain.Position{{ObjectID: "0xp1"}},
		estimateErr: errors.New("dry run: MoveAbort"),
	}
	c := NewCollector(l, testRetry(), Config{Treasury: "0xtreasury"})

	rep, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Positions: 1, Failed: 1}, rep)
	assert.Empty(t, l.collected)
}
