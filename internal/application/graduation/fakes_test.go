package graduation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alejandrodnm/graduator/internal/application/retry"
	"github.com/alejandrodnm/graduator/internal/domain"
)

const (
	testAddr      = "0xc0ffee"
	testPkg       = "0xcurvepkg"
	testReserve   = "0x2::sui::SUI"
	testCoinType  = "0x2::coin::Coin<%s>"
	testPoolType  = "0xamm::pool::Pool<%s, %s>"
	testPosType   = "0xamm::position::Position"
	testProofType = "0xburn::lp_burn::CetusLPBurnProof"
)

var errTransport = errors.New("connection reset by peer")

// fakeLedger is an in-memory chain: writes change curve state and owned
// objects the way the real contracts would.
type fakeLedger struct {
	mu sync.Mutex

	curves    map[string]*domain.CurveState
	refs      map[string]domain.CurveRef // tx digest -> curve
	events    map[string][]domain.LedgerEvent
	coins     map[string][]domain.Coin // normalized coin type -> coins
	positions []domain.Position

	calls map[string]int
	log   []string // "method curve-or-pool", in call order

	// errs pops one error per call of a method. errLanded applies the
	// write and then reports a transport error.
	errs     map[string][]error
	txFailed map[string]bool
	onCall   func(method string)

	seq int
}

var errLanded = errors.New("response lost after execution")

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		curves:   make(map[string]*domain.CurveState),
		refs:     make(map[string]domain.CurveRef),
		events:   make(map[string][]domain.LedgerEvent),
		coins:    make(map[string][]domain.Coin),
		calls:    make(map[string]int),
		errs:     make(map[string][]error),
		txFailed: make(map[string]bool),
	}
}

// graduate adds a graduated curve and its event.
func (f *fakeLedger) graduate(curveID, asset string, reserve, tokens uint64) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	digest := fmt.Sprintf("tx-grad-%d", f.seq)
	f.curves[curveID] = &domain.CurveState{
		CurveID:        curveID,
		AssetID:        asset,
		Graduated:      true,
		ReserveBalance: reserve,
		TokenBalance:   tokens,
	}
	f.refs[digest] = domain.CurveRef{CurveID: curveID, AssetID: asset, Package: testPkg}
	f.events[testPkg] = append(f.events[testPkg], domain.LedgerEvent{
		ID:        domain.EventID{TxDigest: digest, EventSeq: "0"},
		Kind:      domain.EventGraduated,
		Package:   testPkg,
		CurveHint: curveID,
	})
	return digest
}

func (f *fakeLedger) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeLedger) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.log...)
}

func (f *fakeLedger) failWith(method string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[method] = append(f.errs[method], errs...)
}

// enter records a call and returns the queued error for it, if any.
// Callers hold f.mu.
func (f *fakeLedger) enter(method, subject string) error {
	f.calls[method]++
	f.log = append(f.log, method+" "+subject)
	if f.onCall != nil {
		f.onCall(method)
	}
	if q := f.errs[method]; len(q) > 0 {
		f.errs[method] = q[1:]
		return q[0]
	}
	return nil
}

func (f *fakeLedger) digest(prefix string) string {
	f.seq++
	return fmt.Sprintf("tx-%s-%d", prefix, f.seq)
}

func (f *fakeLedger) objectID(prefix string) string {
	f.seq++
	return fmt.Sprintf("0x%s%d", prefix, f.seq)
}

func (f *fakeLedger) QueryGraduationEvents(ctx context.Context, pkg string, cursor domain.EventID, limit int) (domain.EventPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("query_events", pkg); err != nil {
		return domain.EventPage{}, err
	}
	all := f.events[pkg]
	start := 0
	if !cursor.IsZero() {
		for i, ev := range all {
			if ev.ID == cursor {
				start = i + 1
			}
		}
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	page := domain.EventPage{Events: append([]domain.LedgerEvent(nil), all[start:end]...), NextCursor: cursor}
	if end > start {
		page.NextCursor = all[end-1].ID
	}
	page.HasNextPage = end < len(all)
	return page, nil
}

func (f *fakeLedger) ResolveCurve(ctx context.Context, txDigest string) (domain.CurveRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("resolve_curve", txDigest); err != nil {
		return domain.CurveRef{}, err
	}
	ref, ok := f.refs[txDigest]
	if !ok {
		return domain.CurveRef{}, domain.ErrNotFound
	}
	return ref, nil
}

func (f *fakeLedger) GetCurveState(ctx context.Context, curve domain.CurveRef) (domain.CurveState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("get_curve_state", curve.CurveID); err != nil {
		return domain.CurveState{}, err
	}
	st, ok := f.curves[curve.CurveID]
	if !ok {
		return domain.CurveState{}, domain.ErrNotFound
	}
	return *st, nil
}

func (f *fakeLedger) GetCoins(ctx context.Context, owner, coinType string) ([]domain.Coin, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("get_coins", coinType); err != nil {
		return nil, err
	}
	return append([]domain.Coin(nil), f.coins[domain.NormalizeType(coinType)]...), nil
}

func (f *fakeLedger) GetBalances(ctx context.Context, owner string) ([]domain.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("get_balances", owner); err != nil {
		return nil, err
	}
	var out []domain.Balance
	for t, cs := range f.coins {
		b := domain.Balance{CoinType: t, CoinCount: len(cs)}
		for _, c := range cs {
			b.Total += c.Balance
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CoinType < out[j].CoinType })
	return out, nil
}

func (f *fakeLedger) OwnedPositions(ctx context.Context, owner string) ([]domain.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("owned_positions", owner); err != nil {
		return nil, err
	}
	return append([]domain.Position(nil), f.positions...), nil
}

func (f *fakeLedger) Address() string { return testAddr }

func (f *fakeLedger) EstimateFees(ctx context.Context, pos domain.Position) (domain.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("estimate_fees", pos.ObjectID); err != nil {
		return pos, err
	}
	for _, p := range f.positions {
		if p.ObjectID == pos.ObjectID {
			pos.FeeOwedA, pos.FeeOwedB = p.FeeOwedA, p.FeeOwedB
		}
	}
	return pos, nil
}

// write wraps a mutating call: queued errors, failed status and lost responses.
func (f *fakeLedger) write(method, subject string, apply func(res *domain.TxResult)) (domain.TxResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := f.enter(method, subject)
	if err != nil && !errors.Is(err, errLanded) {
		return domain.TxResult{}, err
	}
	res := domain.TxResult{Digest: f.digest(method), Success: true}
	if f.txFailed[method] {
		res.Success = false
		res.Error = "MoveAbort(1)"
		return res, nil
	}
	apply(&res)
	if err != nil {
		return domain.TxResult{}, errTransport
	}
	return res, nil
}

func (f *fakeLedger) DistributePayouts(ctx context.Context, curve domain.CurveRef) (domain.TxResult, error) {
	return f.write("distribute_payouts", curve.CurveID, func(*domain.TxResult) {
		f.curves[curve.CurveID].PayoutsDistributed = true
	})
}

func (f *fakeLedger) ExtractLiquidity(ctx context.Context, curve domain.CurveRef) (domain.TxResult, error) {
	return f.write("extract_liquidity", curve.CurveID, func(res *domain.TxResult) {
		st := f.curves[curve.CurveID]
		st.LiquiditySeeded = true
		f.mint(res, testReserve, st.ReserveBalance)
		f.mint(res, curve.AssetID, st.TokenBalance)
		st.ReserveBalance, st.TokenBalance = 0, 0
	})
}

// mint creates a coin owned by the signer. Callers hold f.mu.
func (f *fakeLedger) mint(res *domain.TxResult, coinType string, amount uint64) domain.Coin {
	c := domain.Coin{CoinID: f.objectID("coin"), CoinType: coinType, Balance: amount}
	key := domain.NormalizeType(coinType)
	f.coins[key] = append(f.coins[key], c)
	res.ObjectChanges = append(res.ObjectChanges, domain.ObjectChange{
		Kind:       domain.ObjectCreated,
		ObjectID:   c.CoinID,
		ObjectType: fmt.Sprintf(testCoinType, coinType),
		Owner:      testAddr,
	})
	return c
}

func (f *fakeLedger) CreatePool(ctx context.Context, req domain.CreatePoolRequest) (domain.TxResult, error) {
	return f.write("create_pool", req.CoinTypeA, func(res *domain.TxResult) {
		res.ObjectChanges = append(res.ObjectChanges, domain.ObjectChange{
			Kind:       domain.ObjectCreated,
			ObjectID:   f.objectID("pool"),
			ObjectType: fmt.Sprintf(testPoolType, req.CoinTypeA, req.CoinTypeB),
		})
	})
}

func (f *fakeLedger) AddLiquidity(ctx context.Context, req domain.AddLiquidityRequest) (domain.TxResult, error) {
	return f.write("add_liquidity", req.PoolID, func(res *domain.TxResult) {
		pos := domain.Position{
			ObjectID:   f.objectID("pos"),
			ObjectType: testPosType,
			PoolID:     req.PoolID,
			CoinTypeA:  req.CoinTypeA,
			CoinTypeB:  req.CoinTypeB,
		}
		f.positions = append(f.positions, pos)
		res.ObjectChanges = append(res.ObjectChanges, domain.ObjectChange{
			Kind: domain.ObjectCreated, ObjectID: pos.ObjectID, ObjectType: pos.ObjectType, Owner: testAddr,
		})
	})
}

func (f *fakeLedger) LockPosition(ctx context.Context, req domain.LockRequest) (domain.TxResult, error) {
	return f.write("lock_position", req.PoolID, func(res *domain.TxResult) {
		for i, p := range f.positions {
			if p.ObjectID == req.PositionID {
				p.ObjectID = f.objectID("proof")
				p.ObjectType = testProofType
				f.positions[i] = p
				res.ObjectChanges = append(res.ObjectChanges, domain.ObjectChange{
					Kind: domain.ObjectCreated, ObjectID: p.ObjectID, ObjectType: p.ObjectType, Owner: testAddr,
				})
			}
		}
	})
}

func (f *fakeLedger) CollectFees(ctx context.Context, pos domain.Position) (domain.TxResult, error) {
	return f.write("collect_fees", pos.ObjectID, func(res *domain.TxResult) {
		for i, p := range f.positions {
			if p.ObjectID != pos.ObjectID {
				continue
			}
			if p.FeeOwedA > 0 {
				f.mint(res, p.CoinTypeA, p.FeeOwedA)
			}
			if p.FeeOwedB > 0 {
				f.mint(res, p.CoinTypeB, p.FeeOwedB)
			}
			f.positions[i].FeeOwedA, f.positions[i].FeeOwedB = 0, 0
		}
	})
}

func (f *fakeLedger) TransferObject(ctx context.Context, objectID, recipient string) (domain.TxResult, error) {
	return f.write("transfer_object", objectID, func(*domain.TxResult) {
		for t, cs := range f.coins {
			for i, c := range cs {
				if c.CoinID == objectID {
					f.coins[t] = append(cs[:i:i], cs[i+1:]...)
					return
				}
			}
		}
		for i, p := range f.positions {
			if p.ObjectID == objectID {
				f.positions = append(f.positions[:i:i], f.positions[i+1:]...)
				return
			}
		}
	})
}

// memStore is a SagaStore and PollerState kept in memory.
type memStore struct {
	mu        sync.Mutex
	tasks     map[string]*domain.GraduationTask
	cursors   map[string]domain.EventID
	processed map[string]string
	last      time.Time
	saveErrs  []error
	markErrs  []error
	saves     int
}

func newMemStore() *memStore {
	return &memStore{
		tasks:     make(map[string]*domain.GraduationTask),
		cursors:   make(map[string]domain.EventID),
		processed: make(map[string]string),
	}
}

func (s *memStore) Load(ctx context.Context) (map[string]*domain.GraduationTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*domain.GraduationTask, len(s.tasks))
	for id, t := range s.tasks {
		out[id] = t.Clone()
	}
	return out, nil
}

func (s *memStore) Get(ctx context.Context, taskID string) (*domain.GraduationTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return t.Clone(), nil
}

func (s *memStore) Save(ctx context.Context, task *domain.GraduationTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.saveErrs) > 0 {
		err := s.saveErrs[0]
		s.saveErrs = s.saveErrs[1:]
		if err != nil {
			return err
		}
	}
	s.saves++
	s.tasks[task.TaskID] = task.Clone()
	return nil
}

func (s *memStore) GetIncomplete(ctx context.Context) ([]*domain.GraduationTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.GraduationTask
	for _, t := range s.tasks {
		if !t.Status.Terminal() {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *memStore) Remove(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, taskID)
	return nil
}

func (s *memStore) PruneTerminal(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, t := range s.tasks {
		held := t.Status == domain.StatusFailed && t.ExtractedFunds != nil
		if t.Status.Terminal() && !held && t.UpdatedAt.Before(cutoff) {
			delete(s.tasks, id)
			n++
		}
	}
	return n, nil
}

func (s *memStore) ReservedCoinIDs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, t := range s.tasks {
		if t.Status != domain.StatusCompleted && t.ExtractedFunds != nil {
			ids = append(ids, t.ExtractedFunds.CoinIDs()...)
		}
	}
	return ids, nil
}

func (s *memStore) Cursor(ctx context.Context, pkg string) (domain.EventID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[pkg], nil
}

func (s *memStore) SaveCursor(ctx context.Context, pkg string, cursor domain.EventID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[pkg] = cursor
	s.last = at
	return nil
}

func (s *memStore) LastProcessedTime(ctx context.Context) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, nil
}

func (s *memStore) MarkEventProcessed(ctx context.Context, txDigest, taskID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.markErrs) > 0 {
		err := s.markErrs[0]
		s.markErrs = s.markErrs[1:]
		if err != nil {
			return err
		}
	}
	if _, ok := s.processed[txDigest]; !ok {
		s.processed[txDigest] = taskID
	}
	return nil
}

func (s *memStore) ProcessedEvents(ctx context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.processed))
	for k, v := range s.processed {
		out[k] = v
	}
	return out, nil
}

func (s *memStore) task(id string) *domain.GraduationTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		return t.Clone()
	}
	return nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []domain.PoolCreated
	err  error
}

func (n *recordingNotifier) NotifyPoolCreated(ctx context.Context, evt domain.PoolCreated) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, evt)
	return n.err
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.TaskEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, evt domain.TaskEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) statuses() []domain.TaskStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.TaskStatus
	for _, e := range p.events {
		out = append(out, e.Status)
	}
	return out
}

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func testRetry() *retry.Controller {
	return retry.New(retry.Config{MaxRetries: 3, Base: time.Millisecond}).WithSleep(noSleep)
}

func testExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MinSafeReserve: 1_000_000_000,
		ReserveType:    testReserve,
		FeeTier:        2500,
		AssetOrder:     domain.OrderAscending,
		StepRetries:    2,
	}
}

func memeType(name string) string {
	return "0xabc::" + strings.ToLower(name) + "::" + strings.ToUpper(name)
}
