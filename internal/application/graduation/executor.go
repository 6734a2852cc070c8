package graduation

// executor.go: drives one task through the saga steps.
//
// Every step is its own ledger transaction. After each one the task record is
// persisted before the next step starts, and every step first checks whether
// its side effect already happened (flag, chain state or owned objects), so a
// crash at any point resumes without repeating a write that moved funds.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alejandrodnm/graduator/internal/application/retry"
	"github.com/alejandrodnm/graduator/internal/domain"
	"github.com/alejandrodnm/graduator/internal/observability"
	"github.com/alejandrodnm/graduator/internal/ports"
)

const (
	defaultStepRetries = 3
	defaultStepPause   = time.Second
	notifyTimeout      = 30 * time.Second

	poolTypeFragment     = "::pool::Pool<"
	positionTypeFragment = "::position::Position"
	burnProofFragment    = "::lp_burn::"
	coinTypePrefix       = "::coin::Coin<"
)

// ExecutorConfig holds the step parameters.
type ExecutorConfig struct {
	MinSafeReserve uint64
	ReserveType    string
	FeeTier        uint64
	TickSpacing    uint32
	AssetOrder     domain.AssetOrder
	StepRetries    int           // add-liquidity client retries per attempt
	StepPause      time.Duration // pause between those retries
}

// Executor runs the saga steps for one task at a time.
type Executor struct {
	ledger    ports.Ledger
	store     ports.SagaStore
	retry     *retry.Controller
	notifier  ports.Notifier
	publisher ports.EventPublisher
	metrics   *observability.Metrics
	cfg       ExecutorConfig
	now       func() time.Time

	notifyWG sync.WaitGroup
}

// NewExecutor creates an executor. Notifier, publisher and metrics are optional.
func NewExecutor(ledger ports.Ledger, store ports.SagaStore, rc *retry.Controller, cfg ExecutorConfig) *Executor {
	if cfg.StepRetries <= 0 {
		cfg.StepRetries = defaultStepRetries
	}
	if cfg.StepPause < 0 {
		cfg.StepPause = 0
	}
	if cfg.AssetOrder == "" {
		cfg.AssetOrder = domain.OrderAscending
	}
	if cfg.TickSpacing == 0 {
		if s, ok := domain.TickSpacingForFee(cfg.FeeTier); ok {
			cfg.TickSpacing = s
		}
	}
	return &Executor{
		ledger: ledger,
		store:  store,
		retry:  rc,
		cfg:    cfg,
		now:    time.Now,
	}
}

func (e *Executor) WithNotifier(n ports.Notifier) *Executor { e.notifier = n; return e }

func (e *Executor) WithPublisher(p ports.EventPublisher) *Executor { e.publisher = p; return e }

func (e *Executor) WithMetrics(m *observability.Metrics) *Executor { e.metrics = m; return e }

func (e *Executor) WithClock(now func() time.Time) *Executor { e.now = now; return e }

// Wait blocks until in-flight notifications finish.
func (e *Executor) Wait() {
	e.notifyWG.Wait()
}

// Run executes the task from its first incomplete step until it is COMPLETED
// or FAILED. A cancelled context stops between writes and leaves the task
// resumable; it is never marked FAILED for that.
func (e *Executor) Run(ctx context.Context, task *domain.GraduationTask) error {
	if task.Status.Terminal() {
		return nil
	}
	task.Attempts++
	if err := e.persist(ctx, task, ""); err != nil {
		return err
	}
	slog.Info("graduation: running task",
		"task", task.TaskID,
		"asset", task.AssetID,
		"status", task.Status,
		"next", task.NextStep(),
		"attempt", task.Attempts,
	)

	for {
		step := task.NextStep()
		if step == domain.StepDone {
			return e.complete(ctx, task)
		}

		start := time.Now()
		err := e.runStep(ctx, task, step)
		e.metrics.ObserveStep(string(step), time.Since(start), err != nil && ctx.Err() == nil)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			slog.Warn("graduation: interrupted, task left resumable", "task", task.TaskID, "step", step)
			return ctx.Err()
		}
		if errors.Is(err, errPersist) {
			// The store is unavailable; the record is still at its last durable state.
			return err
		}
		return e.fail(ctx, task, step, err)
	}
}

func (e *Executor) runStep(ctx context.Context, task *domain.GraduationTask, step domain.Step) error {
	switch step {
	case domain.StepPayouts:
		return e.distributePayouts(ctx, task)
	case domain.StepExtract:
		return e.extractLiquidity(ctx, task)
	case domain.StepCreatePool:
		return e.createPool(ctx, task)
	case domain.StepAddLiquidity:
		return e.addLiquidity(ctx, task)
	case domain.StepLock:
		return e.lockPosition(ctx, task)
	default:
		return fmt.Errorf("unknown step %q", step)
	}
}

func (e *Executor) curve(task *domain.GraduationTask) domain.CurveRef {
	return domain.CurveRef{CurveID: task.TaskID, AssetID: task.AssetID, Package: task.ContractVersion}
}

func (e *Executor) curveState(ctx context.Context, task *domain.GraduationTask) (domain.CurveState, error) {
	var st domain.CurveState
	err := e.retry.Run(ctx, "get_curve_state", func(ctx context.Context) error {
		var err error
		st, err = e.ledger.GetCurveState(ctx, e.curve(task))
		return err
	})
	return st, err
}

// Step 1.
func (e *Executor) distributePayouts(ctx context.Context, task *domain.GraduationTask) error {
	st, err := e.curveState(ctx, task)
	if err != nil {
		return err
	}
	if st.PayoutsDistributed {
		slog.Info("graduation: payouts already distributed on-chain", "task", task.TaskID)
	} else {
		res, err := e.retry.Do(ctx, string(domain.StepPayouts), func(ctx context.Context) (domain.TxResult, error) {
			return e.ledger.DistributePayouts(ctx, e.curve(task))
		})
		if err != nil {
			return err
		}
		slog.Info("graduation: payouts distributed", "task", task.TaskID, "tx", res.Digest)
	}

	task.Steps.Payouts = true
	if err := e.advance(task, domain.StatusPayoutsDone); err != nil {
		return err
	}
	return e.persist(ctx, task, domain.StepPayouts)
}

// Step 2. The only step allowed to move funds out of the curve.
func (e *Executor) extractLiquidity(ctx context.Context, task *domain.GraduationTask) error {
	if task.ExtractedFunds != nil {
		// Recorded but flag lost: never extract twice.
		task.Steps.Liquidity = true
		if err := e.advance(task, domain.StatusLiquidityExtracted); err != nil {
			return err
		}
		return e.persist(ctx, task, domain.StepExtract)
	}

	st, err := e.curveState(ctx, task)
	if err != nil {
		return err
	}
	if st.LiquiditySeeded {
		return domain.ErrExternallyCompleted
	}
	if st.ReserveBalance < e.cfg.MinSafeReserve {
		return fmt.Errorf("%w: %d < %d", domain.ErrBelowSafeReserve, st.ReserveBalance, e.cfg.MinSafeReserve)
	}

	attempt := 0
	res, err := e.retry.Do(ctx, string(domain.StepExtract), func(ctx context.Context) (domain.TxResult, error) {
		attempt++
		if attempt > 1 {
			// A previous attempt may have landed without us seeing the result.
			st, err := e.ledger.GetCurveState(ctx, e.curve(task))
			if err != nil {
				return domain.TxResult{}, err
			}
			if st.LiquiditySeeded {
				return domain.TxResult{}, retry.Permanent(domain.ErrExternallyCompleted)
			}
		}
		return e.ledger.ExtractLiquidity(ctx, e.curve(task))
	})
	if err != nil {
		return err
	}

	// The funds have moved; record them even if shutdown starts now.
	wctx := context.WithoutCancel(ctx)
	funds, err := e.attributeFunds(wctx, task, res)
	if err != nil {
		slog.Error("graduation: extraction landed but coins not attributed, reconcile manually",
			"task", task.TaskID,
			"tx", res.Digest,
			"err", err,
		)
		return fmt.Errorf("extraction tx %s landed, coins not attributed: %w", res.Digest, err)
	}
	if err := task.SetExtractedFunds(funds, e.now()); err != nil {
		return err
	}
	if err := e.advance(task, domain.StatusLiquidityExtracted); err != nil {
		return err
	}
	if err := e.persist(wctx, task, domain.StepExtract); err != nil {
		slog.Error("graduation: EXTRACTED FUNDS NOT PERSISTED, reconcile manually",
			"task", task.TaskID,
			"tx", funds.TxDigest,
			"reserve_coin", funds.ReserveCoinID,
			"reserve_amount", funds.ReserveAmount,
			"asset_coin", funds.AssetCoinID,
			"asset_amount", funds.AssetAmount,
		)
		return err
	}
	slog.Info("graduation: liquidity extracted",
		"task", task.TaskID,
		"tx", res.Digest,
		"reserve", funds.ReserveAmount,
		"asset", funds.AssetAmount,
	)
	return nil
}

// attributeFunds finds the coins the extraction produced: coin objects the
// transaction created for our account, confirmed against our current coins
// and balances. If the transaction exposes none for a type, the largest coin
// of that type is used.
func (e *Executor) attributeFunds(ctx context.Context, task *domain.GraduationTask, res domain.TxResult) (domain.ExtractedFunds, error) {
	funds := domain.ExtractedFunds{
		ReserveType: e.cfg.ReserveType,
		AssetType:   task.AssetID,
		TxDigest:    res.Digest,
		ExtractedAt: e.now().UTC(),
	}

	var err error
	funds.ReserveCoinID, funds.ReserveAmount, err = e.pickCoin(ctx, task, res, funds.ReserveType)
	if err != nil {
		return domain.ExtractedFunds{}, err
	}
	funds.AssetCoinID, funds.AssetAmount, err = e.pickCoin(ctx, task, res, funds.AssetType)
	if err != nil {
		return domain.ExtractedFunds{}, err
	}
	if err := e.checkBalances(ctx, task, funds); err != nil {
		return domain.ExtractedFunds{}, err
	}
	return funds, nil
}

// checkBalances confirms the account's aggregated balance covers each
// attributed coin.
func (e *Executor) checkBalances(ctx context.Context, task *domain.GraduationTask, funds domain.ExtractedFunds) error {
	var balances []domain.Balance
	err := e.retry.Run(ctx, "get_balances", func(ctx context.Context) error {
		var err error
		balances, err = e.ledger.GetBalances(ctx, e.ledger.Address())
		return err
	})
	if err != nil {
		return err
	}
	for _, want := range []struct {
		coinType string
		amount   uint64
	}{
		{funds.ReserveType, funds.ReserveAmount},
		{funds.AssetType, funds.AssetAmount},
	} {
		var total uint64
		for _, b := range balances {
			if domain.SameType(b.CoinType, want.coinType) {
				total = b.Total
				break
			}
		}
		if total < want.amount {
			return fmt.Errorf("account balance of %s is %d, below attributed coin amount %d", want.coinType, total, want.amount)
		}
		slog.Debug("graduation: balance confirmed", "task", task.TaskID, "type", want.coinType, "coin_amount", want.amount, "balance", total)
	}
	return nil
}

func (e *Executor) pickCoin(ctx context.Context, task *domain.GraduationTask, res domain.TxResult, coinType string) (string, uint64, error) {
	me := e.ledger.Address()
	tagged := make(map[string]bool)
	for _, ch := range res.ObjectChanges {
		if ch.Kind != domain.ObjectCreated || !strings.EqualFold(ch.Owner, me) {
			continue
		}
		if t, ok := coinTypeOf(ch.ObjectType); ok && domain.SameType(t, coinType) {
			tagged[ch.ObjectID] = true
		}
	}

	var coins []domain.Coin
	err := e.retry.Run(ctx, "get_coins", func(ctx context.Context) error {
		var err error
		coins, err = e.ledger.GetCoins(ctx, me, coinType)
		return err
	})
	if err != nil {
		return "", 0, err
	}
	sort.SliceStable(coins, func(i, j int) bool { return coins[i].Balance > coins[j].Balance })

	for _, c := range coins {
		if tagged[c.CoinID] {
			return c.CoinID, c.Balance, nil
		}
	}
	if len(coins) == 0 {
		return "", 0, fmt.Errorf("no %s coin in custodial account after extraction", coinType)
	}
	slog.Warn("graduation: extraction tx exposed no coin for type, using largest coin",
		"task", task.TaskID,
		"type", coinType,
		"coin", coins[0].CoinID,
	)
	return coins[0].CoinID, coins[0].Balance, nil
}

// Step 3.
func (e *Executor) createPool(ctx context.Context, task *domain.GraduationTask) error {
	plan, err := e.plan(task)
	if err != nil {
		return err
	}

	res, err := e.retry.Do(ctx, string(domain.StepCreatePool), func(ctx context.Context) (domain.TxResult, error) {
		return e.ledger.CreatePool(ctx, domain.CreatePoolRequest{
			CoinTypeA:    plan.CoinTypeA,
			CoinTypeB:    plan.CoinTypeB,
			TickSpacing:  plan.TickSpacing,
			FeeTier:      e.cfg.FeeTier,
			SqrtPriceX64: plan.SqrtPriceX64.String(),
		})
	})
	if err != nil {
		return err
	}
	pools := res.Created(poolTypeFragment)
	if len(pools) == 0 {
		return fmt.Errorf("pool id not found in created objects of tx %s", res.Digest)
	}

	task.PoolAddress = pools[0].ObjectID
	task.Steps.Pool = true
	if err := e.advance(task, domain.StatusPoolCreated); err != nil {
		return err
	}
	if err := e.persist(ctx, task, domain.StepCreatePool); err != nil {
		return err
	}
	slog.Info("graduation: pool created",
		"task", task.TaskID,
		"pool", task.PoolAddress,
		"price", plan.Price,
		"tick", plan.InitialTick,
		"tx", res.Digest,
	)
	return nil
}

var errNoFunds = errors.New("no extracted funds recorded")

// plan derives the pool parameters from the task's persisted funds.
func (e *Executor) plan(task *domain.GraduationTask) (domain.PoolPlan, error) {
	if task.ExtractedFunds == nil {
		return domain.PoolPlan{}, errNoFunds
	}
	return domain.PlanPool(*task.ExtractedFunds, e.cfg.AssetOrder, e.cfg.TickSpacing)
}

// Step 4.
func (e *Executor) addLiquidity(ctx context.Context, task *domain.GraduationTask) error {
	if adopted, err := e.adoptPosition(ctx, task); err != nil || adopted {
		return err
	}

	plan, err := e.plan(task)
	if err != nil {
		return err
	}
	req := domain.AddLiquidityRequest{
		PoolID:    task.PoolAddress,
		CoinTypeA: plan.CoinTypeA,
		CoinTypeB: plan.CoinTypeB,
		CoinA:     plan.CoinA,
		CoinB:     plan.CoinB,
		AmountA:   plan.AmountA,
		AmountB:   plan.AmountB,
		TickLower: plan.TickLower,
		TickUpper: plan.TickUpper,
	}

	attempt := 0
	res, err := e.retry.Do(ctx, string(domain.StepAddLiquidity), func(ctx context.Context) (domain.TxResult, error) {
		attempt++
		if attempt > 1 {
			adopted, err := e.adoptPosition(ctx, task)
			if err != nil {
				return domain.TxResult{}, err
			}
			if adopted {
				return domain.TxResult{Success: true}, nil
			}
		}
		return e.addLiquidityOnce(ctx, req)
	})
	if err != nil {
		return err
	}
	if task.PositionID != "" {
		return nil // adopted during a retry
	}

	positions := res.Created(positionTypeFragment)
	if len(positions) == 0 {
		return fmt.Errorf("position id not found in created objects of tx %s", res.Digest)
	}
	task.PositionID = positions[0].ObjectID
	if err := e.persist(ctx, task, domain.StepAddLiquidity); err != nil {
		return err
	}
	slog.Info("graduation: liquidity added",
		"task", task.TaskID,
		"position", task.PositionID,
		"amount_a", plan.AmountA,
		"amount_b", plan.AmountB,
		"tx", res.Digest,
	)
	return nil
}

// addLiquidityOnce retries client errors a few times before handing the
// failure to the retry controller. A transaction that executed and failed is
// returned as is.
func (e *Executor) addLiquidityOnce(ctx context.Context, req domain.AddLiquidityRequest) (domain.TxResult, error) {
	var lastErr error
	for i := 0; i < e.cfg.StepRetries; i++ {
		res, err := e.ledger.AddLiquidity(ctx, req)
		if err == nil {
			return res, nil
		}
		lastErr = err
		slog.Debug("graduation: add liquidity client error", "try", i+1, "err", err)
		if i < e.cfg.StepRetries-1 && e.cfg.StepPause > 0 {
			select {
			case <-time.After(e.cfg.StepPause):
			case <-ctx.Done():
				return domain.TxResult{}, ctx.Err()
			}
		}
	}
	return domain.TxResult{}, lastErr
}

// adoptPosition looks for a position (or burn proof) we already own on the
// task's pool and records it instead of opening a second one.
func (e *Executor) adoptPosition(ctx context.Context, task *domain.GraduationTask) (bool, error) {
	owned, err := e.ownedPositions(ctx)
	if err != nil {
		return false, err
	}
	for _, p := range owned {
		if p.PoolID != task.PoolAddress {
			continue
		}
		task.PositionID = p.ObjectID
		if strings.Contains(p.ObjectType, burnProofFragment) {
			task.Steps.Locked = true
		}
		slog.Warn("graduation: adopting existing position", "task", task.TaskID, "position", p.ObjectID, "type", p.ObjectType)
		if err := e.persist(ctx, task, domain.StepAddLiquidity); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

func (e *Executor) ownedPositions(ctx context.Context) ([]domain.Position, error) {
	var owned []domain.Position
	err := e.retry.Run(ctx, "owned_positions", func(ctx context.Context) error {
		var err error
		owned, err = e.ledger.OwnedPositions(ctx, e.ledger.Address())
		return err
	})
	return owned, err
}

// Step 5.
func (e *Executor) lockPosition(ctx context.Context, task *domain.GraduationTask) error {
	owned, err := e.ownedPositions(ctx)
	if err != nil {
		return err
	}
	var pos *domain.Position
	for i := range owned {
		if owned[i].ObjectID == task.PositionID {
			pos = &owned[i]
			break
		}
	}

	switch {
	case pos == nil:
		slog.Info("graduation: position no longer owned, treating as locked", "task", task.TaskID, "position", task.PositionID)
	case strings.Contains(pos.ObjectType, burnProofFragment):
		slog.Info("graduation: position already burned", "task", task.TaskID, "proof", pos.ObjectID)
	default:
		plan, err := e.plan(task)
		if err != nil {
			return err
		}
		res, err := e.retry.Do(ctx, string(domain.StepLock), func(ctx context.Context) (domain.TxResult, error) {
			return e.ledger.LockPosition(ctx, domain.LockRequest{
				PositionID: task.PositionID,
				PoolID:     task.PoolAddress,
				CoinTypeA:  plan.CoinTypeA,
				CoinTypeB:  plan.CoinTypeB,
			})
		})
		if err != nil {
			return err
		}
		slog.Info("graduation: position locked", "task", task.TaskID, "tx", res.Digest)
	}

	task.Steps.Locked = true
	return e.persist(ctx, task, domain.StepLock)
}

func (e *Executor) complete(ctx context.Context, task *domain.GraduationTask) error {
	if task.Status != domain.StatusCompleted {
		if err := task.Advance(domain.StatusCompleted, e.now()); err != nil {
			return err
		}
		if err := e.persist(ctx, task, domain.StepDone); err != nil {
			return err
		}
	}
	slog.Info("graduation: task completed", "task", task.TaskID, "pool", task.PoolAddress, "position", task.PositionID)
	e.notify(ctx, task)
	return nil
}

// Step 6: best-effort, in the background.
func (e *Executor) notify(ctx context.Context, task *domain.GraduationTask) {
	if e.notifier == nil || task.PoolAddress == "" {
		return
	}
	evt := domain.PoolCreated{AssetID: task.AssetID, PoolAddress: task.PoolAddress}
	e.notifyWG.Add(1)
	go func() {
		defer e.notifyWG.Done()
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
		defer cancel()
		if err := e.notifier.NotifyPoolCreated(nctx, evt); err != nil {
			e.metrics.NotifyFailed()
			slog.Warn("graduation: indexer notification failed", "task", task.TaskID, "pool", evt.PoolAddress, "err", err)
		}
	}()
}

func (e *Executor) fail(ctx context.Context, task *domain.GraduationTask, step domain.Step, cause error) error {
	reason := fmt.Sprintf("%s: %v", step, cause)
	if errors.Is(cause, domain.ErrExternallyCompleted) {
		reason = domain.ErrExternallyCompleted.Error()
	}
	if err := task.Fail(reason, e.now()); err != nil {
		return err
	}
	slog.Error("graduation: task failed",
		"task", task.TaskID,
		"step", step,
		"funds_held", task.ExtractedFunds != nil,
		"pool", task.PoolAddress,
		"err", cause,
	)
	if err := e.persist(ctx, task, step); err != nil {
		return err
	}
	return fmt.Errorf("graduation.Run %s: %w", task.TaskID, cause)
}

func (e *Executor) advance(task *domain.GraduationTask, s domain.TaskStatus) error {
	if task.Reached(s) {
		return nil
	}
	return task.Advance(s, e.now())
}

var errPersist = errors.New("persist task")

// persist writes the full record, then publishes the transition. The save is
// not cut short by shutdown: it follows a write that already landed.
func (e *Executor) persist(ctx context.Context, task *domain.GraduationTask, step domain.Step) error {
	task.UpdatedAt = e.now().UTC()
	err := e.retry.Run(context.WithoutCancel(ctx), "save_task", func(ctx context.Context) error {
		return e.store.Save(ctx, task)
	})
	if err != nil {
		return fmt.Errorf("%w %s: %w", errPersist, task.TaskID, err)
	}
	if step == "" {
		return nil
	}
	e.metrics.Transition(string(task.Status))
	if e.publisher != nil {
		evt := domain.TaskEvent{
			TaskID:      task.TaskID,
			AssetID:     task.AssetID,
			Status:      task.Status,
			Step:        step,
			PoolAddress: task.PoolAddress,
			Error:       task.Error,
			At:          task.UpdatedAt,
		}
		if err := e.publisher.Publish(ctx, evt); err != nil {
			slog.Warn("graduation: publish task event failed", "task", task.TaskID, "err", err)
		}
	}
	return nil
}

func coinTypeOf(objectType string) (string, bool) {
	i := strings.Index(objectType, coinTypePrefix)
	if i < 0 || !strings.HasSuffix(objectType, ">") {
		return "", false
	}
	return objectType[i+len(coinTypePrefix) : len(objectType)-1], true
}
