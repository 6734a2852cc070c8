package domain

import (
	"errors"
	"fmt"
	"time"
)

// TaskStatus is the saga phase of a graduation task.
type TaskStatus string

const (
	StatusDetected           TaskStatus = "DETECTED"
	StatusPayoutsDone        TaskStatus = "PAYOUTS_DONE"
	StatusLiquidityExtracted TaskStatus = "LIQUIDITY_EXTRACTED"
	StatusPoolCreated        TaskStatus = "POOL_CREATED"
	StatusCompleted          TaskStatus = "COMPLETED"
	StatusFailed             TaskStatus = "FAILED"
)

// statusRank orders the forward path. FAILED sits outside it.
var statusRank = map[TaskStatus]int{
	StatusDetected:           0,
	StatusPayoutsDone:        1,
	StatusLiquidityExtracted: 2,
	StatusPoolCreated:        3,
	StatusCompleted:          4,
}

// Terminal returns true for COMPLETED and FAILED.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s TaskStatus) Valid() bool {
	if s == StatusFailed {
		return true
	}
	_, ok := statusRank[s]
	return ok
}

var (
	ErrInvalidTransition     = errors.New("invalid status transition")
	ErrFundsAlreadyExtracted = errors.New("extracted funds already recorded")
	ErrBelowSafeReserve      = errors.New("reserve below minimum safe balance")
	ErrExternallyCompleted   = errors.New("externally completed, no local record")
	ErrTxFailed              = errors.New("transaction failed on-chain")
	ErrNotFound              = errors.New("not found")
)

// StepFlags records exactly which side effects already happened.
// Redundant with Status on purpose: resumption checks flags, not phases.
type StepFlags struct {
	Payouts   bool `json:"payouts"`
	Liquidity bool `json:"liquidity"`
	Pool      bool `json:"pool"`
	Locked    bool `json:"locked"`
}

// ExtractedFunds are the coins moved out of the curve into the custodial account.
// Once set they are the only source of truth for which funds belong to the task.
type ExtractedFunds struct {
	ReserveCoinID string    `json:"reserveCoinId"`
	ReserveType   string    `json:"reserveType"`
	ReserveAmount uint64    `json:"reserveAmount"`
	AssetCoinID   string    `json:"assetCoinId"`
	AssetType     string    `json:"assetType"`
	AssetAmount   uint64    `json:"assetAmount"`
	TxDigest      string    `json:"txDigest"`
	ExtractedAt   time.Time `json:"extractedAt"`
}

// CoinIDs returns the coin handles held for the task.
func (f ExtractedFunds) CoinIDs() []string {
	ids := make([]string, 0, 2)
	if f.ReserveCoinID != "" {
		ids = append(ids, f.ReserveCoinID)
	}
	if f.AssetCoinID != "" {
		ids = append(ids, f.AssetCoinID)
	}
	return ids
}

// GraduationTask is one per curve that has graduated.
type GraduationTask struct {
	TaskID          string // curve object id
	AssetID         string // token coin type
	Status          TaskStatus
	Steps           StepFlags
	ExtractedFunds  *ExtractedFunds
	PoolAddress     string
	PositionID      string
	Error           string
	EventTxDigest   string
	ContractVersion string
	Attempts        int
	StartedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
}

// NewGraduationTask creates a task in DETECTED state.
func NewGraduationTask(taskID, assetID, txDigest, version string, now time.Time) *GraduationTask {
	now = now.UTC()
	return &GraduationTask{
		TaskID:          taskID,
		AssetID:         assetID,
		Status:          StatusDetected,
		EventTxDigest:   txDigest,
		ContractVersion: version,
		StartedAt:       now,
		UpdatedAt:       now,
	}
}

// Advance moves the task forward along the happy path. Backwards moves,
// moves out of a terminal state and moves to FAILED are rejected (use Fail).
func (t *GraduationTask) Advance(next TaskStatus, now time.Time) error {
	if t.Status.Terminal() {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, t.Status)
	}
	cur, okCur := statusRank[t.Status]
	nxt, okNext := statusRank[next]
	if !okCur || !okNext || nxt <= cur {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, next)
	}
	t.Status = next
	t.Error = ""
	t.UpdatedAt = now.UTC()
	if next == StatusCompleted {
		done := now.UTC()
		t.CompletedAt = &done
	}
	return nil
}

// Reached reports whether the task is at or past s on the forward path.
// A FAILED task has reached nothing.
func (t *GraduationTask) Reached(s TaskStatus) bool {
	cur, okCur := statusRank[t.Status]
	want, okWant := statusRank[s]
	return okCur && okWant && cur >= want
}

// Fail marks the task FAILED, keeping flags and extracted funds for manual recovery.
func (t *GraduationTask) Fail(reason string, now time.Time) error {
	if t.Status.Terminal() {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, t.Status)
	}
	t.Status = StatusFailed
	t.Error = reason
	t.UpdatedAt = now.UTC()
	done := now.UTC()
	t.CompletedAt = &done
	return nil
}

// SetExtractedFunds records the extraction. It can only happen once.
func (t *GraduationTask) SetExtractedFunds(f ExtractedFunds, now time.Time) error {
	if t.ExtractedFunds != nil {
		return ErrFundsAlreadyExtracted
	}
	t.ExtractedFunds = &f
	t.Steps.Liquidity = true
	t.UpdatedAt = now.UTC()
	return nil
}

// Requeue resets a FAILED task to the furthest status its flags justify.
// Operator action only; extracted funds and pool address are kept.
func (t *GraduationTask) Requeue(now time.Time) error {
	if t.Status != StatusFailed {
		return fmt.Errorf("%w: requeue from %s", ErrInvalidTransition, t.Status)
	}
	t.Status = t.Steps.impliedStatus()
	if t.Status == StatusCompleted {
		done := now.UTC()
		t.CompletedAt = &done
	} else {
		t.CompletedAt = nil
	}
	t.Error = ""
	t.UpdatedAt = now.UTC()
	return nil
}

func (f StepFlags) impliedStatus() TaskStatus {
	switch {
	case f.Locked:
		return StatusCompleted
	case f.Pool:
		return StatusPoolCreated
	case f.Liquidity:
		return StatusLiquidityExtracted
	case f.Payouts:
		return StatusPayoutsDone
	default:
		return StatusDetected
	}
}

// NextStep returns the first step whose flag is not yet set.
func (t *GraduationTask) NextStep() Step {
	switch {
	case !t.Steps.Payouts:
		return StepPayouts
	case !t.Steps.Liquidity:
		return StepExtract
	case !t.Steps.Pool:
		return StepCreatePool
	case t.PositionID == "":
		return StepAddLiquidity
	case !t.Steps.Locked:
		return StepLock
	default:
		return StepDone
	}
}

// Step names one unit of saga work.
type Step string

const (
	StepPayouts      Step = "distribute_payouts"
	StepExtract      Step = "extract_liquidity"
	StepCreatePool   Step = "create_pool"
	StepAddLiquidity Step = "add_liquidity"
	StepLock         Step = "lock_position"
	StepDone         Step = "done"
)

// Clone returns a deep copy, so callers can mutate without aliasing store state.
func (t *GraduationTask) Clone() *GraduationTask {
	c := *t
	if t.ExtractedFunds != nil {
		f := *t.ExtractedFunds
		c.ExtractedFunds = &f
	}
	if t.CompletedAt != nil {
		d := *t.CompletedAt
		c.CompletedAt = &d
	}
	return &c
}

// TaskEvent is a lifecycle notification emitted on every persisted transition.
type TaskEvent struct {
	TaskID      string     `json:"taskId"`
	AssetID     string     `json:"assetId"`
	Status      TaskStatus `json:"status"`
	Step        Step       `json:"step,omitempty"`
	PoolAddress string     `json:"poolAddress,omitempty"`
	Error       string     `json:"error,omitempty"`
	At          time.Time  `json:"at"`
}

// PoolCreated is the payload sent to the indexing service.
type PoolCreated struct {
	AssetID     string `json:"assetId"`
	PoolAddress string `json:"poolAddress"`
}
