package domain

import (
	"math/big"
	"time"
)

// EventKind is the decoded variant of a ledger event.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventGraduated
)

func (k EventKind) String() string {
	switch k {
	case EventGraduated:
		return "graduated"
	default:
		return "unknown"
	}
}

// EventID identifies an event in the ledger's event log; also used as page cursor.
type EventID struct {
	TxDigest string `json:"txDigest"`
	EventSeq string `json:"eventSeq"`
}

// IsZero reports whether the cursor is unset.
func (e EventID) IsZero() bool {
	return e.TxDigest == "" && e.EventSeq == ""
}

// LedgerEvent is an event decoded at the ledger-client boundary.
type LedgerEvent struct {
	ID        EventID
	Kind      EventKind
	Package   string // contract version the event was emitted by
	Type      string // full event type tag
	Sender    string
	Timestamp time.Time
	// CurveHint is the curve id found in the payload, if any. The payload alone
	// may be incomplete, so the poller resolves the key from object effects.
	CurveHint string
}

// EventPage is one page of an event query.
type EventPage struct {
	Events      []LedgerEvent
	NextCursor  EventID
	HasNextPage bool
}

// CurveRef names a curve object and its type arguments.
type CurveRef struct {
	CurveID string
	AssetID string // token coin type, type argument of the curve
	Package string // contract version that owns the curve
}

// CurveState is the current on-chain state of a bonding curve.
type CurveState struct {
	CurveID            string
	AssetID            string
	Graduated          bool
	PayoutsDistributed bool
	LiquiditySeeded    bool
	ReserveBalance     uint64
	TokenBalance       uint64
}

// ObjectChangeKind is the kind of change a transaction applied to an object.
type ObjectChangeKind string

const (
	ObjectCreated ObjectChangeKind = "created"
	ObjectMutated ObjectChangeKind = "mutated"
	ObjectDeleted ObjectChangeKind = "deleted"
	ObjectWrapped ObjectChangeKind = "wrapped"
	ObjectOther   ObjectChangeKind = "other"
)

// ObjectChange is one entry of a transaction's object-effects list.
type ObjectChange struct {
	Kind       ObjectChangeKind
	ObjectID   string
	ObjectType string
	Owner      string // address owner; empty for shared/immutable objects
}

// BalanceChange is one entry of a transaction's balance-changes list.
type BalanceChange struct {
	Owner    string
	CoinType string
	Amount   *big.Int // signed; token supplies overflow int64
}

// TxResult is the outcome of a signed transaction as reported by the ledger.
type TxResult struct {
	Digest         string
	Success        bool
	Error          string
	ObjectChanges  []ObjectChange
	BalanceChanges []BalanceChange
	GasUsed        uint64
}

// Created returns created objects whose type contains typeFragment.
func (r TxResult) Created(typeFragment string) []ObjectChange {
	var out []ObjectChange
	for _, c := range r.ObjectChanges {
		if c.Kind == ObjectCreated && containsType(c.ObjectType, typeFragment) {
			out = append(out, c)
		}
	}
	return out
}

// Coin is a coin object owned by an account.
type Coin struct {
	CoinID   string
	CoinType string
	Balance  uint64
}

// Balance is an account's aggregated balance of one coin type.
type Balance struct {
	CoinType  string
	Total     uint64
	CoinCount int
}

// Position is a liquidity position (or its lock proof) owned by an account.
// FeeOwedA/B are zero as listed; the ledger client's fee estimate fills them.
type Position struct {
	ObjectID   string
	ObjectType string
	PoolID     string
	CoinTypeA  string
	CoinTypeB  string
	FeeOwedA   uint64
	FeeOwedB   uint64
}

// HasFees reports whether any trading fees are claimable.
func (p Position) HasFees() bool {
	return p.FeeOwedA > 0 || p.FeeOwedB > 0
}

// CreatePoolRequest carries the arguments of the AMM pool-creation call.
type CreatePoolRequest struct {
	CoinTypeA    string
	CoinTypeB    string
	TickSpacing  uint32
	FeeTier      uint64
	SqrtPriceX64 string // decimal u128
}

// AddLiquidityRequest opens a full-range position on a pool.
type AddLiquidityRequest struct {
	PoolID    string
	CoinTypeA string
	CoinTypeB string
	CoinA     string
	CoinB     string
	AmountA   uint64
	AmountB   uint64
	TickLower int32
	TickUpper int32
}

// LockRequest voids transferability of a position's principal.
type LockRequest struct {
	PositionID string
	PoolID     string
	CoinTypeA  string
	CoinTypeB  string
}
