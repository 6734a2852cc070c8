package ports

import (
	"context"

	"github.com/alejandrodnm/graduator/internal/domain"
)

// LedgerReader issues read queries against the ledger.
type LedgerReader interface {
	// QueryGraduationEvents returns one page of graduation events emitted by the
	// given contract package, oldest first, starting after cursor.
	QueryGraduationEvents(ctx context.Context, pkg string, cursor domain.EventID, limit int) (domain.EventPage, error)

	// ResolveCurve inspects a transaction's object effects and returns the
	// curve it mutated. The event payload alone is not trusted for this.
	ResolveCurve(ctx context.Context, txDigest string) (domain.CurveRef, error)

	// GetCurveState reads the curve's graduated/payouts/seeded flags and reserves.
	GetCurveState(ctx context.Context, curve domain.CurveRef) (domain.CurveState, error)

	// GetCoins lists the coins of one type owned by owner.
	GetCoins(ctx context.Context, owner, coinType string) ([]domain.Coin, error)

	// GetBalances returns the aggregated balances of owner.
	GetBalances(ctx context.Context, owner string) ([]domain.Balance, error)

	// OwnedPositions lists positions (or lock proofs) owned by owner.
	OwnedPositions(ctx context.Context, owner string) ([]domain.Position, error)
}

// LedgerWriter issues signed transactions. A nil error means the ledger
// reported the transaction as executed; callers check TxResult.Success.
type LedgerWriter interface {
	// Address is the signer's account, i.e. the custodial account.
	Address() string

	DistributePayouts(ctx context.Context, curve domain.CurveRef) (domain.TxResult, error)
	ExtractLiquidity(ctx context.Context, curve domain.CurveRef) (domain.TxResult, error)
	CreatePool(ctx context.Context, req domain.CreatePoolRequest) (domain.TxResult, error)
	AddLiquidity(ctx context.Context, req domain.AddLiquidityRequest) (domain.TxResult, error)
	LockPosition(ctx context.Context, req domain.LockRequest) (domain.TxResult, error)

	// EstimateFees simulates CollectFees and returns pos with FeeOwedA/B set
	// to what the claim would pay out. Nothing is executed.
	EstimateFees(ctx context.Context, pos domain.Position) (domain.Position, error)

	// CollectFees claims the trading fees accrued by a locked position.
	CollectFees(ctx context.Context, pos domain.Position) (domain.TxResult, error)

	// TransferObject sends an object owned by the signer to recipient.
	TransferObject(ctx context.Context, objectID, recipient string) (domain.TxResult, error)
}

// Ledger is the full client.
type Ledger interface {
	LedgerReader
	LedgerWriter
}
