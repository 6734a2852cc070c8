package sui

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"math/big"
	"slices"
	"strconv"
	"strings"

	"github.com/alejandrodnm/graduator/internal/domain"
)

const (
	fnDistributePayouts = "distribute_payouts"
	fnExtractLiquidity  = "extract_liquidity"

	factoryModule = "factory"
	fnCreatePool  = "create_pool"
	scriptModule  = "pool_script_v2"
	fnOpenFixCoin = "open_position_with_liquidity_by_fix_coin"
	fnCollectFee  = "collect_fee"
	fnBurnLP      = "burn_lp"

	requestType = "WaitForLocalExecution"
)

var executeOptions = map[string]bool{
	"showEffects":        true,
	"showObjectChanges":  true,
	"showBalanceChanges": true,
}

// DistributePayouts splits the curve's reserve into fees, creator reward and
// the pool remainder.
func (c *Client) DistributePayouts(ctx context.Context, curve domain.CurveRef) (domain.TxResult, error) {
	return c.curveCall(ctx, fnDistributePayouts, curve)
}

// ExtractLiquidity moves the remaining reserve and token supply to the signer.
func (c *Client) ExtractLiquidity(ctx context.Context, curve domain.CurveRef) (domain.TxResult, error) {
	return c.curveCall(ctx, fnExtractLiquidity, curve)
}

func (c *Client) curveCall(ctx context.Context, fn string, curve domain.CurveRef) (domain.TxResult, error) {
	pkg := curve.Package
	if pkg == "" {
		return domain.TxResult{}, fmt.Errorf("sui.%s: curve %s has no package", fn, curve.CurveID)
	}
	var args []any
	if c.cfg.AdminCapID != "" {
		args = append(args, c.cfg.AdminCapID)
	}
	args = append(args, curve.CurveID)
	return c.moveCall(ctx, pkg, c.cfg.CurveModule, fn, []string{curve.AssetID}, args)
}

// CreatePool creates the AMM pool at the given initial sqrt price.
func (c *Client) CreatePool(ctx context.Context, req domain.CreatePoolRequest) (domain.TxResult, error) {
	args := []any{
		c.cfg.AMM.PoolsID,
		c.cfg.AMM.GlobalConfigID,
		req.TickSpacing,
		req.SqrtPriceX64,
		"",
		c.cfg.AMM.ClockID,
	}
	return c.moveCall(ctx, c.cfg.AMM.PackageID, factoryModule, fnCreatePool,
		[]string{req.CoinTypeA, req.CoinTypeB}, args)
}

// AddLiquidity opens a position with the given coins as maximum inputs.
func (c *Client) AddLiquidity(ctx context.Context, req domain.AddLiquidityRequest) (domain.TxResult, error) {
	args := []any{
		c.cfg.AMM.GlobalConfigID,
		req.PoolID,
		tickArg(req.TickLower),
		tickArg(req.TickUpper),
		req.CoinA,
		req.CoinB,
		strconv.FormatUint(req.AmountA, 10),
		strconv.FormatUint(req.AmountB, 10),
		true, // fix amount A; B is capped by CoinB
		c.cfg.AMM.ClockID,
	}
	return c.moveCall(ctx, c.cfg.AMM.PackageID, scriptModule, fnOpenFixCoin,
		[]string{req.CoinTypeA, req.CoinTypeB}, args, req.CoinA, req.CoinB)
}

// LockPosition burns the position (fees stay claimable through the proof) or
// hands it to the custodian, depending on the lock mode.
func (c *Client) LockPosition(ctx context.Context, req domain.LockRequest) (domain.TxResult, error) {
	if c.cfg.AMM.LockMode == LockCustodian {
		if c.cfg.AMM.Custodian == "" {
			return domain.TxResult{}, fmt.Errorf("sui.LockPosition: custodian address not configured")
		}
		return c.TransferObject(ctx, req.PositionID, c.cfg.AMM.Custodian)
	}
	args := []any{c.cfg.AMM.BurnManagerID, req.PoolID, req.PositionID}
	return c.moveCall(ctx, c.cfg.AMM.BurnPackageID, burnModule, fnBurnLP,
		[]string{req.CoinTypeA, req.CoinTypeB}, args)
}

// CollectFees claims accrued fees; the collected coins land in the signer's account.
func (c *Client) CollectFees(ctx context.Context, pos domain.Position) (domain.TxResult, error) {
	pkg, module, args := c.collectFeeCall(pos)
	return c.moveCall(ctx, pkg, module, fnCollectFee, []string{pos.CoinTypeA, pos.CoinTypeB}, args)
}

// EstimateFees dry-runs the fee claim and returns pos with the owed amounts
// set from the balance changes. The AMM keeps owed fees in the pool, not on
// the position object. Nothing is executed.
func (c *Client) EstimateFees(ctx context.Context, pos domain.Position) (domain.Position, error) {
	if err := c.requireSigner(); err != nil {
		return pos, err
	}
	pkg, module, args := c.collectFeeCall(pos)
	txBytes, err := c.build(ctx, pkg, module, fnCollectFee, []string{pos.CoinTypeA, pos.CoinTypeB}, args)
	if err != nil {
		return pos, fmt.Errorf("sui.EstimateFees %s: %w", pos.ObjectID, err)
	}

	var block txBlock
	if err := c.call(ctx, &block, "sui_dryRunTransactionBlock", txBytes); err != nil {
		return pos, fmt.Errorf("sui.EstimateFees %s: %w", pos.ObjectID, err)
	}
	res := toTxResult(block)
	if !res.Success {
		return pos, fmt.Errorf("sui.EstimateFees %s: dry run failed: %s", pos.ObjectID, res.Error)
	}

	// The SUI change of the sender is net of gas; add it back.
	gas := netGas(block.Effects)
	me := c.signer.Address()
	pos.FeeOwedA, pos.FeeOwedB = 0, 0
	for _, bc := range res.BalanceChanges {
		if !strings.EqualFold(bc.Owner, me) || bc.Amount == nil {
			continue
		}
		amt := new(big.Int).Set(bc.Amount)
		if domain.SameType(bc.CoinType, gasCoinType) {
			amt.Add(amt, gas)
		}
		if amt.Sign() <= 0 || !amt.IsUint64() {
			continue
		}
		switch {
		case domain.SameType(bc.CoinType, pos.CoinTypeA):
			pos.FeeOwedA = amt.Uint64()
		case domain.SameType(bc.CoinType, pos.CoinTypeB):
			pos.FeeOwedB = amt.Uint64()
		}
	}
	return pos, nil
}

func (c *Client) collectFeeCall(pos domain.Position) (pkg, module string, args []any) {
	if m, _ := structName(pos.ObjectType); m == burnModule {
		return c.cfg.AMM.BurnPackageID, burnModule,
			[]any{c.cfg.AMM.BurnManagerID, c.cfg.AMM.GlobalConfigID, pos.PoolID, pos.ObjectID}
	}
	return c.cfg.AMM.PackageID, scriptModule, []any{c.cfg.AMM.GlobalConfigID, pos.PoolID, pos.ObjectID}
}

// TransferObject moves an object owned by the signer to recipient.
func (c *Client) TransferObject(ctx context.Context, objectID, recipient string) (domain.TxResult, error) {
	if err := c.requireSigner(); err != nil {
		return domain.TxResult{}, err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	gas, err := c.pickGas(ctx, objectID)
	if err != nil {
		return domain.TxResult{}, fmt.Errorf("sui.TransferObject: %w", err)
	}
	var built txBytesResult
	if err := c.callOnce(ctx, &built, "unsafe_transferObject",
		c.signer.Address(), objectID, gas, strconv.FormatUint(c.cfg.GasBudget, 10), recipient,
	); err != nil {
		return domain.TxResult{}, fmt.Errorf("sui.TransferObject %s: %w", objectID, err)
	}
	return c.execute(ctx, built.TxBytes)
}

// moveCall builds, signs and executes one entry-function call. Coins passed
// as arguments are listed in inputs so they are not picked as gas.
func (c *Client) moveCall(ctx context.Context, pkg, module, fn string, typeArgs []string, args []any, inputs ...string) (domain.TxResult, error) {
	if err := c.requireSigner(); err != nil {
		return domain.TxResult{}, err
	}
	if pkg == "" {
		return domain.TxResult{}, fmt.Errorf("sui.%s: package not configured", fn)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	txBytes, err := c.build(ctx, pkg, module, fn, typeArgs, args, inputs...)
	if err != nil {
		return domain.TxResult{}, fmt.Errorf("sui.%s: %w", fn, err)
	}

	res, err := c.execute(ctx, txBytes)
	if err != nil {
		return res, fmt.Errorf("sui.%s: %w", fn, err)
	}
	slog.Debug("sui: executed",
		"call", module+"::"+fn,
		"tx", res.Digest,
		"success", res.Success,
		"gas", res.GasUsed,
	)
	return res, nil
}

// build picks gas and returns the unsigned transaction bytes (base64).
func (c *Client) build(ctx context.Context, pkg, module, fn string, typeArgs []string, args []any, inputs ...string) (string, error) {
	if pkg == "" {
		return "", fmt.Errorf("package not configured")
	}
	gas, err := c.pickGas(ctx, inputs...)
	if err != nil {
		return "", err
	}
	var built txBytesResult
	if err := c.callOnce(ctx, &built, "unsafe_moveCall",
		c.signer.Address(), pkg, module, fn, typeArgs, args, gas, strconv.FormatUint(c.cfg.GasBudget, 10),
	); err != nil {
		return "", fmt.Errorf("build: %w", err)
	}
	return built.TxBytes, nil
}

func (c *Client) execute(ctx context.Context, txBytesB64 string) (domain.TxResult, error) {
	txBytes, err := base64.StdEncoding.DecodeString(txBytesB64)
	if err != nil {
		return domain.TxResult{}, fmt.Errorf("decode tx bytes: %w", err)
	}
	sig, err := c.signer.Sign(txBytes)
	if err != nil {
		return domain.TxResult{}, err
	}
	var block txBlock
	if err := c.callOnce(ctx, &block, "sui_executeTransactionBlock",
		txBytesB64, []string{sig}, executeOptions, requestType,
	); err != nil {
		return domain.TxResult{}, fmt.Errorf("execute: %w", err)
	}
	return toTxResult(block), nil
}

// pickGas chooses the gas coin: the configured one, or the largest SUI coin
// with enough balance that no in-flight task has reserved and that is not an
// input of the call itself.
func (c *Client) pickGas(ctx context.Context, inputs ...string) (string, error) {
	excluded := append([]string(nil), inputs...)
	if c.reserved != nil {
		ids, err := c.reserved(ctx)
		if err != nil {
			return "", fmt.Errorf("reserved coins: %w", err)
		}
		excluded = append(excluded, ids...)
	}

	if c.cfg.GasObjectID != "" {
		if slices.Contains(excluded, c.cfg.GasObjectID) {
			return "", fmt.Errorf("configured gas coin %s is reserved", c.cfg.GasObjectID)
		}
		return c.cfg.GasObjectID, nil
	}

	coins, err := c.GetCoins(ctx, c.signer.Address(), gasCoinType)
	if err != nil {
		return "", err
	}
	best := ""
	var bestBal uint64
	for _, coin := range coins {
		if slices.Contains(excluded, coin.CoinID) || coin.Balance < c.cfg.GasBudget {
			continue
		}
		if coin.Balance > bestBal {
			best, bestBal = coin.CoinID, coin.Balance
		}
	}
	if best == "" {
		return "", fmt.Errorf("no unreserved gas coin with balance >= %d", c.cfg.GasBudget)
	}
	return best, nil
}

func (c *Client) requireSigner() error {
	if c.signer == nil {
		return fmt.Errorf("sui: client is read-only, no signer configured")
	}
	return nil
}

// tickArg encodes a signed tick as the AMM's u32 two's complement.
func tickArg(t int32) uint32 {
	return uint32(t)
}
