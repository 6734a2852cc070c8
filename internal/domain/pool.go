package domain

// pool.go: price and tick math for seeding a concentrated-liquidity pool.
//
// Prices are ratios of raw base-unit amounts (decimals cancel out), expressed
// as Q64.64 square roots the way the AMM stores them.

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"regexp"
	"strings"
)

const (
	// MaxTick is the largest tick the AMM accepts; MinTick is its negation.
	MaxTick = 443636
	MinTick = -MaxTick

	floatPrec = 256
)

var (
	// MinSqrtPriceX64 and MaxSqrtPriceX64 bound the AMM's sqrt price.
	MinSqrtPriceX64, _ = new(big.Int).SetString("4295048016", 10)
	MaxSqrtPriceX64, _ = new(big.Int).SetString("79226673515401279992447579055", 10)

	twoPow64 = new(big.Float).SetPrec(floatPrec).SetInt(new(big.Int).Lsh(big.NewInt(1), 64))

	ErrZeroAmount       = errors.New("zero amount")
	ErrPriceOutOfBounds = errors.New("sqrt price out of AMM bounds")
	ErrSameAsset        = errors.New("pool assets must differ")
)

// feeTierSpacing is the AMM's fee-rate (1e-6 units) to tick-spacing table.
var feeTierSpacing = map[uint64]uint32{
	100:   2,
	500:   10,
	2500:  60,
	10000: 200,
}

// TickSpacingForFee returns the tick spacing registered for a fee tier.
func TickSpacingForFee(feeTier uint64) (uint32, bool) {
	s, ok := feeTierSpacing[feeTier]
	return s, ok
}

// AssetOrder is the total order the AMM uses to place coin types in a pool.
type AssetOrder string

const (
	OrderAscending  AssetOrder = "ascending"
	OrderDescending AssetOrder = "descending"
)

var addrRe = regexp.MustCompile(`0x([0-9a-fA-F]{1,64})::`)

// NormalizeType expands every address in a type tag to 32 lowercase hex bytes,
// so "0x2::sui::SUI" and "0x0000…0002::sui::SUI" compare equal.
func NormalizeType(t string) string {
	return addrRe.ReplaceAllStringFunc(strings.TrimSpace(t), func(m string) string {
		hex := strings.ToLower(strings.TrimSuffix(strings.TrimPrefix(m, "0x"), "::"))
		return "0x" + strings.Repeat("0", 64-len(hex)) + hex + "::"
	})
}

func containsType(objectType, fragment string) bool {
	if fragment == "" {
		return true
	}
	return strings.Contains(NormalizeType(objectType), NormalizeType(fragment))
}

// SameType compares two type tags after normalization.
func SameType(a, b string) bool {
	return NormalizeType(a) == NormalizeType(b)
}

// SortAssets returns (first, second) according to the AMM's canonical order.
func SortAssets(a, b string, order AssetOrder) (first, second string, swapped bool) {
	na, nb := NormalizeType(a), NormalizeType(b)
	less := na < nb
	if order == OrderDescending {
		less = na > nb
	}
	if less {
		return a, b, false
	}
	return b, a, true
}

// InitialPrice is amountB per unit of amountA.
func InitialPrice(amountA, amountB uint64) (float64, error) {
	if amountA == 0 || amountB == 0 {
		return 0, ErrZeroAmount
	}
	p, _ := ratio(amountA, amountB).Float64()
	return p, nil
}

func ratio(amountA, amountB uint64) *big.Float {
	a := new(big.Float).SetPrec(floatPrec).SetUint64(amountA)
	b := new(big.Float).SetPrec(floatPrec).SetUint64(amountB)
	return new(big.Float).SetPrec(floatPrec).Quo(b, a)
}

// SqrtPriceX64 converts amountB/amountA into the AMM's Q64.64 sqrt price.
func SqrtPriceX64(amountA, amountB uint64) (*big.Int, error) {
	if amountA == 0 || amountB == 0 {
		return nil, ErrZeroAmount
	}
	root := new(big.Float).SetPrec(floatPrec).Sqrt(ratio(amountA, amountB))
	root.Mul(root, twoPow64)
	out, _ := root.Int(nil)
	if out.Cmp(MinSqrtPriceX64) < 0 || out.Cmp(MaxSqrtPriceX64) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrPriceOutOfBounds, out)
	}
	return out, nil
}

// PriceFromSqrtX64 is the inverse of SqrtPriceX64.
func PriceFromSqrtX64(sqrtX64 *big.Int) float64 {
	f := new(big.Float).SetPrec(floatPrec).SetInt(sqrtX64)
	f.Quo(f, twoPow64)
	f.Mul(f, f)
	p, _ := f.Float64()
	return p
}

// TickAtPrice returns floor(log_1.0001(price)), clamped to the tick range.
func TickAtPrice(price float64) int32 {
	if price <= 0 {
		return MinTick
	}
	t := math.Floor(math.Log(price) / math.Log(1.0001))
	if t < MinTick {
		return MinTick
	}
	if t > MaxTick {
		return MaxTick
	}
	return int32(t)
}

// FullRangeTicks returns the widest [lower, upper] range aligned to spacing.
func FullRangeTicks(spacing uint32) (lower, upper int32) {
	if spacing == 0 {
		spacing = 1
	}
	s := int32(spacing)
	upper = (MaxTick / s) * s
	return -upper, upper
}

// PoolPlan is everything needed to create and seed the pool, derived only
// from the persisted extracted funds.
type PoolPlan struct {
	CoinTypeA    string
	CoinTypeB    string
	CoinA        string
	CoinB        string
	AmountA      uint64
	AmountB      uint64
	Price        float64
	SqrtPriceX64 *big.Int
	InitialTick  int32
	TickSpacing  uint32
	TickLower    int32
	TickUpper    int32
}

// PlanPool orients the extracted funds by the canonical order and computes the
// initial price and full-range ticks.
func PlanPool(f ExtractedFunds, order AssetOrder, tickSpacing uint32) (PoolPlan, error) {
	if SameType(f.ReserveType, f.AssetType) {
		return PoolPlan{}, ErrSameAsset
	}
	plan := PoolPlan{TickSpacing: tickSpacing}
	_, _, swapped := SortAssets(f.ReserveType, f.AssetType, order)
	if !swapped {
		plan.CoinTypeA, plan.CoinA, plan.AmountA = f.ReserveType, f.ReserveCoinID, f.ReserveAmount
		plan.CoinTypeB, plan.CoinB, plan.AmountB = f.AssetType, f.AssetCoinID, f.AssetAmount
	} else {
		plan.CoinTypeA, plan.CoinA, plan.AmountA = f.AssetType, f.AssetCoinID, f.AssetAmount
		plan.CoinTypeB, plan.CoinB, plan.AmountB = f.ReserveType, f.ReserveCoinID, f.ReserveAmount
	}

	price, err := InitialPrice(plan.AmountA, plan.AmountB)
	if err != nil {
		return PoolPlan{}, fmt.Errorf("domain.PlanPool: %w", err)
	}
	sqrt, err := SqrtPriceX64(plan.AmountA, plan.AmountB)
	if err != nil {
		return PoolPlan{}, fmt.Errorf("domain.PlanPool: %w", err)
	}
	plan.Price = price
	plan.SqrtPriceX64 = sqrt
	plan.InitialTick = TickAtPrice(price)
	plan.TickLower, plan.TickUpper = FullRangeTicks(tickSpacing)
	return plan, nil
}
