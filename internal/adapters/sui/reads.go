package sui

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alejandrodnm/graduator/internal/domain"
)

const (
	pageLimit = 50

	positionModule = "position"
	positionStruct = "Position"
	burnModule     = "lp_burn"
	burnProof      = "CetusLPBurnProof"
)

var (
	curveHintFields = []string{"curve_id", "bonding_curve_id", "curve"}

	reserveFields   = []string{"reserve_balance", "sui_reserve", "reserve", "real_sui_reserves"}
	tokenFields     = []string{"token_balance", "token_reserve", "real_token_reserves"}
	graduatedFields = []string{"graduated", "is_graduated", "completed"}
	payoutsFields   = []string{"payouts_distributed", "is_payouts_distributed"}
	seededFields    = []string{"liquidity_seeded", "liquidity_extracted", "migrated"}
)

// QueryGraduationEvents returns one page of the package's graduation events,
// oldest first, after cursor.
func (c *Client) QueryGraduationEvents(ctx context.Context, pkg string, cursor domain.EventID, limit int) (domain.EventPage, error) {
	if limit <= 0 {
		limit = pageLimit
	}
	filter := map[string]string{
		"MoveEventType": fmt.Sprintf("%s::%s::%s", pkg, c.cfg.CurveModule, c.cfg.EventStruct),
	}
	var cur any
	if !cursor.IsZero() {
		cur = eventID{TxDigest: cursor.TxDigest, EventSeq: cursor.EventSeq}
	}

	var page eventPage
	if err := c.call(ctx, &page, "suix_queryEvents", filter, cur, limit, false); err != nil {
		return domain.EventPage{}, fmt.Errorf("sui.QueryGraduationEvents %s: %w", pkg, err)
	}

	out := domain.EventPage{HasNextPage: page.HasNextPage, NextCursor: cursor}
	for _, e := range page.Data {
		out.Events = append(out.Events, c.decodeEvent(pkg, e))
	}
	if page.NextCursor != nil {
		out.NextCursor = domain.EventID{TxDigest: page.NextCursor.TxDigest, EventSeq: page.NextCursor.EventSeq}
	} else if n := len(out.Events); n > 0 {
		out.NextCursor = out.Events[n-1].ID
	}
	return out, nil
}

// decodeEvent maps the raw event to a tagged variant. The kind is decided by
// the exact module and struct name, never by substring.
func (c *Client) decodeEvent(pkg string, e rpcEvent) domain.LedgerEvent {
	ev := domain.LedgerEvent{
		ID:      domain.EventID{TxDigest: e.ID.TxDigest, EventSeq: e.ID.EventSeq},
		Kind:    domain.EventUnknown,
		Package: pkg,
		Type:    e.Type,
		Sender:  e.Sender,
	}
	if ms, err := strconv.ParseInt(e.TimestampMs, 10, 64); err == nil {
		ev.Timestamp = time.UnixMilli(ms).UTC()
	}
	module, name := structName(e.Type)
	if module == c.cfg.CurveModule && name == c.cfg.EventStruct {
		ev.Kind = domain.EventGraduated
	}
	if len(e.ParsedJSON) > 0 {
		var fields map[string]any
		if err := json.Unmarshal(e.ParsedJSON, &fields); err == nil {
			ev.CurveHint = fieldString(fields, curveHintFields...)
		}
	}
	return ev
}

// ResolveCurve returns the curve object the transaction mutated.
func (c *Client) ResolveCurve(ctx context.Context, txDigest string) (domain.CurveRef, error) {
	var tx txBlock
	opts := map[string]bool{"showObjectChanges": true}
	if err := c.call(ctx, &tx, "sui_getTransactionBlock", txDigest, opts); err != nil {
		return domain.CurveRef{}, fmt.Errorf("sui.ResolveCurve %s: %w", txDigest, err)
	}

	for _, ch := range tx.ObjectChanges {
		if ch.Type != "mutated" && ch.Type != "created" {
			continue
		}
		module, name := structName(ch.ObjectType)
		if module != c.cfg.CurveModule || name != c.cfg.CurveStruct {
			continue
		}
		asset := c.assetArg(ch.ObjectType)
		if asset == "" {
			return domain.CurveRef{}, fmt.Errorf("sui.ResolveCurve %s: curve %s has no asset type argument", txDigest, ch.ObjectID)
		}
		pkg := strings.SplitN(ch.ObjectType, "::", 2)[0]
		return domain.CurveRef{CurveID: ch.ObjectID, AssetID: asset, Package: pkg}, nil
	}
	return domain.CurveRef{}, fmt.Errorf("sui.ResolveCurve %s: no curve object in effects: %w", txDigest, domain.ErrNotFound)
}

// assetArg picks the curve's token type argument: the last one that is not
// the reserve coin.
func (c *Client) assetArg(objectType string) string {
	args := typeArgs(objectType)
	for i := len(args) - 1; i >= 0; i-- {
		if !domain.SameType(args[i], c.cfg.ReserveType) {
			return args[i]
		}
	}
	if len(args) > 0 {
		return args[len(args)-1]
	}
	return ""
}

// GetCurveState reads the curve's flags and balances.
func (c *Client) GetCurveState(ctx context.Context, curve domain.CurveRef) (domain.CurveState, error) {
	obj, err := c.getObject(ctx, curve.CurveID)
	if err != nil {
		return domain.CurveState{}, fmt.Errorf("sui.GetCurveState %s: %w", curve.CurveID, err)
	}
	f := obj.Content.Fields
	return domain.CurveState{
		CurveID:            curve.CurveID,
		AssetID:            curve.AssetID,
		Graduated:          fieldBool(f, graduatedFields...),
		PayoutsDistributed: fieldBool(f, payoutsFields...),
		LiquiditySeeded:    fieldBool(f, seededFields...),
		ReserveBalance:     fieldUint(f, reserveFields...),
		TokenBalance:       fieldUint(f, tokenFields...),
	}, nil
}

func (c *Client) getObject(ctx context.Context, id string) (*objectData, error) {
	var resp objectResponse
	opts := map[string]bool{"showContent": true, "showType": true}
	if err := c.call(ctx, &resp, "sui_getObject", id, opts); err != nil {
		return nil, err
	}
	if resp.Data == nil || resp.Data.Content == nil {
		return nil, fmt.Errorf("object %s: %w", id, domain.ErrNotFound)
	}
	return resp.Data, nil
}

// GetCoins lists every coin of coinType owned by owner.
func (c *Client) GetCoins(ctx context.Context, owner, coinType string) ([]domain.Coin, error) {
	var (
		out    []domain.Coin
		cursor *string
	)
	for {
		var page coinPage
		if err := c.call(ctx, &page, "suix_getCoins", owner, coinType, cursor, pageLimit); err != nil {
			return nil, fmt.Errorf("sui.GetCoins %s: %w", coinType, err)
		}
		for _, coin := range page.Data {
			out = append(out, domain.Coin{
				CoinID:   coin.CoinObjectID,
				CoinType: coin.CoinType,
				Balance:  parseUint(coin.Balance),
			})
		}
		if !page.HasNextPage || page.NextCursor == nil {
			return out, nil
		}
		cursor = page.NextCursor
	}
}

// GetBalances returns every coin type balance of owner.
func (c *Client) GetBalances(ctx context.Context, owner string) ([]domain.Balance, error) {
	var raw []rpcBalanceSummary
	if err := c.call(ctx, &raw, "suix_getAllBalances", owner); err != nil {
		return nil, fmt.Errorf("sui.GetBalances: %w", err)
	}
	out := make([]domain.Balance, 0, len(raw))
	for _, b := range raw {
		out = append(out, domain.Balance{
			CoinType:  b.CoinType,
			Total:     parseUint(b.TotalBalance),
			CoinCount: b.CoinObjectCount,
		})
	}
	return out, nil
}

// OwnedPositions lists AMM positions and burn proofs owned by owner.
func (c *Client) OwnedPositions(ctx context.Context, owner string) ([]domain.Position, error) {
	var types []map[string]string
	if c.cfg.AMM.PackageID != "" {
		types = append(types, map[string]string{"StructType": c.positionType()})
	}
	if c.cfg.AMM.BurnPackageID != "" {
		types = append(types, map[string]string{"StructType": c.burnProofType()})
	}
	if len(types) == 0 {
		return nil, fmt.Errorf("sui.OwnedPositions: amm package not configured")
	}
	query := map[string]any{
		"filter":  map[string]any{"MatchAny": types},
		"options": map[string]bool{"showContent": true, "showType": true},
	}

	var (
		out    []domain.Position
		cursor *string
	)
	for {
		var page ownedPage
		if err := c.call(ctx, &page, "suix_getOwnedObjects", owner, query, cursor, pageLimit); err != nil {
			return nil, fmt.Errorf("sui.OwnedPositions: %w", err)
		}
		for _, o := range page.Data {
			if o.Data == nil || o.Data.Content == nil {
				continue
			}
			out = append(out, decodePosition(o.Data))
		}
		if !page.HasNextPage || page.NextCursor == nil {
			return out, nil
		}
		cursor = page.NextCursor
	}
}

func decodePosition(o *objectData) domain.Position {
	f := o.Content.Fields
	t := o.Type
	if t == "" {
		t = o.Content.Type
	}
	return domain.Position{
		ObjectID:   o.ObjectID,
		ObjectType: t,
		PoolID:     fieldString(f, "pool", "pool_id"),
		CoinTypeA:  typeName(fieldString(f, "coin_type_a")),
		CoinTypeB:  typeName(fieldString(f, "coin_type_b")),
	}
}

func (c *Client) positionType() string {
	return fmt.Sprintf("%s::%s::%s", c.cfg.AMM.PackageID, positionModule, positionStruct)
}

func (c *Client) burnProofType() string {
	return fmt.Sprintf("%s::%s::%s", c.cfg.AMM.BurnPackageID, burnModule, burnProof)
}
