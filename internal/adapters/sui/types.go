package sui

import (
	"encoding/json"
	"math/big"
	"strconv"
	"strings"

	"github.com/alejandrodnm/graduator/internal/domain"
)

// Wire types of the JSON-RPC API. Only the fields we read are declared.

type eventID struct {
	TxDigest string `json:"txDigest"`
	EventSeq string `json:"eventSeq"`
}

type eventPage struct {
	Data        []rpcEvent `json:"data"`
	NextCursor  *eventID   `json:"nextCursor"`
	HasNextPage bool       `json:"hasNextPage"`
}

type rpcEvent struct {
	ID                eventID         `json:"id"`
	PackageID         string          `json:"packageId"`
	TransactionModule string          `json:"transactionModule"`
	Sender            string          `json:"sender"`
	Type              string          `json:"type"`
	ParsedJSON        json.RawMessage `json:"parsedJson"`
	TimestampMs       string          `json:"timestampMs"`
}

type txBlock struct {
	Digest         string            `json:"digest"`
	Effects        *txEffects        `json:"effects"`
	ObjectChanges  []rpcObjectChange `json:"objectChanges"`
	BalanceChanges []rpcBalance      `json:"balanceChanges"`
	Errors         []string          `json:"errors"`
}

type txEffects struct {
	Status struct {
		Status string `json:"status"`
		Error  string `json:"error"`
	} `json:"status"`
	GasUsed struct {
		ComputationCost string `json:"computationCost"`
		StorageCost     string `json:"storageCost"`
		StorageRebate   string `json:"storageRebate"`
	} `json:"gasUsed"`
}

type rpcObjectChange struct {
	Type       string          `json:"type"`
	ObjectID   string          `json:"objectId"`
	ObjectType string          `json:"objectType"`
	Owner      json.RawMessage `json:"owner"`
}

type rpcBalance struct {
	Owner    json.RawMessage `json:"owner"`
	CoinType string          `json:"coinType"`
	Amount   string          `json:"amount"`
}

type objectResponse struct {
	Data  *objectData     `json:"data"`
	Error json.RawMessage `json:"error"`
}

type objectData struct {
	ObjectID string         `json:"objectId"`
	Type     string         `json:"type"`
	Content  *objectContent `json:"content"`
}

type objectContent struct {
	DataType string         `json:"dataType"`
	Type     string         `json:"type"`
	Fields   map[string]any `json:"fields"`
}

type ownedPage struct {
	Data        []objectResponse `json:"data"`
	NextCursor  *string          `json:"nextCursor"`
	HasNextPage bool             `json:"hasNextPage"`
}

type rpcCoin struct {
	CoinType     string `json:"coinType"`
	CoinObjectID string `json:"coinObjectId"`
	Balance      string `json:"balance"`
}

type coinPage struct {
	Data        []rpcCoin `json:"data"`
	NextCursor  *string   `json:"nextCursor"`
	HasNextPage bool      `json:"hasNextPage"`
}

type rpcBalanceSummary struct {
	CoinType        string `json:"coinType"`
	CoinObjectCount int    `json:"coinObjectCount"`
	TotalBalance    string `json:"totalBalance"`
}

type txBytesResult struct {
	TxBytes string `json:"txBytes"`
}

// ownerAddress extracts the address of an AddressOwner. Shared, immutable and
// object-owned objects return "".
func ownerAddress(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var o struct {
		AddressOwner string `json:"AddressOwner"`
	}
	if err := json.Unmarshal(raw, &o); err != nil {
		return ""
	}
	return o.AddressOwner
}

func toTxResult(b txBlock) domain.TxResult {
	res := domain.TxResult{Digest: b.Digest}
	if b.Effects != nil {
		res.Success = b.Effects.Status.Status == "success"
		res.Error = b.Effects.Status.Error
		gas := netGas(b.Effects)
		if gas.Sign() > 0 && gas.IsUint64() {
			res.GasUsed = gas.Uint64()
		}
	} else if len(b.Errors) > 0 {
		res.Error = strings.Join(b.Errors, "; ")
	}
	for _, c := range b.ObjectChanges {
		res.ObjectChanges = append(res.ObjectChanges, domain.ObjectChange{
			Kind:       changeKind(c.Type),
			ObjectID:   c.ObjectID,
			ObjectType: c.ObjectType,
			Owner:      ownerAddress(c.Owner),
		})
	}
	for _, bc := range b.BalanceChanges {
		res.BalanceChanges = append(res.BalanceChanges, domain.BalanceChange{
			Owner:    ownerAddress(bc.Owner),
			CoinType: bc.CoinType,
			Amount:   parseBig(bc.Amount),
		})
	}
	return res
}

// netGas is computation plus storage cost minus the storage rebate. It can be
// negative.
func netGas(e *txEffects) *big.Int {
	if e == nil {
		return new(big.Int)
	}
	gas := new(big.Int).Add(parseBig(e.GasUsed.ComputationCost), parseBig(e.GasUsed.StorageCost))
	return gas.Sub(gas, parseBig(e.GasUsed.StorageRebate))
}

func changeKind(t string) domain.ObjectChangeKind {
	switch t {
	case "created":
		return domain.ObjectCreated
	case "mutated":
		return domain.ObjectMutated
	case "deleted":
		return domain.ObjectDeleted
	case "wrapped":
		return domain.ObjectWrapped
	default:
		return domain.ObjectOther
	}
}

func parseBig(s string) *big.Int {
	n, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return new(big.Int)
	}
	return n
}

func parseUint(s string) uint64 {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return n
}
