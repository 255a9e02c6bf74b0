package venue

import (
	"fmt"
	"strconv"
	"time"

	json "github.com/goccy/go-json"

	"github.com/doctadg/perpstrader-sub009/pkg/types"
)

// Info endpoint request bodies. The venue multiplexes every read through
// POST /info with a type discriminator.
type infoRequest struct {
	Type string `json:"type"`
	User string `json:"user,omitempty"`
	Coin string `json:"coin,omitempty"`
}

// metaResponse is the instrument universe.
type metaResponse struct {
	Universe []universeEntry `json:"universe"`
}

type universeEntry struct {
	Name         string `json:"name"`
	SzDecimals   int    `json:"szDecimals"`
	MaxLeverage  int    `json:"maxLeverage"`
	OnlyIsolated bool   `json:"onlyIsolated,omitempty"`
}

// allMids arrives as {"BTC": "64123.5", ...} with string prices.
type allMidsResponse map[string]string

// clearinghouseState is the account snapshot.
type clearinghouseStateResponse struct {
	MarginSummary struct {
		AccountValue    string `json:"accountValue"`
		TotalMarginUsed string `json:"totalMarginUsed"`
		TotalNtlPos     string `json:"totalNtlPos"`
	} `json:"marginSummary"`
	Withdrawable   string          `json:"withdrawable"`
	AssetPositions []assetPosition `json:"assetPositions"`
	Time           int64           `json:"time"`
}

type assetPosition struct {
	Position struct {
		Coin           string `json:"coin"`
		Szi            string `json:"szi"` // signed size; negative is short
		EntryPx        string `json:"entryPx"`
		PositionValue  string `json:"positionValue"`
		UnrealizedPnl  string `json:"unrealizedPnl"`
		LiquidationPx  string `json:"liquidationPx"`
		MarginUsed     string `json:"marginUsed"`
		ReturnOnEquity string `json:"returnOnEquity"`
		Leverage       struct {
			Type  string `json:"type"`
			Value int    `json:"value"`
		} `json:"leverage"`
	} `json:"position"`
}

type openOrderEntry struct {
	Coin      string `json:"coin"`
	Side      string `json:"side"` // "B" or "A"
	LimitPx   string `json:"limitPx"`
	Sz        string `json:"sz"`
	OrigSz    string `json:"origSz"`
	Oid       int64  `json:"oid"`
	Cloid     string `json:"cloid,omitempty"`
	Timestamp int64  `json:"timestamp"`
	ReduceOnly bool  `json:"reduceOnly,omitempty"`
}

// l2BookResponse levels: [0] bids, [1] asks.
type l2BookResponse struct {
	Coin   string            `json:"coin"`
	Levels [2][]l2BookLevel  `json:"levels"`
	Time   int64             `json:"time"`
}

type l2BookLevel struct {
	Px string `json:"px"`
	Sz string `json:"sz"`
	N  int    `json:"n"`
}

// Exchange endpoint payloads. Actions are signed; field order matters for
// the action hash, so these structs are the canonical serialization.
type exchangeRequest struct {
	Action       interface{} `json:"action"`
	Nonce        uint64      `json:"nonce"`
	Signature    *Signature  `json:"signature"`
	VaultAddress *string     `json:"vaultAddress"`
}

type orderAction struct {
	Type     string      `json:"type"` // "order"
	Orders   []wireOrder `json:"orders"`
	Grouping string      `json:"grouping"` // "na"
}

type wireOrder struct {
	Asset      int       `json:"a"`
	IsBuy      bool      `json:"b"`
	Price      string    `json:"p"`
	Size       string    `json:"s"`
	ReduceOnly bool      `json:"r"`
	Type       orderType `json:"t"`
	Cloid      string    `json:"c,omitempty"`
}

type orderType struct {
	Limit *limitOrderType `json:"limit,omitempty"`
}

type limitOrderType struct {
	Tif string `json:"tif"` // "Gtc", "Ioc" or "Alo"
}

type cancelAction struct {
	Type    string       `json:"type"` // "cancel"
	Cancels []wireCancel `json:"cancels"`
}

type wireCancel struct {
	Asset int   `json:"a"`
	Oid   int64 `json:"o"`
}

type updateLeverageAction struct {
	Type     string `json:"type"` // "updateLeverage"
	Asset    int    `json:"asset"`
	IsCross  bool   `json:"isCross"`
	Leverage int    `json:"leverage"`
}

// exchangeResponse is the payload inside a status:"ok" exchange reply.
// Statuses stay raw because the venue mixes objects (order results) and
// bare strings ("success" acks for cancels and leverage updates).
type exchangeResponse struct {
	Type string `json:"type"`
	Data struct {
		Statuses []json.RawMessage `json:"statuses"`
	} `json:"data"`
}

type orderStatusEntry struct {
	Resting *struct {
		Oid int64 `json:"oid"`
	} `json:"resting,omitempty"`
	Filled *struct {
		TotalSz string `json:"totalSz"`
		AvgPx   string `json:"avgPx"`
		Oid     int64  `json:"oid"`
	} `json:"filled,omitempty"`
	Error string `json:"error,omitempty"`
}

// decodeOrderStatus tolerates both entry encodings. A bare "success"
// string maps to an empty entry (plain acknowledgement).
func decodeOrderStatus(raw json.RawMessage) (*orderStatusEntry, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "success" {
			return &orderStatusEntry{}, nil
		}

		return &orderStatusEntry{Error: s}, nil
	}

	var entry orderStatusEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("decode status entry: %w", err)
	}

	return &entry, nil
}

func millisToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}

	return time.UnixMilli(ms)
}

// parseFloat converts venue string numbers; the venue never sends
// localized or exponent forms.
func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}

	return f
}

func (e *openOrderEntry) toOrder() types.Order {
	side := types.OrderSideBuy
	if e.Side == "A" {
		side = types.OrderSideSell
	}

	origSz := parseFloat(e.OrigSz)
	sz := parseFloat(e.Sz)

	return types.Order{
		ClientOrderID: e.Cloid,
		VenueOrderID:  e.Oid,
		Symbol:        e.Coin,
		Side:          side,
		Type:          types.OrderTypeLimit,
		Price:         parseFloat(e.LimitPx),
		Size:          origSz,
		FilledSize:    origSz - sz,
		Status:        types.OrderStateOpen,
		ReduceOnly:    e.ReduceOnly,
		CreatedAt:     millisToTime(e.Timestamp),
		UpdatedAt:     millisToTime(e.Timestamp),
	}
}
