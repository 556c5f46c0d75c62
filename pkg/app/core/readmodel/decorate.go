package readmodel

import (
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/tokenbook/pkg/app/core"
	"github.com/uhyunpark/tokenbook/pkg/app/core/eventlog"
)

// PricePlaces is the number of decimal places a unit price is rounded to
const PricePlaces = 5

// TimestampLayout renders trade times like "3:04:05 pm 1/2"
const TimestampLayout = "3:04:05 pm 1/2"

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

type Trend string

const (
	TrendFavorable   Trend = "favorable"
	TrendUnfavorable Trend = "unfavorable"
)

// DecoratedOrder is an order with display fields attached
type DecoratedOrder struct {
	core.Order
	NativeAmount       decimal.Decimal `json:"nativeAmount"`
	TokenAmount        decimal.Decimal `json:"tokenAmount"`
	TokenPrice         decimal.Decimal `json:"tokenPrice"`
	FormattedTimestamp string          `json:"formattedTimestamp"`
}

// DecoratedTrade is a filled order with its taker and price trend
type DecoratedTrade struct {
	DecoratedOrder
	Taker common.Address `json:"taker"`
	Trend Trend          `json:"trend"`
}

// nativeAndToken splits an order's amounts into its native side and token side
func nativeAndToken(o *core.Order) (native, tok *uint256.Int) {
	if core.IsNative(o.TokenGive) {
		return o.AmountGive, o.AmountGet
	}
	return o.AmountGet, o.AmountGive
}

// UnitPrice is the native-side amount per token-side amount, rounded half
// up to PricePlaces. A zero token side prices at zero.
func UnitPrice(o *core.Order) decimal.Decimal {
	native, tok := nativeAndToken(o)
	if tok == nil || tok.IsZero() || native == nil {
		return decimal.Zero
	}
	return toDecimal(native, 0).DivRound(toDecimal(tok, 0), PricePlaces)
}

// DisplayAmount converts base units to whole units at core.Decimals
func DisplayAmount(amount *uint256.Int) decimal.Decimal {
	if amount == nil {
		return decimal.Zero
	}
	return toDecimal(amount, -core.Decimals)
}

func toDecimal(v *uint256.Int, exp int32) decimal.Decimal {
	return decimal.NewFromBigInt(v.ToBig(), exp)
}

// FormatTimestamp renders unix seconds in UTC with TimestampLayout
func FormatTimestamp(ts int64) string {
	return time.Unix(ts, 0).UTC().Format(TimestampLayout)
}

// Decorate attaches display amounts, unit price and formatted time to o
func Decorate(o *core.Order) DecoratedOrder {
	native, tok := nativeAndToken(o)
	return DecoratedOrder{
		Order:              *o,
		NativeAmount:       DisplayAmount(native),
		TokenAmount:        DisplayAmount(tok),
		TokenPrice:         UnitPrice(o),
		FormattedTimestamp: FormatTimestamp(o.Timestamp),
	}
}

// DecorateFilledOrders builds trade history.
//
// Trades are sorted ascending by time (ties by id) and each is classified
// against the one before it: favorable when its price is at least the
// previous price. The first trade is compared with itself and so is always
// favorable. The result is returned newest first.
func DecorateFilledOrders(trades []*eventlog.Trade) []DecoratedTrade {
	asc := make([]*eventlog.Trade, len(trades))
	copy(asc, trades)
	sort.Slice(asc, func(i, j int) bool {
		if asc[i].Timestamp != asc[j].Timestamp {
			return asc[i].Timestamp < asc[j].Timestamp
		}
		return asc[i].ID < asc[j].ID
	})

	out := make([]DecoratedTrade, len(asc))
	var prev decimal.Decimal
	for i, t := range asc {
		d := Decorate(t.Order())
		if i == 0 {
			prev = d.TokenPrice
		}
		trend := TrendFavorable
		if d.TokenPrice.LessThan(prev) {
			trend = TrendUnfavorable
		}
		out[i] = DecoratedTrade{DecoratedOrder: d, Taker: t.Taker, Trend: trend}
		prev = d.TokenPrice
	}

	// newest first; trades filled at the same time keep their ascending order
	desc := make([]DecoratedTrade, 0, len(out))
	for end := len(asc); end > 0; {
		begin := end - 1
		for begin > 0 && asc[begin-1].Timestamp == asc[end-1].Timestamp {
			begin--
		}
		desc = append(desc, out[begin:end]...)
		end = begin
	}
	return desc
}
