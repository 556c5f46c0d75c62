package readmodel

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/tokenbook/pkg/app/core"
	"github.com/uhyunpark/tokenbook/pkg/app/core/eventlog"
)

func TestUnitPrice(t *testing.T) {
	tests := []struct {
		name  string
		order *core.Order
		want  string
	}{
		{"buy half", buy(1, alice, t0, 1, 2), "0.5"},
		{"sell uses get side as native", sell(1, alice, t0, 3, 4), "0.75"},
		{"rounds down below half", buy(1, alice, t0, 1, 3), "0.33333"},
		{"rounds up at half", buy(1, alice, t0, 1, 200_000), "0.00001"},
		{"rounds up above half", buy(1, alice, t0, 2, 3), "0.66667"},
		{"zero token side", &core.Order{TokenGive: core.NativeAsset, AmountGive: uint256.NewInt(5), AmountGet: new(uint256.Int)}, "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, UnitPrice(tt.order).String())
		})
	}
}

func TestDecorate(t *testing.T) {
	// 100 tokens for 0.1 native
	o := &core.Order{
		ID:         1,
		Maker:      alice,
		TokenGet:   tok,
		AmountGet:  new(uint256.Int).Mul(uint256.NewInt(100), uint256.NewInt(1_000_000_000_000_000_000)),
		TokenGive:  core.NativeAsset,
		AmountGive: uint256.NewInt(100_000_000_000_000_000),
		Timestamp:  t0,
	}
	d := Decorate(o)

	assert.Equal(t, "0.1", d.NativeAmount.String())
	assert.Equal(t, "100", d.TokenAmount.String())
	assert.Equal(t, "0.001", d.TokenPrice.String())
	// 2023-11-14 22:13:20 UTC
	assert.Equal(t, "10:13:20 pm 11/14", d.FormattedTimestamp)
	assert.Equal(t, o.ID, d.ID)
}

func TestFormatTimestamp(t *testing.T) {
	assert.Equal(t, "12:00:00 am 1/1", FormatTimestamp(0))
	assert.Equal(t, "9:05:07 am 3/4", FormatTimestamp(1_709_543_107))
}

func trade(o *core.Order, taker common.Address, ts int64) *eventlog.Trade {
	return eventlog.NewOrderFilled(o, taker, ts).OrderFilled
}

func TestDecorateFilledOrdersTrend(t *testing.T) {
	// fill times ascend t1 < t2 < t3 with prices 0.5, 0.4, 0.4;
	// input deliberately out of order
	tr1 := trade(buy(1, alice, t0, 1, 2), bob, t0+100)
	tr2 := trade(buy(2, alice, t0, 2, 5), bob, t0+200)
	tr3 := trade(sell(3, carol, t0, 2, 5), bob, t0+300)

	got := DecorateFilledOrders([]*eventlog.Trade{tr3, tr1, tr2})
	require.Len(t, got, 3)

	// newest first
	assert.Equal(t, []uint64{3, 2, 1}, []uint64{got[0].ID, got[1].ID, got[2].ID})
	assert.Equal(t, tr3.Timestamp, got[0].Timestamp, "fill time, not placement time")

	assert.Equal(t, TrendFavorable, got[2].Trend, "first trade compares with itself")
	assert.Equal(t, TrendUnfavorable, got[1].Trend, "0.4 < 0.5")
	assert.Equal(t, TrendFavorable, got[0].Trend, "0.4 >= 0.4")
	assert.Equal(t, bob, got[0].Taker)
}

func TestDecorateFilledOrdersRising(t *testing.T) {
	trades := []*eventlog.Trade{
		trade(buy(1, alice, t0, 1, 10), bob, t0+1),
		trade(buy(2, alice, t0, 2, 10), bob, t0+2),
		trade(buy(3, alice, t0, 3, 10), bob, t0+3),
	}
	for _, d := range DecorateFilledOrders(trades) {
		assert.Equal(t, TrendFavorable, d.Trend, "trade %d", d.ID)
	}
}

func TestDecorateFilledOrdersTiesByID(t *testing.T) {
	// same fill time: id order decides both passes
	a := trade(buy(7, alice, t0, 1, 2), bob, t0)
	b := trade(buy(4, alice, t0, 1, 4), bob, t0)
	c := trade(buy(9, alice, t0, 1, 8), bob, t0+5)

	got := DecorateFilledOrders([]*eventlog.Trade{a, c, b})
	require.Len(t, got, 3)
	assert.Equal(t, []uint64{9, 4, 7}, []uint64{got[0].ID, got[1].ID, got[2].ID})
	assert.Equal(t, TrendFavorable, got[1].Trend)
	assert.Equal(t, TrendFavorable, got[2].Trend, "0.5 >= 0.25")
	assert.Equal(t, TrendUnfavorable, got[0].Trend, "0.125 < 0.5")
}

func TestDecorateFilledOrdersEmpty(t *testing.T) {
	assert.Empty(t, DecorateFilledOrders(nil))
}
