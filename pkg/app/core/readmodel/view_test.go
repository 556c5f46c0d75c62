package readmodel

import (
	"sort"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/tokenbook/pkg/app/core"
	"github.com/uhyunpark/tokenbook/pkg/app/core/eventlog"
)

var (
	alice = common.HexToAddress("0xAA00000000000000000000000000000000000000")
	bob   = common.HexToAddress("0xBB00000000000000000000000000000000000000")
	carol = common.HexToAddress("0xCC00000000000000000000000000000000000000")
	tok   = common.HexToAddress("0x7000000000000000000000000000000000000001")
)

const t0 = int64(1_700_000_000)

// buy is an order giving native for tokens; price = native/tokens
func buy(id uint64, maker common.Address, ts int64, native, tokens uint64) *core.Order {
	return &core.Order{ID: id, Maker: maker, TokenGet: tok, AmountGet: uint256.NewInt(tokens),
		TokenGive: core.NativeAsset, AmountGive: uint256.NewInt(native), Timestamp: ts}
}

// sell is an order giving tokens for native
func sell(id uint64, maker common.Address, ts int64, native, tokens uint64) *core.Order {
	return &core.Order{ID: id, Maker: maker, TokenGet: core.NativeAsset, AmountGet: uint256.NewInt(native),
		TokenGive: tok, AmountGive: uint256.NewInt(tokens), Timestamp: ts}
}

// chain seals events into a fresh log
func chain(t *testing.T, evs ...eventlog.Event) *eventlog.Log {
	t.Helper()
	l := eventlog.New()
	for _, ev := range evs {
		sealed, err := l.Seal(ev)
		require.NoError(t, err)
		require.NoError(t, l.Append(sealed))
	}
	return l
}

// scenario: five orders, one cancelled, two filled, plus balance noise
func scenario(t *testing.T) *eventlog.Log {
	o1 := buy(1, alice, t0, 50, 100)
	o2 := sell(2, bob, t0+1, 60, 100)
	o3 := buy(3, alice, t0+2, 40, 100)
	o4 := sell(4, carol, t0+3, 70, 100)
	o5 := buy(5, bob, t0+4, 45, 100)
	return chain(t,
		eventlog.NewDeposit(core.NativeAsset, alice, uint256.NewInt(500), uint256.NewInt(500)),
		eventlog.NewOrderPlaced(o1),
		eventlog.NewOrderPlaced(o2),
		eventlog.NewOrderPlaced(o3),
		eventlog.NewOrderCancelled(o3, t0+10),
		eventlog.NewOrderPlaced(o4),
		eventlog.NewOrderFilled(o1, bob, t0+20),
		eventlog.NewWithdraw(core.NativeAsset, alice, uint256.NewInt(5), uint256.NewInt(495)),
		eventlog.NewOrderPlaced(o5),
		eventlog.NewOrderFilled(o4, alice, t0+30),
	)
}

func ids(orders []*core.Order) []uint64 {
	out := make([]uint64, len(orders))
	for i, o := range orders {
		out[i] = o.ID
	}
	return out
}

func sorted(s []uint64) []uint64 {
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
	return s
}

func TestMaterialize(t *testing.T) {
	v := Materialize(scenario(t).Snapshot())

	assert.Equal(t, uint64(10), v.Seq)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, ids(v.Orders))
	assert.Equal(t, []uint64{3}, sorted(v.CancelledIDs()))
	assert.Equal(t, []uint64{1, 4}, sorted(v.FilledIDs()))
	assert.Equal(t, []uint64{2, 5}, ids(v.OpenOrders()))
	require.Len(t, v.Trades, 2)
	assert.Equal(t, bob, v.Trades[0].Taker)

	assert.Equal(t, core.OrderFilled, v.State(1))
	assert.Equal(t, core.OrderCancelled, v.State(3))
	assert.Equal(t, core.OrderOpen, v.State(5))
}

func TestOpenOrdersIdentityHoldsForEveryPrefix(t *testing.T) {
	events := scenario(t).Snapshot()

	for n := 0; n <= len(events); n++ {
		v := Materialize(events[:n])
		terminal := map[uint64]bool{}
		for _, id := range v.CancelledIDs() {
			terminal[id] = true
		}
		for _, id := range v.FilledIDs() {
			assert.False(t, terminal[id], "prefix %d: order %d both cancelled and filled", n, id)
			terminal[id] = true
		}

		var want []uint64
		for _, o := range v.Orders {
			if !terminal[o.ID] {
				want = append(want, o.ID)
			}
		}
		got := ids(v.OpenOrders())
		if len(want) == 0 {
			assert.Empty(t, got, "prefix %d", n)
		} else {
			assert.Equal(t, want, got, "prefix %d", n)
		}

		// rerunning on the same prefix changes nothing
		again := Materialize(events[:n])
		assert.Equal(t, ids(v.OpenOrders()), ids(again.OpenOrders()), "prefix %d", n)
		assert.Equal(t, sorted(v.FilledIDs()), sorted(again.FilledIDs()), "prefix %d", n)
	}
}

func TestMaterializeIgnoresDuplicatePlacement(t *testing.T) {
	events := scenario(t).Snapshot()
	dup := append(append([]eventlog.Event(nil), events...), events[1])

	v := Materialize(dup)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, ids(v.Orders))
}

func TestFoldIncrementalMatchesFullReplay(t *testing.T) {
	events := scenario(t).Snapshot()
	f := NewFold()

	for n := 0; n <= len(events); n++ {
		inc := f.Apply(events[:n])
		full := Materialize(events[:n])

		assert.Equal(t, full.Seq, inc.Seq, "prefix %d", n)
		assert.Equal(t, ids(full.Orders), ids(inc.Orders), "prefix %d", n)
		assert.Equal(t, ids(full.OpenOrders()), ids(inc.OpenOrders()), "prefix %d", n)
		assert.Equal(t, sorted(full.CancelledIDs()), sorted(inc.CancelledIDs()), "prefix %d", n)
		assert.Equal(t, sorted(full.FilledIDs()), sorted(inc.FilledIDs()), "prefix %d", n)
		assert.Equal(t, len(full.Trades), len(inc.Trades), "prefix %d", n)
	}
}

func TestFoldMemoizesSameLength(t *testing.T) {
	events := scenario(t).Snapshot()
	f := NewFold()
	a := f.Apply(events)
	b := f.Apply(events)
	assert.Same(t, a, b)
}

func TestFoldRebuildsOnShorterPrefix(t *testing.T) {
	events := scenario(t).Snapshot()
	f := NewFold()
	f.Apply(events)

	v := f.Apply(events[:3])
	assert.Equal(t, uint64(3), v.Seq)
	assert.Equal(t, []uint64{1, 2}, ids(v.Orders))
	assert.Empty(t, v.FilledIDs())
}

func TestFoldRebuildsOnDivergentLog(t *testing.T) {
	events := scenario(t).Snapshot()
	f := NewFold()
	f.Apply(events[:4])

	other := chain(t,
		eventlog.NewOrderPlaced(sell(1, carol, t0, 1, 1)),
		eventlog.NewOrderPlaced(sell(2, carol, t0, 1, 1)),
		eventlog.NewOrderPlaced(sell(3, carol, t0, 1, 1)),
		eventlog.NewOrderPlaced(sell(4, carol, t0, 1, 1)),
		eventlog.NewOrderPlaced(sell(5, carol, t0, 1, 1)),
	).Snapshot()

	v := f.Apply(other)
	require.Len(t, v.Orders, 5)
	for _, o := range v.Orders {
		assert.Equal(t, carol, o.Maker)
	}
}

func TestPublishedViewIsNotMutatedByLaterFolds(t *testing.T) {
	events := scenario(t).Snapshot()
	f := NewFold()
	early := f.Apply(events[:4])
	f.Apply(events)

	assert.Equal(t, []uint64{1, 2, 3}, ids(early.Orders))
	assert.Empty(t, early.CancelledIDs())
	assert.Empty(t, early.Trades)
}

func TestFoldExtend(t *testing.T) {
	events := scenario(t).Snapshot()
	f := NewFold()

	_, err := f.Extend(events[:5])
	require.NoError(t, err)
	v, err := f.Extend(events[5:])
	require.NoError(t, err)
	assert.Equal(t, ids(Materialize(events).OpenOrders()), ids(v.OpenOrders()))

	_, err = f.Extend(events[2:4])
	assert.Error(t, err, "non-contiguous batch must be rejected")
}
