// Package readmodel rebuilds order-book state and trade history from the
// ledger event log. It never reads ledger storage: every view is a fold of a
// log prefix and can be thrown away and recomputed at any time.
package readmodel

import (
	"fmt"
	"maps"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/tokenbook/pkg/app/core"
	"github.com/uhyunpark/tokenbook/pkg/app/core/eventlog"
)

// View is the materialized state of one log prefix. Views are immutable
// once returned; share them freely.
type View struct {
	Seq  uint64      // last event folded in
	Hash common.Hash // its chain hash

	Orders    []*core.Order // every placed order, in log order
	Cancelled map[uint64]struct{}
	Filled    map[uint64]struct{}
	Trades    []*eventlog.Trade // OrderFilled payloads, in log order
}

func emptyView() *View {
	return &View{Cancelled: map[uint64]struct{}{}, Filled: map[uint64]struct{}{}}
}

// State derives the lifecycle state of id from the terminal sets
func (v *View) State(id uint64) core.OrderState {
	if _, ok := v.Cancelled[id]; ok {
		return core.OrderCancelled
	}
	if _, ok := v.Filled[id]; ok {
		return core.OrderFilled
	}
	return core.OrderOpen
}

// OpenOrders returns allOrders minus the cancelled and filled ids, in placement order
func (v *View) OpenOrders() []*core.Order {
	out := make([]*core.Order, 0, len(v.Orders))
	for _, o := range v.Orders {
		if v.State(o.ID) == core.OrderOpen {
			out = append(out, o)
		}
	}
	return out
}

// CancelledIDs and FilledIDs return the terminal sets as slices, unordered
func (v *View) CancelledIDs() []uint64 { return keys(v.Cancelled) }
func (v *View) FilledIDs() []uint64    { return keys(v.Filled) }

func keys(m map[uint64]struct{}) []uint64 {
	out := make([]uint64, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// Materialize folds a complete log prefix from scratch
func Materialize(events []eventlog.Event) *View {
	var acc accumulator
	acc.reset()
	for i := range events {
		acc.apply(&events[i])
	}
	return acc.view()
}

// accumulator is the mutable side of a fold
type accumulator struct {
	seq       uint64
	hash      common.Hash
	orders    []*core.Order
	placed    map[uint64]struct{}
	cancelled map[uint64]struct{}
	filled    map[uint64]struct{}
	trades    []*eventlog.Trade
}

func (a *accumulator) reset() {
	*a = accumulator{
		placed:    map[uint64]struct{}{},
		cancelled: map[uint64]struct{}{},
		filled:    map[uint64]struct{}{},
	}
}

func (a *accumulator) apply(ev *eventlog.Event) {
	switch ev.Type {
	case eventlog.TypeOrderPlaced:
		if o := ev.OrderPlaced; o != nil {
			if _, dup := a.placed[o.ID]; !dup {
				a.placed[o.ID] = struct{}{}
				a.orders = append(a.orders, o)
			}
		}
	case eventlog.TypeOrderCancelled:
		if o := ev.OrderCancelled; o != nil {
			a.cancelled[o.ID] = struct{}{}
		}
	case eventlog.TypeOrderFilled:
		if t := ev.OrderFilled; t != nil {
			if _, dup := a.filled[t.ID]; !dup {
				a.filled[t.ID] = struct{}{}
				a.trades = append(a.trades, t)
			}
		}
	}
	// Deposit and Withdraw don't touch order state
	a.seq, a.hash = ev.Seq, ev.Hash
}

// view snapshots the accumulator. Slices are capped so later appends to the
// accumulator never show through.
func (a *accumulator) view() *View {
	return &View{
		Seq:       a.seq,
		Hash:      a.hash,
		Orders:    a.orders[:len(a.orders):len(a.orders)],
		Cancelled: maps.Clone(a.cancelled),
		Filled:    maps.Clone(a.filled),
		Trades:    a.trades[:len(a.trades):len(a.trades)],
	}
}

// Fold memoizes materialization on the consumed log length. Feeding it a
// longer prefix of the same log only applies the new suffix.
type Fold struct {
	mu       sync.Mutex
	consumed uint64
	acc      accumulator
	last     *View
}

func NewFold() *Fold {
	f := &Fold{}
	f.acc.reset()
	f.last = emptyView()
	return f
}

// Head returns the sequence and hash of the last event consumed
func (f *Fold) Head() (uint64, common.Hash) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acc.seq, f.acc.hash
}

// Apply folds the full prefix events. If events is shorter than what was
// already consumed, or doesn't share the consumed prefix, the fold restarts
// from scratch; the result always equals Materialize(events).
func (f *Fold) Apply(events []eventlog.Event) *View {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := uint64(len(events))
	if n < f.consumed || (f.consumed > 0 && events[f.consumed-1].Hash != f.acc.hash) {
		f.acc.reset()
		f.consumed = 0
	}
	if n == f.consumed {
		return f.last
	}
	for i := f.consumed; i < n; i++ {
		f.acc.apply(&events[i])
	}
	f.consumed = n
	f.last = f.acc.view()
	return f.last
}

// Extend folds a batch that directly follows the consumed prefix.
// The batch must already have passed eventlog.Verify against Head.
func (f *Fold) Extend(batch []eventlog.Event) (*View, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(batch) == 0 {
		return f.last, nil
	}
	if batch[0].Seq != f.consumed+1 {
		return nil, fmt.Errorf("batch starts at %d, fold consumed %d", batch[0].Seq, f.consumed)
	}
	for i := range batch {
		f.acc.apply(&batch[i])
	}
	f.consumed += uint64(len(batch))
	f.last = f.acc.view()
	return f.last, nil
}

// Reset drops everything consumed
func (f *Fold) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acc.reset()
	f.consumed = 0
	f.last = emptyView()
}
