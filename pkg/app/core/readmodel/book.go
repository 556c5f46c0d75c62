package readmodel

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/tokenbook/pkg/app/core"
)

// BookEntry is an open order on one side of the book
type BookEntry struct {
	DecoratedOrder
	Side Side `json:"side"`
}

type OrderBook struct {
	Buy  []BookEntry `json:"buyOrders"`
	Sell []BookEntry `json:"sellOrders"`
}

// SideOf is buy when the order gives the native asset (it buys tokens), sell otherwise
func SideOf(o *core.Order) Side {
	if core.IsNative(o.TokenGive) {
		return SideBuy
	}
	return SideSell
}

// BuildOrderBook partitions open orders by side and sorts each side by unit
// price, highest first. Both sides use the same descending order; equal
// prices keep the input order.
func BuildOrderBook(open []*core.Order) OrderBook {
	book := OrderBook{Buy: []BookEntry{}, Sell: []BookEntry{}}
	for _, o := range open {
		e := BookEntry{DecoratedOrder: Decorate(o), Side: SideOf(o)}
		if e.Side == SideBuy {
			book.Buy = append(book.Buy, e)
		} else {
			book.Sell = append(book.Sell, e)
		}
	}
	byPriceDesc := func(side []BookEntry) func(i, j int) bool {
		return func(i, j int) bool { return side[i].TokenPrice.GreaterThan(side[j].TokenPrice) }
	}
	sort.SliceStable(book.Buy, byPriceDesc(book.Buy))
	sort.SliceStable(book.Sell, byPriceDesc(book.Sell))
	return book
}

// OrderBook assembles the book from the view's open orders
func (v *View) OrderBook() OrderBook {
	return BuildOrderBook(v.OpenOrders())
}

// DecoratedFilledOrders returns the view's trade history, newest first
func (v *View) DecoratedFilledOrders() []DecoratedTrade {
	return DecorateFilledOrders(v.Trades)
}

// MyOrder is an order seen from one holder's side of it
type MyOrder struct {
	DecoratedOrder
	Side Side   `json:"side"`
	Sign string `json:"sign,omitempty"` // "+" when the holder bought tokens, "-" when sold
}

// MyOpenOrders returns holder's open orders, newest first
func (v *View) MyOpenOrders(holder common.Address) []MyOrder {
	out := []MyOrder{}
	for _, o := range v.OpenOrders() {
		if o.Maker == holder {
			out = append(out, MyOrder{DecoratedOrder: Decorate(o), Side: SideOf(o)})
		}
	}
	sortNewestFirst(out)
	return out
}

// MyFilledOrders returns the trades holder took part in as maker or taker,
// newest first. Side is from the holder's point of view: a taker is on the
// opposite side of the maker's order.
func (v *View) MyFilledOrders(holder common.Address) []MyOrder {
	out := []MyOrder{}
	for _, t := range v.Trades {
		if t.Maker != holder && t.Taker != holder {
			continue
		}
		o := t.Order()
		side := SideOf(o)
		if t.Maker != holder {
			side = opposite(side)
		}
		sign := "-"
		if side == SideBuy {
			sign = "+"
		}
		out = append(out, MyOrder{DecoratedOrder: Decorate(o), Side: side, Sign: sign})
	}
	sortNewestFirst(out)
	return out
}

func opposite(s Side) Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

func sortNewestFirst(orders []MyOrder) {
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].Timestamp != orders[j].Timestamp {
			return orders[i].Timestamp > orders[j].Timestamp
		}
		return orders[i].ID > orders[j].ID
	})
}
