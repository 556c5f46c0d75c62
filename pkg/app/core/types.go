// Package core holds the types shared by the ledger, the event log and the read model.
package core

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// NativeAsset is the reserved asset identifier for the chain's native asset.
// Every other address names a token contract.
var NativeAsset = common.Address{}

// Decimals is the display precision shared by the native asset and the token.
const Decimals = 18

// IsNative reports whether asset is the native-asset sentinel.
func IsNative(asset common.Address) bool {
	return asset == NativeAsset
}

// Order is a resting limit order as posted by its maker.
// Orders are immutable once placed; their lifecycle state is derived, never stored.
type Order struct {
	ID         uint64         `json:"id"`
	Maker      common.Address `json:"maker"`
	TokenGet   common.Address `json:"tokenGet"`
	AmountGet  *uint256.Int   `json:"amountGet"`
	TokenGive  common.Address `json:"tokenGive"`
	AmountGive *uint256.Int   `json:"amountGive"`
	Timestamp  int64          `json:"timestamp"` // Unix seconds
}

// Clone returns a deep copy so callers can't mutate ledger-owned amounts.
func (o *Order) Clone() *Order {
	c := *o
	c.AmountGet = o.AmountGet.Clone()
	c.AmountGive = o.AmountGive.Clone()
	return &c
}

// OrderState is the derived lifecycle classification of an order.
type OrderState int8

const (
	OrderOpen OrderState = iota
	OrderCancelled
	OrderFilled
)

func (s OrderState) String() string {
	switch s {
	case OrderOpen:
		return "open"
	case OrderCancelled:
		return "cancelled"
	case OrderFilled:
		return "filled"
	default:
		return "unknown"
	}
}

// IsTerminal returns true once an order can no longer be cancelled or filled.
func (s OrderState) IsTerminal() bool {
	return s == OrderCancelled || s == OrderFilled
}
