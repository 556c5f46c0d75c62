package ledger

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/tokenbook/pkg/app/core"
	"github.com/uhyunpark/tokenbook/pkg/app/core/eventlog"
)

// Token is the standard fungible-token surface the ledger calls.
// The ledger acts as spender/sender using its custody address.
type Token interface {
	BalanceOf(holder common.Address) *uint256.Int
	Transfer(from, to common.Address, amount *uint256.Int) error
	TransferFrom(spender, from, to common.Address, amount *uint256.Int) error
	Approve(owner, spender common.Address, amount *uint256.Int) error
	Allowance(owner, spender common.Address) *uint256.Int
}

// Balance is one (asset, holder) balance record
type Balance struct {
	Asset  common.Address `json:"asset"`
	Holder common.Address `json:"holder"`
	Amount *uint256.Int   `json:"amount"`
}

// Changeset is everything one ledger operation writes.
// A Store must apply it atomically: all of it or none of it.
type Changeset struct {
	Balances  []Balance   // post-operation values
	Order     *core.Order // newly placed order
	Cancelled uint64      // order id moved to the cancelled set (0 = none)
	Filled    uint64      // order id moved to the filled set (0 = none)
	Event     eventlog.Event
}

// Snapshot is the full persisted ledger state, used on startup
type Snapshot struct {
	Balances  []Balance
	Orders    []*core.Order
	Cancelled []uint64
	Filled    []uint64
	Events    []eventlog.Event
}

// Store persists ledger state
type Store interface {
	Load() (*Snapshot, error)
	Commit(cs *Changeset) error
	// Revert undoes a committed changeset whose external effect failed:
	// balances go back to pre and everything else cs wrote is removed.
	Revert(cs *Changeset, pre []Balance) error
	Close() error
}

type nopStore struct{}

func (nopStore) Load() (*Snapshot, error)               { return &Snapshot{}, nil }
func (nopStore) Commit(_ *Changeset) error              { return nil }
func (nopStore) Revert(_ *Changeset, _ []Balance) error { return nil }
func (nopStore) Close() error                           { return nil }

var _ Store = nopStore{}
