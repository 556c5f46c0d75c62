package eventlog

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"

	"github.com/uhyunpark/tokenbook/pkg/app/core"
)

// Type names the ledger operation an event records
type Type string

const (
	TypeDeposit        Type = "Deposit"
	TypeWithdraw       Type = "Withdraw"
	TypeOrderPlaced    Type = "OrderPlaced"
	TypeOrderCancelled Type = "OrderCancelled"
	TypeOrderFilled    Type = "OrderFilled"
)

// ErrCorrupt is returned when a batch of events doesn't extend the chain it claims to.
var ErrCorrupt = errors.New("corrupt event batch")

// BalanceChange is the payload of Deposit and Withdraw events.
// Balance is the holder's balance after the operation.
type BalanceChange struct {
	Asset   common.Address `json:"asset"`
	User    common.Address `json:"user"`
	Amount  *uint256.Int   `json:"amount"`
	Balance *uint256.Int   `json:"balance"`
}

// Trade is the payload of an OrderFilled event.
// Timestamp is the fill time, not the placement time.
type Trade struct {
	ID         uint64         `json:"id"`
	Maker      common.Address `json:"maker"`
	Taker      common.Address `json:"taker"`
	TokenGet   common.Address `json:"tokenGet"`
	AmountGet  *uint256.Int   `json:"amountGet"`
	TokenGive  common.Address `json:"tokenGive"`
	AmountGive *uint256.Int   `json:"amountGive"`
	Timestamp  int64          `json:"timestamp"`
}

// Order returns the order fields of the trade.
func (t *Trade) Order() *core.Order {
	return &core.Order{
		ID:         t.ID,
		Maker:      t.Maker,
		TokenGet:   t.TokenGet,
		AmountGet:  t.AmountGet,
		TokenGive:  t.TokenGive,
		AmountGive: t.AmountGive,
		Timestamp:  t.Timestamp,
	}
}

// Event is one entry of the append-only ledger log.
// Exactly one payload field is set, matching Type. Seq is 1-based and dense;
// Hash = keccak256 of the JSON encoding of the event with Hash zeroed, which
// includes PrevHash, so every event commits to the whole prefix before it.
type Event struct {
	Seq  uint64 `json:"seq"`
	Type Type   `json:"type"`

	Deposit        *BalanceChange `json:"deposit,omitempty"`
	Withdraw       *BalanceChange `json:"withdraw,omitempty"`
	OrderPlaced    *core.Order    `json:"orderPlaced,omitempty"`
	OrderCancelled *core.Order    `json:"orderCancelled,omitempty"` // Timestamp is the cancel time
	OrderFilled    *Trade         `json:"orderFilled,omitempty"`

	PrevHash common.Hash `json:"prevHash"`
	Hash     common.Hash `json:"hash"`
}

func NewDeposit(asset, user common.Address, amount, balance *uint256.Int) Event {
	return Event{Type: TypeDeposit, Deposit: &BalanceChange{Asset: asset, User: user, Amount: amount.Clone(), Balance: balance.Clone()}}
}

func NewWithdraw(asset, user common.Address, amount, balance *uint256.Int) Event {
	return Event{Type: TypeWithdraw, Withdraw: &BalanceChange{Asset: asset, User: user, Amount: amount.Clone(), Balance: balance.Clone()}}
}

func NewOrderPlaced(o *core.Order) Event {
	return Event{Type: TypeOrderPlaced, OrderPlaced: o.Clone()}
}

// NewOrderCancelled records the cancellation of o at time ts.
func NewOrderCancelled(o *core.Order, ts int64) Event {
	c := o.Clone()
	c.Timestamp = ts
	return Event{Type: TypeOrderCancelled, OrderCancelled: c}
}

// NewOrderFilled records taker filling o at time ts.
func NewOrderFilled(o *core.Order, taker common.Address, ts int64) Event {
	return Event{Type: TypeOrderFilled, OrderFilled: &Trade{
		ID:         o.ID,
		Maker:      o.Maker,
		Taker:      taker,
		TokenGet:   o.TokenGet,
		AmountGet:  o.AmountGet.Clone(),
		TokenGive:  o.TokenGive,
		AmountGive: o.AmountGive.Clone(),
		Timestamp:  ts,
	}}
}

// ComputeHash returns the chain hash of ev (ignores ev.Hash).
func ComputeHash(ev Event) (common.Hash, error) {
	ev.Hash = common.Hash{}
	data, err := json.Marshal(ev)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to marshal event %d: %w", ev.Seq, err)
	}
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return common.BytesToHash(h.Sum(nil)), nil
}

// Validate checks that exactly the payload matching Type is present.
func (ev *Event) Validate() error {
	set := 0
	for _, present := range []bool{ev.Deposit != nil, ev.Withdraw != nil, ev.OrderPlaced != nil, ev.OrderCancelled != nil, ev.OrderFilled != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("event %d has %d payloads: %w", ev.Seq, set, ErrCorrupt)
	}

	var ok bool
	switch ev.Type {
	case TypeDeposit:
		ok = ev.Deposit != nil && ev.Deposit.Amount != nil && ev.Deposit.Balance != nil
	case TypeWithdraw:
		ok = ev.Withdraw != nil && ev.Withdraw.Amount != nil && ev.Withdraw.Balance != nil
	case TypeOrderPlaced:
		ok = ev.OrderPlaced != nil && validOrder(ev.OrderPlaced)
	case TypeOrderCancelled:
		ok = ev.OrderCancelled != nil && validOrder(ev.OrderCancelled)
	case TypeOrderFilled:
		ok = ev.OrderFilled != nil && ev.OrderFilled.ID != 0 && ev.OrderFilled.AmountGet != nil && ev.OrderFilled.AmountGive != nil
	}
	if !ok {
		return fmt.Errorf("event %d: malformed %q payload: %w", ev.Seq, ev.Type, ErrCorrupt)
	}
	return nil
}

func validOrder(o *core.Order) bool {
	return o.ID != 0 && o.AmountGet != nil && o.AmountGive != nil
}

// Verify checks that batch extends a chain whose last event has sequence
// prevSeq and hash prevHash: sequence numbers are contiguous, every PrevHash
// links to its predecessor and every Hash matches its contents.
func Verify(prevSeq uint64, prevHash common.Hash, batch []Event) error {
	for i := range batch {
		ev := &batch[i]
		if ev.Seq != prevSeq+1 {
			return fmt.Errorf("expected seq %d, got %d: %w", prevSeq+1, ev.Seq, ErrCorrupt)
		}
		if ev.PrevHash != prevHash {
			return fmt.Errorf("event %d does not link to %s: %w", ev.Seq, prevHash.Hex(), ErrCorrupt)
		}
		if err := ev.Validate(); err != nil {
			return err
		}
		h, err := ComputeHash(*ev)
		if err != nil {
			return err
		}
		if h != ev.Hash {
			return fmt.Errorf("event %d hash mismatch: %w", ev.Seq, ErrCorrupt)
		}
		prevSeq, prevHash = ev.Seq, ev.Hash
	}
	return nil
}
