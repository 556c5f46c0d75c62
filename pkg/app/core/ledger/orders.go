package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/tokenbook/pkg/app/core"
	"github.com/uhyunpark/tokenbook/pkg/app/core/eventlog"
)

var hundred = uint256.NewInt(100)

// OrderCount returns the number of orders ever placed
func (l *Ledger) OrderCount() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count
}

// Order returns a copy of the stored order
func (l *Ledger) Order(id uint64) (*core.Order, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	o, ok := l.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", id, ErrOrderNotFound)
	}
	return o.Clone(), nil
}

// OrderState derives the lifecycle state of an order from the terminal id sets
func (l *Ledger) OrderState(id uint64) (core.OrderState, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if _, ok := l.orders[id]; !ok {
		return core.OrderOpen, fmt.Errorf("order %d: %w", id, ErrOrderNotFound)
	}
	return l.stateLocked(id), nil
}

func (l *Ledger) stateLocked(id uint64) core.OrderState {
	if _, ok := l.cancelled[id]; ok {
		return core.OrderCancelled
	}
	if _, ok := l.filled[id]; ok {
		return core.OrderFilled
	}
	return core.OrderOpen
}

// Fee returns the fee charged to the taker for filling an order worth amountGet:
// floor(amountGet * feePercent / 100)
func (l *Ledger) Fee(amountGet *uint256.Int) (*uint256.Int, error) {
	prod, overflow := new(uint256.Int).MulOverflow(amountGet, uint256.NewInt(l.cfg.FeePercent))
	if overflow {
		return nil, fmt.Errorf("fee on %s: %w", amountGet.Dec(), ErrAmountOverflow)
	}
	return prod.Div(prod, hundred), nil
}

// MakeOrder posts an order offering amountGive of tokenGive for amountGet of tokenGet.
// Balances are not checked here; they are checked when the order is filled.
func (l *Ledger) MakeOrder(maker, tokenGet common.Address, amountGet *uint256.Int, tokenGive common.Address, amountGive *uint256.Int) (id uint64, err error) {
	defer func() { l.countOp("make", err) }()
	if amountGet == nil || amountGet.IsZero() || amountGive == nil || amountGive.IsZero() {
		return 0, fmt.Errorf("order amounts must be positive: %w", ErrInvalidAmount)
	}

	l.mu.Lock()
	o := &core.Order{
		ID:         l.count + 1,
		Maker:      maker,
		TokenGet:   tokenGet,
		AmountGet:  amountGet.Clone(),
		TokenGive:  tokenGive,
		AmountGive: amountGive.Clone(),
		Timestamp:  l.Clock.Now().Unix(),
	}
	ev, err := l.commitLocked(&Changeset{
		Order: o,
		Event: eventlog.NewOrderPlaced(o),
	})
	l.mu.Unlock()
	if err != nil {
		return 0, err
	}

	l.Logger.Infow("ledger_order_placed", "seq", ev.Seq, "id", o.ID, "maker", maker.Hex(),
		"token_get", tokenGet.Hex(), "amount_get", amountGet.Dec(),
		"token_give", tokenGive.Hex(), "amount_give", amountGive.Dec())
	return o.ID, nil
}

// CancelOrder cancels an open order. Only the maker may cancel.
func (l *Ledger) CancelOrder(caller common.Address, id uint64) (err error) {
	defer func() { l.countOp("cancel", err) }()

	l.mu.Lock()
	o, ok := l.orders[id]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("order %d: %w", id, ErrOrderNotFound)
	}
	if o.Maker != caller {
		l.mu.Unlock()
		return fmt.Errorf("order %d belongs to %s: %w", id, o.Maker.Hex(), ErrNotOwner)
	}
	if st := l.stateLocked(id); st.IsTerminal() {
		l.mu.Unlock()
		return fmt.Errorf("order %d is %s: %w", id, st, ErrAlreadyFinalized)
	}

	ev, err := l.commitLocked(&Changeset{
		Cancelled: id,
		Event:     eventlog.NewOrderCancelled(o, l.Clock.Now().Unix()),
	})
	l.mu.Unlock()
	if err != nil {
		return err
	}

	l.Logger.Infow("ledger_order_cancelled", "seq", ev.Seq, "id", id, "maker", caller.Hex())
	return nil
}

// FillOrder executes an open order for taker.
//
// The taker pays amountGet plus the fee in tokenGet; the maker receives
// amountGet, the fee account receives the fee, and amountGive of tokenGive
// moves from maker to taker. Either every balance moves or none does.
func (l *Ledger) FillOrder(taker common.Address, id uint64) (err error) {
	defer func() { l.countOp("fill", err) }()

	l.mu.Lock()
	defer func() {
		// Unlocked before logging on success; this covers the error paths
		if err != nil {
			l.mu.Unlock()
		}
	}()

	o, ok := l.orders[id]
	if !ok {
		return fmt.Errorf("order %d: %w", id, ErrOrderNotFound)
	}
	if st := l.stateLocked(id); st.IsTerminal() {
		return fmt.Errorf("order %d is %s: %w", id, st, ErrAlreadyFinalized)
	}
	if o.Maker == taker {
		return fmt.Errorf("order %d: maker %s cannot fill own order: %w", id, taker.Hex(), ErrSelfTrade)
	}

	fee, err := l.Fee(o.AmountGet)
	if err != nil {
		return err
	}
	cost, overflow := new(uint256.Int).AddOverflow(o.AmountGet, fee)
	if overflow {
		return fmt.Errorf("order %d cost: %w", id, ErrAmountOverflow)
	}

	tx := l.begin()
	if err := tx.debit(o.TokenGet, taker, cost); err != nil {
		return err
	}
	if err := tx.credit(o.TokenGet, o.Maker, o.AmountGet); err != nil {
		return err
	}
	if err := tx.credit(o.TokenGet, l.cfg.FeeAccount, fee); err != nil {
		return err
	}
	if err := tx.debit(o.TokenGive, o.Maker, o.AmountGive); err != nil {
		return err
	}
	if err := tx.credit(o.TokenGive, taker, o.AmountGive); err != nil {
		return err
	}

	ev, err := l.commitLocked(&Changeset{
		Balances: tx.changes(),
		Filled:   id,
		Event:    eventlog.NewOrderFilled(o, taker, l.Clock.Now().Unix()),
	})
	if err != nil {
		return err
	}
	l.mu.Unlock()

	l.Logger.Infow("ledger_order_filled", "seq", ev.Seq, "id", id, "maker", o.Maker.Hex(), "taker", taker.Hex(), "fee", fee.Dec())
	return nil
}
