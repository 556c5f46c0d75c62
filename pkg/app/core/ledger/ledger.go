// Package ledger implements the custody ledger and the order state machine.
//
// All balance and order mutations go through a single writer lock. An
// operation validates against scratch copies, calls out to the token if it
// moves funds, persists one Changeset, and only then applies it in memory and
// appends its event. A failing check therefore never leaves a partial effect.
package ledger

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/uhyunpark/tokenbook/pkg/app/core"
	"github.com/uhyunpark/tokenbook/pkg/app/core/eventlog"
	"github.com/uhyunpark/tokenbook/pkg/metrics"
	"github.com/uhyunpark/tokenbook/pkg/util"
)

// Config holds the fee parameters, fixed for the ledger's lifetime
type Config struct {
	FeeAccount common.Address
	FeePercent uint64         // percent of amountGet charged to the taker
	Custody    common.Address // address holding deposited tokens at the token contract
}

type balanceKey struct {
	asset  common.Address
	holder common.Address
}

// Ledger holds per-(asset, holder) balances and the order table
type Ledger struct {
	mu sync.RWMutex

	cfg       Config
	balances  map[balanceKey]*uint256.Int
	orders    map[uint64]*core.Order
	cancelled map[uint64]struct{}
	filled    map[uint64]struct{}
	count     uint64 // orders ever placed; also the last issued id

	tokens map[common.Address]Token
	log    *eventlog.Log
	store  Store

	Clock  util.Clock
	Logger *zap.SugaredLogger
}

// New creates a ledger and restores any state persisted in store.
// A nil store keeps everything in memory.
func New(cfg Config, store Store) (*Ledger, error) {
	if store == nil {
		store = nopStore{}
	}
	if cfg.FeePercent > 100 {
		return nil, fmt.Errorf("fee percent must be at most 100: %d", cfg.FeePercent)
	}

	l := &Ledger{
		cfg:       cfg,
		balances:  make(map[balanceKey]*uint256.Int),
		orders:    make(map[uint64]*core.Order),
		cancelled: make(map[uint64]struct{}),
		filled:    make(map[uint64]struct{}),
		tokens:    make(map[common.Address]Token),
		store:     store,
		Clock:     util.RealClock{},
		Logger:    zap.NewNop().Sugar(),
	}

	snap, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger state: %w", err)
	}
	if err := l.restore(snap); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) restore(snap *Snapshot) error {
	log, err := eventlog.Restore(snap.Events)
	if err != nil {
		return err
	}
	l.log = log

	for _, b := range snap.Balances {
		l.balances[balanceKey{b.Asset, b.Holder}] = b.Amount.Clone()
	}
	for _, o := range snap.Orders {
		l.orders[o.ID] = o.Clone()
		if o.ID > l.count {
			l.count = o.ID
		}
	}
	if l.count != uint64(len(l.orders)) {
		return fmt.Errorf("order ids are not dense: %d orders, last id %d", len(l.orders), l.count)
	}
	for _, id := range snap.Cancelled {
		l.cancelled[id] = struct{}{}
	}
	for _, id := range snap.Filled {
		if _, dup := l.cancelled[id]; dup {
			return fmt.Errorf("order %d is both cancelled and filled", id)
		}
		l.filled[id] = struct{}{}
	}
	metrics.EventLogLength.Set(float64(l.log.Len()))
	return nil
}

// Close closes the underlying store
func (l *Ledger) Close() error {
	return l.store.Close()
}

// RegisterToken makes a token contract depositable
func (l *Ledger) RegisterToken(addr common.Address, t Token) error {
	if core.IsNative(addr) {
		return fmt.Errorf("cannot register the native sentinel as a token: %w", ErrAssetMismatch)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tokens[addr] = t
	return nil
}

// Log returns the ledger's event log
func (l *Ledger) Log() *eventlog.Log { return l.log }

func (l *Ledger) FeeAccount() common.Address { return l.cfg.FeeAccount }
func (l *Ledger) FeePercent() uint64         { return l.cfg.FeePercent }
func (l *Ledger) Custody() common.Address    { return l.cfg.Custody }

// BalanceOf returns holder's balance of asset (zero if never credited)
func (l *Ledger) BalanceOf(asset, holder common.Address) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if b, ok := l.balances[balanceKey{asset, holder}]; ok {
		return b.Clone()
	}
	return new(uint256.Int)
}

// TotalBalance sums every holder's balance of asset. After a restart this is
// what the custody address must still hold at the token contract.
func (l *Ledger) TotalBalance(asset common.Address) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := new(uint256.Int)
	for k, b := range l.balances {
		if k.asset == asset {
			total.Add(total, b)
		}
	}
	return total
}

// DepositNative credits holder with native funds attached to the call
func (l *Ledger) DepositNative(holder common.Address, amount *uint256.Int) (*uint256.Int, error) {
	return l.deposit(core.NativeAsset, holder, amount)
}

// DepositAsset pulls amount of a token from holder into custody and credits holder.
// holder must have approved the custody address beforehand.
func (l *Ledger) DepositAsset(asset, holder common.Address, amount *uint256.Int) (*uint256.Int, error) {
	if core.IsNative(asset) {
		l.countOp("deposit", ErrAssetMismatch)
		return nil, fmt.Errorf("native asset on token path: %w", ErrAssetMismatch)
	}
	return l.deposit(asset, holder, amount)
}

func (l *Ledger) deposit(asset, holder common.Address, amount *uint256.Int) (bal *uint256.Int, err error) {
	defer func() { l.countOp("deposit", err) }()
	if amount == nil || amount.IsZero() {
		return nil, fmt.Errorf("deposit amount must be positive: %w", ErrInvalidAmount)
	}

	l.mu.Lock()
	tx := l.begin()
	if err := tx.credit(asset, holder, amount); err != nil {
		l.mu.Unlock()
		return nil, err
	}
	bal = tx.balance(asset, holder)

	var tok Token
	if !core.IsNative(asset) {
		var ok bool
		if tok, ok = l.tokens[asset]; !ok {
			l.mu.Unlock()
			return nil, fmt.Errorf("token %s: %w", asset.Hex(), ErrUnknownAsset)
		}
		if err := tok.TransferFrom(l.cfg.Custody, holder, l.cfg.Custody, amount); err != nil {
			l.mu.Unlock()
			return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
	}

	ev, err := l.commitLocked(&Changeset{
		Balances: tx.changes(),
		Event:    eventlog.NewDeposit(asset, holder, amount, bal),
	})
	if err != nil && tok != nil {
		if rerr := tok.Transfer(l.cfg.Custody, holder, amount); rerr != nil {
			l.Logger.Errorw("deposit_refund_failed", "asset", asset.Hex(), "user", holder.Hex(), "amount", amount.Dec(), "err", rerr)
		}
	}
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}

	l.Logger.Infow("ledger_deposit", "seq", ev.Seq, "asset", asset.Hex(), "user", holder.Hex(), "amount", amount.Dec(), "balance", bal.Dec())
	return bal.Clone(), nil
}

// WithdrawNative debits holder's native balance and releases the funds
func (l *Ledger) WithdrawNative(holder common.Address, amount *uint256.Int) (*uint256.Int, error) {
	return l.withdraw(core.NativeAsset, holder, amount)
}

// WithdrawAsset debits holder's token balance and transfers the tokens out of custody
func (l *Ledger) WithdrawAsset(asset, holder common.Address, amount *uint256.Int) (*uint256.Int, error) {
	if core.IsNative(asset) {
		l.countOp("withdraw", ErrAssetMismatch)
		return nil, fmt.Errorf("native asset on token path: %w", ErrAssetMismatch)
	}
	return l.withdraw(asset, holder, amount)
}

func (l *Ledger) withdraw(asset, holder common.Address, amount *uint256.Int) (bal *uint256.Int, err error) {
	defer func() { l.countOp("withdraw", err) }()
	if amount == nil || amount.IsZero() {
		return nil, fmt.Errorf("withdraw amount must be positive: %w", ErrInvalidAmount)
	}

	l.mu.Lock()
	tx := l.begin()
	if err := tx.debit(asset, holder, amount); err != nil {
		l.mu.Unlock()
		return nil, err
	}
	bal = tx.balance(asset, holder)

	var tok Token
	if !core.IsNative(asset) {
		var ok bool
		if tok, ok = l.tokens[asset]; !ok {
			l.mu.Unlock()
			return nil, fmt.Errorf("token %s: %w", asset.Hex(), ErrUnknownAsset)
		}
	}

	// Persist the debit before releasing anything; a failed release is undone
	// in the store before any of it is applied in memory.
	pre := tx.preimage()
	cs := &Changeset{
		Balances: tx.changes(),
		Event:    eventlog.NewWithdraw(asset, holder, amount, bal),
	}
	ev, err := l.persistLocked(cs)
	if err != nil {
		l.mu.Unlock()
		return nil, err
	}
	if tok != nil {
		if terr := tok.Transfer(l.cfg.Custody, holder, amount); terr != nil {
			if rerr := l.store.Revert(cs, pre); rerr != nil {
				l.Logger.Errorw("withdraw_revert_failed", "asset", asset.Hex(), "user", holder.Hex(), "seq", ev.Seq, "err", rerr)
			}
			l.mu.Unlock()
			return nil, fmt.Errorf("%w: %v", ErrTransferFailed, terr)
		}
	}
	l.applyLocked(cs)
	l.mu.Unlock()

	l.Logger.Infow("ledger_withdraw", "seq", ev.Seq, "asset", asset.Hex(), "user", holder.Hex(), "amount", amount.Dec(), "balance", bal.Dec())
	return bal.Clone(), nil
}

// commitLocked seals the changeset's event, persists the changeset and applies it.
// Caller holds l.mu.
func (l *Ledger) commitLocked(cs *Changeset) (eventlog.Event, error) {
	ev, err := l.persistLocked(cs)
	if err != nil {
		return eventlog.Event{}, err
	}
	l.applyLocked(cs)
	return ev, nil
}

// persistLocked seals cs.Event and writes cs to the store. Nothing in memory changes.
func (l *Ledger) persistLocked(cs *Changeset) (eventlog.Event, error) {
	ev, err := l.log.Seal(cs.Event)
	if err != nil {
		return eventlog.Event{}, err
	}
	cs.Event = ev

	if err := l.store.Commit(cs); err != nil {
		return eventlog.Event{}, fmt.Errorf("failed to persist %s: %w", ev.Type, err)
	}
	return ev, nil
}

// applyLocked makes a persisted changeset visible and appends its event
func (l *Ledger) applyLocked(cs *Changeset) {
	for _, b := range cs.Balances {
		l.balances[balanceKey{b.Asset, b.Holder}] = b.Amount
	}
	if cs.Order != nil {
		l.orders[cs.Order.ID] = cs.Order
		l.count = cs.Order.ID
	}
	if cs.Cancelled != 0 {
		l.cancelled[cs.Cancelled] = struct{}{}
	}
	if cs.Filled != 0 {
		l.filled[cs.Filled] = struct{}{}
	}

	if err := l.log.Append(cs.Event); err != nil {
		// Only the ledger appends, under l.mu, so the head can't move between Seal and Append
		panic(fmt.Errorf("event log diverged from ledger: %w", err))
	}
	metrics.EventLogLength.Set(float64(cs.Event.Seq))
}

func (l *Ledger) countOp(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.LedgerOps.WithLabelValues(op, result).Inc()
}

// txn accumulates balance changes against scratch copies.
// Nothing is visible until the resulting Changeset is committed.
type txn struct {
	l       *Ledger
	touched map[balanceKey]*uint256.Int
	order   []balanceKey
}

func (l *Ledger) begin() *txn {
	return &txn{l: l, touched: make(map[balanceKey]*uint256.Int)}
}

func (t *txn) balance(asset, holder common.Address) *uint256.Int {
	k := balanceKey{asset, holder}
	if b, ok := t.touched[k]; ok {
		return b
	}
	if b, ok := t.l.balances[k]; ok {
		return b
	}
	return new(uint256.Int)
}

func (t *txn) set(asset, holder common.Address, v *uint256.Int) {
	k := balanceKey{asset, holder}
	if _, ok := t.touched[k]; !ok {
		t.order = append(t.order, k)
	}
	t.touched[k] = v
}

func (t *txn) credit(asset, holder common.Address, amount *uint256.Int) error {
	sum, overflow := new(uint256.Int).AddOverflow(t.balance(asset, holder), amount)
	if overflow {
		return fmt.Errorf("crediting %s to %s: %w", amount.Dec(), holder.Hex(), ErrAmountOverflow)
	}
	t.set(asset, holder, sum)
	return nil
}

func (t *txn) debit(asset, holder common.Address, amount *uint256.Int) error {
	cur := t.balance(asset, holder)
	if cur.Lt(amount) {
		return fmt.Errorf("%s has %s of %s, needs %s: %w", holder.Hex(), cur.Dec(), asset.Hex(), amount.Dec(), ErrInsufficientBalance)
	}
	t.set(asset, holder, new(uint256.Int).Sub(cur, amount))
	return nil
}

// preimage returns the committed values of every touched balance
func (t *txn) preimage() []Balance {
	out := make([]Balance, 0, len(t.order))
	for _, k := range t.order {
		amount := new(uint256.Int)
		if b, ok := t.l.balances[k]; ok {
			amount = b.Clone()
		}
		out = append(out, Balance{Asset: k.asset, Holder: k.holder, Amount: amount})
	}
	return out
}

func (t *txn) changes() []Balance {
	out := make([]Balance, 0, len(t.order))
	for _, k := range t.order {
		out = append(out, Balance{Asset: k.asset, Holder: k.holder, Amount: t.touched[k]})
	}
	return out
}
