// Package token provides an in-memory fungible token with the standard
// balanceOf/transfer/transferFrom/approve/allowance surface. The ledger only
// depends on that surface; this implementation backs the devnet node and tests.
package token

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrInsufficientBalance   = errors.New("token: insufficient balance")
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
	ErrInvalidRecipient      = errors.New("token: invalid recipient")
)

// Token is a thread-safe in-memory fungible token
type Token struct {
	Address  common.Address
	Name     string
	Symbol   string
	Decimals uint8

	mu          sync.RWMutex
	totalSupply *uint256.Int
	balances    map[common.Address]*uint256.Int
	allowances  map[common.Address]map[common.Address]*uint256.Int // owner -> spender -> amount
}

// New mints supply to holder
func New(addr common.Address, name, symbol string, supply *uint256.Int, holder common.Address) *Token {
	t := &Token{
		Address:     addr,
		Name:        name,
		Symbol:      symbol,
		Decimals:    18,
		totalSupply: supply.Clone(),
		balances:    make(map[common.Address]*uint256.Int),
		allowances:  make(map[common.Address]map[common.Address]*uint256.Int),
	}
	t.balances[holder] = supply.Clone()
	return t
}

func (t *Token) TotalSupply() *uint256.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.totalSupply.Clone()
}

func (t *Token) BalanceOf(holder common.Address) *uint256.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.balanceLocked(holder).Clone()
}

func (t *Token) balanceLocked(holder common.Address) *uint256.Int {
	if b, ok := t.balances[holder]; ok {
		return b
	}
	return new(uint256.Int)
}

// Transfer moves amount from the caller's balance to to
func (t *Token) Transfer(from, to common.Address, amount *uint256.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transferLocked(from, to, amount)
}

func (t *Token) transferLocked(from, to common.Address, amount *uint256.Int) error {
	if to == (common.Address{}) {
		return ErrInvalidRecipient
	}
	fromBal := t.balanceLocked(from)
	if fromBal.Lt(amount) {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, fromBal.Dec(), amount.Dec())
	}
	t.balances[from] = new(uint256.Int).Sub(fromBal, amount)
	t.balances[to] = new(uint256.Int).Add(t.balanceLocked(to), amount)
	return nil
}

// Approve lets spender move up to amount of owner's tokens
func (t *Token) Approve(owner, spender common.Address, amount *uint256.Int) error {
	if spender == (common.Address{}) {
		return ErrInvalidRecipient
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.allowances[owner] == nil {
		t.allowances[owner] = make(map[common.Address]*uint256.Int)
	}
	t.allowances[owner][spender] = amount.Clone()
	return nil
}

func (t *Token) Allowance(owner, spender common.Address) *uint256.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if a, ok := t.allowances[owner][spender]; ok {
		return a.Clone()
	}
	return new(uint256.Int)
}

// TransferFrom moves amount from from to to on behalf of spender, consuming allowance
func (t *Token) TransferFrom(spender, from, to common.Address, amount *uint256.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	allowed := new(uint256.Int)
	if a, ok := t.allowances[from][spender]; ok {
		allowed = a
	}
	if allowed.Lt(amount) {
		return fmt.Errorf("%w: allowed %s, need %s", ErrInsufficientAllowance, allowed.Dec(), amount.Dec())
	}
	if err := t.transferLocked(from, to, amount); err != nil {
		return err
	}
	if t.allowances[from] == nil {
		t.allowances[from] = make(map[common.Address]*uint256.Int)
	}
	t.allowances[from][spender] = new(uint256.Int).Sub(allowed, amount)
	return nil
}
