package storage

import (
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/tokenbook/pkg/app/core"
	"github.com/uhyunpark/tokenbook/pkg/app/core/eventlog"
	"github.com/uhyunpark/tokenbook/pkg/app/core/ledger"
)

// InMemoryStore keeps committed ledger state and nonces in maps.
// cmd/node uses it when NODE_EPHEMERAL is set; nothing survives the process.
type InMemoryStore struct {
	mu        sync.Mutex
	balances  map[[2]common.Address]ledger.Balance
	orders    map[uint64]*core.Order
	cancelled map[uint64]struct{}
	filled    map[uint64]struct{}
	events    []eventlog.Event
	nonces    map[common.Address]uint64

	// FailNext makes the next Commit return this error
	FailNext error
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		balances:  make(map[[2]common.Address]ledger.Balance),
		orders:    make(map[uint64]*core.Order),
		cancelled: make(map[uint64]struct{}),
		filled:    make(map[uint64]struct{}),
		nonces:    make(map[common.Address]uint64),
	}
}

func (s *InMemoryStore) Commit(cs *ledger.Changeset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.FailNext; err != nil {
		s.FailNext = nil
		return err
	}

	for _, b := range cs.Balances {
		b.Amount = b.Amount.Clone()
		s.balances[[2]common.Address{b.Asset, b.Holder}] = b
	}
	if cs.Order != nil {
		s.orders[cs.Order.ID] = cs.Order.Clone()
	}
	if cs.Cancelled != 0 {
		s.cancelled[cs.Cancelled] = struct{}{}
	}
	if cs.Filled != 0 {
		s.filled[cs.Filled] = struct{}{}
	}
	s.events = append(s.events, cs.Event)
	return nil
}

func (s *InMemoryStore) Revert(cs *ledger.Changeset, pre []ledger.Balance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range pre {
		k := [2]common.Address{b.Asset, b.Holder}
		if b.Amount == nil || b.Amount.IsZero() {
			delete(s.balances, k)
			continue
		}
		b.Amount = b.Amount.Clone()
		s.balances[k] = b
	}
	if cs.Order != nil {
		delete(s.orders, cs.Order.ID)
	}
	if cs.Cancelled != 0 {
		delete(s.cancelled, cs.Cancelled)
	}
	if cs.Filled != 0 {
		delete(s.filled, cs.Filled)
	}
	if n := len(s.events); n > 0 && s.events[n-1].Seq == cs.Event.Seq {
		s.events = s.events[:n-1]
	}
	return nil
}

func (s *InMemoryStore) Load() (*ledger.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := &ledger.Snapshot{Events: append([]eventlog.Event(nil), s.events...)}
	for _, b := range s.balances {
		b.Amount = b.Amount.Clone()
		snap.Balances = append(snap.Balances, b)
	}
	for _, o := range s.orders {
		snap.Orders = append(snap.Orders, o.Clone())
	}
	sort.Slice(snap.Orders, func(i, j int) bool { return snap.Orders[i].ID < snap.Orders[j].ID })
	for id := range s.cancelled {
		snap.Cancelled = append(snap.Cancelled, id)
	}
	for id := range s.filled {
		snap.Filled = append(snap.Filled, id)
	}
	return snap, nil
}

func (s *InMemoryStore) Close() error { return nil }

var _ ledger.Store = (*InMemoryStore)(nil)
