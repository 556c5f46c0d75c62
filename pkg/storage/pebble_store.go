package storage

import (
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/tokenbook/pkg/app/core"
	"github.com/uhyunpark/tokenbook/pkg/app/core/eventlog"
	"github.com/uhyunpark/tokenbook/pkg/app/core/ledger"
)

// PebbleStore persists ledger state in a Pebble database.
// Each Commit is one synced batch, so a crash leaves either the whole
// operation on disk or none of it.
type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

// Commit writes a ledger changeset atomically
func (s *PebbleStore) Commit(cs *ledger.Changeset) error {
	b := s.db.NewBatch()
	defer b.Close()

	for _, bal := range cs.Balances {
		val, err := encode("balance", bal)
		if err != nil {
			return err
		}
		if err := b.Set(balanceKey(bal.Asset, bal.Holder), val, nil); err != nil {
			return err
		}
	}
	if cs.Order != nil {
		val, err := encode("order", cs.Order)
		if err != nil {
			return err
		}
		if err := b.Set(orderKey(cs.Order.ID), val, nil); err != nil {
			return err
		}
	}
	if cs.Cancelled != 0 {
		if err := b.Set(cancelledKey(cs.Cancelled), nil, nil); err != nil {
			return err
		}
	}
	if cs.Filled != 0 {
		if err := b.Set(filledKey(cs.Filled), nil, nil); err != nil {
			return err
		}
	}

	val, err := encode("event", cs.Event)
	if err != nil {
		return err
	}
	if err := b.Set(eventKey(cs.Event.Seq), val, nil); err != nil {
		return err
	}

	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit batch for event %d: %w", cs.Event.Seq, err)
	}
	return nil
}

// Revert undoes a committed changeset in one synced batch: balances are
// restored from pre and the order, set membership and event it wrote are removed.
func (s *PebbleStore) Revert(cs *ledger.Changeset, pre []ledger.Balance) error {
	b := s.db.NewBatch()
	defer b.Close()

	for _, bal := range pre {
		key := balanceKey(bal.Asset, bal.Holder)
		if bal.Amount == nil || bal.Amount.IsZero() {
			if err := b.Delete(key, nil); err != nil {
				return err
			}
			continue
		}
		val, err := encode("balance", bal)
		if err != nil {
			return err
		}
		if err := b.Set(key, val, nil); err != nil {
			return err
		}
	}
	if cs.Order != nil {
		if err := b.Delete(orderKey(cs.Order.ID), nil); err != nil {
			return err
		}
	}
	if cs.Cancelled != 0 {
		if err := b.Delete(cancelledKey(cs.Cancelled), nil); err != nil {
			return err
		}
	}
	if cs.Filled != 0 {
		if err := b.Delete(filledKey(cs.Filled), nil); err != nil {
			return err
		}
	}
	if err := b.Delete(eventKey(cs.Event.Seq), nil); err != nil {
		return err
	}

	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to revert event %d: %w", cs.Event.Seq, err)
	}
	return nil
}

// Load reads the full ledger state
func (s *PebbleStore) Load() (*ledger.Snapshot, error) {
	snap := &ledger.Snapshot{}

	err := s.scan(prefixBalance, func(key, val []byte) error {
		var bal ledger.Balance
		if err := decode("balance", key, val, &bal); err != nil {
			return err
		}
		snap.Balances = append(snap.Balances, bal)
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = s.scan(prefixOrder, func(key, val []byte) error {
		var o core.Order
		if err := decode("order", key, val, &o); err != nil {
			return err
		}
		snap.Orders = append(snap.Orders, &o)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if snap.Cancelled, err = s.ids(prefixCancelled); err != nil {
		return nil, err
	}
	if snap.Filled, err = s.ids(prefixFilled); err != nil {
		return nil, err
	}

	if snap.Events, err = s.Events(1, 0); err != nil {
		return nil, err
	}
	return snap, nil
}

// Events returns up to limit persisted events starting at seq from.
// limit <= 0 reads to the end of the log.
func (s *PebbleStore) Events(from uint64, limit int) ([]eventlog.Event, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: eventKey(from),
		UpperBound: keyUpperBound([]byte(prefixEvent)),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []eventlog.Event
	for iter.First(); iter.Valid() && (limit <= 0 || len(out) < limit); iter.Next() {
		var ev eventlog.Event
		if err := decode("event", iter.Key(), iter.Value(), &ev); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, iter.Error()
}

func (s *PebbleStore) ids(prefix string) ([]uint64, error) {
	var out []uint64
	err := s.scan(prefix, func(key, _ []byte) error {
		id, err := seqFromKey(prefix, key)
		if err != nil {
			return err
		}
		out = append(out, id)
		return nil
	})
	return out, err
}

func (s *PebbleStore) scan(prefix string, fn func(key, val []byte) error) error {
	p := []byte(prefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: p,
		UpperBound: keyUpperBound(p),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

var _ ledger.Store = (*PebbleStore)(nil)
