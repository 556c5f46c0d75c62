// Package eventlog implements the append-only, hash-chained record of every
// ledger operation. It is the only channel through which the read model
// observes ledger state.
package eventlog

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Log is an in-memory append-only event log.
// Thread-safe: the ledger appends under its own writer lock while any number
// of readers take snapshots concurrently.
type Log struct {
	mu     sync.RWMutex
	events []Event

	subMu sync.Mutex
	subs  map[chan uint64]struct{}
}

// New creates an empty log
func New() *Log {
	return &Log{subs: make(map[chan uint64]struct{})}
}

// Restore rebuilds a log from persisted events, verifying the whole chain.
func Restore(events []Event) (*Log, error) {
	if err := Verify(0, common.Hash{}, events); err != nil {
		return nil, fmt.Errorf("failed to restore event log: %w", err)
	}
	l := New()
	l.events = append(l.events, events...)
	return l, nil
}

// Head returns the sequence number and hash of the last event (0 and the zero hash when empty).
func (l *Log) Head() (uint64, common.Hash) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.headLocked()
}

func (l *Log) headLocked() (uint64, common.Hash) {
	if len(l.events) == 0 {
		return 0, common.Hash{}
	}
	last := l.events[len(l.events)-1]
	return last.Seq, last.Hash
}

// Len returns the number of events appended so far
func (l *Log) Len() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.events))
}

// Seal assigns the next sequence number and chain hash to ev without appending it.
// The caller persists the sealed event and then calls Append.
func (l *Log) Seal(ev Event) (Event, error) {
	l.mu.RLock()
	seq, prev := l.headLocked()
	l.mu.RUnlock()

	ev.Seq = seq + 1
	ev.PrevHash = prev
	h, err := ComputeHash(ev)
	if err != nil {
		return Event{}, err
	}
	ev.Hash = h
	return ev, nil
}

// Append adds a sealed event. It must extend the current head.
func (l *Log) Append(ev Event) error {
	l.mu.Lock()
	seq, prev := l.headLocked()
	if ev.Seq != seq+1 || ev.PrevHash != prev {
		l.mu.Unlock()
		return fmt.Errorf("event %d does not extend head %d: %w", ev.Seq, seq, ErrCorrupt)
	}
	l.events = append(l.events, ev)
	l.mu.Unlock()

	l.notify(ev.Seq)
	return nil
}

// Range returns up to limit events starting at sequence number from (1-based).
// limit <= 0 means no limit.
func (l *Log) Range(from uint64, limit int) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if from == 0 {
		from = 1
	}
	if from > uint64(len(l.events)) {
		return nil
	}
	end := uint64(len(l.events))
	if limit > 0 && from-1+uint64(limit) < end {
		end = from - 1 + uint64(limit)
	}
	out := make([]Event, end-(from-1))
	copy(out, l.events[from-1:end])
	return out
}

// Snapshot returns the current prefix of the log.
// Events are immutable, so the capped slice is safe to share.
func (l *Log) Snapshot() []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := len(l.events)
	return l.events[:n:n]
}

// Subscribe returns a channel that receives the new head sequence after each append.
// Notifications coalesce: a slow reader sees only the latest head.
func (l *Log) Subscribe() (<-chan uint64, func()) {
	ch := make(chan uint64, 1)
	l.subMu.Lock()
	l.subs[ch] = struct{}{}
	l.subMu.Unlock()

	cancel := func() {
		l.subMu.Lock()
		delete(l.subs, ch)
		l.subMu.Unlock()
	}
	return ch, cancel
}

// followBatch bounds how many events Follow copies out per Range call
const followBatch = 256

// Follow calls fn for every event from sequence number from onwards, one at a
// time and in log order, until ctx is cancelled. fn runs on the caller's
// goroutine; a slow fn delays later events but never the appender.
func (l *Log) Follow(ctx context.Context, from uint64, fn func(Event)) error {
	heads, cancel := l.Subscribe()
	defer cancel()

	next := max(from, 1)
	for {
		for {
			batch := l.Range(next, followBatch)
			if len(batch) == 0 {
				break
			}
			for _, ev := range batch {
				fn(ev)
			}
			next = batch[len(batch)-1].Seq + 1
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-heads:
		}
	}
}

func (l *Log) notify(seq uint64) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	for ch := range l.subs {
		select {
		case ch <- seq:
		default:
			// Drop the stale head and replace it
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- seq:
			default:
			}
		}
	}
}
