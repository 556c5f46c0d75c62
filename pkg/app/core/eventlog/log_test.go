package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/tokenbook/pkg/app/core"
)

var (
	alice = common.HexToAddress("0xAA00000000000000000000000000000000000000")
	bob   = common.HexToAddress("0xBB00000000000000000000000000000000000000")
	tok   = common.HexToAddress("0x7000000000000000000000000000000000000001")
)

func testOrder(id uint64) *core.Order {
	return &core.Order{
		ID:         id,
		Maker:      alice,
		TokenGet:   tok,
		AmountGet:  uint256.NewInt(100),
		TokenGive:  core.NativeAsset,
		AmountGive: uint256.NewInt(7),
		Timestamp:  1_700_000_000 + int64(id),
	}
}

func appendAll(t *testing.T, l *Log, evs ...Event) []Event {
	t.Helper()
	var out []Event
	for _, ev := range evs {
		sealed, err := l.Seal(ev)
		require.NoError(t, err)
		require.NoError(t, l.Append(sealed))
		out = append(out, sealed)
	}
	return out
}

func sampleEvents() []Event {
	o := testOrder(1)
	return []Event{
		NewDeposit(core.NativeAsset, alice, uint256.NewInt(10), uint256.NewInt(10)),
		NewOrderPlaced(o),
		NewOrderFilled(o, bob, 1_700_000_500),
		NewWithdraw(core.NativeAsset, alice, uint256.NewInt(3), uint256.NewInt(7)),
	}
}

func TestSealAndAppend(t *testing.T) {
	l := New()
	seq, head := l.Head()
	assert.Zero(t, seq)
	assert.Equal(t, common.Hash{}, head)

	evs := appendAll(t, l, sampleEvents()...)

	for i, ev := range evs {
		assert.Equal(t, uint64(i+1), ev.Seq)
		if i > 0 {
			assert.Equal(t, evs[i-1].Hash, ev.PrevHash)
		}
	}
	seq, head = l.Head()
	assert.Equal(t, uint64(4), seq)
	assert.Equal(t, evs[3].Hash, head)
	assert.Equal(t, uint64(4), l.Len())
}

func TestAppendRejectsStaleSeal(t *testing.T) {
	l := New()
	a, err := l.Seal(sampleEvents()[0])
	require.NoError(t, err)
	b, err := l.Seal(sampleEvents()[1])
	require.NoError(t, err)

	require.NoError(t, l.Append(a))
	err = l.Append(b)
	assert.True(t, errors.Is(err, ErrCorrupt), "got %v", err)
	assert.Equal(t, uint64(1), l.Len())
}

func TestRange(t *testing.T) {
	l := New()
	appendAll(t, l, sampleEvents()...)

	tests := []struct {
		name      string
		from      uint64
		limit     int
		wantFirst uint64
		wantLen   int
	}{
		{"all", 1, 0, 1, 4},
		{"zero from means start", 0, 2, 1, 2},
		{"suffix", 3, 10, 3, 2},
		{"past head", 5, 10, 0, 0},
		{"single", 4, 1, 4, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := l.Range(tt.from, tt.limit)
			require.Len(t, got, tt.wantLen)
			if tt.wantLen > 0 {
				assert.Equal(t, tt.wantFirst, got[0].Seq)
			}
		})
	}
}

func TestSnapshotIsStable(t *testing.T) {
	l := New()
	appendAll(t, l, sampleEvents()[:2]...)
	snap := l.Snapshot()
	appendAll(t, l, sampleEvents()[2:]...)

	assert.Len(t, snap, 2)
	assert.Len(t, l.Snapshot(), 4)
}

func TestVerifyDetectsTampering(t *testing.T) {
	l := New()
	evs := appendAll(t, l, sampleEvents()...)
	require.NoError(t, Verify(0, common.Hash{}, evs))
	require.NoError(t, Verify(evs[1].Seq, evs[1].Hash, evs[2:]))

	cases := map[string]func([]Event) []Event{
		"amount changed": func(b []Event) []Event {
			b[1].OrderPlaced = testOrder(1)
			b[1].OrderPlaced.AmountGive = uint256.NewInt(8)
			return b
		},
		"gap": func(b []Event) []Event {
			return append(b[:1:1], b[2:]...)
		},
		"reordered": func(b []Event) []Event {
			b[2], b[3] = b[3], b[2]
			return b
		},
		"missing payload": func(b []Event) []Event {
			b[0].Deposit = nil
			return b
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			batch := mutate(append([]Event(nil), evs...))
			err := Verify(0, common.Hash{}, batch)
			assert.True(t, errors.Is(err, ErrCorrupt), "got %v", err)
		})
	}

	t.Run("wrong anchor", func(t *testing.T) {
		err := Verify(1, common.Hash{0x01}, evs[1:])
		assert.True(t, errors.Is(err, ErrCorrupt), "got %v", err)
	})
}

func TestRestore(t *testing.T) {
	l := New()
	evs := appendAll(t, l, sampleEvents()...)

	// Round-trip through JSON as the store does
	data, err := json.Marshal(evs)
	require.NoError(t, err)
	var decoded []Event
	require.NoError(t, json.Unmarshal(data, &decoded))

	restored, err := Restore(decoded)
	require.NoError(t, err)
	seq, head := restored.Head()
	assert.Equal(t, uint64(4), seq)
	assert.Equal(t, evs[3].Hash, head)

	decoded[2].OrderFilled.Taker = alice
	_, err = Restore(decoded)
	assert.Error(t, err)
}

func TestEventJSONAmountsAreDecimalStrings(t *testing.T) {
	ev := NewDeposit(core.NativeAsset, alice, uint256.NewInt(1500), uint256.NewInt(2500))
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"amount":"1500"`)
	assert.Contains(t, string(data), `"type":"Deposit"`)
}

func TestCancelledEventCarriesCancelTime(t *testing.T) {
	o := testOrder(3)
	ev := NewOrderCancelled(o, 42)
	assert.Equal(t, int64(42), ev.OrderCancelled.Timestamp)
	assert.Equal(t, int64(1_700_000_003), o.Timestamp, "placement order must not be mutated")
}

func TestSubscribeCoalesces(t *testing.T) {
	l := New()
	ch, cancel := l.Subscribe()
	defer cancel()

	appendAll(t, l, sampleEvents()...)

	select {
	case seq := <-ch:
		assert.Equal(t, uint64(4), seq)
	case <-time.After(time.Second):
		t.Fatal("no head notification")
	}
	select {
	case seq := <-ch:
		t.Fatalf("unexpected second notification %d", seq)
	default:
	}
}

func TestSubscribeCancel(t *testing.T) {
	l := New()
	ch, cancel := l.Subscribe()
	cancel()
	appendAll(t, l, sampleEvents()[0])

	select {
	case seq := <-ch:
		t.Fatalf("cancelled subscriber notified of %d", seq)
	default:
	}
}

func TestFollowDeliversInOrder(t *testing.T) {
	l := New()
	appendAll(t, l, sampleEvents()[:2]...)

	var (
		mu   sync.Mutex
		seqs []uint64
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- l.Follow(ctx, 2, func(ev Event) {
			mu.Lock()
			seqs = append(seqs, ev.Seq)
			mu.Unlock()
		})
	}()

	for i := 0; i < 300; i++ {
		appendAll(t, l, NewDeposit(core.NativeAsset, alice, uint256.NewInt(1), uint256.NewInt(uint64(i+1))))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seqs) == 301
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	for i, seq := range seqs {
		assert.Equal(t, uint64(i+2), seq)
	}
	mu.Unlock()

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
