package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/tokenbook/pkg/app/core"
	"github.com/uhyunpark/tokenbook/pkg/app/core/eventlog"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	fail   int
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail > 0 {
		w.fail--
		return errors.New("broker unavailable")
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

func (w *fakeWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.msgs)
}

func sealed(t *testing.T, n int) []eventlog.Event {
	t.Helper()
	l := eventlog.New()
	user := common.HexToAddress("0xAA00000000000000000000000000000000000000")
	for i := 1; i <= n; i++ {
		ev, err := l.Seal(eventlog.NewDeposit(core.NativeAsset, user, uint256.NewInt(1), uint256.NewInt(uint64(i))))
		require.NoError(t, err)
		require.NoError(t, l.Append(ev))
	}
	return l.Snapshot()
}

func header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestMessage(t *testing.T) {
	ev := sealed(t, 1)[0]
	msg, err := Message([]byte("book"), ev)
	require.NoError(t, err)

	assert.Equal(t, "book", string(msg.Key))
	assert.Equal(t, "Deposit", header(msg, "type"))
	assert.Equal(t, "1", header(msg, "seq"))

	var back eventlog.Event
	require.NoError(t, json.Unmarshal(msg.Value, &back))
	assert.Equal(t, ev.Hash, back.Hash)
}

func TestRunPublishesInOrder(t *testing.T) {
	w := &fakeWriter{fail: 1}
	p := newPublisher(w, Config{QueueSize: 8})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	for _, ev := range sealed(t, 3) {
		p.Enqueue(ev)
	}

	// first write fails and that event is skipped
	require.Eventually(t, func() bool { return w.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	w.mu.Lock()
	assert.Equal(t, "2", header(w.msgs[0], "seq"))
	assert.Equal(t, "3", header(w.msgs[1], "seq"))
	assert.Equal(t, defaultKey, string(w.msgs[0].Key))
	w.mu.Unlock()

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.True(t, w.closed)
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	w := &fakeWriter{}
	p := newPublisher(w, Config{QueueSize: 1})
	evs := sealed(t, 2)

	p.Enqueue(evs[0])
	p.Enqueue(evs[1]) // must not block
	assert.Len(t, p.queue, 1)
}

func TestEventsShareOnePartition(t *testing.T) {
	w := &fakeWriter{}
	p := newPublisher(w, Config{Key: "0xc0"})
	for _, ev := range sealed(t, 64) {
		require.NoError(t, p.Publish(context.Background(), ev))
	}

	partitions := []int{0, 1, 2, 3, 4, 5, 6, 7}
	balancer := &kafka.Hash{}
	want := balancer.Balance(w.msgs[0], partitions...)
	for _, msg := range w.msgs {
		assert.Equal(t, "0xc0", string(msg.Key))
		assert.Equal(t, want, balancer.Balance(msg, partitions...), "seq %s", header(msg, "seq"))
	}
}
