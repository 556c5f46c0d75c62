package client

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/uhyunpark/tokenbook/pkg/api"
)

// HeadNotifier follows a node's /ws feed and reports the latest log head.
// It reconnects with exponential backoff when the connection drops.
type HeadNotifier struct {
	url    string
	dialer *websocket.Dialer
	heads  chan uint64

	Logger *zap.SugaredLogger
}

func NewHeadNotifier(baseURL string) *HeadNotifier {
	u := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return &HeadNotifier{
		url:    u + "/ws",
		dialer: websocket.DefaultDialer,
		heads:  make(chan uint64, 1),
		Logger: zap.NewNop().Sugar(),
	}
}

// Heads delivers head sequence numbers. Only the latest undelivered one is kept.
func (n *HeadNotifier) Heads() <-chan uint64 { return n.heads }

// Run follows the feed until ctx is cancelled
func (n *HeadNotifier) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0 // keep trying

	for {
		start := time.Now()
		err := n.follow(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(start) > b.MaxInterval {
			b.Reset()
		}
		wait := b.NextBackOff()
		n.Logger.Warnw("head_feed_disconnected", "url", n.url, "retry_in", wait, "err", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (n *HeadNotifier) follow(ctx context.Context) error {
	conn, _, err := n.dialer.DialContext(ctx, n.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	n.Logger.Infow("head_feed_connected", "url", n.url)
	for {
		var msg api.WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		if msg.Type == api.WSTypeHead {
			n.deliver(msg.Seq)
		}
	}
}

func (n *HeadNotifier) deliver(seq uint64) {
	for {
		select {
		case n.heads <- seq:
			return
		default:
		}
		select {
		case <-n.heads:
		default:
		}
	}
}
