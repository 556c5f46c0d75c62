// Package kafka forwards appended ledger events to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/uhyunpark/tokenbook/pkg/app/core/eventlog"
)

// messageWriter is the part of *kafka.Writer the publisher uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Config struct {
	Brokers []string
	Topic   string
	// Key is the message key of every event. One key means one partition,
	// which is the only way Kafka keeps the log in order.
	Key          string
	QueueSize    int
	WriteTimeout time.Duration
}

const defaultKey = "tokenbook"

// Publisher writes events in log order. Enqueue never blocks the ledger;
// when the queue is full the event is dropped and consumers can recover it
// from GET /events.
type Publisher struct {
	writer  messageWriter
	key     []byte
	queue   chan eventlog.Event
	timeout time.Duration

	Logger *zap.SugaredLogger
}

func NewPublisher(cfg Config) *Publisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	return newPublisher(w, cfg)
}

func newPublisher(w messageWriter, cfg Config) *Publisher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.Key == "" {
		cfg.Key = defaultKey
	}
	return &Publisher{
		writer:  w,
		key:     []byte(cfg.Key),
		queue:   make(chan eventlog.Event, cfg.QueueSize),
		timeout: cfg.WriteTimeout,
		Logger:  zap.NewNop().Sugar(),
	}
}

// Message encodes ev under key. The sequence number travels in the "seq" header.
func Message(key []byte, ev eventlog.Event) (kafka.Message, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to encode event %d: %w", ev.Seq, err)
	}
	return kafka.Message{
		Key:   key,
		Value: data,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(ev.Type)},
			{Key: "seq", Value: []byte(strconv.FormatUint(ev.Seq, 10))},
		},
	}, nil
}

// Publish writes ev synchronously
func (p *Publisher) Publish(ctx context.Context, ev eventlog.Event) error {
	msg, err := Message(p.key, ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish event %d: %w", ev.Seq, err)
	}
	return nil
}

// Enqueue hands ev to Run without blocking the caller.
// Call it from a single goroutine, such as an eventlog.Log.Follow callback.
func (p *Publisher) Enqueue(ev eventlog.Event) {
	select {
	case p.queue <- ev:
	default:
		p.Logger.Warnw("kafka_queue_full", "seq", ev.Seq, "type", ev.Type)
	}
}

// Run drains the queue until ctx is cancelled, then closes the writer
func (p *Publisher) Run(ctx context.Context) error {
	defer p.writer.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-p.queue:
			if err := p.Publish(ctx, ev); err != nil {
				p.Logger.Errorw("kafka_publish_failed", "seq", ev.Seq, "err", err)
				continue
			}
			p.Logger.Debugw("kafka_published", "seq", ev.Seq, "type", ev.Type)
		}
	}
}
