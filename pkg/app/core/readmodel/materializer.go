package readmodel

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/tokenbook/pkg/app/core/eventlog"
	"github.com/uhyunpark/tokenbook/pkg/metrics"
)

// EventSource is where a Materializer reads the log from: the local ledger
// log, or a remote node over HTTP.
type EventSource interface {
	Head(ctx context.Context) (uint64, error)
	Fetch(ctx context.Context, from uint64, limit int) ([]eventlog.Event, error)
}

// ErrTruncated is returned when a source reports a head it can't serve
var ErrTruncated = errors.New("event batch truncated")

// Config controls the refresh loop
type Config struct {
	PollInterval time.Duration // refresh period when no head notification arrives
	BatchSize    int           // events per Fetch
	MaxBackoff   time.Duration // cap on the retry interval for a failing source
}

func DefaultConfig() Config {
	return Config{
		PollInterval: 2 * time.Second,
		BatchSize:    500,
		MaxBackoff:   10 * time.Second,
	}
}

// Materializer keeps a View of an EventSource up to date in the background.
// Readers always get the last complete view; a refresh that fails or is
// overtaken by a newer one publishes nothing.
type Materializer struct {
	src  EventSource
	cfg  Config
	fold *Fold
	wake <-chan uint64

	view atomic.Pointer[View]
	gen  atomic.Uint64

	Logger *zap.SugaredLogger
}

func NewMaterializer(src EventSource, cfg Config) *Materializer {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	m := &Materializer{
		src:    src,
		cfg:    cfg,
		fold:   NewFold(),
		Logger: zap.NewNop().Sugar(),
	}
	m.view.Store(emptyView())
	return m
}

// WakeOn makes Run refresh as soon as ch delivers, instead of waiting for
// the next poll. Call before Run.
func (m *Materializer) WakeOn(ch <-chan uint64) { m.wake = ch }

// View returns the latest complete view (never nil)
func (m *Materializer) View() *View { return m.view.Load() }

// Run refreshes until ctx is cancelled
func (m *Materializer) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	m.Logger.Infow("materializer_started", "poll", m.cfg.PollInterval, "batch", m.cfg.BatchSize)
	for {
		if err := m.Refresh(ctx); err != nil && ctx.Err() == nil {
			m.Logger.Warnw("materializer_refresh_failed", "err", err)
		}
		select {
		case <-ctx.Done():
			m.Logger.Infow("materializer_stopped", "seq", m.View().Seq)
			return ctx.Err()
		case <-ticker.C:
		case <-m.wake:
		}
	}
}

// Refresh brings the view up to the source's current head.
//
// Every batch is verified against the hash chain before it is folded in; a
// corrupt or short batch discards the whole refresh and the previous view
// stays published. A source whose log no longer contains the events already
// folded is re-read from the start.
func (m *Materializer) Refresh(ctx context.Context) error {
	gen := m.gen.Add(1)

	head, err := retry(ctx, m, "head", func() (uint64, error) { return m.src.Head(ctx) })
	if err != nil {
		return err
	}

	seq, hash := m.fold.Head()
	if head < seq {
		// The source lost events we already folded; start over from its log
		m.Logger.Warnw("materializer_source_rewound", "head", head, "consumed", seq)
		m.fold.Reset()
		seq, hash = 0, common.Hash{}
	}
	if head == seq && seq == m.View().Seq {
		metrics.ViewRebuilds.WithLabelValues("unchanged").Inc()
		return nil
	}

	var (
		staged  []eventlog.Event
		rebuilt bool
	)
	for seq < head {
		from := seq + 1
		batch, err := retry(ctx, m, "fetch", func() ([]eventlog.Event, error) {
			return m.src.Fetch(ctx, from, m.cfg.BatchSize)
		})
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			metrics.ViewFetchFailures.WithLabelValues("truncated").Inc()
			return fmt.Errorf("head is %d but nothing served from %d: %w", head, from, ErrTruncated)
		}
		if err := eventlog.Verify(seq, hash, batch); err != nil {
			if len(staged) == 0 && !rebuilt && m.diverged(ctx, seq, hash) {
				// The source replaced events we already folded; start over from its log
				metrics.ViewFetchFailures.WithLabelValues("diverged").Inc()
				m.Logger.Warnw("materializer_source_diverged", "head", head, "consumed", seq)
				m.fold.Reset()
				seq, hash, rebuilt = 0, common.Hash{}, true
				continue
			}
			metrics.ViewFetchFailures.WithLabelValues("corrupt").Inc()
			m.Logger.Warnw("materializer_batch_discarded", "from", from, "len", len(batch), "err", err)
			return err
		}
		staged = append(staged, batch...)
		last := batch[len(batch)-1]
		seq, hash = last.Seq, last.Hash
	}

	if m.gen.Load() != gen {
		metrics.ViewRebuilds.WithLabelValues("superseded").Inc()
		return nil
	}
	view, err := m.fold.Extend(staged)
	if err != nil {
		// another refresh moved the fold first
		metrics.ViewRebuilds.WithLabelValues("superseded").Inc()
		return nil
	}

	m.view.Store(view)
	metrics.ViewRebuilds.WithLabelValues("published").Inc()
	metrics.ViewHead.Set(float64(view.Seq))
	m.Logger.Debugw("materializer_rebuild", "seq", view.Seq, "orders", len(view.Orders), "trades", len(view.Trades))
	return nil
}

// diverged reports whether the source now holds a different event at seq
// than the one the fold consumed.
func (m *Materializer) diverged(ctx context.Context, seq uint64, hash common.Hash) bool {
	if seq == 0 {
		return false
	}
	evs, err := m.src.Fetch(ctx, seq, 1)
	if err != nil || len(evs) == 0 || evs[0].Seq != seq {
		return false
	}
	return evs[0].Hash != hash
}

func retry[T any](ctx context.Context, m *Materializer, what string, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = min(100*time.Millisecond, m.cfg.MaxBackoff)
	b.MaxInterval = m.cfg.MaxBackoff
	b.MaxElapsedTime = 10 * m.cfg.MaxBackoff

	return backoff.RetryNotifyWithData(func() (T, error) {
		v, err := op()
		if err != nil && ctx.Err() != nil {
			return v, backoff.Permanent(ctx.Err())
		}
		return v, err
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		metrics.ViewFetchFailures.WithLabelValues(what).Inc()
		m.Logger.Warnw("materializer_fetch_retry", "op", what, "wait", wait, "err", err)
	})
}
