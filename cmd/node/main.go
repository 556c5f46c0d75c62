package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/tokenbook/params"
	"github.com/uhyunpark/tokenbook/pkg/api"
	"github.com/uhyunpark/tokenbook/pkg/app/core/eventlog"
	"github.com/uhyunpark/tokenbook/pkg/app/core/ledger"
	"github.com/uhyunpark/tokenbook/pkg/app/core/readmodel"
	"github.com/uhyunpark/tokenbook/pkg/app/core/token"
	"github.com/uhyunpark/tokenbook/pkg/app/exchange"
	"github.com/uhyunpark/tokenbook/pkg/crypto"
	"github.com/uhyunpark/tokenbook/pkg/events/kafka"
	"github.com/uhyunpark/tokenbook/pkg/storage"
	"github.com/uhyunpark/tokenbook/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg, err := params.LoadFromEnv("")
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := util.NewLoggerWithFile(cfg.Node.LogLevel, cfg.Node.LogFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile, "level", cfg.Node.LogLevel)

	// ---- Storage ----
	store, err := openStore(cfg.Node)
	if err != nil {
		sugar.Fatalw("store_open_failed", "err", err)
	}
	sugar.Infow("store_opened", "ephemeral", cfg.Node.Ephemeral, "data_dir", cfg.Node.DataDir)

	// ---- Ledger ----
	l, err := ledger.New(ledger.Config{
		FeeAccount: common.HexToAddress(cfg.Exchange.FeeAccount),
		FeePercent: cfg.Exchange.FeePercent,
		Custody:    common.HexToAddress(cfg.Exchange.Custody),
	}, store)
	if err != nil {
		sugar.Fatalw("ledger_restore_failed", "err", err)
	}
	defer l.Close()
	l.Logger = sugar.Named("ledger")

	if cfg.Token.Holder != "" {
		if err := registerToken(l, cfg, sugar); err != nil {
			sugar.Fatalw("token_register_failed", "err", err)
		}
	}

	// ---- Event sinks ----
	var sinks []func(eventlog.Event)

	if cfg.Node.JournalFile != "" {
		journal, err := storage.NewFileJournal(cfg.Node.JournalFile)
		if err != nil {
			sugar.Fatalw("journal_open_failed", "err", err)
		}
		defer journal.Close()
		sinks = append(sinks, func(ev eventlog.Event) {
			if err := journal.Append(ev); err != nil {
				sugar.Errorw("journal_append_failed", "seq", ev.Seq, "err", err)
			}
		})
	}

	var publisher *kafka.Publisher
	if len(cfg.Kafka.Brokers) > 0 {
		publisher = kafka.NewPublisher(kafka.Config{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			Key:     l.Custody().Hex(),
		})
		publisher.Logger = sugar.Named("kafka")
		sinks = append(sinks, publisher.Enqueue)
		sugar.Infow("kafka_enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	// ---- App ----
	domain := crypto.DefaultDomain()
	domain.ChainID = cfg.ChainID()

	app, err := exchange.New(l, domain, store, readmodel.Config{
		PollInterval: cfg.Materializer.PollInterval(),
		BatchSize:    cfg.Materializer.Batch,
		MaxBackoff:   cfg.Materializer.MaxBackoff(),
	})
	if err != nil {
		sugar.Fatalw("app_init_failed", "err", err)
	}
	app.Logger = sugar.Named("app")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				sugar.Errorw(name+"_failed", "err", err)
				stop()
			}
		}()
	}

	run("materializer", app.Run)
	if publisher != nil {
		run("kafka", publisher.Run)
	}
	if len(sinks) > 0 {
		// one goroutine feeds every sink so each sees the log in order
		from, _ := l.Log().Head()
		run("event_sinks", func(ctx context.Context) error {
			return l.Log().Follow(ctx, from+1, func(ev eventlog.Event) {
				for _, sink := range sinks {
					sink(ev)
				}
			})
		})
	}

	// ---- API Server ----
	apiServer := api.NewServer(app, api.Options{
		CORSOrigins: cfg.Node.CORSOrigins,
		Logger:      sugar.Named("api"),
	})
	run("api_server", func(ctx context.Context) error {
		return apiServer.ListenAndServe(ctx, cfg.Node.APIAddr)
	})

	head, hash := l.Log().Head()
	sugar.Infow("node_started",
		"api_addr", cfg.Node.APIAddr,
		"data_dir", cfg.Node.DataDir,
		"fee_percent", cfg.Exchange.FeePercent,
		"chain_id", cfg.Exchange.ChainID,
		"orders", l.OrderCount(),
		"log_head", head,
		"log_hash", hash.Hex())

	// Progress logging loop
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			sugar.Info("node_stopping")
			wg.Wait()
			return
		case <-ticker.C:
			view := app.View()
			sugar.Infow("node_progress",
				"log_len", l.Log().Len(),
				"view_seq", view.Seq,
				"open_orders", len(view.OpenOrders()),
				"trades", len(view.Trades))
		}
	}
}

// nodeStore is what the node persists: ledger state and request nonces
type nodeStore interface {
	ledger.Store
	exchange.NonceStore
}

func openStore(cfg params.Node) (nodeStore, error) {
	if cfg.Ephemeral {
		return storage.NewInMemoryStore(), nil
	}
	return storage.NewPebbleStore(filepath.Join(cfg.DataDir, "ledger"))
}

// registerToken deploys the devnet token. Token balances live in memory, so
// on restart the custody address is re-credited with what the ledger owes
// depositors and the holder gets the rest of the supply.
func registerToken(l *ledger.Ledger, cfg params.Config, sugar *zap.SugaredLogger) error {
	supply, err := cfg.TokenSupply()
	if err != nil {
		return err
	}
	addr := common.HexToAddress(cfg.Token.Address)
	holder := common.HexToAddress(cfg.Token.Holder)

	tok := token.New(addr, cfg.Token.Name, cfg.Token.Symbol, supply, holder)
	if owed := l.TotalBalance(addr); !owed.IsZero() {
		if err := tok.Transfer(holder, l.Custody(), owed); err != nil {
			return err
		}
	}
	if err := l.RegisterToken(addr, tok); err != nil {
		return err
	}
	sugar.Infow("token_registered", "address", addr.Hex(), "symbol", cfg.Token.Symbol,
		"supply", supply.Dec(), "holder", holder.Hex())
	return nil
}
