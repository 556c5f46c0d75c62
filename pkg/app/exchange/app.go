// Package exchange is the boundary the transport talks to. It authenticates
// signed requests, enforces per-caller nonces and dispatches to the ledger,
// and it owns the server-side read model.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/uhyunpark/tokenbook/pkg/app/core"
	"github.com/uhyunpark/tokenbook/pkg/app/core/ledger"
	"github.com/uhyunpark/tokenbook/pkg/app/core/readmodel"
	"github.com/uhyunpark/tokenbook/pkg/crypto"
)

// ErrNonceTooLow is returned for a request whose nonce is not above the
// caller's last accepted one
var ErrNonceTooLow = errors.New("nonce too low")

// NonceStore persists the last accepted nonce per caller
type NonceStore interface {
	LoadNonces() (map[common.Address]uint64, error)
	SaveNonce(caller common.Address, nonce uint64) error
}

// Receipt describes an accepted request
type Receipt struct {
	Action  crypto.Action  `json:"action"`
	Caller  common.Address `json:"caller"`
	Nonce   uint64         `json:"nonce"`
	OrderID uint64         `json:"orderId,omitempty"`
	Balance *uint256.Int   `json:"balance,omitempty"` // post-operation balance for deposit/withdraw
}

// Info summarises the exchange parameters and progress
type Info struct {
	FeeAccount common.Address `json:"feeAccount"`
	FeePercent uint64         `json:"feePercent"`
	Custody    common.Address `json:"custody"`
	OrderCount uint64         `json:"orderCount"`
	LogLength  uint64         `json:"logLength"`
}

type App struct {
	ledger *ledger.Ledger
	domain crypto.Domain
	view   *readmodel.Materializer

	mu     sync.Mutex
	nonces map[common.Address]uint64
	store  NonceStore

	Logger *zap.SugaredLogger
}

// New wires an App over l. A nil nonce store keeps nonces in memory only.
func New(l *ledger.Ledger, domain crypto.Domain, store NonceStore, viewCfg readmodel.Config) (*App, error) {
	nonces := make(map[common.Address]uint64)
	if store != nil {
		loaded, err := store.LoadNonces()
		if err != nil {
			return nil, fmt.Errorf("failed to load nonces: %w", err)
		}
		nonces = loaded
	}
	return &App{
		ledger: l,
		domain: domain,
		view:   readmodel.NewMaterializer(readmodel.LocalSource{Log: l.Log()}, viewCfg),
		nonces: nonces,
		store:  store,
		Logger: zap.NewNop().Sugar(),
	}, nil
}

func (a *App) Ledger() *ledger.Ledger { return a.ledger }

func (a *App) Domain() crypto.Domain { return a.domain }

// View is the latest materialized view of the ledger log
func (a *App) View() *readmodel.View { return a.view.View() }

// Run keeps the server-side view current until ctx is cancelled
func (a *App) Run(ctx context.Context) error {
	heads, unsubscribe := a.ledger.Log().Subscribe()
	defer unsubscribe()

	a.view.Logger = a.Logger
	a.view.WakeOn(heads)
	return a.view.Run(ctx)
}

// RefreshView brings the view up to the log head synchronously
func (a *App) RefreshView(ctx context.Context) error {
	return a.view.Refresh(ctx)
}

func (a *App) Info() Info {
	return Info{
		FeeAccount: a.ledger.FeeAccount(),
		FeePercent: a.ledger.FeePercent(),
		Custody:    a.ledger.Custody(),
		OrderCount: a.ledger.OrderCount(),
		LogLength:  a.ledger.Log().Len(),
	}
}

// Nonce returns the caller's last accepted nonce (0 if none)
func (a *App) Nonce(caller common.Address) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nonces[caller]
}

// Submit verifies a signed request and applies it to the ledger.
// The nonce is consumed once the signature checks out, even if the ledger
// then rejects the operation.
func (a *App) Submit(sr *crypto.SignedRequest) (*Receipt, error) {
	caller, err := a.domain.VerifyRequest(sr)
	if err != nil {
		return nil, err
	}
	req := sr.Request
	if err := a.consumeNonce(caller, req.Nonce); err != nil {
		return nil, err
	}

	rc := &Receipt{Action: req.Action, Caller: caller, Nonce: req.Nonce}
	switch req.Action {
	case crypto.ActionDeposit:
		if core.IsNative(req.Asset) {
			rc.Balance, err = a.ledger.DepositNative(caller, req.Amount)
		} else {
			rc.Balance, err = a.ledger.DepositAsset(req.Asset, caller, req.Amount)
		}
	case crypto.ActionWithdraw:
		if core.IsNative(req.Asset) {
			rc.Balance, err = a.ledger.WithdrawNative(caller, req.Amount)
		} else {
			rc.Balance, err = a.ledger.WithdrawAsset(req.Asset, caller, req.Amount)
		}
	case crypto.ActionMakeOrder:
		rc.OrderID, err = a.ledger.MakeOrder(caller, req.TokenGet, req.AmountGet, req.TokenGive, req.AmountGive)
	case crypto.ActionCancelOrder:
		rc.OrderID = req.OrderID
		err = a.ledger.CancelOrder(caller, req.OrderID)
	case crypto.ActionFillOrder:
		rc.OrderID = req.OrderID
		err = a.ledger.FillOrder(caller, req.OrderID)
	}
	if err != nil {
		a.Logger.Infow("request_rejected", "action", req.Action, "caller", caller.Hex(), "nonce", req.Nonce, "err", err)
		return nil, err
	}
	return rc, nil
}

func (a *App) consumeNonce(caller common.Address, nonce uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	last := a.nonces[caller]
	if nonce <= last {
		return fmt.Errorf("%w: got %d, last accepted %d", ErrNonceTooLow, nonce, last)
	}
	if a.store != nil {
		if err := a.store.SaveNonce(caller, nonce); err != nil {
			return err
		}
	}
	a.nonces[caller] = nonce
	return nil
}
