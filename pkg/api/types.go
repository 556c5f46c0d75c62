package api

// API response types for REST endpoints and WebSocket messages

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/tokenbook/pkg/app/core"
	"github.com/uhyunpark/tokenbook/pkg/app/core/eventlog"
)

// BalanceInfo is one holder's custody balance of one asset
type BalanceInfo struct {
	Asset   common.Address `json:"asset"`
	Holder  common.Address `json:"holder"`
	Balance *uint256.Int   `json:"balance"` // base units, decimal string
}

// OrderInfo is a stored order with its derived state
type OrderInfo struct {
	*core.Order
	State string `json:"state"` // "open", "cancelled", "filled"
}

// NonceInfo tells a client which nonce to sign next
type NonceInfo struct {
	Caller common.Address `json:"caller"`
	Last   uint64         `json:"last"`
	Next   uint64         `json:"next"`
}

// HeadInfo is the tip of the event log
type HeadInfo struct {
	Seq  uint64      `json:"seq"`
	Hash common.Hash `json:"hash"`
}

// EventsPage is one batch of the event log
type EventsPage struct {
	Events []eventlog.Event `json:"events"`
	Head   uint64           `json:"head"`
}

// ViewInfo tags a read-model response with the log position it reflects
type ViewInfo[T any] struct {
	Seq  uint64 `json:"seq"`
	Data T      `json:"data"`
}

// ErrorResponse is returned for all failed requests
type ErrorResponse struct {
	Error   string `json:"error"`             // error kind, e.g. "insufficient_balance"
	Message string `json:"message,omitempty"` // detail
}

// HealthInfo reports liveness
type HealthInfo struct {
	Status    string `json:"status"`
	Head      uint64 `json:"head"`
	ViewSeq   uint64 `json:"viewSeq"`
	WSClients int    `json:"wsClients"`
}

// ==============================
// WebSocket Message Types
// ==============================

const WSTypeHead = "head"

// WSMessage is pushed to every connected client
type WSMessage struct {
	Type string `json:"type"` // "head"
	Seq  uint64 `json:"seq"`
}
