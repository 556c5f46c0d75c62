package ledger

import "errors"

// Ledger errors. Every failed operation leaves balances, orders and the
// event log exactly as they were; callers match with errors.Is.
var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAssetMismatch       = errors.New("asset mismatch")
	ErrOrderNotFound       = errors.New("order not found")
	ErrNotOwner            = errors.New("not order owner")
	ErrAlreadyFinalized    = errors.New("order already finalized")
	ErrSelfTrade           = errors.New("self trade")

	ErrUnknownAsset   = errors.New("unknown asset")
	ErrInvalidAmount  = errors.New("invalid amount")
	ErrAmountOverflow = errors.New("amount overflow")
	ErrTransferFailed = errors.New("token transfer failed")
)
