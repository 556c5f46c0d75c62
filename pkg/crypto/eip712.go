package crypto

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/holiman/uint256"
)

var (
	ErrMalformedRequest = errors.New("malformed request")
	ErrBadSignature     = errors.New("signature does not match caller")
)

// Domain is the EIP-712 domain separator. Signatures made for one domain
// do not verify under another.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// DefaultDomain is the devnet domain
func DefaultDomain() Domain {
	return Domain{
		Name:    "TokenBook",
		Version: "1",
		ChainID: big.NewInt(1337),
	}
}

// Action names a ledger operation a caller can request
type Action string

const (
	ActionDeposit     Action = "deposit"
	ActionWithdraw    Action = "withdraw"
	ActionMakeOrder   Action = "makeOrder"
	ActionCancelOrder Action = "cancelOrder"
	ActionFillOrder   Action = "fillOrder"
)

// Request is the typed message a caller signs. Fields an action does not
// use are left zero and still signed.
type Request struct {
	Action Action         `json:"action"`
	Caller common.Address `json:"caller"`
	Nonce  uint64         `json:"nonce"`

	// deposit, withdraw
	Asset  common.Address `json:"asset"`
	Amount *uint256.Int   `json:"amount,omitempty"`

	// makeOrder
	TokenGet   common.Address `json:"tokenGet"`
	AmountGet  *uint256.Int   `json:"amountGet,omitempty"`
	TokenGive  common.Address `json:"tokenGive"`
	AmountGive *uint256.Int   `json:"amountGive,omitempty"`

	// cancelOrder, fillOrder
	OrderID uint64 `json:"orderId,omitempty"`
}

// SignedRequest is the body of every mutating API call
type SignedRequest struct {
	Request   Request `json:"request"`
	Signature string  `json:"signature"` // 0x-prefixed 65 bytes
}

// Validate checks that the fields the action needs are present
func (r *Request) Validate() error {
	if r.Caller == (common.Address{}) {
		return fmt.Errorf("%w: missing caller", ErrMalformedRequest)
	}
	switch r.Action {
	case ActionDeposit, ActionWithdraw:
		if r.Amount == nil {
			return fmt.Errorf("%w: %s needs amount", ErrMalformedRequest, r.Action)
		}
	case ActionMakeOrder:
		if r.AmountGet == nil || r.AmountGive == nil {
			return fmt.Errorf("%w: makeOrder needs amountGet and amountGive", ErrMalformedRequest)
		}
	case ActionCancelOrder, ActionFillOrder:
		if r.OrderID == 0 {
			return fmt.Errorf("%w: %s needs orderId", ErrMalformedRequest, r.Action)
		}
	default:
		return fmt.Errorf("%w: unknown action %q", ErrMalformedRequest, r.Action)
	}
	return nil
}

var requestTypes = apitypes.Types{
	"EIP712Domain": []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"Request": []apitypes.Type{
		{Name: "action", Type: "string"},
		{Name: "caller", Type: "address"},
		{Name: "nonce", Type: "uint64"},
		{Name: "asset", Type: "address"},
		{Name: "amount", Type: "uint256"},
		{Name: "tokenGet", Type: "address"},
		{Name: "amountGet", Type: "uint256"},
		{Name: "tokenGive", Type: "address"},
		{Name: "amountGive", Type: "uint256"},
		{Name: "orderId", Type: "uint64"},
	},
}

func dec(x *uint256.Int) string {
	if x == nil {
		return "0"
	}
	return x.Dec()
}

// TypedData builds the eth_signTypedData_v4 payload for r
func (d Domain) TypedData(r *Request) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       requestTypes,
		PrimaryType: "Request",
		Domain: apitypes.TypedDataDomain{
			Name:              d.Name,
			Version:           d.Version,
			ChainId:           (*math.HexOrDecimal256)(d.ChainID),
			VerifyingContract: d.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"action":     string(r.Action),
			"caller":     r.Caller.Hex(),
			"nonce":      strconv.FormatUint(r.Nonce, 10),
			"asset":      r.Asset.Hex(),
			"amount":     dec(r.Amount),
			"tokenGet":   r.TokenGet.Hex(),
			"amountGet":  dec(r.AmountGet),
			"tokenGive":  r.TokenGive.Hex(),
			"amountGive": dec(r.AmountGive),
			"orderId":    strconv.FormatUint(r.OrderID, 10),
		},
	}
}

// HashRequest returns keccak256("\x19\x01" || domainSeparator || hashStruct(r))
func (d Domain) HashRequest(r *Request) ([]byte, error) {
	td := d.TypedData(r)

	domainSeparator, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}
	msgHash, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash request: %w", err)
	}

	raw := make([]byte, 0, 2+len(domainSeparator)+len(msgHash))
	raw = append(raw, 0x19, 0x01)
	raw = append(raw, domainSeparator...)
	raw = append(raw, msgHash...)
	return crypto.Keccak256(raw), nil
}

// SignRequest signs r with s. r.Caller should be s.Address().
func (d Domain) SignRequest(s *Signer, r Request) (*SignedRequest, error) {
	hash, err := d.HashRequest(&r)
	if err != nil {
		return nil, err
	}
	sig, err := s.Sign(hash)
	if err != nil {
		return nil, err
	}
	return &SignedRequest{Request: r, Signature: EncodeSignature(sig)}, nil
}

// VerifyRequest checks the envelope and returns its caller.
// The recovered signer must equal Request.Caller.
func (d Domain) VerifyRequest(sr *SignedRequest) (common.Address, error) {
	if err := sr.Request.Validate(); err != nil {
		return common.Address{}, err
	}
	sig, err := DecodeSignature(sr.Signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	hash, err := d.HashRequest(&sr.Request)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	signer, err := RecoverAddress(hash, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if signer != sr.Request.Caller {
		return common.Address{}, fmt.Errorf("%w: signed by %s", ErrBadSignature, signer.Hex())
	}
	return signer, nil
}
