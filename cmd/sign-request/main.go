package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/spf13/cobra"

	"github.com/uhyunpark/tokenbook/pkg/client"
	"github.com/uhyunpark/tokenbook/pkg/crypto"
)

func main() {
	if err := NewCLI().root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// CLI is the Cobra-based command-line interface.
type CLI struct {
	root *cobra.Command
}

// requestFlags are the raw flag values a request is built from
type requestFlags struct {
	action     string
	asset      string
	amount     string
	tokenGet   string
	amountGet  string
	tokenGive  string
	amountGive string
	orderID    uint64
	nonce      uint64
}

func NewCLI() *CLI {
	cli := &CLI{}
	var (
		rf      requestFlags
		keyHex  string
		node    string
		chainID int64
		submit  bool
	)
	cli.root = &cobra.Command{
		Use:   "sign-request",
		Short: "Sign an exchange request with a secp256k1 key and optionally submit it",
		Example: `  sign-request --key $KEY --action deposit --amount 1000
  sign-request --key $KEY --action makeOrder --token-get 0x70..01 --amount-get 100 --amount-give 10 --node http://localhost:8080 --submit
  sign-request --key $KEY --action fillOrder --order-id 1 --node http://localhost:8080 --submit`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			signer, err := loadSigner(keyHex)
			if err != nil {
				return err
			}
			if keyHex == "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "generated key %s for %s\n", signer.PrivateKeyHex(), signer.Address().Hex())
			}

			req, err := rf.build(signer.Address())
			if err != nil {
				return err
			}
			var c *client.Client
			if node != "" {
				c = client.New(node)
			}
			if req.Nonce == 0 {
				req.Nonce = 1
				if c != nil {
					if req.Nonce, err = c.NextNonce(ctx, signer.Address()); err != nil {
						return fmt.Errorf("failed to fetch nonce: %w", err)
					}
				}
			}

			domain := crypto.DefaultDomain()
			domain.ChainID.SetInt64(chainID)
			sr, err := domain.SignRequest(signer, *req)
			if err != nil {
				return err
			}
			if !submit {
				return printJSON(cmd, sr)
			}
			if c == nil {
				return fmt.Errorf("--submit needs --node")
			}
			receipt, err := c.Submit(ctx, sr)
			if err != nil {
				return err
			}
			return printJSON(cmd, receipt)
		},
	}

	f := cli.root.Flags()
	f.StringVarP(&keyHex, "key", "k", "", "Hex private key (a new one is generated if empty)")
	f.StringVarP(&node, "node", "n", "", "Node API base URL, e.g. http://localhost:8080")
	f.Int64Var(&chainID, "chain-id", 1337, "Chain id of the signing domain")
	f.BoolVar(&submit, "submit", false, "Post the signed request to --node")
	f.StringVarP(&rf.action, "action", "a", "", "deposit, withdraw, makeOrder, cancelOrder or fillOrder")
	f.StringVar(&rf.asset, "asset", "", "Asset address for deposit/withdraw (empty for native)")
	f.StringVar(&rf.amount, "amount", "", "Amount for deposit/withdraw")
	f.StringVar(&rf.tokenGet, "token-get", "", "Asset the maker wants (empty for native)")
	f.StringVar(&rf.amountGet, "amount-get", "", "Amount the maker wants")
	f.StringVar(&rf.tokenGive, "token-give", "", "Asset the maker offers (empty for native)")
	f.StringVar(&rf.amountGive, "amount-give", "", "Amount the maker offers")
	f.Uint64Var(&rf.orderID, "order-id", 0, "Order id for cancelOrder/fillOrder")
	f.Uint64Var(&rf.nonce, "nonce", 0, "Request nonce (0: ask --node, or 1 offline)")
	_ = cli.root.MarkFlagRequired("action")

	return cli
}

func loadSigner(keyHex string) (*crypto.Signer, error) {
	if keyHex == "" {
		return crypto.GenerateKey()
	}
	return crypto.FromPrivateKeyHex(keyHex)
}

// build turns the flags into a request for caller and checks it is complete
func (rf requestFlags) build(caller common.Address) (*crypto.Request, error) {
	req := &crypto.Request{
		Action:  crypto.Action(rf.action),
		Caller:  caller,
		Nonce:   rf.nonce,
		OrderID: rf.orderID,
	}
	var err error
	if req.Asset, err = parseAsset("asset", rf.asset); err != nil {
		return nil, err
	}
	if req.TokenGet, err = parseAsset("token-get", rf.tokenGet); err != nil {
		return nil, err
	}
	if req.TokenGive, err = parseAsset("token-give", rf.tokenGive); err != nil {
		return nil, err
	}
	if req.Amount, err = parseAmount("amount", rf.amount); err != nil {
		return nil, err
	}
	if req.AmountGet, err = parseAmount("amount-get", rf.amountGet); err != nil {
		return nil, err
	}
	if req.AmountGive, err = parseAmount("amount-give", rf.amountGive); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

func parseAsset(flag, s string) (common.Address, error) {
	if s == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("--%s: %q is not an address", flag, s)
	}
	return common.HexToAddress(s), nil
}

// parseAmount returns nil for an empty flag
func parseAmount(flag, s string) (*uint256.Int, error) {
	if s == "" {
		return nil, nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("--%s: %w", flag, err)
	}
	return v, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
