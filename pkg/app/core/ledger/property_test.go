package ledger

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"pgregory.net/rapid"

	"github.com/uhyunpark/tokenbook/pkg/app/core"
)

// Random deposit/withdraw/make/cancel/fill sequences never create or destroy
// funds: per asset, the sum of ledger balances equals net deposits.
func TestPropertyConservation(t *testing.T) {
	holders := []common.Address{alice, bob, common.HexToAddress("0xCC00000000000000000000000000000000000000")}

	rapid.Check(t, func(rt *rapid.T) {
		l, err := New(Config{FeeAccount: feeAcct, FeePercent: rapid.Uint64Range(0, 100).Draw(rt, "fee")}, nil)
		if err != nil {
			rt.Fatal(err)
		}
		assets := []common.Address{core.NativeAsset, tokenID}
		// Only native funds enter, so token balances must stay zero
		net := map[common.Address]*uint256.Int{core.NativeAsset: new(uint256.Int), tokenID: new(uint256.Int)}

		steps := rapid.IntRange(1, 60).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			holder := rapid.SampledFrom(holders).Draw(rt, "holder")
			amount := uint256.NewInt(rapid.Uint64Range(1, 1_000_000).Draw(rt, "amount"))

			switch rapid.IntRange(0, 4).Draw(rt, "op") {
			case 0:
				if _, err := l.DepositNative(holder, amount); err != nil {
					rt.Fatalf("deposit: %v", err)
				}
				net[core.NativeAsset].Add(net[core.NativeAsset], amount)
			case 1:
				if _, err := l.WithdrawNative(holder, amount); err == nil {
					net[core.NativeAsset].Sub(net[core.NativeAsset], amount)
				} else if !errors.Is(err, ErrInsufficientBalance) {
					rt.Fatalf("withdraw: %v", err)
				}
			case 2:
				tokenGet := rapid.SampledFrom(assets).Draw(rt, "tokenGet")
				tokenGive := rapid.SampledFrom(assets).Draw(rt, "tokenGive")
				give := uint256.NewInt(rapid.Uint64Range(1, 1_000_000).Draw(rt, "give"))
				if _, err := l.MakeOrder(holder, tokenGet, amount, tokenGive, give); err != nil {
					rt.Fatalf("make: %v", err)
				}
			case 3:
				if n := l.OrderCount(); n > 0 {
					_ = l.CancelOrder(holder, rapid.Uint64Range(1, n).Draw(rt, "cancel"))
				}
			case 4:
				if n := l.OrderCount(); n > 0 {
					_ = l.FillOrder(holder, rapid.Uint64Range(1, n).Draw(rt, "fill"))
				}
			}
		}

		for _, asset := range assets {
			sum := new(uint256.Int)
			for _, h := range append(holders, feeAcct) {
				sum.Add(sum, l.BalanceOf(asset, h))
			}
			if core.IsNative(asset) && !sum.Eq(net[asset]) {
				rt.Fatalf("native balances sum to %s, net deposits %s", sum.Dec(), net[asset].Dec())
			}
			if !core.IsNative(asset) && !sum.IsZero() {
				rt.Fatalf("token balances sum to %s without any token deposit", sum.Dec())
			}
		}

		// Terminal sets stay disjoint
		for id := uint64(1); id <= l.OrderCount(); id++ {
			_, c := l.cancelled[id]
			_, f := l.filled[id]
			if c && f {
				rt.Fatalf("order %d both cancelled and filled", id)
			}
		}
	})
}
