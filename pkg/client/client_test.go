package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/tokenbook/pkg/api"
	"github.com/uhyunpark/tokenbook/pkg/app/core"
	"github.com/uhyunpark/tokenbook/pkg/app/core/eventlog"
	"github.com/uhyunpark/tokenbook/pkg/app/core/ledger"
	"github.com/uhyunpark/tokenbook/pkg/app/core/readmodel"
	"github.com/uhyunpark/tokenbook/pkg/app/exchange"
	"github.com/uhyunpark/tokenbook/pkg/crypto"
)

var tokenID = common.HexToAddress("0x7000000000000000000000000000000000000001")

func startNode(t *testing.T) (*exchange.App, *httptest.Server) {
	t.Helper()
	l, err := ledger.New(ledger.Config{
		FeeAccount: common.HexToAddress("0xFEE0000000000000000000000000000000000000"),
		FeePercent: 10,
		Custody:    common.HexToAddress("0xC000000000000000000000000000000000000000"),
	}, nil)
	require.NoError(t, err)
	app, err := exchange.New(l, crypto.DefaultDomain(), nil, readmodel.Config{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	srv := api.NewServer(app, api.Options{})
	srv.Start(ctx)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
	})
	return app, ts
}

func signAndSubmit(t *testing.T, c *Client, s *crypto.Signer, req crypto.Request) (*exchange.Receipt, error) {
	t.Helper()
	ctx := context.Background()
	nonce, err := c.NextNonce(ctx, s.Address())
	require.NoError(t, err)
	req.Caller, req.Nonce = s.Address(), nonce
	sr, err := crypto.DefaultDomain().SignRequest(s, req)
	require.NoError(t, err)
	return c.Submit(ctx, sr)
}

func TestClientSubmitAndFetch(t *testing.T) {
	_, ts := startNode(t)
	c := New(ts.URL)
	ctx := context.Background()
	alice, _ := crypto.GenerateKey()

	_, err := signAndSubmit(t, c, alice, crypto.Request{Action: crypto.ActionDeposit, Amount: uint256.NewInt(50)})
	require.NoError(t, err)
	rc, err := signAndSubmit(t, c, alice, crypto.Request{
		Action: crypto.ActionMakeOrder, TokenGet: tokenID, AmountGet: uint256.NewInt(10),
		TokenGive: core.NativeAsset, AmountGive: uint256.NewInt(5),
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rc.OrderID)

	head, err := c.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), head)

	events, err := c.Fetch(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.NoError(t, eventlog.Verify(0, common.Hash{}, events))

	info, err := c.Exchange(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.OrderCount)
}

func TestClientReturnsAPIError(t *testing.T) {
	_, ts := startNode(t)
	c := New(ts.URL)
	alice, _ := crypto.GenerateKey()

	_, err := signAndSubmit(t, c, alice, crypto.Request{Action: crypto.ActionFillOrder, OrderID: 7})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr), "got %v", err)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "order_not_found", apiErr.Kind)
}

func TestRemoteMaterializerFollowsNode(t *testing.T) {
	app, ts := startNode(t)
	alice := common.HexToAddress("0xAA00000000000000000000000000000000000000")

	notifier := NewHeadNotifier(ts.URL)
	m := readmodel.NewMaterializer(New(ts.URL), readmodel.Config{PollInterval: time.Hour, BatchSize: 2, MaxBackoff: 10 * time.Millisecond})
	m.WakeOn(notifier.Heads())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go notifier.Run(ctx)
	go m.Run(ctx)

	for i := uint64(1); i <= 3; i++ {
		_, err := app.Ledger().MakeOrder(alice, tokenID, uint256.NewInt(i), core.NativeAsset, uint256.NewInt(i))
		require.NoError(t, err)
	}

	// only head notifications can trigger the refresh; the poll is an hour
	require.Eventually(t, func() bool { return m.View().Seq == 3 }, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, m.View().OpenOrders(), 3)

	_, want := app.Ledger().Log().Head()
	assert.Equal(t, want, m.View().Hash)
}

func TestRoutePath(t *testing.T) {
	tests := []struct {
		req  crypto.Request
		want string
	}{
		{crypto.Request{Action: crypto.ActionDeposit}, "/api/v1/deposits"},
		{crypto.Request{Action: crypto.ActionWithdraw}, "/api/v1/withdrawals"},
		{crypto.Request{Action: crypto.ActionMakeOrder}, "/api/v1/orders"},
		{crypto.Request{Action: crypto.ActionCancelOrder, OrderID: 4}, "/api/v1/orders/4/cancel"},
		{crypto.Request{Action: crypto.ActionFillOrder, OrderID: 9}, "/api/v1/orders/9/fill"},
	}
	for _, tt := range tests {
		got, err := RoutePath(&tt.req)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
	_, err := RoutePath(&crypto.Request{Action: "bogus"})
	assert.ErrorIs(t, err, crypto.ErrMalformedRequest)
}
