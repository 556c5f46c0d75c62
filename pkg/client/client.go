// Package client talks to a node's HTTP API. It provides the remote
// EventSource and head notifier a client-side read model runs on.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/tokenbook/pkg/api"
	"github.com/uhyunpark/tokenbook/pkg/app/core/eventlog"
	"github.com/uhyunpark/tokenbook/pkg/app/core/readmodel"
	"github.com/uhyunpark/tokenbook/pkg/app/exchange"
	"github.com/uhyunpark/tokenbook/pkg/crypto"
)

// APIError is a non-2xx response from the node
type APIError struct {
	Status  int
	Kind    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("node returned %d %s: %s", e.Status, e.Kind, e.Message)
}

type Client struct {
	base string
	http *http.Client
}

// New returns a client for a node at baseURL, e.g. http://localhost:8080
func New(baseURL string) *Client {
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var body api.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			body.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Kind: body.Error, Message: body.Message}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

// Head implements readmodel.EventSource
func (c *Client) Head(ctx context.Context) (uint64, error) {
	var h api.HeadInfo
	if err := c.do(ctx, http.MethodGet, "/api/v1/events/head", nil, &h); err != nil {
		return 0, err
	}
	return h.Seq, nil
}

// Fetch implements readmodel.EventSource
func (c *Client) Fetch(ctx context.Context, from uint64, limit int) ([]eventlog.Event, error) {
	q := url.Values{}
	q.Set("from", strconv.FormatUint(from, 10))
	q.Set("limit", strconv.Itoa(limit))

	var page api.EventsPage
	if err := c.do(ctx, http.MethodGet, "/api/v1/events?"+q.Encode(), nil, &page); err != nil {
		return nil, err
	}
	return page.Events, nil
}

func (c *Client) Exchange(ctx context.Context) (*exchange.Info, error) {
	var info exchange.Info
	if err := c.do(ctx, http.MethodGet, "/api/v1/exchange", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// NextNonce returns the nonce caller should sign next
func (c *Client) NextNonce(ctx context.Context, caller common.Address) (uint64, error) {
	var n api.NonceInfo
	if err := c.do(ctx, http.MethodGet, "/api/v1/nonces/"+caller.Hex(), nil, &n); err != nil {
		return 0, err
	}
	return n.Next, nil
}

// Submit posts a signed request to the route for its action
func (c *Client) Submit(ctx context.Context, sr *crypto.SignedRequest) (*exchange.Receipt, error) {
	path, err := RoutePath(&sr.Request)
	if err != nil {
		return nil, err
	}
	var rc exchange.Receipt
	if err := c.do(ctx, http.MethodPost, path, sr, &rc); err != nil {
		return nil, err
	}
	return &rc, nil
}

// RoutePath returns the API path a request is posted to
func RoutePath(r *crypto.Request) (string, error) {
	switch r.Action {
	case crypto.ActionDeposit:
		return "/api/v1/deposits", nil
	case crypto.ActionWithdraw:
		return "/api/v1/withdrawals", nil
	case crypto.ActionMakeOrder:
		return "/api/v1/orders", nil
	case crypto.ActionCancelOrder:
		return fmt.Sprintf("/api/v1/orders/%d/cancel", r.OrderID), nil
	case crypto.ActionFillOrder:
		return fmt.Sprintf("/api/v1/orders/%d/fill", r.OrderID), nil
	default:
		return "", fmt.Errorf("%w: unknown action %q", crypto.ErrMalformedRequest, r.Action)
	}
}

var _ readmodel.EventSource = (*Client)(nil)
