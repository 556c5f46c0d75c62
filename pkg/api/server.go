package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/tokenbook/pkg/app/core/eventlog"
	"github.com/uhyunpark/tokenbook/pkg/app/core/ledger"
	"github.com/uhyunpark/tokenbook/pkg/app/core/readmodel"
	"github.com/uhyunpark/tokenbook/pkg/app/exchange"
	"github.com/uhyunpark/tokenbook/pkg/crypto"
)

const (
	defaultEventLimit = 500
	maxEventLimit     = 1000
	maxBodyBytes      = 64 << 10
)

type Options struct {
	CORSOrigins []string
	Logger      *zap.SugaredLogger
}

// Server handles REST API and WebSocket connections
type Server struct {
	app    *exchange.App
	router *mux.Router
	hub    *Hub
	logger *zap.SugaredLogger
	opts   Options

	ctx       context.Context
	startOnce sync.Once
}

func NewServer(app *exchange.App, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"http://localhost:3000"}
	}
	s := &Server{
		app:    app,
		router: mux.NewRouter(),
		hub:    NewHub(opts.Logger),
		logger: opts.Logger,
		opts:   opts,
		ctx:    context.Background(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestID)

	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/exchange", s.handleGetExchange).Methods("GET")
	api.HandleFunc("/balances/{asset}/{holder}", s.handleGetBalance).Methods("GET")
	api.HandleFunc("/nonces/{caller}", s.handleGetNonce).Methods("GET")

	// Read model
	api.HandleFunc("/book", s.handleGetBook).Methods("GET")
	api.HandleFunc("/trades", s.handleGetTrades).Methods("GET")
	api.HandleFunc("/orders/open", s.handleGetOpenOrders).Methods("GET")
	api.HandleFunc("/accounts/{holder}/orders", s.handleGetAccountOrders).Methods("GET")

	api.HandleFunc("/orders/{id:[0-9]+}", s.handleGetOrder).Methods("GET")

	// Signed requests
	api.HandleFunc("/deposits", s.submit(crypto.ActionDeposit)).Methods("POST")
	api.HandleFunc("/withdrawals", s.submit(crypto.ActionWithdraw)).Methods("POST")
	api.HandleFunc("/orders", s.submit(crypto.ActionMakeOrder)).Methods("POST")
	api.HandleFunc("/orders/{id:[0-9]+}/cancel", s.submit(crypto.ActionCancelOrder)).Methods("POST")
	api.HandleFunc("/orders/{id:[0-9]+}/fill", s.submit(crypto.ActionFillOrder)).Methods("POST")
	api.HandleFunc("/native", s.handleBareNative).Methods("POST")

	// Event log
	api.HandleFunc("/events", s.handleGetEvents).Methods("GET")
	api.HandleFunc("/events/head", s.handleGetHead).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped in CORS
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start runs the WebSocket hub and pushes every new log head to it until
// ctx is cancelled. Only the first call has any effect; a Handler served
// without Start gets its hub started by the first /ws connection, bound to
// context.Background.
func (s *Server) Start(ctx context.Context) {
	s.startOnce.Do(func() { s.start(ctx) })
}

func (s *Server) start(ctx context.Context) {
	s.ctx = ctx
	go s.hub.Run(ctx)

	heads, unsubscribe := s.app.Ledger().Log().Subscribe()
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case seq := <-heads:
				s.hub.Broadcast(WSMessage{Type: WSTypeHead, Seq: seq})
			}
		}
	}()
}

// ListenAndServe serves on addr until ctx is cancelled
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.Start(ctx)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Infow("api_server_starting", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// requestID tags every request with an X-Request-ID and logs it
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)

		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debugw("api_request", "id", id, "method", r.Method, "path", r.URL.Path, "took", time.Since(start))
	})
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleGetExchange(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.app.Info())
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	asset, ok := parseAddress(w, vars["asset"])
	if !ok {
		return
	}
	holder, ok := parseAddress(w, vars["holder"])
	if !ok {
		return
	}
	respondJSON(w, BalanceInfo{
		Asset:   asset,
		Holder:  holder,
		Balance: s.app.Ledger().BalanceOf(asset, holder),
	})
}

func (s *Server) handleGetNonce(w http.ResponseWriter, r *http.Request) {
	caller, ok := parseAddress(w, mux.Vars(r)["caller"])
	if !ok {
		return
	}
	last := s.app.Nonce(caller)
	respondJSON(w, NonceInfo{Caller: caller, Last: last, Next: last + 1})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_order_id", err.Error())
		return
	}
	o, err := s.app.Ledger().Order(id)
	if err != nil {
		respondLedgerError(w, err)
		return
	}
	st, err := s.app.Ledger().OrderState(id)
	if err != nil {
		respondLedgerError(w, err)
		return
	}
	respondJSON(w, OrderInfo{Order: o, State: st.String()})
}

func (s *Server) handleGetBook(w http.ResponseWriter, r *http.Request) {
	v := s.app.View()
	respondJSON(w, ViewInfo[readmodel.OrderBook]{Seq: v.Seq, Data: v.OrderBook()})
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	v := s.app.View()
	respondJSON(w, ViewInfo[[]readmodel.DecoratedTrade]{Seq: v.Seq, Data: v.DecoratedFilledOrders()})
}

func (s *Server) handleGetOpenOrders(w http.ResponseWriter, r *http.Request) {
	v := s.app.View()
	open := v.OpenOrders()
	out := make([]readmodel.DecoratedOrder, len(open))
	for i, o := range open {
		out[i] = readmodel.Decorate(o)
	}
	respondJSON(w, ViewInfo[[]readmodel.DecoratedOrder]{Seq: v.Seq, Data: out})
}

// handleGetAccountOrders serves ?state=open (default) or ?state=filled
func (s *Server) handleGetAccountOrders(w http.ResponseWriter, r *http.Request) {
	holder, ok := parseAddress(w, mux.Vars(r)["holder"])
	if !ok {
		return
	}
	v := s.app.View()
	switch state := r.URL.Query().Get("state"); state {
	case "", "open":
		respondJSON(w, ViewInfo[[]readmodel.MyOrder]{Seq: v.Seq, Data: v.MyOpenOrders(holder)})
	case "filled":
		respondJSON(w, ViewInfo[[]readmodel.MyOrder]{Seq: v.Seq, Data: v.MyFilledOrders(holder)})
	default:
		respondError(w, http.StatusBadRequest, "invalid_state", "state must be open or filled, got "+state)
	}
}

// submit returns a handler for one signed action. The envelope's action
// must match the route, and for order routes so must the id.
func (s *Server) submit(action crypto.Action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var sr crypto.SignedRequest
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_body", err.Error())
			return
		}
		if err := json.Unmarshal(body, &sr); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
			return
		}
		if sr.Request.Action != action {
			respondError(w, http.StatusBadRequest, "action_mismatch", "route expects "+string(action)+", got "+string(sr.Request.Action))
			return
		}
		if idStr, ok := mux.Vars(r)["id"]; ok {
			if id, err := strconv.ParseUint(idStr, 10, 64); err != nil || id != sr.Request.OrderID {
				respondError(w, http.StatusBadRequest, "order_id_mismatch", "path id "+idStr+" does not match signed orderId")
				return
			}
		}

		rc, err := s.app.Submit(&sr)
		if err != nil {
			respondLedgerError(w, err)
			return
		}
		s.logger.Infow("request_accepted", "action", rc.Action, "caller", rc.Caller.Hex(), "nonce", rc.Nonce, "order", rc.OrderID)

		status := http.StatusOK
		if action == crypto.ActionMakeOrder {
			status = http.StatusCreated
		}
		respondJSONStatus(w, status, rc)
	}
}

// handleBareNative rejects native funds sent without a deposit operation
func (s *Server) handleBareNative(w http.ResponseWriter, r *http.Request) {
	respondError(w, http.StatusBadRequest, "no_operation", "native funds must be sent with a signed deposit to /api/v1/deposits")
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := queryUint(q.Get("from"), 1)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_from", err.Error())
		return
	}
	limit, err := queryUint(q.Get("limit"), defaultEventLimit)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_limit", err.Error())
		return
	}
	if limit == 0 || limit > maxEventLimit {
		limit = maxEventLimit
	}

	log := s.app.Ledger().Log()
	events := log.Range(from, int(limit))
	if events == nil {
		events = []eventlog.Event{}
	}
	respondJSON(w, EventsPage{Events: events, Head: log.Len()})
}

func (s *Server) handleGetHead(w http.ResponseWriter, r *http.Request) {
	seq, hash := s.app.Ledger().Log().Head()
	respondJSON(w, HeadInfo{Seq: seq, Hash: hash})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, HealthInfo{
		Status:    "ok",
		Head:      s.app.Ledger().Log().Len(),
		ViewSeq:   s.app.View().Seq,
		WSClients: s.hub.Clients(),
	})
}

// ==============================
// Helper Functions
// ==============================

func queryUint(v string, def uint64) (uint64, error) {
	if v == "" {
		return def, nil
	}
	return strconv.ParseUint(v, 10, 64)
}

func parseAddress(w http.ResponseWriter, s string) (common.Address, bool) {
	if !common.IsHexAddress(s) {
		respondError(w, http.StatusBadRequest, "invalid_address", s)
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

// errorKinds maps error sentinels to a status and a stable kind string
var errorKinds = []struct {
	err    error
	status int
	kind   string
}{
	{ledger.ErrOrderNotFound, http.StatusNotFound, "order_not_found"},
	{ledger.ErrNotOwner, http.StatusForbidden, "not_owner"},
	{crypto.ErrBadSignature, http.StatusUnauthorized, "bad_signature"},
	{crypto.ErrMalformedRequest, http.StatusBadRequest, "malformed_request"},
	{ledger.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{ledger.ErrAssetMismatch, http.StatusBadRequest, "asset_mismatch"},
	{ledger.ErrUnknownAsset, http.StatusBadRequest, "unknown_asset"},
	{exchange.ErrNonceTooLow, http.StatusConflict, "nonce_too_low"},
	{ledger.ErrInsufficientBalance, http.StatusConflict, "insufficient_balance"},
	{ledger.ErrAlreadyFinalized, http.StatusConflict, "already_finalized"},
	{ledger.ErrSelfTrade, http.StatusConflict, "self_trade"},
	{ledger.ErrAmountOverflow, http.StatusConflict, "amount_overflow"},
	{ledger.ErrTransferFailed, http.StatusConflict, "transfer_failed"},
}

func respondLedgerError(w http.ResponseWriter, err error) {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			respondError(w, k.status, k.kind, err.Error())
			return
		}
	}
	respondError(w, http.StatusInternalServerError, "internal", err.Error())
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	respondJSONStatus(w, http.StatusOK, data)
}

func respondJSONStatus(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, kind, message string) {
	respondJSONStatus(w, status, ErrorResponse{Error: kind, Message: message})
}
