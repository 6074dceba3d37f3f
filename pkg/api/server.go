// Package api exposes the node over REST and a WebSocket event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/custodex/pkg/app/dex"
	"github.com/uhyunpark/custodex/pkg/asset"
	"github.com/uhyunpark/custodex/pkg/event"
	"github.com/uhyunpark/custodex/pkg/exchange"
)

const (
	maxTxBytes        = 64 << 10
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// Server handles REST API and WebSocket connections
type Server struct {
	app     *dex.App
	router  *mux.Router
	hub     *Hub // WebSocket hub
	logger  *zap.Logger
	origins []string
}

// NewServer creates a new API server. An empty origins list allows the
// local frontend ports only.
func NewServer(app *dex.App, origins []string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000", "http://localhost:3001"}
	}

	s := &Server{
		app:     app,
		router:  mux.NewRouter(),
		hub:     NewHub(logger),
		logger:  logger,
		origins: origins,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// API v1 routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Transactions
	api.HandleFunc("/tx", s.handleSubmitTx).Methods("POST")
	api.HandleFunc("/tx/{hash}", s.handleGetReceipt).Methods("GET")

	// Exchange endpoints
	api.HandleFunc("/exchange", s.handleGetExchange).Methods("GET")
	api.HandleFunc("/balances/{asset}/{account}", s.handleGetBalance).Methods("GET")
	api.HandleFunc("/orders", s.handleGetOrders).Methods("GET")
	api.HandleFunc("/orders/{id:[0-9]+}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/events", s.handleGetEvents).Methods("GET")

	// Ledger endpoints
	api.HandleFunc("/tokens", s.handleGetTokens).Methods("GET")
	api.HandleFunc("/tokens/{asset}/balances/{account}", s.handleGetTokenBalance).Methods("GET")
	api.HandleFunc("/tokens/{asset}/allowances/{owner}/{spender}", s.handleGetAllowance).Methods("GET")
	api.HandleFunc("/accounts/{address}", s.handleGetAccount).Methods("GET")

	// Chain endpoints
	api.HandleFunc("/chain/status", s.handleGetChainStatus).Methods("GET")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	// Health check
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped with CORS
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start serves on addr until ctx is cancelled
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api_listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.hub.Close()
		return err
	case <-ctx.Done():
	}

	s.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleSubmitTx(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxTxBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read body", err.Error())
		return
	}

	hash, err := s.app.SubmitTx(body)
	if err != nil {
		code := dex.Code(err)
		status := http.StatusBadRequest
		switch {
		case errors.Is(err, dex.ErrStaleNonce), errors.Is(err, dex.ErrDuplicateTx):
			status = http.StatusConflict
		case code == "Internal":
			status = http.StatusInternalServerError
		}
		respondError(w, status, code, err.Error())
		return
	}

	respondJSON(w, SubmitTxResponse{Status: "submitted", Hash: hash})
}

func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	b, err := hexutil.Decode(mux.Vars(r)["hash"])
	if err != nil || len(b) != common.HashLength {
		respondError(w, http.StatusBadRequest, "invalid transaction hash", "")
		return
	}

	receipt, ok, err := s.app.Receipt(common.BytesToHash(b))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "receipt lookup failed", err.Error())
		return
	}
	if !ok {
		respondError(w, http.StatusNotFound, "transaction not found", "")
		return
	}
	respondJSON(w, receipt)
}

func (s *Server) handleGetExchange(w http.ResponseWriter, r *http.Request) {
	ex := s.app.Exchange()
	respondJSON(w, ExchangeInfo{
		Address:    ex.Address(),
		FeeAccount: ex.FeeAccount(),
		FeePercent: ex.FeePercent(),
		OrderCount: ex.OrderCount(),
		ChainID:    s.app.Domain().ChainID.Int64(),
	})
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	assetID, ok := parseAsset(vars["asset"])
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid asset", "")
		return
	}
	account, ok := parseAddress(vars["account"])
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid address", "")
		return
	}

	respondJSON(w, BalanceInfo{
		Asset:   assetID,
		Account: account,
		Balance: s.app.Exchange().BalanceOf(assetID, account),
	})
}

func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f exchange.OrderFilter

	if c := q.Get("creator"); c != "" {
		addr, ok := parseAddress(c)
		if !ok {
			respondError(w, http.StatusBadRequest, "invalid creator", "")
			return
		}
		f.Creator = addr
	}
	if st := q.Get("status"); st != "" {
		for _, name := range strings.Split(st, ",") {
			status, err := exchange.ParseStatus(strings.TrimSpace(name))
			if err != nil {
				respondError(w, http.StatusBadRequest, "invalid status", err.Error())
				return
			}
			f.Statuses = append(f.Statuses, status)
		}
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid limit", "")
			return
		}
		f.Limit = n
	}

	respondJSON(w, s.app.Exchange().Orders(f))
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid order id", "")
		return
	}

	ex := s.app.Exchange()
	o, err := ex.Order(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "order not found", err.Error())
		return
	}
	respondJSON(w, exchange.OrderView{Order: o, Status: ex.Status(id).String()})
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var since uint64
	if v := q.Get("since"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid since", "")
			return
		}
		since = n
	}
	limit := defaultEventLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid limit", "")
			return
		}
		limit = min(n, maxEventLimit)
	}

	evs, err := s.app.Events(since, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "event lookup failed", err.Error())
		return
	}
	if evs == nil {
		evs = []event.Event{}
	}
	respondJSON(w, evs)
}

func (s *Server) handleGetTokens(w http.ResponseWriter, r *http.Request) {
	exAddr := s.app.Exchange().Address()
	tokens := s.app.Registry().Tokens()

	response := make([]TokenInfo, len(tokens))
	for i, t := range tokens {
		response[i] = TokenInfo{
			Address:     t.Address(),
			Name:        t.Name(),
			Symbol:      t.Symbol(),
			Decimals:    t.Decimals(),
			TotalSupply: t.TotalSupply(),
			Custodied:   t.BalanceOf(exAddr),
		}
	}
	respondJSON(w, response)
}

func (s *Server) handleGetTokenBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tokenID, ok := parseAddress(vars["asset"])
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid token", "")
		return
	}
	account, ok := parseAddress(vars["account"])
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid address", "")
		return
	}
	tok, err := s.app.Registry().Token(tokenID)
	if err != nil {
		respondError(w, http.StatusNotFound, "token not found", err.Error())
		return
	}

	respondJSON(w, TokenBalance{Token: tokenID, Account: account, Balance: tok.BalanceOf(account)})
}

func (s *Server) handleGetAllowance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tokenID, ok1 := parseAddress(vars["asset"])
	owner, ok2 := parseAddress(vars["owner"])
	spender, ok3 := parseAddress(vars["spender"])
	if !ok1 || !ok2 || !ok3 {
		respondError(w, http.StatusBadRequest, "invalid address", "")
		return
	}
	tok, err := s.app.Registry().Token(tokenID)
	if err != nil {
		respondError(w, http.StatusNotFound, "token not found", err.Error())
		return
	}

	respondJSON(w, Allowance{Token: tokenID, Owner: owner, Spender: spender, Allowance: tok.Allowance(owner, spender)})
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(mux.Vars(r)["address"])
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid address", "")
		return
	}

	nonce := s.app.Nonce(addr)
	respondJSON(w, AccountInfo{
		Address:   addr,
		Nonce:     nonce,
		NextNonce: nonce + 1,
		Native:    s.app.Bank().BalanceOf(addr),
	})
}

func (s *Server) handleGetChainStatus(w http.ResponseWriter, r *http.Request) {
	hash := s.app.LastStateHash()
	respondJSON(w, ChainStatus{
		Height:      s.app.Height(),
		StateHash:   hexutil.Encode(hash[:]),
		MempoolSize: s.app.PendingTxs(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Broadcast Methods (called from the app hooks)
// ==============================

// BroadcastEvent pushes ev to the events channel, the trades or orders
// channel by kind, and the channel of every account it names.
func (s *Server) BroadcastEvent(ev event.Event) {
	channels := []string{"events"}
	switch ev.Kind {
	case event.KindTrade:
		channels = append(channels, "trades", "orders")
	case event.KindOrder, event.KindCancel:
		channels = append(channels, "orders")
	}
	for _, a := range ev.Accounts() {
		channels = append(channels, accountChannel(a))
	}

	for _, ch := range channels {
		s.hub.BroadcastToChannel(ch, WSMessage{Type: "event", Channel: ch, Data: ev})
	}
}

// BroadcastBlock pushes a commit notice to the blocks channel
func (s *Server) BroadcastBlock(height uint64, hash [32]byte, receipts []*dex.Receipt) {
	s.hub.BroadcastToChannel("blocks", WSMessage{
		Type:    "block",
		Channel: "blocks",
		Data:    BlockUpdate{Height: height, StateHash: hexutil.Encode(hash[:]), Txs: len(receipts)},
	})
}

// ==============================
// Helper Functions
// ==============================

func parseAddress(s string) (common.Address, bool) {
	if !common.IsHexAddress(s) {
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

// parseAsset accepts "native" for the chain's native asset
func parseAsset(s string) (common.Address, bool) {
	if strings.EqualFold(s, "native") {
		return asset.Native, true
	}
	return parseAddress(s)
}

func accountChannel(a common.Address) string {
	return "account:" + a.Hex()
}

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}
