package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"escrowdash/internal/config"
	"escrowdash/internal/dashboard"
	"escrowdash/internal/dealsync"
	"escrowdash/internal/escrow"
	"escrowdash/internal/hmacauth"
	"escrowdash/internal/idempotency"
	"escrowdash/internal/session"
	"escrowdash/internal/txflow"
	"escrowdash/internal/wallet"
)

// Dashboard is what the HTTP surface drives.
type Dashboard interface {
	Session() *session.Manager
	ListDeals(ctx context.Context) (dashboard.Listing, error)
	Deal(ctx context.Context, id uint64) dealsync.View
	TxStatus(id uint64) txflow.Record
	Execute(ctx context.Context, id uint64, action escrow.Action, p dashboard.ActionParams) (txflow.Record, error)
	Create(ctx context.Context, p dashboard.CreateParams) (txflow.Record, error)
	CreateStatus() txflow.Record
	Ping(ctx context.Context) error
}

type Server struct {
	cfg        *config.AppConfig
	app        Dashboard
	store      idempotency.Store
	hmac       *hmacauth.Verifier
	httpServer *http.Server
	metrics    *Metrics
	log        *zap.Logger
	dbHealthFn func(context.Context) error

	inflight sync.Map
}

func NewServer(cfg *config.AppConfig, app Dashboard, store idempotency.Store, metrics *Metrics, log *zap.Logger) *Server {
	if metrics == nil {
		metrics = NewMetrics()
	}
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("http")

	s := &Server{
		cfg:     cfg,
		app:     app,
		store:   store,
		metrics: metrics,
		log:     log,
		hmac: &hmacauth.Verifier{
			Secret:          cfg.Service.HMACSecret,
			MaxSkew:         cfg.Service.HMACClockSkew,
			SignatureHeader: cfg.Service.HMACSignatureHeader,
			TimestampHeader: cfg.Service.HMACTimestampHeader,
			Log:             log,
		},
	}
	if checker, ok := store.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}

	r := mux.NewRouter()
	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/session", s.handleSession).Methods(http.MethodGet)
	api.Handle("/session/connect", s.signed(s.handleConnect)).Methods(http.MethodPost)
	api.Handle("/session/disconnect", s.signed(s.handleDisconnect)).Methods(http.MethodPost)
	api.Handle("/session/switch-network", s.signed(s.handleSwitchNetwork)).Methods(http.MethodPost)

	api.HandleFunc("/deals", s.handleListDeals).Methods(http.MethodGet)
	api.Handle("/deals", s.signed(s.idempotent(s.handleCreate))).Methods(http.MethodPost)
	api.HandleFunc("/deals/tx", s.handleCreateStatus).Methods(http.MethodGet)
	api.HandleFunc("/deals/{id:[0-9]+}", s.handleDeal).Methods(http.MethodGet)
	api.HandleFunc("/deals/{id:[0-9]+}/tx", s.handleTxStatus).Methods(http.MethodGet)
	api.Handle("/deals/{id:[0-9]+}/actions/{action}", s.signed(s.idempotent(s.handleAction))).Methods(http.MethodPost)

	api.Handle("/metrics", metrics.handler()).Methods(http.MethodGet)
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	r.Use(requestIDMiddleware, s.accessLog)

	var handler http.Handler = handlers.RecoveryHandler(
		handlers.RecoveryLogger(zap.NewStdLog(log)),
		handlers.PrintRecoveryStack(true),
	)(r)
	if origins := cfg.Service.CORSOrigins; len(origins) > 0 {
		sigHeader, stampHeader := s.hmac.Headers()
		handler = handlers.CORS(
			handlers.AllowedOrigins(origins),
			handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost}),
			handlers.AllowedHeaders([]string{"Content-Type", headerIdempotencyKey, sigHeader, stampHeader}),
			handlers.ExposedHeaders([]string{headerRequestID, headerTxHash}),
		)(handler)
	}

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Start() error {
	s.log.Info("API listening", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) signed(h http.HandlerFunc) http.Handler {
	return s.hmac.Middleware(h)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newSessionView(s.app.Session()))
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Session().Connect(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionView(s.app.Session()))
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.app.Session().Disconnect()
	writeJSON(w, http.StatusOK, newSessionView(s.app.Session()))
}

// handleSwitchNetwork reports a failed switch in the body; the session itself survives it.
func (s *Server) handleSwitchNetwork(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Session().SwitchNetwork(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionView(s.app.Session()))
}

func (s *Server) handleListDeals(w http.ResponseWriter, r *http.Request) {
	listing, err := s.app.ListDeals(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	me := listing.Identity
	resp := listView{
		Identity:   me.Hex(),
		Total:      listing.Total,
		Deals:      make([]dealView, 0, len(listing.Deals)),
		Unreadable: listing.Unreadable,
		Stats:      listing.Stats,
	}
	for _, d := range listing.Deals {
		resp.Deals = append(resp.Deals, newDealView(d, me))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeal(w http.ResponseWriter, r *http.Request) {
	id, ok := dealID(w, r)
	if !ok {
		return
	}
	view := s.app.Deal(r.Context(), id)
	writeJSON(w, http.StatusOK, s.newDealPage(view))
}

func (s *Server) handleTxStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := dealID(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.newTxView(s.app.TxStatus(id)))
}

func (s *Server) handleCreateStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.newTxView(s.app.CreateStatus()))
}

type createRequest struct {
	Counterparty string `json:"counterparty"`
	Value        string `json:"value"`
	Reference    string `json:"reference"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var payload createRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json payload")
		return
	}
	if !common.IsHexAddress(payload.Counterparty) {
		writeJSONError(w, http.StatusBadRequest, "counterparty must be a hex address")
		return
	}
	value, err := escrow.ParseEther(payload.Value)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := s.app.Create(r.Context(), dashboard.CreateParams{
		Counterparty: common.HexToAddress(payload.Counterparty),
		Value:        value,
		Reference:    strings.TrimSpace(payload.Reference),
	})
	s.writeSubmission(w, r, rec, err)
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	id, ok := dealID(w, r)
	if !ok {
		return
	}
	action, err := escrow.ParseAction(mux.Vars(r)["action"])
	if err != nil {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}

	var params dashboard.ActionParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil && !errors.Is(err, io.EOF) {
		writeJSONError(w, http.StatusBadRequest, "invalid json payload")
		return
	}

	rec, err := s.app.Execute(r.Context(), id, action, params)
	s.writeSubmission(w, r, rec, err)
}

// writeSubmission answers 202 once a transaction is sent; its outcome is polled from /tx.
func (s *Server) writeSubmission(w http.ResponseWriter, r *http.Request, rec txflow.Record, err error) {
	if err != nil {
		s.writeError(w, r, err, withRecord(s.newTxView(rec)))
		return
	}
	w.Header().Set(headerTxHash, rec.TxHash)
	writeJSON(w, http.StatusAccepted, s.newTxView(rec))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{}

	start := time.Now()
	rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.app.Ping(rpcCtx); err != nil {
		rpcInfo.Error = err.Error()
		overallHealthy = false
	} else {
		rpcInfo.Connected = true
		rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status   string      `json:"status"`
		RPC      any         `json:"rpc"`
		Database any         `json:"database"`
		Session  sessionView `json:"session"`
	}{
		Status:   status,
		RPC:      rpcInfo,
		Database: dbInfo,
		Session:  newSessionView(s.app.Session()),
	}

	code := http.StatusOK
	if !overallHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func dealID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid deal id")
		return 0, false
	}
	return id, true
}

type errorBody struct {
	Error  string  `json:"error"`
	Record *txView `json:"record,omitempty"`
}

type errorOption func(*errorBody)

func withRecord(rec txView) errorOption {
	return func(b *errorBody) {
		if rec.Phase != txflow.Idle {
			b.Record = &rec
		}
	}
}

// statusFor maps the error taxonomy onto HTTP.
func statusFor(err error) int {
	var rejected *escrow.RemoteRejectedError
	var providerErr *session.ProviderError
	switch {
	case errors.Is(err, txflow.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, session.ErrWrongNetwork), errors.Is(err, session.ErrNotConnected):
		return http.StatusPreconditionFailed
	case errors.Is(err, wallet.ErrUserRejected), dashboard.IsInputError(err):
		return http.StatusBadRequest
	case errors.As(err, &rejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, wallet.ErrProviderUnavailable), errors.Is(err, escrow.ErrReadUnavailable):
		return http.StatusServiceUnavailable
	case errors.As(err, &providerErr):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error, opts ...errorOption) {
	code := statusFor(err)
	body := errorBody{Error: txflow.FailureMessage(err)}
	for _, opt := range opts {
		opt(&body)
	}
	if code >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.String("path", r.URL.Path), zap.String("request_id", r.Header.Get(headerRequestID)), zap.Error(err))
	}
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorBody{Error: msg})
}

const (
	headerRequestID = "X-Request-Id"
	headerTxHash    = "X-Tx-Hash"
)

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(headerRequestID, id)
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r)
	})
}

// statusRecorder remembers the status code written through it.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.metrics.incRequest(route, strconv.Itoa(rec.status/100)+"xx")
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", rec.status),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", r.Header.Get(headerRequestID)),
		)
	})
}
