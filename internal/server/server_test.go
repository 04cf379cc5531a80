package server

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"escrowdash/internal/config"
	"escrowdash/internal/dashboard"
	"escrowdash/internal/escrow"
	"escrowdash/internal/hmacauth"
	"escrowdash/internal/idempotency"
	"escrowdash/internal/session"
	"escrowdash/internal/wallet"
)

const (
	aliceHex = "0x00000000000000000000000000000000000a11ce"
	bobHex   = "0x0000000000000000000000000000000000000b0b"
)

var (
	alice = common.HexToAddress(aliceHex)
	bob   = common.HexToAddress(bobHex)
)

type fixture struct {
	provider *wallet.FakeProvider
	contract *escrow.FakeContract
	app      *dashboard.App
	store    *idempotency.MemoryStore
	srv      *Server
	secret   string
}

func newFixture(t *testing.T, secret string) *fixture {
	t.Helper()
	f := &fixture{
		provider: wallet.NewFakeProvider(config.BaseMainnet.ChainID, aliceHex, bobHex),
		contract: escrow.NewFakeContract(alice),
		store:    idempotency.NewMemoryStore(),
		secret:   secret,
	}
	f.contract.Seed(escrow.FakeDeal{Sender: alice, Recipient: bob, State: escrow.StateCreated, Value: big.NewInt(1e18)})
	f.contract.Seed(escrow.FakeDeal{Sender: bob, Recipient: bob, State: escrow.StateActive, Value: big.NewInt(2e18)})
	f.contract.Seed(escrow.FakeDeal{Sender: bob, Recipient: alice, State: escrow.StateActive, Value: big.NewInt(3e18)})

	cfg := &config.AppConfig{
		Network: config.BaseMainnet,
		Service: config.ServiceConfig{
			HMACSecret:        secret,
			HMACClockSkew:     time.Minute,
			IdempotencyWindow: time.Minute,
		},
	}
	metrics := NewMetrics()
	sess := session.New(f.provider, cfg.Network, zap.NewNop())
	f.app = dashboard.New(sess, f.contract, dashboard.Config{ResetDelay: time.Hour},
		dashboard.WithBinder(func(h *wallet.Handle) (escrow.Contract, error) {
			f.contract.From = h.Account
			return f.contract, nil
		}),
		dashboard.WithMetrics(metrics),
	)
	t.Cleanup(f.app.Close)
	f.srv = NewServer(cfg, f.app, f.store, metrics, zap.NewNop())
	return f
}

func (f *fixture) do(t *testing.T, method, path, key string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	if key != "" {
		req.Header.Set(headerIdempotencyKey, key)
	}
	if f.secret != "" {
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		req.Header.Set(hmacauth.HeaderTimestamp, ts)
		req.Header.Set(hmacauth.HeaderSignature, hmacauth.Sign(f.secret, ts, payload))
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (f *fixture) connect(t *testing.T) {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/v1/session/connect", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

type txBody struct {
	Action  string `json:"action"`
	Phase   string `json:"phase"`
	Message string `json:"message"`
	TxHash  string `json:"txHash"`
	TxURL   string `json:"txUrl"`
}

type errBody struct {
	Error  string  `json:"error"`
	Record *txBody `json:"record"`
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestSessionLifecycle(t *testing.T) {
	f := newFixture(t, "")

	rec := f.do(t, http.MethodGet, "/api/v1/session", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[sessionView](t, rec)
	assert.False(t, view.Connected)
	assert.Equal(t, "Base", view.Network)
	assert.NotEmpty(t, rec.Header().Get(headerRequestID))

	f.connect(t)
	view = decode[sessionView](t, f.do(t, http.MethodGet, "/api/v1/session", "", nil))
	assert.True(t, view.Connected)
	assert.Equal(t, alice.Hex(), view.Account)
	assert.False(t, view.WrongNetwork)

	f.provider.EmitChain(1)
	view = decode[sessionView](t, f.do(t, http.MethodGet, "/api/v1/session", "", nil))
	assert.True(t, view.WrongNetwork)

	rec = f.do(t, http.MethodPost, "/api/v1/session/switch-network", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, decode[sessionView](t, rec).WrongNetwork)

	rec = f.do(t, http.MethodPost, "/api/v1/session/disconnect", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[sessionView](t, rec).Connected)
}

func TestConnectRejectedInWallet(t *testing.T) {
	f := newFixture(t, "")
	f.provider.FailNext(wallet.MethodRequestAccounts, &wallet.RPCError{Code: wallet.CodeUserRejected, Message: "denied"})

	rec := f.do(t, http.MethodPost, "/api/v1/session/connect", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Transaction rejected in wallet", decode[errBody](t, rec).Error)
}

func TestDealPage(t *testing.T) {
	f := newFixture(t, "")
	f.connect(t)

	rec := f.do(t, http.MethodGet, "/api/v1/deals/2", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[struct {
		ID          uint64 `json:"id"`
		Exists      bool   `json:"exists"`
		Unavailable bool   `json:"unavailable"`
		Deal        struct {
			Initiator    string   `json:"initiator"`
			State        string   `json:"state"`
			CurrentValue string   `json:"currentValue"`
			Role         string   `json:"role"`
			Actions      []string `json:"actions"`
		} `json:"deal"`
		Tx txBody `json:"tx"`
	}](t, rec)

	assert.True(t, page.Exists)
	assert.False(t, page.Unavailable)
	assert.Equal(t, bob.Hex(), page.Deal.Initiator)
	assert.Equal(t, escrow.StateActive.String(), page.Deal.State)
	assert.Equal(t, "3", page.Deal.CurrentValue)
	assert.Equal(t, "counterparty", page.Deal.Role)
	assert.Contains(t, page.Deal.Actions, string(escrow.ActionFinalizeStable))
	assert.Equal(t, "idle", page.Tx.Phase)
}

func TestDealPageForMissingAndUnreadableDeals(t *testing.T) {
	f := newFixture(t, "")

	page := decode[dealPageBody](t, f.do(t, http.MethodGet, "/api/v1/deals/99", "", nil))
	assert.False(t, page.Exists)
	assert.False(t, page.Unavailable)
	assert.Nil(t, page.Deal)

	f.contract.SetReadError(1, context.DeadlineExceeded)
	page = decode[dealPageBody](t, f.do(t, http.MethodGet, "/api/v1/deals/1", "", nil))
	assert.True(t, page.Unavailable)
	assert.Nil(t, page.Deal)
}

type dealPageBody struct {
	Exists      bool `json:"exists"`
	Unavailable bool `json:"unavailable"`
	Deal        *struct {
		State string `json:"state"`
	} `json:"deal"`
}

func TestListDealsRequiresConnection(t *testing.T) {
	f := newFixture(t, "")

	rec := f.do(t, http.MethodGet, "/api/v1/deals", "", nil)
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)

	f.connect(t)
	rec = f.do(t, http.MethodGet, "/api/v1/deals", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Identity string `json:"identity"`
		Total    uint64 `json:"total"`
		Deals    []struct {
			ID   uint64 `json:"id"`
			Role string `json:"role"`
		} `json:"deals"`
		Stats struct {
			Total   int `json:"total"`
			Created int `json:"created"`
			Active  int `json:"active"`
		} `json:"stats"`
	}](t, rec)

	assert.Equal(t, alice.Hex(), list.Identity)
	assert.EqualValues(t, 3, list.Total)
	require.Len(t, list.Deals, 2)
	assert.EqualValues(t, 0, list.Deals[0].ID)
	assert.Equal(t, "initiator", list.Deals[0].Role)
	assert.EqualValues(t, 2, list.Deals[1].ID)
	assert.Equal(t, "counterparty", list.Deals[1].Role)
	assert.Equal(t, 2, list.Stats.Total)
	assert.Equal(t, 1, list.Stats.Created)
	assert.Equal(t, 1, list.Stats.Active)
}

func TestActionIsIdempotent(t *testing.T) {
	f := newFixture(t, "")
	f.connect(t)

	first := f.do(t, http.MethodPost, "/api/v1/deals/0/actions/activate", "key-1", nil)
	require.Equal(t, http.StatusAccepted, first.Code, first.Body.String())
	tx := decode[txBody](t, first)
	assert.Equal(t, "Activate Deal", tx.Action)
	assert.NotEmpty(t, tx.TxHash)
	assert.Equal(t, "https://basescan.org/tx/"+tx.TxHash, tx.TxURL)
	assert.Equal(t, tx.TxHash, first.Header().Get(headerTxHash))

	second := f.do(t, http.MethodPost, "/api/v1/deals/0/actions/activate", "key-1", nil)
	require.Equal(t, http.StatusAccepted, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, tx.TxHash, second.Header().Get(headerTxHash))
	assert.Equal(t, []string{"activateDeal"}, f.contract.Sent())

	stored, err := f.store.Get(context.Background(), "key-1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, tx.TxHash, stored.TxHash)

	require.Eventually(t, func() bool {
		rec := f.do(t, http.MethodGet, "/api/v1/deals/0/tx", "", nil)
		return decode[txBody](t, rec).Phase == "succeeded"
	}, time.Second, 5*time.Millisecond)

	deal, _ := f.contract.Deal(0)
	assert.Equal(t, escrow.StateActive, deal.State)
}

func TestIdempotencyKeyChecks(t *testing.T) {
	f := newFixture(t, "")
	f.connect(t)

	rec := f.do(t, http.MethodPost, "/api/v1/deals/0/actions/activate", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/deals/0/actions/activate", "shared", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/deals/2/actions/finalize-stable", "shared", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, decode[errBody](t, rec).Error, "different request")
	assert.Equal(t, []string{"activateDeal"}, f.contract.Sent())
}

func TestRemoteRejectionIsStored(t *testing.T) {
	f := newFixture(t, "")
	f.connect(t)

	rec := f.do(t, http.MethodPost, "/api/v1/deals/1/actions/activate", "k", nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body := decode[errBody](t, rec)
	assert.Equal(t, "not created", body.Error)
	require.NotNil(t, body.Record)
	assert.Equal(t, "failed", body.Record.Phase)

	again := f.do(t, http.MethodPost, "/api/v1/deals/1/actions/activate", "k", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, again.Code)
	assert.Equal(t, rec.Body.String(), again.Body.String())
}

func TestWriteErrorMapping(t *testing.T) {
	f := newFixture(t, "")

	rec := f.do(t, http.MethodPost, "/api/v1/deals/0/actions/activate", "a", nil)
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)

	f.connect(t)
	f.provider.EmitChain(1)
	rec = f.do(t, http.MethodPost, "/api/v1/deals/0/actions/activate", "b", nil)
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
	f.provider.EmitChain(config.BaseMainnet.ChainID)

	rec = f.do(t, http.MethodPost, "/api/v1/deals/2/actions/open-dispute", "c", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.contract.FailTransact(&wallet.RPCError{Code: wallet.CodeUserRejected, Message: "denied"})
	rec = f.do(t, http.MethodPost, "/api/v1/deals/0/actions/activate", "d", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/deals/0/actions/teleport", "e", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	assert.Empty(t, f.contract.Sent())
}

func TestBusyDealReturnsConflict(t *testing.T) {
	f := newFixture(t, "")
	f.connect(t)
	f.contract.PauseMining()
	t.Cleanup(f.contract.ResumeMining)

	rec := f.do(t, http.MethodPost, "/api/v1/deals/2/actions/finalize-stable", "one", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "awaiting_confirmation", decode[txBody](t, rec).Phase)

	rec = f.do(t, http.MethodPost, "/api/v1/deals/2/actions/expire", "two", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, []string{"finalizeToStable"}, f.contract.Sent())

	rec = f.do(t, http.MethodPost, "/api/v1/deals/0/actions/activate", "three", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestCreateDeal(t *testing.T) {
	f := newFixture(t, "")
	f.connect(t)

	rec := f.do(t, http.MethodPost, "/api/v1/deals", "new", createRequest{Counterparty: bobHex, Value: "0.5", Reference: "inv-7"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "Create Deal", decode[txBody](t, rec).Action)

	deal, ok := f.contract.Deal(3)
	require.True(t, ok)
	assert.Equal(t, alice, deal.Sender)
	assert.Equal(t, "500000000000000000", deal.Value.String())
	assert.Equal(t, "inv-7", deal.OffchainRef)

	rec = f.do(t, http.MethodPost, "/api/v1/deals", "bad", createRequest{Counterparty: "nobody", Value: "1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	require.Eventually(t, func() bool {
		return decode[txBody](t, f.do(t, http.MethodGet, "/api/v1/deals/tx", "", nil)).Phase == "succeeded"
	}, time.Second, 5*time.Millisecond)
}

func TestSignedRoutes(t *testing.T) {
	f := newFixture(t, "s3cret")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/session/connect", nil)
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	f.connect(t)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/session", nil)
	rec = httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSignedRoutesHonorConfiguredHeaders(t *testing.T) {
	f := newFixture(t, "")
	cfg := &config.AppConfig{
		Network: config.BaseMainnet,
		Service: config.ServiceConfig{
			HMACSecret:          "s3cret",
			HMACClockSkew:       time.Minute,
			HMACSignatureHeader: "X-Dash-Signature",
			HMACTimestampHeader: "X-Dash-Timestamp",
			CORSOrigins:         []string{"https://dash.example"},
		},
	}
	srv := NewServer(cfg, f.app, f.store, nil, nil)

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig := hmacauth.Sign("s3cret", ts, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/session/connect", nil)
	req.Header.Set(hmacauth.HeaderTimestamp, ts)
	req.Header.Set(hmacauth.HeaderSignature, sig)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/session/connect", nil)
	req.Header.Set("X-Dash-Timestamp", ts)
	req.Header.Set("X-Dash-Signature", sig)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	req = httptest.NewRequest(http.MethodOptions, "/api/v1/session/connect", nil)
	req.Header.Set("Origin", "https://dash.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "X-Dash-Signature")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://dash.example", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, "")
	f.connect(t)

	rec := f.do(t, http.MethodGet, "/api/v1/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode[struct {
		Status string `json:"status"`
		RPC    struct {
			Connected bool `json:"connected"`
		} `json:"rpc"`
		Session sessionView `json:"session"`
	}](t, rec)
	assert.Equal(t, "healthy", health.Status)
	assert.True(t, health.RPC.Connected)
	assert.True(t, health.Session.Connected)

	f.do(t, http.MethodPost, "/api/v1/deals/0/actions/activate", "m", nil)
	rec = f.do(t, http.MethodGet, "/api/v1/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `escrowdash_tx_phases_total{action="Activate Deal",phase="awaiting_approval"} 1`)
	assert.Contains(t, rec.Body.String(), `escrowdash_idempotent_writes_total{outcome="stored"} 1`)
	assert.Contains(t, rec.Body.String(), `escrowdash_http_requests_total{code="2xx",route="/api/v1/session/connect"} 1`)
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{wallet.ErrProviderUnavailable, http.StatusServiceUnavailable},
		{&session.ProviderError{Op: "connect", Err: assert.AnError}, http.StatusBadGateway},
		{&escrow.RemoteRejectedError{Reason: "nope"}, http.StatusUnprocessableEntity},
		{escrow.ErrReadUnavailable, http.StatusServiceUnavailable},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.code, statusFor(tc.err), tc.err.Error())
	}
}

func TestCORSForConfiguredOrigins(t *testing.T) {
	f := newFixture(t, "")
	cfg := &config.AppConfig{
		Network: config.BaseMainnet,
		Service: config.ServiceConfig{CORSOrigins: []string{"https://dash.example"}},
	}
	srv := NewServer(cfg, f.app, f.store, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/session", nil)
	req.Header.Set("Origin", "https://dash.example")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://dash.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/v1/session", nil)
	req.Header.Set("Origin", "https://elsewhere.example")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
