// Package dashboard wires the session, the contract gateway and the per-deal views into the one
// object the HTTP and CLI surfaces talk to.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"escrowdash/internal/dealsync"
	"escrowdash/internal/escrow"
	"escrowdash/internal/scanner"
	"escrowdash/internal/session"
	"escrowdash/internal/txflow"
	"escrowdash/internal/wallet"
)

// Metrics is everything the components below report.
type Metrics interface {
	escrow.Metrics
	txflow.Metrics
	scanner.Metrics
}

// Binder turns a session handle into a signing contract.
type Binder func(handle *wallet.Handle) (escrow.Contract, error)

type Config struct {
	Address         common.Address
	ResetDelay      time.Duration
	EventLookback   uint64
	ScanConcurrency int
	ScanMaxDeals    uint64
}

type Option func(*App)

func WithBinder(b Binder) Option {
	return func(a *App) { a.bind = b }
}

func WithLogger(log *zap.Logger) Option {
	return func(a *App) { a.log = log }
}

func WithMetrics(m Metrics) Option {
	return func(a *App) { a.metrics = m }
}

type dealEntry struct {
	sync *dealsync.Synchronizer
	tx   *txflow.Orchestrator
}

// App owns the session and rebuilds the gateway whenever the session's handle changes.
type App struct {
	cfg      Config
	session  *session.Manager
	readOnly escrow.Contract
	bind     Binder
	log      *zap.Logger
	metrics  Metrics

	mu      sync.RWMutex
	handle  *wallet.Handle
	gateway *escrow.Gateway
	deals   map[uint64]*dealEntry
	create  *txflow.Orchestrator

	unsubscribe func()
}

// New builds the app. readOnly serves reads while no wallet is connected and may be nil when
// the node endpoint is unknown.
func New(sess *session.Manager, readOnly escrow.Contract, cfg Config, opts ...Option) *App {
	a := &App{
		cfg:      cfg,
		session:  sess,
		readOnly: readOnly,
		log:      zap.NewNop(),
		deals:    make(map[uint64]*dealEntry),
	}
	a.bind = func(h *wallet.Handle) (escrow.Contract, error) {
		return escrow.Bind(cfg.Address, h)
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.Named("dashboard")
	a.create = a.newOrchestrator(nil)

	a.rebind(sess.State())
	a.unsubscribe = sess.Subscribe(a.rebind)
	return a
}

func (a *App) Close() {
	a.unsubscribe()
	a.session.Close()
}

func (a *App) Session() *session.Manager { return a.session }

// Gateway is the facade for the current handle.
func (a *App) Gateway() *escrow.Gateway {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.gateway
}

func (a *App) rebind(st session.State) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.gateway != nil && st.Handle == a.handle {
		return
	}
	a.handle = st.Handle

	var writer escrow.Contract
	if st.Handle != nil {
		bound, err := a.bind(st.Handle)
		if err != nil {
			a.log.Warn("cannot bind contract to wallet", zap.Error(err))
		} else {
			writer = bound
		}
	}
	reader := a.readOnly
	if writer != nil {
		reader = writer
	}
	if reader == nil {
		reader = unavailable{}
	}

	gwOpts := []escrow.Option{
		escrow.WithLogger(a.log),
		escrow.WithWriteGate(func() error { return a.session.State().CanWrite() }),
	}
	if a.cfg.EventLookback > 0 {
		gwOpts = append(gwOpts, escrow.WithEventLookback(a.cfg.EventLookback))
	}
	if a.metrics != nil {
		gwOpts = append(gwOpts, escrow.WithMetrics(a.metrics))
	}
	a.gateway = escrow.NewGateway(reader, writer, gwOpts...)
	a.log.Debug("gateway rebuilt", zap.Bool("writable", writer != nil))
}

func (a *App) ReadAgreement(ctx context.Context, id uint64) (*escrow.Snapshot, bool) {
	return a.Gateway().ReadAgreement(ctx, id)
}

func (a *App) QueryEvents(ctx context.Context, id uint64) []escrow.EventRecord {
	return a.Gateway().QueryEvents(ctx, id)
}

func (a *App) CountAgreements(ctx context.Context) (uint64, error) {
	return a.Gateway().CountAgreements(ctx)
}

func (a *App) newOrchestrator(refresh func(context.Context)) *txflow.Orchestrator {
	opts := []txflow.Option{txflow.WithLogger(a.log)}
	if a.cfg.ResetDelay > 0 {
		opts = append(opts, txflow.WithResetDelay(a.cfg.ResetDelay))
	}
	if refresh != nil {
		opts = append(opts, txflow.WithRefresh(refresh))
	}
	if a.metrics != nil {
		opts = append(opts, txflow.WithMetrics(a.metrics))
	}
	return txflow.New(opts...)
}

// entry returns the tracked state for deal id, creating it for writes. Reads never create one.
func (a *App) entry(id uint64) *dealEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	if d, ok := a.deals[id]; ok {
		return d
	}
	d := &dealEntry{sync: a.newSynchronizer(id)}
	d.tx = a.newOrchestrator(func(ctx context.Context) { d.sync.Refresh(ctx) })
	a.deals[id] = d
	return d
}

func (a *App) lookup(id uint64) (*dealEntry, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	d, ok := a.deals[id]
	return d, ok
}

func (a *App) newSynchronizer(id uint64) *dealsync.Synchronizer {
	return dealsync.New(a, id, dealsync.WithLogger(a.log))
}

// Deal refreshes and returns one deal view. Deals nobody has written to are read through a
// throwaway synchronizer.
func (a *App) Deal(ctx context.Context, id uint64) dealsync.View {
	if d, ok := a.lookup(id); ok {
		return d.sync.Refresh(ctx)
	}
	return a.newSynchronizer(id).Refresh(ctx)
}

// Tracked reports how many deals hold write state.
func (a *App) Tracked() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.deals)
}

// TxStatus is Idle for a deal that has never been written to.
func (a *App) TxStatus(id uint64) txflow.Record {
	if d, ok := a.lookup(id); ok {
		return d.tx.Current()
	}
	return txflow.Record{Phase: txflow.Idle}
}

func (a *App) CreateStatus() txflow.Record {
	return a.create.Current()
}

// Listing is the list page: the caller's deals and their summary.
type Listing struct {
	scanner.Result
	Stats scanner.Stats `json:"stats"`
}

// ListDeals scans for the connected identity.
func (a *App) ListDeals(ctx context.Context) (Listing, error) {
	st := a.session.State()
	if !st.Connected() {
		return Listing{}, session.ErrNotConnected
	}
	opts := []scanner.Option{scanner.WithLogger(a.log)}
	if a.cfg.ScanConcurrency > 0 {
		opts = append(opts, scanner.WithConcurrency(a.cfg.ScanConcurrency))
	}
	if a.cfg.ScanMaxDeals > 0 {
		opts = append(opts, scanner.WithMaxDeals(a.cfg.ScanMaxDeals))
	}
	if a.metrics != nil {
		opts = append(opts, scanner.WithMetrics(a.metrics))
	}
	gate := func() error { return a.session.State().CanWrite() }

	res, err := scanner.New(a, gate, opts...).ScanRelevant(ctx, *st.Account)
	if err != nil {
		return Listing{}, err
	}
	return Listing{Result: res, Stats: scanner.Summarize(res.Deals)}, nil
}

// ActionParams carries the inputs some actions need.
type ActionParams struct {
	Metadata     string                `json:"metadata,omitempty"`
	Reason       string                `json:"reason,omitempty"`
	Mode         uint8                 `json:"mode,omitempty"`
	Outcome      escrow.DisputeOutcome `json:"outcome,omitempty"`
	RecipientBps uint16                `json:"recipientBps,omitempty"`
	Note         string                `json:"note,omitempty"`
}

var errMissingInput = errors.New("missing input")

// Execute submits action on deal id through that deal's orchestrator and returns once the
// transaction is sent. The deal view refreshes when it confirms.
func (a *App) Execute(ctx context.Context, id uint64, action escrow.Action, p ActionParams) (txflow.Record, error) {
	op, err := a.operation(id, action, p)
	if err != nil {
		return txflow.Record{}, err
	}
	return a.entry(id).tx.Submit(ctx, action.Label(), op)
}

// ExecuteAndWait is Execute that also waits for confirmation.
func (a *App) ExecuteAndWait(ctx context.Context, id uint64, action escrow.Action, p ActionParams) (txflow.Record, error) {
	op, err := a.operation(id, action, p)
	if err != nil {
		return txflow.Record{}, err
	}
	return a.entry(id).tx.Run(ctx, action.Label(), op)
}

func (a *App) operation(id uint64, action escrow.Action, p ActionParams) (txflow.Operation, error) {
	switch action {
	case escrow.ActionFinalizeNFT:
		if p.Metadata == "" {
			return nil, fmt.Errorf("%w: nft metadata", errMissingInput)
		}
	case escrow.ActionOpenDispute, escrow.ActionChallengeDispute:
		if p.Reason == "" {
			return nil, fmt.Errorf("%w: reason", errMissingInput)
		}
	case escrow.ActionResolveDispute:
		if p.RecipientBps > 10000 {
			return nil, fmt.Errorf("recipient share %d exceeds 10000 basis points", p.RecipientBps)
		}
	}

	return func(ctx context.Context) (*escrow.Pending, error) {
		gw := a.Gateway()
		switch action {
		case escrow.ActionActivate:
			return gw.Activate(ctx, id)
		case escrow.ActionFinalizeStable:
			return gw.FinalizeToStable(ctx, id)
		case escrow.ActionFinalizeNFT:
			return gw.FinalizeToNFT(ctx, id, p.Metadata)
		case escrow.ActionOpenDispute:
			return gw.OpenDispute(ctx, id, p.Reason)
		case escrow.ActionChallengeDispute:
			return gw.ChallengeDispute(ctx, id, p.Reason)
		case escrow.ActionResolveDispute:
			return gw.ResolveDispute(ctx, id, escrow.ResolveParams{
				Mode:         p.Mode,
				Outcome:      p.Outcome,
				RecipientBps: p.RecipientBps,
				Note:         p.Note,
			})
		case escrow.ActionCancel:
			return gw.CancelInactive(ctx, id)
		case escrow.ActionExpire:
			return gw.Expire(ctx, id)
		}
		return nil, fmt.Errorf("unknown action %q", action)
	}, nil
}

// CreateParams describes a new deal.
type CreateParams struct {
	Counterparty common.Address
	Value        *big.Int
	Reference    string
}

// Create submits a new deal through the create form's orchestrator.
func (a *App) Create(ctx context.Context, p CreateParams) (txflow.Record, error) {
	if p.Counterparty == (common.Address{}) {
		return txflow.Record{}, fmt.Errorf("%w: counterparty", errMissingInput)
	}
	if p.Value == nil || p.Value.Sign() <= 0 {
		return txflow.Record{}, fmt.Errorf("%w: value", errMissingInput)
	}
	return a.create.Submit(ctx, "Create Deal", func(ctx context.Context) (*escrow.Pending, error) {
		return a.Gateway().Create(ctx, p.Counterparty, p.Value, p.Reference)
	})
}

// IsInputError reports whether err is a caller mistake caught before any remote call.
func IsInputError(err error) bool {
	return errors.Is(err, errMissingInput)
}

// Ping probes the read endpoint.
func (a *App) Ping(ctx context.Context) error {
	if hc, ok := a.readOnly.(escrow.HealthChecker); ok {
		return hc.Ping(ctx)
	}
	if a.readOnly == nil {
		return errors.New("no read endpoint configured")
	}
	return nil
}

// unavailable is the reader used when neither a node endpoint nor a wallet is present.
type unavailable struct{}

var errNoEndpoint = errors.New("no read endpoint")

func (unavailable) Call(context.Context, string, ...any) ([]any, error) { return nil, errNoEndpoint }

func (unavailable) Transact(context.Context, *big.Int, string, ...any) (*types.Transaction, error) {
	return nil, errNoEndpoint
}

func (unavailable) WaitMined(context.Context, *types.Transaction) (*types.Receipt, error) {
	return nil, errNoEndpoint
}

func (unavailable) FilterLogs(context.Context, string, *big.Int, uint64) ([]types.Log, error) {
	return nil, errNoEndpoint
}
