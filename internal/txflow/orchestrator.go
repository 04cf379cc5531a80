package txflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"escrowdash/internal/escrow"
	"escrowdash/internal/notify"
	"escrowdash/internal/wallet"
)

// ErrBusy rejects a run while another one is awaiting approval or confirmation.
var ErrBusy = errors.New("a transaction is already in progress")

const defaultResetDelay = 5 * time.Second

// Phase is the lifecycle position of the current write.
type Phase int

const (
	Idle Phase = iota
	AwaitingApproval
	AwaitingConfirmation
	Succeeded
	Failed
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case AwaitingApproval:
		return "awaiting_approval"
	case AwaitingConfirmation:
		return "awaiting_confirmation"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// InFlight is true while the triggering control must stay disabled.
func (p Phase) InFlight() bool {
	return p == AwaitingApproval || p == AwaitingConfirmation
}

func (p Phase) Terminal() bool {
	return p == Succeeded || p == Failed
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Record is what the dashboard shows for the current write.
type Record struct {
	ID        string    `json:"id,omitempty"`
	Action    string    `json:"action,omitempty"`
	Phase     Phase     `json:"phase"`
	Message   string    `json:"message,omitempty"`
	TxHash    string    `json:"txHash,omitempty"`
	StartedAt time.Time `json:"startedAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Operation submits one write through the gateway.
type Operation func(ctx context.Context) (*escrow.Pending, error)

// Metrics observes phase transitions.
type Metrics interface {
	PhaseEntered(action string, phase Phase)
}

type Option func(*Orchestrator)

func WithResetDelay(d time.Duration) Option {
	return func(o *Orchestrator) { o.resetDelay = d }
}

// WithRefresh runs after a write succeeds, usually the deal synchronizer's Refresh.
func WithRefresh(fn func(ctx context.Context)) Option {
	return func(o *Orchestrator) { o.refresh = fn }
}

func WithLogger(log *zap.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

func WithMetrics(m Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// Orchestrator drives one write at a time through
// Idle → AwaitingApproval → AwaitingConfirmation → Succeeded|Failed → Idle.
type Orchestrator struct {
	resetDelay time.Duration
	refresh    func(ctx context.Context)
	log        *zap.Logger
	metrics    Metrics

	mu     sync.Mutex
	record Record
	gen    uint64
	reset  *time.Timer

	observers notify.Hub[Record]
}

func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		resetDelay: defaultResetDelay,
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.log.Named("txflow")
	return o
}

func (o *Orchestrator) Current() Record {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.record
}

// Subscribe registers fn for every visible transition. The timed reset to Idle is silent.
func (o *Orchestrator) Subscribe(fn func(Record)) func() {
	return o.observers.Subscribe(fn)
}

// Run executes op and blocks until the write is confirmed or fails. Confirmation has no local
// timeout; only ctx bounds it.
func (o *Orchestrator) Run(ctx context.Context, action string, op Operation) (Record, error) {
	gen, pending, rec, err := o.submit(ctx, action, op)
	if pending == nil {
		return rec, err
	}
	return o.confirm(ctx, gen, action, pending)
}

// Submit returns once the wallet has approved and the transaction is sent. Confirmation
// continues in the background, detached from ctx's cancellation.
func (o *Orchestrator) Submit(ctx context.Context, action string, op Operation) (Record, error) {
	gen, pending, rec, err := o.submit(ctx, action, op)
	if pending == nil {
		return rec, err
	}
	go o.confirm(context.WithoutCancel(ctx), gen, action, pending)
	return rec, nil
}

func (o *Orchestrator) submit(ctx context.Context, action string, op Operation) (uint64, *escrow.Pending, Record, error) {
	now := time.Now()

	o.mu.Lock()
	if o.record.Phase.InFlight() {
		rec := o.record
		o.mu.Unlock()
		return 0, nil, rec, ErrBusy
	}
	if o.reset != nil {
		o.reset.Stop()
		o.reset = nil
	}
	o.gen++
	gen := o.gen
	o.record = Record{
		ID:        uuid.NewString(),
		Action:    action,
		Phase:     AwaitingApproval,
		Message:   fmt.Sprintf("Confirm %s in your wallet...", action),
		StartedAt: now,
		UpdatedAt: now,
	}
	rec := o.record
	o.mu.Unlock()
	o.announce(rec)

	pending, err := op(ctx)
	if err == nil && pending == nil {
		err = errors.New("no transaction was submitted")
	}
	if err != nil {
		rec = o.finish(gen, Failed, FailureMessage(err), "")
		o.log.Warn("transaction not submitted", zap.String("action", action), zap.Error(err))
		return gen, nil, rec, err
	}

	hash := pending.Hash().Hex()
	rec = o.transition(gen, AwaitingConfirmation, fmt.Sprintf("Waiting for %s to be confirmed...", action), hash)
	o.log.Info("transaction submitted", zap.String("action", action), zap.String("tx", hash))
	return gen, pending, rec, nil
}

func (o *Orchestrator) confirm(ctx context.Context, gen uint64, action string, pending *escrow.Pending) (Record, error) {
	hash := pending.Hash().Hex()
	if _, err := pending.Wait(ctx); err != nil {
		rec := o.finish(gen, Failed, FailureMessage(err), hash)
		o.log.Warn("transaction failed", zap.String("action", action), zap.String("tx", hash), zap.Error(err))
		return rec, err
	}

	rec := o.finish(gen, Succeeded, fmt.Sprintf("%s confirmed!", action), hash)
	o.log.Info("transaction confirmed", zap.String("action", action), zap.String("tx", hash))
	if o.refresh != nil {
		o.refresh(ctx)
	}
	return rec, nil
}

func (o *Orchestrator) transition(gen uint64, phase Phase, message, hash string) Record {
	o.mu.Lock()
	if o.gen != gen {
		rec := o.record
		o.mu.Unlock()
		return rec
	}
	o.record.Phase = phase
	o.record.Message = message
	if hash != "" {
		o.record.TxHash = hash
	}
	o.record.UpdatedAt = time.Now()
	rec := o.record
	o.mu.Unlock()

	o.announce(rec)
	return rec
}

// finish enters a terminal phase and arms the silent reset.
func (o *Orchestrator) finish(gen uint64, phase Phase, message, hash string) Record {
	rec := o.transition(gen, phase, message, hash)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.gen == gen {
		o.reset = time.AfterFunc(o.resetDelay, func() { o.clear(gen) })
	}
	return rec
}

func (o *Orchestrator) clear(gen uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.gen != gen || !o.record.Phase.Terminal() {
		return
	}
	o.record = Record{}
	o.reset = nil
}

func (o *Orchestrator) announce(rec Record) {
	if o.metrics != nil {
		o.metrics.PhaseEntered(rec.Action, rec.Phase)
	}
	o.observers.Publish(rec)
}

// FailureMessage turns a write error into the short text shown to the user.
func FailureMessage(err error) string {
	if err == nil {
		return "Transaction failed"
	}
	var rejected *escrow.RemoteRejectedError
	if errors.As(err, &rejected) && rejected.Reason != "" {
		return rejected.Reason
	}
	if errors.Is(err, wallet.ErrUserRejected) {
		return "Transaction rejected in wallet"
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return "Transaction failed"
}
