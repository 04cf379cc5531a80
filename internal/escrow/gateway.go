package escrow

import (
	"cmp"
	"context"
	"fmt"
	"math/big"
	"slices"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Metrics receives read-side failures. Writes surface their errors to the caller instead.
type Metrics interface {
	ReadFailed(op string)
}

// Gateway is the typed, stateless facade over the escrow contract. A new one is built whenever
// the session's connection handle changes.
type Gateway struct {
	reader   Contract
	writer   Contract
	gate     func() error
	lookback uint64
	log      *zap.Logger
	metrics  Metrics
}

type Option func(*Gateway)

// WithWriteGate installs a check run before every write, typically the session's CanWrite.
func WithWriteGate(gate func() error) Option {
	return func(g *Gateway) { g.gate = gate }
}

func WithEventLookback(blocks uint64) Option {
	return func(g *Gateway) { g.lookback = blocks }
}

func WithLogger(log *zap.Logger) Option {
	return func(g *Gateway) { g.log = log }
}

func WithMetrics(m Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// NewGateway reads through reader and writes through writer. A nil writer makes every write
// fail with ErrWalletNotConnected.
func NewGateway(reader, writer Contract, opts ...Option) *Gateway {
	g := &Gateway{
		reader:   reader,
		writer:   writer,
		lookback: 10000,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.log = g.log.Named("gateway")
	return g
}

func (g *Gateway) Writable() bool { return g.writer != nil }

// ReadAgreement returns false on any failure. False means "cannot currently determine state",
// never "does not exist".
func (g *Gateway) ReadAgreement(ctx context.Context, id uint64) (*Snapshot, bool) {
	out, err := g.reader.Call(ctx, "deals", new(big.Int).SetUint64(id))
	if err != nil {
		g.readFailed("deals", err, zap.Uint64("deal_id", id))
		return nil, false
	}
	snap, err := decodeSnapshot(id, out)
	if err != nil {
		g.readFailed("deals", err, zap.Uint64("deal_id", id))
		return nil, false
	}
	return snap, true
}

// CountAgreements reads the next id to be assigned; valid ids are [0, count).
func (g *Gateway) CountAgreements(ctx context.Context) (uint64, error) {
	out, err := g.reader.Call(ctx, "nextDealId")
	if err != nil {
		g.readFailed("nextDealId", err)
		return 0, fmt.Errorf("%w: %v", ErrReadUnavailable, err)
	}
	if len(out) != 1 {
		return 0, fmt.Errorf("%w: nextDealId returned %d values", ErrReadUnavailable, len(out))
	}
	d := fieldDecoder{vals: out}
	n := d.asUint(0)
	if d.err != nil {
		return 0, fmt.Errorf("%w: %v", ErrReadUnavailable, d.err)
	}
	return n, nil
}

// QueryEvents merges the per-kind histories of one deal into block order. Event history is
// supplementary, so any failure yields an empty slice.
func (g *Gateway) QueryEvents(ctx context.Context, id uint64) []EventRecord {
	dealID := new(big.Int).SetUint64(id)
	batches := make([][]types.Log, len(EventKinds))

	eg, egCtx := errgroup.WithContext(ctx)
	for i, kind := range EventKinds {
		eg.Go(func() error {
			logs, err := g.reader.FilterLogs(egCtx, kind.EventName(), dealID, g.lookback)
			if err != nil {
				return fmt.Errorf("%s: %w", kind, err)
			}
			batches[i] = logs
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		g.readFailed("events", err, zap.Uint64("deal_id", id))
		return []EventRecord{}
	}

	records := make([]EventRecord, 0)
	for i, logs := range batches {
		for _, l := range logs {
			if l.Removed {
				continue
			}
			records = append(records, EventRecord{
				DealID:   id,
				Kind:     EventKinds[i],
				Block:    l.BlockNumber,
				TxHash:   l.TxHash,
				LogIndex: l.Index,
			})
		}
	}
	slices.SortStableFunc(records, func(a, b EventRecord) int {
		return cmp.Compare(a.Block, b.Block)
	})
	return records
}

// ResolveParams carries the arbiter's decision.
type ResolveParams struct {
	Mode         uint8
	Outcome      DisputeOutcome
	RecipientBps uint16
	Note         string
}

func (g *Gateway) Create(ctx context.Context, counterparty common.Address, value *big.Int, reference string) (*Pending, error) {
	if value == nil {
		value = new(big.Int)
	}
	return g.submit(ctx, value, "createDeal", counterparty, value, reference)
}

func (g *Gateway) Activate(ctx context.Context, id uint64) (*Pending, error) {
	return g.submit(ctx, nil, "activateDeal", dealArg(id))
}

func (g *Gateway) FinalizeToStable(ctx context.Context, id uint64) (*Pending, error) {
	return g.submit(ctx, nil, "finalizeToStable", dealArg(id))
}

func (g *Gateway) FinalizeToNFT(ctx context.Context, id uint64, metadata string) (*Pending, error) {
	return g.submit(ctx, nil, "finalizeToNFT", dealArg(id), metadata)
}

func (g *Gateway) OpenDispute(ctx context.Context, id uint64, reason string) (*Pending, error) {
	return g.submit(ctx, nil, "openDispute", dealArg(id), reason)
}

func (g *Gateway) ChallengeDispute(ctx context.Context, id uint64, reason string) (*Pending, error) {
	return g.submit(ctx, nil, "challengeDispute", dealArg(id), reason)
}

func (g *Gateway) ResolveDispute(ctx context.Context, id uint64, p ResolveParams) (*Pending, error) {
	return g.submit(ctx, nil, "resolveDispute", dealArg(id), p.Mode, p.Note, uint8(p.Outcome), p.RecipientBps)
}

func (g *Gateway) CancelInactive(ctx context.Context, id uint64) (*Pending, error) {
	return g.submit(ctx, nil, "cancelInactive", dealArg(id))
}

func (g *Gateway) Expire(ctx context.Context, id uint64) (*Pending, error) {
	return g.submit(ctx, nil, "expireDeal", dealArg(id))
}

func (g *Gateway) submit(ctx context.Context, value *big.Int, method string, args ...any) (*Pending, error) {
	if g.writer == nil {
		return nil, ErrWalletNotConnected
	}
	if g.gate != nil {
		if err := g.gate(); err != nil {
			return nil, err
		}
	}

	tx, err := g.writer.Transact(ctx, value, method, args...)
	if err != nil {
		err = classifyWriteError(err)
		g.log.Warn("write rejected", zap.String("method", method), zap.Error(err))
		return nil, err
	}

	g.log.Info("transaction submitted", zap.String("method", method), zap.String("tx", tx.Hash().Hex()))
	contract := g.writer
	return NewPending(method, tx.Hash(), func(ctx context.Context) (*types.Receipt, error) {
		return contract.WaitMined(ctx, tx)
	}), nil
}

func (g *Gateway) readFailed(op string, err error, fields ...zap.Field) {
	g.log.Warn("read failed", append(fields, zap.String("op", op), zap.Error(err))...)
	if g.metrics != nil {
		g.metrics.ReadFailed(op)
	}
}

func dealArg(id uint64) *big.Int {
	return new(big.Int).SetUint64(id)
}

// Pending is a submitted write awaiting inclusion.
type Pending struct {
	Method string
	hash   common.Hash
	wait   func(ctx context.Context) (*types.Receipt, error)
}

func NewPending(method string, hash common.Hash, wait func(ctx context.Context) (*types.Receipt, error)) *Pending {
	return &Pending{Method: method, hash: hash, wait: wait}
}

func (p *Pending) Hash() common.Hash { return p.hash }

// Wait blocks until the transaction is mined. A reverted receipt is a RemoteRejectedError.
func (p *Pending) Wait(ctx context.Context) (*types.Receipt, error) {
	receipt, err := p.wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("wait for %s: %w", p.Method, err)
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return receipt, &RemoteRejectedError{Reason: "transaction reverted"}
	}
	return receipt, nil
}
