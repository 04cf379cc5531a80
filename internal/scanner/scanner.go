package scanner

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"escrowdash/internal/escrow"
)

// DefaultMaxDeals bounds a scan when no cap is configured.
const DefaultMaxDeals = 100_000

// Reader is the part of the gateway the scanner needs.
type Reader interface {
	CountAgreements(ctx context.Context) (uint64, error)
	ReadAgreement(ctx context.Context, id uint64) (*escrow.Snapshot, bool)
}

// Metrics observes completed scans.
type Metrics interface {
	ScanCompleted(total, relevant, unreadable int)
}

// Result lists the deals involving one identity in ascending id order.
type Result struct {
	Identity   common.Address     `json:"identity"`
	Total      uint64             `json:"total"`
	Deals      []*escrow.Snapshot `json:"deals"`
	Unreadable []uint64           `json:"unreadable"`
}

type Option func(*Scanner)

func WithConcurrency(n int) Option {
	return func(s *Scanner) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithMaxDeals caps how many deals a scan will read. A larger count is treated as unreadable
// contract state.
func WithMaxDeals(n uint64) Option {
	return func(s *Scanner) {
		if n > 0 {
			s.maxDeals = n
		}
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Scanner) { s.log = log }
}

func WithMetrics(m Metrics) Option {
	return func(s *Scanner) { s.metrics = m }
}

// Scanner enumerates every deal ever created and keeps the ones an identity is party to. It
// costs one remote read per deal; an off-chain index would replace it at scale.
type Scanner struct {
	reader      Reader
	gate        func() error
	concurrency int
	maxDeals    uint64
	log         *zap.Logger
	metrics     Metrics
}

// New builds a scanner. gate, when set, must pass before a scan starts; the session's
// CanWrite keeps scans off the wrong network.
func New(reader Reader, gate func() error, opts ...Option) *Scanner {
	s := &Scanner{
		reader:      reader,
		gate:        gate,
		concurrency: 8,
		maxDeals:    DefaultMaxDeals,
		log:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("scanner")
	return s
}

func (s *Scanner) ScanRelevant(ctx context.Context, identity common.Address) (Result, error) {
	if s.gate != nil {
		if err := s.gate(); err != nil {
			return Result{}, err
		}
	}

	count, err := s.reader.CountAgreements(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("count deals: %w", err)
	}
	if count > s.maxDeals {
		return Result{}, fmt.Errorf("%w: contract reports %d deals, scan cap is %d", escrow.ErrReadUnavailable, count, s.maxDeals)
	}

	snaps := make([]*escrow.Snapshot, count)
	readable := make([]bool, count)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(s.concurrency)
	for id := range count {
		eg.Go(func() error {
			snaps[id], readable[id] = s.reader.ReadAgreement(egCtx, id)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	res := Result{
		Identity:   identity,
		Total:      count,
		Deals:      []*escrow.Snapshot{},
		Unreadable: []uint64{},
	}
	for id := range count {
		switch {
		case !readable[id]:
			res.Unreadable = append(res.Unreadable, id)
		case snaps[id].Involves(identity):
			res.Deals = append(res.Deals, snaps[id])
		}
	}

	s.log.Debug("scan complete",
		zap.Stringer("identity", identity),
		zap.Uint64("total", count),
		zap.Int("relevant", len(res.Deals)),
		zap.Int("unreadable", len(res.Unreadable)),
	)
	if s.metrics != nil {
		s.metrics.ScanCompleted(int(count), len(res.Deals), len(res.Unreadable))
	}
	return res, nil
}

// Stats feeds the summary bar above the deal list. Disputed counts open disputes whatever the
// lifecycle state.
type Stats struct {
	Total     int `json:"total"`
	Created   int `json:"created"`
	Active    int `json:"active"`
	Finalized int `json:"finalized"`
	Disputed  int `json:"disputed"`
}

func Summarize(deals []*escrow.Snapshot) Stats {
	st := Stats{Total: len(deals)}
	for _, d := range deals {
		switch d.State {
		case escrow.StateCreated:
			st.Created++
		case escrow.StateActive:
			st.Active++
		case escrow.StateFinalizedStable, escrow.StateFinalizedNFT:
			st.Finalized++
		}
		if d.DisputeOpen {
			st.Disputed++
		}
	}
	return st
}
