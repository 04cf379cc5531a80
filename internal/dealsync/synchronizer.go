package dealsync

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"escrowdash/internal/escrow"
	"escrowdash/internal/notify"
)

// Reader is the part of the gateway a deal view needs.
type Reader interface {
	ReadAgreement(ctx context.Context, id uint64) (*escrow.Snapshot, bool)
	QueryEvents(ctx context.Context, id uint64) []escrow.EventRecord
}

// View is one deal as last published. Unavailable means the snapshot read failed and the view
// must render as unknown, not empty.
type View struct {
	ID          uint64               `json:"id"`
	Snapshot    *escrow.Snapshot     `json:"snapshot"`
	Events      []escrow.EventRecord `json:"events"`
	Unavailable bool                 `json:"unavailable"`
	Loaded      bool                 `json:"loaded"`
	Seq         uint64               `json:"seq"`
}

type Option func(*Synchronizer)

func WithLogger(log *zap.Logger) Option {
	return func(s *Synchronizer) { s.log = log }
}

// Synchronizer keeps one deal's snapshot and history current. Overlapping refreshes resolve
// by start order: each part is applied only if it comes from a later refresh than what is
// already shown.
type Synchronizer struct {
	reader Reader
	id     uint64
	log    *zap.Logger

	mu        sync.Mutex
	started   uint64
	snapSeq   uint64
	eventsSeq uint64
	view      View

	observers notify.Hub[View]
}

func New(reader Reader, id uint64, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		reader: reader,
		id:     id,
		log:    zap.NewNop(),
		view:   View{ID: id, Events: []escrow.EventRecord{}},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("dealsync").With(zap.Uint64("deal_id", id))
	return s
}

func (s *Synchronizer) ID() uint64 { return s.id }

func (s *Synchronizer) Current() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

// Subscribe registers fn for every published part.
func (s *Synchronizer) Subscribe(fn func(View)) func() {
	return s.observers.Subscribe(fn)
}

// Refresh reads the snapshot and the event history concurrently, publishing each as it lands,
// and returns once both have resolved. A superseded refresh is not cancelled; its late
// results are dropped.
func (s *Synchronizer) Refresh(ctx context.Context) View {
	s.mu.Lock()
	s.started++
	seq := s.started
	s.view.Seq = seq
	s.view.Loaded = false
	s.mu.Unlock()

	var eg errgroup.Group
	eg.Go(func() error {
		snap, ok := s.reader.ReadAgreement(ctx, s.id)
		s.apply(seq, &s.snapSeq, func(v *View) {
			v.Snapshot = snap
			v.Unavailable = !ok
		})
		return nil
	})
	eg.Go(func() error {
		events := s.reader.QueryEvents(ctx, s.id)
		s.apply(seq, &s.eventsSeq, func(v *View) {
			v.Events = events
		})
		return nil
	})
	_ = eg.Wait()

	return s.Current()
}

func (s *Synchronizer) apply(seq uint64, applied *uint64, set func(*View)) {
	s.mu.Lock()
	if seq <= *applied {
		s.mu.Unlock()
		s.log.Debug("discarding superseded refresh", zap.Uint64("seq", seq), zap.Uint64("applied", *applied))
		return
	}
	*applied = seq
	set(&s.view)
	s.view.Loaded = s.snapSeq == s.started && s.eventsSeq == s.started
	view := s.view
	s.mu.Unlock()

	s.observers.Publish(view)
}
