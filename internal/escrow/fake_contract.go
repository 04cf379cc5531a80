package escrow

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// FakeDeal seeds a FakeContract. Zero times stay zero.
type FakeDeal struct {
	Sender      common.Address
	Recipient   common.Address
	State       DealState
	Value       *big.Int
	Deposit     *big.Int
	OffchainRef string
	NFTMetadata string

	CreatedAt            uint64
	ActivatedAt          uint64
	FinalizedAt          uint64
	ActivationDeadline   uint64
	FinalizationDeadline uint64

	DisputeOpen     bool
	ClaimBy         common.Address
	ClaimReason     string
	ClaimOpenedAt   uint64
	ClaimDeadline   uint64
	ChallengeBy     common.Address
	ChallengeReason string
	ResolutionMode  uint8
	ResolutionNote  string
}

// FakeContract is an in-memory escrow contract for tests and local runs. Writes take effect
// at submission and are mined into a new block each.
type FakeContract struct {
	From    common.Address
	Address common.Address

	mu          sync.Mutex
	deals       []*FakeDeal
	block       uint64
	nonce       uint64
	clock       uint64
	logs        []types.Log
	receipts    map[common.Hash]*types.Receipt
	sent        []string
	readErr     map[uint64]error
	readDelay   map[uint64]time.Duration
	countErr    error
	transactErr []error
	revertNext  bool
	filterErr   map[string]error
	filterDelay map[string]time.Duration
	mining      chan struct{}
}

func NewFakeContract(from common.Address) *FakeContract {
	return &FakeContract{
		From:        from,
		Address:     common.HexToAddress("0x00000000000000000000000000000000000e5c20"),
		block:       100,
		clock:       1_700_000_000,
		receipts:    make(map[common.Hash]*types.Receipt),
		readErr:     make(map[uint64]error),
		readDelay:   make(map[uint64]time.Duration),
		filterErr:   make(map[string]error),
		filterDelay: make(map[string]time.Duration),
	}
}

// Seed appends a deal and returns its id.
func (f *FakeContract) Seed(d FakeDeal) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := d
	f.deals = append(f.deals, &cp)
	return uint64(len(f.deals) - 1)
}

func (f *FakeContract) SetReadError(id uint64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.readErr, id)
		return
	}
	f.readErr[id] = err
}

func (f *FakeContract) SetReadDelay(id uint64, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readDelay[id] = d
}

func (f *FakeContract) SetCountError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.countErr = err
}

// FailTransact queues an error for the next submission.
func (f *FakeContract) FailTransact(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transactErr = append(f.transactErr, err)
}

// RevertNext makes the next submission succeed but mine with a failed status.
func (f *FakeContract) RevertNext() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revertNext = true
}

// SetFilterError fails log queries for event; an empty event fails them all.
func (f *FakeContract) SetFilterError(event string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filterErr[event] = err
}

func (f *FakeContract) SetFilterDelay(event string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filterDelay[event] = d
}

// PauseMining holds WaitMined until ResumeMining.
func (f *FakeContract) PauseMining() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mining == nil {
		f.mining = make(chan struct{})
	}
}

func (f *FakeContract) ResumeMining() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mining != nil {
		close(f.mining)
		f.mining = nil
	}
}

// Sent lists submitted method names in order.
func (f *FakeContract) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *FakeContract) Deal(id uint64) (FakeDeal, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id >= uint64(len(f.deals)) {
		return FakeDeal{}, false
	}
	return *f.deals[id], true
}

func (f *FakeContract) Call(ctx context.Context, method string, args ...any) ([]any, error) {
	switch method {
	case "nextDealId":
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.countErr != nil {
			return nil, f.countErr
		}
		return []any{new(big.Int).SetUint64(uint64(len(f.deals)))}, nil
	case "deals":
		if len(args) != 1 {
			return nil, fmt.Errorf("deals: want 1 argument, got %d", len(args))
		}
		id, ok := args[0].(*big.Int)
		if !ok || !id.IsUint64() {
			return nil, fmt.Errorf("deals: bad id %v", args[0])
		}
		return f.readDeal(ctx, id.Uint64())
	}
	return nil, fmt.Errorf("fake contract: unknown method %q", method)
}

func (f *FakeContract) readDeal(ctx context.Context, id uint64) ([]any, error) {
	f.mu.Lock()
	delay := f.readDelay[id]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.readErr[id]; err != nil {
		return nil, err
	}
	d := &FakeDeal{}
	if id < uint64(len(f.deals)) {
		d = f.deals[id]
	}
	return []any{
		d.Sender,
		d.Recipient,
		uint8(d.State),
		bigOrZero(d.Value),
		bigOrZero(d.Value),
		bigOrZero(d.Deposit),
		d.CreatedAt,
		d.ActivatedAt,
		d.FinalizedAt,
		d.ActivationDeadline,
		d.FinalizationDeadline,
		d.OffchainRef,
		d.NFTMetadata,
		d.DisputeOpen,
		d.ClaimBy,
		d.ClaimReason,
		d.ClaimOpenedAt,
		d.ClaimDeadline,
		d.ChallengeBy,
		d.ChallengeReason,
		d.ResolutionMode,
		d.ResolutionNote,
	}, nil
}

func (f *FakeContract) Transact(ctx context.Context, value *big.Int, method string, args ...any) (*types.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.transactErr) > 0 {
		err := f.transactErr[0]
		f.transactErr = f.transactErr[1:]
		return nil, err
	}

	to := f.Address
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    f.nonce,
		To:       &to,
		Value:    bigOrZero(value),
		Gas:      21000,
		GasPrice: big.NewInt(1),
		Data:     []byte(method),
	})
	f.nonce++
	f.sent = append(f.sent, method)

	f.block++
	f.clock += 12
	receipt := &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      tx.Hash(),
		BlockNumber: new(big.Int).SetUint64(f.block),
	}

	if f.revertNext {
		f.revertNext = false
		receipt.Status = types.ReceiptStatusFailed
		f.receipts[tx.Hash()] = receipt
		return tx, nil
	}

	dealID, event, err := f.apply(method, value, args)
	if err != nil {
		f.nonce--
		f.block--
		f.clock -= 12
		f.sent = f.sent[:len(f.sent)-1]
		return nil, fmt.Errorf("execution reverted: %s", err.Error())
	}

	log := types.Log{
		Address:     f.Address,
		Topics:      []common.Hash{EventID(event), common.BigToHash(new(big.Int).SetUint64(dealID))},
		BlockNumber: f.block,
		TxHash:      tx.Hash(),
		Index:       uint(len(f.logs)),
	}
	f.logs = append(f.logs, log)
	receipt.Logs = []*types.Log{&log}
	f.receipts[tx.Hash()] = receipt
	return tx, nil
}

// apply runs one state transition with the contract's guards. Callers hold mu.
func (f *FakeContract) apply(method string, value *big.Int, args []any) (uint64, string, error) {
	if method == "createDeal" {
		if len(args) != 3 {
			return 0, "", fmt.Errorf("bad arguments")
		}
		recipient, _ := args[0].(common.Address)
		ref, _ := args[2].(string)
		if recipient == (common.Address{}) {
			return 0, "", fmt.Errorf("recipient required")
		}
		if value == nil || value.Sign() <= 0 {
			return 0, "", fmt.Errorf("value required")
		}
		f.deals = append(f.deals, &FakeDeal{
			Sender:      f.From,
			Recipient:   recipient,
			State:       StateCreated,
			Value:       new(big.Int).Set(value),
			OffchainRef: ref,
			CreatedAt:   f.clock,
		})
		return uint64(len(f.deals) - 1), "DealCreated", nil
	}

	if len(args) == 0 {
		return 0, "", fmt.Errorf("bad arguments")
	}
	idArg, ok := args[0].(*big.Int)
	if !ok || !idArg.IsUint64() || idArg.Uint64() >= uint64(len(f.deals)) {
		return 0, "", fmt.Errorf("unknown deal")
	}
	id := idArg.Uint64()
	d := f.deals[id]
	text := func(i int) string {
		if i < len(args) {
			s, _ := args[i].(string)
			return s
		}
		return ""
	}

	switch method {
	case "activateDeal":
		if d.State != StateCreated {
			return 0, "", fmt.Errorf("not created")
		}
		d.State, d.ActivatedAt = StateActive, f.clock
		return id, "DealActivated", nil
	case "finalizeToStable":
		if d.State != StateActive || d.DisputeOpen {
			return 0, "", fmt.Errorf("not active")
		}
		d.State, d.FinalizedAt = StateFinalizedStable, f.clock
		return id, "DealFinalizedToStable", nil
	case "finalizeToNFT":
		if d.State != StateActive || d.DisputeOpen {
			return 0, "", fmt.Errorf("not active")
		}
		d.State, d.FinalizedAt, d.NFTMetadata = StateFinalizedNFT, f.clock, text(1)
		return id, "DealFinalizedToNFT", nil
	case "openDispute":
		if d.State != StateActive || d.DisputeOpen {
			return 0, "", fmt.Errorf("dispute not allowed")
		}
		d.State, d.DisputeOpen = StateDisputed, true
		d.ClaimBy, d.ClaimReason, d.ClaimOpenedAt = f.From, text(1), f.clock
		d.ClaimDeadline = f.clock + 3*24*3600
		d.ChallengeBy, d.ChallengeReason, d.ResolutionMode, d.ResolutionNote = common.Address{}, "", 0, ""
		return id, "DisputeOpened", nil
	case "challengeDispute":
		if !d.DisputeOpen || d.ChallengeBy != (common.Address{}) {
			return 0, "", fmt.Errorf("cannot challenge")
		}
		d.ChallengeBy, d.ChallengeReason = f.From, text(1)
		return id, "DisputeChallenged", nil
	case "resolveDispute":
		if !d.DisputeOpen || len(args) != 5 {
			return 0, "", fmt.Errorf("no open dispute")
		}
		mode, _ := args[1].(uint8)
		outcome, _ := args[3].(uint8)
		d.DisputeOpen = false
		d.ResolutionMode, d.ResolutionNote = mode, text(2)
		d.FinalizedAt = f.clock
		if DisputeOutcome(outcome) == OutcomeSenderWins {
			d.State = StateCancelled
		} else {
			d.State = StateFinalizedStable
		}
		return id, "DisputeResolved", nil
	case "cancelInactive":
		if d.State != StateCreated {
			return 0, "", fmt.Errorf("not created")
		}
		if d.Sender != f.From {
			return 0, "", fmt.Errorf("only sender")
		}
		d.State = StateCancelled
		return id, "DealCancelled", nil
	case "expireDeal":
		if d.State != StateActive || d.DisputeOpen {
			return 0, "", fmt.Errorf("not active")
		}
		d.State, d.FinalizedAt = StateExpired, f.clock
		return id, "DealCancelled", nil
	}
	return 0, "", fmt.Errorf("unknown method %s", method)
}

func (f *FakeContract) WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	f.mu.Lock()
	gate := f.mining
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-gate:
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	receipt, ok := f.receipts[tx.Hash()]
	if !ok {
		return nil, fmt.Errorf("unknown transaction %s", tx.Hash().Hex())
	}
	return receipt, nil
}

func (f *FakeContract) FilterLogs(ctx context.Context, event string, dealID *big.Int, _ uint64) ([]types.Log, error) {
	f.mu.Lock()
	delay := f.filterDelay[event]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.filterErr[event]; err != nil {
		return nil, err
	}
	if err := f.filterErr[""]; err != nil {
		return nil, err
	}

	topic := EventID(event)
	want := common.BigToHash(dealID)
	var out []types.Log
	for _, l := range f.logs {
		if l.Topics[0] == topic && l.Topics[1] == want {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *FakeContract) Ping(ctx context.Context) error {
	return ctx.Err()
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
