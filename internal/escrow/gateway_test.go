package escrow

import (
	"context"
	"errors"
	"math/big"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrowdash/internal/session"
	"escrowdash/internal/wallet"
)

// scriptedLogs answers FilterLogs from a fixed table after a per-event delay.
type scriptedLogs struct {
	Contract
	logs  map[string][]types.Log
	delay map[string]time.Duration
	fail  string
}

func (s *scriptedLogs) FilterLogs(ctx context.Context, event string, _ *big.Int, _ uint64) ([]types.Log, error) {
	if d := s.delay[event]; d > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d):
		}
	}
	if event == s.fail {
		return nil, errors.New("rpc timeout")
	}
	return s.logs[event], nil
}

func TestQueryEventsOrderedUnderInterleaving(t *testing.T) {
	for seed := int64(0); seed < 25; seed++ {
		rng := rand.New(rand.NewSource(seed))
		src := &scriptedLogs{logs: map[string][]types.Log{}, delay: map[string]time.Duration{}}
		total := 0
		for _, kind := range EventKinds {
			n := rng.Intn(4)
			for i := 0; i < n; i++ {
				src.logs[kind.EventName()] = append(src.logs[kind.EventName()], types.Log{
					BlockNumber: uint64(rng.Intn(50)),
					TxHash:      common.BigToHash(big.NewInt(rng.Int63())),
				})
			}
			total += n
			src.delay[kind.EventName()] = time.Duration(rng.Intn(3)) * time.Millisecond
		}

		gw := NewGateway(src, nil)
		got := gw.QueryEvents(context.Background(), 4)
		require.Len(t, got, total, "seed %d", seed)
		for i := 1; i < len(got); i++ {
			assert.LessOrEqual(t, got[i-1].Block, got[i].Block, "seed %d", seed)
		}
	}
}

func TestQueryEventsTiesKeepKindOrder(t *testing.T) {
	src := &scriptedLogs{
		logs: map[string][]types.Log{
			EventDisputeOpened.EventName(): {{BlockNumber: 10}},
			EventCreated.EventName():       {{BlockNumber: 10}},
			EventActivated.EventName():     {{BlockNumber: 5}},
		},
		delay: map[string]time.Duration{EventCreated.EventName(): 5 * time.Millisecond},
	}

	got := NewGateway(src, nil).QueryEvents(context.Background(), 1)
	require.Len(t, got, 3)
	assert.Equal(t, EventActivated, got[0].Kind)
	assert.Equal(t, EventCreated, got[1].Kind)
	assert.Equal(t, EventDisputeOpened, got[2].Kind)
}

func TestQueryEventsSkipsRemovedLogs(t *testing.T) {
	src := &scriptedLogs{logs: map[string][]types.Log{
		EventCreated.EventName(): {{BlockNumber: 3}, {BlockNumber: 4, Removed: true}},
	}}
	got := NewGateway(src, nil).QueryEvents(context.Background(), 1)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(3), got[0].Block)
}

type countingMetrics struct {
	mu  sync.Mutex
	ops []string
}

func (m *countingMetrics) ReadFailed(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, op)
}

func TestQueryEventsFailureYieldsEmpty(t *testing.T) {
	src := &scriptedLogs{
		logs: map[string][]types.Log{EventCreated.EventName(): {{BlockNumber: 1}}},
		fail: EventDisputeResolved.EventName(),
	}
	metrics := &countingMetrics{}

	got := NewGateway(src, nil, WithMetrics(metrics)).QueryEvents(context.Background(), 1)
	assert.NotNil(t, got)
	assert.Empty(t, got)
	assert.Equal(t, []string{"events"}, metrics.ops)
}

func TestReadAgreementFailureIsAbsent(t *testing.T) {
	fake := NewFakeContract(alice)
	id := fake.Seed(FakeDeal{Sender: alice, Recipient: bob, State: StateActive, Value: big.NewInt(10)})
	fake.SetReadError(id, errors.New("503 from node"))
	metrics := &countingMetrics{}

	snap, ok := NewGateway(fake, nil, WithMetrics(metrics)).ReadAgreement(context.Background(), id)
	assert.False(t, ok)
	assert.Nil(t, snap)
	assert.Equal(t, []string{"deals"}, metrics.ops)
}

func TestCountAgreements(t *testing.T) {
	fake := NewFakeContract(alice)
	for i := 0; i < 3; i++ {
		fake.Seed(FakeDeal{Sender: alice, Recipient: bob})
	}
	gw := NewGateway(fake, nil)

	n, err := gw.CountAgreements(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n)

	fake.SetCountError(errors.New("dial tcp: refused"))
	_, err = gw.CountAgreements(context.Background())
	assert.ErrorIs(t, err, ErrReadUnavailable)
}

func TestWriteWithoutWriterIsNotConnected(t *testing.T) {
	gw := NewGateway(NewFakeContract(alice), nil)
	assert.False(t, gw.Writable())

	_, err := gw.Activate(context.Background(), 0)
	assert.ErrorIs(t, err, ErrWalletNotConnected)
}

func TestWriteGateBlocksWrongNetwork(t *testing.T) {
	fake := NewFakeContract(alice)
	fake.Seed(FakeDeal{Sender: alice, Recipient: bob, State: StateCreated})
	gw := NewGateway(fake, fake, WithWriteGate(func() error { return session.ErrWrongNetwork }))

	_, err := gw.Activate(context.Background(), 0)
	assert.ErrorIs(t, err, ErrWrongNetwork)
	assert.Empty(t, fake.Sent())
}

func TestWriteLifecycleAgainstFake(t *testing.T) {
	ctx := context.Background()
	fake := NewFakeContract(alice)
	gw := NewGateway(fake, fake)

	pending, err := gw.Create(ctx, bob, big.NewInt(1e18), "po-17")
	require.NoError(t, err)
	receipt, err := pending.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, pending.Hash(), receipt.TxHash)

	for _, step := range []func() (*Pending, error){
		func() (*Pending, error) { return gw.Activate(ctx, 0) },
		func() (*Pending, error) { return gw.OpenDispute(ctx, 0, "goods damaged") },
		func() (*Pending, error) { return gw.ChallengeDispute(ctx, 0, "shipped intact") },
		func() (*Pending, error) {
			return gw.ResolveDispute(ctx, 0, ResolveParams{Mode: 1, Outcome: OutcomeSplit, RecipientBps: 5000, Note: "half each"})
		},
	} {
		p, err := step()
		require.NoError(t, err)
		_, err = p.Wait(ctx)
		require.NoError(t, err)
	}

	snap, ok := gw.ReadAgreement(ctx, 0)
	require.True(t, ok)
	assert.Equal(t, StateFinalizedStable, snap.State)
	assert.False(t, snap.DisputeOpen)
	assert.Nil(t, snap.Dispute)
	require.NotNil(t, snap.Resolution)
	assert.Equal(t, "half each", snap.Resolution.Note)

	kinds := []EventKind{}
	for _, ev := range gw.QueryEvents(ctx, 0) {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []EventKind{EventCreated, EventActivated, EventDisputeOpened, EventDisputeChallenged, EventDisputeResolved}, kinds)
}

func TestWriteRemoteRejection(t *testing.T) {
	ctx := context.Background()
	fake := NewFakeContract(alice)
	fake.Seed(FakeDeal{Sender: alice, Recipient: bob, State: StateCancelled})
	gw := NewGateway(fake, fake)

	_, err := gw.FinalizeToStable(ctx, 0)
	var rejected *RemoteRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "not active", rejected.Reason)
}

func TestWriteUserRejection(t *testing.T) {
	fake := NewFakeContract(alice)
	fake.Seed(FakeDeal{Sender: alice, Recipient: bob, State: StateActive})
	fake.FailTransact(&wallet.RPCError{Code: wallet.CodeUserRejected, Message: "User denied transaction signature"})

	_, err := NewGateway(fake, fake).Expire(context.Background(), 0)
	assert.ErrorIs(t, err, wallet.ErrUserRejected)
}

func TestPendingWaitReverted(t *testing.T) {
	ctx := context.Background()
	fake := NewFakeContract(alice)
	fake.Seed(FakeDeal{Sender: alice, Recipient: bob, State: StateActive})
	fake.RevertNext()

	pending, err := NewGateway(fake, fake).FinalizeToNFT(ctx, 0, "ipfs://meta")
	require.NoError(t, err)
	_, err = pending.Wait(ctx)
	var rejected *RemoteRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "transaction reverted", rejected.Reason)
}

type dataError struct {
	msg  string
	data any
}

func (e dataError) Error() string  { return e.msg }
func (e dataError) ErrorData() any { return e.data }

func TestRevertReasonFromData(t *testing.T) {
	stringTy, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	packed, err := abi.Arguments{{Type: stringTy}}.Pack("deposit too low")
	require.NoError(t, err)
	payload := append([]byte{0x08, 0xc3, 0x79, 0xa0}, packed...)

	err = classifyWriteError(dataError{msg: "execution reverted", data: hexutil.Encode(payload)})
	var rejected *RemoteRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "deposit too low", rejected.Reason)

	err = classifyWriteError(errors.New("insufficient funds for gas * price + value"))
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "insufficient funds for gas * price + value", rejected.Reason)

	assert.ErrorIs(t, classifyWriteError(context.Canceled), context.Canceled)
}
