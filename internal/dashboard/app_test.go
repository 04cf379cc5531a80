package dashboard

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"escrowdash/internal/config"
	"escrowdash/internal/escrow"
	"escrowdash/internal/session"
	"escrowdash/internal/txflow"
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

type harness struct {
	provider *wallet.FakeProvider
	contract *escrow.FakeContract
	app      *App

	mu    sync.Mutex
	binds []common.Address
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		provider: wallet.NewFakeProvider(config.BaseMainnet.ChainID, aliceHex, bobHex),
		contract: escrow.NewFakeContract(alice),
	}
	h.contract.Seed(escrow.FakeDeal{Sender: alice, Recipient: bob, State: escrow.StateCreated, Value: big.NewInt(10)})
	h.contract.Seed(escrow.FakeDeal{Sender: bob, Recipient: bob, State: escrow.StateActive, Value: big.NewInt(20)})
	h.contract.Seed(escrow.FakeDeal{Sender: bob, Recipient: alice, State: escrow.StateActive, Value: big.NewInt(30)})

	sess := session.New(h.provider, config.BaseMainnet, zap.NewNop())
	h.app = New(sess, h.contract, Config{ResetDelay: time.Hour},
		WithBinder(func(handle *wallet.Handle) (escrow.Contract, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.binds = append(h.binds, handle.Account)
			h.contract.From = handle.Account
			return h.contract, nil
		}),
	)
	t.Cleanup(h.app.Close)
	return h
}

func (h *harness) bound() []common.Address {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]common.Address(nil), h.binds...)
}

func TestReadsBeforeConnect(t *testing.T) {
	h := newHarness(t)

	view := h.app.Deal(context.Background(), 2)
	require.True(t, view.Loaded)
	require.NotNil(t, view.Snapshot)
	assert.Equal(t, bob, view.Snapshot.Initiator)
	assert.False(t, h.app.Gateway().Writable())

	rec, err := h.app.Execute(context.Background(), 0, escrow.ActionActivate, ActionParams{})
	assert.ErrorIs(t, err, escrow.ErrWalletNotConnected)
	assert.Equal(t, txflow.Failed, rec.Phase)
	assert.Empty(t, h.contract.Sent())

	_, err = h.app.ListDeals(context.Background())
	assert.ErrorIs(t, err, session.ErrNotConnected)
}

func TestExecuteAfterConnectRefreshesDeal(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.app.Session().Connect(context.Background()))
	assert.Equal(t, []common.Address{alice}, h.bound())
	assert.True(t, h.app.Gateway().Writable())

	rec, err := h.app.Execute(context.Background(), 0, escrow.ActionActivate, ActionParams{})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.TxHash)

	require.Eventually(t, func() bool {
		return h.app.TxStatus(0).Phase == txflow.Succeeded
	}, time.Second, 5*time.Millisecond)

	view := h.app.Deal(context.Background(), 0)
	assert.Equal(t, escrow.StateActive, view.Snapshot.State)
	assert.Equal(t, []escrow.EventKind{escrow.EventActivated}, kinds(view.Events))
}

func kinds(events []escrow.EventRecord) []escrow.EventKind {
	out := []escrow.EventKind{}
	for _, ev := range events {
		out = append(out, ev.Kind)
	}
	return out
}

func TestReadsDoNotTrackDeals(t *testing.T) {
	h := newHarness(t)

	for id := uint64(0); id < 50; id++ {
		h.app.Deal(context.Background(), id)
		assert.Equal(t, txflow.Idle, h.app.TxStatus(id).Phase)
	}
	assert.Zero(t, h.app.Tracked())

	view := h.app.Deal(context.Background(), 1<<40)
	assert.True(t, view.Loaded)
	assert.False(t, view.Snapshot != nil && view.Snapshot.Exists())
	assert.Zero(t, h.app.Tracked())

	require.NoError(t, h.app.Session().Connect(context.Background()))
	_, err := h.app.Execute(context.Background(), 0, escrow.ActionActivate, ActionParams{})
	require.NoError(t, err)
	assert.Equal(t, 1, h.app.Tracked())
	require.Eventually(t, func() bool {
		return h.app.TxStatus(0).Phase == txflow.Succeeded
	}, time.Second, 5*time.Millisecond)
}

func TestListDealsForConnectedIdentity(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.app.Session().Connect(context.Background()))

	listing, err := h.app.ListDeals(context.Background())
	require.NoError(t, err)
	ids := []uint64{}
	for _, d := range listing.Deals {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []uint64{0, 2}, ids)
	assert.Equal(t, 1, listing.Stats.Created)
	assert.Equal(t, 1, listing.Stats.Active)
}

func TestWrongNetworkGatesWritesAndScans(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.app.Session().Connect(context.Background()))
	h.provider.EmitChain(1)

	_, err := h.app.Execute(context.Background(), 0, escrow.ActionActivate, ActionParams{})
	assert.ErrorIs(t, err, escrow.ErrWrongNetwork)
	_, err = h.app.ListDeals(context.Background())
	assert.ErrorIs(t, err, session.ErrWrongNetwork)
	assert.Empty(t, h.contract.Sent())
}

func TestAccountChangeRebindsGateway(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.app.Session().Connect(context.Background()))
	before := h.app.Gateway()

	h.provider.EmitAccounts(bobHex)
	assert.Equal(t, []common.Address{alice, bob}, h.bound())
	assert.NotSame(t, before, h.app.Gateway())

	h.provider.EmitAccounts()
	assert.False(t, h.app.Gateway().Writable())
}

func TestExecuteValidatesInput(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.app.Session().Connect(context.Background()))

	_, err := h.app.Execute(context.Background(), 2, escrow.ActionFinalizeNFT, ActionParams{})
	assert.True(t, IsInputError(err))
	_, err = h.app.Execute(context.Background(), 2, escrow.ActionResolveDispute, ActionParams{RecipientBps: 10001})
	assert.Error(t, err)
	assert.Equal(t, txflow.Idle, h.app.TxStatus(2).Phase)
}

func TestCreateAndWaitForDeal(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.app.Session().Connect(context.Background()))

	_, err := h.app.Create(context.Background(), CreateParams{Counterparty: bob})
	assert.True(t, IsInputError(err))

	rec, err := h.app.Create(context.Background(), CreateParams{Counterparty: bob, Value: big.NewInt(1e15), Reference: "po-9"})
	require.NoError(t, err)
	assert.Equal(t, "Create Deal", rec.Action)
	require.Eventually(t, func() bool {
		return h.app.CreateStatus().Phase == txflow.Succeeded
	}, time.Second, 5*time.Millisecond)

	n, err := h.app.CountAgreements(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(4), n)
}

func TestExecuteAndWaitFinalizes(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.app.Session().Connect(context.Background()))

	rec, err := h.app.ExecuteAndWait(context.Background(), 2, escrow.ActionFinalizeStable, ActionParams{})
	require.NoError(t, err)
	assert.Equal(t, txflow.Succeeded, rec.Phase)
	assert.Equal(t, escrow.StateFinalizedStable, h.app.Deal(context.Background(), 2).Snapshot.State)
}
