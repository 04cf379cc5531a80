package wallet

import (
	"context"
	"encoding/json"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"escrowdash/internal/notify"
)

// FakeProvider is an in-memory wallet for tests. It records every request method and lets the
// test push notifications as if the extension fired them.
type FakeProvider struct {
	mu        sync.Mutex
	accounts  []string
	chainID   uint64
	known     map[uint64]bool
	failures  map[string][]error
	signerErr error
	calls     []string

	accountsHub notify.Hub[json.RawMessage]
	chainsHub   notify.Hub[json.RawMessage]
}

func NewFakeProvider(chainID uint64, accounts ...string) *FakeProvider {
	return &FakeProvider{
		accounts: accounts,
		chainID:  chainID,
		known:    map[uint64]bool{chainID: true},
		failures: make(map[string][]error),
	}
}

// FailNext queues err as the reply to the next request for method.
func (f *FakeProvider) FailNext(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[method] = append(f.failures[method], err)
}

// SetSignerError makes Signer fail until reset with nil.
func (f *FakeProvider) SetSignerError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signerErr = err
}

func (f *FakeProvider) Forget(chainID uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.known, chainID)
}

func (f *FakeProvider) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *FakeProvider) CountCalls(method string) int {
	n := 0
	for _, c := range f.Calls() {
		if c == method {
			n++
		}
	}
	return n
}

func (f *FakeProvider) ChainID() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chainID
}

func (f *FakeProvider) Request(_ context.Context, method string, params ...any) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, method)
	if queued := f.failures[method]; len(queued) > 0 {
		err := queued[0]
		f.failures[method] = queued[1:]
		f.mu.Unlock()
		return nil, err
	}

	switch method {
	case MethodRequestAccounts, MethodAccounts:
		out := mustJSON(append([]string{}, f.accounts...))
		f.mu.Unlock()
		return out, nil
	case MethodChainID:
		out := mustJSON(hexutil.EncodeUint64(f.chainID))
		f.mu.Unlock()
		return out, nil
	case MethodSwitchChain:
		var in SwitchChainParams
		if err := decodeParam(params, &in); err != nil {
			f.mu.Unlock()
			return nil, err
		}
		id, err := hexutil.DecodeUint64(in.ChainID)
		if err != nil {
			f.mu.Unlock()
			return nil, &RPCError{Code: -32602, Message: err.Error()}
		}
		if !f.known[id] {
			f.mu.Unlock()
			return nil, &RPCError{Code: CodeUnrecognizedChain, Message: "Unrecognized chain ID"}
		}
		f.chainID = id
		f.mu.Unlock()
		f.chainsHub.Publish(mustJSON(in.ChainID))
		return mustJSON(nil), nil
	case MethodAddChain:
		var in AddChainParams
		if err := decodeParam(params, &in); err != nil {
			f.mu.Unlock()
			return nil, err
		}
		id, err := hexutil.DecodeUint64(in.ChainID)
		if err != nil {
			f.mu.Unlock()
			return nil, &RPCError{Code: -32602, Message: err.Error()}
		}
		f.known[id] = true
		f.mu.Unlock()
		return mustJSON(nil), nil
	default:
		f.mu.Unlock()
		return nil, &RPCError{Code: CodeUnsupportedMethod, Message: method}
	}
}

func (f *FakeProvider) On(event string, handler func(json.RawMessage)) func() {
	switch event {
	case EventAccountsChanged:
		return f.accountsHub.Subscribe(handler)
	case EventChainChanged:
		return f.chainsHub.Subscribe(handler)
	default:
		return func() {}
	}
}

func (f *FakeProvider) Subscribers() int {
	return f.accountsHub.Len() + f.chainsHub.Len()
}

func (f *FakeProvider) Signer(_ context.Context, account common.Address) (*Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "signer")
	if f.signerErr != nil {
		return nil, f.signerErr
	}
	return &Handle{
		Account: account,
		ChainID: new(big.Int).SetUint64(f.chainID),
	}, nil
}

// EmitAccounts fires accountsChanged with the given list.
func (f *FakeProvider) EmitAccounts(accounts ...string) {
	f.mu.Lock()
	f.accounts = append([]string{}, accounts...)
	f.mu.Unlock()
	f.accountsHub.Publish(mustJSON(append([]string{}, accounts...)))
}

// EmitChain fires chainChanged for id.
func (f *FakeProvider) EmitChain(id uint64) {
	f.mu.Lock()
	f.chainID = id
	f.mu.Unlock()
	f.chainsHub.Publish(mustJSON(hexutil.EncodeUint64(id)))
}
