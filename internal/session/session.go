package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"

	"escrowdash/internal/config"
	"escrowdash/internal/notify"
	"escrowdash/internal/wallet"
)

var (
	ErrNotConnected = errors.New("wallet not connected")
	ErrWrongNetwork = errors.New("wallet is on the wrong network")
	errNoAccounts   = errors.New("wallet returned no accounts")
	errInvalidReply = errors.New("unexpected wallet reply")
)

// ProviderError wraps any wallet failure that is neither a rejection nor an absent provider.
type ProviderError struct {
	Op  string
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("wallet %s: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// State is an immutable copy of the session. Handle is non-nil exactly when Account is.
type State struct {
	Account         *common.Address
	ChainID         uint64
	RequiredChainID uint64
	Handle          *wallet.Handle
	Connecting      bool
	Err             error
}

func (s State) Connected() bool { return s.Account != nil }

func (s State) OnRequiredNetwork() bool {
	return s.ChainID != 0 && s.ChainID == s.RequiredChainID
}

// CanWrite gates every write path and the collection scanner.
func (s State) CanWrite() error {
	if !s.Connected() {
		return ErrNotConnected
	}
	if !s.OnRequiredNetwork() {
		return ErrWrongNetwork
	}
	return nil
}

// Manager owns the one wallet session of a dashboard instance.
type Manager struct {
	provider wallet.Provider
	network  config.Network
	log      *zap.Logger

	mu     sync.Mutex
	state  State
	unsubs []func()

	observers notify.Hub[State]
}

// New registers the provider notifications for the lifetime of the manager. A nil provider
// means no wallet is reachable; Connect then fails with wallet.ErrProviderUnavailable.
func New(provider wallet.Provider, network config.Network, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		provider: provider,
		network:  network,
		log:      log.Named("session"),
		state:    State{RequiredChainID: network.ChainID},
	}
	if provider != nil {
		m.unsubs = append(m.unsubs,
			provider.On(wallet.EventAccountsChanged, m.handleAccountsChanged),
			provider.On(wallet.EventChainChanged, m.handleChainChanged),
		)
	}
	return m
}

// Close releases the provider subscriptions.
func (m *Manager) Close() {
	m.mu.Lock()
	unsubs := m.unsubs
	m.unsubs = nil
	m.mu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

func (m *Manager) Network() config.Network { return m.network }

// Subscribe registers fn for every state change.
func (m *Manager) Subscribe(fn func(State)) func() {
	return m.observers.Subscribe(fn)
}

// Connect asks the wallet to reveal an identity, binds a signing handle and, when the wallet
// sits on another chain, attempts a network switch before returning.
func (m *Manager) Connect(ctx context.Context) error {
	if m.provider == nil {
		return m.fail(wallet.ErrProviderUnavailable)
	}

	m.mutate(func(s *State) {
		s.Connecting = true
		s.Err = nil
	})

	account, chainID, handle, err := m.reveal(ctx)
	if err != nil {
		m.mutate(func(s *State) {
			s.Connecting = false
			s.Err = err
		})
		m.log.Warn("connect failed", zap.Error(err))
		return err
	}

	m.mutate(func(s *State) {
		s.Account = &account
		s.ChainID = chainID
		s.Handle = handle
		s.Connecting = false
	})
	m.log.Info("wallet connected", zap.String("account", account.Hex()), zap.Uint64("chain_id", chainID))

	if chainID != m.network.ChainID {
		// A failed switch leaves the session connected on the wrong network.
		if err := m.SwitchNetwork(ctx); err != nil {
			m.log.Warn("network switch after connect failed", zap.Error(err))
		}
	}
	return nil
}

func (m *Manager) reveal(ctx context.Context) (common.Address, uint64, *wallet.Handle, error) {
	raw, err := m.provider.Request(ctx, wallet.MethodRequestAccounts)
	if err != nil {
		return common.Address{}, 0, nil, classify("request accounts", err)
	}
	var accounts []string
	if err := json.Unmarshal(raw, &accounts); err != nil {
		return common.Address{}, 0, nil, &ProviderError{Op: "request accounts", Err: errInvalidReply}
	}
	if len(accounts) == 0 {
		return common.Address{}, 0, nil, &ProviderError{Op: "request accounts", Err: errNoAccounts}
	}
	if !common.IsHexAddress(accounts[0]) {
		return common.Address{}, 0, nil, &ProviderError{Op: "request accounts", Err: fmt.Errorf("%w: %q", errInvalidReply, accounts[0])}
	}
	account := common.HexToAddress(accounts[0])

	raw, err = m.provider.Request(ctx, wallet.MethodChainID)
	if err != nil {
		return common.Address{}, 0, nil, classify("chain id", err)
	}
	chainID, err := decodeChainID(raw)
	if err != nil {
		return common.Address{}, 0, nil, &ProviderError{Op: "chain id", Err: err}
	}

	handle, err := m.provider.Signer(ctx, account)
	if err != nil {
		return common.Address{}, 0, nil, classify("signer", err)
	}
	return account, chainID, handle, nil
}

// SwitchNetwork asks the wallet to move to the required chain. If the wallet does not know the
// chain it is registered once and the switch retried once. Failures are recorded in State.Err
// and returned; the rest of the session is left untouched.
func (m *Manager) SwitchNetwork(ctx context.Context) error {
	if m.provider == nil {
		return m.fail(wallet.ErrProviderUnavailable)
	}

	target := wallet.SwitchChainParams{ChainID: m.network.HexChainID()}
	_, err := m.provider.Request(ctx, wallet.MethodSwitchChain, target)
	if err == nil {
		return nil
	}
	if !wallet.IsUnrecognizedChain(err) {
		return m.fail(classify("switch network", err))
	}

	m.log.Info("required network unknown to wallet, registering it", zap.Uint64("chain_id", m.network.ChainID))
	if _, err := m.provider.Request(ctx, wallet.MethodAddChain, m.addChainParams()); err != nil {
		return m.fail(classify("add network", err))
	}
	if _, err := m.provider.Request(ctx, wallet.MethodSwitchChain, target); err != nil {
		return m.fail(classify("switch network", err))
	}
	return nil
}

func (m *Manager) addChainParams() wallet.AddChainParams {
	params := wallet.AddChainParams{
		ChainID:   m.network.HexChainID(),
		ChainName: m.network.Name,
		NativeCurrency: wallet.NativeCurrency{
			Name:     m.network.Currency.Name,
			Symbol:   m.network.Currency.Symbol,
			Decimals: m.network.Currency.Decimals,
		},
		RPCURLs: []string{m.network.RPCURL},
	}
	if m.network.ExplorerURL != "" {
		params.BlockExplorerURLs = []string{m.network.ExplorerURL}
	}
	return params
}

// Disconnect is a local reset; the wallet is not contacted.
func (m *Manager) Disconnect() {
	m.mutate(func(s *State) {
		*s = State{RequiredChainID: s.RequiredChainID}
	})
	m.log.Info("wallet disconnected")
}

func (m *Manager) handleAccountsChanged(raw json.RawMessage) {
	var accounts []string
	if err := json.Unmarshal(raw, &accounts); err != nil {
		m.log.Warn("ignoring malformed accountsChanged", zap.Error(err))
		return
	}
	if len(accounts) == 0 {
		m.Disconnect()
		return
	}
	if !common.IsHexAddress(accounts[0]) {
		m.log.Warn("ignoring accountsChanged with invalid address", zap.String("account", accounts[0]))
		return
	}

	account := common.HexToAddress(accounts[0])
	handle, err := m.provider.Signer(context.Background(), account)
	if err != nil {
		err = classify("signer", err)
		m.mutate(func(s *State) {
			*s = State{RequiredChainID: s.RequiredChainID, Err: err}
		})
		m.log.Warn("could not bind changed account", zap.String("account", account.Hex()), zap.Error(err))
		return
	}
	m.mutate(func(s *State) {
		s.Account = &account
		s.Handle = handle
		s.Err = nil
	})
	m.log.Info("wallet account changed", zap.String("account", account.Hex()))
}

func (m *Manager) handleChainChanged(raw json.RawMessage) {
	chainID, err := decodeChainID(raw)
	if err != nil {
		m.log.Warn("ignoring malformed chainChanged", zap.Error(err))
		return
	}

	account := m.State().Account
	var handle *wallet.Handle
	if account != nil {
		handle, err = m.provider.Signer(context.Background(), *account)
		if err != nil {
			err = classify("signer", err)
			m.mutate(func(s *State) {
				*s = State{RequiredChainID: s.RequiredChainID, ChainID: chainID, Err: err}
			})
			m.log.Warn("could not rebind after network change", zap.Error(err))
			return
		}
	}

	m.mutate(func(s *State) {
		s.ChainID = chainID
		if s.Account != nil && handle != nil {
			s.Handle = handle
		}
	})
	m.log.Info("wallet network changed", zap.Uint64("chain_id", chainID), zap.Bool("required", chainID == m.network.ChainID))
}

func (m *Manager) fail(err error) error {
	m.mutate(func(s *State) { s.Err = err })
	return err
}

func (m *Manager) mutate(fn func(*State)) {
	m.mu.Lock()
	fn(&m.state)
	snapshot := m.state.clone()
	m.mu.Unlock()
	m.observers.Publish(snapshot)
}

func (s State) clone() State {
	if s.Account != nil {
		account := *s.Account
		s.Account = &account
	}
	return s
}

func classify(op string, err error) error {
	switch {
	case errors.Is(err, wallet.ErrUserRejected):
		return fmt.Errorf("%w: %v", wallet.ErrUserRejected, err)
	case errors.Is(err, wallet.ErrProviderUnavailable):
		return err
	default:
		return &ProviderError{Op: op, Err: err}
	}
}

func decodeChainID(raw json.RawMessage) (uint64, error) {
	var hexID string
	if err := json.Unmarshal(raw, &hexID); err != nil {
		return 0, fmt.Errorf("%w: %s", errInvalidReply, raw)
	}
	return hexutil.DecodeUint64(hexID)
}
