package wallet

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"escrowdash/internal/notify"
)

// KeyedProvider is a headless wallet backed by a single private key. It speaks the same
// request/notify contract as a browser extension so the session layer cannot tell them apart.
type KeyedProvider struct {
	key     *ecdsa.PrivateKey
	account common.Address
	dial    func(ctx context.Context, rawURL string) (Backend, error)
	log     *zap.Logger

	mu       sync.Mutex
	networks map[uint64]string
	backends map[uint64]Backend
	chainID  uint64

	accounts notify.Hub[json.RawMessage]
	chains   notify.Hub[json.RawMessage]
}

type KeyedConfig struct {
	PrivateKeyHex string
	RPCURL        string
	// ChainID of RPCURL. Zero means ask the node.
	ChainID uint64
	// Networks pre-registers additional chain id -> RPC URL pairs.
	Networks map[uint64]string
}

func NewKeyedProvider(ctx context.Context, cfg KeyedConfig, log *zap.Logger) (*KeyedProvider, error) {
	if cfg.PrivateKeyHex == "" {
		return nil, fmt.Errorf("private key is required")
	}
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if log == nil {
		log = zap.NewNop()
	}

	key, err := parsePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		return nil, err
	}

	p := &KeyedProvider{
		key:      key,
		account:  crypto.PubkeyToAddress(key.PublicKey),
		dial:     dialEthClient,
		log:      log,
		networks: make(map[uint64]string),
		backends: make(map[uint64]Backend),
		chainID:  cfg.ChainID,
	}
	for id, url := range cfg.Networks {
		p.networks[id] = url
	}

	if p.chainID == 0 {
		cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("dial rpc: %w", err)
		}
		id, err := cli.ChainID(ctx)
		if err != nil {
			cli.Close()
			return nil, fmt.Errorf("fetch chain id: %w", err)
		}
		p.chainID = id.Uint64()
		p.backends[p.chainID] = cli
	}
	p.networks[p.chainID] = cfg.RPCURL

	return p, nil
}

func dialEthClient(ctx context.Context, rawURL string) (Backend, error) {
	return ethclient.DialContext(ctx, rawURL)
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// Account is the address controlled by the key.
func (p *KeyedProvider) Account() common.Address {
	return p.account
}

func (p *KeyedProvider) Request(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	switch method {
	case MethodRequestAccounts, MethodAccounts:
		return mustJSON([]string{p.account.Hex()}), nil
	case MethodChainID:
		p.mu.Lock()
		id := p.chainID
		p.mu.Unlock()
		return mustJSON(hexutil.EncodeUint64(id)), nil
	case MethodSwitchChain:
		var in SwitchChainParams
		if err := decodeParam(params, &in); err != nil {
			return nil, err
		}
		return p.switchChain(ctx, in.ChainID)
	case MethodAddChain:
		var in AddChainParams
		if err := decodeParam(params, &in); err != nil {
			return nil, err
		}
		return p.addChain(in)
	default:
		return nil, &RPCError{Code: CodeUnsupportedMethod, Message: "unsupported method " + method}
	}
}

func (p *KeyedProvider) switchChain(ctx context.Context, hexID string) (json.RawMessage, error) {
	id, err := hexutil.DecodeUint64(hexID)
	if err != nil {
		return nil, &RPCError{Code: -32602, Message: "invalid chainId " + hexID}
	}

	p.mu.Lock()
	url, known := p.networks[id]
	current := p.chainID
	_, dialed := p.backends[id]
	p.mu.Unlock()
	if !known {
		return nil, &RPCError{Code: CodeUnrecognizedChain, Message: "Unrecognized chain ID " + hexID}
	}
	if current == id {
		return mustJSON(nil), nil
	}

	var backend Backend
	if !dialed {
		backend, err = p.dial(ctx, url)
		if err != nil {
			return nil, &RPCError{Code: CodeDisconnected, Message: err.Error()}
		}
	}

	p.mu.Lock()
	if _, raced := p.backends[id]; !raced && !dialed {
		p.backends[id] = backend
	}
	if p.chainID == id {
		p.mu.Unlock()
		return mustJSON(nil), nil
	}
	p.chainID = id
	p.mu.Unlock()

	p.log.Info("wallet switched network", zap.Uint64("chain_id", id))
	p.chains.Publish(mustJSON(hexutil.EncodeUint64(id)))
	return mustJSON(nil), nil
}

func (p *KeyedProvider) addChain(in AddChainParams) (json.RawMessage, error) {
	id, err := hexutil.DecodeUint64(in.ChainID)
	if err != nil {
		return nil, &RPCError{Code: -32602, Message: "invalid chainId " + in.ChainID}
	}
	if len(in.RPCURLs) == 0 || in.RPCURLs[0] == "" {
		return nil, &RPCError{Code: -32602, Message: "rpcUrls required"}
	}

	p.mu.Lock()
	p.networks[id] = in.RPCURLs[0]
	p.mu.Unlock()

	p.log.Info("wallet registered network", zap.Uint64("chain_id", id), zap.String("name", in.ChainName))
	return mustJSON(nil), nil
}

func (p *KeyedProvider) On(event string, handler func(json.RawMessage)) func() {
	switch event {
	case EventAccountsChanged:
		return p.accounts.Subscribe(handler)
	case EventChainChanged:
		return p.chains.Subscribe(handler)
	default:
		return func() {}
	}
}

func (p *KeyedProvider) Signer(ctx context.Context, account common.Address) (*Handle, error) {
	if account != p.account {
		return nil, &RPCError{Code: CodeUnauthorized, Message: "account not controlled by this wallet"}
	}

	p.mu.Lock()
	id := p.chainID
	backend, ok := p.backends[id]
	url := p.networks[id]
	p.mu.Unlock()

	if !ok {
		var err error
		backend, err = p.dial(ctx, url)
		if err != nil {
			return nil, &RPCError{Code: CodeDisconnected, Message: err.Error()}
		}
		p.mu.Lock()
		if existing, raced := p.backends[id]; raced {
			backend = existing
		} else {
			p.backends[id] = backend
		}
		p.mu.Unlock()
	}

	chainID := new(big.Int).SetUint64(id)
	opts, err := bind.NewKeyedTransactorWithChainID(p.key, chainID)
	if err != nil {
		return nil, fmt.Errorf("transactor: %w", err)
	}
	opts.Context = ctx

	return &Handle{
		Account: p.account,
		ChainID: chainID,
		Backend: backend,
		Opts:    opts,
	}, nil
}

// Revoke drops the account, which the session observes as a disconnect.
func (p *KeyedProvider) Revoke() {
	p.accounts.Publish(mustJSON([]string{}))
}

func (p *KeyedProvider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, backend := range p.backends {
		if closer, ok := backend.(interface{ Close() }); ok {
			closer.Close()
		}
		delete(p.backends, id)
	}
}
