package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"escrowdash/internal/contracts"
	"escrowdash/internal/wallet"
)

// Contract is the raw read/write/event surface of the escrow contract. The gateway builds on
// it; BoundContract talks to a node, FakeContract keeps state in memory.
type Contract interface {
	Call(ctx context.Context, method string, args ...any) ([]any, error)
	Transact(ctx context.Context, value *big.Int, method string, args ...any) (*types.Transaction, error)
	WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
	FilterLogs(ctx context.Context, event string, dealID *big.Int, lookback uint64) ([]types.Log, error)
}

// HealthChecker is implemented by contracts that can probe their node.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

var parsedABI = mustParseABI()

func mustParseABI() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(contracts.EscrowABI))
	if err != nil {
		panic(fmt.Sprintf("parse escrow abi: %v", err))
	}
	return parsed
}

// EventID is the topic0 hash of a contract event.
func EventID(event string) common.Hash {
	return parsedABI.Events[event].ID
}

// BoundContract drives the escrow contract through go-ethereum bindings.
type BoundContract struct {
	address   common.Address
	backend   wallet.Backend
	contract  *bind.BoundContract
	transacts *bind.TransactOpts
	poll      time.Duration
}

// Bind wraps a session handle. The result can read and, because the handle carries
// transact options, write.
func Bind(address common.Address, handle *wallet.Handle) (*BoundContract, error) {
	if handle == nil || handle.Backend == nil {
		return nil, fmt.Errorf("connection handle has no backend")
	}
	if handle.Opts == nil {
		return nil, fmt.Errorf("connection handle cannot sign")
	}
	return newBoundContract(address, handle.Backend, handle.Opts), nil
}

// DialReadOnly binds the contract over a plain RPC endpoint so views can render before any
// wallet connects.
func DialReadOnly(ctx context.Context, rpcURL string, address common.Address) (*BoundContract, error) {
	if rpcURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if address == (common.Address{}) {
		return nil, fmt.Errorf("escrow address is required")
	}

	cli, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	return newBoundContract(address, cli, nil), nil
}

func newBoundContract(address common.Address, backend wallet.Backend, opts *bind.TransactOpts) *BoundContract {
	return &BoundContract{
		address:   address,
		backend:   backend,
		contract:  bind.NewBoundContract(address, parsedABI, backend, backend, backend),
		transacts: opts,
		poll:      2 * time.Second,
	}
}

func (c *BoundContract) Address() common.Address { return c.address }

func (c *BoundContract) Call(ctx context.Context, method string, args ...any) ([]any, error) {
	var out []any
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	return out, nil
}

func (c *BoundContract) Transact(ctx context.Context, value *big.Int, method string, args ...any) (*types.Transaction, error) {
	if c.transacts == nil {
		return nil, fmt.Errorf("contract is read-only")
	}

	opts := *c.transacts
	opts.Context = ctx
	opts.Value = value
	opts.GasLimit = 0 // let node estimate

	tx, err := c.contract.Transact(&opts, method, args...)
	if err != nil {
		return nil, fmt.Errorf("%s tx: %w", method, err)
	}
	return tx, nil
}

func (c *BoundContract) WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	return WaitForReceipt(ctx, c.backend, tx.Hash(), c.poll)
}

func (c *BoundContract) FilterLogs(ctx context.Context, event string, dealID *big.Int, lookback uint64) ([]types.Log, error) {
	ev, ok := parsedABI.Events[event]
	if !ok {
		return nil, fmt.Errorf("unknown event %q", event)
	}

	query := ethereum.FilterQuery{
		Addresses: []common.Address{c.address},
		Topics:    [][]common.Hash{{ev.ID}, {common.BigToHash(dealID)}},
	}
	if lookback > 0 {
		head, err := c.backend.HeaderByNumber(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("head block: %w", err)
		}
		from := uint64(0)
		if n := head.Number.Uint64(); n > lookback {
			from = n - lookback
		}
		query.FromBlock = new(big.Int).SetUint64(from)
	}

	logs, err := c.backend.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("filter %s: %w", event, err)
	}
	return logs, nil
}

func (c *BoundContract) Ping(ctx context.Context) error {
	if c.backend == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := c.backend.HeaderByNumber(ctx, nil)
	return err
}

func (c *BoundContract) Close() {
	if closer, ok := c.backend.(interface{ Close() }); ok {
		closer.Close()
	}
}

// ReceiptFetcher is the part of a backend WaitForReceipt polls.
type ReceiptFetcher interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// WaitForReceipt polls until the transaction is mined or ctx is cancelled. There is no local
// timeout; confirmation latency belongs to the chain.
func WaitForReceipt(ctx context.Context, client ReceiptFetcher, hash common.Hash, every time.Duration) (*types.Receipt, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		receipt, err := client.TransactionReceipt(ctx, hash)
		if receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
