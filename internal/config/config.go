package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// DeploymentConfig represents deployments.json as written by the contract deploy scripts.
type DeploymentConfig struct {
	ChainID   uint64 `json:"chainId"`
	Deployer  string `json:"deployer"`
	Contracts struct {
		Escrow string `json:"Escrow"`
	} `json:"contracts"`
	Network *Network `json:"network,omitempty"`
}

// Network is the single chain the dashboard requires. It doubles as the definition handed to
// wallet_addEthereumChain when the wallet does not know it yet.
type Network struct {
	ChainID     uint64   `json:"chainId"`
	Name        string   `json:"name"`
	RPCURL      string   `json:"rpcUrl"`
	ExplorerURL string   `json:"explorerUrl"`
	Currency    Currency `json:"nativeCurrency"`
}

type Currency struct {
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
}

func (n Network) HexChainID() string {
	return hexutil.EncodeUint64(n.ChainID)
}

// TxURL links a transaction hash to the network's block explorer.
func (n Network) TxURL(hash string) string {
	if n.ExplorerURL == "" || hash == "" {
		return ""
	}
	return n.ExplorerURL + "/tx/" + hash
}

// AppConfig ties together deployment info and derived values.
type AppConfig struct {
	Deployment DeploymentConfig
	Network    Network
	Contract   ContractConfig
	Chain      ChainConfig
	Service    ServiceConfig
	Tx         TxConfig
	Scan       ScanConfig
	Log        LogConfig
}

type ContractConfig struct {
	Address string
}

type ChainConfig struct {
	PrivateKey          string
	EventLookbackBlocks uint64
}

type ServiceConfig struct {
	HTTPPort               int
	HMACSecret             string
	HMACSignatureHeader    string
	HMACTimestampHeader    string
	CORSOrigins            []string
	HMACClockSkew          time.Duration
	IdempotencyWindow      time.Duration
	IdempotencyStorePath   string
	IdempotencyPostgresDSN string
	ShutdownTimeout        time.Duration
}

type TxConfig struct {
	// ResetDelay is how long a Succeeded/Failed banner stays up before falling back to Idle.
	ResetDelay time.Duration
}

type ScanConfig struct {
	Concurrency int
	// MaxDeals refuses scans of contracts reporting more deals than this.
	MaxDeals uint64
}

type LogConfig struct {
	Level  string
	Format string
	File   string
}

const defaultDeploymentsPath = "deployments.json"

// BaseMainnet is the default required network.
var BaseMainnet = Network{
	ChainID:     8453,
	Name:        "Base",
	RPCURL:      "https://mainnet.base.org",
	ExplorerURL: "https://basescan.org",
	Currency:    Currency{Name: "Ether", Symbol: "ETH", Decimals: 18},
}

// Load aggregates configuration from disk and environment. A missing deployments file is not an
// error; the contract address can come from ESCROW_CONTRACT_ADDRESS instead.
func Load() (*AppConfig, error) {
	deploymentsPath := envOr("DEPLOYMENTS_PATH", defaultDeploymentsPath)

	deployCfg, err := loadDeployments(deploymentsPath)
	if err != nil {
		return nil, fmt.Errorf("load deployments: %w", err)
	}

	network := BaseMainnet
	if deployCfg.Network != nil {
		network = *deployCfg.Network
	}
	if deployCfg.ChainID != 0 {
		network.ChainID = deployCfg.ChainID
	}
	network.ChainID = uint64(envOrInt("REQUIRED_CHAIN_ID", int(network.ChainID)))
	network.RPCURL = envOr("CHAIN_RPC_URL", network.RPCURL)

	cfg := &AppConfig{
		Deployment: *deployCfg,
		Network:    network,
		Contract: ContractConfig{
			Address: envOr("ESCROW_CONTRACT_ADDRESS", deployCfg.Contracts.Escrow),
		},
		Chain: ChainConfig{
			PrivateKey:          envOr("CHAIN_PRIVATE_KEY", ""),
			EventLookbackBlocks: uint64(envOrInt("EVENT_LOOKBACK_BLOCKS", 10000)),
		},
		Service: ServiceConfig{
			HTTPPort:               envOrInt("API_HTTP_PORT", 3000),
			HMACSecret:             envOr("HMAC_SECRET", ""),
			HMACSignatureHeader:    envOr("HMAC_SIGNATURE_HEADER", ""),
			HMACTimestampHeader:    envOr("HMAC_TIMESTAMP_HEADER", ""),
			CORSOrigins:            envList("CORS_ALLOWED_ORIGINS"),
			HMACClockSkew:          time.Duration(envOrInt("HMAC_CLOCK_SKEW_SECONDS", 60)) * time.Second,
			IdempotencyWindow:      time.Duration(envOrInt("IDEMPOTENCY_WINDOW_SECONDS", 86400)) * time.Second,
			IdempotencyStorePath:   envOr("IDEMPOTENCY_STORE_PATH", filepath.Join(os.TempDir(), "escrowdash-idem.json")),
			IdempotencyPostgresDSN: envOr("IDEMPOTENCY_POSTGRES_DSN", ""),
			ShutdownTimeout:        time.Duration(envOrInt("SHUTDOWN_TIMEOUT_SECONDS", 10)) * time.Second,
		},
		Tx: TxConfig{
			ResetDelay: time.Duration(envOrInt("TX_RESET_DELAY_MS", 5000)) * time.Millisecond,
		},
		Scan: ScanConfig{
			Concurrency: envOrInt("SCAN_CONCURRENCY", 8),
			MaxDeals:    uint64(envOrInt("SCAN_MAX_DEALS", 100000)),
		},
		Log: LogConfig{
			Level:  envOr("LOG_LEVEL", "info"),
			Format: envOr("LOG_FORMAT", "console"),
			File:   envOr("LOG_FILE", ""),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) Validate() error {
	if c.Contract.Address == "" {
		return errors.New("escrow contract address is required (deployments.json or ESCROW_CONTRACT_ADDRESS)")
	}
	if c.Network.ChainID == 0 {
		return errors.New("required chain id must be non-zero")
	}
	if c.Network.RPCURL == "" {
		return errors.New("rpc url is required")
	}
	if c.Scan.Concurrency <= 0 {
		c.Scan.Concurrency = 1
	}
	if c.Scan.MaxDeals == 0 {
		return errors.New("scan max deals must be positive")
	}
	return nil
}

func loadDeployments(path string) (*DeploymentConfig, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &DeploymentConfig{}, nil
	}
	if err != nil {
		return nil, err
	}
	var cfg DeploymentConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}

// envList splits a comma-separated variable, dropping empty entries.
func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
