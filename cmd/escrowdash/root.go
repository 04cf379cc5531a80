package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"escrowdash/internal/config"
	"escrowdash/internal/dashboard"
	"escrowdash/internal/escrow"
	"escrowdash/internal/logging"
	"escrowdash/internal/server"
	"escrowdash/internal/session"
	"escrowdash/internal/wallet"
)

type globalFlags struct {
	LogLevel string
	Pretty   bool
}

var flags globalFlags

var rootCmd = &cobra.Command{
	Use:   "escrowdash",
	Short: "Escrow deal dashboard",
	Long: `escrowdash drives an escrow contract on behalf of one wallet identity.

Configuration comes from deployments.json and the environment (ESCROW_CONTRACT_ADDRESS,
CHAIN_RPC_URL, CHAIN_PRIVATE_KEY, ...). Without CHAIN_PRIVATE_KEY every view is read-only.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "", "override LOG_LEVEL")
	rootCmd.PersistentFlags().BoolVar(&flags.Pretty, "pretty", false, "indent JSON output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(dealsCmd)
	rootCmd.AddCommand(dealCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(actCmd)
}

// runtime is everything a command needs, built from config.
type runtime struct {
	cfg      *config.AppConfig
	log      *zap.Logger
	app      *dashboard.App
	metrics  *server.Metrics
	provider *wallet.KeyedProvider
	readOnly *escrow.BoundContract
}

func buildRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if flags.LogLevel != "" {
		cfg.Log.Level = flags.LogLevel
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg, log: log, metrics: server.NewMetrics()}
	address := common.HexToAddress(cfg.Contract.Address)

	var readOnly escrow.Contract
	rt.readOnly, err = escrow.DialReadOnly(ctx, cfg.Network.RPCURL, address)
	if err != nil {
		log.Warn("read endpoint unavailable, views will render as unknown", zap.Error(err))
	} else {
		readOnly = rt.readOnly
	}

	var provider wallet.Provider
	if cfg.Chain.PrivateKey != "" {
		rt.provider, err = wallet.NewKeyedProvider(ctx, wallet.KeyedConfig{
			PrivateKeyHex: cfg.Chain.PrivateKey,
			RPCURL:        cfg.Network.RPCURL,
			ChainID:       cfg.Network.ChainID,
		}, log.Named("wallet"))
		if err != nil {
			rt.close()
			return nil, fmt.Errorf("wallet: %w", err)
		}
		provider = rt.provider
	}

	sess := session.New(provider, cfg.Network, log)
	rt.app = dashboard.New(sess, readOnly, dashboard.Config{
		Address:         address,
		ResetDelay:      cfg.Tx.ResetDelay,
		EventLookback:   cfg.Chain.EventLookbackBlocks,
		ScanConcurrency: cfg.Scan.Concurrency,
		ScanMaxDeals:    cfg.Scan.MaxDeals,
	},
		dashboard.WithLogger(log),
		dashboard.WithMetrics(rt.metrics),
	)
	return rt, nil
}

// connect reveals the keyed identity; commands that act for a wallet call it first.
func (rt *runtime) connect(ctx context.Context) error {
	if rt.provider == nil {
		return fmt.Errorf("CHAIN_PRIVATE_KEY is not set: %w", wallet.ErrProviderUnavailable)
	}
	return rt.app.Session().Connect(ctx)
}

func (rt *runtime) close() {
	if rt.app != nil {
		rt.app.Close()
	}
	if rt.provider != nil {
		rt.provider.Close()
	}
	if rt.readOnly != nil {
		rt.readOnly.Close()
	}
	_ = rt.log.Sync()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	if flags.Pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}
