// Package main provides swapd, a daemon that runs HTLC atomic swaps between
// Bitcoin-family chains.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/klingon-exchange/swapkit/internal/backend"
	"github.com/klingon-exchange/swapkit/internal/chain"
	"github.com/klingon-exchange/swapkit/internal/config"
	"github.com/klingon-exchange/swapkit/internal/gateway"
	"github.com/klingon-exchange/swapkit/internal/rpc"
	"github.com/klingon-exchange/swapkit/internal/storage"
	"github.com/klingon-exchange/swapkit/internal/swap"
	"github.com/klingon-exchange/swapkit/internal/wallet"
	"github.com/klingon-exchange/swapkit/pkg/logging"
)

// PasswordEnv names the environment variable holding the seed password.
const PasswordEnv = "SWAPD_WALLET_PASSWORD"

var commit = "unknown"

func main() {
	var (
		dataDir     = flag.String("data-dir", config.DefaultDataDir, "Data directory")
		configFile  = flag.String("config", "", "Config file path (default: <data-dir>/config.yaml)")
		rpcAddr     = flag.String("rpc", "", "JSON-RPC listen address, overrides config")
		testnet     = flag.Bool("testnet", false, "Run on testnet (separate data directory)")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{
		Level:      "info",
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("swapd %s (commit: %s)", rpc.Version, commit)
		os.Exit(0)
	}

	effectiveDataDir := *dataDir
	if *testnet {
		effectiveDataDir = filepath.Join(*dataDir, "testnet")
	}

	var (
		cfg *config.Config
		err error
	)
	if *configFile != "" {
		cfg, err = config.LoadFile(*configFile)
	} else {
		cfg, err = config.LoadConfig(effectiveDataDir)
	}
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// CLI flags take precedence over the config file.
	if *testnet {
		cfg.Network = chain.Testnet
		cfg.Storage.DataDir = effectiveDataDir
	}
	if *rpcAddr != "" {
		cfg.RPC.Enabled = true
		cfg.RPC.Listen = *rpcAddr
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid config", "error", err)
	}

	var logOutput io.Writer
	if cfg.Logging.File != "" {
		w, closer, err := logging.OpenFile(config.ExpandPath(cfg.Logging.File))
		if err != nil {
			log.Fatal("Failed to open log file", "error", err)
		}
		defer closer.Close()
		logOutput = w
	}
	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
		Output:     logOutput,
	})
	logging.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Fatal("swapd failed", "error", err)
	}
	log.Info("Goodbye!")
}

func run(cfg *config.Config, log *logging.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dataPath := config.ExpandPath(cfg.Storage.DataDir)
	store, err := storage.New(&storage.Config{DataDir: dataPath})
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()
	log.Info("Storage initialized", "path", dataPath)

	password := os.Getenv(PasswordEnv)
	if password == "" {
		return fmt.Errorf("%s is not set", PasswordEnv)
	}
	w, mnemonic, err := wallet.Open(cfg.SeedPath(), password, cfg.Network)
	if err != nil {
		return fmt.Errorf("failed to open wallet: %w", err)
	}
	defer w.ClearCache()
	if mnemonic != "" {
		printMnemonic(mnemonic)
	}
	log.Info("Wallet opened", "network", cfg.Network, "seed", cfg.SeedPath())

	registry := swap.NewRegistry()
	backends, err := registerCoins(ctx, cfg, w, store, registry, log)
	defer func() {
		for _, b := range backends {
			b.Close()
		}
	}()
	if err != nil {
		return err
	}

	coordinator := swap.NewCoordinator(&swap.CoordinatorConfig{
		Store:    store,
		Registry: registry,
	})
	defer coordinator.Close()

	coordinator.OnEvent(func(e swap.SwapEvent) {
		log.Component("swap").Info("Swap event", "swap_id", e.SwapID, "type", e.Type, "role", e.Role, "state", e.State)
	})

	if err := coordinator.Load(ctx); err != nil {
		log.Warn("Failed to load pending swaps", "error", err)
	} else {
		log.Info("Pending swaps loaded", "live", len(coordinator.Swaps()))
	}

	monitor := swap.NewMonitor(coordinator, &swap.MonitorConfig{
		Interval:      cfg.Swap.ProceedInterval,
		RequireSynced: true,
	})
	monitor.Start()
	defer monitor.Stop()

	var rpcServer *rpc.Server
	if cfg.RPC.Enabled {
		rpcServer = rpc.NewServer(coordinator, rpc.Config{
			Network: string(cfg.Network),
			Coins:   cfg.CoinSymbols(),
		})
		if err := rpcServer.Start(cfg.RPC.Listen); err != nil {
			return fmt.Errorf("failed to start RPC server: %w", err)
		}
	}

	printBanner(log, cfg, rpcServer)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("Shutting down...")

	if rpcServer != nil {
		if err := rpcServer.Stop(); err != nil {
			log.Error("Error stopping RPC server", "error", err)
		}
	}
	return nil
}

// registerCoins connects each configured coin's backend and registers a
// gateway factory for it. The returned backends must be closed by the caller,
// also on error.
func registerCoins(ctx context.Context, cfg *config.Config, w *wallet.Wallet, store *storage.Storage, registry *swap.Registry, log *logging.Logger) ([]backend.Backend, error) {
	var backends []backend.Backend
	for _, symbol := range cfg.CoinSymbols() {
		coin := cfg.Coins[symbol]
		params, ok := chain.Get(symbol, cfg.Network)
		if !ok {
			return backends, fmt.Errorf("coin %s is not supported on %s", symbol, cfg.Network)
		}

		bcfg, err := cfg.BackendConfig(symbol)
		if err != nil {
			return backends, err
		}
		b, err := backend.New(bcfg)
		if err != nil {
			return backends, fmt.Errorf("%s: %w", symbol, err)
		}
		backends = append(backends, b)
		if err := b.Connect(ctx); err != nil {
			log.Warn("Backend not reachable yet", "coin", symbol, "url", bcfg.URL, "error", err)
		}

		keys, err := wallet.NewKeySource(w, symbol, store)
		if err != nil {
			return backends, fmt.Errorf("%s: %w", symbol, err)
		}

		gcfg := gateway.Config{
			Params:        params,
			Backend:       b,
			Keys:          keys,
			WatchInterval: cfg.Swap.WatchInterval,
		}
		if coin != nil {
			gcfg.RedeemFee = coin.RedeemFee
			gcfg.MinConfirmations = coin.MinConfirmations
			if coin.Funder != nil {
				funder := backend.NewJSONRPCBackend(coin.Funder.WalletURL(), coin.Funder.RPCUser, coin.Funder.RPCPass)
				backends = append(backends, funder)
				gcfg.Funder = funder
			}
		}
		if gcfg.Funder == nil {
			log.Warn("No funder configured, bails cannot be sent", "coin", symbol)
		}

		factory, err := gateway.NewFactory(gcfg)
		if err != nil {
			return backends, err
		}
		registry.Register(symbol, factory)
		log.Info("Coin enabled", "coin", symbol, "backend", bcfg.Type, "url", bcfg.URL)
	}
	return backends, nil
}

func printMnemonic(mnemonic string) {
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "A new wallet was created. Write down this recovery phrase and keep it safe.")
	fmt.Fprintln(os.Stderr, "It will not be shown again.")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintf(os.Stderr, "  %s\n", mnemonic)
	fmt.Fprintln(os.Stderr, "")
}

func printBanner(log *logging.Logger, cfg *config.Config, rpcServer *rpc.Server) {
	networkLabel := "mainnet"
	if cfg.IsTestnet() {
		networkLabel = "TESTNET"
	}

	log.Info("")
	log.Info("=================================================")
	log.Infof("  Swap daemon (%s)", networkLabel)
	log.Infof("  Version: %s", rpc.Version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  Coins: %v", cfg.CoinSymbols())
	if rpcServer != nil {
		addr := rpcServer.Addr()
		log.Infof("  API: http://%s", addr)
		log.Infof("  WS:  ws://%s/ws", addr)
	} else {
		log.Info("  API: disabled")
	}
	log.Infof("  Data dir: %s", config.ExpandPath(cfg.Storage.DataDir))
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
