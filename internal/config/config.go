// Package config holds the swap daemon configuration.
// It is stored as YAML in the data directory and created with defaults on
// first run.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/klingon-exchange/swapkit/internal/backend"
	"github.com/klingon-exchange/swapkit/internal/chain"
)

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// Defaults.
const (
	DefaultDataDir         = "~/.swapkit"
	DefaultRPCListen       = "127.0.0.1:8780"
	DefaultSeedFile        = "wallet.seed"
	DefaultProceedInterval = time.Minute
	DefaultWatchInterval   = 30 * time.Second
)

// Config holds all daemon configuration.
type Config struct {
	// Network is mainnet or testnet.
	Network chain.Network `yaml:"network"`

	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
	RPC     RPCConfig     `yaml:"rpc"`
	Wallet  WalletConfig  `yaml:"wallet"`
	Swap    SwapConfig    `yaml:"swap"`

	// Coins enables a gateway per coin symbol.
	Coins map[string]*CoinConfig `yaml:"coins"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	// DataDir is the directory for all data files.
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// File is the log file path (empty for stderr only).
	File string `yaml:"file"`
}

// RPCConfig holds the control API settings.
type RPCConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// WalletConfig holds wallet settings.
type WalletConfig struct {
	// SeedFile is the encrypted seed file, relative to the data dir unless absolute.
	SeedFile string `yaml:"seed_file"`
}

// SwapConfig holds swap scheduling settings.
type SwapConfig struct {
	// ProceedInterval is how often every live swap is retried.
	ProceedInterval time.Duration `yaml:"proceed_interval"`

	// WatchInterval is how often chain watches poll the backend.
	WatchInterval time.Duration `yaml:"watch_interval"`
}

// CoinConfig configures one coin's gateway.
type CoinConfig struct {
	// Backend reads chain data and broadcasts. Defaults to the public
	// mempool API for the coin and network.
	Backend *backend.Config `yaml:"backend,omitempty"`

	// Funder is a node wallet that pays bail outputs. Without it the daemon
	// can only watch and redeem on this coin.
	Funder *FunderConfig `yaml:"funder,omitempty"`

	// RedeemFee is a flat redeem fee in base units. Zero estimates it.
	RedeemFee int64 `yaml:"redeem_fee"`

	// MinConfirmations is how deep the counterparty's bail must be before
	// the swap acts on it. Zero means one confirmation.
	MinConfirmations int64 `yaml:"min_confirmations,omitempty"`
}

// FunderConfig points at a bitcoind-compatible wallet.
type FunderConfig struct {
	URL     string `yaml:"url"`
	RPCUser string `yaml:"rpc_user"`
	RPCPass string `yaml:"rpc_pass"`
	Wallet  string `yaml:"wallet,omitempty"`
}

// WalletURL returns the RPC URL scoped to the configured wallet.
func (f *FunderConfig) WalletURL() string {
	if f.Wallet == "" {
		return f.URL
	}
	return strings.TrimRight(f.URL, "/") + "/wallet/" + f.Wallet
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Network: chain.Mainnet,
		Storage: StorageConfig{
			DataDir: DefaultDataDir,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		RPC: RPCConfig{
			Enabled: true,
			Listen:  DefaultRPCListen,
		},
		Wallet: WalletConfig{
			SeedFile: DefaultSeedFile,
		},
		Swap: SwapConfig{
			ProceedInterval: DefaultProceedInterval,
			WatchInterval:   DefaultWatchInterval,
		},
		Coins: map[string]*CoinConfig{
			"BTC": {},
			"LTC": {},
		},
	}
}

// IsTestnet returns true if running on testnet.
func (c *Config) IsTestnet() bool {
	return c.Network == chain.Testnet
}

// CoinSymbols returns the configured coins in sorted order.
func (c *Config) CoinSymbols() []string {
	symbols := make([]string, 0, len(c.Coins))
	for symbol := range c.Coins {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

// BackendConfig returns the backend config for a coin, falling back to the
// public API for the configured network.
func (c *Config) BackendConfig(symbol string) (*backend.Config, error) {
	if coin, ok := c.Coins[symbol]; ok && coin != nil && coin.Backend != nil && coin.Backend.URL != "" {
		return coin.Backend, nil
	}
	urls, ok := backend.DefaultURLs()[symbol]
	if !ok {
		return nil, fmt.Errorf("no backend configured for %s", symbol)
	}
	return &backend.Config{Type: backend.TypeMempool, URL: urls[string(c.Network)]}, nil
}

// SeedPath returns the absolute seed file path.
func (c *Config) SeedPath() string {
	if filepath.IsAbs(c.Wallet.SeedFile) {
		return c.Wallet.SeedFile
	}
	return filepath.Join(ExpandPath(c.Storage.DataDir), c.Wallet.SeedFile)
}

// Validate checks the configuration for values the daemon cannot start with.
func (c *Config) Validate() error {
	if !c.Network.Valid() {
		return fmt.Errorf("invalid network %q", c.Network)
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}
	if c.RPC.Enabled && c.RPC.Listen == "" {
		return fmt.Errorf("rpc.listen is required when rpc is enabled")
	}
	if c.Swap.ProceedInterval <= 0 {
		return fmt.Errorf("swap.proceed_interval must be positive")
	}
	if c.Swap.WatchInterval <= 0 {
		return fmt.Errorf("swap.watch_interval must be positive")
	}
	if len(c.Coins) < 2 {
		return fmt.Errorf("at least two coins are required, have %d", len(c.Coins))
	}
	for _, symbol := range c.CoinSymbols() {
		if !chain.IsSupported(symbol) {
			return fmt.Errorf("coin %s is not supported", symbol)
		}
		coin := c.Coins[symbol]
		if coin == nil {
			continue
		}
		if coin.RedeemFee < 0 {
			return fmt.Errorf("coin %s: redeem_fee must not be negative", symbol)
		}
		if coin.MinConfirmations < 0 {
			return fmt.Errorf("coin %s: min_confirmations must not be negative", symbol)
		}
		if coin.Funder != nil && coin.Funder.URL == "" {
			return fmt.Errorf("coin %s: funder.url is required", symbol)
		}
	}
	return nil
}

// LoadConfig loads configuration from the config file in dataDir.
// If the file doesn't exist, it creates one with default values.
func LoadConfig(dataDir string) (*Config, error) {
	configPath := ConfigPath(dataDir)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir

		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from path over the defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	// Coins are replaced, not merged with the defaults.
	cfg.Coins = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if cfg.Coins == nil {
		cfg.Coins = DefaultConfig().Coins
	}
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# Swap daemon configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ConfigPath returns the full path to the config file for the given data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(ExpandPath(dataDir), ConfigFileName)
}

// ExpandPath expands ~ to the home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
