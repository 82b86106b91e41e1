// Package backend provides chain data access for the Bitcoin-family gateways:
// looking up transactions by address or id, reading the tip height and
// broadcasting signed transactions. No private keys are handled here.
package backend

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotConnected       = errors.New("backend not connected")
	ErrTxNotFound         = errors.New("transaction not found")
	ErrAddressNotFound    = errors.New("address not found")
	ErrBroadcastFailed    = errors.New("broadcast failed")
	ErrRateLimited        = errors.New("rate limited")
	ErrUnsupportedBackend = errors.New("unsupported backend type")
	ErrNotSupported       = errors.New("operation not supported by backend")
)

// Type represents the backend type.
type Type string

const (
	TypeMempool   Type = "mempool"   // mempool.space API
	TypeEsplora   Type = "esplora"   // blockstream.info API
	TypeElectrum  Type = "electrum"  // Electrum protocol (electrs, Fulcrum)
	TypeBlockbook Type = "blockbook" // Trezor Blockbook
	TypeJSONRPC   Type = "jsonrpc"   // bitcoind / litecoind RPC
)

// Transaction is a decoded transaction as reported by a backend.
type Transaction struct {
	TxID          string     `json:"txid"`
	Version       int32      `json:"version"`
	Size          int64      `json:"size"`
	VSize         int64      `json:"vsize"`
	Weight        int64      `json:"weight"`
	LockTime      uint32     `json:"locktime"`
	Fee           uint64     `json:"fee"`
	Confirmed     bool       `json:"confirmed"`
	BlockHash     string     `json:"block_hash,omitempty"`
	BlockHeight   int64      `json:"block_height,omitempty"`
	BlockTime     int64      `json:"block_time,omitempty"`
	Confirmations int64      `json:"confirmations"`
	Inputs        []TxInput  `json:"vin"`
	Outputs       []TxOutput `json:"vout"`
	Hex           string     `json:"hex,omitempty"`
}

// TxInput represents a transaction input. Witness items are hex encoded.
type TxInput struct {
	TxID      string    `json:"txid"`
	Vout      uint32    `json:"vout"`
	ScriptSig string    `json:"scriptsig,omitempty"`
	Witness   []string  `json:"witness,omitempty"`
	Sequence  uint32    `json:"sequence"`
	PrevOut   *TxOutput `json:"prevout,omitempty"`
}

// TxOutput represents a transaction output.
type TxOutput struct {
	ScriptPubKey     string `json:"scriptpubkey"`
	ScriptPubKeyType string `json:"scriptpubkey_type,omitempty"`
	ScriptPubKeyAddr string `json:"scriptpubkey_address,omitempty"`
	Value            uint64 `json:"value"`
}

// FeeEstimate contains fee rates in sat/vB for different confirmation targets.
type FeeEstimate struct {
	FastestFee  uint64 `json:"fastest_fee"`
	HalfHourFee uint64 `json:"half_hour_fee"`
	HourFee     uint64 `json:"hour_fee"`
	EconomyFee  uint64 `json:"economy_fee"`
	MinimumFee  uint64 `json:"minimum_fee"`
}

// Backend is a read-mostly chain data provider.
type Backend interface {
	Type() Type

	Connect(ctx context.Context) error
	Close() error
	IsConnected() bool

	// GetAddressTxs returns the newest transactions touching an address,
	// mempool first. lastSeenTxID pages back through confirmed history.
	GetAddressTxs(ctx context.Context, address string, lastSeenTxID string) ([]Transaction, error)

	GetTransaction(ctx context.Context, txID string) (*Transaction, error)
	GetRawTransaction(ctx context.Context, txID string) ([]byte, error)
	BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error)

	GetBlockHeight(ctx context.Context) (int64, error)
	GetFeeEstimates(ctx context.Context) (*FeeEstimate, error)
}

// Config contains backend configuration.
type Config struct {
	Type    Type   `yaml:"type"`
	URL     string `yaml:"url"`
	RPCUser string `yaml:"rpc_user,omitempty"`
	RPCPass string `yaml:"rpc_pass,omitempty"`

	// Timeout in seconds, default 30.
	Timeout int `yaml:"timeout,omitempty"`
}

const defaultTimeout = 30 * time.Second

func (c *Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return defaultTimeout
	}
	return time.Duration(c.Timeout) * time.Second
}

// New creates a backend from its configuration.
func New(cfg *Config) (Backend, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%s backend: url is required", cfg.Type)
	}

	switch cfg.Type {
	case TypeMempool, "":
		b := NewMempoolBackend(cfg.URL)
		b.httpClient.Timeout = cfg.timeout()
		return b, nil
	case TypeEsplora:
		b := NewEsploraBackend(cfg.URL)
		b.httpClient.Timeout = cfg.timeout()
		return b, nil
	case TypeElectrum:
		b, err := NewElectrumBackend(cfg.URL)
		if err != nil {
			return nil, err
		}
		b.timeout = cfg.timeout()
		return b, nil
	case TypeBlockbook:
		b := NewBlockbookBackend(cfg.URL)
		b.httpClient.Timeout = cfg.timeout()
		return b, nil
	case TypeJSONRPC:
		b := NewJSONRPCBackend(cfg.URL, cfg.RPCUser, cfg.RPCPass)
		b.httpClient.Timeout = cfg.timeout()
		return b, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedBackend, cfg.Type)
}

// DefaultURLs returns public mempool-style API endpoints per coin and network.
func DefaultURLs() map[string]map[string]string {
	return map[string]map[string]string{
		"BTC": {
			"mainnet": "https://mempool.space/api",
			"testnet": "https://mempool.space/testnet/api",
		},
		"LTC": {
			"mainnet": "https://litecoinspace.org/api",
			"testnet": "https://litecoinspace.org/testnet/api",
		},
	}
}
