// Package chain defines parameters and derivation paths for the
// Bitcoin-family chains a swap gateway can operate on.
package chain

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
)

// Network represents mainnet or testnet.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
)

// Valid reports whether n is a known network.
func (n Network) Valid() bool {
	return n == Mainnet || n == Testnet
}

// Params contains the parameters of one chain on one network.
type Params struct {
	Symbol   string
	Name     string
	Decimals uint8

	// BIP44 derivation
	CoinType       uint32 // 0=BTC, 2=LTC, 1 for every testnet
	DefaultPurpose uint32 // 84 (native SegWit)

	PubKeyHashAddrID byte
	ScriptHashAddrID byte
	Bech32HRP        string
	WIF              byte

	// BIP32 extended key magic bytes
	HDPrivateKeyID [4]byte
	HDPublicKeyID  [4]byte

	// DustLimit is the smallest output the network relays, in base units.
	DustLimit int64
}

// Branches of a BIP44 account.
const (
	ExternalBranch uint32 = 0
	InternalBranch uint32 = 1
)

const hardened = 0x80000000

// DerivationPath returns m/purpose'/coin'/account'/change/index.
func (p *Params) DerivationPath(account, change, index uint32) []uint32 {
	return []uint32{
		p.DefaultPurpose + hardened,
		p.CoinType + hardened,
		account + hardened,
		change,
		index,
	}
}

// DerivationPathString returns the derivation path as a string.
func (p *Params) DerivationPathString(account, change, index uint32) string {
	return FormatPath(p.DerivationPath(account, change, index))
}

// FormatPath renders a BIP32 path, marking hardened elements with '.
func FormatPath(path []uint32) string {
	var b strings.Builder
	b.WriteString("m")
	for _, n := range path {
		b.WriteByte('/')
		if n >= hardened {
			b.WriteString(strconv.FormatUint(uint64(n-hardened), 10))
			b.WriteByte('\'')
		} else {
			b.WriteString(strconv.FormatUint(uint64(n), 10))
		}
	}
	return b.String()
}

// ParsePath parses a path produced by FormatPath.
func ParsePath(s string) ([]uint32, error) {
	parts := strings.Split(s, "/")
	if len(parts) < 2 || parts[0] != "m" {
		return nil, fmt.Errorf("invalid derivation path %q", s)
	}

	path := make([]uint32, 0, len(parts)-1)
	for _, part := range parts[1:] {
		offset := uint32(0)
		if strings.HasSuffix(part, "'") || strings.HasSuffix(part, "h") {
			offset = hardened
			part = part[:len(part)-1]
		}
		n, err := strconv.ParseUint(part, 10, 31)
		if err != nil {
			return nil, fmt.Errorf("invalid derivation path %q: %w", s, err)
		}
		path = append(path, uint32(n)+offset)
	}
	return path, nil
}

// ChainCfgParams returns btcd network parameters for address encoding and
// script building. Litecoin reuses the Bitcoin mainnet params with its own
// prefixes patched in.
func (p *Params) ChainCfgParams() *chaincfg.Params {
	if p.Symbol == "BTC" {
		if p.Bech32HRP == chaincfg.MainNetParams.Bech32HRPSegwit {
			return &chaincfg.MainNetParams
		}
		return &chaincfg.TestNet3Params
	}

	params := chaincfg.MainNetParams
	params.Name = strings.ToLower(p.Name)
	params.Bech32HRPSegwit = p.Bech32HRP
	params.PubKeyHashAddrID = p.PubKeyHashAddrID
	params.ScriptHashAddrID = p.ScriptHashAddrID
	params.PrivateKeyID = p.WIF
	params.HDPrivateKeyID = p.HDPrivateKeyID
	params.HDPublicKeyID = p.HDPublicKeyID
	params.HDCoinType = p.CoinType
	return &params
}

var registry = make(map[string]map[Network]*Params)

// Register adds chain params to the registry.
func Register(symbol string, network Network, params *Params) {
	if registry[symbol] == nil {
		registry[symbol] = make(map[Network]*Params)
	}
	registry[symbol][network] = params
}

// Get returns chain params for a symbol and network.
func Get(symbol string, network Network) (*Params, bool) {
	nets, ok := registry[symbol]
	if !ok {
		return nil, false
	}
	params, ok := nets[network]
	return params, ok
}

// List returns all registered chain symbols, sorted.
func List() []string {
	symbols := make([]string, 0, len(registry))
	for symbol := range registry {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

// IsSupported returns true if the chain is registered.
func IsSupported(symbol string) bool {
	_, ok := registry[symbol]
	return ok
}
