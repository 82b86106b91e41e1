// Package wallet provides HD keys for swap gateways: BIP39 mnemonics, BIP84
// derivation addressed by path string, and the encrypted seed file.
package wallet

import (
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tyler-smith/go-bip39"

	"github.com/klingon-exchange/swapkit/internal/chain"
)

// Wallet errors.
var (
	ErrInvalidMnemonic  = errors.New("invalid mnemonic")
	ErrUnsupportedChain = errors.New("unsupported chain")
)

// Wallet manages HD keys derived from a BIP39 seed.
type Wallet struct {
	masterKey *hdkeychain.ExtendedKey
	network   chain.Network

	mu    sync.Mutex
	cache map[string]*hdkeychain.ExtendedKey // derivation path -> key
}

// GenerateMnemonic generates a new 24-word BIP39 mnemonic.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}

	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("failed to generate mnemonic: %w", err)
	}

	return mnemonic, nil
}

// ValidateMnemonic checks if a mnemonic is valid.
func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(mnemonic)
}

// NewFromMnemonic creates a wallet from a BIP39 mnemonic.
// The passphrase is optional (can be empty string).
func NewFromMnemonic(mnemonic, passphrase string, network chain.Network) (*Wallet, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}

	seed := bip39.NewSeed(mnemonic, passphrase)
	defer SecureClear(seed)

	return NewFromSeed(seed, network)
}

// NewFromSeed creates a wallet from a raw seed.
func NewFromSeed(seed []byte, network chain.Network) (*Wallet, error) {
	if !network.Valid() {
		return nil, fmt.Errorf("unknown network %q", network)
	}

	// The master key version bytes never reach an address; coin params are
	// applied when encoding.
	params := &chaincfg.MainNetParams
	if network == chain.Testnet {
		params = &chaincfg.TestNet3Params
	}

	masterKey, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}

	return &Wallet{
		masterKey: masterKey,
		network:   network,
		cache:     make(map[string]*hdkeychain.ExtendedKey),
	}, nil
}

// Network returns the wallet's network.
func (w *Wallet) Network() chain.Network {
	return w.network
}

// Params returns the chain params for symbol on the wallet's network.
func (w *Wallet) Params(symbol string) (*chain.Params, error) {
	params, ok := chain.Get(symbol, w.network)
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", ErrUnsupportedChain, symbol, w.network)
	}
	return params, nil
}

// KeyPath returns the BIP84 path of account 0 for a coin, branch and index.
func (w *Wallet) KeyPath(symbol string, change, index uint32) (string, error) {
	params, err := w.Params(symbol)
	if err != nil {
		return "", err
	}
	return params.DerivationPathString(0, change, index), nil
}

// DeriveKey derives the extended key at a path such as m/84'/0'/0'/0/5.
func (w *Wallet) DeriveKey(path string) (*hdkeychain.ExtendedKey, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if key, ok := w.cache[path]; ok {
		return key, nil
	}

	elements, err := chain.ParsePath(path)
	if err != nil {
		return nil, err
	}

	key := w.masterKey
	for _, n := range elements {
		key, err = key.Derive(n)
		if err != nil {
			return nil, fmt.Errorf("failed to derive %s: %w", path, err)
		}
	}

	w.cache[path] = key
	return key, nil
}

// PrivateKey derives the private key at path.
func (w *Wallet) PrivateKey(path string) (*btcec.PrivateKey, error) {
	key, err := w.DeriveKey(path)
	if err != nil {
		return nil, err
	}

	privKey, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get private key: %w", err)
	}
	return privKey, nil
}

// PublicKey derives the public key at path.
func (w *Wallet) PublicKey(path string) (*btcec.PublicKey, error) {
	key, err := w.DeriveKey(path)
	if err != nil {
		return nil, err
	}

	pubKey, err := key.ECPubKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get public key: %w", err)
	}
	return pubKey, nil
}

// DeriveAddress derives the native SegWit address of a coin at change/index.
func (w *Wallet) DeriveAddress(symbol string, change, index uint32) (string, error) {
	params, err := w.Params(symbol)
	if err != nil {
		return "", err
	}

	pubKey, err := w.PublicKey(params.DerivationPathString(0, change, index))
	if err != nil {
		return "", err
	}

	addr, err := WitnessPubKeyHashAddress(PubKeyHash(pubKey), params)
	if err != nil {
		return "", err
	}
	return addr.EncodeAddress(), nil
}

// ClearCache drops every cached derived key.
func (w *Wallet) ClearCache() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cache = make(map[string]*hdkeychain.ExtendedKey)
}
