package wallet

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/klingon-exchange/swapkit/internal/chain"
)

// ErrForeignKeyPath is returned when a path does not belong to the key source's coin.
var ErrForeignKeyPath = errors.New("key path belongs to another coin")

// IndexAllocator hands out HD address indexes that are never reused.
// *storage.Storage satisfies it.
type IndexAllocator interface {
	NextKeyIndex(coin string, branch uint32) (uint32, error)
}

// Key is a derived public key with its derivation path.
type Key struct {
	Path      string
	PublicKey *btcec.PublicKey
	KeyHash   []byte
}

// KeySource issues fresh keys for one coin and re-derives them by path.
type KeySource struct {
	wallet *Wallet
	params *chain.Params
	alloc  IndexAllocator
	prefix string // m/purpose'/coin'/
}

// NewKeySource creates a key source for symbol.
func NewKeySource(w *Wallet, symbol string, alloc IndexAllocator) (*KeySource, error) {
	params, err := w.Params(symbol)
	if err != nil {
		return nil, err
	}
	return &KeySource{
		wallet: w,
		params: params,
		alloc:  alloc,
		prefix: fmt.Sprintf("m/%d'/%d'/", params.DefaultPurpose, params.CoinType),
	}, nil
}

// Params returns the coin's chain params.
func (k *KeySource) Params() *chain.Params {
	return k.params
}

// NextKey derives the key at the next unused index of branch.
func (k *KeySource) NextKey(branch uint32) (*Key, error) {
	index, err := k.alloc.NextKeyIndex(k.params.Symbol, branch)
	if err != nil {
		return nil, err
	}

	path := k.params.DerivationPathString(0, branch, index)
	pubKey, err := k.wallet.PublicKey(path)
	if err != nil {
		return nil, err
	}

	return &Key{
		Path:      path,
		PublicKey: pubKey,
		KeyHash:   PubKeyHash(pubKey),
	}, nil
}

// PrivateKey re-derives the private key for a path issued by NextKey.
func (k *KeySource) PrivateKey(path string) (*btcec.PrivateKey, error) {
	if !strings.HasPrefix(path, k.prefix) {
		return nil, fmt.Errorf("%w: %s is not a %s path", ErrForeignKeyPath, path, k.params.Symbol)
	}
	return k.wallet.PrivateKey(path)
}
