package wallet

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/klingon-exchange/swapkit/internal/chain"
)

// PubKeyHash returns HASH160 of the compressed public key.
func PubKeyHash(pubKey *btcec.PublicKey) []byte {
	return btcutil.Hash160(pubKey.SerializeCompressed())
}

// WitnessPubKeyHashAddress returns the P2WPKH address (bc1q..., ltc1q...) for
// a 20-byte key hash.
func WitnessPubKeyHashAddress(keyHash []byte, params *chain.Params) (*btcutil.AddressWitnessPubKeyHash, error) {
	addr, err := btcutil.NewAddressWitnessPubKeyHash(keyHash, params.ChainCfgParams())
	if err != nil {
		return nil, fmt.Errorf("failed to create P2WPKH address: %w", err)
	}
	return addr, nil
}

// WitnessScriptHashAddress returns the P2WSH address paying to witnessScript.
func WitnessScriptHashAddress(witnessScript []byte, params *chain.Params) (*btcutil.AddressWitnessScriptHash, error) {
	addr, err := btcutil.NewAddressWitnessScriptHash(chainhash.HashB(witnessScript), params.ChainCfgParams())
	if err != nil {
		return nil, fmt.Errorf("failed to create P2WSH address: %w", err)
	}
	return addr, nil
}

// ValidateAddress checks if an address is valid for a chain/network.
func ValidateAddress(address string, params *chain.Params) bool {
	cfg := params.ChainCfgParams()
	decoded, err := btcutil.DecodeAddress(address, cfg)
	if err != nil {
		return false
	}
	return decoded.IsForNet(cfg)
}

// PrivateKeyToWIF converts a private key to Wallet Import Format.
func PrivateKeyToWIF(privKey *btcec.PrivateKey, params *chain.Params) (string, error) {
	wif, err := btcutil.NewWIF(privKey, params.ChainCfgParams(), true)
	if err != nil {
		return "", fmt.Errorf("failed to create WIF: %w", err)
	}
	return wif.String(), nil
}
