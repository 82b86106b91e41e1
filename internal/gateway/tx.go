package gateway

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/swapkit/internal/swap"
)

// ErrInsufficientFunds is returned when an HTLC output cannot cover the fee.
var ErrInsufficientFunds = errors.New("insufficient funds")

// RedeemTxVSize is the virtual size of a one-input, one-output P2WSH HTLC
// claim paying to P2WPKH, rounded up.
//
// Base: 10 (version, counts, locktime) + 41 (input) + 31 (output).
// Witness: sig 73 + pubkey 33 + secret 32 + selector 1 + script 99 + lengths 6,
// divided by 4.
const RedeemTxVSize = 10 + 41 + 31 + 62

// RedeemTxParams contains what is needed to claim an HTLC output.
type RedeemTxParams struct {
	Bail          *BailTx
	WitnessScript []byte
	Secret        []byte
	PrivKey       *btcec.PrivateKey
	DestScript    []byte
	Fee           int64
	DustLimit     int64
}

// BuildRedeemTx builds and signs a transaction spending the bail output
// through the secret branch.
func BuildRedeemTx(params *RedeemTxParams) (*wire.MsgTx, error) {
	if params.PrivKey == nil {
		return nil, fmt.Errorf("private key required for redeem")
	}
	if len(params.WitnessScript) == 0 {
		return nil, fmt.Errorf("HTLC script required")
	}
	if len(params.Secret) != swap.SecretSize {
		return nil, fmt.Errorf("secret must be %d bytes, got %d", swap.SecretSize, len(params.Secret))
	}
	if len(params.DestScript) == 0 {
		return nil, fmt.Errorf("destination script required")
	}

	bail := params.Bail
	outputAmount := bail.Amount - params.Fee
	if params.Fee < 0 || outputAmount < params.DustLimit || outputAmount <= 0 {
		return nil, fmt.Errorf("%w: bail %d cannot cover fee %d", ErrInsufficientFunds, bail.Amount, params.Fee)
	}

	tx := wire.NewMsgTx(wire.TxVersion)

	txIn := wire.NewTxIn(&wire.OutPoint{Hash: bail.Hash, Index: bail.OutputIndex}, nil, nil)
	txIn.Sequence = wire.MaxTxInSequenceNum
	tx.AddTxIn(txIn)
	tx.AddTxOut(wire.NewTxOut(outputAmount, params.DestScript))

	prevOutFetcher := txscript.NewCannedPrevOutputFetcher(bail.LockingScript, bail.Amount)
	sigHashes := txscript.NewTxSigHashes(tx, prevOutFetcher)
	sighash, err := txscript.CalcWitnessSigHash(
		params.WitnessScript,
		sigHashes,
		txscript.SigHashAll,
		tx,
		0,
		bail.Amount,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to compute sighash: %w", err)
	}

	sig := btcecdsa.Sign(params.PrivKey, sighash)
	sigBytes := append(sig.Serialize(), byte(txscript.SigHashAll))

	tx.TxIn[0].Witness = ClaimWitness(
		sigBytes,
		params.PrivKey.PubKey().SerializeCompressed(),
		params.Secret,
		params.WitnessScript,
	)
	return tx, nil
}

// SerializeTx serializes a transaction to hex.
func SerializeTx(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("failed to serialize transaction: %w", err)
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

// DeserializeTx decodes a raw transaction.
func DeserializeTx(raw []byte) (*wire.MsgTx, error) {
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to deserialize transaction: %w", err)
	}
	return tx, nil
}
