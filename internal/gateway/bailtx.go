package gateway

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/swapkit/internal/swap"
)

// bailTxHeaderSize is txHash(32) | outputIndex(8) | amount(8).
const bailTxHeaderSize = chainhash.HashSize + 8 + 8

// BailTx references an HTLC output.
type BailTx struct {
	Hash          chainhash.Hash
	OutputIndex   uint32
	Amount        int64 // base units
	LockingScript []byte
}

var _ swap.BailTransaction = (*BailTx)(nil)

// TxHash returns the funding txid in display byte order.
func (b *BailTx) TxHash() string {
	return b.Hash.String()
}

// OutPoint returns the HTLC output's outpoint.
func (b *BailTx) OutPoint() wire.OutPoint {
	return wire.OutPoint{Hash: b.Hash, Index: b.OutputIndex}
}

// Serialize encodes the reference as
// txHash(32) | outputIndex(8, LE) | amount(8, LE) | lockingScript.
// The hash is in internal byte order.
func (b *BailTx) Serialize() []byte {
	data := make([]byte, bailTxHeaderSize, bailTxHeaderSize+len(b.LockingScript))
	copy(data[:32], b.Hash[:])
	binary.LittleEndian.PutUint64(data[32:40], uint64(b.OutputIndex))
	binary.LittleEndian.PutUint64(data[40:48], uint64(b.Amount))
	return append(data, b.LockingScript...)
}

// ParseBailTx decodes a reference produced by Serialize.
func ParseBailTx(data []byte) (*BailTx, error) {
	if len(data) < bailTxHeaderSize {
		return nil, fmt.Errorf("%w: bail reference is %d bytes, need at least %d",
			swap.ErrTransactionFromOtherChain, len(data), bailTxHeaderSize)
	}

	index := binary.LittleEndian.Uint64(data[32:40])
	amount := binary.LittleEndian.Uint64(data[40:48])
	if index > math.MaxUint32 || amount > math.MaxInt64 {
		return nil, fmt.Errorf("%w: bail reference out of range", swap.ErrTransactionFromOtherChain)
	}

	b := &BailTx{
		OutputIndex:   uint32(index),
		Amount:        int64(amount),
		LockingScript: append([]byte(nil), data[bailTxHeaderSize:]...),
	}
	copy(b.Hash[:], data[:32])
	return b, nil
}

// findOutput returns the first output of tx paying pkScript.
func findOutput(tx *wire.MsgTx, pkScript []byte) (*BailTx, bool) {
	for i, out := range tx.TxOut {
		if bytes.Equal(out.PkScript, pkScript) {
			return &BailTx{
				Hash:          tx.TxHash(),
				OutputIndex:   uint32(i),
				Amount:        out.Value,
				LockingScript: append([]byte(nil), out.PkScript...),
			}, true
		}
	}
	return nil, false
}

func asBailTx(tx swap.BailTransaction) (*BailTx, error) {
	b, ok := tx.(*BailTx)
	if !ok || b == nil {
		return nil, fmt.Errorf("%w: %T", swap.ErrTransactionFromOtherChain, tx)
	}
	return b, nil
}
