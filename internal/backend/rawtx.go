package backend

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/wire"
	"github.com/shopspring/decimal"
)

// historyPageSize matches the page size of the mempool.space address API.
const historyPageSize = 25

// decodeRawTx decodes a serialized transaction into a Transaction. Block and
// fee fields are left for the caller.
func decodeRawTx(raw []byte) (*Transaction, error) {
	var msg wire.MsgTx
	if err := msg.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("invalid raw transaction: %w", err)
	}

	size := int64(msg.SerializeSize())
	weight := int64(msg.SerializeSizeStripped())*3 + size

	tx := &Transaction{
		TxID:     msg.TxHash().String(),
		Version:  msg.Version,
		Size:     size,
		Weight:   weight,
		VSize:    (weight + 3) / 4,
		LockTime: msg.LockTime,
		Hex:      hex.EncodeToString(raw),
		Inputs:   make([]TxInput, len(msg.TxIn)),
		Outputs:  make([]TxOutput, len(msg.TxOut)),
	}

	for i, in := range msg.TxIn {
		var witness []string
		if len(in.Witness) > 0 {
			witness = make([]string, len(in.Witness))
			for j, item := range in.Witness {
				witness[j] = hex.EncodeToString(item)
			}
		}
		tx.Inputs[i] = TxInput{
			TxID:      in.PreviousOutPoint.Hash.String(),
			Vout:      in.PreviousOutPoint.Index,
			ScriptSig: hex.EncodeToString(in.SignatureScript),
			Witness:   witness,
			Sequence:  in.Sequence,
		}
	}
	for i, out := range msg.TxOut {
		tx.Outputs[i] = TxOutput{
			ScriptPubKey: hex.EncodeToString(out.PkScript),
			Value:        uint64(out.Value),
		}
	}
	return tx, nil
}

// pageAfter drops every entry up to and including lastSeenTxID. The list is
// newest first, so what remains is older history.
func pageAfter(txIDs []string, lastSeenTxID string) []string {
	if lastSeenTxID == "" {
		return txIDs
	}
	for i, id := range txIDs {
		if id == lastSeenTxID {
			return txIDs[i+1:]
		}
	}
	return nil
}

// coinPerKBToSatPerVB converts a node-style fee rate (coins per kvB) to
// sat/vB, rounding up. Rates the node could not estimate map to zero.
func coinPerKBToSatPerVB(rate decimal.Decimal) uint64 {
	if !rate.IsPositive() {
		return 0
	}
	return uint64(rate.Shift(8).Div(decimal.NewFromInt(1000)).Ceil().IntPart())
}
