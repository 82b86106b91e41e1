// Package gateway implements the swap Gateway contract for Bitcoin-family
// chains. HTLC outputs are P2WSH, funded through a node wallet, watched by
// polling a chain backend and redeemed with wallet-derived keys.
package gateway

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/swapkit/internal/swap"
)

// Lock times below this are block heights, not unix timestamps.
const lockTimeThreshold = 500000000

// ErrNotHTLCScript is returned when a script does not have the HTLC shape.
var ErrNotHTLCScript = errors.New("not an HTLC script")

// HTLCScript holds the components of a parsed HTLC witness script.
type HTLCScript struct {
	SecretHash    []byte
	RedeemKeyHash []byte
	RefundKeyHash []byte
	LockTime      int64
}

// BuildHTLCScript creates the witness script of an HTLC output.
//
//	OP_IF
//	    OP_SIZE 32 OP_EQUALVERIFY OP_SHA256 <secret_hash> OP_EQUALVERIFY
//	    OP_DUP OP_HASH160 <redeem_pkh>
//	OP_ELSE
//	    <timestamp> OP_CHECKLOCKTIMEVERIFY OP_DROP
//	    OP_DUP OP_HASH160 <refund_pkh>
//	OP_ENDIF
//	OP_EQUALVERIFY OP_CHECKSIG
func BuildHTLCScript(params swap.HTLCParams) ([]byte, error) {
	if len(params.SecretHash) != swap.SecretSize {
		return nil, fmt.Errorf("secret hash must be %d bytes, got %d", swap.SecretSize, len(params.SecretHash))
	}
	if len(params.RedeemKeyHash) != swap.KeyHashSize {
		return nil, fmt.Errorf("redeem key hash must be %d bytes, got %d", swap.KeyHashSize, len(params.RedeemKeyHash))
	}
	if len(params.RefundKeyHash) != swap.KeyHashSize {
		return nil, fmt.Errorf("refund key hash must be %d bytes, got %d", swap.KeyHashSize, len(params.RefundKeyHash))
	}
	if params.Timestamp < lockTimeThreshold || params.Timestamp > 0xFFFFFFFF {
		return nil, fmt.Errorf("timestamp %d is not a valid lock time", params.Timestamp)
	}

	builder := txscript.NewScriptBuilder()

	builder.AddOp(txscript.OP_IF)
	builder.AddOp(txscript.OP_SIZE)
	builder.AddInt64(swap.SecretSize)
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddOp(txscript.OP_SHA256)
	builder.AddData(params.SecretHash)
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddOp(txscript.OP_DUP)
	builder.AddOp(txscript.OP_HASH160)
	builder.AddData(params.RedeemKeyHash)

	builder.AddOp(txscript.OP_ELSE)
	builder.AddInt64(params.Timestamp)
	builder.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddOp(txscript.OP_DUP)
	builder.AddOp(txscript.OP_HASH160)
	builder.AddData(params.RefundKeyHash)

	builder.AddOp(txscript.OP_ENDIF)
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddOp(txscript.OP_CHECKSIG)

	return builder.Script()
}

// ParseHTLCScript parses a script built by BuildHTLCScript.
func ParseHTLCScript(script []byte) (*HTLCScript, error) {
	tokenizer := txscript.MakeScriptTokenizer(0, script)
	parsed := &HTLCScript{}

	expectOp := func(op byte) error {
		if !tokenizer.Next() || tokenizer.Opcode() != op {
			return fmt.Errorf("%w: expected %s", ErrNotHTLCScript, opName(op))
		}
		return nil
	}
	expectData := func(size int, what string) ([]byte, error) {
		if !tokenizer.Next() || len(tokenizer.Data()) != size {
			return nil, fmt.Errorf("%w: expected %d-byte %s", ErrNotHTLCScript, size, what)
		}
		return append([]byte(nil), tokenizer.Data()...), nil
	}

	var err error
	for _, op := range []byte{txscript.OP_IF, txscript.OP_SIZE} {
		if err := expectOp(op); err != nil {
			return nil, err
		}
	}
	if !tokenizer.Next() || !bytes.Equal(tokenizer.Data(), []byte{swap.SecretSize}) {
		return nil, fmt.Errorf("%w: expected secret size", ErrNotHTLCScript)
	}
	for _, op := range []byte{txscript.OP_EQUALVERIFY, txscript.OP_SHA256} {
		if err := expectOp(op); err != nil {
			return nil, err
		}
	}
	if parsed.SecretHash, err = expectData(swap.SecretSize, "secret hash"); err != nil {
		return nil, err
	}
	for _, op := range []byte{txscript.OP_EQUALVERIFY, txscript.OP_DUP, txscript.OP_HASH160} {
		if err := expectOp(op); err != nil {
			return nil, err
		}
	}
	if parsed.RedeemKeyHash, err = expectData(swap.KeyHashSize, "redeem key hash"); err != nil {
		return nil, err
	}
	if err := expectOp(txscript.OP_ELSE); err != nil {
		return nil, err
	}

	if !tokenizer.Next() {
		return nil, fmt.Errorf("%w: expected lock time", ErrNotHTLCScript)
	}
	if parsed.LockTime, err = scriptNum(tokenizer.Data()); err != nil {
		return nil, err
	}

	for _, op := range []byte{txscript.OP_CHECKLOCKTIMEVERIFY, txscript.OP_DROP, txscript.OP_DUP, txscript.OP_HASH160} {
		if err := expectOp(op); err != nil {
			return nil, err
		}
	}
	if parsed.RefundKeyHash, err = expectData(swap.KeyHashSize, "refund key hash"); err != nil {
		return nil, err
	}
	for _, op := range []byte{txscript.OP_ENDIF, txscript.OP_EQUALVERIFY, txscript.OP_CHECKSIG} {
		if err := expectOp(op); err != nil {
			return nil, err
		}
	}

	if tokenizer.Next() {
		return nil, fmt.Errorf("%w: trailing data", ErrNotHTLCScript)
	}
	if err := tokenizer.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotHTLCScript, err)
	}
	return parsed, nil
}

// Params returns the HTLC terms of a parsed script.
func (s *HTLCScript) Params() swap.HTLCParams {
	return swap.HTLCParams{
		RedeemKeyHash: s.RedeemKeyHash,
		RefundKeyHash: s.RefundKeyHash,
		SecretHash:    s.SecretHash,
		Timestamp:     s.LockTime,
	}
}

// scriptNum decodes a minimally encoded, positive script number of up to 5 bytes.
func scriptNum(data []byte) (int64, error) {
	if len(data) == 0 || len(data) > 5 {
		return 0, fmt.Errorf("%w: invalid lock time push", ErrNotHTLCScript)
	}
	if data[len(data)-1]&0x80 != 0 {
		return 0, fmt.Errorf("%w: negative lock time", ErrNotHTLCScript)
	}

	var n int64
	for i, b := range data {
		n |= int64(b) << (8 * i)
	}
	return n, nil
}

// WitnessScriptHash returns SHA256 of a witness script.
func WitnessScriptHash(script []byte) []byte {
	return chainhash.HashB(script)
}

// P2WSHScript returns the output script OP_0 <sha256(script)>.
func P2WSHScript(script []byte) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(WitnessScriptHash(script)).
		Script()
}

// P2WPKHScript returns the output script OP_0 <keyHash>.
func P2WPKHScript(keyHash []byte) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(keyHash).
		Script()
}

// ClaimWitness builds the witness that spends an HTLC through the secret branch.
//
//	<signature> <pubkey> <secret> <1> <script>
func ClaimWitness(signature, pubKey, secret, script []byte) wire.TxWitness {
	return wire.TxWitness{
		signature,
		pubKey,
		secret,
		{0x01}, // selects OP_IF
		script,
	}
}

// ExtractSecret returns the secret revealed by a claim witness. The witness
// script must be an HTLC whose secret hash matches the secret.
func ExtractSecret(witness [][]byte) (secret []byte, script *HTLCScript, err error) {
	if len(witness) != 5 {
		return nil, nil, fmt.Errorf("claim witness has %d items, want 5", len(witness))
	}

	secret = witness[2]
	if len(secret) != swap.SecretSize {
		return nil, nil, fmt.Errorf("witness secret must be %d bytes, got %d", swap.SecretSize, len(secret))
	}

	script, err = ParseHTLCScript(witness[4])
	if err != nil {
		return nil, nil, err
	}
	if !swap.VerifySecret(secret, script.SecretHash) {
		return nil, nil, swap.ErrInvalidSecret
	}
	return append([]byte(nil), secret...), script, nil
}

func opName(op byte) string {
	for name, code := range txscript.OpcodeByName {
		if code == op {
			return name
		}
	}
	return fmt.Sprintf("0x%02x", op)
}
