package gateway

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/shopspring/decimal"

	"github.com/klingon-exchange/swapkit/internal/backend"
	"github.com/klingon-exchange/swapkit/internal/chain"
	"github.com/klingon-exchange/swapkit/internal/swap"
	"github.com/klingon-exchange/swapkit/internal/wallet"
	"github.com/klingon-exchange/swapkit/pkg/helpers"
)

// Test mnemonic (DO NOT USE FOR REAL FUNDS)
const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

// fakeChain is an in-memory chain that acts as both backend and funding
// wallet. Broadcast transactions are script-verified against their inputs.
type fakeChain struct {
	params *chain.Params

	mu         sync.Mutex
	txs        map[chainhash.Hash]*wire.MsgTx
	order      []chainhash.Hash
	depths     map[chainhash.Hash]int64
	broadcasts []*wire.MsgTx
	fundings   int

	// newTxDepth is the confirmation depth given to new transactions.
	newTxDepth int64

	connected  bool
	heightErr  error
	sendErr    error
	historyErr error
	fees       backend.FeeEstimate
}

const fakeTipHeight = 100

var (
	_ backend.Backend = (*fakeChain)(nil)
	_ Funder          = (*fakeChain)(nil)
)

func newFakeChain(t *testing.T, symbol string) *fakeChain {
	t.Helper()
	params, ok := chain.Get(symbol, chain.Testnet)
	if !ok {
		t.Fatalf("no %s testnet params", symbol)
	}
	return &fakeChain{
		params:     params,
		txs:        make(map[chainhash.Hash]*wire.MsgTx),
		depths:     make(map[chainhash.Hash]int64),
		newTxDepth: 1,
		connected:  true,
		fees:       backend.FeeEstimate{HalfHourFee: 2, MinimumFee: 1},
	}
}

func (c *fakeChain) add(tx *wire.MsgTx) chainhash.Hash {
	hash := tx.TxHash()
	if _, ok := c.txs[hash]; !ok {
		c.txs[hash] = tx
		c.order = append(c.order, hash)
		c.depths[hash] = c.newTxDepth
	}
	return hash
}

func (c *fakeChain) setDepth(txID string, depth int64) {
	hash, _ := chainhash.NewHashFromStr(txID)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.depths[*hash] = depth
}

func (c *fakeChain) broadcastCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.broadcasts)
}

func (c *fakeChain) fundingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fundings
}

func (c *fakeChain) lastBroadcast() *wire.MsgTx {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.broadcasts) == 0 {
		return nil
	}
	return c.broadcasts[len(c.broadcasts)-1]
}

// SendToAddress creates a funding tx with a change output at index 0 and the
// payment at index 1.
func (c *fakeChain) SendToAddress(ctx context.Context, address string, amount decimal.Decimal) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sendErr != nil {
		return "", c.sendErr
	}

	addr, err := btcutil.DecodeAddress(address, c.params.ChainCfgParams())
	if err != nil {
		return "", err
	}
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return "", err
	}
	value, err := helpers.ToBaseUnits(amount, c.params.Decimals)
	if err != nil {
		return "", err
	}

	c.fundings++
	tx := wire.NewMsgTx(wire.TxVersion)
	prev := chainhash.HashH([]byte(fmt.Sprintf("coinbase-%d", c.fundings)))
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&prev, 0), nil, nil))
	tx.AddTxOut(wire.NewTxOut(12345, []byte{txscript.OP_TRUE}))
	tx.AddTxOut(wire.NewTxOut(int64(value), pkScript))

	hash := c.add(tx)
	return hash.String(), nil
}

func (c *fakeChain) Type() backend.Type                { return backend.TypeMempool }
func (c *fakeChain) Connect(ctx context.Context) error { return nil }
func (c *fakeChain) Close() error                      { return nil }

func (c *fakeChain) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeChain) GetAddressTxs(ctx context.Context, address string, lastSeenTxID string) ([]backend.Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.historyErr != nil {
		return nil, c.historyErr
	}

	var result []backend.Transaction
	for _, hash := range c.order {
		tx := c.txs[hash]
		if c.touches(tx, address) {
			result = append(result, c.convert(tx))
		}
	}
	return result, nil
}

func (c *fakeChain) touches(tx *wire.MsgTx, address string) bool {
	for _, out := range tx.TxOut {
		if c.pays(out, address) {
			return true
		}
	}
	for _, in := range tx.TxIn {
		prev, ok := c.txs[in.PreviousOutPoint.Hash]
		if ok && int(in.PreviousOutPoint.Index) < len(prev.TxOut) && c.pays(prev.TxOut[in.PreviousOutPoint.Index], address) {
			return true
		}
	}
	return false
}

func (c *fakeChain) pays(out *wire.TxOut, address string) bool {
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(out.PkScript, c.params.ChainCfgParams())
	return err == nil && len(addrs) == 1 && addrs[0].EncodeAddress() == address
}

func (c *fakeChain) convert(tx *wire.MsgTx) backend.Transaction {
	hash := tx.TxHash()
	result := backend.Transaction{TxID: hash.String(), Version: tx.Version}
	if depth := c.depths[hash]; depth > 0 {
		result.Confirmed = true
		result.Confirmations = depth
		result.BlockHeight = fakeTipHeight - depth + 1
	}
	for _, in := range tx.TxIn {
		input := backend.TxInput{
			TxID:     in.PreviousOutPoint.Hash.String(),
			Vout:     in.PreviousOutPoint.Index,
			Sequence: in.Sequence,
		}
		for _, item := range in.Witness {
			input.Witness = append(input.Witness, hex.EncodeToString(item))
		}
		result.Inputs = append(result.Inputs, input)
	}
	for _, out := range tx.TxOut {
		result.Outputs = append(result.Outputs, backend.TxOutput{
			ScriptPubKey: hex.EncodeToString(out.PkScript),
			Value:        uint64(out.Value),
		})
	}
	return result
}

func (c *fakeChain) GetTransaction(ctx context.Context, txID string) (*backend.Transaction, error) {
	hash, err := chainhash.NewHashFromStr(txID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, ok := c.txs[*hash]
	if !ok {
		return nil, backend.ErrTxNotFound
	}
	result := c.convert(tx)
	return &result, nil
}

func (c *fakeChain) GetRawTransaction(ctx context.Context, txID string) ([]byte, error) {
	hash, err := chainhash.NewHashFromStr(txID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, ok := c.txs[*hash]
	if !ok {
		return nil, backend.ErrTxNotFound
	}
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BroadcastTransaction accepts a tx only if every input spends a known output
// and passes script verification.
func (c *fakeChain) BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error) {
	raw, err := hex.DecodeString(rawTxHex)
	if err != nil {
		return "", err
	}
	tx, err := DeserializeTx(raw)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.verify(tx); err != nil {
		return "", fmt.Errorf("%w: %v", backend.ErrBroadcastFailed, err)
	}
	c.broadcasts = append(c.broadcasts, tx)
	hash := c.add(tx)
	return hash.String(), nil
}

func (c *fakeChain) verify(tx *wire.MsgTx) error {
	prevOuts := make(map[wire.OutPoint]*wire.TxOut)
	for _, in := range tx.TxIn {
		prev, ok := c.txs[in.PreviousOutPoint.Hash]
		if !ok || int(in.PreviousOutPoint.Index) >= len(prev.TxOut) {
			return fmt.Errorf("unknown input %s", in.PreviousOutPoint)
		}
		prevOuts[in.PreviousOutPoint] = prev.TxOut[in.PreviousOutPoint.Index]
	}
	return verifyTx(tx, prevOuts)
}

func (c *fakeChain) GetBlockHeight(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.heightErr != nil {
		return 0, c.heightErr
	}
	return fakeTipHeight, nil
}

func (c *fakeChain) GetFeeEstimates(ctx context.Context) (*backend.FeeEstimate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fees := c.fees
	return &fees, nil
}

// verifyTx runs the script engine on every input of tx.
func verifyTx(tx *wire.MsgTx, prevOuts map[wire.OutPoint]*wire.TxOut) error {
	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	for i, in := range tx.TxIn {
		prevOut := prevOuts[in.PreviousOutPoint]
		engine, err := txscript.NewEngine(
			prevOut.PkScript, tx, i,
			txscript.StandardVerifyFlags, nil,
			sigHashes, prevOut.Value, fetcher,
		)
		if err != nil {
			return err
		}
		if err := engine.Execute(); err != nil {
			return err
		}
	}
	return nil
}

// memAllocator is an in-memory IndexAllocator.
type memAllocator struct {
	mu   sync.Mutex
	next map[string]uint32
}

func (a *memAllocator) NextKeyIndex(coin string, branch uint32) (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.next == nil {
		a.next = make(map[string]uint32)
	}
	key := fmt.Sprintf("%s/%d", coin, branch)
	index := a.next[key]
	a.next[key] = index + 1
	return index, nil
}

func testKeySource(t *testing.T, mnemonic, symbol string, alloc wallet.IndexAllocator) *wallet.KeySource {
	t.Helper()
	w, err := wallet.NewFromMnemonic(mnemonic, "", chain.Testnet)
	if err != nil {
		t.Fatalf("NewFromMnemonic() error = %v", err)
	}
	keys, err := wallet.NewKeySource(w, symbol, alloc)
	if err != nil {
		t.Fatalf("NewKeySource() error = %v", err)
	}
	return keys
}

func testGateway(t *testing.T, c *fakeChain) *Gateway {
	t.Helper()
	g := New(Config{
		Params:        c.params,
		Backend:       c,
		Funder:        c,
		Keys:          testKeySource(t, testMnemonic, c.params.Symbol, &memAllocator{}),
		RedeemFee:     1000,
		WatchInterval: 10 * time.Millisecond,
	})
	t.Cleanup(func() { g.Close() })
	return g
}

// recordingDelegate collects gateway callbacks.
type recordingDelegate struct {
	bails   chan swap.BailTransaction
	redeems chan swap.RedeemTransaction
}

func newRecordingDelegate() *recordingDelegate {
	return &recordingDelegate{
		bails:   make(chan swap.BailTransaction, 8),
		redeems: make(chan swap.RedeemTransaction, 8),
	}
}

func (d *recordingDelegate) OnBailObserved(tx swap.BailTransaction)     { d.bails <- tx }
func (d *recordingDelegate) OnRedeemObserved(tx swap.RedeemTransaction) { d.redeems <- tx }

var errFundingDown = errors.New("wallet locked")
