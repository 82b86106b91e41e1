package gateway

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"

	"github.com/klingon-exchange/swapkit/internal/backend"
	"github.com/klingon-exchange/swapkit/internal/swap"
)

// pollFunc checks the chain once and reports whether the watch is done.
type pollFunc func(ctx context.Context) bool

// startWatch runs poll on its own goroutine until it reports done or the
// gateway closes. A watch already running under key is left alone.
func (g *Gateway) startWatch(key string, poll pollFunc) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return ErrGatewayClosed
	}
	if _, ok := g.watches[key]; ok {
		return nil
	}

	ctx, cancel := context.WithCancel(g.ctx)
	g.watches[key] = cancel
	g.log.Debug("Watch started", "watch", key)

	go g.runWatch(ctx, key, poll)
	return nil
}

func (g *Gateway) runWatch(ctx context.Context, key string, poll pollFunc) {
	defer g.stopWatch(key)

	ticker := time.NewTicker(g.cfg.WatchInterval)
	defer ticker.Stop()

	for {
		if poll(ctx) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (g *Gateway) stopWatch(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if cancel, ok := g.watches[key]; ok {
		cancel()
		delete(g.watches, key)
	}
}

// activeWatches returns the number of running watches.
func (g *Gateway) activeWatches() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.watches)
}

// pollBail reports the first output paying pkScript once its funding tx is
// at least MinConfirmations deep.
func (g *Gateway) pollBail(ctx context.Context, address string, pkScript []byte) bool {
	txs, err := g.cfg.Backend.GetAddressTxs(ctx, address, "")
	if err != nil {
		g.log.Debug("Bail poll failed", "address", address, "error", err)
		return false
	}

	bail, tx := findAddressOutput(txs, pkScript)
	if bail == nil {
		return false
	}

	depth, err := g.confirmations(ctx, tx)
	if err != nil {
		g.log.Debug("Bail depth unknown", "tx", tx.TxID, "error", err)
		return false
	}
	if depth < g.cfg.MinConfirmations {
		g.log.Debug("Waiting for bail confirmations", "tx", tx.TxID, "current", depth, "required", g.cfg.MinConfirmations)
		return false
	}
	g.log.Info("Bail observed", "tx", tx.TxID, "vout", bail.OutputIndex, "amount", bail.Amount, "confirmations", depth)

	if ctx.Err() != nil {
		return true
	}
	if d := g.getDelegate(); d != nil {
		d.OnBailObserved(bail)
	}
	return true
}

// findAddressOutput returns the first output in txs paying pkScript and the
// transaction holding it.
func findAddressOutput(txs []backend.Transaction, pkScript []byte) (*BailTx, *backend.Transaction) {
	want := hex.EncodeToString(pkScript)
	for i := range txs {
		tx := &txs[i]
		for vout, out := range tx.Outputs {
			if out.ScriptPubKey != want {
				continue
			}
			hash, err := chainhash.NewHashFromStr(tx.TxID)
			if err != nil {
				continue
			}
			return &BailTx{
				Hash:          *hash,
				OutputIndex:   uint32(vout),
				Amount:        int64(out.Value),
				LockingScript: append([]byte(nil), pkScript...),
			}, tx
		}
	}
	return nil, nil
}

// confirmations returns the depth of tx. Backends that report only the block
// height get it from the current tip.
func (g *Gateway) confirmations(ctx context.Context, tx *backend.Transaction) (int64, error) {
	if tx.Confirmations > 0 {
		return tx.Confirmations, nil
	}
	if !tx.Confirmed {
		return 0, nil
	}
	if tx.BlockHeight <= 0 {
		return 1, nil
	}
	tip, err := g.cfg.Backend.GetBlockHeight(ctx)
	if err != nil {
		return 0, err
	}
	if tip < tx.BlockHeight {
		return 1, nil
	}
	return tip - tx.BlockHeight + 1, nil
}

// pollRedeem looks for a spend of the bail outpoint and reports the secret
// revealed by its witness.
func (g *Gateway) pollRedeem(ctx context.Context, address string, bail *BailTx) bool {
	txs, err := g.cfg.Backend.GetAddressTxs(ctx, address, "")
	if err != nil {
		g.log.Debug("Redeem poll failed", "address", address, "error", err)
		return false
	}

	bailHash := bail.TxHash()
	for _, tx := range txs {
		for _, in := range tx.Inputs {
			if in.TxID != bailHash || in.Vout != bail.OutputIndex {
				continue
			}

			secret, err := g.claimSecret(in, bail)
			if err != nil {
				// Spent without a claim, i.e. refunded. Nothing more to learn.
				g.log.Warn("Bail spent without revealing a secret", "tx", tx.TxID, "bail", bailHash, "error", err)
				return true
			}
			g.log.Info("Redeem observed", "tx", tx.TxID, "bail", bailHash)

			if ctx.Err() != nil {
				return true
			}
			if d := g.getDelegate(); d != nil {
				d.OnRedeemObserved(swap.RedeemTransaction{TxHash: tx.TxID, Secret: secret})
			}
			return true
		}
	}
	return false
}

func (g *Gateway) claimSecret(in backend.TxInput, bail *BailTx) ([]byte, error) {
	witness := make([][]byte, len(in.Witness))
	for i, item := range in.Witness {
		b, err := hex.DecodeString(item)
		if err != nil {
			return nil, fmt.Errorf("bad witness item %d: %w", i, err)
		}
		witness[i] = b
	}

	secret, _, err := ExtractSecret(witness)
	if err != nil {
		return nil, err
	}

	pkScript, err := P2WSHScript(witness[len(witness)-1])
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(pkScript, bail.LockingScript) {
		return nil, fmt.Errorf("witness script does not match bail output")
	}
	return secret, nil
}

// lockingAddress returns the address a bail output pays.
func (g *Gateway) lockingAddress(pkScript []byte) (string, error) {
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(pkScript, g.cfg.Params.ChainCfgParams())
	if err != nil {
		return "", fmt.Errorf("%w: %v", swap.ErrTransactionFromOtherChain, err)
	}
	if len(addrs) != 1 {
		return "", fmt.Errorf("%w: unexpected locking script", swap.ErrTransactionFromOtherChain)
	}
	return addrs[0].EncodeAddress(), nil
}
