package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/klingon-exchange/swapkit/internal/backend"
	"github.com/klingon-exchange/swapkit/internal/chain"
	"github.com/klingon-exchange/swapkit/internal/swap"
	"github.com/klingon-exchange/swapkit/internal/wallet"
	"github.com/klingon-exchange/swapkit/pkg/helpers"
	"github.com/klingon-exchange/swapkit/pkg/logging"
)

// Defaults.
const (
	DefaultWatchInterval    = 30 * time.Second
	DefaultMinConfirmations = 1
	syncCheckTimeout        = 10 * time.Second
)

// ErrGatewayClosed is returned when a watch is requested on a closed gateway.
var ErrGatewayClosed = errors.New("gateway closed")

// Funder pays coins from a node wallet. *backend.JSONRPCBackend satisfies it.
type Funder interface {
	SendToAddress(ctx context.Context, address string, amount decimal.Decimal) (string, error)
	GetRawTransaction(ctx context.Context, txID string) ([]byte, error)
}

// Config holds what every gateway of one coin shares.
type Config struct {
	Params  *chain.Params
	Backend backend.Backend

	// Funder pays bail outputs. Without it SendBailTransaction fails.
	Funder Funder

	// Keys issues swap keys. Without it key requests fail with ErrNoKeySource.
	Keys *wallet.KeySource

	// RedeemFee is the flat redeem fee in base units. Zero means estimate
	// from the backend's half-hour fee rate.
	RedeemFee int64

	// MinConfirmations is the depth a counterparty bail needs before it is
	// reported. Zero means DefaultMinConfirmations.
	MinConfirmations int64

	WatchInterval time.Duration
}

// Gateway is a swap.Gateway for one Bitcoin-family coin. Each driver gets its
// own Gateway, so it carries a single delegate.
type Gateway struct {
	cfg Config
	log *logging.Logger

	mu       sync.Mutex
	delegate swap.Delegate
	watches  map[string]context.CancelFunc
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
}

var _ swap.Gateway = (*Gateway)(nil)

// New creates a gateway.
func New(cfg Config) *Gateway {
	if cfg.WatchInterval <= 0 {
		cfg.WatchInterval = DefaultWatchInterval
	}
	if cfg.MinConfirmations <= 0 {
		cfg.MinConfirmations = DefaultMinConfirmations
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		cfg:     cfg,
		log:     logging.GetDefault().Component("gateway").With("coin", cfg.Params.Symbol),
		watches: make(map[string]context.CancelFunc),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (g *Gateway) CoinCode() string {
	return g.cfg.Params.Symbol
}

// IsSynced reports whether the backend is connected and answers tip queries.
func (g *Gateway) IsSynced() bool {
	if !g.cfg.Backend.IsConnected() {
		return false
	}
	ctx, cancel := context.WithTimeout(g.ctx, syncCheckTimeout)
	defer cancel()

	if _, err := g.cfg.Backend.GetBlockHeight(ctx); err != nil {
		g.log.Debug("Tip height unavailable", "error", err)
		return false
	}
	return true
}

func (g *Gateway) ChangePublicKey() (swap.PublicKeyHandle, error) {
	return g.nextKey(chain.InternalBranch)
}

func (g *Gateway) ReceivePublicKey() (swap.PublicKeyHandle, error) {
	return g.nextKey(chain.ExternalBranch)
}

func (g *Gateway) nextKey(branch uint32) (swap.PublicKeyHandle, error) {
	if g.cfg.Keys == nil {
		return swap.PublicKeyHandle{}, fmt.Errorf("%w for %s", swap.ErrNoKeySource, g.CoinCode())
	}
	key, err := g.cfg.Keys.NextKey(branch)
	if err != nil {
		return swap.PublicKeyHandle{}, err
	}
	return swap.PublicKeyHandle{ID: key.Path, KeyHash: key.KeyHash}, nil
}

// htlc builds the witness script and the P2WSH output script and address.
func (g *Gateway) htlc(params swap.HTLCParams) (script, pkScript []byte, address string, err error) {
	script, err = BuildHTLCScript(params)
	if err != nil {
		return nil, nil, "", err
	}
	pkScript, err = P2WSHScript(script)
	if err != nil {
		return nil, nil, "", err
	}
	addr, err := wallet.WitnessScriptHashAddress(script, g.cfg.Params)
	if err != nil {
		return nil, nil, "", err
	}
	return script, pkScript, addr.EncodeAddress(), nil
}

// WatchBailTransaction polls the HTLC address until an output pays it.
func (g *Gateway) WatchBailTransaction(ctx context.Context, params swap.HTLCParams) error {
	_, pkScript, address, err := g.htlc(params)
	if err != nil {
		return err
	}
	return g.startWatch("bail:"+address, func(ctx context.Context) bool {
		return g.pollBail(ctx, address, pkScript)
	})
}

// SendBailTransaction funds the HTLC address from the node wallet and returns
// the funded output. The amount is truncated to whole base units. If the
// address already holds an output for these terms, confirmed or not, that
// output is returned and nothing is sent.
func (g *Gateway) SendBailTransaction(ctx context.Context, params swap.HTLCParams, amount decimal.Decimal) (swap.BailTransaction, error) {
	if g.cfg.Funder == nil {
		return nil, fmt.Errorf("%w: no funder configured for %s", swap.ErrTransactionNotSent, g.CoinCode())
	}

	_, pkScript, address, err := g.htlc(params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", swap.ErrTransactionNotSent, err)
	}

	amount = amount.Truncate(int32(g.cfg.Params.Decimals))
	value, err := helpers.ToBaseUnits(amount, g.cfg.Params.Decimals)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", swap.ErrTransactionNotSent, err)
	}
	if int64(value) < g.cfg.Params.DustLimit {
		return nil, fmt.Errorf("%w: amount %s is below dust", swap.ErrTransactionNotSent, amount)
	}

	txs, err := g.cfg.Backend.GetAddressTxs(ctx, address, "")
	if err != nil && !errors.Is(err, backend.ErrAddressNotFound) {
		return nil, fmt.Errorf("%w: failed to check %s for an earlier bail: %v", swap.ErrTransactionNotSent, address, err)
	}
	if existing, tx := findAddressOutput(txs, pkScript); existing != nil {
		g.log.Info("Bail already funded", "tx", tx.TxID, "vout", existing.OutputIndex, "address", address)
		return existing, nil
	}

	txID, err := g.cfg.Funder.SendToAddress(ctx, address, amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", swap.ErrTransactionNotSent, err)
	}

	raw, err := g.cfg.Funder.GetRawTransaction(ctx, txID)
	if err != nil {
		return nil, fmt.Errorf("%w: funding tx %s: %v", swap.ErrTransactionNotSent, txID, err)
	}
	tx, err := DeserializeTx(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: funding tx %s: %v", swap.ErrTransactionNotSent, txID, err)
	}

	bail, ok := findOutput(tx, pkScript)
	if !ok {
		return nil, fmt.Errorf("%w: funding tx %s does not pay %s", swap.ErrTransactionNotSent, txID, address)
	}

	g.log.Info("Bail sent", "tx", bail.TxHash(), "vout", bail.OutputIndex, "address", address, "amount", amount.String())
	return bail, nil
}

// SendRedeemTransaction claims the bail output with the secret and pays it to
// the redeem key's P2WPKH address.
func (g *Gateway) SendRedeemTransaction(ctx context.Context, tx swap.BailTransaction, params swap.RedeemParams) error {
	bail, err := asBailTx(tx)
	if err != nil {
		return err
	}
	if g.cfg.Keys == nil {
		return fmt.Errorf("%w for %s", swap.ErrNoKeySource, g.CoinCode())
	}

	script, pkScript, _, err := g.htlc(params.HTLCParams)
	if err != nil {
		return err
	}
	if !bytes.Equal(pkScript, bail.LockingScript) {
		return fmt.Errorf("%w: bail %s does not pay these HTLC terms", swap.ErrTransactionFromOtherChain, bail.TxHash())
	}

	privKey, err := g.cfg.Keys.PrivateKey(params.RedeemKeyID)
	if err != nil {
		return err
	}
	defer privKey.Zero()
	if !bytes.Equal(wallet.PubKeyHash(privKey.PubKey()), params.RedeemKeyHash) {
		return fmt.Errorf("redeem key %s does not match the HTLC redeem key hash", params.RedeemKeyID)
	}

	destScript, err := P2WPKHScript(params.RedeemKeyHash)
	if err != nil {
		return err
	}

	fee, err := g.redeemFee(ctx)
	if err != nil {
		return err
	}

	redeemTx, err := BuildRedeemTx(&RedeemTxParams{
		Bail:          bail,
		WitnessScript: script,
		Secret:        params.Secret,
		PrivKey:       privKey,
		DestScript:    destScript,
		Fee:           fee,
		DustLimit:     g.cfg.Params.DustLimit,
	})
	if err != nil {
		return err
	}

	rawHex, err := SerializeTx(redeemTx)
	if err != nil {
		return err
	}
	txID, err := g.cfg.Backend.BroadcastTransaction(ctx, rawHex)
	if err != nil {
		return fmt.Errorf("%w: %v", swap.ErrTransactionNotSent, err)
	}

	g.log.Info("Redeem sent", "tx", txID, "bail", bail.TxHash(), "fee", fee)
	return nil
}

func (g *Gateway) redeemFee(ctx context.Context) (int64, error) {
	if g.cfg.RedeemFee > 0 {
		return g.cfg.RedeemFee, nil
	}
	estimates, err := g.cfg.Backend.GetFeeEstimates(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to estimate redeem fee: %w", err)
	}
	rate := estimates.HalfHourFee
	if rate == 0 {
		rate = estimates.MinimumFee
	}
	if rate == 0 {
		rate = 1
	}
	return int64(rate) * RedeemTxVSize, nil
}

// WatchRedeemTransaction polls the HTLC address until the bail output is
// spent by a claim revealing the secret.
func (g *Gateway) WatchRedeemTransaction(ctx context.Context, tx swap.BailTransaction) error {
	bail, err := asBailTx(tx)
	if err != nil {
		return err
	}
	address, err := g.lockingAddress(bail.LockingScript)
	if err != nil {
		return err
	}
	outpoint := bail.OutPoint()
	return g.startWatch("redeem:"+outpoint.String(), func(ctx context.Context) bool {
		return g.pollRedeem(ctx, address, bail)
	})
}

func (g *Gateway) SerializeBailTx(tx swap.BailTransaction) ([]byte, error) {
	bail, err := asBailTx(tx)
	if err != nil {
		return nil, err
	}
	return bail.Serialize(), nil
}

func (g *Gateway) DeserializeBailTx(data []byte) (swap.BailTransaction, error) {
	return ParseBailTx(data)
}

func (g *Gateway) SetDelegate(d swap.Delegate) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.delegate = d
}

// Close stops every watch. It does not wait for in-flight polls.
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil
	}
	g.closed = true
	g.cancel()
	g.watches = make(map[string]context.CancelFunc)
	return nil
}

func (g *Gateway) getDelegate() swap.Delegate {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.delegate
}
