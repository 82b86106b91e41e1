package swap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/klingon-exchange/swapkit/internal/storage"
)

// fakeNetwork is the shared state behind every fake gateway of one coin.
type fakeNetwork struct {
	mu   sync.Mutex
	coin string

	synced     bool
	syncChecks int
	sendErr    error
	redeemErr  error

	nextKey       int
	bails         []*fakeBail
	redeems       []RedeemParams
	bailWatches   []HTLCParams
	redeemWatches []string
	gateways      []*fakeGateway
}

func newFakeNetwork(coin string) *fakeNetwork {
	return &fakeNetwork{coin: coin, synced: true}
}

func (n *fakeNetwork) counts() (bails, redeems, bailWatches, redeemWatches int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.bails), len(n.redeems), len(n.bailWatches), len(n.redeemWatches)
}

func (n *fakeNetwork) setSynced(synced bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.synced = synced
}

func (n *fakeNetwork) resetSyncChecks() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	checks := n.syncChecks
	n.syncChecks = 0
	return checks
}

func (n *fakeNetwork) lastBail() *fakeBail {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.bails) == 0 {
		return nil
	}
	return n.bails[len(n.bails)-1]
}

func (n *fakeNetwork) lastRedeem() RedeemParams {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.redeems[len(n.redeems)-1]
}

func (n *fakeNetwork) lastBailWatch() HTLCParams {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.bailWatches[len(n.bailWatches)-1]
}

func (n *fakeNetwork) factory() GatewayFactory {
	return GatewayFactoryFunc(func() (Gateway, error) {
		n.mu.Lock()
		defer n.mu.Unlock()
		gw := &fakeGateway{net: n}
		n.gateways = append(n.gateways, gw)
		return gw, nil
	})
}

type fakeBail struct {
	Coin   string
	Hash   string
	Params HTLCParams
	Amount decimal.Decimal
}

func (b *fakeBail) TxHash() string { return b.Hash }

type fakeGateway struct {
	net *fakeNetwork

	mu       sync.Mutex
	delegate Delegate
	closed   bool
}

func (g *fakeGateway) CoinCode() string { return g.net.coin }

func (g *fakeGateway) IsSynced() bool {
	g.net.mu.Lock()
	defer g.net.mu.Unlock()
	g.net.syncChecks++
	return g.net.synced
}

func (g *fakeGateway) newKey(branch string) PublicKeyHandle {
	g.net.mu.Lock()
	defer g.net.mu.Unlock()
	g.net.nextKey++
	hash := bytes.Repeat([]byte{byte(g.net.nextKey)}, KeyHashSize)
	hash[0] = g.net.coin[0]
	return PublicKeyHandle{
		ID:      fmt.Sprintf("%s/%s/%d", g.net.coin, branch, g.net.nextKey),
		KeyHash: hash,
	}
}

func (g *fakeGateway) ChangePublicKey() (PublicKeyHandle, error)  { return g.newKey("change"), nil }
func (g *fakeGateway) ReceivePublicKey() (PublicKeyHandle, error) { return g.newKey("receive"), nil }

func (g *fakeGateway) WatchBailTransaction(ctx context.Context, params HTLCParams) error {
	g.net.mu.Lock()
	defer g.net.mu.Unlock()
	g.net.bailWatches = append(g.net.bailWatches, params)
	return nil
}

func (g *fakeGateway) SendBailTransaction(ctx context.Context, params HTLCParams, amount decimal.Decimal) (BailTransaction, error) {
	g.net.mu.Lock()
	defer g.net.mu.Unlock()
	if g.net.sendErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransactionNotSent, g.net.sendErr)
	}
	// An HTLC already funded for these terms is returned as is.
	for _, b := range g.net.bails {
		if sameHTLC(b.Params, params) {
			return b, nil
		}
	}
	tx := &fakeBail{
		Coin:   g.net.coin,
		Hash:   fmt.Sprintf("%s-bail-%d", strings.ToLower(g.net.coin), len(g.net.bails)+1),
		Params: params,
		Amount: amount,
	}
	g.net.bails = append(g.net.bails, tx)
	return tx, nil
}

func sameHTLC(a, b HTLCParams) bool {
	return bytes.Equal(a.RedeemKeyHash, b.RedeemKeyHash) &&
		bytes.Equal(a.RefundKeyHash, b.RefundKeyHash) &&
		bytes.Equal(a.SecretHash, b.SecretHash) &&
		a.Timestamp == b.Timestamp
}

func (g *fakeGateway) SendRedeemTransaction(ctx context.Context, bail BailTransaction, params RedeemParams) error {
	g.net.mu.Lock()
	defer g.net.mu.Unlock()
	if g.net.redeemErr != nil {
		return fmt.Errorf("%w: %v", ErrTransactionNotSent, g.net.redeemErr)
	}
	if b, ok := bail.(*fakeBail); !ok || b.Coin != g.net.coin {
		return ErrTransactionFromOtherChain
	}
	g.net.redeems = append(g.net.redeems, params)
	return nil
}

func (g *fakeGateway) WatchRedeemTransaction(ctx context.Context, bail BailTransaction) error {
	g.net.mu.Lock()
	defer g.net.mu.Unlock()
	g.net.redeemWatches = append(g.net.redeemWatches, bail.TxHash())
	return nil
}

func (g *fakeGateway) SerializeBailTx(tx BailTransaction) ([]byte, error) {
	b, ok := tx.(*fakeBail)
	if !ok || b.Coin != g.net.coin {
		return nil, ErrTransactionFromOtherChain
	}
	return []byte(b.Coin + ":" + b.Hash), nil
}

func (g *fakeGateway) DeserializeBailTx(data []byte) (BailTransaction, error) {
	coin, hash, ok := strings.Cut(string(data), ":")
	if !ok || coin != g.net.coin {
		return nil, ErrTransactionFromOtherChain
	}
	return &fakeBail{Coin: coin, Hash: hash}, nil
}

func (g *fakeGateway) SetDelegate(d Delegate) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.delegate = d
}

func (g *fakeGateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	return nil
}

// failingStore wraps a store and fails UpdateSwap while failUpdates is set.
type failingStore struct {
	Store

	mu          sync.Mutex
	failUpdates bool
}

var errStoreDown = errors.New("store unavailable")

func (s *failingStore) setFailing(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failUpdates = fail
}

func (s *failingStore) UpdateSwap(rec *storage.SwapRecord) error {
	s.mu.Lock()
	fail := s.failUpdates
	s.mu.Unlock()
	if fail {
		return errStoreDown
	}
	return s.Store.UpdateSwap(rec)
}

func newTestStore(t *testing.T) *storage.Storage {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "swapkit-swap-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := storage.New(&storage.Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// testParty is one side of a swap with its own store and chains.
type testParty struct {
	store    *failingStore
	registry *Registry
	btc      *fakeNetwork
	ltc      *fakeNetwork
	now      time.Time
}

func newTestParty(t *testing.T) *testParty {
	t.Helper()

	p := &testParty{
		store:    &failingStore{Store: newTestStore(t)},
		registry: NewRegistry(),
		btc:      newFakeNetwork("BTC"),
		ltc:      newFakeNetwork("LTC"),
		now:      time.Now(),
	}
	p.registry.Register("BTC", p.btc.factory())
	p.registry.Register("LTC", p.ltc.factory())
	return p
}

func (p *testParty) clock() time.Time { return p.now }

func (p *testParty) engine() *Engine {
	return NewEngine(&EngineConfig{Registry: p.registry, Store: p.store, Now: p.clock})
}

func (p *testParty) coordinator() *Coordinator {
	return NewCoordinator(&CoordinatorConfig{Store: p.store, Registry: p.registry, Now: p.clock})
}

var (
	testAmount = decimal.RequireFromString("10")
	testRate   = decimal.RequireFromString("0.5")
)

// agreedSwap creates an initiator record on alice and the matching responder
// record on bob, and binds bob's response on alice. Neither side has bailed.
func agreedSwap(t *testing.T, alice, bob *testParty) (*storage.SwapRecord, *storage.SwapRecord) {
	t.Helper()
	ctx := context.Background()

	initRec, err := alice.engine().CreateOutgoingSwap(ctx, "BTC", "LTC", testRate, testAmount)
	if err != nil {
		t.Fatalf("CreateOutgoingSwap() error = %v", err)
	}
	respRec, err := bob.engine().AcceptIncomingSwap(ctx, NewRequestMessage(initRec))
	if err != nil {
		t.Fatalf("AcceptIncomingSwap() error = %v", err)
	}
	initRec, err = alice.engine().BindResponse(ctx, NewResponseMessage(respRec))
	if err != nil {
		t.Fatalf("BindResponse() error = %v", err)
	}
	return initRec, respRec
}

func assertState(t *testing.T, d Driver, want storage.SwapState) {
	t.Helper()
	if got := d.Record().State; got != want {
		t.Fatalf("state = %s, want %s", got, want)
	}
}
