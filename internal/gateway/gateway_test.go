package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/shopspring/decimal"

	"github.com/klingon-exchange/swapkit/internal/backend"
	"github.com/klingon-exchange/swapkit/internal/swap"
	"github.com/klingon-exchange/swapkit/internal/wallet"
)

// fundedHTLC returns HTLC terms redeemable by a fresh receive key of g, the
// matching secret and the key handle.
func fundedHTLC(t *testing.T, g *Gateway) (swap.HTLCParams, []byte, swap.PublicKeyHandle) {
	t.Helper()

	key, err := g.ReceivePublicKey()
	if err != nil {
		t.Fatalf("ReceivePublicKey() error = %v", err)
	}
	refund, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey() error = %v", err)
	}
	secret, secretHash, err := swap.GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret() error = %v", err)
	}
	return swap.HTLCParams{
		RedeemKeyHash: key.KeyHash,
		RefundKeyHash: wallet.PubKeyHash(refund.PubKey()),
		SecretHash:    secretHash,
		Timestamp:     time.Now().Add(48 * time.Hour).Unix(),
	}, secret, key
}

func TestGatewayKeys(t *testing.T) {
	g := testGateway(t, newFakeChain(t, "BTC"))

	recv, err := g.ReceivePublicKey()
	if err != nil {
		t.Fatalf("ReceivePublicKey() error = %v", err)
	}
	if recv.ID != "m/84'/1'/0'/0/0" {
		t.Errorf("receive path = %s", recv.ID)
	}
	if len(recv.KeyHash) != swap.KeyHashSize {
		t.Errorf("key hash length = %d", len(recv.KeyHash))
	}

	change, err := g.ChangePublicKey()
	if err != nil {
		t.Fatalf("ChangePublicKey() error = %v", err)
	}
	if change.ID != "m/84'/1'/0'/1/0" {
		t.Errorf("change path = %s", change.ID)
	}

	next, _ := g.ReceivePublicKey()
	if next.ID != "m/84'/1'/0'/0/1" {
		t.Errorf("second receive path = %s", next.ID)
	}
}

func TestGatewayWithoutKeysOrFunder(t *testing.T) {
	c := newFakeChain(t, "BTC")
	g := New(Config{Params: c.params, Backend: c})
	defer g.Close()

	if _, err := g.ReceivePublicKey(); !errors.Is(err, swap.ErrNoKeySource) {
		t.Errorf("ReceivePublicKey() error = %v, want ErrNoKeySource", err)
	}

	params, _, _ := testHTLCParams(t)
	_, err := g.SendBailTransaction(context.Background(), params, decimal.RequireFromString("0.1"))
	if !errors.Is(err, swap.ErrTransactionNotSent) {
		t.Errorf("SendBailTransaction() error = %v, want ErrTransactionNotSent", err)
	}
}

func TestSendBailTransaction(t *testing.T) {
	c := newFakeChain(t, "BTC")
	g := testGateway(t, c)
	params, _, _ := fundedHTLC(t, g)

	tx, err := g.SendBailTransaction(context.Background(), params, decimal.RequireFromString("1.5"))
	if err != nil {
		t.Fatalf("SendBailTransaction() error = %v", err)
	}

	bail := tx.(*BailTx)
	if bail.OutputIndex != 1 {
		t.Errorf("output index = %d, want 1", bail.OutputIndex)
	}
	if bail.Amount != 150000000 {
		t.Errorf("amount = %d, want 150000000", bail.Amount)
	}

	data, err := g.SerializeBailTx(tx)
	if err != nil {
		t.Fatalf("SerializeBailTx() error = %v", err)
	}
	back, err := g.DeserializeBailTx(data)
	if err != nil {
		t.Fatalf("DeserializeBailTx() error = %v", err)
	}
	if back.TxHash() != tx.TxHash() {
		t.Errorf("TxHash() = %s, want %s", back.TxHash(), tx.TxHash())
	}
}

func TestSendBailTransactionFailures(t *testing.T) {
	c := newFakeChain(t, "BTC")
	g := testGateway(t, c)
	params, _, _ := fundedHTLC(t, g)
	ctx := context.Background()

	if _, err := g.SendBailTransaction(ctx, params, decimal.RequireFromString("0.000001")); !errors.Is(err, swap.ErrTransactionNotSent) {
		t.Errorf("dust amount error = %v, want ErrTransactionNotSent", err)
	}

	c.sendErr = errFundingDown
	if _, err := g.SendBailTransaction(ctx, params, decimal.RequireFromString("0.1")); !errors.Is(err, swap.ErrTransactionNotSent) {
		t.Errorf("funder failure error = %v, want ErrTransactionNotSent", err)
	}

	bad := params
	bad.SecretHash = nil
	c.sendErr = nil
	if _, err := g.SendBailTransaction(ctx, bad, decimal.RequireFromString("0.1")); !errors.Is(err, swap.ErrTransactionNotSent) {
		t.Errorf("bad params error = %v, want ErrTransactionNotSent", err)
	}
	if c.fundings != 0 {
		t.Errorf("fundings = %d, want 0", c.fundings)
	}
}

func TestSendBailTransactionReusesFundedOutput(t *testing.T) {
	c := newFakeChain(t, "BTC")
	c.newTxDepth = 0
	g := testGateway(t, c)
	params, _, _ := fundedHTLC(t, g)
	ctx := context.Background()

	first, err := g.SendBailTransaction(ctx, params, decimal.RequireFromString("0.5"))
	if err != nil {
		t.Fatalf("SendBailTransaction() error = %v", err)
	}
	// A retry after a lost store write must not lock the coins twice, even
	// while the first funding is still unconfirmed.
	second, err := g.SendBailTransaction(ctx, params, decimal.RequireFromString("0.5"))
	if err != nil {
		t.Fatalf("second SendBailTransaction() error = %v", err)
	}
	if second.TxHash() != first.TxHash() || second.(*BailTx).OutputIndex != first.(*BailTx).OutputIndex {
		t.Errorf("second bail = %s:%d, want %s:%d", second.TxHash(), second.(*BailTx).OutputIndex, first.TxHash(), first.(*BailTx).OutputIndex)
	}
	if n := c.fundingCount(); n != 1 {
		t.Errorf("fundings = %d, want 1", n)
	}

	other, _, _ := fundedHTLC(t, g)
	if _, err := g.SendBailTransaction(ctx, other, decimal.RequireFromString("0.5")); err != nil {
		t.Fatalf("SendBailTransaction(other terms) error = %v", err)
	}
	if n := c.fundingCount(); n != 2 {
		t.Errorf("fundings = %d, want 2", n)
	}
}

func TestSendBailTransactionHistoryUnavailable(t *testing.T) {
	c := newFakeChain(t, "BTC")
	g := testGateway(t, c)
	params, _, _ := fundedHTLC(t, g)

	c.historyErr = errors.New("backend down")
	if _, err := g.SendBailTransaction(context.Background(), params, decimal.RequireFromString("0.5")); !errors.Is(err, swap.ErrTransactionNotSent) {
		t.Errorf("SendBailTransaction() error = %v, want ErrTransactionNotSent", err)
	}
	if n := c.fundingCount(); n != 0 {
		t.Errorf("fundings = %d, want 0", n)
	}
}

func TestSendRedeemTransaction(t *testing.T) {
	c := newFakeChain(t, "BTC")
	g := testGateway(t, c)
	params, secret, key := fundedHTLC(t, g)
	ctx := context.Background()

	bail, err := g.SendBailTransaction(ctx, params, decimal.RequireFromString("0.01"))
	if err != nil {
		t.Fatalf("SendBailTransaction() error = %v", err)
	}

	err = g.SendRedeemTransaction(ctx, bail, swap.RedeemParams{
		HTLCParams:  params,
		RedeemKeyID: key.ID,
		Secret:      secret,
	})
	if err != nil {
		t.Fatalf("SendRedeemTransaction() error = %v", err)
	}

	tx := c.lastBroadcast()
	if tx == nil {
		t.Fatal("nothing broadcast")
	}
	if got := tx.TxOut[0].Value; got != 1000000-1000 {
		t.Errorf("redeem output = %d, want %d", got, 1000000-1000)
	}
	want, _ := P2WPKHScript(params.RedeemKeyHash)
	if string(tx.TxOut[0].PkScript) != string(want) {
		t.Error("redeem does not pay the redeem key")
	}
}

func TestSendRedeemTransactionEstimatesFee(t *testing.T) {
	c := newFakeChain(t, "BTC")
	g := New(Config{
		Params:  c.params,
		Backend: c,
		Funder:  c,
		Keys:    testKeySource(t, testMnemonic, "BTC", &memAllocator{}),
	})
	defer g.Close()

	params, secret, key := fundedHTLC(t, g)
	ctx := context.Background()

	bail, err := g.SendBailTransaction(ctx, params, decimal.RequireFromString("0.01"))
	if err != nil {
		t.Fatalf("SendBailTransaction() error = %v", err)
	}
	err = g.SendRedeemTransaction(ctx, bail, swap.RedeemParams{HTLCParams: params, RedeemKeyID: key.ID, Secret: secret})
	if err != nil {
		t.Fatalf("SendRedeemTransaction() error = %v", err)
	}

	if got, want := c.lastBroadcast().TxOut[0].Value, int64(1000000-2*RedeemTxVSize); got != want {
		t.Errorf("redeem output = %d, want %d", got, want)
	}
}

func TestSendRedeemTransactionRejects(t *testing.T) {
	c := newFakeChain(t, "BTC")
	g := testGateway(t, c)
	params, secret, key := fundedHTLC(t, g)
	ctx := context.Background()

	bail, err := g.SendBailTransaction(ctx, params, decimal.RequireFromString("0.01"))
	if err != nil {
		t.Fatalf("SendBailTransaction() error = %v", err)
	}

	other := params
	other.Timestamp++
	err = g.SendRedeemTransaction(ctx, bail, swap.RedeemParams{HTLCParams: other, RedeemKeyID: key.ID, Secret: secret})
	if !errors.Is(err, swap.ErrTransactionFromOtherChain) {
		t.Errorf("other terms error = %v, want ErrTransactionFromOtherChain", err)
	}

	change, _ := g.ChangePublicKey()
	err = g.SendRedeemTransaction(ctx, bail, swap.RedeemParams{HTLCParams: params, RedeemKeyID: change.ID, Secret: secret})
	if err == nil {
		t.Error("redeem with a key that does not match the HTLC should fail")
	}

	err = g.SendRedeemTransaction(ctx, bail, swap.RedeemParams{HTLCParams: params, RedeemKeyID: "m/84'/2'/0'/0/0", Secret: secret})
	if !errors.Is(err, wallet.ErrForeignKeyPath) {
		t.Errorf("foreign path error = %v, want ErrForeignKeyPath", err)
	}

	if n := c.broadcastCount(); n != 0 {
		t.Errorf("broadcasts = %d, want 0", n)
	}
}

func TestWatchBailTransaction(t *testing.T) {
	c := newFakeChain(t, "BTC")
	g := testGateway(t, c)
	d := newRecordingDelegate()
	g.SetDelegate(d)

	params, _, _ := fundedHTLC(t, g)
	ctx := context.Background()

	if err := g.WatchBailTransaction(ctx, params); err != nil {
		t.Fatalf("WatchBailTransaction() error = %v", err)
	}
	if err := g.WatchBailTransaction(ctx, params); err != nil {
		t.Fatalf("second WatchBailTransaction() error = %v", err)
	}
	if n := g.activeWatches(); n != 1 {
		t.Errorf("active watches = %d, want 1", n)
	}

	sent, err := g.SendBailTransaction(ctx, params, decimal.RequireFromString("0.2"))
	if err != nil {
		t.Fatalf("SendBailTransaction() error = %v", err)
	}

	select {
	case got := <-d.bails:
		if got.TxHash() != sent.TxHash() {
			t.Errorf("observed %s, want %s", got.TxHash(), sent.TxHash())
		}
		if got.(*BailTx).OutputIndex != 1 {
			t.Errorf("observed output index = %d", got.(*BailTx).OutputIndex)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("bail not observed")
	}

	deadline := time.Now().Add(time.Second)
	for g.activeWatches() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := g.activeWatches(); n != 0 {
		t.Errorf("active watches after bail = %d, want 0", n)
	}
}

func TestWatchBailTransactionWaitsForConfirmations(t *testing.T) {
	c := newFakeChain(t, "BTC")
	c.newTxDepth = 0
	g := New(Config{
		Params:           c.params,
		Backend:          c,
		Funder:           c,
		Keys:             testKeySource(t, testMnemonic, "BTC", &memAllocator{}),
		RedeemFee:        1000,
		MinConfirmations: 2,
		WatchInterval:    10 * time.Millisecond,
	})
	defer g.Close()
	d := newRecordingDelegate()
	g.SetDelegate(d)

	params, _, _ := fundedHTLC(t, g)
	ctx := context.Background()

	sent, err := g.SendBailTransaction(ctx, params, decimal.RequireFromString("0.2"))
	if err != nil {
		t.Fatalf("SendBailTransaction() error = %v", err)
	}
	if err := g.WatchBailTransaction(ctx, params); err != nil {
		t.Fatalf("WatchBailTransaction() error = %v", err)
	}

	for _, depth := range []int64{0, 1} {
		c.setDepth(sent.TxHash(), depth)
		select {
		case got := <-d.bails:
			t.Fatalf("bail %s reported at depth %d", got.TxHash(), depth)
		case <-time.After(100 * time.Millisecond):
		}
		if n := g.activeWatches(); n != 1 {
			t.Fatalf("active watches at depth %d = %d, want 1", depth, n)
		}
	}

	c.setDepth(sent.TxHash(), 2)
	select {
	case got := <-d.bails:
		if got.TxHash() != sent.TxHash() {
			t.Errorf("observed %s, want %s", got.TxHash(), sent.TxHash())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("bail not observed at the required depth")
	}
}

func TestGatewayConfirmations(t *testing.T) {
	c := newFakeChain(t, "BTC")
	g := testGateway(t, c)
	ctx := context.Background()

	tests := []struct {
		name string
		tx   backend.Transaction
		want int64
	}{
		{"mempool", backend.Transaction{}, 0},
		{"reported depth", backend.Transaction{Confirmed: true, Confirmations: 4, BlockHeight: 97}, 4},
		{"height only", backend.Transaction{Confirmed: true, BlockHeight: fakeTipHeight - 2}, 3},
		{"confirmed without height", backend.Transaction{Confirmed: true}, 1},
		{"ahead of tip", backend.Transaction{Confirmed: true, BlockHeight: fakeTipHeight + 1}, 1},
	}
	for _, tt := range tests {
		got, err := g.confirmations(ctx, &tt.tx)
		if err != nil {
			t.Errorf("%s: confirmations() error = %v", tt.name, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%s: confirmations() = %d, want %d", tt.name, got, tt.want)
		}
	}

	c.heightErr = errors.New("timeout")
	if _, err := g.confirmations(ctx, &backend.Transaction{Confirmed: true, BlockHeight: 90}); err == nil {
		t.Error("confirmations() without a tip should fail")
	}
}

func TestWatchRedeemTransaction(t *testing.T) {
	c := newFakeChain(t, "LTC")
	g := testGateway(t, c)
	d := newRecordingDelegate()
	g.SetDelegate(d)

	params, secret, key := fundedHTLC(t, g)
	ctx := context.Background()

	bail, err := g.SendBailTransaction(ctx, params, decimal.RequireFromString("0.3"))
	if err != nil {
		t.Fatalf("SendBailTransaction() error = %v", err)
	}
	if err := g.WatchRedeemTransaction(ctx, bail); err != nil {
		t.Fatalf("WatchRedeemTransaction() error = %v", err)
	}

	err = g.SendRedeemTransaction(ctx, bail, swap.RedeemParams{HTLCParams: params, RedeemKeyID: key.ID, Secret: secret})
	if err != nil {
		t.Fatalf("SendRedeemTransaction() error = %v", err)
	}

	select {
	case got := <-d.redeems:
		if !swap.VerifySecret(got.Secret, params.SecretHash) {
			t.Error("observed redeem carries the wrong secret")
		}
		if got.TxHash != c.lastBroadcast().TxHash().String() {
			t.Errorf("observed %s, want %s", got.TxHash, c.lastBroadcast().TxHash())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("redeem not observed")
	}
}

func TestGatewayClose(t *testing.T) {
	c := newFakeChain(t, "BTC")
	g := testGateway(t, c)
	params, _, _ := fundedHTLC(t, g)

	if err := g.WatchBailTransaction(context.Background(), params); err != nil {
		t.Fatalf("WatchBailTransaction() error = %v", err)
	}
	if err := g.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if n := g.activeWatches(); n != 0 {
		t.Errorf("active watches = %d, want 0", n)
	}
	if err := g.WatchBailTransaction(context.Background(), params); !errors.Is(err, ErrGatewayClosed) {
		t.Errorf("watch after close error = %v, want ErrGatewayClosed", err)
	}
	if err := g.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestGatewayIsSynced(t *testing.T) {
	c := newFakeChain(t, "BTC")
	g := testGateway(t, c)

	if !g.IsSynced() {
		t.Error("expected synced")
	}

	c.heightErr = errors.New("timeout")
	if g.IsSynced() {
		t.Error("expected not synced when tip query fails")
	}

	c.heightErr = nil
	c.connected = false
	if g.IsSynced() {
		t.Error("expected not synced when disconnected")
	}
}

func TestNewFactory(t *testing.T) {
	c := newFakeChain(t, "LTC")

	if _, err := NewFactory(Config{Backend: c}); err == nil {
		t.Error("expected error without params")
	}
	if _, err := NewFactory(Config{Params: c.params}); err == nil {
		t.Error("expected error without backend")
	}
	if _, err := NewFactory(Config{Params: c.params, Backend: c, RedeemFee: -1}); err == nil {
		t.Error("expected error for negative fee")
	}
	if _, err := NewFactory(Config{Params: c.params, Backend: c, MinConfirmations: -1}); err == nil {
		t.Error("expected error for negative confirmation depth")
	}

	f, err := NewFactory(Config{Params: c.params, Backend: c})
	if err != nil {
		t.Fatalf("NewFactory() error = %v", err)
	}
	if f.Coin() != "LTC" {
		t.Errorf("Coin() = %s", f.Coin())
	}

	a, _ := f.NewGateway()
	b, _ := f.NewGateway()
	defer a.(*Gateway).Close()
	defer b.(*Gateway).Close()
	if a == b {
		t.Error("factory should return a fresh gateway each time")
	}
	if a.CoinCode() != "LTC" {
		t.Errorf("CoinCode() = %s", a.CoinCode())
	}
}
