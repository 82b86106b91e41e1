package swap

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/klingon-exchange/swapkit/internal/storage"
)

func newInitiatorDriver(t *testing.T, p *testParty, rec *storage.SwapRecord) *InitiatorDriver {
	t.Helper()
	d, err := p.engine().BuildInitiatorDriver(context.Background(), rec)
	if err != nil {
		t.Fatalf("BuildInitiatorDriver() error = %v", err)
	}
	return d
}

func TestInitiatorBailBeforeResponse(t *testing.T) {
	alice := newTestParty(t)
	ctx := context.Background()

	rec, err := alice.engine().CreateOutgoingSwap(ctx, "BTC", "LTC", testRate, testAmount)
	if err != nil {
		t.Fatalf("CreateOutgoingSwap() error = %v", err)
	}
	d := newInitiatorDriver(t, alice, rec)

	if err := d.Bail(ctx); !errors.Is(err, ErrSwapNotAgreed) {
		t.Errorf("Bail() error = %v, want ErrSwapNotAgreed", err)
	}
	if err := d.Proceed(ctx); err != nil {
		t.Errorf("Proceed() error = %v, want nil while waiting for response", err)
	}
	if bails, _, _, _ := alice.btc.counts(); bails != 0 {
		t.Errorf("%d bails sent before response", bails)
	}
	assertState(t, d, storage.SwapStateRequested)
}

func TestInitiatorProceedIsIdempotent(t *testing.T) {
	alice := newTestParty(t)
	bob := newTestParty(t)
	ctx := context.Background()

	rec, _ := agreedSwap(t, alice, bob)
	d := newInitiatorDriver(t, alice, rec)

	if err := d.Proceed(ctx); err != nil {
		t.Fatalf("Proceed() error = %v", err)
	}
	assertState(t, d, storage.SwapStateInitiatorBailed)

	bail := alice.btc.lastBail()
	if !bail.Amount.Equal(testAmount) {
		t.Errorf("bail amount = %s, want %s", bail.Amount, testAmount)
	}
	if !bytes.Equal(bail.Params.RedeemKeyHash, rec.ResponderRedeemKeyHash) ||
		!bytes.Equal(bail.Params.RefundKeyHash, rec.InitiatorRefundKeyHash) ||
		!bytes.Equal(bail.Params.SecretHash, rec.SecretHash) ||
		bail.Params.Timestamp != rec.InitiatorTimestamp {
		t.Errorf("bail params = %+v", bail.Params)
	}

	for i := 0; i < 3; i++ {
		if err := d.Proceed(ctx); err != nil {
			t.Fatalf("Proceed() #%d error = %v", i+2, err)
		}
	}
	if err := d.Bail(ctx); !errors.Is(err, ErrBailTransactionAlreadySent) {
		t.Errorf("Bail() error = %v, want ErrBailTransactionAlreadySent", err)
	}

	if bails, _, _, _ := alice.btc.counts(); bails != 1 {
		t.Errorf("bails = %d, want 1", bails)
	}
	if _, _, watches, _ := alice.ltc.counts(); watches != 3 {
		t.Errorf("bail watches = %d, want 3", watches)
	}
	watch := alice.ltc.lastBailWatch()
	if !bytes.Equal(watch.RedeemKeyHash, rec.InitiatorRedeemKeyHash) || watch.Timestamp != rec.ResponderTimestamp {
		t.Errorf("watch params = %+v", watch)
	}

	stored, err := alice.store.GetSwap(rec.ID)
	if err != nil {
		t.Fatalf("GetSwap() error = %v", err)
	}
	if stored.State != storage.SwapStateInitiatorBailed || len(stored.InitiatorBailTx) == 0 {
		t.Errorf("stored state = %s, bail ref = %q", stored.State, stored.InitiatorBailTx)
	}
}

func TestInitiatorRedeemsAfterResponderBail(t *testing.T) {
	alice := newTestParty(t)
	bob := newTestParty(t)
	ctx := context.Background()

	rec, _ := agreedSwap(t, alice, bob)
	d := newInitiatorDriver(t, alice, rec)
	if err := d.Proceed(ctx); err != nil {
		t.Fatalf("Proceed() error = %v", err)
	}

	responderBail := &fakeBail{Coin: "LTC", Hash: "ltc-bail-9"}
	d.OnBailObserved(responderBail)
	assertState(t, d, storage.SwapStateInitiatorRedeemed)

	_, redeems, _, _ := alice.ltc.counts()
	if redeems != 1 {
		t.Fatalf("redeems = %d, want 1", redeems)
	}
	redeem := alice.ltc.lastRedeem()
	if !bytes.Equal(redeem.Secret, rec.Secret) || redeem.RedeemKeyID != rec.RedeemKeyID {
		t.Errorf("redeem params = %+v", redeem)
	}

	// Duplicate event, retry and explicit redeem must not redeem twice.
	d.OnBailObserved(responderBail)
	if err := d.Proceed(ctx); err != nil {
		t.Errorf("Proceed() error = %v", err)
	}
	if err := d.Redeem(ctx); !errors.Is(err, ErrRedeemTransactionAlreadySent) {
		t.Errorf("Redeem() error = %v, want ErrRedeemTransactionAlreadySent", err)
	}
	if _, redeems, _, _ := alice.ltc.counts(); redeems != 1 {
		t.Errorf("redeems = %d, want 1", redeems)
	}
	if d.Record().InProgress() {
		t.Error("swap still in progress after initiator redeem")
	}
}

func TestInitiatorIgnoresBailFromOtherChain(t *testing.T) {
	alice := newTestParty(t)
	bob := newTestParty(t)
	ctx := context.Background()

	rec, _ := agreedSwap(t, alice, bob)
	d := newInitiatorDriver(t, alice, rec)
	if err := d.Proceed(ctx); err != nil {
		t.Fatalf("Proceed() error = %v", err)
	}

	d.OnBailObserved(&fakeBail{Coin: "BTC", Hash: "btc-bail-9"})
	assertState(t, d, storage.SwapStateInitiatorBailed)
}

func TestInitiatorIgnoresBailBeforeOwnBail(t *testing.T) {
	alice := newTestParty(t)
	bob := newTestParty(t)

	rec, _ := agreedSwap(t, alice, bob)
	d := newInitiatorDriver(t, alice, rec)

	d.OnBailObserved(&fakeBail{Coin: "LTC", Hash: "ltc-bail-9"})
	assertState(t, d, storage.SwapStateResponded)
	if _, redeems, _, _ := alice.ltc.counts(); redeems != 0 {
		t.Errorf("redeems = %d, want 0", redeems)
	}
}

func TestInitiatorRedeemWithoutBailReference(t *testing.T) {
	alice := newTestParty(t)
	bob := newTestParty(t)

	rec, _ := agreedSwap(t, alice, bob)
	rec.State = storage.SwapStateResponderBailed
	rec.InitiatorBailTx = []byte("BTC:btc-bail-1")
	if err := alice.store.UpdateSwap(rec); err != nil {
		t.Fatalf("UpdateSwap() error = %v", err)
	}
	d := newInitiatorDriver(t, alice, rec)

	if err := d.Redeem(context.Background()); !errors.Is(err, ErrBailTransactionCouldNotBeRestored) {
		t.Errorf("Redeem() error = %v, want ErrBailTransactionCouldNotBeRestored", err)
	}
	assertState(t, d, storage.SwapStateResponderBailed)
	if _, redeems, _, _ := alice.ltc.counts(); redeems != 0 {
		t.Errorf("redeems = %d, want 0", redeems)
	}

	// A reference from the wrong chain is just as unrecoverable.
	rec.ResponderBailTx = []byte("BTC:btc-bail-1")
	d = newInitiatorDriver(t, alice, rec)
	if err := d.Redeem(context.Background()); !errors.Is(err, ErrBailTransactionCouldNotBeRestored) {
		t.Errorf("Redeem() error = %v, want ErrBailTransactionCouldNotBeRestored", err)
	}
}

func TestInitiatorStoreFailureKeepsState(t *testing.T) {
	alice := newTestParty(t)
	bob := newTestParty(t)
	ctx := context.Background()

	rec, _ := agreedSwap(t, alice, bob)
	d := newInitiatorDriver(t, alice, rec)

	alice.store.setFailing(true)
	if err := d.Proceed(ctx); !errors.Is(err, errStoreDown) {
		t.Fatalf("Proceed() error = %v, want errStoreDown", err)
	}
	assertState(t, d, storage.SwapStateResponded)
	if len(d.Record().InitiatorBailTx) != 0 {
		t.Error("bail reference installed without being persisted")
	}

	alice.store.setFailing(false)
	if err := d.Proceed(ctx); err != nil {
		t.Fatalf("Proceed() error = %v", err)
	}
	assertState(t, d, storage.SwapStateInitiatorBailed)

	// The retry finds the output funded by the unrecorded attempt.
	if bails, _, _, _ := alice.btc.counts(); bails != 1 {
		t.Errorf("bails = %d, want 1", bails)
	}
	stored, err := alice.store.GetSwap(rec.ID)
	if err != nil {
		t.Fatalf("GetSwap() error = %v", err)
	}
	if string(stored.InitiatorBailTx) != "BTC:btc-bail-1" {
		t.Errorf("stored bail ref = %q, want BTC:btc-bail-1", stored.InitiatorBailTx)
	}
}

func TestInitiatorRedeemFailureIsRetried(t *testing.T) {
	alice := newTestParty(t)
	bob := newTestParty(t)
	ctx := context.Background()

	rec, _ := agreedSwap(t, alice, bob)
	d := newInitiatorDriver(t, alice, rec)
	if err := d.Proceed(ctx); err != nil {
		t.Fatalf("Proceed() error = %v", err)
	}

	alice.ltc.redeemErr = errors.New("mempool full")
	d.OnBailObserved(&fakeBail{Coin: "LTC", Hash: "ltc-bail-9"})
	assertState(t, d, storage.SwapStateResponderBailed)

	if err := d.Proceed(ctx); !errors.Is(err, ErrTransactionNotSent) {
		t.Errorf("Proceed() error = %v, want ErrTransactionNotSent", err)
	}

	alice.ltc.redeemErr = nil
	if err := d.Proceed(ctx); err != nil {
		t.Fatalf("Proceed() error = %v", err)
	}
	assertState(t, d, storage.SwapStateInitiatorRedeemed)
}
