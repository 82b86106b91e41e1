package storage

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

// createTestSwapRecord creates a test swap record with sensible defaults.
func createTestSwapRecord(id string, initiator bool) *SwapRecord {
	secret := bytes.Repeat([]byte{0x42}, 32)
	hash := sha256.Sum256(secret)

	rec := &SwapRecord{
		ID:                     id,
		IsInitiator:            initiator,
		InitiatorCoin:          "BTC",
		ResponderCoin:          "LTC",
		Rate:                   decimal.RequireFromString("0.5"),
		Amount:                 decimal.RequireFromString("10"),
		SecretHash:             hash[:],
		InitiatorRefundKeyHash: bytes.Repeat([]byte{0x01}, 20),
		InitiatorRedeemKeyHash: bytes.Repeat([]byte{0x02}, 20),
		RefundKeyID:            "m/84'/0'/0'/1/0",
		RedeemKeyID:            "m/84'/2'/0'/0/0",
		State:                  SwapStateRequested,
	}
	if initiator {
		rec.Secret = secret
	} else {
		rec.State = SwapStateResponded
	}
	return rec
}

func TestSwapCRUD(t *testing.T) {
	store := newTestStorage(t)

	swap := createTestSwapRecord("swap-001", true)
	if err := store.AddSwap(swap); err != nil {
		t.Fatalf("AddSwap() error = %v", err)
	}

	got, err := store.GetSwap("swap-001")
	if err != nil {
		t.Fatalf("GetSwap() error = %v", err)
	}
	if got.ID != swap.ID {
		t.Errorf("ID = %s, want %s", got.ID, swap.ID)
	}
	if !got.IsInitiator {
		t.Error("IsInitiator = false, want true")
	}
	if got.State != SwapStateRequested {
		t.Errorf("State = %s, want %s", got.State, SwapStateRequested)
	}
	if !got.Rate.Equal(swap.Rate) {
		t.Errorf("Rate = %s, want %s", got.Rate, swap.Rate)
	}
	if !got.Amount.Equal(swap.Amount) {
		t.Errorf("Amount = %s, want %s", got.Amount, swap.Amount)
	}
	if !bytes.Equal(got.SecretHash, swap.SecretHash) {
		t.Error("SecretHash mismatch")
	}
	if !bytes.Equal(got.Secret, swap.Secret) {
		t.Error("Secret mismatch")
	}
	if got.RefundKeyID != swap.RefundKeyID {
		t.Errorf("RefundKeyID = %s, want %s", got.RefundKeyID, swap.RefundKeyID)
	}
	if len(got.ResponderBailTx) != 0 {
		t.Errorf("ResponderBailTx = %x, want empty", got.ResponderBailTx)
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}

	// Advance and update
	swap.State = SwapStateResponded
	swap.InitiatorTimestamp = 2000
	swap.ResponderTimestamp = 1000
	swap.ResponderRedeemKeyHash = bytes.Repeat([]byte{0x03}, 20)
	swap.ResponderRefundKeyHash = bytes.Repeat([]byte{0x04}, 20)
	swap.InitiatorBailTx = []byte{0xde, 0xad}
	if err := store.UpdateSwap(swap); err != nil {
		t.Fatalf("UpdateSwap() error = %v", err)
	}

	got, err = store.GetSwap("swap-001")
	if err != nil {
		t.Fatalf("GetSwap() error = %v", err)
	}
	if got.State != SwapStateResponded {
		t.Errorf("State = %s, want %s", got.State, SwapStateResponded)
	}
	if got.InitiatorTimestamp != 2000 || got.ResponderTimestamp != 1000 {
		t.Errorf("timestamps = %d/%d, want 2000/1000", got.InitiatorTimestamp, got.ResponderTimestamp)
	}
	if !bytes.Equal(got.InitiatorBailTx, []byte{0xde, 0xad}) {
		t.Errorf("InitiatorBailTx = %x, want dead", got.InitiatorBailTx)
	}
}

func TestAddSwapDuplicate(t *testing.T) {
	store := newTestStorage(t)

	if err := store.AddSwap(createTestSwapRecord("dup", true)); err != nil {
		t.Fatalf("AddSwap() error = %v", err)
	}
	err := store.AddSwap(createTestSwapRecord("dup", true))
	if !errors.Is(err, ErrSwapExists) {
		t.Errorf("AddSwap() duplicate error = %v, want ErrSwapExists", err)
	}
}

func TestUpdateSwapInsertsMissing(t *testing.T) {
	store := newTestStorage(t)

	if err := store.UpdateSwap(createTestSwapRecord("fresh", false)); err != nil {
		t.Fatalf("UpdateSwap() error = %v", err)
	}
	if _, err := store.GetSwap("fresh"); err != nil {
		t.Errorf("GetSwap() error = %v", err)
	}
}

func TestInvalidState(t *testing.T) {
	store := newTestStorage(t)

	swap := createTestSwapRecord("bad", true)
	swap.State = "refunded"
	if err := store.AddSwap(swap); !errors.Is(err, ErrInvalidSwapState) {
		t.Errorf("AddSwap() error = %v, want ErrInvalidSwapState", err)
	}
	if err := store.UpdateSwap(swap); !errors.Is(err, ErrInvalidSwapState) {
		t.Errorf("UpdateSwap() error = %v, want ErrInvalidSwapState", err)
	}
}

func TestGetSwapNotFound(t *testing.T) {
	store := newTestStorage(t)

	_, err := store.GetSwap("nonexistent")
	if !errors.Is(err, ErrSwapNotFound) {
		t.Errorf("GetSwap() error = %v, want ErrSwapNotFound", err)
	}
}

func TestListInProgressSwaps(t *testing.T) {
	store := newTestStorage(t)

	records := []struct {
		id        string
		initiator bool
		state     SwapState
		want      bool
	}{
		{"i-requested", true, SwapStateRequested, true},
		{"i-bailed", true, SwapStateInitiatorBailed, true},
		{"i-done", true, SwapStateInitiatorRedeemed, false},
		{"r-responded", false, SwapStateResponded, true},
		// initiator_redeemed is terminal for the initiator only
		{"r-secret-known", false, SwapStateInitiatorRedeemed, true},
		{"r-done", false, SwapStateResponderRedeemed, false},
	}

	for i, r := range records {
		swap := createTestSwapRecord(r.id, r.initiator)
		swap.State = r.state
		swap.CreatedAt = time.Unix(int64(1000+i), 0)
		if err := store.AddSwap(swap); err != nil {
			t.Fatalf("AddSwap(%s) error = %v", r.id, err)
		}
	}

	inProgress, err := store.ListInProgressSwaps()
	if err != nil {
		t.Fatalf("ListInProgressSwaps() error = %v", err)
	}

	got := make(map[string]bool)
	for _, swap := range inProgress {
		got[swap.ID] = true
		if !swap.InProgress() {
			t.Errorf("%s returned but InProgress() = false", swap.ID)
		}
	}
	for _, r := range records {
		if got[r.id] != r.want {
			t.Errorf("%s in progress = %v, want %v", r.id, got[r.id], r.want)
		}
	}

	// Oldest first
	if len(inProgress) > 0 && inProgress[0].ID != "i-requested" {
		t.Errorf("first = %s, want i-requested", inProgress[0].ID)
	}
}

func TestListExpiredSwaps(t *testing.T) {
	store := newTestStorage(t)
	now := time.Unix(1_700_000_000, 0)

	expired := createTestSwapRecord("expired", true)
	expired.State = SwapStateInitiatorBailed
	expired.InitiatorTimestamp = now.Add(-time.Hour).Unix()
	expired.ResponderTimestamp = now.Add(-25 * time.Hour).Unix()

	live := createTestSwapRecord("live", false)
	live.State = SwapStateResponderBailed
	live.InitiatorTimestamp = now.Add(47 * time.Hour).Unix()
	live.ResponderTimestamp = now.Add(23 * time.Hour).Unix()

	done := createTestSwapRecord("done", true)
	done.State = SwapStateInitiatorRedeemed
	done.InitiatorTimestamp = now.Add(-time.Hour).Unix()

	unnegotiated := createTestSwapRecord("unnegotiated", true)

	for _, swap := range []*SwapRecord{expired, live, done, unnegotiated} {
		if err := store.AddSwap(swap); err != nil {
			t.Fatalf("AddSwap(%s) error = %v", swap.ID, err)
		}
	}

	swaps, err := store.ListExpiredSwaps(now)
	if err != nil {
		t.Fatalf("ListExpiredSwaps() error = %v", err)
	}
	if len(swaps) != 1 || swaps[0].ID != "expired" {
		ids := make([]string, 0, len(swaps))
		for _, s := range swaps {
			ids = append(ids, s.ID)
		}
		t.Errorf("ListExpiredSwaps() = %v, want [expired]", ids)
	}
}

func TestListSwapsAndCount(t *testing.T) {
	store := newTestStorage(t)

	active := createTestSwapRecord("active", true)
	done := createTestSwapRecord("done", true)
	done.State = SwapStateInitiatorRedeemed
	for _, swap := range []*SwapRecord{active, done} {
		if err := store.AddSwap(swap); err != nil {
			t.Fatalf("AddSwap() error = %v", err)
		}
	}

	all, err := store.ListSwaps(10, true)
	if err != nil {
		t.Fatalf("ListSwaps() error = %v", err)
	}
	if len(all) != 2 {
		t.Errorf("ListSwaps(includeCompleted) = %d swaps, want 2", len(all))
	}

	open, err := store.ListSwaps(10, false)
	if err != nil {
		t.Fatalf("ListSwaps() error = %v", err)
	}
	if len(open) != 1 || open[0].ID != "active" {
		t.Errorf("ListSwaps(active only) = %d swaps, want [active]", len(open))
	}

	count, err := store.SwapCount()
	if err != nil {
		t.Fatalf("SwapCount() error = %v", err)
	}
	if count != 2 {
		t.Errorf("SwapCount() = %d, want 2", count)
	}
}

func TestSwapStateOrder(t *testing.T) {
	order := []SwapState{
		SwapStateRequested,
		SwapStateResponded,
		SwapStateInitiatorBailed,
		SwapStateResponderBailed,
		SwapStateInitiatorRedeemed,
		SwapStateResponderRedeemed,
	}
	for i := 1; i < len(order); i++ {
		if !order[i-1].Before(order[i]) {
			t.Errorf("%s should come before %s", order[i-1], order[i])
		}
	}
	if SwapState("refunded").Valid() {
		t.Error("unknown state reported valid")
	}
}

func TestSwapRecordClone(t *testing.T) {
	orig := createTestSwapRecord("clone", true)
	orig.ResponderBailTx = []byte{1, 2, 3}

	c := orig.Clone()
	c.Secret[0] ^= 0xff
	c.ResponderBailTx[0] = 9
	c.State = SwapStateInitiatorRedeemed

	if orig.Secret[0] != 0x42 {
		t.Error("Clone shares Secret with original")
	}
	if orig.ResponderBailTx[0] != 1 {
		t.Error("Clone shares ResponderBailTx with original")
	}
	if orig.State != SwapStateRequested {
		t.Error("Clone shares State with original")
	}
}
