package swap

import (
	"context"
	"fmt"

	"github.com/klingon-exchange/swapkit/internal/storage"
)

// ResponderDriver drives a swap for the party that locks second and learns
// the secret from the initiator's redeem.
//
//	responded -> initiator_bailed -> responder_bailed -> initiator_redeemed -> responder_redeemed
type ResponderDriver struct {
	driverBase
}

var _ Driver = (*ResponderDriver)(nil)

// Proceed performs the step due in the current state.
func (d *ResponderDriver) Proceed(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.record.State {
	case storage.SwapStateResponded:
		return d.watchInitiatorBailLocked(ctx)
	case storage.SwapStateInitiatorBailed:
		if err := d.bailLocked(ctx); err != nil {
			return err
		}
		return d.watchInitiatorRedeemLocked(ctx)
	case storage.SwapStateResponderBailed:
		return d.watchInitiatorRedeemLocked(ctx)
	case storage.SwapStateInitiatorRedeemed:
		return d.redeemLocked(ctx)
	}
	return nil
}

// Resume re-registers whichever watch the current state waits on.
func (d *ResponderDriver) Resume(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.record.State {
	case storage.SwapStateResponded:
		return d.watchInitiatorBailLocked(ctx)
	case storage.SwapStateResponderBailed:
		return d.watchInitiatorRedeemLocked(ctx)
	}
	return nil
}

// WatchInitiatorBail starts watching for the initiator's HTLC output.
func (d *ResponderDriver) WatchInitiatorBail(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.watchInitiatorBailLocked(ctx)
}

// Bail locks amount*rate on the responder's chain.
func (d *ResponderDriver) Bail(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bailLocked(ctx)
}

// WatchInitiatorRedeem watches the responder's own HTLC output for the
// initiator's redeem, which reveals the secret.
func (d *ResponderDriver) WatchInitiatorRedeem(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.watchInitiatorRedeemLocked(ctx)
}

// Redeem spends the initiator's HTLC output with the learned secret.
func (d *ResponderDriver) Redeem(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.redeemLocked(ctx)
}

// OnBailObserved records the initiator's bail, then locks and watches.
func (d *ResponderDriver) OnBailObserved(tx BailTransaction) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.record.State != storage.SwapStateResponded {
		d.log.Debug("Ignoring bail event", "state", d.record.State, "tx", tx.TxHash())
		return
	}

	ref, err := d.initiatorGW.SerializeBailTx(tx)
	if err != nil {
		d.log.Warn("Failed to serialize initiator bail", "tx", tx.TxHash(), "error", err)
		return
	}

	next := d.record.Clone()
	next.InitiatorBailTx = ref
	next.State = storage.SwapStateInitiatorBailed
	if err := d.commitLocked(next); err != nil {
		d.log.Warn("Failed to record initiator bail", "tx", tx.TxHash(), "error", err)
		return
	}

	if err := d.bailLocked(d.ctx); err != nil {
		d.log.Warn("Bail after initiator bail failed, will retry", "error", err)
		return
	}
	if err := d.watchInitiatorRedeemLocked(d.ctx); err != nil {
		d.log.Warn("Watching initiator redeem failed, will retry", "error", err)
	}
}

// OnRedeemObserved takes the secret from the initiator's redeem and uses it.
func (d *ResponderDriver) OnRedeemObserved(tx RedeemTransaction) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.record.State != storage.SwapStateResponderBailed {
		d.log.Debug("Ignoring redeem event", "state", d.record.State, "tx", tx.TxHash)
		return
	}
	if !VerifySecret(tx.Secret, d.record.SecretHash) {
		d.log.Warn("Redeem event carries wrong secret", "tx", tx.TxHash, "error", ErrInvalidSecret)
		return
	}

	next := d.record.Clone()
	next.Secret = append([]byte(nil), tx.Secret...)
	next.State = storage.SwapStateInitiatorRedeemed
	if err := d.commitLocked(next); err != nil {
		d.log.Warn("Failed to record secret", "tx", tx.TxHash, "error", err)
		return
	}

	if err := d.redeemLocked(d.ctx); err != nil {
		d.log.Warn("Redeem after initiator redeem failed, will retry", "error", err)
	}
}

func (d *ResponderDriver) watchInitiatorBailLocked(ctx context.Context) error {
	rec := d.record
	if len(rec.ResponderRedeemKeyHash) == 0 || rec.InitiatorTimestamp == 0 {
		return fmt.Errorf("%w: swap %s has no redeem terms", ErrSwapNotAgreed, rec.ID)
	}

	params := HTLCParams{
		RedeemKeyHash: rec.ResponderRedeemKeyHash,
		RefundKeyHash: rec.InitiatorRefundKeyHash,
		SecretHash:    rec.SecretHash,
		Timestamp:     rec.InitiatorTimestamp,
	}
	if err := d.initiatorGW.WatchBailTransaction(ctx, params); err != nil {
		return fmt.Errorf("failed to watch initiator bail for swap %s: %w", rec.ID, err)
	}
	return nil
}

func (d *ResponderDriver) bailLocked(ctx context.Context) error {
	rec := d.record
	if len(rec.ResponderRefundKeyHash) == 0 || rec.ResponderTimestamp == 0 {
		return fmt.Errorf("%w: swap %s has no refund terms", ErrSwapNotAgreed, rec.ID)
	}
	// Never lock before the initiator has.
	if rec.State == storage.SwapStateResponded {
		return fmt.Errorf("%w: initiator has not bailed swap %s", ErrSwapNotAgreed, rec.ID)
	}
	if rec.State != storage.SwapStateInitiatorBailed {
		return fmt.Errorf("%w: swap %s is %s", ErrBailTransactionAlreadySent, rec.ID, rec.State)
	}

	params := HTLCParams{
		RedeemKeyHash: rec.InitiatorRedeemKeyHash,
		RefundKeyHash: rec.ResponderRefundKeyHash,
		SecretHash:    rec.SecretHash,
		Timestamp:     rec.ResponderTimestamp,
	}
	tx, err := d.responderGW.SendBailTransaction(ctx, params, rec.Amount.Mul(rec.Rate))
	if err != nil {
		return fmt.Errorf("failed to send bail for swap %s: %w", rec.ID, err)
	}

	ref, err := d.responderGW.SerializeBailTx(tx)
	if err != nil {
		return fmt.Errorf("failed to serialize bail %s: %w", tx.TxHash(), err)
	}

	next := rec.Clone()
	next.ResponderBailTx = ref
	next.State = storage.SwapStateResponderBailed
	if err := d.commitLocked(next); err != nil {
		d.log.Error("Bail sent but not recorded", "tx", tx.TxHash(), "error", err)
		return err
	}
	return nil
}

func (d *ResponderDriver) watchInitiatorRedeemLocked(ctx context.Context) error {
	bail, err := d.restoreBailLocked(d.responderGW, d.record.ResponderBailTx)
	if err != nil {
		return err
	}
	if err := d.responderGW.WatchRedeemTransaction(ctx, bail); err != nil {
		return fmt.Errorf("failed to watch redeem of %s for swap %s: %w", bail.TxHash(), d.record.ID, err)
	}
	return nil
}

func (d *ResponderDriver) redeemLocked(ctx context.Context) error {
	rec := d.record
	if len(rec.Secret) == 0 || rec.RedeemKeyID == "" || len(rec.InitiatorRefundKeyHash) == 0 || rec.InitiatorTimestamp == 0 {
		return fmt.Errorf("%w: swap %s is missing redeem terms", ErrSwapNotAgreed, rec.ID)
	}

	bail, err := d.restoreBailLocked(d.initiatorGW, rec.InitiatorBailTx)
	if err != nil {
		return err
	}

	switch {
	case rec.State == storage.SwapStateResponderRedeemed:
		return fmt.Errorf("%w: swap %s", ErrRedeemTransactionAlreadySent, rec.ID)
	case rec.State != storage.SwapStateInitiatorRedeemed:
		return fmt.Errorf("%w: swap %s is %s", ErrSwapNotAgreed, rec.ID, rec.State)
	}

	params := RedeemParams{
		HTLCParams: HTLCParams{
			RedeemKeyHash: rec.ResponderRedeemKeyHash,
			RefundKeyHash: rec.InitiatorRefundKeyHash,
			SecretHash:    rec.SecretHash,
			Timestamp:     rec.InitiatorTimestamp,
		},
		RedeemKeyID: rec.RedeemKeyID,
		Secret:      rec.Secret,
	}
	if err := d.initiatorGW.SendRedeemTransaction(ctx, bail, params); err != nil {
		return fmt.Errorf("failed to redeem %s for swap %s: %w", bail.TxHash(), rec.ID, err)
	}

	next := rec.Clone()
	next.State = storage.SwapStateResponderRedeemed
	return d.commitLocked(next)
}
