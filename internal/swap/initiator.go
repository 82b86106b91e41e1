package swap

import (
	"context"
	"fmt"

	"github.com/klingon-exchange/swapkit/internal/storage"
)

// InitiatorDriver drives a swap for the party that locks funds first.
//
//	requested -> responded -> initiator_bailed -> responder_bailed -> initiator_redeemed
type InitiatorDriver struct {
	driverBase
}

var _ Driver = (*InitiatorDriver)(nil)

// Proceed performs the step due in the current state.
func (d *InitiatorDriver) Proceed(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.record.State {
	case storage.SwapStateResponded:
		return d.bailLocked(ctx)
	case storage.SwapStateInitiatorBailed:
		return d.watchResponderBailLocked(ctx)
	case storage.SwapStateResponderBailed:
		return d.redeemLocked(ctx)
	}
	return nil
}

// Resume re-registers the watch on the responder's bail if one is pending.
func (d *InitiatorDriver) Resume(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.record.State == storage.SwapStateInitiatorBailed {
		return d.watchResponderBailLocked(ctx)
	}
	return nil
}

// Bail locks the initiator's funds into the HTLC on the initiator's chain.
func (d *InitiatorDriver) Bail(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bailLocked(ctx)
}

// WatchResponderBail starts watching for the responder's HTLC output.
func (d *InitiatorDriver) WatchResponderBail(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.watchResponderBailLocked(ctx)
}

// Redeem spends the responder's HTLC output, revealing the secret.
func (d *InitiatorDriver) Redeem(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.redeemLocked(ctx)
}

// OnBailObserved records the responder's bail and tries to redeem it.
func (d *InitiatorDriver) OnBailObserved(tx BailTransaction) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.record.State != storage.SwapStateInitiatorBailed {
		d.log.Debug("Ignoring bail event", "state", d.record.State, "tx", tx.TxHash())
		return
	}

	ref, err := d.responderGW.SerializeBailTx(tx)
	if err != nil {
		d.log.Warn("Failed to serialize responder bail", "tx", tx.TxHash(), "error", err)
		return
	}

	next := d.record.Clone()
	next.ResponderBailTx = ref
	next.State = storage.SwapStateResponderBailed
	if err := d.commitLocked(next); err != nil {
		d.log.Warn("Failed to record responder bail", "tx", tx.TxHash(), "error", err)
		return
	}

	if err := d.redeemLocked(d.ctx); err != nil {
		d.log.Warn("Redeem after responder bail failed, will retry", "error", err)
	}
}

// OnRedeemObserved is a no-op: the initiator is the one redeeming first.
func (d *InitiatorDriver) OnRedeemObserved(tx RedeemTransaction) {}

func (d *InitiatorDriver) bailLocked(ctx context.Context) error {
	rec := d.record
	if rec.State == storage.SwapStateRequested || len(rec.ResponderRedeemKeyHash) == 0 || rec.InitiatorTimestamp == 0 {
		return fmt.Errorf("%w: swap %s has no response yet", ErrSwapNotAgreed, rec.ID)
	}
	if rec.State != storage.SwapStateResponded {
		return fmt.Errorf("%w: swap %s is %s", ErrBailTransactionAlreadySent, rec.ID, rec.State)
	}

	params := HTLCParams{
		RedeemKeyHash: rec.ResponderRedeemKeyHash,
		RefundKeyHash: rec.InitiatorRefundKeyHash,
		SecretHash:    rec.SecretHash,
		Timestamp:     rec.InitiatorTimestamp,
	}
	tx, err := d.initiatorGW.SendBailTransaction(ctx, params, rec.Amount)
	if err != nil {
		return fmt.Errorf("failed to send bail for swap %s: %w", rec.ID, err)
	}

	ref, err := d.initiatorGW.SerializeBailTx(tx)
	if err != nil {
		return fmt.Errorf("failed to serialize bail %s: %w", tx.TxHash(), err)
	}

	next := rec.Clone()
	next.InitiatorBailTx = ref
	next.State = storage.SwapStateInitiatorBailed
	if err := d.commitLocked(next); err != nil {
		d.log.Error("Bail sent but not recorded", "tx", tx.TxHash(), "error", err)
		return err
	}
	return nil
}

func (d *InitiatorDriver) watchResponderBailLocked(ctx context.Context) error {
	rec := d.record
	if len(rec.ResponderRefundKeyHash) == 0 || rec.ResponderTimestamp == 0 {
		return fmt.Errorf("%w: swap %s has no responder terms", ErrSwapNotAgreed, rec.ID)
	}

	params := HTLCParams{
		RedeemKeyHash: rec.InitiatorRedeemKeyHash,
		RefundKeyHash: rec.ResponderRefundKeyHash,
		SecretHash:    rec.SecretHash,
		Timestamp:     rec.ResponderTimestamp,
	}
	if err := d.responderGW.WatchBailTransaction(ctx, params); err != nil {
		return fmt.Errorf("failed to watch responder bail for swap %s: %w", rec.ID, err)
	}
	return nil
}

func (d *InitiatorDriver) redeemLocked(ctx context.Context) error {
	rec := d.record
	if len(rec.Secret) == 0 || rec.RedeemKeyID == "" || len(rec.ResponderRefundKeyHash) == 0 || rec.ResponderTimestamp == 0 {
		return fmt.Errorf("%w: swap %s is missing redeem terms", ErrSwapNotAgreed, rec.ID)
	}

	bail, err := d.restoreBailLocked(d.responderGW, rec.ResponderBailTx)
	if err != nil {
		return err
	}

	switch {
	case rec.State == storage.SwapStateInitiatorRedeemed:
		return fmt.Errorf("%w: swap %s", ErrRedeemTransactionAlreadySent, rec.ID)
	case rec.State != storage.SwapStateResponderBailed:
		return fmt.Errorf("%w: swap %s is %s", ErrSwapNotAgreed, rec.ID, rec.State)
	}

	params := RedeemParams{
		HTLCParams: HTLCParams{
			RedeemKeyHash: rec.InitiatorRedeemKeyHash,
			RefundKeyHash: rec.ResponderRefundKeyHash,
			SecretHash:    rec.SecretHash,
			Timestamp:     rec.ResponderTimestamp,
		},
		RedeemKeyID: rec.RedeemKeyID,
		Secret:      rec.Secret,
	}
	if err := d.responderGW.SendRedeemTransaction(ctx, bail, params); err != nil {
		return fmt.Errorf("failed to redeem %s for swap %s: %w", bail.TxHash(), rec.ID, err)
	}

	next := rec.Clone()
	next.State = storage.SwapStateInitiatorRedeemed
	return d.commitLocked(next)
}

// bindResponse runs bind under the driver lock and installs the record it
// returns. bind persists the record itself.
func (d *InitiatorDriver) bindResponse(bind func() (*storage.SwapRecord, error)) (*storage.SwapRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.record.State != storage.SwapStateRequested {
		return nil, fmt.Errorf("%w: swap %s is already %s", ErrInvalidTransition, d.record.ID, d.record.State)
	}
	rec, err := bind()
	if err != nil {
		return nil, err
	}
	d.record = rec.Clone()
	d.log.Info("Swap state changed", "from", storage.SwapStateRequested, "to", rec.State)
	if d.onTransition != nil {
		d.onTransition(rec.Clone(), storage.SwapStateRequested)
	}
	return rec, nil
}
