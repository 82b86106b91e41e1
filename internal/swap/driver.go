package swap

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/klingon-exchange/swapkit/internal/storage"
	"github.com/klingon-exchange/swapkit/pkg/logging"
)

// Driver runs the protocol for one swap in one role.
type Driver interface {
	Delegate

	// ID returns the swap id.
	ID() string

	// Record returns a snapshot of the current record.
	Record() *storage.SwapRecord

	// Proceed performs the single step due in the current state.
	Proceed(ctx context.Context) error

	// Resume re-registers chain watches after a restart. It never sends
	// transactions.
	Resume(ctx context.Context) error

	// gateways returns the initiator and responder gateways.
	gateways() []Gateway

	// Close releases the gateways.
	Close()
}

// driverBase holds what both role drivers share. mu serializes every
// operation on the record; all methods ending in Locked expect it held.
type driverBase struct {
	id string

	mu     sync.Mutex
	record *storage.SwapRecord

	// ctx bounds actions chained from chain events.
	ctx context.Context

	store        Store
	initiatorGW  Gateway
	responderGW  Gateway
	onTransition TransitionFunc
	log          *logging.Logger
}

func (d *driverBase) ID() string {
	return d.id
}

func (d *driverBase) Record() *storage.SwapRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.record.Clone()
}

func (d *driverBase) gateways() []Gateway {
	return []Gateway{d.initiatorGW, d.responderGW}
}

func (d *driverBase) Close() {
	closeGateways(d.initiatorGW, d.responderGW)
}

// commitLocked persists next and only then makes it the current record.
// If the store write fails the in-memory record is left as it was.
func (d *driverBase) commitLocked(next *storage.SwapRecord) error {
	from := d.record.State
	if err := d.store.UpdateSwap(next); err != nil {
		return fmt.Errorf("failed to persist swap %s: %w", next.ID, err)
	}
	d.record = next

	if from != next.State {
		d.log.Info("Swap state changed", "from", from, "to", next.State)
		if d.onTransition != nil {
			d.onTransition(next.Clone(), from)
		}
	}
	return nil
}

// restoreBailLocked decodes a persisted bail reference through gw.
func (d *driverBase) restoreBailLocked(gw Gateway, ref []byte) (BailTransaction, error) {
	if len(ref) == 0 {
		return nil, fmt.Errorf("%w: swap %s has no %s bail reference", ErrBailTransactionCouldNotBeRestored, d.record.ID, gw.CoinCode())
	}
	tx, err := gw.DeserializeBailTx(ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBailTransactionCouldNotBeRestored, err)
	}
	return tx, nil
}

func closeGateways(gateways ...Gateway) {
	for _, gw := range gateways {
		if c, ok := gw.(io.Closer); ok {
			c.Close()
		}
	}
}
