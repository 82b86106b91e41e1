package swap

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/klingon-exchange/swapkit/internal/storage"
	"github.com/klingon-exchange/swapkit/pkg/logging"
)

// EventType identifies a swap event.
type EventType string

const (
	EventSwapCreated      EventType = "swap_created"
	EventSwapAccepted     EventType = "swap_accepted"
	EventSwapConfirmed    EventType = "swap_confirmed"
	EventSwapStateChanged EventType = "swap_state_changed"
	EventSwapCompleted    EventType = "swap_completed"
)

// SwapEvent is published for every externally visible change.
type SwapEvent struct {
	ID        string            `json:"id"`
	SwapID    string            `json:"swap_id"`
	Type      EventType         `json:"type"`
	Role      string            `json:"role"`
	State     storage.SwapState `json:"state"`
	PrevState storage.SwapState `json:"prev_state,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// EventHandler is called for swap events. Handlers run on their own goroutine.
type EventHandler func(event SwapEvent)

// CoordinatorConfig holds coordinator dependencies.
type CoordinatorConfig struct {
	Store    Store
	Registry *Registry

	// Now defaults to time.Now.
	Now func() time.Time
}

// Coordinator owns every live swap driver. It is the entry point for
// protocol messages, chain-independent retries and crash recovery.
type Coordinator struct {
	mu sync.RWMutex

	store   Store
	engine  *Engine
	now     func() time.Time
	drivers map[string]Driver

	eventHandlers []EventHandler

	log *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewCoordinator creates a new swap coordinator.
func NewCoordinator(cfg *CoordinatorConfig) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	c := &Coordinator{
		store:   cfg.Store,
		now:     now,
		drivers: make(map[string]Driver),
		log:     logging.GetDefault().Component("swap"),
		ctx:     ctx,
		cancel:  cancel,
	}
	c.engine = NewEngine(&EngineConfig{
		Registry:     cfg.Registry,
		Store:        cfg.Store,
		Now:          now,
		OnTransition: c.handleTransition,
	})
	return c
}

// CreateRequest starts an outgoing swap and returns the request to send to
// the counterparty.
func (c *Coordinator) CreateRequest(ctx context.Context, haveCoin, wantCoin string, rate, amount decimal.Decimal) (*RequestMessage, error) {
	rec, err := c.engine.CreateOutgoingSwap(ctx, haveCoin, wantCoin, rate, amount)
	if err != nil {
		return nil, err
	}

	driver, err := c.engine.BuildInitiatorDriver(c.ctx, rec)
	if err != nil {
		return nil, err
	}
	c.addDriver(driver)

	c.emitEvent(rec, EventSwapCreated, "")
	return NewRequestMessage(rec), nil
}

// AcceptRequest answers a counterparty's request. The responder never locks
// first: it only starts watching for the initiator's bail.
func (c *Coordinator) AcceptRequest(ctx context.Context, req *RequestMessage) (*ResponseMessage, error) {
	rec, err := c.engine.AcceptIncomingSwap(ctx, req)
	if err != nil {
		return nil, err
	}

	driver, err := c.engine.BuildResponderDriver(c.ctx, rec)
	if err != nil {
		return nil, err
	}
	if err := driver.WatchInitiatorBail(ctx); err != nil {
		// The record is stored; ProceedAll retries the watch.
		c.log.Warn("Failed to watch initiator bail", "swap_id", rec.ID, "error", err)
	}
	c.addDriver(driver)

	c.emitEvent(rec, EventSwapAccepted, "")
	return NewResponseMessage(rec), nil
}

// ConfirmResponse binds the responder's answer to a live outgoing swap,
// bails and starts watching for the responder's bail.
func (c *Coordinator) ConfirmResponse(ctx context.Context, resp *ResponseMessage) error {
	c.mu.RLock()
	driver, ok := c.drivers[resp.ID].(*InitiatorDriver)
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: no outgoing swap %s", ErrSwapNotFound, resp.ID)
	}

	rec, err := driver.bindResponse(func() (*storage.SwapRecord, error) {
		return c.engine.BindResponse(ctx, resp)
	})
	if err != nil {
		return err
	}
	c.emitEvent(rec, EventSwapConfirmed, storage.SwapStateRequested)

	if err := driver.Bail(ctx); err != nil {
		return err
	}
	return driver.WatchResponderBail(ctx)
}

// Load rebuilds a driver for every in-progress swap in the store and
// re-registers chain watches. Transactions are never resent here; steps that
// are due run on the next ProceedAll.
func (c *Coordinator) Load(ctx context.Context) error {
	records, err := c.store.ListInProgressSwaps()
	if err != nil {
		return fmt.Errorf("failed to list in-progress swaps: %w", err)
	}

	loaded := 0
	for _, rec := range records {
		c.mu.RLock()
		_, live := c.drivers[rec.ID]
		c.mu.RUnlock()
		if live {
			continue
		}

		driver, err := c.buildDriver(rec)
		if err != nil {
			c.log.Error("Failed to restore swap", "swap_id", rec.ID, "state", rec.State, "error", err)
			continue
		}
		c.addDriver(driver)

		if err := driver.Resume(ctx); err != nil {
			c.log.Warn("Failed to resume watches", "swap_id", rec.ID, "state", rec.State, "error", err)
		}
		loaded++
	}

	c.log.Info("Loaded swaps", "count", loaded, "in_progress", len(records))
	return nil
}

// ProceedAll runs Proceed on every live driver in parallel. A failing swap
// never stops the others; failures are returned keyed by swap id.
func (c *Coordinator) ProceedAll(ctx context.Context) map[string]error {
	return c.proceed(ctx, c.liveDrivers())
}

// ProceedSynced is ProceedAll restricted to swaps whose coins are both
// synced. Each coin is checked once. It also returns the ids it skipped.
func (c *Coordinator) ProceedSynced(ctx context.Context) (map[string]error, []string) {
	drivers := c.liveDrivers()
	synced := syncedCoins(drivers)

	var (
		ready   []Driver
		skipped []string
	)
	for _, d := range drivers {
		if driverSynced(d, synced) {
			ready = append(ready, d)
		} else {
			skipped = append(skipped, d.ID())
		}
	}
	return c.proceed(ctx, ready), skipped
}

func (c *Coordinator) proceed(ctx context.Context, drivers []Driver) map[string]error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs = make(map[string]error)
	)
	for _, d := range drivers {
		wg.Add(1)
		go func(d Driver) {
			defer wg.Done()
			if err := d.Proceed(ctx); err != nil {
				mu.Lock()
				errs[d.ID()] = err
				mu.Unlock()
			}
		}(d)
	}
	wg.Wait()

	for id, err := range errs {
		c.log.Warn("Proceed failed", "swap_id", id, "error", err)
	}
	c.retireCompleted(drivers)
	return errs
}

// retireCompleted drops drivers whose swap reached its role-terminal state.
func (c *Coordinator) retireCompleted(drivers []Driver) {
	for _, d := range drivers {
		if d.Record().InProgress() {
			continue
		}
		c.mu.Lock()
		delete(c.drivers, d.ID())
		c.mu.Unlock()
		d.Close()
		c.log.Debug("Retired completed swap", "swap_id", d.ID())
	}
}

// Synced reports whether every coin used by a live swap is synced.
func (c *Coordinator) Synced() bool {
	for _, ok := range syncedCoins(c.liveDrivers()) {
		if !ok {
			return false
		}
	}
	return true
}

// syncedCoins asks one gateway per coin code whether it is synced.
func syncedCoins(drivers []Driver) map[string]bool {
	synced := make(map[string]bool)
	for _, d := range drivers {
		for _, gw := range d.gateways() {
			coin := gw.CoinCode()
			if _, checked := synced[coin]; !checked {
				synced[coin] = gw.IsSynced()
			}
		}
	}
	return synced
}

func driverSynced(d Driver, synced map[string]bool) bool {
	for _, gw := range d.gateways() {
		if !synced[gw.CoinCode()] {
			return false
		}
	}
	return true
}

// Driver returns the live driver for a swap.
func (c *Coordinator) Driver(id string) (Driver, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	d, ok := c.drivers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSwapNotFound, id)
	}
	return d, nil
}

// Swap returns a snapshot of a swap, live or from the store.
func (c *Coordinator) Swap(id string) (*storage.SwapRecord, error) {
	if d, err := c.Driver(id); err == nil {
		return d.Record(), nil
	}
	rec, err := c.store.GetSwap(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSwapNotFound, id)
	}
	return rec, nil
}

// Swaps returns snapshots of all live swaps, oldest first.
func (c *Coordinator) Swaps() []*storage.SwapRecord {
	drivers := c.liveDrivers()
	records := make([]*storage.SwapRecord, 0, len(drivers))
	for _, d := range drivers {
		records = append(records, d.Record())
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records
}

// ExpiredSwaps returns in-progress swaps whose own lock time has passed.
// Reclaiming those funds through the refund path is left to the operator.
func (c *Coordinator) ExpiredSwaps() ([]*storage.SwapRecord, error) {
	return c.store.ListExpiredSwaps(c.now())
}

// OnEvent registers an event handler.
func (c *Coordinator) OnEvent(handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eventHandlers = append(c.eventHandlers, handler)
}

// Close stops event-driven work and releases every driver's gateways.
func (c *Coordinator) Close() {
	c.cancel()
	for _, d := range c.liveDrivers() {
		d.Close()
	}
}

func (c *Coordinator) buildDriver(rec *storage.SwapRecord) (Driver, error) {
	if rec.IsInitiator {
		return c.engine.BuildInitiatorDriver(c.ctx, rec)
	}
	return c.engine.BuildResponderDriver(c.ctx, rec)
}

func (c *Coordinator) addDriver(d Driver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drivers[d.ID()] = d
}

func (c *Coordinator) liveDrivers() []Driver {
	c.mu.RLock()
	defer c.mu.RUnlock()

	drivers := make([]Driver, 0, len(c.drivers))
	for _, d := range c.drivers {
		drivers = append(drivers, d)
	}
	return drivers
}

// handleTransition is called by drivers, with the driver lock held.
func (c *Coordinator) handleTransition(rec *storage.SwapRecord, from storage.SwapState) {
	c.emitEvent(rec, EventSwapStateChanged, from)
	if !rec.InProgress() {
		c.emitEvent(rec, EventSwapCompleted, from)
	}
}

func (c *Coordinator) emitEvent(rec *storage.SwapRecord, eventType EventType, from storage.SwapState) {
	c.mu.RLock()
	handlers := make([]EventHandler, len(c.eventHandlers))
	copy(handlers, c.eventHandlers)
	c.mu.RUnlock()

	event := SwapEvent{
		ID:        uuid.NewString(),
		SwapID:    rec.ID,
		Type:      eventType,
		Role:      rec.Role(),
		State:     rec.State,
		PrevState: from,
		Timestamp: time.Now(),
	}

	for _, handler := range handlers {
		go handler(event)
	}
}
