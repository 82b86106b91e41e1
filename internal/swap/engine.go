package swap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/klingon-exchange/swapkit/internal/storage"
	"github.com/klingon-exchange/swapkit/pkg/helpers"
	"github.com/klingon-exchange/swapkit/pkg/logging"
)

// Lock time offsets applied by the responder when accepting a request.
// The responder's HTLC always expires InitiatorLockTime-ResponderLockTime
// before the initiator's, so it can redeem or refund before the initiator
// can refund.
const (
	InitiatorLockTime = 48 * time.Hour
	ResponderLockTime = 24 * time.Hour
)

// TransitionFunc observes committed state changes. rec is a snapshot.
type TransitionFunc func(rec *storage.SwapRecord, from storage.SwapState)

// EngineConfig holds engine dependencies.
type EngineConfig struct {
	Registry *Registry
	Store    Store

	// Now defaults to time.Now.
	Now func() time.Time

	// OnTransition is attached to every driver the engine builds.
	OnTransition TransitionFunc
}

// Engine creates swap records and binds them to role drivers.
type Engine struct {
	registry     *Registry
	store        Store
	now          func() time.Time
	onTransition TransitionFunc
	log          *logging.Logger
}

// NewEngine creates an engine.
func NewEngine(cfg *EngineConfig) *Engine {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		registry:     cfg.Registry,
		store:        cfg.Store,
		now:          now,
		onTransition: cfg.OnTransition,
		log:          logging.GetDefault().Component("engine"),
	}
}

// CreateOutgoingSwap creates a new swap in the initiator role.
func (e *Engine) CreateOutgoingSwap(ctx context.Context, initiatorCoin, responderCoin string, rate, amount decimal.Decimal) (*storage.SwapRecord, error) {
	if err := validateTerms(rate, amount); err != nil {
		return nil, err
	}

	initiatorGW, responderGW, err := e.resolvePair(initiatorCoin, responderCoin)
	if err != nil {
		return nil, err
	}
	defer closeGateways(initiatorGW, responderGW)

	id, err := newSwapID()
	if err != nil {
		return nil, err
	}
	secret, secretHash, err := GenerateSecret()
	if err != nil {
		return nil, err
	}

	refundKey, err := initiatorGW.ChangePublicKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get refund key: %w", err)
	}
	redeemKey, err := responderGW.ReceivePublicKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get redeem key: %w", err)
	}

	rec := &storage.SwapRecord{
		ID:                     id,
		IsInitiator:            true,
		InitiatorCoin:          initiatorCoin,
		ResponderCoin:          responderCoin,
		Rate:                   rate,
		Amount:                 amount,
		SecretHash:             secretHash,
		Secret:                 secret,
		InitiatorRefundKeyHash: refundKey.KeyHash,
		InitiatorRedeemKeyHash: redeemKey.KeyHash,
		RefundKeyID:            refundKey.ID,
		RedeemKeyID:            redeemKey.ID,
		State:                  storage.SwapStateRequested,
	}

	if err := e.store.AddSwap(rec); err != nil {
		return nil, fmt.Errorf("failed to save swap: %w", err)
	}

	e.log.Info("Swap requested",
		"swap_id", id,
		"have", initiatorCoin,
		"want", responderCoin,
		"amount", amount.String(),
		"rate", rate.String(),
	)
	return rec, nil
}

// AcceptIncomingSwap creates the responder's record for a request.
func (e *Engine) AcceptIncomingSwap(ctx context.Context, req *RequestMessage) (*storage.SwapRecord, error) {
	if req.ID == "" {
		return nil, fmt.Errorf("%w: missing swap id", ErrInvalidTerms)
	}
	if err := validateTerms(req.Rate, req.Amount); err != nil {
		return nil, err
	}
	if len(req.SecretHash) != SecretSize {
		return nil, fmt.Errorf("%w: secret hash must be %d bytes", ErrInvalidTerms, SecretSize)
	}
	if len(req.InitiatorRefundKeyHash) != KeyHashSize || len(req.InitiatorRedeemKeyHash) != KeyHashSize {
		return nil, fmt.Errorf("%w: key hashes must be %d bytes", ErrInvalidTerms, KeyHashSize)
	}

	initiatorGW, responderGW, err := e.resolvePair(req.InitiatorCoin, req.ResponderCoin)
	if err != nil {
		return nil, err
	}
	defer closeGateways(initiatorGW, responderGW)

	refundKey, err := responderGW.ChangePublicKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get refund key: %w", err)
	}
	redeemKey, err := initiatorGW.ReceivePublicKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get redeem key: %w", err)
	}

	now := e.now()
	initiatorTimestamp := now.Add(InitiatorLockTime).Unix()
	responderTimestamp := now.Add(ResponderLockTime).Unix()
	if err := validateTimestamps(initiatorTimestamp, responderTimestamp); err != nil {
		return nil, err
	}

	rec := &storage.SwapRecord{
		ID:                     req.ID,
		IsInitiator:            false,
		InitiatorCoin:          req.InitiatorCoin,
		ResponderCoin:          req.ResponderCoin,
		Rate:                   req.Rate,
		Amount:                 req.Amount,
		SecretHash:             helpers.CloneBytes(req.SecretHash),
		InitiatorRefundKeyHash: helpers.CloneBytes(req.InitiatorRefundKeyHash),
		InitiatorRedeemKeyHash: helpers.CloneBytes(req.InitiatorRedeemKeyHash),
		InitiatorTimestamp:     initiatorTimestamp,
		ResponderTimestamp:     responderTimestamp,
		ResponderRefundKeyHash: refundKey.KeyHash,
		ResponderRedeemKeyHash: redeemKey.KeyHash,
		RefundKeyID:            refundKey.ID,
		RedeemKeyID:            redeemKey.ID,
		State:                  storage.SwapStateResponded,
	}

	if err := e.store.AddSwap(rec); err != nil {
		return nil, fmt.Errorf("failed to save swap: %w", err)
	}

	e.log.Info("Swap accepted",
		"swap_id", rec.ID,
		"initiator_coin", rec.InitiatorCoin,
		"responder_coin", rec.ResponderCoin,
		"responder_timestamp", responderTimestamp,
	)
	return rec, nil
}

// BindResponse fills the negotiated fields of an initiator record from the
// responder's answer and moves it to responded.
func (e *Engine) BindResponse(ctx context.Context, resp *ResponseMessage) (*storage.SwapRecord, error) {
	rec, err := e.store.GetSwap(resp.ID)
	if errors.Is(err, storage.ErrSwapNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSwapNotFound, resp.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load swap: %w", err)
	}
	if !rec.IsInitiator {
		return nil, fmt.Errorf("%w: %s is not an outgoing swap", ErrSwapNotFound, resp.ID)
	}
	if rec.State != storage.SwapStateRequested {
		return nil, fmt.Errorf("%w: swap %s is already %s", ErrInvalidTransition, rec.ID, rec.State)
	}

	if len(resp.ResponderRefundKeyHash) != KeyHashSize || len(resp.ResponderRedeemKeyHash) != KeyHashSize {
		return nil, fmt.Errorf("%w: key hashes must be %d bytes", ErrInvalidTerms, KeyHashSize)
	}
	if err := validateTimestamps(resp.InitiatorTimestamp, resp.ResponderTimestamp); err != nil {
		return nil, err
	}
	if resp.ResponderTimestamp <= e.now().Unix() {
		return nil, fmt.Errorf("%w: responder timestamp %d already passed", ErrInvalidTimestamps, resp.ResponderTimestamp)
	}

	next := rec.Clone()
	next.InitiatorTimestamp = resp.InitiatorTimestamp
	next.ResponderTimestamp = resp.ResponderTimestamp
	next.ResponderRefundKeyHash = helpers.CloneBytes(resp.ResponderRefundKeyHash)
	next.ResponderRedeemKeyHash = helpers.CloneBytes(resp.ResponderRedeemKeyHash)
	next.State = storage.SwapStateResponded

	if err := e.store.UpdateSwap(next); err != nil {
		return nil, fmt.Errorf("failed to save swap: %w", err)
	}

	e.log.Info("Swap response bound",
		"swap_id", next.ID,
		"initiator_timestamp", next.InitiatorTimestamp,
		"responder_timestamp", next.ResponderTimestamp,
	)
	return next, nil
}

// BuildInitiatorDriver binds an initiator record to its gateways and registers
// the driver as delegate on both. ctx bounds actions triggered by chain events.
func (e *Engine) BuildInitiatorDriver(ctx context.Context, rec *storage.SwapRecord) (*InitiatorDriver, error) {
	if !rec.IsInitiator {
		return nil, fmt.Errorf("swap %s is not in the initiator role", rec.ID)
	}
	initiatorGW, responderGW, err := e.resolvePair(rec.InitiatorCoin, rec.ResponderCoin)
	if err != nil {
		return nil, err
	}

	d := &InitiatorDriver{}
	e.initBase(&d.driverBase, ctx, rec, initiatorGW, responderGW, "initiator")
	initiatorGW.SetDelegate(d)
	responderGW.SetDelegate(d)
	return d, nil
}

// BuildResponderDriver is BuildInitiatorDriver for the responder role.
func (e *Engine) BuildResponderDriver(ctx context.Context, rec *storage.SwapRecord) (*ResponderDriver, error) {
	if rec.IsInitiator {
		return nil, fmt.Errorf("swap %s is not in the responder role", rec.ID)
	}
	initiatorGW, responderGW, err := e.resolvePair(rec.InitiatorCoin, rec.ResponderCoin)
	if err != nil {
		return nil, err
	}

	d := &ResponderDriver{}
	e.initBase(&d.driverBase, ctx, rec, initiatorGW, responderGW, "responder")
	initiatorGW.SetDelegate(d)
	responderGW.SetDelegate(d)
	return d, nil
}

func (e *Engine) initBase(d *driverBase, ctx context.Context, rec *storage.SwapRecord, initiatorGW, responderGW Gateway, role string) {
	d.id = rec.ID
	d.ctx = ctx
	d.record = rec.Clone()
	d.store = e.store
	d.initiatorGW = initiatorGW
	d.responderGW = responderGW
	d.onTransition = e.onTransition
	d.log = logging.GetDefault().Component(role).With("swap_id", rec.ID)
}

func (e *Engine) resolvePair(initiatorCoin, responderCoin string) (Gateway, Gateway, error) {
	if initiatorCoin == responderCoin {
		return nil, nil, fmt.Errorf("%w: both sides are %s", ErrInvalidTerms, initiatorCoin)
	}
	initiatorGW, err := e.registry.Resolve(initiatorCoin)
	if err != nil {
		return nil, nil, err
	}
	responderGW, err := e.registry.Resolve(responderCoin)
	if err != nil {
		closeGateways(initiatorGW)
		return nil, nil, err
	}
	return initiatorGW, responderGW, nil
}

func validateTerms(rate, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidTerms)
	}
	if rate.Sign() <= 0 {
		return fmt.Errorf("%w: rate must be positive", ErrInvalidTerms)
	}
	return nil
}

func validateTimestamps(initiatorTimestamp, responderTimestamp int64) error {
	if responderTimestamp <= 0 || initiatorTimestamp <= 0 {
		return fmt.Errorf("%w: timestamps must be set", ErrInvalidTimestamps)
	}
	if responderTimestamp >= initiatorTimestamp {
		return fmt.Errorf("%w: responder %d, initiator %d", ErrInvalidTimestamps, responderTimestamp, initiatorTimestamp)
	}
	return nil
}
