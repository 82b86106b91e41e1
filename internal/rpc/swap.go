package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/klingon-exchange/swapkit/internal/codec"
	"github.com/klingon-exchange/swapkit/internal/storage"
	"github.com/klingon-exchange/swapkit/internal/swap"
	"github.com/klingon-exchange/swapkit/pkg/helpers"
)

// ========================================
// Swap types
// ========================================

// SwapInfo is the API view of a swap. The secret is never exposed.
type SwapInfo struct {
	ID                 string          `json:"id"`
	Role               string          `json:"role"`
	State              string          `json:"state"`
	InitiatorCoin      string          `json:"initiator_coin"`
	ResponderCoin      string          `json:"responder_coin"`
	Rate               decimal.Decimal `json:"rate"`
	Amount             decimal.Decimal `json:"amount"`
	SecretHash         string          `json:"secret_hash"`
	InitiatorTimestamp int64           `json:"initiator_timestamp,omitempty"`
	ResponderTimestamp int64           `json:"responder_timestamp,omitempty"`
	InitiatorBailTx    string          `json:"initiator_bail_tx,omitempty"`
	ResponderBailTx    string          `json:"responder_bail_tx,omitempty"`
	SecretKnown        bool            `json:"secret_known"`
	InProgress         bool            `json:"in_progress"`
	CreatedAt          int64           `json:"created_at"`
	UpdatedAt          int64           `json:"updated_at"`
}

func swapToInfo(rec *storage.SwapRecord) *SwapInfo {
	return &SwapInfo{
		ID:                 rec.ID,
		Role:               rec.Role(),
		State:              string(rec.State),
		InitiatorCoin:      rec.InitiatorCoin,
		ResponderCoin:      rec.ResponderCoin,
		Rate:               rec.Rate,
		Amount:             rec.Amount,
		SecretHash:         helpers.BytesToHex(rec.SecretHash),
		InitiatorTimestamp: rec.InitiatorTimestamp,
		ResponderTimestamp: rec.ResponderTimestamp,
		InitiatorBailTx:    helpers.BytesToHex(rec.InitiatorBailTx),
		ResponderBailTx:    helpers.BytesToHex(rec.ResponderBailTx),
		SecretKnown:        len(rec.Secret) > 0,
		InProgress:         rec.InProgress(),
		CreatedAt:          rec.CreatedAt.Unix(),
		UpdatedAt:          rec.UpdatedAt.Unix(),
	}
}

func swapsToInfo(records []*storage.SwapRecord) []*SwapInfo {
	out := make([]*SwapInfo, 0, len(records))
	for _, rec := range records {
		out = append(out, swapToInfo(rec))
	}
	return out
}

func parseParams(params json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return fmt.Errorf("%w: missing params", errParams)
	}
	if err := json.Unmarshal(params, v); err != nil {
		return fmt.Errorf("%w: %v", errParams, err)
	}
	return nil
}

// ========================================
// swap_createRequest
// ========================================

// CreateRequestParams is the request for swap_createRequest.
// Amount is in HaveCoin; the counterparty pays Amount*Rate of WantCoin.
type CreateRequestParams struct {
	HaveCoin string          `json:"have_coin"`
	WantCoin string          `json:"want_coin"`
	Rate     decimal.Decimal `json:"rate"`
	Amount   decimal.Decimal `json:"amount"`
}

// CreateRequestResult carries the request to hand to the counterparty, as
// JSON and in the compact pipe-separated form.
type CreateRequestResult struct {
	Request *codec.RequestPayload `json:"request"`
	Encoded string                `json:"encoded"`
}

func (s *Server) swapCreateRequest(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p CreateRequestParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	if p.HaveCoin == "" || p.WantCoin == "" {
		return nil, fmt.Errorf("%w: have_coin and want_coin are required", errParams)
	}

	req, err := s.swaps.CreateRequest(ctx, p.HaveCoin, p.WantCoin, p.Rate, p.Amount)
	if err != nil {
		return nil, err
	}

	encoded, err := codec.Plain{}.EncodeRequest(req)
	if err != nil {
		return nil, err
	}

	s.log.Info("Swap requested", "swap_id", req.ID, "have", p.HaveCoin, "want", p.WantCoin, "amount", p.Amount.String(), "rate", p.Rate.String())
	return &CreateRequestResult{
		Request: codec.NewRequestPayload(req),
		Encoded: string(encoded),
	}, nil
}

// ========================================
// swap_acceptRequest
// ========================================

// AcceptRequestParams is the request for swap_acceptRequest. Exactly one of
// Request or Encoded is set.
type AcceptRequestParams struct {
	Request *codec.RequestPayload `json:"request,omitempty"`
	Encoded string                `json:"encoded,omitempty"`
}

// AcceptRequestResult carries the response to hand back to the initiator.
type AcceptRequestResult struct {
	Response *codec.ResponsePayload `json:"response"`
	Encoded  string                 `json:"encoded"`
}

func (s *Server) swapAcceptRequest(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p AcceptRequestParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}

	var (
		req *swap.RequestMessage
		err error
	)
	switch {
	case p.Request != nil && p.Encoded == "":
		req, err = p.Request.Message()
	case p.Request == nil && p.Encoded != "":
		req, err = codec.Plain{}.DecodeRequest([]byte(p.Encoded))
	default:
		return nil, fmt.Errorf("%w: exactly one of request or encoded is required", errParams)
	}
	if err != nil {
		return nil, err
	}

	resp, err := s.swaps.AcceptRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	encoded, err := codec.Plain{}.EncodeResponse(resp)
	if err != nil {
		return nil, err
	}

	s.log.Info("Swap accepted", "swap_id", resp.ID)
	return &AcceptRequestResult{
		Response: codec.NewResponsePayload(resp),
		Encoded:  string(encoded),
	}, nil
}

// ========================================
// swap_confirmResponse
// ========================================

// ConfirmResponseParams is the request for swap_confirmResponse. Exactly one
// of Response or Encoded is set.
type ConfirmResponseParams struct {
	Response *codec.ResponsePayload `json:"response,omitempty"`
	Encoded  string                 `json:"encoded,omitempty"`
}

func (s *Server) swapConfirmResponse(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p ConfirmResponseParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}

	var (
		resp *swap.ResponseMessage
		err  error
	)
	switch {
	case p.Response != nil && p.Encoded == "":
		resp, err = p.Response.Message()
	case p.Response == nil && p.Encoded != "":
		resp, err = codec.Plain{}.DecodeResponse([]byte(p.Encoded))
	default:
		return nil, fmt.Errorf("%w: exactly one of response or encoded is required", errParams)
	}
	if err != nil {
		return nil, err
	}

	if err := s.swaps.ConfirmResponse(ctx, resp); err != nil {
		return nil, err
	}

	rec, err := s.swaps.Swap(resp.ID)
	if err != nil {
		return nil, err
	}
	return swapToInfo(rec), nil
}

// ========================================
// swap_list / swap_get / swap_expired
// ========================================

func (s *Server) swapList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return swapsToInfo(s.swaps.Swaps()), nil
}

// SwapIDParams identifies a swap.
type SwapIDParams struct {
	ID string `json:"id"`
}

func (s *Server) swapGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SwapIDParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, fmt.Errorf("%w: id is required", errParams)
	}

	rec, err := s.swaps.Swap(p.ID)
	if err != nil {
		return nil, err
	}
	return swapToInfo(rec), nil
}

func (s *Server) swapExpired(ctx context.Context, params json.RawMessage) (interface{}, error) {
	records, err := s.swaps.ExpiredSwaps()
	if err != nil {
		return nil, err
	}
	return swapsToInfo(records), nil
}

// ========================================
// swap_proceed
// ========================================

// ProceedResult reports the swaps whose step failed.
type ProceedResult struct {
	Failed   map[string]string `json:"failed"`
	Duration string            `json:"duration"`
}

func (s *Server) swapProceed(ctx context.Context, params json.RawMessage) (interface{}, error) {
	start := time.Now()
	errs := s.swaps.ProceedAll(ctx)

	failed := make(map[string]string, len(errs))
	for id, err := range errs {
		failed[id] = err.Error()
	}

	return &ProceedResult{
		Failed:   failed,
		Duration: time.Since(start).Round(time.Millisecond).String(),
	}, nil
}
