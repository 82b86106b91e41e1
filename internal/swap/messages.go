package swap

import (
	"github.com/shopspring/decimal"

	"github.com/klingon-exchange/swapkit/internal/storage"
	"github.com/klingon-exchange/swapkit/pkg/helpers"
)

// RequestMessage is sent by the initiator to propose a swap.
// It carries the secret hash, never the secret.
type RequestMessage struct {
	ID                     string
	InitiatorCoin          string
	ResponderCoin          string
	Rate                   decimal.Decimal
	Amount                 decimal.Decimal
	SecretHash             []byte
	InitiatorRefundKeyHash []byte
	InitiatorRedeemKeyHash []byte
}

// ResponseMessage is the responder's answer: lock times and its key hashes.
type ResponseMessage struct {
	ID                     string
	InitiatorTimestamp     int64
	ResponderTimestamp     int64
	ResponderRefundKeyHash []byte
	ResponderRedeemKeyHash []byte
}

// NewRequestMessage builds the request from an initiator record.
func NewRequestMessage(rec *storage.SwapRecord) *RequestMessage {
	return &RequestMessage{
		ID:                     rec.ID,
		InitiatorCoin:          rec.InitiatorCoin,
		ResponderCoin:          rec.ResponderCoin,
		Rate:                   rec.Rate,
		Amount:                 rec.Amount,
		SecretHash:             helpers.CloneBytes(rec.SecretHash),
		InitiatorRefundKeyHash: helpers.CloneBytes(rec.InitiatorRefundKeyHash),
		InitiatorRedeemKeyHash: helpers.CloneBytes(rec.InitiatorRedeemKeyHash),
	}
}

// NewResponseMessage builds the response from a responder record.
func NewResponseMessage(rec *storage.SwapRecord) *ResponseMessage {
	return &ResponseMessage{
		ID:                     rec.ID,
		InitiatorTimestamp:     rec.InitiatorTimestamp,
		ResponderTimestamp:     rec.ResponderTimestamp,
		ResponderRefundKeyHash: helpers.CloneBytes(rec.ResponderRefundKeyHash),
		ResponderRedeemKeyHash: helpers.CloneBytes(rec.ResponderRedeemKeyHash),
	}
}
