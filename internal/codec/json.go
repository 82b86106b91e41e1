package codec

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/klingon-exchange/swapkit/internal/swap"
	"github.com/klingon-exchange/swapkit/pkg/helpers"
)

// RequestPayload is the JSON form of a swap request.
type RequestPayload struct {
	ID                     string          `json:"id"`
	InitiatorCoin          string          `json:"initiator_coin"`
	ResponderCoin          string          `json:"responder_coin"`
	Rate                   decimal.Decimal `json:"rate"`
	Amount                 decimal.Decimal `json:"amount"`
	SecretHash             string          `json:"secret_hash"`
	InitiatorRefundKeyHash string          `json:"initiator_refund_key_hash"`
	InitiatorRedeemKeyHash string          `json:"initiator_redeem_key_hash"`
}

// ResponsePayload is the JSON form of a swap response.
type ResponsePayload struct {
	ID                     string `json:"id"`
	InitiatorTimestamp     int64  `json:"initiator_timestamp"`
	ResponderTimestamp     int64  `json:"responder_timestamp"`
	ResponderRefundKeyHash string `json:"responder_refund_key_hash"`
	ResponderRedeemKeyHash string `json:"responder_redeem_key_hash"`
}

// JSON encodes messages as JSON objects with hex byte fields.
type JSON struct{}

var _ Codec = JSON{}

// NewRequestPayload converts a request to its JSON form.
func NewRequestPayload(msg *swap.RequestMessage) *RequestPayload {
	return &RequestPayload{
		ID:                     msg.ID,
		InitiatorCoin:          msg.InitiatorCoin,
		ResponderCoin:          msg.ResponderCoin,
		Rate:                   msg.Rate,
		Amount:                 msg.Amount,
		SecretHash:             helpers.BytesToHex(msg.SecretHash),
		InitiatorRefundKeyHash: helpers.BytesToHex(msg.InitiatorRefundKeyHash),
		InitiatorRedeemKeyHash: helpers.BytesToHex(msg.InitiatorRedeemKeyHash),
	}
}

// Message converts the payload back, validating byte field sizes.
func (p *RequestPayload) Message() (*swap.RequestMessage, error) {
	if p.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrMalformedMessage)
	}
	secretHash, err := decodeHex("secret hash", p.SecretHash, swap.SecretSize)
	if err != nil {
		return nil, err
	}
	refund, err := decodeHex("refund key hash", p.InitiatorRefundKeyHash, swap.KeyHashSize)
	if err != nil {
		return nil, err
	}
	redeem, err := decodeHex("redeem key hash", p.InitiatorRedeemKeyHash, swap.KeyHashSize)
	if err != nil {
		return nil, err
	}
	return &swap.RequestMessage{
		ID:                     p.ID,
		InitiatorCoin:          p.InitiatorCoin,
		ResponderCoin:          p.ResponderCoin,
		Rate:                   p.Rate,
		Amount:                 p.Amount,
		SecretHash:             secretHash,
		InitiatorRefundKeyHash: refund,
		InitiatorRedeemKeyHash: redeem,
	}, nil
}

// NewResponsePayload converts a response to its JSON form.
func NewResponsePayload(msg *swap.ResponseMessage) *ResponsePayload {
	return &ResponsePayload{
		ID:                     msg.ID,
		InitiatorTimestamp:     msg.InitiatorTimestamp,
		ResponderTimestamp:     msg.ResponderTimestamp,
		ResponderRefundKeyHash: helpers.BytesToHex(msg.ResponderRefundKeyHash),
		ResponderRedeemKeyHash: helpers.BytesToHex(msg.ResponderRedeemKeyHash),
	}
}

// Message converts the payload back, validating byte field sizes.
func (p *ResponsePayload) Message() (*swap.ResponseMessage, error) {
	if p.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrMalformedMessage)
	}
	refund, err := decodeHex("refund key hash", p.ResponderRefundKeyHash, swap.KeyHashSize)
	if err != nil {
		return nil, err
	}
	redeem, err := decodeHex("redeem key hash", p.ResponderRedeemKeyHash, swap.KeyHashSize)
	if err != nil {
		return nil, err
	}
	return &swap.ResponseMessage{
		ID:                     p.ID,
		InitiatorTimestamp:     p.InitiatorTimestamp,
		ResponderTimestamp:     p.ResponderTimestamp,
		ResponderRefundKeyHash: refund,
		ResponderRedeemKeyHash: redeem,
	}, nil
}

func (JSON) EncodeRequest(msg *swap.RequestMessage) ([]byte, error) {
	return json.Marshal(NewRequestPayload(msg))
}

func (JSON) DecodeRequest(data []byte) (*swap.RequestMessage, error) {
	var p RequestPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return p.Message()
}

func (JSON) EncodeResponse(msg *swap.ResponseMessage) ([]byte, error) {
	return json.Marshal(NewResponsePayload(msg))
}

func (JSON) DecodeResponse(data []byte) (*swap.ResponseMessage, error) {
	var p ResponsePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return p.Message()
}
