package codec

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/klingon-exchange/swapkit/internal/swap"
	"github.com/klingon-exchange/swapkit/pkg/helpers"
)

const (
	separator     = "|"
	requestParts  = 8
	responseParts = 5
)

// Plain is the compact pipe-separated format:
//
//	request:  id|initiatorCoin|responderCoin|rate|amount|secretHash|refundKeyHash|redeemKeyHash
//	response: id|initiatorTimestamp|responderTimestamp|refundKeyHash|redeemKeyHash
//
// Byte fields are hex, decimals use their exact string form.
type Plain struct{}

var _ Codec = Plain{}

func (Plain) EncodeRequest(msg *swap.RequestMessage) ([]byte, error) {
	parts := []string{
		msg.ID,
		msg.InitiatorCoin,
		msg.ResponderCoin,
		msg.Rate.String(),
		msg.Amount.String(),
		helpers.BytesToHex(msg.SecretHash),
		helpers.BytesToHex(msg.InitiatorRefundKeyHash),
		helpers.BytesToHex(msg.InitiatorRedeemKeyHash),
	}
	for _, p := range parts[:3] {
		if strings.Contains(p, separator) {
			return nil, fmt.Errorf("%w: field %q contains %q", ErrMalformedMessage, p, separator)
		}
	}
	return []byte(strings.Join(parts, separator)), nil
}

func (Plain) DecodeRequest(data []byte) (*swap.RequestMessage, error) {
	parts := strings.Split(string(data), separator)
	if len(parts) != requestParts {
		return nil, fmt.Errorf("%w: request has %d parts, want %d", ErrMalformedMessage, len(parts), requestParts)
	}

	rate, err := decimal.NewFromString(parts[3])
	if err != nil {
		return nil, fmt.Errorf("%w: rate: %v", ErrMalformedMessage, err)
	}
	amount, err := decimal.NewFromString(parts[4])
	if err != nil {
		return nil, fmt.Errorf("%w: amount: %v", ErrMalformedMessage, err)
	}
	secretHash, err := decodeHex("secret hash", parts[5], swap.SecretSize)
	if err != nil {
		return nil, err
	}
	refund, err := decodeHex("refund key hash", parts[6], swap.KeyHashSize)
	if err != nil {
		return nil, err
	}
	redeem, err := decodeHex("redeem key hash", parts[7], swap.KeyHashSize)
	if err != nil {
		return nil, err
	}

	return &swap.RequestMessage{
		ID:                     parts[0],
		InitiatorCoin:          parts[1],
		ResponderCoin:          parts[2],
		Rate:                   rate,
		Amount:                 amount,
		SecretHash:             secretHash,
		InitiatorRefundKeyHash: refund,
		InitiatorRedeemKeyHash: redeem,
	}, nil
}

func (Plain) EncodeResponse(msg *swap.ResponseMessage) ([]byte, error) {
	if strings.Contains(msg.ID, separator) {
		return nil, fmt.Errorf("%w: id contains %q", ErrMalformedMessage, separator)
	}
	parts := []string{
		msg.ID,
		strconv.FormatInt(msg.InitiatorTimestamp, 10),
		strconv.FormatInt(msg.ResponderTimestamp, 10),
		helpers.BytesToHex(msg.ResponderRefundKeyHash),
		helpers.BytesToHex(msg.ResponderRedeemKeyHash),
	}
	return []byte(strings.Join(parts, separator)), nil
}

func (Plain) DecodeResponse(data []byte) (*swap.ResponseMessage, error) {
	parts := strings.Split(string(data), separator)
	if len(parts) != responseParts {
		return nil, fmt.Errorf("%w: response has %d parts, want %d", ErrMalformedMessage, len(parts), responseParts)
	}

	initiatorTs, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: initiator timestamp: %v", ErrMalformedMessage, err)
	}
	responderTs, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: responder timestamp: %v", ErrMalformedMessage, err)
	}
	refund, err := decodeHex("refund key hash", parts[3], swap.KeyHashSize)
	if err != nil {
		return nil, err
	}
	redeem, err := decodeHex("redeem key hash", parts[4], swap.KeyHashSize)
	if err != nil {
		return nil, err
	}

	return &swap.ResponseMessage{
		ID:                     parts[0],
		InitiatorTimestamp:     initiatorTs,
		ResponderTimestamp:     responderTs,
		ResponderRefundKeyHash: refund,
		ResponderRedeemKeyHash: redeem,
	}, nil
}

func decodeHex(field, s string, size int) ([]byte, error) {
	b, err := helpers.HexToFixedBytes(s, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, field, err)
	}
	return b, nil
}
