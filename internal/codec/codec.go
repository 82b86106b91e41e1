// Package codec encodes the swap protocol messages exchanged between the two
// parties. The transport carrying them is not part of this module.
package codec

import (
	"errors"

	"github.com/klingon-exchange/swapkit/internal/swap"
)

// ErrMalformedMessage is returned when a message cannot be decoded.
var ErrMalformedMessage = errors.New("malformed message")

// Codec converts protocol messages to and from bytes.
type Codec interface {
	EncodeRequest(msg *swap.RequestMessage) ([]byte, error)
	DecodeRequest(data []byte) (*swap.RequestMessage, error)
	EncodeResponse(msg *swap.ResponseMessage) ([]byte, error)
	DecodeResponse(data []byte) (*swap.ResponseMessage, error)
}

// ByName returns the codec registered under name ("plain" or "json").
func ByName(name string) (Codec, error) {
	switch name {
	case "", "plain":
		return Plain{}, nil
	case "json":
		return JSON{}, nil
	}
	return nil, errors.New("unknown codec: " + name)
}
