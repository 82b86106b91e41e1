package rpc

import (
	"errors"

	"github.com/klingon-exchange/swapkit/internal/codec"
	"github.com/klingon-exchange/swapkit/internal/swap"
)

// Application error codes, outside the range reserved by JSON-RPC.
const (
	SwapNotFound      = -32001
	UnsupportedCoin   = -32002
	InvalidTerms      = -32003
	SwapNotAgreed     = -32004
	AlreadySent       = -32005
	TransactionFailed = -32006
	BailNotRestorable = -32007
	WrongChain        = -32008
	NoKeySource       = -32009
)

// errParams marks handler errors caused by bad request parameters.
var errParams = errors.New("invalid params")

var errorCodes = []struct {
	err  error
	code int
}{
	{errParams, InvalidParams},
	{codec.ErrMalformedMessage, InvalidParams},
	{swap.ErrSwapNotFound, SwapNotFound},
	{swap.ErrUnsupportedCoin, UnsupportedCoin},
	{swap.ErrInvalidTerms, InvalidTerms},
	{swap.ErrInvalidTimestamps, InvalidTerms},
	{swap.ErrSwapNotAgreed, SwapNotAgreed},
	{swap.ErrBailTransactionAlreadySent, AlreadySent},
	{swap.ErrRedeemTransactionAlreadySent, AlreadySent},
	{swap.ErrTransactionNotSent, TransactionFailed},
	{swap.ErrBailTransactionCouldNotBeRestored, BailNotRestorable},
	{swap.ErrTransactionFromOtherChain, WrongChain},
	{swap.ErrNoKeySource, NoKeySource},
}

// errorCode maps a handler error to its JSON-RPC error code.
func errorCode(err error) int {
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			return e.code
		}
	}
	return InternalError
}
