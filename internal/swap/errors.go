package swap

import "errors"

// Protocol errors. Callers test with errors.Is; the wrapped message names the swap.
var (
	ErrUnsupportedCoin = errors.New("unsupported coin")
	ErrSwapNotFound    = errors.New("swap not found")

	// ErrSwapNotAgreed means a negotiated field the step depends on is missing,
	// i.e. the step was invoked out of order.
	ErrSwapNotAgreed = errors.New("swap not agreed")

	ErrBailTransactionAlreadySent   = errors.New("bail transaction already sent")
	ErrRedeemTransactionAlreadySent = errors.New("redeem transaction already sent")

	// ErrBailTransactionCouldNotBeRestored means the persisted bail reference is
	// missing or unreadable. Retryable: the next ProceedAll tries again.
	ErrBailTransactionCouldNotBeRestored = errors.New("bail transaction could not be restored")

	ErrTransactionNotSent        = errors.New("transaction not sent")
	ErrTransactionFromOtherChain = errors.New("transaction from other chain")
	ErrNoKeySource               = errors.New("no key source")

	ErrInvalidTerms      = errors.New("invalid swap terms")
	ErrInvalidTimestamps = errors.New("responder timestamp must be earlier than initiator timestamp")
	ErrInvalidSecret     = errors.New("secret does not match secret hash")
	ErrInvalidTransition = errors.New("invalid state transition")
)
