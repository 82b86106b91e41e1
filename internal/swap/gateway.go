// Package swap implements the HTLC atomic swap protocol: the per-role state
// machines, the engine that creates and rehydrates swaps, and the coordinator
// that owns every live swap. Chain access goes through the Gateway contract.
package swap

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/klingon-exchange/swapkit/internal/storage"
)

// KeyHashSize is the size of a public key hash (HASH160).
const KeyHashSize = 20

// SecretSize is the size of a swap secret and of its SHA256 hash.
const SecretSize = 32

// PublicKeyHandle identifies a gateway-managed key. ID is opaque to the core
// and is handed back to the gateway to re-derive the signing key at redeem time.
type PublicKeyHandle struct {
	ID      string
	KeyHash []byte
}

// HTLCParams fully determines one HTLC output.
type HTLCParams struct {
	RedeemKeyHash []byte
	RefundKeyHash []byte
	SecretHash    []byte
	Timestamp     int64 // absolute lock time, unix seconds
}

// RedeemParams are the HTLC terms plus what is needed to spend it.
type RedeemParams struct {
	HTLCParams
	RedeemKeyID string
	Secret      []byte
}

// BailTransaction is an opaque, chain-specific reference to an HTLC output.
type BailTransaction interface {
	TxHash() string
}

// RedeemTransaction is an observed spend of an HTLC output.
type RedeemTransaction struct {
	TxHash string
	Secret []byte
}

// Delegate receives asynchronous chain events for one swap.
type Delegate interface {
	OnBailObserved(tx BailTransaction)
	OnRedeemObserved(tx RedeemTransaction)
}

// Gateway is the per-coin chain capability consumed by the drivers.
//
// Implementations must deliver Delegate callbacks from their own goroutines,
// never synchronously from inside a method called by the driver.
// The ctx arguments bound the call itself, not the lifetime of a watch.
type Gateway interface {
	CoinCode() string
	IsSynced() bool

	ChangePublicKey() (PublicKeyHandle, error)
	ReceivePublicKey() (PublicKeyHandle, error)

	WatchBailTransaction(ctx context.Context, params HTLCParams) error
	SendBailTransaction(ctx context.Context, params HTLCParams, amount decimal.Decimal) (BailTransaction, error)
	SendRedeemTransaction(ctx context.Context, bail BailTransaction, params RedeemParams) error
	WatchRedeemTransaction(ctx context.Context, bail BailTransaction) error

	SerializeBailTx(tx BailTransaction) ([]byte, error)
	DeserializeBailTx(data []byte) (BailTransaction, error)

	SetDelegate(d Delegate)
}

// GatewayFactory creates a fresh gateway. Each driver gets its own gateway
// instances, so each gateway carries exactly one delegate.
type GatewayFactory interface {
	NewGateway() (Gateway, error)
}

// GatewayFactoryFunc adapts a function to GatewayFactory.
type GatewayFactoryFunc func() (Gateway, error)

// NewGateway calls f.
func (f GatewayFactoryFunc) NewGateway() (Gateway, error) {
	return f()
}

// Store is the persistence the protocol needs.
// *storage.Storage satisfies it.
type Store interface {
	AddSwap(swap *storage.SwapRecord) error
	UpdateSwap(swap *storage.SwapRecord) error
	GetSwap(id string) (*storage.SwapRecord, error)
	ListInProgressSwaps() ([]*storage.SwapRecord, error)
	ListExpiredSwaps(now time.Time) ([]*storage.SwapRecord, error)
}
