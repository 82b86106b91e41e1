package gateway

import (
	"fmt"

	"github.com/klingon-exchange/swapkit/internal/swap"
)

// Factory creates gateways for one coin that share a backend, funder and
// key source.
type Factory struct {
	cfg Config
}

var _ swap.GatewayFactory = (*Factory)(nil)

// NewFactory validates cfg and returns a factory for it.
func NewFactory(cfg Config) (*Factory, error) {
	if cfg.Params == nil {
		return nil, fmt.Errorf("gateway: chain params are required")
	}
	if cfg.Backend == nil {
		return nil, fmt.Errorf("gateway %s: backend is required", cfg.Params.Symbol)
	}
	if cfg.RedeemFee < 0 {
		return nil, fmt.Errorf("gateway %s: negative redeem fee", cfg.Params.Symbol)
	}
	if cfg.MinConfirmations < 0 {
		return nil, fmt.Errorf("gateway %s: negative confirmation depth", cfg.Params.Symbol)
	}
	return &Factory{cfg: cfg}, nil
}

// Coin returns the coin symbol.
func (f *Factory) Coin() string {
	return f.cfg.Params.Symbol
}

// NewGateway returns a fresh gateway.
func (f *Factory) NewGateway() (swap.Gateway, error) {
	return New(f.cfg), nil
}
