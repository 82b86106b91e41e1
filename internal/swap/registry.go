package swap

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps coin codes to gateway factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]GatewayFactory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]GatewayFactory)}
}

// Register installs the factory for a coin, replacing any previous one.
func (r *Registry) Register(coin string, factory GatewayFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[coin] = factory
}

// Unregister removes a coin. Live drivers keep the gateways they already hold.
func (r *Registry) Unregister(coin string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.factories, coin)
}

// Resolve returns a new gateway for the coin.
func (r *Registry) Resolve(coin string) (Gateway, error) {
	r.mu.RLock()
	factory, ok := r.factories[coin]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCoin, coin)
	}

	gw, err := factory.NewGateway()
	if err != nil {
		return nil, fmt.Errorf("failed to create %s gateway: %w", coin, err)
	}
	return gw, nil
}

// Supports reports whether a factory is registered for the coin.
func (r *Registry) Supports(coin string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[coin]
	return ok
}

// Coins returns the registered coin codes, sorted.
func (r *Registry) Coins() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	coins := make([]string, 0, len(r.factories))
	for coin := range r.factories {
		coins = append(coins, coin)
	}
	sort.Strings(coins)
	return coins
}
