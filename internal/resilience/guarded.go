package resilience

import (
	"context"
	"fmt"

	"github.com/kineo-ai/kineo/pkg/provider/live"
)

// GuardedProvider is a [live.Provider] whose Connect is protected by a
// [CircuitBreaker]. Established sessions are returned untouched.
type GuardedProvider struct {
	inner   live.Provider
	breaker *CircuitBreaker
}

var _ live.Provider = (*GuardedProvider)(nil)

// NewGuardedProvider wraps inner. A nil breaker gets the default config
// named "live-connect".
func NewGuardedProvider(inner live.Provider, breaker *CircuitBreaker) *GuardedProvider {
	if breaker == nil {
		breaker = NewCircuitBreaker(CircuitBreakerConfig{Name: "live-connect"})
	}
	return &GuardedProvider{inner: inner, breaker: breaker}
}

// Connect forwards to the wrapped provider unless the breaker is open, in
// which case the returned error wraps [ErrCircuitOpen].
func (g *GuardedProvider) Connect(ctx context.Context, cfg live.SessionConfig) (live.SessionHandle, error) {
	var handle live.SessionHandle
	err := g.breaker.Execute(func() error {
		var err error
		handle, err = g.inner.Connect(ctx, cfg)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("resilience: connect: %w", err)
	}
	return handle, nil
}

// Capabilities forwards to the wrapped provider.
func (g *GuardedProvider) Capabilities() live.Capabilities {
	return g.inner.Capabilities()
}

// Breaker returns the breaker guarding Connect.
func (g *GuardedProvider) Breaker() *CircuitBreaker { return g.breaker }
