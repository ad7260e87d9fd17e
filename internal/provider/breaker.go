package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/cmux/provisioner/internal/circuitbreaker"
	"github.com/cmux/provisioner/internal/logging"
	"github.com/cmux/provisioner/internal/remotehost"
)

// BreakerConfig configures the circuit breaker wrapped around a cloudvm or
// microvm Provider's Clone calls. Both backends are hosted HTTP APIs reached
// over the network, so they are the ones wrapped to protect a run from
// cascading failures when the remote API degrades; pvelxc, whose client
// talks to the node's own Proxmox REST API, is not wrapped.
type BreakerConfig = circuitbreaker.Config

// DefaultBreakerConfig trips after half of the last ten minutes' clones
// fail, and probes again two minutes later.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		ErrorPct:       50,
		WindowDuration: 10 * time.Minute,
		OpenDuration:   2 * time.Minute,
		HalfOpenProbes: 1,
	}
}

// ErrBreakerOpen is returned by a breakingProvider's Clone when the breaker
// has tripped and is not yet ready to admit a probe.
var ErrBreakerOpen = fmt.Errorf("provider: circuit breaker open, backend API is unhealthy")

// breakingProvider wraps a Provider's Clone calls in a circuitbreaker.Breaker,
// so a backend API that starts failing every request (e.g. during an
// outage) fails fast on subsequent presets in the same Run instead of
// burning the full cloneTimeout on each one.
type breakingProvider struct {
	Provider
	breaker *circuitbreaker.Breaker
}

// WithBreaker wraps p so its Clone calls are guarded by a circuit breaker
// configured by cfg. A cfg whose ErrorPct, WindowDuration or OpenDuration
// is <= 0 disables the wrapper and returns p unchanged.
func WithBreaker(p Provider, cfg BreakerConfig) Provider {
	if cfg.ErrorPct <= 0 || cfg.WindowDuration <= 0 || cfg.OpenDuration <= 0 {
		return p
	}
	return &breakingProvider{Provider: p, breaker: circuitbreaker.New(cfg)}
}

func (b *breakingProvider) Clone(ctx context.Context, spec CloneSpec) (remotehost.Host, error) {
	if !b.breaker.Allow() {
		return nil, ErrBreakerOpen
	}

	host, err := b.Provider.Clone(ctx, spec)
	if err != nil {
		b.breaker.RecordFailure()
		logging.Op().Warn("provider: clone failed, recorded to circuit breaker", "provider", b.Name(), "state", b.breaker.State().String(), "error", err)
		return nil, err
	}
	b.breaker.RecordSuccess()
	return host, nil
}
