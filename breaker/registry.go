package breaker

import (
	"sync"
	"time"

	"github.com/chreez/skelly-jelly-sub001/metric"
)

// Registry manages named breakers, creating them lazily with a shared
// default configuration.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	defaults Config
	opts     []Option
	metrics  *metric.MetricsRegistry
	now      func() time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithMetricsRegistry publishes per-breaker state gauges on state
// transitions.
func WithMetricsRegistry(m *metric.MetricsRegistry) RegistryOption {
	return func(r *Registry) {
		r.metrics = m
	}
}

// WithRegistryClock sets the time source passed to every breaker the
// registry creates.
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry creates a breaker registry using defaults for every
// lazily created breaker.
func NewRegistry(defaults Config, opts ...RegistryOption) *Registry {
	defaults.applyDefaults()
	r := &Registry{
		breakers: make(map[string]*Breaker),
		defaults: defaults,
	}
	for _, opt := range opts {
		opt(r)
	}

	var bopts []Option
	if r.now != nil {
		bopts = append(bopts, WithClock(r.now))
	}
	if r.metrics != nil {
		bopts = append(bopts, WithStateChange(func(name string, _, to State) {
			r.metrics.Metrics.RecordBreakerState(name, int(to))
		}))
	}
	r.opts = bopts
	return r
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b = New(name, r.defaults, r.opts...)
	r.breakers[name] = b
	return b
}

// GetWithConfig returns the breaker for name, creating it with cfg if
// it does not exist yet. An existing breaker keeps its configuration.
func (r *Registry) GetWithConfig(name string, cfg Config) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b = New(name, cfg, r.opts...)
	r.breakers[name] = b
	return b
}

// AllStats returns a snapshot of every registered breaker, keyed by name.
func (r *Registry) AllStats() map[string]Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Stats, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.Stats()
	}
	return out
}

// Names returns the names of all registered breakers.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	return names
}

// Remove drops the named breaker from the registry.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, name)
}
