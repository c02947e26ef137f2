package breaker

import "sync"

// Registry hands out one Breaker per key so that managers pointed at the same
// target share failure state. It must be injected explicitly; there is no
// package-level registry.
type Registry struct {
	cfg  Config
	opts []Option

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry whose breakers use cfg and opts.
func NewRegistry(cfg Config, opts ...Option) *Registry {
	return &Registry{
		cfg:      cfg,
		opts:     opts,
		breakers: make(map[string]*Breaker),
	}
}

// For returns the breaker for key, creating it on first use.
func (r *Registry) For(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[key]
	if !ok {
		b = New(key, r.cfg, r.opts...)
		r.breakers[key] = b
	}
	return b
}

// States returns a snapshot of every breaker's state keyed by name.
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	out := make(map[string]State, len(breakers))
	for _, b := range breakers {
		out[b.Name()] = b.State()
	}
	return out
}
