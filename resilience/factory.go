package resilience

import "sync"

// Registry holds named circuit breakers so every component gating the
// same dependency shares one breaker.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	defaults *Config
}

// NewRegistry creates a breaker registry. The defaults config (may be
// nil) seeds every breaker created through GetOrCreate; the Name field
// is overridden per breaker.
func NewRegistry(defaults *Config) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		defaults: defaults,
	}
}

// GetOrCreate returns the breaker registered under name, creating it on
// first use. The call is idempotent: once a breaker exists, later calls
// return it unchanged regardless of cfg.
func (r *Registry) GetOrCreate(name string, cfg *Config) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}

	if cfg == nil {
		if r.defaults != nil {
			copied := *r.defaults
			cfg = &copied
		} else {
			cfg = DefaultConfig()
		}
	}
	cfg.Name = name

	b := New(cfg)
	r.breakers[name] = b
	return b
}

// Get returns the named breaker, or nil when absent.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.breakers[name]
}

// Names returns the registered breaker names.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	return names
}
