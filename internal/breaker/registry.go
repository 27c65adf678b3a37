package breaker

import "sync"

// Registry holds one Breaker per named dependency, created lazily from
// DefaultConfig unless an explicit Config was supplied at construction.
type Registry struct {
	mu            sync.RWMutex
	breakers      map[string]*Breaker
	configs       map[string]Config
	onStateChange func(name string, from, to State)
}

func NewRegistry(configs map[string]Config) *Registry {
	r := &Registry{
		breakers: make(map[string]*Breaker),
		configs:  configs,
	}
	if r.configs == nil {
		r.configs = make(map[string]Config)
	}
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

	cfg, ok := r.configs[name]
	if !ok {
		cfg = DefaultConfig(name)
	}
	b = New(cfg)
	if r.onStateChange != nil {
		b.SetStateChangeCallback(stateChangeFor(b, r.onStateChange))
	}
	r.breakers[name] = b
	return b
}

// OnStateChange installs a callback invoked whenever any breaker in the
// registry changes state, including breakers created afterward. Existing
// breakers are rewired immediately.
func (r *Registry) OnStateChange(cb func(name string, from, to State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onStateChange = cb
	for _, b := range r.breakers {
		b.SetStateChangeCallback(stateChangeFor(b, cb))
	}
}

func stateChangeFor(b *Breaker, cb func(name string, from, to State)) func(from, to State) {
	return func(from, to State) { cb(b.Name(), from, to) }
}

// All returns a stats snapshot for every breaker created so far.
func (r *Registry) All() []Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make([]Stats, 0, len(r.breakers))
	for _, b := range r.breakers {
		stats = append(stats, b.Stats())
	}
	return stats
}
