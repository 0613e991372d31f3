package circuitbreaker

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMaxBreakers is used when NewRegistry is given a non-positive size.
const DefaultMaxBreakers = 1000

// Registry hands out one breaker per upstream name (typically a host),
// creating it on first use with the shared config. At most maxBreakers are
// kept; the least recently used one is dropped to make room.
type Registry struct {
	config   Config
	mu       sync.Mutex
	breakers *lru.Cache[string, CircuitBreaker]
}

// NewRegistry creates an empty registry holding at most maxBreakers breakers.
func NewRegistry(cfg Config, maxBreakers int) *Registry {
	if maxBreakers <= 0 {
		maxBreakers = DefaultMaxBreakers
	}
	// lru.New only fails for a non-positive size
	cache, _ := lru.New[string, CircuitBreaker](maxBreakers)
	return &Registry{
		config:   cfg,
		breakers: cache,
	}
}

// Get returns the breaker for name, creating it if needed.
func (r *Registry) Get(name string) CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers.Get(name); ok {
		return cb
	}
	cb := New(name, r.config)
	r.breakers.Add(name, cb)
	return cb
}

// Counts returns how many known breakers are in each state.
// It must not be called from an OnStateChange hook.
func (r *Registry) Counts() map[State]int {
	r.mu.Lock()
	breakers := r.breakers.Values()
	r.mu.Unlock()

	counts := map[State]int{StateClosed: 0, StateOpen: 0, StateHalfOpen: 0}
	for _, cb := range breakers {
		counts[cb.State()]++
	}
	return counts
}
