package endpoint

import (
	"sync"
)

// registry holds process-wide managers, one per account key, so every
// client talking to the same account shares one endpoint table.
type registry struct {
	mu       sync.RWMutex
	managers map[string]*Manager
}

var globalRegistry = &registry{
	managers: make(map[string]*Manager),
}

// Shared returns the manager registered under key, creating it with
// factory on first use. A factory error is returned and nothing is
// registered.
//
// Example:
//
//	mgr, err := endpoint.Shared("https://acct.example.com", func() (*endpoint.Manager, error) {
//	    return endpoint.NewManager(cfg, fetcher)
//	})
func Shared(key string, factory func() (*Manager, error)) (*Manager, error) {
	return globalRegistry.getOrCreate(key, factory)
}

// Forget removes and closes the manager registered under key. The next
// Shared call for key creates a fresh one.
func Forget(key string) {
	globalRegistry.forget(key)
}

func (r *registry) getOrCreate(key string, factory func() (*Manager, error)) (*Manager, error) {
	r.mu.RLock()
	if m, ok := r.managers[key]; ok {
		r.mu.RUnlock()
		return m, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if m, ok := r.managers[key]; ok {
		return m, nil
	}

	m, err := factory()
	if err != nil {
		return nil, err
	}
	r.managers[key] = m
	return m, nil
}

func (r *registry) forget(key string) {
	r.mu.Lock()
	m, ok := r.managers[key]
	delete(r.managers, key)
	r.mu.Unlock()

	if ok {
		_ = m.Close()
	}
}
