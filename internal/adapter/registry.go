package adapter

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Registry holds the registered adapters in registration order. Order is
// meaningful: it drives availability fallback and forward auto-targeting.
// A Registry is safe for concurrent use; config reloads swap adapters while
// the shell reads them.
type Registry struct {
	mu     sync.RWMutex
	order  []string
	byName map[string]Adapter
}

// NewRegistry constructs an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{byName: map[string]Adapter{}}
}

// Register adds one adapter. Names are case-insensitive and must be unique.
func (r *Registry) Register(a Adapter) error {
	if r == nil {
		return errors.New("registry is nil")
	}
	if a == nil {
		return errors.New("adapter is required")
	}
	name := normalizeName(a.Name())
	if name == "" {
		return errors.New("adapter name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("adapter %q already registered", name)
	}

	r.order = append(r.order, name)
	r.byName[name] = a
	return nil
}

// Replace swaps the adapter registered under the same name, keeping its
// position in the registration order. Replacing an unknown name is an
// error; Register adds new tools.
func (r *Registry) Replace(a Adapter) error {
	if r == nil {
		return errors.New("registry is nil")
	}
	if a == nil {
		return errors.New("adapter is required")
	}
	name := normalizeName(a.Name())

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[name]; !exists {
		return fmt.Errorf("adapter %q is not registered", name)
	}
	r.byName[name] = a
	return nil
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (Adapter, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byName[normalizeName(name)]
	return a, ok
}

// All returns every registered adapter in registration order.
func (r *Registry) All() []Adapter {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapters := make([]Adapter, 0, len(r.order))
	for _, name := range r.order {
		adapters = append(adapters, r.byName[name])
	}
	return adapters
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Len returns the number of registered adapters.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
