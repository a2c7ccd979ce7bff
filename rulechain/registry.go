package rulechain

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Handler is a precompiled rule body registered at startup and invoked
// by a "call" step. It receives the same three bindings a step list
// does and may return a replacement for the current record; a nil
// return keeps the record unchanged.
type Handler func(ctx context.Context, ec *ExecutionContext) (Record, error)

// Registry holds named handlers. Registration happens once during
// startup; lookups are concurrent-safe.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a named handler. Re-registering a name is an error:
// silently replacing business logic a live rule points at is never
// what anyone wants.
func (r *Registry) Register(name string, h Handler) error {
	if err := ValidateIdentifier(name); err != nil {
		return fmt.Errorf("handler name: %w", err)
	}
	if h == nil {
		return fmt.Errorf("handler %s is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("handler %s already registered", name)
	}
	r.handlers[name] = h
	return nil
}

// Get returns the handler registered under name.
func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered handler names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
