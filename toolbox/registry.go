// Package toolbox implements the tool registry and the order-preserving
// dispatcher that turns a model's tool call requests into tool results.
package toolbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Handler executes one tool invocation with already-validated arguments.
// The returned string is the payload fed back to the model; a returned error
// becomes an error-status result, never a crash of the loop.
type Handler func(ctx context.Context, args json.RawMessage) (string, error)

// Definition is the serializable schema view of a contract, sent to the
// model so it knows what it may call.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      map[string]any `json:"schema"`
}

// Contract is the name/schema/handler triple a callable capability must
// expose. Contracts are registered once at startup and are immutable for the
// process lifetime.
type Contract struct {
	Name        string
	Description string
	Schema      map[string]any // JSON-Schema-shaped object description
	Handler     Handler
}

// Registry maps tool names to their contracts.
type Registry struct {
	mu        sync.RWMutex
	contracts map[string]Contract
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{contracts: make(map[string]Contract)}
}

// Register adds a contract. Re-registering a name is an error: contracts are
// fixed for the process lifetime.
func (r *Registry) Register(c Contract) error {
	if c.Name == "" {
		return fmt.Errorf("toolbox: contract has no name")
	}
	if c.Handler == nil {
		return fmt.Errorf("toolbox: contract %q has no handler", c.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.contracts[c.Name]; exists {
		return fmt.Errorf("toolbox: tool %q already registered", c.Name)
	}
	r.contracts[c.Name] = c
	return nil
}

// Get returns the contract for name.
func (r *Registry) Get(name string) (Contract, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contracts[name]
	return c, ok
}

// Definitions returns all contracts' schema views, sorted by name so model
// requests are deterministic.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.contracts))
	for _, c := range r.contracts {
		defs = append(defs, Definition{Name: c.Name, Description: c.Description, Schema: c.Schema})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.contracts))
	for name := range r.contracts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered contracts.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.contracts)
}
