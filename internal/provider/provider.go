// Package provider runs automatic task providers for Function states that
// no human services.
package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/sbpm/model"
)

// FirstSuccessorName is the name of the built-in provider that always
// chooses the first declared successor.
const FirstSuccessorName = "first-successor"

// Decision is a provider's answer for one task.
type Decision struct {
	TargetStateID string
	Objects       map[string]map[string]any
}

// Provider executes an automatic task.
type Provider interface {
	// Name returns the unique provider name used in process definitions.
	Name() string
	// Execute decides how the task proceeds.
	Execute(ctx context.Context, task model.TaskInfo) (Decision, error)
}

// Func adapts a function to Provider.
type Func struct {
	ProviderName string
	Fn           func(ctx context.Context, task model.TaskInfo) (Decision, error)
}

// Name implements Provider.
func (f Func) Name() string { return f.ProviderName }

// Execute implements Provider.
func (f Func) Execute(ctx context.Context, task model.TaskInfo) (Decision, error) {
	return f.Fn(ctx, task)
}

// Registry stores named providers. It is safe for concurrent use after
// initial registration.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates a registry holding the built-in providers.
func NewRegistry() *Registry {
	r := &Registry{providers: make(map[string]Provider)}
	r.Register(FirstSuccessor{})
	return r
}

// Register adds a provider under its Name(). Panics if the name is taken,
// since this indicates a wiring mistake at startup.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[p.Name()]; exists {
		panic(fmt.Sprintf("provider: %q already registered", p.Name()))
	}
	r.providers[p.Name()] = p
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns all registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FirstSuccessor moves every task to its first declared successor without
// touching object data.
type FirstSuccessor struct{}

// Name implements Provider.
func (FirstSuccessor) Name() string { return FirstSuccessorName }

// Execute implements Provider.
func (FirstSuccessor) Execute(_ context.Context, task model.TaskInfo) (Decision, error) {
	if len(task.Heads) == 0 {
		return Decision{}, fmt.Errorf("state %q has no successor", task.StateID)
	}
	return Decision{TargetStateID: task.Heads[0].ID}, nil
}
