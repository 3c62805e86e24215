package module

import (
	"sync"

	"github.com/chreez/skelly-jelly-sub001/errors"
	"github.com/chreez/skelly-jelly-sub001/message"
)

// Registry is the descriptor store. Descriptors are immutable once
// registered; other components read them through the registry only.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[message.ModuleID]Descriptor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{descriptors: make(map[message.ModuleID]Descriptor)}
}

// Register adds a descriptor. Re-registering an id is rejected.
func (r *Registry) Register(d Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.descriptors[d.ID]; exists {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register",
			"module already registered: "+string(d.ID))
	}
	r.descriptors[d.ID] = d
	return nil
}

// Unregister removes a descriptor.
func (r *Registry) Unregister(id message.ModuleID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.descriptors[id]; !exists {
		return errors.WrapInvalid(errors.ErrUnknownModule, "Registry", "Unregister", string(id))
	}
	delete(r.descriptors, id)
	return nil
}

// Get returns the descriptor for id.
func (r *Registry) Get(id message.ModuleID) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[id]
	return d, ok
}

// Dependencies returns the declared dependencies of id.
func (r *Registry) Dependencies(id message.ModuleID) []message.ModuleID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[id]
	if !ok {
		return nil
	}
	deps := make([]message.ModuleID, len(d.Dependencies))
	copy(deps, d.Dependencies)
	return deps
}

// Dependents returns every registered module that depends on id.
func (r *Registry) Dependents(id message.ModuleID) []message.ModuleID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []message.ModuleID
	for _, d := range r.descriptors {
		for _, dep := range d.Dependencies {
			if dep == id {
				out = append(out, d.ID)
				break
			}
		}
	}
	return out
}

// All returns every registered descriptor.
func (r *Registry) All() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		out = append(out, d)
	}
	return out
}

// Count returns how many modules are registered.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.descriptors)
}
