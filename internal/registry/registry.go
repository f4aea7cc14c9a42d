// Package registry holds the static model_id → ModelDescriptor table the
// core is handed at process init. Registration happens once, before any
// capability pool is used; the table is read-only thereafter.
package registry

import (
	"fmt"
	"sync"

	"github.com/oriys/novainfer/internal/domain"
)

// Registry is a process-wide static table of model descriptors. It is
// immutable after Freeze; capability pools only ever call Get.
type Registry struct {
	mu     sync.RWMutex
	models map[string]domain.ModelDescriptor
	frozen bool
}

// New creates an empty, mutable registry.
func New() *Registry {
	return &Registry{models: make(map[string]domain.ModelDescriptor)}
}

// Register adds a descriptor to the table. Returns an error if the
// registry has been frozen or the descriptor is invalid.
func (r *Registry) Register(d domain.ModelDescriptor) error {
	if d.ID == "" {
		return fmt.Errorf("registry: descriptor missing id")
	}
	if !d.Capability.IsValid() {
		return fmt.Errorf("registry: descriptor %q has invalid capability %q", d.ID, d.Capability)
	}
	if d.EstimatedMemoryMB <= 0 {
		return fmt.Errorf("registry: descriptor %q has non-positive estimated_memory_mb", d.ID)
	}
	if d.Loader == nil {
		return fmt.Errorf("registry: descriptor %q has no loader", d.ID)
	}
	if d.Capability == domain.TextToText && d.Tokenizer == nil {
		return fmt.Errorf("registry: descriptor %q is text_to_text but has no tokenizer", d.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("registry: cannot register %q after Freeze", d.ID)
	}
	r.models[d.ID] = d
	return nil
}

// Freeze prevents further registration. Calling it more than once is a
// no-op; Get is safe to call both before and after Freeze.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Get resolves a model id to its descriptor. The bool is false when the
// model id is unknown, which callers surface as domain.ErrUnknownModel.
func (r *Registry) Get(modelID string) (domain.ModelDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.models[modelID]
	return d, ok
}

// ByCapability returns every registered descriptor for a capability, in
// registration order is not guaranteed (map iteration).
func (r *Registry) ByCapability(cap domain.Capability) []domain.ModelDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.ModelDescriptor
	for _, d := range r.models {
		if d.Capability == cap {
			out = append(out, d)
		}
	}
	return out
}

// Len returns the number of registered models.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.models)
}
