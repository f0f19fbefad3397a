package workers

import (
	"errors"
	"io"
	"sort"
	"sync"

	"github.com/rendis/conductor/pkg/schema"
)

// Info summarizes a registered worker.
type Info struct {
	Capability  schema.Capability `json:"capability"`
	Description string            `json:"description,omitempty"`
}

// Registry maps capabilities to workers. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	workers map[schema.Capability]Worker
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{workers: make(map[schema.Capability]Worker)}
}

// Register adds a worker. A capability can only be served by one worker.
func (r *Registry) Register(w Worker) error {
	if w == nil {
		return schema.NewError(schema.ErrCodeValidation, "worker is nil")
	}
	capability := w.Capability()
	if capability == "" {
		return schema.NewError(schema.ErrCodeValidation, "worker capability is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workers[capability]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "capability %q already registered", capability)
	}
	r.workers[capability] = w
	return nil
}

// Get returns the worker for a capability.
func (r *Registry) Get(capability schema.Capability) (Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.workers[capability]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeCapabilityUnavailable, "capability %q not registered", capability)
	}
	return w, nil
}

// Has reports whether a capability is registered.
func (r *Registry) Has(capability schema.Capability) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.workers[capability]
	return ok
}

// List returns every registered worker sorted by capability.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.workers))
	for c, w := range r.workers {
		infos = append(infos, Info{Capability: c, Description: w.Describe()})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Capability < infos[j].Capability })
	return infos
}

// Close closes every worker that holds resources, such as tool servers.
func (r *Registry) Close() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var errs []error
	for _, w := range r.workers {
		if c, ok := w.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
