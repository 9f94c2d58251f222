package awg

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Registry holds the modules managed by one gateway process. It replaces a
// process-global module table; owners construct one and pass it explicitly.
type Registry struct {
	mu      sync.Mutex
	modules map[string]*Module
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]*Module)}
}

// Add registers a module under its name. Names must be unique.
func (r *Registry) Add(m *Module) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.modules[m.Name()]; exists {
		return fmt.Errorf("awg: module %s already registered", m.Name())
	}
	r.modules[m.Name()] = m
	return nil
}

// Get looks up a module by name.
func (r *Registry) Get(name string) (*Module, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.modules[name]
	return m, ok
}

// Remove unregisters a module without shutting it down.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.modules, name)
}

// Names returns all registered module names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ShutdownAll shuts down every registered module.
func (r *Registry) ShutdownAll(timeout time.Duration) {
	r.mu.Lock()
	modules := make([]*Module, 0, len(r.modules))
	for _, m := range r.modules {
		modules = append(modules, m)
	}
	r.mu.Unlock()

	for _, m := range modules {
		m.Shutdown(timeout)
	}
}
