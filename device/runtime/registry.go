package runtime

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrExists is returned by Attach for a name already in use.
var ErrExists = errors.New("runtime: bridge already attached")

// Registry holds the running bridges, one per device name.
type Registry struct {
	mu       sync.RWMutex
	runtimes map[string]*Runtime
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{runtimes: make(map[string]*Runtime)}
}

// Attach adds r under its name.
func (g *Registry) Attach(r *Runtime) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.runtimes[r.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrExists, r.Name())
	}
	g.runtimes[r.Name()] = r
	return nil
}

// Detach removes the bridge called name and closes it. It reports false if
// no such bridge is attached.
func (g *Registry) Detach(name string) (bool, error) {
	g.mu.Lock()
	r, ok := g.runtimes[name]
	delete(g.runtimes, name)
	g.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, r.Close()
}

// Get returns the bridge called name.
func (g *Registry) Get(name string) (*Runtime, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.runtimes[name]
	return r, ok
}

// Names returns the attached bridge names in sorted order.
func (g *Registry) Names() []string {
	g.mu.RLock()
	names := make([]string, 0, len(g.runtimes))
	for name := range g.runtimes {
		names = append(names, name)
	}
	g.mu.RUnlock()
	sort.Strings(names)
	return names
}

// CloseAll detaches and closes every bridge.
func (g *Registry) CloseAll() error {
	g.mu.Lock()
	all := g.runtimes
	g.runtimes = make(map[string]*Runtime)
	g.mu.Unlock()

	var errs []error
	for name, r := range all {
		if err := r.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
