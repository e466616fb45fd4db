package flow

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// ErrUnknownFlow is returned when a registry has no flow of the requested kind.
var ErrUnknownFlow = errors.New("unknown flow")

// Registry holds one Driver per Kind.
type Registry struct {
	mu      sync.RWMutex
	drivers map[Kind]*Driver
}

// NewRegistry registers drivers; a second driver of the same kind is an error.
func NewRegistry(drivers ...*Driver) (*Registry, error) {
	r := &Registry{drivers: make(map[Kind]*Driver, len(drivers))}
	for _, d := range drivers {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds d under its kind.
func (r *Registry) Register(d *Driver) error {
	if d == nil {
		return errors.New("nil flow driver")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.drivers[d.Kind()]; exists {
		return fmt.Errorf("flow %s already registered", d.Kind())
	}
	r.drivers[d.Kind()] = d
	return nil
}

// Lookup returns the driver for kind.
func (r *Registry) Lookup(kind Kind) (*Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFlow, kind)
	}
	return d, nil
}

// Kinds lists registered kinds in sorted order.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Kind, 0, len(r.drivers))
	for k := range r.drivers {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// CancelAll cancels every running flow and reports how many were running.
func (r *Registry) CancelAll() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, d := range r.drivers {
		if d.Cancel() {
			n++
		}
	}
	return n
}
