package adapter

import (
	"io"
	"sort"

	"github.com/rotisserie/eris"
)

// ErrUnknownSource is returned when a source name has no registered adapter.
var ErrUnknownSource = eris.New("adapter: unknown source")

// Registry maps source names to adapters. It is populated before the
// pipeline starts and read-only afterwards.
type Registry struct {
	adapters map[string]Adapter
	order    []string // insertion order for deterministic iteration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter. Names must be unique.
func (r *Registry) Register(a Adapter) error {
	name := a.Name()
	if name == "" {
		return eris.New("adapter: empty adapter name")
	}
	if _, dup := r.adapters[name]; dup {
		return eris.Errorf("adapter: duplicate source %q", name)
	}
	r.adapters[name] = a
	r.order = append(r.order, name)
	return nil
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, eris.Wrapf(ErrUnknownSource, "%q", name)
	}
	return a, nil
}

// All returns all adapters in registration order.
func (r *Registry) All() []Adapter {
	out := make([]Adapter, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.adapters[name])
	}
	return out
}

// Names returns all source names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of registered adapters.
func (r *Registry) Len() int {
	return len(r.order)
}

// Describe lists every adapter. Adapters that do not implement Describer
// are listed by name only.
func (r *Registry) Describe() []Info {
	out := make([]Info, 0, len(r.order))
	for _, a := range r.All() {
		if d, ok := a.(Describer); ok {
			info := d.Describe()
			sort.Strings(info.Datasets)
			out = append(out, info)
			continue
		}
		out = append(out, Info{Name: a.Name()})
	}
	return out
}

// Close closes every adapter that implements io.Closer and returns the
// first error.
func (r *Registry) Close() error {
	var first error
	for _, a := range r.All() {
		c, ok := a.(io.Closer)
		if !ok {
			continue
		}
		if err := c.Close(); err != nil && first == nil {
			first = eris.Wrapf(err, "adapter: close %s", a.Name())
		}
	}
	return first
}
