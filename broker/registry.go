package broker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/miladsoleymani/relaymux/core"
)

// Dialer opens a broker connection for validated parameters.
// *Registry implements it; tests substitute a mock.
type Dialer interface {
	Connect(ctx context.Context, params *core.Parameters, onError core.ErrorListener) (core.Connection, error)
}

// Registry maps initial-context-factory names to drivers.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]core.Driver
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]core.Driver)}
}

// Default is the registry plugins add themselves to from init().
var Default = NewRegistry()

// Register adds a named driver. Names are case-insensitive; a later
// registration replaces an earlier one.
func (r *Registry) Register(name string, d core.Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[normalize(name)] = d
}

// Lookup returns the driver registered under name.
func (r *Registry) Lookup(name string) (core.Driver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[normalize(name)]
	return d, ok
}

// Names lists registered driver names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.drivers))
	for n := range r.drivers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Connect resolves params.ContextFactory and dials the broker. An unknown
// driver is a transport failure: like an unreachable broker it can only be
// detected at connect time.
func (r *Registry) Connect(ctx context.Context, params *core.Parameters, onError core.ErrorListener) (core.Connection, error) {
	d, ok := r.Lookup(params.ContextFactory)
	if !ok {
		return nil, core.TransportError("connect",
			fmt.Errorf("%w %q (registered: %s)", core.ErrUnknownDriver, params.ContextFactory, strings.Join(r.Names(), ", ")))
	}
	conn, err := d.Connect(ctx, params, onError)
	if err != nil {
		return nil, core.TransportError("connect", err)
	}
	return conn, nil
}

// Register adds a named driver to the Default registry. Plugins call this
// from init().
func Register(name string, d core.Driver) {
	Default.Register(name, d)
}

// Connect dials through the Default registry.
func Connect(ctx context.Context, params *core.Parameters, onError core.ErrorListener) (core.Connection, error) {
	return Default.Connect(ctx, params, onError)
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
