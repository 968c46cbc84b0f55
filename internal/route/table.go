// Package route holds the per-endpoint mapping from method name to handler.
package route

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/luciancaetano/hostrpc/internal/deferred"
)

var (
	// ErrRouteNotFound is returned for calls to an unregistered method.
	ErrRouteNotFound = errors.New("Route not found")
	// ErrInvalidParams is returned when params fail the route's schema.
	ErrInvalidParams = errors.New("Invalid params")
)

// Handler answers a call synchronously. Its return value becomes the result;
// a returned error (or a panic) becomes the error reply.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// AsyncHandler answers a call by settling d, possibly from another goroutine.
// A handler that never settles d leaves the call pending.
type AsyncHandler func(ctx context.Context, params json.RawMessage, d *deferred.Deferred[any])

// Route is a single registered handler.
type Route struct {
	Name   string
	sync   Handler
	async  AsyncHandler
	schema *gojsonschema.Schema
}

// IsAsync reports whether the route settles its own Deferred.
func (r *Route) IsAsync() bool {
	return r.async != nil
}

// Invoke runs the handler with params. The returned Deferred settles with the
// handler outcome.
func (r *Route) Invoke(ctx context.Context, params json.RawMessage) *deferred.Deferred[any] {
	if err := r.validate(params); err != nil {
		return deferred.Rejected[any](err)
	}

	d := deferred.New[any]()
	defer func() {
		if p := recover(); p != nil {
			_ = d.Reject(fmt.Errorf("route %s panicked: %v", r.Name, p))
		}
	}()

	if r.async != nil {
		r.async(ctx, params, d)
		return d
	}

	result, err := r.sync(ctx, params)
	if err != nil {
		_ = d.Reject(err)
	} else {
		_ = d.Resolve(result)
	}
	return d
}

func (r *Route) validate(params json.RawMessage) error {
	if r.schema == nil {
		return nil
	}
	if len(params) == 0 {
		params = json.RawMessage("null")
	}
	res, err := r.schema.Validate(gojsonschema.NewBytesLoader(params))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if res.Valid() {
		return nil
	}
	msg := ""
	for i, e := range res.Errors() {
		if i > 0 {
			msg += "; "
		}
		msg += e.String()
	}
	return fmt.Errorf("%w: %s", ErrInvalidParams, msg)
}

// Option configures a route at registration.
type Option func(*Route) error

// WithSchema validates params against a JSON schema before the handler runs.
func WithSchema(schema []byte) Option {
	return func(r *Route) error {
		s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schema))
		if err != nil {
			return fmt.Errorf("compile schema for %s: %w", r.Name, err)
		}
		r.schema = s
		return nil
	}
}

// Table maps method names to routes. Registering an existing name replaces
// the previous handler.
type Table struct {
	mu     sync.RWMutex
	routes map[string]*Route
}

// NewTable creates an empty route table.
func NewTable() *Table {
	return &Table{routes: make(map[string]*Route)}
}

// Add registers a synchronous handler.
func (t *Table) Add(name string, h Handler, opts ...Option) error {
	if h == nil {
		return fmt.Errorf("route %s: nil handler", name)
	}
	return t.store(&Route{Name: name, sync: h}, opts)
}

// AddAsync registers a handler that settles its own Deferred.
func (t *Table) AddAsync(name string, h AsyncHandler, opts ...Option) error {
	if h == nil {
		return fmt.Errorf("route %s: nil handler", name)
	}
	return t.store(&Route{Name: name, async: h}, opts)
}

func (t *Table) store(r *Route, opts []Option) error {
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return err
		}
	}
	t.mu.Lock()
	t.routes[r.Name] = r
	t.mu.Unlock()
	return nil
}

// Delete removes a route and reports whether it existed.
func (t *Table) Delete(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.routes[name]
	delete(t.routes, name)
	return ok
}

// Lookup returns the route registered under name.
func (t *Table) Lookup(name string) (*Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.routes[name]
	return r, ok
}

// Names returns the registered names, sorted.
func (t *Table) Names() []string {
	t.mu.RLock()
	names := make([]string, 0, len(t.routes))
	for name := range t.routes {
		names = append(names, name)
	}
	t.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Call invokes the route registered under name.
func (t *Table) Call(ctx context.Context, name string, params json.RawMessage) *deferred.Deferred[any] {
	r, ok := t.Lookup(name)
	if !ok {
		return deferred.Rejected[any](fmt.Errorf("%w: %s", ErrRouteNotFound, name))
	}
	return r.Invoke(ctx, params)
}
