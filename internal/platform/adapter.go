package platform

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Record is one upstream item, field name to value.
type Record = map[string]any

// Request is one page request sent to an adapter.
type Request struct {
	Action      string
	Filters     Filters
	Credentials Credentials
	Cursor      string
	PageSize    int
}

// Page is one page of adapter output. Scalar is set instead of Items for actions
// that return a single value.
type Page struct {
	Items      []Record
	Scalar     any
	NextCursor string
	Truncated  bool
}

// Adapter executes read actions against one platform. Implementations return
// *AdapterError for upstream failures so the kind survives to the caller.
type Adapter interface {
	Execute(ctx context.Context, req Request) (*Page, error)
}

// AdapterFunc adapts a function to the Adapter interface.
type AdapterFunc func(ctx context.Context, req Request) (*Page, error)

func (f AdapterFunc) Execute(ctx context.Context, req Request) (*Page, error) {
	return f(ctx, req)
}

// Registry resolves the adapter and call deadline for each platform.
type Registry struct {
	adapters       map[Platform]Adapter
	defaultTimeout time.Duration
	timeouts       map[Platform]time.Duration
}

// NewRegistry creates an empty registry with a default per-call deadline.
func NewRegistry(defaultTimeout time.Duration) *Registry {
	return &Registry{
		adapters:       map[Platform]Adapter{},
		defaultTimeout: defaultTimeout,
		timeouts:       map[Platform]time.Duration{},
	}
}

// Register binds an adapter to a platform.
func (r *Registry) Register(p Platform, a Adapter) {
	r.adapters[p] = a
}

// SetTimeout overrides the deadline for one platform.
func (r *Registry) SetTimeout(p Platform, d time.Duration) {
	r.timeouts[p] = d
}

// Adapter returns the adapter bound to p.
func (r *Registry) Adapter(p Platform) (Adapter, error) {
	a, ok := r.adapters[p]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for %s", p)
	}
	return a, nil
}

// Timeout returns the per-call deadline for p.
func (r *Registry) Timeout(p Platform) time.Duration {
	if d, ok := r.timeouts[p]; ok {
		return d
	}
	return r.defaultTimeout
}

// Registered lists platforms with an adapter, alphabetically.
func (r *Registry) Registered() []Platform {
	out := make([]Platform, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
