// Package tcc drives phase 2 for TCC branches: registered business
// callbacks are confirmed or cancelled with idempotency and anti-suspension
// markers guarding out-of-order delivery.
package tcc

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/sharedcode/dtx"
)

// Callback is the normalized confirm/cancel form every accepted signature
// is adapted to.
type Callback func(ctx context.Context, b *dtx.BranchTransaction) error

// AdaptCallback accepts the supported business callback shapes and wraps
// them into the normalized form.
func AdaptCallback(fn any) (Callback, error) {
	switch f := fn.(type) {
	case Callback:
		return f, nil
	case func(ctx context.Context, b *dtx.BranchTransaction) error:
		return f, nil
	case func() error:
		return func(context.Context, *dtx.BranchTransaction) error { return f() }, nil
	case func(xid string) error:
		return func(_ context.Context, b *dtx.BranchTransaction) error { return f(b.Xid) }, nil
	case func(xid string, branchID int64) error:
		return func(_ context.Context, b *dtx.BranchTransaction) error { return f(b.Xid, b.BranchID) }, nil
	case func(b dtx.BranchTransaction) error:
		return func(_ context.Context, b *dtx.BranchTransaction) error { return f(*b) }, nil
	}
	return nil, fmt.Errorf("unsupported callback signature %T", fn)
}

// Resource is one registered TCC participant.
type Resource struct {
	Name    string
	Confirm Callback
	Cancel  Callback
}

// Registry maps resource names to their confirm/cancel callbacks.
type Registry struct {
	mu        sync.RWMutex
	resources map[string]*Resource
}

func NewRegistry() *Registry {
	return &Registry{resources: make(map[string]*Resource)}
}

// Register installs a resource under an explicit name.
func (r *Registry) Register(name string, confirm, cancel any) error {
	cf, err := AdaptCallback(confirm)
	if err != nil {
		return fmt.Errorf("confirm for %s: %w", name, err)
	}
	cc, err := AdaptCallback(cancel)
	if err != nil {
		return fmt.Errorf("cancel for %s: %w", name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resources[name] = &Resource{Name: name, Confirm: cf, Cancel: cc}
	return nil
}

// Resolve looks up a resource by name.
func (r *Registry) Resolve(name string) (*Resource, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.resources[name]
	return res, ok
}

// Names lists the registered resources, for operator tooling.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.resources))
	for n := range r.resources {
		out = append(out, n)
	}
	return out
}

// Named lets a service state its own resource name during discovery.
type Named interface {
	ResourceName() string
}

var confirmMethodNames = []string{"Confirm", "Commit", "Execute"}
var cancelMethodNames = []string{"Cancel", "Rollback", "Compensate"}

// RegisterService discovers a service's confirm/cancel methods by name and
// registers it. The resource name comes from Named when implemented,
// otherwise from the type name with a Service/ServiceImpl suffix trimmed
// and the first letter lowered.
func (r *Registry) RegisterService(svc any) error {
	v := reflect.ValueOf(svc)
	name := serviceName(svc)

	confirm, ok := findMethod(v, confirmMethodNames)
	if !ok {
		return fmt.Errorf("service %s has no confirm method (%s)",
			name, strings.Join(confirmMethodNames, "/"))
	}
	cancel, ok := findMethod(v, cancelMethodNames)
	if !ok {
		return fmt.Errorf("service %s has no cancel method (%s)",
			name, strings.Join(cancelMethodNames, "/"))
	}
	return r.Register(name, confirm, cancel)
}

func serviceName(svc any) string {
	if n, ok := svc.(Named); ok {
		return n.ResourceName()
	}
	t := reflect.TypeOf(svc)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	name := t.Name()
	name = strings.TrimSuffix(name, "Impl")
	name = strings.TrimSuffix(name, "Service")
	if name == "" {
		return t.Name()
	}
	return strings.ToLower(name[:1]) + name[1:]
}

// findMethod returns the first method matching one of the candidate names
// whose signature adapts to Callback.
func findMethod(v reflect.Value, names []string) (any, bool) {
	for _, n := range names {
		m := v.MethodByName(n)
		if !m.IsValid() {
			continue
		}
		if _, err := AdaptCallback(m.Interface()); err == nil {
			return m.Interface(), true
		}
	}
	return nil, false
}
