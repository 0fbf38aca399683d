package realtime

import (
	"sort"
	"sync"
)

type entry struct {
	m    *Manager
	refs int
}

// Registry hands out one Manager per scope. Releasing the last consumer keeps
// the connection alive; only Teardown or Close disconnects.
type Registry struct {
	dialer Dialer
	opts   []Option

	mu       sync.Mutex
	managers map[string]*entry
}

func NewRegistry(d Dialer, opts ...Option) *Registry {
	return &Registry{dialer: d, opts: opts, managers: map[string]*entry{}}
}

// Acquire returns the scope's manager, creating it on first use. The release
// func is idempotent.
func (r *Registry) Acquire(scope string) (*Manager, func()) {
	r.mu.Lock()
	e, ok := r.managers[scope]
	if !ok {
		e = &entry{m: NewManager(scope, r.dialer, r.opts...)}
		r.managers[scope] = e
	}
	e.refs++
	r.mu.Unlock()

	var once sync.Once
	return e.m, func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if cur, ok := r.managers[scope]; ok && cur == e && e.refs > 0 {
				e.refs--
			}
		})
	}
}

// Consumers reports how many live Acquire calls hold the scope.
func (r *Registry) Consumers(scope string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.managers[scope]; ok {
		return e.refs
	}
	return 0
}

func (r *Registry) Scopes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.managers))
	for s := range r.managers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Teardown disconnects and forgets the scope's manager.
func (r *Registry) Teardown(scope string) {
	r.mu.Lock()
	e, ok := r.managers[scope]
	delete(r.managers, scope)
	r.mu.Unlock()
	if ok {
		e.m.Disconnect()
	}
}

func (r *Registry) Close() {
	r.mu.Lock()
	all := r.managers
	r.managers = map[string]*entry{}
	r.mu.Unlock()
	for _, e := range all {
		e.m.Disconnect()
	}
}
