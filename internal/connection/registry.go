package connection

import "sync"

// Registry maps connection handles to live objects. Transports keep handles
// in their events and resolve them here; an event whose handle is gone is
// dropped by the caller.
type Registry[T any] struct {
	mu    sync.RWMutex
	items map[string]T
}

func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{items: make(map[string]T)}
}

func (r *Registry[T]) Add(handle string, v T) {
	r.mu.Lock()
	r.items[handle] = v
	r.mu.Unlock()
}

func (r *Registry[T]) Get(handle string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.items[handle]
	return v, ok
}

func (r *Registry[T]) Remove(handle string) {
	r.mu.Lock()
	delete(r.items, handle)
	r.mu.Unlock()
}

func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// Snapshot returns the registered values in no particular order.
func (r *Registry[T]) Snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, 0, len(r.items))
	for _, v := range r.items {
		out = append(out, v)
	}
	return out
}
