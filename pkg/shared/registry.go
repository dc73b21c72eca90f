package shared

import "sync"

// Registry keeps one Factory per key, created on first use.
type Registry[K comparable, T any] struct {
	mu        sync.Mutex
	factories map[K]*Factory[T]
	newBuild  func(K) BuildFunc[T]
	closeFn   CloseFunc[T]
}

// NewRegistry creates a registry whose factories build with newBuild(key).
func NewRegistry[K comparable, T any](newBuild func(K) BuildFunc[T], closeFn CloseFunc[T]) *Registry[K, T] {
	return &Registry[K, T]{
		factories: make(map[K]*Factory[T]),
		newBuild:  newBuild,
		closeFn:   closeFn,
	}
}

// Factory returns the factory for key, creating it if needed.
func (r *Registry[K, T]) Factory(key K) *Factory[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.factories[key]
	if !ok {
		f = NewFactory(r.newBuild(key), r.closeFn)
		r.factories[key] = f
	}
	return f
}

// Acquire is Factory(key).Acquire().
func (r *Registry[K, T]) Acquire(key K) (*Ref[T], error) {
	return r.Factory(key).Acquire()
}
