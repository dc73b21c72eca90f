// Package shared provides reference-counted handles to expensive resources
// that are built lazily on first use, shared by every concurrent user, and
// torn down when the last user releases them.
//
// A Factory slot is in one of four states: absent, building, active with a
// positive reference count, or tearing down. Acquire on an active slot is a
// lock-free increment. An instance whose count reached zero is never handed
// out again; an Acquire that finds it tearing down waits for the teardown to
// finish before building a replacement, so at most one instance is live.
package shared

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// BuildFunc constructs a new instance.
type BuildFunc[T any] func() (T, error)

// CloseFunc tears an instance down. It runs exactly once per built instance.
type CloseFunc[T any] func(T)

// Factory hands out references to a lazily built instance of T.
type Factory[T any] struct {
	build   BuildFunc[T]
	closeFn CloseFunc[T]

	mu      sync.Mutex // serializes builds
	current atomic.Pointer[instance[T]]
	builds  atomic.Int64
}

type instance[T any] struct {
	value T
	refs  atomic.Int64
	owner *Factory[T]
	dead  chan struct{} // closed once teardown has finished
}

// Ref is one owner's handle on a shared instance.
type Ref[T any] struct {
	inst     *instance[T]
	released atomic.Bool
}

// NewFactory creates a factory. closeFn may be nil.
func NewFactory[T any](build BuildFunc[T], closeFn CloseFunc[T]) *Factory[T] {
	return &Factory[T]{build: build, closeFn: closeFn}
}

// Acquire returns a reference to the current instance, building one if none
// is active. Build errors are returned to the caller and leave the slot absent.
func (f *Factory[T]) Acquire() (*Ref[T], error) {
	if inst := f.current.Load(); inst != nil && inst.tryRetain() {
		return &Ref[T]{inst: inst}, nil
	}

	for {
		f.mu.Lock()
		inst := f.current.Load()
		if inst == nil {
			break
		}
		if inst.tryRetain() {
			f.mu.Unlock()
			return &Ref[T]{inst: inst}, nil
		}
		// Tearing down.
		f.mu.Unlock()
		<-inst.dead
	}
	defer f.mu.Unlock()

	value, err := f.build()
	if err != nil {
		return nil, fmt.Errorf("shared: build: %w", err)
	}
	f.builds.Add(1)
	inst := &instance[T]{value: value, owner: f, dead: make(chan struct{})}
	inst.refs.Store(1)
	f.current.Store(inst)
	return &Ref[T]{inst: inst}, nil
}

// Builds returns how many instances have been constructed.
func (f *Factory[T]) Builds() int64 { return f.builds.Load() }

// Active reports whether an instance is currently held or tearing down.
func (f *Factory[T]) Active() bool { return f.current.Load() != nil }

// tryRetain increments the count unless it has already reached zero.
func (i *instance[T]) tryRetain() bool {
	for {
		n := i.refs.Load()
		if n <= 0 {
			return false
		}
		if i.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Value returns the shared instance. It must not be used after Release.
func (r *Ref[T]) Value() T { return r.inst.value }

// Release drops this reference. Releasing the same Ref twice is a no-op.
func (r *Ref[T]) Release() {
	if !r.released.CompareAndSwap(false, true) {
		return
	}
	inst := r.inst
	if inst.refs.Add(-1) != 0 {
		return
	}
	defer close(inst.dead)
	defer inst.owner.current.CompareAndSwap(inst, nil)
	if inst.owner.closeFn != nil {
		inst.owner.closeFn(inst.value)
	}
}
