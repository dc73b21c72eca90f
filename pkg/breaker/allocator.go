package breaker

import (
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Allocator wraps an Arrow allocator and charges every allocation to a
// Breaker. Arrow allocators cannot return errors, so an allocation over the
// limit panics with a *CircuitBreakingError; the driver recovers it into a
// pipeline failure.
type Allocator struct {
	inner     memory.Allocator
	b         *Breaker
	label     string
	allocated atomic.Int64
	freed     atomic.Int64
}

// NewAllocator wraps inner, charging b under label.
func NewAllocator(inner memory.Allocator, b *Breaker, label string) *Allocator {
	return &Allocator{inner: inner, b: b, label: label}
}

// Allocate charges size bytes then allocates.
func (a *Allocator) Allocate(size int) []byte {
	a.charge(int64(size))
	a.allocated.Add(int64(size))
	return a.inner.Allocate(size)
}

// Reallocate charges the size change then reallocates.
func (a *Allocator) Reallocate(size int, b []byte) []byte {
	delta := int64(size) - int64(len(b))
	a.charge(delta)
	a.allocated.Add(delta)
	return a.inner.Reallocate(size, b)
}

// Free releases b and its charge.
func (a *Allocator) Free(b []byte) {
	a.freed.Add(int64(len(b)))
	a.b.AddWithoutBreaking(-int64(len(b)))
	a.inner.Free(b)
}

// CurrentUsed returns the bytes allocated through a and not yet freed.
func (a *Allocator) CurrentUsed() int64 {
	return a.allocated.Load() - a.freed.Load()
}

func (a *Allocator) charge(n int64) {
	if err := a.b.AddEstimateBytesAndMaybeBreak(n, a.label); err != nil {
		panic(err)
	}
}

var _ memory.Allocator = (*Allocator)(nil)
