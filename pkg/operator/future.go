package operator

import "sync"

// Future is a one-shot completion signal used by IsBlocked. Completing a
// future more than once is harmless.
type Future struct {
	once      sync.Once
	done      chan struct{}
	mu        sync.Mutex
	callbacks []callback
	nextID    uint64
	detach    []func() // registrations on the inputs of an AnyOf future
}

type callback struct {
	id uint64
	fn func()
}

// NotBlocked is the already completed future returned by stages that can
// make progress.
var NotBlocked = completedFuture()

func completedFuture() *Future {
	f := NewFuture()
	f.Complete()
	return f
}

// NewFuture returns a pending future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Complete marks the future done and runs registered callbacks.
func (f *Future) Complete() {
	f.once.Do(func() {
		f.mu.Lock()
		cbs := f.callbacks
		f.callbacks = nil
		close(f.done)
		f.mu.Unlock()
		for _, cb := range cbs {
			cb.fn()
		}
	})
}

// Done returns a channel closed on completion.
func (f *Future) Done() <-chan struct{} { return f.done }

// IsDone reports whether the future has completed.
func (f *Future) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// OnComplete runs fn when the future completes, or immediately if it
// already has. fn may run on the completing goroutine. The returned func
// unregisters fn if it has not run yet.
func (f *Future) OnComplete(fn func()) (cancel func()) {
	f.mu.Lock()
	if f.IsDone() {
		f.mu.Unlock()
		fn()
		return func() {}
	}
	f.nextID++
	id := f.nextID
	f.callbacks = append(f.callbacks, callback{id: id, fn: fn})
	f.mu.Unlock()
	return func() { f.remove(id) }
}

func (f *Future) remove(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, cb := range f.callbacks {
		if cb.id == id {
			f.callbacks = append(f.callbacks[:i], f.callbacks[i+1:]...)
			return
		}
	}
}

// pendingCallbacks returns how many callbacks are registered.
func (f *Future) pendingCallbacks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.callbacks)
}

// AnyOf returns a future that completes when any of fs does. With no
// arguments it returns NotBlocked. Once the result completes, or is
// abandoned, it no longer holds callbacks on fs.
func AnyOf(fs ...*Future) *Future {
	if len(fs) == 0 {
		return NotBlocked
	}
	if len(fs) == 1 {
		return fs[0]
	}
	for _, f := range fs {
		if f.IsDone() {
			return f
		}
	}
	out := NewFuture()
	cancels := make([]func(), 0, len(fs))
	for _, f := range fs {
		cancels = append(cancels, f.OnComplete(out.Complete))
	}
	out.mu.Lock()
	out.detach = cancels
	out.mu.Unlock()
	out.OnComplete(out.Abandon)
	return out
}

// Abandon drops the callbacks an AnyOf future registered on its inputs. The
// future itself is left as it is. Abandon is a no-op on other futures.
func (f *Future) Abandon() {
	f.mu.Lock()
	cancels := f.detach
	f.detach = nil
	f.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}
