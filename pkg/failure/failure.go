// Package failure collects errors raised concurrently by the local pipeline
// and its remote peers and reduces them to the single error a query fails
// with.
package failure

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/multierr"
)

// MaxSuppressed bounds how many additional errors are attached to the
// primary one.
const MaxSuppressed = 10

// RemoteError wraps an error that crossed the exchange. The collector strips
// it so remote and local copies of the same cause compare equal.
type RemoteError struct {
	Node string
	Err  error
}

func (e *RemoteError) Error() string { return "remote [" + e.Node + "]: " + e.Err.Error() }

func (e *RemoteError) Unwrap() error { return e.Err }

// ClientError is implemented by errors caused by the request itself (bad
// input, invalid plan). They outrank server-side and cancellation errors.
type ClientError interface {
	ClientError() bool
}

type category int

const (
	categoryCancellation category = iota
	categoryServer
	categoryClient
)

func categorize(err error) category {
	var ce ClientError
	if errors.As(err, &ce) && ce.ClientError() {
		return categoryClient
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return categoryCancellation
	}
	return categoryServer
}

// Unwrap strips transport wrappers from err, returning the innermost cause
// carried by a RemoteError.
func Unwrap(err error) error {
	for {
		var re *RemoteError
		if !errors.As(err, &re) || re.Err == nil {
			return err
		}
		err = re.Err
	}
}

// Collector is a goroutine-safe failure holder.
type Collector struct {
	mu     sync.Mutex
	best   category
	errs   []error
	seen   map[string]struct{}
	hasErr bool
}

// NewCollector returns an empty collector.
func NewCollector() *Collector {
	return &Collector{seen: make(map[string]struct{})}
}

// Add records err. A nil err is ignored.
func (c *Collector) Add(err error) {
	if err == nil {
		return
	}
	err = Unwrap(err)
	cat := categorize(err)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.hasErr && cat < c.best {
		return
	}
	if !c.hasErr || cat > c.best {
		c.best = cat
		c.errs = c.errs[:0]
		clear(c.seen)
		c.hasErr = true
	}
	key := err.Error()
	if _, dup := c.seen[key]; dup {
		return
	}
	if len(c.errs) > MaxSuppressed {
		return
	}
	c.seen[key] = struct{}{}
	c.errs = append(c.errs, err)
}

// HasFailure reports whether any error has been recorded.
func (c *Collector) HasFailure() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasErr
}

// Failure returns the primary error with the others of its category attached,
// or nil. errors.Is and errors.As match the primary and the attached errors.
func (c *Collector) Failure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasErr {
		return nil
	}
	if len(c.errs) == 1 {
		return c.errs[0]
	}
	return multierr.Combine(c.errs...)
}

// Primary returns the first error of the highest category, or nil.
func (c *Collector) Primary() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasErr {
		return nil
	}
	return c.errs[0]
}
