// Package breaker accounts memory against a per-query budget.
//
// Components that buffer data estimate the bytes they hold and charge them to
// a Breaker before growing. A charge that would exceed the limit fails with a
// *CircuitBreakingError and the growth does not happen.
package breaker

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// Unlimited disables the limit check.
const Unlimited int64 = -1

// CircuitBreakingError reports a charge that would exceed the budget.
type CircuitBreakingError struct {
	Label     string
	Requested int64
	Used      int64
	Limit     int64
}

func (e *CircuitBreakingError) Error() string {
	return fmt.Sprintf("circuit breaker tripped for [%s]: requested %d bytes, %d of %d in use",
		e.Label, e.Requested, e.Used, e.Limit)
}

// IsTripped reports whether err is or wraps a *CircuitBreakingError.
func IsTripped(err error) bool {
	var cbe *CircuitBreakingError
	return errors.As(err, &cbe)
}

// Breaker is a goroutine-safe byte budget.
type Breaker struct {
	name  string
	limit int64
	used  atomic.Int64
	trips atomic.Int64
}

// New creates a breaker. A negative limit means unlimited.
func New(name string, limit int64) *Breaker {
	return &Breaker{name: name, limit: limit}
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.name }

// Limit returns the configured limit in bytes.
func (b *Breaker) Limit() int64 { return b.limit }

// Used returns the bytes currently charged.
func (b *Breaker) Used() int64 { return b.used.Load() }

// Trips returns how many charges have been refused.
func (b *Breaker) Trips() int64 { return b.trips.Load() }

// AddEstimateBytesAndMaybeBreak charges n bytes. If the new total would exceed
// the limit, nothing is charged and a *CircuitBreakingError is returned.
// Negative n releases bytes and never fails.
func (b *Breaker) AddEstimateBytesAndMaybeBreak(n int64, label string) error {
	if n <= 0 || b.limit < 0 {
		b.used.Add(n)
		return nil
	}
	for {
		cur := b.used.Load()
		if cur+n > b.limit {
			b.trips.Add(1)
			return &CircuitBreakingError{Label: label, Requested: n, Used: cur, Limit: b.limit}
		}
		if b.used.CompareAndSwap(cur, cur+n) {
			return nil
		}
	}
}

// AddWithoutBreaking adjusts the charge by n with no limit check.
func (b *Breaker) AddWithoutBreaking(n int64) {
	b.used.Add(n)
}
