package operator

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/sandboxws/isotope/compute/pkg/breaker"
)

// Metrics tracks basic operator-level counters.
type Metrics struct {
	PagesIn  atomic.Int64
	RowsIn   atomic.Int64
	PagesOut atomic.Int64
	RowsOut  atomic.Int64
	Errors   atomic.Int64
}

// Context provides the execution environment for a stage.
type Context struct {
	// Go context for cancellation.
	Ctx context.Context

	// Logger scoped to this stage.
	Logger *slog.Logger

	// Metrics for this stage instance.
	Metrics *Metrics

	// Alloc is the Arrow memory allocator to use for output pages.
	Alloc memory.Allocator

	// Breaker is the query memory budget. May be nil.
	Breaker *breaker.Breaker

	// OperatorID is the unique identifier for this stage in the plan.
	OperatorID string

	// OperatorName is the human-readable type of this stage.
	OperatorName string

	// Parallelism is the total number of parallel pipelines running this stage.
	Parallelism int

	// InstanceIndex is the index of this pipeline (0-based).
	InstanceIndex int
}

// NewContext creates a stage context with defaults.
func NewContext(ctx context.Context, alloc memory.Allocator, operatorID, operatorName string) *Context {
	return &Context{
		Ctx:          ctx,
		Logger:       slog.Default().With("operator", operatorID, "name", operatorName),
		Metrics:      &Metrics{},
		Alloc:        alloc,
		OperatorID:   operatorID,
		OperatorName: operatorName,
		Parallelism:  1,
	}
}

// WithBreaker sets the memory budget and returns c.
func (c *Context) WithBreaker(b *breaker.Breaker) *Context {
	c.Breaker = b
	return c
}

// Tracker returns a breaker tracker labelled with this stage's id.
func (c *Context) Tracker() *breaker.Tracker {
	return breaker.NewTracker(c.Breaker, c.OperatorID)
}

// Done returns the context's Done channel.
func (c *Context) Done() <-chan struct{} {
	return c.Ctx.Done()
}
