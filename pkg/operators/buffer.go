// Package operators implements the built-in pipeline stages.
package operators

import (
	"log/slog"

	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/sandboxws/isotope/compute/pkg/operator"
	"github.com/sandboxws/isotope/compute/pkg/page"
)

// transformFunc turns one input page into at most one output page and takes
// ownership of its input. A nil result means nothing to emit.
type transformFunc func(p *page.Page) (*page.Page, error)

// pageBuffer implements the operator contract for stages that map each input
// page to at most one output page. It holds a single pending output.
type pageBuffer struct {
	name      string
	transform transformFunc

	alloc   memory.Allocator
	logger  *slog.Logger
	metrics *operator.Metrics

	out       *page.Page
	finishing bool
	done      bool // set by stages that stop early (Limit)
	closed    bool
}

func newPageBuffer(name string) pageBuffer {
	return pageBuffer{
		name:    name,
		alloc:   memory.DefaultAllocator,
		logger:  slog.Default().With("operator", name),
		metrics: &operator.Metrics{},
	}
}

// open adopts the allocator, logger and metrics of ctx.
func (b *pageBuffer) open(ctx *operator.Context) {
	if ctx.Alloc != nil {
		b.alloc = ctx.Alloc
	}
	if ctx.Logger != nil {
		b.logger = ctx.Logger
	}
	if ctx.Metrics != nil {
		b.metrics = ctx.Metrics
	}
}

func (b *pageBuffer) NeedsInput() bool {
	return !b.finishing && !b.done && b.out == nil
}

func (b *pageBuffer) AddInput(p *page.Page) error {
	operator.MustNeedInput(b.NeedsInput(), b.name)
	b.metrics.PagesIn.Add(1)
	b.metrics.RowsIn.Add(int64(p.PositionCount()))

	out, err := b.transform(p)
	if err != nil {
		b.metrics.Errors.Add(1)
		return err
	}
	if out != nil && out.PositionCount() == 0 {
		out.Release()
		out = nil
	}
	b.out = out
	return nil
}

func (b *pageBuffer) GetOutput() (*page.Page, error) {
	out := b.out
	b.out = nil
	if out != nil {
		b.metrics.PagesOut.Add(1)
		b.metrics.RowsOut.Add(int64(out.PositionCount()))
	}
	return out, nil
}

func (b *pageBuffer) Finish() { b.finishing = true }

func (b *pageBuffer) IsFinished() bool {
	return (b.finishing || b.done) && b.out == nil
}

func (b *pageBuffer) IsBlocked() *operator.Future { return operator.NotBlocked }

func (b *pageBuffer) CanProduceMoreDataWithoutExtraInput() bool { return b.out != nil }

func (b *pageBuffer) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	if b.out != nil {
		b.out.Release()
		b.out = nil
	}
	return nil
}
