package operators

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/compute"

	"github.com/sandboxws/isotope/compute/pkg/operator"
	"github.com/sandboxws/isotope/compute/pkg/page"
)

// ProjectColumn selects an input block, optionally renaming it and casting
// it to another type.
type ProjectColumn struct {
	Name string
	As   string
	Cast arrow.DataType
}

// Project keeps the listed blocks, in order, dropping every other one.
type Project struct {
	pageBuffer
	columns []ProjectColumn
	ctx     context.Context
}

// NewProject creates a Project stage.
func NewProject(columns []ProjectColumn) *Project {
	p := &Project{pageBuffer: newPageBuffer("project"), columns: columns, ctx: context.Background()}
	p.transform = p.apply
	return p
}

func (p *Project) Open(ctx *operator.Context) error {
	p.open(ctx)
	p.ctx = ctx.Ctx
	return nil
}

func (p *Project) apply(in *page.Page) (*page.Page, error) {
	defer in.Release()
	schema := in.Schema()
	names := make([]string, 0, len(p.columns))
	blocks := make([]arrow.Array, 0, len(p.columns))
	release := func() {
		for _, b := range blocks {
			b.Release()
		}
	}

	for _, col := range p.columns {
		idx := schema.FieldIndices(col.Name)
		if len(idx) == 0 {
			release()
			return nil, fmt.Errorf("project: column %q not found", col.Name)
		}
		blk := in.Block(idx[0])
		if col.Cast != nil && !arrow.TypeEqual(blk.DataType(), col.Cast) {
			flat, err := page.Flatten(p.ctx, p.alloc, blk)
			if err != nil {
				release()
				return nil, fmt.Errorf("project: flatten %q: %w", col.Name, err)
			}
			cast, err := compute.CastArray(compute.WithAllocator(p.ctx, p.alloc), flat, compute.SafeCastOptions(col.Cast))
			flat.Release()
			if err != nil {
				release()
				return nil, fmt.Errorf("project: cast %q to %s: %w", col.Name, col.Cast, err)
			}
			blk = cast
		} else {
			blk.Retain()
		}
		name := col.Name
		if col.As != "" {
			name = col.As
		}
		names = append(names, name)
		blocks = append(blocks, blk)
	}
	return page.FromBlocks(names, blocks, in.PositionCount())
}
