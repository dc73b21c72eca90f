// Package page defines the columnar unit of data flow between operators.
//
// A Page wraps an Arrow record. Every block (column) of a page has the same
// position count. Pages are reference counted: whoever holds a page owns one
// reference and must Release it exactly once when done.
package page

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/compute"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Metadata tags a page that crosses an exchange. BatchID groups sub-pages that
// belong to the same logical batch; Last marks the final sub-page of that batch.
type Metadata struct {
	BatchID int64
	Last    bool
}

// Page is an immutable, reference-counted set of equally sized blocks.
type Page struct {
	rec     arrow.Record
	meta    Metadata
	hasMeta bool
	refs    atomic.Int64
}

// New wraps rec in a Page. The page takes over the caller's reference to rec.
func New(rec arrow.Record) *Page {
	p := &Page{rec: rec}
	p.refs.Store(1)
	return p
}

// FromBlocks builds a page from named blocks. Each block must have exactly
// rows positions. The page takes over the caller's references to the blocks.
func FromBlocks(names []string, blocks []arrow.Array, rows int) (*Page, error) {
	if len(names) != len(blocks) {
		for _, blk := range blocks {
			blk.Release()
		}
		return nil, fmt.Errorf("page: %d names for %d blocks", len(names), len(blocks))
	}
	fields := make([]arrow.Field, len(blocks))
	for i, b := range blocks {
		if b.Len() != rows {
			for _, blk := range blocks {
				blk.Release()
			}
			return nil, fmt.Errorf("page: block %q has %d positions, want %d", names[i], b.Len(), rows)
		}
		fields[i] = arrow.Field{Name: names[i], Type: b.DataType(), Nullable: true}
	}
	rec := array.NewRecord(arrow.NewSchema(fields, nil), blocks, int64(rows))
	for _, b := range blocks {
		b.Release()
	}
	return New(rec), nil
}

// Empty returns a zero-position page with the given schema.
func Empty(mem memory.Allocator, schema *arrow.Schema) *Page {
	blocks := make([]arrow.Array, schema.NumFields())
	for i := range blocks {
		blocks[i] = array.MakeArrayOfNull(mem, schema.Field(i).Type, 0)
	}
	rec := array.NewRecord(schema, blocks, 0)
	for _, b := range blocks {
		b.Release()
	}
	return New(rec)
}

// PositionCount returns the number of positions (rows) in the page.
func (p *Page) PositionCount() int { return int(p.rec.NumRows()) }

// BlockCount returns the number of blocks (columns).
func (p *Page) BlockCount() int { return int(p.rec.NumCols()) }

// Block returns block i. The page keeps ownership; Retain it to hold it longer.
func (p *Page) Block(i int) arrow.Array { return p.rec.Column(i) }

// Schema returns the page schema.
func (p *Page) Schema() *arrow.Schema { return p.rec.Schema() }

// Record exposes the underlying record without transferring ownership.
func (p *Page) Record() arrow.Record { return p.rec }

// Metadata returns the exchange metadata attached to the page, if any.
func (p *Page) Metadata() (Metadata, bool) { return p.meta, p.hasMeta }

// SetMetadata attaches exchange metadata. Only valid on a page the caller
// exclusively owns (for example one it just built).
func (p *Page) SetMetadata(m Metadata) {
	p.meta = m
	p.hasMeta = true
}

// WithMetadata is SetMetadata returning p, for use when building pages.
func (p *Page) WithMetadata(m Metadata) *Page {
	p.SetMetadata(m)
	return p
}

// Retain adds an owner.
func (p *Page) Retain() { p.refs.Add(1) }

// Release drops an owner. The last release frees every block. Releasing a
// page that is already freed is a no-op.
func (p *Page) Release() {
	for {
		n := p.refs.Load()
		if n <= 0 {
			return
		}
		if p.refs.CompareAndSwap(n, n-1) {
			if n == 1 {
				p.rec.Release()
			}
			return
		}
	}
}

// Released reports whether every reference has been dropped.
func (p *Page) Released() bool { return p.refs.Load() <= 0 }

// Project returns a new page holding only the given blocks (shared, not
// copied). p is left untouched and the caller releases both pages.
func (p *Page) Project(indices ...int) *Page {
	schema := p.rec.Schema()
	fields := make([]arrow.Field, len(indices))
	blocks := make([]arrow.Array, len(indices))
	for i, idx := range indices {
		fields[i] = schema.Field(idx)
		blocks[i] = p.rec.Column(idx)
	}
	rec := array.NewRecord(arrow.NewSchema(fields, nil), blocks, p.rec.NumRows())
	return New(rec)
}

// AppendBlocks returns a new page with p's blocks followed by the given
// ones. The caller keeps its references to p and to the appended blocks.
func (p *Page) AppendBlocks(names []string, blocks []arrow.Array) (*Page, error) {
	if len(names) != len(blocks) {
		return nil, fmt.Errorf("page: %d names for %d blocks", len(names), len(blocks))
	}
	schema := p.rec.Schema()
	fields := make([]arrow.Field, 0, schema.NumFields()+len(blocks))
	cols := make([]arrow.Array, 0, schema.NumFields()+len(blocks))
	fields = append(fields, schema.Fields()...)
	cols = append(cols, p.rec.Columns()...)
	for i, b := range blocks {
		if b.Len() != p.PositionCount() {
			return nil, fmt.Errorf("page: appended block %q has %d positions, want %d", names[i], b.Len(), p.PositionCount())
		}
		fields = append(fields, arrow.Field{Name: names[i], Type: b.DataType(), Nullable: true})
		cols = append(cols, b)
	}
	rec := array.NewRecord(arrow.NewSchema(fields, nil), cols, p.rec.NumRows())
	return New(rec), nil
}

// Filter keeps only the given positions, which must be in ascending order.
// Ownership of p passes to Filter:
//   - no positions kept: p is released and nil is returned, even when p
//     itself has no positions;
//   - all positions kept: p itself is returned, nothing is copied;
//   - otherwise p is released and a new page is returned.
func (p *Page) Filter(mem memory.Allocator, positions []int) (*Page, error) {
	if len(positions) == 0 {
		p.Release()
		return nil, nil
	}
	if isFullRange(positions, p.PositionCount()) {
		return p, nil
	}
	out, err := p.Take(mem, positions)
	p.Release()
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Take builds a new page from the given positions, which may repeat or be in
// any order. p keeps its reference.
func (p *Page) Take(mem memory.Allocator, positions []int) (*Page, error) {
	ctx := compute.WithAllocator(context.Background(), mem)
	blocks := make([]arrow.Array, p.BlockCount())
	for i := range blocks {
		b, err := TakeBlock(ctx, mem, p.rec.Column(i), positions)
		if err != nil {
			for _, done := range blocks[:i] {
				done.Release()
			}
			return nil, fmt.Errorf("page: take block %d: %w", i, err)
		}
		blocks[i] = b
	}
	rec := array.NewRecord(p.rec.Schema(), blocks, int64(len(positions)))
	for _, b := range blocks {
		b.Release()
	}
	return New(rec), nil
}

func isFullRange(positions []int, n int) bool {
	if len(positions) != n {
		return false
	}
	for i, pos := range positions {
		if pos != i {
			return false
		}
	}
	return true
}
