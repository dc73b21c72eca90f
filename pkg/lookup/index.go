package lookup

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/compute"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/sandboxws/isotope/compute/pkg/hashset"
	"github.com/sandboxws/isotope/compute/pkg/page"
	"github.com/sandboxws/isotope/compute/pkg/shared"
)

// Index is an immutable in-memory lookup table: the rows of a page keyed by
// some of its blocks. It is safe for concurrent lookups.
type Index struct {
	keys    *hashset.Bytes
	rows    [][]int // key id -> rows
	values  []arrow.Array
	schema  *arrow.Schema
	keyCols []int
}

// NewIndex indexes the rows of p by keyCols; every other block becomes a
// value block. Rows with a null key are not indexed. p keeps its reference.
func NewIndex(mem memory.Allocator, p *page.Page, keyCols ...int) (*Index, error) {
	if len(keyCols) == 0 {
		return nil, fmt.Errorf("lookup: index needs at least one key block")
	}
	isKey := make(map[int]bool, len(keyCols))
	for _, c := range keyCols {
		if c < 0 || c >= p.BlockCount() {
			return nil, fmt.Errorf("lookup: key block %d out of range [0, %d)", c, p.BlockCount())
		}
		isKey[c] = true
	}

	ix := &Index{keys: hashset.New(p.PositionCount()), keyCols: keyCols}
	keyBlocks := make([]arrow.Array, len(keyCols))
	for i, c := range keyCols {
		keyBlocks[i] = p.Block(c)
	}
	var scratch []byte
	for pos := 0; pos < p.PositionCount(); pos++ {
		key, ok := compositeKey(keyBlocks, pos, scratch[:0])
		scratch = key
		if !ok {
			continue
		}
		id, added := ix.keys.Add(key)
		if added {
			ix.rows = append(ix.rows, nil)
		}
		ix.rows[id] = append(ix.rows[id], pos)
	}

	ctx := compute.WithAllocator(context.Background(), mem)
	var fields []arrow.Field
	for c := 0; c < p.BlockCount(); c++ {
		if isKey[c] {
			continue
		}
		flat, err := page.Flatten(ctx, mem, p.Block(c))
		if err != nil {
			ix.Release()
			return nil, fmt.Errorf("lookup: index value block %d: %w", c, err)
		}
		f := p.Schema().Field(c)
		fields = append(fields, arrow.Field{Name: f.Name, Type: flat.DataType(), Nullable: true})
		ix.values = append(ix.values, flat)
	}
	ix.schema = arrow.NewSchema(fields, nil)
	return ix, nil
}

// compositeKey appends the length-prefixed key bytes of every key block at
// pos. ok is false if any key block is null there.
func compositeKey(blocks []arrow.Array, pos int, dst []byte) ([]byte, bool) {
	for _, b := range blocks {
		if page.IsNull(b, pos) {
			return dst, false
		}
		start := len(dst)
		dst = append(dst, 0, 0, 0, 0)
		dst = page.KeyBytes(b, pos, dst)
		binary.LittleEndian.PutUint32(dst[start:], uint32(len(dst)-start-4))
	}
	return dst, true
}

// ValueSchema is the schema of the value blocks a match returns.
func (ix *Index) ValueSchema() *arrow.Schema { return ix.schema }

// KeyCount returns the number of distinct keys.
func (ix *Index) KeyCount() int { return ix.keys.Len() }

// Lookup matches every position of keys (one block per key column) and calls
// emit with response sub-pages of at most chunkRows rows. The last call has
// Last set; a batch without matches yields a single empty Last sub-page.
// emit takes ownership of each page.
func (ix *Index) Lookup(mem memory.Allocator, batchID int64, keys *page.Page, chunkRows int, emit func(*page.Page) error) error {
	if keys.BlockCount() != len(ix.keyCols) {
		return fmt.Errorf("lookup: request has %d key blocks, index has %d", keys.BlockCount(), len(ix.keyCols))
	}
	if chunkRows <= 0 {
		chunkRows = 1024
	}
	blocks := make([]arrow.Array, keys.BlockCount())
	for i := range blocks {
		blocks[i] = keys.Block(i)
	}

	var (
		left    []int32
		right   []int
		scratch []byte
	)
	flush := func(last bool) error {
		p, err := ix.subPage(mem, left, right)
		if err != nil {
			return err
		}
		p.SetMetadata(page.Metadata{BatchID: batchID, Last: last})
		left, right = left[:0], right[:0]
		return emit(p)
	}
	for pos := 0; pos < keys.PositionCount(); pos++ {
		key, ok := compositeKey(blocks, pos, scratch[:0])
		scratch = key
		if !ok {
			continue
		}
		id := ix.keys.Find(key)
		if id < 0 {
			continue
		}
		for _, row := range ix.rows[id] {
			if len(left) == chunkRows {
				if err := flush(false); err != nil {
					return err
				}
			}
			left = append(left, int32(pos))
			right = append(right, row)
		}
	}
	// A full chunk is only flushed when another match follows, so the final
	// flush always carries at least one row unless nothing matched.
	return flush(true)
}

func (ix *Index) subPage(mem memory.Allocator, left []int32, right []int) (*page.Page, error) {
	ctx := compute.WithAllocator(context.Background(), mem)
	pb := array.NewInt32Builder(mem)
	pb.AppendValues(left, nil)
	positions := pb.NewArray()
	pb.Release()

	names := []string{PositionsColumn}
	blocks := []arrow.Array{positions}
	for i, v := range ix.values {
		taken, err := page.TakeBlock(ctx, mem, v, right)
		if err != nil {
			for _, b := range blocks {
				b.Release()
			}
			return nil, fmt.Errorf("lookup: take value block %d: %w", i, err)
		}
		names = append(names, ix.schema.Field(i).Name)
		blocks = append(blocks, taken)
	}
	return page.FromBlocks(names, blocks, len(left))
}

// Release frees the index's value blocks.
func (ix *Index) Release() {
	for _, v := range ix.values {
		v.Release()
	}
	ix.values = nil
}

// IndexRegistry shares one Index per name among every exchange of the
// process. The index is built on first use and released when its last user
// lets go.
type IndexRegistry = shared.Registry[string, *Index]

// NewIndexRegistry creates a registry that builds indexes with load.
func NewIndexRegistry(load func(name string) (*Index, error)) *IndexRegistry {
	return shared.NewRegistry(
		func(name string) shared.BuildFunc[*Index] {
			return func() (*Index, error) { return load(name) }
		},
		func(ix *Index) { ix.Release() },
	)
}
