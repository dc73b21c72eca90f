package page

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// ── Test helpers ────────────────────────────────────────────────────

func makeInt64Arr(alloc memory.Allocator, vals []int64) arrow.Array {
	bldr := array.NewInt64Builder(alloc)
	defer bldr.Release()
	bldr.AppendValues(vals, nil)
	return bldr.NewArray()
}

func makeStringArr(alloc memory.Allocator, vals []string) arrow.Array {
	bldr := array.NewStringBuilder(alloc)
	defer bldr.Release()
	for _, v := range vals {
		bldr.Append(v)
	}
	return bldr.NewArray()
}

func makeDictArr(alloc memory.Allocator, dict []string, ordinals []int32) arrow.Array {
	dt := &arrow.DictionaryType{IndexType: arrow.PrimitiveTypes.Int32, ValueType: arrow.BinaryTypes.String}
	values := makeStringArr(alloc, dict)
	defer values.Release()
	ib := array.NewInt32Builder(alloc)
	defer ib.Release()
	ib.AppendValues(ordinals, nil)
	indices := ib.NewArray()
	defer indices.Release()
	return array.NewDictionaryArray(dt, indices, values)
}

func mustPage(t *testing.T, names []string, blocks ...arrow.Array) *Page {
	t.Helper()
	p, err := FromBlocks(names, blocks, blocks[0].Len())
	if err != nil {
		t.Fatal(err)
	}
	return p
}

// ── Filter tests ────────────────────────────────────────────────────

func TestFilterFullRangeReturnsSamePage(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	p := mustPage(t, []string{"id"}, makeInt64Arr(alloc, []int64{1, 2, 3}))
	out, err := p.Filter(alloc, []int{0, 1, 2})
	if err != nil {
		t.Fatal(err)
	}
	if out != p {
		t.Fatal("expected filter with every position to return the same page")
	}
	out.Release()
}

func TestFilterEmptyReleasesPage(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	p := mustPage(t, []string{"id"}, makeInt64Arr(alloc, []int64{1, 2, 3}))
	out, err := p.Filter(alloc, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out != nil {
		t.Fatalf("expected nil page, got %d positions", out.PositionCount())
	}
	if !p.Released() {
		t.Fatal("expected input page to be released")
	}
	if alloc.CurrentAlloc() != 0 {
		t.Fatalf("expected all memory freed, %d bytes still allocated", alloc.CurrentAlloc())
	}
}

func TestFilterEmptyPageWithNoPositionsReturnsNil(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	p := mustPage(t, []string{"id"}, makeInt64Arr(alloc, nil))
	out, err := p.Filter(alloc, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out != nil {
		t.Fatal("expected nil page for an empty input page")
	}
	if !p.Released() {
		t.Fatal("expected input page to be released")
	}
}

func TestFilterSubsetAllEncodings(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	p := mustPage(t, []string{"flat", "dict", "const"},
		makeStringArr(alloc, []string{"a", "b", "c", "d"}),
		makeDictArr(alloc, []string{"x", "y"}, []int32{0, 1, 1, 0}),
		NewConstantString(alloc, "k", 4),
	)
	out, err := p.Filter(alloc, []int{1, 3})
	if err != nil {
		t.Fatal(err)
	}
	defer out.Release()

	if out.PositionCount() != 2 {
		t.Fatalf("expected 2 positions, got %d", out.PositionCount())
	}
	want := [][]string{{"b", "d"}, {"y", "x"}, {"k", "k"}}
	for col, vals := range want {
		for pos, v := range vals {
			if got := String(out.Block(col), pos); got != v {
				t.Errorf("block %d pos %d: got %q, want %q", col, pos, got, v)
			}
		}
	}
	if EncodingOf(out.Block(1)) != Dictionary {
		t.Errorf("dictionary block lost its encoding: %s", EncodingOf(out.Block(1)))
	}
	if EncodingOf(out.Block(2)) != Constant {
		t.Errorf("constant block lost its encoding: %s", EncodingOf(out.Block(2)))
	}
}

// ── Ownership tests ─────────────────────────────────────────────────

func TestReleaseIsIdempotent(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	p := mustPage(t, []string{"id"}, makeInt64Arr(alloc, []int64{1}))
	p.Retain()
	p.Release()
	if p.Released() {
		t.Fatal("page released while a reference was still held")
	}
	p.Release()
	p.Release()
	if !p.Released() {
		t.Fatal("expected page to be released")
	}
}

func TestProjectAndAppendShareBlocks(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	p := mustPage(t, []string{"a", "b"},
		makeInt64Arr(alloc, []int64{1, 2}),
		makeStringArr(alloc, []string{"x", "y"}))
	defer p.Release()

	proj := p.Project(1)
	defer proj.Release()
	if proj.BlockCount() != 1 || proj.Schema().Field(0).Name != "b" {
		t.Fatalf("unexpected projection schema: %s", proj.Schema())
	}

	extra := makeInt64Arr(alloc, []int64{7, 8})
	defer extra.Release()
	wide, err := proj.AppendBlocks([]string{"c"}, []arrow.Array{extra})
	if err != nil {
		t.Fatal(err)
	}
	defer wide.Release()
	if wide.BlockCount() != 2 || String(wide.Block(1), 1) != "8" {
		t.Fatalf("unexpected appended page: %v", wide.Record())
	}

	short := makeInt64Arr(alloc, []int64{1})
	defer short.Release()
	if _, err := proj.AppendBlocks([]string{"short"}, []arrow.Array{short}); err == nil {
		t.Fatal("expected error appending a block of the wrong length")
	}
}

func TestEmptyPageWithMetadata(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	schema := arrow.NewSchema([]arrow.Field{{Name: "v", Type: arrow.BinaryTypes.String, Nullable: true}}, nil)
	p := Empty(alloc, schema)
	defer p.Release()
	p.SetMetadata(Metadata{BatchID: 7, Last: true})

	if p.PositionCount() != 0 {
		t.Fatalf("expected empty page, got %d positions", p.PositionCount())
	}
	m, ok := p.Metadata()
	if !ok || m.BatchID != 7 || !m.Last {
		t.Fatalf("unexpected metadata: %+v (present=%v)", m, ok)
	}
}
