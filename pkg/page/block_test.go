package page

import (
	"bytes"
	"context"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

func TestEncodingOf(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	flat := makeStringArr(alloc, []string{"a"})
	defer flat.Release()
	dict := makeDictArr(alloc, []string{"a"}, []int32{0, 0})
	defer dict.Release()
	constant := NewConstantString(alloc, "a", 3)
	defer constant.Release()

	tests := []struct {
		name string
		arr  arrow.Array
		want Encoding
	}{
		{"flat", flat, Flat},
		{"dictionary", dict, Dictionary},
		{"constant", constant, Constant},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EncodingOf(tt.arr); got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestKeyBytesIgnoresEncoding(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	flat := makeStringArr(alloc, []string{"x", "y"})
	defer flat.Release()
	dict := makeDictArr(alloc, []string{"y", "x"}, []int32{1, 0})
	defer dict.Release()
	constant := NewConstantString(alloc, "x", 2)
	defer constant.Release()

	a := KeyBytes(flat, 0, nil)
	b := KeyBytes(dict, 0, nil)
	c := KeyBytes(constant, 1, nil)
	if !bytes.Equal(a, b) || !bytes.Equal(a, c) {
		t.Fatalf("expected equal keys, got %q %q %q", a, b, c)
	}
	if bytes.Equal(KeyBytes(flat, 1, nil), a) {
		t.Fatal("distinct values produced equal keys")
	}
}

func TestValueCountAndStrings(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	lb := array.NewListBuilder(alloc, arrow.BinaryTypes.String)
	defer lb.Release()
	vb := lb.ValueBuilder().(*array.StringBuilder)
	lb.Append(true)
	vb.Append("a")
	vb.Append("b")
	lb.AppendNull()
	lb.Append(true)
	list := lb.NewArray()
	defer list.Release()

	if got := ValueCount(list, 0); got != 2 {
		t.Errorf("pos 0: got %d values, want 2", got)
	}
	if got := ValueCount(list, 1); got != 0 {
		t.Errorf("null pos: got %d values, want 0", got)
	}
	if got := ValueCount(list, 2); got != 0 {
		t.Errorf("empty list: got %d values, want 0", got)
	}
	if got := Strings(list, 0); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("unexpected strings: %v", got)
	}
	if !IsNull(list, 1) {
		t.Error("expected pos 1 to be null")
	}
}

func TestFlatten(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)
	ctx := context.Background()

	dict := makeDictArr(alloc, []string{"p", "q"}, []int32{1, 1, 0})
	defer dict.Release()
	constant := NewConstantString(alloc, "z", 2)
	defer constant.Release()

	for _, in := range []arrow.Array{dict, constant} {
		out, err := Flatten(ctx, alloc, in)
		if err != nil {
			t.Fatal(err)
		}
		if EncodingOf(out) != Flat {
			t.Errorf("expected flat output, got %s", EncodingOf(out))
		}
		if out.Len() != in.Len() {
			t.Errorf("expected %d positions, got %d", in.Len(), out.Len())
		}
		for i := 0; i < in.Len(); i++ {
			if String(out, i) != String(in, i) {
				t.Errorf("pos %d: got %q, want %q", i, String(out, i), String(in, i))
			}
		}
		out.Release()
	}
}

func TestTakeBlockRepeatsPositions(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	arr := makeInt64Arr(alloc, []int64{10, 20, 30})
	defer arr.Release()

	out, err := TakeBlock(context.Background(), alloc, arr, []int{2, 0, 2})
	if err != nil {
		t.Fatal(err)
	}
	defer out.Release()

	got := out.(*array.Int64).Int64Values()
	want := []int64{30, 10, 30}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("pos %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestNullBlock(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	blk := NewNullBlock(alloc, arrow.PrimitiveTypes.Int64, 3)
	defer blk.Release()
	for i := 0; i < 3; i++ {
		if !IsNull(blk, i) {
			t.Errorf("pos %d: expected null", i)
		}
	}
}

func TestUnitRunEndsRejectsOverflow(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	ends, err := unitRunEnds(alloc, arrow.PrimitiveTypes.Int16, 3)
	if err != nil {
		t.Fatal(err)
	}
	got := ends.(*array.Int16).Int16Values()
	ends.Release()
	if len(got) != 3 || got[2] != 3 {
		t.Fatalf("run ends = %v", got)
	}

	if _, err := unitRunEnds(alloc, arrow.PrimitiveTypes.Int16, 40000); err == nil {
		t.Fatal("expected overflow error for int16 run ends")
	}
	if _, err := unitRunEnds(alloc, arrow.PrimitiveTypes.Float64, 1); err == nil {
		t.Fatal("expected error for a non-integer run end type")
	}
}
