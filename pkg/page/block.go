package page

import (
	"context"
	"fmt"
	"math"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/compute"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/arrow/scalar"
)

// Encoding classifies how a block stores its values.
type Encoding int

const (
	// Flat stores one value per position.
	Flat Encoding = iota
	// Constant stores a single value repeated for every position
	// (a run-end encoded array with one run).
	Constant
	// Dictionary stores a small set of values and one ordinal per position.
	Dictionary
)

func (e Encoding) String() string {
	switch e {
	case Constant:
		return "constant"
	case Dictionary:
		return "dictionary"
	default:
		return "flat"
	}
}

// EncodingOf reports the encoding of arr.
func EncodingOf(arr arrow.Array) Encoding {
	switch a := arr.(type) {
	case *array.RunEndEncoded:
		if a.Values().Len() == 1 {
			return Constant
		}
		return Flat
	case *array.Dictionary:
		return Dictionary
	default:
		return Flat
	}
}

// resolve maps a logical position to the array and index that hold its value,
// looking through run-end and dictionary encodings.
func resolve(arr arrow.Array, pos int) (arrow.Array, int, bool) {
	switch a := arr.(type) {
	case *array.RunEndEncoded:
		return resolve(a.Values(), a.GetPhysicalIndex(pos))
	case *array.Dictionary:
		if a.IsNull(pos) {
			return a.Dictionary(), 0, false
		}
		return resolve(a.Dictionary(), a.GetValueIndex(pos))
	default:
		return arr, pos, arr.IsValid(pos)
	}
}

// IsNull reports whether position pos of arr holds no value.
func IsNull(arr arrow.Array, pos int) bool {
	_, _, ok := resolve(arr, pos)
	return !ok
}

// ValueCount returns how many values position pos holds: 0 for null, the list
// length for multi-valued blocks, 1 otherwise.
func ValueCount(arr arrow.Array, pos int) int {
	base, idx, ok := resolve(arr, pos)
	if !ok {
		return 0
	}
	if l, isList := base.(*array.List); isList {
		start, end := l.ValueOffsets(idx)
		return int(end - start)
	}
	return 1
}

// Strings returns the values at pos as strings. Multi-valued positions
// return every element; null positions return nil.
func Strings(arr arrow.Array, pos int) []string {
	base, idx, ok := resolve(arr, pos)
	if !ok {
		return nil
	}
	if l, isList := base.(*array.List); isList {
		start, end := l.ValueOffsets(idx)
		values := l.ListValues()
		out := make([]string, 0, end-start)
		for i := int(start); i < int(end); i++ {
			if values.IsNull(i) {
				continue
			}
			out = append(out, valueString(values, i))
		}
		return out
	}
	return []string{valueString(base, idx)}
}

// String returns the single value at pos rendered as a string, or "" if null.
func String(arr arrow.Array, pos int) string {
	base, idx, ok := resolve(arr, pos)
	if !ok {
		return ""
	}
	return valueString(base, idx)
}

func valueString(arr arrow.Array, i int) string {
	switch a := arr.(type) {
	case *array.String:
		return a.Value(i)
	case *array.LargeString:
		return a.Value(i)
	case *array.Binary:
		return string(a.Value(i))
	default:
		return arr.ValueStr(i)
	}
}

// KeyBytes appends the byte identity of the value at pos to scratch and
// returns the result. Two positions hold equal values iff their key bytes are
// equal, regardless of encoding. The caller must check IsNull first.
func KeyBytes(arr arrow.Array, pos int, scratch []byte) []byte {
	base, idx, _ := resolve(arr, pos)
	return appendKey(base, idx, scratch)
}

func appendKey(arr arrow.Array, i int, dst []byte) []byte {
	switch a := arr.(type) {
	case *array.String:
		return append(dst, a.Value(i)...)
	case *array.LargeString:
		return append(dst, a.Value(i)...)
	case *array.Binary:
		return append(dst, a.Value(i)...)
	case *array.Boolean:
		if a.Value(i) {
			return append(dst, 1)
		}
		return append(dst, 0)
	}
	if fw, ok := arr.DataType().(arrow.FixedWidthDataType); ok && fw.BitWidth()%8 == 0 && len(arr.Data().Buffers()) > 1 {
		width := fw.BitWidth() / 8
		buf := arr.Data().Buffers()[1].Bytes()
		off := (arr.Data().Offset() + i) * width
		return append(dst, buf[off:off+width]...)
	}
	return append(dst, arr.ValueStr(i)...)
}

// NewConstant returns a block that repeats sc for n positions.
func NewConstant(mem memory.Allocator, sc scalar.Scalar, n int) (arrow.Array, error) {
	values, err := scalar.MakeArrayFromScalar(sc, 1, mem)
	if err != nil {
		return nil, fmt.Errorf("page: constant block: %w", err)
	}
	defer values.Release()
	return newSingleRun(mem, values, n), nil
}

// NewConstantString is NewConstant for a utf8 value.
func NewConstantString(mem memory.Allocator, v string, n int) arrow.Array {
	bldr := array.NewStringBuilder(mem)
	defer bldr.Release()
	bldr.Append(v)
	values := bldr.NewArray()
	defer values.Release()
	return newSingleRun(mem, values, n)
}

func newSingleRun(mem memory.Allocator, values arrow.Array, n int) arrow.Array {
	ends := array.NewInt32Builder(mem)
	defer ends.Release()
	if n > 0 {
		ends.Append(int32(n))
	}
	runEnds := ends.NewArray()
	defer runEnds.Release()
	if n == 0 {
		empty := array.NewSlice(values, 0, 0)
		defer empty.Release()
		return array.NewRunEndEncodedArray(runEnds, empty, 0, 0)
	}
	return array.NewRunEndEncodedArray(runEnds, values, n, 0)
}

// NewNullBlock returns n null positions of type dt.
func NewNullBlock(mem memory.Allocator, dt arrow.DataType, n int) arrow.Array {
	return array.MakeArrayOfNull(mem, dt, n)
}

// Flatten materializes dictionary and run-end encoded blocks into plain
// arrays for kernels that cannot consume them. Flat blocks are retained and
// returned as is. The caller releases the result.
func Flatten(ctx context.Context, mem memory.Allocator, arr arrow.Array) (arrow.Array, error) {
	ctx = compute.WithAllocator(ctx, mem)
	switch a := arr.(type) {
	case *array.Dictionary:
		return compute.TakeArray(ctx, a.Dictionary(), a.Indices())
	case *array.RunEndEncoded:
		phys := physicalIndices(mem, a, sequence(a.Len()))
		defer phys.Release()
		flat, err := compute.TakeArray(ctx, a.Values(), phys)
		if err != nil {
			return nil, err
		}
		defer flat.Release()
		return Flatten(ctx, mem, flat)
	default:
		arr.Retain()
		return arr, nil
	}
}

// TakeBlock returns a block holding the values of arr at positions, keeping
// arr's data type. Positions may repeat and need not be sorted.
func TakeBlock(ctx context.Context, mem memory.Allocator, arr arrow.Array, positions []int) (arrow.Array, error) {
	ctx = compute.WithAllocator(ctx, mem)
	switch a := arr.(type) {
	case *array.RunEndEncoded:
		if EncodingOf(a) == Constant {
			return newSingleRun(mem, a.Values(), len(positions)), nil
		}
		phys := physicalIndices(mem, a, positions)
		defer phys.Release()
		values, err := compute.TakeArray(ctx, a.Values(), phys)
		if err != nil {
			return nil, err
		}
		defer values.Release()
		runEnds, err := unitRunEnds(mem, a.DataType().(*arrow.RunEndEncodedType).RunEnds(), len(positions))
		if err != nil {
			return nil, err
		}
		defer runEnds.Release()
		return array.NewRunEndEncodedArray(runEnds, values, len(positions), 0), nil
	case *array.Dictionary:
		idx := indexArray(mem, positions)
		defer idx.Release()
		indices, err := compute.TakeArray(ctx, a.Indices(), idx)
		if err != nil {
			return nil, err
		}
		defer indices.Release()
		return array.NewDictionaryArray(a.DataType(), indices, a.Dictionary()), nil
	default:
		idx := indexArray(mem, positions)
		defer idx.Release()
		return compute.TakeArray(ctx, arr, idx)
	}
}

func physicalIndices(mem memory.Allocator, a *array.RunEndEncoded, positions []int) arrow.Array {
	bldr := array.NewInt32Builder(mem)
	defer bldr.Release()
	bldr.Reserve(len(positions))
	for _, pos := range positions {
		bldr.UnsafeAppend(int32(a.GetPhysicalIndex(pos)))
	}
	return bldr.NewArray()
}

// unitRunEnds builds run ends 1..n so every position is its own run.
func unitRunEnds(mem memory.Allocator, dt arrow.DataType, n int) (arrow.Array, error) {
	var limit int64
	switch dt.ID() {
	case arrow.INT16:
		limit = math.MaxInt16
	case arrow.INT32:
		limit = math.MaxInt32
	case arrow.INT64:
		limit = math.MaxInt64
	default:
		return nil, fmt.Errorf("page: unsupported run end type %s", dt)
	}
	if int64(n) > limit {
		return nil, fmt.Errorf("page: %d positions overflow run end type %s", n, dt)
	}
	bldr := array.NewBuilder(mem, dt)
	defer bldr.Release()
	for i := 1; i <= n; i++ {
		switch b := bldr.(type) {
		case *array.Int16Builder:
			b.Append(int16(i))
		case *array.Int32Builder:
			b.Append(int32(i))
		case *array.Int64Builder:
			b.Append(int64(i))
		default:
			return nil, fmt.Errorf("page: unsupported run end type %s", dt)
		}
	}
	return bldr.NewArray(), nil
}

func indexArray(mem memory.Allocator, positions []int) arrow.Array {
	bldr := array.NewInt32Builder(mem)
	defer bldr.Release()
	bldr.Reserve(len(positions))
	for _, pos := range positions {
		bldr.UnsafeAppend(int32(pos))
	}
	return bldr.NewArray()
}

func sequence(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
