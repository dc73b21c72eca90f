package connectors

import (
	"bytes"
	"context"
	"fmt"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/goccy/go-json"

	"github.com/sandboxws/isotope/compute/pkg/page"
)

// decodeRows builds a page from JSON objects, one per value. Fields missing
// from an object, or whose value does not fit the column type, are null.
// Values that are not JSON objects are skipped and counted in bad.
func decodeRows(mem memory.Allocator, schema *arrow.Schema, values [][]byte) (p *page.Page, bad int) {
	bldr := array.NewRecordBuilder(mem, schema)
	defer bldr.Release()

	for _, v := range values {
		row, err := decodeObject(v)
		if err != nil {
			bad++
			continue
		}
		for i := 0; i < schema.NumFields(); i++ {
			appendJSONValue(bldr.Field(i), row[schema.Field(i).Name])
		}
	}
	return page.New(bldr.NewRecord()), bad
}

func decodeObject(b []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var row map[string]any
	if err := dec.Decode(&row); err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("not an object")
	}
	return row, nil
}

func appendJSONValue(bldr array.Builder, val any) {
	if val == nil {
		bldr.AppendNull()
		return
	}
	switch b := bldr.(type) {
	case *array.Int8Builder:
		appendInt(b.AppendNull, val, func(n int64) { b.Append(int8(n)) })
	case *array.Int16Builder:
		appendInt(b.AppendNull, val, func(n int64) { b.Append(int16(n)) })
	case *array.Int32Builder:
		appendInt(b.AppendNull, val, func(n int64) { b.Append(int32(n)) })
	case *array.Int64Builder:
		appendInt(b.AppendNull, val, b.Append)
	case *array.TimestampBuilder:
		appendInt(b.AppendNull, val, func(n int64) { b.Append(arrow.Timestamp(n)) })
	case *array.Float32Builder:
		appendFloat(b.AppendNull, val, func(f float64) { b.Append(float32(f)) })
	case *array.Float64Builder:
		appendFloat(b.AppendNull, val, b.Append)
	case *array.StringBuilder:
		b.Append(jsonString(val))
	case *array.BooleanBuilder:
		if v, ok := val.(bool); ok {
			b.Append(v)
		} else {
			b.AppendNull()
		}
	case *array.ListBuilder:
		items, ok := val.([]any)
		if !ok {
			items = []any{val}
		}
		b.Append(true)
		vb := b.ValueBuilder()
		for _, item := range items {
			appendJSONValue(vb, item)
		}
	default:
		bldr.AppendNull()
	}
}

func appendInt(null func(), val any, add func(int64)) {
	num, ok := val.(json.Number)
	if !ok {
		null()
		return
	}
	if n, err := num.Int64(); err == nil {
		add(n)
		return
	}
	if f, err := num.Float64(); err == nil {
		add(int64(f))
		return
	}
	null()
}

func appendFloat(null func(), val any, add func(float64)) {
	num, ok := val.(json.Number)
	if !ok {
		null()
		return
	}
	f, err := num.Float64()
	if err != nil {
		null()
		return
	}
	add(f)
}

func jsonString(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}

// encodeRows renders every position of p as a JSON object. When keyBy names
// columns, keys holds a JSON object of those columns per row.
func encodeRows(ctx context.Context, mem memory.Allocator, p *page.Page, keyBy []string) (values, keys [][]byte, err error) {
	schema := p.Schema()
	blocks := make([]arrow.Array, p.BlockCount())
	for i := range blocks {
		flat, err := page.Flatten(ctx, mem, p.Block(i))
		if err != nil {
			releaseArrays(blocks[:i])
			return nil, nil, fmt.Errorf("flatten %q: %w", schema.Field(i).Name, err)
		}
		blocks[i] = flat
	}
	defer releaseArrays(blocks)

	keyCols := make([]int, 0, len(keyBy))
	for _, name := range keyBy {
		idx := schema.FieldIndices(name)
		if len(idx) == 0 {
			return nil, nil, fmt.Errorf("key column %q not found", name)
		}
		keyCols = append(keyCols, idx[0])
	}

	n := p.PositionCount()
	values = make([][]byte, n)
	if len(keyCols) > 0 {
		keys = make([][]byte, n)
	}
	for row := 0; row < n; row++ {
		rec := make(map[string]any, len(blocks))
		for col, blk := range blocks {
			rec[schema.Field(col).Name] = jsonValue(blk, row)
		}
		if values[row], err = json.Marshal(rec); err != nil {
			return nil, nil, fmt.Errorf("marshal row %d: %w", row, err)
		}
		if keys != nil {
			key := make(map[string]any, len(keyCols))
			for _, col := range keyCols {
				key[schema.Field(col).Name] = rec[schema.Field(col).Name]
			}
			if keys[row], err = json.Marshal(key); err != nil {
				return nil, nil, fmt.Errorf("marshal key %d: %w", row, err)
			}
		}
	}
	return values, keys, nil
}

func jsonValue(arr arrow.Array, row int) any {
	if arr.IsNull(row) {
		return nil
	}
	switch a := arr.(type) {
	case *array.Int8:
		return a.Value(row)
	case *array.Int16:
		return a.Value(row)
	case *array.Int32:
		return a.Value(row)
	case *array.Int64:
		return a.Value(row)
	case *array.Float32:
		return a.Value(row)
	case *array.Float64:
		return a.Value(row)
	case *array.Boolean:
		return a.Value(row)
	case *array.Timestamp:
		return int64(a.Value(row))
	case *array.List:
		return page.Strings(a, row)
	default:
		return page.String(arr, row)
	}
}

func releaseArrays(arrs []arrow.Array) {
	for _, a := range arrs {
		if a != nil {
			a.Release()
		}
	}
}
