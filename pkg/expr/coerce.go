package expr

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/compute"
)

// numericRank orders numeric types for promotion; non-numeric types are absent.
var numericRank = map[arrow.Type]int{
	arrow.INT8:    1,
	arrow.INT16:   2,
	arrow.INT32:   3,
	arrow.INT64:   4,
	arrow.UINT8:   1,
	arrow.UINT16:  2,
	arrow.UINT32:  3,
	arrow.UINT64:  4,
	arrow.FLOAT32: 5,
	arrow.FLOAT64: 6,
}

var rankType = map[int]arrow.DataType{
	1: arrow.PrimitiveTypes.Int64,
	2: arrow.PrimitiveTypes.Int64,
	3: arrow.PrimitiveTypes.Int64,
	4: arrow.PrimitiveTypes.Int64,
	5: arrow.PrimitiveTypes.Float64,
	6: arrow.PrimitiveTypes.Float64,
}

// coerce brings two operands to a common type: mixed numeric widths widen to
// int64 or float64, and an all-null operand takes the other side's type.
// Both results are new references the caller releases.
func coerce(ctx context.Context, left, right arrow.Array) (arrow.Array, arrow.Array, error) {
	lt, rt := left.DataType(), right.DataType()
	if arrow.TypeEqual(lt, rt) {
		left.Retain()
		right.Retain()
		return left, right, nil
	}

	var target arrow.DataType
	switch {
	case isNullLiteral(right):
		target = lt
	case isNullLiteral(left):
		target = rt
	default:
		lr, lok := numericRank[lt.ID()]
		rr, rok := numericRank[rt.ID()]
		if !lok || !rok {
			left.Retain()
			right.Retain()
			return left, right, nil
		}
		target = rankType[max(lr, rr)]
	}

	l, err := castTo(ctx, left, target)
	if err != nil {
		return nil, nil, fmt.Errorf("coerce left to %s: %w", target, err)
	}
	r, err := castTo(ctx, right, target)
	if err != nil {
		l.Release()
		return nil, nil, fmt.Errorf("coerce right to %s: %w", target, err)
	}
	return l, r, nil
}

// isNullLiteral reports an all-null int64 operand, which is how a NULL
// literal evaluates.
func isNullLiteral(arr arrow.Array) bool {
	return arr.Len() > 0 && arr.NullN() == arr.Len() && arr.DataType().ID() == arrow.INT64
}

func castTo(ctx context.Context, arr arrow.Array, dt arrow.DataType) (arrow.Array, error) {
	if arrow.TypeEqual(arr.DataType(), dt) {
		arr.Retain()
		return arr, nil
	}
	return compute.CastArray(ctx, arr, compute.SafeCastOptions(dt))
}
