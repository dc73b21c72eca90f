package expr

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/compute"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/arrow/scalar"

	"github.com/pingcap/tidb/pkg/parser/ast"
	"github.com/pingcap/tidb/pkg/parser/opcode"
	"github.com/pingcap/tidb/pkg/parser/test_driver"

	"github.com/sandboxws/isotope/compute/pkg/page"
)

var binaryKernels = map[opcode.Op]string{
	opcode.EQ:       "equal",
	opcode.NE:       "not_equal",
	opcode.GT:       "greater",
	opcode.LT:       "less",
	opcode.GE:       "greater_equal",
	opcode.LE:       "less_equal",
	opcode.Plus:     "add",
	opcode.Minus:    "subtract",
	opcode.Mul:      "multiply",
	opcode.Div:      "divide",
	opcode.LogicAnd: "and",
	opcode.LogicOr:  "or",
}

// Evaluator evaluates compiled expressions against pages.
type Evaluator struct {
	alloc memory.Allocator
}

// NewEvaluator creates an evaluator allocating results from alloc.
func NewEvaluator(alloc memory.Allocator) *Evaluator {
	return &Evaluator{alloc: alloc}
}

// Eval evaluates e against p. The result is a flat array with one value per
// position of p; the caller releases it.
func (ev *Evaluator) Eval(ctx context.Context, p *page.Page, e *Expr) (arrow.Array, error) {
	ctx = compute.WithAllocator(ctx, ev.alloc)
	out, err := ev.eval(ctx, p, e.node)
	if err != nil {
		return nil, fmt.Errorf("eval %q: %w", e.sql, err)
	}
	return out, nil
}

// EvalBool evaluates e and requires a boolean result.
func (ev *Evaluator) EvalBool(ctx context.Context, p *page.Page, e *Expr) (*array.Boolean, error) {
	out, err := ev.Eval(ctx, p, e)
	if err != nil {
		return nil, err
	}
	mask, ok := out.(*array.Boolean)
	if !ok {
		out.Release()
		return nil, fmt.Errorf("expression %q did not produce boolean result, got %s", e.sql, out.DataType())
	}
	return mask, nil
}

// Selected returns the positions where mask is true. Null counts as false.
func Selected(mask *array.Boolean) []int {
	positions := make([]int, 0, mask.Len())
	for i := 0; i < mask.Len(); i++ {
		if mask.IsValid(i) && mask.Value(i) {
			positions = append(positions, i)
		}
	}
	return positions
}

func (ev *Evaluator) eval(ctx context.Context, p *page.Page, node ast.ExprNode) (arrow.Array, error) {
	switch e := node.(type) {
	case *ast.ColumnNameExpr:
		return ev.column(ctx, p, e.Name.Name.O)
	case *test_driver.ValueExpr:
		return ev.literal(e, p.PositionCount())
	case *ast.ParenthesesExpr:
		return ev.eval(ctx, p, e.Expr)
	case *ast.BinaryOperationExpr:
		return ev.binary(ctx, p, e)
	case *ast.UnaryOperationExpr:
		return ev.unary(ctx, p, e)
	case *ast.IsNullExpr:
		return ev.isNull(ctx, p, e)
	case *ast.PatternInExpr:
		return ev.in(ctx, p, e)
	case *ast.FuncCallExpr:
		return ev.call(ctx, p, e)
	case *ast.CaseExpr:
		return ev.caseWhen(ctx, p, e)
	default:
		return nil, fmt.Errorf("unsupported expression type: %T", node)
	}
}

func (ev *Evaluator) column(ctx context.Context, p *page.Page, name string) (arrow.Array, error) {
	idx := p.Schema().FieldIndices(name)
	if len(idx) == 0 {
		return nil, fmt.Errorf("column %q not found", name)
	}
	return page.Flatten(ctx, ev.alloc, p.Block(idx[0]))
}

func (ev *Evaluator) literal(v *test_driver.ValueExpr, n int) (arrow.Array, error) {
	d := v.Datum
	var sc scalar.Scalar
	switch d.Kind() {
	case test_driver.KindInt64:
		sc = scalar.NewInt64Scalar(d.GetInt64())
	case test_driver.KindUint64:
		sc = scalar.NewInt64Scalar(int64(d.GetUint64()))
	case test_driver.KindFloat64:
		sc = scalar.NewFloat64Scalar(d.GetFloat64())
	case test_driver.KindFloat32:
		sc = scalar.NewFloat64Scalar(float64(d.GetFloat32()))
	case test_driver.KindString:
		sc = scalar.NewStringScalar(d.GetString())
	case test_driver.KindMysqlDecimal:
		f, err := strconv.ParseFloat(d.GetMysqlDecimal().String(), 64)
		if err != nil {
			return nil, fmt.Errorf("decimal literal: %w", err)
		}
		sc = scalar.NewFloat64Scalar(f)
	case test_driver.KindNull:
		return array.MakeArrayOfNull(ev.alloc, arrow.PrimitiveTypes.Int64, n), nil
	default:
		return nil, fmt.Errorf("unsupported literal kind: %v", d.Kind())
	}
	return scalar.MakeArrayFromScalar(sc, n, ev.alloc)
}

func (ev *Evaluator) binary(ctx context.Context, p *page.Page, e *ast.BinaryOperationExpr) (arrow.Array, error) {
	kernel, ok := binaryKernels[e.Op]
	if !ok {
		return nil, fmt.Errorf("unsupported binary operator: %v", e.Op)
	}
	left, err := ev.eval(ctx, p, e.L)
	if err != nil {
		return nil, err
	}
	defer left.Release()
	right, err := ev.eval(ctx, p, e.R)
	if err != nil {
		return nil, err
	}
	defer right.Release()
	return ev.kernel(ctx, kernel, left, right)
}

func (ev *Evaluator) kernel(ctx context.Context, name string, left, right arrow.Array) (arrow.Array, error) {
	l, r, err := coerce(ctx, left, right)
	if err != nil {
		return nil, err
	}
	defer l.Release()
	defer r.Release()

	out, err := compute.CallFunction(ctx, name, nil, compute.NewDatumWithoutOwning(l), compute.NewDatumWithoutOwning(r))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return datumArray(out)
}

func (ev *Evaluator) unary(ctx context.Context, p *page.Page, e *ast.UnaryOperationExpr) (arrow.Array, error) {
	inner, err := ev.eval(ctx, p, e.V)
	if err != nil {
		return nil, err
	}
	defer inner.Release()

	switch e.Op {
	case opcode.Not, opcode.Not2:
		b, ok := inner.(*array.Boolean)
		if !ok {
			return nil, fmt.Errorf("NOT requires boolean input, got %s", inner.DataType())
		}
		return ev.invert(b), nil
	case opcode.Minus:
		out, err := compute.Negate(ctx, compute.ArithmeticOptions{}, compute.NewDatumWithoutOwning(inner))
		if err != nil {
			return nil, fmt.Errorf("negate: %w", err)
		}
		return datumArray(out)
	default:
		return nil, fmt.Errorf("unsupported unary operator: %v", e.Op)
	}
}

func (ev *Evaluator) isNull(ctx context.Context, p *page.Page, e *ast.IsNullExpr) (arrow.Array, error) {
	inner, err := ev.eval(ctx, p, e.Expr)
	if err != nil {
		return nil, err
	}
	defer inner.Release()

	bldr := array.NewBooleanBuilder(ev.alloc)
	defer bldr.Release()
	bldr.Reserve(inner.Len())
	for i := 0; i < inner.Len(); i++ {
		bldr.UnsafeAppend(inner.IsNull(i) != e.Not)
	}
	return bldr.NewArray(), nil
}

// in folds `x IN (a, b, ...)` into a chain of equality kernels.
func (ev *Evaluator) in(ctx context.Context, p *page.Page, e *ast.PatternInExpr) (arrow.Array, error) {
	if e.Sel != nil {
		return nil, fmt.Errorf("IN subqueries are not supported")
	}
	target, err := ev.eval(ctx, p, e.Expr)
	if err != nil {
		return nil, err
	}
	defer target.Release()

	var acc arrow.Array
	for _, item := range e.List {
		v, err := ev.eval(ctx, p, item)
		if err != nil {
			releaseAll(acc)
			return nil, err
		}
		eq, err := ev.kernel(ctx, "equal", target, v)
		v.Release()
		if err != nil {
			releaseAll(acc)
			return nil, err
		}
		if acc == nil {
			acc = eq
			continue
		}
		merged, err := ev.kernel(ctx, "or", acc, eq)
		acc.Release()
		eq.Release()
		if err != nil {
			return nil, err
		}
		acc = merged
	}
	if acc == nil {
		return nil, fmt.Errorf("IN requires at least one value")
	}
	if !e.Not {
		return acc, nil
	}
	defer acc.Release()
	return ev.invert(acc.(*array.Boolean)), nil
}

func (ev *Evaluator) invert(b *array.Boolean) arrow.Array {
	bldr := array.NewBooleanBuilder(ev.alloc)
	defer bldr.Release()
	bldr.Reserve(b.Len())
	for i := 0; i < b.Len(); i++ {
		if b.IsNull(i) {
			bldr.AppendNull()
			continue
		}
		bldr.UnsafeAppend(!b.Value(i))
	}
	return bldr.NewArray()
}

func (ev *Evaluator) call(ctx context.Context, p *page.Page, e *ast.FuncCallExpr) (arrow.Array, error) {
	args := make([]arrow.Array, 0, len(e.Args))
	defer func() { releaseAll(args...) }()
	for _, a := range e.Args {
		v, err := ev.eval(ctx, p, a)
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}

	n := p.PositionCount()
	switch e.FnName.L {
	case "upper":
		return ev.mapStrings(e.FnName.O, args, n, strings.ToUpper)
	case "lower":
		return ev.mapStrings(e.FnName.O, args, n, strings.ToLower)
	case "concat":
		if len(args) < 2 {
			return nil, fmt.Errorf("CONCAT requires at least 2 arguments")
		}
		bldr := array.NewStringBuilder(ev.alloc)
		defer bldr.Release()
		for row := 0; row < n; row++ {
			var sb strings.Builder
			null := false
			for _, a := range args {
				if a.IsNull(row) {
					null = true
					break
				}
				sb.WriteString(page.String(a, row))
			}
			if null {
				bldr.AppendNull()
			} else {
				bldr.Append(sb.String())
			}
		}
		return bldr.NewArray(), nil
	case "coalesce":
		if len(args) == 0 {
			return nil, fmt.Errorf("COALESCE requires at least 1 argument")
		}
		return ev.choose(args[0].DataType(), n, func(row int) arrow.Array {
			for _, a := range args {
				if a.IsValid(row) {
					return a
				}
			}
			return nil
		})
	default:
		return nil, fmt.Errorf("unsupported function: %s", e.FnName.L)
	}
}

func (ev *Evaluator) mapStrings(name string, args []arrow.Array, n int, fn func(string) string) (arrow.Array, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("%s requires 1 argument, got %d", name, len(args))
	}
	bldr := array.NewStringBuilder(ev.alloc)
	defer bldr.Release()
	for row := 0; row < n; row++ {
		if args[0].IsNull(row) {
			bldr.AppendNull()
			continue
		}
		bldr.Append(fn(page.String(args[0], row)))
	}
	return bldr.NewArray(), nil
}

func (ev *Evaluator) caseWhen(ctx context.Context, p *page.Page, e *ast.CaseExpr) (arrow.Array, error) {
	if e.Value != nil {
		return nil, fmt.Errorf("CASE <value> WHEN is not supported; use CASE WHEN <condition>")
	}
	var held []arrow.Array
	defer func() { releaseAll(held...) }()

	conds := make([]*array.Boolean, len(e.WhenClauses))
	vals := make([]arrow.Array, len(e.WhenClauses))
	for i, w := range e.WhenClauses {
		c, err := ev.eval(ctx, p, w.Expr)
		if err != nil {
			return nil, fmt.Errorf("CASE WHEN[%d] condition: %w", i, err)
		}
		held = append(held, c)
		b, ok := c.(*array.Boolean)
		if !ok {
			return nil, fmt.Errorf("CASE WHEN[%d] condition is %s, not boolean", i, c.DataType())
		}
		v, err := ev.eval(ctx, p, w.Result)
		if err != nil {
			return nil, fmt.Errorf("CASE WHEN[%d] value: %w", i, err)
		}
		held = append(held, v)
		conds[i], vals[i] = b, v
	}
	var elseArr arrow.Array
	if e.ElseClause != nil {
		v, err := ev.eval(ctx, p, e.ElseClause)
		if err != nil {
			return nil, fmt.Errorf("CASE ELSE: %w", err)
		}
		held = append(held, v)
		elseArr = v
	}

	return ev.choose(vals[0].DataType(), p.PositionCount(), func(row int) arrow.Array {
		for i, c := range conds {
			if c.IsValid(row) && c.Value(row) {
				return vals[i]
			}
		}
		return elseArr
	})
}

// choose builds an array of type dt taking, for each row, the value at that
// row of whichever array pick returns (null if pick returns nil).
func (ev *Evaluator) choose(dt arrow.DataType, n int, pick func(row int) arrow.Array) (arrow.Array, error) {
	bldr := array.NewBuilder(ev.alloc, dt)
	defer bldr.Release()
	for row := 0; row < n; row++ {
		src := pick(row)
		if src == nil || src.IsNull(row) {
			bldr.AppendNull()
			continue
		}
		if !arrow.TypeEqual(src.DataType(), dt) {
			return nil, fmt.Errorf("mixed result types %s and %s", dt, src.DataType())
		}
		if err := bldr.AppendValueFromString(src.ValueStr(row)); err != nil {
			return nil, err
		}
	}
	return bldr.NewArray(), nil
}

func datumArray(d compute.Datum) (arrow.Array, error) {
	defer d.Release()
	ad, ok := d.(*compute.ArrayDatum)
	if !ok {
		return nil, fmt.Errorf("unexpected datum type: %T", d)
	}
	return ad.MakeArray(), nil
}

func releaseAll(arrs ...arrow.Array) {
	for _, a := range arrs {
		if a != nil {
			a.Release()
		}
	}
}
