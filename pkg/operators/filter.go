package operators

import (
	"context"

	"github.com/sandboxws/isotope/compute/pkg/expr"
	"github.com/sandboxws/isotope/compute/pkg/operator"
	"github.com/sandboxws/isotope/compute/pkg/page"
)

// Filter evaluates a SQL condition against each page and keeps only the
// matching positions.
type Filter struct {
	pageBuffer
	cond *expr.Expr
	eval *expr.Evaluator
	ctx  context.Context
}

// NewFilter creates a Filter with the given SQL condition.
func NewFilter(conditionSQL string) (*Filter, error) {
	cond, err := expr.Compile(conditionSQL)
	if err != nil {
		return nil, err
	}
	f := &Filter{pageBuffer: newPageBuffer("filter"), cond: cond, ctx: context.Background()}
	f.eval = expr.NewEvaluator(f.alloc)
	f.transform = f.apply
	return f, nil
}

func (f *Filter) Open(ctx *operator.Context) error {
	f.open(ctx)
	f.eval = expr.NewEvaluator(f.alloc)
	f.ctx = ctx.Ctx
	return nil
}

func (f *Filter) apply(p *page.Page) (*page.Page, error) {
	mask, err := f.eval.EvalBool(f.ctx, p, f.cond)
	if err != nil {
		p.Release()
		return nil, err
	}
	positions := expr.Selected(mask)
	mask.Release()
	return p.Filter(f.alloc, positions)
}
