package operators

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/sandboxws/isotope/compute/pkg/expr"
	"github.com/sandboxws/isotope/compute/pkg/operator"
	"github.com/sandboxws/isotope/compute/pkg/page"
)

// Column is a named SQL expression.
type Column struct {
	Name string
	SQL  string
}

// Eval appends one computed block per column to every page.
type Eval struct {
	pageBuffer
	names []string
	exprs []*expr.Expr
	eval  *expr.Evaluator
	ctx   context.Context
}

// NewEval creates an Eval stage. Columns are appended in the given order.
func NewEval(columns []Column) (*Eval, error) {
	e := &Eval{pageBuffer: newPageBuffer("eval"), ctx: context.Background()}
	for _, c := range columns {
		x, err := expr.Compile(c.SQL)
		if err != nil {
			return nil, fmt.Errorf("eval column %q: %w", c.Name, err)
		}
		e.names = append(e.names, c.Name)
		e.exprs = append(e.exprs, x)
	}
	e.eval = expr.NewEvaluator(e.alloc)
	e.transform = e.apply
	return e, nil
}

func (e *Eval) Open(ctx *operator.Context) error {
	e.open(ctx)
	e.eval = expr.NewEvaluator(e.alloc)
	e.ctx = ctx.Ctx
	return nil
}

func (e *Eval) apply(p *page.Page) (*page.Page, error) {
	defer p.Release()
	blocks := make([]arrow.Array, 0, len(e.exprs))
	defer func() {
		for _, b := range blocks {
			b.Release()
		}
	}()
	for _, x := range e.exprs {
		b, err := e.eval.Eval(e.ctx, p, x)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	return p.AppendBlocks(e.names, blocks)
}
