// Package expr evaluates SQL scalar expressions against pages.
//
// Expressions are parsed once with TiDB's SQL parser and evaluated per page
// with Arrow compute kernels. Dictionary and constant blocks are flattened
// before they reach a kernel.
package expr

import (
	"fmt"
	"sort"

	"github.com/pingcap/tidb/pkg/parser"
	"github.com/pingcap/tidb/pkg/parser/ast"
)

// Expr is a parsed expression.
type Expr struct {
	sql  string
	node ast.ExprNode
}

// Compile parses a standalone SQL expression.
func Compile(sql string) (*Expr, error) {
	stmt, err := parser.New().ParseOneStmt("SELECT "+sql, "", "")
	if err != nil {
		return nil, fmt.Errorf("parse expression %q: %w", sql, err)
	}
	sel, ok := stmt.(*ast.SelectStmt)
	if !ok || sel.Fields == nil || len(sel.Fields.Fields) != 1 {
		return nil, fmt.Errorf("parse expression %q: expected a single expression", sql)
	}
	return &Expr{sql: sql, node: sel.Fields.Fields[0].Expr}, nil
}

// MustCompile is Compile that panics on error. For tests and constants.
func MustCompile(sql string) *Expr {
	e, err := Compile(sql)
	if err != nil {
		panic(err)
	}
	return e
}

// String returns the source text.
func (e *Expr) String() string { return e.sql }

// Columns returns the distinct column names the expression references, sorted.
func (e *Expr) Columns() []string {
	v := &columnCollector{seen: make(map[string]struct{})}
	e.node.Accept(v)
	sort.Strings(v.names)
	return v.names
}

type columnCollector struct {
	seen  map[string]struct{}
	names []string
}

func (c *columnCollector) Enter(n ast.Node) (ast.Node, bool) {
	if col, ok := n.(*ast.ColumnNameExpr); ok {
		name := col.Name.Name.O
		if _, dup := c.seen[name]; !dup {
			c.seen[name] = struct{}{}
			c.names = append(c.names, name)
		}
	}
	return n, false
}

func (c *columnCollector) Leave(n ast.Node) (ast.Node, bool) { return n, true }
