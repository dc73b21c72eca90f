package operators

import (
	"github.com/sandboxws/isotope/compute/pkg/operator"
	"github.com/sandboxws/isotope/compute/pkg/page"
)

// Limit passes at most n positions, then finishes without waiting for
// upstream.
type Limit struct {
	pageBuffer
	remaining int
}

// NewLimit creates a Limit stage.
func NewLimit(n int) *Limit {
	l := &Limit{pageBuffer: newPageBuffer("limit"), remaining: n}
	l.done = n <= 0
	l.transform = l.apply
	return l
}

func (l *Limit) Open(ctx *operator.Context) error {
	l.open(ctx)
	return nil
}

func (l *Limit) apply(p *page.Page) (*page.Page, error) {
	n := p.PositionCount()
	if n >= l.remaining {
		keep := make([]int, l.remaining)
		for i := range keep {
			keep[i] = i
		}
		l.remaining = 0
		l.done = true
		return p.Filter(l.alloc, keep)
	}
	l.remaining -= n
	return p, nil
}
