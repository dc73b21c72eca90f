package connectors

import (
	"sync"
	"sync/atomic"

	"github.com/sandboxws/isotope/compute/pkg/operator"
	"github.com/sandboxws/isotope/compute/pkg/page"
)

// PageSource emits a fixed list of pages in order.
type PageSource struct {
	pages    []*page.Page
	finished bool
}

// NewPageSource takes ownership of pages.
func NewPageSource(pages ...*page.Page) *PageSource {
	return &PageSource{pages: pages}
}

func (s *PageSource) GetOutput() (*page.Page, error) {
	if s.finished || len(s.pages) == 0 {
		return nil, nil
	}
	p := s.pages[0]
	s.pages[0] = nil
	s.pages = s.pages[1:]
	return p, nil
}

func (s *PageSource) Finish() { s.finished = true }

func (s *PageSource) IsFinished() bool { return s.finished || len(s.pages) == 0 }

func (s *PageSource) IsBlocked() *operator.Future { return operator.NotBlocked }

func (s *PageSource) Close() error {
	for _, p := range s.pages {
		p.Release()
	}
	s.pages = nil
	return nil
}

// Collect is a sink that keeps every page it receives. It is goroutine-safe
// so tests can inspect it while a driver runs.
type Collect struct {
	mu       sync.Mutex
	pages    []*page.Page
	rows     int64
	finished bool
	closed   bool
}

// NewCollect creates a Collect sink.
func NewCollect() *Collect { return &Collect{} }

func (c *Collect) NeedsInput() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.finished
}

func (c *Collect) AddInput(p *page.Page) error {
	operator.MustNeedInput(c.NeedsInput(), "collect")
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pages = append(c.pages, p)
	c.rows += int64(p.PositionCount())
	return nil
}

// Take returns the collected pages and forgets them. The caller releases
// them.
func (c *Collect) Take() []*page.Page {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.pages
	c.pages = nil
	return out
}

// Rows returns the number of rows received.
func (c *Collect) Rows() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rows
}

func (c *Collect) Finish() {
	c.mu.Lock()
	c.finished = true
	c.mu.Unlock()
}

func (c *Collect) IsFinished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finished
}

func (c *Collect) IsBlocked() *operator.Future { return operator.NotBlocked }

// Close does not release collected pages; Take hands them to the caller.
func (c *Collect) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// Closed reports whether Close has been called.
func (c *Collect) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Discard is a sink that drops every page. Its counters may be read from
// any goroutine.
type Discard struct {
	rows     atomic.Int64
	pages    atomic.Int64
	finished bool
}

// NewDiscard creates a Discard sink.
func NewDiscard() *Discard { return &Discard{} }

func (d *Discard) NeedsInput() bool { return !d.finished }

func (d *Discard) AddInput(p *page.Page) error {
	operator.MustNeedInput(d.NeedsInput(), "discard")
	d.rows.Add(int64(p.PositionCount()))
	d.pages.Add(1)
	p.Release()
	return nil
}

// Rows returns the number of rows dropped.
func (d *Discard) Rows() int64 { return d.rows.Load() }

// Pages returns the number of pages dropped.
func (d *Discard) Pages() int64 { return d.pages.Load() }

func (d *Discard) Finish() { d.finished = true }

func (d *Discard) IsFinished() bool { return d.finished }

func (d *Discard) IsBlocked() *operator.Future { return operator.NotBlocked }

func (d *Discard) Close() error { return nil }
