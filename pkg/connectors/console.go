package connectors

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sandboxws/isotope/compute/pkg/operator"
	"github.com/sandboxws/isotope/compute/pkg/page"
)

// Console prints pages as formatted tables.
type Console struct {
	maxRows  int
	writer   io.Writer
	count    int64
	finished bool
}

// NewConsole creates a Console sink that prints at most maxRows rows of each
// page. Zero prints every row.
func NewConsole(maxRows int) *Console {
	return &Console{maxRows: maxRows, writer: os.Stdout}
}

// SetWriter overrides the output writer (default: os.Stdout).
func (c *Console) SetWriter(w io.Writer) { c.writer = w }

// Rows returns the number of rows received.
func (c *Console) Rows() int64 { return c.count }

func (c *Console) NeedsInput() bool { return !c.finished }

func (c *Console) AddInput(p *page.Page) error {
	operator.MustNeedInput(c.NeedsInput(), "console")
	defer p.Release()

	total := p.PositionCount()
	rows := total
	if c.maxRows > 0 && rows > c.maxRows {
		rows = c.maxRows
	}

	schema := p.Schema()
	cells := make([][]string, rows)
	widths := make([]int, p.BlockCount())
	for col := range widths {
		widths[col] = len(schema.Field(col).Name)
	}
	for row := 0; row < rows; row++ {
		cells[row] = make([]string, p.BlockCount())
		for col := range widths {
			v := formatCell(p, col, row)
			cells[row][col] = v
			widths[col] = max(widths[col], len(v))
		}
	}

	header := make([]string, len(widths))
	for col := range widths {
		header[col] = schema.Field(col).Name
	}
	c.line(header, widths, " ")
	c.line(make([]string, len(widths)), widths, "-")
	for _, r := range cells {
		c.line(r, widths, " ")
	}
	if total > rows {
		fmt.Fprintf(c.writer, "... (%d more rows)\n", total-rows)
	}
	fmt.Fprintln(c.writer)

	c.count += int64(total)
	return nil
}

// line prints one table row, padding each value to its column width with
// fill.
func (c *Console) line(vals []string, widths []int, fill string) {
	var sb strings.Builder
	sb.WriteString("|" + fill)
	for i, v := range vals {
		if i > 0 {
			sb.WriteString(fill + "|" + fill)
		}
		sb.WriteString(v)
		sb.WriteString(strings.Repeat(fill, max(0, widths[i]-len(v))))
	}
	sb.WriteString(fill + "|")
	fmt.Fprintln(c.writer, sb.String())
}

func (c *Console) Finish() { c.finished = true }

func (c *Console) IsFinished() bool { return c.finished }

func (c *Console) IsBlocked() *operator.Future { return operator.NotBlocked }

func (c *Console) Close() error { return nil }

func formatCell(p *page.Page, col, row int) string {
	blk := p.Block(col)
	if page.IsNull(blk, row) {
		return "NULL"
	}
	vals := page.Strings(blk, row)
	if len(vals) == 1 {
		return vals[0]
	}
	return "[" + strings.Join(vals, ", ") + "]"
}
