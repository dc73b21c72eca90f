package connectors

import (
	"fmt"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/sandboxws/isotope/compute/pkg/operator"
	"github.com/sandboxws/isotope/compute/pkg/page"
)

// GeneratorConfig configures a Generator.
type GeneratorConfig struct {
	Schema *arrow.Schema
	// RowsPerSecond caps the output rate. Zero means unthrottled.
	RowsPerSecond int64
	// MaxRows stops the generator after that many rows. Zero means unbounded.
	MaxRows int64
	// BatchSize is the number of rows per page. Defaults to 1024.
	BatchSize int
	// Cardinality makes values repeat every Cardinality rows. Zero means
	// every row is distinct.
	Cardinality int64
}

// Generator is a source of synthetic pages. Values are derived from a row
// sequence number so output is deterministic.
type Generator struct {
	cfg   GeneratorConfig
	alloc memory.Allocator
	now   func() time.Time

	seq      int64
	next     time.Time
	finished bool

	mu    sync.Mutex
	wait  *operator.Future
	timer *time.Timer
}

// NewGenerator creates a Generator source.
func NewGenerator(cfg GeneratorConfig) (*Generator, error) {
	if cfg.Schema == nil || cfg.Schema.NumFields() == 0 {
		return nil, fmt.Errorf("generator: schema is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.RowsPerSecond > 0 && int64(cfg.BatchSize) > cfg.RowsPerSecond {
		cfg.BatchSize = int(cfg.RowsPerSecond)
	}
	return &Generator{cfg: cfg, alloc: memory.DefaultAllocator, now: time.Now}, nil
}

func (g *Generator) Open(ctx *operator.Context) error {
	if ctx.Alloc != nil {
		g.alloc = ctx.Alloc
	}
	return nil
}

// Emitted returns the number of rows produced so far.
func (g *Generator) Emitted() int64 { return g.seq }

func (g *Generator) GetOutput() (*page.Page, error) {
	if g.IsFinished() || g.throttled() {
		return nil, nil
	}
	n := int64(g.cfg.BatchSize)
	if g.cfg.MaxRows > 0 && g.cfg.MaxRows-g.seq < n {
		n = g.cfg.MaxRows - g.seq
	}
	p := g.generate(g.seq, int(n))
	g.seq += n
	if g.cfg.RowsPerSecond > 0 {
		if g.next.IsZero() {
			g.next = g.now()
		}
		g.next = g.next.Add(time.Duration(float64(time.Second) * float64(n) / float64(g.cfg.RowsPerSecond)))
	}
	return p, nil
}

func (g *Generator) throttled() bool {
	return g.cfg.RowsPerSecond > 0 && !g.next.IsZero() && g.now().Before(g.next)
}

func (g *Generator) Finish() { g.finished = true }

func (g *Generator) IsFinished() bool {
	return g.finished || (g.cfg.MaxRows > 0 && g.seq >= g.cfg.MaxRows)
}

// IsBlocked returns a timer future while the rate limit holds back the next
// page.
func (g *Generator) IsBlocked() *operator.Future {
	if g.IsFinished() || !g.throttled() {
		return operator.NotBlocked
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.wait != nil && !g.wait.IsDone() {
		return g.wait
	}
	f := operator.NewFuture()
	g.wait = f
	g.timer = time.AfterFunc(g.next.Sub(g.now()), f.Complete)
	return f
}

func (g *Generator) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	if g.wait != nil {
		g.wait.Complete()
	}
	return nil
}

func (g *Generator) value(seq int64) int64 {
	if g.cfg.Cardinality > 0 {
		return seq % g.cfg.Cardinality
	}
	return seq
}

func (g *Generator) generate(start int64, rows int) *page.Page {
	schema := g.cfg.Schema
	bldr := array.NewRecordBuilder(g.alloc, schema)
	defer bldr.Release()

	base := g.now().UnixMilli()
	for row := 0; row < rows; row++ {
		seq := start + int64(row)
		v := g.value(seq)
		for i := 0; i < schema.NumFields(); i++ {
			f := schema.Field(i)
			switch b := bldr.Field(i).(type) {
			case *array.Int8Builder:
				b.Append(int8(v))
			case *array.Int16Builder:
				b.Append(int16(v))
			case *array.Int32Builder:
				b.Append(int32(v))
			case *array.Int64Builder:
				b.Append(v)
			case *array.Float32Builder:
				b.Append(float32(v) * 1.1)
			case *array.Float64Builder:
				b.Append(float64(v) * 1.1)
			case *array.StringBuilder:
				b.Append(fmt.Sprintf("%s_%d", f.Name, v))
			case *array.BooleanBuilder:
				b.Append(v%2 == 0)
			case *array.TimestampBuilder:
				b.Append(arrow.Timestamp(base + seq))
			case *array.ListBuilder:
				b.Append(true)
				vb := b.ValueBuilder().(*array.StringBuilder)
				for k := int64(0); k <= v%3; k++ {
					vb.Append(fmt.Sprintf("%s_%d", f.Name, k))
				}
			default:
				b.AppendNull()
			}
		}
	}
	return page.New(bldr.NewRecord())
}
