package metricsinfo

import (
	"bytes"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/goccy/go-json"

	"github.com/sandboxws/isotope/compute/pkg/breaker"
	"github.com/sandboxws/isotope/compute/pkg/operator"
	"github.com/sandboxws/isotope/compute/pkg/page"
)

// DefaultMaxPageRows bounds the size of drained pages.
const DefaultMaxPageRows = 1024

// Mode selects which phase an Operator runs.
type Mode int

const (
	// Local walks raw documents.
	Local Mode = iota
	// Coordinator folds six-column rows from many nodes.
	Coordinator
)

func (m Mode) String() string {
	if m == Coordinator {
		return "coordinator"
	}
	return "local"
}

// Operator accumulates until Finish, then emits the merged listing.
type Operator struct {
	mode        Mode
	classifier  FieldClassifier
	maxPageRows int

	alloc   memory.Allocator
	logger  *slog.Logger
	tracker *breaker.Tracker
	acc     *accumulator

	out       []*page.Page
	finishing bool
	closed    bool
}

// NewLocal creates a local-phase operator. Input pages must carry _index and
// _source blocks.
func NewLocal(classifier FieldClassifier, maxPageRows int) *Operator {
	return newOperator(Local, classifier, maxPageRows)
}

// NewCoordinator creates a coordinator-phase operator consuming Schema pages.
func NewCoordinator(maxPageRows int) *Operator {
	return newOperator(Coordinator, nil, maxPageRows)
}

func newOperator(mode Mode, classifier FieldClassifier, maxPageRows int) *Operator {
	if maxPageRows <= 0 {
		maxPageRows = DefaultMaxPageRows
	}
	tracker := breaker.NewTracker(nil, "metrics-info")
	return &Operator{
		mode:        mode,
		classifier:  classifier,
		maxPageRows: maxPageRows,
		alloc:       memory.DefaultAllocator,
		logger:      slog.Default().With("operator", "metrics-info", "mode", mode.String()),
		tracker:     tracker,
		acc:         newAccumulator(tracker),
	}
}

func (o *Operator) Open(ctx *operator.Context) error {
	if ctx.Alloc != nil {
		o.alloc = ctx.Alloc
	}
	if ctx.Logger != nil {
		o.logger = ctx.Logger.With("mode", o.mode.String())
	}
	o.tracker = ctx.Tracker()
	o.acc.tracker = o.tracker
	return nil
}

func (o *Operator) NeedsInput() bool { return !o.finishing }

func (o *Operator) AddInput(p *page.Page) error {
	operator.MustNeedInput(o.NeedsInput(), "metrics-info")
	defer p.Release()
	if o.mode == Coordinator {
		return o.addRows(p)
	}
	return o.addDocuments(p)
}

func (o *Operator) GetOutput() (*page.Page, error) {
	if len(o.out) == 0 {
		return nil, nil
	}
	p := o.out[0]
	o.out = o.out[1:]
	return p, nil
}

func (o *Operator) Finish() {
	if o.finishing {
		return
	}
	o.finishing = true
	rows := o.acc.drain()
	o.out = buildPages(o.alloc, rows, o.maxPageRows)
	o.logger.Debug("metrics info drained", "entries", len(o.acc.order), "rows", len(rows))
}

func (o *Operator) IsFinished() bool { return o.finishing && len(o.out) == 0 }

func (o *Operator) IsBlocked() *operator.Future { return operator.NotBlocked }

func (o *Operator) CanProduceMoreDataWithoutExtraInput() bool { return len(o.out) > 0 }

func (o *Operator) Close() error {
	if o.closed {
		return nil
	}
	o.closed = true
	for _, p := range o.out {
		p.Release()
	}
	o.out = nil
	o.tracker.Close()
	return nil
}

// ── Local phase ─────────────────────────────────────────────────────

func (o *Operator) addDocuments(p *page.Page) error {
	idx, src, err := documentColumns(p.Schema())
	if err != nil {
		return err
	}
	indexBlk, sourceBlk := p.Block(idx), p.Block(src)
	for pos := 0; pos < p.PositionCount(); pos++ {
		if page.IsNull(sourceBlk, pos) {
			continue
		}
		group := ResolveGroup(page.String(indexBlk, pos))
		if err := o.addDocument(group, page.String(sourceBlk, pos)); err != nil {
			return fmt.Errorf("metrics info: document %d: %w", pos, err)
		}
	}
	return nil
}

func documentColumns(schema *arrow.Schema) (int, int, error) {
	idx := schema.FieldIndices(ColIndex)
	src := schema.FieldIndices(ColSource)
	if len(idx) == 0 || len(src) == 0 {
		return 0, 0, fmt.Errorf("metrics info: local input needs %q and %q blocks, got %s", ColIndex, ColSource, schema)
	}
	return idx[0], src[0], nil
}

func (o *Operator) addDocument(group, source string) error {
	dec := json.NewDecoder(bytes.NewReader([]byte(source)))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("decode: %w", err)
	}

	w := docWalker{group: group, classifier: o.classifier, dims: stringSet{}}
	w.walk("", doc)

	for _, f := range w.metrics {
		e, err := o.acc.observe(group, f)
		if err != nil {
			return err
		}
		for d := range w.dims {
			if err := o.acc.addTo(e.dims, d); err != nil {
				return err
			}
		}
	}
	return nil
}

// docWalker collects the metrics and dimension keys of one document.
type docWalker struct {
	group      string
	classifier FieldClassifier
	metrics    []MetricField
	dims       stringSet
}

func (w *docWalker) walk(prefix string, obj map[string]any) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		w.visit(path, obj[k])
	}
}

// visit classifies before looking at the value: a classified field is a
// metric even when its value is an object.
func (w *docWalker) visit(path string, v any) {
	if f, ok := w.classifier.Classify(w.group, path); ok {
		w.metrics = append(w.metrics, f)
		return
	}
	switch val := v.(type) {
	case map[string]any:
		w.walk(path, val)
	case []any:
		scalar := false
		for _, item := range val {
			if obj, ok := item.(map[string]any); ok {
				w.walk(path, obj)
			} else {
				scalar = true
			}
		}
		if scalar || len(val) == 0 {
			w.dims.add(path)
		}
	default:
		w.dims.add(path)
	}
}

// ── Coordinator phase ───────────────────────────────────────────────

func (o *Operator) addRows(p *page.Page) error {
	schema := p.Schema()
	cols := make([]arrow.Array, Schema.NumFields())
	for i, f := range Schema.Fields() {
		idx := schema.FieldIndices(f.Name)
		if len(idx) == 0 {
			return fmt.Errorf("metrics info: coordinator input missing %q block", f.Name)
		}
		cols[i] = p.Block(idx[0])
	}
	for pos := 0; pos < p.PositionCount(); pos++ {
		name := page.String(cols[0], pos)
		if strings.TrimSpace(name) == "" {
			continue
		}
		units := page.Strings(cols[2], pos)
		metricTypes := page.Strings(cols[3], pos)
		fieldTypes := page.Strings(cols[4], pos)
		dims := page.Strings(cols[5], pos)
		for _, stream := range page.Strings(cols[1], pos) {
			if err := o.fold(name, stream, units, metricTypes, fieldTypes, dims); err != nil {
				return err
			}
		}
	}
	return nil
}

func (o *Operator) fold(name, stream string, units, metricTypes, fieldTypes, dims []string) error {
	e, err := o.acc.get(name, stream)
	if err != nil {
		return err
	}
	for _, set := range []struct {
		dst stringSet
		src []string
	}{{e.units, units}, {e.metricTypes, metricTypes}, {e.fieldTypes, fieldTypes}, {e.dims, dims}} {
		for _, v := range set.src {
			if err := o.acc.addTo(set.dst, v); err != nil {
				return err
			}
		}
	}
	return nil
}
