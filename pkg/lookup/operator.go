package lookup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/compute"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/sandboxws/isotope/compute/pkg/failure"
	"github.com/sandboxws/isotope/compute/pkg/load"
	"github.com/sandboxws/isotope/compute/pkg/metrics"
	"github.com/sandboxws/isotope/compute/pkg/operator"
	"github.com/sandboxws/isotope/compute/pkg/page"
)

// ErrProtocolViolation is raised when the exchange breaks the sub-page
// protocol, for example by finishing while batches are still unterminated.
var ErrProtocolViolation = errors.New("lookup: protocol violation")

// DefaultMaxOutstandingRequests bounds in-flight batches when unset.
const DefaultMaxOutstandingRequests = 16

// ClientFactory opens the exchange client of one operator instance.
type ClientFactory func(ctx context.Context) (Client, error)

// Config configures an Operator.
type Config struct {
	// MatchFields are the left blocks holding the lookup key, in index key
	// order.
	MatchFields []int
	// RightSchema is the schema of the value blocks the remote side returns.
	RightSchema *arrow.Schema
	// MaxOutstandingRequests caps batches sent but not yet terminated.
	MaxOutstandingRequests int
	// NewClient opens the exchange.
	NewClient ClientFactory
	// Shard labels load reports.
	Shard string
}

type pendingJoin struct {
	left    *page.Page
	matched []bool
}

// Operator is the streaming lookup join. Every left row is emitted once per
// right match, or exactly once null-extended if it never matched.
type Operator struct {
	cfg Config

	id       string
	alloc    memory.Allocator
	logger   *slog.Logger
	client   Client
	failures *failure.Collector
	stopCtx  func() bool

	pending   map[int64]*pendingJoin
	out       []*page.Page
	nextBatch int64
	finished  bool
	closed    bool
	fatal     error
	load      load.Counter
}

// New creates a lookup join. The client is opened by Open.
func New(cfg Config) *Operator {
	if cfg.MaxOutstandingRequests <= 0 {
		cfg.MaxOutstandingRequests = DefaultMaxOutstandingRequests
	}
	return &Operator{
		cfg:      cfg,
		id:       "lookup",
		alloc:    memory.DefaultAllocator,
		logger:   slog.Default().With("operator", "lookup"),
		failures: failure.NewCollector(),
		pending:  make(map[int64]*pendingJoin),
	}
}

// Open connects the exchange. A construction failure is recorded and
// surfaces through GetOutput like any other failure.
func (o *Operator) Open(ctx *operator.Context) error {
	o.id = ctx.OperatorID
	if ctx.Alloc != nil {
		o.alloc = ctx.Alloc
	}
	if ctx.Logger != nil {
		o.logger = ctx.Logger
	}
	o.stopCtx = context.AfterFunc(ctx.Ctx, func() {
		o.failures.Add(context.Cause(ctx.Ctx))
	})
	if o.cfg.NewClient == nil {
		o.failures.Add(fmt.Errorf("lookup: no exchange client configured"))
		return nil
	}
	client, err := o.cfg.NewClient(ctx.Ctx)
	if err != nil {
		o.failures.Add(fmt.Errorf("lookup: open exchange: %w", err))
		return nil
	}
	o.client = client
	return nil
}

// Outstanding returns the number of batches awaiting their Last sub-page.
func (o *Operator) Outstanding() int { return len(o.pending) }

func (o *Operator) NeedsInput() bool {
	return !o.finished && o.client != nil && o.failure() == nil &&
		len(o.pending) < o.cfg.MaxOutstandingRequests
}

func (o *Operator) AddInput(p *page.Page) error {
	operator.MustNeedInput(o.NeedsInput(), "lookup")
	if p.PositionCount() == 0 {
		p.Release()
		return nil
	}
	id := o.nextBatch
	o.nextBatch++

	keys, err := o.keyPage(p, id)
	if err != nil {
		p.Release()
		o.failures.Add(err)
		return nil
	}
	if err := o.client.SendPage(keys); err != nil {
		p.Release()
		o.failures.Add(fmt.Errorf("lookup: send batch %d: %w", id, err))
		return nil
	}
	o.pending[id] = &pendingJoin{left: p, matched: make([]bool, p.PositionCount())}
	metrics.LookupOutstanding.WithLabelValues(o.id).Set(float64(len(o.pending)))
	o.logger.Debug("lookup batch sent", "batch", id, "rows", p.PositionCount())
	return nil
}

// keyPage builds the request page: the match blocks of p, flattened so any
// encoding crosses the wire.
func (o *Operator) keyPage(p *page.Page, id int64) (*page.Page, error) {
	ctx := compute.WithAllocator(context.Background(), o.alloc)
	names := make([]string, len(o.cfg.MatchFields))
	blocks := make([]arrow.Array, 0, len(o.cfg.MatchFields))
	for i, c := range o.cfg.MatchFields {
		if c < 0 || c >= p.BlockCount() {
			for _, b := range blocks {
				b.Release()
			}
			return nil, fmt.Errorf("lookup: match field %d out of range [0, %d)", c, p.BlockCount())
		}
		flat, err := page.Flatten(ctx, o.alloc, p.Block(c))
		if err != nil {
			for _, b := range blocks {
				b.Release()
			}
			return nil, fmt.Errorf("lookup: flatten match field %d: %w", c, err)
		}
		names[i] = p.Schema().Field(c).Name
		blocks = append(blocks, flat)
	}
	keys, err := page.FromBlocks(names, blocks, p.PositionCount())
	if err != nil {
		return nil, err
	}
	return keys.WithMetadata(page.Metadata{BatchID: id}), nil
}

func (o *Operator) GetOutput() (*page.Page, error) {
	if err := o.failure(); err != nil {
		return nil, err
	}
	if len(o.out) == 0 && o.client != nil {
		start := time.Now()
		rows := o.poll()
		o.load.Add(o.cfg.Shard, time.Since(start), rows)
		o.checkTermination()
		if err := o.failure(); err != nil {
			return nil, err
		}
	}
	if len(o.out) == 0 {
		return nil, nil
	}
	p := o.out[0]
	o.out = o.out[1:]
	return p, nil
}

// poll processes ready sub-pages until one produces output. It returns the
// rows produced.
func (o *Operator) poll() int64 {
	var rows int64
	for len(o.out) == 0 && o.fatal == nil && o.client.HasReadyData() {
		sp := o.client.PollPage()
		if sp == nil {
			break
		}
		for _, p := range o.handleSubPage(sp) {
			rows += int64(p.PositionCount())
			o.out = append(o.out, p)
		}
	}
	return rows
}

func (o *Operator) handleSubPage(sp *page.Page) []*page.Page {
	defer sp.Release()
	meta, ok := sp.Metadata()
	if !ok {
		o.violation("sub-page without batch metadata")
		return nil
	}
	pj, ok := o.pending[meta.BatchID]
	if !ok {
		o.violation(fmt.Sprintf("sub-page for unknown batch %d", meta.BatchID))
		return nil
	}

	var out []*page.Page
	if sp.PositionCount() > 0 {
		joined, err := o.join(pj, sp)
		if err != nil {
			o.failures.Add(err)
			return nil
		}
		out = append(out, joined)
	}
	if !meta.Last {
		return out
	}

	// A failure that raced ahead of the terminal marker wins: no trailing
	// rows are produced for a batch whose answer may be incomplete.
	if o.failures.HasFailure() {
		return out
	}
	if o.client.Failure() != nil {
		o.failures.Add(o.client.Failure())
		return out
	}
	trailing, err := o.unmatched(pj)
	if err != nil {
		o.failures.Add(err)
		return out
	}
	if trailing != nil {
		out = append(out, trailing)
	}
	pj.left.Release()
	delete(o.pending, meta.BatchID)
	metrics.LookupOutstanding.WithLabelValues(o.id).Set(float64(len(o.pending)))
	return out
}

// join emits the left rows at the sub-page's positions followed by its right
// value blocks.
func (o *Operator) join(pj *pendingJoin, sp *page.Page) (*page.Page, error) {
	pos, ok := sp.Block(0).(*array.Int32)
	if !ok {
		o.violation(fmt.Sprintf("positions block is %s, want int32", sp.Block(0).DataType()))
		return nil, o.fatal
	}
	if sp.BlockCount()-1 != o.rightWidth() {
		o.violation(fmt.Sprintf("sub-page has %d value blocks, want %d", sp.BlockCount()-1, o.rightWidth()))
		return nil, o.fatal
	}
	positions := make([]int, pos.Len())
	for i := range positions {
		p := int(pos.Value(i))
		if p < 0 || p >= len(pj.matched) {
			o.violation(fmt.Sprintf("position %d outside batch of %d rows", p, len(pj.matched)))
			return nil, o.fatal
		}
		positions[i] = p
		pj.matched[p] = true
	}
	left, err := pj.left.Take(o.alloc, positions)
	if err != nil {
		return nil, fmt.Errorf("lookup: take left rows: %w", err)
	}
	defer left.Release()

	names := make([]string, 0, o.rightWidth())
	blocks := make([]arrow.Array, 0, o.rightWidth())
	for i := 1; i < sp.BlockCount(); i++ {
		names = append(names, sp.Schema().Field(i).Name)
		blocks = append(blocks, sp.Block(i))
	}
	return left.AppendBlocks(names, blocks)
}

// unmatched null-extends every left row of pj that never matched. It
// returns nil when every row matched.
func (o *Operator) unmatched(pj *pendingJoin) (*page.Page, error) {
	var positions []int
	for i, m := range pj.matched {
		if !m {
			positions = append(positions, i)
		}
	}
	if len(positions) == 0 {
		return nil, nil
	}
	left, err := pj.left.Take(o.alloc, positions)
	if err != nil {
		return nil, fmt.Errorf("lookup: take unmatched rows: %w", err)
	}
	defer left.Release()

	names := make([]string, 0, o.rightWidth())
	blocks := make([]arrow.Array, 0, o.rightWidth())
	if o.cfg.RightSchema != nil {
		for _, f := range o.cfg.RightSchema.Fields() {
			names = append(names, f.Name)
			blocks = append(blocks, page.NewNullBlock(o.alloc, f.Type, len(positions)))
		}
	}
	defer func() {
		for _, b := range blocks {
			b.Release()
		}
	}()
	return left.AppendBlocks(names, blocks)
}

func (o *Operator) rightWidth() int {
	if o.cfg.RightSchema == nil {
		return 0
	}
	return o.cfg.RightSchema.NumFields()
}

// checkTermination raises a protocol violation once the remote status is in,
// nothing more can arrive and batches are still unterminated.
func (o *Operator) checkTermination() {
	if o.fatal != nil || len(o.pending) == 0 {
		return
	}
	if !o.client.IsDrained() || !o.client.WaitForRemoteStatus().IsDone() {
		return
	}
	if err := o.client.Failure(); err != nil {
		o.failures.Add(err)
		return
	}
	if o.failures.HasFailure() {
		return
	}
	o.violation(fmt.Sprintf("exchange drained with %d unterminated batches", len(o.pending)))
}

func (o *Operator) violation(msg string) {
	if o.fatal == nil {
		o.fatal = fmt.Errorf("%w: %s", ErrProtocolViolation, msg)
		o.logger.Error("lookup protocol violation", "error", o.fatal)
	}
}

// failure returns the fatal error or the collected failure.
func (o *Operator) failure() error {
	if o.fatal != nil {
		return o.fatal
	}
	if o.client != nil {
		if err := o.client.Failure(); err != nil {
			o.failures.Add(err)
		}
	}
	return o.failures.Failure()
}

func (o *Operator) Finish() {
	if o.finished {
		return
	}
	o.finished = true
	if o.client != nil {
		o.client.Finish()
	}
}

// IsFinished never reports true while a failure is pending, and waits for
// the remote status even when no batch is outstanding.
func (o *Operator) IsFinished() bool {
	if !o.finished || o.failure() != nil {
		return false
	}
	if len(o.out) > 0 || len(o.pending) > 0 {
		return false
	}
	if o.client == nil {
		return true
	}
	return o.client.IsDrained() && o.client.WaitForRemoteStatus().IsDone()
}

func (o *Operator) IsBlocked() *operator.Future {
	switch {
	case len(o.out) > 0:
		return operator.NotBlocked
	case o.failure() != nil:
		return operator.NotBlocked
	case o.client == nil:
		return operator.NotBlocked
	case o.client.HasReadyData():
		return operator.NotBlocked
	case !o.client.IsDrained():
		return o.client.WaitForReady()
	case len(o.pending) > 0 || o.finished:
		if status := o.client.WaitForRemoteStatus(); !status.IsDone() {
			return status
		}
		o.checkTermination()
	}
	return operator.NotBlocked
}

func (o *Operator) CanProduceMoreDataWithoutExtraInput() bool {
	return len(o.out) > 0 || (o.client != nil && o.client.HasReadyData())
}

// ReportLoad implements load.Reporter.
func (o *Operator) ReportLoad() []load.Delta { return o.load.ReportLoad() }

// Close releases pending joins and queued output, then finishes and closes
// the client. Safe to call more than once.
func (o *Operator) Close() error {
	if o.closed {
		return nil
	}
	o.closed = true
	if o.stopCtx != nil {
		o.stopCtx()
	}
	for id, pj := range o.pending {
		pj.left.Release()
		delete(o.pending, id)
	}
	for _, p := range o.out {
		p.Release()
	}
	o.out = nil
	if o.client != nil {
		o.client.Finish()
		o.client.Close()
	}
	metrics.LookupOutstanding.DeleteLabelValues(o.id)
	return nil
}
