package driver

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/sandboxws/isotope/compute/pkg/breaker"
	"github.com/sandboxws/isotope/compute/pkg/connectors"
	"github.com/sandboxws/isotope/compute/pkg/load"
	"github.com/sandboxws/isotope/compute/pkg/operator"
	"github.com/sandboxws/isotope/compute/pkg/operators"
	"github.com/sandboxws/isotope/compute/pkg/page"
)

// ── Test helpers ────────────────────────────────────────────────────

func idPage(t *testing.T, alloc memory.Allocator, ids ...int64) *page.Page {
	t.Helper()
	b := array.NewInt64Builder(alloc)
	defer b.Release()
	b.AppendValues(ids, nil)
	p, err := page.FromBlocks([]string{"id"}, []arrow.Array{b.NewArray()}, len(ids))
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func collectedIDs(c *connectors.Collect) []int64 {
	var ids []int64
	for _, p := range c.Take() {
		ids = append(ids, p.Block(0).(*array.Int64).Int64Values()...)
		p.Release()
	}
	return ids
}

func runWithTimeout(t *testing.T, d *Driver, ctx context.Context) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("driver did not return")
		return nil
	}
}

// gatedSource emits its pages only after gate completes. It counts how often
// it is polled.
type gatedSource struct {
	gate     *operator.Future
	pages    []*page.Page
	polls    atomic.Int64
	closes   atomic.Int64
	finished bool
}

func (s *gatedSource) GetOutput() (*page.Page, error) {
	s.polls.Add(1)
	if !s.gate.IsDone() || len(s.pages) == 0 {
		return nil, nil
	}
	p := s.pages[0]
	s.pages = s.pages[1:]
	return p, nil
}

func (s *gatedSource) Finish()          { s.finished = true }
func (s *gatedSource) IsFinished() bool { return s.finished || (s.gate.IsDone() && len(s.pages) == 0) }

func (s *gatedSource) IsBlocked() *operator.Future {
	if s.finished {
		return operator.NotBlocked
	}
	return s.gate
}

func (s *gatedSource) Close() error {
	s.closes.Add(1)
	for _, p := range s.pages {
		p.Release()
	}
	s.pages = nil
	return nil
}

// endless never runs out of pages until finished.
type endless struct {
	alloc    memory.Allocator
	t        *testing.T
	finished bool
	closes   int
}

func (s *endless) GetOutput() (*page.Page, error) {
	if s.finished {
		return nil, nil
	}
	return idPage(s.t, s.alloc, 1), nil
}
func (s *endless) Finish()                     { s.finished = true }
func (s *endless) IsFinished() bool            { return s.finished }
func (s *endless) IsBlocked() *operator.Future { return operator.NotBlocked }
func (s *endless) Close() error                { s.closes++; return nil }

// trickle is a source that has nothing to offer on every other poll without
// returning a future.
type trickle struct {
	pages []*page.Page
	polls int
}

func (s *trickle) GetOutput() (*page.Page, error) {
	s.polls++
	if s.polls%2 == 1 || len(s.pages) == 0 {
		return nil, nil
	}
	p := s.pages[0]
	s.pages = s.pages[1:]
	return p, nil
}
func (s *trickle) Finish()                     { s.pages = nil }
func (s *trickle) IsFinished() bool            { return len(s.pages) == 0 }
func (s *trickle) IsBlocked() *operator.Future { return operator.NotBlocked }
func (s *trickle) Close() error {
	for _, p := range s.pages {
		p.Release()
	}
	s.pages = nil
	return nil
}

// passthrough forwards pages and reports busy as configured.
type passthrough struct {
	busy     bool
	out      *page.Page
	finished bool
}

func (o *passthrough) NeedsInput() bool               { return o.out == nil && !o.finished }
func (o *passthrough) AddInput(p *page.Page) error    { o.out = p; return nil }
func (o *passthrough) GetOutput() (*page.Page, error) { p := o.out; o.out = nil; return p, nil }
func (o *passthrough) Finish()                        { o.finished = true }
func (o *passthrough) IsFinished() bool               { return o.finished && o.out == nil }
func (o *passthrough) IsBlocked() *operator.Future    { return operator.NotBlocked }
func (o *passthrough) Close() error {
	if o.out != nil {
		o.out.Release()
		o.out = nil
	}
	return nil
}
func (o *passthrough) CanProduceMoreDataWithoutExtraInput() bool { return o.busy }

// faulty is an operator that fails or panics on input.
type faulty struct {
	err      error
	panicVal any
	closes   int
	finished bool
}

func (f *faulty) NeedsInput() bool { return !f.finished }
func (f *faulty) AddInput(p *page.Page) error {
	p.Release()
	if f.panicVal != nil {
		panic(f.panicVal)
	}
	return f.err
}
func (f *faulty) GetOutput() (*page.Page, error)            { return nil, nil }
func (f *faulty) Finish()                                   { f.finished = true }
func (f *faulty) IsFinished() bool                          { return f.finished }
func (f *faulty) IsBlocked() *operator.Future               { return operator.NotBlocked }
func (f *faulty) CanProduceMoreDataWithoutExtraInput() bool { return false }
func (f *faulty) Close() error                              { f.closes++; return nil }

// sharded is a source reporting the shard of every page it emits.
type sharded struct {
	connectors.PageSource
	shard   string
	counter load.Counter
}

func (s *sharded) GetOutput() (*page.Page, error) {
	p, err := s.PageSource.GetOutput()
	if p != nil {
		s.counter.Add(s.shard, time.Millisecond, int64(p.PositionCount()))
	}
	return p, err
}

func (s *sharded) ReportLoad() []load.Delta { return s.counter.ReportLoad() }

// ── Driver tests ────────────────────────────────────────────────────

func TestPipelineDedupsAcrossPages(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer alloc.AssertSize(t, 0)

	src := connectors.NewPageSource(
		idPage(t, alloc, 1, 2, 2, 3),
		idPage(t, alloc),
		idPage(t, alloc, 3, 4, 1),
	)
	sink := connectors.NewCollect()
	d := Pipeline("dedup", src, []operator.Operator{operators.NewDedup(0)}, sink, Options{Alloc: alloc})

	if err := d.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	got := collectedIDs(sink)
	want := []int64{1, 2, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
	if !sink.Closed() {
		t.Error("sink was not closed")
	}
	prof := d.Profile()
	if prof.RowsMoved == 0 || prof.PagesMoved == 0 {
		t.Errorf("profile not recorded: %+v", prof)
	}
}

func TestBlockedStageIsNotPolled(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer alloc.AssertSize(t, 0)

	src := &gatedSource{gate: operator.NewFuture(), pages: []*page.Page{idPage(t, alloc, 7)}}
	sink := connectors.NewCollect()
	d := Pipeline("gated", src, nil, sink, Options{Alloc: alloc})

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	if n := src.polls.Load(); n != 0 {
		t.Fatalf("blocked source polled %d times", n)
	}
	src.gate.Complete()

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("driver did not resume after the future completed")
	}
	if got := collectedIDs(sink); len(got) != 1 || got[0] != 7 {
		t.Errorf("got %v, want [7]", got)
	}
	if it := d.Profile().Iterations; it > 20 {
		t.Errorf("driver spun %d iterations while blocked", it)
	}
	if d.Profile().Blocked <= 0 {
		t.Error("blocked time not recorded")
	}
}

func TestCancellationReturnsCause(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer alloc.AssertSize(t, 0)

	src := &gatedSource{gate: operator.NewFuture(), pages: []*page.Page{idPage(t, alloc, 1)}}
	d := Pipeline("cancel", src, nil, connectors.NewDiscard(), Options{Alloc: alloc})

	errBoom := errors.New("boom")
	ctx, cancel := context.WithCancelCause(context.Background())
	time.AfterFunc(20*time.Millisecond, func() { cancel(errBoom) })

	err := runWithTimeout(t, d, ctx)
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected cause, got %v", err)
	}
	if n := src.closes.Load(); n != 1 {
		t.Errorf("source closed %d times, want 1", n)
	}
}

func TestFailureClosesEveryStageOnce(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer alloc.AssertSize(t, 0)

	errBad := errors.New("bad input")
	src := connectors.NewPageSource(idPage(t, alloc, 1), idPage(t, alloc, 2))
	op := &faulty{err: errBad}
	d := Pipeline("fail", src, []operator.Operator{op}, connectors.NewDiscard(), Options{Alloc: alloc})

	err := d.Run(context.Background())
	if !errors.Is(err, errBad) {
		t.Fatalf("expected errBad, got %v", err)
	}
	if !strings.Contains(err.Error(), "op-0") {
		t.Errorf("error should name the stage: %v", err)
	}
	if op.closes != 1 {
		t.Errorf("operator closed %d times, want 1", op.closes)
	}
}

func TestPanicIsRecovered(t *testing.T) {
	cases := map[string]any{
		"error value": &breaker.CircuitBreakingError{Label: "x", Requested: 10, Limit: 1},
		"non-error":   "kaboom",
	}
	for name, val := range cases {
		t.Run(name, func(t *testing.T) {
			alloc := memory.NewCheckedAllocator(memory.NewGoAllocator())
			defer alloc.AssertSize(t, 0)

			op := &faulty{panicVal: val}
			src := connectors.NewPageSource(idPage(t, alloc, 1))
			d := Pipeline("panic", src, []operator.Operator{op}, connectors.NewDiscard(), Options{Alloc: alloc})

			err := d.Run(context.Background())
			if err == nil {
				t.Fatal("expected error")
			}
			if _, isErr := val.(error); isErr && !breaker.IsTripped(err) {
				t.Errorf("breaker error lost: %v", err)
			}
			if op.closes != 1 {
				t.Errorf("operator closed %d times, want 1", op.closes)
			}
		})
	}
}

func TestBreakerTripFailsPipeline(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer alloc.AssertSize(t, 0)

	b := breaker.New("query", 16)
	src := connectors.NewPageSource(idPage(t, alloc, 1, 2, 3))
	d := Pipeline("breaker", src, []operator.Operator{operators.NewDedup(0)}, connectors.NewDiscard(),
		Options{Alloc: alloc, Breaker: b})

	err := d.Run(context.Background())
	if !breaker.IsTripped(err) {
		t.Fatalf("expected a breaker trip, got %v", err)
	}
	if b.Used() != 0 {
		t.Errorf("breaker still holds %d bytes after close", b.Used())
	}
}

func TestStopDrains(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer alloc.AssertSize(t, 0)

	src := &endless{alloc: alloc, t: t}
	sink := connectors.NewDiscard()
	d := Pipeline("stop", src, nil, sink, Options{Alloc: alloc})
	time.AfterFunc(20*time.Millisecond, d.Stop)

	if err := runWithTimeout(t, d, context.Background()); err != nil {
		t.Fatal(err)
	}
	if sink.Rows() == 0 {
		t.Error("nothing flowed before stop")
	}
	if !sink.IsFinished() || src.closes != 1 {
		t.Errorf("sink finished=%v, source closes=%d", sink.IsFinished(), src.closes)
	}
}

func TestRunTwiceFails(t *testing.T) {
	d := Pipeline("twice", connectors.NewPageSource(), nil, connectors.NewDiscard(), Options{})
	if err := d.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := d.Run(context.Background()); err == nil {
		t.Fatal("second run should fail")
	}
}

func TestIdleDriverBacksOffAndBusyDriverYields(t *testing.T) {
	for _, busy := range []bool{false, true} {
		alloc := memory.NewCheckedAllocator(memory.NewGoAllocator())
		src := &trickle{pages: []*page.Page{idPage(t, alloc, 1), idPage(t, alloc, 2), idPage(t, alloc, 3)}}
		sink := connectors.NewCollect()
		d := Pipeline("trickle", src, []operator.Operator{&passthrough{busy: busy}}, sink, Options{Alloc: alloc})
		if err := runWithTimeout(t, d, context.Background()); err != nil {
			t.Fatal(err)
		}
		if got := collectedIDs(sink); len(got) != 3 {
			t.Fatalf("busy=%v: collected %v", busy, got)
		}
		blocked := d.Profile().Blocked
		if busy && blocked != 0 {
			t.Errorf("busy driver slept for %v", blocked)
		}
		if !busy && blocked < idleBackoff {
			t.Errorf("idle driver never backed off: blocked %v", blocked)
		}
		alloc.AssertSize(t, 0)
	}
}

func TestDiscardClosesUnrunDriver(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer alloc.AssertSize(t, 0)

	op := &faulty{}
	src := connectors.NewPageSource(idPage(t, alloc, 1, 2))
	d := Pipeline("unused", src, []operator.Operator{op}, connectors.NewDiscard(), Options{Alloc: alloc})
	if err := d.Discard(); err != nil {
		t.Fatal(err)
	}
	if err := d.Discard(); err != nil {
		t.Fatal(err)
	}
	if op.closes != 1 {
		t.Errorf("closes = %d, want 1", op.closes)
	}
	if err := d.Run(context.Background()); err == nil {
		t.Fatal("run after discard should fail")
	}
}

func TestNewChecksStageKinds(t *testing.T) {
	_, err := New("kinds", []Stage{
		{ID: "sink", Impl: connectors.NewDiscard()},
		{ID: "src", Impl: connectors.NewPageSource()},
	}, Options{})
	if err == nil {
		t.Fatal("expected error for reversed stages")
	}
}

func TestLoadIsAttributedToShards(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer alloc.AssertSize(t, 0)

	src := &sharded{PageSource: *connectors.NewPageSource(idPage(t, alloc, 1, 2), idPage(t, alloc, 3)), shard: "idx-0"}
	attr := NewShardAttributor()
	d := Pipeline("load", src, nil, connectors.NewDiscard(), Options{Alloc: alloc, Attributor: attr})

	if err := d.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	totals := attr.Snapshot()["idx-0"]
	if totals.Rows != 3 {
		t.Errorf("attributed rows = %d, want 3", totals.Rows)
	}
	if totals.Elapsed < 2*time.Millisecond {
		t.Errorf("attributed time %v below reported time", totals.Elapsed)
	}
}

// ── Runner tests ────────────────────────────────────────────────────

func TestRunnerFirstFailureCancelsOthers(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer alloc.AssertSize(t, 0)

	errBad := errors.New("bad")
	failing := Pipeline("failing", connectors.NewPageSource(idPage(t, alloc, 1)),
		[]operator.Operator{&faulty{err: errBad}}, connectors.NewDiscard(), Options{Alloc: alloc})
	waiting := &gatedSource{gate: operator.NewFuture()}
	blocked := Pipeline("blocked", waiting, nil, connectors.NewDiscard(), Options{Alloc: alloc})

	r := NewRunner(failing, blocked)
	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	select {
	case err := <-done:
		if !errors.Is(err, errBad) {
			t.Fatalf("expected errBad, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not cancel the blocked driver")
	}
	if n := waiting.closes.Load(); n != 1 {
		t.Errorf("blocked source closed %d times, want 1", n)
	}
}

func TestRunnerStop(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer alloc.AssertSize(t, 0)

	a := Pipeline("a", &endless{alloc: alloc, t: t}, nil, connectors.NewDiscard(), Options{Alloc: alloc})
	b := Pipeline("b", &endless{alloc: alloc, t: t}, nil, connectors.NewDiscard(), Options{Alloc: alloc})
	r := NewRunner(a, b)
	time.AfterFunc(20*time.Millisecond, r.Stop)

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not drain")
	}
}
