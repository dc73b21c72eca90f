// Package driver runs pipelines of operators.
//
// A Driver steps one linear pipeline (source, operators, sink) on a single
// goroutine. It moves pages between adjacent stages, propagates Finish
// downstream and upstream, and suspends only on the futures stages return
// from IsBlocked. A Runner runs many drivers concurrently; the first failure
// cancels the rest.
package driver

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"go.uber.org/multierr"

	"github.com/sandboxws/isotope/compute/pkg/breaker"
	"github.com/sandboxws/isotope/compute/pkg/load"
	"github.com/sandboxws/isotope/compute/pkg/metrics"
	"github.com/sandboxws/isotope/compute/pkg/operator"
	"github.com/sandboxws/isotope/compute/pkg/page"
)

// idleBackoff is how long an idle driver sleeps when no stage has a pending
// future and no operator can produce without input.
const idleBackoff = time.Millisecond

// Stage names one pipeline element. Impl is an operator.Source for the
// first stage, an operator.Sink for the last and an operator.Operator for
// every stage in between.
type Stage struct {
	ID   string
	Name string
	Impl any
}

// Options configures a Driver.
type Options struct {
	// Alloc is handed to every stage. Defaults to memory.DefaultAllocator.
	Alloc memory.Allocator
	// Breaker is the memory budget shared by the stages. May be nil.
	Breaker *breaker.Breaker
	// Attributor receives load reports. May be nil.
	Attributor *load.Attributor
	// Parallelism and Instance describe this driver among its plan's copies.
	Parallelism int
	Instance    int
}

// Profile summarizes a driver's run.
type Profile struct {
	Iterations int64
	PagesMoved int64
	RowsMoved  int64
	Blocked    time.Duration
}

// lifecycle is the part of the contract every stage shares.
type lifecycle interface {
	Finish()
	IsFinished() bool
	IsBlocked() *operator.Future
	Close() error
}

type stage struct {
	id, name string
	life     lifecycle
	out      operator.Source // nil for the sink
	in       operator.Sink   // nil for the source

	finishSent bool
}

func (s *stage) finish() bool {
	if s.finishSent {
		return false
	}
	s.finishSent = true
	s.life.Finish()
	return true
}

// Driver steps one pipeline.
type Driver struct {
	id     string
	stages []*stage
	opts   Options
	logger *slog.Logger

	stop    chan struct{}
	stopped atomic.Bool
	profile Profile
	ran     bool
}

// New builds a driver over stages, checking that the first is a source, the
// last a sink and every other an operator.
func New(id string, stages []Stage, opts Options) (*Driver, error) {
	if len(stages) < 2 {
		return nil, fmt.Errorf("driver %s: need a source and a sink, got %d stages", id, len(stages))
	}
	d := newDriver(id, opts)
	for i, s := range stages {
		st := &stage{id: s.ID, name: s.Name}
		switch {
		case i == 0:
			src, ok := s.Impl.(operator.Source)
			if !ok {
				return nil, fmt.Errorf("driver %s: stage %s is not a source", id, s.ID)
			}
			st.life, st.out = src, src
		case i == len(stages)-1:
			sink, ok := s.Impl.(operator.Sink)
			if !ok {
				return nil, fmt.Errorf("driver %s: stage %s is not a sink", id, s.ID)
			}
			st.life, st.in = sink, sink
		default:
			op, ok := s.Impl.(operator.Operator)
			if !ok {
				return nil, fmt.Errorf("driver %s: stage %s is not an operator", id, s.ID)
			}
			st.life, st.out, st.in = op, op, op
		}
		d.stages = append(d.stages, st)
	}
	return d, nil
}

// Pipeline builds a driver from typed stages. Stage ids are derived from
// their position.
func Pipeline(id string, source operator.Source, ops []operator.Operator, sink operator.Sink, opts Options) *Driver {
	d := newDriver(id, opts)
	d.stages = append(d.stages, &stage{id: "source", name: "source", life: source, out: source})
	for i, op := range ops {
		name := fmt.Sprintf("op-%d", i)
		d.stages = append(d.stages, &stage{id: name, name: name, life: op, out: op, in: op})
	}
	d.stages = append(d.stages, &stage{id: "sink", name: "sink", life: sink, in: sink})
	return d
}

func newDriver(id string, opts Options) *Driver {
	if opts.Alloc == nil {
		opts.Alloc = memory.DefaultAllocator
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 1
	}
	return &Driver{
		id:     id,
		opts:   opts,
		logger: slog.Default().With("driver", id),
		stop:   make(chan struct{}),
	}
}

// ID returns the driver's id.
func (d *Driver) ID() string { return d.id }

// Profile returns the counters of the last run.
func (d *Driver) Profile() Profile { return d.profile }

// Stop asks the driver to finish its source and drain. It is safe to call
// from any goroutine and more than once.
func (d *Driver) Stop() {
	if d.stopped.CompareAndSwap(false, true) {
		close(d.stop)
	}
}

// Discard closes the stages of a driver that will never run. It is a no-op
// once Run has been called.
func (d *Driver) Discard() error {
	if d.ran {
		return nil
	}
	d.ran = true
	return d.closeAll()
}

// Run opens every stage and steps the pipeline until the sink finishes, a
// stage fails or ctx is cancelled. Every stage is closed exactly once before
// Run returns. A driver runs once.
func (d *Driver) Run(ctx context.Context) (err error) {
	if d.ran {
		return fmt.Errorf("driver %s: already ran", d.id)
	}
	d.ran = true
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err = d.panicError(r)
		}
		if cerr := d.closeAll(); cerr != nil {
			err = multierr.Append(err, cerr)
		}
		if d.opts.Breaker != nil {
			if breaker.IsTripped(err) {
				metrics.BreakerTrips.WithLabelValues(d.opts.Breaker.Name()).Inc()
			}
			metrics.BreakerUsed.WithLabelValues(d.opts.Breaker.Name()).Set(float64(d.opts.Breaker.Used()))
		}
		if err != nil {
			metrics.Errors.WithLabelValues(d.id).Inc()
			d.logger.Error("driver failed", "error", err)
			return
		}
		d.logger.Info("driver finished",
			"elapsed", time.Since(start),
			"iterations", d.profile.Iterations,
			"pages", d.profile.PagesMoved,
			"rows", d.profile.RowsMoved,
			"blocked", d.profile.Blocked)
	}()

	if err := d.open(ctx); err != nil {
		return err
	}
	return d.loop(ctx)
}

func (d *Driver) open(ctx context.Context) error {
	for _, s := range d.stages {
		opener, ok := s.life.(operator.Opener)
		if !ok {
			continue
		}
		opCtx := operator.NewContext(ctx, d.opts.Alloc, s.id, s.name).WithBreaker(d.opts.Breaker)
		opCtx.Parallelism = d.opts.Parallelism
		opCtx.InstanceIndex = d.opts.Instance
		if err := opener.Open(opCtx); err != nil {
			return fmt.Errorf("driver %s: open stage %s: %w", d.id, s.id, err)
		}
	}
	return nil
}

func (d *Driver) loop(ctx context.Context) error {
	sink := d.stages[len(d.stages)-1]
	iterations := metrics.DriverIterations.WithLabelValues(d.id)
	stopSeen := false
	for {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		if sink.life.IsFinished() {
			return nil
		}
		if !stopSeen && d.stopped.Load() {
			stopSeen = true
			d.logger.Info("stop requested, draining")
			d.stages[0].finish()
		}

		iterStart := time.Now()
		moved, err := d.step()
		if err != nil {
			return err
		}
		d.profile.Iterations++
		iterations.Inc()
		d.reportLoad(time.Since(iterStart))

		if moved {
			continue
		}
		if err := d.wait(ctx, stopSeen); err != nil {
			return err
		}
	}
}

// step runs one pass over adjacent stage pairs. It reports whether any page
// moved or any stage changed state.
func (d *Driver) step() (bool, error) {
	moved := false
	for i := 0; i < len(d.stages)-1; i++ {
		cur, next := d.stages[i], d.stages[i+1]

		if next.life.IsFinished() {
			if !cur.life.IsFinished() && cur.finish() {
				moved = true
			}
			continue
		}

		if next.in.NeedsInput() && cur.life.IsBlocked().IsDone() {
			p, err := cur.out.GetOutput()
			if err != nil {
				return false, fmt.Errorf("driver %s: stage %s: %w", d.id, cur.id, err)
			}
			if p != nil {
				if p.PositionCount() == 0 {
					p.Release()
				} else if err := d.transfer(cur, next, p); err != nil {
					return false, err
				}
				moved = true
			}
		}

		if cur.life.IsFinished() && next.finish() {
			moved = true
		}
	}
	return moved, nil
}

func (d *Driver) transfer(from, to *stage, p *page.Page) error {
	rows := p.PositionCount()
	if err := to.in.AddInput(p); err != nil {
		return fmt.Errorf("driver %s: stage %s: %w", d.id, to.id, err)
	}
	d.profile.PagesMoved++
	d.profile.RowsMoved += int64(rows)
	metrics.PagesProcessed.WithLabelValues(d.id, from.id).Inc()
	metrics.RowsProcessed.WithLabelValues(d.id, from.id).Add(float64(rows))
	return nil
}

// wait runs after an iteration that moved nothing. It suspends on the
// pending futures of unfinished stages. With none pending it yields if an
// operator can still produce without input, and otherwise backs off for
// idleBackoff.
func (d *Driver) wait(ctx context.Context, stopSeen bool) error {
	var pending []*operator.Future
	busy := false
	for _, s := range d.stages {
		if s.life.IsFinished() {
			continue
		}
		if f := s.life.IsBlocked(); !f.IsDone() {
			pending = append(pending, f)
		}
		if op, ok := s.life.(operator.Operator); ok && op.CanProduceMoreDataWithoutExtraInput() {
			busy = true
		}
	}
	if len(pending) == 0 && busy {
		runtime.Gosched()
		return nil
	}

	stop := d.stop
	if stopSeen {
		stop = nil
	}
	var (
		wake <-chan struct{}
		idle <-chan time.Time
	)
	switch len(pending) {
	case 0:
		timer := time.NewTimer(idleBackoff)
		defer timer.Stop()
		idle = timer.C
	case 1:
		wake = pending[0].Done()
	default:
		anyOf := operator.AnyOf(pending...)
		defer anyOf.Abandon()
		wake = anyOf.Done()
	}
	start := time.Now()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-wake:
	case <-idle:
	case <-stop:
	}
	blocked := time.Since(start)
	d.profile.Blocked += blocked
	metrics.DriverBlocked.WithLabelValues(d.id).Observe(blocked.Seconds())
	return nil
}

func (d *Driver) reportLoad(elapsed time.Duration) {
	if d.opts.Attributor == nil {
		return
	}
	var deltas []load.Delta
	for _, s := range d.stages {
		if r, ok := s.life.(load.Reporter); ok {
			deltas = append(deltas, r.ReportLoad()...)
		}
	}
	if len(deltas) > 0 {
		d.opts.Attributor.Record(elapsed, deltas)
	}
}

func (d *Driver) closeAll() error {
	var errs error
	for _, s := range d.stages {
		if err := d.closeStage(s); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("driver %s: close stage %s: %w", d.id, s.id, err))
		}
	}
	return errs
}

// closeStage closes s, turning a panic during Close into an error.
func (d *Driver) closeStage(s *stage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during close: %v", r)
		}
	}()
	return s.life.Close()
}

func (d *Driver) panicError(r any) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("driver %s: %w", d.id, err)
	}
	return fmt.Errorf("driver %s: panic: %v", d.id, r)
}
