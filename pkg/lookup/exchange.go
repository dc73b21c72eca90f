package lookup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/sandboxws/isotope/compute/pkg/failure"
	"github.com/sandboxws/isotope/compute/pkg/operator"
	"github.com/sandboxws/isotope/compute/pkg/page"
	"github.com/sandboxws/isotope/compute/pkg/shared"
)

// ErrExchangeClosed is returned by SendPage after Finish or Close.
var ErrExchangeClosed = errors.New("lookup: exchange closed")

// Fault makes a LocalExchange fail a batch instead of answering it. With
// DeliverLast the batch's Last sub-page still arrives after the error.
type Fault struct {
	BatchID     int64
	Err         error
	DeliverLast bool
}

// ExchangeConfig configures one LocalExchange.
type ExchangeConfig struct {
	// Index names the lookup index answering requests.
	Index string
	// Node names the remote side in errors.
	Node string
	// ChunkRows bounds the rows of each response sub-page.
	ChunkRows int
	// Alloc allocates decoded pages. Defaults to memory.DefaultAllocator.
	Alloc memory.Allocator
	// Faults injects remote failures.
	Faults []Fault
}

// Server answers exchange requests from indexes shared per name.
type Server struct {
	indexes *IndexRegistry
}

// NewServer creates a server looking keys up in indexes.
func NewServer(indexes *IndexRegistry) *Server {
	return &Server{indexes: indexes}
}

// Connect opens an in-process exchange against cfg.Index. Requests are
// encoded and decoded with the frame codec and answered on a separate
// goroutine. Cancelling ctx fails the exchange.
func (s *Server) Connect(ctx context.Context, cfg ExchangeConfig) (*LocalExchange, error) {
	ref, err := s.indexes.Acquire(cfg.Index)
	if err != nil {
		return nil, fmt.Errorf("lookup: connect to index %q: %w", cfg.Index, err)
	}
	if cfg.Alloc == nil {
		cfg.Alloc = memory.DefaultAllocator
	}
	if cfg.Node == "" {
		cfg.Node = "local"
	}
	faults := make(map[int64]Fault, len(cfg.Faults))
	for _, f := range cfg.Faults {
		faults[f.BatchID] = f
	}
	ctx, cancel := context.WithCancelCause(ctx)
	x := &LocalExchange{
		cfg:    cfg,
		ref:    ref,
		faults: faults,
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
		ready:  operator.NewFuture(),
		status: operator.NewFuture(),
		done:   make(chan struct{}),
		logger: slog.Default().With("exchange", cfg.Node, "index", cfg.Index),
	}
	go x.serve()
	return x, nil
}

// LocalExchange is an in-process Client.
type LocalExchange struct {
	cfg    ExchangeConfig
	ref    *shared.Ref[*Index]
	faults map[int64]Fault
	ctx    context.Context
	cancel context.CancelCauseFunc
	wake   chan struct{}
	done   chan struct{}
	logger *slog.Logger

	mu        sync.Mutex
	requests  [][]byte
	queue     []*page.Page
	finishing bool
	served    bool
	closed    bool
	err       error
	ready     *operator.Future
	status    *operator.Future
	closeOnce sync.Once
}

func (x *LocalExchange) SendPage(p *page.Page) error {
	meta, _ := p.Metadata()
	b, err := EncodeFrame(x.cfg.Alloc, Frame{BatchID: meta.BatchID, Page: p})
	p.Release()
	if err != nil {
		return err
	}
	x.mu.Lock()
	if x.finishing || x.closed {
		x.mu.Unlock()
		return ErrExchangeClosed
	}
	x.requests = append(x.requests, b)
	x.mu.Unlock()
	x.signal()
	return nil
}

func (x *LocalExchange) PollPage() *page.Page {
	x.mu.Lock()
	defer x.mu.Unlock()
	if len(x.queue) == 0 {
		return nil
	}
	p := x.queue[0]
	x.queue = x.queue[1:]
	return p
}

func (x *LocalExchange) HasReadyData() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.queue) > 0
}

func (x *LocalExchange) IsDrained() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.drainedLocked()
}

func (x *LocalExchange) drainedLocked() bool {
	return len(x.queue) == 0 && (x.served || x.err != nil || x.closed)
}

func (x *LocalExchange) WaitForReady() *operator.Future {
	x.mu.Lock()
	defer x.mu.Unlock()
	if len(x.queue) > 0 || x.drainedLocked() {
		return operator.NotBlocked
	}
	if x.ready.IsDone() {
		x.ready = operator.NewFuture()
	}
	return x.ready
}

func (x *LocalExchange) WaitForRemoteStatus() *operator.Future {
	return x.status
}

func (x *LocalExchange) Failure() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.err
}

func (x *LocalExchange) Finish() {
	x.mu.Lock()
	x.finishing = true
	x.mu.Unlock()
	x.signal()
}

// Close stops the serving goroutine and releases every queued page and the
// index reference. Safe to call more than once.
func (x *LocalExchange) Close() {
	x.closeOnce.Do(func() {
		x.cancel(ErrExchangeClosed)
		<-x.done
		x.mu.Lock()
		x.closed = true
		queued := x.queue
		x.queue = nil
		x.requests = nil
		ready := x.ready
		x.mu.Unlock()
		for _, p := range queued {
			p.Release()
		}
		ready.Complete()
		x.status.Complete()
		x.ref.Release()
	})
}

func (x *LocalExchange) signal() {
	select {
	case x.wake <- struct{}{}:
	default:
	}
}

// serve answers requests in arrival order until Finish has been called and
// every request is answered, or the exchange is cancelled.
func (x *LocalExchange) serve() {
	defer close(x.done)
	for {
		req, ok := x.next()
		if !ok {
			if x.ctx.Err() != nil {
				return
			}
			break
		}
		if err := x.handle(req); err != nil {
			x.fail(err)
			return
		}
	}
	x.mu.Lock()
	x.served = true
	ready := x.ready
	x.mu.Unlock()
	ready.Complete()
	x.status.Complete()
	x.logger.Debug("exchange drained")
}

func (x *LocalExchange) next() ([]byte, bool) {
	for {
		x.mu.Lock()
		if len(x.requests) > 0 {
			req := x.requests[0]
			x.requests = x.requests[1:]
			x.mu.Unlock()
			return req, true
		}
		finishing := x.finishing
		x.mu.Unlock()
		if finishing {
			return nil, false
		}
		select {
		case <-x.wake:
		case <-x.ctx.Done():
			x.fail(context.Cause(x.ctx))
			return nil, false
		}
	}
}

func (x *LocalExchange) handle(req []byte) error {
	f, err := DecodeFrame(x.cfg.Alloc, req)
	if err != nil {
		return err
	}
	if f.Page == nil {
		return fmt.Errorf("%w: request %d has no payload", ErrMalformedFrame, f.BatchID)
	}
	defer f.Page.Release()

	if fault, ok := x.faults[f.BatchID]; ok {
		if err := x.deliverFrame(Frame{BatchID: f.BatchID, Err: fault.Err.Error()}); err != nil {
			return err
		}
		if fault.DeliverLast {
			empty, err := x.ref.Value().subPage(x.cfg.Alloc, nil, nil)
			if err != nil {
				return err
			}
			empty.SetMetadata(page.Metadata{BatchID: f.BatchID, Last: true})
			return x.deliver(empty)
		}
		return nil
	}
	return x.ref.Value().Lookup(x.cfg.Alloc, f.BatchID, f.Page, x.cfg.ChunkRows, x.deliver)
}

// deliver sends p across the codec and queues the decoded copy.
func (x *LocalExchange) deliver(p *page.Page) error {
	meta, _ := p.Metadata()
	err := x.deliverFrame(Frame{BatchID: meta.BatchID, Last: meta.Last, Page: p})
	p.Release()
	return err
}

func (x *LocalExchange) deliverFrame(out Frame) error {
	if err := x.ctx.Err(); err != nil {
		return context.Cause(x.ctx)
	}
	b, err := EncodeFrame(x.cfg.Alloc, out)
	if err != nil {
		return err
	}
	in, err := DecodeFrame(x.cfg.Alloc, b)
	if err != nil {
		return err
	}
	if in.Err != "" {
		x.fail(&failure.RemoteError{Node: x.cfg.Node, Err: errors.New(in.Err)})
	}
	if in.Page == nil {
		return nil
	}
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		in.Page.Release()
		return ErrExchangeClosed
	}
	x.queue = append(x.queue, in.Page)
	ready := x.ready
	x.mu.Unlock()
	ready.Complete()
	return nil
}

// fail records the first failure, drops queued pages and completes every
// future so the consumer wakes up to see it.
func (x *LocalExchange) fail(err error) {
	x.mu.Lock()
	if x.err == nil {
		x.err = err
	}
	var queued []*page.Page
	if !errors.As(err, new(*failure.RemoteError)) {
		queued = x.queue
		x.queue = nil
	}
	ready := x.ready
	x.mu.Unlock()
	for _, p := range queued {
		p.Release()
	}
	if !errors.Is(err, ErrExchangeClosed) {
		x.logger.Warn("exchange failed", "error", err)
	}
	ready.Complete()
	x.status.Complete()
}
