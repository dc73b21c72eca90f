package connectors

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/sandboxws/isotope/compute/pkg/operator"
	"github.com/sandboxws/isotope/compute/pkg/page"
)

const defaultMaxInFlight = 10000

// KafkaSinkConfig configures a KafkaSink.
type KafkaSinkConfig struct {
	Brokers []string
	Topic   string
	// KeyBy names the columns rendered into the record key.
	KeyBy []string
	// MaxInFlight bounds produced records not yet acknowledged.
	MaxInFlight int
}

// KafkaSink produces every row as a JSON record. Produce is asynchronous:
// the sink stops asking for input while MaxInFlight records are
// unacknowledged, and finishes once everything has been flushed. The first
// produce error is returned from the next AddInput, or from Close.
type KafkaSink struct {
	cfg    KafkaSinkConfig
	alloc  memory.Allocator
	logger *slog.Logger
	ctx    context.Context
	client *kgo.Client

	mu       sync.Mutex
	inFlight int
	produced int64
	err      error
	space    *operator.Future
	finished bool
	flushed  *operator.Future
	closed   bool
}

// NewKafkaSink creates a Kafka sink connector.
func NewKafkaSink(cfg KafkaSinkConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("kafka sink: brokers and topic are required")
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = defaultMaxInFlight
	}
	return &KafkaSink{
		cfg:     cfg,
		alloc:   memory.DefaultAllocator,
		logger:  slog.Default().With("connector", "kafka-sink", "topic", cfg.Topic),
		ctx:     context.Background(),
		flushed: operator.NewFuture(),
	}, nil
}

func (k *KafkaSink) Open(ctx *operator.Context) error {
	if ctx.Alloc != nil {
		k.alloc = ctx.Alloc
	}
	if ctx.Logger != nil {
		k.logger = ctx.Logger.With("topic", k.cfg.Topic)
	}
	k.ctx = ctx.Ctx
	client, err := kgo.NewClient(
		kgo.SeedBrokers(k.cfg.Brokers...),
		kgo.DefaultProduceTopic(k.cfg.Topic),
	)
	if err != nil {
		return fmt.Errorf("kafka sink: create client: %w", err)
	}
	k.client = client
	return nil
}

// Produced returns the number of acknowledged records.
func (k *KafkaSink) Produced() int64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.produced
}

func (k *KafkaSink) NeedsInput() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return !k.finished && k.inFlight < k.cfg.MaxInFlight
}

func (k *KafkaSink) AddInput(p *page.Page) error {
	operator.MustNeedInput(k.NeedsInput(), "kafka-sink")
	defer p.Release()

	if err := k.failure(); err != nil {
		return err
	}
	values, keys, err := encodeRows(k.ctx, k.alloc, p, k.cfg.KeyBy)
	if err != nil {
		return fmt.Errorf("kafka sink: %w", err)
	}

	k.mu.Lock()
	k.inFlight += len(values)
	k.mu.Unlock()
	for i, v := range values {
		rec := &kgo.Record{Value: v}
		if keys != nil {
			rec.Key = keys[i]
		}
		k.client.Produce(k.ctx, rec, k.acked)
	}
	return nil
}

func (k *KafkaSink) acked(_ *kgo.Record, err error) {
	k.mu.Lock()
	k.inFlight--
	if err == nil {
		k.produced++
	} else if k.err == nil {
		k.err = fmt.Errorf("kafka sink: produce: %w", err)
		k.logger.Error("produce failed", "error", err)
	}
	var space *operator.Future
	if k.space != nil && k.inFlight < k.cfg.MaxInFlight {
		space, k.space = k.space, nil
	}
	k.mu.Unlock()
	if space != nil {
		space.Complete()
	}
}

func (k *KafkaSink) failure() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.err
}

// Finish flushes outstanding records in the background.
func (k *KafkaSink) Finish() {
	k.mu.Lock()
	if k.finished {
		k.mu.Unlock()
		return
	}
	k.finished = true
	k.mu.Unlock()

	if k.client == nil {
		k.flushed.Complete()
		return
	}
	go func() {
		if err := k.client.Flush(k.ctx); err != nil {
			k.mu.Lock()
			if k.err == nil {
				k.err = fmt.Errorf("kafka sink: flush: %w", err)
			}
			k.mu.Unlock()
		}
		k.flushed.Complete()
	}()
}

func (k *KafkaSink) IsFinished() bool { return k.flushed.IsDone() }

func (k *KafkaSink) IsBlocked() *operator.Future {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.finished {
		return k.flushed
	}
	if k.inFlight < k.cfg.MaxInFlight {
		return operator.NotBlocked
	}
	if k.space == nil {
		k.space = operator.NewFuture()
	}
	return k.space
}

func (k *KafkaSink) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	k.mu.Unlock()

	if k.client != nil {
		k.client.Close()
	}
	return k.failure()
}
