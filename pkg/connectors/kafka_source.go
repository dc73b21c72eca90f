package connectors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/sandboxws/isotope/compute/pkg/load"
	"github.com/sandboxws/isotope/compute/pkg/operator"
	"github.com/sandboxws/isotope/compute/pkg/page"
)

const defaultMaxQueuedPages = 8

// KafkaSourceConfig configures a KafkaSource.
type KafkaSourceConfig struct {
	Brokers []string
	Topic   string
	Group   string
	// StartOffset is "earliest" (default) or "latest".
	StartOffset string
	Schema      *arrow.Schema
	// BatchSize caps the rows of each page. Defaults to 1024.
	BatchSize int
	// MaxQueuedPages bounds the decoded pages waiting for the driver.
	MaxQueuedPages int
}

type queuedPage struct {
	p     *page.Page
	shard string
}

// KafkaSource consumes JSON records from a topic. A background goroutine
// polls the brokers and decodes records into pages; the driver picks them up
// through GetOutput and waits on IsBlocked when the queue is empty. Each
// topic partition is reported as a shard for load attribution.
type KafkaSource struct {
	cfg    KafkaSourceConfig
	alloc  memory.Allocator
	logger *slog.Logger
	client *kgo.Client
	cancel context.CancelFunc
	done   chan struct{}
	space  chan struct{}
	load   load.Counter

	mu       sync.Mutex
	queue    []queuedPage
	ready    *operator.Future
	finished bool
	closed   bool
}

// NewKafkaSource creates a Kafka source connector.
func NewKafkaSource(cfg KafkaSourceConfig) (*KafkaSource, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("kafka source: brokers and topic are required")
	}
	if cfg.Schema == nil {
		return nil, fmt.Errorf("kafka source: schema is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.MaxQueuedPages <= 0 {
		cfg.MaxQueuedPages = defaultMaxQueuedPages
	}
	return &KafkaSource{
		cfg:    cfg,
		alloc:  memory.DefaultAllocator,
		logger: slog.Default().With("connector", "kafka-source", "topic", cfg.Topic),
		space:  make(chan struct{}, cfg.MaxQueuedPages),
		ready:  operator.NewFuture(),
	}, nil
}

func (k *KafkaSource) clientOpts() []kgo.Opt {
	opts := []kgo.Opt{
		kgo.SeedBrokers(k.cfg.Brokers...),
		kgo.ConsumeTopics(k.cfg.Topic),
	}
	if k.cfg.Group != "" {
		opts = append(opts, kgo.ConsumerGroup(k.cfg.Group))
	}
	switch strings.TrimSuffix(k.cfg.StartOffset, "-offset") {
	case "latest":
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	default:
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	}
	return opts
}

func (k *KafkaSource) Open(ctx *operator.Context) error {
	if ctx.Alloc != nil {
		k.alloc = ctx.Alloc
	}
	if ctx.Logger != nil {
		k.logger = ctx.Logger.With("topic", k.cfg.Topic)
	}
	client, err := kgo.NewClient(k.clientOpts()...)
	if err != nil {
		return fmt.Errorf("kafka source: create client: %w", err)
	}
	k.client = client

	pollCtx, cancel := context.WithCancel(ctx.Ctx)
	k.cancel = cancel
	k.done = make(chan struct{})
	go k.poll(pollCtx)
	return nil
}

func (k *KafkaSource) poll(ctx context.Context) {
	defer close(k.done)
	for {
		fetches := k.client.PollFetches(ctx)
		if ctx.Err() != nil || fetches.IsClientClosed() {
			return
		}
		for _, e := range fetches.Errors() {
			if errors.Is(e.Err, context.Canceled) {
				return
			}
			k.logger.Error("kafka fetch error", "partition", e.Partition, "error", e.Err)
		}
		var stop bool
		fetches.EachPartition(func(tp kgo.FetchTopicPartition) {
			if stop || len(tp.Records) == 0 {
				return
			}
			shard := fmt.Sprintf("%s/%d", tp.Topic, tp.Partition)
			for start := 0; start < len(tp.Records); start += k.cfg.BatchSize {
				end := min(start+k.cfg.BatchSize, len(tp.Records))
				if !k.enqueue(ctx, shard, tp.Records[start:end]) {
					stop = true
					return
				}
			}
		})
		if stop {
			return
		}
	}
}

// enqueue decodes records into a page and queues it, waiting for queue
// space. It reports false once the source is stopping.
func (k *KafkaSource) enqueue(ctx context.Context, shard string, records []*kgo.Record) bool {
	values := make([][]byte, len(records))
	for i, r := range records {
		values[i] = r.Value
	}
	p, bad := decodeRows(k.alloc, k.cfg.Schema, values)
	if bad > 0 {
		k.logger.Warn("skipped undecodable records", "shard", shard, "count", bad)
	}
	if p.PositionCount() == 0 {
		p.Release()
		return true
	}

	select {
	case k.space <- struct{}{}:
	case <-ctx.Done():
		p.Release()
		return false
	}

	k.mu.Lock()
	if k.finished || k.closed {
		k.mu.Unlock()
		p.Release()
		<-k.space
		return false
	}
	k.queue = append(k.queue, queuedPage{p: p, shard: shard})
	ready := k.ready
	k.mu.Unlock()
	ready.Complete()
	return true
}

func (k *KafkaSource) GetOutput() (*page.Page, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.queue) == 0 {
		return nil, nil
	}
	q := k.queue[0]
	k.queue[0] = queuedPage{}
	k.queue = k.queue[1:]
	if len(k.queue) == 0 {
		k.ready = operator.NewFuture()
	}
	<-k.space
	k.load.Add(q.shard, 0, int64(q.p.PositionCount()))
	return q.p, nil
}

// Finish stops polling. Pages already queued are still delivered.
func (k *KafkaSource) Finish() {
	k.mu.Lock()
	if k.finished {
		k.mu.Unlock()
		return
	}
	k.finished = true
	ready := k.ready
	k.mu.Unlock()
	if k.cancel != nil {
		k.cancel()
	}
	ready.Complete()
}

func (k *KafkaSource) IsFinished() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.finished && len(k.queue) == 0
}

func (k *KafkaSource) IsBlocked() *operator.Future {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.finished || len(k.queue) > 0 {
		return operator.NotBlocked
	}
	return k.ready
}

// ReportLoad attributes delivered rows to their topic partitions.
func (k *KafkaSource) ReportLoad() []load.Delta { return k.load.ReportLoad() }

func (k *KafkaSource) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	queue := k.queue
	k.queue = nil
	k.mu.Unlock()

	if k.cancel != nil {
		k.cancel()
	}
	for _, q := range queue {
		q.p.Release()
		<-k.space
	}
	if k.client != nil {
		k.client.Close()
	}
	if k.done != nil {
		<-k.done
	}
	return nil
}
