// Command pipeline-bench drives a synthetic enrichment pipeline through the
// operator stack and logs throughput.
//
// Pipeline: Generator → Filter(ad_id >= 100) → Dedup(ad_id) → Lookup(campaigns) → Discard
package main

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/spf13/cobra"

	"github.com/sandboxws/isotope/compute/pkg/breaker"
	"github.com/sandboxws/isotope/compute/pkg/connectors"
	"github.com/sandboxws/isotope/compute/pkg/driver"
	"github.com/sandboxws/isotope/compute/pkg/lookup"
	"github.com/sandboxws/isotope/compute/pkg/stages"
)

type benchConfig struct {
	rows          int64
	rowsPerSecond int64
	batchSize     int
	cardinality   int64
	campaigns     int
	parallelism   int
	breakerLimit  int64
}

func main() {
	var cfg benchConfig
	cmd := &cobra.Command{
		Use:   "pipeline-bench",
		Short: "Benchmark the generator → lookup join pipeline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return bench(cmd.Context(), cfg)
		},
	}
	f := cmd.Flags()
	f.Int64Var(&cfg.rows, "rows", 10_000_000, "rows to generate per driver (0 runs until interrupted)")
	f.Int64Var(&cfg.rowsPerSecond, "rows-per-second", 0, "rate limit per driver (0 is unlimited)")
	f.IntVar(&cfg.batchSize, "batch-size", 4096, "rows per generated page")
	f.Int64Var(&cfg.cardinality, "cardinality", 1_000_000, "distinct ad ids")
	f.IntVar(&cfg.campaigns, "campaigns", 100_000, "rows in the campaigns index")
	f.IntVar(&cfg.parallelism, "parallelism", 1, "drivers running the pipeline")
	f.Int64Var(&cfg.breakerLimit, "breaker-limit", -1, "memory budget in bytes (negative is unlimited)")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		slog.Error("benchmark failed", "error", err)
		os.Exit(1)
	}
}

func bench(ctx context.Context, cfg benchConfig) error {
	alloc := memory.DefaultAllocator

	indexes := lookup.NewIndexRegistry(stages.IndexLoader(alloc, map[string]stages.IndexSpec{
		"campaigns": {
			Columns: []connectors.ColumnSpec{
				{Name: "ad_id", Type: "int64"},
				{Name: "campaign", Type: "string"},
			},
			Key:  []string{"ad_id"},
			Rows: cfg.campaigns,
		},
	}))
	reg := stages.Registry(stages.Deps{Lookup: lookup.NewServer(indexes), Alloc: alloc})

	var (
		mu    sync.Mutex
		sinks []*connectors.Discard
	)
	reg.Register("bench_sink", driver.KindSink, func(driver.Params) (any, error) {
		d := connectors.NewDiscard()
		mu.Lock()
		sinks = append(sinks, d)
		mu.Unlock()
		return d, nil
	})

	plan := driver.Plan{Name: "bench", Parallelism: cfg.parallelism, Stages: []driver.StageSpec{
		{ID: "gen", Type: stages.TypeGenerator, Params: driver.Params{
			"columns": []any{
				map[string]any{"name": "ad_id", "type": "int64"},
				map[string]any{"name": "event_type", "type": "string"},
				map[string]any{"name": "event_time", "type": "timestamp_ms"},
			},
			"max_rows":        cfg.rows,
			"rows_per_second": cfg.rowsPerSecond,
			"batch_size":      cfg.batchSize,
			"cardinality":     cfg.cardinality,
		}},
		{ID: "filter", Type: stages.TypeFilter, Params: driver.Params{"condition": "ad_id >= 100"}},
		{ID: "dedup", Type: stages.TypeDedup, Params: driver.Params{"key": 0}},
		{ID: "join", Type: stages.TypeLookup, Params: driver.Params{
			"index": "campaigns",
			"match": []any{0},
			"right": []any{map[string]any{"name": "campaign", "type": "string"}},
		}},
		{ID: "out", Type: "bench_sink"},
	}}

	drivers, err := driver.Build(plan, reg, driver.Options{
		Alloc:      alloc,
		Breaker:    breaker.New("bench", cfg.breakerLimit),
		Attributor: driver.NewShardAttributor(),
	})
	if err != nil {
		return err
	}

	total := func() int64 {
		mu.Lock()
		defer mu.Unlock()
		var n int64
		for _, s := range sinks {
			n += s.Rows()
		}
		return n
	}

	reportCtx, stopReport := context.WithCancel(ctx)
	defer stopReport()
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		var last int64
		for {
			select {
			case <-reportCtx.Done():
				return
			case <-ticker.C:
				cur := total()
				slog.Info("throughput", "rows/sec", cur-last, "total", cur)
				last = cur
			}
		}
	}()

	slog.Info("starting pipeline benchmark",
		"batch_size", cfg.batchSize,
		"cardinality", cfg.cardinality,
		"campaigns", cfg.campaigns,
		"parallelism", cfg.parallelism,
	)
	start := time.Now()
	err = driver.RunWithGracefulShutdown(ctx, driver.NewRunner(drivers...), 10*time.Second)
	elapsed := time.Since(start)
	slog.Info("benchmark stopped",
		"total", total(),
		"elapsed", elapsed,
		"rows/sec", float64(total())/elapsed.Seconds(),
	)
	return err
}
