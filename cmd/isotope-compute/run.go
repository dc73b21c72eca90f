package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/spf13/cobra"

	"github.com/sandboxws/isotope/compute/pkg/breaker"
	"github.com/sandboxws/isotope/compute/pkg/config"
	"github.com/sandboxws/isotope/compute/pkg/driver"
	"github.com/sandboxws/isotope/compute/pkg/lookup"
	"github.com/sandboxws/isotope/compute/pkg/metrics"
	"github.com/sandboxws/isotope/compute/pkg/stages"
)

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run every pipeline in the config until done or signalled",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	if len(cfg.Pipelines) == 0 {
		return errors.New("no pipelines configured")
	}

	alloc := memory.DefaultAllocator
	deps := stages.Deps{
		Lookup:                 lookup.NewServer(lookup.NewIndexRegistry(stages.IndexLoader(alloc, cfg.Lookup.Indexes))),
		Classifier:             cfg.Classifier(),
		Alloc:                  alloc,
		Brokers:                cfg.Kafka.Brokers,
		KafkaTopic:             cfg.Kafka.Topic,
		KafkaGroup:             cfg.Kafka.Group,
		MaxPageRows:            cfg.Driver.MaxPageRows,
		MaxOutstandingRequests: cfg.Lookup.MaxOutstandingRequests,
		ChunkRows:              cfg.Lookup.ChunkRows,
	}
	reg := stages.Registry(deps)
	opts := driver.Options{
		Alloc:      alloc,
		Breaker:    breaker.New("pipelines", cfg.Driver.BreakerLimit),
		Attributor: driver.NewShardAttributor(),
	}

	var drivers []*driver.Driver
	for _, plan := range cfg.Pipelines {
		built, err := driver.Build(plan, reg, opts)
		if err != nil {
			closeDrivers(drivers)
			return fmt.Errorf("pipeline %s: %w", plan.Name, err)
		}
		slog.Info("built pipeline", "pipeline", plan.Name, "stages", len(plan.Stages), "drivers", len(built))
		drivers = append(drivers, built...)
	}

	if cfg.Metrics.Addr != "" {
		srv := metrics.ServeMetrics(cfg.Metrics.Addr)
		slog.Info("serving metrics", "addr", cfg.Metrics.Addr)
		defer shutdownMetrics(srv)
	}

	start := time.Now()
	runner := driver.NewRunner(drivers...)
	err := driver.RunWithGracefulShutdown(ctx, runner, cfg.Driver.ShutdownTimeout)
	if err != nil && !errors.Is(err, driver.ErrStopped) {
		return err
	}
	slog.Info("pipelines done", "elapsed", time.Since(start))
	return nil
}

// closeDrivers releases drivers that were built but never run.
func closeDrivers(drivers []*driver.Driver) {
	for _, d := range drivers {
		if err := d.Discard(); err != nil {
			slog.Warn("discard driver", "driver", d.ID(), "error", err)
		}
	}
}

func shutdownMetrics(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Warn("metrics server shutdown", "error", err)
	}
}
