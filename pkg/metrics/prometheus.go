// Package metrics provides Prometheus instrumentation for the compute pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RowsProcessed counts rows leaving each stage.
	RowsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "isotope_rows_processed_total",
		Help: "Total number of rows produced by stage",
	}, []string{"driver", "stage"})

	// PagesProcessed counts pages leaving each stage.
	PagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "isotope_pages_processed_total",
		Help: "Total number of pages produced by stage",
	}, []string{"driver", "stage"})

	// DriverIterations counts driver loop iterations.
	DriverIterations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "isotope_driver_iterations_total",
		Help: "Total number of driver loop iterations",
	}, []string{"driver"})

	// DriverBlocked tracks how long a driver stays suspended on a future.
	DriverBlocked = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "isotope_driver_blocked_seconds",
		Help:    "Time a driver spent suspended waiting for a stage to unblock",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
	}, []string{"driver"})

	// Errors counts failed drivers.
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "isotope_errors_total",
		Help: "Total number of driver failures",
	}, []string{"driver"})

	// LookupOutstanding is the number of lookup batches awaiting their
	// terminal sub-page.
	LookupOutstanding = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "isotope_lookup_outstanding_requests",
		Help: "Lookup join batches sent and not yet terminated",
	}, []string{"stage"})

	// BreakerUsed is the bytes currently charged to each breaker.
	BreakerUsed = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "isotope_breaker_used_bytes",
		Help: "Bytes currently charged to the memory breaker",
	}, []string{"breaker"})

	// BreakerTrips counts breaker trips.
	BreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "isotope_breaker_trips_total",
		Help: "Total number of memory breaker trips",
	}, []string{"breaker"})

	// ShardCPUSeconds is processing time attributed to each shard.
	ShardCPUSeconds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "isotope_shard_cpu_seconds_total",
		Help: "Processing time attributed to each shard",
	}, []string{"shard"})
)

// ServeMetrics starts an HTTP server on the given address to serve
// Prometheus metrics at /metrics.
func ServeMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go server.ListenAndServe()
	return server
}
