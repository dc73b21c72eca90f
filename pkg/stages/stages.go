// Package stages registers the built-in stage types with a driver registry.
package stages

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/go-viper/mapstructure/v2"

	"github.com/sandboxws/isotope/compute/pkg/connectors"
	"github.com/sandboxws/isotope/compute/pkg/driver"
	"github.com/sandboxws/isotope/compute/pkg/lookup"
	"github.com/sandboxws/isotope/compute/pkg/metricsinfo"
	"github.com/sandboxws/isotope/compute/pkg/operators"
)

// Stage type names.
const (
	TypeGenerator    = "generator"
	TypeKafkaSource  = "kafka_source"
	TypeFilter       = "filter"
	TypeEval         = "eval"
	TypeProject      = "project"
	TypeLimit        = "limit"
	TypeDedup        = "dedup"
	TypeLookup       = "lookup"
	TypeMetricsInfo  = "metrics_info"
	TypeMetricsMerge = "metrics_info_merge"
	TypeConsole      = "console"
	TypeDiscard      = "discard"
	TypeKafkaSink    = "kafka_sink"
)

// Deps are the process-wide resources stages are built against.
type Deps struct {
	// Lookup answers lookup joins. Lookup stages fail to build without it.
	Lookup *lookup.Server
	// Classifier decides which document fields are metrics.
	Classifier metricsinfo.FieldClassifier
	// Alloc allocates pages decoded from the lookup exchange.
	Alloc memory.Allocator

	Brokers    []string
	KafkaTopic string
	KafkaGroup string

	MaxPageRows            int
	MaxOutstandingRequests int
	ChunkRows              int
}

// Registry returns a registry with every built-in stage type.
func Registry(deps Deps) *driver.Registry {
	reg := driver.NewRegistry()

	reg.Register(TypeGenerator, driver.KindSource, func(p driver.Params) (any, error) {
		schema, err := schemaParam(p, "columns")
		if err != nil {
			return nil, err
		}
		return connectors.NewGenerator(connectors.GeneratorConfig{
			Schema:        schema,
			RowsPerSecond: int64(p.Int("rows_per_second", 0)),
			MaxRows:       int64(p.Int("max_rows", 0)),
			BatchSize:     p.Int("batch_size", 0),
			Cardinality:   int64(p.Int("cardinality", 0)),
		})
	})

	reg.Register(TypeKafkaSource, driver.KindSource, func(p driver.Params) (any, error) {
		schema, err := schemaParam(p, "columns")
		if err != nil {
			return nil, err
		}
		return connectors.NewKafkaSource(connectors.KafkaSourceConfig{
			Brokers:     brokers(p, deps),
			Topic:       p.String("topic", deps.KafkaTopic),
			Group:       p.String("group", deps.KafkaGroup),
			StartOffset: p.String("start_offset", "earliest"),
			Schema:      schema,
			BatchSize:   p.Int("batch_size", 0),
		})
	})

	reg.Register(TypeFilter, driver.KindOperator, func(p driver.Params) (any, error) {
		cond, err := p.Require("condition")
		if err != nil {
			return nil, err
		}
		return operators.NewFilter(cond)
	})

	reg.Register(TypeEval, driver.KindOperator, func(p driver.Params) (any, error) {
		var cols []struct {
			Name string `mapstructure:"name"`
			SQL  string `mapstructure:"sql"`
		}
		if err := decode(p["columns"], &cols); err != nil {
			return nil, fmt.Errorf("eval columns: %w", err)
		}
		out := make([]operators.Column, len(cols))
		for i, c := range cols {
			out[i] = operators.Column{Name: c.Name, SQL: c.SQL}
		}
		return operators.NewEval(out)
	})

	reg.Register(TypeProject, driver.KindOperator, func(p driver.Params) (any, error) {
		var cols []struct {
			Name string `mapstructure:"name"`
			As   string `mapstructure:"as"`
			Cast string `mapstructure:"cast"`
		}
		if err := decode(p["columns"], &cols); err != nil {
			return nil, fmt.Errorf("project columns: %w", err)
		}
		out := make([]operators.ProjectColumn, len(cols))
		for i, c := range cols {
			out[i] = operators.ProjectColumn{Name: c.Name, As: c.As}
			if c.Cast != "" {
				dt, err := connectors.ParseType(c.Cast)
				if err != nil {
					return nil, fmt.Errorf("project column %q: %w", c.Name, err)
				}
				out[i].Cast = dt
			}
		}
		return operators.NewProject(out), nil
	})

	reg.Register(TypeLimit, driver.KindOperator, func(p driver.Params) (any, error) {
		return operators.NewLimit(p.Int("n", 0)), nil
	})

	reg.Register(TypeDedup, driver.KindOperator, func(p driver.Params) (any, error) {
		return operators.NewDedup(p.Int("key", 0)), nil
	})

	reg.Register(TypeLookup, driver.KindOperator, func(p driver.Params) (any, error) {
		if deps.Lookup == nil {
			return nil, fmt.Errorf("lookup: no lookup server configured")
		}
		index, err := p.Require("index")
		if err != nil {
			return nil, err
		}
		right, err := schemaParam(p, "right")
		if err != nil {
			return nil, err
		}
		var match []int
		if err := decode(p["match"], &match); err != nil || len(match) == 0 {
			return nil, fmt.Errorf("lookup: match must list the key blocks")
		}
		xcfg := lookup.ExchangeConfig{
			Index:     index,
			Node:      p.String("node", "local"),
			ChunkRows: p.Int("chunk_rows", deps.ChunkRows),
			Alloc:     deps.Alloc,
		}
		srv := deps.Lookup
		return lookup.New(lookup.Config{
			MatchFields:            match,
			RightSchema:            right,
			MaxOutstandingRequests: p.Int("max_outstanding_requests", deps.MaxOutstandingRequests),
			NewClient: func(ctx context.Context) (lookup.Client, error) {
				return srv.Connect(ctx, xcfg)
			},
			Shard: index,
		}), nil
	})

	reg.Register(TypeMetricsInfo, driver.KindOperator, func(p driver.Params) (any, error) {
		if deps.Classifier == nil {
			return nil, fmt.Errorf("metrics_info: no field classifier configured")
		}
		return metricsinfo.NewLocal(deps.Classifier, p.Int("max_page_rows", deps.MaxPageRows)), nil
	})

	reg.Register(TypeMetricsMerge, driver.KindOperator, func(p driver.Params) (any, error) {
		return metricsinfo.NewCoordinator(p.Int("max_page_rows", deps.MaxPageRows)), nil
	})

	reg.Register(TypeConsole, driver.KindSink, func(p driver.Params) (any, error) {
		return connectors.NewConsole(p.Int("max_rows", 20)), nil
	})

	reg.Register(TypeDiscard, driver.KindSink, func(p driver.Params) (any, error) {
		return connectors.NewDiscard(), nil
	})

	reg.Register(TypeKafkaSink, driver.KindSink, func(p driver.Params) (any, error) {
		return connectors.NewKafkaSink(connectors.KafkaSinkConfig{
			Brokers:     brokers(p, deps),
			Topic:       p.String("topic", deps.KafkaTopic),
			KeyBy:       p.Strings("key_by"),
			MaxInFlight: p.Int("max_in_flight", 0),
		})
	})

	return reg
}

func brokers(p driver.Params, deps Deps) []string {
	if b := p.Strings("brokers"); len(b) > 0 {
		return b
	}
	return deps.Brokers
}

// schemaParam decodes a list of column declarations at key.
func schemaParam(p driver.Params, key string) (*arrow.Schema, error) {
	var cols []connectors.ColumnSpec
	if err := decode(p[key], &cols); err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return connectors.SchemaFromSpec(cols)
}

func decode(in, out any) error {
	if in == nil {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(in)
}
