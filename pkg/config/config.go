// Package config loads the process configuration: driver limits, the lookup
// indexes, the metrics endpoint, Kafka defaults, and the pipelines to run.
//
// Values come from, in increasing priority: built-in defaults, a YAML (or
// any viper-supported) file, and ISOTOPE_* environment variables. Nested
// keys map to variables by upper-casing and replacing dots with
// underscores, so lookup.chunk_rows is ISOTOPE_LOOKUP_CHUNK_ROWS. Keys are
// split on "::" internally so dotted field paths survive as map keys.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/sandboxws/isotope/compute/pkg/driver"
	"github.com/sandboxws/isotope/compute/pkg/metricsinfo"
	"github.com/sandboxws/isotope/compute/pkg/stages"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ISOTOPE"

const keyDelim = "::"

// ErrInvalidConfig is wrapped by every validation error.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the process configuration.
type Config struct {
	Driver  DriverConfig  `mapstructure:"driver"`
	Lookup  LookupConfig  `mapstructure:"lookup"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`

	// MetricsInfo maps data stream group -> field path -> metric. The
	// group "*" applies to every stream.
	MetricsInfo map[string]map[string]metricsinfo.MetricField `mapstructure:"metrics_info"`

	Pipelines []driver.Plan `mapstructure:"pipelines"`
}

type DriverConfig struct {
	MaxPageRows int `mapstructure:"max_page_rows"`

	// BreakerLimit is the memory budget in bytes shared by every pipeline.
	// Negative means unlimited.
	BreakerLimit    int64         `mapstructure:"breaker_limit"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LookupConfig struct {
	MaxOutstandingRequests int                         `mapstructure:"max_outstanding_requests"`
	ChunkRows              int                         `mapstructure:"chunk_rows"`
	Indexes                map[string]stages.IndexSpec `mapstructure:"indexes"`
}

type MetricsConfig struct {
	// Addr is the listen address of the /metrics endpoint. Empty disables it.
	Addr string `mapstructure:"addr"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	Group   string   `mapstructure:"group"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("driver::max_page_rows", metricsinfo.DefaultMaxPageRows)
	v.SetDefault("driver::breaker_limit", int64(-1))
	v.SetDefault("driver::shutdown_timeout", 30*time.Second)
	v.SetDefault("lookup::max_outstanding_requests", 4)
	v.SetDefault("lookup::chunk_rows", 1024)
	v.SetDefault("metrics::addr", ":9090")
	v.SetDefault("kafka::brokers", []string{})
	v.SetDefault("kafka::topic", "")
	v.SetDefault("kafka::group", "isotope-compute")
}

// Load reads the config file at path (optional when empty), applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	v := viper.NewWithOptions(viper.KeyDelimiter(keyDelim))
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(keyDelim, "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the limits and that pipeline names are unique. Plans
// themselves are checked against a stage registry by driver.Validate.
func (c *Config) Validate() error {
	if c.Driver.MaxPageRows <= 0 {
		return fmt.Errorf("%w: driver.max_page_rows must be positive", ErrInvalidConfig)
	}
	if c.Driver.ShutdownTimeout < 0 {
		return fmt.Errorf("%w: driver.shutdown_timeout must not be negative", ErrInvalidConfig)
	}
	if c.Lookup.MaxOutstandingRequests <= 0 {
		return fmt.Errorf("%w: lookup.max_outstanding_requests must be positive", ErrInvalidConfig)
	}
	if c.Lookup.ChunkRows <= 0 {
		return fmt.Errorf("%w: lookup.chunk_rows must be positive", ErrInvalidConfig)
	}
	for name, ix := range c.Lookup.Indexes {
		if len(ix.Key) == 0 {
			return fmt.Errorf("%w: lookup index %q has no key", ErrInvalidConfig, name)
		}
		if ix.Rows <= 0 {
			return fmt.Errorf("%w: lookup index %q needs positive rows", ErrInvalidConfig, name)
		}
	}
	seen := make(map[string]bool, len(c.Pipelines))
	for i, p := range c.Pipelines {
		if p.Name == "" {
			return fmt.Errorf("%w: pipeline %d has no name", ErrInvalidConfig, i)
		}
		if seen[p.Name] {
			return fmt.Errorf("%w: duplicate pipeline %q", ErrInvalidConfig, p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

// Classifier returns the configured metric classifier, or nil if none is
// configured.
func (c *Config) Classifier() metricsinfo.FieldClassifier {
	if len(c.MetricsInfo) == 0 {
		return nil
	}
	return metricsinfo.MappingClassifier(c.MetricsInfo)
}
