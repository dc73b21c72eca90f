package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sandboxws/isotope/compute/pkg/metricsinfo"
)

const sample = `
driver:
  max_page_rows: 256
  breaker_limit: 1048576
lookup:
  chunk_rows: 64
  indexes:
    users:
      key: [user_id]
      rows: 100
      columns:
        - {name: user_id, type: int64}
        - {name: name, type: string}
kafka:
  brokers: [localhost:9092]
metrics_info:
  "*":
    cpu.pct: {unit: percent, field_type: double, metric_type: gauge}
pipelines:
  - name: enrich
    parallelism: 2
    stages:
      - id: gen
        type: generator
        params:
          max_rows: 1000
          columns:
            - {name: uid, type: int64}
      - id: join
        type: lookup
        params: {index: users, match: [0]}
      - id: out
        type: console
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "isotope.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	require.Equal(t, 256, cfg.Driver.MaxPageRows)
	require.Equal(t, int64(1048576), cfg.Driver.BreakerLimit)
	require.Equal(t, 30*time.Second, cfg.Driver.ShutdownTimeout)
	require.Equal(t, 64, cfg.Lookup.ChunkRows)
	require.Equal(t, 4, cfg.Lookup.MaxOutstandingRequests)
	require.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	require.Equal(t, "isotope-compute", cfg.Kafka.Group)

	users := cfg.Lookup.Indexes["users"]
	require.Equal(t, []string{"user_id"}, users.Key)
	require.Equal(t, 100, users.Rows)
	require.Len(t, users.Columns, 2)
	require.Equal(t, "int64", users.Columns[0].Type)

	require.Len(t, cfg.Pipelines, 1)
	plan := cfg.Pipelines[0]
	require.Equal(t, "enrich", plan.Name)
	require.Equal(t, 2, plan.Parallelism)
	require.Len(t, plan.Stages, 3)
	require.Equal(t, "lookup", plan.Stages[1].Type)
	require.Equal(t, 1000, plan.Stages[0].Params.Int("max_rows", 0))
	require.Equal(t, "users", plan.Stages[1].Params.String("index", ""))

	f, ok := cfg.Classifier().Classify("logs-nginx", "cpu.pct")
	require.True(t, ok)
	require.Equal(t, metricsinfo.MetricField{Name: "cpu.pct", Unit: "percent", FieldType: "double", MetricType: "gauge"}, f)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, metricsinfo.DefaultMaxPageRows, cfg.Driver.MaxPageRows)
	require.Equal(t, int64(-1), cfg.Driver.BreakerLimit)
	require.Equal(t, ":9090", cfg.Metrics.Addr)
	require.Empty(t, cfg.Pipelines)
	require.Nil(t, cfg.Classifier())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ISOTOPE_LOOKUP_CHUNK_ROWS", "8")
	t.Setenv("ISOTOPE_METRICS_ADDR", "127.0.0.1:9191")
	t.Setenv("ISOTOPE_DRIVER_SHUTDOWN_TIMEOUT", "5s")

	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)
	require.Equal(t, 8, cfg.Lookup.ChunkRows)
	require.Equal(t, 5*time.Second, cfg.Driver.ShutdownTimeout)
	require.Equal(t, "127.0.0.1:9191", cfg.Metrics.Addr)
	// Untouched file values survive.
	require.Equal(t, 256, cfg.Driver.MaxPageRows)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = Load(writeConfig(t, "driver: [unclosed"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"zero page rows": `
driver:
  max_page_rows: 0
`,
		"zero chunk rows": `
lookup:
  chunk_rows: 0
`,
		"index without key": `
lookup:
  indexes:
    users: {rows: 5}
`,
		"index without rows": `
lookup:
  indexes:
    users: {key: [id]}
`,
		"unnamed pipeline": `
pipelines:
  - stages: []
`,
		"duplicate pipeline": `
pipelines:
  - name: a
  - name: a
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			require.True(t, errors.Is(err, ErrInvalidConfig), "got %v", err)
		})
	}
}
