// Package connectors implements the sources and sinks at the ends of a
// pipeline.
package connectors

import (
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
)

const defaultBatchSize = 1024

// ColumnSpec declares one column of a connector schema.
type ColumnSpec struct {
	Name     string `mapstructure:"name"`
	Type     string `mapstructure:"type"`
	Nullable bool   `mapstructure:"nullable"`
}

// SchemaFromSpec builds an Arrow schema from column declarations.
func SchemaFromSpec(cols []ColumnSpec) (*arrow.Schema, error) {
	if len(cols) == 0 {
		return nil, fmt.Errorf("schema: no columns")
	}
	fields := make([]arrow.Field, len(cols))
	seen := make(map[string]bool, len(cols))
	for i, c := range cols {
		if c.Name == "" {
			return nil, fmt.Errorf("schema: column %d has no name", i)
		}
		if seen[c.Name] {
			return nil, fmt.Errorf("schema: duplicate column %q", c.Name)
		}
		seen[c.Name] = true
		dt, err := ParseType(c.Type)
		if err != nil {
			return nil, fmt.Errorf("schema: column %q: %w", c.Name, err)
		}
		fields[i] = arrow.Field{Name: c.Name, Type: dt, Nullable: c.Nullable}
	}
	return arrow.NewSchema(fields, nil), nil
}

// ParseType maps a column type name to its Arrow type.
func ParseType(t string) (arrow.DataType, error) {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "int8":
		return arrow.PrimitiveTypes.Int8, nil
	case "int16":
		return arrow.PrimitiveTypes.Int16, nil
	case "int32", "int":
		return arrow.PrimitiveTypes.Int32, nil
	case "int64", "bigint", "long":
		return arrow.PrimitiveTypes.Int64, nil
	case "float32", "float":
		return arrow.PrimitiveTypes.Float32, nil
	case "float64", "double":
		return arrow.PrimitiveTypes.Float64, nil
	case "string", "keyword", "text":
		return arrow.BinaryTypes.String, nil
	case "bool", "boolean":
		return arrow.FixedWidthTypes.Boolean, nil
	case "timestamp_ms", "timestamp":
		return arrow.FixedWidthTypes.Timestamp_ms, nil
	case "timestamp_us":
		return arrow.FixedWidthTypes.Timestamp_us, nil
	case "list<string>", "strings":
		return arrow.ListOf(arrow.BinaryTypes.String), nil
	default:
		return nil, fmt.Errorf("unsupported type %q", t)
	}
}
