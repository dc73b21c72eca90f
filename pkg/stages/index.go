package stages

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/sandboxws/isotope/compute/pkg/connectors"
	"github.com/sandboxws/isotope/compute/pkg/lookup"
	"github.com/sandboxws/isotope/compute/pkg/operator"
)

// IndexSpec declares a synthetic lookup index: Rows generated rows of
// Columns keyed by the Key columns. Generated values are deterministic, so
// key k of an integer key column holds row k.
type IndexSpec struct {
	Columns []connectors.ColumnSpec `mapstructure:"columns"`
	Key     []string                `mapstructure:"key"`
	Rows    int                     `mapstructure:"rows"`
}

// IndexLoader returns a loader for a lookup.IndexRegistry that builds the
// declared indexes on first use.
func IndexLoader(mem memory.Allocator, specs map[string]IndexSpec) func(name string) (*lookup.Index, error) {
	return func(name string) (*lookup.Index, error) {
		spec, ok := specs[name]
		if !ok {
			return nil, fmt.Errorf("index %q is not declared", name)
		}
		return buildIndex(mem, name, spec)
	}
}

func buildIndex(mem memory.Allocator, name string, spec IndexSpec) (*lookup.Index, error) {
	schema, err := connectors.SchemaFromSpec(spec.Columns)
	if err != nil {
		return nil, fmt.Errorf("index %q: %w", name, err)
	}
	if spec.Rows <= 0 {
		return nil, fmt.Errorf("index %q: rows must be positive", name)
	}
	keyCols := make([]int, 0, len(spec.Key))
	for _, k := range spec.Key {
		idx := schema.FieldIndices(k)
		if len(idx) == 0 {
			return nil, fmt.Errorf("index %q: key column %q not declared", name, k)
		}
		keyCols = append(keyCols, idx[0])
	}

	gen, err := connectors.NewGenerator(connectors.GeneratorConfig{
		Schema:    schema,
		MaxRows:   int64(spec.Rows),
		BatchSize: spec.Rows,
	})
	if err != nil {
		return nil, fmt.Errorf("index %q: %w", name, err)
	}
	defer gen.Close()
	if err := gen.Open(operator.NewContext(context.Background(), mem, "index-"+name, "generator")); err != nil {
		return nil, err
	}
	p, err := gen.GetOutput()
	if err != nil {
		return nil, fmt.Errorf("index %q: %w", name, err)
	}
	defer p.Release()
	return lookup.NewIndex(mem, p, keyCols...)
}
