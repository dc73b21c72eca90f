package driver

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cast"

	"github.com/sandboxws/isotope/compute/pkg/load"
	"github.com/sandboxws/isotope/compute/pkg/metrics"
)

// ErrInvalidPlan is wrapped by every plan validation error.
var ErrInvalidPlan = errors.New("invalid plan")

// Plan declares a linear pipeline.
type Plan struct {
	Name        string      `mapstructure:"name"`
	Parallelism int         `mapstructure:"parallelism"`
	Stages      []StageSpec `mapstructure:"stages"`
}

// StageSpec declares one stage of a Plan.
type StageSpec struct {
	ID     string `mapstructure:"id"`
	Type   string `mapstructure:"type"`
	Params Params `mapstructure:"params"`
}

// Params are the free-form settings of a stage.
type Params map[string]any

// String returns the string at key, or def if unset.
func (p Params) String(key, def string) string {
	v, ok := p[key]
	if !ok {
		return def
	}
	return cast.ToString(v)
}

// Int returns the integer at key, or def if unset or not numeric.
func (p Params) Int(key string, def int) int {
	v, ok := p[key]
	if !ok {
		return def
	}
	n, err := cast.ToIntE(v)
	if err != nil {
		return def
	}
	return n
}

// Bool returns the boolean at key, or def if unset.
func (p Params) Bool(key string, def bool) bool {
	v, ok := p[key]
	if !ok {
		return def
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return def
	}
	return b
}

// Strings returns the string list at key.
func (p Params) Strings(key string) []string {
	v, ok := p[key]
	if !ok {
		return nil
	}
	return cast.ToStringSlice(v)
}

// Map returns the nested map at key.
func (p Params) Map(key string) map[string]any {
	v, ok := p[key]
	if !ok {
		return nil
	}
	return cast.ToStringMap(v)
}

// Require returns the string at key or an error naming it.
func (p Params) Require(key string) (string, error) {
	s := p.String(key, "")
	if s == "" {
		return "", fmt.Errorf("missing required param %q", key)
	}
	return s, nil
}

// Kind classifies what a registered stage type builds.
type Kind int

const (
	KindSource Kind = iota
	KindOperator
	KindSink
)

func (k Kind) String() string {
	switch k {
	case KindSource:
		return "source"
	case KindSink:
		return "sink"
	default:
		return "operator"
	}
}

// Factory builds a stage from its params.
type Factory func(params Params) (any, error)

type registration struct {
	kind    Kind
	factory Factory
}

// Registry maps stage types to factories.
type Registry struct {
	entries map[string]registration
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registration)}
}

// Register adds a stage type. Registering a type twice replaces it.
func (r *Registry) Register(typ string, kind Kind, f Factory) {
	r.entries[typ] = registration{kind: kind, factory: f}
}

// Types returns the registered type names, sorted.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.entries))
	for t := range r.entries {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Validate checks the structure of plan against reg: at least a source and a
// sink, unique non-empty ids, known types, a source first, a sink last and
// operators in between.
func Validate(plan Plan, reg *Registry) error {
	if plan.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidPlan)
	}
	if len(plan.Stages) < 2 {
		return fmt.Errorf("%w: %s: need at least a source and a sink, got %d stages", ErrInvalidPlan, plan.Name, len(plan.Stages))
	}
	if plan.Parallelism < 0 {
		return fmt.Errorf("%w: %s: negative parallelism %d", ErrInvalidPlan, plan.Name, plan.Parallelism)
	}
	seen := make(map[string]bool, len(plan.Stages))
	for i, s := range plan.Stages {
		if s.ID == "" {
			return fmt.Errorf("%w: %s: stage[%d] has empty id", ErrInvalidPlan, plan.Name, i)
		}
		if seen[s.ID] {
			return fmt.Errorf("%w: %s: duplicate stage id %q", ErrInvalidPlan, plan.Name, s.ID)
		}
		seen[s.ID] = true

		entry, ok := reg.entries[s.Type]
		if !ok {
			return fmt.Errorf("%w: %s: stage %q has unknown type %q (known: %s)",
				ErrInvalidPlan, plan.Name, s.ID, s.Type, strings.Join(reg.Types(), ", "))
		}
		want := KindOperator
		switch i {
		case 0:
			want = KindSource
		case len(plan.Stages) - 1:
			want = KindSink
		}
		if entry.kind != want {
			return fmt.Errorf("%w: %s: stage %q is a %s, want a %s at position %d",
				ErrInvalidPlan, plan.Name, s.ID, entry.kind, want, i)
		}
	}
	return nil
}

// Build validates plan and instantiates one driver per unit of parallelism.
func Build(plan Plan, reg *Registry, opts Options) ([]*Driver, error) {
	if err := Validate(plan, reg); err != nil {
		return nil, err
	}
	n := plan.Parallelism
	if n == 0 {
		n = 1
	}
	drivers := make([]*Driver, 0, n)
	for inst := 0; inst < n; inst++ {
		stages := make([]Stage, 0, len(plan.Stages))
		for _, s := range plan.Stages {
			impl, err := reg.entries[s.Type].factory(s.Params)
			if err != nil {
				closeImpls(stages)
				closeDrivers(drivers)
				return nil, fmt.Errorf("build %s: stage %s (%s): %w", plan.Name, s.ID, s.Type, err)
			}
			stages = append(stages, Stage{ID: s.ID, Name: s.Type, Impl: impl})
		}
		o := opts
		o.Parallelism, o.Instance = n, inst
		d, err := New(fmt.Sprintf("%s-%d", plan.Name, inst), stages, o)
		if err != nil {
			closeImpls(stages)
			closeDrivers(drivers)
			return nil, err
		}
		drivers = append(drivers, d)
	}
	return drivers, nil
}

func closeImpls(stages []Stage) {
	for _, s := range stages {
		if c, ok := s.Impl.(interface{ Close() error }); ok {
			c.Close()
		}
	}
}

// closeDrivers closes the stages of drivers that were built but never run.
func closeDrivers(drivers []*Driver) {
	for _, d := range drivers {
		d.Discard()
	}
}

// NewShardAttributor returns an attributor that also exports attributed
// time as the per-shard CPU metric.
func NewShardAttributor() *load.Attributor {
	return load.NewAttributor(func(shard string, d time.Duration) {
		metrics.ShardCPUSeconds.WithLabelValues(shard).Add(d.Seconds())
	})
}
