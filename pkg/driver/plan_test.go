package driver

import (
	"context"
	"errors"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/sandboxws/isotope/compute/pkg/connectors"
	"github.com/sandboxws/isotope/compute/pkg/operators"
)

func testRegistry() (*Registry, *[]*connectors.Discard) {
	var sinks []*connectors.Discard
	reg := NewRegistry()
	reg.Register("pages", KindSource, func(p Params) (any, error) {
		return connectors.NewPageSource(), nil
	})
	reg.Register("dedup", KindOperator, func(p Params) (any, error) {
		return operators.NewDedup(p.Int("key", 0)), nil
	})
	reg.Register("broken", KindOperator, func(p Params) (any, error) {
		return nil, errors.New("cannot build")
	})
	reg.Register("discard", KindSink, func(p Params) (any, error) {
		d := connectors.NewDiscard()
		sinks = append(sinks, d)
		return d, nil
	})
	return reg, &sinks
}

func stages(types ...string) []StageSpec {
	out := make([]StageSpec, len(types))
	for i, typ := range types {
		out[i] = StageSpec{ID: typ + "-" + string(rune('a'+i)), Type: typ}
	}
	return out
}

func TestValidate(t *testing.T) {
	reg, _ := testRegistry()
	cases := []struct {
		name    string
		plan    Plan
		wantErr bool
	}{
		{"valid", Plan{Name: "p", Stages: stages("pages", "dedup", "discard")}, false},
		{"source and sink only", Plan{Name: "p", Stages: stages("pages", "discard")}, false},
		{"no name", Plan{Stages: stages("pages", "discard")}, true},
		{"too short", Plan{Name: "p", Stages: stages("pages")}, true},
		{"negative parallelism", Plan{Name: "p", Parallelism: -1, Stages: stages("pages", "discard")}, true},
		{"unknown type", Plan{Name: "p", Stages: stages("pages", "sort", "discard")}, true},
		{"sink first", Plan{Name: "p", Stages: stages("discard", "pages")}, true},
		{"operator last", Plan{Name: "p", Stages: stages("pages", "dedup")}, true},
		{"source in the middle", Plan{Name: "p", Stages: stages("pages", "pages", "discard")}, true},
		{"duplicate id", Plan{Name: "p", Stages: []StageSpec{
			{ID: "x", Type: "pages"}, {ID: "x", Type: "discard"},
		}}, true},
		{"empty id", Plan{Name: "p", Stages: []StageSpec{
			{ID: "src", Type: "pages"}, {Type: "discard"},
		}}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.plan, reg)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidPlan) {
					t.Fatalf("expected ErrInvalidPlan, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestBuildOneDriverPerInstance(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer alloc.AssertSize(t, 0)

	reg, sinks := testRegistry()
	plan := Plan{Name: "fanout", Parallelism: 3, Stages: stages("pages", "dedup", "discard")}
	drivers, err := Build(plan, reg, Options{Alloc: alloc})
	if err != nil {
		t.Fatal(err)
	}
	if len(drivers) != 3 || len(*sinks) != 3 {
		t.Fatalf("built %d drivers, %d sinks", len(drivers), len(*sinks))
	}
	if drivers[2].ID() != "fanout-2" || drivers[2].opts.Instance != 2 || drivers[2].opts.Parallelism != 3 {
		t.Errorf("instance info wrong: id=%s opts=%+v", drivers[2].ID(), drivers[2].opts)
	}
	if err := NewRunner(drivers...).Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	for i, s := range *sinks {
		if !s.IsFinished() {
			t.Errorf("sink %d not finished", i)
		}
	}
}

func TestBuildFactoryError(t *testing.T) {
	reg, sinks := testRegistry()
	plan := Plan{Name: "broken", Stages: stages("pages", "broken", "discard")}
	_, err := Build(plan, reg, Options{})
	if err == nil {
		t.Fatal("expected factory error")
	}
	if len(*sinks) != 0 {
		t.Errorf("sink built after a failing stage")
	}
}

func TestParams(t *testing.T) {
	p := Params{
		"n":     "42",
		"f":     3.0,
		"flag":  "true",
		"cols":  []any{"a", "b"},
		"table": map[string]any{"x": 1},
		"bad":   "many",
	}
	if p.Int("n", 0) != 42 || p.Int("f", 0) != 3 {
		t.Errorf("Int: n=%d f=%d", p.Int("n", 0), p.Int("f", 0))
	}
	if p.Int("bad", 7) != 7 || p.Int("missing", 9) != 9 {
		t.Error("Int should fall back to the default")
	}
	if !p.Bool("flag", false) || !p.Bool("missing", true) {
		t.Error("Bool")
	}
	if got := p.Strings("cols"); len(got) != 2 || got[1] != "b" {
		t.Errorf("Strings = %v", got)
	}
	if p.Map("table")["x"] != 1 {
		t.Errorf("Map = %v", p.Map("table"))
	}
	if p.String("missing", "def") != "def" {
		t.Error("String default")
	}
	if _, err := p.Require("missing"); err == nil {
		t.Error("Require should fail for a missing key")
	}
}
