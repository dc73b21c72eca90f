// Package load attributes pipeline processing time to the shards whose data
// the pipeline read.
package load

import (
	"sort"
	"sync"
	"time"
)

// Delta is the change in one shard's load since the previous report.
type Delta struct {
	Shard   string
	Elapsed time.Duration
	Rows    int64
}

// Reporter is implemented by stages that know which shard their rows came
// from. ReportLoad returns deltas since the previous call.
type Reporter interface {
	ReportLoad() []Delta
}

// Attributor accumulates per-shard processing time. It is goroutine-safe.
type Attributor struct {
	mu     sync.Mutex
	shards map[string]*Totals
	sinks  []func(shard string, d time.Duration)
}

// Totals is the accumulated load of one shard.
type Totals struct {
	Elapsed time.Duration
	Rows    int64
}

// NewAttributor returns an empty attributor. Each sink is called with every
// amount of time attributed to a shard.
func NewAttributor(sinks ...func(shard string, d time.Duration)) *Attributor {
	return &Attributor{shards: make(map[string]*Totals), sinks: sinks}
}

// Record attributes total processing time given the deltas reported during
// it. Time reported by a delta goes to its shard. The remainder (total minus
// reported time) goes to the single contributing shard, or is split across
// contributing shards in proportion to the rows each emitted.
func (a *Attributor) Record(total time.Duration, deltas []Delta) {
	if len(deltas) == 0 {
		return
	}
	byShard := make(map[string]*Totals)
	var order []string
	var reported time.Duration
	var rows int64
	for _, d := range deltas {
		t, ok := byShard[d.Shard]
		if !ok {
			t = &Totals{}
			byShard[d.Shard] = t
			order = append(order, d.Shard)
		}
		t.Elapsed += d.Elapsed
		t.Rows += d.Rows
		reported += d.Elapsed
		rows += d.Rows
	}

	if remainder := total - reported; remainder > 0 {
		switch {
		case len(order) == 1:
			byShard[order[0]].Elapsed += remainder
		case rows > 0:
			var assigned time.Duration
			for i, shard := range order {
				t := byShard[shard]
				share := time.Duration(float64(remainder) * float64(t.Rows) / float64(rows))
				if i == len(order)-1 {
					share = remainder - assigned
				}
				t.Elapsed += share
				assigned += share
			}
		default:
			share := remainder / time.Duration(len(order))
			for _, shard := range order {
				byShard[shard].Elapsed += share
			}
		}
	}

	a.mu.Lock()
	for _, shard := range order {
		add := byShard[shard]
		t, ok := a.shards[shard]
		if !ok {
			t = &Totals{}
			a.shards[shard] = t
		}
		t.Elapsed += add.Elapsed
		t.Rows += add.Rows
	}
	a.mu.Unlock()

	for _, shard := range order {
		for _, sink := range a.sinks {
			sink(shard, byShard[shard].Elapsed)
		}
	}
}

// Snapshot returns a copy of the accumulated totals.
func (a *Attributor) Snapshot() map[string]Totals {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]Totals, len(a.shards))
	for k, v := range a.shards {
		out[k] = *v
	}
	return out
}

// Shards returns the shard names seen so far, sorted.
func (a *Attributor) Shards() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.shards))
	for k := range a.shards {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Counter is a Reporter helper that accumulates load and hands out deltas.
type Counter struct {
	mu      sync.Mutex
	pending map[string]*Delta
	order   []string
}

// Add accumulates load for shard.
func (c *Counter) Add(shard string, elapsed time.Duration, rows int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		c.pending = make(map[string]*Delta)
	}
	d, ok := c.pending[shard]
	if !ok {
		d = &Delta{Shard: shard}
		c.pending[shard] = d
		c.order = append(c.order, shard)
	}
	d.Elapsed += elapsed
	d.Rows += rows
}

// ReportLoad returns and resets the accumulated deltas.
func (c *Counter) ReportLoad() []Delta {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.order) == 0 {
		return nil
	}
	out := make([]Delta, 0, len(c.order))
	for _, shard := range c.order {
		out = append(out, *c.pending[shard])
	}
	c.pending = nil
	c.order = nil
	return out
}
