package metricsinfo

import (
	"sort"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/cespare/xxhash/v2"

	"github.com/sandboxws/isotope/compute/pkg/breaker"
	"github.com/sandboxws/isotope/compute/pkg/page"
)

type stringSet map[string]struct{}

func (s stringSet) add(v string) bool {
	if v == "" {
		return false
	}
	if _, ok := s[v]; ok {
		return false
	}
	s[v] = struct{}{}
	return true
}

func (s stringSet) sorted() []string {
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

type accKey struct {
	metric string
	group  string
}

// entry is what is known about one metric within one data stream.
type entry struct {
	units       stringSet
	metricTypes stringSet
	fieldTypes  stringSet
	dims        stringSet
}

func newEntry() *entry {
	return &entry{
		units:       stringSet{},
		metricTypes: stringSet{},
		fieldTypes:  stringSet{},
		dims:        stringSet{},
	}
}

// entryOverhead approximates the fixed memory of an entry and its key.
const entryOverhead = 256

// accumulator collects entries keyed by (metric, data stream) and charges
// their estimated size to a breaker tracker.
type accumulator struct {
	entries map[accKey]*entry
	order   []accKey
	tracker *breaker.Tracker
}

func newAccumulator(tracker *breaker.Tracker) *accumulator {
	return &accumulator{entries: make(map[accKey]*entry), tracker: tracker}
}

func (a *accumulator) get(metric, group string) (*entry, error) {
	k := accKey{metric: metric, group: group}
	if e, ok := a.entries[k]; ok {
		return e, nil
	}
	if err := a.tracker.Grow(int64(entryOverhead + len(metric) + len(group))); err != nil {
		return nil, err
	}
	e := newEntry()
	a.entries[k] = e
	a.order = append(a.order, k)
	return e, nil
}

// addTo adds v to set s, charging the bytes it adds.
func (a *accumulator) addTo(s stringSet, v string) error {
	if v == "" {
		return nil
	}
	if _, ok := s[v]; ok {
		return nil
	}
	if err := a.tracker.Grow(int64(len(v) + 16)); err != nil {
		return err
	}
	s.add(v)
	return nil
}

// observe records one sighting of a metric in a data stream.
func (a *accumulator) observe(group string, f MetricField) (*entry, error) {
	e, err := a.get(f.Name, group)
	if err != nil {
		return nil, err
	}
	if err := a.addTo(e.units, f.Unit); err != nil {
		return nil, err
	}
	if err := a.addTo(e.metricTypes, f.MetricType); err != nil {
		return nil, err
	}
	if err := a.addTo(e.fieldTypes, f.FieldType); err != nil {
		return nil, err
	}
	return e, nil
}

// row is one drained output row.
type row struct {
	name        string
	streams     []string
	units       []string
	metricTypes []string
	fieldTypes  []string
	dims        []string
}

// drain merges entries that describe the same metric with identical unit,
// metric type and field type sets, then returns rows sorted by metric name
// and first data stream.
func (a *accumulator) drain() []row {
	type merged struct {
		signature string
		first     *entry
		streams   stringSet
		dims      stringSet
	}
	buckets := make(map[uint64][]*merged)
	var groups []*merged

	for _, k := range a.order {
		e := a.entries[k]
		sig := signature(k.metric, e)
		h := xxhash.Sum64String(sig)
		var m *merged
		for _, cand := range buckets[h] {
			if cand.signature == sig {
				m = cand
				break
			}
		}
		if m == nil {
			m = &merged{signature: sig, first: e, streams: stringSet{}, dims: stringSet{}}
			buckets[h] = append(buckets[h], m)
			groups = append(groups, m)
		}
		m.streams.add(k.group)
		for d := range e.dims {
			m.dims.add(d)
		}
	}

	rows := make([]row, 0, len(groups))
	for _, m := range groups {
		rows = append(rows, row{
			name:        strings.SplitN(m.signature, "\x00", 2)[0],
			streams:     m.streams.sorted(),
			units:       m.first.units.sorted(),
			metricTypes: m.first.metricTypes.sorted(),
			fieldTypes:  m.first.fieldTypes.sorted(),
			dims:        m.dims.sorted(),
		})
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].name != rows[j].name {
			return rows[i].name < rows[j].name
		}
		return first(rows[i].streams) < first(rows[j].streams)
	})
	return rows
}

func first(s []string) string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}

func signature(metric string, e *entry) string {
	var sb strings.Builder
	sb.WriteString(metric)
	for _, set := range []stringSet{e.units, e.metricTypes, e.fieldTypes} {
		sb.WriteByte(0)
		sb.WriteString(strings.Join(set.sorted(), "\x01"))
	}
	return sb.String()
}

// buildPages renders rows as pages of at most maxRows positions.
func buildPages(mem memory.Allocator, rows []row, maxRows int) []*page.Page {
	if maxRows <= 0 {
		maxRows = len(rows)
	}
	var pages []*page.Page
	for start := 0; start < len(rows); start += maxRows {
		end := min(start+maxRows, len(rows))
		pages = append(pages, buildPage(mem, rows[start:end]))
	}
	return pages
}

func buildPage(mem memory.Allocator, rows []row) *page.Page {
	names := array.NewStringBuilder(mem)
	defer names.Release()
	lists := make([]*array.ListBuilder, Schema.NumFields()-1)
	for i := range lists {
		lists[i] = array.NewListBuilder(mem, arrow.BinaryTypes.String)
		defer lists[i].Release()
	}
	for _, r := range rows {
		names.Append(r.name)
		for i, vals := range [][]string{r.streams, r.units, r.metricTypes, r.fieldTypes, r.dims} {
			appendSet(lists[i], vals)
		}
	}
	cols := make([]arrow.Array, 0, Schema.NumFields())
	cols = append(cols, names.NewArray())
	for _, l := range lists {
		cols = append(cols, l.NewArray())
	}
	rec := array.NewRecord(Schema, cols, int64(len(rows)))
	for _, c := range cols {
		c.Release()
	}
	return page.New(rec)
}

// appendSet writes an empty set as null and any other set as a list.
func appendSet(b *array.ListBuilder, vals []string) {
	if len(vals) == 0 {
		b.AppendNull()
		return
	}
	b.Append(true)
	vb := b.ValueBuilder().(*array.StringBuilder)
	for _, v := range vals {
		vb.Append(v)
	}
}
