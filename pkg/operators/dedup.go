package operators

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/sandboxws/isotope/compute/pkg/breaker"
	"github.com/sandboxws/isotope/compute/pkg/hashset"
	"github.com/sandboxws/isotope/compute/pkg/operator"
	"github.com/sandboxws/isotope/compute/pkg/page"
)

// Dedup passes only the first occurrence of each distinct non-null value of
// one key block. Positions with a null key are dropped.
type Dedup struct {
	pageBuffer
	keyChannel int
	seen       *hashset.Bytes
	tracker    *breaker.Tracker
	scratch    []byte
	dup        []bool   // per dictionary ordinal, reused across pages
	hashes     []uint64 // per dictionary ordinal, reused across pages
}

// NewDedup creates a Dedup keyed on block keyChannel.
func NewDedup(keyChannel int) *Dedup {
	d := &Dedup{
		pageBuffer: newPageBuffer("dedup"),
		keyChannel: keyChannel,
		seen:       hashset.New(1024),
		tracker:    breaker.NewTracker(nil, "dedup"),
	}
	d.transform = d.apply
	return d
}

func (d *Dedup) Open(ctx *operator.Context) error {
	d.open(ctx)
	d.tracker = ctx.Tracker()
	return d.tracker.Resize(d.seen.EstimatedBytes())
}

// Distinct returns how many distinct keys have passed so far.
func (d *Dedup) Distinct() int { return d.seen.Len() }

func (d *Dedup) apply(p *page.Page) (*page.Page, error) {
	if d.keyChannel >= p.BlockCount() {
		p.Release()
		return nil, fmt.Errorf("dedup: key channel %d out of range for %d blocks", d.keyChannel, p.BlockCount())
	}
	key := p.Block(d.keyChannel)

	var positions []int
	switch page.EncodingOf(key) {
	case page.Constant:
		positions = d.constantPositions(key, p.PositionCount())
	case page.Dictionary:
		positions = d.dictionaryPositions(key.(*array.Dictionary))
	default:
		positions = d.flatPositions(key)
	}

	if err := d.tracker.Resize(d.seen.EstimatedBytes()); err != nil {
		p.Release()
		return nil, err
	}
	return p.Filter(d.alloc, positions)
}

// constantPositions decides the whole page with one lookup. Only the first
// position can be a first occurrence.
func (d *Dedup) constantPositions(key arrow.Array, n int) []int {
	if n == 0 || page.IsNull(key, 0) {
		return nil
	}
	d.scratch = page.KeyBytes(key, 0, d.scratch[:0])
	if _, added := d.seen.Add(d.scratch); !added {
		return nil
	}
	return []int{0}
}

// dictionaryPositions hashes each dictionary entry once, then filters by
// ordinal.
func (d *Dedup) dictionaryPositions(key *array.Dictionary) []int {
	dict := key.Dictionary()
	n := dict.Len()
	if cap(d.dup) < n {
		d.dup = make([]bool, n)
		d.hashes = make([]uint64, n)
	}
	// dup[o] is set once ordinal o may no longer pass: it was already in the
	// set before this page, or it passed earlier in this page.
	dup, hashes := d.dup[:n], d.hashes[:n]
	for o := 0; o < n; o++ {
		if page.IsNull(dict, o) {
			dup[o] = true
			continue
		}
		d.scratch = page.KeyBytes(dict, o, d.scratch[:0])
		hashes[o] = hashset.Hash(d.scratch)
		dup[o] = d.seen.FindHashed(hashes[o], d.scratch) >= 0
	}

	var positions []int
	for pos := 0; pos < key.Len(); pos++ {
		if key.IsNull(pos) {
			continue
		}
		o := key.GetValueIndex(pos)
		if dup[o] {
			continue
		}
		dup[o] = true
		d.scratch = page.KeyBytes(dict, o, d.scratch[:0])
		if _, added := d.seen.AddHashed(hashes[o], d.scratch); added {
			positions = append(positions, pos)
		}
	}
	return positions
}

func (d *Dedup) flatPositions(key arrow.Array) []int {
	var positions []int
	for pos := 0; pos < key.Len(); pos++ {
		if page.IsNull(key, pos) {
			continue
		}
		d.scratch = page.KeyBytes(key, pos, d.scratch[:0])
		if _, added := d.seen.Add(d.scratch); added {
			positions = append(positions, pos)
		}
	}
	return positions
}

func (d *Dedup) Close() error {
	d.tracker.Close()
	return d.pageBuffer.Close()
}
