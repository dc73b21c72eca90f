// Package hashset implements a growable open-addressed set of byte keys.
//
// Keys are copied into one contiguous arena and identified by dense ids
// assigned in insertion order. Collisions are resolved by linear probing.
package hashset

import (
	"bytes"

	"github.com/cespare/xxhash/v2"
)

const (
	initialSlots = 16
	// maxLoad is the load factor (in eighths) that triggers growth.
	maxLoad = 6
)

type slot struct {
	hash uint64
	id   int32 // id+1; zero marks an empty slot
}

// Bytes is a set of byte strings. The zero value is not usable; call New.
type Bytes struct {
	slots   []slot
	mask    uint64
	arena   []byte
	offsets []int // offsets[id] is the start of key id; offsets[len] is the arena end
}

// New returns an empty set sized for about hint keys.
func New(hint int) *Bytes {
	n := initialSlots
	for n*maxLoad/8 < hint {
		n <<= 1
	}
	return &Bytes{
		slots:   make([]slot, n),
		mask:    uint64(n - 1),
		offsets: []int{0},
	}
}

// Len returns the number of keys.
func (s *Bytes) Len() int { return len(s.offsets) - 1 }

// Key returns the key with the given id. The slice aliases the arena.
func (s *Bytes) Key(id int) []byte { return s.arena[s.offsets[id]:s.offsets[id+1]] }

// Hash returns the hash Find and Add use for key.
func Hash(key []byte) uint64 { return xxhash.Sum64(key) }

// Find returns the id of key or -1.
func (s *Bytes) Find(key []byte) int { return s.FindHashed(Hash(key), key) }

// FindHashed is Find with a precomputed Hash(key).
func (s *Bytes) FindHashed(h uint64, key []byte) int {
	for i := h & s.mask; ; i = (i + 1) & s.mask {
		sl := s.slots[i]
		if sl.id == 0 {
			return -1
		}
		if sl.hash == h && bytes.Equal(s.Key(int(sl.id-1)), key) {
			return int(sl.id - 1)
		}
	}
}

// Add inserts key if absent. It returns the key's id and whether it was
// newly added.
func (s *Bytes) Add(key []byte) (int, bool) { return s.AddHashed(Hash(key), key) }

// AddHashed is Add with a precomputed Hash(key).
func (s *Bytes) AddHashed(h uint64, key []byte) (int, bool) {
	i := h & s.mask
	for ; ; i = (i + 1) & s.mask {
		sl := s.slots[i]
		if sl.id == 0 {
			break
		}
		if sl.hash == h && bytes.Equal(s.Key(int(sl.id-1)), key) {
			return int(sl.id - 1), false
		}
	}
	id := s.Len()
	s.arena = append(s.arena, key...)
	s.offsets = append(s.offsets, len(s.arena))
	s.slots[i] = slot{hash: h, id: int32(id + 1)}
	if uint64(s.Len())*8 > uint64(len(s.slots))*maxLoad {
		s.grow()
	}
	return id, true
}

func (s *Bytes) grow() {
	old := s.slots
	s.slots = make([]slot, len(old)*2)
	s.mask = uint64(len(s.slots) - 1)
	for _, sl := range old {
		if sl.id == 0 {
			continue
		}
		i := sl.hash & s.mask
		for s.slots[i].id != 0 {
			i = (i + 1) & s.mask
		}
		s.slots[i] = sl
	}
}

// EstimatedBytes approximates the memory held by the set.
func (s *Bytes) EstimatedBytes() int64 {
	const slotSize = 16
	return int64(cap(s.slots))*slotSize + int64(cap(s.arena)) + int64(cap(s.offsets))*8
}
