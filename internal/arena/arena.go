// Package arena stores objects behind generation-checked ids, so a stale id
// held across a destroy never resolves to a reused slot.
package arena

import (
	"errors"
	"fmt"
	"sort"
)

var ErrStale = errors.New("arena: stale id")

// ID is an index plus the generation the slot had when the value was
// inserted. The zero ID is never valid.
type ID struct {
	index uint32
	gen   uint32
}

func (id ID) IsZero() bool {
	return id.gen == 0
}

func (id ID) String() string {
	return fmt.Sprintf("%d#%d", id.index, id.gen)
}

type slot[T any] struct {
	gen  uint32
	seq  uint64
	live bool
	val  T
}

// Arena owns values of type T. It is not safe for concurrent use.
type Arena[T any] struct {
	slots []slot[T]
	free  []uint32
	seq   uint64
	count int
}

func New[T any]() *Arena[T] {
	return &Arena[T]{}
}

func (a *Arena[T]) Insert(v T) ID {
	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.slots = append(a.slots, slot[T]{})
		idx = uint32(len(a.slots) - 1)
	}
	s := &a.slots[idx]
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	a.seq++
	s.seq = a.seq
	s.live = true
	s.val = v
	a.count++
	return ID{index: idx, gen: s.gen}
}

func (a *Arena[T]) Get(id ID) (T, bool) {
	var zero T
	if !a.valid(id) {
		return zero, false
	}
	return a.slots[id.index].val, true
}

func (a *Arena[T]) Contains(id ID) bool {
	return a.valid(id)
}

// Remove releases the slot. The id and every copy of it become stale.
func (a *Arena[T]) Remove(id ID) (T, error) {
	var zero T
	if !a.valid(id) {
		return zero, ErrStale
	}
	s := &a.slots[id.index]
	v := s.val
	s.val = zero
	s.live = false
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	a.free = append(a.free, id.index)
	a.count--
	return v, nil
}

func (a *Arena[T]) Len() int {
	return a.count
}

// IDs returns a snapshot of live ids in insertion order.
func (a *Arena[T]) IDs() []ID {
	type entry struct {
		id  ID
		seq uint64
	}
	entries := make([]entry, 0, a.count)
	for i := range a.slots {
		s := &a.slots[i]
		if s.live {
			entries = append(entries, entry{id: ID{index: uint32(i), gen: s.gen}, seq: s.seq})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	ids := make([]ID, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	return ids
}

// Values returns a snapshot of live values in insertion order.
func (a *Arena[T]) Values() []T {
	ids := a.IDs()
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		out = append(out, a.slots[id.index].val)
	}
	return out
}

func (a *Arena[T]) valid(id ID) bool {
	if id.IsZero() || int(id.index) >= len(a.slots) {
		return false
	}
	s := &a.slots[id.index]
	return s.live && s.gen == id.gen
}
