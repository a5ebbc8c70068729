/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package handle implements a generational-index slot table, replacing the
// raw-pointer-as-handle pattern of the original C++ object model with a
// memory-safe index+generation pair. Each handle-addressed Portals object
// kind gets its own Table[T] instance: one each for MD, EQ and CT, and one
// shared by LE and ME. NIs and PTs are looked up by PID and portal index
// instead.
package handle

import (
	"errors"
	"sync"
)

// ErrInvalid is returned when a Handle does not resolve to a live slot,
// either because the index is out of range, the slot is empty, or the
// generation has moved on (the object the handle referred to was freed).
var ErrInvalid = errors.New("handle: invalid or stale handle")

// Handle is an opaque, comparable reference into a Table. The zero Handle
// is the reserved "invalid handle" sentinel (mirroring PTL_INVALID_HANDLE),
// matching any real slot never.
type Handle struct {
	index uint32
	gen    uint32
}

// IsValid reports whether h is not the reserved invalid sentinel. It does
// NOT guarantee the slot is still live; Table.Get still returns ErrInvalid
// for handles that have been freed in the meantime.
func (h Handle) IsValid() bool {
	return h.gen != 0
}

type slot[T any] struct {
	gen    uint32
	occupied bool
	value  T
}

// Table is a generation-checked slot table for one object kind. Safe for
// concurrent use; callers at the NI/PT/MD/etc. level should still serialize
// their own higher-level invariants (e.g. in-use/needs-unlink for MEs).
type Table[T any] struct {
	mtx   sync.Mutex
	slots []slot[T]
	free  []uint32
}

// New returns an empty table.
func New[T any]() *Table[T] {
	return &Table[T]{}
}

// Alloc inserts value and returns a fresh Handle for it.
func (t *Table[T]) Alloc(value T) Handle {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	if n := len(t.free); n > 0 {
		idx := t.free[n-1]
		t.free = t.free[:n-1]
		s := &t.slots[idx]
		s.occupied = true
		s.value = value
		return Handle{index: idx, gen: s.gen}
	}

	idx := uint32(len(t.slots))
	t.slots = append(t.slots, slot[T]{gen: 1, occupied: true, value: value})
	return Handle{index: idx, gen: 1}
}

// Get resolves h to its live value.
func (t *Table[T]) Get(h Handle) (T, error) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	var zero T
	if !h.IsValid() || int(h.index) >= len(t.slots) {
		return zero, ErrInvalid
	}
	s := &t.slots[h.index]
	if !s.occupied || s.gen != h.gen {
		return zero, ErrInvalid
	}
	return s.value, nil
}

// Update replaces the value behind h in place, failing the same way Get
// would on a stale handle.
func (t *Table[T]) Update(h Handle, value T) error {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if !h.IsValid() || int(h.index) >= len(t.slots) {
		return ErrInvalid
	}
	s := &t.slots[h.index]
	if !s.occupied || s.gen != h.gen {
		return ErrInvalid
	}
	s.value = value
	return nil
}

// Mutate calls fn with a pointer to the live value behind h, allowing
// in-place field updates without a Get/Update round trip.
func (t *Table[T]) Mutate(h Handle, fn func(*T)) error {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if !h.IsValid() || int(h.index) >= len(t.slots) {
		return ErrInvalid
	}
	s := &t.slots[h.index]
	if !s.occupied || s.gen != h.gen {
		return ErrInvalid
	}
	fn(&s.value)
	return nil
}

// Free retires h, bumping the slot's generation so any other outstanding
// copy of h becomes stale, and recycles the index for a future Alloc.
func (t *Table[T]) Free(h Handle) error {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if !h.IsValid() || int(h.index) >= len(t.slots) {
		return ErrInvalid
	}
	s := &t.slots[h.index]
	if !s.occupied || s.gen != h.gen {
		return ErrInvalid
	}
	var zero T
	s.value = zero
	s.occupied = false
	s.gen++
	if s.gen == 0 {
		s.gen = 1 // generation wraparound never re-validates a stale handle at gen 0
	}
	t.free = append(t.free, h.index)
	return nil
}

// Each calls fn for every currently-occupied slot, in index order. fn must
// not call back into the same Table (Alloc/Free/Get all take the lock).
func (t *Table[T]) Each(fn func(Handle, *T)) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	for i := range t.slots {
		s := &t.slots[i]
		if s.occupied {
			fn(Handle{index: uint32(i), gen: s.gen}, &s.value)
		}
	}
}
