// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package intern implements a reference counted string interning store.
//
// A Store deduplicates equal byte strings into a single owned copy and hands
// out a small integer ID for each distinct string. Interning the same
// contents again returns the same ID and bumps a per-ID reference count.
// Releasing an ID drops the count and, once it reaches zero, frees the copy
// and makes the ID available for reuse.
//
// # Implementation
//
// A Store is made of two structures. The slot storage is a growable array of
// records indexed by ID, with a parallel array of reference counts and a
// stack of free IDs. IDs are plain indexes into it, so an ID is stable for
// as long as its record is live: growing the array moves the array, not the
// indexes. Freed IDs are reused most-recently-freed first.
//
// The dedup index maps string contents to IDs. It is an open-addressing hash
// table using linear probing with robin-hood hashing: an insertion that has
// probed further from its home position than the occupant it meets takes
// that occupant's position, and the occupant continues probing. This bounds
// the variance of probe lengths and lets a failed lookup stop as soon as it
// meets an occupant closer to home than itself. Deletion uses backward
// shifting: the entries following the removed one are moved back a position
// until an empty position or an entry at its home position is reached, so
// no tombstones are needed. The index grows by doubling before an insertion
// would take its load factor past the maximum (0.75 by default) and never
// shrinks. The index stores only copies of IDs and is rebuilt from the
// record contents on resize, which is what decouples the IDs from the hash
// table layout.
//
// All memory is obtained through an Allocator, by default one backed by
// make() and the GC.
package intern

import (
	"fmt"
	"unsafe"
)

const debug = false

// ID identifies an interned string. It is the index of the string's record in
// the slot storage.
type ID uint32

// Store is a reference counted string interning store with Intern, Lookup,
// Release, and All operations. The zero value for a Store is not usable; use
// New.
//
// A Store is NOT goroutine-safe.
type Store struct {
	// The hash function applied to string contents.
	hash hashFn
	// The allocator to use for records and the index and slot arrays.
	allocator Allocator
	// The maximum ratio of index.used to index.capacity.
	maxLoad float64
	// The minimum capacity of the index and the slot storage. Always a power
	// of 2.
	minCapacity int

	index index
	slots slots
}

// New constructs a new Store sized to hold initialCapacity distinct strings
// without growing. If initialCapacity is 0 the store will start out with zero
// capacity and will grow on the first Intern.
func New(initialCapacity int, options ...option) *Store {
	s := &Store{
		hash:        defaultHash,
		allocator:   defaultAllocator{},
		maxLoad:     DefaultMaxLoadFactor,
		minCapacity: DefaultMinCapacity,
	}

	for _, op := range options {
		op.apply(s)
	}

	if !(s.maxLoad > 0 && s.maxLoad < 1) {
		panic(fmt.Sprintf("intern: max load factor %v is not in (0, 1)", s.maxLoad))
	}
	s.minCapacity = roundUpPow2(max(s.minCapacity, DefaultMinCapacity))

	if initialCapacity > 0 {
		s.slots.grow(s, roundUpPow2(max(initialCapacity, s.minCapacity)))
		s.index.resize(s, s.index.targetCapacity(s, initialCapacity))
	}

	s.checkInvariants()
	return s
}

// Close closes the store, releasing every interned string and the backing
// arrays to its configured allocator. It is unnecessary to close a store
// using the default allocator. All outstanding IDs are invalidated and it is
// invalid to use a Store after it has been closed, though Close itself is
// idempotent.
func (s *Store) Close() {
	if s.allocator == nil {
		return
	}
	s.index.close(s)
	s.slots.close(s)
	s.allocator = nil
}

// Intern returns the ID for the contents of b, copying b into the store if
// it holds no equal string. Each call increments the reference count of the
// returned ID by one and must be balanced by a call to Release. The store
// does not retain b.
func (s *Store) Intern(b []byte) ID {
	h := s.hash(b)
	id, inserted := s.index.findOrInsert(s, b, h)
	if !inserted {
		if s.slots.refs[id] == ^uint32(0) {
			panic(fmt.Sprintf("intern: reference count overflow for id %d", id))
		}
		s.slots.refs[id]++
	}
	if debug {
		fmt.Printf("intern(%q): id=%d inserted=%t refs=%d\n", b, id, inserted, s.slots.refs[id])
	}
	s.checkInvariants()
	return id
}

// InternString is Intern for a string.
func (s *Store) InternString(str string) ID {
	return s.Intern(unsafe.Slice(unsafe.StringData(str), len(str)))
}

// Find returns the ID of the string equal to b without changing any reference
// count, or ok=false if there is none.
func (s *Store) Find(b []byte) (id ID, ok bool) {
	pos, _, ok := s.index.probe(s, b, s.hash(b))
	if !ok {
		return 0, false
	}
	return ID(s.index.ids[pos]), true
}

// Lookup returns the contents of the string identified by id. The returned
// slice is owned by the store: it must not be modified and is only valid
// until the reference count of id drops to zero. Lookup panics if id is not
// live.
func (s *Store) Lookup(id ID) []byte {
	return s.slots.get(id)
}

// LookupString is Lookup returning a string that shares memory with the
// store. It carries the same validity restriction as the slice returned by
// Lookup.
func (s *Store) LookupString(id ID) string {
	b := s.slots.get(id)
	return unsafe.String(unsafe.SliceData(b), len(b))
}

// Release drops one reference to id. When the last reference is dropped the
// string is removed from the store and id becomes available for reuse.
// Release panics if id is not live.
func (s *Store) Release(id ID) {
	b := s.slots.get(id)
	s.slots.refs[id]--
	if s.slots.refs[id] > 0 {
		if debug {
			fmt.Printf("release(%d): refs=%d\n", id, s.slots.refs[id])
		}
		return
	}

	if !s.index.remove(s, id, s.hash(b)) {
		panic(fmt.Sprintf("invariant failed: release(%d): %q not found in index\n%s",
			id, b, s.index.debugString(s)))
	}
	s.slots.release(s, id)
	if debug {
		fmt.Printf("release(%d): freed free=%d\n", id, s.slots.nfree)
	}
	s.checkInvariants()
}

// Refs returns the reference count of id. It is 0 for an ID that is not live.
func (s *Store) Refs(id ID) uint32 {
	if int(id) >= s.slots.capacity() {
		return 0
	}
	return s.slots.refs[id]
}

// All calls yield sequentially in ID order for each live string in the
// store. If yield returns false, iteration stops. The slices passed to yield
// carry the same restrictions as those returned by Lookup. The store must not
// be mutated during iteration.
func (s *Store) All(yield func(id ID, b []byte) bool) {
	for i, n := 0, s.slots.capacity(); i < n; i++ {
		if s.slots.refs[i] == 0 {
			continue
		}
		if !yield(ID(i), s.slots.records[i]) {
			return
		}
	}
}

// Len returns the number of distinct strings in the store.
func (s *Store) Len() int {
	return s.index.used
}

// capacity returns the capacity of the dedup index.
func (s *Store) capacity() int {
	return int(s.index.capacity)
}

func (s *Store) checkInvariants() {
	if !invariants {
		return
	}
	s.index.checkInvariants(s)

	var live int
	for i, n := 0, s.slots.capacity(); i < n; i++ {
		if s.slots.refs[i] > 0 {
			live++
		}
	}
	if live != s.index.used {
		panic(fmt.Sprintf("invariant failed: %d live slots, but index holds %d\n%s",
			live, s.index.used, s.index.debugString(s)))
	}
	if live+s.slots.nfree != s.slots.capacity() {
		panic(fmt.Sprintf("invariant failed: %d live + %d free != %d slots",
			live, s.slots.nfree, s.slots.capacity()))
	}
	seen := make(map[uint32]struct{}, s.slots.nfree)
	for _, id := range s.slots.free[:s.slots.nfree] {
		if s.slots.refs[id] != 0 {
			panic(fmt.Sprintf("invariant failed: free slot %d has refs=%d", id, s.slots.refs[id]))
		}
		if _, ok := seen[id]; ok {
			panic(fmt.Sprintf("invariant failed: slot %d is on the free list twice", id))
		}
		seen[id] = struct{}{}
	}
}
