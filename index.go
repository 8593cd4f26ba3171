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

package intern

import (
	"bytes"
	"fmt"
	"strings"
)

// distEmpty marks an empty index slot. Occupied slots store their probe
// distance plus one so that a freshly allocated (zeroed) dists array is
// entirely empty.
const distEmpty = 0

// index is the dedup index: an open-addressing hash table from string
// contents to slot IDs using linear probing with robin-hood displacement.
//
// Every occupied position i holds the ID of a live record and the distance of
// i from the position hash(record)&mask at which probing for the record
// starts. Robin-hood insertion maintains the property that walking forward
// from any occupied position the stored distance increases by at most one per
// step. A probe for a key that has travelled further than the occupant it is
// looking at can therefore stop: had the key been present it would have
// displaced that occupant. Deletion uses backward shifting rather than
// tombstones so the property holds after removal without any rehashing.
//
// The index stores only copies of IDs. String contents are read from the
// slot storage during probing and resizing.
type index struct {
	// ids is capacity in length.
	ids []uint32
	// dists is capacity in length. See distEmpty.
	dists []uint32
	// The total number of positions, always 0 or a power of 2.
	capacity uintptr
	// capacity-1, used to compute i%capacity with a bitwise &.
	mask uintptr
	// The number of occupied positions.
	used int
}

// probe walks the probe sequence for b. If b is present it returns its
// position and ok=true. Otherwise it returns the position and stored
// distance at which b should be inserted: either an empty position or the
// first occupant closer to its home than b would be.
func (x *index) probe(s *Store, b []byte, h uint64) (pos uintptr, dist uint32, ok bool) {
	pos = uintptr(h) & x.mask
	dist = 1
	for n := uintptr(0); n < x.capacity; n++ {
		d := x.dists[pos]
		if d == distEmpty || d < dist {
			if debug {
				fmt.Printf("probe(%q): stop index=%d dist=%d occupant-dist=%d\n", b, pos, dist-1, int(d)-1)
			}
			return pos, dist, false
		}
		if bytes.Equal(s.slots.records[x.ids[pos]], b) {
			return pos, dist, true
		}
		pos = (pos + 1) & x.mask
		dist++
	}
	if x.capacity > 0 {
		panic(fmt.Sprintf("invariant failed: probe(%q) found no empty slot\n%s", b, x.debugString(s)))
	}
	return 0, 0, false
}

// findOrInsert returns the ID of the record equal to b, inserting a new record
// with a reference count of 1 if there is none. inserted reports whether a new
// record was created.
func (x *index) findOrInsert(s *Store, b []byte, h uint64) (id ID, inserted bool) {
	pos, dist, ok := x.probe(s, b, h)
	if ok {
		return ID(x.ids[pos]), false
	}

	// Grow before inserting if the insertion would push the load factor past
	// the maximum. The probe position is stale after a resize so the
	// insertion starts over from the home position.
	if x.needsGrow(s) {
		x.resize(s, x.targetCapacity(s, x.used+1))
		id = s.slots.put(s, b)
		x.insert(s, uintptr(h)&x.mask, uint32(id), 1)
		return id, true
	}

	id = s.slots.put(s, b)
	x.insert(s, pos, uint32(id), dist)
	return id, true
}

// insert places id with the stored distance dist at pos, displacing richer
// occupants. An occupant with a strictly smaller distance is evicted and
// carried forward in search of a new home; ties favour the occupant. The
// eviction may cascade but always ends at an empty position because the load
// factor is below 1.
func (x *index) insert(s *Store, pos uintptr, id uint32, dist uint32) {
	for n := uintptr(0); n < x.capacity; n++ {
		d := x.dists[pos]
		if d == distEmpty {
			x.ids[pos] = id
			x.dists[pos] = dist
			x.used++
			if debug {
				fmt.Printf("insert: index=%d id=%d dist=%d used=%d\n", pos, id, dist-1, x.used)
			}
			return
		}
		if d < dist {
			if debug {
				fmt.Printf("insert(steal): index=%d id=%d dist=%d evicts id=%d dist=%d\n",
					pos, id, dist-1, x.ids[pos], d-1)
			}
			x.ids[pos], id = id, x.ids[pos]
			x.dists[pos], dist = dist, d
		}
		pos = (pos + 1) & x.mask
		dist++
	}
	panic(fmt.Sprintf("invariant failed: insert(%d) found no empty slot\n%s", id, x.debugString(s)))
}

// remove deletes the entry for id, whose record hashes to h, and reports
// whether it was found.
func (x *index) remove(s *Store, id ID, h uint64) bool {
	pos := uintptr(h) & x.mask
	dist := uint32(1)
	for n := uintptr(0); n < x.capacity; n++ {
		d := x.dists[pos]
		if d == distEmpty || d < dist {
			return false
		}
		if x.ids[pos] == uint32(id) {
			x.shiftBackward(pos)
			x.used--
			if debug {
				fmt.Printf("remove: index=%d id=%d used=%d\n", pos, id, x.used)
			}
			return true
		}
		pos = (pos + 1) & x.mask
		dist++
	}
	return false
}

// shiftBackward closes the gap at pos by moving each following displaced
// entry back one position, stopping at an empty position or at an entry that
// already sits at its home position.
func (x *index) shiftBackward(pos uintptr) {
	for {
		next := (pos + 1) & x.mask
		d := x.dists[next]
		if d <= 1 {
			break
		}
		x.ids[pos] = x.ids[next]
		x.dists[pos] = d - 1
		pos = next
	}
	x.ids[pos] = 0
	x.dists[pos] = distEmpty
}

func (x *index) needsGrow(s *Store) bool {
	return float64(x.used+1) > float64(x.capacity)*s.maxLoad
}

// targetCapacity returns the smallest power of 2 that is at least the current
// capacity and the minimum capacity, and holds n entries without exceeding
// the maximum load factor.
func (x *index) targetCapacity(s *Store, n int) uintptr {
	c := max(x.capacity, uintptr(s.minCapacity))
	for float64(n) > float64(c)*s.maxLoad {
		c *= 2
	}
	return c
}

// resize allocates arrays of newCapacity positions and reinserts every entry.
// Positions are recomputed from the record contents since the home position
// of an entry depends on the capacity. IDs are unaffected.
func (x *index) resize(s *Store, newCapacity uintptr) {
	if newCapacity <= x.capacity {
		return
	}
	ids := s.allocator.AllocUint32s(int(newCapacity))
	dists := s.allocator.AllocUint32s(int(newCapacity))
	clear(dists)

	oldIDs, oldDists, oldCapacity := x.ids, x.dists, x.capacity
	x.ids, x.dists = ids, dists
	x.capacity = newCapacity
	x.mask = newCapacity - 1
	x.used = 0

	if debug {
		fmt.Printf("resize: capacity=%d->%d\n", oldCapacity, newCapacity)
	}

	for i := uintptr(0); i < oldCapacity; i++ {
		if oldDists[i] == distEmpty {
			continue
		}
		id := oldIDs[i]
		h := s.hash(s.slots.records[id])
		x.insert(s, uintptr(h)&x.mask, id, 1)
	}

	if oldCapacity > 0 {
		s.allocator.FreeUint32s(oldIDs)
		s.allocator.FreeUint32s(oldDists)
	}
}

func (x *index) close(s *Store) {
	if x.capacity > 0 {
		s.allocator.FreeUint32s(x.ids)
		s.allocator.FreeUint32s(x.dists)
	}
	*x = index{}
}

func (x *index) checkInvariants(s *Store) {
	if !invariants {
		return
	}
	var used int
	for i := uintptr(0); i < x.capacity; i++ {
		d := x.dists[i]
		if d == distEmpty {
			continue
		}
		used++

		id := ID(x.ids[i])
		if !s.slots.live(id) {
			panic(fmt.Sprintf("invariant failed: index(%d): id %d is not live\n%s", i, id, x.debugString(s)))
		}
		b := s.slots.records[id]
		h := s.hash(b)
		if want := ((i - uintptr(h)) & x.mask) + 1; uintptr(d) != want {
			panic(fmt.Sprintf("invariant failed: index(%d): %q has dist %d, expected %d\n%s",
				i, b, d-1, want-1, x.debugString(s)))
		}
		if pos, _, ok := x.probe(s, b, h); !ok || pos != i {
			panic(fmt.Sprintf("invariant failed: index(%d): %q not found\n%s", i, b, x.debugString(s)))
		}
		if next := x.dists[(i+1)&x.mask]; next > d+1 {
			panic(fmt.Sprintf("invariant failed: index(%d): dist %d followed by dist %d\n%s",
				i, d-1, next-1, x.debugString(s)))
		}
	}
	if used != x.used {
		panic(fmt.Sprintf("invariant failed: found %d used slots, but used count is %d\n%s",
			used, x.used, x.debugString(s)))
	}
	if float64(x.used) > float64(x.capacity)*s.maxLoad {
		panic(fmt.Sprintf("invariant failed: load %d/%d exceeds %.2f\n%s",
			x.used, x.capacity, s.maxLoad, x.debugString(s)))
	}
}

func (x *index) debugString(s *Store) string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "capacity=%d  used=%d\n", x.capacity, x.used)
	for i := uintptr(0); i < x.capacity; i++ {
		d := x.dists[i]
		if d == distEmpty {
			fmt.Fprintf(&buf, "  %4d: empty\n", i)
			continue
		}
		id := x.ids[i]
		if int(id) < s.slots.capacity() {
			fmt.Fprintf(&buf, "  %4d: %q [id=%d dist=%d refs=%d]\n",
				i, s.slots.records[id], id, d-1, s.slots.refs[id])
		} else {
			fmt.Fprintf(&buf, "  %4d: [id=%d dist=%d]\n", i, id, d-1)
		}
	}
	return buf.String()
}
