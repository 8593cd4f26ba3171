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
	"fmt"
	"math"
)

// slots is the stable storage for interned records. A record never moves once
// it has been assigned an ID: growing reallocates the records and refs
// arrays, but the ID of a record is its index and indexes are preserved.
//
// Every index in [0, capacity) is either live (refs[i] > 0) or on the free
// list (refs[i] == 0), never both.
type slots struct {
	// records holds the owned copy of each live string. The entry for a free
	// slot is nil.
	records [][]byte
	// refs is the reference count of each slot.
	refs []uint32
	// free is a stack of the free slot indexes. It is capacity in length and
	// holds nfree valid entries. The most recently freed slot is on top.
	free  []uint32
	nfree int
}

func (ss *slots) capacity() int {
	return len(ss.refs)
}

func (ss *slots) live(id ID) bool {
	return int(id) < len(ss.refs) && ss.refs[id] > 0
}

// put copies b into a newly allocated slot with a reference count of 1 and
// returns its ID.
func (ss *slots) put(s *Store, b []byte) ID {
	buf := s.allocator.AllocBytes(len(b))
	copy(buf, b)
	if ss.nfree == 0 {
		ss.grow(s, max(2*ss.capacity(), s.minCapacity))
	}
	ss.nfree--
	id := ss.free[ss.nfree]
	ss.records[id] = buf
	ss.refs[id] = 1
	return ID(id)
}

// get returns the record for id, which must be live.
func (ss *slots) get(id ID) []byte {
	if !ss.live(id) {
		panic(fmt.Sprintf("intern: id %d is not live (capacity=%d)", id, ss.capacity()))
	}
	return ss.records[id]
}

// release frees the record for id and pushes id onto the free list. The
// caller must have already dropped the reference count to zero and removed
// the record from the dedup index.
func (ss *slots) release(s *Store, id ID) {
	s.allocator.FreeBytes(ss.records[id])
	ss.records[id] = nil
	ss.free[ss.nfree] = uint32(id)
	ss.nfree++
}

// grow resizes the slot storage to newCapacity, pushing every new index onto
// the free list. The indexes are pushed in descending order so that the
// lowest new index is handed out first.
func (ss *slots) grow(s *Store, newCapacity int) {
	oldCapacity := ss.capacity()
	if newCapacity <= oldCapacity {
		return
	}
	if uint64(newCapacity) > math.MaxUint32+1 {
		panic(fmt.Sprintf("intern: slot capacity %d exceeds the ID space", newCapacity))
	}

	records := s.allocator.ReallocRecords(ss.records, newCapacity)
	refs := s.allocator.ReallocUint32s(ss.refs, newCapacity)
	free := s.allocator.ReallocUint32s(ss.free, newCapacity)
	ss.records, ss.refs, ss.free = records, refs, free

	for i := newCapacity - 1; i >= oldCapacity; i-- {
		ss.free[ss.nfree] = uint32(i)
		ss.nfree++
	}

	if debug {
		fmt.Printf("slots(grow): capacity=%d->%d free=%d\n", oldCapacity, newCapacity, ss.nfree)
	}
}

// close releases every live record and the backing arrays.
func (ss *slots) close(s *Store) {
	for i, n := 0, ss.capacity(); i < n; i++ {
		if ss.refs[i] > 0 {
			s.allocator.FreeBytes(ss.records[i])
		}
	}
	if ss.capacity() > 0 {
		s.allocator.FreeRecords(ss.records)
		s.allocator.FreeUint32s(ss.refs)
		s.allocator.FreeUint32s(ss.free)
	}
	*ss = slots{}
}
