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
	"math/bits"

	"github.com/cespare/xxhash/v2"
)

const (
	// DefaultMaxLoadFactor is the maximum ratio of occupied index slots to
	// index capacity used when WithMaxLoadFactor is not specified.
	DefaultMaxLoadFactor = 0.75
	// DefaultMinCapacity is the smallest capacity of both the dedup index and
	// the slot storage.
	DefaultMinCapacity = 4
)

// option provide an interface to do work on Store while it is being created.
type option interface {
	apply(s *Store)
}

type hashFn func(b []byte) uint64

func defaultHash(b []byte) uint64 {
	return xxhash.Sum64(b)
}

type hashOption struct {
	hash hashFn
}

func (op hashOption) apply(s *Store) {
	s.hash = op.hash
}

// WithHash is an option to specify the hash function to use for a Store. The
// function must be deterministic. Only the low bits of the result select an
// index position, so a hash that leaves the low bits poorly mixed will
// produce long probe sequences. The default is xxhash.
func WithHash(hash func(b []byte) uint64) option {
	return hashOption{hash}
}

type maxLoadFactorOption struct {
	f float64
}

func (op maxLoadFactorOption) apply(s *Store) {
	s.maxLoad = op.f
}

// WithMaxLoadFactor specifies the maximum ratio of distinct strings to dedup
// index capacity. The index grows before an insertion would exceed it. The
// factor must be in the range (0, 1): an index with no empty slot cannot
// terminate a probe.
func WithMaxLoadFactor(f float64) option {
	return maxLoadFactorOption{f}
}

type minCapacityOption struct {
	n int
}

func (op minCapacityOption) apply(s *Store) {
	s.minCapacity = op.n
}

// WithMinCapacity specifies the capacity that the dedup index and the slot
// storage start out with when they are first grown. Values are rounded up to
// a power of two and values below DefaultMinCapacity are raised to it.
func WithMinCapacity(n int) option {
	return minCapacityOption{n}
}

// roundUpPow2 returns the smallest power of two >= n.
func roundUpPow2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

// Allocator specifies an interface for allocating and releasing memory used
// by a Store. The default allocator utilizes Go's builtin make() and allows
// the GC to reclaim memory.
//
// If the allocator is manually managing memory and requires that buffers be
// freed then Store.Close must be called in order to ensure every live buffer
// is handed back to the allocator.
//
// Allocation failure is fatal: an allocator that cannot satisfy a request
// should panic. The Store performs every allocation an operation needs before
// mutating the structures that operation touches.
type Allocator interface {
	// AllocBytes should return a slice equivalent to make([]byte, n). It is
	// used for the owned copy of each interned string.
	AllocBytes(n int) []byte

	// FreeBytes can optionally release the memory associated with the
	// supplied slice that is guaranteed to have been allocated by AllocBytes.
	FreeBytes(v []byte)

	// AllocUint32s should return a slice equivalent to make([]uint32, n).
	AllocUint32s(n int) []uint32

	// ReallocUint32s should return a slice of length n whose first len(v)
	// elements equal v and whose remaining elements are zero. The supplied
	// slice is never used again by the Store. v may be nil.
	ReallocUint32s(v []uint32, n int) []uint32

	// FreeUint32s can optionally release the memory associated with the
	// supplied slice that is guaranteed to have been allocated by
	// AllocUint32s or ReallocUint32s.
	FreeUint32s(v []uint32)

	// ReallocRecords is the equivalent of ReallocUint32s for the array of
	// record headers held by the slot storage. Moving the array never moves
	// the record contents, which are separate AllocBytes buffers.
	ReallocRecords(v [][]byte, n int) [][]byte

	// FreeRecords can optionally release the memory associated with the
	// supplied slice that is guaranteed to have been allocated by
	// ReallocRecords.
	FreeRecords(v [][]byte)
}

type defaultAllocator struct{}

func (defaultAllocator) AllocBytes(n int) []byte {
	return make([]byte, n)
}

func (defaultAllocator) FreeBytes(v []byte) {
}

func (defaultAllocator) AllocUint32s(n int) []uint32 {
	return make([]uint32, n)
}

func (defaultAllocator) ReallocUint32s(v []uint32, n int) []uint32 {
	r := make([]uint32, n)
	copy(r, v)
	return r
}

func (defaultAllocator) FreeUint32s(v []uint32) {
}

func (defaultAllocator) ReallocRecords(v [][]byte, n int) [][]byte {
	r := make([][]byte, n)
	copy(r, v)
	return r
}

func (defaultAllocator) FreeRecords(v [][]byte) {
}

type allocatorOption struct {
	allocator Allocator
}

func (op allocatorOption) apply(s *Store) {
	s.allocator = op.allocator
}

// WithAllocator is an option for specify the Allocator to use for a Store.
func WithAllocator(allocator Allocator) option {
	return allocatorOption{allocator}
}
