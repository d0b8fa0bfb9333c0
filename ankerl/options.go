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

package ankerl

import (
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/hashmap/internal/hashing"
)

type option[K comparable, V any] interface {
	apply(m *Map[K, V])
}

type hashOption[K comparable, V any] struct {
	hash hashing.Func[K]
}

func (op hashOption[K, V]) apply(m *Map[K, V]) {
	m.hash = op.hash
}

// WithHash is an option to specify the hash function to use for a Map[K,V].
// The high bits of the result select the key's home bucket and the low 8
// bits form its fingerprint.
func WithHash[K comparable, V any](hash func(key *K, seed uintptr) uintptr) option[K, V] {
	return hashOption[K, V]{hash}
}

// Allocator specifies an interface for allocating and releasing the bucket
// and value arrays of a Map. The default allocator utilizes Go's builtin
// make() and allows the GC to reclaim memory.
type Allocator[K comparable, V any] interface {
	// AllocBuckets should return a slice equivalent to make([]Bucket, n).
	AllocBuckets(n int) []Bucket

	// AllocSlots should return a slice equivalent to make([]Slot[K,V], n).
	AllocSlots(n int) []Slot[K, V]

	// FreeBuckets can optional release the memory associated with the
	// supplied slice that is guaranteed to have been allocated by
	// AllocBuckets.
	FreeBuckets(v []Bucket)

	// FreeSlots can optional release the memory associated with the supplied
	// slice that is guaranteed to have been allocated by AllocSlots.
	FreeSlots(v []Slot[K, V])
}

type defaultAllocator[K comparable, V any] struct{}

func (defaultAllocator[K, V]) AllocBuckets(n int) []Bucket {
	return make([]Bucket, n)
}

func (defaultAllocator[K, V]) AllocSlots(n int) []Slot[K, V] {
	return make([]Slot[K, V], n)
}

func (defaultAllocator[K, V]) FreeBuckets(v []Bucket) {
}

func (defaultAllocator[K, V]) FreeSlots(v []Slot[K, V]) {
}

type allocatorOption[K comparable, V any] struct {
	allocator Allocator[K, V]
}

func (op allocatorOption[K, V]) apply(m *Map[K, V]) {
	m.allocator = op.allocator
}

// WithAllocator is an option for specify the Allocator to use for a Map[K,V].
func WithAllocator[K comparable, V any](allocator Allocator[K, V]) option[K, V] {
	return allocatorOption[K, V]{allocator}
}

type maxLoadFactorOption[K comparable, V any] struct {
	f float64
}

func (op maxLoadFactorOption[K, V]) apply(m *Map[K, V]) {
	m.maxLoadFactor = op.f
}

// WithMaxLoadFactor sets the fraction of buckets that may be occupied before
// the map doubles in size. The default is 0.8. The factor must lie in the
// open interval (0, 1).
func WithMaxLoadFactor[K comparable, V any](f float64) option[K, V] {
	if !(f > 0 && f < 1) {
		panic(errors.Newf("ankerl: max load factor %v not in (0, 1)", f))
	}
	return maxLoadFactorOption[K, V]{f}
}
