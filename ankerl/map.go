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

// Package ankerl implements a Robin Hood hash map that keeps its probing
// metadata apart from its entries, after Martin Ankerl's
// unordered_dense::map (https://github.com/martinus/unordered_dense).
//
// The entries live densely packed in a slots array, in insertion order
// until deletions reshuffle them. A separate buckets array of the same
// length is probed with linear probing. Each bucket holds the index of an
// entry plus a single 32-bit word combining the probe distance (the upper
// 24 bits, 1 at the home bucket) and an 8-bit fingerprint taken from the
// low bits of the hash. A zero word marks an empty bucket. Because distance
// occupies the high bits, Robin Hood ordering reduces to comparing words: a
// lookup walks forward one bucket at a time adding one distance unit to the
// word it expects, and stops as soon as the stored word is smaller.
//
// The home bucket of a key is taken from the top bits of its hash so that
// the fingerprint and bucket index use disjoint bits.
//
// Deletion shifts the rest of the chain back without tombstones and then
// moves the last entry into the vacated slot, keeping the slots dense.
package ankerl

import (
	"fmt"
	"iter"
	"math"
	"math/bits"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/hashmap"
	"github.com/cockroachdb/hashmap/internal/dump"
	"github.com/cockroachdb/hashmap/internal/hashing"
	"github.com/cockroachdb/hashmap/internal/invariants"
	"github.com/cockroachdb/hashmap/internal/unsafeslice"
)

const (
	debug = false

	minCapacity          = 4
	maxCapacity          = 1 << 32
	defaultMaxLoadFactor = 0.8

	distanceUnit = 0x100
	// maxDistFP is the largest word that can still be advanced by a
	// distance unit without overflowing the 24 distance bits.
	maxDistFP = math.MaxUint32 - distanceUnit
)

var _ hashmap.Map[int, int] = (*Map[int, int])(nil)

// Bucket is an element of the metadata array. The zero Bucket is empty.
type Bucket struct {
	// distFP is distance<<8 | fingerprint.
	distFP uint32
	// valueIndex is the index of the bucket's entry in the slots array.
	valueIndex uint32
}

func (b Bucket) distance() uint32 {
	return b.distFP >> 8
}

// Slot holds a key and value.
type Slot[K comparable, V any] struct {
	key   K
	value V
}

// Map is an unordered map from keys to values. By default keys are hashed
// with the Go runtime's hash function for K.
//
// A Map is NOT goroutine-safe.
type Map[K comparable, V any] struct {
	hash      hashing.Func[K]
	seed      uintptr
	allocator Allocator[K, V]
	buckets   unsafeslice.Slice[Bucket]
	// slots[0:used] hold the entries.
	slots unsafeslice.Slice[Slot[K, V]]
	// capacity is zero or a power of two and is the length of both buckets
	// and slots.
	capacity uintptr
	// shift maps a hash to its home bucket: hash >> shift.
	shift         uint
	used          int
	growthLimit   int
	maxLoadFactor float64
	version       uint64
}

// New constructs a new Map with room for initialCapacity entries before it
// needs to grow.
func New[K comparable, V any](initialCapacity int, options ...option[K, V]) *Map[K, V] {
	m := &Map[K, V]{
		hash:          hashing.Default[K](),
		seed:          hashing.Seed(),
		allocator:     defaultAllocator[K, V]{},
		maxLoadFactor: defaultMaxLoadFactor,
	}
	for _, op := range options {
		op.apply(m)
	}
	if initialCapacity > 0 {
		m.resize(m.capacityFor(initialCapacity))
	}
	m.checkInvariants()
	return m
}

// From constructs a new Map holding every entry of src. A *Map[K,V] source
// has its arrays copied verbatim and keeps its hash function, seed and load
// factor; only the WithAllocator option is honored in that case.
func From[K comparable, V any](src hashmap.Source[K, V], options ...option[K, V]) *Map[K, V] {
	if s, ok := src.(*Map[K, V]); ok {
		return s.clone(options)
	}
	m := New[K, V](src.Len(), options...)
	for k, v := range src.All() {
		m.Put(k, v)
	}
	return m
}

// Clone returns a copy of the map using the same allocator.
func (m *Map[K, V]) Clone() *Map[K, V] {
	return m.clone(nil)
}

func (m *Map[K, V]) clone(options []option[K, V]) *Map[K, V] {
	c := &Map[K, V]{allocator: m.allocator}
	for _, op := range options {
		op.apply(c)
	}
	c.hash, c.seed, c.maxLoadFactor = m.hash, m.seed, m.maxLoadFactor
	if m.capacity > 0 {
		buckets := c.allocator.AllocBuckets(int(m.capacity))
		slots := c.allocator.AllocSlots(int(m.capacity))
		copy(buckets, m.buckets.Slice(0, m.capacity))
		copy(slots, m.slots.Slice(0, uintptr(m.used)))
		c.buckets = unsafeslice.Make(buckets)
		c.slots = unsafeslice.Make(slots)
	}
	c.capacity, c.shift, c.used, c.growthLimit = m.capacity, m.shift, m.used, m.growthLimit
	c.checkInvariants()
	return c
}

// Close releases the arrays back to the configured allocator. The map is left
// empty with zero capacity and may be reused.
func (m *Map[K, V]) Close() {
	m.release()
	m.buckets = unsafeslice.Slice[Bucket]{}
	m.slots = unsafeslice.Slice[Slot[K, V]]{}
	m.capacity = 0
	m.shift = 0
	m.used = 0
	m.growthLimit = 0
	m.version++
}

func (m *Map[K, V]) release() {
	if m.capacity > 0 {
		m.allocator.FreeBuckets(m.buckets.Slice(0, m.capacity))
		m.allocator.FreeSlots(m.slots.Slice(0, m.capacity))
	}
}

// Put inserts an entry into the map, overwriting an existing value if an
// entry with the same key already exists.
func (m *Map[K, V]) Put(key K, value V) (prev V, replaced bool) {
	s, found := m.findOrInsert(&key)
	if found {
		prev = s.value
		replaced = true
	}
	s.value = value
	m.checkInvariants()
	return prev, replaced
}

// PutIfAbsent inserts an entry into the map if no entry with the same key
// exists, reporting whether it did so.
func (m *Map[K, V]) PutIfAbsent(key K, value V) bool {
	s, found := m.findOrInsert(&key)
	if found {
		return false
	}
	s.value = value
	m.checkInvariants()
	return true
}

// Add inserts an entry into the map, returning an error matching
// hashmap.ErrDuplicateKey if the key is already present.
func (m *Map[K, V]) Add(key K, value V) error {
	if !m.PutIfAbsent(key, value) {
		return hashmap.DuplicateKey(key)
	}
	return nil
}

// findOrInsert returns the slot holding key, appending key with a zero value
// if it is absent.
func (m *Map[K, V]) findOrInsert(key *K) (_ *Slot[K, V], found bool) {
	h := m.hashKey(key)
	var distFP uint32
	var i uintptr
	if m.capacity > 0 {
		distFP, i = m.home(h)
		for b := m.buckets.At(i); distFP <= b.distFP; b = m.buckets.At(i) {
			if distFP == b.distFP {
				if s := m.slots.At(uintptr(b.valueIndex)); *key == s.key {
					return s, true
				}
			}
			distFP, i = m.advance(distFP), m.next(i)
		}
	}

	if m.used >= m.growthLimit {
		m.resize(max(2*m.capacity, m.capacityFor(m.used+1)))
		distFP, i = m.nextWhileLess(h)
	}

	valueIndex := uint32(m.used)
	s := m.slots.At(uintptr(valueIndex))
	s.key = *key
	m.placeAndShiftUp(Bucket{distFP: distFP, valueIndex: valueIndex}, i)
	m.used++
	m.version++
	if debug {
		fmt.Printf("put(%v): bucket=%d dist=%d used=%d\n", *key, i, distFP>>8, m.used)
	}
	return s, false
}

// placeAndShiftUp stores b at bucket i, moving the occupants of the
// following buckets up by one until an empty bucket absorbs the last one.
func (m *Map[K, V]) placeAndShiftUp(b Bucket, i uintptr) {
	for {
		p := m.buckets.At(i)
		if p.distFP == 0 {
			*p = b
			return
		}
		*p, b = b, *p
		b.distFP = m.advance(b.distFP)
		i = m.next(i)
	}
}

// nextWhileLess returns the first bucket along the probe sequence of h whose
// word is not smaller than the word expected there. Placing an entry at that
// bucket preserves the Robin Hood order.
func (m *Map[K, V]) nextWhileLess(h uintptr) (uint32, uintptr) {
	distFP, i := m.home(h)
	for distFP < m.buckets.At(i).distFP {
		distFP, i = m.advance(distFP), m.next(i)
	}
	return distFP, i
}

// Get retrieves the value from the map for the specified key, return ok=false
// if the key is not present.
func (m *Map[K, V]) Get(key K) (value V, ok bool) {
	if i, ok := m.find(&key); ok {
		return m.slots.At(uintptr(m.buckets.At(i).valueIndex)).value, true
	}
	return value, false
}

// Has returns true if the specified key is present in the map.
func (m *Map[K, V]) Has(key K) bool {
	_, ok := m.find(&key)
	return ok
}

// MustGet retrieves the value for key, panicking with an error matching
// hashmap.ErrKeyNotFound if the key is not present.
func (m *Map[K, V]) MustGet(key K) V {
	i, ok := m.find(&key)
	if !ok {
		panic(hashmap.KeyNotFound(key))
	}
	return m.slots.At(uintptr(m.buckets.At(i).valueIndex)).value
}

// find returns the index of the bucket referencing key.
func (m *Map[K, V]) find(key *K) (uintptr, bool) {
	if m.used == 0 {
		return 0, false
	}
	distFP, i := m.home(m.hashKey(key))
	for {
		b := m.buckets.At(i)
		if distFP == b.distFP {
			if *key == m.slots.At(uintptr(b.valueIndex)).key {
				return i, true
			}
		} else if distFP > b.distFP {
			return 0, false
		}
		distFP, i = m.advance(distFP), m.next(i)
	}
}

// Delete deletes the entry corresponding to the specified key from the map,
// returning its value. It is a noop to delete a non-existent key.
func (m *Map[K, V]) Delete(key K) (value V, ok bool) {
	i, ok := m.find(&key)
	if !ok {
		return value, false
	}
	valueIndex := m.buckets.At(i).valueIndex
	value = m.slots.At(uintptr(valueIndex)).value

	// Shift the rest of the chain back by one bucket. Buckets at distance 1
	// are at home and start a new chain.
	for next := m.next(i); m.buckets.At(next).distFP >= 2*distanceUnit; next = m.next(next) {
		b := *m.buckets.At(next)
		b.distFP -= distanceUnit
		*m.buckets.At(i) = b
		i = next
	}
	*m.buckets.At(i) = Bucket{}

	// Keep the slots dense by moving the last entry into the hole.
	last := uint32(m.used - 1)
	if valueIndex != last {
		moved := m.slots.At(uintptr(last))
		*m.slots.At(uintptr(valueIndex)) = *moved
		m.buckets.At(m.bucketOf(&moved.key, last)).valueIndex = valueIndex
	}
	*m.slots.At(uintptr(last)) = Slot[K, V]{}
	m.used--
	m.version++
	if debug {
		fmt.Printf("delete(%v): used=%d\n", key, m.used)
	}
	m.checkInvariants()
	return value, true
}

// bucketOf returns the index of the bucket referencing slot valueIndex,
// which must hold key. The bucket is found by walking the probe sequence of
// key itself.
func (m *Map[K, V]) bucketOf(key *K, valueIndex uint32) uintptr {
	distFP, i := m.home(m.hashKey(key))
	for {
		b := m.buckets.At(i)
		if b.distFP == distFP && b.valueIndex == valueIndex {
			return i
		}
		if distFP > b.distFP {
			panic(errors.AssertionFailedf("ankerl: no bucket references slot %d\n%s",
				valueIndex, m.debugString()))
		}
		distFP, i = m.advance(distFP), m.next(i)
	}
}

// Clear deletes all entries from the map, retaining its capacity.
func (m *Map[K, V]) Clear() {
	clear(m.buckets.Slice(0, m.capacity))
	clear(m.slots.Slice(0, uintptr(m.used)))
	m.used = 0
	m.version++
	m.checkInvariants()
}

// Reserve grows the map, if necessary, so that additional entries can be
// inserted without a further resize.
func (m *Map[K, V]) Reserve(additional int) {
	if m.used+additional <= m.growthLimit {
		return
	}
	m.resize(m.capacityFor(m.used + additional))
}

// All returns an iterator over the entries in slot order, which is insertion
// order until the first deletion. It panics with
// hashmap.ErrMutatedDuringIteration if the loop body inserts or deletes
// entries.
func (m *Map[K, V]) All() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		m.iterate(func(s *Slot[K, V]) bool {
			return yield(s.key, s.value)
		})
	}
}

// Keys returns an iterator over the keys of the map.
func (m *Map[K, V]) Keys() iter.Seq[K] {
	return func(yield func(K) bool) {
		m.iterate(func(s *Slot[K, V]) bool {
			return yield(s.key)
		})
	}
}

// Values returns an iterator over the values of the map.
func (m *Map[K, V]) Values() iter.Seq[V] {
	return func(yield func(V) bool) {
		m.iterate(func(s *Slot[K, V]) bool {
			return yield(s.value)
		})
	}
}

func (m *Map[K, V]) iterate(yield func(s *Slot[K, V]) bool) {
	version := m.version
	for i := 0; i < m.used; i++ {
		if !yield(m.slots.At(uintptr(i))) {
			return
		}
		if m.version != version {
			panic(hashmap.MutatedDuringIteration(version, m.version))
		}
	}
}

// Len returns the number of entries in the map.
func (m *Map[K, V]) Len() int {
	return m.used
}

// Cap returns the number of buckets in the map.
func (m *Map[K, V]) Cap() int {
	return int(m.capacity)
}

func (m *Map[K, V]) hashKey(key *K) uintptr {
	return m.hash((*K)(unsafeslice.Noescape(unsafe.Pointer(key))), m.seed)
}

// home returns the word expected at the home bucket of h, and that bucket.
func (m *Map[K, V]) home(h uintptr) (uint32, uintptr) {
	return distanceUnit | uint32(h&0xff), h >> m.shift
}

func (m *Map[K, V]) next(i uintptr) uintptr {
	return (i + 1) & (m.capacity - 1)
}

func (m *Map[K, V]) advance(distFP uint32) uint32 {
	if distFP > maxDistFP {
		panic(errors.AssertionFailedf("ankerl: probe distance overflow at %d buckets", m.capacity))
	}
	return distFP + distanceUnit
}

func (m *Map[K, V]) growthLimitFor(capacity uintptr) int {
	return int(float64(capacity) * m.maxLoadFactor)
}

// capacityFor returns the smallest power of two capacity that holds n
// entries without growing.
func (m *Map[K, V]) capacityFor(n int) uintptr {
	c := uintptr(minCapacity)
	for m.growthLimitFor(c) < n {
		if uint64(c) >= maxCapacity || c >= uintptr(1)<<(bits.UintSize-2) {
			panic(errors.AssertionFailedf("ankerl: capacity overflow for %d entries", n))
		}
		c <<= 1
	}
	return c
}

// resize moves the entries into freshly allocated arrays and rebuilds the
// buckets. The new arrays are fully populated before the old ones are
// released.
func (m *Map[K, V]) resize(newCapacity uintptr) {
	oldBuckets, oldSlots, oldCapacity := m.buckets, m.slots, m.capacity

	buckets := m.allocator.AllocBuckets(int(newCapacity))
	clear(buckets)
	slots := m.allocator.AllocSlots(int(newCapacity))
	copy(slots, oldSlots.Slice(0, uintptr(m.used)))
	m.buckets = unsafeslice.Make(buckets)
	m.slots = unsafeslice.Make(slots)
	m.capacity = newCapacity
	m.shift = uint(bits.UintSize - bits.TrailingZeros64(uint64(newCapacity)))
	m.growthLimit = m.growthLimitFor(newCapacity)

	if debug {
		fmt.Printf("resize: capacity=%d->%d growth-limit=%d\n", oldCapacity, newCapacity, m.growthLimit)
	}

	for i := 0; i < m.used; i++ {
		distFP, j := m.nextWhileLess(m.hashKey(&m.slots.At(uintptr(i)).key))
		m.placeAndShiftUp(Bucket{distFP: distFP, valueIndex: uint32(i)}, j)
	}

	if oldCapacity > 0 {
		m.allocator.FreeBuckets(oldBuckets.Slice(0, oldCapacity))
		m.allocator.FreeSlots(oldSlots.Slice(0, oldCapacity))
	}
	m.version++
	m.checkInvariants()
}

func (m *Map[K, V]) checkInvariants() {
	if invariants.Enabled {
		var used int
		seen := make([]bool, m.used)
		for i := uintptr(0); i < m.capacity; i++ {
			b := m.buckets.At(i)
			if b.distFP == 0 {
				continue
			}
			used++
			if int(b.valueIndex) >= m.used || seen[b.valueIndex] {
				panic(errors.AssertionFailedf("invariant failed: bucket(%d): bad value index %d\n%s",
					i, b.valueIndex, m.debugString()))
			}
			seen[b.valueIndex] = true

			s := m.slots.At(uintptr(b.valueIndex))
			h := m.hashKey(&s.key)
			fp, home := m.home(h)
			if dist := uint32((i-home)&(m.capacity-1)) + 1; b.distFP != fp+(dist-1)*distanceUnit {
				panic(errors.AssertionFailedf("invariant failed: bucket(%d): word %08x != %08x\n%s",
					i, b.distFP, fp+(dist-1)*distanceUnit, m.debugString()))
			}
			if j, ok := m.find(&s.key); !ok || j != i {
				panic(errors.AssertionFailedf("invariant failed: bucket(%d): %v not found\n%s",
					i, s.key, m.debugString()))
			}
			if d := b.distance(); d > 1 {
				prev := (i - 1) & (m.capacity - 1)
				if p := m.buckets.At(prev); p.distance()+1 < d {
					panic(errors.AssertionFailedf("invariant failed: bucket(%d): distance %d follows %d\n%s",
						i, d, p.distance(), m.debugString()))
				}
			}
		}
		if used != m.used {
			panic(errors.AssertionFailedf("invariant failed: found %d used buckets, but used count is %d\n%s",
				used, m.used, m.debugString()))
		}
		if m.used > m.growthLimit {
			panic(errors.AssertionFailedf("invariant failed: used %d exceeds growth limit %d",
				m.used, m.growthLimit))
		}
	}
}

func (m *Map[K, V]) debugString() string {
	t := dump.New(fmt.Sprintf("capacity=%d  used=%d  growth-limit=%d", m.capacity, m.used, m.growthLimit),
		"index", "dist", "fp", "value", "key")
	for i := uintptr(0); i < m.capacity; i++ {
		b := m.buckets.At(i)
		if b.distFP == 0 {
			t.Row(i, "empty")
			continue
		}
		row := []interface{}{i, b.distance(), fmt.Sprintf("%02x", b.distFP&0xff), b.valueIndex}
		if int(b.valueIndex) < m.used {
			row = append(row, m.slots.At(uintptr(b.valueIndex)).key)
		}
		t.Row(row...)
	}
	return t.String()
}
