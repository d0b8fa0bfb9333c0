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

// Package robinhood implements an open-addressing hash map using linear
// probing with Robin Hood displacement and backward-shift deletion.
//
// Every occupied slot records the ideal index of its key, hash(key) masked
// to the power of two capacity. The distance from the ideal index to the
// physical index is the slot's displacement. Insertion walks forward from
// the ideal index and, whenever the incoming entry is further from home than
// the resident, swaps the two and carries on inserting the evicted resident.
// The resulting order bounds the variance of probe lengths and lets a lookup
// stop as soon as its own probe offset exceeds the displacement of the slot
// it is looking at: the key would have evicted that resident had it been
// inserted.
//
// Deletion never leaves tombstones. The entries following the deleted slot
// are shifted back by one until an empty slot or an entry sitting at its
// ideal index is reached.
package robinhood

import (
	"fmt"
	"iter"
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

	minCapacity          = 8
	defaultMaxLoadFactor = 0.5

	// empty is the ideal index of an unoccupied slot.
	empty = -1
)

var _ hashmap.Map[int, int] = (*Map[int, int])(nil)

// Slot holds a key, its value and the index the key hashes to.
type Slot[K comparable, V any] struct {
	key   K
	value V
	ideal int
}

// Map is an unordered map from keys to values using Robin Hood hashing. By
// default keys are hashed with the Go runtime's hash function for K.
//
// A Map is NOT goroutine-safe.
type Map[K comparable, V any] struct {
	hash      hashing.Func[K]
	seed      uintptr
	allocator Allocator[K, V]
	// slots is capacity in length. Unoccupied slots have ideal == empty.
	slots unsafeslice.Slice[Slot[K, V]]
	// capacity is zero or a power of two.
	capacity uintptr
	used     int
	// growthLimit is the number of entries the map may hold before it
	// doubles: floor(capacity*maxLoadFactor).
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
// is copied slot for slot and keeps its hash function, seed and load factor;
// only the WithAllocator option is honored in that case.
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
		slots := c.allocator.AllocSlots(int(m.capacity))
		copy(slots, m.slots.Slice(0, m.capacity))
		c.slots = unsafeslice.Make(slots)
	}
	c.capacity, c.used, c.growthLimit = m.capacity, m.used, m.growthLimit
	c.checkInvariants()
	return c
}

// Close releases the slots back to the configured allocator. The map is left
// empty with zero capacity and may be reused.
func (m *Map[K, V]) Close() {
	if m.capacity > 0 {
		m.allocator.FreeSlots(m.slots.Slice(0, m.capacity))
	}
	m.slots = unsafeslice.Slice[Slot[K, V]]{}
	m.capacity = 0
	m.used = 0
	m.growthLimit = 0
	m.version++
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

// findOrInsert returns the slot holding key, inserting key with a zero value
// if it is absent.
func (m *Map[K, V]) findOrInsert(key *K) (_ *Slot[K, V], found bool) {
	h := m.hashKey(key)
	if i, ok := m.findHashed(key, h); ok {
		return m.slots.At(i), true
	}
	if m.used >= m.growthLimit {
		m.resize(max(2*m.capacity, m.capacityFor(m.used+1)))
	}
	var zero V
	i := m.insert(h, *key, zero)
	m.used++
	m.version++
	if debug {
		fmt.Printf("put(%v): index=%d used=%d\n", *key, i, m.used)
	}
	return m.slots.At(i), false
}

// insert places an entry known not to be present and returns the index it
// landed at. Residents displaced along the way move further down the chain
// but the new entry stays where it was first placed.
func (m *Map[K, V]) insert(h uintptr, key K, value V) uintptr {
	mask := m.capacity - 1
	e := Slot[K, V]{key: key, value: value, ideal: int(h & mask)}
	i := uintptr(e.ideal)
	var pos uintptr
	placed := false

	for dist := uintptr(0); ; dist++ {
		if dist > mask {
			panic(errors.AssertionFailedf("robinhood: no empty slot in %d slots", m.capacity))
		}
		s := m.slots.At(i)
		if s.ideal == empty {
			*s = e
			if !placed {
				pos = i
			}
			return pos
		}
		// Rob from the rich: the resident is closer to home than the entry
		// being carried, so it gives up its slot.
		if d := m.displacement(i); dist > d {
			*s, e = e, *s
			if !placed {
				pos, placed = i, true
			}
			dist = d
		}
		i = (i + 1) & mask
	}
}

// Get retrieves the value from the map for the specified key, return ok=false
// if the key is not present.
func (m *Map[K, V]) Get(key K) (value V, ok bool) {
	if i, ok := m.find(&key); ok {
		return m.slots.At(i).value, true
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
	return m.slots.At(i).value
}

func (m *Map[K, V]) find(key *K) (uintptr, bool) {
	if m.used == 0 {
		return 0, false
	}
	return m.findHashed(key, m.hashKey(key))
}

func (m *Map[K, V]) findHashed(key *K, h uintptr) (uintptr, bool) {
	if m.capacity == 0 {
		return 0, false
	}
	mask := m.capacity - 1
	i := h & mask
	for offset := uintptr(0); offset <= mask; offset++ {
		s := m.slots.At(i)
		if s.ideal == empty {
			return 0, false
		}
		// The key would have displaced this resident on insertion.
		if offset > m.displacement(i) {
			return 0, false
		}
		if *key == s.key {
			return i, true
		}
		i = (i + 1) & mask
	}
	panic(errors.AssertionFailedf("robinhood: probe of %d slots found no empty slot", m.capacity))
}

// Delete deletes the entry corresponding to the specified key from the map,
// returning its value. It is a noop to delete a non-existent key.
func (m *Map[K, V]) Delete(key K) (value V, ok bool) {
	i, ok := m.find(&key)
	if !ok {
		return value, false
	}
	value = m.slots.At(i).value

	// Shift the rest of the chain back by one slot. An entry at its ideal
	// index starts a new chain and stays put.
	mask := m.capacity - 1
	for {
		next := (i + 1) & mask
		n := m.slots.At(next)
		if n.ideal == empty || uintptr(n.ideal) == next {
			*m.slots.At(i) = Slot[K, V]{ideal: empty}
			break
		}
		*m.slots.At(i) = *n
		i = next
	}
	m.used--
	m.version++
	if debug {
		fmt.Printf("delete(%v): used=%d\n", key, m.used)
	}
	m.checkInvariants()
	return value, true
}

// Clear deletes all entries from the map, retaining its capacity.
func (m *Map[K, V]) Clear() {
	m.fillEmpty(m.slots.Slice(0, m.capacity))
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

// All returns an iterator over the entries in slot order. It panics with
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
	for i := uintptr(0); i < m.capacity; i++ {
		s := m.slots.At(i)
		if s.ideal == empty {
			continue
		}
		if !yield(s) {
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

// Cap returns the number of slots in the map.
func (m *Map[K, V]) Cap() int {
	return int(m.capacity)
}

func (m *Map[K, V]) hashKey(key *K) uintptr {
	return m.hash((*K)(unsafeslice.Noescape(unsafe.Pointer(key))), m.seed)
}

// displacement returns how far the occupied slot i is from its ideal index.
func (m *Map[K, V]) displacement(i uintptr) uintptr {
	return (i - uintptr(m.slots.At(i).ideal)) & (m.capacity - 1)
}

func (m *Map[K, V]) growthLimitFor(capacity uintptr) int {
	return int(float64(capacity) * m.maxLoadFactor)
}

// capacityFor returns the smallest power of two capacity that holds n
// entries without growing.
func (m *Map[K, V]) capacityFor(n int) uintptr {
	c := uintptr(minCapacity)
	for m.growthLimitFor(c) < n {
		if c >= uintptr(1)<<(bits.UintSize-2) {
			panic(errors.AssertionFailedf("robinhood: capacity overflow for %d entries", n))
		}
		c <<= 1
	}
	return c
}

func (m *Map[K, V]) fillEmpty(slots []Slot[K, V]) {
	for i := range slots {
		slots[i] = Slot[K, V]{ideal: empty}
	}
}

// resize moves every entry into freshly allocated slots. The new slots are
// fully populated before the old ones are released.
func (m *Map[K, V]) resize(newCapacity uintptr) {
	oldSlots, oldCapacity := m.slots, m.capacity

	slots := m.allocator.AllocSlots(int(newCapacity))
	m.fillEmpty(slots)
	m.slots = unsafeslice.Make(slots)
	m.capacity = newCapacity
	m.growthLimit = m.growthLimitFor(newCapacity)

	if debug {
		fmt.Printf("resize: capacity=%d->%d growth-limit=%d\n", oldCapacity, newCapacity, m.growthLimit)
	}

	for i := uintptr(0); i < oldCapacity; i++ {
		s := oldSlots.At(i)
		if s.ideal == empty {
			continue
		}
		m.insert(m.hashKey(&s.key), s.key, s.value)
	}
	if oldCapacity > 0 {
		m.allocator.FreeSlots(oldSlots.Slice(0, oldCapacity))
	}
	m.version++
	m.checkInvariants()
}

func (m *Map[K, V]) checkInvariants() {
	if invariants.Enabled {
		var used int
		mask := m.capacity - 1
		for i := uintptr(0); i < m.capacity; i++ {
			s := m.slots.At(i)
			if s.ideal == empty {
				continue
			}
			used++
			if h := m.hashKey(&s.key); uintptr(s.ideal) != h&mask {
				panic(errors.AssertionFailedf("invariant failed: slot(%d): ideal %d != hash %d\n%s",
					i, s.ideal, h&mask, m.debugString()))
			}
			if j, ok := m.find(&s.key); !ok || j != i {
				panic(errors.AssertionFailedf("invariant failed: slot(%d): %v not found\n%s",
					i, s.key, m.debugString()))
			}
			// A displaced entry is preceded by an entry at most one slot
			// closer to home.
			if d := m.displacement(i); d > 0 {
				prev := (i - 1) & mask
				if p := m.slots.At(prev); p.ideal == empty || m.displacement(prev)+1 < d {
					panic(errors.AssertionFailedf("invariant failed: slot(%d): displacement %d follows slot(%d)\n%s",
						i, d, prev, m.debugString()))
				}
			}
		}
		if used != m.used {
			panic(errors.AssertionFailedf("invariant failed: found %d used slots, but used count is %d\n%s",
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
		"index", "ideal", "displacement", "key")
	for i := uintptr(0); i < m.capacity; i++ {
		s := m.slots.At(i)
		if s.ideal == empty {
			t.Row(i, "empty")
			continue
		}
		t.Row(i, s.ideal, m.displacement(i), s.key)
	}
	return t.String()
}
