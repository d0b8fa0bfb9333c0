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

// Package swiss is a Go implementation of Swiss Tables as described in
// https://abseil.io/about/design/swisstables. See also:
// https://faultlore.com/blah/hashbrown-tldr/.
//
// Google's C++ implementation:
//
//	https://github.com/abseil/abseil-cpp/blob/master/absl/container/internal/raw_hash_set.h
//
// # Swiss Tables
//
// Swiss tables are hash tables that map keys to values, similar to Go's
// builtin map type. Swiss tables use open-addressing rather than chaining to
// handle collisions. If you're not familiar with open-addressing see
// https://en.wikipedia.org/wiki/Open_addressing. A hybrid between linear and
// quadratic probing is used - linear probing within groups of small fixed
// size and quadratic probing at the group level. The key design choice of
// Swiss tables is the usage of a separate metadata array that stores 1 byte
// per slot in the table. 7-bits of this "control byte" are taken from
// hash(key) and the remaining bit is used to indicate whether the slot is
// empty, full, deleted, or a sentinel. The metadata array allows quick
// probes. The Google implementation of Swiss tables uses SIMD on x86 CPUs in
// order to quickly check 16 slots at a time for a match. Neon on arm64 CPUs
// is apparently too high latency, but the generic version is still able to
// compare 8 bytes at time through bit tricks (SWAR, SIMD Within A Register).
//
// A Swiss table's layout is N-1 slots where N is a power of 2 and N+groupSize
// control bytes. The [N:N+groupSize] control bytes mirror the first groupSize
// control bytes so that probe operations at the end of the control bytes
// array do not have to perform additional checks. The control byte for slot N
// is always a sentinel which is considered empty for the purposes of probing
// but is not available for storing an entry and is also not a deletion
// tombstone.
//
// Probing is done by taking the top 57 bits of hash(key)%N as the index into
// the control bytes and then performing a check of the groupSize control
// bytes at that index. Note that these groups are not aligned on a groupSize
// boundary (i.e. groups are conceptual, not physical, and they overlap) and
// an unaligned memory access is performed. Probing walks through groups in
// the table using quadratic probing until it finds a group that has at least
// one empty slot. See the comments on probeSeq for more details on the order
// in which groups are probed and the guarantee that every group is examined.
//
// Deletion is performed using tombstones (ctrlDeleted) with an optimization
// to mark a slot as empty if we can prove that doing so would not violate the
// probing behavior that a group of full slots causes probing to continue. It
// is invalid to take a group of full slots and mark one as empty as doing so
// would cause subsequent lookups to terminate at that group rather than
// continue to probe. We prove a slot was never part of a full group by
// looking for whether any of the groupSize-1 neighbors to the left and right
// of the deleting slot are empty which indicates that the slot was never part
// of a full group.
//
// When the table runs out of growth budget it either drops its tombstones in
// place, if at most 25/32 of the slots are live, or doubles in size.
package swiss

import (
	"fmt"
	"iter"
	"math/bits"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/hashmap"
	"github.com/cockroachdb/hashmap/internal/dump"
	"github.com/cockroachdb/hashmap/internal/group"
	"github.com/cockroachdb/hashmap/internal/hashing"
	"github.com/cockroachdb/hashmap/internal/invariants"
	"github.com/cockroachdb/hashmap/internal/unsafeslice"
)

const (
	debug = false

	groupSize              = 8
	defaultMaxAvgGroupLoad = 7

	// The table is rehashed in place rather than resized when at most
	// rehashInPlaceNum/rehashInPlaceDen of the slots hold live entries.
	rehashInPlaceNum = 25
	rehashInPlaceDen = 32

	ctrlEmpty    ctrl = ctrl(group.Empty)
	ctrlDeleted  ctrl = ctrl(group.Deleted)
	ctrlSentinel ctrl = ctrl(group.Sentinel)
)

var _ hashmap.Map[int, int] = (*Map[int, int])(nil)

// Slot holds a key and value.
type Slot[K comparable, V any] struct {
	key   K
	value V
}

// Map is an unordered map from keys to values with Put, Get, Delete, and All
// operations. It is inspired by Google's Swiss Tables design as implemented
// in Abseil's flat_hash_map. By default, a Map[K,V] hashes keys with the Go
// runtime's hash function for K, though a different hash function can be
// specified using the WithHash option.
//
// A Map is NOT goroutine-safe.
type Map[K comparable, V any] struct {
	hash hashing.Func[K]
	seed uintptr
	// The allocator to use for the ctrls and slots slices.
	allocator Allocator[K, V]
	// ctrls is capacity+groupSize in length. Ctrls[capacity] is always
	// ctrlSentinel which is used to stop probe iteration. A copy of the first
	// groupSize-1 elements of ctrls is mirrored into the remaining slots
	// which is done so that a probe sequence which picks a value near the end
	// of ctrls will have valid control bytes to look at.
	//
	// When the map is empty, ctrls points to emptyCtrls which will never be
	// modified and is used to simplify the Put, Get, and Delete code which
	// doesn't have to check for a nil ctrls.
	ctrls unsafeslice.Slice[ctrl]
	// slots is capacity in length.
	slots unsafeslice.Slice[Slot[K, V]]
	// The total number slots (always 2^N-1). The capacity is used as a mask
	// to quickly compute i%N using a bitwise & operation.
	capacity uintptr
	// The number of filled slots (i.e. the number of elements in the map).
	used int
	// The number of slots we can still fill without needing to rehash.
	//
	// This is stored separately due to tombstones: we do not include
	// tombstones in the growth capacity because we'd like to rehash when the
	// table is filled with tombstones as otherwise probe sequences might get
	// unacceptably long without triggering a rehash.
	growthLeft int
	// maxAvgGroupLoad is the number of slots per group that may be used
	// before the table must be rehashed.
	maxAvgGroupLoad uintptr
	// version is incremented on every structural change and checked by the
	// iterators.
	version uint64
}

// New constructs a new Map with room for initialCapacity entries before it
// needs to grow. If initialCapacity is 0 the map will start out with zero
// capacity and will grow on the first insert. The zero value for a Map is not
// usable.
func New[K comparable, V any](initialCapacity int, options ...option[K, V]) *Map[K, V] {
	// The ctrls for an empty map points to emptyCtrls which simplifies
	// probing in Get, Put, and Delete. The emptyCtrls never match a probe
	// operation, but because growthLeft == 0 if we try to insert we'll
	// immediately rehash and grow.
	m := &Map[K, V]{
		hash:            hashing.Default[K](),
		seed:            hashing.Seed(),
		allocator:       defaultAllocator[K, V]{},
		ctrls:           emptyCtrls,
		maxAvgGroupLoad: defaultMaxAvgGroupLoad,
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

// From constructs a new Map holding every entry of src. If src is itself a
// *Map[K,V] the backing arrays are copied verbatim: the copy shares src's hash
// function, seed and load factor, and only the WithAllocator option is
// honored.
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
	c := &Map[K, V]{
		allocator: m.allocator,
		ctrls:     emptyCtrls,
	}
	for _, op := range options {
		op.apply(c)
	}
	c.hash, c.seed, c.maxAvgGroupLoad = m.hash, m.seed, m.maxAvgGroupLoad
	if m.capacity > 0 {
		slots := c.allocator.AllocSlots(int(m.capacity))
		ctrls := c.allocator.AllocControls(int(m.capacity + groupSize))
		copy(slots, m.slots.Slice(0, m.capacity))
		copy(ctrls, unsafeslice.Convert[uint8](m.ctrls.Slice(0, m.capacity+groupSize)))
		c.slots = unsafeslice.Make(slots)
		c.ctrls = unsafeslice.Make(unsafeslice.Convert[ctrl](ctrls))
	}
	c.capacity, c.used, c.growthLeft = m.capacity, m.used, m.growthLeft
	c.checkInvariants()
	return c
}

// Close closes the map, releasing any memory back to its configured
// allocator. It is unnecessary to close a map using the default allocator.
// Close is idempotent and leaves the map empty with zero capacity.
func (m *Map[K, V]) Close() {
	m.release()
	m.ctrls = emptyCtrls
	m.slots = unsafeslice.Make([]Slot[K, V](nil))
	m.capacity = 0
	m.used = 0
	m.growthLeft = 0
	m.version++
}

func (m *Map[K, V]) release() {
	if m.capacity > 0 {
		m.allocator.FreeSlots(m.slots.Slice(0, m.capacity))
		m.allocator.FreeControls(unsafeslice.Convert[uint8](m.ctrls.Slice(0, m.capacity+groupSize)))
	}
}

// Put inserts an entry into the map, overwriting an existing value if an
// entry with the same key already exists. The previous value is returned with
// replaced=true in that case.
func (m *Map[K, V]) Put(key K, value V) (prev V, replaced bool) {
	s, found := m.findOrPrepareInsert(&key)
	if found {
		prev = s.value
		replaced = true
	}
	s.value = value
	m.checkInvariants()
	return prev, replaced
}

// PutIfAbsent inserts an entry into the map if no entry with the same key
// exists. It returns true if the entry was inserted.
func (m *Map[K, V]) PutIfAbsent(key K, value V) bool {
	s, found := m.findOrPrepareInsert(&key)
	if found {
		return false
	}
	s.value = value
	m.checkInvariants()
	return true
}

// Add inserts an entry into the map, returning an error matching
// hashmap.ErrDuplicateKey if an entry with the same key already exists.
func (m *Map[K, V]) Add(key K, value V) error {
	if !m.PutIfAbsent(key, value) {
		return hashmap.DuplicateKey(key)
	}
	return nil
}

// findOrPrepareInsert returns the slot holding key and found=true if key is
// present. Otherwise it claims a slot for key, stores the key in it and
// returns it with found=false; the caller is expected to store the value.
func (m *Map[K, V]) findOrPrepareInsert(key *K) (_ *Slot[K, V], found bool) {
	h := m.hashKey(key)

	// The probe remembers the first empty or deleted slot it passes so that
	// an insertion does not need to walk the probe sequence a second time.
	// A group containing an empty slot ends the probe and necessarily
	// contains such a slot, so target is always set when the key is absent.
	var target uintptr
	haveTarget := false

	seq := makeProbeSeq(h1(h), m.capacity)
	if debug {
		fmt.Printf("put(%v): %s\n", *key, seq)
	}

	for ; ; seq = seq.next() {
		g := m.ctrls.At(seq.offset)
		match := g.matchH2(h2(h))
		if debug {
			fmt.Printf("put(probing): offset=%d h2=%02x match=%s [% 02x]\n",
				seq.offset, h2(h), match, m.ctrls.Slice(seq.offset, seq.offset+groupSize))
		}

		for match != 0 {
			i := seq.offsetAt(match.First())
			slot := m.slots.At(i)
			if *key == slot.key {
				if debug {
					fmt.Printf("put(updating): index=%d  key=%v\n", i, *key)
				}
				return slot, true
			}
			match = match.RemoveFirst()
		}

		if !haveTarget {
			if match = g.matchEmptyOrDeleted(); match != 0 {
				target = seq.offsetAt(match.First())
				haveTarget = true
			}
		}

		if g.matchEmpty() != 0 {
			if debug {
				fmt.Printf("put(not-found): offset=%d target=%d\n", seq.offset, target)
			}
			i := m.prepareInsert(h, target)
			slot := m.slots.At(i)
			slot.key = *key
			return slot, false
		}
	}
}

// prepareInsert marks the slot at target, or at a recomputed target if the
// table had to be rehashed first, as full with h2(h) and returns its index.
func (m *Map[K, V]) prepareInsert(h uintptr, target uintptr) uintptr {
	// Before performing the insertion we may decide the table is getting
	// overcrowded (i.e. the load factor is greater than 7/8 for big tables;
	// small tables use a max load factor of 1). Reusing a tombstone does not
	// consume growth budget so it never forces a rehash.
	if m.growthLeft <= 0 && *m.ctrls.At(target) != ctrlDeleted {
		m.rehash()
		target = m.findFirstNonFull(h)
	}
	if *m.ctrls.At(target) == ctrlEmpty {
		m.growthLeft--
	}
	m.setCtrl(target, ctrl(h2(h)))
	m.used++
	m.version++
	if debug {
		fmt.Printf("put(inserting): index=%d used=%d growth-left=%d\n", target, m.used, m.growthLeft)
	}
	return target
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

// MustGet retrieves the value from the map for the specified key. It panics
// with an error matching hashmap.ErrKeyNotFound if the key is not present.
func (m *Map[K, V]) MustGet(key K) V {
	i, ok := m.find(&key)
	if !ok {
		panic(hashmap.KeyNotFound(key))
	}
	return m.slots.At(i).value
}

// find returns the index of the slot holding key.
func (m *Map[K, V]) find(key *K) (uintptr, bool) {
	h := m.hashKey(key)

	// To find the location of a key in the table, we compute hash(key). From
	// h1(hash(key)) and the capacity, we construct a probeSeq that visits every
	// group of slots in some interesting order.
	//
	// We walk through these indices. At each index, we select the entire group
	// starting with that index and extract potential candidates: occupied slots
	// with a control byte equal to h2(hash(key)). If we find an empty slot in the
	// group, we stop and return an error. The key at candidate slot y is compared
	// with key; if key == m.slots[y].key we are done and return y; otherwise we
	// continue to the next probe index. Tombstones (ctrlDeleted) effectively
	// behave like full slots that never match the value we're looking for.
	//
	// The h2 bits ensure when we compare a key we are likely to have actually
	// found the object. That is, the chance is low that keys compare false. Thus,
	// when we search for an object, we are unlikely to call == many times. This
	// likelyhood can be analyzed as follows (assuming that h2 is a random enough
	// hash function).
	//
	// Let's assume that there are k "wrong" objects that must be examined in a
	// probe sequence. For example, when doing a find on an object that is in the
	// table, k is the number of objects between the start of the probe sequence
	// and the final found object (not including the final found object). The
	// expected number of objects with an h2 match is then k/128. Measurements and
	// analysis indicate that even at high load factors, k is less than 32,
	// meaning that the number of false positive comparisons we must perform is
	// less than 1/8 per find.
	seq := makeProbeSeq(h1(h), m.capacity)
	if debug {
		fmt.Printf("find(%v): %s\n", *key, seq)
	}

	for ; ; seq = seq.next() {
		g := m.ctrls.At(seq.offset)
		match := g.matchH2(h2(h))

		for match != 0 {
			i := seq.offsetAt(match.First())
			if *key == m.slots.At(i).key {
				return i, true
			}
			match = match.RemoveFirst()
		}

		if g.matchEmpty() != 0 {
			if debug {
				fmt.Printf("find(not-found): offset=%d [% 02x]\n",
					seq.offset, m.ctrls.Slice(seq.offset, seq.offset+groupSize))
			}
			return 0, false
		}
	}
}

// Delete deletes the entry corresponding to the specified key from the map,
// returning its value. It is a noop to delete a non-existent key.
func (m *Map[K, V]) Delete(key K) (value V, ok bool) {
	i, ok := m.find(&key)
	if !ok {
		return value, false
	}

	s := m.slots.At(i)
	value = s.value
	*s = Slot[K, V]{}
	m.used--
	m.version++

	// Given an offset to delete we simply create a tombstone and destroy its
	// contents and mark the ctrl as deleted. If we can prove that the slot
	// would not appear in a probe sequence we can mark the slot as empty
	// instead. We can prove this by checking to see if the slot is part of
	// any group that could have been full (assuming we never create an empty
	// slot in a group with no empties which this heuristic guarantees we
	// never do). If the slot is always parts of groups that could never have
	// been full then find would stop at this slot since we do not probe
	// beyond groups with empties.
	if m.wasNeverFull(i) {
		m.setCtrl(i, ctrlEmpty)
		m.growthLeft++
	} else {
		m.setCtrl(i, ctrlDeleted)
	}
	if debug {
		fmt.Printf("delete(%v): index=%d used=%d growth-left=%d\n", key, i, m.used, m.growthLeft)
	}
	m.checkInvariants()
	return value, true
}

// Clear deletes all entries from the map resulting in an empty map. The
// capacity of the map is retained.
func (m *Map[K, V]) Clear() {
	if m.capacity > 0 {
		for i := uintptr(0); i < m.capacity+groupSize; i++ {
			*m.ctrls.At(i) = ctrlEmpty
		}
		*m.ctrls.At(m.capacity) = ctrlSentinel
		clear(m.slots.Slice(0, m.capacity))
	}
	m.used = 0
	m.growthLeft = m.maxGrowth(m.capacity)
	m.version++
	m.checkInvariants()
}

// Reserve grows the map, if necessary, so that additional entries can be
// inserted without triggering a rehash.
func (m *Map[K, V]) Reserve(additional int) {
	if additional <= m.growthLeft {
		return
	}
	if c := m.capacityFor(m.used + additional); c > m.capacity {
		m.resize(c)
	} else {
		// The capacity suffices but tombstones are eating the growth budget.
		m.rehashInPlace()
	}
}

// All returns an iterator over the entries of the map in slot order. It
// panics with hashmap.ErrMutatedDuringIteration if the loop body inserts or
// deletes entries.
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
	for i := uintptr(0); i < m.capacity; {
		// Skip runs of empty and deleted slots a group at a time. The group
		// load never reads past the cloned control bytes since i < capacity.
		if skip := group.CountLeadingEmptyOrDeleted(m.ctrls.At(i).load()); skip > 0 {
			i += skip
			continue
		}
		if !yield(m.slots.At(i)) {
			return
		}
		if m.version != version {
			panic(hashmap.MutatedDuringIteration(version, m.version))
		}
		i++
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

// maxGrowth returns the number of slots that may be filled in a table of the
// specified capacity before it must be rehashed.
func (m *Map[K, V]) maxGrowth(capacity uintptr) int {
	if capacity < groupSize {
		// If the map fits in a single group then we're able to fill all of
		// the slots except 1 (an empty slot is needed to terminate find
		// operations).
		if capacity == 0 {
			return 0
		}
		return int(capacity - 1)
	}
	// The reserved slots are rounded down so that the default load leaves
	// capacity - capacity/8 slots of budget.
	return int(capacity - capacity*(groupSize-m.maxAvgGroupLoad)/groupSize)
}

// capacityFor returns the smallest capacity of the form 2^k-1 which can hold
// n entries without a rehash.
func (m *Map[K, V]) capacityFor(n int) uintptr {
	c := uintptr(groupSize - 1)
	for m.maxGrowth(c) < n {
		if c >= uintptr(1)<<(bits.UintSize-2) {
			panic(errors.AssertionFailedf("swiss: capacity overflow for %d entries", n))
		}
		c = 2*c + 1
	}
	return c
}

// setCtrl sets the control byte at index i, taking care to mirror the byte to
// the end of the control bytes slice if i<groupSize.
func (m *Map[K, V]) setCtrl(i uintptr, v ctrl) {
	*m.ctrls.At(i) = v
	// Mirror the first groupSize control state to the end of the ctrls slice.
	// We do this unconditionally which is faster than performing a comparison
	// to do it only for the first groupSize slots. Note that the index will
	// be the identity for slots in the range [groupSize,capacity).
	*m.ctrls.At(((i - (groupSize - 1)) & m.capacity) + (groupSize - 1)) = v
}

// wasNeverFull returns true if index i was never part a full group. This
// check allows an optimization during deletion whereby a deleted slot can be
// converted to empty rather than a tombstone. See the comment in Delete for
// further explanation.
func (m *Map[K, V]) wasNeverFull(i uintptr) bool {
	if m.capacity < groupSize {
		// The map fits entirely in a single group so we will never probe
		// beyond this group.
		return true
	}

	indexBefore := (i - groupSize) & m.capacity
	emptyAfter := m.ctrls.At(i).matchEmpty()
	emptyBefore := m.ctrls.At(indexBefore).matchEmpty()

	// We count how many consecutive non empties we have to the right and to
	// the left of i. If the sum is >= groupSize then there is at least one
	// probe window that might have seen a full group.
	//
	// We're looking at the control bytes on either side of i trying to
	// determine if the control byte i ever overlapped with a group that was
	// full:
	//
	//   xx xx xx xx xx xx xx xx  xx xx xx xx xx xx xx xx
	//   ^                        ^
	//   indexBefore              i
	//
	// The matchEmpty calls will transform the control bytes into either 0x80
	// if the control byte was empty, or 0x00 if the control byte was full,
	// deleted, or the sentinel. Consider the case where the control byte
	// immediately to the left of i is empty and all of the other control
	// bytes are full:
	//
	//   00 00 00 80 00 00 00 00  00 00 00 00 80 00 00 00
	//   ^                        ^
	//   indexBefore              i
	//
	// The empty{Before,After} != 0 checks are a quick test to see if the
	// group starting at indexBefore and i are completely full. We count the
	// number of lanes before the first empty in emptyAfter (4) and the number
	// of lanes after the last empty in emptyBefore (4). Sum these two results
	// together and we see there was a full group overlapping i.
	return emptyBefore != 0 && emptyAfter != 0 &&
		emptyAfter.First()+emptyBefore.LeadingLanes() < groupSize
}

// findFirstNonFull returns the index of the first empty or deleted slot in
// the probe sequence for h.
func (m *Map[K, V]) findFirstNonFull(h uintptr) uintptr {
	seq := makeProbeSeq(h1(h), m.capacity)
	for ; ; seq = seq.next() {
		if match := m.ctrls.At(seq.offset).matchEmptyOrDeleted(); match != 0 {
			return seq.offsetAt(match.First())
		}
	}
}

// uncheckedPut inserts an entry known not to be in the table. Used when
// re-inserting the entries of a table being resized.
func (m *Map[K, V]) uncheckedPut(h uintptr, key K, value V) {
	// Given key and its hash hash(key), to insert it, we construct a
	// probeSeq, and use it to find the first group with an unoccupied (empty
	// or deleted) slot. We place the key/value into the first such slot in
	// the group and mark it as full with key's H2.
	i := m.findFirstNonFull(h)
	slot := m.slots.At(i)
	slot.key = key
	slot.value = value
	if *m.ctrls.At(i) == ctrlEmpty {
		m.growthLeft--
	}
	m.setCtrl(i, ctrl(h2(h)))
}

// rehash drops the tombstones in place if that recovers enough of the table
// and otherwise doubles its capacity.
func (m *Map[K, V]) rehash() {
	// Rehashing in place is significantly faster than resizing because the
	// common case is that elements remain in their current location. We are
	// only called once the growth budget is exhausted, so every slot of the
	// budget not holding a live entry is a tombstone that will be dropped.
	// Dropping them is worthwhile only when the live entries leave a
	// reasonable amount of headroom: at the default load factor that is at
	// most 25/32 of the capacity.
	maxGrowth := m.maxGrowth(m.capacity)
	tombstones := maxGrowth - m.used - m.growthLeft
	if m.capacity > groupSize && tombstones > 0 &&
		uintptr(m.used)*rehashInPlaceDen*defaultMaxAvgGroupLoad <=
			uintptr(maxGrowth)*rehashInPlaceNum*groupSize {
		m.rehashInPlace()
	} else {
		// Tables smaller than a group fill every slot but one whatever the
		// load, so doubling alone may not restore any growth budget.
		m.resize(max(2*m.capacity+1, m.capacityFor(m.used+1)))
	}
}

// resize the capacity of the table by allocating a bigger array and
// uncheckedPutting each element of the table into the new array (we know
// that no insertion here will Put an already-present value), and discard the
// old backing array. The new arrays are fully populated before the old ones
// are released.
func (m *Map[K, V]) resize(newCapacity uintptr) {
	if (1 + newCapacity) < groupSize {
		newCapacity = groupSize - 1
	}

	oldCtrls, oldSlots := m.ctrls, m.slots
	m.slots = unsafeslice.Make(m.allocator.AllocSlots(int(newCapacity)))
	m.ctrls = unsafeslice.Make(unsafeslice.Convert[ctrl](
		m.allocator.AllocControls(int(newCapacity + groupSize))))
	for i := uintptr(0); i < newCapacity+groupSize; i++ {
		*m.ctrls.At(i) = ctrlEmpty
	}
	*m.ctrls.At(newCapacity) = ctrlSentinel

	oldCapacity := m.capacity
	m.capacity = newCapacity
	m.growthLeft = m.maxGrowth(newCapacity)

	if debug {
		fmt.Printf("resize: capacity=%d->%d  growth-left=%d\n",
			oldCapacity, newCapacity, m.growthLeft)
	}

	for i := uintptr(0); i < oldCapacity; i++ {
		c := *oldCtrls.At(i)
		if c == ctrlEmpty || c == ctrlDeleted {
			continue
		}
		slot := oldSlots.At(i)
		m.uncheckedPut(m.hashKey(&slot.key), slot.key, slot.value)
	}

	if oldCapacity > 0 {
		m.allocator.FreeSlots(oldSlots.Slice(0, oldCapacity))
		m.allocator.FreeControls(unsafeslice.Convert[uint8](oldCtrls.Slice(0, oldCapacity+groupSize)))
	}

	m.version++
	m.checkInvariants()
}

// rehashInPlace drops every tombstone without allocating: the live entries
// are re-seated along their probe sequences within the existing arrays.
func (m *Map[K, V]) rehashInPlace() {
	if debug {
		fmt.Printf("rehash: %d/%d\n%s", m.used, m.capacity, m.debugString())
	}

	// We want to drop all of the deletes in place. We first walk over the
	// control bytes and mark every DELETED slot as EMPTY and every FULL slot
	// as DELETED. Marking the DELETED slots as EMPTY has effectively dropped
	// the tombstones, but we fouled up the probe invariant. Marking the FULL
	// slots as DELETED gives us a marker to locate the previously FULL slots.

	// Mark all DELETED slots as EMPTY and all FULL slots as DELETED.
	for i := uintptr(0); i < m.capacity; i += groupSize {
		m.ctrls.At(i).convertNonFullToEmptyAndFullToDeleted()
	}

	// Fixup the cloned control bytes and the sentinel.
	for i, n := uintptr(0), uintptr(groupSize-1); i < n; i++ {
		*m.ctrls.At(((i - (groupSize - 1)) & m.capacity) + (groupSize - 1)) = *m.ctrls.At(i)
	}
	*m.ctrls.At(m.capacity) = ctrlSentinel

	// Now we walk over all of the DELETED slots (a.k.a. the previously FULL
	// slots). For each slot we find the first probe group we can place the
	// element in which reestablishes the probe invariant. Note that as this
	// loop proceeds we have the invariant that there are no DELETED slots in
	// the range [0, i). We may move the element at i to the range [0, i) if
	// that is where the first group with an empty slot in its probe chain
	// resides, but we never set a slot in [0, i) to DELETED.
	for i := uintptr(0); i < m.capacity; i++ {
		if *m.ctrls.At(i) != ctrlDeleted {
			continue
		}

		s := m.slots.At(i)
		h := m.hashKey(&s.key)
		desired := makeProbeSeq(h1(h), m.capacity)
		target := m.findFirstNonFull(h)

		probeIndex := func(pos uintptr) uintptr {
			return ((pos - desired.offset) & m.capacity) / groupSize
		}

		if i == target || probeIndex(i) == probeIndex(target) {
			// If the target index falls within the first probe group
			// then we don't need to move the element as it already
			// falls in the best probe position.
			m.setCtrl(i, ctrl(h2(h)))
			continue
		}

		switch *m.ctrls.At(target) {
		case ctrlEmpty:
			// The target slot is empty. Transfer the element to the
			// empty slot and mark the slot at index i as empty.
			m.setCtrl(target, ctrl(h2(h)))
			*m.slots.At(target) = *s
			*s = Slot[K, V]{}
			m.setCtrl(i, ctrlEmpty)

		case ctrlDeleted:
			// The slot at target has an element (i.e. it was FULL).
			// We're going to swap our current element with that
			// element and then repeat processing of index i which now
			// holds the element which was at target.
			m.setCtrl(target, ctrl(h2(h)))
			t := m.slots.At(target)
			*s, *t = *t, *s
			i--

		default:
			panic(errors.AssertionFailedf("ctrl at position %d (%02x) should be empty or deleted",
				target, *m.ctrls.At(target)))
		}
	}

	m.growthLeft = m.maxGrowth(m.capacity) - m.used
	m.version++

	if debug {
		fmt.Printf("rehash: done: used=%d growth-left=%d\n", m.used, m.growthLeft)
	}
	m.checkInvariants()
}

func (m *Map[K, V]) checkInvariants() {
	if invariants.Enabled {
		if m.capacity > 0 {
			// Verify the cloned control bytes are good.
			for i, n := uintptr(0), uintptr(groupSize-1); i < n; i++ {
				j := ((i - (groupSize - 1)) & m.capacity) + (groupSize - 1)
				ci := *m.ctrls.At(i)
				cj := *m.ctrls.At(j)
				if ci != cj {
					panic(errors.AssertionFailedf("invariant failed: ctrl(%d)=%02x != ctrl(%d)=%02x\n%s",
						i, ci, j, cj, m.debugString()))
				}
			}
			// Verify the sentinel is good.
			if c := *m.ctrls.At(m.capacity); c != ctrlSentinel {
				panic(errors.AssertionFailedf("invariant failed: ctrl(%d): expected sentinel, but found %02x\n%s",
					m.capacity, c, m.debugString()))
			}
		}

		// For every non-empty slot, verify we can retrieve the key using Get.
		// Count the number of used and deleted slots.
		var used int
		var deleted int
		for i := uintptr(0); i < m.capacity; i++ {
			c := *m.ctrls.At(i)
			switch {
			case c == ctrlDeleted:
				deleted++
			case c == ctrlEmpty:
			case c == ctrlSentinel:
				panic(errors.AssertionFailedf("invariant failed: ctrl(%d): unexpected sentinel", i))
			default:
				s := m.slots.At(i)
				if j, ok := m.find(&s.key); !ok || j != i {
					h := m.hashKey(&s.key)
					panic(errors.AssertionFailedf("invariant failed: slot(%d): %v not found [h2=%02x h1=%07x]\n%s",
						i, s.key, h2(h), h1(h), m.debugString()))
				}
				if h := m.hashKey(&s.key); c != ctrl(h2(h)) {
					panic(errors.AssertionFailedf("invariant failed: slot(%d): ctrl %02x != h2 %02x\n%s",
						i, c, h2(h), m.debugString()))
				}
				used++
			}
		}

		if used != m.used {
			panic(errors.AssertionFailedf("invariant failed: found %d used slots, but used count is %d\n%s",
				used, m.used, m.debugString()))
		}

		growthLeft := m.maxGrowth(m.capacity) - m.used - deleted
		if growthLeft != m.growthLeft {
			panic(errors.AssertionFailedf("invariant failed: found %d growthLeft, but expected %d\n%s",
				m.growthLeft, growthLeft, m.debugString()))
		}
	}
}

func (m *Map[K, V]) debugString() string {
	t := dump.New(fmt.Sprintf("capacity=%d  used=%d  growth-left=%d", m.capacity, m.used, m.growthLeft),
		"index", "ctrl", "key", "h2")
	for i := uintptr(0); i < m.capacity+groupSize; i++ {
		switch c := *m.ctrls.At(i); c {
		case ctrlEmpty:
			t.Row(i, "empty")
		case ctrlDeleted:
			t.Row(i, "deleted")
		case ctrlSentinel:
			t.Row(i, "sentinel")
		default:
			if i < m.capacity {
				s := m.slots.At(i)
				t.Row(i, fmt.Sprintf("%02x", uint8(c)), s.key, fmt.Sprintf("%02x", h2(m.hashKey(&s.key))))
			} else {
				t.Row(i, fmt.Sprintf("%02x", uint8(c)))
			}
		}
	}
	return t.String()
}

type bitset = group.Bitset[uint64]

// Each slot in the hash table has a control byte which can have one of four
// states: empty, deleted, full and the sentinel. They have the following bit
// patterns:
//
//	   empty: 1 0 0 0 0 0 0 0
//	 deleted: 1 1 1 1 1 1 1 0
//	    full: 0 h h h h h h h  // h represents the H2 hash bits
//	sentinel: 1 1 1 1 1 1 1 1
type ctrl uint8

var emptyCtrls = func() unsafeslice.Slice[ctrl] {
	v := make([]ctrl, groupSize)
	for i := range v {
		v[i] = ctrlEmpty
	}
	return unsafeslice.Make(v)
}()

// load returns the group of groupSize control bytes starting at c. The load
// is unaligned and assumes a little endian CPU.
func (c *ctrl) load() uint64 {
	return *(*uint64)((unsafe.Pointer)(c))
}

func (c *ctrl) matchH2(h uintptr) bitset {
	return group.MatchByte(c.load(), uint8(h))
}

// matchEmpty returns a bitset where each byte is 0x80 if that control byte
// indicates an empty slot (and 0x00 otherwise).
func (c *ctrl) matchEmpty() bitset {
	return group.MatchEmpty(c.load())
}

// matchEmptyOrDeleted returns a bitset where each byte is 0x80 if that
// control byte indicates an empty or deleted slot (and 0x00 otherwise).
func (c *ctrl) matchEmptyOrDeleted() bitset {
	return group.MatchEmptyOrDeleted(c.load())
}

// convertNonFullToEmptyAndFullToDeleted converts deleted or sentinel control
// bytes in a group to empty control bytes, and control bytes indicating full
// slots to deleted control bytes.
func (c *ctrl) convertNonFullToEmptyAndFullToDeleted() {
	p := (*uint64)((unsafe.Pointer)(c))
	*p = group.ConvertSpecialToEmptyAndFullToDeleted(*p)
}

// probeSeq maintains the state for a probe sequence. The sequence is a
// triangular progression of the form
//
//	p(i) := groupSize * (i^2 + i)/2 + hash (mod mask+1)
//
// The use of groupSize ensures that each probe step does not overlap groups;
// the sequence effectively outputs the addresses of *groups* (although not
// necessarily aligned to any boundary). The group machinery allows us to
// check an entire group with minimal branching.
//
// Wrapping around at mask+1 is important, but not for the obvious reason. As
// described above, the first few entries of the control byte array are
// mirrored at the end of the array, which group will find and use for
// selecting candidates. However, when those candidates' slots are actually
// inspected, there are no corresponding slots for the cloned bytes, so we
// need to make sure we've treated those offsets as "wrapping around".
//
// It turns out that this probe sequence visits every group exactly once if
// the number of groups is a power of two, since (i^2+i)/2 is a bijection in
// Z/(2^m). See https://en.wikipedia.org/wiki/Quadratic_probing
type probeSeq struct {
	mask   uintptr
	offset uintptr
	index  uintptr
}

func makeProbeSeq(hash, mask uintptr) probeSeq {
	return probeSeq{
		mask:   mask,
		offset: hash & mask,
		index:  0,
	}
}

// next advances to the next group. Every group has been visited once index
// exceeds mask; a probe that gets that far means no group held an empty slot,
// which the growth budget rules out.
func (s probeSeq) next() probeSeq {
	s.index += groupSize
	if s.index > s.mask {
		panic(errors.AssertionFailedf("probe sequence exhausted: %s", s))
	}
	s.offset = (s.offset + s.index) & s.mask
	return s
}

func (s probeSeq) offsetAt(i uintptr) uintptr {
	return (s.offset + i) & s.mask
}

func (s probeSeq) String() string {
	return fmt.Sprintf("mask=%d offset=%d index=%d", s.mask, s.offset, s.index)
}

// Extracts the H1 portion of a hash: the 57 upper bits.
func h1(h uintptr) uintptr {
	return h >> 7
}

// Extracts the H2 portion of a hash: the 7 bits not used for h1.
//
// These are used as an occupied control byte.
func h2(h uintptr) uintptr {
	return h & 0x7f
}
