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

package robinhood

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/hashmap"
	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/hexops/gotextdiff/span"
	"github.com/stretchr/testify/require"
)

func (m *Map[K, V]) toBuiltinMap() map[K]V {
	r := make(map[K]V)
	for k, v := range m.All() {
		r[k] = v
	}
	return r
}

func (m *Map[K, V]) randElement() (key K, value V, ok bool) {
	if m.Len() == 0 {
		return key, value, false
	}
	n := rand.IntN(m.Len())
	for k, v := range m.All() {
		if n == 0 {
			return k, v, true
		}
		n--
	}
	panic("not reached")
}

// probeDistanceSum returns the sum of the displacements of every entry.
func (m *Map[K, V]) probeDistanceSum() int {
	var sum int
	for i := uintptr(0); i < m.capacity; i++ {
		if m.slots.At(i).ideal != empty {
			sum += int(m.displacement(i))
		}
	}
	return sum
}

// requireOrdered verifies the Robin Hood ordering of every occupied slot: an
// entry away from its ideal index is preceded by an occupied slot whose
// displacement is at least one less than its own.
func requireOrdered[K comparable, V any](t *testing.T, m *Map[K, V]) {
	t.Helper()
	if m.capacity == 0 {
		return
	}
	mask := m.capacity - 1
	var used int
	for i := uintptr(0); i < m.capacity; i++ {
		s := m.slots.At(i)
		if s.ideal == empty {
			continue
		}
		used++
		require.EqualValues(t, m.hashKey(&s.key)&mask, s.ideal, "slot %d", i)
		if d := m.displacement(i); d > 0 {
			prev := (i - 1) & mask
			if m.slots.At(prev).ideal == empty {
				t.Fatalf("slot %d: displacement %d follows an empty slot\n%s", i, d, m.debugString())
			}
			if pd := m.displacement(prev); int(d) > int(pd)+1 {
				t.Fatalf("slot %d: displacement %d follows displacement %d\n%s", i, d, pd, m.debugString())
			}
		}
	}
	require.Equal(t, m.used, used)
}

func recoverError(t *testing.T, f func()) (err error) {
	t.Helper()
	defer func() {
		r := recover()
		require.NotNil(t, r, "expected panic")
		var ok bool
		err, ok = r.(error)
		require.True(t, ok, "panic value %v is not an error", r)
	}()
	f()
	return nil
}

func requireSameDump[K comparable, V any](t *testing.T, expected, actual *Map[K, V]) {
	t.Helper()
	a, b := expected.debugString(), actual.debugString()
	if a == b {
		return
	}
	edits := myers.ComputeEdits(span.URIFromPath("expected"), a, b)
	t.Fatalf("dumps differ:\n%s", gotextdiff.ToUnified("expected", "actual", a, edits))
}

func constantHash[K comparable](h uintptr) func(key *K, seed uintptr) uintptr {
	return func(key *K, seed uintptr) uintptr {
		return h
	}
}

func TestInitialCapacity(t *testing.T) {
	testCases := []struct {
		initialCapacity  int
		maxLoadFactor    float64
		expectedCapacity int
	}{
		{0, defaultMaxLoadFactor, 0},
		{1, defaultMaxLoadFactor, 8},
		{4, defaultMaxLoadFactor, 8},
		{5, defaultMaxLoadFactor, 16},
		{512, defaultMaxLoadFactor, 1024},
		{513, defaultMaxLoadFactor, 2048},
		{6, 0.875, 8},
		{8, 0.875, 16},
		{100, 0.1, 1024},
	}
	for _, c := range testCases {
		t.Run(fmt.Sprintf("%d/%v", c.initialCapacity, c.maxLoadFactor), func(t *testing.T) {
			m := New[int, int](c.initialCapacity, WithMaxLoadFactor[int, int](c.maxLoadFactor))
			require.EqualValues(t, c.expectedCapacity, m.Cap())
			require.GreaterOrEqual(t, m.growthLimit, c.initialCapacity)
		})
	}
}

func TestInvalidMaxLoadFactor(t *testing.T) {
	for _, f := range []float64{-1, 0, 1, 1.5} {
		require.Panics(t, func() { WithMaxLoadFactor[int, int](f) })
	}
}

func TestBasic(t *testing.T) {
	test := func(t *testing.T, m *Map[int, int]) {
		const count = 100

		e := make(map[int]int)
		require.EqualValues(t, 0, m.Len())

		for i := 0; i < count; i++ {
			require.False(t, m.Has(i))
		}

		// Insert.
		for i := 0; i < count; i++ {
			_, replaced := m.Put(i, i+count)
			require.False(t, replaced)
			e[i] = i + count
			v, ok := m.Get(i)
			require.True(t, ok)
			require.EqualValues(t, i+count, v)
			require.EqualValues(t, i+1, m.Len())
			require.Equal(t, e, m.toBuiltinMap())
		}
		requireOrdered(t, m)

		// Update.
		for i := 0; i < count; i++ {
			prev, replaced := m.Put(i, i+2*count)
			require.True(t, replaced)
			require.EqualValues(t, i+count, prev)
			e[i] = i + 2*count
			require.EqualValues(t, i+2*count, m.MustGet(i))
			require.EqualValues(t, count, m.Len())
		}
		require.Equal(t, e, m.toBuiltinMap())

		// Delete.
		for i := 0; i < count; i++ {
			v, ok := m.Delete(i)
			require.True(t, ok)
			require.EqualValues(t, i+2*count, v)
			delete(e, i)
			require.EqualValues(t, count-i-1, m.Len())
			require.False(t, m.Has(i))
			_, ok = m.Delete(i)
			require.False(t, ok)
			require.Equal(t, e, m.toBuiltinMap())
			requireOrdered(t, m)
		}
	}

	t.Run("normal", func(t *testing.T) {
		test(t, New[int, int](0))
	})

	t.Run("degenerate", func(t *testing.T) {
		for _, v := range []uintptr{0, ^uintptr(0), uintptr(rand.Uint64())} {
			t.Run(fmt.Sprintf("%016x", v), func(t *testing.T) {
				test(t, New[int, int](0, WithHash[int, int](constantHash[int](v))))
			})
		}
	})
}

func TestPutIfAbsentAndAdd(t *testing.T) {
	m := New[string, int](0)
	require.True(t, m.PutIfAbsent("a", 1))
	require.False(t, m.PutIfAbsent("a", 2))
	require.EqualValues(t, 1, m.MustGet("a"))

	require.NoError(t, m.Add("b", 3))
	err := m.Add("b", 4)
	require.True(t, errors.Is(err, hashmap.ErrDuplicateKey), "%+v", err)
	require.EqualValues(t, 3, m.MustGet("b"))

	err = recoverError(t, func() { m.MustGet("c") })
	require.True(t, errors.Is(err, hashmap.ErrKeyNotFound), "%+v", err)
}

// TestCollidingKeys inserts six keys sharing one ideal index into a map of
// eight slots. Each key lands one slot further than the previous one.
func TestCollidingKeys(t *testing.T) {
	m := New[int, int](6,
		WithHash[int, int](constantHash[int](3)),
		WithMaxLoadFactor[int, int](0.875))
	require.EqualValues(t, 8, m.Cap())

	for i := 0; i < 6; i++ {
		m.Put(i, i*10)
	}
	require.EqualValues(t, 8, m.Cap())
	for i := 0; i < 6; i++ {
		require.EqualValues(t, i*10, m.MustGet(i))
	}
	require.EqualValues(t, 0+1+2+3+4+5, m.probeDistanceSum())
	requireOrdered(t, m)

	// Deleting from the middle of the chain shifts the tail back.
	m.Delete(2)
	require.EqualValues(t, 0+1+2+3+4, m.probeDistanceSum())
	for _, i := range []int{0, 1, 3, 4, 5} {
		require.EqualValues(t, i*10, m.MustGet(i))
	}
	requireOrdered(t, m)
}

func TestDisplacement(t *testing.T) {
	// Keys 0 and 1 hash to slot 6, keys 2 and 3 to slot 7. The chain wraps
	// around the end of the slots array.
	m := New[int, int](4, WithHash[int, int](func(key *int, seed uintptr) uintptr {
		return 6 + uintptr(*key/2)
	}))
	require.EqualValues(t, 8, m.Cap())
	for i := 0; i < 4; i++ {
		m.Put(i, i)
	}
	require.Equal(t, "6 6 7 7 ", func() string {
		var s string
		for _, i := range []uintptr{6, 7, 0, 1} {
			s += fmt.Sprintf("%d ", m.slots.At(i).ideal)
		}
		return s
	}())
	require.EqualValues(t, 0+1+1+2, m.probeDistanceSum())
	requireOrdered(t, m)

	_, ok := m.Get(5)
	require.False(t, ok)

	// Keys 1, 2 and 3 each move back one slot. Keys 1 and 2 end up at home.
	m.Delete(0)
	require.EqualValues(t, 0+0+1, m.probeDistanceSum())
	require.EqualValues(t, 6, m.slots.At(6).ideal)
	require.EqualValues(t, 7, m.slots.At(7).ideal)
	require.EqualValues(t, empty, m.slots.At(1).ideal)
	requireOrdered(t, m)
	for i := 1; i < 4; i++ {
		require.EqualValues(t, i, m.MustGet(i))
	}
}

func TestRandom(t *testing.T) {
	test := func(t *testing.T, m *Map[int, int], ops int) {
		e := make(map[int]int)
		for i := 0; i < ops; i++ {
			switch r := rand.Float64(); {
			case r < 0.5: // 50% inserts
				k, v := rand.Int(), rand.Int()
				m.Put(k, v)
				e[k] = v
			case r < 0.65: // 15% updates
				if k, _, ok := m.randElement(); ok {
					v := rand.Int()
					m.Put(k, v)
					e[k] = v
				}
			case r < 0.85: // 20% deletes
				if k, _, ok := m.randElement(); ok {
					m.Delete(k)
					delete(e, k)
				}
			default: // 15% lookups
				if k, v, ok := m.randElement(); ok {
					require.EqualValues(t, e[k], v)
				}
			}
			require.EqualValues(t, len(e), m.Len())
		}
		require.Equal(t, e, m.toBuiltinMap())
		requireOrdered(t, m)
	}

	t.Run("normal", func(t *testing.T) {
		test(t, New[int, int](0), 10000)
	})
	t.Run("high-load", func(t *testing.T) {
		test(t, New[int, int](0, WithMaxLoadFactor[int, int](0.95)), 10000)
	})
	t.Run("clustered", func(t *testing.T) {
		// Only a handful of distinct ideal indexes.
		m := New[int, int](0, WithHash[int, int](func(key *int, seed uintptr) uintptr {
			return uintptr(*key) & 0x3
		}))
		test(t, m, 2000)
	})
}

func TestDeleteConstantHash(t *testing.T) {
	m := New[int, int](0, WithHash[int, int](constantHash[int](0x1234)))
	for i := 0; i < 256; i++ {
		m.Put(i, i)
	}
	for i := 128; i < 256; i++ {
		_, ok := m.Delete(i)
		require.True(t, ok)
	}
	for i := 0; i < 128; i++ {
		require.True(t, m.Has(i), "%d", i)
	}
	for i := 128; i < 256; i++ {
		require.False(t, m.Has(i), "%d", i)
	}
	require.EqualValues(t, 128, m.Len())
	requireOrdered(t, m)
}

func TestIterateMutate(t *testing.T) {
	m := New[int, int](0)
	for i := 0; i < 100; i++ {
		m.Put(i, i)
	}

	for k := range m.Keys() {
		m.Put(k, -k)
	}
	for k, v := range m.All() {
		require.EqualValues(t, -k, v)
	}

	err := recoverError(t, func() {
		for k := range m.Keys() {
			m.Put(k+1000, k)
		}
	})
	require.True(t, errors.Is(err, hashmap.ErrMutatedDuringIteration), "%+v", err)

	err = recoverError(t, func() {
		for v := range m.Values() {
			m.Delete(-v)
		}
	})
	require.True(t, errors.Is(err, hashmap.ErrMutatedDuringIteration), "%+v", err)
}

func TestClear(t *testing.T) {
	m := New[int, int](0)
	m.Clear()
	require.EqualValues(t, 0, m.Cap())

	for i := 0; i < 1000; i++ {
		m.Put(i, i)
	}
	capacity := m.Cap()
	m.Clear()
	require.EqualValues(t, 0, m.Len())
	require.EqualValues(t, capacity, m.Cap())
	for range m.All() {
		require.Fail(t, "should not iterate")
	}
	for i := 0; i < 1000; i++ {
		require.False(t, m.Has(i))
	}
	m.Put(1, 1)
	require.EqualValues(t, 1, m.MustGet(1))
}

type countingAllocator[K comparable, V any] struct {
	alloc, free int
}

func (a *countingAllocator[K, V]) AllocSlots(n int) []Slot[K, V] {
	a.alloc++
	return make([]Slot[K, V], n)
}

func (a *countingAllocator[K, V]) FreeSlots(_ []Slot[K, V]) {
	a.free++
}

func TestAllocator(t *testing.T) {
	a := &countingAllocator[int, int]{}
	m := New[int, int](0, WithAllocator[int, int](a))
	for i := 0; i < 100; i++ {
		m.Put(i, i)
	}

	// 8 -> 16 -> 32 -> 64 -> 128 -> 256
	const expected = 6
	require.EqualValues(t, expected, a.alloc)
	require.EqualValues(t, expected-1, a.free)

	m.Close()
	require.EqualValues(t, expected, a.free)
	m.Close()
	require.EqualValues(t, expected, a.free)
	require.EqualValues(t, 0, m.Cap())

	m.Put(1, 1)
	require.EqualValues(t, 1, m.MustGet(1))
}

func TestReserve(t *testing.T) {
	a := &countingAllocator[int, int]{}
	m := New[int, int](0, WithAllocator[int, int](a))
	m.Reserve(100)
	require.EqualValues(t, 256, m.Cap())
	require.EqualValues(t, 1, a.alloc)

	for i := 0; i < 128; i++ {
		m.Put(i, i)
	}
	require.EqualValues(t, 1, a.alloc)

	m.Reserve(0)
	require.EqualValues(t, 1, a.alloc)

	m.Reserve(1000)
	require.EqualValues(t, 2, a.alloc)
	require.EqualValues(t, 1, a.free)
	for i := 128; i < 1128; i++ {
		m.Put(i, i)
	}
	require.EqualValues(t, 2, a.alloc)
	requireOrdered(t, m)
}

func TestCloneAndFrom(t *testing.T) {
	m := New[int, string](0)
	for i := 0; i < 200; i++ {
		m.Put(i, fmt.Sprint(i))
	}
	for i := 0; i < 200; i += 7 {
		m.Delete(i)
	}

	c := m.Clone()
	requireSameDump(t, m, c)
	require.Equal(t, m.toBuiltinMap(), c.toBuiltinMap())
	c.Put(1000, "x")
	c.Delete(1)
	require.False(t, m.Has(1000))
	require.True(t, m.Has(1))

	a := &countingAllocator[int, string]{}
	f := From[int, string](m, WithAllocator[int, string](a))
	requireSameDump(t, m, f)
	require.EqualValues(t, 1, a.alloc)

	b := From[int, string](hashmap.Builtin[int, string](m.toBuiltinMap()))
	require.Equal(t, m.toBuiltinMap(), b.toBuiltinMap())
	requireOrdered(t, b)
}
