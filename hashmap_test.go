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

package hashmap_test

import (
	"fmt"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/hashmap"
	"github.com/cockroachdb/hashmap/ankerl"
	"github.com/cockroachdb/hashmap/robinhood"
	"github.com/cockroachdb/hashmap/swiss"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
)

type engine[K comparable, V any] struct {
	name string
	// new returns an empty map with room for capacity entries.
	new func(capacity int) hashmap.Map[K, V]
	// newConstant returns an empty map whose keys all hash to h.
	newConstant func(h uintptr) hashmap.Map[K, V]
	// from copies src into a new map.
	from func(src hashmap.Source[K, V]) hashmap.Map[K, V]
}

func engines[K comparable, V any]() []engine[K, V] {
	constant := func(h uintptr) func(key *K, seed uintptr) uintptr {
		return func(key *K, seed uintptr) uintptr {
			return h
		}
	}
	return []engine[K, V]{
		{
			name: "swiss",
			new: func(capacity int) hashmap.Map[K, V] {
				return swiss.New[K, V](capacity)
			},
			newConstant: func(h uintptr) hashmap.Map[K, V] {
				return swiss.New[K, V](0, swiss.WithHash[K, V](constant(h)))
			},
			from: func(src hashmap.Source[K, V]) hashmap.Map[K, V] {
				return swiss.From[K, V](src)
			},
		},
		{
			name: "robinhood",
			new: func(capacity int) hashmap.Map[K, V] {
				return robinhood.New[K, V](capacity)
			},
			newConstant: func(h uintptr) hashmap.Map[K, V] {
				return robinhood.New[K, V](0, robinhood.WithHash[K, V](constant(h)))
			},
			from: func(src hashmap.Source[K, V]) hashmap.Map[K, V] {
				return robinhood.From[K, V](src)
			},
		},
		{
			name: "ankerl",
			new: func(capacity int) hashmap.Map[K, V] {
				return ankerl.New[K, V](capacity)
			},
			newConstant: func(h uintptr) hashmap.Map[K, V] {
				return ankerl.New[K, V](0, ankerl.WithHash[K, V](constant(h)))
			},
			from: func(src hashmap.Source[K, V]) hashmap.Map[K, V] {
				return ankerl.From[K, V](src)
			},
		},
	}
}

func forEachEngine[K comparable, V any](t *testing.T, f func(t *testing.T, e engine[K, V])) {
	for _, e := range engines[K, V]() {
		t.Run(e.name, func(t *testing.T) {
			f(t, e)
		})
	}
}

// collect returns the entries of m, failing the test if a key is yielded more
// than once.
func collect[K comparable, V any](t *testing.T, m hashmap.Source[K, V]) map[K]V {
	t.Helper()
	r := make(map[K]V, m.Len())
	for k, v := range m.All() {
		_, dup := r[k]
		require.False(t, dup, "key %v yielded twice", k)
		r[k] = v
	}
	require.Len(t, r, m.Len())
	return r
}

func newRand() *rand.Rand {
	return rand.New(rand.NewSource(uint64(1234)))
}

func TestRoundTrip(t *testing.T) {
	forEachEngine(t, func(t *testing.T, e engine[int, int]) {
		rng := newRand()
		m := e.new(0)
		expected := make(map[int]int)
		for i := 0; i < 5000; i++ {
			k, v := rng.Intn(1<<20), rng.Int()
			m.Put(k, v)
			expected[k] = v
			got, ok := m.Get(k)
			require.True(t, ok)
			require.Equal(t, v, got)
		}
		for k, v := range expected {
			require.Equal(t, v, m.MustGet(k))
		}
	})
}

func TestCardinality(t *testing.T) {
	forEachEngine(t, func(t *testing.T, e engine[int, int]) {
		rng := newRand()
		m := e.new(16)
		expected := make(map[int]int)
		for i := 0; i < 20000; i++ {
			k := rng.Intn(2000)
			if rng.Intn(3) == 0 {
				_, ok := m.Delete(k)
				_, present := expected[k]
				require.Equal(t, present, ok)
				delete(expected, k)
			} else {
				_, replaced := m.Put(k, i)
				_, present := expected[k]
				require.Equal(t, present, replaced)
				expected[k] = i
			}
			require.Equal(t, len(expected), m.Len())
		}
		require.Equal(t, expected, collect[int, int](t, m))
	})
}

func TestNoFalsePositives(t *testing.T) {
	forEachEngine(t, func(t *testing.T, e engine[uint64, int]) {
		rng := newRand()
		m := e.new(0)
		inserted := make(map[uint64]bool)
		for len(inserted) < 1000 {
			k := rng.Uint64()
			inserted[k] = true
			m.Put(k, 0)
		}
		for probes := 0; probes < 10000; {
			k := rng.Uint64()
			if inserted[k] {
				continue
			}
			require.False(t, m.Has(k), "%d", k)
			probes++
		}
	})
}

func TestResizeTransparency(t *testing.T) {
	forEachEngine(t, func(t *testing.T, e engine[int, string]) {
		rng := newRand()
		m := e.new(0)
		expected := make(map[int]string)
		resizes := 0
		capacity := m.Cap()
		for i := 0; i < 10000; i++ {
			k := rng.Int()
			m.Put(k, fmt.Sprint(k))
			expected[k] = fmt.Sprint(k)
			if c := m.Cap(); c != capacity {
				capacity = c
				resizes++
				require.Equal(t, expected, collect[int, string](t, m), "after resize to %d", c)
			}
		}
		require.Greater(t, resizes, 5)
		require.Equal(t, expected, collect[int, string](t, m))
	})
}

func TestDeletionUnderCollision(t *testing.T) {
	forEachEngine(t, func(t *testing.T, e engine[int, int]) {
		for _, h := range []uintptr{0, 0x5555, ^uintptr(0)} {
			t.Run(fmt.Sprintf("%x", h), func(t *testing.T) {
				m := e.newConstant(h)
				for i := 0; i < 256; i++ {
					m.Put(i, i)
				}
				for i := 128; i < 256; i++ {
					v, ok := m.Delete(i)
					require.True(t, ok)
					require.Equal(t, i, v)
				}
				require.Equal(t, 128, m.Len())
				for i := 0; i < 128; i++ {
					require.Equal(t, i, m.MustGet(i))
				}
				for i := 128; i < 256; i++ {
					require.False(t, m.Has(i), "%d", i)
				}
			})
		}
	})
}

// TestUUIDKeys exercises array keys larger than a machine word.
func TestUUIDKeys(t *testing.T) {
	forEachEngine(t, func(t *testing.T, e engine[uuid.UUID, int]) {
		rng := newRand()
		keys := make([]uuid.UUID, 10000)
		for i := range keys {
			id, err := uuid.NewRandomFromReader(rng)
			require.NoError(t, err)
			keys[i] = id
		}

		m := e.new(0)
		for i, k := range keys {
			require.NoError(t, m.Add(k, i))
		}
		require.Equal(t, len(keys), m.Len())
		for i, k := range keys {
			require.Equal(t, i, m.MustGet(k))
		}
		for i := 0; i < len(keys); i += 2 {
			_, ok := m.Delete(keys[i])
			require.True(t, ok)
		}
		for i, k := range keys {
			require.Equal(t, i%2 == 1, m.Has(k), "%s", k)
		}
		require.False(t, m.Has(uuid.Nil))
	})
}

func TestErrors(t *testing.T) {
	forEachEngine(t, func(t *testing.T, e engine[string, int]) {
		m := e.new(0)
		require.NoError(t, m.Add("a", 1))
		err := m.Add("a", 2)
		require.True(t, errors.Is(err, hashmap.ErrDuplicateKey), "%+v", err)
		require.Contains(t, err.Error(), "a")
		require.False(t, m.PutIfAbsent("a", 3))
		require.Equal(t, 1, m.MustGet("a"))

		func() {
			defer func() {
				err, ok := recover().(error)
				require.True(t, ok)
				require.True(t, errors.Is(err, hashmap.ErrKeyNotFound), "%+v", err)
			}()
			m.MustGet("missing")
		}()

		func() {
			defer func() {
				err, ok := recover().(error)
				require.True(t, ok)
				require.True(t, errors.Is(err, hashmap.ErrMutatedDuringIteration), "%+v", err)
			}()
			for k := range m.Keys() {
				m.Put(k+k, 0)
			}
		}()
	})
}

func TestFromOtherEngines(t *testing.T) {
	src := hashmap.Builtin[int, int]{}
	for i := 0; i < 1000; i++ {
		src[i*7] = i
	}
	for _, a := range engines[int, int]() {
		ma := a.from(src)
		require.Equal(t, map[int]int(src), collect[int, int](t, ma))
		for _, b := range engines[int, int]() {
			t.Run(a.name+"->"+b.name, func(t *testing.T) {
				mb := b.from(ma)
				require.Equal(t, map[int]int(src), collect[int, int](t, mb))

				// The copy is independent of its source.
				mb.Delete(0)
				require.True(t, ma.Has(0))
			})
		}
	}
}

func TestClearCloseReserve(t *testing.T) {
	forEachEngine(t, func(t *testing.T, e engine[int, int]) {
		m := e.new(0)
		m.Reserve(500)
		capacity := m.Cap()
		require.Greater(t, capacity, 500)
		for i := 0; i < 500; i++ {
			m.Put(i, i)
		}
		require.Equal(t, capacity, m.Cap())

		m.Clear()
		require.Equal(t, 0, m.Len())
		require.Equal(t, capacity, m.Cap())
		require.Empty(t, collect[int, int](t, m))

		m.Put(1, 1)
		m.Close()
		require.Equal(t, 0, m.Len())
		require.Equal(t, 0, m.Cap())
		m.Put(2, 2)
		require.Equal(t, map[int]int{2: 2}, collect[int, int](t, m))

		var sum int
		for v := range m.Values() {
			sum += v
		}
		require.Equal(t, 2, sum)
	})
}

func TestContainsValue(t *testing.T) {
	forEachEngine(t, func(t *testing.T, e engine[int, string]) {
		m := e.new(0)
		require.False(t, hashmap.ContainsValue[int, string](m, ""))
		for i := 0; i < 100; i++ {
			m.Put(i, fmt.Sprint(i*i))
		}
		require.True(t, hashmap.ContainsValue[int, string](m, "81"))
		require.False(t, hashmap.ContainsValue[int, string](m, "82"))

		m.Delete(9)
		require.False(t, hashmap.ContainsValue[int, string](m, "81"))
		m.Put(1000, "81")
		require.True(t, hashmap.ContainsValue[int, string](m, "81"))
	})
	require.True(t, hashmap.ContainsValue[string, int](hashmap.Builtin[string, int]{"a": 1}, 1))
}
