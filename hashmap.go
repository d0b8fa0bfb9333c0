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

package hashmap

import "iter"

// Source is a read-only view of a collection of key/value pairs. It is
// accepted by the From constructors of every engine.
type Source[K comparable, V any] interface {
	// Len returns the number of entries.
	Len() int
	// All yields every entry exactly once.
	All() iter.Seq2[K, V]
}

// Map is the interface implemented by every engine in this module.
type Map[K comparable, V any] interface {
	Source[K, V]

	// Get returns the value stored for key, with ok=false if absent.
	Get(key K) (value V, ok bool)
	// Has returns true if key is present.
	Has(key K) bool
	// MustGet returns the value stored for key and panics with an error
	// matching ErrKeyNotFound if the key is absent.
	MustGet(key K) V
	// Put inserts or overwrites an entry, returning the previous value.
	Put(key K, value V) (prev V, replaced bool)
	// PutIfAbsent inserts an entry only if key is not present and reports
	// whether it did so.
	PutIfAbsent(key K, value V) bool
	// Add inserts an entry, returning an error matching ErrDuplicateKey if
	// key is already present.
	Add(key K, value V) error
	// Delete removes key, returning the removed value.
	Delete(key K) (value V, ok bool)
	// Clear removes every entry while retaining the allocated capacity.
	Clear()
	// Reserve ensures that additional entries can be inserted without
	// triggering more than the single reallocation Reserve itself performs.
	Reserve(additional int)
	// Cap returns the number of slots in the table.
	Cap() int
	// Close releases the backing storage to the configured allocator.
	Close()
	// Keys yields every key.
	Keys() iter.Seq[K]
	// Values yields every value.
	Values() iter.Seq[V]
}

// Builtin adapts a Go map to a Source.
type Builtin[K comparable, V any] map[K]V

// Len implements Source.
func (b Builtin[K, V]) Len() int {
	return len(b)
}

// All implements Source.
func (b Builtin[K, V]) All() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		for k, v := range b {
			if !yield(k, v) {
				return
			}
		}
	}
}

// ContainsValue reports whether any entry of src holds value. It is a linear
// scan.
func ContainsValue[K comparable, V comparable](src Source[K, V], value V) bool {
	for _, v := range src.All() {
		if v == value {
			return true
		}
	}
	return false
}
