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

// Package hashing supplies the default hash function shared by the map
// engines. Keys are hashed with github.com/dolthub/maphash, which reuses the
// Go runtime's hash function for the key type, and the result is mixed with
// a per-map seed so that two maps with the same contents do not share probe
// sequences.
package hashing

import (
	"math/bits"
	"math/rand/v2"

	"github.com/dolthub/maphash"
)

// Func hashes the key pointed to by key using seed. The pointer form avoids
// copying large keys on every probe.
type Func[K comparable] func(key *K, seed uintptr) uintptr

const (
	m1 = 0xa0761d6478bd642f
	m2 = 0xe7037ed1a0b428db
)

// Default returns a Func for K backed by maphash.
func Default[K comparable]() Func[K] {
	h := maphash.NewHasher[K]()
	return func(key *K, seed uintptr) uintptr {
		return uintptr(Mix(h.Hash(*key), uint64(seed)))
	}
}

// Mix folds seed into hash using the wyhash multiply-xor mixer.
func Mix(hash, seed uint64) uint64 {
	hi, lo := bits.Mul64(hash^m1, seed^m2)
	return hi ^ lo
}

// Seed returns a random non-zero seed.
func Seed() uintptr {
	for {
		if s := uintptr(rand.Uint64()); s != 0 {
			return s
		}
	}
}
