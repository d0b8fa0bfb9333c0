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

import "github.com/cockroachdb/errors"

var (
	// ErrKeyNotFound is returned (wrapped) by MustGet when the key is absent.
	ErrKeyNotFound = errors.New("key not found")
	// ErrDuplicateKey is returned (wrapped) by Add when the key is present.
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrMutatedDuringIteration is the panic value (wrapped) raised by an
	// iterator when the map was structurally modified by the loop body.
	ErrMutatedDuringIteration = errors.New("map mutated during iteration")
)

// KeyNotFound returns ErrKeyNotFound annotated with key.
func KeyNotFound(key any) error {
	return errors.Wrapf(ErrKeyNotFound, "%v", key)
}

// DuplicateKey returns ErrDuplicateKey annotated with key.
func DuplicateKey(key any) error {
	return errors.Wrapf(ErrDuplicateKey, "%v", key)
}

// MutatedDuringIteration returns ErrMutatedDuringIteration annotated with the
// map versions observed before and after the loop body ran.
func MutatedDuringIteration(before, after uint64) error {
	return errors.Wrapf(ErrMutatedDuringIteration, "version %d -> %d", before, after)
}
