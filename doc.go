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

// Package hashmap defines the contract shared by a family of open-addressing
// hash maps, each implemented in its own package:
//
//   - swiss: Swiss Tables. One control byte per slot holding 7 bits of the
//     hash, probed 8 slots at a time with SWAR group matching. Deletion
//     leaves tombstones which are dropped in place or by resizing.
//   - robinhood: Robin Hood linear probing. Each slot records the index of
//     its ideal bucket, insertion steals slots from entries closer to home
//     and deletion shifts the rest of the probe chain backwards so that no
//     tombstones are needed.
//   - ankerl: Robin Hood over a separate metadata array where each bucket
//     packs its probe distance and an 8-bit fingerprint into one comparable
//     word. Values live in a dense array without holes, which makes iteration
//     a linear scan.
//
// All engines are single-threaded: a Map must not be accessed concurrently
// without external synchronization. Iterating a Map while inserting new keys
// into it or deleting from it panics with ErrMutatedDuringIteration;
// overwriting the value of an existing key during iteration is permitted.
package hashmap
