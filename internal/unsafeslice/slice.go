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

// Package unsafeslice provides the single place where the hash map engines
// index their backing arrays without bounds checks. Callers are responsible
// for proving every index is within [0, len) of the slice the Slice was made
// from; the probe loops maintain that invariant by masking with the table
// capacity.
package unsafeslice

import "unsafe"

// Slice provides semi-ergonomic limited slice-like functionality without
// bounds checking for fixed sized slices.
type Slice[T any] struct {
	ptr unsafe.Pointer
}

// Make returns a Slice aliasing the backing array of s.
func Make[T any](s []T) Slice[T] {
	return Slice[T]{ptr: unsafe.Pointer(unsafe.SliceData(s))}
}

// At returns a pointer to the element at index i.
func (s Slice[T]) At(i uintptr) *T {
	var t T
	return (*T)(unsafe.Add(s.ptr, unsafe.Sizeof(t)*i))
}

// Slice returns a Go slice akin to slice[start:end] for a Go builtin slice.
func (s Slice[T]) Slice(start, end uintptr) []T {
	return unsafe.Slice((*T)(s.ptr), end)[start:end]
}

// IsNil returns true if the Slice does not reference any backing array.
func (s Slice[T]) IsNil() bool {
	return s.ptr == nil
}

// Convert reinterprets a slice of Src as a slice of Dest with the same
// length. Src and Dest must have the same size.
func Convert[Dest any, Src any](s []Src) []Dest {
	return unsafe.Slice((*Dest)(unsafe.Pointer(unsafe.SliceData(s))), len(s))
}

// Noescape hides a pointer from escape analysis. Noescape is the identity
// function but escape analysis doesn't think the output depends on the
// input. Noescape is inlined and currently compiles down to zero
// instructions.
// USE CAREFULLY!
//
//go:nosplit
//go:nocheckptr
func Noescape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
