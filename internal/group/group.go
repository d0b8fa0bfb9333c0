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

// Package group implements SWAR (SIMD Within A Register) matching over groups
// of control bytes. A group is a little-endian machine word where each byte
// is the control byte of one slot:
//
//	   empty: 1 0 0 0 0 0 0 0
//	 deleted: 1 1 1 1 1 1 1 0
//	    full: 0 h h h h h h h  // h represents the H2 hash bits
//	sentinel: 1 1 1 1 1 1 1 1
//
// Every routine is generic over the word width so that the 4-lane (uint32)
// and 8-lane (uint64) variants share one implementation. Results are returned
// as a Bitset where the high bit of each matching lane is set.
package group

import (
	"strings"
	"unsafe"
)

// Control byte encodings. Full control bytes hold the 7-bit H2 hash and are
// always in the range [0x00, 0x7f].
const (
	Empty    uint8 = 0b1000_0000
	Deleted  uint8 = 0b1111_1110
	Sentinel uint8 = 0b1111_1111
)

// Word is a group of control bytes loaded into a single register.
type Word interface {
	~uint32 | ~uint64
}

// Lanes returns the number of control bytes in a group of type W.
func Lanes[W Word]() uintptr {
	var w W
	return unsafe.Sizeof(w)
}

// lsb returns a W with the low bit of every lane set (0x0101...).
func lsb[W Word]() W {
	return ^W(0) / 0xff
}

// msb returns a W with the high bit of every lane set (0x8080...).
func msb[W Word]() W {
	return lsb[W]() * 0x80
}

// Broadcast returns a group with every lane set to b.
func Broadcast[W Word](b uint8) W {
	return lsb[W]() * W(b)
}

// MatchByte returns the lanes of g equal to b.
//
// NB: This generic matching routine produces false positive matches when b
// is 2^N and the control bytes have a seq of 2^N followed by 2^N+1. For
// example: if g==0x0302 and b=02, we'll compute x as 0x0100. When we subtract
// off 0x0101 the first 2 bytes we'll become 0xffff and both be considered
// matches of b. The false positive matches are not a problem, just a rare
// inefficiency. Note that they only occur if there is a real match and never
// occur on Empty, Deleted, or Sentinel. The subsequent key comparisons ensure
// that there is no correctness issue.
func MatchByte[W Word](g W, b uint8) Bitset[W] {
	lo := lsb[W]()
	x := g ^ (lo * W(b))
	return Bitset[W](uint64(((x - lo) &^ x) & msb[W]()))
}

// MatchEmpty returns the lanes of g holding Empty.
func MatchEmpty[W Word](g W) Bitset[W] {
	// An empty slot is              1000 0000
	// A deleted or sentinel slot is 1111 111?
	// A slot is empty iff bit 7 is set and bit 1 is not. We could select any
	// of the other bits here (e.g. g << 1 would also work).
	return Bitset[W](uint64((g &^ (g << 6)) & msb[W]()))
}

// MatchEmptyOrDeleted returns the lanes of g holding Empty or Deleted.
func MatchEmptyOrDeleted[W Word](g W) Bitset[W] {
	// An empty slot is  1000 0000.
	// A deleted slot is 1111 1110.
	// The sentinel is   1111 1111.
	// A slot is empty or deleted iff bit 7 is set and bit 0 is not.
	return Bitset[W](uint64((g &^ (g << 7)) & msb[W]()))
}

// MatchFull returns the lanes of g holding a full control byte.
func MatchFull[W Word](g W) Bitset[W] {
	return Bitset[W](uint64(^g & msb[W]()))
}

// ConvertSpecialToEmptyAndFullToDeleted converts Deleted and Sentinel lanes
// to Empty, Empty lanes stay Empty, and Full lanes become Deleted.
func ConvertSpecialToEmptyAndFullToDeleted[W Word](g W) W {
	// We select the MSB, invert, add 1 if the MSB was set and zero out the low
	// bit.
	//
	//  - if the MSB was set (i.e. slot was empty, deleted, or sentinel):
	//     x:             1000 0000
	//     ^x:            0111 1111
	//     ^x + (x >> 7): 1000 0000
	//     &^ lsb:        1000 0000  = empty slot.
	//
	// - if the MSB was not set (i.e. full slot):
	//     x:             0000 0000
	//     ^x:            1111 1111
	//     ^x + (x >> 7): 1111 1111
	//     &^ lsb:        1111 1110 = deleted slot.
	x := g & msb[W]()
	return (^x + (x >> 7)) &^ lsb[W]()
}

// CountLeadingEmptyOrDeleted returns the number of consecutive Empty or
// Deleted lanes at the start of g. A Sentinel lane stops the count.
func CountLeadingEmptyOrDeleted[W Word](g W) uintptr {
	// Bit 0 of every lane of (^g & g>>7) is set iff the lane has its high bit
	// set and its low bit clear. The gaps fill every other bit except those
	// of the last lane so that adding one carries through the run of
	// empty-or-deleted lanes and stops at the first other lane.
	gaps := (lsb[W]() * 0xfe) >> 8
	return (uintptr(trailingZeros(((^g&(g>>7))|gaps)+1)) + 7) >> 3
}

// Bitset is the result of a match: the high bit of each matching lane is set.
// W only fixes the number of lanes; the bits are held in a uint64 whatever
// the group width.
type Bitset[W Word] uint64

// First returns the index of the lowest matching lane. It is only meaningful
// when b != 0.
func (b Bitset[W]) First() uintptr {
	return uintptr(trailingZeros(W(b))) >> 3
}

// LeadingLanes returns the number of non-matching lanes above the highest
// matching lane.
func (b Bitset[W]) LeadingLanes() uintptr {
	return uintptr(leadingZeros(W(b))) >> 3
}

// Remove clears lane i.
func (b Bitset[W]) Remove(i uintptr) Bitset[W] {
	return b &^ (Bitset[W](0x80) << (i << 3))
}

// RemoveFirst clears the lowest matching lane.
func (b Bitset[W]) RemoveFirst() Bitset[W] {
	return b & (b - 1)
}

// Count returns the number of matching lanes.
func (b Bitset[W]) Count() int {
	return onesCount(W(b))
}

func (b Bitset[W]) String() string {
	n := int(Lanes[W]())
	var buf strings.Builder
	buf.Grow(n)
	for i := 0; i < n; i++ {
		if (b & (Bitset[W](0x80) << (i << 3))) != 0 {
			buf.WriteString("1")
		} else {
			buf.WriteString("0")
		}
	}
	return buf.String()
}

func trailingZeros[W Word](w W) int {
	if Lanes[W]() == 8 {
		return TrailingZeros64(uint64(w))
	}
	return TrailingZeros32(uint32(w))
}

func leadingZeros[W Word](w W) int {
	if Lanes[W]() == 8 {
		return LeadingZeros64(uint64(w))
	}
	return LeadingZeros32(uint32(w))
}

func onesCount[W Word](w W) int {
	if Lanes[W]() == 8 {
		return OnesCount64(uint64(w))
	}
	return OnesCount32(uint32(w))
}
