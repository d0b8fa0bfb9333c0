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

package group

import "math/bits"

// The bit counting routines dispatch to math/bits, which compiles down to
// POPCNT/TZCNT/LZCNT style instructions, when the CPU is known to provide
// them. Otherwise they use the portable bit tricks below. hasBitCount is
// defined per architecture; the purego build tag forces the fallbacks.

// TrailingZeros64 returns the number of trailing zero bits in x; the result
// is 64 for x == 0.
func TrailingZeros64(x uint64) int {
	if hasBitCount {
		return bits.TrailingZeros64(x)
	}
	return trailingZeros64Fallback(x)
}

// TrailingZeros32 returns the number of trailing zero bits in x; the result
// is 32 for x == 0.
func TrailingZeros32(x uint32) int {
	if hasBitCount {
		return bits.TrailingZeros32(x)
	}
	return trailingZeros32Fallback(x)
}

// LeadingZeros64 returns the number of leading zero bits in x; the result is
// 64 for x == 0.
func LeadingZeros64(x uint64) int {
	if hasBitCount {
		return bits.LeadingZeros64(x)
	}
	return leadingZeros64Fallback(x)
}

// LeadingZeros32 returns the number of leading zero bits in x; the result is
// 32 for x == 0.
func LeadingZeros32(x uint32) int {
	if hasBitCount {
		return bits.LeadingZeros32(x)
	}
	return leadingZeros32Fallback(x)
}

// OnesCount64 returns the number of one bits in x.
func OnesCount64(x uint64) int {
	if hasBitCount {
		return bits.OnesCount64(x)
	}
	return onesCount64Fallback(x)
}

// OnesCount32 returns the number of one bits in x.
func OnesCount32(x uint32) int {
	if hasBitCount {
		return bits.OnesCount32(x)
	}
	return onesCount32Fallback(x)
}

func trailingZeros64Fallback(x uint64) int {
	if x == 0 {
		return 64
	}
	// Isolate the lowest set bit, then binary search its position.
	x &= -x
	c := 63
	if x&0x00000000ffffffff != 0 {
		c -= 32
	}
	if x&0x0000ffff0000ffff != 0 {
		c -= 16
	}
	if x&0x00ff00ff00ff00ff != 0 {
		c -= 8
	}
	if x&0x0f0f0f0f0f0f0f0f != 0 {
		c -= 4
	}
	if x&0x3333333333333333 != 0 {
		c -= 2
	}
	if x&0x5555555555555555 != 0 {
		c -= 1
	}
	return c
}

func trailingZeros32Fallback(x uint32) int {
	if x == 0 {
		return 32
	}
	x &= -x
	c := 31
	if x&0x0000ffff != 0 {
		c -= 16
	}
	if x&0x00ff00ff != 0 {
		c -= 8
	}
	if x&0x0f0f0f0f != 0 {
		c -= 4
	}
	if x&0x33333333 != 0 {
		c -= 2
	}
	if x&0x55555555 != 0 {
		c -= 1
	}
	return c
}

func leadingZeros64Fallback(x uint64) int {
	// Smear the highest set bit into every lower position.
	x |= x >> 1
	x |= x >> 2
	x |= x >> 4
	x |= x >> 8
	x |= x >> 16
	x |= x >> 32
	return 64 - onesCount64Fallback(x)
}

func leadingZeros32Fallback(x uint32) int {
	x |= x >> 1
	x |= x >> 2
	x |= x >> 4
	x |= x >> 8
	x |= x >> 16
	return 32 - onesCount32Fallback(x)
}

func onesCount64Fallback(x uint64) int {
	const m1 = 0x5555555555555555
	const m2 = 0x3333333333333333
	const m4 = 0x0f0f0f0f0f0f0f0f
	const h01 = 0x0101010101010101
	x -= (x >> 1) & m1
	x = (x & m2) + ((x >> 2) & m2)
	x = (x + (x >> 4)) & m4
	return int((x * h01) >> 56)
}

func onesCount32Fallback(x uint32) int {
	const m1 = 0x55555555
	const m2 = 0x33333333
	const m4 = 0x0f0f0f0f
	const h01 = 0x01010101
	x -= (x >> 1) & m1
	x = (x & m2) + ((x >> 2) & m2)
	x = (x + (x >> 4)) & m4
	return int((x * h01) >> 24)
}
