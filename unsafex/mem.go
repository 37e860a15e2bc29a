/*
 * Copyright 2025 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package unsafex provides raw memory access over addresses handed out by the
// page and slab allocators.
//
// Addresses are plain uintptr values. They MUST point into memory that the Go
// garbage collector never moves or frees behind our back: mmap'd arenas, or Go
// heap arenas kept alive by their owner.
package unsafex

import "unsafe"

// Pointer converts an arena address to unsafe.Pointer. Every other helper
// goes through it.
func Pointer(addr uintptr) unsafe.Pointer {
	return *(*unsafe.Pointer)(unsafe.Pointer(&addr))
}

// Addr returns the address of p.
func Addr(p unsafe.Pointer) uintptr {
	return uintptr(p)
}

// Bytes returns a slice of n bytes starting at addr, with cap == n.
func Bytes(addr uintptr, n int) []byte {
	return unsafe.Slice((*byte)(Pointer(addr)), n)
}

// BytesAddr returns the address of the first byte of b, including zero-length
// slices with a non-nil backing array.
func BytesAddr(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}

// LoadUintptr reads a word at addr.
func LoadUintptr(addr uintptr) uintptr {
	return *(*uintptr)(Pointer(addr))
}

// StoreUintptr writes a word at addr.
func StoreUintptr(addr, v uintptr) {
	*(*uintptr)(Pointer(addr)) = v
}

// Load64 reads a uint64 at addr, which must be 8-byte aligned.
func Load64(addr uintptr) uint64 {
	return *(*uint64)(Pointer(addr))
}

// Store64 writes a uint64 at addr, which must be 8-byte aligned.
func Store64(addr uintptr, v uint64) {
	*(*uint64)(Pointer(addr)) = v
}

// Memset sets n bytes at addr to c.
func Memset(addr uintptr, c byte, n int) {
	if n <= 0 {
		return
	}
	b := Bytes(addr, n)
	b[0] = c
	for i := 1; i < n; i *= 2 {
		copy(b[i:], b[:i])
	}
}

// Memclr zeroes n bytes at addr.
func Memclr(addr uintptr, n int) {
	if n <= 0 {
		return
	}
	clear(Bytes(addr, n))
}

// Fill64 writes pattern over n bytes at addr. n must be a multiple of 8.
func Fill64(addr uintptr, pattern uint64, n int) {
	for end := addr + uintptr(n); addr < end; addr += 8 {
		Store64(addr, pattern)
	}
}

// Check64 returns the address of the first byte in [addr, addr+n) that differs
// from pattern, or 0 if the whole range matches. n must be a multiple of 8.
func Check64(addr uintptr, pattern uint64, n int) uintptr {
	for end := addr + uintptr(n); addr < end; addr += 8 {
		if v := Load64(addr); v != pattern {
			return addr + uintptr(firstDiff(v, pattern))
		}
	}
	return 0
}

// CheckFill64 checks that [addr, addr+n) holds old and overwrites it with val.
// It returns the address of the first mismatching byte, or 0. Bytes before the
// mismatch are already overwritten.
func CheckFill64(addr uintptr, old, val uint64, n int) uintptr {
	for end := addr + uintptr(n); addr < end; addr += 8 {
		if v := Load64(addr); v != old {
			return addr + uintptr(firstDiff(v, old))
		}
		Store64(addr, val)
	}
	return 0
}

// CheckBytes returns the address of the first byte in [addr, addr+n) that isn't
// c, or 0.
func CheckBytes(addr uintptr, c byte, n int) uintptr {
	for i, b := range Bytes(addr, n) {
		if b != c {
			return addr + uintptr(i)
		}
	}
	return 0
}

// firstDiff returns the offset of the first differing byte of two words, in
// memory order.
func firstDiff(a, b uint64) int {
	ab := (*[8]byte)(unsafe.Pointer(&a))
	bb := (*[8]byte)(unsafe.Pointer(&b))
	for i := 0; i < 8; i++ {
		if ab[i] != bb[i] {
			return i
		}
	}
	return 0
}

// AlignUp rounds x up to a multiple of align, which must be a power of two.
func AlignUp(x, align uintptr) uintptr {
	return (x + align - 1) &^ (align - 1)
}

// AlignDown rounds x down to a multiple of align, which must be a power of two.
func AlignDown(x, align uintptr) uintptr {
	return x &^ (align - 1)
}

// IsPow2 reports whether x is a power of two.
func IsPow2(x uintptr) bool {
	return x != 0 && x&(x-1) == 0
}
