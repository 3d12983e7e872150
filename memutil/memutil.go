/*
 * Copyright 2024 CloudWeGo Authors
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

// Package memutil provides byte-level fill/copy/move/zero primitives and
// power-of-two alignment helpers shared by the allocator packages.
package memutil

import (
	"runtime"
)

// Zero clears every byte of dst.
func Zero(dst []byte) {
	for i := range dst {
		dst[i] = 0
	}
}

// SecureZero clears every byte of dst with stores the compiler cannot
// elide, even if dst is dead after the call. Use it to scrub key
// material or other secrets before a range is released.
//
//go:noinline
func SecureZero(dst []byte) {
	for i := range dst {
		dst[i] = 0
	}
	runtime.KeepAlive(dst)
}

// Fill sets every byte of dst to v.
func Fill(dst []byte, v byte) {
	for i := range dst {
		dst[i] = v
	}
}

// Copy copies min(len(dst), len(src)) bytes from src to dst and returns
// the number of bytes copied. The ranges must not overlap; use Move for
// overlapping ranges.
func Copy(dst, src []byte) int {
	return copy(dst, src)
}

// Move copies min(len(dst), len(src)) bytes from src to dst and returns
// the number of bytes copied. The ranges may overlap.
func Move(dst, src []byte) int {
	return copy(dst, src)
}

// AlignUp rounds n up to the next multiple of align.
// align must be a power of two and n must be >= 0.
func AlignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

// AlignUpAddr rounds addr up to the next multiple of align.
// align must be a power of two.
func AlignUpAddr(addr, align uintptr) uintptr {
	return (addr + align - 1) &^ (align - 1)
}

// IsPowerOfTwo reports whether n is a power of two. Zero is not.
func IsPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}
