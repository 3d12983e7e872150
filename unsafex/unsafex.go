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

// Package unsafex bridges raw memory windows and Go slices.
//
// The helpers here are used by the vmm, arena and mempool packages,
// which all deal in address ranges that live outside the Go heap (OS
// reservations, caller-provided windows). Views created by Bytes do not keep
// the underlying memory alive; the owner of the window must outlive the view.
package unsafex

import "unsafe"

// Bytes returns a []byte view over the n bytes starting at addr.
// addr must reference memory that is not managed by the Go collector
// (an OS mapping or a pinned window), and must stay valid for the
// lifetime of the returned slice. n must be >= 0.
func Bytes(addr uintptr, n int) []byte {
	if addr == 0 || n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}

// Address returns the address of b's underlying array, or 0 when b has
// no capacity.
func Address(b []byte) uintptr {
	if cap(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}

// Pointer returns the data pointer of b's underlying array, or nil when
// b has no capacity.
func Pointer(b []byte) unsafe.Pointer {
	if cap(b) == 0 {
		return nil
	}
	return unsafe.Pointer(unsafe.SliceData(b))
}
