//go:build linux || darwin

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

package vmm

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/cloudwego/vmem/unsafex"
)

// On unix a reservation is a PROT_NONE anonymous mapping: it holds the
// address range without backing it, and any access (guard page included)
// traps. Committing re-protects the leading part of the mapping; the
// kernel backs the pages lazily on first touch.

func allocationGranularity(pageSize int) int {
	return pageSize
}

func reserveRange(size int) (uintptr, error) {
	b, err := unix.Mmap(-1, 0, size, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return 0, fmt.Errorf("vmm: reserve %d bytes: %w", size, err)
	}
	return unsafex.Address(b), nil
}

func commitRange(base uintptr, size, prot int) error {
	if err := unix.Mprotect(unsafex.Bytes(base, size), prot); err != nil {
		return fmt.Errorf("vmm: commit %d bytes at %#x: %w", size, base, err)
	}
	return nil
}

func releaseRange(base uintptr, size int) {
	// Release never fails on a range this package mapped; an EINVAL here
	// means the bookkeeping is corrupted and there is nothing to unwind.
	_ = unix.Munmap(unsafex.Bytes(base, size))
}

func protFor(flags Flags) int {
	switch {
	case flags&FlagExecute != 0:
		return unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC
	case flags&FlagWrite != 0:
		return unix.PROT_READ | unix.PROT_WRITE
	default:
		return unix.PROT_READ
	}
}
