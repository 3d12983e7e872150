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

// Package vmm reserves and commits process address space through the
// operating system and manages fixed-capacity pools of such reservations.
//
// Reserving takes a range of virtual address space without backing it;
// committing asks the OS to back the leading part of that range. Unless
// NoGuard is set, every reservation carries one trailing guard page that
// traps on access, so an overrun past the usable range faults immediately.
//
// Pool, Allocation and the standalone reserve/commit functions are
// single-writer: callers must serialize access to an instance themselves.
package vmm

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/cloudwego/vmem/memutil"
	"github.com/cloudwego/vmem/unsafex"
)

// Flags describe the access protection and layout of a reservation.
type Flags uint32

const (
	// FlagRead makes the committed range readable.
	FlagRead Flags = 1 << iota
	// FlagWrite makes the committed range writable (implies readable).
	FlagWrite
	// FlagExecute makes the range executable. Executable reservations are
	// committed in full up front and mapped read-write-execute.
	FlagExecute
	// FlagNoGuard omits the trailing guard page.
	FlagNoGuard
)

var (
	// ErrOutOfStructures is returned when a pool's record free list is empty.
	ErrOutOfStructures = errors.New("vmm: out of pool structures")
	// ErrOutOfMemory is returned when a commit would exceed the pool's
	// commit cap or the reservation size. A refusal by the OS itself is
	// returned as the wrapped OS error, not as ErrOutOfMemory.
	ErrOutOfMemory = errors.New("vmm: out of memory")
	// ErrInvalidParameter is returned for misordered sizes or an invalid
	// pool configuration.
	ErrInvalidParameter = errors.New("vmm: invalid parameter")
	// ErrInvalidFunction is returned when an operation is applied to an
	// allocation that has not been initialized.
	ErrInvalidFunction = errors.New("vmm: invalid function")
)

// PageInfo describes the host virtual-memory geometry.
type PageInfo struct {
	// PageSize is the OS page size in bytes.
	PageSize int
	// AllocationGranularity is the minimum alignment of a reservation base.
	AllocationGranularity int
}

var (
	pageInfoOnce sync.Once
	pageInfo     PageInfo
)

// QueryPageInfo returns the host page geometry. The result is memoized
// for the lifetime of the process.
func QueryPageInfo() PageInfo {
	pageInfoOnce.Do(func() {
		ps := os.Getpagesize()
		pageInfo = PageInfo{PageSize: ps, AllocationGranularity: allocationGranularity(ps)}
	})
	return pageInfo
}

// Allocation is a single contiguous OS address-space reservation.
//
// Pool-owned records live inside the pool's mapped record block; the pool
// must outlive every allocation drawn from it. The zero value is an
// uninitialized record.
type Allocation struct {
	// pool is a non-owning back reference, nil for standalone use.
	// Records live in OS-mapped memory the collector cannot see, so the
	// caller keeps the pool reachable for as long as its allocations are.
	pool *Pool

	base      uintptr
	reserved  int
	committed int
	flags     Flags

	// Link threads the pool free list as a record index (-1 terminated).
	// While the allocation is live the owner may repurpose it freely.
	Link int32
}

// ReserveAndCommit reserves `reserve` bytes of address space, commits the
// leading `commit` bytes, and returns a standalone allocation.
func ReserveAndCommit(reserve, commit int, flags Flags) (*Allocation, error) {
	a := &Allocation{Link: -1}
	if err := a.reserveAndCommit(reserve, commit, flags, nil); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Allocation) reserveAndCommit(reserve, commit int, flags Flags, p *Pool) error {
	pi := QueryPageInfo()

	minReserve := pi.PageSize
	if p != nil && p.minAllocationSize > 0 {
		minReserve = p.minAllocationSize
	}
	if reserve < minReserve {
		reserve = minReserve
	}
	if commit > reserve || commit < 0 {
		return fmt.Errorf("%w: commit %d exceeds reserve %d", ErrInvalidParameter, commit, reserve)
	}
	reserve = memutil.AlignUp(reserve, pi.PageSize)

	if flags&(FlagRead|FlagWrite|FlagExecute) == 0 {
		flags |= FlagRead | FlagWrite
	}
	if flags&FlagExecute != 0 {
		// The whole range is committed up front so it can be written and
		// then executed without a second protection change.
		commit = reserve
	}
	guard := 0
	if flags&FlagNoGuard == 0 {
		guard = pi.PageSize
	}
	if commit > 0 {
		commit = memutil.AlignUp(commit, pi.PageSize)
	}
	if p != nil && p.maxTotalCommit != 0 && p.totalCommit+commit > p.maxTotalCommit {
		return fmt.Errorf("%w: pool %q commit cap %d", ErrOutOfMemory, p.name, p.maxTotalCommit)
	}

	base, err := reserveRange(reserve + guard)
	if err != nil {
		return err
	}
	if commit > 0 {
		if err := commitRange(base, commit, protFor(flags)); err != nil {
			releaseRange(base, reserve+guard)
			return err
		}
	}

	a.pool = p
	a.base = base
	a.reserved = reserve
	a.committed = commit
	a.flags = flags
	if p != nil {
		p.totalCommit += commit
	}
	return nil
}

// IncreaseCommit grows the committed prefix of the reservation to at
// least `commit` bytes. Succeeds immediately if that much is already
// committed. The increase is clamped up to the pool's minimum commit
// step and the resulting total is page aligned.
func (a *Allocation) IncreaseCommit(commit int) error {
	if a == nil || a.base == 0 {
		return fmt.Errorf("%w: allocation not initialized", ErrInvalidFunction)
	}
	if a.committed >= commit {
		return nil
	}
	pi := QueryPageInfo()

	inc := commit - a.committed
	minInc := pi.PageSize
	if a.pool != nil && a.pool.minCommitIncrease > 0 {
		minInc = a.pool.minCommitIncrease
	}
	if inc < minInc {
		inc = minInc
	}
	newCommit := memutil.AlignUp(a.committed+inc, pi.PageSize)
	if newCommit > a.reserved {
		return fmt.Errorf("%w: commit %d exceeds reservation %d", ErrOutOfMemory, newCommit, a.reserved)
	}
	delta := newCommit - a.committed
	if p := a.pool; p != nil && p.maxTotalCommit != 0 && p.totalCommit+delta > p.maxTotalCommit {
		return fmt.Errorf("%w: pool %q commit cap %d", ErrOutOfMemory, p.name, p.maxTotalCommit)
	}
	if err := commitRange(a.base+uintptr(a.committed), delta, protFor(a.flags)); err != nil {
		return err
	}
	a.committed = newCommit
	if a.pool != nil {
		a.pool.totalCommit += delta
	}
	return nil
}

// Flush synchronizes the instruction cache over the committed range of an
// executable allocation. It is a no-op for non-executable allocations and
// on architectures whose instruction cache is hardware coherent.
func (a *Allocation) Flush() {
	if a == nil || a.base == 0 || a.flags&FlagExecute == 0 {
		return
	}
	flushICache(a.base, a.committed, protFor(a.flags))
}

// Release returns the reservation, guard page included, to the OS and
// clears the record. Releasing a nil or uninitialized allocation is a
// no-op.
func (a *Allocation) Release() {
	if a == nil || a.base == 0 {
		return
	}
	guard := 0
	if a.flags&FlagNoGuard == 0 {
		guard = QueryPageInfo().PageSize
	}
	releaseRange(a.base, a.reserved+guard)
	if a.pool != nil {
		a.pool.totalCommit -= a.committed
	}
	a.pool = nil
	a.base = 0
	a.reserved = 0
	a.committed = 0
}

// Base returns the address of the first accessible byte.
func (a *Allocation) Base() uintptr { return a.base }

// BytesReserved returns the usable reservation size, guard page excluded.
func (a *Allocation) BytesReserved() int { return a.reserved }

// BytesCommitted returns the committed prefix size.
func (a *Allocation) BytesCommitted() int { return a.committed }

// Flags returns the protection flags the allocation was created with.
func (a *Allocation) Flags() Flags { return a.flags }

// Bytes returns a view over the committed prefix of the reservation.
func (a *Allocation) Bytes() []byte {
	if a == nil || a.base == 0 {
		return nil
	}
	return unsafex.Bytes(a.base, a.committed)
}
