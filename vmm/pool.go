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
	"unsafe"

	"github.com/cloudwego/vmem/memutil"
	"github.com/cloudwego/vmem/unsafex"
)

// PoolConfig configures a Pool.
type PoolConfig struct {
	// Name identifies the pool in error messages.
	Name string
	// Capacity is the number of allocation records to preallocate. The
	// record block is rounded up to a page multiple, so the effective
	// capacity may be slightly larger.
	Capacity int
	// MinAllocationSize is the smallest reservation the pool hands out.
	// Zero defaults to the OS page size.
	MinAllocationSize int
	// MinCommitIncrease is the smallest step IncreaseCommit grows by.
	// Zero defaults to the OS page size.
	MinCommitIncrease int
	// MaxTotalCommitment caps the sum of committed bytes across all live
	// allocations. Zero means uncapped.
	MaxTotalCommitment int
}

// Pool is a preallocated, fixed-capacity registry of allocations. All
// records live in a single committed OS block; unused ones are threaded
// on a singly linked free list of record indices.
type Pool struct {
	name     string
	records  []Allocation
	raw      []byte // the OS block backing records, kept for release
	freeHead int32
	capacity int

	pageSize          int
	granularity       int
	minAllocationSize int
	minCommitIncrease int
	maxTotalCommit    int
	totalCommit       int
}

// NewPool creates a pool with cfg.Capacity preallocated records backed by
// one committed OS block.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("%w: pool capacity %d", ErrInvalidParameter, cfg.Capacity)
	}
	if cfg.MinAllocationSize < 0 || cfg.MinCommitIncrease < 0 || cfg.MaxTotalCommitment < 0 {
		return nil, fmt.Errorf("%w: negative pool limit", ErrInvalidParameter)
	}
	pi := QueryPageInfo()

	recSize := int(unsafe.Sizeof(Allocation{}))
	blockLen := memutil.AlignUp(cfg.Capacity*recSize, pi.PageSize)
	capacity := blockLen / recSize

	base, err := reserveRange(blockLen)
	if err != nil {
		return nil, err
	}
	if err := commitRange(base, blockLen, protFor(FlagRead|FlagWrite)); err != nil {
		releaseRange(base, blockLen)
		return nil, err
	}

	p := &Pool{
		name:              cfg.Name,
		raw:               unsafex.Bytes(base, blockLen),
		records:           unsafe.Slice((*Allocation)(unsafe.Pointer(base)), capacity),
		capacity:          capacity,
		pageSize:          pi.PageSize,
		granularity:       pi.AllocationGranularity,
		minAllocationSize: cfg.MinAllocationSize,
		minCommitIncrease: cfg.MinCommitIncrease,
		maxTotalCommit:    cfg.MaxTotalCommitment,
	}
	if p.minAllocationSize == 0 {
		p.minAllocationSize = pi.PageSize
	}
	if p.minCommitIncrease == 0 {
		p.minCommitIncrease = pi.PageSize
	}
	p.threadFreeList()
	return p, nil
}

func (p *Pool) threadFreeList() {
	for i := range p.records {
		p.records[i] = Allocation{Link: int32(i + 1)}
	}
	p.records[p.capacity-1].Link = -1
	p.freeHead = 0
}

// Alloc pops a free record, reserves `reserve` bytes and commits the
// leading `commit` bytes on it. The record stays on the free list if the
// reservation fails.
func (p *Pool) Alloc(reserve, commit int, flags Flags) (*Allocation, error) {
	if p.freeHead < 0 {
		return nil, fmt.Errorf("%w: pool %q capacity %d", ErrOutOfStructures, p.name, p.capacity)
	}
	a := &p.records[p.freeHead]
	if err := a.reserveAndCommit(reserve, commit, flags, p); err != nil {
		return nil, err
	}
	p.freeHead = a.Link
	a.Link = -1
	return a, nil
}

// Free releases the allocation's OS range and returns its record to the
// free list. Freeing nil or an allocation with no base address is a no-op.
func (p *Pool) Free(a *Allocation) {
	if a == nil || a.base == 0 {
		return
	}
	a.Release()
	idx := p.recordIndex(a)
	a.Link = p.freeHead
	p.freeHead = idx
}

// Reset releases every live allocation and rebuilds the free list,
// preserving the pool configuration.
func (p *Pool) Reset() {
	for i := range p.records {
		p.records[i].Release()
	}
	p.threadFreeList()
	p.totalCommit = 0
}

// Close resets the pool, releases the OS block backing the record array
// and clears the pool's identity. The pool must not be used afterwards.
func (p *Pool) Close() {
	if p.raw == nil {
		return
	}
	p.Reset()
	base := uintptr(unsafe.Pointer(unsafe.SliceData(p.raw)))
	releaseRange(base, len(p.raw))
	p.raw = nil
	p.records = nil
	p.freeHead = -1
	p.capacity = 0
	p.name = ""
}

func (p *Pool) recordIndex(a *Allocation) int32 {
	off := uintptr(unsafe.Pointer(a)) - uintptr(unsafe.Pointer(unsafe.SliceData(p.raw)))
	return int32(off / unsafe.Sizeof(Allocation{}))
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.name }

// PageSize returns the OS page size captured at pool creation.
func (p *Pool) PageSize() int { return p.pageSize }

// AllocationGranularity returns the OS reservation alignment captured at
// pool creation.
func (p *Pool) AllocationGranularity() int { return p.granularity }

// Capacity returns the effective record capacity.
func (p *Pool) Capacity() int { return p.capacity }

// TotalCommitted returns the sum of committed bytes over live allocations.
func (p *Pool) TotalCommitted() int { return p.totalCommit }

// MaxTotalCommitment returns the configured commit cap, zero if uncapped.
func (p *Pool) MaxTotalCommitment() int { return p.maxTotalCommit }
