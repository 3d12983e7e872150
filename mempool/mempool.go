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

// Package mempool provides a process-global Malloc/Free built on the
// library's own stack: slabs of OS address space drawn from a vmm.Pool,
// sub-allocated by per-slab buddy allocators. Requests too large for a
// slab fall back to mcache.
//
// Each allocation carries an 8 byte header holding a magic word and the
// requested size, so Free can recover the owning block from a bare slice
// and reject foreign or double-freed buffers.
//
// Unlike the allocator instances underneath, the package-level functions
// are safe for concurrent use.
package mempool

import (
	"sync"
	"unsafe"

	"github.com/bytedance/gopkg/lang/mcache"

	"github.com/cloudwego/vmem/buddy"
	"github.com/cloudwego/vmem/unsafex"
	"github.com/cloudwego/vmem/vmm"
)

const (
	// headerLen is the per-allocation header: [4 bytes magic][4 bytes size].
	headerLen = 8

	// magic marks live allocations; cleared on Free to catch double frees.
	magic uint32 = 0xBADB10C5

	// slabMinBlock is the buddy leaf size inside a slab.
	slabMinBlock = 4 << 10
	// slabMaxBlock is both the buddy root size and the slab window size.
	slabMaxBlock = 16 << 20
	// slabCapacity bounds the number of slabs the backing pool can issue.
	slabCapacity = 64
)

type slab struct {
	mem   *vmm.Allocation
	alloc *buddy.Allocator
	base  uintptr
}

var (
	mu    sync.Mutex
	pool  *vmm.Pool
	slabs []*slab
)

// Malloc returns a buffer of length size. The buffer is not zeroed.
// Call Free when it is no longer used and do not use it afterwards.
func Malloc(size int) []byte {
	if size <= 0 {
		return []byte{}
	}
	total := size + headerLen
	if total > slabMaxBlock {
		return mallocFallback(size)
	}

	mu.Lock()
	for _, s := range slabs {
		if b, err := s.alloc.Alloc(total, headerLen); err == nil {
			mu.Unlock()
			return finish(b.Bytes(), size)
		}
	}
	s, err := grow()
	if err != nil {
		mu.Unlock()
		return mallocFallback(size)
	}
	b, err := s.alloc.Alloc(total, headerLen)
	mu.Unlock()
	if err != nil {
		return mallocFallback(size)
	}
	return finish(b.Bytes(), size)
}

// Free returns a buffer obtained from Malloc. The buffer must be the
// slice Malloc returned (resliced from the front is not allowed), and
// must not be used afterwards. Freeing a slab buffer twice panics; a
// fallback buffer whose header no longer holds the magic is ignored.
// Foreign buffers are rejected on a best-effort basis via the header
// magic.
func Free(buf []byte) {
	if cap(buf) == 0 {
		return
	}
	addr := unsafex.Address(buf)

	mu.Lock()
	for _, s := range slabs {
		if addr < s.base+headerLen || addr >= s.base+slabMaxBlock {
			continue
		}
		blockOffset := int(addr-s.base) - headerLen
		hdr := (*uint32)(unsafe.Pointer(addr - headerLen))
		if *hdr != magic {
			mu.Unlock()
			panic("mempool: double free or invalid buffer")
		}
		stored := int(*(*uint32)(unsafe.Pointer(addr - headerLen + 4)))
		info, err := s.alloc.QueryBlock(blockOffset, stored+headerLen)
		if err != nil {
			mu.Unlock()
			panic("mempool: corrupted buffer header")
		}
		*hdr = 0
		s.alloc.Free(buddy.Block{
			HostAddress: unsafe.Pointer(s.base + uintptr(blockOffset)),
			BlockOffset: blockOffset,
			SizeInBytes: info.BlockSize,
			Kind:        buddy.Host,
		})
		mu.Unlock()
		return
	}
	mu.Unlock()
	freeFallback(buf, addr)
}

// Append appends bytes to a Malloc'd buffer, reallocating through Malloc
// when the capacity runs out. Use as b = mempool.Append(b, data...).
func Append(a []byte, b ...byte) []byte {
	if cap(a)-len(a) >= len(b) {
		return append(a, b...)
	}
	return appendSlow(a, b)
}

// AppendStr is Append for a string payload.
func AppendStr(a []byte, b string) []byte {
	if cap(a)-len(a) >= len(b) {
		return append(a, b...)
	}
	return appendSlow(a, []byte(b))
}

func appendSlow(a, b []byte) []byte {
	ret := Malloc(len(a) + len(b))
	copy(ret, a)
	copy(ret[len(a):], b)
	Free(a)
	return ret
}

// finish stamps the header and returns the payload view. The view's
// capacity exposes the rest of the block past the requested length.
func finish(block []byte, size int) []byte {
	*(*uint32)(unsafe.Pointer(&block[0])) = magic
	*(*uint32)(unsafe.Pointer(&block[4])) = uint32(size)
	return block[headerLen:][:size]
}

// grow draws one more slab from the backing pool and stands a buddy
// allocator up over it. Called with mu held.
func grow() (*slab, error) {
	if pool == nil {
		p, err := vmm.NewPool(vmm.PoolConfig{Name: "mempool", Capacity: slabCapacity})
		if err != nil {
			return nil, err
		}
		pool = p
	}
	mem, err := pool.Alloc(slabMaxBlock, slabMaxBlock, vmm.FlagRead|vmm.FlagWrite)
	if err != nil {
		return nil, err
	}
	state, err := buddy.NewState(slabMinBlock, slabMaxBlock)
	if err != nil {
		pool.Free(mem)
		return nil, err
	}
	alloc, err := buddy.New(buddy.Config{
		Name:              "mempool-slab",
		Kind:              buddy.Host,
		AllocationSizeMin: slabMinBlock,
		AllocationSizeMax: slabMaxBlock,
		MemoryStart:       mem.Base(),
		MemorySize:        mem.BytesReserved(),
		State:             state,
	})
	if err != nil {
		pool.Free(mem)
		return nil, err
	}
	s := &slab{mem: mem, alloc: alloc, base: mem.Base()}
	slabs = append(slabs, s)
	return s, nil
}

// mallocFallback serves requests no slab class can hold from mcache,
// with the same header so Free can route the buffer back.
func mallocFallback(size int) []byte {
	buf := mcache.Malloc(size + headerLen)
	return finish(buf[:cap(buf)], size)
}

func freeFallback(buf []byte, addr uintptr) {
	hdr := (*uint32)(unsafe.Pointer(addr - headerLen))
	if *hdr != magic {
		// Not a buffer this package issued; leave it to the collector.
		return
	}
	*hdr = 0
	full := unsafe.Slice((*byte)(unsafe.Pointer(addr-headerLen)), cap(buf)+headerLen)
	mcache.Free(full)
}
