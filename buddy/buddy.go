package buddy

import (
	"fmt"
	"math/bits"
	"unsafe"
)

// Block describes one allocation issued by an Allocator.
type Block struct {
	// HostAddress is the first byte of the block for Host allocators,
	// nil for Device allocators.
	HostAddress unsafe.Pointer
	// BlockOffset is the block's offset from the start of the window.
	BlockOffset int
	// SizeInBytes is the block size; always a power of two between
	// AllocationSizeMin and AllocationSizeMax.
	SizeInBytes int
	// Kind is the owning allocator's kind.
	Kind Kind
}

// Bytes returns a view over a Host block, nil for Device blocks.
func (b Block) Bytes() []byte {
	if b.Kind != Host || b.HostAddress == nil {
		return nil
	}
	return unsafe.Slice((*byte)(b.HostAddress), b.SizeInBytes)
}

// Alloc returns a free block of at least `size` bytes whose offset is a
// multiple of `align`. Requests smaller than AllocationSizeMin are
// rounded up to it; an alignment coarser than the block size promotes
// the request to the level whose blocks carry that alignment naturally.
//
// Allocation walks from the requested level toward the root for the
// nearest non-empty free list, pops its top block and splits it back
// down, pushing each right half onto the next level's free list. All
// failures are detected before any state is modified.
func (a *Allocator) Alloc(size, align int) (Block, error) {
	if size <= 0 {
		return Block{}, fmt.Errorf("%w: size %d", ErrInvalidParameter, size)
	}
	if size > a.sizeMax-a.reservedTail {
		return Block{}, fmt.Errorf("%w: size %d exceeds capacity %d", ErrInvalidParameter, size, a.sizeMax-a.reservedTail)
	}
	if align <= 0 || align&(align-1) != 0 {
		return Block{}, fmt.Errorf("%w: alignment %d", ErrInvalidParameter, align)
	}
	if align > a.sizeMax {
		return Block{}, fmt.Errorf("%w: alignment %d exceeds max block %d", ErrInvalidParameter, align, a.sizeMax)
	}

	level := a.levelForSize(size)
	// Block offsets are naturally aligned to their size, so a coarser
	// alignment request over-allocates at the matching coarser level.
	if alignLevel := a.maxShift - bits.TrailingZeros(uint(align)); align > a.sizeMin && alignLevel < level {
		level = alignLevel
	}

	found := -1
	for k := level; k >= 0; k-- {
		if a.freeCounts[k] > 0 {
			found = k
			break
		}
	}
	if found == -1 {
		return Block{}, fmt.Errorf("%w: no free block for %d bytes", ErrOutOfMemory, size)
	}

	offset := a.pop(found)
	if found > 0 {
		a.toggleMerge(found, offset)
	}
	for j := found; j < level; j++ {
		a.setSplit(j, offset)
		a.push(j+1, offset+a.blockSize(j+1))
		a.toggleMerge(j+1, offset)
	}
	a.setStatus(level, offset)

	return a.blockAt(level, offset), nil
}

// Free returns a block to the allocator and coalesces it with its buddy
// as far toward the root as possible. The block must be exactly as
// returned by Alloc; Free panics on a foreign, corrupted or double-freed
// block, since allocator state can no longer be trusted past that point.
func (a *Allocator) Free(b Block) {
	level := a.levelForBlock(b)
	offset := b.BlockOffset
	if !a.testStatus(level, offset) {
		panic("buddy: double free or invalid block")
	}
	a.clearStatus(level, offset)

	for level > 0 {
		a.toggleMerge(level, offset)
		if a.testMerge(level, offset) {
			// Buddy still in use; the freed block stays at this level.
			a.push(level, offset)
			return
		}
		// Buddy is free too: take it off its free list and give the pair
		// back to the parent.
		buddy := offset ^ a.blockSize(level)
		a.remove(level, buddy)
		if offset > buddy {
			offset = buddy
		}
		level--
		a.clearSplit(level, offset)
	}
	a.push(0, offset)
}

// levelForSize returns the deepest level whose block size fits `size`.
func (a *Allocator) levelForSize(size int) int {
	shift := ceilLog2(size)
	if shift < a.minShift {
		shift = a.minShift
	}
	return a.maxShift - shift
}

// levelForBlock recovers a block's level from its size and validates the
// offset against the window geometry. It panics rather than returning an
// error: a mismatched block means the caller's bookkeeping is corrupt.
func (a *Allocator) levelForBlock(b Block) int {
	size := b.SizeInBytes
	if size < a.sizeMin || size > a.sizeMax || size&(size-1) != 0 {
		panic("buddy: invalid block size")
	}
	if b.BlockOffset < 0 || b.BlockOffset+size > a.sizeMax {
		panic("buddy: block not in window")
	}
	if b.BlockOffset&(size-1) != 0 {
		panic("buddy: misaligned block")
	}
	return a.maxShift - bits.TrailingZeros(uint(size))
}

func (a *Allocator) blockSize(level int) int {
	return 1 << a.levelBits[level]
}

func (a *Allocator) blockAt(level, offset int) Block {
	b := Block{
		BlockOffset: offset,
		SizeInBytes: a.blockSize(level),
		Kind:        a.kind,
	}
	if a.kind == Host {
		b.HostAddress = unsafe.Pointer(a.base + uintptr(offset))
	}
	return b
}

// free-list stacks

func (a *Allocator) listBase(level int) int {
	return (1 << level) - 1
}

func (a *Allocator) push(level, offset int) {
	a.freeLists[a.listBase(level)+int(a.freeCounts[level])] = uint32(offset)
	a.freeCounts[level]++
}

func (a *Allocator) pop(level int) int {
	a.freeCounts[level]--
	return int(a.freeLists[a.listBase(level)+int(a.freeCounts[level])])
}

// remove deletes the entry holding `offset` from a level's free list by
// swapping the stack top into its slot. The linear scan is bounded by the
// free-block count at the level, and the stacks never promise ordering.
func (a *Allocator) remove(level, offset int) {
	base := a.listBase(level)
	n := int(a.freeCounts[level])
	for i := 0; i < n; i++ {
		if a.freeLists[base+i] == uint32(offset) {
			a.freeLists[base+i] = a.freeLists[base+n-1]
			a.freeCounts[level]--
			return
		}
	}
	panic("buddy: free lists corrupted")
}
