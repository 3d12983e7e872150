package buddy

import (
	"errors"
	"fmt"
	"math/bits"
	"unsafe"

	"github.com/bytedance/gopkg/lang/dirtmake"

	"github.com/cloudwego/vmem/memutil"
)

var (
	// ErrOutOfMemory is returned when no free block can satisfy a request.
	ErrOutOfMemory = errors.New("buddy: out of memory")
	// ErrInvalidParameter is returned for invalid sizes, alignments or config.
	ErrInvalidParameter = errors.New("buddy: invalid parameter")
)

// MaxUserData is the size of the opaque per-allocator user data area.
const MaxUserData = 64

// maxLevelCount bounds the tree height so block counts and absolute
// indices stay within 32 bits.
const maxLevelCount = 31

// Kind selects how an allocator interprets its window base.
type Kind uint8

const (
	// Host allocators manage addressable process memory.
	Host Kind = iota
	// Device allocators manage an opaque offset range that is never
	// dereferenced by this package.
	Device
)

// Config describes the window a buddy allocator manages and the caller
// provided buffer holding its bookkeeping state.
type Config struct {
	Name string
	Kind Kind
	// AllocationSizeMin is the smallest block size issued. Power of two.
	AllocationSizeMin int
	// AllocationSizeMax is the largest block size and the span of the
	// managed window. Power of two, at least AllocationSizeMin.
	AllocationSizeMax int
	// BytesReserved is a tail carved off the high end of the window that
	// no allocation will ever overlap. It is rounded up to
	// AllocationSizeMin and must leave at least one minimum block usable.
	BytesReserved int
	// MemoryStart is the address of the window for Host allocators, or an
	// opaque base offset for Device allocators.
	MemoryStart uintptr
	// MemorySize is the window length; at least AllocationSizeMax.
	MemorySize int
	// State holds the allocator's bookkeeping. It must be at least
	// StateSize(AllocationSizeMin, AllocationSizeMax) bytes, 4-byte
	// aligned, and owned by the caller; it may be reused or freed only
	// after the allocator is abandoned.
	State []byte
	// UserData is copied into the allocator, at most MaxUserData bytes.
	UserData []byte
}

// Allocator sub-allocates a contiguous window into power-of-two blocks.
//
// Blocks form a variable-height tree: level 0 is the single largest
// block of AllocationSizeMax bytes, level k holds 2^k blocks of
// AllocationSizeMax>>k bytes, down to AllocationSizeMin at the leaf
// level. All bookkeeping lives in the caller-provided state buffer as
// flat arrays:
//
//   - per-level free lists used as LIFO stacks of block offsets;
//   - a split index with one bit per non-leaf block, set while that
//     block is divided into its two children;
//   - a merge index with one bit per buddy pair, zero when both blocks
//     of the pair are in the same state and one when exactly one of them
//     is in use, so a free can decide "coalesce?" with a single read;
//   - a status index with one bit per block, set while that block is
//     allocated at exactly its level. The allocation algorithm never
//     reads it; it backs double-free detection and diagnostics.
//
// Instances are single-writer; callers serialize access themselves.
type Allocator struct {
	name          string
	kind          Kind
	base          uintptr
	memorySize    int
	sizeMin       int
	sizeMax       int
	minShift      int
	maxShift      int
	levelCount    int
	bytesReserved int
	reservedTail  int // bytesReserved rounded up to sizeMin

	state       []byte
	levelBits   []uint32 // levelBits[L] = log2(block size at level L)
	freeCounts  []uint32
	freeLists   []uint32 // level L occupies [2^L-1, 2^(L+1)-1)
	splitIndex  []uint32
	mergeIndex  []uint32
	statusIndex []uint32

	userLen int
	user    [MaxUserData]byte
}

// StateSize returns the state buffer size in bytes required for an
// allocator with the given block size bounds. Both must be powers of two
// with minSize <= maxSize.
func StateSize(minSize, maxSize int) (int, error) {
	levelCount, err := levelCountFor(minSize, maxSize)
	if err != nil {
		return 0, err
	}
	pairWords := indexWords(levelCount - 1)
	statusWords := indexWords(levelCount)
	size := levelCount * 4 // level bits
	size += levelCount * 4 // free counts
	size += ((1 << levelCount) - 1) * 4
	size += pairWords * 4 // split index
	size += pairWords * 4 // merge index
	size += statusWords * 4
	return size, nil
}

// NewState allocates a state buffer sized by StateSize. The buffer is
// not zeroed; New fully initializes it.
func NewState(minSize, maxSize int) ([]byte, error) {
	n, err := StateSize(minSize, maxSize)
	if err != nil {
		return nil, err
	}
	return dirtmake.Bytes(n, n), nil
}

func levelCountFor(minSize, maxSize int) (int, error) {
	if !memutil.IsPowerOfTwo(minSize) || !memutil.IsPowerOfTwo(maxSize) {
		return 0, fmt.Errorf("%w: block sizes %d/%d must be powers of two", ErrInvalidParameter, minSize, maxSize)
	}
	if minSize > maxSize {
		return 0, fmt.Errorf("%w: min block size %d exceeds max %d", ErrInvalidParameter, minSize, maxSize)
	}
	levelCount := bits.TrailingZeros(uint(maxSize)) - bits.TrailingZeros(uint(minSize)) + 1
	if levelCount > maxLevelCount {
		return 0, fmt.Errorf("%w: %d levels exceeds %d", ErrInvalidParameter, levelCount, maxLevelCount)
	}
	return levelCount, nil
}

// indexWords returns the number of uint32 words holding one bit per node
// of a tree with the given number of levels.
func indexWords(levelCount int) int {
	return ((1 << levelCount) + 31) / 32
}

// New validates cfg, carves the state buffer into the allocator's
// bookkeeping arrays and seeds the free lists. The state buffer contents
// are fully overwritten.
func New(cfg Config) (*Allocator, error) {
	levelCount, err := levelCountFor(cfg.AllocationSizeMin, cfg.AllocationSizeMax)
	if err != nil {
		return nil, err
	}
	if cfg.Kind != Host && cfg.Kind != Device {
		return nil, fmt.Errorf("%w: kind %d", ErrInvalidParameter, cfg.Kind)
	}
	if cfg.MemorySize < cfg.AllocationSizeMax {
		return nil, fmt.Errorf("%w: window %d smaller than max block %d", ErrInvalidParameter, cfg.MemorySize, cfg.AllocationSizeMax)
	}
	if cfg.Kind == Host && cfg.MemoryStart == 0 {
		return nil, fmt.Errorf("%w: nil memory start", ErrInvalidParameter)
	}
	if cfg.BytesReserved < 0 || cfg.BytesReserved >= cfg.AllocationSizeMax {
		return nil, fmt.Errorf("%w: reserved tail %d must be below %d", ErrInvalidParameter, cfg.BytesReserved, cfg.AllocationSizeMax)
	}
	reservedTail := memutil.AlignUp(cfg.BytesReserved, cfg.AllocationSizeMin)
	if reservedTail >= cfg.AllocationSizeMax {
		return nil, fmt.Errorf("%w: reserved tail %d leaves no usable block", ErrInvalidParameter, cfg.BytesReserved)
	}
	if len(cfg.UserData) > MaxUserData {
		return nil, fmt.Errorf("%w: user data %d bytes exceeds %d", ErrInvalidParameter, len(cfg.UserData), MaxUserData)
	}
	need, _ := StateSize(cfg.AllocationSizeMin, cfg.AllocationSizeMax)
	if len(cfg.State) < need {
		return nil, fmt.Errorf("%w: state buffer %d bytes, need %d", ErrInvalidParameter, len(cfg.State), need)
	}
	if uintptr(unsafe.Pointer(unsafe.SliceData(cfg.State)))%4 != 0 {
		return nil, fmt.Errorf("%w: state buffer not 4-byte aligned", ErrInvalidParameter)
	}

	a := &Allocator{
		name:          cfg.Name,
		kind:          cfg.Kind,
		base:          cfg.MemoryStart,
		memorySize:    cfg.MemorySize,
		sizeMin:       cfg.AllocationSizeMin,
		sizeMax:       cfg.AllocationSizeMax,
		minShift:      bits.TrailingZeros(uint(cfg.AllocationSizeMin)),
		maxShift:      bits.TrailingZeros(uint(cfg.AllocationSizeMax)),
		levelCount:    levelCount,
		bytesReserved: cfg.BytesReserved,
		reservedTail:  reservedTail,
		state:         cfg.State[:need],
	}
	a.userLen = copy(a.user[:], cfg.UserData)
	a.carveState()
	a.seed()
	return a, nil
}

// carveState slices the state buffer into the bookkeeping arrays. Every
// section length is a multiple of 4, so each view stays 4-byte aligned.
func (a *Allocator) carveState() {
	off := 0
	next := func(n int) []uint32 {
		s := unsafe.Slice((*uint32)(unsafe.Pointer(&a.state[off])), n)
		off += n * 4
		return s
	}
	pairWords := indexWords(a.levelCount - 1)
	a.levelBits = next(a.levelCount)
	a.freeCounts = next(a.levelCount)
	a.freeLists = next((1 << a.levelCount) - 1)
	a.splitIndex = next(pairWords)
	a.mergeIndex = next(pairWords)
	a.statusIndex = next(indexWords(a.levelCount))
}

// seed zeroes the indices, fills the level table and publishes the
// initial free block(s), dismantling the reserved tail if configured.
func (a *Allocator) seed() {
	for l := 0; l < a.levelCount; l++ {
		a.levelBits[l] = uint32(a.maxShift - l)
		a.freeCounts[l] = 0
	}
	zeroU32(a.splitIndex)
	zeroU32(a.mergeIndex)
	zeroU32(a.statusIndex)

	if a.reservedTail == 0 {
		a.push(0, 0)
		return
	}
	a.holdTail()
}

// holdTail permanently removes the reservedTail bytes at the high end of
// the window by splitting down from the root and marking every high-side
// block covering the tail as held: its pair's merge bit is raised and it
// is never placed on a free list, so no allocation or merge can reach it.
func (a *Allocator) holdTail() {
	remaining := a.reservedTail
	level, offset, size := 0, 0, a.sizeMax
	for remaining > 0 {
		a.setSplit(level, offset)
		if level > 0 {
			a.toggleMerge(level, offset)
		}
		half := size >> 1
		right := offset + half
		level++
		size = half
		if remaining >= half {
			// The right child lies entirely inside the tail.
			a.toggleMerge(level, right)
			a.setStatus(level, right)
			remaining -= half
			if remaining == 0 {
				a.push(level, offset)
				return
			}
			// The rest of the tail tops the left child; keep splitting it.
		} else {
			a.push(level, offset)
			offset = right
		}
	}
}

func zeroU32(s []uint32) {
	for i := range s {
		s[i] = 0
	}
}

// Name returns the allocator name.
func (a *Allocator) Name() string { return a.name }

// Kind returns the allocator kind.
func (a *Allocator) Kind() Kind { return a.kind }

// AllocationSizeMin returns the smallest block size issued.
func (a *Allocator) AllocationSizeMin() int { return a.sizeMin }

// AllocationSizeMax returns the largest block size.
func (a *Allocator) AllocationSizeMax() int { return a.sizeMax }

// BytesReserved returns the configured reserved tail size.
func (a *Allocator) BytesReserved() int { return a.bytesReserved }

// MemorySize returns the window length the allocator was configured with.
func (a *Allocator) MemorySize() int { return a.memorySize }

// LevelCount returns the height of the block tree.
func (a *Allocator) LevelCount() int { return a.levelCount }

// UserData returns the user bytes captured at init.
func (a *Allocator) UserData() []byte { return a.user[:a.userLen] }

// FreeBytes returns the total bytes currently sitting on free lists.
// It is a diagnostic; fragmentation can make a request fail even when
// FreeBytes exceeds it.
func (a *Allocator) FreeBytes() int {
	total := 0
	for l := 0; l < a.levelCount; l++ {
		total += int(a.freeCounts[l]) * a.blockSize(l)
	}
	return total
}
