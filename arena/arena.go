// Package arena implements a bump allocator over a caller-provided byte
// range with marker-based rewind.
//
// An arena hands out successive aligned sub-ranges of its window in O(1)
// and can only rewind, never free individual blocks: Marker snapshots the
// cursor and ResetToMarker moves it back. A HOST arena deals in real
// addresses; a DEVICE arena treats its window base as an opaque offset
// (a GPU heap offset, a file offset) and never dereferences it.
//
// Instances are single-writer; callers serialize access themselves.
package arena

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/cloudwego/vmem/memutil"
	"github.com/cloudwego/vmem/unsafex"
)

// Kind selects how an arena interprets its window base.
type Kind uint8

const (
	// Host arenas manage addressable process memory.
	Host Kind = iota
	// Device arenas manage an opaque offset range that is never
	// dereferenced by this package.
	Device
)

var (
	// ErrOutOfMemory is returned when a request does not fit the window.
	ErrOutOfMemory = errors.New("arena: out of memory")
	// ErrInvalidParameter is returned for invalid sizes, alignments or config.
	ErrInvalidParameter = errors.New("arena: invalid parameter")
)

// MaxUserData is the size of the opaque per-arena user data area.
const MaxUserData = 64

// Config describes the window an arena manages.
type Config struct {
	Name string
	Kind Kind
	// MemoryStart is the address of the window for Host arenas, or an
	// opaque base offset for Device arenas.
	MemoryStart uintptr
	// MemorySize is the window length in bytes.
	MemorySize int
	// UserData is copied into the arena, at most MaxUserData bytes.
	UserData []byte
}

// Block describes one allocation issued by an arena.
type Block struct {
	// HostAddress is the first byte of the block for Host allocations,
	// nil for Device allocations.
	HostAddress unsafe.Pointer
	// BlockOffset is the block's offset from the start of the window.
	BlockOffset int
	// SizeInBytes is the usable length of the block.
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

// Arena is a bump allocator over a contiguous byte range.
type Arena struct {
	name    string
	kind    Kind
	base    uintptr
	size    int
	next    int
	userLen int
	user    [MaxUserData]byte
}

// New validates cfg and returns an arena with its cursor at zero.
func New(cfg Config) (*Arena, error) {
	if cfg.Kind != Host && cfg.Kind != Device {
		return nil, fmt.Errorf("%w: kind %d", ErrInvalidParameter, cfg.Kind)
	}
	if cfg.MemorySize <= 0 {
		return nil, fmt.Errorf("%w: memory size %d", ErrInvalidParameter, cfg.MemorySize)
	}
	if cfg.Kind == Host && cfg.MemoryStart == 0 {
		return nil, fmt.Errorf("%w: nil memory start", ErrInvalidParameter)
	}
	if len(cfg.UserData) > MaxUserData {
		return nil, fmt.Errorf("%w: user data %d bytes exceeds %d", ErrInvalidParameter, len(cfg.UserData), MaxUserData)
	}
	a := &Arena{
		name: cfg.Name,
		kind: cfg.Kind,
		base: cfg.MemoryStart,
		size: cfg.MemorySize,
	}
	a.userLen = copy(a.user[:], cfg.UserData)
	return a, nil
}

// AllocHost bumps the cursor past an aligned block of `size` bytes and
// returns it. Valid only on Host arenas.
func (a *Arena) AllocHost(size, align int) (Block, error) {
	if a.kind != Host {
		return Block{}, fmt.Errorf("%w: host allocation on device arena %q", ErrInvalidParameter, a.name)
	}
	offset, err := a.bump(size, align)
	if err != nil {
		return Block{}, err
	}
	return Block{
		HostAddress: unsafe.Pointer(a.base + uintptr(offset)),
		BlockOffset: offset,
		SizeInBytes: size,
		Kind:        Host,
	}, nil
}

// AllocDevice bumps the cursor past an aligned block of `size` bytes and
// returns it as an opaque offset block. Valid only on Device arenas.
func (a *Arena) AllocDevice(size, align int) (Block, error) {
	if a.kind != Device {
		return Block{}, fmt.Errorf("%w: device allocation on host arena %q", ErrInvalidParameter, a.name)
	}
	offset, err := a.bump(size, align)
	if err != nil {
		return Block{}, err
	}
	return Block{
		BlockOffset: offset,
		SizeInBytes: size,
		Kind:        Device,
	}, nil
}

// bump aligns base+next up to align and advances the cursor. Alignment is
// applied to the absolute position so Host blocks are address aligned.
func (a *Arena) bump(size, align int) (int, error) {
	if size <= 0 {
		return 0, fmt.Errorf("%w: size %d", ErrInvalidParameter, size)
	}
	if align <= 0 || !memutil.IsPowerOfTwo(align) {
		return 0, fmt.Errorf("%w: alignment %d", ErrInvalidParameter, align)
	}
	aligned := memutil.AlignUpAddr(a.base+uintptr(a.next), uintptr(align))
	end := int(aligned-a.base) + size
	if end > a.size {
		return 0, fmt.Errorf("%w: %d bytes at align %d, %d of %d used", ErrOutOfMemory, size, align, a.next, a.size)
	}
	offset := int(aligned - a.base)
	a.next = end
	return offset, nil
}

// Marker returns an opaque snapshot of the cursor.
func (a *Arena) Marker() int {
	return a.next
}

// ResetToMarker rewinds the cursor to a marker previously returned by
// Marker. Panics if the marker is ahead of the cursor.
func (a *Arena) ResetToMarker(m int) {
	if m < 0 || m > a.next {
		panic("arena: marker ahead of cursor")
	}
	a.next = m
}

// Reset rewinds the cursor to the start of the window.
func (a *Arena) Reset() {
	a.next = 0
}

// Bytes returns a view over the whole window of a Host arena.
func (a *Arena) Bytes() []byte {
	if a.kind != Host {
		return nil
	}
	return unsafex.Bytes(a.base, a.size)
}

// Name returns the arena name.
func (a *Arena) Name() string { return a.name }

// Kind returns the arena kind.
func (a *Arena) Kind() Kind { return a.kind }

// Size returns the window length.
func (a *Arena) Size() int { return a.size }

// Remaining returns the bytes left before the window is exhausted,
// ignoring any alignment the next request may add.
func (a *Arena) Remaining() int { return a.size - a.next }

// UserData returns the user bytes captured at init.
func (a *Arena) UserData() []byte { return a.user[:a.userLen] }
