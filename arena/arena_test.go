package arena

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	kib = 1024
	mib = 1024 * 1024
)

func TestNewValidation(t *testing.T) {
	buf := make([]byte, 4*kib)

	tests := []struct {
		name string
		cfg  Config
	}{
		{"bad_kind", Config{Kind: Kind(7), MemoryStart: addrOf(buf), MemorySize: len(buf)}},
		{"zero_size", Config{Kind: Host, MemoryStart: addrOf(buf), MemorySize: 0}},
		{"nil_host_start", Config{Kind: Host, MemorySize: 4 * kib}},
		{"user_data_too_big", Config{
			Kind: Host, MemoryStart: addrOf(buf), MemorySize: len(buf),
			UserData: make([]byte, MaxUserData+1),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			assert.ErrorIs(t, err, ErrInvalidParameter)
		})
	}

	a, err := New(Config{Name: "ok", Kind: Host, MemoryStart: addrOf(buf), MemorySize: len(buf)})
	require.NoError(t, err)
	assert.Equal(t, "ok", a.Name())
	assert.Equal(t, Host, a.Kind())
	assert.Equal(t, 4*kib, a.Size())
}

func TestAllocHost(t *testing.T) {
	buf := make([]byte, 64*kib)
	a := newHostArena(t, buf)

	b, err := a.AllocHost(100, 8)
	require.NoError(t, err)
	assert.Equal(t, 0, b.BlockOffset)
	assert.Equal(t, 100, b.SizeInBytes)
	assert.Equal(t, Host, b.Kind)
	require.NotNil(t, b.HostAddress)
	assert.Zero(t, uintptr(b.HostAddress)%8)

	// The view is writable and backed by the window.
	view := b.Bytes()
	require.Equal(t, 100, len(view))
	view[0] = 0x5A
	assert.Equal(t, byte(0x5A), buf[0])

	// The next block starts past the first, aligned.
	b2, err := a.AllocHost(16, 64)
	require.NoError(t, err)
	assert.Greater(t, b2.BlockOffset, b.BlockOffset)
	assert.Zero(t, uintptr(b2.HostAddress)%64)
}

func TestAllocErrors(t *testing.T) {
	buf := make([]byte, 4*kib)
	a := newHostArena(t, buf)

	_, err := a.AllocHost(0, 8)
	assert.ErrorIs(t, err, ErrInvalidParameter)
	_, err = a.AllocHost(16, 0)
	assert.ErrorIs(t, err, ErrInvalidParameter)
	_, err = a.AllocHost(16, 3)
	assert.ErrorIs(t, err, ErrInvalidParameter)
	_, err = a.AllocHost(8*kib, 8)
	assert.ErrorIs(t, err, ErrOutOfMemory)
	_, err = a.AllocDevice(16, 8)
	assert.ErrorIs(t, err, ErrInvalidParameter, "device allocation on host arena")

	// Failures do not move the cursor.
	assert.Zero(t, a.Marker())
}

func TestExhaustion(t *testing.T) {
	buf := make([]byte, 4*kib)
	a := newHostArena(t, buf)

	_, err := a.AllocHost(4*kib, 1)
	require.NoError(t, err)
	assert.Zero(t, a.Remaining())

	_, err = a.AllocHost(1, 1)
	assert.ErrorIs(t, err, ErrOutOfMemory)

	a.Reset()
	assert.Equal(t, 4*kib, a.Remaining())
	_, err = a.AllocHost(4*kib, 1)
	assert.NoError(t, err)
}

func TestMarkerRewind(t *testing.T) {
	buf := make([]byte, mib)
	a := newHostArena(t, buf)

	b1, err := a.AllocHost(256*kib, 16)
	require.NoError(t, err)
	assert.Equal(t, 0, b1.BlockOffset)

	m := a.Marker()

	b2, err := a.AllocHost(256*kib, 16)
	require.NoError(t, err)
	assert.Equal(t, 256*kib, b2.BlockOffset)

	a.ResetToMarker(m)
	assert.Equal(t, m, a.Marker())

	// The rewound region is handed out again.
	b3, err := a.AllocHost(512*kib, 16)
	require.NoError(t, err)
	assert.Equal(t, 256*kib, b3.BlockOffset)
}

func TestMarkerAheadPanics(t *testing.T) {
	buf := make([]byte, 4*kib)
	a := newHostArena(t, buf)

	_, err := a.AllocHost(64, 1)
	require.NoError(t, err)
	m := a.Marker()
	a.ResetToMarker(0)

	assert.Panics(t, func() { a.ResetToMarker(m) })
	assert.Panics(t, func() { a.ResetToMarker(-1) })
}

func TestDeviceArena(t *testing.T) {
	a, err := New(Config{
		Name:        "vram",
		Kind:        Device,
		MemoryStart: 0x10000, // opaque heap offset
		MemorySize:  64 * kib,
	})
	require.NoError(t, err)

	b, err := a.AllocDevice(100, 256)
	require.NoError(t, err)
	assert.Nil(t, b.HostAddress)
	assert.Nil(t, b.Bytes())
	assert.Equal(t, Device, b.Kind)
	// Alignment applies to the absolute device offset.
	assert.Zero(t, (0x10000+b.BlockOffset)%256)

	_, err = a.AllocHost(16, 8)
	assert.ErrorIs(t, err, ErrInvalidParameter, "host allocation on device arena")
	assert.Nil(t, a.Bytes())
}

func TestUserData(t *testing.T) {
	buf := make([]byte, 4*kib)
	user := []byte{1, 2, 3, 4}
	a, err := New(Config{
		Kind: Host, MemoryStart: addrOf(buf), MemorySize: len(buf),
		UserData: user,
	})
	require.NoError(t, err)
	assert.Equal(t, user, a.UserData())

	// The arena holds a copy, not the caller's slice.
	user[0] = 99
	assert.Equal(t, byte(1), a.UserData()[0])
}

// helpers

func newHostArena(t *testing.T, buf []byte) *Arena {
	t.Helper()
	a, err := New(Config{Name: "test", Kind: Host, MemoryStart: addrOf(buf), MemorySize: len(buf)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = buf })
	return a
}

func addrOf(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}
