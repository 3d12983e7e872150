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

package memutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestZero(t *testing.T) {
	b := []byte{1, 2, 3, 4, 5}
	Zero(b)
	assert.Equal(t, make([]byte, 5), b)
	assert.NotPanics(t, func() { Zero(nil) })
}

func TestSecureZero(t *testing.T) {
	b := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	SecureZero(b)
	assert.Equal(t, make([]byte, 4), b)
	assert.NotPanics(t, func() { SecureZero(nil) })
}

func TestFill(t *testing.T) {
	b := make([]byte, 8)
	Fill(b, 0xAB)
	for i := range b {
		assert.Equal(t, byte(0xAB), b[i])
	}
}

func TestCopy(t *testing.T) {
	src := []byte{1, 2, 3, 4}
	dst := make([]byte, 4)
	assert.Equal(t, 4, Copy(dst, src))
	assert.Equal(t, src, dst)

	// Short destination truncates.
	short := make([]byte, 2)
	assert.Equal(t, 2, Copy(short, src))
	assert.Equal(t, []byte{1, 2}, short)
}

func TestMoveOverlap(t *testing.T) {
	b := []byte{1, 2, 3, 4, 5, 6}

	// Overlapping shift toward the front.
	assert.Equal(t, 4, Move(b[0:4], b[2:6]))
	assert.Equal(t, []byte{3, 4, 5, 6}, b[0:4])

	// Overlapping shift toward the back.
	b = []byte{1, 2, 3, 4, 5, 6}
	assert.Equal(t, 4, Move(b[2:6], b[0:4]))
	assert.Equal(t, []byte{1, 2, 1, 2, 3, 4}, b)
}

func TestAlignUp(t *testing.T) {
	tests := []struct {
		n, align, want int
	}{
		{0, 8, 0},
		{1, 8, 8},
		{8, 8, 8},
		{9, 8, 16},
		{4095, 4096, 4096},
		{4096, 4096, 4096},
		{4097, 4096, 8192},
		{100, 1, 100},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, AlignUp(tt.n, tt.align), "AlignUp(%d, %d)", tt.n, tt.align)
	}

	assert.Equal(t, uintptr(0x2000), AlignUpAddr(0x1001, 0x2000))
	assert.Equal(t, uintptr(0x2000), AlignUpAddr(0x2000, 0x2000))
}

func TestIsPowerOfTwo(t *testing.T) {
	for _, n := range []int{1, 2, 4, 4096, 1 << 30} {
		assert.True(t, IsPowerOfTwo(n), "%d", n)
	}
	for _, n := range []int{0, -1, -2, 3, 6, 4095} {
		assert.False(t, IsPowerOfTwo(n), "%d", n)
	}
}

func BenchmarkSecureZero(b *testing.B) {
	buf := make([]byte, 4096)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		SecureZero(buf)
	}
}
