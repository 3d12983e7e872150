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

package mempool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudwego/vmem/unsafex"
)

func TestMallocFree(t *testing.T) {
	for size := 127; size < 1<<20; size += 7919 {
		b := Malloc(size)
		require.Equal(t, size, len(b), "size=%d", size)
		b[0], b[size-1] = 1, 2
		Free(b)
	}
}

func TestMallocZero(t *testing.T) {
	b := Malloc(0)
	assert.NotNil(t, b)
	assert.Empty(t, b)
	Free(b)
}

func TestMallocCapRoundsToClass(t *testing.T) {
	b := Malloc(100)
	require.Equal(t, 100, len(b))
	// A slab class is a power-of-two block minus the header.
	assert.Equal(t, slabMinBlock-headerLen, cap(b))
	Free(b)
}

func TestReuse(t *testing.T) {
	a := Malloc(1024)
	addr := unsafex.Address(a)
	Free(a)

	// A LIFO free list hands the same block straight back.
	b := Malloc(1024)
	assert.Equal(t, addr, unsafex.Address(b))
	Free(b)
}

func TestDistinctBuffers(t *testing.T) {
	a := Malloc(8 * 1024)
	b := Malloc(8 * 1024)
	for i := range a {
		a[i] = 0xAA
	}
	for i := range b {
		b[i] = 0xBB
	}
	assert.Equal(t, byte(0xAA), a[0])
	assert.Equal(t, byte(0xBB), b[0])
	Free(a)
	Free(b)
}

func TestOversizeFallsBack(t *testing.T) {
	// Larger than any slab class: served by the heap-backed fallback.
	size := slabMaxBlock + 1024
	b := Malloc(size)
	require.Equal(t, size, len(b))
	b[0], b[size-1] = 3, 4
	Free(b)
}

func TestDoubleFreePanics(t *testing.T) {
	b := Malloc(512)
	Free(b)
	assert.Panics(t, func() { Free(b) })
}

func TestFreeNil(t *testing.T) {
	assert.NotPanics(t, func() { Free(nil) })
	assert.NotPanics(t, func() { Free([]byte{}) })
}

func TestAppend(t *testing.T) {
	b := Malloc(0)
	payload := "0123456789abcdef"
	for i := 0; i < 2000; i++ {
		b = Append(b, []byte(payload)...)
	}
	require.Equal(t, 2000*len(payload), len(b))
	assert.Equal(t, payload, string(b[:len(payload)]))
	Free(b)

	b = Malloc(0)
	for i := 0; i < 2000; i++ {
		b = AppendStr(b, payload)
	}
	require.Equal(t, 2000*len(payload), len(b))
	Free(b)
}

func TestConcurrent(t *testing.T) {
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(seed int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				size := 64 + (seed*1000+i*37)%(64*1024)
				b := Malloc(size)
				b[0] = byte(i)
				Free(b)
			}
		}(g)
	}
	wg.Wait()
}

func BenchmarkMallocFree(b *testing.B) {
	for i := 0; i < b.N; i++ {
		buf := Malloc(8 * 1024)
		Free(buf)
	}
}
