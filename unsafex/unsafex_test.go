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

package unsafex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBytesRoundTrip(t *testing.T) {
	buf := make([]byte, 64)
	buf[0], buf[63] = 0x11, 0x22

	addr := Address(buf)
	require.NotZero(t, addr)

	view := Bytes(addr, len(buf))
	require.Equal(t, len(buf), len(view))
	assert.Equal(t, byte(0x11), view[0])
	assert.Equal(t, byte(0x22), view[63])

	// The view aliases the original memory.
	view[1] = 0x33
	assert.Equal(t, byte(0x33), buf[1])
}

func TestBytesEmpty(t *testing.T) {
	assert.Nil(t, Bytes(0, 16))
	assert.Nil(t, Bytes(0x1000, 0))
}

func TestAddressEmpty(t *testing.T) {
	assert.Zero(t, Address(nil))
	assert.Zero(t, Address([]byte{}))
	assert.Nil(t, Pointer(nil))

	// A zero-length slice of a real array still addresses it.
	buf := make([]byte, 8)
	assert.Equal(t, Address(buf), Address(buf[:0]))
	assert.NotNil(t, Pointer(buf[:0]))
}
