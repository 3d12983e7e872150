//go:build arm64 && (linux || darwin)

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
	"golang.org/x/sys/unix"

	"github.com/cloudwego/vmem/unsafex"
)

// arm64 has a non-coherent instruction cache. Cycling the protection of
// the range through non-executable and back forces the kernel to perform
// the required cache maintenance when the pages become executable again.
func flushICache(base uintptr, size, prot int) {
	b := unsafex.Bytes(base, size)
	if unix.Mprotect(b, unix.PROT_READ|unix.PROT_WRITE) != nil {
		return
	}
	_ = unix.Mprotect(b, prot)
}
