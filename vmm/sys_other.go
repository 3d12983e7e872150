//go:build !linux && !darwin

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

import "fmt"

func allocationGranularity(pageSize int) int {
	return pageSize
}

func reserveRange(size int) (uintptr, error) {
	return 0, fmt.Errorf("vmm: reserve: %w", errUnsupported)
}

func commitRange(base uintptr, size, prot int) error {
	return fmt.Errorf("vmm: commit: %w", errUnsupported)
}

func releaseRange(base uintptr, size int) {}

func protFor(flags Flags) int { return 0 }

var errUnsupported = fmt.Errorf("platform not supported")
