/*
 * Copyright 2025 CloudWeGo Authors
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

// Package cpu holds the processor-related configuration of kmem: the maximum
// number of per-CPU pools, the L1 cache line size, and the current CPU hint.
package cpu

import (
	"runtime"

	"github.com/bytedance/gopkg/lang/fastrand"
)

const (
	// MaxCPUs is the number of per-CPU pools kept by every cache and segment.
	// It must be a power of two.
	MaxCPUs = 64

	// CacheLineSize is the L1 cache line size used to pad per-CPU data.
	CacheLineSize = 64
)

// CacheLinePad is embedded in per-CPU structures to keep them on separate cache lines.
type CacheLinePad struct{ _ [CacheLineSize]byte }

var count = clamp(runtime.NumCPU())

func clamp(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxCPUs {
		return MaxCPUs
	}
	return n
}

// Count returns the number of CPUs in use, never more than MaxCPUs.
func Count() int {
	return count
}

// idFunc returns the pool index of the calling goroutine.
//
// Go doesn't expose the current processor, so the default picks a random pool.
// Every pool has its own lock, the index only spreads contention.
var idFunc = func() int {
	return int(fastrand.Uint32n(uint32(count)))
}

// ID returns the index of the per-CPU pool the caller should use, in [0, Count()).
func ID() int {
	return idFunc() & (MaxCPUs - 1)
}

// SetIDFunc replaces the CPU hint and returns the previous one. It must not
// race with allocations, and f should return values in [0, MaxCPUs). Tests use
// it to pin pools.
func SetIDFunc(f func() int) (prev func() int) {
	if f == nil {
		panic("cpu: nil id func")
	}
	prev, idFunc = idFunc, f
	return prev
}
