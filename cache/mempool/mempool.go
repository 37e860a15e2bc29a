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

// Package mempool is the general-purpose front end of kmem. Requests up to
// MaxCacheSize bytes are served by a ladder of power-of-two object caches,
// larger ones directly by the page source.
package mempool

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/cloudwego/kmem/cache/slab"
	"github.com/cloudwego/kmem/unsafex"
	"github.com/cloudwego/kmem/unsafex/malloc"
)

const (
	firstShift = 5
	lastShift  = 17
	nrCaches   = lastShift - firstShift + 1

	// MinCacheSize and MaxCacheSize bound the object sizes of the ladder.
	MinCacheSize = 1 << firstShift
	MaxCacheSize = 1 << lastShift
)

var (
	setupOnce sync.Once
	caches    [nrCaches]*slab.Cache
)

// setup creates the caches mem_32 to mem_131072.
func setup() {
	setupOnce.Do(func() {
		for i := range caches {
			size := MinCacheSize << i
			c, err := slab.NewCache(fmt.Sprintf("mem_%d", size), size, 0, nil, nil, 0)
			if err != nil {
				panic(err)
			}
			caches[i] = c
		}
	})
}

// cacheIndex returns the index of the smallest cache holding size bytes, or
// -1 if size exceeds MaxCacheSize.
func cacheIndex(size int) int {
	if size <= MinCacheSize {
		return 0
	}
	i := bits.Len(uint(size-1)) - firstShift
	if i >= nrCaches {
		return -1
	}
	return i
}

// Caches returns the caches of the ladder, smallest first.
func Caches() []*slab.Cache {
	setup()
	return append([]*slab.Cache(nil), caches[:]...)
}

// Alloc returns a buffer of size bytes, with len and cap equal to size, or nil
// if size is not positive or memory is exhausted. Its content is undefined.
//
// The buffer must be released with Free and must not be grown with append
// beyond its capacity.
func Alloc(size int) []byte {
	if size <= 0 {
		return nil
	}
	setup()
	i := cacheIndex(size)
	if i < 0 {
		addr := slab.DefaultSource().Alloc(pageSize(size))
		if addr == 0 {
			return nil
		}
		return unsafex.Bytes(addr, size)
	}

	c := caches[i]
	p := c.Alloc()
	if p == nil {
		return nil
	}
	addr := unsafex.Addr(p)
	if c.Verify() {
		unsafex.Memset(addr+uintptr(size), slab.RedzoneByte, c.ObjSize()-size)
	}
	return unsafex.Bytes(addr, size)
}

// Zalloc is like Alloc but the buffer is zeroed.
func Zalloc(size int) []byte {
	b := Alloc(size)
	clear(b)
	return b
}

// Free releases a buffer returned by Alloc, Zalloc or Append. The buffer may
// have been resliced, but its capacity must be unchanged.
func Free(buf []byte) {
	size := cap(buf)
	if size == 0 {
		return
	}
	addr := unsafex.BytesAddr(buf)
	i := cacheIndex(size)
	if i < 0 {
		slab.DefaultSource().Free(addr, pageSize(size))
		return
	}

	c := caches[i]
	if c.Verify() {
		if bad := unsafex.CheckBytes(addr+uintptr(size), slab.RedzoneByte, c.ObjSize()-size); bad != 0 {
			c.Report(unsafex.Pointer(addr), slab.KindRedzone, bad)
		}
	}
	c.Free(unsafex.Pointer(addr))
}

// Append appends b to a, which must be nil or a buffer of this package. When
// a is too small it is replaced by a larger buffer and freed. Use it as
// `a = mempool.Append(a, b...)`. It returns nil, leaving a untouched, if
// memory is exhausted.
func Append(a []byte, b ...byte) []byte {
	if cap(a)-len(a) >= len(b) {
		return append(a, b...)
	}
	ret := grow(a, len(b))
	if ret == nil {
		return nil
	}
	return append(ret, b...)
}

// AppendString is Append for a string.
func AppendString(a []byte, s string) []byte {
	if cap(a)-len(a) >= len(s) {
		return append(a, s...)
	}
	ret := grow(a, len(s))
	if ret == nil {
		return nil
	}
	return append(ret, s...)
}

// grow returns a buffer holding a with room for n more bytes, and frees a.
func grow(a []byte, n int) []byte {
	size := len(a) + n
	if c := 2 * cap(a); c > size {
		size = c
	}
	ret := Alloc(size)
	if ret == nil {
		return nil
	}
	ret = ret[:copy(ret, a)]
	Free(a)
	return ret
}

func pageSize(size int) int {
	return (size + malloc.PageSize - 1) &^ (malloc.PageSize - 1)
}
