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

package slab

import (
	"sync"
	"unsafe"

	"github.com/cloudwego/kmem/internal/cpu"
	"github.com/cloudwego/kmem/unsafex"
)

// cpuPoolType selects the array size of the CPU pools of caches whose buffers
// are at least bufSize bytes. Arrays come from arrayCache.
type cpuPoolType struct {
	bufSize    int
	arraySize  int
	arrayAlign int
	arrayCache *Cache
}

// Larger buffers get smaller pools.
var cpuPoolTypes = [...]cpuPoolType{
	{bufSize: 32768, arraySize: 1},
	{bufSize: 4096, arraySize: 8, arrayAlign: cpu.CacheLineSize},
	{bufSize: 256, arraySize: 64, arrayAlign: cpu.CacheLineSize},
	{bufSize: 0, arraySize: 128, arrayAlign: cpu.CacheLineSize},
}

func poolTypeFor(bufSize int) *cpuPoolType {
	for i := range cpuPoolTypes {
		if bufSize >= cpuPoolTypes[i].bufSize {
			return &cpuPoolTypes[i]
		}
	}
	return &cpuPoolTypes[len(cpuPoolTypes)-1]
}

// cpuPool is a per-CPU stack of ready objects. Its array is built on the first
// free; until then allocations go to the slab layer. Objects in the pool are
// constructed, except in verify mode where they are constructed on the way
// out.
type cpuPool struct {
	mu           sync.Mutex
	flags        cacheFlags
	size         int
	transferSize int
	nrObjs       int
	array        []uintptr
	_            cpu.CacheLinePad
}

func (p *cpuPool) init(c *Cache) {
	p.flags = c.flags
	p.size = c.poolType.arraySize
	p.transferSize = (p.size + 1) / 2
}

func (p *cpuPool) push(buf uintptr) {
	p.array[p.nrObjs] = buf
	p.nrObjs++
}

func (p *cpuPool) pop() uintptr {
	p.nrObjs--
	return p.array[p.nrObjs]
}

// allocFromPool serves Alloc from the current CPU pool. done is false when the
// pool has no array yet and the slab layer must be used instead.
func (c *Cache) allocFromPool() (buf uintptr, done bool) {
	p := &c.pools[cpu.ID()]
	p.mu.Lock()
	for {
		if p.nrObjs > 0 {
			buf = p.pop()
			p.mu.Unlock()
			if p.flags&cfVerify != 0 {
				c.allocVerify(buf, true)
			}
			return buf, true
		}
		if p.array == nil {
			p.mu.Unlock()
			return 0, false
		}
		if c.fillPool(p) == 0 {
			p.mu.Unlock()
			if !c.grow() {
				return 0, true
			}
			p.mu.Lock()
		}
	}
}

// freeToPool pushes buf on the current CPU pool, building its array if needed.
// It returns false if the array can't be built, leaving buf to the slab layer.
func (c *Cache) freeToPool(buf uintptr) bool {
	p := &c.pools[cpu.ID()]
	if p.flags&cfVerify != 0 {
		c.freeVerify(buf)
	}

	arrays := c.poolType.arrayCache
	p.mu.Lock()
	for {
		if p.array != nil {
			if p.nrObjs < p.size {
				p.push(buf)
				p.mu.Unlock()
				return true
			}
			c.drainPool(p, p.transferSize)
			continue
		}

		p.mu.Unlock()
		arr := arrays.Alloc()
		if arr == nil {
			return false
		}
		p.mu.Lock()
		if p.array != nil {
			// Lost the race to another free on this pool.
			p.mu.Unlock()
			arrays.Free(arr)
			p.mu.Lock()
			continue
		}
		p.array = unsafe.Slice((*uintptr)(arr), p.size)
	}
}

// fillPool moves up to transferSize objects from the slab layer to p, which
// must be locked, and returns how many were moved.
func (c *Cache) fillPool(p *cpuPool) int {
	ctor := c.ctor
	if p.flags&cfVerify != 0 {
		ctor = nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for ; n < p.transferSize; n++ {
		buf := c.allocFromSlab()
		if buf == 0 {
			break
		}
		if ctor != nil {
			ctor(unsafex.Pointer(buf))
		}
		p.push(buf)
	}
	return n
}

// drainPool moves up to n objects from p, which must be locked, back to the
// slab layer.
func (c *Cache) drainPool(p *cpuPool, n int) {
	c.mu.Lock()
	for ; n > 0 && p.nrObjs > 0; n-- {
		c.freeToSlab(p.pop())
	}
	c.mu.Unlock()
}

// drain empties every CPU pool. With release, the arrays go back to their
// array cache and are rebuilt on the next free.
func (c *Cache) drain(release bool) {
	if c.poolType == nil {
		return
	}
	var arrays []unsafe.Pointer
	for i := range c.pools {
		p := &c.pools[i]
		p.mu.Lock()
		if p.nrObjs > 0 {
			c.drainPool(p, p.nrObjs)
		}
		if release && p.array != nil {
			arrays = append(arrays, unsafe.Pointer(unsafe.SliceData(p.array)))
			p.array = nil
		}
		p.mu.Unlock()
	}
	for _, arr := range arrays {
		c.poolType.arrayCache.Free(arr)
	}
}

// Drain returns every object cached in the CPU pools to the slab layer, so
// that Reap can release the slabs they pinned.
func (c *Cache) Drain() {
	c.drain(false)
}

// cached returns the number of objects held by the CPU pools.
func (c *Cache) cached() int {
	if c.poolType == nil {
		return 0
	}
	n := 0
	for i := range c.pools {
		p := &c.pools[i]
		p.mu.Lock()
		n += p.nrObjs
		p.mu.Unlock()
	}
	return n
}
