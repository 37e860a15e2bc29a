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

	"github.com/go-kit/log/level"
	"github.com/google/btree"
	"github.com/pkg/errors"

	"github.com/cloudwego/kmem/internal/cpu"
	"github.com/cloudwego/kmem/unsafex"
	"github.com/cloudwego/kmem/unsafex/malloc"
)

// cacheFlags are the flags a cache derives at creation.
type cacheFlags uint32

const (
	cfSlabExternal cacheFlags = 1 << iota // slab metadata lives outside the slab
	cfDirect                              // embedded metadata, one page per slab
	cfVerify
	cfNoCPUPool
)

// Cache is an object cache. All methods are safe for concurrent use, except
// Destroy which must not race with any other use of the cache.
type Cache struct {
	pools [cpu.MaxCPUs]cpuPool

	// Immutable after creation.
	name        string
	flags       cacheFlags
	objSize     int
	align       int
	bufSize     int
	bufctlDist  int
	buftagDist  int
	redzonePad  int
	slabSize    int
	bufsPerSlab int
	colorMax    int
	ctor        Ctor
	source      Source
	poolType    *cpuPoolType

	mu          sync.Mutex
	partial     slabList
	free        slabList
	active      *btree.BTreeG[*slab] // nil unless useTree
	pivot       slab                 // lookup key for active
	direct      []*slab
	directFree  []int
	color       int
	nrObjs      int
	nrBufs      int
	nrSlabs     int
	nrFreeSlabs int
}

// NewCache creates a cache of objects of objSize bytes aligned to align, which
// must be a power of two smaller than a page; 0 means AlignMin. ctor may be
// nil. Slabs come from src, or from DefaultSource if src is nil.
func NewCache(name string, objSize, align int, ctor Ctor, src Source, flags Flags) (*Cache, error) {
	setup()
	return newCache(name, objSize, align, ctor, src, flags)
}

func newCache(name string, objSize, align int, ctor Ctor, src Source, flags Flags) (*Cache, error) {
	if name == "" {
		return nil, ErrInvalidName
	}
	if objSize <= 0 {
		return nil, errors.Wrapf(ErrInvalidSize, "cache %s: %d", name, objSize)
	}
	if align == 0 {
		align = AlignMin
	}
	if align < 0 || !unsafex.IsPow2(uintptr(align)) || align >= malloc.PageSize {
		return nil, errors.Wrapf(ErrInvalidAlign, "cache %s: %d", name, align)
	}
	if align < AlignMin {
		align = AlignMin
	}
	if src == nil {
		src = DefaultSource()
	}
	if debug.Load() {
		flags |= FlagVerify
	}

	c := &Cache{
		name:    name,
		objSize: objSize,
		align:   align,
		ctor:    ctor,
		source:  src,
	}
	c.bufSize = alignUp(objSize, align)
	c.bufctlDist = c.bufSize - bufctlSize
	if flags&FlagVerify != 0 {
		c.addDebug()
	}
	c.computeSizes(flags)
	if c.useTree() {
		c.active = btree.NewG[*slab](8, func(a, b *slab) bool { return a.addr < b.addr })
	}

	if flags&FlagNoCPUPool != 0 {
		c.flags |= cfNoCPUPool
	} else {
		c.poolType = poolTypeFor(c.bufSize)
		for i := range c.pools {
			c.pools[i].init(c)
		}
	}

	register(c)
	level.Debug(logger).Log("msg", "cache created", "cache", name, "obj_size", objSize,
		"buf_size", c.bufSize, "slab_size", c.slabSize, "bufs_per_slab", c.bufsPerSlab)
	return c, nil
}

// addDebug grows buffers to hold a redzone word and a buftag after the object.
func (c *Cache) addDebug() {
	c.flags |= cfVerify
	c.bufctlDist = c.bufSize
	c.buftagDist = c.bufctlDist + bufctlSize
	c.redzonePad = c.bufctlDist - c.objSize
	c.bufSize = alignUp(c.buftagDist+buftagSize, c.align)
}

// computeSizes picks the slab size wasting the least memory, trying larger
// page multiples until a slab holds minBufsPerSlab buffers or reaches
// slabSizeThreshold.
func (c *Cache) computeSizes(flags Flags) {
	noOffSlab := flags&FlagNoOffSlab != 0 || c.bufSize < bufSizeThreshold

	var (
		wasteMin     = -1
		optimalSize  int
		optimalEmbed bool
	)
	for i := 1; ; i++ {
		slabSize := alignUp(i*c.bufSize, malloc.PageSize)
		freeSize := slabSize
		if noOffSlab {
			freeSize -= footerSize
		}
		buffers := freeSize / c.bufSize
		waste := freeSize % c.bufSize
		if buffers > i {
			i = buffers
		}

		embed := noOffSlab
		if !embed && footerSize <= waste {
			embed = true
			waste -= footerSize
		}
		if buffers > 0 && (wasteMin < 0 || waste <= wasteMin) {
			wasteMin = waste
			optimalSize = slabSize
			optimalEmbed = embed
		}
		if buffers > 0 && (buffers >= minBufsPerSlab || slabSize >= slabSizeThreshold) {
			break
		}
	}

	c.slabSize = optimalSize
	avail := optimalSize
	if optimalEmbed {
		avail -= footerSize
		if optimalSize == malloc.PageSize {
			c.flags |= cfDirect
		}
	} else {
		c.flags |= cfSlabExternal
	}
	c.bufsPerSlab = avail / c.bufSize
	c.colorMax = avail % c.bufSize
	if c.colorMax >= malloc.PageSize {
		c.colorMax = malloc.PageSize - 1
	}
}

// useTree reports whether slabs are found through the active tree. Direct
// caches locate slabs by address, but verify mode needs the tree to vet
// arbitrary addresses.
func (c *Cache) useTree() bool {
	return c.flags&cfDirect == 0 || c.flags&cfVerify != 0
}

// Name returns the name given to NewCache.
func (c *Cache) Name() string { return c.name }

// ObjSize returns the object size given to NewCache.
func (c *Cache) ObjSize() int { return c.objSize }

// Verify reports whether debugging checks are enabled.
func (c *Cache) Verify() bool { return c.flags&cfVerify != 0 }

// Alloc returns a new object, or nil if the source is exhausted.
func (c *Cache) Alloc() unsafe.Pointer {
	if c.poolType != nil {
		if buf, done := c.allocFromPool(); done {
			return unsafex.Pointer(buf)
		}
	}

	var buf uintptr
	for {
		c.mu.Lock()
		buf = c.allocFromSlab()
		c.mu.Unlock()
		if buf != 0 {
			break
		}
		if !c.grow() {
			return nil
		}
	}

	if c.flags&cfVerify != 0 {
		c.allocVerify(buf, false)
	}
	if c.ctor != nil {
		c.ctor(unsafex.Pointer(buf))
	}
	return unsafex.Pointer(buf)
}

// Free returns obj, which must have been returned by Alloc on c, to the cache.
func (c *Cache) Free(obj unsafe.Pointer) {
	buf := unsafex.Addr(obj)
	if c.poolType != nil {
		if c.freeToPool(buf) {
			return
		}
	} else if c.flags&cfVerify != 0 {
		c.freeVerify(buf)
	}

	c.mu.Lock()
	c.freeToSlab(buf)
	c.mu.Unlock()
}

// Destroy flushes the CPU pools and releases every slab. It fails with
// ErrCacheBusy, leaving the cache usable, if objects are still allocated.
func (c *Cache) Destroy() error {
	c.drain(true)

	c.mu.Lock()
	if c.nrObjs != 0 {
		n := c.nrObjs
		c.mu.Unlock()
		return errors.Wrapf(ErrCacheBusy, "cache %s: %d objects", c.name, n)
	}
	slabs := c.detachFree()
	c.mu.Unlock()

	unregister(c)
	for _, s := range slabs {
		c.destroySlab(s)
	}
	level.Debug(logger).Log("msg", "cache destroyed", "cache", c.name, "slabs", len(slabs))
	return nil
}

func alignUp(x, align int) int {
	return int(unsafex.AlignUp(uintptr(x), uintptr(align)))
}
