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
	"unsafe"

	"github.com/go-kit/log/level"

	"github.com/cloudwego/kmem/unsafex"
	"github.com/cloudwego/kmem/unsafex/malloc"
)

// bufctl links free buffers. It is overlaid bufctlDist bytes into a buffer;
// in verify mode it holds redzoneWord while the buffer is allocated.
type bufctl struct {
	next uintptr
}

// buftag trails the bufctl in verify mode and records the buffer state.
type buftag struct {
	state uint64
}

// slabFooter ends every slab with embedded metadata. Direct caches find the
// slab descriptor of a buffer through index.
type slabFooter struct {
	magic uint64
	index uint64
}

const (
	bufctlSize = int(unsafe.Sizeof(bufctl{}))
	buftagSize = int(unsafe.Sizeof(buftag{}))
	footerSize = int(unsafe.Sizeof(slabFooter{}))

	slabMagic = 0x5ab5ab5ab5ab5ab5
	noIndex   = ^uint64(0)
)

// slab describes one block obtained from the source. Descriptors live on the
// Go heap; only the footer is written into slab memory.
type slab struct {
	prev, next *slab
	list       *slabList

	nrRefs    int
	firstFree uintptr // address of the first free bufctl, 0 when full
	addr      uintptr // first buffer, base plus color
	base      uintptr
	index     int // in Cache.direct, -1 otherwise
}

func (c *Cache) bufctl(buf uintptr) *bufctl {
	return (*bufctl)(unsafex.Pointer(buf + uintptr(c.bufctlDist)))
}

func (c *Cache) buftag(buf uintptr) *buftag {
	return (*buftag)(unsafex.Pointer(buf + uintptr(c.buftagDist)))
}

func (c *Cache) footer(base uintptr) *slabFooter {
	return (*slabFooter)(unsafex.Pointer(base + uintptr(c.slabSize-footerSize)))
}

// createSlab gets memory from the source and threads every buffer onto the
// slab free list. It is called without the cache lock.
func (c *Cache) createSlab(color int) *slab {
	base := c.source.Alloc(c.slabSize)
	if base == 0 {
		return nil
	}
	if base&(malloc.PageSize-1) != 0 {
		c.source.Free(base, c.slabSize)
		level.Error(logger).Log("msg", "source returned misaligned slab", "cache", c.name, "addr", hexAddr(base))
		return nil
	}
	if c.flags&cfVerify == 0 {
		unsafex.Memclr(base, c.slabSize)
	}

	s := &slab{addr: base + uintptr(color), base: base, index: -1}
	buf := s.addr
	for i := 0; i < c.bufsPerSlab; i++ {
		ctl := c.bufctl(buf)
		ctl.next = s.firstFree
		s.firstFree = unsafex.Addr(unsafe.Pointer(ctl))
		buf += uintptr(c.bufSize)
	}
	if c.flags&cfVerify != 0 {
		c.createSlabVerify(s)
	}
	return s
}

// destroySlab returns the memory of a detached slab to the source.
func (c *Cache) destroySlab(s *slab) {
	if c.flags&cfVerify != 0 {
		c.destroySlabVerify(s)
	}
	base, size, src := s.base, c.slabSize, c.source
	reclaimer.Defer(func() { src.Free(base, size) })
}

// attachSlab publishes a new slab on the free list.
func (c *Cache) attachSlab(s *slab) {
	if c.flags&cfSlabExternal == 0 {
		f := c.footer(s.base)
		f.magic = slabMagic
		f.index = noIndex
		if c.flags&cfDirect != 0 {
			if n := len(c.directFree); n != 0 {
				s.index = c.directFree[n-1]
				c.directFree = c.directFree[:n-1]
				c.direct[s.index] = s
			} else {
				s.index = len(c.direct)
				c.direct = append(c.direct, s)
			}
			f.index = uint64(s.index)
		}
	}
	c.free.pushHead(s)
	c.nrBufs += c.bufsPerSlab
	c.nrSlabs++
	c.nrFreeSlabs++
}

// detachFree unlinks every free slab for destruction.
func (c *Cache) detachFree() []*slab {
	slabs := c.free.detach()
	for _, s := range slabs {
		if s.index >= 0 {
			c.direct[s.index] = nil
			c.directFree = append(c.directFree, s.index)
			s.index = -1
		}
		if c.flags&cfSlabExternal == 0 {
			c.footer(s.base).magic = 0
		}
	}
	c.nrBufs -= len(slabs) * c.bufsPerSlab
	c.nrSlabs -= len(slabs)
	c.nrFreeSlabs -= len(slabs)
	return slabs
}

// lookup returns the active slab whose buffers may contain buf, if any.
func (c *Cache) lookup(buf uintptr) *slab {
	c.pivot.addr = buf
	var found *slab
	c.active.DescendLessOrEqual(&c.pivot, func(s *slab) bool {
		found = s
		return false
	})
	return found
}

// contains reports whether buf is the address of a buffer of s.
func (c *Cache) contains(s *slab, buf uintptr) bool {
	if buf < s.addr {
		return false
	}
	off := int(buf - s.addr)
	return off%c.bufSize == 0 && off/c.bufSize < c.bufsPerSlab
}

// slabOf returns the slab owning an allocated buffer.
func (c *Cache) slabOf(buf uintptr) *slab {
	if c.flags&cfDirect != 0 {
		base := unsafex.AlignDown(buf, malloc.PageSize)
		f := c.footer(base)
		if f.magic == slabMagic && f.index < uint64(len(c.direct)) {
			if s := c.direct[f.index]; s != nil && s.base == base {
				return s
			}
		}
		return nil
	}
	if s := c.lookup(buf); s != nil && c.contains(s, buf) {
		return s
	}
	return nil
}

// allocFromSlab takes a buffer from the first partial slab, or from a free
// slab if none is partial. It returns 0 when both lists are empty. Called
// with the cache lock held.
func (c *Cache) allocFromSlab() uintptr {
	var s *slab
	if !c.partial.empty() {
		s = c.partial.first()
	} else if !c.free.empty() {
		s = c.free.first()
	} else {
		return 0
	}

	ctl := s.firstFree
	s.firstFree = unsafex.LoadUintptr(ctl)
	unsafex.StoreUintptr(ctl, 0)
	s.nrRefs++
	c.nrObjs++

	if s.firstFree == 0 {
		// Full. It was the first partial slab, or a free slab holding a
		// single buffer.
		if s.nrRefs == 1 {
			c.nrFreeSlabs--
		}
		s.list.remove(s)
	} else if s.nrRefs == 1 {
		// Was free, now partial. Its count is the lowest possible.
		c.free.remove(s)
		c.partial.pushTail(s)
		c.nrFreeSlabs--
	} else if !c.partial.singular() {
		// Still partial. Move it towards the head past lower counts.
		if p := s.prev; p != nil && p.nrRefs < s.nrRefs {
			for p.prev != nil && p.prev.nrRefs < s.nrRefs {
				p = p.prev
			}
			c.partial.remove(s)
			c.partial.insertBefore(s, p)
		}
	}

	if s.nrRefs == 1 && c.active != nil {
		c.active.ReplaceOrInsert(s)
	}
	return ctl - uintptr(c.bufctlDist)
}

// freeToSlab returns a buffer to its slab. Called with the cache lock held.
func (c *Cache) freeToSlab(buf uintptr) {
	s := c.slabOf(buf)
	if s == nil || s.nrRefs == 0 {
		c.corrupted(buf, KindInvalid, 0)
	}

	ctl := c.bufctl(buf)
	ctl.next = s.firstFree
	wasFull := s.firstFree == 0
	s.firstFree = unsafex.Addr(unsafe.Pointer(ctl))
	s.nrRefs--
	c.nrObjs--

	if s.nrRefs == 0 {
		if !wasFull {
			c.partial.remove(s)
		}
		c.free.pushHead(s)
		c.nrFreeSlabs++
		if c.active != nil {
			c.active.Delete(s)
		}
	} else if wasFull {
		// Was full, now partial. Its count is the highest possible.
		c.partial.pushHead(s)
	} else if !c.partial.singular() {
		// Still partial. Move it towards the tail past higher counts.
		if n := s.next; n != nil && n.nrRefs > s.nrRefs {
			for n.next != nil && n.next.nrRefs > s.nrRefs {
				n = n.next
			}
			c.partial.remove(s)
			c.partial.insertAfter(s, n)
		}
	}
}

// grow adds a slab to the free list. It reports whether the caller may retry
// allocating from the slab layer.
func (c *Cache) grow() bool {
	c.mu.Lock()
	if !c.free.empty() || !c.partial.empty() {
		c.mu.Unlock()
		return true
	}
	color := c.color
	c.color += c.align
	if c.color > c.colorMax {
		c.color = 0
	}
	c.mu.Unlock()

	s := c.createSlab(color)

	c.mu.Lock()
	if s != nil {
		c.attachSlab(s)
	}
	grown := !c.free.empty() || !c.partial.empty()
	c.mu.Unlock()

	if !grown {
		level.Warn(logger).Log("msg", "cache grow failed", "cache", c.name, "slab_size", c.slabSize)
	}
	return grown
}

// Reap releases every free slab to the source and returns how many were
// released.
func (c *Cache) Reap() int {
	c.mu.Lock()
	slabs := c.detachFree()
	c.mu.Unlock()

	for _, s := range slabs {
		c.destroySlab(s)
	}
	return len(slabs)
}
