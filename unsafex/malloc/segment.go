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

package malloc

import (
	"sync"

	"github.com/cloudwego/kmem/internal/cpu"
	"github.com/cloudwego/kmem/unsafex"
)

const (
	poolMaxSize       = 128
	poolRatio         = 1024
	poolTransferRatio = 2

	nilPage = -1
	noOrder = -1
)

// Page describes one page of a segment.
type Page struct {
	addr uintptr
	seg  *Segment

	// level is the free list this page heads, or LevelAllocated.
	level int
	// order is the level of the allocated block headed by this page, or
	// noOrder while the page is free, pooled or inside another block.
	order int

	next, prev int32
}

// Addr returns the address of the page.
func (p *Page) Addr() uintptr { return p.addr }

// Segment returns the segment owning the page.
func (p *Page) Segment() *Segment { return p.seg }

// Level returns the free list level headed by the page, or LevelAllocated.
func (p *Page) Level() int { return p.level }

type freeList struct {
	head int32
	size int
}

// pagePool is a per-CPU stack of single pages.
type pagePool struct {
	mu    sync.Mutex
	pages []int32 // cap is the pool size

	_ cpu.CacheLinePad
}

// Segment is a contiguous range of pages managed as a buddy system.
type Segment struct {
	name  string
	prio  Priority
	arena []byte // keeps heap-backed arenas reachable
	start uintptr
	end   uintptr
	pages []Page

	transferSize int
	pools        [cpu.MaxCPUs]pagePool

	mu        sync.Mutex
	freeLists [NrFreeLists]freeList
	nrFree    int
}

func newSegment(name string, arena []byte, prio Priority) *Segment {
	start := unsafex.BytesAddr(arena)
	nrPages := len(arena) >> PageShift
	s := &Segment{
		name:  name,
		prio:  prio,
		arena: arena,
		start: start,
		end:   start + uintptr(nrPages)<<PageShift,
		pages: make([]Page, nrPages),
	}
	for i := range s.freeLists {
		s.freeLists[i].head = nilPage
	}
	for i := range s.pages {
		p := &s.pages[i]
		p.addr = start + uintptr(i)<<PageShift
		p.seg = s
		p.level = LevelAllocated
		p.order = noOrder
		p.next, p.prev = nilPage, nilPage
	}

	poolSize := nrPages / (poolRatio * cpu.Count())
	if poolSize == 0 {
		poolSize = 1
	} else if poolSize > poolMaxSize {
		poolSize = poolMaxSize
	}
	s.transferSize = (poolSize + poolTransferRatio - 1) / poolTransferRatio
	for i := range s.pools {
		s.pools[i].pages = make([]int32, 0, poolSize)
	}

	// carve the range into the largest naturally aligned blocks
	for idx := 0; idx < nrPages; {
		level := NrFreeLists - 1
		for level > 0 && (idx&(1<<level-1) != 0 || idx+1<<level > nrPages) {
			level--
		}
		s.push(level, int32(idx))
		idx += 1 << level
	}
	s.nrFree = nrPages
	return s
}

// Name returns the segment name.
func (s *Segment) Name() string { return s.name }

// Priority returns the segment priority class.
func (s *Segment) Priority() Priority { return s.prio }

// Start returns the address of the first page.
func (s *Segment) Start() uintptr { return s.start }

// End returns the address following the last page.
func (s *Segment) End() uintptr { return s.end }

// NrPages returns the number of pages of the segment.
func (s *Segment) NrPages() int { return len(s.pages) }

// Contains reports whether addr falls inside the segment.
func (s *Segment) Contains(addr uintptr) bool {
	return addr >= s.start && addr < s.end
}

// PageOf returns the descriptor of the page containing addr, or nil.
func (s *Segment) PageOf(addr uintptr) *Page {
	if !s.Contains(addr) {
		return nil
	}
	return &s.pages[(addr-s.start)>>PageShift]
}

// FreeListLen returns the number of free blocks at level.
func (s *Segment) FreeListLen(level int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.freeLists[level].size
}

// SegmentStats is a snapshot of a segment.
type SegmentStats struct {
	Name      string
	Priority  Priority
	NrPages   int
	FreePages int // pages in the buddy free lists
	PoolPages int // pages cached by per-CPU pools
	FreeLists [NrFreeLists]int
}

// Stats returns a snapshot of the segment.
func (s *Segment) Stats() SegmentStats {
	st := SegmentStats{Name: s.name, Priority: s.prio, NrPages: len(s.pages)}
	for i := range s.pools {
		pool := &s.pools[i]
		pool.mu.Lock()
		st.PoolPages += len(pool.pages)
		pool.mu.Unlock()
	}
	s.mu.Lock()
	st.FreePages = s.nrFree
	for i := range s.freeLists {
		st.FreeLists[i] = s.freeLists[i].size
	}
	s.mu.Unlock()
	return st
}

// push inserts the block headed by idx at the head of the level free list.
func (s *Segment) push(level int, idx int32) {
	l := &s.freeLists[level]
	p := &s.pages[idx]
	p.level = level
	p.prev = nilPage
	p.next = l.head
	if l.head != nilPage {
		s.pages[l.head].prev = idx
	}
	l.head = idx
	l.size++
}

// remove unlinks the block headed by idx from the level free list.
func (s *Segment) remove(level int, idx int32) {
	l := &s.freeLists[level]
	p := &s.pages[idx]
	if p.prev != nilPage {
		s.pages[p.prev].next = p.next
	} else {
		l.head = p.next
	}
	if p.next != nilPage {
		s.pages[p.next].prev = p.prev
	}
	p.next, p.prev = nilPage, nilPage
	p.level = LevelAllocated
	l.size--
}

// allocFromBuddy returns the first page of a free block of 2^level pages, or
// nilPage. s.mu must be held.
func (s *Segment) allocFromBuddy(level int) int32 {
	i := level
	for i < NrFreeLists && s.freeLists[i].size == 0 {
		i++
	}
	if i == NrFreeLists {
		return nilPage
	}
	idx := s.freeLists[i].head
	s.remove(i, idx)
	for i > level {
		i--
		s.push(i, idx+1<<i)
	}
	s.pages[idx].order = level
	s.nrFree -= 1 << level
	return idx
}

// freeToBuddy releases the block of 2^level pages headed by idx, merging it
// with its buddies while they are free. s.mu must be held.
func (s *Segment) freeToBuddy(idx int32, level int) {
	nr := 1 << level
	for level < NrFreeLists-1 {
		buddy := idx ^ int32(1)<<level
		if int(buddy) >= len(s.pages) || s.pages[buddy].level != level {
			break
		}
		s.remove(level, buddy)
		idx &= buddy
		level++
	}
	s.push(level, idx)
	s.nrFree += nr
}

// alloc returns the first page of a block of 2^level pages, or nilPage.
func (s *Segment) alloc(level int) int32 {
	if level == 0 {
		return s.allocPage()
	}
	s.mu.Lock()
	idx := s.allocFromBuddy(level)
	s.mu.Unlock()
	return idx
}

func (s *Segment) free(idx int32, level int) {
	if level == 0 {
		s.freePage(idx)
		return
	}
	s.mu.Lock()
	p := &s.pages[idx]
	if p.order != level {
		order := p.order
		s.mu.Unlock()
		fatal("free of unallocated block", "segment", s.name, "addr", hexAddr(p.addr),
			"level", level, "order", order)
	}
	p.order = noOrder
	s.freeToBuddy(idx, level)
	s.mu.Unlock()
}

func (s *Segment) allocPage() int32 {
	pool := &s.pools[cpu.ID()]
	pool.mu.Lock()
	if len(pool.pages) == 0 && !s.fillPool(pool) {
		pool.mu.Unlock()
		return nilPage
	}
	n := len(pool.pages) - 1
	idx := pool.pages[n]
	pool.pages = pool.pages[:n]
	s.pages[idx].order = 0
	pool.mu.Unlock()
	return idx
}

func (s *Segment) freePage(idx int32) {
	pool := &s.pools[cpu.ID()]
	pool.mu.Lock()
	p := &s.pages[idx]
	if p.order != 0 {
		order := p.order
		pool.mu.Unlock()
		fatal("free of unallocated block", "segment", s.name, "addr", hexAddr(p.addr),
			"level", 0, "order", order)
	}
	p.order = noOrder
	if len(pool.pages) == cap(pool.pages) {
		s.drainPool(pool, s.transferSize)
	}
	pool.pages = append(pool.pages, idx)
	pool.mu.Unlock()
}

// fillPool moves up to transferSize pages from the free lists into pool.
// pool.mu must be held.
func (s *Segment) fillPool(pool *pagePool) bool {
	s.mu.Lock()
	for i := 0; i < s.transferSize; i++ {
		idx := s.allocFromBuddy(0)
		if idx == nilPage {
			break
		}
		s.pages[idx].order = noOrder
		pool.pages = append(pool.pages, idx)
	}
	s.mu.Unlock()
	return len(pool.pages) != 0
}

// drainPool returns up to n pages from pool to the free lists.
// pool.mu must be held.
func (s *Segment) drainPool(pool *pagePool, n int) {
	s.mu.Lock()
	for ; n > 0 && len(pool.pages) != 0; n-- {
		last := len(pool.pages) - 1
		s.freeToBuddy(pool.pages[last], 0)
		pool.pages = pool.pages[:last]
	}
	s.mu.Unlock()
}

// DrainPools returns every page cached by the per-CPU pools to the free lists.
func (s *Segment) DrainPools() {
	for i := range s.pools {
		pool := &s.pools[i]
		pool.mu.Lock()
		s.drainPool(pool, len(pool.pages))
		pool.mu.Unlock()
	}
}
