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
	"math/rand"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudwego/kmem/unsafex"
)

func TestLevelOf(t *testing.T) {
	tests := []struct {
		size  int
		level int
	}{
		{1, 0},
		{PageSize, 0},
		{PageSize + 1, 1},
		{2 * PageSize, 1},
		{3 * PageSize, 2},
		{16 * PageSize, 4},
		{17 * PageSize, 5},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.level, levelOf(tt.size), "size=%d", tt.size)
	}
	assert.Equal(t, 4*PageSize, BlockSize(3*PageSize))
}

func TestLoad(t *testing.T) {
	a := New()

	_, err := a.Load("tiny", make([]byte, PageSize-1), PriorityNormal)
	assert.True(t, errors.Is(err, ErrInvalidArena))

	arena := newArena(t, 4)
	_, err = a.Load("misaligned", arena[8:], PriorityNormal)
	assert.True(t, errors.Is(err, ErrInvalidArena))

	_, err = a.Load("badprio", arena, Priority(42))
	assert.Error(t, err)

	s, err := a.Load("ok", arena, PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, 4, s.NrPages())
	assert.Equal(t, "ok", s.Name())
	assert.Equal(t, PriorityNormal, s.Priority())
	assert.Equal(t, 1, s.FreeListLen(2))

	_, err = a.Load("overlap", arena, PriorityNormal)
	assert.True(t, errors.Is(err, ErrInvalidArena))
}

func TestSegmentTableFull(t *testing.T) {
	a := New()
	for i := 0; i < MaxSegments; i++ {
		_, err := a.Load("seg", newArena(t, 1), PriorityNormal)
		require.NoError(t, err)
	}
	_, err := a.Load("seg", newArena(t, 1), PriorityNormal)
	assert.True(t, errors.Is(err, ErrSegmentTableFull))
	assert.Len(t, a.Segments(), MaxSegments)
}

func TestSegmentInitialBlocks(t *testing.T) {
	// 13 pages = 8 + 4 + 1
	a, s := newTestAllocator(t, 13)
	assert.Equal(t, 1, s.FreeListLen(3))
	assert.Equal(t, 1, s.FreeListLen(2))
	assert.Equal(t, 0, s.FreeListLen(1))
	assert.Equal(t, 1, s.FreeListLen(0))

	// the 8 page block can't be split to serve more than 8 pages
	assert.Equal(t, uintptr(0), a.AllocPages(9*PageSize))
	addr := a.AllocPages(8 * PageSize)
	require.NotEqual(t, uintptr(0), addr)
	assert.Equal(t, s.Start(), addr)
}

func TestAllocFreePages(t *testing.T) {
	a, s := newTestAllocator(t, 64)

	assert.Equal(t, uintptr(0), a.AllocPages(0))
	assert.Equal(t, uintptr(0), a.AllocPages(-1))
	assert.Equal(t, uintptr(0), a.AllocPages(PageSize<<NrFreeLists))

	b1 := a.AllocPages(100)
	require.NotEqual(t, uintptr(0), b1)
	assert.True(t, s.Contains(b1))
	assert.Equal(t, uintptr(0), b1&(PageSize-1))

	b2 := a.AllocPages(3 * PageSize)
	require.NotEqual(t, uintptr(0), b2)
	assert.Equal(t, uintptr(0), (b2-s.Start())&(4*PageSize-1), "blocks are naturally aligned")
	assert.False(t, b2 <= b1 && b1 < b2+4*PageSize)

	// memory is usable
	unsafex.Memset(b2, 0xaa, 3*PageSize)
	assert.Equal(t, uintptr(0), unsafex.CheckBytes(b2, 0xaa, 3*PageSize))

	a.FreePages(b2, 3*PageSize)
	a.FreePages(b1, 100)
	s.DrainPools()
	st := s.Stats()
	assert.Equal(t, 64, st.FreePages)
	assert.Equal(t, 0, st.PoolPages)
	assert.Equal(t, 1, st.FreeLists[6])
}

func TestBuddyScenario16Pages(t *testing.T) {
	a, s := newTestAllocator(t, 16)
	require.Equal(t, 1, s.FreeListLen(4))

	b1 := a.AllocPages(2 * PageSize)
	b2 := a.AllocPages(2 * PageSize)
	require.NotEqual(t, uintptr(0), b1)
	require.NotEqual(t, uintptr(0), b2)
	assert.Equal(t, 0, s.FreeListLen(4))

	a.FreePages(b2, 2*PageSize)
	a.FreePages(b1, 2*PageSize)
	assert.Equal(t, 1, s.FreeListLen(4))
	for level := 0; level < 4; level++ {
		assert.Equal(t, 0, s.FreeListLen(level), "level=%d", level)
	}
}

func TestSplitMergeIdempotent(t *testing.T) {
	for k := 1; k <= 4; k++ {
		a, s := newTestAllocator(t, 32)
		before := s.Stats()
		for i := 0; i < 10; i++ {
			addr := a.AllocPages(PageSize << k)
			require.NotEqual(t, uintptr(0), addr)
			a.FreePages(addr, PageSize<<k)
			assert.Equal(t, before, s.Stats(), "k=%d round=%d", k, i)
		}
	}
}

func TestPagePool(t *testing.T) {
	a, s := newTestAllocator(t, 16)

	addr := a.AllocPages(PageSize)
	require.NotEqual(t, uintptr(0), addr)
	st := s.Stats()
	assert.Equal(t, 16-st.PoolPages-1, st.FreePages, "pages taken by the pool fill are off the free lists")

	a.FreePages(addr, PageSize)
	st = s.Stats()
	assert.Equal(t, 16, st.FreePages+st.PoolPages)

	s.DrainPools()
	assert.Equal(t, 1, s.FreeListLen(4))
}

func TestExhaustion(t *testing.T) {
	a, s := newTestAllocator(t, 8)
	var pages []uintptr
	for {
		addr := a.AllocPages(PageSize)
		if addr == 0 {
			break
		}
		pages = append(pages, addr)
	}
	assert.Len(t, pages, 8)
	assert.Equal(t, uintptr(0), a.AllocPages(2*PageSize))

	for _, p := range pages {
		a.FreePages(p, PageSize)
	}
	s.DrainPools()
	assert.NotEqual(t, uintptr(0), a.AllocPages(8*PageSize))
}

func TestPriorityOrder(t *testing.T) {
	a := New()
	dma, err := a.Load("dma", newArena(t, 4), PriorityDMA)
	require.NoError(t, err)
	normal, err := a.Load("normal", newArena(t, 4), PriorityNormal)
	require.NoError(t, err)
	require.Equal(t, []*Segment{normal, dma}, a.Segments())

	// the broadest segment serves ordinary requests first
	b1 := a.AllocPages(4 * PageSize)
	assert.True(t, normal.Contains(b1))
	b2 := a.AllocPages(4 * PageSize)
	assert.True(t, dma.Contains(b2))
	assert.Equal(t, uintptr(0), a.AllocPages(PageSize))

	a.FreePages(b1, 4*PageSize)
	// a DMA-limited request never uses the normal segment
	assert.Equal(t, uintptr(0), a.AllocPagesFrom(PriorityDMA32, 4*PageSize))
	a.FreePages(b2, 4*PageSize)
	b3 := a.AllocPagesFrom(PriorityDMA, 4*PageSize)
	assert.True(t, dma.Contains(b3))
	assert.Equal(t, dma, a.SegmentOf(b3))
	assert.True(t, a.Owns(b3))
	assert.False(t, a.Owns(0))
}

func TestParsePriority(t *testing.T) {
	for p := PriorityDMA; p <= PriorityHigh; p++ {
		got, err := ParsePriority(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
	_, err := ParsePriority("numa")
	assert.Error(t, err)
	assert.Equal(t, "Priority(9)", Priority(9).String())
}

func TestFreeInvalid(t *testing.T) {
	a, s := newTestAllocator(t, 64)
	old := logger
	SetLogger(nil)
	defer func() { logger = old }()

	assert.Panics(t, func() { a.FreePages(0x1000, PageSize) }, "unmanaged")
	assert.Panics(t, func() { a.FreePages(s.Start()+PageSize, 2*PageSize) }, "misaligned")

	b := a.AllocPages(2 * PageSize)
	a.FreePages(b, 2*PageSize)
	assert.Panics(t, func() { a.FreePages(b, 2*PageSize) }, "double free")

	// a freed page sits in a CPU pool and must not be queued twice
	p := a.AllocPages(PageSize)
	require.NotEqual(t, uintptr(0), p)
	a.FreePages(p, PageSize)
	assert.Panics(t, func() { a.FreePages(p, PageSize) }, "double free of a pooled page")
	x, y := a.AllocPages(PageSize), a.AllocPages(PageSize)
	assert.NotEqual(t, x, y)
	a.FreePages(x, PageSize)
	a.FreePages(y, PageSize)

	// the upper buddy of a merged block heads nothing
	lo := a.AllocPages(2 * PageSize)
	hi := a.AllocPages(2 * PageSize)
	require.NotEqual(t, uintptr(0), lo)
	require.NotEqual(t, uintptr(0), hi)
	a.FreePages(lo, 2*PageSize)
	a.FreePages(hi, 2*PageSize)
	assert.Panics(t, func() { a.FreePages(hi, 2*PageSize) }, "double free after merge")
	assert.Panics(t, func() { a.FreePages(lo, 2*PageSize) }, "double free after merge")

	// the size must match the allocation
	q := a.AllocPages(4 * PageSize)
	require.NotEqual(t, uintptr(0), q)
	assert.Panics(t, func() { a.FreePages(q, 2*PageSize) }, "size mismatch")
	a.FreePages(q, 4*PageSize)

	s.DrainPools()
	assert.Equal(t, 64, s.Stats().FreePages)
	assert.Equal(t, 1, s.FreeListLen(6))
}

func TestAllocFreeRandom(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	a, s := newTestAllocator(t, 1024)
	type block struct {
		addr uintptr
		size int
	}
	var live []block
	for i := 0; i < 5000; i++ {
		if len(live) > 0 && rng.Intn(2) == 0 {
			j := rng.Intn(len(live))
			a.FreePages(live[j].addr, live[j].size)
			live[j] = live[len(live)-1]
			live = live[:len(live)-1]
			continue
		}
		size := 1 + rng.Intn(16*PageSize)
		if addr := a.AllocPages(size); addr != 0 {
			for _, b := range live {
				require.False(t, addr < b.addr+uintptr(BlockSize(b.size)) && b.addr < addr+uintptr(BlockSize(size)), "overlap")
			}
			live = append(live, block{addr, size})
		}
	}
	for _, b := range live {
		a.FreePages(b.addr, b.size)
	}
	s.DrainPools()
	st := s.Stats()
	assert.Equal(t, 1024, st.FreePages)
	assert.Equal(t, 1, st.FreeLists[NrFreeLists-1])
}

func TestConcurrentAllocFree(t *testing.T) {
	a, s := newTestAllocator(t, 2048)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 2000; i++ {
				size := PageSize << rng.Intn(3)
				addr := a.AllocPages(size)
				if addr == 0 {
					continue
				}
				unsafex.Store64(addr, uint64(seed))
				assert.Equal(t, uint64(seed), unsafex.Load64(addr))
				a.FreePages(addr, size)
			}
		}(int64(g))
	}
	wg.Wait()
	s.DrainPools()
	assert.Equal(t, 2048, s.Stats().FreePages)
}

func BenchmarkAllocPage(b *testing.B) {
	a := New()
	arena, _ := NewArena(4096 * PageSize)
	_, _ = a.Load("bench", arena, PriorityNormal)
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if addr := a.AllocPages(PageSize); addr != 0 {
				a.FreePages(addr, PageSize)
			}
		}
	})
}

func BenchmarkAllocSizes(b *testing.B) {
	a := New()
	arena, _ := NewArena(4096 * PageSize)
	_, _ = a.Load("bench", arena, PriorityNormal)
	sizes := []int{2 * PageSize, 8 * PageSize, 32 * PageSize, 128 * PageSize}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		size := sizes[i%len(sizes)]
		if addr := a.AllocPages(size); addr != 0 {
			a.FreePages(addr, size)
		}
	}
}

func newArena(t *testing.T, pages int) []byte {
	t.Helper()
	arena, err := NewArena(pages * PageSize)
	require.NoError(t, err)
	return arena
}

func newTestAllocator(t *testing.T, pages int) (*Allocator, *Segment) {
	t.Helper()
	a := New()
	s, err := a.Load("test", newArena(t, pages), PriorityNormal)
	require.NoError(t, err)
	return a, s
}
