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
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/cloudwego/kmem/internal/cpu"
)

func TestPoolTypeFor(t *testing.T) {
	for _, tc := range []struct{ bufSize, arraySize int }{
		{8, 128}, {255, 128}, {256, 64}, {4095, 64}, {4096, 8}, {32767, 8}, {32768, 1}, {1 << 20, 1},
	} {
		require.Equal(t, tc.arraySize, poolTypeFor(tc.bufSize).arraySize, "buf size %d", tc.bufSize)
	}
}

func TestArrayCaches(t *testing.T) {
	setup()
	for i := range cpuPoolTypes {
		pt := &cpuPoolTypes[i]
		require.NotNil(t, pt.arrayCache)
		require.Nil(t, pt.arrayCache.poolType, "array caches have no CPU pool")
		require.Equal(t, pt.arraySize*ptrSize, pt.arrayCache.objSize)
		require.True(t, registered(pt.arrayCache))
	}
}

func TestCPUPool(t *testing.T) {
	pinCPU(t, 0)
	c, _ := newTestCache(t, 64, 8, nil, 0, 64)
	p := &c.pools[0]
	require.Equal(t, 128, p.size)
	require.Equal(t, 64, p.transferSize)

	// The array is built by the first free.
	a := c.Alloc()
	require.Nil(t, p.array)
	c.Free(a)
	require.Len(t, p.array, 128)
	require.Equal(t, 1, p.nrObjs)
	st := c.Stats()
	require.Zero(t, st.NrObjs)
	require.Equal(t, 1, st.NrCached)

	// An empty pool is filled with up to transferSize objects without
	// growing: the only slab has bufsPerSlab-1 free buffers left.
	b := c.Alloc()
	require.Equal(t, a, b)
	require.Equal(t, 63, c.bufsPerSlab)
	d := c.Alloc()
	require.NotNil(t, d)
	require.Equal(t, c.bufsPerSlab-2, p.nrObjs)
	st = c.Stats()
	require.Equal(t, 2, st.NrObjs)
	require.Equal(t, c.bufsPerSlab-2, st.NrCached)
	require.Equal(t, 1, st.NrSlabs)

	c.Drain()
	require.Zero(t, p.nrObjs)
	require.NotNil(t, p.array)
	require.Equal(t, 2, c.Stats().NrObjs)

	c.Free(b)
	c.Free(d)
	require.NoError(t, c.Destroy())
	require.Nil(t, p.array)
}

func TestCPUPoolDrainOnFull(t *testing.T) {
	pinCPU(t, 0)
	c, _ := newTestCache(t, 32768, 8, nil, 0, 256)
	p := &c.pools[0]
	require.Equal(t, 1, p.size)
	require.Equal(t, 1, p.transferSize)

	a, b := c.Alloc(), c.Alloc()
	c.Free(a)
	require.Equal(t, 1, p.nrObjs)
	c.Free(b)
	require.Equal(t, 1, p.nrObjs)
	require.Equal(t, uintptr(b), p.array[0])
	require.Zero(t, c.Stats().NrObjs)

	c.Drain()
	checkSlabs(t, c)
}

func TestCPUPoolBuildRace(t *testing.T) {
	c, _ := newTestCache(t, 128, 8, nil, 0, 256)
	arrays := c.poolType.arrayCache
	before := arrays.Stats().NrObjs

	// Every goroutine frees into pool 0, racing to build its array.
	prev := cpu.SetIDFunc(func() int { return 0 })
	defer cpu.SetIDFunc(prev)

	const n = 16
	objs := make([]unsafe.Pointer, n)
	for i := range objs {
		objs[i] = c.Alloc()
	}
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(p unsafe.Pointer) {
			defer wg.Done()
			c.Free(p)
		}(objs[i])
	}
	wg.Wait()

	require.Equal(t, n, c.pools[0].nrObjs)
	require.Equal(t, before+1, arrays.Stats().NrObjs)
	require.NoError(t, c.Destroy())
	require.Equal(t, before, arrays.Stats().NrObjs)
}
