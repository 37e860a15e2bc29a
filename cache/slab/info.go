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
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
)

// Stats is a snapshot of a cache.
type Stats struct {
	Name        string
	ObjSize     int
	Align       int
	BufSize     int
	SlabSize    int
	BufsPerSlab int
	ColorMax    int
	PoolSize    int // CPU pool array size, 0 without CPU pools

	NrObjs      int // allocated and not yet freed by clients
	NrCached    int // held by CPU pools
	NrBufs      int
	NrSlabs     int
	NrFreeSlabs int

	Verify   bool
	Direct   bool
	External bool
}

// Memory returns the number of bytes held by the slabs of the cache.
func (s Stats) Memory() int { return s.NrSlabs * s.SlabSize }

// Reclaimable returns the number of bytes Reap would release.
func (s Stats) Reclaimable() int { return s.NrFreeSlabs * s.SlabSize }

// Stats returns a snapshot of c. CPU pools are sampled before the slab layer,
// so the snapshot is only consistent when c is idle.
func (c *Cache) Stats() Stats {
	st := Stats{
		Name:        c.name,
		ObjSize:     c.objSize,
		Align:       c.align,
		BufSize:     c.bufSize,
		SlabSize:    c.slabSize,
		BufsPerSlab: c.bufsPerSlab,
		ColorMax:    c.colorMax,
		NrCached:    c.cached(),
		Verify:      c.flags&cfVerify != 0,
		Direct:      c.flags&cfDirect != 0,
		External:    c.flags&cfSlabExternal != 0,
	}
	if c.poolType != nil {
		st.PoolSize = c.poolType.arraySize
	}

	c.mu.Lock()
	st.NrObjs = c.nrObjs - st.NrCached
	st.NrBufs = c.nrBufs
	st.NrSlabs = c.nrSlabs
	st.NrFreeSlabs = c.nrFreeSlabs
	c.mu.Unlock()

	if st.NrObjs < 0 {
		st.NrObjs = 0
	}
	return st
}

func (s Stats) flagNames() string {
	var names []string
	if s.Verify {
		names = append(names, "verify")
	}
	if s.Direct {
		names = append(names, "direct")
	}
	if s.External {
		names = append(names, "external")
	}
	if s.PoolSize == 0 {
		names = append(names, "nocpupool")
	}
	return strings.Join(names, ",")
}

// Info writes a description of c to w.
func (c *Cache) Info(w io.Writer) error {
	s := c.Stats()
	_, err := fmt.Fprintf(w, "cache: %s\n"+
		" flags:         %s\n"+
		" obj_size:      %d\n"+
		" align:         %d\n"+
		" buf_size:      %d\n"+
		" bufctl_dist:   %d\n"+
		" slab_size:     %d\n"+
		" color_max:     %d\n"+
		" bufs_per_slab: %d\n"+
		" nr_objs:       %d\n"+
		" nr_cached:     %d\n"+
		" nr_bufs:       %d\n"+
		" nr_slabs:      %d\n"+
		" nr_free_slabs: %d\n"+
		" buftag_dist:   %d\n"+
		" redzone_pad:   %d\n"+
		" cpu_pool_size: %d\n",
		s.Name, s.flagNames(), s.ObjSize, s.Align, s.BufSize, c.bufctlDist,
		s.SlabSize, s.ColorMax, s.BufsPerSlab, s.NrObjs, s.NrCached, s.NrBufs,
		s.NrSlabs, s.NrFreeSlabs, c.buftagDist, c.redzonePad, s.PoolSize)
	return err
}

// Info writes a summary line per live cache to w.
func Info(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "%-24s %8s %9s %6s %8s %8s %10s %11s\n",
		"cache", "obj size", "slab size", "bufs", "objs", "bufs", "memory", "reclaimable"); err != nil {
		return err
	}
	for _, c := range Caches() {
		s := c.Stats()
		if _, err := fmt.Fprintf(w, "%-24s %8d %9s %6d %8d %8d %10s %11s\n",
			s.Name, s.ObjSize, humanize.IBytes(uint64(s.SlabSize)), s.BufsPerSlab,
			s.NrObjs, s.NrBufs, humanize.IBytes(uint64(s.Memory())),
			humanize.IBytes(uint64(s.Reclaimable()))); err != nil {
			return err
		}
	}
	return nil
}
