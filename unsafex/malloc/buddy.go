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
	"fmt"
	"sort"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/cloudwego/kmem/unsafex"
)

// Allocator is a buddy page allocator over a static set of segments.
type Allocator struct {
	mu sync.Mutex // serializes Load

	// segs is sorted by decreasing priority, then registration order.
	// It is replaced, never modified, so readers don't lock.
	segs atomic.Pointer[[]*Segment]
}

// New returns an allocator without segments.
func New() *Allocator {
	a := &Allocator{}
	a.segs.Store(&[]*Segment{})
	return a
}

// Load registers arena as a new segment. The arena must be page aligned and
// hold at least one page; trailing bytes beyond the last whole page are ignored.
// Segments are meant to be loaded at start-up and are never removed.
func (a *Allocator) Load(name string, arena []byte, prio Priority) (*Segment, error) {
	if len(arena) < PageSize {
		return nil, errors.Wrapf(ErrInvalidArena, "segment %s: %d bytes is less than a page", name, len(arena))
	}
	start := unsafex.BytesAddr(arena)
	if start&(PageSize-1) != 0 {
		return nil, errors.Wrapf(ErrInvalidArena, "segment %s: start %#x is not page aligned", name, start)
	}
	if prio < PriorityDMA || prio > PriorityHigh {
		return nil, errors.Errorf("malloc: segment %s: invalid priority %d", name, int(prio))
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	old := *a.segs.Load()
	if len(old) >= MaxSegments {
		return nil, errors.Wrapf(ErrSegmentTableFull, "segment %s", name)
	}
	s := newSegment(name, arena, prio)
	for _, o := range old {
		if s.start < o.end && o.start < s.end {
			return nil, errors.Wrapf(ErrInvalidArena, "segment %s overlaps segment %s", name, o.name)
		}
	}
	segs := make([]*Segment, 0, len(old)+1)
	segs = append(segs, old...)
	segs = append(segs, s)
	sort.SliceStable(segs, func(i, j int) bool { return segs[i].prio > segs[j].prio })
	a.segs.Store(&segs)

	level.Info(logger).Log("msg", "segment loaded", "name", name, "priority", prio,
		"start", hexAddr(s.start), "end", hexAddr(s.end), "size", humanize.IBytes(uint64(s.end-s.start)))
	return s, nil
}

// Segments returns the registered segments, highest priority first.
func (a *Allocator) Segments() []*Segment {
	return *a.segs.Load()
}

// SegmentOf returns the segment containing addr, or nil.
func (a *Allocator) SegmentOf(addr uintptr) *Segment {
	for _, s := range *a.segs.Load() {
		if s.Contains(addr) {
			return s
		}
	}
	return nil
}

// Owns reports whether addr belongs to one of the segments.
func (a *Allocator) Owns(addr uintptr) bool {
	return a.SegmentOf(addr) != nil
}

// AllocPages allocates a block of at least size bytes, rounded up to a power
// of two pages, from any segment. It returns 0 when memory is exhausted.
func (a *Allocator) AllocPages(size int) uintptr {
	return a.AllocPagesFrom(PriorityHigh, size)
}

// AllocPagesFrom is like AllocPages but only uses segments whose priority is
// at most prio, starting with the highest.
func (a *Allocator) AllocPagesFrom(prio Priority, size int) uintptr {
	if size <= 0 {
		return 0
	}
	lvl := levelOf(size)
	if lvl >= NrFreeLists {
		return 0
	}
	for _, s := range *a.segs.Load() {
		if s.prio > prio {
			continue
		}
		if idx := s.alloc(lvl); idx != nilPage {
			return s.pages[idx].addr
		}
	}
	return 0
}

// FreePages releases a block returned by AllocPages. size must be the value
// passed to the matching AllocPages.
func (a *Allocator) FreePages(addr uintptr, size int) {
	s := a.SegmentOf(addr)
	if s == nil {
		fatal("free of unmanaged address", "addr", hexAddr(addr), "size", size)
	}
	lvl := levelOf(size)
	idx := int32((addr - s.start) >> PageShift)
	if addr&(PageSize-1) != 0 || idx&(int32(1)<<lvl-1) != 0 {
		fatal("free of misaligned block", "segment", s.name, "addr", hexAddr(addr), "size", size)
	}
	s.free(idx, lvl)
}

var defaultAllocator = New()

// Default returns the process-wide allocator used by the package functions.
func Default() *Allocator {
	return defaultAllocator
}

// RegisterSegment loads a segment into the process-wide allocator.
func RegisterSegment(name string, arena []byte, prio Priority) (*Segment, error) {
	return defaultAllocator.Load(name, arena, prio)
}

// AllocPages allocates pages from the process-wide allocator.
func AllocPages(size int) uintptr {
	return defaultAllocator.AllocPages(size)
}

// FreePages releases pages to the process-wide allocator.
func FreePages(addr uintptr, size int) {
	defaultAllocator.FreePages(addr, size)
}

// Owns reports whether addr belongs to the process-wide allocator.
func Owns(addr uintptr) bool {
	return defaultAllocator.Owns(addr)
}

func hexAddr(addr uintptr) string {
	return fmt.Sprintf("%#x", addr)
}
