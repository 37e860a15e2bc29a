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

// Package testutils holds helpers shared by kmem tests.
package testutils

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/cloudwego/kmem/unsafex/malloc"
)

// NewAllocator returns a buddy allocator over a private arena of the given
// number of pages. The arena is never unmapped: caches still registered after
// a test may touch their slabs when reaped.
func NewAllocator(tb testing.TB, pages int) *malloc.Allocator {
	tb.Helper()
	arena, err := malloc.NewArena(pages * malloc.PageSize)
	require.NoError(tb, err)
	a := malloc.New()
	_, err = a.Load(tb.Name(), arena, malloc.PriorityNormal)
	require.NoError(tb, err)
	return a
}

// PageSource serves slabs from a private allocator and counts its calls. It
// satisfies slab.Source.
type PageSource struct {
	*malloc.Allocator

	allocs atomic.Int64
	frees  atomic.Int64
	fails  atomic.Int64
}

// NewPageSource returns a source of at most pages pages.
func NewPageSource(tb testing.TB, pages int) *PageSource {
	tb.Helper()
	return &PageSource{Allocator: NewAllocator(tb, pages)}
}

func (s *PageSource) Alloc(size int) uintptr {
	addr := s.AllocPages(size)
	if addr == 0 {
		s.fails.Inc()
		return 0
	}
	s.allocs.Inc()
	return addr
}

func (s *PageSource) Free(addr uintptr, size int) {
	s.frees.Inc()
	s.FreePages(addr, size)
}

// Allocs returns the number of successful Alloc calls.
func (s *PageSource) Allocs() int { return int(s.allocs.Load()) }

// Frees returns the number of Free calls.
func (s *PageSource) Frees() int { return int(s.frees.Load()) }

// Fails returns the number of Alloc calls that found no memory.
func (s *PageSource) Fails() int { return int(s.fails.Load()) }

// InUse returns the number of blocks allocated and not freed.
func (s *PageSource) InUse() int { return s.Allocs() - s.Frees() }
