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

// Package slab implements object caches: typed, fixed-size allocators carving
// page-sized slabs obtained from a Source into buffers.
//
// A Cache serves allocations from a per-CPU pool of ready objects when it can,
// and falls back to its slab layer otherwise. Slabs are kept on a free list
// (no buffer allocated) or a partial list sorted by decreasing reference count,
// so allocations concentrate on the fullest slabs and empty slabs can be
// reaped. A cache created with FlagVerify (or any cache while SetDebug(true) is
// in effect) checks every allocation and free for corruption.
package slab

import (
	"unsafe"

	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/cloudwego/kmem/internal/logutil"
	"github.com/cloudwego/kmem/unsafex/malloc"
)

// Flags control the creation of a cache.
type Flags uint32

const (
	// FlagVerify enables debugging checks on every allocation and free.
	FlagVerify Flags = 1 << iota

	// FlagNoCPUPool disables the per-CPU layer: every request takes the cache lock.
	FlagNoCPUPool

	// FlagNoOffSlab forces slab metadata to be embedded in the slab.
	FlagNoOffSlab
)

const (
	// AlignMin is the minimum (and default) buffer alignment.
	AlignMin = 8

	// minBufsPerSlab and slabSizeThreshold stop the slab size search.
	minBufsPerSlab    = 8
	slabSizeThreshold = 8 * malloc.PageSize

	// Buffers smaller than this always embed slab metadata.
	bufSizeThreshold = malloc.PageSize / 8
)

var (
	ErrInvalidSize  = errors.New("slab: invalid object size")
	ErrInvalidAlign = errors.New("slab: invalid alignment")
	ErrInvalidName  = errors.New("slab: invalid cache name")
	ErrCacheBusy    = errors.New("slab: cache has allocated objects")
)

// Ctor initialises a newly constructed object. It runs once per object each
// time it leaves the slab layer, before the object is handed out.
type Ctor func(obj unsafe.Pointer)

// Source provides the page-aligned memory backing slabs. Alloc returns 0 when
// no memory is available. Free is called with the size given to Alloc.
type Source interface {
	Alloc(size int) uintptr
	Free(addr uintptr, size int)
}

// SourceFuncs adapts a pair of functions to Source.
type SourceFuncs struct {
	AllocFunc func(size int) uintptr
	FreeFunc  func(addr uintptr, size int)
}

func (s SourceFuncs) Alloc(size int) uintptr { return s.AllocFunc(size) }

func (s SourceFuncs) Free(addr uintptr, size int) { s.FreeFunc(addr, size) }

type defaultSource struct{}

// maxBuddySize is the largest block the buddy allocator serves.
const maxBuddySize = malloc.PageSize << (malloc.NrFreeLists - 1)

// DefaultSource returns the source used when NewCache is given nil. It
// allocates from the buddy allocator once segments are registered, and maps
// pages from the OS otherwise or for blocks too large for a segment.
func DefaultSource() Source {
	return defaultSource{}
}

func (defaultSource) Alloc(size int) uintptr {
	if size <= maxBuddySize && len(malloc.Default().Segments()) != 0 {
		return malloc.AllocPages(size)
	}
	return malloc.MapPages(size)
}

func (defaultSource) Free(addr uintptr, size int) {
	if malloc.Owns(addr) {
		malloc.FreePages(addr, size)
		return
	}
	malloc.UnmapPages(addr, size)
}

// Reclaimer decides when memory released by a cache may be returned to its
// source. The default runs release immediately. A Reclaimer deferring release
// must eventually run every function it is given.
type Reclaimer interface {
	Defer(release func())
}

// ReclaimerFunc adapts a function to Reclaimer.
type ReclaimerFunc func(release func())

func (f ReclaimerFunc) Defer(release func()) { f(release) }

type syncReclaimer struct{}

func (syncReclaimer) Defer(release func()) { release() }

var (
	logger = logutil.Default()

	reclaimer Reclaimer = syncReclaimer{}

	debug atomic.Bool
)

// SetLogger replaces the package logger. It is not safe to call concurrently
// with cache operations.
func SetLogger(l log.Logger) {
	logger = logutil.OrNop(l)
}

// SetReclaimer replaces the reclamation hook; nil restores the synchronous
// default. It is not safe to call concurrently with cache operations.
func SetReclaimer(r Reclaimer) {
	if r == nil {
		r = syncReclaimer{}
	}
	reclaimer = r
}

// SetDebug forces FlagVerify on caches created while it is on.
func SetDebug(on bool) {
	debug.Store(on)
}

// Debug reports whether SetDebug(true) is in effect.
func Debug() bool {
	return debug.Load()
}
