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

// Package malloc implements the page-granularity buddy allocator kmem uses as
// its default source of raw memory.
//
// Memory is organised in segments: contiguous, page-aligned arenas registered
// once at start-up with a priority class. Each segment keeps NrFreeLists free
// lists, list i holding blocks of 2^i pages, and a per-CPU pool of single pages
// so that the most common request never touches the segment lock.
package malloc

import (
	"fmt"
	"math/bits"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/cloudwego/kmem/internal/logutil"
)

const (
	// PageShift is log2(PageSize).
	PageShift = 12

	// PageSize is the allocation granularity of the buddy allocator.
	PageSize = 1 << PageShift

	// NrFreeLists is the number of free lists per segment.
	// The largest block is 2^(NrFreeLists-1) pages (4MB).
	NrFreeLists = 11

	// LevelAllocated is the level of a page that heads no free block.
	LevelAllocated = NrFreeLists

	// MaxSegments is the size of the segment table.
	MaxSegments = 8
)

var (
	// ErrSegmentTableFull is returned by Load once MaxSegments segments are registered.
	ErrSegmentTableFull = errors.New("malloc: segment table full")

	// ErrInvalidArena is returned by Load for arenas that can't back a segment.
	ErrInvalidArena = errors.New("malloc: invalid arena")
)

// Priority is the class of a segment. Ordinary requests are served by the
// highest class first, so restricted memory (DMA) is used last.
type Priority int

const (
	PriorityDMA Priority = iota
	PriorityDMA32
	PriorityNormal
	PriorityHigh
)

var priorityNames = [...]string{"dma", "dma32", "normal", "high"}

func (p Priority) String() string {
	if p < 0 || int(p) >= len(priorityNames) {
		return fmt.Sprintf("Priority(%d)", int(p))
	}
	return priorityNames[p]
}

// ParsePriority parses the names returned by Priority.String.
func ParsePriority(s string) (Priority, error) {
	for i, name := range priorityNames {
		if name == s {
			return Priority(i), nil
		}
	}
	return 0, errors.Errorf("malloc: unknown segment priority %q", s)
}

var logger = logutil.Default()

// SetLogger replaces the package logger. It must be called before segments
// are loaded.
func SetLogger(l log.Logger) {
	logger = logutil.OrNop(l)
}

// fatal reports a broken caller contract and panics.
func fatal(msg string, keyvals ...interface{}) {
	level.Error(logger).Log(append([]interface{}{"msg", msg}, keyvals...)...)
	panic("malloc: " + msg)
}

// levelOf returns the free list level serving a request of size bytes:
// ceil(log2(pages)).
func levelOf(size int) int {
	pages := (size + PageSize - 1) >> PageShift
	if pages <= 1 {
		return 0
	}
	return bits.Len(uint(pages - 1))
}

// BlockSize returns the number of bytes actually reserved for a request of size bytes.
func BlockSize(size int) int {
	return PageSize << levelOf(size)
}
