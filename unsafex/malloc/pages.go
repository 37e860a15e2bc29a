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
	"github.com/pkg/errors"

	"github.com/cloudwego/kmem/unsafex"
)

// MapPages obtains size bytes, rounded up to whole pages, directly from the
// operating system. It returns 0 on failure. The memory is page aligned and its
// content is undefined.
func MapPages(size int) uintptr {
	if size <= 0 {
		return 0
	}
	b, err := mapPages(roundPages(size))
	if err != nil {
		return 0
	}
	return unsafex.BytesAddr(b)
}

// UnmapPages releases memory returned by MapPages. size must be the value
// passed to MapPages.
func UnmapPages(addr uintptr, size int) {
	if err := unmapPages(addr, roundPages(size)); err != nil {
		fatal("unmap failed", "addr", hexAddr(addr), "size", size, "err", err)
	}
}

// NewArena returns a page-aligned arena of size bytes, rounded up to whole
// pages, suitable for Load.
func NewArena(size int) ([]byte, error) {
	if size <= 0 {
		return nil, errors.Wrapf(ErrInvalidArena, "arena size %d", size)
	}
	b, err := mapPages(roundPages(size))
	if err != nil {
		return nil, errors.Wrap(err, "malloc: map arena")
	}
	return b, nil
}

func roundPages(size int) int {
	return int(unsafex.AlignUp(uintptr(size), PageSize))
}
