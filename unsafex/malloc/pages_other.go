//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

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

	"github.com/bytedance/gopkg/lang/dirtmake"
	"github.com/pkg/errors"

	"github.com/cloudwego/kmem/unsafex"
)

// heapMappings keeps Go heap arenas reachable while they are handed out by address.
var heapMappings sync.Map // uintptr -> []byte

func mapPages(size int) ([]byte, error) {
	b := dirtmake.Bytes(size+PageSize, size+PageSize)
	base := unsafex.BytesAddr(b)
	off := int(unsafex.AlignUp(base, PageSize) - base)
	b = b[off : off+size : off+size]
	heapMappings.Store(unsafex.BytesAddr(b), b)
	return b, nil
}

func unmapPages(addr uintptr, size int) error {
	v, ok := heapMappings.LoadAndDelete(addr)
	if !ok || len(v.([]byte)) != size {
		return errors.Errorf("malloc: no mapping of %d bytes at %#x", size, addr)
	}
	return nil
}
