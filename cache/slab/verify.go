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
	"unsafe"

	"github.com/go-kit/log/level"

	"github.com/cloudwego/kmem/unsafex"
)

const (
	freePattern   = 0xefefefefefefefef
	uninitPattern = 0xdededededededede
	redzoneWord   = uintptr(0xfeedfacefeedface & uint64(^uintptr(0)))
	redzoneByte   = 0xbb
	buftagAlloc   = 0xa110c8eda110c8ed
	buftagFree    = 0xf4eeb10cf4eeb10c
)

// RedzoneByte is the value verify mode writes between the end of an object
// and the end of its buffer.
const RedzoneByte = redzoneByte

// Kind is the kind of a corruption found in verify mode.
type Kind int

const (
	KindInvalid    Kind = iota + 1 // freed address is not an object of the cache
	KindDoubleFree                 // object freed twice
	KindBuftag                     // buftag holds neither state
	KindModified                   // free buffer written to
	KindRedzone                    // write beyond the end of an object
)

var kindNames = [...]string{
	KindInvalid:    "invalid object",
	KindDoubleFree: "double free",
	KindBuftag:     "invalid buftag content",
	KindModified:   "free buffer modified",
	KindRedzone:    "write beyond object boundary",
}

func (k Kind) String() string {
	if k <= 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// CorruptionError describes memory corruption detected in verify mode. It is
// logged and then raised with panic.
type CorruptionError struct {
	Cache  string
	Kind   Kind
	Buf    uintptr // start of the buffer
	Addr   uintptr // offending address, 0 for KindInvalid and KindDoubleFree
	Off    int     // Addr - Buf
	Detail string
}

func (e *CorruptionError) Error() string {
	msg := fmt.Sprintf("slab: cache %s: %s, buffer %s", e.Cache, e.Kind, hexAddr(e.Buf))
	if e.Addr != 0 {
		msg += fmt.Sprintf(", address %s (offset %d)", hexAddr(e.Addr), e.Off)
	}
	if e.Detail != "" {
		msg += ", " + e.Detail
	}
	return msg
}

// corrupted reports a corruption of buf and panics.
func (c *Cache) corrupted(buf uintptr, kind Kind, addr uintptr) {
	e := &CorruptionError{Cache: c.name, Kind: kind, Buf: buf}
	if addr != 0 {
		e.Addr = addr
		e.Off = int(addr - buf)
	}
	switch kind {
	case KindBuftag:
		e.Detail = fmt.Sprintf("state %#x", unsafex.Load64(addr))
	case KindModified, KindRedzone:
		e.Detail = fmt.Sprintf("byte %#x", unsafex.Bytes(addr, 1)[0])
	}
	level.Error(logger).Log("msg", "memory corruption", "cache", c.name, "kind", kind,
		"buf", hexAddr(buf), "addr", hexAddr(e.Addr), "offset", e.Off, "detail", e.Detail)
	panic(e)
}

// allocVerify checks a buffer leaving the cache and arms its redzone. Objects
// of caches with a constructor are zeroed, others are filled with the uninit
// pattern.
func (c *Cache) allocVerify(buf uintptr, construct bool) {
	tag := c.buftag(buf)
	if tag.state != buftagFree {
		c.corrupted(buf, KindBuftag, uintptr(unsafe.Pointer(tag)))
	}
	fill := uint64(uninitPattern)
	if c.ctor != nil {
		fill = 0
	}
	if bad := unsafex.CheckFill64(buf, freePattern, fill, c.bufctlDist); bad != 0 {
		c.corrupted(buf, KindModified, bad)
	}
	unsafex.Memset(buf+uintptr(c.objSize), redzoneByte, c.redzonePad)
	c.bufctl(buf).next = redzoneWord
	tag.state = buftagAlloc
	if construct && c.ctor != nil {
		c.ctor(unsafex.Pointer(buf))
	}
}

// freeVerify checks a buffer coming back to the cache and poisons it.
func (c *Cache) freeVerify(buf uintptr) {
	c.mu.Lock()
	s := c.lookup(buf)
	valid := s != nil && c.contains(s, buf)
	c.mu.Unlock()
	if !valid {
		c.corrupted(buf, KindInvalid, 0)
	}

	tag := c.buftag(buf)
	switch tag.state {
	case buftagAlloc:
	case buftagFree:
		c.corrupted(buf, KindDoubleFree, 0)
	default:
		c.corrupted(buf, KindBuftag, uintptr(unsafe.Pointer(tag)))
	}
	if bad := unsafex.CheckBytes(buf+uintptr(c.objSize), redzoneByte, c.redzonePad); bad != 0 {
		c.corrupted(buf, KindRedzone, bad)
	}
	if ctl := c.bufctl(buf); ctl.next != redzoneWord {
		c.corrupted(buf, KindRedzone, uintptr(unsafe.Pointer(ctl)))
	}
	unsafex.Fill64(buf, freePattern, c.bufctlDist)
	tag.state = buftagFree
}

func (c *Cache) createSlabVerify(s *slab) {
	buf := s.addr
	for i := 0; i < c.bufsPerSlab; i++ {
		unsafex.Fill64(buf, freePattern, c.bufctlDist)
		c.buftag(buf).state = buftagFree
		buf += uintptr(c.bufSize)
	}
}

// destroySlabVerify checks that no free buffer was written to while cached.
func (c *Cache) destroySlabVerify(s *slab) {
	buf := s.addr
	for i := 0; i < c.bufsPerSlab; i++ {
		tag := c.buftag(buf)
		if tag.state != buftagFree {
			c.corrupted(buf, KindBuftag, uintptr(unsafe.Pointer(tag)))
		}
		if bad := unsafex.Check64(buf, freePattern, c.bufctlDist); bad != 0 {
			c.corrupted(buf, KindModified, bad)
		}
		buf += uintptr(c.bufSize)
	}
}

func hexAddr(addr uintptr) string {
	return fmt.Sprintf("%#x", addr)
}

// Report raises a corruption of kind found at addr in obj, an object of c, by
// a layer built on top of the cache. It does not return.
func (c *Cache) Report(obj unsafe.Pointer, kind Kind, addr uintptr) {
	c.corrupted(uintptr(obj), kind, addr)
}
