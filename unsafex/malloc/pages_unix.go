//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

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
	"golang.org/x/sys/unix"

	"github.com/cloudwego/kmem/unsafex"
)

func mapPages(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func unmapPages(addr uintptr, size int) error {
	// unix.Munmap looks the mapping up by its last byte, which a rebuilt
	// slice of the same address and size shares.
	return unix.Munmap(unsafex.Bytes(addr, size))
}
