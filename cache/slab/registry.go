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
	"sync"
	"unsafe"
)

// registry lists live caches in creation order.
type registry struct {
	mu     sync.Mutex
	caches []*Cache
}

var (
	setupOnce sync.Once
	reg       registry
)

// setup creates the caches backing CPU pool arrays.
func setup() {
	setupOnce.Do(func() {
		for i := range cpuPoolTypes {
			t := &cpuPoolTypes[i]
			name := fmt.Sprintf("kmem_cpu_array_%d", t.arraySize)
			c, err := newCache(name, t.arraySize*ptrSize, t.arrayAlign, nil, nil, FlagNoCPUPool)
			if err != nil {
				panic(err)
			}
			t.arrayCache = c
		}
	})
}

const ptrSize = int(unsafe.Sizeof(uintptr(0)))

func register(c *Cache) {
	reg.mu.Lock()
	reg.caches = append(reg.caches, c)
	reg.mu.Unlock()
}

func unregister(c *Cache) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	for i, cc := range reg.caches {
		if cc == c {
			reg.caches = append(reg.caches[:i], reg.caches[i+1:]...)
			return
		}
	}
}

// Caches returns a snapshot of the live caches in creation order.
func Caches() []*Cache {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return append([]*Cache(nil), reg.caches...)
}

// Walk calls f on every live cache until it returns false.
func Walk(f func(c *Cache) bool) {
	for _, c := range Caches() {
		if !f(c) {
			return
		}
	}
}
