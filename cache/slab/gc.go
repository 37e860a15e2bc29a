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
	"context"
	"sync"
	"time"

	"github.com/bytedance/gopkg/util/gopool"
	"github.com/go-kit/log/level"
	"go.uber.org/atomic"
)

// DefaultGCInterval is the reap period used by StartGC for non-positive
// intervals.
const DefaultGCInterval = 5 * time.Second

var (
	gcOnce   sync.Once
	gcRuns   atomic.Uint64
	gcReaped atomic.Uint64
)

// StartGC starts the background task reaping every cache each interval. Only
// the first call has an effect; the task runs until the process exits.
func StartGC(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultGCInterval
	}
	gcOnce.Do(func() {
		p := gopool.NewPool("kmem_gc", 1, gopool.NewConfig())
		p.SetPanicHandler(func(_ context.Context, r interface{}) {
			level.Error(logger).Log("msg", "gc task panicked", "err", r)
			panic(r)
		})
		p.Go(func() { gcLoop(interval, nil) })
		level.Info(logger).Log("msg", "gc started", "interval", interval)
	})
}

// gcLoop reaps every interval until done is closed.
func gcLoop(interval time.Duration, done <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			ReapAll()
		case <-done:
			return
		}
	}
}

// ReapAll reaps every registered cache once and returns the number of slabs
// released.
func ReapAll() int {
	n := 0
	Walk(func(c *Cache) bool {
		n += c.Reap()
		return true
	})
	gcRuns.Inc()
	gcReaped.Add(uint64(n))
	level.Debug(logger).Log("msg", "gc pass", "reaped_slabs", n)
	return n
}

// GCStats counts reap passes since start-up, whether run by the GC task or by
// ReapAll.
type GCStats struct {
	Runs        uint64
	ReapedSlabs uint64
}

func ReadGCStats() GCStats {
	return GCStats{Runs: gcRuns.Load(), ReapedSlabs: gcReaped.Load()}
}
