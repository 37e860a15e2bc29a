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

// Package metrics exports kmem statistics to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cloudwego/kmem/cache/slab"
	"github.com/cloudwego/kmem/unsafex/malloc"
)

// Collector reports the state of every live cache and of the segments of a
// buddy allocator each time it is scraped.
type Collector struct {
	alloc *malloc.Allocator

	cacheObjects   *prometheus.Desc
	cacheBuffers   *prometheus.Desc
	cacheSlabs     *prometheus.Desc
	cacheFreeSlabs *prometheus.Desc
	cacheMemory    *prometheus.Desc
	segFreePages   *prometheus.Desc
	segPages       *prometheus.Desc
	gcRuns         *prometheus.Desc
	gcReapedSlabs  *prometheus.Desc
}

// NewCollector returns a collector for the process-wide caches and the
// segments of the default buddy allocator.
func NewCollector() *Collector {
	return NewCollectorFor(malloc.Default())
}

// NewCollectorFor is like NewCollector but reports the segments of a.
func NewCollectorFor(a *malloc.Allocator) *Collector {
	return &Collector{
		alloc: a,
		cacheObjects: prometheus.NewDesc(
			"kmem_cache_objects",
			"Objects allocated from the cache and not yet freed.",
			[]string{"cache"}, nil,
		),
		cacheBuffers: prometheus.NewDesc(
			"kmem_cache_buffers",
			"Buffers in the slabs of the cache.",
			[]string{"cache"}, nil,
		),
		cacheSlabs: prometheus.NewDesc(
			"kmem_cache_slabs",
			"Slabs held by the cache.",
			[]string{"cache"}, nil,
		),
		cacheFreeSlabs: prometheus.NewDesc(
			"kmem_cache_free_slabs",
			"Slabs of the cache with no allocated buffer.",
			[]string{"cache"}, nil,
		),
		cacheMemory: prometheus.NewDesc(
			"kmem_cache_memory_bytes",
			"Bytes of memory held by the slabs of the cache.",
			[]string{"cache"}, nil,
		),
		segFreePages: prometheus.NewDesc(
			"kmem_segment_free_pages",
			"Free pages of the segment, including pages cached by CPU pools.",
			[]string{"segment"}, nil,
		),
		segPages: prometheus.NewDesc(
			"kmem_segment_pages",
			"Pages managed by the segment.",
			[]string{"segment"}, nil,
		),
		gcRuns: prometheus.NewDesc(
			"kmem_gc_runs_total",
			"Reap passes over every cache.",
			nil, nil,
		),
		gcReapedSlabs: prometheus.NewDesc(
			"kmem_gc_reaped_slabs_total",
			"Slabs released by reap passes.",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cacheObjects
	ch <- c.cacheBuffers
	ch <- c.cacheSlabs
	ch <- c.cacheFreeSlabs
	ch <- c.cacheMemory
	ch <- c.segFreePages
	ch <- c.segPages
	ch <- c.gcRuns
	ch <- c.gcReapedSlabs
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	seen := make(map[string]bool)
	slab.Walk(func(cache *slab.Cache) bool {
		st := cache.Stats()
		// Names need not be unique; the first cache wins.
		if seen[st.Name] {
			return true
		}
		seen[st.Name] = true
		ch <- prometheus.MustNewConstMetric(c.cacheObjects, prometheus.GaugeValue, float64(st.NrObjs), st.Name)
		ch <- prometheus.MustNewConstMetric(c.cacheBuffers, prometheus.GaugeValue, float64(st.NrBufs), st.Name)
		ch <- prometheus.MustNewConstMetric(c.cacheSlabs, prometheus.GaugeValue, float64(st.NrSlabs), st.Name)
		ch <- prometheus.MustNewConstMetric(c.cacheFreeSlabs, prometheus.GaugeValue, float64(st.NrFreeSlabs), st.Name)
		ch <- prometheus.MustNewConstMetric(c.cacheMemory, prometheus.GaugeValue, float64(st.Memory()), st.Name)
		return true
	})

	for _, s := range c.alloc.Segments() {
		st := s.Stats()
		ch <- prometheus.MustNewConstMetric(c.segFreePages, prometheus.GaugeValue, float64(st.FreePages+st.PoolPages), st.Name)
		ch <- prometheus.MustNewConstMetric(c.segPages, prometheus.GaugeValue, float64(st.NrPages), st.Name)
	}

	gc := slab.ReadGCStats()
	ch <- prometheus.MustNewConstMetric(c.gcRuns, prometheus.CounterValue, float64(gc.Runs))
	ch <- prometheus.MustNewConstMetric(c.gcReapedSlabs, prometheus.CounterValue, float64(gc.ReapedSlabs))
}
