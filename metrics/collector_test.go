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

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/cloudwego/kmem/cache/slab"
	"github.com/cloudwego/kmem/internal/testutils"
)

// gauge returns the value of the sample of name labelled label=value.
func gauge(t *testing.T, reg *prometheus.Registry, name, label, value string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if matches(m, label, value) {
				if m.GetGauge() != nil {
					return m.GetGauge().GetValue()
				}
				return m.GetCounter().GetValue()
			}
		}
	}
	t.Fatalf("no sample %s{%s=%q}", name, label, value)
	return 0
}

func matches(m *dto.Metric, label, value string) bool {
	if label == "" {
		return len(m.GetLabel()) == 0
	}
	for _, lp := range m.GetLabel() {
		if lp.GetName() == label && lp.GetValue() == value {
			return true
		}
	}
	return false
}

func TestCollector(t *testing.T) {
	a := testutils.NewAllocator(t, 64)
	src := &testutils.PageSource{Allocator: a}
	c, err := slab.NewCache("metrics_test", 64, 8, nil, src, slab.FlagNoCPUPool)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NotNil(t, c.Alloc())
	}

	reg := prometheus.NewPedanticRegistry()
	reg.MustRegister(NewCollectorFor(a))

	require.Equal(t, 3.0, gauge(t, reg, "kmem_cache_objects", "cache", "metrics_test"))
	require.Equal(t, 63.0, gauge(t, reg, "kmem_cache_buffers", "cache", "metrics_test"))
	require.Equal(t, 1.0, gauge(t, reg, "kmem_cache_slabs", "cache", "metrics_test"))
	require.Equal(t, 0.0, gauge(t, reg, "kmem_cache_free_slabs", "cache", "metrics_test"))
	require.Equal(t, 4096.0, gauge(t, reg, "kmem_cache_memory_bytes", "cache", "metrics_test"))
	require.Equal(t, 64.0, gauge(t, reg, "kmem_segment_pages", "segment", t.Name()))
	require.Equal(t, 63.0, gauge(t, reg, "kmem_segment_free_pages", "segment", t.Name()))

	runs := gauge(t, reg, "kmem_gc_runs_total", "", "")
	slab.ReapAll()
	require.Equal(t, runs+1, gauge(t, reg, "kmem_gc_runs_total", "", ""))
}

func TestCollectorLint(t *testing.T) {
	problems, err := testutil.CollectAndLint(NewCollector())
	require.NoError(t, err)
	require.Empty(t, problems)
}
