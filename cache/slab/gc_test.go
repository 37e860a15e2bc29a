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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReapAll(t *testing.T) {
	c, src := newTestCache(t, 64, 8, nil, FlagNoCPUPool, 16)
	c.Free(c.Alloc())
	require.Equal(t, 1, src.InUse())

	before := ReadGCStats()
	require.GreaterOrEqual(t, ReapAll(), 1)
	after := ReadGCStats()
	require.Equal(t, before.Runs+1, after.Runs)
	require.GreaterOrEqual(t, after.ReapedSlabs-before.ReapedSlabs, uint64(1))
	require.Zero(t, src.InUse())
}

func TestGCLoop(t *testing.T) {
	c, src := newTestCache(t, 64, 8, nil, FlagNoCPUPool, 16)
	c.Free(c.Alloc())

	done, exited := make(chan struct{}), make(chan struct{})
	go func() {
		defer close(exited)
		gcLoop(time.Millisecond, done)
	}()
	defer func() {
		close(done)
		<-exited
	}()

	require.Eventually(t, func() bool { return src.InUse() == 0 }, 5*time.Second, time.Millisecond)
	require.Zero(t, c.Stats().NrSlabs)
}
