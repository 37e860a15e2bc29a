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

package logutil

import (
	"bytes"
	"testing"

	"github.com/go-kit/log/level"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)

	require.NoError(t, level.Debug(l).Log("msg", "hidden"))
	require.Empty(t, buf.String())

	require.NoError(t, level.Error(l).Log("msg", "shown", "cache", "foo"))
	require.Contains(t, buf.String(), "level=error")
	require.Contains(t, buf.String(), "msg=shown")
	require.Contains(t, buf.String(), "cache=foo")
}

func TestOrNop(t *testing.T) {
	require.NotNil(t, OrNop(nil))
	require.NoError(t, OrNop(nil).Log("k", "v"))
	require.NotNil(t, OrNop(Default()))
}
