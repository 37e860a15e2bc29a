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

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRun(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"--threads", "2", "--objects", "50", "--rounds", "3", "--size", "48"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	require.Contains(t, stdout.String(), "workload: 2 threads x 3 rounds x 50 objects")
	require.Contains(t, stdout.String(), "stress_obj")
	require.Contains(t, stdout.String(), "mem_32")
}

func TestRunBadFlags(t *testing.T) {
	var stdout, stderr bytes.Buffer
	require.Equal(t, 2, run([]string{"--no-such-flag"}, &stdout, &stderr))
	require.Equal(t, 0, run([]string{"--help"}, &stdout, &stderr))
	require.Contains(t, stderr.String(), "--threads")
}

func TestRunInvalidOptions(t *testing.T) {
	var stdout, stderr bytes.Buffer
	require.Equal(t, 1, run([]string{"--threads", "0"}, &stdout, &stderr))
	require.Contains(t, stderr.String(), "must be positive")
}

func TestRunBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kmem.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bogus: 1\n"), 0o644))

	var stdout, stderr bytes.Buffer
	require.Equal(t, 1, run([]string{"--config", path}, &stdout, &stderr))
	require.Contains(t, stderr.String(), "stress failed")
}
