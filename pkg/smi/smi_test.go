// Copyright (c) 2025, NVIDIA CORPORATION.  All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package smi

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeClient(out string, err error) *Client {
	c := NewClient("0000:01:00.0")
	c.run = func(ctx context.Context, args ...string) ([]byte, error) {
		return []byte(out), err
	}
	return c
}

func TestComputeProcesses(t *testing.T) {
	t.Parallel()

	c := fakeClient("1234, /usr/bin/python3, 4096\n5678, ollama, 812\n", nil)

	procs, err := c.ComputeProcesses(context.TODO())
	require.NoError(t, err)
	require.Len(t, procs, 2)

	assert.Equal(t, 1234, procs[0].PID)
	assert.Equal(t, "python3", procs[0].Name)
	assert.Equal(t, 4096, procs[0].UsedMemoryMiB)
	assert.Equal(t, "ollama", procs[1].Name)
}

func TestComputeProcesses_ToolUnavailable(t *testing.T) {
	t.Parallel()

	c := fakeClient("", errors.New("nvidia-smi not found in PATH"))

	procs, err := c.ComputeProcesses(context.TODO())
	assert.NoError(t, err, "missing tool must degrade, not fail")
	assert.Empty(t, procs)
}

func TestComputeProcesses_SkipsPlaceholders(t *testing.T) {
	t.Parallel()

	c := fakeClient("[N/A]\n\n1234, Xorg, 100\n", nil)

	procs, err := c.ComputeProcesses(context.TODO())
	require.NoError(t, err)
	require.Len(t, procs, 1)
	assert.Equal(t, "Xorg", procs[0].Name)
}

func TestStatus(t *testing.T) {
	t.Parallel()

	c := fakeClient("NVIDIA H100 PCIe, 570.158.01, 17, 2048, P0\n", nil)

	s := c.Status(context.TODO())
	assert.True(t, s.Available)
	assert.Equal(t, "NVIDIA H100 PCIe", s.Name)
	assert.Equal(t, "570.158.01", s.DriverVersion)
	assert.Equal(t, "P0", s.PowerState)
}

func TestStatus_Unavailable(t *testing.T) {
	t.Parallel()

	c := fakeClient("", errors.New("driver not loaded"))

	s := c.Status(context.TODO())
	assert.False(t, s.Available)
}
