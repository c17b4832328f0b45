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

package consumer

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProc builds a /proc tree where the given pids hold the node open.
func fakeProc(t *testing.T, node string, holders map[int]string, bystanders []int) {
	t.Helper()

	root := t.TempDir()

	addPid := func(pid int, name string, withFd bool) {
		pidDir := filepath.Join(root, strconv.Itoa(pid))
		fdDir := filepath.Join(pidDir, "fd")
		require.NoError(t, os.MkdirAll(fdDir, 0755))
		require.NoError(t, os.WriteFile(filepath.Join(pidDir, "comm"), []byte(name+"\n"), 0644))
		require.NoError(t, os.Symlink("/dev/null", filepath.Join(fdDir, "0")))
		if withFd {
			require.NoError(t, os.Symlink(node, filepath.Join(fdDir, "7")))
		}
	}

	for pid, name := range holders {
		addPid(pid, name, true)
	}
	for _, pid := range bystanders {
		addPid(pid, "sleep", false)
	}

	// non-pid entries must be skipped
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sys"), 0755))

	orig := procRoot
	procRoot = root
	t.Cleanup(func() { procRoot = orig })
}

func TestProcHolderSource(t *testing.T) {
	node := "/dev/dri/card1"
	fakeProc(t, node, map[int]string{4242: "gnome-shell"}, []int{100, 200})

	src := &procHolderSource{}
	holders, err := src.HolderPIDs(context.TODO(), node)
	require.NoError(t, err)

	require.Len(t, holders, 1)
	assert.Equal(t, 4242, holders[0].PID)
	assert.Equal(t, "gnome-shell", holders[0].Name)
}

func TestProcHolderSource_NoHolders(t *testing.T) {
	fakeProc(t, "/dev/dri/card1", nil, []int{100})

	src := &procHolderSource{}
	holders, err := src.HolderPIDs(context.TODO(), "/dev/dri/card1")
	require.NoError(t, err)
	assert.Empty(t, holders)
}

func TestProcHolderSource_ContextCancelled(t *testing.T) {
	fakeProc(t, "/dev/dri/card1", map[int]string{4242: "Xorg"}, nil)

	ctx, cancel := context.WithCancel(context.TODO())
	cancel()

	src := &procHolderSource{}
	_, err := src.HolderPIDs(ctx, "/dev/dri/card1")
	assert.ErrorIs(t, err, context.Canceled)
}
