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
	"strings"
)

// overridden in tests
var procRoot = "/proc"

// procHolderSource finds device node holders by walking /proc/<pid>/fd.
// Requires enough privilege to read other processes' fd tables; pids that
// deny access are silently skipped, the same way fuser behaves.
type procHolderSource struct{}

func (s *procHolderSource) HolderPIDs(ctx context.Context, node string) ([]Holder, error) {
	entries, err := os.ReadDir(procRoot)
	if err != nil {
		return nil, err
	}

	var holders []Holder
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}

		if !pidHolds(pid, node) {
			continue
		}

		holders = append(holders, Holder{
			PID:  pid,
			Name: commandName(pid),
		})
	}

	return holders, nil
}

func pidHolds(pid int, node string) bool {
	fdDir := filepath.Join(procRoot, strconv.Itoa(pid), "fd")

	fds, err := os.ReadDir(fdDir)
	if err != nil {
		return false
	}

	for _, fd := range fds {
		link, err := os.Readlink(filepath.Join(fdDir, fd.Name()))
		if err != nil {
			continue
		}
		if link == node {
			return true
		}
	}
	return false
}

// commandName reads /proc/<pid>/comm. Empty on error; the caller treats a
// nameless holder as unknown.
func commandName(pid int) string {
	data, err := os.ReadFile(filepath.Join(procRoot, strconv.Itoa(pid), "comm"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
