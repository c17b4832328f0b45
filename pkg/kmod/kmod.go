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

// Package kmod manages kernel module bindings.
//
// Unload uses rmmod rather than modprobe -r on purpose: modprobe resolves
// and removes dependencies on its own, which would make the unload ledger
// inexact. The reload engine owns the dependency order; this package only
// executes single-module operations.
package kmod

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

var (
	// overridden in tests
	filePathModules = "/proc/modules"
)

// Manager is the kernel-binding surface the reload engine needs.
type Manager interface {
	// Unload removes one module. Fails if the module is in use.
	Unload(ctx context.Context, module string) error
	// Load inserts one module (dependencies must already be loaded).
	Load(ctx context.Context, module string) error
	// IsLoaded reports whether the module is currently bound.
	IsLoaded(module string) (bool, error)
}

// runner abstracts command execution for tests.
type runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return nil, fmt.Errorf("%s not found in PATH: %w", name, err)
	}
	out, err := exec.CommandContext(ctx, path, args...).CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("%s %s failed: %w: %s",
			name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

// ModprobeManager implements Manager with rmmod/modprobe and /proc/modules.
type ModprobeManager struct {
	run      runner
	readFile func(path string) ([]byte, error)
}

// NewModprobeManager creates the production manager.
func NewModprobeManager() *ModprobeManager {
	return &ModprobeManager{
		run:      execRunner,
		readFile: os.ReadFile,
	}
}

// Unload implements Manager.
func (m *ModprobeManager) Unload(ctx context.Context, module string) error {
	_, err := m.run(ctx, "rmmod", module)
	return err
}

// Load implements Manager.
func (m *ModprobeManager) Load(ctx context.Context, module string) error {
	_, err := m.run(ctx, "modprobe", module)
	return err
}

// IsLoaded implements Manager by scanning /proc/modules. The module name
// is the first space-separated field on each line.
func (m *ModprobeManager) IsLoaded(module string) (bool, error) {
	data, err := m.readFile(filePathModules)
	if err != nil {
		return false, fmt.Errorf("failed to read kernel modules from %s: %w", filePathModules, err)
	}

	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) > 0 && fields[0] == module {
			return true, nil
		}
	}
	return false, nil
}
