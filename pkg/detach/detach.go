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

// Package detach re-launches the orchestration outside the caller's session.
//
// Stopping the display manager tears down the graphical session, and with
// it any process started from that session, including this one. Before the
// first session-destructive stop, the run is handed to a transient systemd
// unit whose lifetime is independent of the session; the original
// invocation then exits. The marker environment variable makes "already
// detached" detection reliable so the relaunch cannot recurse.
package detach

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
)

const (
	// EnvDetached is the ambient marker set on the transient unit.
	EnvDetached = "NVRELOAD_DETACHED"
	// EnvRunID forwards the run identifier to the detached invocation.
	EnvRunID = "NVRELOAD_RUN_ID"
)

// IsDetached reports whether this invocation already runs inside the
// detached supervisory context.
func IsDetached() bool {
	return os.Getenv(EnvDetached) == "1"
}

// runner abstracts command execution for tests.
type runner func(ctx context.Context, name string, args ...string) error

// Launcher starts the detached invocation via systemd-run.
type Launcher struct {
	run        runner
	executable func() (string, error)
}

// NewLauncher creates a production launcher.
func NewLauncher() *Launcher {
	return &Launcher{
		run: func(ctx context.Context, name string, args ...string) error {
			path, err := exec.LookPath(name)
			if err != nil {
				return fmt.Errorf("%s not found in PATH: %w", name, err)
			}
			out, err := exec.CommandContext(ctx, path, args...).CombinedOutput()
			if err != nil {
				return fmt.Errorf("%s failed: %w: %s", name, err, strings.TrimSpace(string(out)))
			}
			return nil
		},
		executable: os.Executable,
	}
}

// Relaunch starts the current executable with the given arguments as a
// transient systemd unit, forwarding env plus the detached marker. It
// returns once the unit is enqueued; the caller is expected to exit.
func (l *Launcher) Relaunch(ctx context.Context, runID string, args []string, env map[string]string) error {
	self, err := l.executable()
	if err != nil {
		return fmt.Errorf("failed to resolve own executable: %w", err)
	}

	unit := fmt.Sprintf("nvreload-%s", shortID(runID))

	cmdArgs := []string{
		"--unit", unit,
		"--collect", // garbage-collect the unit when it exits
		"--setenv", EnvDetached + "=1",
		"--setenv", EnvRunID + "=" + runID,
	}

	// Deterministic order keeps the call reproducible in logs and tests.
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmdArgs = append(cmdArgs, "--setenv", k+"="+env[k])
	}

	cmdArgs = append(cmdArgs, self)
	cmdArgs = append(cmdArgs, args...)

	slog.Info("relaunching detached before session teardown",
		"unit", unit, "executable", self)

	if err := l.run(ctx, "systemd-run", cmdArgs...); err != nil {
		return fmt.Errorf("failed to launch detached unit: %w", err)
	}

	slog.Info("detached unit started; this invocation exits",
		"unit", unit, "follow", fmt.Sprintf("journalctl -f -u %s", unit))
	return nil
}

func shortID(runID string) string {
	if len(runID) > 8 {
		return runID[:8]
	}
	return runID
}
