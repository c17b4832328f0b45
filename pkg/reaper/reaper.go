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

// Package reaper terminates GPU consumers that are safe to kill outright.
//
// Compute workloads and benign watcher processes (status viewers that keep
// the management interface open without doing work) get SIGKILL. A display
// server is never signalled directly: killing it mid-frame orphans virtual
// terminals and corrupts compositor state, so it is released only by
// stopping its managing service, which runs a clean shutdown sequence.
package reaper

import (
	"context"
	"log/slog"
	"slices"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/NVIDIA/gpu-reloader/pkg/consumer"
)

// Reaper kills eligible consumers and waits for them to exit.
type Reaper struct {
	// WatcherPatterns are command names of benign monitors killed even
	// though they are not workloads.
	WatcherPatterns []string
	// KillWait bounds the wait for killed pids to disappear.
	KillWait time.Duration

	// injected in tests
	kill  func(pid int) error
	alive func(pid int) bool
}

// New creates a production reaper.
func New(watcherPatterns []string, killWait time.Duration) *Reaper {
	return &Reaper{
		WatcherPatterns: watcherPatterns,
		KillWait:        killWait,
		kill:            func(pid int) error { return syscall.Kill(pid, syscall.SIGKILL) },
		alive:           func(pid int) bool { return syscall.Kill(pid, 0) == nil },
	}
}

// Reap force-terminates every eligible consumer and returns the pids
// actually signalled. Display servers are skipped unconditionally; unknown
// consumers are skipped unless their name matches a watcher pattern.
func (r *Reaper) Reap(ctx context.Context, records []consumer.Record) []int {
	killed := make([]int, 0, len(records))

	for _, rec := range records {
		if !r.eligible(rec) {
			slog.Info("leaving consumer for service-level release",
				"pid", rec.PID, "name", rec.Name, "class", string(rec.Class))
			continue
		}

		if err := r.kill(rec.PID); err != nil {
			// Already gone or no permission; either way there is nothing
			// more to do for this pid.
			slog.Warn("failed to signal consumer", "pid", rec.PID, "error", err)
			continue
		}

		slog.Info("killed consumer", "pid", rec.PID, "name", rec.Name, "class", string(rec.Class))
		killed = append(killed, rec.PID)
	}

	if len(killed) > 0 {
		r.waitGone(ctx, killed)
	}
	return killed
}

// eligible implements the kill policy. The display-server exclusion is the
// one hard rule in this package.
func (r *Reaper) eligible(rec consumer.Record) bool {
	if rec.Class == consumer.ClassDisplayServer {
		return false
	}
	if rec.Class == consumer.ClassCompute {
		return true
	}
	return r.isWatcher(rec.Name)
}

func (r *Reaper) isWatcher(name string) bool {
	for _, p := range r.WatcherPatterns {
		if name == p {
			return true
		}
	}
	return false
}

// waitGone polls the killed pids until they exit or KillWait elapses.
// SIGKILL is not negotiable but the kernel still needs time to tear the
// processes down and close their device descriptors.
func (r *Reaper) waitGone(ctx context.Context, pids []int) {
	deadline := time.Now().Add(r.KillWait)
	limiter := rate.NewLimiter(rate.Every(100*time.Millisecond), 1)

	// Filter into a fresh slice: pids is the caller's kill report and must
	// not be scribbled over.
	remaining := slices.Clone(pids)
	for len(remaining) > 0 && time.Now().Before(deadline) {
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		still := make([]int, 0, len(remaining))
		for _, pid := range remaining {
			if r.alive(pid) {
				still = append(still, pid)
			}
		}
		remaining = still
	}

	if len(remaining) > 0 {
		slog.Warn("killed consumers still present after wait",
			"pids", remaining, "waited", r.KillWait.String())
	}
}
