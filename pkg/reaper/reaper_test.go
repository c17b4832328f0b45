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

package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/NVIDIA/gpu-reloader/pkg/consumer"
)

func testReaper(killed *[]int) *Reaper {
	return &Reaper{
		WatcherPatterns: []string{"nvidia-smi", "nvtop"},
		KillWait:        50 * time.Millisecond,
		kill: func(pid int) error {
			*killed = append(*killed, pid)
			return nil
		},
		alive: func(pid int) bool { return false },
	}
}

func TestReap_KillsComputeConsumers(t *testing.T) {
	t.Parallel()

	var killed []int
	r := testReaper(&killed)

	got := r.Reap(context.TODO(), []consumer.Record{
		{PID: 1234, Name: "python3", Class: consumer.ClassCompute},
		{PID: 1235, Name: "ollama", Class: consumer.ClassCompute},
	})

	assert.Equal(t, []int{1234, 1235}, got)
	assert.Equal(t, []int{1234, 1235}, killed)
}

// A consumer classified display-server must never reach the kill call,
// whatever else is in the set.
func TestReap_NeverKillsDisplayServer(t *testing.T) {
	t.Parallel()

	var killed []int
	r := testReaper(&killed)

	records := []consumer.Record{
		{PID: 800, Name: "Xorg", Class: consumer.ClassDisplayServer},
		{PID: 1234, Name: "python3", Class: consumer.ClassCompute},
		{PID: 801, Name: "gnome-shell", Class: consumer.ClassDisplayServer},
		{PID: 900, Name: "nvtop", Class: consumer.ClassUnknown},
	}

	got := r.Reap(context.TODO(), records)

	assert.NotContains(t, got, 800)
	assert.NotContains(t, got, 801)
	assert.NotContains(t, killed, 800)
	assert.NotContains(t, killed, 801)
}

func TestReap_KillsWatchersEvenWhenUnknown(t *testing.T) {
	t.Parallel()

	var killed []int
	r := testReaper(&killed)

	got := r.Reap(context.TODO(), []consumer.Record{
		{PID: 900, Name: "nvtop", Class: consumer.ClassUnknown},
		{PID: 901, Name: "mystery-daemon", Class: consumer.ClassUnknown},
	})

	assert.Equal(t, []int{900}, got, "watcher killed, true unknown left alone")
}

func TestReap_KillErrorSkipsPid(t *testing.T) {
	t.Parallel()

	r := &Reaper{
		KillWait: 50 * time.Millisecond,
		kill:     func(pid int) error { return syscallESRCH{} },
		alive:    func(pid int) bool { return false },
	}

	got := r.Reap(context.TODO(), []consumer.Record{
		{PID: 4242, Name: "python3", Class: consumer.ClassCompute},
	})
	assert.Empty(t, got)
}

type syscallESRCH struct{}

func (syscallESRCH) Error() string { return "no such process" }

// The returned pid list must survive the exit wait intact when the killed
// processes disappear at different times.
func TestReap_ReturnedPidsUnchangedByStaggeredExits(t *testing.T) {
	t.Parallel()

	r := &Reaper{
		KillWait: 100 * time.Millisecond,
		kill:     func(pid int) error { return nil },
		// pid 10 is gone immediately, pid 20 lingers past the wait.
		alive: func(pid int) bool { return pid == 20 },
	}

	got := r.Reap(context.TODO(), []consumer.Record{
		{PID: 10, Name: "python3", Class: consumer.ClassCompute},
		{PID: 20, Name: "ollama", Class: consumer.ClassCompute},
	})

	assert.Equal(t, []int{10, 20}, got)
}

func TestWaitGone_BoundedByKillWait(t *testing.T) {
	t.Parallel()

	r := &Reaper{
		KillWait: 150 * time.Millisecond,
		kill:     func(pid int) error { return nil },
		alive:    func(pid int) bool { return true }, // never exits
	}

	start := time.Now()
	r.Reap(context.TODO(), []consumer.Record{
		{PID: 1, Name: "stuck", Class: consumer.ClassCompute},
	})
	elapsed := time.Since(start)

	assert.Less(t, elapsed, time.Second, "wait must be bounded")
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
}
