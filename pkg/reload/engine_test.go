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

package reload

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/gpu-reloader/pkg/errors"
)

var plan = []string{"nvidia_uvm", "nvidia_drm", "nvidia_modeset", "nvidia"}

// fakeManager scripts per-module unload failures and records every call.
type fakeManager struct {
	loaded      map[string]bool
	unloadFails map[string]int // module -> number of times Unload fails
	loadFails   map[string]bool

	calls []string
}

func newFakeManager(mods ...string) *fakeManager {
	f := &fakeManager{
		loaded:      make(map[string]bool),
		unloadFails: make(map[string]int),
		loadFails:   make(map[string]bool),
	}
	for _, m := range mods {
		f.loaded[m] = true
	}
	return f
}

func (f *fakeManager) Unload(ctx context.Context, module string) error {
	f.calls = append(f.calls, "unload "+module)
	if f.unloadFails[module] > 0 {
		f.unloadFails[module]--
		return fmt.Errorf("rmmod: %s is in use", module)
	}
	f.loaded[module] = false
	return nil
}

func (f *fakeManager) Load(ctx context.Context, module string) error {
	f.calls = append(f.calls, "load "+module)
	if f.loadFails[module] {
		return fmt.Errorf("modprobe: %s: no such device", module)
	}
	f.loaded[module] = true
	return nil
}

func (f *fakeManager) IsLoaded(module string) (bool, error) {
	return f.loaded[module], nil
}

func newTestEngine(m *fakeManager) *Engine {
	return NewEngine(m, plan, 0) // no retry delay in tests
}

func TestRun_FullCycle(t *testing.T) {
	t.Parallel()

	m := newFakeManager(plan...)
	e := newTestEngine(m)

	res, err := e.Run(context.TODO())
	require.NoError(t, err)

	assert.Equal(t, plan, res.Released)
	assert.Equal(t, []string{"nvidia", "nvidia_modeset", "nvidia_drm", "nvidia_uvm"}, res.Reloaded)
	assert.Empty(t, res.RolledBack)
	assert.True(t, res.BindingLoaded)
	assert.Equal(t, StateBound, e.State())
}

func TestRun_RetryOnceThenSucceed(t *testing.T) {
	t.Parallel()

	m := newFakeManager(plan...)
	m.unloadFails["nvidia_drm"] = 1 // first attempt fails, retry succeeds

	e := newTestEngine(m)
	res, err := e.Run(context.TODO())
	require.NoError(t, err)

	assert.Equal(t, plan, res.Released)
	assert.Contains(t, m.calls, "unload nvidia_drm")
	// two unload attempts for nvidia_drm
	count := 0
	for _, c := range m.calls {
		if c == "unload nvidia_drm" {
			count++
		}
	}
	assert.Equal(t, 2, count)
}

// Scenario: u2 fails to release twice. Rollback must reacquire exactly the
// modules already released, in reverse, and the remaining plan must not be
// attempted.
func TestRun_PartialUnloadRollsBackExactly(t *testing.T) {
	t.Parallel()

	m := newFakeManager(plan...)
	m.unloadFails["nvidia_drm"] = 2 // fails initial attempt and retry

	e := newTestEngine(m)
	res, err := e.Run(context.TODO())
	require.Error(t, err)

	assert.Equal(t, errors.ErrCodeReleaseFailed, errors.CodeOf(err))
	assert.Equal(t, []string{"nvidia_uvm"}, res.Released)
	assert.Equal(t, []string{"nvidia_uvm"}, res.RolledBack)
	assert.True(t, res.BindingLoaded, "rollback succeeded, stack is loaded again")
	assert.Empty(t, res.Reloaded, "reload phase must not run after a halted unload")
	assert.Equal(t, StateFailed, e.State())

	// nvidia_modeset and nvidia were never touched
	assert.NotContains(t, m.calls, "unload nvidia_modeset")
	assert.NotContains(t, m.calls, "unload nvidia")
}

func TestRun_RollbackFailureMeansUnloadedBinding(t *testing.T) {
	t.Parallel()

	m := newFakeManager(plan...)
	m.unloadFails["nvidia_modeset"] = 2
	m.loadFails["nvidia_uvm"] = true // rollback of u1 fails too

	e := newTestEngine(m)
	res, err := e.Run(context.TODO())
	require.Error(t, err)

	assert.Equal(t, errors.ErrCodeReleaseFailed, errors.CodeOf(err))
	assert.False(t, res.BindingLoaded)
	// nvidia_drm still rolled back despite the nvidia_uvm failure
	assert.Contains(t, res.RolledBack, "nvidia_drm")
}

// Scenario: all modules release, one fails to rebind. No further rollback;
// the binding ends unloaded and restoration policy reacts to that.
func TestRun_ReacquireFailure(t *testing.T) {
	t.Parallel()

	m := newFakeManager(plan...)
	m.loadFails["nvidia_modeset"] = true

	e := newTestEngine(m)
	res, err := e.Run(context.TODO())
	require.Error(t, err)

	assert.Equal(t, errors.ErrCodeReacquireFailed, errors.CodeOf(err))
	assert.Equal(t, plan, res.Released)
	assert.Equal(t, []string{"nvidia"}, res.Reloaded, "only the base driver made it back")
	assert.False(t, res.BindingLoaded)
	assert.Equal(t, StateFailed, e.State())
}

func TestRun_SkipsModulesNotLoaded(t *testing.T) {
	t.Parallel()

	// Headless node: nvidia_drm was never loaded.
	m := newFakeManager("nvidia_uvm", "nvidia_modeset", "nvidia")

	e := newTestEngine(m)
	res, err := e.Run(context.TODO())
	require.NoError(t, err)

	assert.Equal(t, []string{"nvidia_uvm", "nvidia_modeset", "nvidia"}, res.Released)
	assert.NotContains(t, m.calls, "unload nvidia_drm")
}
