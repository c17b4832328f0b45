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

// Package reload drives the module unload/reload state machine.
//
//	Bound -> Unloading -> Unloaded -> Reloading -> Bound
//	            |                        |
//	            v                        v
//	          Failed (rolled back)     Failed
//
// The unload plan lists dependents before dependencies; reload walks the
// mirror image. Each unload gets exactly one retry after a fixed delay. A
// failed unload halts the phase and rolls back, in reverse, exactly the
// modules this run released: a partially unloaded driver stack is a worse
// state than never having started.
package reload

import (
	"context"
	"log/slog"
	"time"

	"github.com/NVIDIA/gpu-reloader/pkg/errors"
	"github.com/NVIDIA/gpu-reloader/pkg/kmod"
	"github.com/NVIDIA/gpu-reloader/pkg/ledger"
)

// State is the engine's position in the reload lifecycle.
type State string

const (
	StateBound     State = "Bound"
	StateUnloading State = "Unloading"
	StateUnloaded  State = "Unloaded"
	StateReloading State = "Reloading"
	StateFailed    State = "Failed"
)

// Result records what the engine actually did, regardless of outcome.
type Result struct {
	// Released lists modules unloaded by this run, in unload order.
	Released []string `json:"released,omitempty" yaml:"released,omitempty"`
	// RolledBack lists modules reloaded by a partial-failure rollback, in
	// rollback (reverse) order.
	RolledBack []string `json:"rolledBack,omitempty" yaml:"rolledBack,omitempty"`
	// Reloaded lists modules reloaded by the reload phase, in load order.
	Reloaded []string `json:"reloaded,omitempty" yaml:"reloaded,omitempty"`
	// BindingLoaded reports whether the driver stack ended the run loaded.
	// Restoration policy branches on this, not on the error.
	BindingLoaded bool `json:"bindingLoaded" yaml:"bindingLoaded"`
}

// Engine executes one reload cycle for one module plan.
type Engine struct {
	manager    kmod.Manager
	plan       []string
	retryDelay time.Duration

	released *ledger.Ledger
	state    State
}

// NewEngine creates an engine for the given unload plan (dependents first).
func NewEngine(manager kmod.Manager, plan []string, retryDelay time.Duration) *Engine {
	return &Engine{
		manager:    manager,
		plan:       plan,
		retryDelay: retryDelay,
		released:   ledger.New("modules"),
		state:      StateBound,
	}
}

// State returns the engine's current state.
func (e *Engine) State() State {
	return e.state
}

// Run executes unload then reload. The returned Result is always populated;
// the error carries the failure class (RELEASE_FAILED or REACQUIRE_FAILED).
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	res := &Result{BindingLoaded: true}

	if err := e.unloadAll(ctx, res); err != nil {
		e.rollback(ctx, res)
		e.state = StateFailed
		return res, err
	}
	e.state = StateUnloaded

	if err := e.reloadAll(ctx, res); err != nil {
		// No further rollback: the unbound state is already the worst
		// case, and re-unloading freshly loaded modules gains nothing.
		res.BindingLoaded = false
		e.state = StateFailed
		return res, err
	}

	e.state = StateBound
	return res, nil
}

func (e *Engine) unloadAll(ctx context.Context, res *Result) error {
	e.state = StateUnloading

	for _, module := range e.plan {
		loaded, err := e.manager.IsLoaded(module)
		if err != nil {
			return errors.Wrap(errors.ErrCodeReleaseFailed, "failed to check module state", err)
		}
		if !loaded {
			slog.Info("module not loaded, skipping unload", "module", module)
			continue
		}

		if err := e.unloadWithRetry(ctx, module); err != nil {
			slog.Error("module unload failed after retry, halting unload phase",
				"module", module, "error", err)
			return errors.WrapWithContext(errors.ErrCodeReleaseFailed,
				"failed to unload module", err,
				map[string]any{"module": module, "released": e.released.Entries()})
		}

		// Recorded only after success so the rollback set is exact.
		e.released.Append(module)
		res.Released = append(res.Released, module)
		slog.Info("module unloaded", "module", module)
	}

	return nil
}

func (e *Engine) unloadWithRetry(ctx context.Context, module string) error {
	err := e.manager.Unload(ctx, module)
	if err == nil {
		return nil
	}

	slog.Warn("module unload failed, retrying once",
		"module", module, "delay", e.retryDelay.String(), "error", err)

	select {
	case <-time.After(e.retryDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	return e.manager.Unload(ctx, module)
}

// rollback reloads exactly the modules released in this run, most recently
// released first. Best-effort and exhaustive: one failed reload does not
// stop the rest, but it does mean the binding did not end loaded.
func (e *Engine) rollback(ctx context.Context, res *Result) {
	toRestore := e.released.Reversed()
	if len(toRestore) == 0 {
		return
	}

	slog.Warn("rolling back partially unloaded modules", "modules", toRestore)
	ok := true

	for _, module := range toRestore {
		if err := e.manager.Load(ctx, module); err != nil {
			slog.Error("rollback reload failed", "module", module, "error", err)
			ok = false
			continue
		}
		res.RolledBack = append(res.RolledBack, module)
		slog.Info("module restored by rollback", "module", module)
	}

	res.BindingLoaded = ok
}

func (e *Engine) reloadAll(ctx context.Context, res *Result) error {
	e.state = StateReloading

	// Mirror image of the unload plan: dependencies before dependents.
	for i := len(e.plan) - 1; i >= 0; i-- {
		module := e.plan[i]

		if err := e.manager.Load(ctx, module); err != nil {
			slog.Error("module reload failed", "module", module, "error", err)
			return errors.WrapWithContext(errors.ErrCodeReacquireFailed,
				"failed to reload module", err,
				map[string]any{"module": module, "reloaded": res.Reloaded})
		}

		res.Reloaded = append(res.Reloaded, module)
		slog.Info("module reloaded", "module", module)
	}

	return nil
}
