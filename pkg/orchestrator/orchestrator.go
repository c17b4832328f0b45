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

// Package orchestrator coordinates a full GPU driver reload run.
//
// The run is strictly sequential: correctness depends on ordering, not
// throughput. The forward phase records every change it makes in
// append-only ledgers; the reverse phase (restoration, rollback) replays
// only those ledgers and never re-probes the system. Restoration is
// installed as a deferred scoped cleanup before the first mutation, so it
// runs on normal return, on error, and on signal interruption alike.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/NVIDIA/gpu-reloader/pkg/config"
	"github.com/NVIDIA/gpu-reloader/pkg/consumer"
	"github.com/NVIDIA/gpu-reloader/pkg/detach"
	"github.com/NVIDIA/gpu-reloader/pkg/errors"
	"github.com/NVIDIA/gpu-reloader/pkg/gpu"
	"github.com/NVIDIA/gpu-reloader/pkg/kmod"
	"github.com/NVIDIA/gpu-reloader/pkg/ledger"
	"github.com/NVIDIA/gpu-reloader/pkg/metrics"
	"github.com/NVIDIA/gpu-reloader/pkg/reload"
	"github.com/NVIDIA/gpu-reloader/pkg/serializer"
	"github.com/NVIDIA/gpu-reloader/pkg/systemd"
)

// Options selects the target and the run mode.
type Options struct {
	Config *config.Config
	Handle *gpu.ResourceHandle

	// DryRun plans and reports without changing anything.
	DryRun bool

	// RelaunchArgs are the CLI arguments forwarded verbatim to the
	// detached invocation.
	RelaunchArgs []string
}

// Deps are the external collaborators. Services and Modules are required;
// Cordoner is optional.
type Deps struct {
	Services systemd.Manager
	Modules  kmod.Manager
	Detector ConsumerDetector
	Reaper   ProcessReaper
	Launcher Relauncher
	Status   StatusSource
	Cordoner Cordoner

	// Detached reports whether this invocation already runs in the
	// detached context. Defaults to detach.IsDetached.
	Detached func() bool
}

// Orchestrator owns one run against one GPU. Not reusable; create a new
// one per run.
type Orchestrator struct {
	opts Options
	deps Deps

	stopLedger    *ledger.Ledger
	dmUnit        string
	bindingLoaded bool
	cordoned      bool

	report *Report
}

// New validates the collaborators and prepares a run.
func New(opts Options, deps Deps) (*Orchestrator, error) {
	if opts.Config == nil || opts.Handle == nil {
		return nil, errors.New(errors.ErrCodeInvalidRequest, "config and resource handle are required")
	}
	if deps.Services == nil || deps.Modules == nil || deps.Detector == nil ||
		deps.Reaper == nil || deps.Launcher == nil || deps.Status == nil {
		return nil, errors.New(errors.ErrCodeInvalidRequest, "missing required collaborator")
	}
	if deps.Detached == nil {
		deps.Detached = detach.IsDetached
	}

	runID := os.Getenv(detach.EnvRunID)
	if runID == "" {
		runID = uuid.New().String()
	}

	return &Orchestrator{
		opts:          opts,
		deps:          deps,
		stopLedger:    ledger.New("services"),
		bindingLoaded: true,
		report: &Report{
			RunID:     runID,
			GPU:       opts.Handle,
			StartedAt: time.Now().UTC(),
			Outcome:   OutcomeAborted,
			DryRun:    opts.DryRun,
		},
	}, nil
}

// Run executes the orchestration and always returns a populated report;
// the error mirrors Report.Outcome for non-success terminal states.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	defer func() {
		o.report.Duration = time.Since(start).Round(time.Millisecond).String()
		o.report.OutcomeLabel = serializer.HumanLabel(string(o.report.Outcome))
		if !o.report.Detached {
			metrics.RecordRun(string(o.report.Outcome), time.Since(start))
		}
	}()

	slog.Info("starting reload run",
		"runId", o.report.RunID,
		"gpu", o.opts.Handle.String(),
		"detached", o.deps.Detached(),
		"dryRun", o.opts.DryRun)

	consumers, err := o.deps.Detector.Detect(ctx, o.opts.Handle)
	if err != nil {
		return o.report, errors.Wrap(errors.ErrCodeInternal, "consumer detection failed", err)
	}
	o.report.Consumers = consumers

	o.planDisplayManager(ctx, consumers)

	if o.opts.DryRun {
		o.logPlan(consumers)
		o.report.Outcome = OutcomeSuccess
		return o.report, nil
	}

	// Escape gate: nothing session-destructive may happen until the run
	// either lives in a detached context or has handed itself to one.
	if o.dmUnit != "" && !o.deps.Detached() {
		if err := o.escape(ctx); err != nil {
			return o.report, err
		}
		o.report.Outcome = OutcomeSuccess
		o.report.Detached = true
		return o.report, nil
	}

	o.cordonNode(ctx)

	// First mutation is next; from here restoration is guaranteed on
	// every exit path. The cleanup context ignores cancellation so an
	// interrupt cannot skip it.
	defer o.restoreAll(context.WithoutCancel(ctx))

	o.quiesceServices(ctx)

	killed := o.deps.Reaper.Reap(ctx, consumers)
	o.report.KilledPIDs = killed
	metrics.RecordConsumersKilled(len(killed))

	engine := reload.NewEngine(o.deps.Modules, o.opts.Config.Modules, o.opts.Config.RetryDelay)
	result, err := engine.Run(ctx)
	o.report.Modules = result
	o.bindingLoaded = result.BindingLoaded
	metrics.RecordModulesUnloaded(len(result.Released))
	metrics.RecordModulesReloaded(len(result.Reloaded) + len(result.RolledBack))

	if err != nil {
		switch errors.CodeOf(err) {
		case errors.ErrCodeReleaseFailed:
			o.report.Outcome = OutcomePartialUnloadFailure
		case errors.ErrCodeReacquireFailed:
			o.report.Outcome = OutcomeReloadFailure
		default:
			o.report.Outcome = OutcomeAborted
		}
		return o.report, err
	}

	// Final confirmation is read-only and best-effort; its failure does
	// not change the outcome.
	o.report.FinalStatus = o.deps.Status.Status(ctx)
	slog.Info("driver reloaded",
		"driverVersion", o.report.FinalStatus.DriverVersion,
		"available", o.report.FinalStatus.Available)

	o.report.Outcome = OutcomeSuccess
	return o.report, nil
}

// planDisplayManager decides whether a display manager must be stopped:
// only when a display server actually holds the target GPU.
func (o *Orchestrator) planDisplayManager(ctx context.Context, consumers []consumer.Record) {
	if !consumer.HasDisplayServer(consumers) {
		return
	}

	units, err := o.deps.Services.ListRunning(ctx, o.opts.Config.DisplayManagers)
	if err != nil {
		slog.Warn("failed to list display manager units", "error", err)
	}
	if len(units) > 0 {
		o.dmUnit = units[0]
		slog.Info("display server holds the GPU; its managing service will be stopped",
			"unit", o.dmUnit)
		return
	}

	w := "a display server holds the GPU but no known display manager service is active; " +
		"it will not be terminated and the unload may fail"
	slog.Warn(w)
	o.report.Warnings = append(o.report.Warnings, w)
}

// escape hands the run to a transient systemd unit and reports the handoff.
func (o *Orchestrator) escape(ctx context.Context) error {
	env := map[string]string{}
	if cfg := os.Getenv("NVRELOAD_CONFIG"); cfg != "" {
		env["NVRELOAD_CONFIG"] = cfg
	}

	if err := o.deps.Launcher.Relaunch(ctx, o.report.RunID, o.opts.RelaunchArgs, env); err != nil {
		return errors.Wrap(errors.ErrCodeInternal,
			"failed to escape the session before stopping its owner", err)
	}
	return nil
}

func (o *Orchestrator) cordonNode(ctx context.Context) {
	if o.deps.Cordoner == nil {
		return
	}

	if err := o.deps.Cordoner.Cordon(ctx); err != nil {
		w := fmt.Sprintf("failed to cordon node %s: %v", o.deps.Cordoner.NodeName(), err)
		slog.Warn(w)
		o.report.Warnings = append(o.report.Warnings, w)
		return
	}

	o.cordoned = true
	slog.Info("node cordoned", "node", o.deps.Cordoner.NodeName())
}

// quiesceServices stops the display manager (when planned) and the
// configured driver-holding services, recording each successful stop.
func (o *Orchestrator) quiesceServices(ctx context.Context) {
	if o.dmUnit != "" {
		o.stopIfRunning(ctx, o.dmUnit)
	}
	for _, unit := range o.opts.Config.QuiesceServices {
		o.stopIfRunning(ctx, unit)
	}
}

// stopIfRunning stops a unit only if it is active, and records it only on
// success. Idempotent: an inactive unit is observed as a skip.
func (o *Orchestrator) stopIfRunning(ctx context.Context, unit string) {
	active, err := o.deps.Services.IsActive(ctx, unit)
	if err != nil {
		slog.Warn("failed to query service state", "unit", unit, "error", err)
		return
	}
	if !active {
		slog.Info("service not active, skipping stop", "unit", unit)
		o.report.ServicesSkipped = append(o.report.ServicesSkipped, unit)
		return
	}

	if err := o.deps.Services.Stop(ctx, unit); err != nil {
		// Proceed anyway; if the service still holds the device the
		// unload phase will surface it as a release failure.
		slog.Warn("failed to stop service",
			"unit", unit, "code", string(errors.ErrCodeStopFailed), "error", err)
		return
	}

	o.stopLedger.Append(unit)
	o.report.ServicesStopped = append(o.report.ServicesStopped, unit)
	metrics.RecordServiceStopped()
	slog.Info("service stopped", "unit", unit)
}

// restoreAll restarts the ledgered services in reverse stop order.
// Best-effort and exhaustive; one failure never short-circuits the rest.
// When the driver stack did not end the run loaded, the display manager is
// deliberately withheld: starting it against a missing driver produces a
// crash-restart loop.
func (o *Orchestrator) restoreAll(ctx context.Context) {
	for _, unit := range o.stopLedger.Reversed() {
		if unit == o.dmUnit && !o.bindingLoaded {
			w := fmt.Sprintf(
				"driver stack is not loaded; withholding %s from restart to avoid a crash loop. "+
					"Recover manually once the driver is fixed: systemctl start %s", unit, unit)
			slog.Warn(w)
			o.report.ServicesWithheld = append(o.report.ServicesWithheld, unit)
			o.report.Warnings = append(o.report.Warnings, w)
			continue
		}

		if err := o.deps.Services.Start(ctx, unit); err != nil {
			slog.Warn("failed to restore service",
				"unit", unit, "code", string(errors.ErrCodeRestoreFailed), "error", err)
			continue
		}

		o.report.ServicesRestored = append(o.report.ServicesRestored, unit)
		metrics.RecordServiceRestored()
		slog.Info("service restored", "unit", unit)
	}

	if o.cordoned {
		if err := o.deps.Cordoner.Uncordon(ctx); err != nil {
			slog.Warn("failed to uncordon node",
				"node", o.deps.Cordoner.NodeName(), "error", err)
		} else {
			slog.Info("node uncordoned", "node", o.deps.Cordoner.NodeName())
		}
	}
}

func (o *Orchestrator) logPlan(consumers []consumer.Record) {
	for _, c := range consumers {
		slog.Info("dry-run: would handle consumer",
			"pid", c.PID, "name", c.Name, "class", string(c.Class))
	}
	if o.dmUnit != "" {
		slog.Info("dry-run: would stop display manager", "unit", o.dmUnit)
	}
	for _, unit := range o.opts.Config.QuiesceServices {
		slog.Info("dry-run: would stop service if running", "unit", unit)
	}
	slog.Info("dry-run: would unload and reload modules", "modules", o.opts.Config.Modules)
}
