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

package orchestrator

import (
	"context"
	"time"

	"github.com/NVIDIA/gpu-reloader/pkg/consumer"
	"github.com/NVIDIA/gpu-reloader/pkg/gpu"
	"github.com/NVIDIA/gpu-reloader/pkg/reload"
	"github.com/NVIDIA/gpu-reloader/pkg/smi"
)

// Outcome is the run's terminal result. It is the one value a caller must
// branch on.
type Outcome string

const (
	// OutcomeSuccess: every module released and reacquired; the driver
	// stack ended the run loaded.
	OutcomeSuccess Outcome = "Success"
	// OutcomePartialUnloadFailure: the unload phase halted and the
	// released modules were rolled back.
	OutcomePartialUnloadFailure Outcome = "PartialUnloadFailure"
	// OutcomeReloadFailure: a module failed to reacquire; the stack ended
	// the run unloaded.
	OutcomeReloadFailure Outcome = "ReloadFailure"
	// OutcomeAborted: the run was interrupted before reaching a terminal
	// reload state.
	OutcomeAborted Outcome = "Aborted"
)

// ExitCode maps the outcome to the process exit code callers script against.
func (o Outcome) ExitCode() int {
	switch o {
	case OutcomeSuccess:
		return 0
	case OutcomePartialUnloadFailure:
		return 2
	case OutcomeReloadFailure:
		return 3
	default:
		return 4
	}
}

// Report is the serialized record of one run.
type Report struct {
	RunID     string              `json:"runId" yaml:"runId"`
	GPU       *gpu.ResourceHandle `json:"gpu" yaml:"gpu"`
	StartedAt time.Time           `json:"startedAt" yaml:"startedAt"`
	Duration  string              `json:"duration,omitempty" yaml:"duration,omitempty"`

	Consumers  []consumer.Record `json:"consumers,omitempty" yaml:"consumers,omitempty"`
	KilledPIDs []int             `json:"killedPids,omitempty" yaml:"killedPids,omitempty"`

	ServicesStopped  []string `json:"servicesStopped,omitempty" yaml:"servicesStopped,omitempty"`
	ServicesSkipped  []string `json:"servicesSkipped,omitempty" yaml:"servicesSkipped,omitempty"`
	ServicesRestored []string `json:"servicesRestored,omitempty" yaml:"servicesRestored,omitempty"`
	ServicesWithheld []string `json:"servicesWithheld,omitempty" yaml:"servicesWithheld,omitempty"`

	Modules *reload.Result `json:"modules,omitempty" yaml:"modules,omitempty"`

	Outcome      Outcome  `json:"outcome" yaml:"outcome"`
	OutcomeLabel string   `json:"outcomeLabel,omitempty" yaml:"outcomeLabel,omitempty"`
	Detached     bool     `json:"detached,omitempty" yaml:"detached,omitempty"`
	DryRun       bool     `json:"dryRun,omitempty" yaml:"dryRun,omitempty"`
	Warnings     []string `json:"warnings,omitempty" yaml:"warnings,omitempty"`

	FinalStatus smi.Status `json:"finalStatus,omitempty" yaml:"finalStatus,omitempty"`
}

// ConsumerDetector finds the processes holding the target GPU.
type ConsumerDetector interface {
	Detect(ctx context.Context, handle *gpu.ResourceHandle) ([]consumer.Record, error)
}

// ProcessReaper force-terminates eligible consumers.
type ProcessReaper interface {
	Reap(ctx context.Context, records []consumer.Record) []int
}

// Relauncher hands the run to a detached execution context.
type Relauncher interface {
	Relaunch(ctx context.Context, runID string, args []string, env map[string]string) error
}

// StatusSource reports the GPU's live status, best-effort.
type StatusSource interface {
	Status(ctx context.Context) smi.Status
}

// Cordoner toggles Kubernetes schedulability for the hosting node.
type Cordoner interface {
	NodeName() string
	Cordon(ctx context.Context) error
	Uncordon(ctx context.Context) error
}
