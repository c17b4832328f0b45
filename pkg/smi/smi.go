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

// Package smi queries the NVIDIA driver's management interface through
// nvidia-smi in query mode (csv,noheader), which keeps the output stable
// across driver versions.
//
// The interface is treated as necessary but not sufficient for consumer
// detection: it only reports registered compute processes, so holders of
// the raw DRM device nodes are invisible to it. A missing or failing
// nvidia-smi degrades to an empty result rather than an error; the caller
// decides whether that matters.
package smi

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

const binary = "nvidia-smi"

// Process is a compute consumer registered with the driver.
type Process struct {
	PID           int    `json:"pid" yaml:"pid"`
	Name          string `json:"name" yaml:"name"`
	UsedMemoryMiB int    `json:"usedMemoryMiB" yaml:"usedMemoryMiB"`
}

// Status is a point-in-time view of the target GPU.
type Status struct {
	Available     bool   `json:"available" yaml:"available"`
	Name          string `json:"name,omitempty" yaml:"name,omitempty"`
	DriverVersion string `json:"driverVersion,omitempty" yaml:"driverVersion,omitempty"`
	UtilizationPct string `json:"utilizationPct,omitempty" yaml:"utilizationPct,omitempty"`
	MemoryUsedMiB string `json:"memoryUsedMiB,omitempty" yaml:"memoryUsedMiB,omitempty"`
	PowerState    string `json:"powerState,omitempty" yaml:"powerState,omitempty"`
}

// runner abstracts command execution for tests.
type runner func(ctx context.Context, args ...string) ([]byte, error)

func execRunner(ctx context.Context, args ...string) ([]byte, error) {
	path, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("%s not found in PATH: %w", binary, err)
	}
	out, err := exec.CommandContext(ctx, path, args...).Output()
	if err != nil {
		return nil, fmt.Errorf("failed to execute %s: %w", binary, err)
	}
	return out, nil
}

// Client queries one GPU, selected by PCI address.
type Client struct {
	pciAddress string
	run        runner
}

// NewClient creates a client scoped to the GPU at the given PCI address.
func NewClient(pciAddress string) *Client {
	return &Client{
		pciAddress: pciAddress,
		run:        execRunner,
	}
}

// ComputeProcesses returns the compute processes currently registered for
// the GPU. A failing or absent nvidia-smi is logged and yields an empty
// slice: detection degrades, the run continues.
func (c *Client) ComputeProcesses(ctx context.Context) ([]Process, error) {
	out, err := c.run(ctx,
		"--query-compute-apps=pid,process_name,used_memory",
		"--format=csv,noheader,nounits",
		"-i", c.pciAddress)
	if err != nil {
		slog.Warn("compute process query degraded to empty result",
			"tool", binary, "error", err)
		return nil, nil
	}

	procs := make([]Process, 0, 4)
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "[") { // "[N/A]", "[Not Supported]"
			continue
		}

		fields := strings.Split(line, ", ")
		if len(fields) < 2 {
			continue
		}

		pid, err := strconv.Atoi(strings.TrimSpace(fields[0]))
		if err != nil {
			continue
		}

		p := Process{
			PID:  pid,
			Name: filepath.Base(strings.TrimSpace(fields[1])),
		}
		if len(fields) > 2 {
			p.UsedMemoryMiB, _ = strconv.Atoi(strings.TrimSpace(fields[2]))
		}
		procs = append(procs, p)
	}

	slog.Debug("queried compute processes", "count", len(procs), "gpu", c.pciAddress)
	return procs, nil
}

// Status returns the live GPU status. Best-effort: an unavailable tool or
// driver yields Status{Available: false}, never an error.
func (c *Client) Status(ctx context.Context) Status {
	out, err := c.run(ctx,
		"--query-gpu=name,driver_version,utilization.gpu,memory.used,pstate",
		"--format=csv,noheader,nounits",
		"-i", c.pciAddress)
	if err != nil {
		slog.Warn("GPU status unavailable", "tool", binary, "error", err)
		return Status{}
	}

	fields := strings.Split(strings.TrimSpace(string(out)), ", ")
	if len(fields) < 5 {
		return Status{}
	}

	return Status{
		Available:      true,
		Name:           strings.TrimSpace(fields[0]),
		DriverVersion:  strings.TrimSpace(fields[1]),
		UtilizationPct: strings.TrimSpace(fields[2]),
		MemoryUsedMiB:  strings.TrimSpace(fields[3]),
		PowerState:     strings.TrimSpace(fields[4]),
	}
}
