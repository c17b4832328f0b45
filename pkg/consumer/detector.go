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

// Package consumer finds every process currently holding the target GPU.
//
// No single authoritative list of consumers exists, so detection merges two
// independent sources: the driver's own management interface (registered
// compute processes) and a direct scan of open file descriptors on the
// GPU's display-capable device nodes. The second pass exists specifically
// because a compositor can hold /dev/dri/cardN without ever registering as
// a compute process. A source that fails degrades to "no consumers from
// that source" and is logged, never fatal.
package consumer

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/NVIDIA/gpu-reloader/pkg/gpu"
	"github.com/NVIDIA/gpu-reloader/pkg/smi"
)

// ManagementSource enumerates consumers registered with the driver's
// management interface.
type ManagementSource interface {
	ComputeProcesses(ctx context.Context) ([]smi.Process, error)
}

// HolderSource enumerates pids holding an open descriptor on a device node.
type HolderSource interface {
	HolderPIDs(ctx context.Context, node string) ([]Holder, error)
}

// Holder is a pid with its resolved command name.
type Holder struct {
	PID  int
	Name string
}

// Detector merges both sources into classified consumer records.
type Detector struct {
	Management ManagementSource
	Holders    HolderSource

	// DisplayPatterns is the allow-list of command names classified as
	// display servers, regardless of which source found them.
	DisplayPatterns []string
}

// NewDetector creates a detector with the default /proc-based holder source.
func NewDetector(management ManagementSource, displayPatterns []string) *Detector {
	return &Detector{
		Management:      management,
		Holders:         &procHolderSource{},
		DisplayPatterns: displayPatterns,
	}
}

// Detect returns the consumers of the target GPU, deduplicated by pid and
// sorted for stable output. Read-only; errors in either source degrade to
// empty results for that source.
func (d *Detector) Detect(ctx context.Context, handle *gpu.ResourceHandle) ([]Record, error) {
	var (
		mu      sync.Mutex
		records = make(map[int]Record)
	)

	upsert := func(r Record) {
		mu.Lock()
		defer mu.Unlock()
		existing, ok := records[r.PID]
		if !ok {
			records[r.PID] = r
			return
		}
		// Display classification wins over whatever the other source said.
		if r.Class == ClassDisplayServer && existing.Class != ClassDisplayServer {
			existing.Class = ClassDisplayServer
			existing.AccessPath = r.AccessPath
		}
		if existing.Name == "" {
			existing.Name = r.Name
		}
		records[r.PID] = existing
	}

	// The two sources are independent and read-only; the merge is the only
	// shared state.
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		procs, err := d.Management.ComputeProcesses(gctx)
		if err != nil {
			slog.Warn("management interface detection degraded", "error", err)
			return nil
		}
		for _, p := range procs {
			upsert(Record{
				PID:        p.PID,
				Name:       p.Name,
				AccessPath: handle.PCIAddress,
				Class:      d.classify(p.Name, ClassCompute),
			})
		}
		return nil
	})

	g.Go(func() error {
		for _, node := range handle.DeviceNodes {
			holders, err := d.Holders.HolderPIDs(gctx, node)
			if err != nil {
				slog.Warn("device node holder detection degraded",
					"node", node, "error", err)
				continue
			}
			for _, h := range holders {
				// Unmatched node holders stay unknown: they hold the
				// device for reasons the allow-list cannot attribute, and
				// killing them blind is worse than reporting them.
				upsert(Record{
					PID:        h.PID,
					Name:       h.Name,
					AccessPath: node,
					Class:      d.classify(h.Name, ClassUnknown),
				})
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]Record, 0, len(records))
	for _, r := range records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })

	slog.Info("consumer detection complete",
		"gpu", handle.PCIAddress, "consumers", len(out))
	for _, r := range out {
		slog.Info("detected consumer",
			"pid", r.PID, "name", r.Name, "class", string(r.Class), "path", r.AccessPath)
	}

	return out, nil
}

// classify applies the display allow-list; anything else keeps fallback.
func (d *Detector) classify(name string, fallback Classification) Classification {
	for _, p := range d.DisplayPatterns {
		if name == p {
			return ClassDisplayServer
		}
	}
	return fallback
}

// HasDisplayServer reports whether any record is a display server.
func HasDisplayServer(records []Record) bool {
	for _, r := range records {
		if r.Class == ClassDisplayServer {
			return true
		}
	}
	return false
}
