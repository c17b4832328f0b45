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

// Package gpu identifies the target GPU for a reload run.
//
// The resource handle is resolved once at the start of a run and is
// immutable for its duration. Discovery walks /sys/class/drm to find DRM
// cards bound to the nvidia driver and maps them to their PCI address and
// device nodes; no power-state or topology management happens here.
package gpu

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	// overridden in tests
	sysClassDRM = "/sys/class/drm"
	devRoot     = "/dev"

	driverName = "nvidia"

	cardNameRe = regexp.MustCompile(`^card\d+$`)
)

// ResourceHandle identifies the target GPU. Immutable for the run; all
// device-node and kernel-binding operations are scoped to it.
type ResourceHandle struct {
	// Index is the zero-based GPU index, matching nvidia-smi ordering.
	Index int `json:"index" yaml:"index"`

	// PCIAddress is the stable bus address, e.g. 0000:01:00.0.
	PCIAddress string `json:"pciAddress" yaml:"pciAddress"`

	// DeviceNodes are the display-capable device nodes owned by this GPU's
	// driver (/dev/dri/card*, /dev/dri/renderD*). Consumers can hold these
	// without ever registering with the driver's management interface.
	DeviceNodes []string `json:"deviceNodes" yaml:"deviceNodes"`
}

// String implements fmt.Stringer.
func (h *ResourceHandle) String() string {
	return fmt.Sprintf("gpu %d (%s)", h.Index, h.PCIAddress)
}

// Detect resolves the resource handle for the requested GPU. When pci is
// non-empty it selects by PCI address, otherwise by index. It fails when no
// nvidia-bound DRM card matches, or when the sysfs tree is unreadable.
func Detect(index int, pci string) (*ResourceHandle, error) {
	entries, err := os.ReadDir(sysClassDRM)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", sysClassDRM, err)
	}

	// One handle per PCI function, in cardN order so the index matches the
	// driver's enumeration order.
	handles := make([]*ResourceHandle, 0, 2)
	byAddress := make(map[string]*ResourceHandle)

	for _, e := range entries {
		if !cardNameRe.MatchString(e.Name()) {
			continue
		}

		devicePath := filepath.Join(sysClassDRM, e.Name(), "device")

		driver, err := os.Readlink(filepath.Join(devicePath, "driver"))
		if err != nil || filepath.Base(driver) != driverName {
			continue
		}

		address, err := os.Readlink(devicePath)
		if err != nil {
			continue
		}
		address = filepath.Base(address)

		h, ok := byAddress[address]
		if !ok {
			h = &ResourceHandle{
				Index:      len(handles),
				PCIAddress: address,
			}
			byAddress[address] = h
			handles = append(handles, h)
		}
		h.DeviceNodes = append(h.DeviceNodes, nodesForCard(e.Name(), address)...)
	}

	if len(handles) == 0 {
		return nil, fmt.Errorf("no DRM device bound to the %s driver found under %s", driverName, sysClassDRM)
	}

	if pci != "" {
		if h, ok := byAddress[normalizePCI(pci)]; ok {
			return h, nil
		}
		return nil, fmt.Errorf("no %s GPU at PCI address %s", driverName, pci)
	}

	if index < 0 || index >= len(handles) {
		return nil, fmt.Errorf("GPU index %d out of range (found %d)", index, len(handles))
	}
	return handles[index], nil
}

// nodesForCard returns the existing /dev nodes for a DRM card: the card
// node itself plus any render node backed by the same PCI device.
func nodesForCard(card, address string) []string {
	nodes := make([]string, 0, 2)

	cardNode := filepath.Join(devRoot, "dri", card)
	if _, err := os.Stat(cardNode); err == nil {
		nodes = append(nodes, cardNode)
	}

	renders, _ := filepath.Glob(filepath.Join(sysClassDRM, "renderD*"))
	for _, r := range renders {
		target, err := os.Readlink(filepath.Join(r, "device"))
		if err != nil || filepath.Base(target) != address {
			continue
		}
		renderNode := filepath.Join(devRoot, "dri", filepath.Base(r))
		if _, err := os.Stat(renderNode); err == nil {
			nodes = append(nodes, renderNode)
		}
	}

	return nodes
}

func normalizePCI(pci string) string {
	pci = strings.ToLower(strings.TrimSpace(pci))
	// nvidia-smi prints the domain in upper case and tools disagree about
	// the 8-digit domain prefix; sysfs uses a 4-digit lower-case domain.
	if len(pci) == len("00000000:01:00.0") {
		pci = pci[4:]
	}
	return pci
}
