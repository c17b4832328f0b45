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

package gpu

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSysfs builds a /sys/class/drm and /dev tree with one nvidia card and
// one amdgpu card.
func fakeSysfs(t *testing.T) {
	t.Helper()

	root := t.TempDir()
	drm := filepath.Join(root, "sys", "class", "drm")
	dev := filepath.Join(root, "dev")

	devices := filepath.Join(root, "sys", "devices")
	drivers := filepath.Join(root, "sys", "bus", "pci", "drivers")

	for _, d := range []string{drm, dev, devices, drivers, filepath.Join(dev, "dri")} {
		require.NoError(t, os.MkdirAll(d, 0755))
	}

	addCard := func(card, address, driver string) {
		pciDir := filepath.Join(devices, address)
		driverDir := filepath.Join(drivers, driver)
		require.NoError(t, os.MkdirAll(pciDir, 0755))
		require.NoError(t, os.MkdirAll(driverDir, 0755))

		cardDir := filepath.Join(drm, card)
		require.NoError(t, os.MkdirAll(cardDir, 0755))
		require.NoError(t, os.Symlink(pciDir, filepath.Join(cardDir, "device")))
		require.NoError(t, os.Symlink(driverDir, filepath.Join(pciDir, "driver")))
		require.NoError(t, os.WriteFile(filepath.Join(dev, "dri", card), nil, 0644))
	}

	addCard("card0", "0000:00:02.0", "amdgpu")
	addCard("card1", "0000:01:00.0", "nvidia")

	// render node for the nvidia card
	renderDir := filepath.Join(drm, "renderD129")
	require.NoError(t, os.MkdirAll(renderDir, 0755))
	require.NoError(t, os.Symlink(filepath.Join(devices, "0000:01:00.0"), filepath.Join(renderDir, "device")))
	require.NoError(t, os.WriteFile(filepath.Join(dev, "dri", "renderD129"), nil, 0644))

	origDRM, origDev := sysClassDRM, devRoot
	sysClassDRM, devRoot = drm, dev
	t.Cleanup(func() { sysClassDRM, devRoot = origDRM, origDev })
}

func TestDetect_ByIndex(t *testing.T) {
	fakeSysfs(t)

	h, err := Detect(0, "")
	require.NoError(t, err)

	assert.Equal(t, "0000:01:00.0", h.PCIAddress)
	assert.Len(t, h.DeviceNodes, 2)
	assert.Contains(t, h.DeviceNodes[0], "card1")
	assert.Contains(t, h.DeviceNodes[1], "renderD129")
}

func TestDetect_ByPCI(t *testing.T) {
	fakeSysfs(t)

	h, err := Detect(0, "0000:01:00.0")
	require.NoError(t, err)
	assert.Equal(t, 0, h.Index)

	// nvidia-smi style address with 8-digit domain
	h, err = Detect(0, "00000000:01:00.0")
	require.NoError(t, err)
	assert.Equal(t, "0000:01:00.0", h.PCIAddress)
}

func TestDetect_NotFound(t *testing.T) {
	fakeSysfs(t)

	_, err := Detect(3, "")
	assert.Error(t, err)

	_, err = Detect(0, "0000:ff:00.0")
	assert.Error(t, err)
}

func TestDetect_IgnoresNonNvidiaCards(t *testing.T) {
	fakeSysfs(t)

	h, err := Detect(0, "")
	require.NoError(t, err)
	assert.NotEqual(t, "0000:00:02.0", h.PCIAddress)
}
