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

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const envConfigPath = "NVRELOAD_CONFIG"

// Config holds the orchestrator's tunable settings. Zero values are filled
// in from defaults by Load, so a partial config file only overrides the
// fields it names.
type Config struct {
	// Modules lists the NVIDIA kernel modules in unload order: dependents
	// first, base driver last. Reload walks the same list in reverse.
	Modules []string `yaml:"modules"`

	// DisplayManagers lists candidate display manager units. The first one
	// reported active by systemd becomes the session-owning service for
	// this run.
	DisplayManagers []string `yaml:"displayManagers"`

	// DisplayPatterns lists process command names treated as display
	// servers or compositors. A fixed allow-list: novel compositors not
	// listed here are classified unknown and left alone, so extend the
	// list in the config file rather than waiting for a release.
	DisplayPatterns []string `yaml:"displayPatterns"`

	// WatcherPatterns lists benign monitor processes that hold the NVIDIA
	// device open without being a workload (status viewers, pollers).
	// These are killed outright during quiesce.
	WatcherPatterns []string `yaml:"watcherPatterns"`

	// QuiesceServices are stopped (if running) before the unload phase and
	// restored afterwards. These are services that keep the driver open for
	// their whole lifetime, like the persistence daemon.
	QuiesceServices []string `yaml:"quiesceServices"`

	// RetryDelay is the pause before the single unload retry.
	RetryDelay time.Duration `yaml:"retryDelay"`

	// KillWait bounds how long the reaper waits for killed consumers to
	// actually exit before proceeding.
	KillWait time.Duration `yaml:"killWait"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Modules: []string{
			"nvidia_uvm",
			"nvidia_drm",
			"nvidia_modeset",
			"nvidia",
		},
		DisplayManagers: []string{
			"gdm.service",
			"gdm3.service",
			"sddm.service",
			"lightdm.service",
		},
		DisplayPatterns: []string{
			"Xorg",
			"X",
			"Xwayland",
			"gnome-shell",
			"mutter",
			"kwin_x11",
			"kwin_wayland",
			"plasmashell",
			"sway",
			"weston",
			"Hyprland",
		},
		WatcherPatterns: []string{
			"nvidia-smi",
			"nvtop",
			"gpustat",
		},
		QuiesceServices: []string{
			"nvidia-persistenced.service",
		},
		RetryDelay: 2 * time.Second,
		KillWait:   5 * time.Second,
	}
}

// Load reads the configuration from path. When path is empty it searches the
// NVRELOAD_CONFIG environment variable, /etc/nvreload/config.yaml, and
// $HOME/.nvreload.yaml, in that order. A missing file is not an error; the
// defaults apply. An explicitly named file that cannot be read or parsed is
// an error.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if path == "" {
		path = os.Getenv(envConfigPath)
		explicit = path != ""
	}
	if path == "" {
		path = discover()
	}

	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if explicit {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

func discover() string {
	candidates := []string{"/etc/nvreload/config.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".nvreload.yaml"))
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

// applyDefaults fills fields a partial config file left empty.
func (c *Config) applyDefaults() {
	def := Default()
	if len(c.Modules) == 0 {
		c.Modules = def.Modules
	}
	if len(c.DisplayManagers) == 0 {
		c.DisplayManagers = def.DisplayManagers
	}
	if len(c.DisplayPatterns) == 0 {
		c.DisplayPatterns = def.DisplayPatterns
	}
	if len(c.WatcherPatterns) == 0 {
		c.WatcherPatterns = def.WatcherPatterns
	}
	if len(c.QuiesceServices) == 0 {
		c.QuiesceServices = def.QuiesceServices
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = def.RetryDelay
	}
	if c.KillWait <= 0 {
		c.KillWait = def.KillWait
	}
}
