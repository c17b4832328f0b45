/*
Copyright © 2025 NVIDIA Corporation
SPDX-License-Identifier: Apache-2.0
*/
package cli

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/NVIDIA/gpu-reloader/pkg/config"
	"github.com/NVIDIA/gpu-reloader/pkg/gpu"
	"github.com/NVIDIA/gpu-reloader/pkg/kmod"
	"github.com/NVIDIA/gpu-reloader/pkg/serializer"
	"github.com/NVIDIA/gpu-reloader/pkg/smi"
)

func statusCmd() *cli.Command {
	return &cli.Command{
		Name:                  "status",
		EnableShellCompletion: true,
		Usage:                 "Show the target GPU and its driver module state",
		Description: `Report the resolved GPU handle, the loaded state of each driver module,
and the live status from the driver's management interface. Read-only.

# Examples

  nvreload status
  nvreload status --pci 0000:01:00.0 --format table`,
		Flags: []cli.Flag{
			gpuFlag,
			pciFlag,
			configFlag,
			outputFlag,
			formatFlag,
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			outFormat := serializer.Format(cmd.String("format"))
			if outFormat.IsUnknown() {
				return fmt.Errorf("unknown output format: %q", outFormat)
			}

			cfg, err := config.Load(cmd.String("config"))
			if err != nil {
				return err
			}

			handle, err := gpu.Detect(int(cmd.Int("gpu")), cmd.String("pci"))
			if err != nil {
				return err
			}

			modules := kmod.NewModprobeManager()
			loaded := make(map[string]bool, len(cfg.Modules))
			for _, m := range cfg.Modules {
				state, err := modules.IsLoaded(m)
				if err != nil {
					return err
				}
				loaded[m] = state
			}

			w := serializer.NewFileWriterOrStdout(outFormat, cmd.String("output"))
			defer func() { _ = w.Close() }()

			return w.Serialize(ctx, struct {
				GPU     *gpu.ResourceHandle `json:"gpu" yaml:"gpu"`
				Modules map[string]bool     `json:"modules" yaml:"modules"`
				Status  smi.Status          `json:"status" yaml:"status"`
			}{handle, loaded, smi.NewClient(handle.PCIAddress).Status(ctx)})
		},
	}
}
