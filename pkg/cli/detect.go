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
	"github.com/NVIDIA/gpu-reloader/pkg/consumer"
	"github.com/NVIDIA/gpu-reloader/pkg/gpu"
	"github.com/NVIDIA/gpu-reloader/pkg/serializer"
	"github.com/NVIDIA/gpu-reloader/pkg/smi"
)

func detectCmd() *cli.Command {
	return &cli.Command{
		Name:                  "detect",
		EnableShellCompletion: true,
		Usage:                 "List the processes currently holding the target GPU",
		Description: `Read-only consumer detection: merges the driver's registered compute
processes with a scan of open descriptors on the GPU's /dev/dri nodes, and
classifies each holder as compute, display-server, or unknown. Nothing is
stopped or killed.

# Examples

  nvreload detect
  nvreload detect --gpu 1 --format json`,
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

			detector := consumer.NewDetector(smi.NewClient(handle.PCIAddress), cfg.DisplayPatterns)
			records, err := detector.Detect(ctx, handle)
			if err != nil {
				return err
			}

			w := serializer.NewFileWriterOrStdout(outFormat, cmd.String("output"))
			defer func() { _ = w.Close() }()

			return w.Serialize(ctx, struct {
				GPU       *gpu.ResourceHandle `json:"gpu" yaml:"gpu"`
				Consumers []consumer.Record   `json:"consumers" yaml:"consumers"`
			}{handle, records})
		},
	}
}
