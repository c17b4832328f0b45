/*
Copyright © 2025 NVIDIA Corporation
SPDX-License-Identifier: Apache-2.0
*/
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/NVIDIA/gpu-reloader/pkg/config"
	"github.com/NVIDIA/gpu-reloader/pkg/consumer"
	"github.com/NVIDIA/gpu-reloader/pkg/detach"
	"github.com/NVIDIA/gpu-reloader/pkg/gpu"
	"github.com/NVIDIA/gpu-reloader/pkg/k8s"
	"github.com/NVIDIA/gpu-reloader/pkg/kmod"
	"github.com/NVIDIA/gpu-reloader/pkg/metrics"
	"github.com/NVIDIA/gpu-reloader/pkg/orchestrator"
	"github.com/NVIDIA/gpu-reloader/pkg/reaper"
	"github.com/NVIDIA/gpu-reloader/pkg/serializer"
	"github.com/NVIDIA/gpu-reloader/pkg/smi"
	"github.com/NVIDIA/gpu-reloader/pkg/systemd"
)

func reloadCmd() *cli.Command {
	return &cli.Command{
		Name:                  "reload",
		EnableShellCompletion: true,
		Usage:                 "Stop consumers, unload the driver modules, and reload them",
		Description: `Perform a full driver reload cycle on the target GPU:

  1. Detect every consumer (registered compute processes and holders of the
     GPU's /dev/dri nodes).
  2. If a display server holds the GPU and this invocation still runs inside
     the graphical session, hand the run to a transient systemd unit first;
     stopping the display manager would otherwise kill this process mid-run.
  3. Stop the display manager (only when needed) and the configured
     driver-holding services, recording each stop.
  4. Kill compute workloads and benign watchers. Display servers are never
     signalled directly.
  5. Unload the modules (dependents first, one retry each); reload them in
     reverse. A halted unload rolls back exactly what was released.
  6. Restore stopped services in reverse order. If the driver stack did not
     end the run loaded, the display manager is withheld to avoid a crash
     loop, with a manual recovery hint in the report.

# Examples

Reload GPU 0:
  nvreload reload

Reload by PCI address, report as JSON:
  nvreload reload --pci 0000:01:00.0 --format json

Preview without changing anything:
  nvreload reload --dry-run

Cordon the Kubernetes node for the duration of the reload:
  nvreload reload --cordon

# Exit Codes

  0  Success: modules released and reacquired, services restored
  2  Partial unload failure: halted and rolled back
  3  Reload failure: the driver stack ended the run unloaded
  4  Aborted before a terminal reload state`,
		Flags: []cli.Flag{
			gpuFlag,
			pciFlag,
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "Plan and report without stopping, killing, or unloading anything",
			},
			&cli.BoolFlag{
				Name:  "cordon",
				Usage: "Cordon the hosting Kubernetes node during the reload",
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "Serve Prometheus metrics on this address for the run's duration",
			},
			kubeconfigFlag,
			configFlag,
			outputFlag,
			formatFlag,
		},
		Action: runReload,
	}
}

func runReload(ctx context.Context, cmd *cli.Command) error {
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

	if addr := cmd.String("metrics-addr"); addr != "" {
		go metrics.Serve(ctx, addr)
	}

	services, err := systemd.NewDBusManager(ctx)
	if err != nil {
		return err
	}
	defer services.Close()

	smiClient := smi.NewClient(handle.PCIAddress)

	deps := orchestrator.Deps{
		Services: services,
		Modules:  kmod.NewModprobeManager(),
		Detector: consumer.NewDetector(smiClient, cfg.DisplayPatterns),
		Reaper:   reaper.New(cfg.WatcherPatterns, cfg.KillWait),
		Launcher: detach.NewLauncher(),
		Status:   smiClient,
	}

	if cmd.Bool("cordon") {
		cordoner, err := k8s.NewCordoner(cmd.String("kubeconfig"))
		if err != nil {
			return fmt.Errorf("cordon requested but unavailable: %w", err)
		}
		deps.Cordoner = cordoner
	}

	o, err := orchestrator.New(
		orchestrator.Options{
			Config:       cfg,
			Handle:       handle,
			DryRun:       cmd.Bool("dry-run"),
			RelaunchArgs: os.Args[1:],
		},
		deps,
	)
	if err != nil {
		return err
	}

	report, runErr := o.Run(ctx)

	w := serializer.NewFileWriterOrStdout(outFormat, cmd.String("output"))
	defer func() { _ = w.Close() }()
	if err := w.Serialize(ctx, report); err != nil {
		return err
	}

	if runErr != nil {
		return cli.Exit(runErr.Error(), report.Outcome.ExitCode())
	}
	return nil
}
