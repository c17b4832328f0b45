/*
Copyright © 2025 NVIDIA Corporation
SPDX-License-Identifier: Apache-2.0
*/
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/NVIDIA/gpu-reloader/pkg/logging"
)

const (
	name           = "nvreload"
	versionDefault = "dev"
)

var (
	// overridden during build with ldflags
	version = versionDefault
	commit  = "unknown"
	date    = "unknown"
)

// Flags shared by every command that produces a report.
var (
	outputFlag = &cli.StringFlag{
		Name:    "output",
		Aliases: []string{"o"},
		Usage:   "Output file path (default: stdout)",
	}

	formatFlag = &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"t"},
		Usage:   "Output format: yaml, json, table",
		Value:   "yaml",
	}

	configFlag = &cli.StringFlag{
		Name:    "config",
		Usage:   "Config file path",
		Sources: cli.EnvVars("NVRELOAD_CONFIG"),
	}

	gpuFlag = &cli.IntFlag{
		Name:    "gpu",
		Aliases: []string{"g"},
		Usage:   "Target GPU index (nvidia-smi ordering)",
		Sources: cli.EnvVars("NVRELOAD_GPU"),
	}

	pciFlag = &cli.StringFlag{
		Name:    "pci",
		Usage:   "Target GPU PCI address (overrides --gpu)",
		Sources: cli.EnvVars("NVRELOAD_PCI"),
	}

	kubeconfigFlag = &cli.StringFlag{
		Name:    "kubeconfig",
		Usage:   "Path to kubeconfig (default: KUBECONFIG, then ~/.kube/config)",
		Sources: cli.EnvVars("KUBECONFIG"),
	}
)

func rootCmd() *cli.Command {
	return &cli.Command{
		Name:    name,
		Usage:   "Reload the NVIDIA driver stack without rebooting",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			logging.SetDefaultStructuredLoggerWithLevel(name, version, cmd.String("log-level"))
			slog.Debug("starting",
				"name", name,
				"version", version,
				"commit", commit,
				"date", date)
			return ctx, nil
		},
		Commands: []*cli.Command{
			reloadCmd(),
			detectCmd(),
			statusCmd(),
			versionCmd(),
		},
	}
}

func versionCmd() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print build version information",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			fmt.Fprintf(cmd.Writer, "%s %s (commit: %s, built: %s)\n", name, version, commit, date)
			return nil
		},
	}
}

// Execute runs the CLI. It is called by main.main() and does not return on
// a non-zero exit: cli.Exit errors carry the outcome's exit code through
// the framework's exit handling.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
