// Package cli implements the command-line interface for the nvreload tool.
//
// # Overview
//
// nvreload reloads the NVIDIA kernel driver stack on a live machine without
// a reboot: it detects and releases every consumer of the target GPU, stops
// the services that hold the driver open, unloads the modules, and reloads
// them, restoring everything it stopped afterwards. It is designed for node
// administrators recovering from driver wedges and for driver upgrades on
// GPU nodes.
//
// # Commands
//
// reload - Full reload cycle:
//
//	nvreload reload [--gpu N | --pci ADDR] [--dry-run] [--cordon] [--output FILE] [--format yaml|json|table]
//
// Detects consumers, quiesces services and workloads, cycles the kernel
// modules, and restores services in reverse order. If run from inside a
// graphical session whose display server holds the GPU, it re-launches
// itself as a transient systemd unit first so the session teardown cannot
// kill the run.
//
// detect - Read-only consumer listing:
//
//	nvreload detect [--gpu N | --pci ADDR]
//
// status - GPU handle, module states, and live driver status:
//
//	nvreload status [--gpu N | --pci ADDR]
//
// # Global Flags
//
//	--output, -o   Output file path (default: stdout)
//	--format, -t   Output format: yaml, json, table (default: yaml)
//	--log-level    Log verbosity (debug, info, warn, error)
//
// # Environment Variables
//
//	LOG_LEVEL          Set logging verbosity (debug, info, warn, error)
//	NVRELOAD_CONFIG    Config file path
//	NVRELOAD_GPU       Default GPU index
//	NVRELOAD_PCI       Default GPU PCI address
//	NODE_NAME          Override node name for --cordon
//	KUBECONFIG         Kubeconfig path for --cordon
//
// # Exit Codes
//
//	0  Success
//	1  General error (invalid arguments, setup failure)
//	2  Partial unload failure (halted and rolled back)
//	3  Reload failure (driver stack ended the run unloaded)
//	4  Aborted before a terminal reload state
//
// # Architecture
//
// The CLI uses the urfave/cli/v3 framework and delegates to specialized
// packages:
//   - pkg/orchestrator - Run sequencing and restoration policy
//   - pkg/consumer - Consumer detection and classification
//   - pkg/reload - Module unload/reload state machine
//   - pkg/systemd - Service lifecycle over D-Bus
//   - pkg/serializer - Output formatting
//   - pkg/logging - Structured logging
//
// Version information is embedded at build time using ldflags:
//
//	go build -ldflags="-X 'github.com/NVIDIA/gpu-reloader/pkg/cli.version=1.0.0'"
package cli
