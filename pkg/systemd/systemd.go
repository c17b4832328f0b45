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

// Package systemd manages service units over the systemd D-Bus API.
//
// Stops and starts are synchronous: they wait for the queued job to finish
// and report its result, so a "done" here means the unit actually reached
// the requested state, not that a job was merely enqueued.
package systemd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/coreos/go-systemd/v22/dbus"
)

// Manager is the service lifecycle surface the orchestrator needs.
type Manager interface {
	IsActive(ctx context.Context, unit string) (bool, error)
	Stop(ctx context.Context, unit string) error
	Start(ctx context.Context, unit string) error
	ListRunning(ctx context.Context, patterns []string) ([]string, error)
}

// DBusManager implements Manager against the system bus.
type DBusManager struct {
	conn *dbus.Conn
}

// NewDBusManager connects to systemd on the system bus.
func NewDBusManager(ctx context.Context) (*DBusManager, error) {
	conn, err := dbus.NewSystemdConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to systemd: %w", err)
	}
	return &DBusManager{conn: conn}, nil
}

// Close releases the D-Bus connection.
func (m *DBusManager) Close() {
	if m.conn != nil {
		m.conn.Close()
	}
}

// IsActive reports whether the unit's ActiveState is "active".
func (m *DBusManager) IsActive(ctx context.Context, unit string) (bool, error) {
	prop, err := m.conn.GetUnitPropertyContext(ctx, unit, "ActiveState")
	if err != nil {
		return false, fmt.Errorf("failed to get unit state for %s: %w", unit, err)
	}

	state, ok := prop.Value.Value().(string)
	if !ok {
		return false, fmt.Errorf("unexpected ActiveState type for %s", unit)
	}
	return state == "active", nil
}

// Stop stops the unit and waits for the job to complete.
func (m *DBusManager) Stop(ctx context.Context, unit string) error {
	return m.runJob(ctx, unit, "stop", m.conn.StopUnitContext)
}

// Start starts the unit and waits for the job to complete.
func (m *DBusManager) Start(ctx context.Context, unit string) error {
	return m.runJob(ctx, unit, "start", m.conn.StartUnitContext)
}

type jobFunc func(ctx context.Context, name, mode string, ch chan<- string) (int, error)

func (m *DBusManager) runJob(ctx context.Context, unit, verb string, job jobFunc) error {
	ch := make(chan string, 1)
	if _, err := job(ctx, unit, "replace", ch); err != nil {
		return fmt.Errorf("failed to %s %s: %w", verb, unit, err)
	}

	select {
	case result := <-ch:
		if result != "done" {
			return fmt.Errorf("%s job for %s finished with result %q", verb, unit, result)
		}
		slog.Debug("systemd job complete", "verb", verb, "unit", unit)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListRunning returns the names of active units matching the patterns.
func (m *DBusManager) ListRunning(ctx context.Context, patterns []string) ([]string, error) {
	units, err := m.conn.ListUnitsByPatternsContext(ctx, []string{"active", "activating"}, patterns)
	if err != nil {
		return nil, fmt.Errorf("failed to list units: %w", err)
	}

	names := make([]string, 0, len(units))
	for _, u := range units {
		names = append(names, u.Name)
	}
	return names, nil
}
