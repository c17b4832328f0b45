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

// Package metrics exposes Prometheus metrics for reload runs. A run is
// short-lived, so the registry is only reachable while --metrics-addr is
// serving; the counters still feed log-style debugging without it.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	runTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nvreload_runs_total",
			Help: "Total reload runs by terminal outcome",
		},
		[]string{"outcome"},
	)

	runDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nvreload_run_duration_seconds",
			Help:    "End-to-end duration of a reload run",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
		},
	)

	modulesUnloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nvreload_modules_unloaded_total",
			Help: "Kernel modules successfully unloaded",
		},
	)

	modulesReloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nvreload_modules_reloaded_total",
			Help: "Kernel modules successfully reloaded (including rollback)",
		},
	)

	servicesStopped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nvreload_services_stopped_total",
			Help: "Services stopped during quiesce",
		},
	)

	servicesRestored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nvreload_services_restored_total",
			Help: "Services restored during cleanup",
		},
	)

	consumersKilled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nvreload_consumers_killed_total",
			Help: "GPU consumer processes force-terminated",
		},
	)
)

// RecordRun records a finished run and its duration.
func RecordRun(outcome string, d time.Duration) {
	runTotal.WithLabelValues(outcome).Inc()
	runDuration.Observe(d.Seconds())
}

// RecordModulesUnloaded adds to the unloaded module counter.
func RecordModulesUnloaded(n int) { modulesUnloaded.Add(float64(n)) }

// RecordModulesReloaded adds to the reloaded module counter.
func RecordModulesReloaded(n int) { modulesReloaded.Add(float64(n)) }

// RecordServiceStopped counts one stopped service.
func RecordServiceStopped() { servicesStopped.Inc() }

// RecordServiceRestored counts one restored service.
func RecordServiceRestored() { servicesRestored.Inc() }

// RecordConsumersKilled adds to the killed consumer counter.
func RecordConsumersKilled(n int) { consumersKilled.Add(float64(n)) }

// Serve exposes /metrics on addr until ctx is cancelled. Blocking; run it
// in a goroutine. Errors other than a clean shutdown are logged, not
// returned: metrics are never worth failing a reload over.
func Serve(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Warn("metrics server failed", "error", err)
	}
}
