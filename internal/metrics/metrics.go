/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

/*
Package metrics provides Prometheus-compatible metrics for the EdgeKV agent.

METRIC CATEGORIES:
===================
- Stores: open, opened (total), deleted
- Sync: operations started/succeeded/failed, latency
- Devices: online, offline transitions
- Recovery: invocations, failures
- Vault: root key generation attempts

PROMETHEUS ENDPOINT:
=====================
Metrics are exposed at /metrics in Prometheus text format. The values
change only through this package's recording methods (StoreOpened,
RecordSync, DeviceOnline, ...), which no other package in this module
calls, so the endpoint serves zeros.

EXAMPLE METRICS:
=================

	edgekv_stores_open 3
	edgekv_sync_operations_total{result="success"} 118
	edgekv_devices_online 2
*/
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"edgekv/internal/logging"
)

// Metrics holds all EdgeKV agent metrics.
type Metrics struct {
	// Store registry metrics
	StoresOpened atomic.Uint64 // OpenStore calls that succeeded
	StoresOpen   atomic.Int64  // currently open StoreHandles
	StoresFailed atomic.Uint64 // OpenStore calls that failed
	StoresDeleted atomic.Uint64

	// Sync engine metrics
	SyncOpsTotal     atomic.Uint64
	SyncOpsSucceeded atomic.Uint64
	SyncOpsFailed    atomic.Uint64
	SyncLatencySum   atomic.Uint64 // microseconds
	SyncLatencyCount atomic.Uint64

	// Device liveness
	DevicesOnline     atomic.Int64
	DeviceTransitions atomic.Uint64

	// Recovery
	RecoveryInvocations atomic.Uint64
	RecoveryFailures    atomic.Uint64

	// Vault
	RootKeyGenAttempts atomic.Uint64

	// Per-app metrics
	appMetrics sync.Map // appID -> *AppMetrics
}

// AppMetrics holds metrics scoped to a single app.
type AppMetrics struct {
	StoresOpen atomic.Int64
	SyncOps    atomic.Uint64
}

var globalMetrics = &Metrics{}

// Get returns the global metrics instance.
func Get() *Metrics {
	return globalMetrics
}

// GetAppMetrics returns metrics for a specific app, creating it if absent.
func (m *Metrics) GetAppMetrics(appID string) *AppMetrics {
	if am, ok := m.appMetrics.Load(appID); ok {
		return am.(*AppMetrics)
	}
	am := &AppMetrics{}
	actual, _ := m.appMetrics.LoadOrStore(appID, am)
	return actual.(*AppMetrics)
}

// StoreOpened records a successful OpenStore.
func (m *Metrics) StoreOpened(appID string) {
	m.StoresOpened.Add(1)
	m.StoresOpen.Add(1)
	m.GetAppMetrics(appID).StoresOpen.Add(1)
}

// StoreOpenFailed records a failed OpenStore.
func (m *Metrics) StoreOpenFailed() {
	m.StoresFailed.Add(1)
}

// StoreClosed records CloseStore releasing the last reference.
func (m *Metrics) StoreClosed(appID string) {
	m.StoresOpen.Add(-1)
	m.GetAppMetrics(appID).StoresOpen.Add(-1)
}

// StoreDeleted records DeleteStore.
func (m *Metrics) StoreDeleted() {
	m.StoresDeleted.Add(1)
}

// RecordSync records a completed sync operation.
func (m *Metrics) RecordSync(appID string, latency time.Duration, succeeded bool) {
	m.SyncOpsTotal.Add(1)
	m.SyncLatencySum.Add(uint64(latency.Microseconds()))
	m.SyncLatencyCount.Add(1)
	if succeeded {
		m.SyncOpsSucceeded.Add(1)
	} else {
		m.SyncOpsFailed.Add(1)
	}
	m.GetAppMetrics(appID).SyncOps.Add(1)
}

// AverageSyncLatency returns the average sync latency in microseconds.
func (m *Metrics) AverageSyncLatency() float64 {
	count := m.SyncLatencyCount.Load()
	if count == 0 {
		return 0
	}
	return float64(m.SyncLatencySum.Load()) / float64(count)
}

// DeviceOnline records a peer transport online transition.
func (m *Metrics) DeviceOnline() {
	m.DevicesOnline.Add(1)
	m.DeviceTransitions.Add(1)
}

// DeviceOffline records a peer transport offline transition.
func (m *Metrics) DeviceOffline() {
	m.DevicesOnline.Add(-1)
	m.DeviceTransitions.Add(1)
}

// RecordRecovery records a recovery invocation and whether it failed.
func (m *Metrics) RecordRecovery(failed bool) {
	m.RecoveryInvocations.Add(1)
	if failed {
		m.RecoveryFailures.Add(1)
	}
}

// RecordRootKeyGenAttempt records one attempt of the vault's lazy root
// key generation loop (spec.md section 4.1).
func (m *Metrics) RecordRootKeyGenAttempt() {
	m.RootKeyGenAttempts.Add(1)
}

// Server provides an HTTP server for Prometheus metrics.
type Server struct {
	enabled bool
	addr    string
	server  *http.Server
	logger  *logging.Logger
}

// NewServer creates a new metrics server. addr is the listen address
// used when enabled is true.
func NewServer(enabled bool, addr string) *Server {
	return &Server{
		enabled: enabled,
		addr:    addr,
		logger:  logging.NewLogger("metrics"),
	}
}

// Start starts the metrics HTTP server.
func (s *Server) Start() error {
	if !s.enabled {
		s.logger.Info("metrics server disabled")
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", s.handleMetrics)

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: mux,
	}

	go func() {
		s.logger.Info("starting metrics server", "addr", s.addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics server error", "error", err)
		}
	}()

	return nil
}

// Stop stops the metrics HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.logger.Info("stopping metrics server")
	return s.server.Shutdown(ctx)
}

// handleMetrics handles the /metrics endpoint in Prometheus format.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	m := Get()
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	fmt.Fprintf(w, "# HELP edgekv_stores_opened_total OpenStore calls that succeeded\n")
	fmt.Fprintf(w, "# TYPE edgekv_stores_opened_total counter\n")
	fmt.Fprintf(w, "edgekv_stores_opened_total %d\n", m.StoresOpened.Load())

	fmt.Fprintf(w, "# HELP edgekv_stores_open Currently open store handles\n")
	fmt.Fprintf(w, "# TYPE edgekv_stores_open gauge\n")
	fmt.Fprintf(w, "edgekv_stores_open %d\n", m.StoresOpen.Load())

	fmt.Fprintf(w, "# HELP edgekv_stores_open_failed_total OpenStore calls that failed\n")
	fmt.Fprintf(w, "# TYPE edgekv_stores_open_failed_total counter\n")
	fmt.Fprintf(w, "edgekv_stores_open_failed_total %d\n", m.StoresFailed.Load())

	fmt.Fprintf(w, "# HELP edgekv_stores_deleted_total DeleteStore calls\n")
	fmt.Fprintf(w, "# TYPE edgekv_stores_deleted_total counter\n")
	fmt.Fprintf(w, "edgekv_stores_deleted_total %d\n", m.StoresDeleted.Load())

	fmt.Fprintf(w, "# HELP edgekv_sync_operations_total Sync operations completed\n")
	fmt.Fprintf(w, "# TYPE edgekv_sync_operations_total counter\n")
	fmt.Fprintf(w, "edgekv_sync_operations_total{result=\"success\"} %d\n", m.SyncOpsSucceeded.Load())
	fmt.Fprintf(w, "edgekv_sync_operations_total{result=\"failure\"} %d\n", m.SyncOpsFailed.Load())

	fmt.Fprintf(w, "# HELP edgekv_sync_latency_avg_microseconds Average sync operation latency\n")
	fmt.Fprintf(w, "# TYPE edgekv_sync_latency_avg_microseconds gauge\n")
	fmt.Fprintf(w, "edgekv_sync_latency_avg_microseconds %.2f\n", m.AverageSyncLatency())

	fmt.Fprintf(w, "# HELP edgekv_devices_online Devices currently observed online by the transport\n")
	fmt.Fprintf(w, "# TYPE edgekv_devices_online gauge\n")
	fmt.Fprintf(w, "edgekv_devices_online %d\n", m.DevicesOnline.Load())

	fmt.Fprintf(w, "# HELP edgekv_device_transitions_total Online/offline transport transitions observed\n")
	fmt.Fprintf(w, "# TYPE edgekv_device_transitions_total counter\n")
	fmt.Fprintf(w, "edgekv_device_transitions_total %d\n", m.DeviceTransitions.Load())

	fmt.Fprintf(w, "# HELP edgekv_recovery_invocations_total Recovery routines invoked\n")
	fmt.Fprintf(w, "# TYPE edgekv_recovery_invocations_total counter\n")
	fmt.Fprintf(w, "edgekv_recovery_invocations_total %d\n", m.RecoveryInvocations.Load())

	fmt.Fprintf(w, "# HELP edgekv_recovery_failures_total Recovery routines that failed\n")
	fmt.Fprintf(w, "# TYPE edgekv_recovery_failures_total counter\n")
	fmt.Fprintf(w, "edgekv_recovery_failures_total %d\n", m.RecoveryFailures.Load())

	fmt.Fprintf(w, "# HELP edgekv_root_key_gen_attempts_total Vault root key generation attempts\n")
	fmt.Fprintf(w, "# TYPE edgekv_root_key_gen_attempts_total counter\n")
	fmt.Fprintf(w, "edgekv_root_key_gen_attempts_total %d\n", m.RootKeyGenAttempts.Load())
}
