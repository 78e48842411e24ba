// Copyright 2024 The apexhub Authors
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

// Package monitor provides process health checking for the hub: registered
// liveness checks (runtime memory, goroutine count, engine binding, alert
// queue depth) and the HTTP probe endpoints served on the admin listener.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"sync"
	"time"
)

// HealthChecker runs a set of named checks and tracks the overall process
// health. Checks marked critical flip the overall status to unhealthy when
// they fail; non-critical checks are reported but do not affect it.
type HealthChecker struct {
	mu sync.RWMutex

	node      string
	version   string
	startedAt time.Time

	healthy   bool
	lastCheck time.Time

	memStats       runtime.MemStats
	goroutineCount int

	checks map[string]HealthCheck
}

// HealthCheck is a registered check function with its bookkeeping.
type HealthCheck struct {
	Name        string
	CheckFunc   func() error
	Critical    bool
	LastChecked time.Time
	LastError   error
	Enabled     bool
}

// HealthStatus is the full health report returned by RunChecks and GetStatus.
type HealthStatus struct {
	Status        string                 `json:"status"`
	Timestamp     time.Time              `json:"timestamp"`
	UptimeSeconds float64                `json:"uptime_seconds"`
	Version       string                 `json:"version"`
	Node          string                 `json:"node"`
	Checks        map[string]CheckResult `json:"checks"`
	SystemInfo    SystemInfo             `json:"system_info"`
}

// CheckResult is the outcome of a single check.
type CheckResult struct {
	Status      string    `json:"status"`
	LastChecked time.Time `json:"last_checked"`
	Message     string    `json:"message,omitempty"`
	Critical    bool      `json:"critical"`
}

// SystemInfo contains runtime-level process information.
type SystemInfo struct {
	Memory     MemoryInfo `json:"memory"`
	Goroutines int        `json:"goroutines"`
	OSInfo     OSInfo     `json:"os_info"`
}

// MemoryInfo contains memory usage information.
type MemoryInfo struct {
	Alloc      uint64  `json:"alloc"`
	TotalAlloc uint64  `json:"total_alloc"`
	Sys        uint64  `json:"sys"`
	NumGC      uint32  `json:"num_gc"`
	GCPause    float64 `json:"gc_pause_ms"`
}

// OSInfo contains operating system information.
type OSInfo struct {
	OS       string `json:"os"`
	Arch     string `json:"arch"`
	Version  string `json:"version"`
	NumCPU   int    `json:"num_cpu"`
	Compiler string `json:"compiler"`
}

// NewHealthChecker creates a checker for the given node with default runtime
// checks (memory and goroutine count) pre-registered.
func NewHealthChecker(node, version string) *HealthChecker {
	hc := &HealthChecker{
		node:      node,
		version:   version,
		startedAt: time.Now(),
		healthy:   true,
		lastCheck: time.Now(),
		checks:    make(map[string]HealthCheck),
	}

	hc.RegisterCheck("memory", func() error {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		if m.Sys > 8<<30 {
			return fmt.Errorf("high memory usage: %d bytes", m.Sys)
		}
		return nil
	}, false)

	hc.RegisterCheck("goroutines", func() error {
		count := runtime.NumGoroutine()
		if count > 10000 {
			return fmt.Errorf("high goroutine count: %d", count)
		}
		return nil
	}, false)

	return hc
}

// RegisterCheck registers a named health check. Critical checks mark the
// whole process unhealthy when they fail.
func (hc *HealthChecker) RegisterCheck(name string, checkFunc func() error, critical bool) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	hc.checks[name] = HealthCheck{
		Name:      name,
		CheckFunc: checkFunc,
		Critical:  critical,
		Enabled:   true,
	}
}

// UnregisterCheck removes a health check.
func (hc *HealthChecker) UnregisterCheck(name string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	delete(hc.checks, name)
}

// EnableCheck enables a previously disabled check.
func (hc *HealthChecker) EnableCheck(name string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	if check, exists := hc.checks[name]; exists {
		check.Enabled = true
		hc.checks[name] = check
	}
}

// DisableCheck disables a check without removing it.
func (hc *HealthChecker) DisableCheck(name string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	if check, exists := hc.checks[name]; exists {
		check.Enabled = false
		hc.checks[name] = check
	}
}

// RunChecks executes every enabled check and returns the resulting status.
func (hc *HealthChecker) RunChecks() HealthStatus {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	now := time.Now()
	hc.lastCheck = now

	runtime.ReadMemStats(&hc.memStats)
	hc.goroutineCount = runtime.NumGoroutine()

	checkResults := make(map[string]CheckResult)
	overallHealthy := true

	for name, check := range hc.checks {
		if !check.Enabled {
			continue
		}

		started := time.Now()
		err := check.CheckFunc()
		duration := time.Since(started)

		var status, message string
		if err != nil {
			status = "failed"
			message = err.Error()
			check.LastError = err
			if check.Critical {
				overallHealthy = false
			}
		} else {
			status = "passed"
			check.LastError = nil
		}

		check.LastChecked = now
		hc.checks[name] = check

		checkResults[name] = CheckResult{
			Status:      status,
			LastChecked: now,
			Message:     message,
			Critical:    check.Critical,
		}

		if duration > time.Second {
			log.Printf("[WARN] Health check %q took %v", name, duration)
		}
	}

	hc.healthy = overallHealthy

	return HealthStatus{
		Status:        hc.overallStatus(),
		Timestamp:     now,
		UptimeSeconds: time.Since(hc.startedAt).Seconds(),
		Version:       hc.version,
		Node:          hc.node,
		Checks:        checkResults,
		SystemInfo:    hc.systemInfo(),
	}
}

// GetStatus returns the last known status without re-running the checks.
// Checks that have never run report status "unknown".
func (hc *HealthChecker) GetStatus() HealthStatus {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	checkResults := make(map[string]CheckResult)
	for name, check := range hc.checks {
		if !check.Enabled {
			continue
		}

		status := "unknown"
		message := ""
		if !check.LastChecked.IsZero() {
			if check.LastError != nil {
				status = "failed"
				message = check.LastError.Error()
			} else {
				status = "passed"
			}
		}

		checkResults[name] = CheckResult{
			Status:      status,
			LastChecked: check.LastChecked,
			Message:     message,
			Critical:    check.Critical,
		}
	}

	return HealthStatus{
		Status:        hc.overallStatus(),
		Timestamp:     hc.lastCheck,
		UptimeSeconds: time.Since(hc.startedAt).Seconds(),
		Version:       hc.version,
		Node:          hc.node,
		Checks:        checkResults,
		SystemInfo:    hc.systemInfo(),
	}
}

// IsHealthy reports whether the last check run found the process healthy.
func (hc *HealthChecker) IsHealthy() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.healthy
}

func (hc *HealthChecker) systemInfo() SystemInfo {
	var gcPause float64
	if hc.memStats.NumGC > 0 {
		gcPause = float64(hc.memStats.PauseNs[(hc.memStats.NumGC+255)%256]) / 1e6
	}

	return SystemInfo{
		Memory: MemoryInfo{
			Alloc:      hc.memStats.Alloc,
			TotalAlloc: hc.memStats.TotalAlloc,
			Sys:        hc.memStats.Sys,
			NumGC:      hc.memStats.NumGC,
			GCPause:    gcPause,
		},
		Goroutines: hc.goroutineCount,
		OSInfo: OSInfo{
			OS:       runtime.GOOS,
			Arch:     runtime.GOARCH,
			Version:  runtime.Version(),
			NumCPU:   runtime.NumCPU(),
			Compiler: runtime.Compiler,
		},
	}
}

func (hc *HealthChecker) overallStatus() string {
	if hc.healthy {
		return "healthy"
	}
	return "unhealthy"
}

// HealthServer exposes the checker over HTTP probe endpoints.
type HealthServer struct {
	checker *HealthChecker
}

// NewHealthServer creates a health server backed by the given checker.
func NewHealthServer(checker *HealthChecker) *HealthServer {
	return &HealthServer{checker: checker}
}

// RegisterRoutes registers the probe endpoints on mux.
func (hs *HealthServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", hs.handleHealth)
	mux.HandleFunc("/healthz/live", hs.handleLiveness)
	mux.HandleFunc("/healthz/ready", hs.handleReadiness)
	mux.HandleFunc("/healthz/detailed", hs.handleDetailedHealth)
}

// handleHealth returns a compact ok/unhealthy answer.
func (hs *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if hs.checker.IsHealthy() {
		hs.writeJSON(w, http.StatusOK, map[string]string{
			"status": "ok",
			"time":   time.Now().Format(time.RFC3339),
		})
	} else {
		hs.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"time":   time.Now().Format(time.RFC3339),
		})
	}
}

// handleLiveness answers liveness probes. Reaching the handler at all means
// the process is alive, so it never fails.
func (hs *HealthServer) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// handleReadiness answers readiness probes from the last check run.
func (hs *HealthServer) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if hs.checker.IsHealthy() {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("Service Unavailable"))
	}
}

// handleDetailedHealth re-runs all checks and returns the full report.
func (hs *HealthServer) handleDetailedHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := hs.checker.RunChecks()

	statusCode := http.StatusOK
	if status.Status != "healthy" {
		statusCode = http.StatusServiceUnavailable
	}

	hs.writeJSON(w, statusCode, status)
}

func (hs *HealthServer) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Failed to encode JSON", http.StatusInternalServerError)
	}
}

// StartPeriodicChecks re-runs the checks on a fixed interval until ctx is
// cancelled, logging whenever the process is unhealthy.
func StartPeriodicChecks(ctx context.Context, checker *HealthChecker, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				status := checker.RunChecks()
				for name, result := range status.Checks {
					if result.Status == "failed" && result.Critical {
						log.Printf("[WARN] Critical health check %q failing: %s", name, result.Message)
					}
				}
			}
		}
	}()
}
