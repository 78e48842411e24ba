package monitor

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChecker() *HealthChecker {
	return NewHealthChecker("hub-test", "1.0.0")
}

func serveHealthRequest(t *testing.T, hc *HealthChecker, method, target string) *httptest.ResponseRecorder {
	t.Helper()

	mux := http.NewServeMux()
	NewHealthServer(hc).RegisterRoutes(mux)

	req := httptest.NewRequest(method, target, nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

func TestNewHealthChecker(t *testing.T) {
	hc := newTestChecker()

	assert.True(t, hc.IsHealthy())
	assert.Contains(t, hc.checks, "memory")
	assert.Contains(t, hc.checks, "goroutines")
}

func TestRegisterCheckRuns(t *testing.T) {
	hc := newTestChecker()

	checkCalled := false
	hc.RegisterCheck("test", func() error {
		checkCalled = true
		return nil
	}, false)

	assert.Contains(t, hc.checks, "test")
	assert.True(t, hc.checks["test"].Enabled)
	assert.False(t, hc.checks["test"].Critical)

	hc.RunChecks()
	assert.True(t, checkCalled)
}

func TestUnregisterCheck(t *testing.T) {
	hc := newTestChecker()

	hc.RegisterCheck("test", func() error { return nil }, false)
	assert.Contains(t, hc.checks, "test")

	hc.UnregisterCheck("test")
	assert.NotContains(t, hc.checks, "test")
}

func TestEnableDisableCheck(t *testing.T) {
	hc := newTestChecker()

	hc.RegisterCheck("test", func() error { return nil }, false)
	assert.True(t, hc.checks["test"].Enabled)

	hc.DisableCheck("test")
	assert.False(t, hc.checks["test"].Enabled)

	hc.EnableCheck("test")
	assert.True(t, hc.checks["test"].Enabled)
}

func TestDisabledCheckNotRun(t *testing.T) {
	hc := newTestChecker()

	hc.RegisterCheck("disabled", func() error {
		t.Fatal("disabled check should not run")
		return nil
	}, false)
	hc.DisableCheck("disabled")

	status := hc.RunChecks()
	assert.NotContains(t, status.Checks, "disabled")
}

func TestCriticalFailureMarksUnhealthy(t *testing.T) {
	hc := newTestChecker()

	hc.RegisterCheck("success", func() error { return nil }, false)
	hc.RegisterCheck("fail", func() error { return assert.AnError }, false)
	hc.RegisterCheck("critical_fail", func() error { return assert.AnError }, true)

	status := hc.RunChecks()

	assert.Equal(t, "unhealthy", status.Status)
	assert.NotZero(t, status.Timestamp)
	assert.Equal(t, "hub-test", status.Node)
	assert.Equal(t, "1.0.0", status.Version)
	assert.Equal(t, "passed", status.Checks["success"].Status)
	assert.Equal(t, "failed", status.Checks["fail"].Status)
	assert.Equal(t, "failed", status.Checks["critical_fail"].Status)
	assert.True(t, status.Checks["critical_fail"].Critical)
	assert.False(t, hc.IsHealthy())
}

func TestNonCriticalFailureStaysHealthy(t *testing.T) {
	hc := newTestChecker()

	// A hub running without a bound engine is degraded, not broken, so the
	// engine check is registered non-critical. The failure must surface in
	// the report without flipping the overall status.
	hc.RegisterCheck("engine", func() error {
		return errors.New("no inference engine bound")
	}, false)

	status := hc.RunChecks()

	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "failed", status.Checks["engine"].Status)
	assert.Equal(t, "no inference engine bound", status.Checks["engine"].Message)
	assert.True(t, hc.IsHealthy())
}

func TestGetStatusWithoutRunning(t *testing.T) {
	hc := newTestChecker()

	hc.RegisterCheck("test", func() error { return nil }, false)

	status := hc.GetStatus()
	assert.Equal(t, "unknown", status.Checks["test"].Status)

	hc.RunChecks()

	status = hc.GetStatus()
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "passed", status.Checks["test"].Status)
}

func TestSystemInfoPopulated(t *testing.T) {
	hc := newTestChecker()

	status := hc.RunChecks()

	assert.Greater(t, status.SystemInfo.Memory.Alloc, uint64(0))
	assert.Greater(t, status.SystemInfo.Goroutines, 0)
	assert.NotEmpty(t, status.SystemInfo.OSInfo.OS)
	assert.NotEmpty(t, status.SystemInfo.OSInfo.Arch)
	assert.Greater(t, status.SystemInfo.OSInfo.NumCPU, 0)
	assert.Greater(t, status.UptimeSeconds, float64(0))
}

func TestHealthzEndpoint(t *testing.T) {
	hc := newTestChecker()

	rr := serveHealthRequest(t, hc, http.MethodGet, "/healthz")

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var response map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &response))
	assert.Equal(t, "ok", response["status"])
	assert.Contains(t, response, "time")
}

func TestHealthzEndpointUnhealthy(t *testing.T) {
	hc := newTestChecker()
	hc.RegisterCheck("critical", func() error { return assert.AnError }, true)
	hc.RunChecks()

	rr := serveHealthRequest(t, hc, http.MethodGet, "/healthz")

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	var response map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &response))
	assert.Equal(t, "unhealthy", response["status"])
}

func TestLivenessEndpoint(t *testing.T) {
	hc := newTestChecker()
	hc.RegisterCheck("critical", func() error { return assert.AnError }, true)
	hc.RunChecks()

	// Liveness ignores check results entirely.
	rr := serveHealthRequest(t, hc, http.MethodGet, "/healthz/live")

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "OK", rr.Body.String())
}

func TestReadinessEndpoint(t *testing.T) {
	hc := newTestChecker()

	rr := serveHealthRequest(t, hc, http.MethodGet, "/healthz/ready")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "OK", rr.Body.String())

	hc.RegisterCheck("critical", func() error { return assert.AnError }, true)
	hc.RunChecks()

	rr = serveHealthRequest(t, hc, http.MethodGet, "/healthz/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "Service Unavailable", rr.Body.String())
}

func TestDetailedEndpointRunsChecks(t *testing.T) {
	hc := newTestChecker()

	checkCalled := false
	hc.RegisterCheck("test", func() error {
		checkCalled = true
		return nil
	}, false)

	rr := serveHealthRequest(t, hc, http.MethodGet, "/healthz/detailed")

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, checkCalled)

	var status HealthStatus
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	assert.Equal(t, "healthy", status.Status)
	assert.Contains(t, status.Checks, "test")
	assert.Equal(t, "1.0.0", status.Version)
	assert.Greater(t, status.SystemInfo.Goroutines, 0)
}

func TestHealthzMethodNotAllowed(t *testing.T) {
	hc := newTestChecker()

	rr := serveHealthRequest(t, hc, http.MethodPost, "/healthz")
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestConcurrentAccess(t *testing.T) {
	hc := newTestChecker()

	hc.RegisterCheck("concurrent", func() error { return nil }, false)

	done := make(chan struct{}, 10)
	for i := 0; i < 10; i++ {
		go func() {
			hc.RunChecks()
			hc.IsHealthy()
			hc.GetStatus()
			done <- struct{}{}
		}()
	}
	for i := 0; i < 10; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for concurrent check runs")
		}
	}

	assert.True(t, hc.IsHealthy())
}
