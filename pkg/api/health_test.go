package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHealthzFormat verifies the liveness payload shape.
func TestHealthzFormat(t *testing.T) {
	rig := newAPIRig(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	rig.srv.handleHealthz(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var response HealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "healthy", response.Status)
	assert.False(t, response.Timestamp.IsZero())
	assert.Equal(t, "dev", response.Version)
}

// TestHealthzReportsConfiguredVersion surfaces the build version handed
// to the server.
func TestHealthzReportsConfiguredVersion(t *testing.T) {
	srv := &Server{cfg: Config{Version: "1.2.3"}.withDefaults()}

	w := httptest.NewRecorder()
	srv.handleHealthz(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	var response HealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "1.2.3", response.Version)
}

// TestReadyzChecks confirms a fully wired control plane reports every
// dependency healthy.
func TestReadyzChecks(t *testing.T) {
	rig := newAPIRig(t)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	rig.srv.handleReadyz(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var response ReadyResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "ready", response.Status)
	assert.False(t, response.Timestamp.IsZero())
	assert.Equal(t, "ok", response.Checks["storage"])
	assert.Equal(t, "ok", response.Checks["keys"])
	assert.Contains(t, response.Checks, "events")
	assert.Empty(t, response.Message)
}

// TestReadyzReportsStorageFailure flips readiness to 503 when the
// instance registry stops answering reads.
func TestReadyzReportsStorageFailure(t *testing.T) {
	rig := newAPIRig(t)
	require.NoError(t, rig.store.Close())

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	rig.srv.handleReadyz(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var response ReadyResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "not ready", response.Status)
	assert.Contains(t, response.Checks["storage"], "error")
	assert.NotEmpty(t, response.Message)
}

// TestHealthRouteMethods checks the router side: probe routes answer
// GET only, metrics serves scrapes, unknown paths are 404.
func TestHealthRouteMethods(t *testing.T) {
	rig := newAPIRig(t)

	tests := []struct {
		name           string
		method         string
		path           string
		expectedStatus int
	}{
		{name: "healthz accepts GET", method: http.MethodGet, path: "/healthz", expectedStatus: http.StatusOK},
		{name: "healthz rejects POST", method: http.MethodPost, path: "/healthz", expectedStatus: http.StatusMethodNotAllowed},
		{name: "readyz accepts GET", method: http.MethodGet, path: "/readyz", expectedStatus: http.StatusOK},
		{name: "readyz rejects DELETE", method: http.MethodDelete, path: "/readyz", expectedStatus: http.StatusMethodNotAllowed},
		{name: "metrics serves scrapes", method: http.MethodGet, path: "/metrics", expectedStatus: http.StatusOK},
		{name: "unknown path is 404", method: http.MethodGet, path: "/nonexistent", expectedStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			w := httptest.NewRecorder()
			rig.srv.Handler().ServeHTTP(w, req)
			assert.Equal(t, tt.expectedStatus, w.Code, "path: %s", tt.path)
		})
	}
}

// TestHealthHandlersConcurrent hits both probes from many goroutines at
// once; the handlers share no mutable state.
func TestHealthHandlersConcurrent(t *testing.T) {
	rig := newAPIRig(t)

	done := make(chan bool, 20)
	for i := 0; i < 10; i++ {
		go func() {
			w := httptest.NewRecorder()
			rig.srv.handleHealthz(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
			assert.Equal(t, http.StatusOK, w.Code)
			done <- true
		}()
	}
	for i := 0; i < 10; i++ {
		go func() {
			w := httptest.NewRecorder()
			rig.srv.handleReadyz(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			assert.Contains(t, []int{http.StatusOK, http.StatusServiceUnavailable}, w.Code)
			done <- true
		}()
	}
	for i := 0; i < 20; i++ {
		<-done
	}
}

func BenchmarkHealthz(b *testing.B) {
	srv := &Server{cfg: Config{}.withDefaults()}
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		w := httptest.NewRecorder()
		srv.handleHealthz(w, req)
	}
}
