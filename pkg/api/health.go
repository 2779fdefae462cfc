package api

import (
	"fmt"
	"net/http"
	"time"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

// ReadyResponse represents the readiness check response
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// handleHealthz is a simple liveness check - returns 200 if the process
// is alive.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   s.cfg.Version,
	})
}

// handleReadyz checks whether the control plane can actually serve:
// the instance registry and key store must answer reads.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	ready := true
	var message string

	if _, err := s.store.ListInstances("/"); err != nil {
		checks["storage"] = fmt.Sprintf("error: %v", err)
		ready = false
		message = "Instance registry not accessible"
	} else {
		checks["storage"] = "ok"
	}

	if _, err := s.pub.ListKeys("/", ""); err != nil {
		checks["keys"] = fmt.Sprintf("error: %v", err)
		ready = false
		if message == "" {
			message = "Key store not accessible"
		}
	} else {
		checks["keys"] = "ok"
	}

	checks["events"] = fmt.Sprintf("%d watchers", s.events.SubscriberCount())

	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, ReadyResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
		Message:   message,
	})
}
