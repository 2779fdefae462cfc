package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// HealthStatus is the wire form of a health or readiness report.
type HealthStatus struct {
	Status     string            `json:"status"` // "healthy"/"unhealthy", "ready"/"not_ready"
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

type componentHealth struct {
	healthy bool
	message string
	updated time.Time
}

// healthRegistry tracks the components a process has chosen to report.
// Readiness is gated on exactly the registered set, so each binary
// decides what matters to it: the box agent registers its subscription
// and key file, a batch tool might register nothing at all.
type healthRegistry struct {
	mu         sync.RWMutex
	components map[string]componentHealth
	startTime  time.Time
	version    string
}

var health = &healthRegistry{
	components: make(map[string]componentHealth),
	startTime:  time.Now(),
}

// SetVersion sets the version string included in health responses.
func SetVersion(version string) {
	health.mu.Lock()
	defer health.mu.Unlock()
	health.version = version
}

// UpdateComponent records the current health of a named component,
// registering it on first use. Registering a component unhealthy at
// startup keeps the process not-ready until its first successful pass.
func UpdateComponent(name string, healthy bool, message string) {
	health.mu.Lock()
	defer health.mu.Unlock()
	health.components[name] = componentHealth{
		healthy: healthy,
		message: message,
		updated: time.Now(),
	}
}

// GetHealth reports overall process health: unhealthy as soon as any
// registered component is.
func GetHealth() HealthStatus {
	health.mu.RLock()
	defer health.mu.RUnlock()

	status := "healthy"
	components := make(map[string]string, len(health.components))
	for name, comp := range health.components {
		if comp.healthy {
			components[name] = "healthy"
		} else {
			status = "unhealthy"
			components[name] = "unhealthy: " + comp.message
		}
	}

	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Version:    health.version,
		Uptime:     time.Since(health.startTime).String(),
	}
}

// GetReadiness reports ready only when every registered component is
// healthy. The message names the first blocked component in name order.
func GetReadiness() HealthStatus {
	health.mu.RLock()
	defer health.mu.RUnlock()

	names := make([]string, 0, len(health.components))
	for name := range health.components {
		names = append(names, name)
	}
	sort.Strings(names)

	status := "ready"
	message := ""
	components := make(map[string]string, len(names))
	for _, name := range names {
		comp := health.components[name]
		if comp.healthy {
			components[name] = "ready"
			continue
		}
		status = "not_ready"
		components[name] = "not ready: " + comp.message
		if message == "" {
			message = "waiting for " + name
		}
	}

	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Message:    message,
		Version:    health.version,
		Uptime:     time.Since(health.startTime).String(),
	}
}

// HealthHandler serves the health report, 503 when unhealthy.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := GetHealth()

		statusCode := http.StatusOK
		if report.Status != "healthy" {
			statusCode = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		_ = json.NewEncoder(w).Encode(report)
	}
}

// ReadyHandler serves the readiness report, 503 until ready.
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := GetReadiness()

		statusCode := http.StatusOK
		if report.Status != "ready" {
			statusCode = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		_ = json.NewEncoder(w).Encode(report)
	}
}
