package observability

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// HealthChecker manages liveness and readiness state.
// Readiness also requires the core loop to have beaten recently, so a
// wedged loop drops the instance out of rotation.
type HealthChecker struct {
	ready      atomic.Bool
	lastBeat   atomic.Int64 // unix nanos
	startTime  time.Time
	staleAfter time.Duration
	now        func() time.Time
}

// NewHealthChecker creates a health checker. A zero staleAfter disables
// the heartbeat requirement.
func NewHealthChecker(staleAfter time.Duration) *HealthChecker {
	return &HealthChecker{
		startTime:  time.Now(),
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// SetReady marks the service as ready to accept traffic.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

// Beat records that the core loop processed a tick.
func (h *HealthChecker) Beat() {
	h.lastBeat.Store(h.now().UnixNano())
}

// IsReady returns whether the service is ready.
func (h *HealthChecker) IsReady() bool {
	if !h.ready.Load() {
		return false
	}
	if h.staleAfter <= 0 {
		return true
	}
	last := h.lastBeat.Load()
	return last != 0 && h.now().Sub(time.Unix(0, last)) <= h.staleAfter
}

// LivenessHandler returns HTTP 200 if the process is alive.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler returns HTTP 200 if the service is ready, 503 otherwise.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if h.IsReady() {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "ready",
		})
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "not_ready",
		})
	}
}
