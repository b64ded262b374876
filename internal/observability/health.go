package observability

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

type probeStatus struct {
	Status string `json:"status"`
	Uptime string `json:"uptime,omitempty"`
}

// HealthChecker backs the /healthz and /readyz probes. Liveness is the
// process being up; readiness flips on after recovery replayed the log and
// the broker and database connections exist, and off again at shutdown so
// load balancers drain before the channels close.
type HealthChecker struct {
	ready   atomic.Bool
	started time.Time
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{started: time.Now()}
}

func (h *HealthChecker) SetReady(ready bool) { h.ready.Store(ready) }

func (h *HealthChecker) IsReady() bool { return h.ready.Load() }

// LivenessHandler always answers 200 while the process runs.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	writeProbe(w, http.StatusOK, probeStatus{
		Status: "alive",
		Uptime: time.Since(h.started).Round(time.Second).String(),
	})
}

// ReadinessHandler answers 200 when traffic is welcome, 503 otherwise.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, _ *http.Request) {
	if h.ready.Load() {
		writeProbe(w, http.StatusOK, probeStatus{Status: "ready"})
		return
	}
	writeProbe(w, http.StatusServiceUnavailable, probeStatus{Status: "not_ready"})
}

func writeProbe(w http.ResponseWriter, code int, body probeStatus) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
