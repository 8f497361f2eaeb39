package http

import (
	"encoding/json"
	"net/http"
	"runtime"
)

// auditDegradedPercent is the audit channel occupancy beyond which the
// service reports degraded: decisions still answer, but records are
// about to be dropped.
const auditDegradedPercent = 90

// AuditStats exposes the audit pipeline's saturation counters.
type AuditStats interface {
	ChannelDepth() int
	ChannelCapacity() int
	DroppedRecords() int64
}

// RevisionSource reports the currently published bundle revision.
type RevisionSource interface {
	Revision() string
}

// HealthChecker aggregates component checks for the health endpoint.
type HealthChecker struct {
	audit   AuditStats
	bundles RevisionSource
	version string
}

// NewHealthChecker creates a health checker. Either dependency may be
// nil; its check is then omitted.
func NewHealthChecker(audit AuditStats, bundles RevisionSource, version string) *HealthChecker {
	return &HealthChecker{audit: audit, bundles: bundles, version: version}
}

// HealthResponse is the health endpoint's JSON body.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Checks  map[string]interface{} `json:"checks"`
	Version string                 `json:"version,omitempty"`
}

// Check runs all component checks. healthy is false when any component
// is degraded.
func (h *HealthChecker) Check() (HealthResponse, bool) {
	checks := make(map[string]interface{})
	healthy := true

	if h.audit != nil {
		depth := h.audit.ChannelDepth()
		capacity := h.audit.ChannelCapacity()
		percentFull := 0
		if capacity > 0 {
			percentFull = depth * 100 / capacity
		}
		status := "ok"
		if percentFull > auditDegradedPercent {
			status = "degraded"
			healthy = false
		}
		checks["audit"] = map[string]interface{}{
			"status":          status,
			"channel_depth":   depth,
			"channel_size":    capacity,
			"percent_full":    percentFull,
			"dropped_records": h.audit.DroppedRecords(),
		}
	}

	if h.bundles != nil {
		revision := h.bundles.Revision()
		status := "ok"
		if revision == "" {
			// No bundle yet: every decision denies until one is built.
			status = "degraded"
			healthy = false
		}
		checks["bundle"] = map[string]interface{}{
			"status":   status,
			"revision": revision,
		}
	}

	checks["goroutines"] = runtime.NumGoroutine()

	status := "healthy"
	if !healthy {
		status = "degraded"
	}
	return HealthResponse{Status: status, Checks: checks, Version: h.version}, healthy
}

// handler serves the health endpoint: 200 when healthy, 503 when any
// component is degraded.
func (h *HealthChecker) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp, healthy := h.Check()
		w.Header().Set("Content-Type", "application/json")
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(resp)
	}
}
