package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/toolwarden/toolwarden/internal/domain/audit"
	"github.com/toolwarden/toolwarden/internal/domain/classify"
	"github.com/toolwarden/toolwarden/internal/domain/protocol"
	"github.com/toolwarden/toolwarden/internal/protocols/approval"
	"github.com/toolwarden/toolwarden/internal/service"
)

// maxRequestBodySize limits request body size to prevent memory exhaustion.
const maxRequestBodySize = 1024 * 1024 // 1MB

// defaultRecentLimit is how many audit records the recent-decisions
// endpoint returns when no limit is given.
const defaultRecentLimit = 50

// RecentReader serves the most recent decision audit records.
type RecentReader interface {
	GetRecent(n int) []audit.DecisionRecord
}

// EvaluatorSource resolves protocol instances for the remote evaluate
// endpoint.
type EvaluatorSource interface {
	Lookup(instance string) (protocol.Evaluator, bool)
}

// decideRequest is the wire form of one tool call submitted for a
// decision.
type decideRequest struct {
	Caller    string                 `json:"caller"`
	SessionID string                 `json:"session_id"`
	Service   string                 `json:"service"`
	Tool      string                 `json:"tool"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// denyReqBody carries the reason for an explicit approval denial.
type denyReqBody struct {
	Reason string `json:"reason"`
}

// handlers bundles the endpoint implementations and their dependencies.
type handlers struct {
	decisions  *service.DecisionService
	bundles    *service.BundleBuilder
	approvals  *approval.Service
	recent     RecentReader
	evaluators EvaluatorSource
	metrics    *Metrics
	logger     *slog.Logger
}

// routes registers every endpoint on the mux. Admin endpoints are
// wrapped with the given middleware.
func (h *handlers) routes(mux *http.ServeMux, admin func(http.Handler) http.Handler) {
	mux.HandleFunc("POST /v1/decide", h.handleDecide)
	mux.HandleFunc("GET /v1/bundle", h.handleBundle)
	mux.HandleFunc("POST /v1/protocols/{instance}/evaluate", h.handleEvaluate)

	mux.Handle("GET /v1/approvals", admin(http.HandlerFunc(h.handleListApprovals)))
	mux.Handle("GET /v1/approvals/{id}", admin(http.HandlerFunc(h.handleGetApproval)))
	mux.Handle("POST /v1/approvals/{id}/approve", admin(http.HandlerFunc(h.handleApprove)))
	mux.Handle("POST /v1/approvals/{id}/deny", admin(http.HandlerFunc(h.handleDeny)))
	mux.Handle("GET /v1/decisions/recent", admin(http.HandlerFunc(h.handleRecent)))
}

// handleDecide evaluates one tool call. It always answers 200 with a
// decision body; a deny is a successful evaluation, not an HTTP error.
func (h *handlers) handleDecide(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req decideRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Caller == "" || req.Service == "" || req.Tool == "" {
		writeError(w, http.StatusBadRequest, "caller, service and tool are required")
		return
	}

	start := time.Now()
	d := h.decisions.Decide(r.Context(), classify.ToolCallContext{
		Caller:    req.Caller,
		SessionID: req.SessionID,
		Service:   req.Service,
		Tool:      req.Tool,
		Arguments: req.Arguments,
	})

	if h.metrics != nil {
		h.metrics.DecisionDuration.Observe(time.Since(start).Seconds())
		h.metrics.DecisionsTotal.WithLabelValues(string(d.Outcome), decisionSource(d)).Inc()
	}

	writeJSON(w, http.StatusOK, d)
}

// decisionSource labels a decision for metrics: delegated decisions carry
// the route instance, everything else came from the rule layer.
func decisionSource(d service.Decision) string {
	if d.RouteInstance != "" {
		return "protocol"
	}
	return "rule"
}

// handleBundle serves the current policy bundle with conditional fetch.
// The revision doubles as the ETag; If-None-Match with the current
// revision answers 304 without a body.
func (h *handlers) handleBundle(w http.ResponseWriter, r *http.Request) {
	if h.bundles == nil {
		writeError(w, http.StatusNotFound, "bundle distribution not enabled")
		return
	}

	ifRevision := unquoteETag(r.Header.Get("If-None-Match"))
	data, revision, modified := h.bundles.Artifact(ifRevision)

	switch {
	case revision == "":
		h.countBundleFetch("none")
		writeError(w, http.StatusNotFound, "no bundle published")

	case !modified:
		h.countBundleFetch("unmodified")
		w.Header().Set("ETag", quoteETag(revision))
		w.WriteHeader(http.StatusNotModified)

	default:
		h.countBundleFetch("full")
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("ETag", quoteETag(revision))
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(data); err != nil {
			RequestLogger(r.Context(), h.logger).Warn("bundle write failed", "error", err)
		}
	}
}

func (h *handlers) countBundleFetch(result string) {
	if h.metrics != nil {
		h.metrics.BundleFetchesTotal.WithLabelValues(result).Inc()
	}
}

// handleEvaluate serves a registered protocol instance to a remote
// gateway. The wire contract mirrors the in-process evaluate() call.
func (h *handlers) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	if h.evaluators == nil {
		writeError(w, http.StatusNotFound, "remote evaluation not enabled")
		return
	}

	instance := r.PathValue("instance")
	ev, ok := h.evaluators.Lookup(instance)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown protocol instance %q", instance))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req protocol.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	resp, err := ev.Evaluate(r.Context(), req)
	if err != nil {
		RequestLogger(r.Context(), h.logger).Error("remote evaluation failed",
			"instance", instance,
			"tool", req.Tool,
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "evaluation failed")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleListApprovals returns all pending approvals, oldest first.
func (h *handlers) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	if h.approvals == nil {
		writeError(w, http.StatusNotFound, "approval workflow not enabled")
		return
	}

	pending, err := h.approvals.ListPending(r.Context())
	if err != nil {
		RequestLogger(r.Context(), h.logger).Error("approval listing failed", "error", err)
		writeError(w, http.StatusInternalServerError, "approval store unavailable")
		return
	}
	if h.metrics != nil {
		h.metrics.PendingApprovals.Set(float64(len(pending)))
	}
	if pending == nil {
		pending = []*approval.Record{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"approvals": pending})
}

// handleGetApproval returns one approval record by id.
func (h *handlers) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	if h.approvals == nil {
		writeError(w, http.StatusNotFound, "approval workflow not enabled")
		return
	}

	rec, err := h.approvals.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeApprovalError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleApprove grants one pending approval.
func (h *handlers) handleApprove(w http.ResponseWriter, r *http.Request) {
	if h.approvals == nil {
		writeError(w, http.StatusNotFound, "approval workflow not enabled")
		return
	}

	id := r.PathValue("id")
	if err := h.approvals.Approve(r.Context(), id); err != nil {
		writeApprovalError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(approval.StatusApproved)})
}

// handleDeny refuses one pending approval with an operator reason.
func (h *handlers) handleDeny(w http.ResponseWriter, r *http.Request) {
	if h.approvals == nil {
		writeError(w, http.StatusNotFound, "approval workflow not enabled")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var body denyReqBody
	// An absent body is fine; a malformed one is not.
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if body.Reason == "" {
		body.Reason = "denied by operator"
	}

	id := r.PathValue("id")
	if err := h.approvals.Deny(r.Context(), id, body.Reason); err != nil {
		writeApprovalError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(approval.StatusDenied)})
}

// handleRecent returns the most recent decision audit records.
func (h *handlers) handleRecent(w http.ResponseWriter, r *http.Request) {
	if h.recent == nil {
		writeError(w, http.StatusNotFound, "decision history not enabled")
		return
	}

	limit := defaultRecentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	records := h.recent.GetRecent(limit)
	if records == nil {
		records = []audit.DecisionRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"decisions": records})
}

// writeApprovalError maps approval service errors to HTTP statuses:
// unknown id to 404, already-decided transitions to 409.
func writeApprovalError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, approval.ErrNotFound):
		writeError(w, http.StatusNotFound, "approval not found")
	case isConflict(err):
		writeError(w, http.StatusConflict, err.Error())
	default:
		RequestLogger(r.Context(), logger).Error("approval operation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "approval store unavailable")
	}
}

// isConflict recognizes the service's already-terminal transition error.
func isConflict(err error) bool {
	return strings.Contains(err.Error(), "is already")
}

// writeJSON writes v as a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error body with the given status.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// quoteETag wraps a revision in the ETag quoting HTTP requires.
func quoteETag(revision string) string { return `"` + revision + `"` }

// unquoteETag strips ETag quoting, tolerating weak validators and
// unquoted values.
func unquoteETag(tag string) string {
	if len(tag) >= 2 && tag[0] == 'W' && tag[1] == '/' {
		tag = tag[2:]
	}
	if len(tag) >= 2 && tag[0] == '"' && tag[len(tag)-1] == '"' {
		return tag[1 : len(tag)-1]
	}
	return tag
}
