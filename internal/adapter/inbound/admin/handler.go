// Package admin provides the administrative HTTP surface for the
// authoritative policy state: CRUD for rules, routes, overrides, and
// grants, plus protocol token rotation.
//
// Every mutation is a load-modify-validate-save cycle against the state
// store. The store's change watcher notifies the bundle builder, so a
// successful mutation is observable in the next rebuild without any
// direct coupling between this package and the build pipeline.
package admin

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/toolwarden/toolwarden/internal/adapter/outbound/state"
	"github.com/toolwarden/toolwarden/internal/domain/bundle"
	"github.com/toolwarden/toolwarden/internal/domain/classify"
	"github.com/toolwarden/toolwarden/internal/domain/route"
	"github.com/toolwarden/toolwarden/internal/domain/rule"
)

// maxBodySize caps admin request bodies.
const maxBodySize = 1024 * 1024 // 1MB

// StateStore is the slice of the authoritative store the admin surface
// needs.
type StateStore interface {
	Load() (*state.PolicyState, error)
	Save(st *state.PolicyState) error
}

// Handler serves the admin API.
type Handler struct {
	store  StateStore
	logger *slog.Logger

	// mu serializes load-modify-save cycles; the store only serializes
	// individual writes.
	mu sync.Mutex
}

// NewHandler creates an admin Handler over the given store.
func NewHandler(store StateStore, logger *slog.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

// Routes returns the admin mux. Callers mount it behind their own
// authentication middleware.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /admin/api/state", h.handleGetState)

	mux.HandleFunc("GET /admin/api/rules", h.handleListRules)
	mux.HandleFunc("PUT /admin/api/rules/{id}", h.handlePutRule)
	mux.HandleFunc("DELETE /admin/api/rules/{id}", h.handleDeleteRule)

	mux.HandleFunc("PUT /admin/api/routes/{service}/{tool}", h.handlePutRoute)
	mux.HandleFunc("DELETE /admin/api/routes/{service}/{tool}", h.handleDeleteRoute)

	mux.HandleFunc("PUT /admin/api/overrides/{tool}", h.handlePutOverride)
	mux.HandleFunc("DELETE /admin/api/overrides/{tool}", h.handleDeleteOverride)

	mux.HandleFunc("PUT /admin/api/grants/{caller}", h.handlePutGrant)
	mux.HandleFunc("DELETE /admin/api/grants/{caller}", h.handleDeleteGrant)

	mux.HandleFunc("PUT /admin/api/protocols/{instance}", h.handlePutProtocol)
	mux.HandleFunc("DELETE /admin/api/protocols/{instance}", h.handleDeleteProtocol)

	mux.HandleFunc("POST /admin/api/token/rotate", h.handleRotateToken)

	return mux
}

// mutate runs one load-modify-validate-save cycle. The mutation
// callback edits the state in place; a validation failure leaves the
// stored state untouched.
func (h *Handler) mutate(fn func(st *state.PolicyState) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	st, err := h.store.Load()
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	if err := fn(st); err != nil {
		return err
	}
	if err := validateState(st); err != nil {
		return err
	}
	if err := h.store.Save(st); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// validateState rejects a state that would fail the bundle build, so
// admin mutations cannot park the builder on a permanently-invalid
// store.
func validateState(st *state.PolicyState) error {
	b := &bundle.Bundle{
		Catalog:     st.Catalog,
		Grants:      st.Grants,
		Profiles:    st.Profiles,
		Overrides:   st.Overrides,
		Classifiers: st.Classifiers,
		Extractors:  st.Extractors,
		Rules:       st.Rules,
		Routes:      st.Routes,
	}
	return b.Validate()
}

func (h *Handler) handleGetState(w http.ResponseWriter, r *http.Request) {
	st, err := h.store.Load()
	if err != nil {
		h.logger.Error("admin state load failed", "error", err)
		writeError(w, http.StatusInternalServerError, "state store unavailable")
		return
	}
	// The protocol token never leaves through the read API.
	st.Token = ""
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) handleListRules(w http.ResponseWriter, r *http.Request) {
	st, err := h.store.Load()
	if err != nil {
		h.logger.Error("admin state load failed", "error", err)
		writeError(w, http.StatusInternalServerError, "state store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rules": st.Rules})
}

// handlePutRule creates or replaces one rule, keyed by the path id.
func (h *Handler) handlePutRule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var body rule.Rule
	if !decodeBody(w, r, &body) {
		return
	}
	body.ID = id
	if body.Name == "" {
		writeError(w, http.StatusBadRequest, "rule name is required")
		return
	}

	err := h.mutate(func(st *state.PolicyState) error {
		for i := range st.Rules {
			if st.Rules[i].ID == id {
				st.Rules[i] = body
				return nil
			}
		}
		st.Rules = append(st.Rules, body)
		return nil
	})
	if err != nil {
		writeMutationError(w, h.logger, err)
		return
	}

	h.logger.Info("rule saved", "rule_id", id, "action", body.Action)
	writeJSON(w, http.StatusOK, body)
}

func (h *Handler) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	found := false
	err := h.mutate(func(st *state.PolicyState) error {
		kept := st.Rules[:0]
		for _, ru := range st.Rules {
			if ru.ID == id {
				found = true
				continue
			}
			kept = append(kept, ru)
		}
		st.Rules = kept
		return nil
	})
	if err != nil {
		writeMutationError(w, h.logger, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}

	h.logger.Info("rule deleted", "rule_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// handlePutRoute sets the route group for one (service, tool) pair.
// Tool may be "*" for the service-wide wildcard entry.
func (h *Handler) handlePutRoute(w http.ResponseWriter, r *http.Request) {
	service := r.PathValue("service")
	tool := r.PathValue("tool")

	var g route.Group
	if !decodeBody(w, r, &g) {
		return
	}

	err := h.mutate(func(st *state.PolicyState) error {
		if st.Routes.Entries == nil {
			st.Routes.Entries = make(map[string]map[string]route.Group)
		}
		if st.Routes.Entries[service] == nil {
			st.Routes.Entries[service] = make(map[string]route.Group)
		}
		st.Routes.Entries[service][tool] = g
		return nil
	})
	if err != nil {
		writeMutationError(w, h.logger, err)
		return
	}

	h.logger.Info("route saved", "service", service, "tool", tool, "members", len(g.Routes))
	writeJSON(w, http.StatusOK, g)
}

func (h *Handler) handleDeleteRoute(w http.ResponseWriter, r *http.Request) {
	service := r.PathValue("service")
	tool := r.PathValue("tool")

	found := false
	err := h.mutate(func(st *state.PolicyState) error {
		tools, ok := st.Routes.Entries[service]
		if !ok {
			return nil
		}
		if _, ok := tools[tool]; !ok {
			return nil
		}
		found = true
		delete(tools, tool)
		if len(tools) == 0 {
			delete(st.Routes.Entries, service)
		}
		return nil
	})
	if err != nil {
		writeMutationError(w, h.logger, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "route not found")
		return
	}

	h.logger.Info("route deleted", "service", service, "tool", tool)
	w.WriteHeader(http.StatusNoContent)
}

// handlePutOverride sets the operator override for one tool.
func (h *Handler) handlePutOverride(w http.ResponseWriter, r *http.Request) {
	tool := r.PathValue("tool")

	var ov classify.Override
	if !decodeBody(w, r, &ov) {
		return
	}
	ov.Tool = tool

	err := h.mutate(func(st *state.PolicyState) error {
		if st.Overrides == nil {
			st.Overrides = make(map[string]classify.Override)
		}
		st.Overrides[tool] = ov
		return nil
	})
	if err != nil {
		writeMutationError(w, h.logger, err)
		return
	}

	h.logger.Info("override saved", "tool", tool)
	writeJSON(w, http.StatusOK, ov)
}

func (h *Handler) handleDeleteOverride(w http.ResponseWriter, r *http.Request) {
	tool := r.PathValue("tool")

	found := false
	err := h.mutate(func(st *state.PolicyState) error {
		if _, ok := st.Overrides[tool]; ok {
			found = true
			delete(st.Overrides, tool)
		}
		return nil
	})
	if err != nil {
		writeMutationError(w, h.logger, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "override not found")
		return
	}

	h.logger.Info("override deleted", "tool", tool)
	w.WriteHeader(http.StatusNoContent)
}

// grantBody is the PUT body for one caller's grants.
type grantBody struct {
	Services []string `json:"services"`
}

func (h *Handler) handlePutGrant(w http.ResponseWriter, r *http.Request) {
	caller := r.PathValue("caller")

	var body grantBody
	if !decodeBody(w, r, &body) {
		return
	}
	if len(body.Services) == 0 {
		writeError(w, http.StatusBadRequest, "services must be non-empty; delete the grant to revoke access")
		return
	}

	err := h.mutate(func(st *state.PolicyState) error {
		if st.Grants == nil {
			st.Grants = make(map[string][]string)
		}
		st.Grants[caller] = body.Services
		return nil
	})
	if err != nil {
		writeMutationError(w, h.logger, err)
		return
	}

	h.logger.Info("grant saved", "caller", caller, "services", body.Services)
	writeJSON(w, http.StatusOK, map[string]interface{}{"caller": caller, "services": body.Services})
}

func (h *Handler) handleDeleteGrant(w http.ResponseWriter, r *http.Request) {
	caller := r.PathValue("caller")

	found := false
	err := h.mutate(func(st *state.PolicyState) error {
		if _, ok := st.Grants[caller]; ok {
			found = true
			delete(st.Grants, caller)
		}
		return nil
	})
	if err != nil {
		writeMutationError(w, h.logger, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "grant not found")
		return
	}

	h.logger.Info("grant deleted", "caller", caller)
	w.WriteHeader(http.StatusNoContent)
}

// knownProtocols are the locally hostable protocol kinds.
var knownProtocols = map[string]bool{
	"ratelimit":    true,
	"constraint":   true,
	"precondition": true,
	"flow":         true,
	"identity":     true,
}

// handlePutProtocol creates or replaces one protocol instance config.
// The change reaches the router on the next state reload.
func (h *Handler) handlePutProtocol(w http.ResponseWriter, r *http.Request) {
	instance := r.PathValue("instance")

	var body state.ProtocolConfig
	if !decodeBody(w, r, &body) {
		return
	}
	body.Instance = instance
	if !knownProtocols[body.Protocol] {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown protocol kind %q", body.Protocol))
		return
	}

	err := h.mutate(func(st *state.PolicyState) error {
		for i := range st.Protocols {
			if st.Protocols[i].Instance == instance {
				st.Protocols[i] = body
				return nil
			}
		}
		st.Protocols = append(st.Protocols, body)
		return nil
	})
	if err != nil {
		writeMutationError(w, h.logger, err)
		return
	}

	h.logger.Info("protocol instance saved", "instance", instance, "protocol", body.Protocol)
	writeJSON(w, http.StatusOK, body)
}

func (h *Handler) handleDeleteProtocol(w http.ResponseWriter, r *http.Request) {
	instance := r.PathValue("instance")

	found := false
	err := h.mutate(func(st *state.PolicyState) error {
		kept := st.Protocols[:0]
		for _, pc := range st.Protocols {
			if pc.Instance == instance {
				found = true
				continue
			}
			kept = append(kept, pc)
		}
		st.Protocols = kept
		return nil
	})
	if err != nil {
		writeMutationError(w, h.logger, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "protocol instance not found")
		return
	}

	h.logger.Info("protocol instance deleted", "instance", instance)
	w.WriteHeader(http.StatusNoContent)
}

// handleRotateToken replaces the protocol endpoint token. The new token
// reaches protocol instances through the next bundle rebuild.
func (h *Handler) handleRotateToken(w http.ResponseWriter, r *http.Request) {
	token := uuid.New().String()

	err := h.mutate(func(st *state.PolicyState) error {
		st.Token = token
		return nil
	})
	if err != nil {
		writeMutationError(w, h.logger, err)
		return
	}

	h.logger.Info("protocol token rotated")
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// decodeBody decodes a JSON request body, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

// writeMutationError maps mutate() failures: validation problems are
// the client's, store problems are ours.
func writeMutationError(w http.ResponseWriter, logger *slog.Logger, err error) {
	if isStoreError(err) {
		logger.Error("admin mutation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "state store unavailable")
		return
	}
	writeError(w, http.StatusUnprocessableEntity, err.Error())
}

func isStoreError(err error) bool {
	msg := err.Error()
	return strings.HasPrefix(msg, "load state: ") || strings.HasPrefix(msg, "save state: ")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
