package admin

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/toolwarden/toolwarden/internal/adapter/outbound/state"
	"github.com/toolwarden/toolwarden/internal/domain/rule"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestHandler returns a handler backed by a fresh file store with
// the default state (one fallback-deny rule) already saved.
func newTestHandler(t *testing.T) (*Handler, *state.FileStateStore) {
	t.Helper()
	store := state.NewFileStateStore(filepath.Join(t.TempDir(), "state.json"), discardLogger())
	if err := store.Save(store.DefaultState()); err != nil {
		t.Fatalf("save default state: %v", err)
	}
	return NewHandler(store, discardLogger()), store
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBodyInto(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestHandler_GetState(t *testing.T) {
	t.Parallel()

	h, store := newTestHandler(t)
	st, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	st.Token = "secret-token"
	if err := store.Save(st); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	rec := doJSON(t, h.Routes(), http.MethodGet, "/admin/api/state", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var got state.PolicyState
	decodeBodyInto(t, rec, &got)
	if len(got.Rules) != 1 || got.Rules[0].ID != "fallback-deny" {
		t.Errorf("rules = %+v, want the default fallback rule", got.Rules)
	}
	if got.Token != "" {
		t.Error("protocol token leaked through the state read API")
	}
}

func TestHandler_PutRule(t *testing.T) {
	t.Parallel()

	h, store := newTestHandler(t)
	body := map[string]interface{}{
		"name":     "Allow reads",
		"priority": 10,
		"when":     map[string]interface{}{"verb": "get"},
		"action":   "allow",
	}

	rec := doJSON(t, h.Routes(), http.MethodPut, "/admin/api/rules/allow-reads", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	st, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(st.Rules) != 2 {
		t.Fatalf("stored %d rules, want 2", len(st.Rules))
	}
	var added rule.Rule
	for _, ru := range st.Rules {
		if ru.ID == "allow-reads" {
			added = ru
		}
	}
	if added.Name != "Allow reads" || added.When.Verb != "get" || added.Action != rule.ActionAllow {
		t.Errorf("stored rule = %+v", added)
	}
}

func TestHandler_PutRule_ReplacesExisting(t *testing.T) {
	t.Parallel()

	h, store := newTestHandler(t)
	mux := h.Routes()

	body := map[string]interface{}{"name": "Allow reads", "priority": 10, "action": "allow"}
	if rec := doJSON(t, mux, http.MethodPut, "/admin/api/rules/r1", body); rec.Code != http.StatusOK {
		t.Fatalf("first put: %d", rec.Code)
	}
	body["priority"] = 20
	if rec := doJSON(t, mux, http.MethodPut, "/admin/api/rules/r1", body); rec.Code != http.StatusOK {
		t.Fatalf("second put: %d", rec.Code)
	}

	st, _ := store.Load()
	if len(st.Rules) != 2 {
		t.Fatalf("stored %d rules, want 2 after replace", len(st.Rules))
	}
	for _, ru := range st.Rules {
		if ru.ID == "r1" && ru.Priority != 20 {
			t.Errorf("priority = %d, want 20", ru.Priority)
		}
	}
}

func TestHandler_PutRule_BadRequests(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler(t)
	mux := h.Routes()

	tests := []struct {
		name string
		body interface{}
	}{
		{"missing name", map[string]interface{}{"priority": 10, "action": "allow"}},
		{"unknown field", map[string]interface{}{"name": "x", "action": "allow", "bogus": true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec := doJSON(t, mux, http.MethodPut, "/admin/api/rules/r1", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}

	t.Run("malformed json", func(t *testing.T) {
		t.Parallel()

		req := httptest.NewRequest(http.MethodPut, "/admin/api/rules/r1", bytes.NewBufferString("{not json"))
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})
}

func TestHandler_DeleteRule(t *testing.T) {
	t.Parallel()

	h, store := newTestHandler(t)
	mux := h.Routes()

	body := map[string]interface{}{"name": "Allow reads", "priority": 10, "action": "allow"}
	if rec := doJSON(t, mux, http.MethodPut, "/admin/api/rules/allow-reads", body); rec.Code != http.StatusOK {
		t.Fatalf("put: %d", rec.Code)
	}

	rec := doJSON(t, mux, http.MethodDelete, "/admin/api/rules/allow-reads", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", rec.Code)
	}
	st, _ := store.Load()
	if len(st.Rules) != 1 {
		t.Errorf("stored %d rules after delete, want 1", len(st.Rules))
	}

	if rec := doJSON(t, mux, http.MethodDelete, "/admin/api/rules/allow-reads", nil); rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rec.Code)
	}
}

func TestHandler_DeleteRule_FallbackProtected(t *testing.T) {
	t.Parallel()

	h, store := newTestHandler(t)

	rec := doJSON(t, h.Routes(), http.MethodDelete, "/admin/api/rules/fallback-deny", nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422 for removing the last catch-all rule", rec.Code)
	}

	st, _ := store.Load()
	if len(st.Rules) != 1 || st.Rules[0].ID != "fallback-deny" {
		t.Error("rejected delete still mutated stored state")
	}
}

func TestHandler_PutRoute(t *testing.T) {
	t.Parallel()

	h, store := newTestHandler(t)
	body := map[string]interface{}{
		"compose": "and",
		"routes": []map[string]interface{}{
			{"service": "billing", "tool": "send_wire", "protocol": "approval", "instance": "approval-default"},
		},
	}

	rec := doJSON(t, h.Routes(), http.MethodPut, "/admin/api/routes/billing/send_wire", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	st, _ := store.Load()
	g, ok := st.Routes.Resolve("billing", "send_wire")
	if !ok {
		t.Fatal("route not stored")
	}
	if len(g.Routes) != 1 || g.Routes[0].Instance != "approval-default" {
		t.Errorf("stored group = %+v", g)
	}
}

func TestHandler_PutRoute_Invalid(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler(t)
	mux := h.Routes()

	tests := []struct {
		name string
		body map[string]interface{}
	}{
		{"empty group", map[string]interface{}{"routes": []map[string]interface{}{}}},
		{"missing instance", map[string]interface{}{
			"routes": []map[string]interface{}{{"protocol": "approval"}},
		}},
		{"unknown compose", map[string]interface{}{
			"compose": "xor",
			"routes":  []map[string]interface{}{{"instance": "a"}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec := doJSON(t, mux, http.MethodPut, "/admin/api/routes/svc/tool", tt.body)
			if rec.Code != http.StatusUnprocessableEntity {
				t.Errorf("status = %d, want 422", rec.Code)
			}
		})
	}
}

func TestHandler_DeleteRoute(t *testing.T) {
	t.Parallel()

	h, store := newTestHandler(t)
	mux := h.Routes()

	body := map[string]interface{}{
		"routes": []map[string]interface{}{{"instance": "approval-default"}},
	}
	if rec := doJSON(t, mux, http.MethodPut, "/admin/api/routes/billing/send_wire", body); rec.Code != http.StatusOK {
		t.Fatalf("put: %d", rec.Code)
	}

	if rec := doJSON(t, mux, http.MethodDelete, "/admin/api/routes/billing/send_wire", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", rec.Code)
	}
	st, _ := store.Load()
	if _, ok := st.Routes.Resolve("billing", "send_wire"); ok {
		t.Error("route still resolvable after delete")
	}

	if rec := doJSON(t, mux, http.MethodDelete, "/admin/api/routes/billing/send_wire", nil); rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rec.Code)
	}
}

func TestHandler_Overrides(t *testing.T) {
	t.Parallel()

	h, store := newTestHandler(t)
	mux := h.Routes()

	body := map[string]interface{}{"verb": "delete", "labels": []string{"destructive"}}
	rec := doJSON(t, mux, http.MethodPut, "/admin/api/overrides/drop_table", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("put status = %d, body %s", rec.Code, rec.Body.String())
	}

	st, _ := store.Load()
	ov, ok := st.Overrides["drop_table"]
	if !ok {
		t.Fatal("override not stored")
	}
	if ov.Tool != "drop_table" || ov.Verb != "delete" {
		t.Errorf("stored override = %+v", ov)
	}

	if rec := doJSON(t, mux, http.MethodDelete, "/admin/api/overrides/drop_table", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", rec.Code)
	}
	if rec := doJSON(t, mux, http.MethodDelete, "/admin/api/overrides/drop_table", nil); rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rec.Code)
	}
}

func TestHandler_Grants(t *testing.T) {
	t.Parallel()

	h, store := newTestHandler(t)
	mux := h.Routes()

	rec := doJSON(t, mux, http.MethodPut, "/admin/api/grants/agent-1", map[string]interface{}{
		"services": []string{"billing", "crm"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("put status = %d, body %s", rec.Code, rec.Body.String())
	}

	st, _ := store.Load()
	if got := st.Grants["agent-1"]; len(got) != 2 || got[0] != "billing" {
		t.Errorf("Grants[agent-1] = %v", got)
	}

	if rec := doJSON(t, mux, http.MethodPut, "/admin/api/grants/agent-1", map[string]interface{}{
		"services": []string{},
	}); rec.Code != http.StatusBadRequest {
		t.Errorf("empty services status = %d, want 400", rec.Code)
	}

	if rec := doJSON(t, mux, http.MethodDelete, "/admin/api/grants/agent-1", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", rec.Code)
	}
	if rec := doJSON(t, mux, http.MethodDelete, "/admin/api/grants/agent-1", nil); rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rec.Code)
	}
}

func TestHandler_Protocols(t *testing.T) {
	t.Parallel()

	h, store := newTestHandler(t)
	mux := h.Routes()

	body := map[string]interface{}{
		"protocol": "ratelimit",
		"settings": map[string]interface{}{"service": "billing", "ceiling": 5, "window": "hour"},
	}
	rec := doJSON(t, mux, http.MethodPut, "/admin/api/protocols/ratelimit-billing", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("put status = %d, body %s", rec.Code, rec.Body.String())
	}

	st, _ := store.Load()
	if len(st.Protocols) != 1 {
		t.Fatalf("stored %d protocol configs, want 1", len(st.Protocols))
	}
	pc := st.Protocols[0]
	if pc.Instance != "ratelimit-billing" || pc.Protocol != "ratelimit" {
		t.Errorf("stored config = %+v", pc)
	}

	// Unknown kinds are rejected before touching the store.
	rec = doJSON(t, mux, http.MethodPut, "/admin/api/protocols/x", map[string]interface{}{
		"protocol": "telepathy",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown kind status = %d, want 400", rec.Code)
	}

	if rec := doJSON(t, mux, http.MethodDelete, "/admin/api/protocols/ratelimit-billing", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", rec.Code)
	}
	if rec := doJSON(t, mux, http.MethodDelete, "/admin/api/protocols/ratelimit-billing", nil); rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rec.Code)
	}
}

func TestHandler_RotateToken(t *testing.T) {
	t.Parallel()

	h, store := newTestHandler(t)
	mux := h.Routes()

	rec := doJSON(t, mux, http.MethodPost, "/admin/api/token/rotate", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var first map[string]string
	decodeBodyInto(t, rec, &first)
	if first["token"] == "" {
		t.Fatal("rotate returned an empty token")
	}

	st, _ := store.Load()
	if st.Token != first["token"] {
		t.Error("stored token does not match the rotate response")
	}

	rec = doJSON(t, mux, http.MethodPost, "/admin/api/token/rotate", nil)
	var second map[string]string
	decodeBodyInto(t, rec, &second)
	if second["token"] == first["token"] {
		t.Error("second rotation returned the same token")
	}
}

// failingStore simulates an unavailable backing store.
type failingStore struct{}

func (failingStore) Load() (*state.PolicyState, error) { return nil, errors.New("disk on fire") }
func (failingStore) Save(*state.PolicyState) error     { return errors.New("disk on fire") }

func TestHandler_StoreFailure(t *testing.T) {
	t.Parallel()

	h := NewHandler(failingStore{}, discardLogger())
	mux := h.Routes()

	if rec := doJSON(t, mux, http.MethodGet, "/admin/api/state", nil); rec.Code != http.StatusInternalServerError {
		t.Errorf("state status = %d, want 500", rec.Code)
	}
	rec := doJSON(t, mux, http.MethodPut, "/admin/api/rules/r1", map[string]interface{}{
		"name": "x", "action": "allow",
	})
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("put rule status = %d, want 500", rec.Code)
	}
}
