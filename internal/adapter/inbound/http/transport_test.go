package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/toolwarden/toolwarden/internal/service"
)

// startTestServer serves the transport's full handler stack over
// httptest and returns the base URL.
func startTestServer(t *testing.T, transport *HTTPTransport) string {
	t.Helper()

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	srv := httptest.NewServer(transport.buildMux(reg, metrics))
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestNewHTTPTransport_Defaults(t *testing.T) {
	t.Parallel()

	transport := NewHTTPTransport(newDecisionService(t, testRules()))
	if transport.addr != DefaultAddr {
		t.Errorf("addr = %q, want %q", transport.addr, DefaultAddr)
	}
	if transport.logger == nil {
		t.Error("logger is nil")
	}
	if transport.health == nil {
		t.Error("health checker is nil")
	}
}

func TestTransport_DecideThroughFullStack(t *testing.T) {
	t.Parallel()

	transport := NewHTTPTransport(newDecisionService(t, testRules()),
		WithLogger(discardLogger()),
	)
	base := startTestServer(t, transport)

	resp, err := http.Post(base+"/v1/decide", "application/json",
		strings.NewReader(`{"caller":"agent-1","service":"billing","tool":"get_invoice"}`))
	if err != nil {
		t.Fatalf("POST /v1/decide error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("no X-Request-ID header through the middleware chain")
	}

	var d service.Decision
	if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
		t.Fatalf("decode decision: %v", err)
	}
	if d.RuleID != "allow-reads" {
		t.Errorf("RuleID = %q, want allow-reads", d.RuleID)
	}
}

func TestTransport_HealthEndpoint(t *testing.T) {
	t.Parallel()

	transport := NewHTTPTransport(newDecisionService(t, testRules()),
		WithLogger(discardLogger()),
		WithAuditStats(fakeAuditStats{depth: 1, capacity: 100}),
		WithVersion("test"),
	)
	base := startTestServer(t, transport)

	resp, err := http.Get(base + "/health")
	if err != nil {
		t.Fatalf("GET /health error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var hr HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&hr); err != nil {
		t.Fatalf("decode health response: %v", err)
	}
	if hr.Status != "healthy" {
		t.Errorf("Status = %q, want healthy", hr.Status)
	}
}

func TestTransport_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	transport := NewHTTPTransport(newDecisionService(t, testRules()),
		WithLogger(discardLogger()),
	)
	base := startTestServer(t, transport)

	// Generate one measured request first.
	resp, err := http.Post(base+"/v1/decide", "application/json",
		strings.NewReader(`{"caller":"agent-1","service":"billing","tool":"get_invoice"}`))
	if err != nil {
		t.Fatalf("POST /v1/decide error: %v", err)
	}
	resp.Body.Close()

	resp, err = http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read metrics body: %v", err)
	}
	for _, metric := range []string{"toolwarden_requests_total", "toolwarden_decisions_total"} {
		if !strings.Contains(string(body), metric) {
			t.Errorf("metrics output missing %s", metric)
		}
	}
}

func TestTransport_AdminTokenProtectsApprovals(t *testing.T) {
	t.Parallel()

	approvals, _ := newApprovalFixture(t)
	transport := NewHTTPTransport(newDecisionService(t, testRules()),
		WithLogger(discardLogger()),
		WithApprovals(approvals),
		WithAdminToken("hunter2"),
	)
	base := startTestServer(t, transport)

	// Without the token.
	resp, err := http.Get(base + "/v1/approvals")
	if err != nil {
		t.Fatalf("GET /v1/approvals error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", resp.StatusCode)
	}

	// With the token.
	req, _ := http.NewRequest(http.MethodGet, base+"/v1/approvals", nil)
	req.Header.Set("Authorization", "Bearer hunter2")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("authenticated GET error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("authenticated status = %d, want 200", resp.StatusCode)
	}

	// The decision endpoint stays open: agents are not admin clients.
	resp, err = http.Post(base+"/v1/decide", "application/json",
		strings.NewReader(`{"caller":"agent-1","service":"billing","tool":"get_invoice"}`))
	if err != nil {
		t.Fatalf("POST /v1/decide error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("decide status = %d, want 200 without a token", resp.StatusCode)
	}
}

func TestTransport_AdminHandlerMountedBehindToken(t *testing.T) {
	t.Parallel()

	adminHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"ok":true}`)
	})
	transport := NewHTTPTransport(newDecisionService(t, testRules()),
		WithLogger(discardLogger()),
		WithAdminHandler(adminHandler),
		WithAdminToken("hunter2"),
	)
	base := startTestServer(t, transport)

	resp, err := http.Get(base + "/admin/api/state")
	if err != nil {
		t.Fatalf("GET /admin/api/state error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, base+"/admin/api/state", nil)
	req.Header.Set("Authorization", "Bearer hunter2")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("authenticated GET error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("authenticated status = %d, want 200", resp.StatusCode)
	}
}

func TestTransport_FaviconNoContent(t *testing.T) {
	t.Parallel()

	transport := NewHTTPTransport(newDecisionService(t, testRules()),
		WithLogger(discardLogger()),
	)
	base := startTestServer(t, transport)

	resp, err := http.Get(base + "/favicon.ico")
	if err != nil {
		t.Fatalf("GET /favicon.ico error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
}

func TestTransport_StartStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	transport := NewHTTPTransport(newDecisionService(t, testRules()),
		WithAddr("127.0.0.1:0"),
		WithLogger(discardLogger()),
	)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- transport.Start(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Start() = %v, want nil after cancellation", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return after context cancellation")
	}
}

func TestTransport_StartFailsOnOccupiedPort(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	defer ln.Close()

	transport := NewHTTPTransport(newDecisionService(t, testRules()),
		WithAddr(fmt.Sprintf("127.0.0.1:%d", ln.Addr().(*net.TCPAddr).Port)),
		WithLogger(discardLogger()),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := transport.Start(ctx); err == nil {
		t.Fatal("Start() succeeded on an occupied port")
	}
}
