package http

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/toolwarden/toolwarden/internal/protocols/approval"
	"github.com/toolwarden/toolwarden/internal/service"
)

const (
	// DefaultAddr binds to loopback only; exposing the transport is an
	// explicit configuration decision.
	DefaultAddr = "127.0.0.1:8420"
	// shutdownTimeout bounds graceful shutdown.
	shutdownTimeout = 10 * time.Second
)

// HTTPTransport serves the decision API over HTTP/HTTPS.
type HTTPTransport struct {
	decisions *service.DecisionService
	builder   *service.BundleBuilder
	approvals *approval.Service
	router    *service.Router
	recent    RecentReader
	audit     AuditStats
	admin     http.Handler
	health    *HealthChecker

	addr           string
	certFile       string
	keyFile        string
	allowedOrigins []string
	adminToken     string
	version        string
	logger         *slog.Logger

	server *http.Server
}

// Option configures the HTTPTransport.
type Option func(*HTTPTransport)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(t *HTTPTransport) {
		if addr != "" {
			t.addr = addr
		}
	}
}

// WithTLS enables HTTPS with the given certificate and key files.
func WithTLS(certFile, keyFile string) Option {
	return func(t *HTTPTransport) {
		t.certFile = certFile
		t.keyFile = keyFile
	}
}

// WithAllowedOrigins sets the Origin allowlist for DNS rebinding
// protection. Empty allows all origins.
func WithAllowedOrigins(origins []string) Option {
	return func(t *HTTPTransport) { t.allowedOrigins = origins }
}

// WithAdminToken protects the approval and decision-history endpoints
// with a bearer token. Empty leaves them open.
func WithAdminToken(token string) Option {
	return func(t *HTTPTransport) { t.adminToken = token }
}

// WithLogger sets the transport logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *HTTPTransport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithBundleBuilder enables the bundle distribution endpoint.
func WithBundleBuilder(b *service.BundleBuilder) Option {
	return func(t *HTTPTransport) { t.builder = b }
}

// WithApprovals enables the approval review endpoints.
func WithApprovals(a *approval.Service) Option {
	return func(t *HTTPTransport) { t.approvals = a }
}

// WithRouter enables the remote evaluate endpoint, serving the router's
// registered protocol instances to peer gateways.
func WithRouter(r *service.Router) Option {
	return func(t *HTTPTransport) { t.router = r }
}

// WithRecentReader enables the recent-decisions endpoint.
func WithRecentReader(r RecentReader) Option {
	return func(t *HTTPTransport) { t.recent = r }
}

// WithAuditStats wires the audit pipeline's counters into health checks
// and metrics.
func WithAuditStats(a AuditStats) Option {
	return func(t *HTTPTransport) { t.audit = a }
}

// WithAdminHandler mounts the administrative state API under
// /admin/api/, behind the same bearer token as the review endpoints.
func WithAdminHandler(h http.Handler) Option {
	return func(t *HTTPTransport) { t.admin = h }
}

// WithVersion sets the version string reported by the health endpoint.
func WithVersion(v string) Option {
	return func(t *HTTPTransport) { t.version = v }
}

// NewHTTPTransport creates an HTTP transport around the decision
// service.
func NewHTTPTransport(decisions *service.DecisionService, opts ...Option) *HTTPTransport {
	t := &HTTPTransport{
		decisions: decisions,
		addr:      DefaultAddr,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	// Pass an untyped nil when no builder is configured so the health
	// checker's nil check works; a nil *BundleBuilder in the interface
	// would not compare equal to nil.
	var bundles RevisionSource
	if t.builder != nil {
		bundles = t.builder
	}
	t.health = NewHealthChecker(t.audit, bundles, t.version)
	return t
}

// buildMux assembles the route table and middleware chain.
func (t *HTTPTransport) buildMux(reg *prometheus.Registry, metrics *Metrics) http.Handler {
	mux := http.NewServeMux()

	h := &handlers{
		decisions:  t.decisions,
		bundles:    t.builder,
		approvals:  t.approvals,
		recent:     t.recent,
		evaluators: t.evaluators(),
		metrics:    metrics,
		logger:     t.logger,
	}
	adminAuth := BearerAuthMiddleware(t.adminToken)
	h.routes(mux, adminAuth)

	if t.admin != nil {
		mux.Handle("/admin/api/", adminAuth(t.admin))
	}

	mux.Handle("GET /health", t.health.handler())
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /favicon.ico", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	// Middleware chain, innermost first.
	var handler http.Handler = mux
	handler = OriginCheckMiddleware(t.allowedOrigins)(handler)
	handler = RealIPMiddleware(handler)
	handler = RequestIDMiddleware(t.logger)(handler)
	handler = MetricsMiddleware(metrics)(handler)
	return handler
}

// evaluators adapts the optional router to the handler interface; a
// typed nil must not masquerade as a non-nil interface.
func (t *HTTPTransport) evaluators() EvaluatorSource {
	if t.router == nil {
		return nil
	}
	return t.router
}

// Start runs the HTTP server until ctx is cancelled or the listener
// fails. Shutdown is graceful with a bounded deadline.
func (t *HTTPTransport) Start(ctx context.Context) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := NewMetrics(reg)
	registerAuditCollectors(reg, t.audit)

	t.server = &http.Server{
		Addr:              t.addr,
		Handler:           t.buildMux(reg, metrics),
		ReadHeaderTimeout: 10 * time.Second,
		TLSConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}

	errCh := make(chan error, 1)
	go func() {
		t.logger.Info("http transport listening",
			"addr", t.addr,
			"tls", t.certFile != "",
		)
		var err error
		if t.certFile != "" && t.keyFile != "" {
			err = t.server.ListenAndServeTLS(t.certFile, t.keyFile)
		} else {
			err = t.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http transport: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := t.server.Shutdown(shutdownCtx); err != nil {
			t.logger.Warn("http shutdown incomplete", "error", err)
			return err
		}
		t.logger.Info("http transport stopped")
		return nil
	}
}
