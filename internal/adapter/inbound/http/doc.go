// Package http provides the HTTP transport for the decision service.
//
// It exposes the decision endpoint, the pull-based bundle distribution
// endpoint, the approval review surface, and a remote evaluate endpoint
// that serves registered protocol instances to peer gateways.
//
// # Endpoints
//
//	POST /v1/decide                      - Evaluate one tool call to a decision
//	GET  /v1/bundle                      - Fetch the current policy bundle (conditional via ETag)
//	GET  /v1/approvals                   - List pending approvals
//	GET  /v1/approvals/{id}              - Fetch one approval record
//	POST /v1/approvals/{id}/approve      - Grant a pending approval
//	POST /v1/approvals/{id}/deny         - Refuse a pending approval
//	GET  /v1/decisions/recent            - Recent decision audit records
//	POST /v1/protocols/{instance}/evaluate - Evaluate against one protocol instance
//	GET  /health                         - Liveness and saturation checks
//	GET  /metrics                        - Prometheus metrics
//	*    /admin/api/...                  - State administration (mounted via WithAdminHandler)
//
// Approval, recent-decision, and state administration endpoints are
// admin surface: when an admin token is configured they require
// Authorization: Bearer <token>.
//
// # Security Features
//
//   - TLS 1.2 minimum when HTTPS is enabled via WithTLS
//   - DNS rebinding protection through Origin header validation
//   - Bearer token authentication on the admin surface
//   - Real client IP extraction from X-Forwarded-For/X-Real-IP
//
// # Middleware Chain
//
// Requests pass through middleware in this order:
//
//  1. MetricsMiddleware - Records request counts and latency
//  2. RequestIDMiddleware - Assigns a request id and enriched logger
//  3. RealIPMiddleware - Extracts client IP from proxy headers
//  4. OriginCheckMiddleware - Validates the Origin header
//  5. Handler - Routes to the endpoint handlers
package http
