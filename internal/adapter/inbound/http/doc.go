// Package http provides the HTTP transport adapter for the compliance
// gateway.
//
// # Usage
//
// Create and start an HTTP transport:
//
//	transport := http.NewHTTPTransport(gatewaySvc, identitySvc, statsSvc,
//	    http.WithAddr(":8080"),
//	    http.WithTLS("cert.pem", "key.pem"),
//	    http.WithAllowedOrigins([]string{"https://example.com"}),
//	    http.WithLogger(logger),
//	)
//	err := transport.Start(ctx)
//
// # Endpoints
//
//	POST /analyze                       - Run the decision pipeline on a command
//	GET  /status/{agent}                - Agent reputation/rate-limit snapshot
//	GET  /api/v1/status/{agent_id}       - Alias of /status/{agent}
//	GET  /api/v1/rep/{agent_id}          - Reputation-only view
//	GET  /audit/head                    - Current audit chain tip
//	GET  /audit/verify                  - Replay and verify the cached audit tail
//	GET  /stats                         - Unauthenticated aggregate counters
//	POST /api/v2/register               - Register an agent identity
//	GET  /api/v2/agent/{id}             - Look up an agent identity
//	POST /api/v2/revoke                 - Revoke an agent and its keys
//	GET  /health                        - Liveness/readiness probe
//	GET  /metrics                       - Prometheus exposition
//
// # Request Headers (/analyze, /status)
//
//	X-API-Key: <key>               - API key identifying the calling agent
//	X-Timestamp-Unix: <unix-secs>  - Required when request signing is enabled
//	X-Signature: <hex hmac>        - Required when request signing is enabled
//
// Authentication and signature verification happen inside GatewayService
// itself rather than as generic middleware, since /stats and /health must
// stay reachable without an API key.
//
// # Security Features
//
//   - TLS 1.2 minimum: When HTTPS enabled via WithTLS, TLS 1.2 is enforced
//   - DNS rebinding protection: Origin header validation via WithAllowedOrigins
//   - Rate limiting: per-agent sliding window, enforced in GatewayService.Analyze
//   - Real IP extraction: From X-Forwarded-For/X-Real-IP, recorded on every audit entry
//
// # Middleware Chain
//
// Requests pass through middleware in this order (outermost first):
//
//  1. DNSRebindingProtection - Validates Origin header
//  2. RealIPMiddleware - Extracts client IP from proxy headers
//  3. RequestIDMiddleware - Assigns/propagates a request ID
//  4. MetricsMiddleware - Records request counters/latency histograms
package http
