// Package http provides the HTTP transport adapter for the compliance
// gateway: the /analyze decision endpoint, agent status/reputation reads,
// audit chain inspection, identity registration, and the usual
// health/metrics/stats surface.
package http

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sentinelsca/sca/internal/port/inbound"
	"github.com/sentinelsca/sca/internal/service"
)

// HTTPTransport is the inbound adapter that serves the gateway's HTTP
// surface. It implements inbound.ProxyService so cmd/sentinelsca's serve
// command can manage it like any other long-lived component.
type HTTPTransport struct {
	gateway  *service.GatewayService
	identity *service.IdentityService
	stats    *service.StatsService

	server         *http.Server
	addr           string
	allowedOrigins []string
	certFile       string
	keyFile        string
	logger         *slog.Logger
	extraHandler   http.Handler
	metrics        *Metrics
	healthChecker  *HealthChecker
}

// Option is a functional option for configuring HTTPTransport.
type Option func(*HTTPTransport)

// WithAddr sets the listen address for the HTTP server.
// Default is "127.0.0.1:8080" (localhost only).
func WithAddr(addr string) Option {
	return func(t *HTTPTransport) {
		t.addr = addr
	}
}

// WithTLS enables TLS with the provided certificate and key files.
// If not set, the server runs without TLS (plain HTTP).
func WithTLS(certFile, keyFile string) Option {
	return func(t *HTTPTransport) {
		t.certFile = certFile
		t.keyFile = keyFile
	}
}

// WithAllowedOrigins sets the allowed origins for DNS rebinding protection.
// If empty, all requests with an Origin header are blocked (local-only mode).
func WithAllowedOrigins(origins []string) Option {
	return func(t *HTTPTransport) {
		t.allowedOrigins = origins
	}
}

// WithLogger sets the logger for the HTTP transport.
func WithLogger(logger *slog.Logger) Option {
	return func(t *HTTPTransport) {
		t.logger = logger
	}
}

// WithExtraHandler adds an extra HTTP handler consulted for /admin/* routes,
// e.g. a policy/rule management UI.
func WithExtraHandler(h http.Handler) Option {
	return func(t *HTTPTransport) {
		t.extraHandler = h
	}
}

// WithHealthChecker sets the health checker for the /health endpoint.
func WithHealthChecker(hc *HealthChecker) Option {
	return func(t *HTTPTransport) {
		t.healthChecker = hc
	}
}

// NewHTTPTransport creates an HTTP transport adapter wrapping the gateway's
// core services. identity and stats may be nil: the identity endpoints and
// /stats are simply omitted from the mux in that case.
func NewHTTPTransport(gateway *service.GatewayService, identity *service.IdentityService, stats *service.StatsService, opts ...Option) *HTTPTransport {
	t := &HTTPTransport{
		gateway:        gateway,
		identity:       identity,
		stats:          stats,
		addr:           "127.0.0.1:8080",
		allowedOrigins: []string{},
		logger:         slog.Default(),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Start begins accepting HTTP connections. It blocks until the context is
// cancelled or the server fails.
func (t *HTTPTransport) Start(ctx context.Context) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	t.metrics = NewMetrics(reg)

	mux := http.NewServeMux()

	if t.extraHandler != nil {
		mux.Handle("/admin/", t.extraHandler)
		mux.Handle("/admin", t.extraHandler)
	}

	if t.healthChecker != nil {
		mux.Handle("/health", t.healthChecker.Handler())
	}
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.Handle("/favicon.ico", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	if t.gateway != nil {
		analyze := newAnalyzeHandlers(t.gateway)
		mux.HandleFunc("POST /analyze", analyze.HandleAnalyze)
		mux.HandleFunc("GET /status/{agent}", analyze.HandleStatus)
		mux.HandleFunc("GET /api/v1/status/{agent_id}", analyze.HandleStatus)
		mux.HandleFunc("GET /api/v1/rep/{agent_id}", analyze.HandleRep)
		mux.HandleFunc("GET /audit/verify", analyze.HandleAuditVerify)
		mux.HandleFunc("GET /audit/head", analyze.HandleAuditHead)
	}
	if t.stats != nil {
		mux.Handle("/stats", statsHandler(t.stats))
	}
	if t.identity != nil {
		ih := newIdentityHandlers(t.identity)
		mux.HandleFunc("POST /api/v2/register", ih.HandleRegister)
		mux.HandleFunc("GET /api/v2/agent/{id}", ih.HandleGetAgent)
		mux.HandleFunc("POST /api/v2/revoke", ih.HandleRevoke)
	}

	// Middleware chain, outermost first: Metrics -> RequestID -> RealIP ->
	// DNSRebinding. API-key and signature verification happen inside
	// GatewayService.Analyze itself (it reads X-API-Key directly), not as
	// generic middleware, since /stats and /health are unauthenticated.
	var handler http.Handler = mux
	handler = DNSRebindingProtection(t.allowedOrigins)(handler)
	handler = RealIPMiddleware(handler)
	handler = RequestIDMiddleware(t.logger)(handler)
	handler = MetricsMiddleware(t.metrics)(handler)

	t.server = &http.Server{
		Addr:    t.addr,
		Handler: handler,
	}

	if t.certFile != "" && t.keyFile != "" {
		t.server.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	errCh := make(chan error, 1)

	go func() {
		var err error
		if t.certFile != "" && t.keyFile != "" {
			t.logger.Info("starting HTTPS server", "addr", t.addr)
			err = t.server.ListenAndServeTLS(t.certFile, t.keyFile)
		} else {
			t.logger.Info("starting HTTP server", "addr", t.addr)
			err = t.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		t.logger.Info("context cancelled, shutting down HTTP server")
		return t.shutdown()
	case err := <-errCh:
		return err
	}
}

// shutdown performs graceful shutdown of the HTTP server.
func (t *HTTPTransport) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := t.server.Shutdown(ctx); err != nil {
		t.logger.Error("error during server shutdown", "error", err)
		return err
	}

	t.logger.Info("HTTP server shutdown complete")
	return nil
}

// Close gracefully shuts down the transport.
func (t *HTTPTransport) Close() error {
	if t.server == nil {
		return nil
	}
	return t.shutdown()
}

// Compile-time check that HTTPTransport implements ProxyService interface.
var _ inbound.ProxyService = (*HTTPTransport)(nil)
