// Package ctxkey defines shared context key types used across multiple packages.
// This package should have no dependencies on other internal packages to avoid import cycles.
package ctxkey

// LoggerKey is the context key type for the enriched logger.
// Used by HTTP middleware to store and retrieve the logger with request_id/tenant_id fields.
type LoggerKey struct{}

// APIKeyKey is the context key type for the raw API key extracted from the
// Authorization header by APIKeyMiddleware.
type APIKeyKey struct{}

// IPAddressKey is the context key type for the client IP extracted by
// RealIPMiddleware, consumed by the rate limiter's per-IP bucket.
type IPAddressKey struct{}
