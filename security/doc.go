// Package security provides the HTTP-facing protections of the authorization
// server: per-IP rate limiting, client IP resolution behind proxies, security
// response headers, and structured audit logging.
//
// # Rate Limiting
//
// RateLimiter keeps one golang.org/x/time/rate token bucket per identifier in
// an expiring cache. Idle buckets are dropped after DefaultIdleTimeout and the
// table is capped at DefaultMaxEntries.
//
//	limiter := security.NewRateLimiterEvery(rate.Every(6*time.Minute), 10, logger)
//	if !limiter.Allow(clientIP) {
//		// 429
//	}
//
// # Audit Logging
//
// Auditor emits one "security_audit" record per event. Token values are never
// logged; use Fingerprint to correlate them.
package security
