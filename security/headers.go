package security

import (
	"net/http"
	"net/url"
)

// Headers returns middleware that sets response headers suited to OAuth
// endpoints: no framing, no sniffing, no caching, and HSTS when issuer is
// an https URL.
func Headers(issuer string) func(http.Handler) http.Handler {
	hsts := false
	if u, err := url.Parse(issuer); err == nil && u.Scheme == "https" {
		hsts = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			h.Set("Referrer-Policy", "no-referrer")
			// Token responses must not be cached (RFC 6749 section 5.1).
			h.Set("Cache-Control", "no-store")
			h.Set("Pragma", "no-cache")
			if hsts {
				h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}
			next.ServeHTTP(w, r)
		})
	}
}
