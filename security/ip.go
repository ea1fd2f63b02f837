package security

import (
	"net"
	"net/http"
	"strings"
)

// IPResolver extracts the caller's address from a request.
//
// SECURITY: only set TrustProxy when the server sits behind a reverse proxy
// you control. X-Forwarded-For is read from the right, skipping
// TrustedProxyCount hops (default 1), so a client cannot spoof its address
// by prepending entries.
type IPResolver struct {
	TrustProxy        bool
	TrustedProxyCount int
}

// Resolve returns the client IP for r.
func (res IPResolver) Resolve(r *http.Request) string {
	if res.TrustProxy {
		if ip := res.fromForwardedFor(r.Header.Get("X-Forwarded-For")); ip != "" {
			return ip
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(ip) != nil {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (res IPResolver) fromForwardedFor(xff string) string {
	if xff == "" {
		return ""
	}
	hops := strings.Split(xff, ",")

	skip := res.TrustedProxyCount
	if skip <= 0 {
		skip = 1
	}
	idx := len(hops) - skip - 1
	if idx < 0 {
		idx = 0
	}

	ip := strings.TrimSpace(hops[idx])
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}
