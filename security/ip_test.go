package security

import (
	"net/http/httptest"
	"testing"
)

func TestIPResolver_Resolve(t *testing.T) {
	tests := []struct {
		name          string
		resolver      IPResolver
		remoteAddr    string
		xForwardedFor string
		xRealIP       string
		want          string
	}{
		{
			name:       "direct connection",
			remoteAddr: "192.168.1.100:12345",
			want:       "192.168.1.100",
		},
		{
			name:          "forwarded for with trust",
			resolver:      IPResolver{TrustProxy: true},
			remoteAddr:    "10.0.0.1:12345",
			xForwardedFor: "203.0.113.1, 10.0.0.2",
			want:          "203.0.113.1",
		},
		{
			name:          "forwarded for without trust",
			remoteAddr:    "10.0.0.1:12345",
			xForwardedFor: "203.0.113.1",
			want:          "10.0.0.1",
		},
		{
			name:          "spoofed leading entry is skipped",
			resolver:      IPResolver{TrustProxy: true, TrustedProxyCount: 1},
			remoteAddr:    "10.0.0.1:12345",
			xForwardedFor: "1.1.1.1, 203.0.113.7, 10.0.0.2",
			want:          "203.0.113.7",
		},
		{
			name:       "real ip with trust",
			resolver:   IPResolver{TrustProxy: true},
			remoteAddr: "10.0.0.1:12345",
			xRealIP:    "203.0.113.9",
			want:       "203.0.113.9",
		},
		{
			name:          "garbage forwarded for falls back",
			resolver:      IPResolver{TrustProxy: true},
			remoteAddr:    "10.0.0.1:12345",
			xForwardedFor: "not-an-ip, 10.0.0.2",
			want:          "10.0.0.1",
		},
		{
			name:       "remote addr without port",
			remoteAddr: "192.168.1.100",
			want:       "192.168.1.100",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xForwardedFor != "" {
				r.Header.Set("X-Forwarded-For", tt.xForwardedFor)
			}
			if tt.xRealIP != "" {
				r.Header.Set("X-Real-IP", tt.xRealIP)
			}

			if got := tt.resolver.Resolve(r); got != tt.want {
				t.Errorf("Resolve() = %q, want %q", got, tt.want)
			}
		})
	}
}
