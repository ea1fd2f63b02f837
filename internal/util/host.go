package util

import "net"

// IsLoopbackHost reports whether hostname names the local machine: "localhost",
// anything in 127.0.0.0/8, or ::1. Expects the host without a port, as
// returned by url.URL.Hostname. 0.0.0.0 is not loopback.
func IsLoopbackHost(hostname string) bool {
	if hostname == "localhost" {
		return true
	}
	if len(hostname) > 2 && hostname[0] == '[' && hostname[len(hostname)-1] == ']' {
		hostname = hostname[1 : len(hostname)-1]
	}
	if ip := net.ParseIP(hostname); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
