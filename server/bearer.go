package server

import "strings"

// ExtractBearerToken strips the "Bearer " scheme from an Authorization
// header value. The scheme match is case-insensitive (RFC 6750 Section 2.1).
func ExtractBearerToken(header string) (string, bool) {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	if token == "" || strings.ContainsAny(token, " \t") {
		return "", false
	}
	return token, true
}
