// Package util provides small string helpers shared across the authorization server.
package util
