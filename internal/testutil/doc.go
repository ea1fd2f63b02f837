// Package testutil provides testing utilities and helpers for the authorization server.
package testutil
