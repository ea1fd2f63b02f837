package storage

import "errors"

var (
	// ErrNotFound is returned when a client, code or token does not exist.
	// Already-consumed codes and tokens are reported the same way.
	ErrNotFound = errors.New("storage: not found")

	// ErrExpired is returned when a code or token exists but its expiry has
	// passed. The row has already been deleted when this is returned.
	ErrExpired = errors.New("storage: expired")
)
