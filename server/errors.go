package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/asamzaman87/Git-GPT-App/storage"
)

// Kind classifies every failure the server components report.
type Kind int

const (
	// KindInvalidClient: unknown client id or bad secret
	KindInvalidClient Kind = iota + 1
	// KindInvalidGrant: unknown, consumed or malformed code or refresh token
	KindInvalidGrant
	// KindExpiredGrant: code or token found past its expiry (and deleted)
	KindExpiredGrant
	// KindClientMismatch: grant presented by a client other than its owner
	KindClientMismatch
	// KindRedirectMismatch: redirect URI differs from the one recorded at issuance
	KindRedirectMismatch
	// KindPKCEMismatch: verifier does not hash to the stored challenge
	KindPKCEMismatch
	// KindStorage: the persistence layer failed or timed out
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindInvalidClient:
		return "invalid_client"
	case KindInvalidGrant:
		return "invalid_grant"
	case KindExpiredGrant:
		return "expired_grant"
	case KindClientMismatch:
		return "client_mismatch"
	case KindRedirectMismatch:
		return "redirect_mismatch"
	case KindPKCEMismatch:
		return "pkce_mismatch"
	case KindStorage:
		return "storage_error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is the failure value returned by every server operation.
// Compare with errors.Is against the Err* sentinels, which match on Kind only.
type Error struct {
	Kind        Kind
	Description string
	Err         error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Description != "" {
		msg += ": " + e.Description
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons
var (
	ErrInvalidClient    = &Error{Kind: KindInvalidClient}
	ErrInvalidGrant     = &Error{Kind: KindInvalidGrant}
	ErrExpiredGrant     = &Error{Kind: KindExpiredGrant}
	ErrClientMismatch   = &Error{Kind: KindClientMismatch}
	ErrRedirectMismatch = &Error{Kind: KindRedirectMismatch}
	ErrPKCEMismatch     = &Error{Kind: KindPKCEMismatch}
	ErrStorage          = &Error{Kind: KindStorage}
)

// KindOf extracts the Kind from err. Errors that are not *Error report false.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

func newError(kind Kind, description string) *Error {
	return &Error{Kind: kind, Description: description}
}

// storageFailure wraps a backend error. Timeouts land here too.
func storageFailure(logger *slog.Logger, op string, err error) *Error {
	logger.Error("Storage operation failed", "operation", op, "error", err)
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindStorage, Description: op + " timed out", Err: err}
	}
	return &Error{Kind: KindStorage, Description: op, Err: err}
}

// grantLookupError maps the result of a code or refresh-token lookup. A
// missing row and a consumed row are both reported as invalid_grant.
func grantLookupError(logger *slog.Logger, op, what string, err error) error {
	var e *Error
	switch {
	case errors.As(err, &e):
		return e
	case errors.Is(err, storage.ErrNotFound):
		return newError(KindInvalidGrant, what+" is invalid")
	case errors.Is(err, storage.ErrExpired):
		return newError(KindExpiredGrant, what+" has expired")
	default:
		return storageFailure(logger, op, err)
	}
}
