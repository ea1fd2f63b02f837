package server

import (
	"crypto/subtle"

	"golang.org/x/oauth2"
)

// PKCEMethodS256 is the only supported code_challenge_method (OAuth 2.1).
const PKCEMethodS256 = "S256"

// VerifyPKCE checks verifier against the challenge recorded at issuance.
//
//   - no challenge recorded, no verifier: ok
//   - no challenge recorded, verifier present: invalid_grant (downgrade attempt)
//   - method other than S256: pkce_mismatch
//   - challenge recorded, no verifier: invalid_grant
//   - base64url(SHA-256(verifier)) != challenge: pkce_mismatch
func VerifyPKCE(challenge, method, verifier string) error {
	if challenge == "" {
		if verifier != "" {
			return newError(KindInvalidGrant, "code_verifier supplied but no code_challenge was issued")
		}
		return nil
	}

	if method != PKCEMethodS256 {
		return newError(KindPKCEMismatch, "unsupported code_challenge_method")
	}
	if verifier == "" {
		return newError(KindInvalidGrant, "code_verifier is required")
	}

	computed := oauth2.S256ChallengeFromVerifier(verifier)
	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return newError(KindPKCEMismatch, "code_verifier does not match code_challenge")
	}
	return nil
}
