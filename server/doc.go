// Package server implements the OAuth 2.1 authorization server core.
//
// A Server owns four components sharing one storage.Store:
//   - ClientRegistry: dynamic registration (RFC 7591) and credential checks,
//     including an optional fallback client from configuration
//   - CodeIssuer: single-use authorization codes bound to a client, redirect
//     URI and optional S256 PKCE challenge
//   - TokenIssuer: linked access/refresh pairs with validation, rotation and
//     revocation
//   - Sweeper: periodic and opportunistic removal of expired rows
//
// Every failure is an *Error whose Kind callers branch on:
//
//	grant, err := srv.Codes.Redeem(ctx, req)
//	switch {
//	case errors.Is(err, server.ErrExpiredGrant):
//	    ...
//	case server.IsStorageError(err):
//	    ...
//	}
//
// Typical lifecycle:
//
//	store := memory.New()
//	srv, err := server.New(store, &server.Config{Issuer: "https://auth.example.com"}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := srv.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer srv.Shutdown(context.Background())
package server
