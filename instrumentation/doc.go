// Package instrumentation provides OpenTelemetry instrumentation for the authorization server.
//
// It exposes a tracer and meter per layer ("server", "storage", "http") and a fixed set
// of metric instruments covering the OAuth lifecycle:
//
//   - oauth.client.registered, oauth.code.issued, oauth.code.redeemed
//   - oauth.token.issued, oauth.token.refreshed, oauth.token.revoked
//   - oauth.grant.rejected (attribute: kind)
//   - oauth.sweep.runs, oauth.sweep.removed
//   - oauth.storage.operations.total, oauth.storage.operation.duration
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "gitgpt-auth",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
// When Enabled is false every provider is a no-op, so instrumentation can be passed
// around unconditionally.
//
// # Security
//
// Span attributes never carry credential values. Codes and tokens are identified in
// logs only by a short prefix (see internal/util.SafeTruncate).
package instrumentation
