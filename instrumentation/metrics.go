package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the authorization server
type Metrics struct {
	// OAuth lifecycle
	ClientRegistered metric.Int64Counter
	CodeIssued       metric.Int64Counter
	CodeRedeemed     metric.Int64Counter
	TokenIssued      metric.Int64Counter
	TokenRefreshed   metric.Int64Counter
	TokenRevoked     metric.Int64Counter
	GrantRejected    metric.Int64Counter

	// Expiry sweeper
	SweepRuns    metric.Int64Counter
	SweepRemoved metric.Int64Counter

	// Storage
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
}

type counterSpec struct {
	target *metric.Int64Counter
	name   string
	desc   string
	unit   string
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}

	counters := []counterSpec{
		{&m.ClientRegistered, "oauth.client.registered", "Number of clients registered", "{client}"},
		{&m.CodeIssued, "oauth.code.issued", "Number of authorization codes issued", "{code}"},
		{&m.CodeRedeemed, "oauth.code.redeemed", "Number of authorization codes redeemed", "{code}"},
		{&m.TokenIssued, "oauth.token.issued", "Number of token pairs minted", "{pair}"},
		{&m.TokenRefreshed, "oauth.token.refreshed", "Number of refresh grants served", "{refresh}"},
		{&m.TokenRevoked, "oauth.token.revoked", "Number of token pairs revoked", "{revocation}"},
		{&m.GrantRejected, "oauth.grant.rejected", "Number of rejected grants by error kind", "{grant}"},
		{&m.SweepRuns, "oauth.sweep.runs", "Number of expiry sweeps executed", "{sweep}"},
		{&m.SweepRemoved, "oauth.sweep.removed", "Number of expired rows removed by sweeps", "{row}"},
		{&m.StorageOperationTotal, "oauth.storage.operations.total", "Number of storage operations", "{operation}"},
	}

	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name,
			metric.WithDescription(c.desc),
			metric.WithUnit(c.unit),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.target = counter
	}

	var err error
	m.StorageOperationDuration, err = meter.Float64Histogram(
		"oauth.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	return m, nil
}

// Record methods are no-ops on a nil *Metrics.

// RecordClientRegistration records a client registration
func (m *Metrics) RecordClientRegistration(ctx context.Context, authMethod string) {
	if m == nil {
		return
	}
	m.ClientRegistered.Add(ctx, 1, metric.WithAttributes(
		attribute.String("auth_method", authMethod),
	))
}

// RecordCodeIssued records an issued authorization code
func (m *Metrics) RecordCodeIssued(ctx context.Context, pkceMethod string) {
	if m == nil {
		return
	}
	m.CodeIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("pkce_method", pkceMethod),
	))
}

// RecordCodeRedeemed records a successful code redemption
func (m *Metrics) RecordCodeRedeemed(ctx context.Context) {
	if m == nil {
		return
	}
	m.CodeRedeemed.Add(ctx, 1)
}

// RecordTokenIssued records a minted token pair
func (m *Metrics) RecordTokenIssued(ctx context.Context, grantType string) {
	if m == nil {
		return
	}
	m.TokenIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("grant_type", grantType),
	))
}

// RecordTokenRefreshed records a served refresh grant
func (m *Metrics) RecordTokenRefreshed(ctx context.Context, rotated bool) {
	if m == nil {
		return
	}
	m.TokenRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("rotated", rotated),
	))
}

// RecordTokenRevoked records a revoked token pair
func (m *Metrics) RecordTokenRevoked(ctx context.Context) {
	if m == nil {
		return
	}
	m.TokenRevoked.Add(ctx, 1)
}

// RecordGrantRejected records a rejected redemption or refresh by error kind
func (m *Metrics) RecordGrantRejected(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.GrantRejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
	))
}

// RecordSweep records a completed sweep and the number of rows it removed
func (m *Metrics) RecordSweep(ctx context.Context, trigger string, removed int) {
	if m == nil {
		return
	}
	m.SweepRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", trigger)))
	if removed > 0 {
		m.SweepRemoved.Add(ctx, int64(removed))
	}
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	if m == nil {
		return
	}
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}
