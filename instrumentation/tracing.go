package instrumentation

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys
//
// SECURITY WARNING: never record authorization codes, access tokens, refresh
// tokens or client secrets as attribute values. Only metadata.
const (
	AttrClientID    = "oauth.client_id"
	AttrScope       = "oauth.scope"
	AttrResource    = "oauth.resource"
	AttrPKCEMethod  = "oauth.pkce.method"
	AttrGrantType   = "oauth.grant_type"
	AttrAuthMethod  = "oauth.token_endpoint_auth_method"
	AttrTokenRotate = "oauth.token.rotated" //nolint:gosec // attribute name, not a credential
	AttrErrorKind   = "oauth.error_kind"

	AttrStorageOperation = "storage.operation"
	AttrStorageType      = "storage.type"

	AttrSweepTrigger = "sweep.trigger"
	AttrSweepRemoved = "sweep.removed"

	AttrClientIP     = "security.client_ip"
	AttrHTTPEndpoint = "http.endpoint"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError sets an error status on a span (nil-safe)
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddOAuthFlowAttributes adds common OAuth flow attributes to a span (nil-safe)
func AddOAuthFlowAttributes(span trace.Span, clientID, scope, resource string) {
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
	if scope != "" {
		SetSpanAttributes(span, attribute.String(AttrScope, scope))
	}
	if resource != "" {
		SetSpanAttributes(span, attribute.String(AttrResource, resource))
	}
}

// StorageOp tracks a single storage operation: one span plus one metric sample.
// The zero value is usable and records nothing.
type StorageOp struct {
	inst      *Instrumentation
	span      trace.Span
	operation string
	start     time.Time
}

// StartStorageOp starts a span named "storage.<operation>" tagged with the
// backend type. inst may be nil.
func StartStorageOp(ctx context.Context, inst *Instrumentation, storageType, operation string) (context.Context, *StorageOp) {
	op := &StorageOp{inst: inst, operation: operation, start: time.Now()}
	if inst == nil {
		return ctx, op
	}

	ctx, op.span = inst.Tracer("storage").Start(ctx, "storage."+operation,
		trace.WithAttributes(
			attribute.String(AttrStorageOperation, operation),
			attribute.String(AttrStorageType, storageType),
		))
	return ctx, op
}

// End finishes the span and records the outcome. Domain misses such as
// "not found" should be passed as nil when they are not failures.
func (op *StorageOp) End(ctx context.Context, err error) {
	if op == nil || op.inst == nil {
		return
	}

	result := "success"
	if err != nil {
		result = "error"
		RecordError(op.span, err)
	} else {
		SetSpanSuccess(op.span)
	}
	op.span.End()

	op.inst.Metrics().RecordStorageOperation(ctx, op.operation, result,
		float64(time.Since(op.start).Microseconds())/1000)
}
