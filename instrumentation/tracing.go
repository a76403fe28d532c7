package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RecordError records err on the span and marks it failed.
func RecordError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanSuccess marks the span as succeeded.
func SetSpanSuccess(span trace.Span) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Ok, "")
}

// AddFlowAttributes tags a span with the identifiers common to every OAuth
// flow operation. The subject is expected to be pre-hashed by the caller.
func AddFlowAttributes(span trace.Span, endpointID, clientID, subjectHash string) {
	if span == nil {
		return
	}
	span.SetAttributes(
		attribute.String("oauth.endpoint_id", endpointID),
		attribute.String("oauth.client_id", clientID),
		attribute.String("oauth.subject_hash", subjectHash),
	)
}

// AddStorageAttributes tags a span with the storage operation and backend.
func AddStorageAttributes(span trace.Span, operation, backend string) {
	if span == nil {
		return
	}
	span.SetAttributes(
		attribute.String("storage.operation", operation),
		attribute.String("storage.backend", backend),
	)
}

// AddProviderAttributes tags a span with the provider call being made.
func AddProviderAttributes(span trace.Span, providerName, operation string) {
	if span == nil {
		return
	}
	span.SetAttributes(
		attribute.String("provider.name", providerName),
		attribute.String("provider.operation", operation),
	)
}

// AddHTTPAttributes tags a span with request/response basics.
func AddHTTPAttributes(span trace.Span, method, endpoint string, statusCode int) {
	if span == nil {
		return
	}
	span.SetAttributes(
		attribute.String("http.method", method),
		attribute.String("http.endpoint", endpoint),
		attribute.Int("http.status_code", statusCode),
	)
}
