package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan creates a new internal span with the given name and attributes.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan creates a new client span for an outbound provider/transport call.
func StartClientSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// SpanFromContext returns the current span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// SetSpanError marks the span as errored.
func SetSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks the span as successful.
func SetSpanOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// Common attribute keys for provisioning spans.
var (
	AttrPresetID      = attribute.Key("provisioner.preset.id")
	AttrTaskName      = attribute.Key("provisioner.task.name")
	AttrLayer         = attribute.Key("provisioner.task.layer")
	AttrProvider      = attribute.Key("provisioner.provider")
	AttrHostID        = attribute.Key("provisioner.host.id")
	AttrTransport     = attribute.Key("provisioner.transport")
	AttrSnapshotID    = attribute.Key("provisioner.snapshot.id")
	AttrTemplateID    = attribute.Key("provisioner.template.id")
	AttrDurationMs    = attribute.Key("provisioner.duration_ms")
	AttrFallbackFrom  = attribute.Key("provisioner.fallback.from")
)
