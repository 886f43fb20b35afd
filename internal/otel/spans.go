package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by spans and metrics.
var (
	AttrAgentID   = attribute.Key("sandcastle.agent.id")
	AttrReference = attribute.Key("sandcastle.agent.reference")
	AttrPriority  = attribute.Key("sandcastle.agent.priority")
	AttrState     = attribute.Key("sandcastle.agent.state")
	AttrFromState = attribute.Key("sandcastle.agent.from_state")
	AttrErrorKind = attribute.Key("sandcastle.agent.error_kind")
	AttrLanguage  = attribute.Key("sandcastle.code.language")
	AttrCommand   = attribute.Key("sandcastle.command")
	AttrOrigin    = attribute.Key("sandcastle.command.origin")
)

// StartSpan starts an internal span with the given attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound command.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
