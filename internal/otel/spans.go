package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for orchestrator spans.
var (
	AttrTaskID      = attribute.Key("orchestrator.task.id")
	AttrUserID      = attribute.Key("orchestrator.user.id")
	AttrChatID      = attribute.Key("orchestrator.chat.id")
	AttrTopic       = attribute.Key("orchestrator.queuebus.topic")
	AttrInstanceID  = attribute.Key("orchestrator.instance.id")
	AttrSourceRef   = attribute.Key("orchestrator.transfer.source_ref")
	AttrBytesMoved  = attribute.Key("orchestrator.transfer.bytes")
	AttrStage       = attribute.Key("orchestrator.task.stage")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (Gateway).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (transfer backend, Telegram Bot API).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
