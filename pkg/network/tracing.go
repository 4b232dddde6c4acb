package network

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Default tracer name for network spans.
const defaultTracerName = "github.com/vango-dev/mtproto/pkg/network"

func defaultTracer() trace.Tracer {
	return otel.Tracer(defaultTracerName)
}

// startCallSpan opens the client span for one Call.
func startCallSpan(ctx context.Context, tracer trace.Tracer, method string, dc int, kind Kind) (context.Context, trace.Span) {
	return tracer.Start(ctx, "mtproto.call "+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("rpc.system", "mtproto"),
			attribute.String("rpc.method", method),
			attribute.Int("mtproto.dc", dc),
			attribute.String("mtproto.kind", string(kind)),
		),
	)
}

// endCallSpan records the outcome and ends span.
func endCallSpan(span trace.Span, err error) {
	defer span.End()
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}
	if rpcErr, ok := AsRPCError(err); ok {
		span.SetAttributes(
			attribute.Int("mtproto.error_code", int(rpcErr.Code)),
			attribute.String("mtproto.error_type", rpcErr.Type()),
		)
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
