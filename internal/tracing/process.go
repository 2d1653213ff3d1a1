package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const processTracerName = "bpe-process"

func processTracer() trace.Tracer {
	return Tracer(processTracerName)
}

// TraceProcessStart creates a span covering a background process's spawn.
func TraceProcessStart(ctx context.Context, processID, workspaceID, workerHost string) (context.Context, trace.Span) {
	ctx, span := processTracer().Start(ctx, "process.start",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("process_id", processID),
		attribute.String("workspace_id", workspaceID),
		attribute.String("worker_host", workerHost),
	)
	return ctx, span
}

// TraceProcessStartResult records the outcome of a spawn attempt on its span.
func TraceProcessStartResult(span trace.Span, status string, err error) {
	span.SetAttributes(attribute.String("status", status))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// TraceProcessTerminate creates a span covering a terminate request.
func TraceProcessTerminate(ctx context.Context, processID string) (context.Context, trace.Span) {
	ctx, span := processTracer().Start(ctx, "process.terminate",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(attribute.String("process_id", processID))
	return ctx, span
}

// TraceProcessDispose creates a span covering a Dispose call, including its
// best-effort history archive.
func TraceProcessDispose(ctx context.Context, processID string) (context.Context, trace.Span) {
	ctx, span := processTracer().Start(ctx, "process.dispose",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(attribute.String("process_id", processID))
	return ctx, span
}
