package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const executorTracerName = "bpe-executor"

func executorTracer() trace.Tracer {
	return Tracer(executorTracerName)
}

// TraceExecutorRun creates a span around a single command dispatched to an
// Executor backend (local fork/exec, an SSH session, or a docker exec).
// kind is "local", "ssh", or "docker". cmdPreview must already be truncated
// by the caller (see stringutil.TruncateStringWithEllipsis) — spans must
// never carry a full script body, which can hold secrets interpolated into
// the shell fragment by the caller.
func TraceExecutorRun(ctx context.Context, kind, cmdPreview string) (context.Context, trace.Span) {
	ctx, span := executorTracer().Start(ctx, "executor."+kind+".run",
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.String("executor.kind", kind),
		attribute.String("executor.cmd_preview", cmdPreview),
	)
	return ctx, span
}

// TraceExecutorRunResult records the outcome of a TraceExecutorRun span.
func TraceExecutorRunResult(span trace.Span, exitCode int, err error) {
	span.SetAttributes(attribute.Int("executor.exit_code", exitCode))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
