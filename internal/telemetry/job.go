package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const jobTracerName = "herdctl-job"

func jobTracer() trace.Tracer {
	return Tracer(jobTracerName)
}

// TraceJobExecute creates a span covering one job's runtime execution,
// from runtime selection through output-stream drain.
func TraceJobExecute(ctx context.Context, jobID, agentName, scheduleName string) (context.Context, trace.Span) {
	ctx, span := jobTracer().Start(ctx, "job.execute",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("job_id", jobID),
		attribute.String("agent_name", agentName),
		attribute.String("schedule_name", scheduleName),
	)
	return ctx, span
}

// TraceJobResult records a job's terminal status on its span.
func TraceJobResult(span trace.Span, status string, err error) {
	span.SetAttributes(attribute.String("status", status))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
