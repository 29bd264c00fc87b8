package event

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/trace"

	idspkg "github.com/drblury/holdflow/internal/runtime/ids"
)

type runIDKey struct{}

type correlationIDKey struct{}

type eventIDKey struct{}

var (
	processRunOnce sync.Once
	processRunID   string
)

// ContextWithRunID scopes ctx to one run. Events created from the returned
// context carry runID unless an explicit run id is given.
func ContextWithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunIDFromContext returns the run id scoped on ctx, if any.
func RunIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	runID, ok := ctx.Value(runIDKey{}).(string)
	return runID, ok && runID != ""
}

// ProcessRunID is the run id of the current process, generated once.
func ProcessRunID() string {
	processRunOnce.Do(func() {
		processRunID = idspkg.NewRunID()
	})
	return processRunID
}

// CurrentRunID returns the run id scoped on ctx, falling back to the process
// run id.
func CurrentRunID(ctx context.Context) string {
	if runID, ok := RunIDFromContext(ctx); ok {
		return runID
	}
	return ProcessRunID()
}

// ContextWithCorrelationID makes events created from ctx join the given
// correlation.
func ContextWithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, correlationID)
}

// CorrelationIDFromContext returns the correlation id scoped on ctx, if any.
func CorrelationIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(correlationIDKey{}).(string)
	return id, ok && id != ""
}

// ContextWithEventID marks ctx as handling the intake envelope eventID.
func ContextWithEventID(ctx context.Context, eventID string) context.Context {
	return context.WithValue(ctx, eventIDKey{}, eventID)
}

// EventIDFromContext returns the envelope id of the record being processed.
// Bare intake lines have none.
func EventIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(eventIDKey{}).(string)
	return id, ok && id != ""
}

// TraceFromContext returns the hex trace and span ids of the span active on
// ctx. Both are empty when no valid span context is present.
func TraceFromContext(ctx context.Context) (traceID, spanID string) {
	if ctx == nil {
		return "", ""
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return "", ""
	}
	return sc.TraceID().String(), sc.SpanID().String()
}
