/*
Package runtime provides the HOLD service runtime of holdflow.

# Architecture Overview

Every service owns three layers below the services root:

	<service>/hold1/intake.jsonl           append-only intake (HOLD1)
	<service>/staging/<service>_staged.jsonl
	<service>/staging/<service>_dlq.jsonl  dead-letter records
	<service>/hold2/<service>.db           processed store (HOLD2)

Records enter through Inhale, are transformed by a Processor during Sync and
land in the processed store through an idempotent, batched upsert. Records
that cannot be parsed or processed are written to the dead-letter file as
signal.error envelopes; Sync never fails because of a single record.

# Package Structure

## Base service (service.go, hold.go, sync.go, processed.go)

BaseService wires together:
  - The service directories and the per-service reentrant lock
  - Inhale, Exhale and Sync
  - The processed store (internal/runtime/store)
  - Governance gates and agent-action audit (internal/runtime/governance)
  - Lifecycle events on the mediator (internal/runtime/mediator)

## Middleware (middleware.go)

Sync wraps every record in a watermill message and sends it through a chain
of middlewares before it reaches Processor.Process:
  - CorrelationID: ensures record traceability
  - LogRecords: debug logging of record payloads
  - Tracer: OpenTelemetry span per record
  - RecordHooks: user callbacks (hooks.go)
  - Metrics: Prometheus counters (metrics.go)
  - Retry: optional exponential backoff
  - Recoverer: panic recovery

# Sub-packages

  - config/: settings with validation
  - errors/: sentinel errors and error types
  - event/: the envelope and run/correlation context
  - factory/: service registry
  - governance/: HOLD isolation, cost enforcement, audit trail
  - health/: HOLD layer inspection
  - ids/: identifier generation
  - jsoncodec/: JSON marshaling utilities
  - llm/: model provider adapters
  - logging/: logger interface and adapters
  - mediator/: in-process topic pub/sub
  - metadata/: message metadata utilities
  - paths/: service directory layout
  - secrets/: credential accessors
  - store/: SQLite processed store
  - transport/: bridge transport factory

# Usage Example

	type upper struct{}

	func (upper) Process(ctx context.Context, r map[string]any) (map[string]any, error) {
		r["text"] = strings.ToUpper(r["text"].(string))
		return r, nil
	}

	svc, err := runtime.NewBase(ctx, "shout", upper{}, runtime.Dependencies{Settings: cfg})
	if err != nil {
		return err
	}
	if _, err := svc.Inhale(ctx, map[string]any{"text": "hello"}); err != nil {
		return err
	}
	stats, err := svc.Sync(ctx)
*/
package runtime
