// Package holdflow is a runtime for data services built on the HOLD pattern.
// Every service owns three layers under <services_root>/<name>/: an
// append-only JSONL intake in hold1, staging files and a SQLite processed
// store in hold2. Inhale appends an event envelope to the intake, Sync moves
// every intake record through the service's Processor into the store, and
// records that fail are appended to a dead-letter file instead of being
// dropped.
//
// An App wires the shared collaborators: a slog-backed ServiceLogger, the
// Prometheus metrics, the in-process Mediator, governance (HOLD isolation,
// cost limits and the audit trail), the secret accessor and the LLM client
// factory. Services register a constructor with the default registry and are
// built lazily by name:
//
//	a, err := holdflow.New(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	defer a.Shutdown(ctx)
//
//	svc, err := holdflow.Knowledge(ctx, a)
//	if err != nil {
//		return err
//	}
//	_, _ = svc.Inhale(ctx, map[string]any{"content": "The cat sat on the mat."})
//	stats, err := svc.Sync(ctx)
//
// # Bridge
//
// Mediator traffic can be mirrored to an external broker selected by the
// bridge setting: channel, io, kafka, rabbitmq, nats, http or aws. App.Ingress
// feeds messages of a bridge topic into the intake of a service; messages the
// app published itself are skipped.
//
// # Middleware
//
// Each record passes through a watermill middleware chain before Process:
// correlation ids, structured logging, OpenTelemetry tracing, record hooks,
// Prometheus metrics, optional retry and panic recovery. Extra stages are
// appended with WithMiddlewares.
package holdflow
