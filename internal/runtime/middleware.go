package runtime

import (
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/drblury/holdflow/internal/runtime/event"
	idspkg "github.com/drblury/holdflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/holdflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/holdflow/internal/runtime/metadata"
)

// MiddlewareBuilder constructs a record middleware for the given service.
// Returning a nil middleware skips the registration.
type MiddlewareBuilder func(*BaseService) (message.HandlerMiddleware, error)

// MiddlewareRegistration captures one stage of the per-record chain that
// wraps Processor.Process during Sync.
type MiddlewareRegistration struct {
	Name       string
	Middleware message.HandlerMiddleware
	Builder    MiddlewareBuilder
}

// RetryMiddlewareConfig customises the retry middleware behaviour.
type RetryMiddlewareConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	RetryIf         func(error) bool
}

func (cfg RetryMiddlewareConfig) withDefaults() RetryMiddlewareConfig {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 100 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 2 * time.Second
	}
	return cfg
}

// DefaultMiddlewares returns the standard chain. The first registration is
// the outermost; the recoverer sits next to the processor so panics surface
// as errors to every other stage.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		LogRecordsMiddleware(nil),
		TracerMiddleware(),
		RecordHooksMiddleware(),
		MetricsMiddleware(),
		RecovererMiddleware(),
	}
}

// CorrelationIDMiddleware ensures each record carries a correlation identifier
// and exposes it on the message context.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "correlation_id",
		Middleware: func(h message.HandlerFunc) message.HandlerFunc {
			return func(msg *message.Message) ([]*message.Message, error) {
				id := msg.Metadata.Get(metadatapkg.KeyCorrelationID)
				if id == "" {
					id = idspkg.CreateULID()
					msg.Metadata.Set(metadatapkg.KeyCorrelationID, id)
				}
				msg.SetContext(event.ContextWithCorrelationID(msg.Context(), id))
				return h(msg)
			}
		},
	}
}

// LogRecordsMiddleware logs every record handed to the processor at debug level.
func LogRecordsMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_records",
		Builder: func(s *BaseService) (message.HandlerMiddleware, error) {
			l := logger
			if l == nil {
				l = s.logger
			}
			if l == nil {
				return nil, errors.New("log records middleware requires a logger")
			}
			return func(h message.HandlerFunc) message.HandlerFunc {
				return func(msg *message.Message) ([]*message.Message, error) {
					l.Debug("Processing record", loggingpkg.LogFields{
						"message_uuid": msg.UUID,
						"line":         msg.Metadata.Get(metadatapkg.KeyLine),
						"event_id":     msg.Metadata.Get(metadatapkg.KeyEventID),
						"payload":      string(msg.Payload),
					})
					return h(msg)
				}
			}, nil
		},
	}
}

// TracerMiddleware wraps each Process call in an OpenTelemetry span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "tracer",
		Builder: func(s *BaseService) (message.HandlerMiddleware, error) {
			return func(h message.HandlerFunc) message.HandlerFunc {
				return func(msg *message.Message) ([]*message.Message, error) {
					ctx, span := otel.Tracer("holdflow/runtime").Start(msg.Context(), "ProcessRecord")
					defer span.End()
					msg.SetContext(ctx)

					span.SetAttributes(
						attribute.String("holdflow.service", s.name),
						attribute.String("message.uuid", msg.UUID),
						attribute.String("holdflow.line", msg.Metadata.Get(metadatapkg.KeyLine)),
						attribute.String("holdflow.event_id", msg.Metadata.Get(metadatapkg.KeyEventID)),
					)
					out, err := h(msg)
					if err != nil {
						span.RecordError(err)
						span.SetStatus(codes.Error, err.Error())
					}
					return out, err
				}
			}, nil
		},
	}
}

// RecordHooksMiddleware invokes Dependencies.Hooks around each record. It is
// skipped when no hook is set.
func RecordHooksMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "record_hooks",
		Builder: func(s *BaseService) (message.HandlerMiddleware, error) {
			if s.deps.Hooks.empty() {
				return nil, nil
			}
			return recordHooksMiddleware(s.name, s.deps.Hooks, s.deps.Clock), nil
		},
	}
}

// MetricsMiddleware counts processed and failed records and observes their
// duration. It is skipped without Dependencies.Metrics.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(s *BaseService) (message.HandlerMiddleware, error) {
			m := s.deps.Metrics
			if m == nil {
				return nil, nil
			}
			return func(h message.HandlerFunc) message.HandlerFunc {
				return func(msg *message.Message) ([]*message.Message, error) {
					start := time.Now()
					out, err := h(msg)
					m.ObserveRecord(s.name, time.Since(start), err)
					return out, err
				}
			}, nil
		},
	}
}

// RetryMiddleware retries Process with exponential backoff. Zero values take
// the defaults.
func RetryMiddleware(cfg RetryMiddlewareConfig) MiddlewareRegistration {
	normalized := cfg.withDefaults()
	return MiddlewareRegistration{
		Name: "retry",
		Middleware: middleware.Retry{
			MaxRetries:      normalized.MaxRetries,
			InitialInterval: normalized.InitialInterval,
			MaxInterval:     normalized.MaxInterval,
			ShouldRetry: func(params middleware.RetryParams) bool {
				if normalized.RetryIf != nil {
					return normalized.RetryIf(params.Err)
				}
				return true
			},
		}.Middleware,
	}
}

// RecovererMiddleware converts processor panics into errors so the record is
// dead-lettered instead of aborting the sync.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: middleware.Recoverer,
	}
}

// MiddlewareNames lists the active stages, outermost first.
func (s *BaseService) MiddlewareNames() []string {
	return append([]string(nil), s.middlewareNames...)
}

func (s *BaseService) registrations() []MiddlewareRegistration {
	var regs []MiddlewareRegistration
	if !s.deps.DisableDefaultMiddlewares {
		regs = DefaultMiddlewares()
		if n := s.deps.Settings.RetryMaxRetries; n > 0 {
			retry := RetryMiddleware(RetryMiddlewareConfig{
				MaxRetries:      n,
				InitialInterval: s.deps.Settings.RetryInitialInterval,
				MaxInterval:     s.deps.Settings.RetryMaxInterval,
			})
			// keep the recoverer innermost
			regs = append(regs[:len(regs)-1], retry, RecovererMiddleware())
		}
	}
	return append(regs, s.deps.Middlewares...)
}

func (s *BaseService) buildChain() error {
	regs := s.registrations()
	resolved := make([]message.HandlerMiddleware, 0, len(regs))
	names := make([]string, 0, len(regs))
	for _, reg := range regs {
		name := reg.Name
		if name == "" {
			name = "anonymous_middleware"
		}

		var mw message.HandlerMiddleware
		switch {
		case reg.Middleware != nil:
			mw = reg.Middleware
		case reg.Builder != nil:
			var err error
			mw, err = reg.Builder(s)
			if err != nil {
				return fmt.Errorf("failed to register middleware %s: %w", name, err)
			}
		default:
			return fmt.Errorf("middleware %s requires Middleware or Builder", name)
		}
		if mw == nil {
			continue
		}
		resolved = append(resolved, mw)
		names = append(names, name)
	}

	h := message.HandlerFunc(s.processHandler)
	for i := len(resolved) - 1; i >= 0; i-- {
		h = resolved[i](h)
	}
	s.chain = h
	s.middlewareNames = names
	return nil
}
