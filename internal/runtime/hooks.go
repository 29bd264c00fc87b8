package runtime

import (
	"context"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	loggingpkg "github.com/drblury/holdflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/holdflow/internal/runtime/metadata"
)

// RecordContext describes one Process invocation to hooks.
type RecordContext struct {
	// Service is the name of the service running the sync.
	Service string
	// MessageUUID identifies the record within the middleware chain.
	MessageUUID string
	// EventID is the intake envelope id, empty for bare lines.
	EventID string
	// Line is the 1-based intake line number.
	Line int
	Metadata message.Metadata
	Context  context.Context
	// StartedAt is when processing began.
	StartedAt time.Time
	// Duration is only set for OnRecordDone and OnRecordError.
	Duration time.Duration
}

// RecordHooks are optional callbacks around each processed record. Nil hooks
// are not called.
type RecordHooks struct {
	OnRecordStart func(rc RecordContext)
	OnRecordDone  func(rc RecordContext)
	OnRecordError func(rc RecordContext, err error)
}

// Merge returns hooks that call h first and then other.
func (h RecordHooks) Merge(other RecordHooks) RecordHooks {
	return RecordHooks{
		OnRecordStart: chainHooks(h.OnRecordStart, other.OnRecordStart),
		OnRecordDone:  chainHooks(h.OnRecordDone, other.OnRecordDone),
		OnRecordError: chainErrorHooks(h.OnRecordError, other.OnRecordError),
	}
}

func (h RecordHooks) empty() bool {
	return h.OnRecordStart == nil && h.OnRecordDone == nil && h.OnRecordError == nil
}

func chainHooks(a, b func(RecordContext)) func(RecordContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(rc RecordContext) {
		a(rc)
		b(rc)
	}
}

func chainErrorHooks(a, b func(RecordContext, error)) func(RecordContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(rc RecordContext, err error) {
		a(rc, err)
		b(rc, err)
	}
}

func recordHooksMiddleware(service string, hooks RecordHooks, now func() time.Time) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			start := now()
			line, _ := strconv.Atoi(msg.Metadata.Get(metadatapkg.KeyLine))
			rc := RecordContext{
				Service:     service,
				MessageUUID: msg.UUID,
				EventID:     msg.Metadata.Get(metadatapkg.KeyEventID),
				Line:        line,
				Metadata:    msg.Metadata,
				Context:     msg.Context(),
				StartedAt:   start,
			}

			if hooks.OnRecordStart != nil {
				hooks.OnRecordStart(rc)
			}

			out, err := h(msg)
			rc.Duration = now().Sub(start)

			if err != nil {
				if hooks.OnRecordError != nil {
					hooks.OnRecordError(rc, err)
				}
			} else if hooks.OnRecordDone != nil {
				hooks.OnRecordDone(rc)
			}
			return out, err
		}
	}
}

// LoggingHooks logs record lifecycle events.
func LoggingHooks(logger loggingpkg.ServiceLogger) RecordHooks {
	return RecordHooks{
		OnRecordStart: func(rc RecordContext) {
			logger.Debug("Record started", loggingpkg.LogFields{
				"service":  rc.Service,
				"line":     rc.Line,
				"event_id": rc.EventID,
			})
		},
		OnRecordDone: func(rc RecordContext) {
			logger.Info("Record processed", loggingpkg.LogFields{
				"service":     rc.Service,
				"line":        rc.Line,
				"event_id":    rc.EventID,
				"duration_ms": rc.Duration.Milliseconds(),
			})
		},
		OnRecordError: func(rc RecordContext, err error) {
			logger.Error("Record failed", err, loggingpkg.LogFields{
				"service":     rc.Service,
				"line":        rc.Line,
				"event_id":    rc.EventID,
				"duration_ms": rc.Duration.Milliseconds(),
			})
		},
	}
}

// AlertingHooks calls alertFunc for every failed record.
func AlertingHooks(alertFunc func(rc RecordContext, err error)) RecordHooks {
	return RecordHooks{OnRecordError: alertFunc}
}
