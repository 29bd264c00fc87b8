package runtime

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	errspkg "github.com/drblury/holdflow/internal/runtime/errors"
	"github.com/drblury/holdflow/internal/runtime/event"
	"github.com/drblury/holdflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/holdflow/internal/runtime/logging"
)

const recordPreviewLimit = 500

// diagnostics receives the last-resort line when a dead-letter write fails.
var diagnostics io.Writer = os.Stderr

type inhaleOptions struct {
	eventType     event.Type
	aggregateID   string
	correlationID string
}

// InhaleOption customises the envelope written by Inhale.
type InhaleOption func(*inhaleOptions)

// WithEventType overrides the default record.created type.
func WithEventType(t event.Type) InhaleOption {
	return func(o *inhaleOptions) { o.eventType = t }
}

func WithAggregateID(id string) InhaleOption {
	return func(o *inhaleOptions) { o.aggregateID = id }
}

func WithCorrelationID(id string) InhaleOption {
	return func(o *inhaleOptions) { o.correlationID = id }
}

// Inhale wraps data in an envelope and appends it to the intake file under
// the service lock. Every service except governance then publishes the
// envelope on TopicGovernanceRecord. Only the append can fail the call.
func (s *BaseService) Inhale(ctx context.Context, data map[string]any, opts ...InhaleOption) (event.Event, error) {
	o := inhaleOptions{eventType: event.RecordCreated}
	for _, opt := range opts {
		opt(&o)
	}

	evOpts := []event.Option{event.WithService(s.name), event.WithClock(s.deps.Clock)}
	if o.aggregateID != "" {
		evOpts = append(evOpts, event.WithAggregateID(o.aggregateID))
	}
	if o.correlationID != "" {
		evOpts = append(evOpts, event.WithCorrelationID(o.correlationID))
	}
	ev := event.New(ctx, o.eventType, s.name, data, evOpts...)

	locked, release, err := s.lock.acquire(ctx)
	if err != nil {
		return event.Event{}, err
	}
	err = appendEvent(s.layout.IntakeFile(s.name), ev)
	release()
	if err != nil {
		return event.Event{}, fmt.Errorf("inhale into %s: %w", s.name, err)
	}

	if s.name != GovernanceServiceName {
		s.publish(locked, TopicGovernanceRecord, ev)
	}

	s.logger.Debug("Record inhaled", loggingpkg.LogFields{
		"event_id":   ev.ID,
		"event_type": string(ev.Type),
	})
	return ev, nil
}

// Exhale appends a processing.completed envelope to the staging file. With a
// source event the envelope is its child.
func (s *BaseService) Exhale(ctx context.Context, processed map[string]any, source *event.Event) (event.Event, error) {
	var ev event.Event
	if source != nil {
		ev = source.Child(ctx, event.ProcessingCompleted, processed, event.WithClock(s.deps.Clock))
	} else {
		ev = event.New(ctx, event.ProcessingCompleted, s.name, processed,
			event.WithService(s.name), event.WithClock(s.deps.Clock))
	}

	_, release, err := s.lock.acquire(ctx)
	if err != nil {
		return event.Event{}, err
	}
	defer release()

	if err := appendEvent(s.layout.StagedFile(s.name), ev); err != nil {
		return event.Event{}, fmt.Errorf("exhale from %s: %w", s.name, err)
	}
	s.logger.Debug("Record exhaled", loggingpkg.LogFields{"event_id": ev.ID})
	return ev, nil
}

// IterHold1 calls fn with every parseable intake line in file order until fn
// returns false. Malformed lines are skipped. A missing intake file yields
// nothing. The service lock is not taken.
func (s *BaseService) IterHold1(ctx context.Context, fn func(record map[string]any) bool) error {
	return scanJSONLines(ctx, s.layout.IntakeFile(s.name), func(_ int, line []byte) bool {
		record, err := jsoncodec.UnmarshalObject(line)
		if err != nil {
			return true
		}
		return fn(record)
	})
}

// IterDLQ calls fn with every dead-letter envelope in file order until fn
// returns false.
func (s *BaseService) IterDLQ(ctx context.Context, fn func(ev event.Event) bool) error {
	return scanJSONLines(ctx, s.layout.DLQFile(s.name), func(_ int, line []byte) bool {
		ev, err := event.FromBytes(line)
		if err != nil {
			return true
		}
		return fn(ev)
	})
}

// deadLetter appends a signal.error envelope describing the failed record.
// It never returns an error: when the write itself fails the failure is
// logged at critical level and echoed to the diagnostics stream.
func (s *BaseService) deadLetter(ctx context.Context, record map[string]any, cause error, fields loggingpkg.LogFields) {
	category := errspkg.Classify(cause)
	signal := event.New(ctx, event.SignalError, s.name, map[string]any{
		"original_record": record,
		"error":           cause.Error(),
		"error_category":  string(category),
		"traceback":       traceback(cause),
	}, event.WithService(s.name), event.WithClock(s.deps.Clock))

	dlq := s.layout.DLQFile(s.name)
	err := os.MkdirAll(filepath.Dir(dlq), 0o755)
	if err == nil {
		err = appendEvent(dlq, signal)
	}
	if err != nil {
		preview := previewRecord(record)
		s.logger.Critical("Dead-letter write failed", err, loggingpkg.LogFields{
			"original_error": cause.Error(),
			"record_preview": preview,
			"run_id":         event.CurrentRunID(ctx),
		})
		fmt.Fprintf(diagnostics, "holdflow: CRITICAL dead-letter write failed service=%s dlq_error=%q original_error=%q record=%q\n",
			s.name, err.Error(), cause.Error(), preview)
		return
	}

	logFields := loggingpkg.LogFields{"event_id": signal.ID, "run_id": event.CurrentRunID(ctx)}
	for k, v := range fields {
		logFields[k] = v
	}
	s.logger.Error("Processing failed", cause, logFields)
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordDeadLetter(s.name, string(category))
	}
}

func appendEvent(path string, ev event.Event) error {
	line, err := ev.AppendLine()
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// scanJSONLines feeds every non-blank line with its 1-based number to fn.
func scanJSONLines(ctx context.Context, path string, fn func(lineNo int, line []byte) bool) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	lineNo := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		raw, readErr := reader.ReadBytes('\n')
		if len(raw) > 0 {
			lineNo++
			if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 {
				if !fn(lineNo, trimmed) {
					return nil
				}
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

func traceback(err error) string {
	var recovered middleware.RecoveredPanicError
	if errors.As(err, &recovered) {
		return recovered.Stacktrace
	}
	return fmt.Sprintf("%+v", err)
}

func previewRecord(record map[string]any) string {
	data, err := jsoncodec.Marshal(record)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", record))
	}
	if len(data) > recordPreviewLimit {
		data = data[:recordPreviewLimit]
	}
	return string(data)
}
