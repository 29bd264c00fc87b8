// Package event defines the envelope that wraps every record crossing a HOLD
// boundary, together with the correlation model: correlation and causation
// ids, trace ids sampled from OpenTelemetry and run ids scoped on the context.
package event

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	idspkg "github.com/drblury/holdflow/internal/runtime/ids"
	"github.com/drblury/holdflow/internal/runtime/jsoncodec"
)

// DefaultVersion is the schema version stamped on new events.
const DefaultVersion = 1

// Metadata carries identity and correlation fields. Empty optional fields are
// omitted when serialized.
type Metadata struct {
	CorrelationID string    `json:"correlation_id"`
	CausationID   string    `json:"causation_id,omitempty"`
	TraceID       string    `json:"trace_id,omitempty"`
	SpanID        string    `json:"span_id,omitempty"`
	RunID         string    `json:"run_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Version       int       `json:"version"`
	Service       string    `json:"service,omitempty"`
}

// Event is the envelope written to intake and staging files. It is a value:
// methods return copies and Data is cloned on construction, so an Event never
// changes once created.
type Event struct {
	ID            string         `json:"id"`
	Type          Type           `json:"event_type"`
	AggregateType string         `json:"aggregate_type"`
	AggregateID   string         `json:"aggregate_id,omitempty"`
	Data          map[string]any `json:"data"`
	Metadata      Metadata       `json:"metadata"`
}

type options struct {
	aggregateID   string
	correlationID string
	causationID   string
	runID         string
	service       string
	id            string
	now           func() time.Time
}

// Option customises New and Child.
type Option func(*options)

func WithAggregateID(id string) Option { return func(o *options) { o.aggregateID = id } }

func WithCorrelationID(id string) Option { return func(o *options) { o.correlationID = id } }

func WithCausationID(id string) Option { return func(o *options) { o.causationID = id } }

// WithRunID overrides the run id found on the context.
func WithRunID(id string) Option { return func(o *options) { o.runID = id } }

func WithService(name string) Option { return func(o *options) { o.service = name } }

// WithID fixes the event id. Intended for replays and tests.
func WithID(id string) Option { return func(o *options) { o.id = id } }

// WithClock replaces time.Now for the timestamp.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// New builds an event. The correlation id comes from the option, then from
// the context, then is generated. Trace and span ids are sampled from the
// span context on ctx and the run id from ContextWithRunID; neither being
// present is fine.
func New(ctx context.Context, eventType Type, aggregateType string, data map[string]any, opts ...Option) Event {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	correlationID := o.correlationID
	if correlationID == "" {
		if fromCtx, ok := CorrelationIDFromContext(ctx); ok {
			correlationID = fromCtx
		} else {
			correlationID = idspkg.NewUUID()
		}
	}

	runID := o.runID
	if runID == "" {
		runID, _ = RunIDFromContext(ctx)
	}

	traceID, spanID := TraceFromContext(ctx)

	id := o.id
	if id == "" {
		id = idspkg.NewUUID()
	}

	return Event{
		ID:            id,
		Type:          eventType,
		AggregateType: aggregateType,
		AggregateID:   o.aggregateID,
		Data:          cloneData(data),
		Metadata: Metadata{
			CorrelationID: correlationID,
			CausationID:   o.causationID,
			TraceID:       traceID,
			SpanID:        spanID,
			RunID:         runID,
			Timestamp:     o.now().UTC(),
			Version:       DefaultVersion,
			Service:       o.service,
		},
	}
}

// Child builds an event caused by e. It keeps e's aggregate, correlation,
// trace, run and service; the causation id is e.ID. A span active on ctx
// replaces the inherited trace ids.
func (e Event) Child(ctx context.Context, eventType Type, data map[string]any, opts ...Option) Event {
	base := []Option{
		WithAggregateID(e.AggregateID),
		WithCorrelationID(e.Metadata.CorrelationID),
		WithCausationID(e.ID),
		WithRunID(e.Metadata.RunID),
		WithService(e.Metadata.Service),
	}
	child := New(ctx, eventType, e.AggregateType, data, append(base, opts...)...)
	if child.Metadata.TraceID == "" {
		child.Metadata.TraceID = e.Metadata.TraceID
		child.Metadata.SpanID = e.Metadata.SpanID
	}
	return child
}

// Clone returns a copy whose Data, nested maps and slices included, is not
// shared with e.
func (e Event) Clone() Event {
	e.Data = cloneData(e.Data)
	return e
}

// Validate checks the fields every persisted envelope needs.
func (e Event) Validate() error {
	var errs []error
	if e.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if e.Type == "" {
		errs = append(errs, errors.New("event_type is required"))
	}
	if e.AggregateType == "" {
		errs = append(errs, errors.New("aggregate_type is required"))
	}
	if e.Metadata.CorrelationID == "" {
		errs = append(errs, errors.New("metadata.correlation_id is required"))
	}
	return errors.Join(errs...)
}

// ToJSONL encodes the event as one line without the trailing newline.
func (e Event) ToJSONL() (string, error) {
	data, err := jsoncodec.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("encode event %s: %w", e.ID, err)
	}
	return string(data), nil
}

// AppendLine encodes the event followed by a newline, ready to append to a
// JSONL file.
func (e Event) AppendLine() ([]byte, error) {
	return jsoncodec.MarshalLine(e)
}

// ToMap converts the envelope to its wire map, used as a mediator payload.
func (e Event) ToMap() (map[string]any, error) {
	data, err := jsoncodec.Marshal(e)
	if err != nil {
		return nil, err
	}
	return jsoncodec.UnmarshalObject(data)
}

// FromJSONL parses one envelope line.
func FromJSONL(line string) (Event, error) {
	return FromBytes([]byte(line))
}

// FromBytes parses one envelope and validates its identity fields.
func FromBytes(line []byte) (Event, error) {
	var e Event
	if err := jsoncodec.Unmarshal(bytes.TrimSpace(line), &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if err := e.Validate(); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if e.Data == nil {
		e.Data = map[string]any{}
	}
	return e, nil
}

// cloneData deep-copies the JSON shapes a payload is built from. Other
// values are shared.
func cloneData(data map[string]any) map[string]any {
	if data == nil {
		return map[string]any{}
	}
	return cloneMap(data)
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if t == nil {
			return t
		}
		return cloneMap(t)
	case []any:
		if t == nil {
			return t
		}
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []map[string]any:
		if t == nil {
			return t
		}
		out := make([]map[string]any, len(t))
		for i, e := range t {
			if e != nil {
				out[i] = cloneMap(e)
			}
		}
		return out
	case []string:
		return slices.Clone(t)
	default:
		return v
	}
}
