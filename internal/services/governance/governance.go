// Package governance is the event recorder of holdflow. It subscribes to
// governance.record on the mediator, keeps every published event in its own
// intake and turns them into a queryable event store on sync.
package governance

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/holdflow/internal/runtime"
	"github.com/drblury/holdflow/internal/runtime/event"
	"github.com/drblury/holdflow/internal/runtime/factory"
	idspkg "github.com/drblury/holdflow/internal/runtime/ids"
	"github.com/drblury/holdflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/holdflow/internal/runtime/logging"
	"github.com/drblury/holdflow/internal/runtime/mediator"
	metadatapkg "github.com/drblury/holdflow/internal/runtime/metadata"
	"github.com/drblury/holdflow/internal/runtime/store"
)

const ServiceName = runtime.GovernanceServiceName

const (
	unknown        = "unknown"
	eventIDLength  = 32
	minQueryLimit  = 1
	maxQueryLimit  = 10_000
	defaultLimit   = 100
	subscriberName = "governance_service"
)

// EventQuery narrows QueryEvents. Limit is clamped to 1..10000 and defaults
// to 100.
type EventQuery struct {
	EventType string
	Source    string
	Limit     int
}

// Summary counts recorded events.
type Summary struct {
	TotalEvents int64            `json:"total_events"`
	BySource    map[string]int64 `json:"by_source"`
	ByType      map[string]int64 `json:"by_type"`
}

// Service records events for audit and self-inspection.
type Service struct {
	*runtime.BaseService

	unsubscribe func()
}

// New creates the governance service and subscribes it to
// runtime.TopicGovernanceRecord when a mediator is configured.
func New(ctx context.Context, deps runtime.Dependencies) (*Service, error) {
	s := &Service{}
	base, err := runtime.NewBase(ctx, ServiceName, s, deps)
	if err != nil {
		return nil, err
	}
	s.BaseService = base
	return s, nil
}

// Register adds the governance constructor to r.
func Register(r *factory.Registry) error {
	return r.Register(ServiceName, constructor, false)
}

func constructor(ctx context.Context, r *factory.Registry) (factory.Instance, error) {
	return New(ctx, r.Dependencies())
}

func init() {
	factory.MustRegister(ServiceName, constructor)
}

// OnStartup subscribes to the governance topic.
func (s *Service) OnStartup(_ context.Context, base *runtime.BaseService) error {
	med := base.Dependencies().Mediator
	if med == nil {
		return nil
	}
	unsubscribe, err := med.Subscribe(runtime.TopicGovernanceRecord, subscriberName, func(msg *message.Message) error {
		return s.record(base, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", runtime.TopicGovernanceRecord, err)
	}
	s.unsubscribe = unsubscribe
	return nil
}

// OnShutdown drops the subscription.
func (s *Service) OnShutdown(context.Context) error {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	return nil
}

// record inhales one published payload. Inhale on this service never
// republishes, so recording cannot loop.
func (s *Service) record(base *runtime.BaseService, msg *message.Message) error {
	var payload map[string]any
	if err := mediator.Decode(msg, &payload); err != nil {
		base.Logger().Warn("Dropping undecodable governance record", loggingpkg.LogFields{
			"message_uuid": msg.UUID,
			"error":        err.Error(),
		})
		return nil
	}
	if base.State() == runtime.StateStopped {
		return nil
	}

	var opts []runtime.InhaleOption
	if cid := msg.Metadata.Get(metadatapkg.KeyCorrelationID); cid != "" {
		opts = append(opts, runtime.WithCorrelationID(cid))
	}
	_, err := base.Inhale(msg.Context(), payload, opts...)
	return err
}

// ExtendSchema adds the event_id, event_type and source columns.
func (s *Service) ExtendSchema(base store.Schema) store.Schema {
	return base.WithColumns(
		store.Column{Name: "event_id", Type: "TEXT"},
		store.Column{Name: "event_type", Type: "TEXT"},
		store.Column{Name: "source", Type: "TEXT"},
	).WithIndexes("event_type", "source")
}

// Process enriches an event: a missing event_id is derived from the record
// content, governance_processed_at is stamped and source and event_type
// default to "unknown". source falls back to the publishing service first.
func (s *Service) Process(_ context.Context, record map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(record)+3)
	for k, v := range record {
		out[k] = v
	}

	if _, ok := out["event_id"]; !ok {
		raw, err := jsoncodec.Marshal(record)
		if err != nil {
			return nil, fmt.Errorf("hash event: %w", err)
		}
		out["event_id"] = idspkg.HashHex(raw, eventIDLength)
	}
	out["governance_processed_at"] = event.FormatTimestamp(s.Dependencies().Clock().UTC())

	if _, ok := out["source"]; !ok {
		out["source"] = sourceOf(record)
	}
	if _, ok := out["event_type"]; !ok {
		out["event_type"] = unknown
	}
	return out, nil
}

func sourceOf(record map[string]any) string {
	if svc, ok := record["service"].(string); ok && svc != "" {
		return svc
	}
	if md, ok := record["metadata"].(map[string]any); ok {
		if svc, ok := md["service"].(string); ok && svc != "" {
			return svc
		}
	}
	return unknown
}

// QueryEvents returns recorded events, newest first.
func (s *Service) QueryEvents(ctx context.Context, q EventQuery) ([]map[string]any, error) {
	filters := map[string]any{}
	if q.EventType != "" {
		filters["event_type"] = q.EventType
	}
	if q.Source != "" {
		filters["source"] = q.Source
	}
	limit := q.Limit
	if limit == 0 {
		limit = defaultLimit
	}
	limit = max(minQueryLimit, min(limit, maxQueryLimit))

	records, err := s.QueryProcessed(ctx, store.Query{Filters: filters, Limit: limit})
	if err != nil {
		return nil, err
	}
	events := make([]map[string]any, 0, len(records))
	for _, r := range records {
		events = append(events, r.Data)
	}
	s.Logger().Debug("Events queried", loggingpkg.LogFields{"event_count": len(events), "limit": limit})
	return events, nil
}

// EventCount counts recorded events, optionally for one source.
func (s *Service) EventCount(ctx context.Context, source string) (int64, error) {
	var filters map[string]any
	if source != "" {
		filters = map[string]any{"source": source}
	}
	return s.CountProcessed(ctx, filters)
}

// Summary totals recorded events by source and by type.
func (s *Service) Summary(ctx context.Context) (Summary, error) {
	total, err := s.CountProcessed(ctx, nil)
	if err != nil {
		return Summary{}, err
	}
	bySource, err := s.GroupProcessed(ctx, "source")
	if err != nil {
		return Summary{}, err
	}
	byType, err := s.GroupProcessed(ctx, "event_type")
	if err != nil {
		return Summary{}, err
	}
	s.Logger().Info("Summary retrieved", loggingpkg.LogFields{
		"total_events": total,
		"source_count": len(bySource),
		"type_count":   len(byType),
	})
	return Summary{TotalEvents: total, BySource: bySource, ByType: byType}, nil
}
