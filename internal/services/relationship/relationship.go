// Package relationship keeps one partnership record per partner and adjusts
// its trust level from the interactions flowing through HOLD1.
package relationship

import (
	"context"
	"fmt"
	"math"

	"github.com/drblury/holdflow/internal/runtime"
	errspkg "github.com/drblury/holdflow/internal/runtime/errors"
	"github.com/drblury/holdflow/internal/runtime/event"
	"github.com/drblury/holdflow/internal/runtime/factory"
	idspkg "github.com/drblury/holdflow/internal/runtime/ids"
	"github.com/drblury/holdflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/holdflow/internal/runtime/logging"
)

const ServiceName = "relationship"

// Trust bounds and steps.
const (
	InitialTrust  = 0.5
	TrustIncrease = 0.05
	TrustDecrease = 0.10
	MinTrust      = 0.0
	MaxTrust      = 1.0
)

// Interaction types that move the trust level.
const (
	PositiveFeedback        = "positive_feedback"
	SuccessfulCollaboration = "successful_collaboration"
	NegativeFeedback        = "negative_feedback"
	FailedCollaboration     = "failed_collaboration"
)

// Interaction is one entry of a partnership history.
type Interaction struct {
	EventID   string         `json:"event_id,omitempty"`
	Type      string         `json:"type"`
	Timestamp string         `json:"timestamp"`
	Metadata  map[string]any `json:"metadata"`
}

// Partnership is stored under the partner id.
type Partnership struct {
	ID               string         `json:"id"`
	PartnerID        string         `json:"partner_id"`
	TrustLevel       float64        `json:"trust_level"`
	InteractionCount int            `json:"interaction_count"`
	LastInteraction  string         `json:"last_interaction,omitempty"`
	Preferences      map[string]any `json:"preferences"`
	History          []Interaction  `json:"history"`
}

// Service is the relationship service.
type Service struct {
	*runtime.BaseService
}

// New creates the relationship service.
func New(ctx context.Context, deps runtime.Dependencies) (*Service, error) {
	s := &Service{}
	base, err := runtime.NewBase(ctx, ServiceName, s, deps)
	if err != nil {
		return nil, err
	}
	s.BaseService = base
	return s, nil
}

// Register adds the relationship constructor to r.
func Register(r *factory.Registry) error {
	return r.Register(ServiceName, constructor, false)
}

func constructor(ctx context.Context, r *factory.Registry) (factory.Instance, error) {
	return New(ctx, r.Dependencies())
}

func init() {
	factory.MustRegister(ServiceName, constructor)
}

// Process applies an interaction record {partner_id, interaction_type,
// metadata} and returns the updated partnership for Sync to upsert. An
// interaction whose intake event is already in the history is not applied
// again, so re-syncing an unchanged intake leaves partnerships as they are.
func (s *Service) Process(ctx context.Context, record map[string]any) (map[string]any, error) {
	partnerID, _ := record["partner_id"].(string)
	interactionType, _ := record["interaction_type"].(string)
	if partnerID == "" || interactionType == "" {
		return nil, fmt.Errorf("%w: interaction requires partner_id and interaction_type", errspkg.ErrInvalidRecord)
	}
	metadata, _ := record["metadata"].(map[string]any)

	p, err := s.load(ctx, partnerID)
	if err != nil {
		return nil, err
	}
	eventID, ok := event.EventIDFromContext(ctx)
	if !ok {
		eventID, err = bareLineID(record)
		if err != nil {
			return nil, err
		}
	}
	if !p.applied(eventID) {
		s.apply(p, eventID, interactionType, metadata)
	}
	return p.toMap()
}

// Partnership returns the stored partnership of partnerID.
func (s *Service) Partnership(ctx context.Context, partnerID string) (*Partnership, bool, error) {
	rec, ok, err := s.GetProcessed(ctx, partnerID)
	if err != nil || !ok {
		return nil, false, err
	}
	var p Partnership
	if err := fromMap(rec.Data, &p); err != nil {
		return nil, false, fmt.Errorf("decode partnership %s: %w", partnerID, err)
	}
	return &p, true, nil
}

// UpdateInteraction logs one interaction outside of Sync, creating the
// partnership at the initial trust level when needed, and persists it to the
// processed store.
func (s *Service) UpdateInteraction(ctx context.Context, partnerID, interactionType string, metadata map[string]any) (*Partnership, error) {
	var updated *Partnership
	err := s.Transaction(ctx, func(ctx context.Context) error {
		p, err := s.load(ctx, partnerID)
		if err != nil {
			return err
		}
		s.apply(p, idspkg.NewUUID(), interactionType, metadata)

		row, err := p.toMap()
		if err != nil {
			return err
		}
		if _, err := s.WriteProcessed(ctx, []map[string]any{row}); err != nil {
			return err
		}
		updated = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// load returns the partnership of partnerID, or a fresh one at the initial
// trust level.
func (s *Service) load(ctx context.Context, partnerID string) (*Partnership, error) {
	p, ok, err := s.Partnership(ctx, partnerID)
	if err != nil {
		return nil, err
	}
	if ok {
		return p, nil
	}
	return &Partnership{
		ID:          partnerID,
		PartnerID:   partnerID,
		TrustLevel:  InitialTrust,
		Preferences: map[string]any{},
		History:     []Interaction{},
	}, nil
}

func (s *Service) apply(p *Partnership, eventID, interactionType string, metadata map[string]any) {
	now := event.FormatTimestamp(s.Dependencies().Clock().UTC())
	if metadata == nil {
		metadata = map[string]any{}
	}
	p.InteractionCount++
	p.LastInteraction = now
	p.History = append(p.History, Interaction{
		EventID:   eventID,
		Type:      interactionType,
		Timestamp: now,
		Metadata:  metadata,
	})
	p.TrustLevel = AdjustTrust(p.TrustLevel, interactionType)

	s.Logger().Info("Partnership updated", loggingpkg.LogFields{
		"partner_id":  p.PartnerID,
		"trust_level": p.TrustLevel,
		"event_id":    eventID,
	})
}

func (p *Partnership) applied(eventID string) bool {
	for _, in := range p.History {
		if in.EventID == eventID {
			return true
		}
	}
	return false
}

// bareLineID identifies an intake line written without an envelope by its
// content; identical bare lines count once.
func bareLineID(record map[string]any) (string, error) {
	raw, err := jsoncodec.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("%w: encode interaction: %v", errspkg.ErrInvalidRecord, err)
	}
	return "line_" + idspkg.HashHex(raw, 16), nil
}

// AdjustTrust applies the step of interactionType to trust, clamped to
// [MinTrust, MaxTrust]. Unknown types leave trust unchanged.
func AdjustTrust(trust float64, interactionType string) float64 {
	switch interactionType {
	case PositiveFeedback, SuccessfulCollaboration:
		trust += TrustIncrease
	case NegativeFeedback, FailedCollaboration:
		trust -= TrustDecrease
	default:
		return trust
	}
	// keep float noise out of the stored value
	trust = math.Round(trust*1e6) / 1e6
	return math.Max(MinTrust, math.Min(MaxTrust, trust))
}

func (p *Partnership) toMap() (map[string]any, error) {
	raw, err := jsoncodec.Marshal(p)
	if err != nil {
		return nil, err
	}
	return jsoncodec.UnmarshalObject(raw)
}

func fromMap(m map[string]any, v any) error {
	raw, err := jsoncodec.Marshal(m)
	if err != nil {
		return err
	}
	return jsoncodec.Unmarshal(raw, v)
}
