// Package mediator is the in-process topic pub/sub services use to announce
// governance records and hand work to each other. Delivery is synchronous on
// the publishing goroutine and best-effort: a failing or panicking subscriber
// is logged and the remaining subscribers still receive the message.
package mediator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	errspkg "github.com/drblury/holdflow/internal/runtime/errors"
	"github.com/drblury/holdflow/internal/runtime/event"
	idspkg "github.com/drblury/holdflow/internal/runtime/ids"
	"github.com/drblury/holdflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/holdflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/holdflow/internal/runtime/metadata"
)

// Stable topic names.
const (
	TopicGovernanceRecord = "governance.record"
	TopicActionExecute    = "action.execute"
)

// Handler receives one message. Returning an error only marks the delivery
// as failed; it never reaches the publisher.
type Handler = message.NoPublishHandlerFunc

// TopicStats counts traffic on one topic.
type TopicStats struct {
	Published   int64 `json:"published"`
	Delivered   int64 `json:"delivered"`
	Failed      int64 `json:"failed"`
	Subscribers int   `json:"subscribers"`
}

type subscription struct {
	id      uint64
	name    string
	handler message.HandlerFunc
}

// Mediator routes messages to subscribers by topic.
type Mediator struct {
	logger loggingpkg.ServiceLogger
	now    func() time.Time

	mu     sync.RWMutex
	topics map[string][]*subscription
	nextID uint64
	bridge message.Publisher

	statsMu sync.Mutex
	stats   map[string]*TopicStats
}

// Option customises a Mediator.
type Option func(*Mediator)

// WithBridge mirrors every published message to an external transport.
func WithBridge(pub message.Publisher) Option {
	return func(m *Mediator) { m.bridge = pub }
}

// WithClock replaces time.Now for the published_at metadata.
func WithClock(now func() time.Time) Option {
	return func(m *Mediator) { m.now = now }
}

// New returns an empty mediator.
func New(logger loggingpkg.ServiceLogger, opts ...Option) *Mediator {
	if logger == nil {
		logger = loggingpkg.Discard()
	}
	m := &Mediator{
		logger: logger.With(loggingpkg.LogFields{"component": "mediator"}),
		now:    time.Now,
		topics: make(map[string][]*subscription),
		stats:  make(map[string]*TopicStats),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetBridge installs or removes (nil) the bridge publisher.
func (m *Mediator) SetBridge(pub message.Publisher) {
	m.mu.Lock()
	m.bridge = pub
	m.mu.Unlock()
}

// Subscribe registers handler on topic under a descriptive name used in logs.
// The returned function removes the subscription.
func (m *Mediator) Subscribe(topic, name string, handler Handler) (func(), error) {
	if topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}

	wrapped := middleware.Recoverer(func(msg *message.Message) ([]*message.Message, error) {
		return nil, handler(msg)
	})

	m.mu.Lock()
	m.nextID++
	sub := &subscription{id: m.nextID, name: name, handler: wrapped}
	m.topics[topic] = append(m.topics[topic], sub)
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { m.unsubscribe(topic, sub.id) })
	}, nil
}

func (m *Mediator) unsubscribe(topic string, id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.topics[topic]
	for i, s := range subs {
		if s.id == id {
			m.topics[topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(m.topics[topic]) == 0 {
		delete(m.topics, topic)
	}
}

// Publish encodes payload and delivers it to every subscriber of topic in
// subscription order. payload may be a *message.Message, raw JSON bytes or any
// value jsoncodec can encode. Only encoding problems are returned.
func (m *Mediator) Publish(ctx context.Context, topic string, payload any) error {
	if topic == "" {
		return errspkg.ErrTopicRequired
	}
	if ctx == nil {
		ctx = context.Background()
	}

	msg, err := m.newMessage(ctx, topic, payload)
	if err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	m.mu.RLock()
	subs := append([]*subscription(nil), m.topics[topic]...)
	bridge := m.bridge
	m.mu.RUnlock()

	m.count(topic, func(s *TopicStats) { s.Published++ })

	for _, sub := range subs {
		delivery := msg.Copy()
		delivery.SetContext(ctx)
		if _, err := sub.handler(delivery); err != nil {
			m.count(topic, func(s *TopicStats) { s.Failed++ })
			m.logger.Error("subscriber failed", err, loggingpkg.LogFields{
				"topic":          topic,
				"subscriber":     sub.name,
				"message_uuid":   msg.UUID,
				"correlation_id": msg.Metadata.Get(metadatapkg.KeyCorrelationID),
				"panic":          isPanic(err),
			})
			continue
		}
		m.count(topic, func(s *TopicStats) { s.Delivered++ })
	}

	if bridge != nil {
		mirror := msg.Copy()
		mirror.SetContext(ctx)
		if err := bridge.Publish(topic, mirror); err != nil {
			m.logger.Warn("bridge publish failed", loggingpkg.LogFields{
				"topic":        topic,
				"message_uuid": msg.UUID,
				"error":        err.Error(),
			})
		}
	}
	return nil
}

func (m *Mediator) newMessage(ctx context.Context, topic string, payload any) (*message.Message, error) {
	correlationID, _ := event.CorrelationIDFromContext(ctx)

	var msg *message.Message
	switch p := payload.(type) {
	case *message.Message:
		if p == nil {
			return nil, errors.New("nil message")
		}
		msg = p.Copy()
	case []byte:
		msg = message.NewMessage(idspkg.CreateULID(), p)
	case event.Event:
		body, err := jsoncodec.Marshal(p)
		if err != nil {
			return nil, err
		}
		msg = message.NewMessage(idspkg.CreateULID(), body)
		if correlationID == "" {
			correlationID = p.Metadata.CorrelationID
		}
		metadatapkg.New(
			metadatapkg.KeyEventID, p.ID,
			metadatapkg.KeyEventType, p.Type.String(),
			metadatapkg.KeyRunID, p.Metadata.RunID,
			metadatapkg.KeyService, p.Metadata.Service,
		).Apply(msg)
	default:
		body, err := jsoncodec.Marshal(p)
		if err != nil {
			return nil, err
		}
		msg = message.NewMessage(idspkg.CreateULID(), body)
	}

	if msg.Metadata.Get(metadatapkg.KeyCorrelationID) == "" && correlationID != "" {
		msg.Metadata.Set(metadatapkg.KeyCorrelationID, correlationID)
	}
	msg.Metadata.Set(metadatapkg.KeyTopic, topic)
	msg.Metadata.Set(metadatapkg.KeyPublishedAt, event.FormatTimestamp(m.now()))
	return msg, nil
}

func (m *Mediator) count(topic string, fn func(*TopicStats)) {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	s, ok := m.stats[topic]
	if !ok {
		s = &TopicStats{}
		m.stats[topic] = s
	}
	fn(s)
}

// Topics lists topics that currently have subscribers.
func (m *Mediator) Topics() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	topics := make([]string, 0, len(m.topics))
	for t := range m.topics {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// Stats returns a snapshot of per-topic counters.
func (m *Mediator) Stats() map[string]TopicStats {
	m.mu.RLock()
	subscribers := make(map[string]int, len(m.topics))
	for t, subs := range m.topics {
		subscribers[t] = len(subs)
	}
	m.mu.RUnlock()

	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	out := make(map[string]TopicStats, len(m.stats)+len(subscribers))
	for t, s := range m.stats {
		snapshot := *s
		snapshot.Subscribers = subscribers[t]
		out[t] = snapshot
	}
	for t, n := range subscribers {
		if _, ok := out[t]; !ok {
			out[t] = TopicStats{Subscribers: n}
		}
	}
	return out
}

// Decode unmarshals a message payload into v.
func Decode(msg *message.Message, v any) error {
	if msg == nil {
		return errors.New("nil message")
	}
	return jsoncodec.Unmarshal(msg.Payload, v)
}

// DecodeEvent reads an envelope published with an event.Event payload.
func DecodeEvent(msg *message.Message) (event.Event, error) {
	if msg == nil {
		return event.Event{}, errors.New("nil message")
	}
	return event.FromBytes(msg.Payload)
}

func isPanic(err error) bool {
	var recovered middleware.RecoveredPanicError
	return errors.As(err, &recovered)
}
