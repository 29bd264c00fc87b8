// Package metadata holds the string headers attached to watermill messages
// that travel through the mediator, the bridge and the per-record middleware
// chain.
package metadata

import "github.com/ThreeDotsLabs/watermill/message"

// Header keys shared by the mediator and the sync pipeline.
const (
	KeyCorrelationID = "correlation_id"
	KeyCausationID   = "causation_id"
	KeyEventID       = "event_id"
	KeyEventType     = "event_type"
	KeyRunID         = "run_id"
	KeyService       = "service"
	KeyTopic         = "topic"
	KeyPublishedAt   = "published_at"
	KeyLine          = "line"
	KeyTraceID       = "trace_id"
	KeySpanID        = "span_id"

	// KeyOrigin names the process that put a message on the bridge.
	KeyOrigin = "origin"
)

// Metadata represents the headers carried alongside a message.
type Metadata map[string]string

func (m Metadata) cloneWithExtra(extra int) Metadata {
	cloned := make(Metadata, len(m)+extra)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy; the result is never nil.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a copy containing key=value. Empty values are skipped.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	if value != "" {
		cloned[key] = value
	}
	return cloned
}

// WithAll returns a copy containing the non-empty supplied entries.
func (m Metadata) WithAll(entries Metadata) Metadata {
	cloned := m.cloneWithExtra(len(entries))
	for k, v := range entries {
		if v != "" {
			cloned[k] = v
		}
	}
	return cloned
}

// New constructs a Metadata map from alternating key/value pairs.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		if pairs[i+1] != "" {
			md[pairs[i]] = pairs[i+1]
		}
	}
	return md
}

// Apply copies the entries onto a watermill message.
func (m Metadata) Apply(msg *message.Message) {
	if msg == nil {
		return
	}
	if msg.Metadata == nil {
		msg.Metadata = make(message.Metadata, len(m))
	}
	for k, v := range m {
		msg.Metadata.Set(k, v)
	}
}

// FromMessage copies the headers of a watermill message.
func FromMessage(msg *message.Message) Metadata {
	if msg == nil || len(msg.Metadata) == 0 {
		return Metadata{}
	}
	out := make(Metadata, len(msg.Metadata))
	for k, v := range msg.Metadata {
		out[k] = v
	}
	return out
}
