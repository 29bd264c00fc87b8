package metadata

import (
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
)

func TestCloneDoesNotAlias(t *testing.T) {
	original := Metadata{KeyService: "knowledge", KeyRunID: "run_1"}
	clone := original.Clone()
	clone[KeyService] = "changed"

	if original[KeyService] != "knowledge" {
		t.Fatalf("expected original map to stay untouched, got %q", original[KeyService])
	}
	var empty Metadata
	if empty.Clone() == nil {
		t.Fatal("expected non-nil clone of nil map")
	}
}

func TestWithSkipsEmptyValues(t *testing.T) {
	base := New(KeyCorrelationID, "abc", KeyCausationID, "")
	if _, ok := base[KeyCausationID]; ok {
		t.Fatal("expected empty pair to be skipped")
	}

	enriched := base.With(KeyEventType, "record.created").With(KeyTraceID, "")
	if enriched[KeyEventType] != "record.created" {
		t.Fatalf("expected enriched map to add entry")
	}
	if _, ok := enriched[KeyTraceID]; ok {
		t.Fatal("expected empty value to be skipped")
	}
	if _, ok := base[KeyEventType]; ok {
		t.Fatal("expected base map to remain unchanged")
	}

	merged := enriched.WithAll(Metadata{KeyLine: "3", KeySpanID: ""})
	if merged[KeyLine] != "3" || merged[KeyCorrelationID] != "abc" {
		t.Fatalf("unexpected merge result %#v", merged)
	}
}

func TestApplyAndFromMessage(t *testing.T) {
	msg := message.NewMessage("id-1", nil)
	msg.Metadata = nil
	New(KeyTopic, "governance.record").Apply(msg)

	if msg.Metadata.Get(KeyTopic) != "governance.record" {
		t.Fatalf("expected header applied, got %#v", msg.Metadata)
	}

	copied := FromMessage(msg)
	copied[KeyTopic] = "changed"
	if msg.Metadata.Get(KeyTopic) != "governance.record" {
		t.Fatal("expected FromMessage to copy")
	}
	if len(FromMessage(nil)) != 0 {
		t.Fatal("expected empty metadata for nil message")
	}
}
