package event

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestNewGeneratesCorrelationID(t *testing.T) {
	evt := New(context.Background(), RecordCreated, "knowledge", map[string]any{"content": "x"})

	assert.NotEmpty(t, evt.ID)
	assert.NotEmpty(t, evt.Metadata.CorrelationID)
	assert.Equal(t, DefaultVersion, evt.Metadata.Version)
	assert.Equal(t, time.UTC, evt.Metadata.Timestamp.Location())
	assert.Empty(t, evt.Metadata.RunID)
	assert.Empty(t, evt.Metadata.TraceID)

	other := New(context.Background(), RecordCreated, "knowledge", nil)
	assert.NotEqual(t, evt.Metadata.CorrelationID, other.Metadata.CorrelationID)
	assert.NotNil(t, other.Data)
}

func TestNewStampsRunAndTraceContext(t *testing.T) {
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})

	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	ctx = ContextWithRunID(ctx, "run_abc")

	a := New(ctx, RecordCreated, "knowledge", nil)
	b := New(ctx, RecordUpdated, "knowledge", nil)

	assert.Equal(t, "run_abc", a.Metadata.RunID)
	assert.Equal(t, a.Metadata.RunID, b.Metadata.RunID)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", a.Metadata.TraceID)
	assert.Equal(t, "00f067aa0ba902b7", a.Metadata.SpanID)

	explicit := New(ctx, RecordCreated, "knowledge", nil, WithRunID("run_override"))
	assert.Equal(t, "run_override", explicit.Metadata.RunID)
}

func TestNewUsesContextCorrelation(t *testing.T) {
	ctx := ContextWithCorrelationID(context.Background(), "corr-1")
	evt := New(ctx, Custom, "svc", nil)
	assert.Equal(t, "corr-1", evt.Metadata.CorrelationID)

	explicit := New(ctx, Custom, "svc", nil, WithCorrelationID("corr-2"))
	assert.Equal(t, "corr-2", explicit.Metadata.CorrelationID)
}

func TestDataIsCopied(t *testing.T) {
	data := map[string]any{"content": "original"}
	evt := New(context.Background(), RecordCreated, "knowledge", data)
	data["content"] = "mutated"

	assert.Equal(t, "original", evt.Data["content"])

	clone := evt.Clone()
	clone.Data["content"] = "changed"
	assert.Equal(t, "original", evt.Data["content"])
}

func TestNestedDataIsCopied(t *testing.T) {
	data := map[string]any{
		"meta":  map[string]any{"tag": "a"},
		"items": []any{map[string]any{"n": 1}, "x"},
		"rows":  []map[string]any{{"k": "v"}},
		"tags":  []string{"one"},
	}
	parent := New(context.Background(), RecordCreated, "knowledge", data)
	child := parent.Child(context.Background(), ProcessingCompleted, parent.Data)

	data["meta"].(map[string]any)["tag"] = "mutated"
	data["items"].([]any)[0].(map[string]any)["n"] = 2
	data["rows"].([]map[string]any)[0]["k"] = "mutated"
	data["tags"].([]string)[0] = "mutated"
	child.Data["meta"].(map[string]any)["tag"] = "child"

	assert.Equal(t, "a", parent.Data["meta"].(map[string]any)["tag"])
	assert.Equal(t, 1, parent.Data["items"].([]any)[0].(map[string]any)["n"])
	assert.Equal(t, "v", parent.Data["rows"].([]map[string]any)[0]["k"])
	assert.Equal(t, []string{"one"}, parent.Data["tags"])

	clone := parent.Clone()
	clone.Data["items"].([]any)[1] = "y"
	assert.Equal(t, "x", parent.Data["items"].([]any)[1])
}

func TestChildInheritsCorrelation(t *testing.T) {
	parent := New(context.Background(), RecordCreated, "knowledge", map[string]any{"a": "b"},
		WithCorrelationID("abc"), WithRunID("run_1"), WithService("knowledge"), WithAggregateID("agg-1"))

	child := parent.Child(context.Background(), ProcessingCompleted, nil)

	assert.Equal(t, "abc", child.Metadata.CorrelationID)
	assert.Equal(t, parent.ID, child.Metadata.CausationID)
	assert.Equal(t, "run_1", child.Metadata.RunID)
	assert.Equal(t, "knowledge", child.Metadata.Service)
	assert.Equal(t, "agg-1", child.AggregateID)
	assert.NotEqual(t, parent.ID, child.ID)
	assert.NotNil(t, child.Data)
	assert.False(t, child.Metadata.Timestamp.Before(parent.Metadata.Timestamp))
}

func TestJSONLRoundTrip(t *testing.T) {
	evt := New(context.Background(), RecordCreated, "knowledge",
		map[string]any{"content": "line one\nline two", "source": "test"},
		WithAggregateID("agg"), WithRunID("run_1"), WithService("knowledge"))

	line, err := evt.ToJSONL()
	require.NoError(t, err)
	assert.NotContains(t, line, "\n")
	assert.Contains(t, line, `"event_type":"record.created"`)
	assert.NotContains(t, line, "causation_id")
	assert.NotContains(t, line, "trace_id")

	decoded, err := FromJSONL(line)
	require.NoError(t, err)

	assert.Equal(t, evt.ID, decoded.ID)
	assert.Equal(t, evt.Type, decoded.Type)
	assert.Equal(t, evt.AggregateType, decoded.AggregateType)
	assert.Equal(t, evt.AggregateID, decoded.AggregateID)
	assert.Equal(t, evt.Data, decoded.Data)
	assert.True(t, evt.Metadata.Timestamp.Equal(decoded.Metadata.Timestamp))
	decoded.Metadata.Timestamp = evt.Metadata.Timestamp
	assert.Equal(t, evt.Metadata, decoded.Metadata)
}

func TestAppendLineHasSingleTerminator(t *testing.T) {
	evt := New(context.Background(), SignalError, "svc", map[string]any{"_raw_line": "a\nb"})
	line, err := evt.AppendLine()
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(line), "\n"))
	assert.True(t, strings.HasSuffix(string(line), "\n"))
}

func TestFromJSONLRejectsInvalid(t *testing.T) {
	_, err := FromJSONL("not json")
	assert.Error(t, err)

	_, err = FromJSONL(`{"content":"no envelope"}`)
	assert.Error(t, err)
}

func TestToMap(t *testing.T) {
	evt := New(context.Background(), RecordCreated, "knowledge", map[string]any{"k": "v"})
	m, err := evt.ToMap()
	require.NoError(t, err)
	assert.Equal(t, evt.ID, m["id"])
	assert.Equal(t, "record.created", m["event_type"])
	md, ok := m["metadata"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, evt.Metadata.CorrelationID, md["correlation_id"])
}

func TestTypes(t *testing.T) {
	assert.Len(t, Types(), 17)
	for _, typ := range Types() {
		assert.True(t, typ.Valid(), typ)
	}
	assert.False(t, Type("nope").Valid())
	assert.Equal(t, "service.health_check", ServiceHealthCheck.String())
}
