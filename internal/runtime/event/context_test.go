package event

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCurrentRunIDFallsBackToProcess(t *testing.T) {
	process := CurrentRunID(context.Background())
	assert.True(t, strings.HasPrefix(process, "run_"))
	assert.Equal(t, process, ProcessRunID())

	ctx := ContextWithRunID(context.Background(), "run_scoped")
	assert.Equal(t, "run_scoped", CurrentRunID(ctx))

	_, ok := RunIDFromContext(ContextWithRunID(context.Background(), ""))
	assert.False(t, ok)
}

func TestTraceFromContextWithoutSpan(t *testing.T) {
	traceID, spanID := TraceFromContext(context.Background())
	assert.Empty(t, traceID)
	assert.Empty(t, spanID)
}

func TestParseTimestamp(t *testing.T) {
	ts, err := ParseTimestamp("2025-03-01T10:00:00.123456")
	require.NoError(t, err)
	assert.Equal(t, time.UTC, ts.Location())
	assert.Equal(t, 10, ts.Hour())

	ts, err = ParseTimestamp("2025-03-01T10:00:00+02:00")
	require.NoError(t, err)
	assert.Equal(t, 8, ts.Hour())

	_, err = ParseTimestamp("yesterday")
	assert.Error(t, err)

	formatted := FormatTimestamp(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))
	assert.Equal(t, "2025-03-01T10:00:00Z", formatted)
}

func TestEventIDFromContext(t *testing.T) {
	_, ok := EventIDFromContext(context.Background())
	assert.False(t, ok)

	id, ok := EventIDFromContext(ContextWithEventID(context.Background(), "evt-1"))
	assert.True(t, ok)
	assert.Equal(t, "evt-1", id)

	_, ok = EventIDFromContext(ContextWithEventID(context.Background(), ""))
	assert.False(t, ok)
}
