package holdflow

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	a, err := New(context.Background(), DefaultConfig(t.TempDir()), WithoutEventRecording())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

func TestBuiltinServicesAreRegistered(t *testing.T) {
	for _, name := range []string{GovernanceServiceName, KnowledgeServiceName, RelationshipServiceName} {
		assert.True(t, DefaultRegistry().IsRegistered(name), name)
	}
}

func TestTypedServiceAccessors(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	rel, err := Relationship(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, RelationshipServiceName, rel.Name())

	gov, err := GovernanceRecorder(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, StateReady, gov.State())
}

func TestServiceAsRejectsWrongType(t *testing.T) {
	a := newTestApp(t)
	_, err := serviceAs[*KnowledgeService](context.Background(), a, RelationshipServiceName)
	assert.ErrorIs(t, err, ErrServiceNotFound)
}

func TestInhaleAndSyncThroughPublicAPI(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	rel, err := Relationship(ctx, a)
	require.NoError(t, err)
	_, err = rel.Inhale(ctx, map[string]any{"partner_id": "ada", "interaction_type": "positive_feedback"}, WithCorrelationID("c-1"))
	require.NoError(t, err)

	stats, err := rel.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Processed)

	p, ok, err := rel.Partnership(ctx, "ada")
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 0.55, p.TrustLevel, 1e-9)
}

func TestErrorAliases(t *testing.T) {
	err := &CostLimitError{Reason: "daily budget"}
	assert.True(t, errors.Is(err, ErrCostLimit))
	assert.True(t, errors.Is(&PermissionError{}, ErrPermissionDenied))
}

func TestEncodingAliases(t *testing.T) {
	raw, err := Marshal(map[string]any{"b": 1, "a": 2})
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":1}`, string(raw))

	var out map[string]any
	require.NoError(t, Unmarshal(raw, &out))
	assert.EqualValues(t, 2, out["a"])
}

func TestMetadataHelpers(t *testing.T) {
	md := NewMetadata(MetadataKeyCorrelationID, "c-1", MetadataKeyOrigin, "app")
	assert.Equal(t, "c-1", md[MetadataKeyCorrelationID])
	assert.Equal(t, "app", md[MetadataKeyOrigin])
	assert.NotEmpty(t, CreateULID())
}
