package governance

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/holdflow/internal/runtime/errors"
)

func TestIsolationDefaultPolicy(t *testing.T) {
	iso := NewIsolation(true, nil)

	cases := []struct {
		op, source, target string
		want               bool
	}{
		{OpWrite, SourceExternal, LayerHold1, true},
		{OpAppend, SourceExternal, LayerHold1, true},
		{OpRead, SourceAgent, LayerHold1, true},
		{OpWrite, SourceAgent, LayerHold2, true},
		{OpAppend, SourceAgent, LayerHold2, true},
		{OpWrite, SourceAgent, LayerStaging, true},
		{OpRead, SourceConsumer, LayerHold2, true},
		{OpWrite, SourceExternal, LayerHold2, false},
		{OpModify, SourceExternal, LayerHold2, false},
		{OpModify, SourceAgent, LayerHold2, false},
		{OpWrite, SourceConsumer, LayerHold2, false},
		{OpRead, SourceConsumer, LayerHold1, false},
		{OpWrite, SourceExternal, LayerStaging, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, iso.Check(tc.op, tc.source, tc.target, nil), "%s %s %s", tc.source, tc.op, tc.target)
	}
}

func TestIsolationReasons(t *testing.T) {
	iso := NewIsolation(true, nil)

	ok, reason := iso.CheckWithReason("write", "External", "HOLD2", nil)
	assert.False(t, ok)
	assert.Equal(t, reasonExternalToHold2, reason)

	ok, reason = iso.CheckWithReason("explode", "agent", "hold1", nil)
	assert.False(t, ok)
	assert.Equal(t, "unknown operation type: explode", reason)

	ok, reason = iso.CheckWithReason("read", "agent", "hold9", nil)
	assert.False(t, ok)
	assert.Equal(t, "unknown HOLD layer: hold9", reason)

	assert.Len(t, iso.Violations(), 3)
	assert.Equal(t, 3, iso.ClearViolations())
	assert.Empty(t, iso.Violations())
}

func TestIsolationStrictAndPermissive(t *testing.T) {
	strict := NewIsolation(true, nil)
	ok, reason := strict.CheckWithReason(OpDelete, SourceAgent, LayerHold1, nil)
	assert.False(t, ok)
	assert.Contains(t, reason, "strict mode")

	permissive := NewIsolation(false, nil)
	ok, reason = permissive.CheckWithReason(OpDelete, SourceAgent, LayerHold1, nil)
	assert.True(t, ok)
	assert.Equal(t, "allowed (permissive)", reason)
	assert.Empty(t, permissive.Violations())

	// Explicit denials hold in permissive mode too.
	assert.False(t, permissive.Check(OpWrite, SourceExternal, LayerHold2, nil))
}

func TestIsolationCustomEntries(t *testing.T) {
	iso := NewIsolation(true, nil)
	assert.False(t, iso.Check(OpRead, "reporting", LayerHold2, nil))

	iso.Allow("reporting", OpRead, LayerHold2)
	assert.True(t, iso.Check(OpRead, "reporting", LayerHold2, nil))

	iso.Deny(SourceAgent, OpRead, LayerHold1, "maintenance window")
	ok, reason := iso.CheckWithReason(OpRead, SourceAgent, LayerHold1, nil)
	assert.False(t, ok)
	assert.Equal(t, "maintenance window", reason)
}

func TestAssertAllowed(t *testing.T) {
	iso := NewIsolation(true, nil)
	require.NoError(t, iso.AssertAllowed(OpRead, SourceAgent, LayerHold1))

	err := iso.AssertAllowed(OpWrite, SourceExternal, LayerHold2)
	require.Error(t, err)
	var perr *errspkg.PermissionError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, SourceExternal, perr.Source)
	assert.True(t, errors.Is(err, errspkg.ErrPermissionDenied))
}
