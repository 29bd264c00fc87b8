package governance

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/holdflow/internal/runtime/config"
	errspkg "github.com/drblury/holdflow/internal/runtime/errors"
)

func newGovernance(t *testing.T) *Governance {
	t.Helper()
	cfg := configpkg.Default(t.TempDir())
	g, err := New(OptionsFromSettings(cfg))
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func TestGateOperationDeniesExternalWriteToHold2(t *testing.T) {
	g := newGovernance(t)
	ctx := context.Background()

	assert.False(t, g.GateOperation(ctx, OpWrite, SourceExternal, LayerHold2))

	violations := g.Audit.Violations(10)
	require.Len(t, violations, 1)
	assert.Equal(t, "external_write_hold2", violations[0].Operation)
	assert.Equal(t, "hold_isolation", violations[0].Component)
	assert.Equal(t, reasonExternalToHold2, violations[0].ErrorMessage)
}

func TestGateOperationAuditsAllowedOperations(t *testing.T) {
	g := newGovernance(t)
	ctx := context.Background()

	assert.True(t, g.GateOperation(ctx, OpAppend, SourceExternal, LayerHold1, WithPath("/tmp/intake.jsonl")))
	ops := g.Audit.Query(Filter{Category: CategoryHoldOperation})
	require.Len(t, ops, 1)
	assert.Equal(t, "/tmp/intake.jsonl", ops[0].Context["path"])
	assert.Equal(t, SourceExternal, ops[0].Component)
}

func TestGateOperationWithoutEnforcement(t *testing.T) {
	cfg := configpkg.Default(t.TempDir())
	cfg.EnforceHoldIsolation = false
	cfg.AuditAllOperations = false
	g, err := New(OptionsFromSettings(cfg))
	require.NoError(t, err)

	assert.True(t, g.GateOperation(context.Background(), OpWrite, SourceExternal, LayerHold2))
	assert.Empty(t, g.Audit.Recent(10))
}

func TestCheckCostAuditsDenial(t *testing.T) {
	g := newGovernance(t)
	ctx := context.Background()

	assert.True(t, g.CheckCost(ctx, "knowledge", "llm_call", dec("0.10")))
	assert.False(t, g.CheckCost(ctx, "knowledge", "llm_call", dec("50.00")))

	costs := g.Audit.Query(Filter{Category: CategoryCost, Level: LevelWarning})
	require.Len(t, costs, 1)
	assert.Equal(t, "knowledge_llm_call", costs[0].Operation)
	assert.Equal(t, "cost_enforcer", costs[0].Component)
}

func TestRecordCostUpdatesTotalsAndAudit(t *testing.T) {
	g := newGovernance(t)
	ctx := context.Background()

	require.NoError(t, g.RecordCost(ctx, "knowledge", "llm_call", dec("0.25"), 100, 50, nil))
	assert.True(t, g.Cost.DailyTotal().Equal(dec("0.25")))

	recs := g.Audit.Query(Filter{Category: CategoryCost})
	require.Len(t, recs, 1)
	assert.Equal(t, 100, recs[0].Context["tokens_in"])
}

func TestRecordAgentAction(t *testing.T) {
	g := newGovernance(t)
	g.RecordAgentAction(context.Background(), AgentAction{
		Action:        "sync",
		Component:     "knowledge",
		InputRecords:  3,
		OutputRecords: 2,
		Success:       true,
	})
	recs := g.Audit.Query(Filter{Category: CategoryAgentAction})
	require.Len(t, recs, 1)
	assert.Equal(t, 3, recs[0].Context["input_records"])

	status := g.Status()
	assert.Contains(t, status, "cost")
	assert.Contains(t, status, "hold_isolation")
}

func TestGovernedWrapper(t *testing.T) {
	g := newGovernance(t)
	ctx := context.Background()

	called := false
	_, err := Governed(ctx, g, OpWrite, SourceExternal, LayerHold2, func(context.Context) (int, error) {
		called = true
		return 1, nil
	})
	require.Error(t, err)
	assert.False(t, called)
	assert.Equal(t, "governance denied: external cannot write hold2", err.Error())
	assert.True(t, errors.Is(err, errspkg.ErrPermissionDenied))

	n, err := Governed(ctx, g, OpWrite, SourceAgent, LayerHold2, func(context.Context) (int, error) {
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}

func TestDefaultSingleton(t *testing.T) {
	cfg := configpkg.Default(t.TempDir())
	configpkg.SetCurrent(cfg)
	t.Cleanup(func() {
		_ = ResetDefault()
		configpkg.ResetCurrent()
	})

	first, err := Default()
	require.NoError(t, err)
	second, err := Default()
	require.NoError(t, err)
	assert.Same(t, first, second)

	require.NoError(t, ResetDefault())
	third, err := Default()
	require.NoError(t, err)
	assert.NotSame(t, first, third)

	custom := newGovernance(t)
	SetDefault(custom)
	got, err := Default()
	require.NoError(t, err)
	assert.Same(t, custom, got)
}
