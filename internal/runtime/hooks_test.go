package runtime

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	loggingpkg "github.com/drblury/holdflow/internal/runtime/logging"
)

func TestRecordHooksRunAroundProcess(t *testing.T) {
	var started, done []int
	var failedEvents []string
	hooks := RecordHooks{
		OnRecordStart: func(rc RecordContext) { started = append(started, rc.Line) },
		OnRecordDone:  func(rc RecordContext) { done = append(done, rc.Line) },
		OnRecordError: func(rc RecordContext, err error) {
			failedEvents = append(failedEvents, rc.EventID)
			assert.Equal(t, "notes", rc.Service)
			assert.ErrorContains(t, err, "rejected")
		},
	}
	proc := ProcessorFunc(func(_ context.Context, r map[string]any) (map[string]any, error) {
		if r["text"] == "bad" {
			return nil, errors.New("rejected")
		}
		return r, nil
	})
	svc := newTestService(t, "notes", proc, Dependencies{Hooks: hooks})

	_, err := svc.Inhale(context.Background(), map[string]any{"text": "good"})
	require.NoError(t, err)
	bad, err := svc.Inhale(context.Background(), map[string]any{"text": "bad"})
	require.NoError(t, err)

	_, err = svc.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, started)
	assert.Equal(t, []int{1}, done)
	assert.Equal(t, []string{bad.ID}, failedEvents)
}

func TestRecordHooksMerge(t *testing.T) {
	var order []string
	a := RecordHooks{OnRecordStart: func(RecordContext) { order = append(order, "a") }}
	b := RecordHooks{
		OnRecordStart: func(RecordContext) { order = append(order, "b") },
		OnRecordError: func(RecordContext, error) { order = append(order, "b-err") },
	}

	merged := a.Merge(b)
	merged.OnRecordStart(RecordContext{})
	merged.OnRecordError(RecordContext{}, errors.New("x"))
	assert.Nil(t, merged.OnRecordDone)
	assert.Equal(t, []string{"a", "b", "b-err"}, order)

	assert.True(t, RecordHooks{}.empty())
	assert.False(t, AlertingHooks(func(RecordContext, error) {}).empty())
}

func TestLoggingHooksAreComplete(t *testing.T) {
	hooks := LoggingHooks(loggingpkg.Discard())
	require.NotNil(t, hooks.OnRecordStart)
	require.NotNil(t, hooks.OnRecordDone)
	require.NotNil(t, hooks.OnRecordError)
	hooks.OnRecordError(RecordContext{Service: "notes", Line: 3}, errors.New("x"))
}
