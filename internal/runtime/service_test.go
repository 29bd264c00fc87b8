package runtime

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/holdflow/internal/runtime/config"
	errspkg "github.com/drblury/holdflow/internal/runtime/errors"
	"github.com/drblury/holdflow/internal/runtime/event"
	"github.com/drblury/holdflow/internal/runtime/jsoncodec"
	"github.com/drblury/holdflow/internal/runtime/mediator"
	"github.com/drblury/holdflow/internal/runtime/store"
)

func upperProcessor() ProcessorFunc {
	return func(_ context.Context, r map[string]any) (map[string]any, error) {
		out := map[string]any{}
		for k, v := range r {
			out[k] = v
		}
		if s, ok := r["text"].(string); ok {
			out["text"] = strings.ToUpper(s)
		}
		return out, nil
	}
}

func newTestService(t *testing.T, name string, p Processor, deps Dependencies) *BaseService {
	t.Helper()
	if deps.Settings == nil {
		deps.Settings = configpkg.Default(t.TempDir())
	}
	svc, err := NewBase(context.Background(), name, p, deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })
	return svc
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) != "" {
			lines = append(lines, sc.Text())
		}
	}
	require.NoError(t, sc.Err())
	return lines
}

type lifecycleProcessor struct {
	ProcessorFunc
	started   *BaseService
	stopped   bool
	startErr  error
	extraCols []store.Column
}

func (p *lifecycleProcessor) OnStartup(_ context.Context, svc *BaseService) error {
	p.started = svc
	return p.startErr
}

func (p *lifecycleProcessor) OnShutdown(context.Context) error {
	p.stopped = true
	return nil
}

func (p *lifecycleProcessor) ExtendSchema(base store.Schema) store.Schema {
	return base.WithColumns(p.extraCols...)
}

func TestNewBaseCreatesLayers(t *testing.T) {
	p := &lifecycleProcessor{ProcessorFunc: upperProcessor()}
	svc := newTestService(t, "notes", p, Dependencies{})

	assert.Equal(t, StateReady, svc.State())
	assert.Same(t, svc, p.started)
	for _, key := range []string{"root", "hold1", "hold2", "staging"} {
		fi, err := os.Stat(svc.Paths()[key])
		require.NoError(t, err, key)
		assert.True(t, fi.IsDir(), key)
	}
	assert.Equal(t, "notes_records", svc.Schema().Table)
}

func TestNewBaseValidation(t *testing.T) {
	cfg := configpkg.Default(t.TempDir())
	_, err := NewBase(context.Background(), "notes", nil, Dependencies{Settings: cfg})
	assert.ErrorIs(t, err, errspkg.ErrProcessorRequired)

	_, err = NewBase(context.Background(), "../escape", upperProcessor(), Dependencies{Settings: cfg})
	assert.Error(t, err)

	p := &lifecycleProcessor{ProcessorFunc: upperProcessor(), startErr: errors.New("boom")}
	_, err = NewBase(context.Background(), "notes", p, Dependencies{Settings: cfg})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestInhaleAppendsEnvelope(t *testing.T) {
	svc := newTestService(t, "notes", upperProcessor(), Dependencies{})
	ctx := event.ContextWithRunID(context.Background(), "run_abc")

	ev, err := svc.Inhale(ctx, map[string]any{"text": "hi"}, WithAggregateID("agg-1"), WithCorrelationID("corr-1"))
	require.NoError(t, err)

	lines := readLines(t, svc.Layout().IntakeFile("notes"))
	require.Len(t, lines, 1)
	got, err := event.FromJSONL(lines[0])
	require.NoError(t, err)
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, "hi", got.Data["text"])
	assert.Equal(t, event.RecordCreated, got.Type)
	assert.Equal(t, "agg-1", got.AggregateID)
	assert.Equal(t, "corr-1", got.Metadata.CorrelationID)
	assert.Equal(t, "run_abc", got.Metadata.RunID)
	assert.Equal(t, "notes", got.Metadata.Service)
}

func TestInhalePublishesGovernanceRecord(t *testing.T) {
	med := mediator.New(nil)
	var received []string
	_, err := med.Subscribe(TopicGovernanceRecord, "test", func(msg *message.Message) error {
		var payload map[string]any
		require.NoError(t, jsoncodec.Unmarshal(msg.Payload, &payload))
		received = append(received, payload["event_type"].(string))
		return nil
	})
	require.NoError(t, err)

	notes := newTestService(t, "notes", upperProcessor(), Dependencies{Mediator: med})
	_, err = notes.Inhale(context.Background(), map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, []string{"service.started", "record.created"}, received)

	received = nil
	gov := newTestService(t, GovernanceServiceName, upperProcessor(), Dependencies{Mediator: med, Settings: notes.Settings()})
	_, err = gov.Inhale(context.Background(), map[string]any{"text": "hi"})
	require.NoError(t, err)
	_, err = gov.Sync(context.Background())
	require.NoError(t, err)
	assert.Empty(t, received, "governance publishes neither records nor lifecycle events")
}

func TestExhaleWritesChildToStaging(t *testing.T) {
	svc := newTestService(t, "notes", upperProcessor(), Dependencies{})
	ctx := context.Background()

	parent, err := svc.Inhale(ctx, map[string]any{"text": "hi"}, WithCorrelationID("abc"))
	require.NoError(t, err)
	child, err := svc.Exhale(ctx, map[string]any{"text": "HI"}, &parent)
	require.NoError(t, err)

	assert.Equal(t, event.ProcessingCompleted, child.Type)
	assert.Equal(t, parent.ID, child.Metadata.CausationID)
	assert.Equal(t, "abc", child.Metadata.CorrelationID)

	lines := readLines(t, svc.Layout().StagedFile("notes"))
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], child.ID)

	fresh, err := svc.Exhale(ctx, map[string]any{"text": "x"}, nil)
	require.NoError(t, err)
	assert.Empty(t, fresh.Metadata.CausationID)
	assert.Len(t, readLines(t, svc.Layout().StagedFile("notes")), 2)
}

func TestIterHold1SkipsInvalidLines(t *testing.T) {
	svc := newTestService(t, "notes", upperProcessor(), Dependencies{})
	ctx := context.Background()
	_, err := svc.Inhale(ctx, map[string]any{"text": "a"})
	require.NoError(t, err)

	f, err := os.OpenFile(svc.Layout().IntakeFile("notes"), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("garbage\n\n{\"text\":\"bare\"}\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	var seen []map[string]any
	require.NoError(t, svc.IterHold1(ctx, func(r map[string]any) bool {
		seen = append(seen, r)
		return true
	}))
	require.Len(t, seen, 2)
	assert.Equal(t, "bare", seen[1]["text"])

	var first int
	require.NoError(t, svc.IterHold1(ctx, func(map[string]any) bool {
		first++
		return false
	}))
	assert.Equal(t, 1, first)
}

func TestTransactionIsReentrant(t *testing.T) {
	svc := newTestService(t, "notes", upperProcessor(), Dependencies{})

	err := svc.Transaction(context.Background(), func(ctx context.Context) error {
		if _, err := svc.Inhale(ctx, map[string]any{"text": "one"}); err != nil {
			return err
		}
		_, err := svc.Inhale(ctx, map[string]any{"text": "two"})
		return err
	})
	require.NoError(t, err)
	assert.Len(t, readLines(t, svc.Layout().IntakeFile("notes")), 2)

	boom := errors.New("boom")
	err = svc.Transaction(context.Background(), func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	// the lock is free again
	_, err = svc.Inhale(context.Background(), map[string]any{"text": "three"})
	require.NoError(t, err)
}

func TestStaleLockContextDoesNotBypassLock(t *testing.T) {
	svc := newTestService(t, "notes", upperProcessor(), Dependencies{})

	var stale context.Context
	require.NoError(t, svc.Transaction(context.Background(), func(ctx context.Context) error {
		stale = ctx
		return nil
	}))

	held, release, err := svc.lock.acquire(context.Background())
	require.NoError(t, err)
	defer release()
	require.NotNil(t, held)

	ctx, cancel := context.WithCancel(stale)
	cancel()
	_, _, err = svc.lock.acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestShutdownStopsService(t *testing.T) {
	med := mediator.New(nil)
	var types []string
	_, err := med.Subscribe(TopicGovernanceRecord, "test", func(msg *message.Message) error {
		var payload map[string]any
		require.NoError(t, jsoncodec.Unmarshal(msg.Payload, &payload))
		types = append(types, payload["event_type"].(string))
		return nil
	})
	require.NoError(t, err)

	p := &lifecycleProcessor{ProcessorFunc: upperProcessor()}
	svc, err := NewBase(context.Background(), "notes", p, Dependencies{Settings: configpkg.Default(t.TempDir()), Mediator: med})
	require.NoError(t, err)

	require.NoError(t, svc.Shutdown(context.Background()))
	assert.Equal(t, StateStopped, svc.State())
	assert.True(t, p.stopped)
	assert.Equal(t, "service.stopped", types[len(types)-1])

	_, err = svc.Sync(context.Background())
	assert.ErrorIs(t, err, errspkg.ErrServiceStopped)
}

func TestSchemaProviderAddsColumns(t *testing.T) {
	p := &lifecycleProcessor{
		ProcessorFunc: upperProcessor(),
		extraCols:     []store.Column{{Name: "text", Type: "TEXT"}},
	}
	svc := newTestService(t, "notes", p, Dependencies{})
	_, err := svc.Inhale(context.Background(), map[string]any{"text": "abc"})
	require.NoError(t, err)
	_, err = svc.Sync(context.Background())
	require.NoError(t, err)

	n, err := svc.CountProcessed(context.Background(), map[string]any{"text": "ABC"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestHealthCheckAfterInhale(t *testing.T) {
	svc := newTestService(t, "notes", upperProcessor(), Dependencies{})
	_, err := svc.Inhale(context.Background(), map[string]any{"text": "abc"})
	require.NoError(t, err)

	report := svc.HealthCheck(context.Background())
	assert.EqualValues(t, 1, report.IntakeRecords)
	assert.False(t, report.SyncOK)
	assert.Equal(t, filepath.Base(svc.Layout().StoreFile("notes")), "notes.db")
}
