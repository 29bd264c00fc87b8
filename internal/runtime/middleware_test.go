package runtime

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/holdflow/internal/runtime/config"
	"github.com/drblury/holdflow/internal/runtime/event"
)

func TestDefaultMiddlewareNames(t *testing.T) {
	svc := newTestService(t, "notes", upperProcessor(), Dependencies{})
	assert.Equal(t, []string{"correlation_id", "log_records", "tracer", "recoverer"}, svc.MiddlewareNames())

	withAll := newTestService(t, "full", upperProcessor(), Dependencies{
		Settings: svc.Settings(),
		Metrics:  NewMetrics(prometheus.NewRegistry()),
		Hooks:    RecordHooks{OnRecordDone: func(RecordContext) {}},
	})
	assert.Equal(t, []string{"correlation_id", "log_records", "tracer", "record_hooks", "metrics", "recoverer"}, withAll.MiddlewareNames())
}

func TestRetryInsertedBeforeRecoverer(t *testing.T) {
	cfg := configpkg.Default(t.TempDir())
	cfg.RetryMaxRetries = 2
	cfg.RetryInitialInterval = time.Millisecond
	cfg.RetryMaxInterval = 2 * time.Millisecond

	var calls atomic.Int32
	proc := ProcessorFunc(func(_ context.Context, r map[string]any) (map[string]any, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("flaky")
		}
		return r, nil
	})
	svc := newTestService(t, "notes", proc, Dependencies{Settings: cfg})

	names := svc.MiddlewareNames()
	require.GreaterOrEqual(t, len(names), 2)
	assert.Equal(t, []string{"retry", "recoverer"}, names[len(names)-2:])

	_, err := svc.Inhale(context.Background(), map[string]any{"text": "x"})
	require.NoError(t, err)
	stats, err := svc.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Processed)
	assert.EqualValues(t, 3, calls.Load())
}

func TestCustomMiddlewareAndDisableDefaults(t *testing.T) {
	var seen []string
	tag := MiddlewareRegistration{
		Name: "tag",
		Middleware: func(h message.HandlerFunc) message.HandlerFunc {
			return func(msg *message.Message) ([]*message.Message, error) {
				seen = append(seen, msg.Metadata.Get("service"))
				return h(msg)
			}
		},
	}
	svc := newTestService(t, "notes", upperProcessor(), Dependencies{
		DisableDefaultMiddlewares: true,
		Middlewares:               []MiddlewareRegistration{tag},
	})
	assert.Equal(t, []string{"tag"}, svc.MiddlewareNames())

	_, err := svc.Inhale(context.Background(), map[string]any{"text": "x"})
	require.NoError(t, err)
	_, err = svc.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"notes"}, seen)
}

func TestMiddlewareRegistrationErrors(t *testing.T) {
	cfg := configpkg.Default(t.TempDir())

	_, err := NewBase(context.Background(), "notes", upperProcessor(), Dependencies{
		Settings:    cfg,
		Middlewares: []MiddlewareRegistration{{Name: "empty"}},
	})
	assert.ErrorContains(t, err, "requires Middleware or Builder")

	_, err = NewBase(context.Background(), "notes", upperProcessor(), Dependencies{
		Settings: cfg,
		Middlewares: []MiddlewareRegistration{{
			Name: "broken",
			Builder: func(*BaseService) (message.HandlerMiddleware, error) {
				return nil, errors.New("no dice")
			},
		}},
	})
	assert.ErrorContains(t, err, "no dice")
}

func TestCorrelationIDPropagatesToProcessor(t *testing.T) {
	var got []string
	proc := ProcessorFunc(func(ctx context.Context, r map[string]any) (map[string]any, error) {
		id, _ := event.CorrelationIDFromContext(ctx)
		got = append(got, id)
		return r, nil
	})
	svc := newTestService(t, "notes", proc, Dependencies{})

	_, err := svc.Inhale(context.Background(), map[string]any{"text": "x"}, WithCorrelationID("corr-7"))
	require.NoError(t, err)
	appendRaw(t, svc, `{"text":"bare"}`)

	_, err = svc.Sync(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "corr-7", got[0])
	assert.NotEmpty(t, got[1])
}
