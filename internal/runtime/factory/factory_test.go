package factory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/holdflow/internal/runtime"
	errspkg "github.com/drblury/holdflow/internal/runtime/errors"
)

type fakeService struct {
	name     string
	shutdown atomic.Int32
}

func (f *fakeService) Name() string { return f.name }

func (f *fakeService) Shutdown(context.Context) error {
	f.shutdown.Add(1)
	return nil
}

func countingCtor(name string, built *atomic.Int32) Constructor {
	return func(context.Context, *Registry) (Instance, error) {
		built.Add(1)
		return &fakeService{name: name}, nil
	}
}

func TestGetReturnsSingleton(t *testing.T) {
	r := NewRegistry(runtime.Dependencies{})
	var built atomic.Int32
	require.NoError(t, r.Register("knowledge", countingCtor("knowledge", &built), false))

	var wg sync.WaitGroup
	results := make([]Instance, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inst, err := r.Get(context.Background(), "knowledge")
			assert.NoError(t, err)
			results[i] = inst
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), built.Load())
	for _, inst := range results {
		assert.Same(t, results[0], inst)
	}
}

func TestCreateBuildsFreshInstances(t *testing.T) {
	r := NewRegistry(runtime.Dependencies{})
	var built atomic.Int32
	require.NoError(t, r.Register("knowledge", countingCtor("knowledge", &built), false))

	a, err := r.Create(context.Background(), "knowledge")
	require.NoError(t, err)
	b, err := r.Create(context.Background(), "knowledge")
	require.NoError(t, err)

	assert.NotSame(t, a, b)
	assert.Equal(t, int32(2), built.Load())
}

func TestRegisterDuplicate(t *testing.T) {
	r := NewRegistry(runtime.Dependencies{})
	var built atomic.Int32
	require.NoError(t, r.Register("svc", countingCtor("svc", &built), false))

	err := r.Register("svc", countingCtor("svc", &built), false)
	assert.ErrorIs(t, err, errspkg.ErrServiceAlreadyRegistered)
	assert.NoError(t, r.Register("svc", countingCtor("svc", &built), true))

	assert.Panics(t, func() { r.MustRegister("svc", countingCtor("svc", &built)) })
	assert.ErrorIs(t, r.Register("", countingCtor("x", &built), false), errspkg.ErrServiceNameRequired)
}

func TestGetUnknownService(t *testing.T) {
	r := NewRegistry(runtime.Dependencies{})
	_, err := r.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, errspkg.ErrServiceNotFound)
	assert.False(t, r.IsRegistered("missing"))
}

func TestCircularDependencyDetected(t *testing.T) {
	r := NewRegistry(runtime.Dependencies{})
	require.NoError(t, r.Register("a", func(ctx context.Context, reg *Registry) (Instance, error) {
		if _, err := reg.Get(ctx, "b"); err != nil {
			return nil, err
		}
		return &fakeService{name: "a"}, nil
	}, false))
	require.NoError(t, r.Register("b", func(ctx context.Context, reg *Registry) (Instance, error) {
		if _, err := reg.Get(ctx, "a"); err != nil {
			return nil, err
		}
		return &fakeService{name: "b"}, nil
	}, false))

	_, err := r.Get(context.Background(), "a")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errspkg.ErrCircularDependency))
	assert.Contains(t, err.Error(), "a -> b -> a")
}

func TestClearShutsDownInstances(t *testing.T) {
	r := NewRegistry(runtime.Dependencies{})
	var built atomic.Int32
	require.NoError(t, r.Register("svc", countingCtor("svc", &built), false))

	inst, err := r.Get(context.Background(), "svc")
	require.NoError(t, err)

	r.Clear(context.Background())
	assert.Equal(t, int32(1), inst.(*fakeService).shutdown.Load())
	assert.True(t, r.IsRegistered("svc"))

	again, err := r.Get(context.Background(), "svc")
	require.NoError(t, err)
	assert.NotSame(t, inst, again)
	assert.Equal(t, []string{"svc"}, r.Names())

	r.Unregister(context.Background(), "svc")
	assert.False(t, r.IsRegistered("svc"))
	assert.Equal(t, int32(1), again.(*fakeService).shutdown.Load())
}

func TestForkCopiesConstructorsNotInstances(t *testing.T) {
	r := NewRegistry(runtime.Dependencies{})
	var built atomic.Int32
	require.NoError(t, r.Register("knowledge", countingCtor("knowledge", &built), false))
	_, err := r.Get(context.Background(), "knowledge")
	require.NoError(t, err)
	assert.Len(t, r.Instances(), 1)

	var seen runtime.Dependencies
	forked := r.Fork(runtime.Dependencies{DisableDefaultMiddlewares: true})
	require.NoError(t, forked.Register("probe", func(_ context.Context, reg *Registry) (Instance, error) {
		seen = reg.Dependencies()
		return &fakeService{name: "probe"}, nil
	}, false))

	assert.Empty(t, forked.Instances())
	assert.False(t, r.IsRegistered("probe"))

	_, err = forked.Get(context.Background(), "knowledge")
	require.NoError(t, err)
	_, err = forked.Get(context.Background(), "probe")
	require.NoError(t, err)
	assert.EqualValues(t, 2, built.Load())
	assert.True(t, seen.DisableDefaultMiddlewares)
	assert.Len(t, forked.Instances(), 2)
	assert.Len(t, r.Instances(), 1)
}
