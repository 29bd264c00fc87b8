package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	configpkg "github.com/drblury/holdflow/internal/runtime/config"
	errspkg "github.com/drblury/holdflow/internal/runtime/errors"
	"github.com/drblury/holdflow/internal/runtime/event"
	"github.com/drblury/holdflow/internal/runtime/governance"
	"github.com/drblury/holdflow/internal/runtime/health"
	"github.com/drblury/holdflow/internal/runtime/llm"
	loggingpkg "github.com/drblury/holdflow/internal/runtime/logging"
	"github.com/drblury/holdflow/internal/runtime/mediator"
	"github.com/drblury/holdflow/internal/runtime/paths"
	"github.com/drblury/holdflow/internal/runtime/secrets"
	"github.com/drblury/holdflow/internal/runtime/store"
)

// Mediator topics used by the base service.
const (
	TopicGovernanceRecord = "governance.record"
	TopicActionExecute    = "action.execute"
)

// GovernanceServiceName is the one service that never publishes to
// TopicGovernanceRecord: neither its intake nor its lifecycle.
const GovernanceServiceName = "governance"

// Processor is the transformation every service implements. It receives the
// data of one intake envelope and returns the record written to the processed
// store. An error routes the record to the dead-letter file.
type Processor interface {
	Process(ctx context.Context, record map[string]any) (map[string]any, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, record map[string]any) (map[string]any, error)

func (f ProcessorFunc) Process(ctx context.Context, record map[string]any) (map[string]any, error) {
	return f(ctx, record)
}

// SchemaProvider lets a processor extend the processed store table.
type SchemaProvider interface {
	ExtendSchema(base store.Schema) store.Schema
}

// StartupHook runs after the service directories exist and before READY.
type StartupHook interface {
	OnStartup(ctx context.Context, svc *BaseService) error
}

// ShutdownHook runs once the service is STOPPED.
type ShutdownHook interface {
	OnShutdown(ctx context.Context) error
}

// Dependencies holds the collaborators a service can use. Leave fields nil to
// skip the related behaviour: without a Mediator nothing is published, without
// Governance no operation is gated.
type Dependencies struct {
	Settings   *configpkg.Config
	Logger     loggingpkg.ServiceLogger
	Mediator   *mediator.Mediator
	Governance *governance.Governance
	Secrets    secrets.Accessor
	LLM        *llm.ClientFactory
	Metrics    *Metrics
	Hooks      RecordHooks

	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.

	Clock func() time.Time
}

func (d Dependencies) withDefaults() (Dependencies, error) {
	if d.Settings == nil {
		cfg, err := configpkg.Current()
		if err != nil {
			return d, fmt.Errorf("load settings: %w", err)
		}
		d.Settings = cfg
	}
	if d.Logger == nil {
		d.Logger = loggingpkg.Discard()
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	return d, nil
}

// BaseService owns the three HOLD layers of one service: the append-only
// intake, the staging files and the processed store. It is safe for
// concurrent use; writers serialize on the service lock, readers do not.
type BaseService struct {
	name      string
	processor Processor
	deps      Dependencies
	logger    loggingpkg.ServiceLogger
	layout    paths.Layout
	dirs      map[string]string
	schema    store.Schema

	lock *serviceLock

	stateMu sync.RWMutex
	state   State

	chain           message.HandlerFunc
	middlewareNames []string

	storeMu sync.Mutex
	store   *store.Store
}

// NewBase creates the service directories, runs the startup hook and leaves
// the service READY. A failing startup hook leaves it in ERROR and is returned.
func NewBase(ctx context.Context, name string, processor Processor, deps Dependencies) (*BaseService, error) {
	if err := paths.ValidateServiceName(name); err != nil {
		return nil, err
	}
	if processor == nil {
		return nil, errspkg.ErrProcessorRequired
	}
	deps, err := deps.withDefaults()
	if err != nil {
		return nil, err
	}

	s := &BaseService{
		name:      name,
		processor: processor,
		deps:      deps,
		logger:    deps.Logger.With(loggingpkg.LogFields{"service": name}),
		layout:    paths.New(deps.Settings.ServicesRoot),
		lock:      newServiceLock(),
		state:     StateCreated,
	}
	s.schema = store.DefaultSchema(name)
	if sp, ok := processor.(SchemaProvider); ok {
		s.schema = sp.ExtendSchema(s.schema)
	}
	if err := s.schema.Validate(); err != nil {
		return nil, fmt.Errorf("service %s schema: %w", name, err)
	}

	dirs, err := s.layout.EnsureServiceDirectories(name)
	if err != nil {
		return nil, fmt.Errorf("service %s directories: %w", name, err)
	}
	s.dirs = dirs
	s.setState(StateInitializing)

	if err := s.buildChain(); err != nil {
		s.setState(StateError)
		return nil, err
	}

	if hook, ok := processor.(StartupHook); ok {
		if err := hook.OnStartup(ctx, s); err != nil {
			s.setState(StateError)
			s.logger.Error("Startup hook failed", err, nil)
			return nil, fmt.Errorf("service %s startup: %w", name, err)
		}
	}
	s.setState(StateReady)

	s.logger.Info("Service initialized", loggingpkg.LogFields{"paths": dirs})
	s.publishLifecycle(ctx, event.ServiceStarted, nil)
	return s, nil
}

// Name returns the service name.
func (s *BaseService) Name() string { return s.name }

// Logger returns the service-scoped logger.
func (s *BaseService) Logger() loggingpkg.ServiceLogger { return s.logger }

// Dependencies returns the collaborators the service was built with.
func (s *BaseService) Dependencies() Dependencies { return s.deps }

// Settings returns the settings the service was built with.
func (s *BaseService) Settings() *configpkg.Config { return s.deps.Settings }

// Layout returns the filesystem layout of the services root.
func (s *BaseService) Layout() paths.Layout { return s.layout }

// Paths returns the root, hold1, hold2 and staging directories.
func (s *BaseService) Paths() map[string]string {
	out := make(map[string]string, len(s.dirs))
	for k, v := range s.dirs {
		out[k] = v
	}
	return out
}

// Schema returns the processed store table description.
func (s *BaseService) Schema() store.Schema { return s.schema }

// Shutdown marks the service STOPPED, runs the shutdown hook, closes the
// processed store and publishes service.stopped. In-flight work is not
// interrupted.
func (s *BaseService) Shutdown(ctx context.Context) error {
	_, release, err := s.lock.acquire(ctx)
	if err != nil {
		return err
	}
	s.setState(StateStopped)
	release()

	var hookErr error
	if hook, ok := s.processor.(ShutdownHook); ok {
		hookErr = hook.OnShutdown(ctx)
		if hookErr != nil {
			s.logger.Error("Shutdown hook failed", hookErr, nil)
		}
	}

	s.storeMu.Lock()
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Warn("Closing processed store failed", loggingpkg.LogFields{"error": err.Error()})
		}
		s.store = nil
	}
	s.storeMu.Unlock()

	s.publishLifecycle(ctx, event.ServiceStopped, nil)
	s.logger.Info("Service shutdown", nil)
	return hookErr
}

// HealthCheck inspects the service layers without taking the lock.
func (s *BaseService) HealthCheck(ctx context.Context) health.Report {
	return health.CheckServiceHealth(ctx, s.layout, s.name, s.schema.Table)
}

func (s *BaseService) String() string {
	return fmt.Sprintf("BaseService(name=%s, state=%s)", s.name, s.State())
}

// publish sends payload on topic when a mediator is configured. Failures are
// logged; the caller's durable step has already happened.
func (s *BaseService) publish(ctx context.Context, topic string, payload any) {
	if s.deps.Mediator == nil {
		return
	}
	if err := s.deps.Mediator.Publish(ctx, topic, payload); err != nil {
		s.logger.Warn("Mediator publish failed", loggingpkg.LogFields{
			"topic": topic,
			"error": err.Error(),
		})
	}
}

// publishLifecycle announces eventType on TopicGovernanceRecord. The
// governance service subscribes to that topic, so it stays silent.
func (s *BaseService) publishLifecycle(ctx context.Context, eventType event.Type, extra map[string]any) {
	if s.name == GovernanceServiceName {
		return
	}
	payload := map[string]any{
		"event_type": string(eventType),
		"service":    s.name,
		"run_id":     event.CurrentRunID(ctx),
	}
	for k, v := range extra {
		payload[k] = v
	}
	s.publish(ctx, TopicGovernanceRecord, payload)
}
