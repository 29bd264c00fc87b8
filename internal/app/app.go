// Package app wires the runtime together: logger, metrics, mediator, the
// optional bridge, governance, secrets, LLM clients and the service registry.
// Services are built lazily from the registry and external bridge messages
// are fed into their intake through Ingress.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/holdflow/internal/runtime"
	configpkg "github.com/drblury/holdflow/internal/runtime/config"
	"github.com/drblury/holdflow/internal/runtime/event"
	"github.com/drblury/holdflow/internal/runtime/factory"
	"github.com/drblury/holdflow/internal/runtime/governance"
	idspkg "github.com/drblury/holdflow/internal/runtime/ids"
	"github.com/drblury/holdflow/internal/runtime/llm"
	loggingpkg "github.com/drblury/holdflow/internal/runtime/logging"
	"github.com/drblury/holdflow/internal/runtime/mediator"
	metadatapkg "github.com/drblury/holdflow/internal/runtime/metadata"
	"github.com/drblury/holdflow/internal/runtime/secrets"
	transportpkg "github.com/drblury/holdflow/internal/runtime/transport"

	govsvc "github.com/drblury/holdflow/internal/services/governance"
	_ "github.com/drblury/holdflow/internal/services/knowledge"
	_ "github.com/drblury/holdflow/internal/services/relationship"
)

var (
	// ErrNoSubscriber is returned by Ingress when the bridge cannot receive.
	ErrNoSubscriber = errors.New("bridge has no subscriber")
	// ErrNotInhaler is returned by Ingress for instances without an intake.
	ErrNotInhaler = errors.New("service does not accept records")
	// ErrIngressLoop rejects feeding governance records into a service that
	// republishes them.
	ErrIngressLoop = errors.New("governance records can only be ingested by the governance service")
	// ErrClosed is returned once Shutdown has run.
	ErrClosed = errors.New("app is shut down")
)

// Inhaler is the intake side of a service.
type Inhaler interface {
	Inhale(ctx context.Context, data map[string]any, opts ...runtime.InhaleOption) (event.Event, error)
}

type options struct {
	logger        loggingpkg.ServiceLogger
	registerer    prometheus.Registerer
	transports    transportpkg.Factory
	registry      *factory.Registry
	clock         func() time.Time
	recordEvents  bool
	middlewares   []runtime.MiddlewareRegistration
	hooks         runtime.RecordHooks
	secretsAccess secrets.Accessor
}

// Option customises New.
type Option func(*options)

// WithLogger replaces the logger built from the log settings.
func WithLogger(logger loggingpkg.ServiceLogger) Option {
	return func(o *options) { o.logger = logger }
}

// WithRegisterer registers the metric collectors with r instead of a private
// registry.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) { o.registerer = r }
}

// WithTransportFactory replaces the bridge factory.
func WithTransportFactory(f transportpkg.Factory) Option {
	return func(o *options) { o.transports = f }
}

// WithRegistry forks r instead of the default registry.
func WithRegistry(r *factory.Registry) Option {
	return func(o *options) { o.registry = r }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// WithoutEventRecording skips starting the governance service in New.
func WithoutEventRecording() Option {
	return func(o *options) { o.recordEvents = false }
}

// WithMiddlewares appends per-record middleware to every service.
func WithMiddlewares(regs ...runtime.MiddlewareRegistration) Option {
	return func(o *options) { o.middlewares = append(o.middlewares, regs...) }
}

func WithHooks(h runtime.RecordHooks) Option {
	return func(o *options) { o.hooks = h }
}

// WithSecrets replaces the environment and secrets directory lookup.
func WithSecrets(a secrets.Accessor) Option {
	return func(o *options) { o.secretsAccess = a }
}

// App owns the shared dependencies of every service it creates.
type App struct {
	id         string
	settings   *configpkg.Config
	logger     loggingpkg.ServiceLogger
	metrics    *runtime.Metrics
	mediator   *mediator.Mediator
	governance *governance.Governance
	bridge     *transportpkg.Bridge
	registry   *factory.Registry

	stopCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.Mutex
	ingress  map[string]string
	shutdown bool
}

// New builds the app from settings, or from the current settings when nil.
// Unless WithoutEventRecording is given the governance service is started so
// every later publication is recorded.
func New(ctx context.Context, settings *configpkg.Config, opts ...Option) (*App, error) {
	o := options{recordEvents: true}
	for _, opt := range opts {
		opt(&o)
	}

	if settings == nil {
		cfg, err := configpkg.Current()
		if err != nil {
			return nil, fmt.Errorf("load settings: %w", err)
		}
		settings = cfg
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	logger := o.logger
	if logger == nil {
		logger = loggingpkg.New(os.Stderr, loggingpkg.Options{Level: settings.LogLevel, Format: settings.LogFormat})
	}
	if o.clock == nil {
		o.clock = time.Now
	}

	registerer := o.registerer
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}
	metrics := runtime.NewMetrics(registerer)
	if err := metrics.Register(); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	gov, err := governance.New(governance.OptionsFromSettings(settings))
	if err != nil {
		return nil, fmt.Errorf("governance: %w", err)
	}

	a := &App{
		id:         idspkg.CreateULID(),
		settings:   settings,
		metrics:    metrics,
		governance: gov,
		ingress:    map[string]string{},
	}
	a.logger = logger.With(loggingpkg.LogFields{"app_id": a.id})
	a.stopCtx, a.stop = context.WithCancel(context.Background())
	a.mediator = mediator.New(a.logger, mediator.WithClock(o.clock))

	transports := o.transports
	if transports == nil {
		transports = transportpkg.DefaultFactory()
	}
	bridge, err := transports.Build(ctx, settings, loggingpkg.NewWatermillAdapter(a.logger))
	if err != nil {
		_ = gov.Close()
		return nil, fmt.Errorf("bridge: %w", err)
	}
	a.bridge = bridge
	if bridge != nil && bridge.Publisher != nil {
		a.mediator.SetBridge(originPublisher{Publisher: bridge.Publisher, origin: a.id})
		a.logger.Info("Bridge enabled", loggingpkg.LogFields{"bridge": settings.BridgeSystem})
	}

	accessor := o.secretsAccess
	if accessor == nil {
		accessor = secrets.Default(settings.SecretsDir)
	}
	llmOpts := llm.FactoryOptionsFromSettings(settings)
	llmOpts.Logger = a.logger

	deps := runtime.Dependencies{
		Settings:    settings,
		Logger:      a.logger,
		Mediator:    a.mediator,
		Governance:  gov,
		Secrets:     accessor,
		LLM:         llm.NewClientFactory(accessor, llmOpts),
		Metrics:     metrics,
		Hooks:       o.hooks,
		Middlewares: o.middlewares,
		Clock:       o.clock,
	}
	source := o.registry
	if source == nil {
		source = factory.Default()
	}
	a.registry = source.Fork(deps)

	if o.recordEvents && a.registry.IsRegistered(govsvc.ServiceName) {
		if _, err := a.registry.Get(ctx, govsvc.ServiceName); err != nil {
			_ = a.Shutdown(ctx)
			return nil, err
		}
	}
	return a, nil
}

// ID identifies this app on the bridge.
func (a *App) ID() string { return a.id }

func (a *App) Settings() *configpkg.Config { return a.settings }

func (a *App) Logger() loggingpkg.ServiceLogger { return a.logger }

func (a *App) Mediator() *mediator.Mediator { return a.mediator }

func (a *App) Governance() *governance.Governance { return a.governance }

func (a *App) Metrics() *runtime.Metrics { return a.metrics }

// Registry returns the app's service registry.
func (a *App) Registry() *factory.Registry { return a.registry }

// Bridge returns the configured bridge, nil when bridging is disabled.
func (a *App) Bridge() *transportpkg.Bridge { return a.bridge }

// Service returns the singleton instance of name, creating it on first use.
func (a *App) Service(ctx context.Context, name string) (factory.Instance, error) {
	if a.closed() {
		return nil, ErrClosed
	}
	return a.registry.Get(ctx, name)
}

// Ingress subscribes to topic on the bridge and inhales every message into
// service. Messages this app published itself are acknowledged and skipped.
// A failed inhale nacks the message; undecodable payloads are acknowledged
// and dropped. Ingress returns once the subscription is running; it stops
// when ctx is cancelled or the app shuts down.
func (a *App) Ingress(ctx context.Context, topic, service string) error {
	if a.closed() {
		return ErrClosed
	}
	if a.bridge == nil || a.bridge.Subscriber == nil {
		return ErrNoSubscriber
	}
	if topic == runtime.TopicGovernanceRecord && service != runtime.GovernanceServiceName {
		return ErrIngressLoop
	}

	inst, err := a.Service(ctx, service)
	if err != nil {
		return err
	}
	target, ok := inst.(Inhaler)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotInhaler, service)
	}

	runCtx, cancel := context.WithCancel(ctx)
	stopOnShutdown := context.AfterFunc(a.stopCtx, cancel)
	messages, err := a.bridge.Subscriber.Subscribe(runCtx, topic)
	if err != nil {
		stopOnShutdown()
		cancel()
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}

	// Shutdown may have begun while subscribing. Add to wg under mu so it
	// never races Shutdown's Wait.
	a.mu.Lock()
	if a.shutdown {
		a.mu.Unlock()
		stopOnShutdown()
		cancel()
		return ErrClosed
	}
	a.ingress[topic] = service
	a.wg.Add(1)
	a.mu.Unlock()

	logger := a.logger.With(loggingpkg.LogFields{"topic": topic, "service": service})
	logger.Info("Ingress started", nil)

	go func() {
		defer a.wg.Done()
		defer stopOnShutdown()
		defer cancel()
		for {
			select {
			case <-runCtx.Done():
				logger.Info("Ingress stopped", nil)
				return
			case msg, ok := <-messages:
				if !ok {
					logger.Info("Ingress closed by bridge", nil)
					return
				}
				a.ingest(runCtx, logger, target, msg)
			}
		}
	}()
	return nil
}

func (a *App) ingest(ctx context.Context, logger loggingpkg.ServiceLogger, target Inhaler, msg *message.Message) {
	if msg.Metadata.Get(metadatapkg.KeyOrigin) == a.id {
		msg.Ack()
		return
	}

	var data map[string]any
	if err := mediator.Decode(msg, &data); err != nil || data == nil {
		fields := loggingpkg.LogFields{"message_uuid": msg.UUID}
		if err != nil {
			fields["error"] = err.Error()
		}
		logger.Warn("Dropping undecodable bridge message", fields)
		msg.Ack()
		return
	}

	var opts []runtime.InhaleOption
	if cid := msg.Metadata.Get(metadatapkg.KeyCorrelationID); cid != "" {
		opts = append(opts, runtime.WithCorrelationID(cid))
	}
	if _, err := target.Inhale(ctx, data, opts...); err != nil {
		logger.Error("Ingress inhale failed", err, loggingpkg.LogFields{"message_uuid": msg.UUID})
		msg.Nack()
		return
	}
	msg.Ack()
}

// IngressTopics maps each ingested topic to its target service.
func (a *App) IngressTopics() map[string]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]string, len(a.ingress))
	for k, v := range a.ingress {
		out[k] = v
	}
	return out
}

// Shutdown stops ingress, shuts every service down, then closes the bridge
// and flushes governance. It is safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	if a.shutdown {
		a.mu.Unlock()
		return nil
	}
	a.shutdown = true
	a.mu.Unlock()

	a.stop()
	a.wg.Wait()

	var errs []error
	if err := a.registry.ShutdownAll(ctx); err != nil {
		errs = append(errs, err)
	}
	if a.bridge != nil {
		if err := a.bridge.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close bridge: %w", err))
		}
	}
	if err := a.governance.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close governance: %w", err))
	}
	a.logger.Info("App stopped", nil)
	return errors.Join(errs...)
}

func (a *App) closed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.shutdown
}

// originPublisher stamps the app id on every mirrored message so Ingress can
// recognise its own traffic.
type originPublisher struct {
	message.Publisher
	origin string
}

func (p originPublisher) Publish(topic string, messages ...*message.Message) error {
	for _, msg := range messages {
		msg.Metadata.Set(metadatapkg.KeyOrigin, p.origin)
	}
	return p.Publisher.Publish(topic, messages...)
}
