package holdflow

import (
	"context"
	"fmt"

	"github.com/drblury/holdflow/internal/app"
	runtimepkg "github.com/drblury/holdflow/internal/runtime"
	configpkg "github.com/drblury/holdflow/internal/runtime/config"
	errspkg "github.com/drblury/holdflow/internal/runtime/errors"
	"github.com/drblury/holdflow/internal/runtime/event"
	"github.com/drblury/holdflow/internal/runtime/factory"
	"github.com/drblury/holdflow/internal/runtime/governance"
	"github.com/drblury/holdflow/internal/runtime/health"
	idspkg "github.com/drblury/holdflow/internal/runtime/ids"
	"github.com/drblury/holdflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/holdflow/internal/runtime/logging"
	"github.com/drblury/holdflow/internal/runtime/mediator"
	metadatapkg "github.com/drblury/holdflow/internal/runtime/metadata"
	"github.com/drblury/holdflow/internal/runtime/secrets"
	"github.com/drblury/holdflow/internal/runtime/store"
	transportpkg "github.com/drblury/holdflow/internal/runtime/transport"
	govsvc "github.com/drblury/holdflow/internal/services/governance"
	"github.com/drblury/holdflow/internal/services/knowledge"
	"github.com/drblury/holdflow/internal/services/relationship"
	newtransport "github.com/drblury/holdflow/transport"
)

type (
	Config = configpkg.Config

	App       = app.App
	AppOption = app.Option
	AppStatus = app.Status

	BaseService     = runtimepkg.BaseService
	Dependencies    = runtimepkg.Dependencies
	Processor       = runtimepkg.Processor
	ProcessorFunc   = runtimepkg.ProcessorFunc
	SchemaProvider  = runtimepkg.SchemaProvider
	StartupHook     = runtimepkg.StartupHook
	ShutdownHook    = runtimepkg.ShutdownHook
	State           = runtimepkg.State
	SyncStats       = runtimepkg.SyncStats
	InhaleOption    = runtimepkg.InhaleOption
	Metrics         = runtimepkg.Metrics
	MetricsSnapshot = runtimepkg.MetricsSnapshot
	RecordContext   = runtimepkg.RecordContext
	RecordHooks     = runtimepkg.RecordHooks

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration
	RetryMiddlewareConfig  = runtimepkg.RetryMiddlewareConfig

	Registry    = factory.Registry
	Instance    = factory.Instance
	Constructor = factory.Constructor

	Event     = event.Event
	EventType = event.Type

	Mediator   = mediator.Mediator
	TopicStats = mediator.TopicStats

	Governance = governance.Governance

	SecretAccessor = secrets.Accessor

	HealthReport  = health.Report
	HealthSummary = health.Summary

	Schema = store.Schema
	Column = store.Column
	Query  = store.Query

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ConfigValidationError = errspkg.ConfigValidationError
	PermissionError       = errspkg.PermissionError
	CostLimitError        = errspkg.CostLimitError
	LLMError              = errspkg.LLMError
	StorageError          = errspkg.StorageError

	KnowledgeService      = knowledge.Service
	KnowledgeOptions      = knowledge.Options
	RelationshipService   = relationship.Service
	GovernanceService     = govsvc.Service
	GovernanceEventQuery  = govsvc.EventQuery
	GovernanceSummary     = govsvc.Summary
	TransportFactory      = transportpkg.Factory
	TransportBridge       = newtransport.Bridge
	TransportBuilder      = newtransport.Builder
	TransportConfig       = newtransport.Config
	TransportRegistry     = newtransport.Registry
	TransportCapabilities = newtransport.Capabilities
)

// Service states.
const (
	StateCreated      = runtimepkg.StateCreated
	StateInitializing = runtimepkg.StateInitializing
	StateReady        = runtimepkg.StateReady
	StateProcessing   = runtimepkg.StateProcessing
	StateStopped      = runtimepkg.StateStopped
	StateError        = runtimepkg.StateError
)

// Mediator topics and service names.
const (
	TopicGovernanceRecord = runtimepkg.TopicGovernanceRecord
	TopicActionExecute    = runtimepkg.TopicActionExecute

	GovernanceServiceName   = runtimepkg.GovernanceServiceName
	KnowledgeServiceName    = knowledge.ServiceName
	RelationshipServiceName = relationship.ServiceName
)

// Metadata keys carried by mediator and bridge messages.
const (
	MetadataKeyCorrelationID = metadatapkg.KeyCorrelationID
	MetadataKeyCausationID   = metadatapkg.KeyCausationID
	MetadataKeyEventID       = metadatapkg.KeyEventID
	MetadataKeyEventType     = metadatapkg.KeyEventType
	MetadataKeyRunID         = metadatapkg.KeyRunID
	MetadataKeyService       = metadatapkg.KeyService
	MetadataKeyTraceID       = metadatapkg.KeyTraceID
	MetadataKeySpanID        = metadatapkg.KeySpanID
	MetadataKeyOrigin        = metadatapkg.KeyOrigin
)

var (
	LoadConfig     = configpkg.Load
	DefaultConfig  = configpkg.Default
	ValidateConfig = configpkg.ValidateConfig

	NewBase         = runtimepkg.NewBase
	NewRegistry     = factory.NewRegistry
	DefaultRegistry = factory.Default
	NewMediator     = mediator.New
	NewMetrics      = runtimepkg.NewMetrics
	DefaultSecrets  = secrets.Default
	CheckHealth     = health.CheckAll

	WithEventType     = runtimepkg.WithEventType
	WithAggregateID   = runtimepkg.WithAggregateID
	WithCorrelationID = runtimepkg.WithCorrelationID

	WithLogger            = app.WithLogger
	WithRegisterer        = app.WithRegisterer
	WithTransportFactory  = app.WithTransportFactory
	WithRegistry          = app.WithRegistry
	WithClock             = app.WithClock
	WithoutEventRecording = app.WithoutEventRecording
	WithMiddlewares       = app.WithMiddlewares
	WithHooks             = app.WithHooks
	WithSecrets           = app.WithSecrets

	DefaultTransports        = transportpkg.DefaultFactory
	DefaultTransportRegistry = newtransport.DefaultRegistry
	RegisterTransport        = newtransport.Register

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogRecordsMiddleware    = runtimepkg.LogRecordsMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	RetryMiddleware         = runtimepkg.RetryMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware

	LoggingHooks  = runtimepkg.LoggingHooks
	AlertingHooks = runtimepkg.AlertingHooks

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal

	ErrServiceStopped     = errspkg.ErrServiceStopped
	ErrServiceNotFound    = errspkg.ErrServiceNotFound
	ErrCircularDependency = errspkg.ErrCircularDependency
	ErrPermissionDenied   = errspkg.ErrPermissionDenied
	ErrCostLimit          = errspkg.ErrCostLimit
	ErrLLM                = errspkg.ErrLLM
	ErrStorage            = errspkg.ErrStorage
	ErrInvalidRecord      = errspkg.ErrInvalidRecord
	ErrNoSubscriber       = app.ErrNoSubscriber
	ErrIngressLoop        = app.ErrIngressLoop

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewMetadata          = metadatapkg.New
	CreateULID           = idspkg.CreateULID
)

// New builds an App from settings, or from the current settings when nil.
func New(ctx context.Context, settings *Config, opts ...AppOption) (*App, error) {
	return app.New(ctx, settings, opts...)
}

// Register adds a service constructor to the default registry and panics
// when name is taken. Apps created afterwards can build it by name.
func Register(name string, ctor Constructor) {
	factory.MustRegister(name, ctor)
}

// Knowledge returns the knowledge service of a.
func Knowledge(ctx context.Context, a *App) (*KnowledgeService, error) {
	return serviceAs[*KnowledgeService](ctx, a, KnowledgeServiceName)
}

// Relationship returns the relationship service of a.
func Relationship(ctx context.Context, a *App) (*RelationshipService, error) {
	return serviceAs[*RelationshipService](ctx, a, RelationshipServiceName)
}

// GovernanceRecorder returns the governance service of a.
func GovernanceRecorder(ctx context.Context, a *App) (*GovernanceService, error) {
	return serviceAs[*GovernanceService](ctx, a, GovernanceServiceName)
}

func serviceAs[T Instance](ctx context.Context, a *App, name string) (T, error) {
	var zero T
	inst, err := a.Service(ctx, name)
	if err != nil {
		return zero, err
	}
	svc, ok := inst.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s is a %T", errspkg.ErrServiceNotFound, name, inst)
	}
	return svc, nil
}
