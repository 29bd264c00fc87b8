package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/drblury/holdflow/internal/runtime"
	"github.com/drblury/holdflow/internal/runtime/health"
	"github.com/drblury/holdflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/holdflow/internal/runtime/logging"
	"github.com/drblury/holdflow/internal/runtime/mediator"
	transportpkg "github.com/drblury/holdflow/internal/runtime/transport"
	httpbridge "github.com/drblury/holdflow/transport/http"
)

const shutdownGrace = 5 * time.Second

// ServiceStatus describes one constructed service.
type ServiceStatus struct {
	Name        string        `json:"name"`
	State       string        `json:"state,omitempty"`
	Middlewares []string      `json:"middlewares,omitempty"`
	Health      health.Report `json:"health"`
}

// BridgeStatus describes the configured bridge.
type BridgeStatus struct {
	System         string            `json:"system"`
	Durable        bool              `json:"durable"`
	Ordered        bool              `json:"ordered"`
	Ack            bool              `json:"ack"`
	Tracing        bool              `json:"tracing"`
	MaxMessageSize int64             `json:"max_message_size"`
	Ingress        map[string]string `json:"ingress"`
}

// Status is the body of the /status endpoint.
type Status struct {
	App        string                         `json:"app"`
	Healthy    bool                           `json:"healthy"`
	Services   []ServiceStatus                `json:"services"`
	Topics     map[string]mediator.TopicStats `json:"topics"`
	Governance map[string]any                 `json:"governance"`
	Metrics    runtime.MetricsSnapshot        `json:"metrics"`
	Bridge     *BridgeStatus                  `json:"bridge,omitempty"`
}

type stateful interface {
	State() runtime.State
}

type middlewareLister interface {
	MiddlewareNames() []string
}

type healthChecker interface {
	HealthCheck(ctx context.Context) health.Report
}

// Status inspects every constructed service without taking any service lock.
func (a *App) Status(ctx context.Context) Status {
	st := Status{
		App:        a.id,
		Healthy:    true,
		Services:   []ServiceStatus{},
		Topics:     a.mediator.Stats(),
		Governance: a.governance.Status(),
		Metrics:    a.metrics.Snapshot(),
	}

	instances := a.registry.Instances()
	names := make([]string, 0, len(instances))
	for name := range instances {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		inst := instances[name]
		ss := ServiceStatus{Name: name}
		if s, ok := inst.(stateful); ok {
			ss.State = s.State().String()
		}
		if m, ok := inst.(middlewareLister); ok {
			ss.Middlewares = m.MiddlewareNames()
		}
		if h, ok := inst.(healthChecker); ok {
			ss.Health = h.HealthCheck(ctx)
			if !ss.Health.Healthy {
				st.Healthy = false
			}
		}
		st.Services = append(st.Services, ss)
	}

	if a.bridge != nil {
		caps := transportpkg.Capabilities(a.settings)
		st.Bridge = &BridgeStatus{
			System:         a.settings.BridgeSystem,
			Durable:        caps.Durable,
			Ordered:        caps.Ordered,
			Ack:            caps.Ack,
			Tracing:        caps.Tracing,
			MaxMessageSize: caps.MaxMessageSize,
			Ingress:        a.IngressTopics(),
		}
	}
	return st
}

// MetricsHandler serves the Prometheus registry of the app.
func (a *App) MetricsHandler() http.Handler {
	return a.metrics.Handler()
}

// StatusHandler serves Status as JSON.
func (a *App) StatusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := jsoncodec.Encode(w, a.Status(r.Context())); err != nil {
			a.logger.Error("Failed to encode status", err, nil)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		}
	})
}

// HealthHandler answers 200 when every constructed service is healthy and
// 503 otherwise.
func (a *App) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		st := a.Status(r.Context())
		code := http.StatusOK
		if !st.Healthy {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = jsoncodec.Encode(w, map[string]any{"healthy": st.Healthy})
	})
}

// Handler mounts /metrics, /status and /healthz.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.MetricsHandler())
	mux.Handle("/status", a.StatusHandler())
	mux.Handle("/healthz", a.HealthHandler())
	return mux
}

// Serve runs Handler on the metrics port until ctx is done. It returns nil
// right away when metrics are disabled.
func (a *App) Serve(ctx context.Context) error {
	if !a.settings.MetricsEnabled {
		return nil
	}
	addr := fmt.Sprintf(":%d", a.settings.MetricsPort)
	srv := &http.Server{Addr: addr, Handler: a.Handler(), ReadHeaderTimeout: 10 * time.Second}

	stopped := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	defer stopped()

	a.logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": addr})
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.logger.Error("HTTP server failed", err, loggingpkg.LogFields{"address": addr})
		return err
	}
	return nil
}

// ServeBridge starts the HTTP server of an http bridge. Call it after every
// Ingress is set up; it blocks until the bridge is closed.
func (a *App) ServeBridge() error {
	if a.bridge == nil || a.bridge.Subscriber == nil {
		return ErrNoSubscriber
	}
	return httpbridge.Serve(a.bridge.Subscriber)
}
