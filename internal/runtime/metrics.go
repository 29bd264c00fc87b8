package runtime

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	errspkg "github.com/drblury/holdflow/internal/runtime/errors"
)

const metricsNamespace = "holdflow"

// Sync outcomes used as the outcome label.
const (
	SyncOutcomeCompleted = "completed"
	SyncOutcomeFailed    = "failed"
)

// Metrics tracks dead-letter and sync statistics per service, both as
// Prometheus collectors and as an in-memory snapshot.
type Metrics struct {
	mu       sync.RWMutex
	services map[string]*ServiceMetrics

	deadLetters      *prometheus.CounterVec
	syncRuns         *prometheus.CounterVec
	syncDuration     *prometheus.HistogramVec
	recordsProcessed *prometheus.CounterVec
	recordsFailed    *prometheus.CounterVec
	recordDuration   *prometheus.HistogramVec

	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
	registered bool
}

// ServiceMetrics holds the counters of one service.
type ServiceMetrics struct {
	DeadLetters      uint64    `json:"dead_letters"`
	SyncRuns         uint64    `json:"sync_runs"`
	SyncFailures     uint64    `json:"sync_failures"`
	RecordsProcessed uint64    `json:"records_processed"`
	RecordsFailed    uint64    `json:"records_failed"`
	LastSyncAt       time.Time `json:"last_sync_at,omitempty"`
	LastDeadLetterAt time.Time `json:"last_dead_letter_at,omitempty"`
	LastSyncDuration float64   `json:"last_sync_duration_seconds"`
}

// MetricsSnapshot is a point-in-time copy of all service metrics.
type MetricsSnapshot struct {
	TotalDeadLetters uint64                     `json:"total_dead_letters"`
	TotalSyncRuns    uint64                     `json:"total_sync_runs"`
	Services         map[string]*ServiceMetrics `json:"services"`
	CollectedAt      time.Time                  `json:"collected_at"`
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

func newHistogramVec(subsystem, name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, labels)
}

// NewMetrics creates the collectors. A nil registerer means the Prometheus
// default registry.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := registerer.(prometheus.Gatherer); ok {
		gatherer = g
	}

	return &Metrics{
		services:         make(map[string]*ServiceMetrics),
		registerer:       registerer,
		gatherer:         gatherer,
		deadLetters:      newCounterVec("dlq", "messages_total", "Total number of records written to the dead-letter file", []string{"service", "reason"}),
		syncRuns:         newCounterVec("sync", "runs_total", "Total number of sync runs", []string{"service", "outcome"}),
		syncDuration:     newHistogramVec("sync", "duration_seconds", "Duration of sync runs", []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300}, []string{"service"}),
		recordsProcessed: newCounterVec("sync", "records_processed_total", "Total number of records processed successfully", []string{"service"}),
		recordsFailed:    newCounterVec("sync", "records_failed_total", "Total number of records whose processing failed", []string{"service", "reason"}),
		recordDuration:   newHistogramVec("sync", "record_duration_seconds", "Duration of a single Process call", []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30}, []string{"service"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}
	collectors := []prometheus.Collector{
		m.deadLetters,
		m.syncRuns,
		m.syncDuration,
		m.recordsProcessed,
		m.recordsFailed,
		m.recordDuration,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	m.registered = true
	return nil
}

// Handler serves the registry the collectors were registered with.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// RecordDeadLetter counts one record written to the dead-letter file.
func (m *Metrics) RecordDeadLetter(service, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sm := m.service(service)
	sm.DeadLetters++
	sm.LastDeadLetterAt = time.Now()
	m.deadLetters.WithLabelValues(service, reason).Inc()
}

// ObserveRecord records the outcome of one Process call.
func (m *Metrics) ObserveRecord(service string, d time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sm := m.service(service)
	m.recordDuration.WithLabelValues(service).Observe(d.Seconds())
	if err != nil {
		sm.RecordsFailed++
		m.recordsFailed.WithLabelValues(service, string(errspkg.Classify(err))).Inc()
		return
	}
	sm.RecordsProcessed++
	m.recordsProcessed.WithLabelValues(service).Inc()
}

// ObserveSync records one sync run.
func (m *Metrics) ObserveSync(service, outcome string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sm := m.service(service)
	sm.SyncRuns++
	if outcome == SyncOutcomeFailed {
		sm.SyncFailures++
	}
	sm.LastSyncAt = time.Now()
	sm.LastSyncDuration = d.Seconds()
	m.syncRuns.WithLabelValues(service, outcome).Inc()
	m.syncDuration.WithLabelValues(service).Observe(d.Seconds())
}

// Snapshot returns a copy of the in-memory counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := MetricsSnapshot{
		Services:    make(map[string]*ServiceMetrics, len(m.services)),
		CollectedAt: time.Now(),
	}
	for name, sm := range m.services {
		c := *sm
		snap.Services[name] = &c
		snap.TotalDeadLetters += sm.DeadLetters
		snap.TotalSyncRuns += sm.SyncRuns
	}
	return snap
}

// Service returns a copy of one service's counters, or nil.
func (m *Metrics) Service(name string) *ServiceMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if sm, ok := m.services[name]; ok {
		c := *sm
		return &c
	}
	return nil
}

func (m *Metrics) service(name string) *ServiceMetrics {
	if sm, ok := m.services[name]; ok {
		return sm
	}
	sm := &ServiceMetrics{}
	m.services[name] = sm
	return sm
}

// Reset clears every counter (useful for testing).
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.services = make(map[string]*ServiceMetrics)
	m.deadLetters.Reset()
	m.syncRuns.Reset()
	m.syncDuration.Reset()
	m.recordsProcessed.Reset()
	m.recordsFailed.Reset()
	m.recordDuration.Reset()
}
