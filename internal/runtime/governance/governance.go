package governance

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	configpkg "github.com/drblury/holdflow/internal/runtime/config"
	"github.com/drblury/holdflow/internal/runtime/event"
	loggingpkg "github.com/drblury/holdflow/internal/runtime/logging"
)

// Options configures a Governance instance.
type Options struct {
	EnforceIsolation bool
	EnforceCost      bool
	AuditAll         bool
	Strict           bool
	Budget           BudgetConfig
	// DataPath holds cost/cost_records.jsonl and audit/audit_trail.jsonl.
	DataPath        string
	AuditBufferSize int
	Logger          loggingpkg.ServiceLogger
	Clock           func() time.Time
}

// OptionsFromSettings maps the governance section of the settings.
func OptionsFromSettings(cfg *configpkg.Config) Options {
	return Options{
		EnforceIsolation: cfg.EnforceHoldIsolation,
		EnforceCost:      cfg.EnforceCostLimits,
		AuditAll:         cfg.AuditAllOperations,
		Strict:           cfg.StrictMode(),
		Budget:           BudgetConfigFromSettings(cfg),
		DataPath:         cfg.GovernanceRoot,
		AuditBufferSize:  cfg.AuditBufferSize,
	}
}

// Governance combines HOLD isolation, cost enforcement and the audit trail
// behind a single gate.
type Governance struct {
	opts      Options
	logger    loggingpkg.ServiceLogger
	Isolation *Isolation
	Cost      *CostEnforcer
	Audit     *AuditTrail
}

// New builds the three components under opts.DataPath.
func New(opts Options) (*Governance, error) {
	if opts.DataPath == "" {
		return nil, errors.New("governance data path is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = loggingpkg.Discard()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	isolation := NewIsolation(opts.Strict, logger.With(loggingpkg.LogFields{"component": "hold_isolation"}))
	isolation.now = clock

	audit, err := NewAuditTrail(filepath.Join(opts.DataPath, "audit", "audit_trail.jsonl"), opts.AuditBufferSize, logger, WithAuditClock(clock))
	if err != nil {
		return nil, err
	}
	cost, err := NewCostEnforcer(opts.Budget, filepath.Join(opts.DataPath, "cost", "cost_records.jsonl"), logger, WithCostClock(clock))
	if err != nil {
		return nil, err
	}

	logger.Info("governance initialized", loggingpkg.LogFields{
		"enforce_isolation": opts.EnforceIsolation,
		"enforce_cost":      opts.EnforceCost,
		"audit_all":         opts.AuditAll,
		"strict_mode":       opts.Strict,
	})
	return &Governance{
		opts:      opts,
		logger:    logger,
		Isolation: isolation,
		Cost:      cost,
		Audit:     audit,
	}, nil
}

type gateConfig struct {
	path    string
	context map[string]any
}

// GateOption adds audit context to GateOperation.
type GateOption func(*gateConfig)

// WithPath records the file the operation touches.
func WithPath(path string) GateOption {
	return func(c *gateConfig) { c.path = path }
}

// WithContext merges extra fields into the audit context.
func WithContext(fields map[string]any) GateOption {
	return func(c *gateConfig) {
		for k, v := range fields {
			c.context[k] = v
		}
	}
}

// GateOperation checks HOLD isolation for the triple. A denial is recorded as
// a violation; an allowed operation is audited when AuditAll is set.
func (g *Governance) GateOperation(ctx context.Context, operation, source, target string, opts ...GateOption) bool {
	cfg := gateConfig{context: map[string]any{}}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.context["run_id"] = event.CurrentRunID(ctx)
	if cfg.path != "" {
		cfg.context["path"] = cfg.path
	}

	if g.opts.EnforceIsolation {
		allowed, reason := g.Isolation.CheckWithReason(operation, source, target, cfg.context)
		if !allowed {
			g.Audit.RecordViolation(ctx, source+"_"+operation+"_"+target, reason, "hold_isolation", cfg.context)
			return false
		}
	}
	if g.opts.AuditAll {
		g.Audit.RecordHoldOperation(ctx, operation, target, source, 0, true, cfg.context)
	}
	return true
}

// CheckCost reports whether a call with the estimated cost may proceed.
func (g *Governance) CheckCost(ctx context.Context, service, operation string, estimated decimal.Decimal) bool {
	return g.CostDecision(ctx, service, operation, estimated).Allowed
}

// CostDecision is CheckCost with the full decision. Denials are audited as
// cost warnings.
func (g *Governance) CostDecision(ctx context.Context, service, operation string, estimated decimal.Decimal) Decision {
	if !g.opts.EnforceCost {
		return Decision{Allowed: true, Action: configpkg.ActionAllow, Reason: "cost enforcement disabled"}
	}
	d := g.Cost.Check(ctx, service, operation, estimated)
	if !d.Allowed {
		g.Audit.Record(ctx, AuditRecord{
			Operation:    service + "_" + operation,
			Component:    "cost_enforcer",
			Level:        LevelWarning,
			Category:     CategoryCost,
			Success:      false,
			ErrorMessage: d.Reason,
			Context: map[string]any{
				"estimated_cost": estimated.String(),
				"action":         d.Action,
				"dimension":      d.Dimension,
			},
		})
	}
	return d
}

// RecordCost stores the actual spend of a call and audits it.
func (g *Governance) RecordCost(ctx context.Context, service, operation string, cost decimal.Decimal, tokensIn, tokensOut int, context map[string]any) error {
	rec, err := g.Cost.Record(ctx, CostRecord{
		Service:   service,
		Operation: operation,
		CostUSD:   cost,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
		Context:   context,
	})
	if err != nil {
		return err
	}
	g.Audit.RecordCost(ctx, rec.Service, operation, cost.String(), map[string]any{
		"tokens_in":  tokensIn,
		"tokens_out": tokensOut,
	})
	return nil
}

// AgentAction describes one transformation pass over a service's layers.
type AgentAction struct {
	Action        string
	Component     string
	InputRecords  int
	OutputRecords int
	Success       bool
	ErrorMessage  string
	Context       map[string]any
}

// RecordAgentAction audits a transformation pass.
func (g *Governance) RecordAgentAction(ctx context.Context, a AgentAction) {
	c := cloneContext(a.Context)
	c["input_records"] = a.InputRecords
	c["output_records"] = a.OutputRecords
	level := LevelInfo
	if !a.Success {
		level = LevelError
	}
	g.Audit.Record(ctx, AuditRecord{
		Operation:    a.Action,
		Component:    a.Component,
		Category:     CategoryAgentAction,
		Level:        level,
		Success:      a.Success,
		ErrorMessage: a.ErrorMessage,
		Context:      c,
	})
}

// Status reports configuration and component state.
func (g *Governance) Status() map[string]any {
	return map[string]any{
		"config": map[string]any{
			"enforce_hold_isolation": g.opts.EnforceIsolation,
			"enforce_cost_limits":    g.opts.EnforceCost,
			"audit_all_operations":   g.opts.AuditAll,
			"strict_mode":            g.opts.Strict,
		},
		"hold_isolation": g.Isolation.Stats(),
		"audit_trail":    g.Audit.Stats(),
		"cost":           g.Cost.Status(),
	}
}

// Flush writes buffered audit records.
func (g *Governance) Flush() error {
	_, err := g.Audit.Flush()
	return err
}

// Close flushes buffers. The instance stays usable.
func (g *Governance) Close() error {
	return g.Audit.Close()
}

var (
	defaultMu  sync.Mutex
	defaultGov *Governance
)

// Default returns the process-wide instance, building it from the current
// settings on first use.
func Default() (*Governance, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultGov != nil {
		return defaultGov, nil
	}
	cfg, err := configpkg.Current()
	if err != nil {
		return nil, err
	}
	g, err := New(OptionsFromSettings(cfg))
	if err != nil {
		return nil, err
	}
	defaultGov = g
	return g, nil
}

// SetDefault installs g as the process-wide instance.
func SetDefault(g *Governance) {
	defaultMu.Lock()
	defaultGov = g
	defaultMu.Unlock()
}

// ResetDefault flushes and forgets the process-wide instance.
func ResetDefault() error {
	defaultMu.Lock()
	g := defaultGov
	defaultGov = nil
	defaultMu.Unlock()
	if g == nil {
		return nil
	}
	return g.Flush()
}
