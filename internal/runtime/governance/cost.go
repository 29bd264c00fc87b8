package governance

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	configpkg "github.com/drblury/holdflow/internal/runtime/config"
	"github.com/drblury/holdflow/internal/runtime/event"
	"github.com/drblury/holdflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/holdflow/internal/runtime/logging"
)

// BudgetConfig holds the USD budgets and threshold actions. A budget that is
// zero or negative disables its dimension.
type BudgetConfig struct {
	Daily         decimal.Decimal
	Monthly       decimal.Decimal
	PerRun        decimal.Decimal
	Services      map[string]decimal.Decimal
	SoftThreshold decimal.Decimal
	HardThreshold decimal.Decimal
	SoftAction    string
	HardAction    string
}

// DefaultBudgetConfig returns 10/100/1 USD with warn at 80% and deny at 100%.
func DefaultBudgetConfig() BudgetConfig {
	return BudgetConfig{
		Daily:         decimal.RequireFromString("10.00"),
		Monthly:       decimal.RequireFromString("100.00"),
		PerRun:        decimal.RequireFromString("1.00"),
		Services:      map[string]decimal.Decimal{},
		SoftThreshold: decimal.RequireFromString("0.8"),
		HardThreshold: decimal.RequireFromString("1.0"),
		SoftAction:    configpkg.ActionWarn,
		HardAction:    configpkg.ActionDeny,
	}
}

// BudgetConfigFromSettings copies the budget section of the settings.
func BudgetConfigFromSettings(cfg *configpkg.Config) BudgetConfig {
	services := make(map[string]decimal.Decimal, len(cfg.ServiceBudgetsUSD))
	for k, v := range cfg.ServiceBudgetsUSD {
		services[k] = v
	}
	return BudgetConfig{
		Daily:         cfg.DailyBudgetUSD,
		Monthly:       cfg.MonthlyBudgetUSD,
		PerRun:        cfg.PerRunBudgetUSD,
		Services:      services,
		SoftThreshold: cfg.SoftLimitThreshold,
		HardThreshold: cfg.HardLimitThreshold,
		SoftAction:    strings.ToLower(cfg.SoftLimitAction),
		HardAction:    strings.ToLower(cfg.HardLimitAction),
	}
}

// CostRecord is one line of the cost file.
type CostRecord struct {
	Timestamp time.Time       `json:"timestamp"`
	RunID     string          `json:"run_id"`
	Service   string          `json:"service"`
	Operation string          `json:"operation"`
	CostUSD   decimal.Decimal `json:"cost_usd"`
	TokensIn  int             `json:"tokens_in"`
	TokensOut int             `json:"tokens_out"`
	Context   map[string]any  `json:"context,omitempty"`
}

// Decision is the outcome of a cost check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Action  string `json:"action"`
	Reason  string `json:"reason"`
	// Dimension names the budget that produced the action: daily, monthly,
	// per_run or service. Empty when within budget.
	Dimension string `json:"dimension,omitempty"`
}

// CostEnforcer gates spending against the configured budgets and keeps
// running totals rebuilt from the cost file on startup.
type CostEnforcer struct {
	cfg    BudgetConfig
	path   string
	logger loggingpkg.ServiceLogger
	now    func() time.Time

	mu            sync.Mutex
	day           time.Time
	month         time.Time
	dailyTotal    decimal.Decimal
	monthlyTotal  decimal.Decimal
	runTotals     map[string]decimal.Decimal
	serviceTotals map[string]decimal.Decimal
	records       int
	skipped       int
}

// CostOption customises a CostEnforcer.
type CostOption func(*CostEnforcer)

// WithCostClock replaces time.Now, which drives day and month rollover.
func WithCostClock(now func() time.Time) CostOption {
	return func(c *CostEnforcer) { c.now = now }
}

// NewCostEnforcer opens the cost file at path, creating its directory, and
// rebuilds today's and this month's totals from it.
func NewCostEnforcer(cfg BudgetConfig, path string, logger loggingpkg.ServiceLogger, opts ...CostOption) (*CostEnforcer, error) {
	if logger == nil {
		logger = loggingpkg.Discard()
	}
	if cfg.Services == nil {
		cfg.Services = map[string]decimal.Decimal{}
	}
	c := &CostEnforcer{
		cfg:           cfg,
		path:          path,
		logger:        logger.With(loggingpkg.LogFields{"component": "cost_enforcer"}),
		now:           time.Now,
		runTotals:     map[string]decimal.Decimal{},
		serviceTotals: map[string]decimal.Decimal{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cost directory: %w", err)
	}

	c.day, c.month = periodStarts(c.now())
	if err := c.load(); err != nil {
		return nil, err
	}
	c.logger.Info("cost enforcer initialized", loggingpkg.LogFields{
		"daily_budget":   cfg.Daily.String(),
		"monthly_budget": cfg.Monthly.String(),
		"daily_total":    c.dailyTotal.String(),
		"monthly_total":  c.monthlyTotal.String(),
	})
	return c, nil
}

func periodStarts(now time.Time) (day, month time.Time) {
	now = now.UTC()
	day = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	month = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return day, month
}

// load replays the cost file. Lines that fail to parse are skipped.
func (c *CostEnforcer) load() error {
	f, err := os.Open(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open cost file: %w", err)
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	lineNo := 0
	for {
		line, readErr := reader.ReadBytes('\n')
		if len(line) > 0 {
			lineNo++
			c.replay(line, lineNo)
		}
		if readErr != nil {
			break
		}
	}
	return nil
}

func (c *CostEnforcer) replay(line []byte, lineNo int) {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return
	}
	var rec CostRecord
	if err := jsoncodec.Unmarshal([]byte(trimmed), &rec); err != nil || rec.Timestamp.IsZero() {
		c.skipped++
		c.logger.Warn("skipping invalid cost record", loggingpkg.LogFields{"line": lineNo, "path": c.path})
		return
	}
	ts := rec.Timestamp.UTC()
	if ts.Before(c.month) {
		return
	}
	c.monthlyTotal = c.monthlyTotal.Add(rec.CostUSD)
	if ts.Before(c.day) {
		return
	}
	c.dailyTotal = c.dailyTotal.Add(rec.CostUSD)
	c.serviceTotals[orUnknown(rec.Service)] = c.serviceTotals[orUnknown(rec.Service)].Add(rec.CostUSD)
	c.runTotals[orUnknown(rec.RunID)] = c.runTotals[orUnknown(rec.RunID)].Add(rec.CostUSD)
	c.records++
}

// rollover resets counters when the UTC day or month changed. Caller holds mu.
func (c *CostEnforcer) rollover() {
	day, month := periodStarts(c.now())
	if month.After(c.month) {
		c.month = month
		c.monthlyTotal = decimal.Zero
	}
	if day.After(c.day) {
		c.day = day
		c.dailyTotal = decimal.Zero
		c.serviceTotals = map[string]decimal.Decimal{}
	}
}

type dimension struct {
	name   string
	label  string
	spent  decimal.Decimal
	budget decimal.Decimal
}

// Check evaluates the daily, monthly, per-run and per-service budgets for an
// estimated cost. A hard-threshold crossing with the deny action refuses the
// call; any other crossing is reported through Action and Reason.
func (c *CostEnforcer) Check(ctx context.Context, service, operation string, estimated decimal.Decimal) Decision {
	runID := event.CurrentRunID(ctx)

	c.mu.Lock()
	c.rollover()
	dims := []dimension{
		{"daily", "Daily budget", c.dailyTotal, c.cfg.Daily},
		{"monthly", "Monthly budget", c.monthlyTotal, c.cfg.Monthly},
		{"per_run", "Per-run budget", c.runTotals[runID], c.cfg.PerRun},
	}
	if budget, ok := c.cfg.Services[service]; ok {
		dims = append(dims, dimension{"service", "Service budget for " + service, c.serviceTotals[service], budget})
	}
	c.mu.Unlock()

	result := Decision{Allowed: true, Action: configpkg.ActionAllow, Reason: "within_budget"}
	for _, d := range dims {
		if !d.budget.IsPositive() {
			continue
		}
		after := d.spent.Add(estimated)
		ratio := after.Div(d.budget)
		switch {
		case ratio.GreaterThanOrEqual(c.cfg.HardThreshold):
			reason := fmt.Sprintf("%s exceeded: $%s / $%s", d.label, after.StringFixed(2), d.budget.StringFixed(2))
			decision := c.apply(c.cfg.HardAction, reason, d.name)
			if !decision.Allowed {
				c.logger.Warn("cost denied", loggingpkg.LogFields{
					"service":   service,
					"operation": operation,
					"run_id":    runID,
					"reason":    reason,
				})
				return decision
			}
			if result.Action == configpkg.ActionAllow {
				result = decision
			}
		case ratio.GreaterThanOrEqual(c.cfg.SoftThreshold):
			reason := fmt.Sprintf("%s warning: $%s / $%s", d.label, after.StringFixed(2), d.budget.StringFixed(2))
			decision := c.apply(c.cfg.SoftAction, reason, d.name)
			if !decision.Allowed {
				return decision
			}
			if result.Action == configpkg.ActionAllow {
				result = decision
			}
		}
	}
	if result.Action != configpkg.ActionAllow {
		c.logger.Warn("cost warning", loggingpkg.LogFields{
			"service":   service,
			"operation": operation,
			"run_id":    runID,
			"reason":    result.Reason,
			"action":    result.Action,
		})
	}
	return result
}

func (c *CostEnforcer) apply(action, reason, dimension string) Decision {
	switch action {
	case configpkg.ActionDeny:
		return Decision{Allowed: false, Action: action, Reason: reason, Dimension: dimension}
	case configpkg.ActionAllow:
		return Decision{Allowed: true, Action: configpkg.ActionAllow, Reason: "within_budget"}
	default:
		return Decision{Allowed: true, Action: action, Reason: reason, Dimension: dimension}
	}
}

// Record appends rec to the cost file and updates the totals. Missing
// timestamp and run id are filled from the clock and ctx.
func (c *CostEnforcer) Record(ctx context.Context, rec CostRecord) (CostRecord, error) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = c.now()
	}
	rec.Timestamp = rec.Timestamp.UTC()
	if rec.RunID == "" {
		rec.RunID = event.CurrentRunID(ctx)
	}
	rec.Service = orUnknown(rec.Service)

	line, err := jsoncodec.MarshalLine(rec)
	if err != nil {
		return rec, fmt.Errorf("encode cost record: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := os.OpenFile(c.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return rec, fmt.Errorf("open cost file: %w", err)
	}
	_, writeErr := f.Write(line)
	closeErr := f.Close()
	if err := errors.Join(writeErr, closeErr); err != nil {
		return rec, fmt.Errorf("append cost record: %w", err)
	}

	c.rollover()
	c.dailyTotal = c.dailyTotal.Add(rec.CostUSD)
	c.monthlyTotal = c.monthlyTotal.Add(rec.CostUSD)
	c.runTotals[rec.RunID] = c.runTotals[rec.RunID].Add(rec.CostUSD)
	c.serviceTotals[rec.Service] = c.serviceTotals[rec.Service].Add(rec.CostUSD)
	c.records++

	c.logger.Debug("cost recorded", loggingpkg.LogFields{
		"service":    rec.Service,
		"operation":  rec.Operation,
		"cost":       rec.CostUSD.String(),
		"run_id":     rec.RunID,
		"tokens_in":  rec.TokensIn,
		"tokens_out": rec.TokensOut,
	})
	return rec, nil
}

// DailyTotal returns today's spend.
func (c *CostEnforcer) DailyTotal() decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollover()
	return c.dailyTotal
}

// MonthlyTotal returns this month's spend.
func (c *CostEnforcer) MonthlyTotal() decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollover()
	return c.monthlyTotal
}

// RunTotal returns the spend of runID, or of the current run when empty.
func (c *CostEnforcer) RunTotal(ctx context.Context, runID string) decimal.Decimal {
	if runID == "" {
		runID = event.CurrentRunID(ctx)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runTotals[runID]
}

// ServiceTotal returns today's spend of service.
func (c *CostEnforcer) ServiceTotal(service string) decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollover()
	return c.serviceTotals[service]
}

// WithinBudget is false once the daily or monthly total reaches its budget
// scaled by the hard threshold.
func (c *CostEnforcer) WithinBudget() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollover()
	return c.withinBudgetLocked()
}

// BudgetStatus describes one budget dimension.
type BudgetStatus struct {
	Spent       string  `json:"spent"`
	Budget      string  `json:"budget"`
	Remaining   string  `json:"remaining"`
	Utilization float64 `json:"utilization"`
}

func budgetStatus(spent, budget decimal.Decimal) BudgetStatus {
	s := BudgetStatus{
		Spent:     spent.String(),
		Budget:    budget.String(),
		Remaining: budget.Sub(spent).String(),
	}
	if budget.IsPositive() {
		s.Utilization = spent.Div(budget).InexactFloat64()
	}
	return s
}

// Status reports daily and monthly utilisation plus today's per-service spend.
func (c *CostEnforcer) Status() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollover()

	services := make(map[string]string, len(c.serviceTotals))
	for k, v := range c.serviceTotals {
		services[k] = v.String()
	}
	return map[string]any{
		"daily":    budgetStatus(c.dailyTotal, c.cfg.Daily),
		"monthly":  budgetStatus(c.monthlyTotal, c.cfg.Monthly),
		"services": services,
	}
}

// Stats summarises the enforcer for status reports.
func (c *CostEnforcer) Stats() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollover()

	runs := make([]string, 0, len(c.runTotals))
	for id := range c.runTotals {
		runs = append(runs, id)
	}
	sort.Strings(runs)
	return map[string]any{
		"records":         c.records,
		"skipped_lines":   c.skipped,
		"daily_total":     c.dailyTotal.String(),
		"monthly_total":   c.monthlyTotal.String(),
		"runs":            runs,
		"within_budget":   c.withinBudgetLocked(),
		"storage_path":    c.path,
		"soft_threshold":  c.cfg.SoftThreshold.String(),
		"hard_threshold":  c.cfg.HardThreshold.String(),
		"hard_limit_deny": c.cfg.HardAction == configpkg.ActionDeny,
	}
}

func (c *CostEnforcer) withinBudgetLocked() bool {
	if c.cfg.Daily.IsPositive() && c.dailyTotal.GreaterThanOrEqual(c.cfg.Daily.Mul(c.cfg.HardThreshold)) {
		return false
	}
	if c.cfg.Monthly.IsPositive() && c.monthlyTotal.GreaterThanOrEqual(c.cfg.Monthly.Mul(c.cfg.HardThreshold)) {
		return false
	}
	return true
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
