package governance

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/drblury/holdflow/internal/runtime/event"
	idspkg "github.com/drblury/holdflow/internal/runtime/ids"
	"github.com/drblury/holdflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/holdflow/internal/runtime/logging"
)

// Level is the severity of an audit record.
type Level string

const (
	LevelDebug     Level = "debug"
	LevelInfo      Level = "info"
	LevelWarning   Level = "warning"
	LevelError     Level = "error"
	LevelCritical  Level = "critical"
	LevelViolation Level = "violation"
)

// Category groups audit records.
type Category string

const (
	CategoryHoldOperation Category = "hold_operation"
	CategoryAgentAction   Category = "agent_action"
	CategoryGovernance    Category = "governance"
	CategoryCost          Category = "cost"
	CategoryFederation    Category = "federation"
	CategorySystem        Category = "system"
)

// DefaultAuditBufferSize is the pending-record count that triggers a flush.
const DefaultAuditBufferSize = 1000

// AuditRecord is one line of the audit file.
type AuditRecord struct {
	AuditID      string         `json:"audit_id"`
	RunID        string         `json:"run_id"`
	Timestamp    time.Time      `json:"timestamp"`
	Level        Level          `json:"level"`
	Category     Category       `json:"category"`
	Operation    string         `json:"operation"`
	Component    string         `json:"component"`
	Target       string         `json:"target,omitempty"`
	Success      bool           `json:"success"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
}

// Filter narrows Query. Zero fields match everything.
type Filter struct {
	Category  Category
	Level     Level
	Component string
	Since     time.Time
	Limit     int
}

// AuditTrail buffers records and appends them to a JSONL file. Queries read
// a bounded window of the most recent records, independent of flushing.
type AuditTrail struct {
	path       string
	bufferSize int
	logger     loggingpkg.ServiceLogger
	now        func() time.Time

	mu      sync.Mutex
	pending []AuditRecord
	recent  []AuditRecord
	total   int
	flushed int
}

// AuditOption customises an AuditTrail.
type AuditOption func(*AuditTrail)

// WithAuditClock replaces time.Now for record timestamps.
func WithAuditClock(now func() time.Time) AuditOption {
	return func(a *AuditTrail) { a.now = now }
}

// NewAuditTrail returns a trail writing to path. bufferSize <= 0 uses the
// default.
func NewAuditTrail(path string, bufferSize int, logger loggingpkg.ServiceLogger, opts ...AuditOption) (*AuditTrail, error) {
	if bufferSize <= 0 {
		bufferSize = DefaultAuditBufferSize
	}
	if logger == nil {
		logger = loggingpkg.Discard()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	a := &AuditTrail{
		path:       path,
		bufferSize: bufferSize,
		logger:     logger.With(loggingpkg.LogFields{"component": "audit_trail"}),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Record stamps id, run id and timestamp on rec and buffers it. The buffer is
// flushed once it reaches its size.
func (a *AuditTrail) Record(ctx context.Context, rec AuditRecord) AuditRecord {
	if rec.AuditID == "" {
		rec.AuditID = idspkg.NewAuditID()
	}
	if rec.RunID == "" {
		rec.RunID = event.CurrentRunID(ctx)
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = a.now()
	}
	rec.Timestamp = rec.Timestamp.UTC()
	if rec.Level == "" {
		rec.Level = LevelInfo
	}
	if rec.Category == "" {
		rec.Category = CategorySystem
	}

	a.mu.Lock()
	a.pending = append(a.pending, rec)
	a.recent = append(a.recent, rec)
	if over := len(a.recent) - a.bufferSize; over > 0 {
		a.recent = append([]AuditRecord(nil), a.recent[over:]...)
	}
	a.total++
	full := len(a.pending) >= a.bufferSize
	a.mu.Unlock()

	if rec.Level == LevelViolation || rec.Level == LevelCritical || rec.Level == LevelError {
		a.logger.Warn("audit record", loggingpkg.LogFields{
			"audit_id":  rec.AuditID,
			"run_id":    rec.RunID,
			"level":     string(rec.Level),
			"operation": rec.Operation,
			"target":    rec.Target,
			"error":     rec.ErrorMessage,
		})
	}
	if full {
		if _, err := a.Flush(); err != nil {
			a.logger.Error("audit auto-flush failed", err, loggingpkg.LogFields{"path": a.path})
		}
	}
	return rec
}

// RecordSuccess records a successful operation at info level.
func (a *AuditTrail) RecordSuccess(ctx context.Context, operation, component string, category Category, context map[string]any) AuditRecord {
	return a.Record(ctx, AuditRecord{
		Operation: operation,
		Component: component,
		Category:  category,
		Level:     LevelInfo,
		Success:   true,
		Context:   context,
	})
}

// RecordFailure records a failed operation at error level.
func (a *AuditTrail) RecordFailure(ctx context.Context, operation, component string, category Category, errMsg string, context map[string]any) AuditRecord {
	return a.Record(ctx, AuditRecord{
		Operation:    operation,
		Component:    component,
		Category:     category,
		Level:        LevelError,
		Success:      false,
		ErrorMessage: errMsg,
		Context:      context,
	})
}

// RecordViolation records a denied operation. component defaults to
// "governance".
func (a *AuditTrail) RecordViolation(ctx context.Context, operation, reason, component string, context map[string]any) AuditRecord {
	if component == "" {
		component = "governance"
	}
	return a.Record(ctx, AuditRecord{
		Operation:    operation,
		Component:    component,
		Category:     CategoryGovernance,
		Level:        LevelViolation,
		Success:      false,
		ErrorMessage: reason,
		Context:      context,
	})
}

// RecordHoldOperation records access to a HOLD layer.
func (a *AuditTrail) RecordHoldOperation(ctx context.Context, operation, layer, component string, records int, success bool, context map[string]any) AuditRecord {
	c := cloneContext(context)
	c["hold_layer"] = layer
	c["records_count"] = records
	level := LevelInfo
	if !success {
		level = LevelError
	}
	return a.Record(ctx, AuditRecord{
		Operation: operation,
		Component: component,
		Target:    layer,
		Category:  CategoryHoldOperation,
		Level:     level,
		Success:   success,
		Context:   c,
	})
}

// RecordCost records spend by a service.
func (a *AuditTrail) RecordCost(ctx context.Context, service, operation, costUSD string, context map[string]any) AuditRecord {
	c := cloneContext(context)
	c["cost_usd"] = costUSD
	return a.Record(ctx, AuditRecord{
		Operation: operation,
		Component: service,
		Category:  CategoryCost,
		Level:     LevelInfo,
		Success:   true,
		Context:   c,
	})
}

// Flush appends pending records to the audit file and returns how many were
// written. Records stay pending when the write fails.
func (a *AuditTrail) Flush() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.pending) == 0 {
		return 0, nil
	}

	buf := make([]byte, 0, len(a.pending)*256)
	for _, rec := range a.pending {
		line, err := jsoncodec.MarshalLine(rec)
		if err != nil {
			return 0, fmt.Errorf("encode audit record %s: %w", rec.AuditID, err)
		}
		buf = append(buf, line...)
	}

	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open audit file: %w", err)
	}
	_, writeErr := f.Write(buf)
	closeErr := f.Close()
	if err := errors.Join(writeErr, closeErr); err != nil {
		return 0, fmt.Errorf("append audit records: %w", err)
	}

	n := len(a.pending)
	a.pending = nil
	a.flushed += n
	a.logger.Debug("audit buffer flushed", loggingpkg.LogFields{"records": n, "path": a.path})
	return n, nil
}

// Close flushes pending records.
func (a *AuditTrail) Close() error {
	_, err := a.Flush()
	return err
}

// Pending returns the number of records not yet written.
func (a *AuditTrail) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Recent returns up to limit records, newest first.
func (a *AuditTrail) Recent(limit int) []AuditRecord {
	return a.Query(Filter{Limit: limit})
}

// Violations returns up to limit violation records, newest first.
func (a *AuditTrail) Violations(limit int) []AuditRecord {
	return a.Query(Filter{Level: LevelViolation, Limit: limit})
}

// Query returns matching records, newest first. A limit <= 0 means 100.
func (a *AuditTrail) Query(f Filter) []AuditRecord {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]AuditRecord, 0, min(limit, len(a.recent)))
	for i := len(a.recent) - 1; i >= 0 && len(out) < limit; i-- {
		rec := a.recent[i]
		if f.Category != "" && rec.Category != f.Category {
			continue
		}
		if f.Level != "" && rec.Level != f.Level {
			continue
		}
		if f.Component != "" && rec.Component != f.Component {
			continue
		}
		if !f.Since.IsZero() && rec.Timestamp.Before(f.Since) {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// Stats summarises the trail for status reports.
func (a *AuditTrail) Stats() map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	violations := 0
	for _, rec := range a.recent {
		if rec.Level == LevelViolation {
			violations++
		}
	}
	return map[string]any{
		"total_records":     a.total,
		"pending":           len(a.pending),
		"flushed":           a.flushed,
		"recent_violations": violations,
		"buffer_size":       a.bufferSize,
		"storage_path":      a.path,
	}
}

func cloneContext(context map[string]any) map[string]any {
	out := make(map[string]any, len(context)+2)
	for k, v := range context {
		out[k] = v
	}
	return out
}
