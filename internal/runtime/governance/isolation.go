package governance

import (
	"fmt"
	"strings"
	"sync"
	"time"

	errspkg "github.com/drblury/holdflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/holdflow/internal/runtime/logging"
)

// Operations understood by the isolation policy.
const (
	OpRead   = "read"
	OpWrite  = "write"
	OpAppend = "append"
	OpDelete = "delete"
	OpModify = "modify"
)

// HOLD layers.
const (
	LayerHold1   = "hold1"
	LayerHold2   = "hold2"
	LayerStaging = "staging"
)

// Source roles. A service name may also be used as a source once the policy
// has explicit entries for it.
const (
	SourceExternal = "external"
	SourceAgent    = "agent"
	SourceConsumer = "consumer"
)

// Flow is one (source, operation, target) triple.
type Flow struct {
	Source    string `json:"source"`
	Operation string `json:"operation"`
	Target    string `json:"target"`
}

func (f Flow) String() string {
	return fmt.Sprintf("%s -> %s -> %s", f.Source, f.Operation, f.Target)
}

type rule struct {
	allowed bool
	reason  string
}

// Violation is a denied flow kept for inspection.
type Violation struct {
	Timestamp time.Time      `json:"timestamp"`
	Flow      Flow           `json:"flow"`
	Reason    string         `json:"reason"`
	Context   map[string]any `json:"context,omitempty"`
}

const (
	reasonExternalToHold2 = "HOLD2 cannot receive direct external writes - must go through AGENT"
	reasonHold2Immutable  = "HOLD2 is immutable - modifications not allowed"
	reasonConsumerReadsH2 = "Consumers can only read from HOLD2"
	reasonConsumerSkipsH1 = "Consumers should read from HOLD2, not HOLD1"
	reasonExternalStaging = "staging is private to the owning service"
)

func defaultRules() map[Flow]rule {
	allow := rule{allowed: true}
	return map[Flow]rule{
		{SourceExternal, OpWrite, LayerHold1}:    allow,
		{SourceExternal, OpAppend, LayerHold1}:   allow,
		{SourceAgent, OpRead, LayerHold1}:        allow,
		{SourceAgent, OpWrite, LayerHold2}:       allow,
		{SourceAgent, OpAppend, LayerHold2}:      allow,
		{SourceAgent, OpRead, LayerStaging}:      allow,
		{SourceAgent, OpWrite, LayerStaging}:     allow,
		{SourceAgent, OpAppend, LayerStaging}:    allow,
		{SourceConsumer, OpRead, LayerHold2}:     allow,
		{SourceExternal, OpWrite, LayerHold2}:    {reason: reasonExternalToHold2},
		{SourceExternal, OpModify, LayerHold2}:   {reason: reasonHold2Immutable},
		{SourceAgent, OpModify, LayerHold2}:      {reason: reasonHold2Immutable},
		{SourceConsumer, OpWrite, LayerHold2}:    {reason: reasonConsumerReadsH2},
		{SourceConsumer, OpRead, LayerHold1}:     {reason: reasonConsumerSkipsH1},
		{SourceExternal, OpWrite, LayerStaging}:  {reason: reasonExternalStaging},
		{SourceExternal, OpAppend, LayerStaging}: {reason: reasonExternalStaging},
	}
}

// Isolation decides who may touch which HOLD layer.
type Isolation struct {
	strict bool
	logger loggingpkg.ServiceLogger
	now    func() time.Time

	mu         sync.RWMutex
	rules      map[Flow]rule
	violations []Violation
}

// NewIsolation returns the default policy. In strict mode unknown triples are
// denied; otherwise they are allowed with a warning.
func NewIsolation(strict bool, logger loggingpkg.ServiceLogger) *Isolation {
	if logger == nil {
		logger = loggingpkg.Discard()
	}
	return &Isolation{
		strict: strict,
		logger: logger,
		now:    time.Now,
		rules:  defaultRules(),
	}
}

// Strict reports the enforcement mode.
func (i *Isolation) Strict() bool { return i.strict }

// Allow adds or replaces an allowing entry.
func (i *Isolation) Allow(source, operation, target string) {
	i.set(Flow{normalize(source), normalize(operation), normalize(target)}, rule{allowed: true})
}

// Deny adds or replaces a denying entry.
func (i *Isolation) Deny(source, operation, target, reason string) {
	i.set(Flow{normalize(source), normalize(operation), normalize(target)}, rule{reason: reason})
}

func (i *Isolation) set(f Flow, r rule) {
	i.mu.Lock()
	i.rules[f] = r
	i.mu.Unlock()
}

// Check reports whether the triple is allowed.
func (i *Isolation) Check(operation, source, target string, context map[string]any) bool {
	allowed, _ := i.CheckWithReason(operation, source, target, context)
	return allowed
}

// CheckWithReason evaluates the triple and records a violation on denial.
func (i *Isolation) CheckWithReason(operation, source, target string, context map[string]any) (bool, string) {
	f := Flow{Source: normalize(source), Operation: normalize(operation), Target: normalize(target)}

	if !knownOperation(f.Operation) {
		reason := "unknown operation type: " + operation
		i.recordViolation(f, reason, context)
		return false, reason
	}
	if !knownLayer(f.Target) {
		reason := "unknown HOLD layer: " + target
		i.recordViolation(f, reason, context)
		return false, reason
	}

	i.mu.RLock()
	r, found := i.rules[f]
	i.mu.RUnlock()

	if found {
		if r.allowed {
			i.logger.Debug("isolation check passed", loggingpkg.LogFields{"source": f.Source, "operation": f.Operation, "target": f.Target})
			return true, "allowed"
		}
		reason := r.reason
		if reason == "" {
			reason = "flow not allowed: " + f.String()
		}
		i.recordViolation(f, reason, context)
		return false, reason
	}

	if i.strict {
		reason := "unknown flow not allowed in strict mode: " + f.String()
		i.recordViolation(f, reason, context)
		return false, reason
	}
	i.logger.Warn("unknown flow allowed (permissive)", loggingpkg.LogFields{"source": f.Source, "operation": f.Operation, "target": f.Target})
	return true, "allowed (permissive)"
}

// AssertAllowed returns a *PermissionError when the triple is denied.
func (i *Isolation) AssertAllowed(operation, source, target string) error {
	if allowed, reason := i.CheckWithReason(operation, source, target, nil); !allowed {
		return &errspkg.PermissionError{Operation: operation, Source: source, Target: target, Reason: reason}
	}
	return nil
}

func (i *Isolation) recordViolation(f Flow, reason string, context map[string]any) {
	v := Violation{Timestamp: i.now().UTC(), Flow: f, Reason: reason, Context: context}
	i.mu.Lock()
	i.violations = append(i.violations, v)
	i.mu.Unlock()
	i.logger.Warn("HOLD isolation violation", loggingpkg.LogFields{
		"reason":    reason,
		"source":    f.Source,
		"operation": f.Operation,
		"target":    f.Target,
	})
}

// Violations returns a copy of the denied flows seen so far.
func (i *Isolation) Violations() []Violation {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return append([]Violation(nil), i.violations...)
}

// ClearViolations drops the recorded violations and returns how many there were.
func (i *Isolation) ClearViolations() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	n := len(i.violations)
	i.violations = nil
	return n
}

// Stats summarises the policy for status reports.
func (i *Isolation) Stats() map[string]any {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return map[string]any{
		"strict_mode": i.strict,
		"rules":       len(i.rules),
		"violations":  len(i.violations),
	}
}

func normalize(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func knownOperation(op string) bool {
	switch op {
	case OpRead, OpWrite, OpAppend, OpDelete, OpModify:
		return true
	}
	return false
}

func knownLayer(layer string) bool {
	switch layer {
	case LayerHold1, LayerHold2, LayerStaging:
		return true
	}
	return false
}
