// Package knowledge turns free-text records into structured knowledge atoms
// through a cost-controlled LLM call.
//
// Records flow HOLD1 (raw content) -> LLM extraction -> HOLD2 (knowledge
// atoms). Every record lands in the processed store with a knowledge_status
// of processed, skipped, deferred or failed; only malformed intake lines and
// unexpected panics reach the dead-letter file.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/drblury/holdflow/internal/runtime"
	errspkg "github.com/drblury/holdflow/internal/runtime/errors"
	"github.com/drblury/holdflow/internal/runtime/factory"
	idspkg "github.com/drblury/holdflow/internal/runtime/ids"
	"github.com/drblury/holdflow/internal/runtime/jsoncodec"
	"github.com/drblury/holdflow/internal/runtime/llm"
	loggingpkg "github.com/drblury/holdflow/internal/runtime/logging"
	"github.com/drblury/holdflow/internal/runtime/secrets"
	"github.com/drblury/holdflow/internal/runtime/store"
)

// ServiceName is the registry and directory name of the service.
const ServiceName = "knowledge"

// Record outcomes written to knowledge_status.
const (
	StatusProcessed = "processed"
	StatusSkipped   = "skipped"
	StatusDeferred  = "deferred"
	StatusFailed    = "failed"
)

// Reasons written to knowledge_reason.
const (
	ReasonNoContent    = "no_content"
	ReasonEmptyContent = "empty_content"
	ReasonCostLimit    = "cost_limit"
)

const (
	DefaultMaxTokens    = 1024
	DefaultSystemPrompt = "You are a knowledge extraction assistant."

	contentHashLength = 16
	llmOperation      = "llm_call"
)

// Options overrides the session settings. Zero values take them from the
// runtime settings.
type Options struct {
	Model          string
	MaxCostUSD     decimal.Decimal
	MaxCalls       int
	RateLimitDelay time.Duration
}

// Request is one CallLLM invocation. MaxTokens defaults to 1024 and Model to
// the service default.
type Request struct {
	Prompt    string
	System    string
	MaxTokens int
	Model     string
}

// Result is the normalized answer of CallLLM.
type Result struct {
	Text         string          `json:"text"`
	InputTokens  int             `json:"input_tokens"`
	OutputTokens int             `json:"output_tokens"`
	CostUSD      decimal.Decimal `json:"cost_usd"`
	Model        string          `json:"llm_model"`
}

// SessionStats reports spending of the current session.
type SessionStats struct {
	SessionCost     decimal.Decimal `json:"session_cost"`
	SessionCalls    int             `json:"session_calls"`
	MaxCost         decimal.Decimal `json:"max_cost"`
	MaxCalls        int             `json:"max_calls"`
	RemainingBudget decimal.Decimal `json:"remaining_budget"`
	Model           string          `json:"llm_model"`
}

// Service is the knowledge service. It embeds the base runtime and is its
// own Processor.
type Service struct {
	*runtime.BaseService

	opts    Options
	clients *llm.ClientFactory
	limiter *rate.Limiter

	mu           sync.Mutex
	sessionCost  decimal.Decimal
	sessionCalls int
}

// New creates the knowledge service with deps.
func New(ctx context.Context, deps runtime.Dependencies, opts Options) (*Service, error) {
	s := &Service{opts: opts}
	base, err := runtime.NewBase(ctx, ServiceName, s, deps)
	if err != nil {
		return nil, err
	}
	s.BaseService = base
	return s, nil
}

// Register adds the knowledge constructor to r.
func Register(r *factory.Registry, opts Options) error {
	return r.Register(ServiceName, func(ctx context.Context, r *factory.Registry) (factory.Instance, error) {
		return New(ctx, r.Dependencies(), opts)
	}, false)
}

func init() {
	factory.MustRegister(ServiceName, func(ctx context.Context, r *factory.Registry) (factory.Instance, error) {
		return New(ctx, r.Dependencies(), Options{})
	})
}

// OnStartup resolves the session limits and the LLM clients.
func (s *Service) OnStartup(_ context.Context, base *runtime.BaseService) error {
	cfg := base.Settings()
	if s.opts.Model == "" {
		s.opts.Model = cfg.DefaultLLMModel
	}
	if s.opts.MaxCostUSD.IsZero() {
		s.opts.MaxCostUSD = cfg.SessionMaxCostUSD
	}
	if s.opts.MaxCalls == 0 {
		s.opts.MaxCalls = cfg.SessionMaxCalls
	}
	if s.opts.RateLimitDelay == 0 {
		s.opts.RateLimitDelay = cfg.RateLimitDelay
	}

	deps := base.Dependencies()
	s.clients = deps.LLM
	if s.clients == nil {
		accessor := deps.Secrets
		if accessor == nil {
			accessor = secrets.EnvAccessor{}
		}
		opts := llm.FactoryOptionsFromSettings(cfg)
		opts.Logger = base.Logger()
		s.clients = llm.NewClientFactory(accessor, opts)
	}

	limit := rate.Inf
	if s.opts.RateLimitDelay > 0 {
		limit = rate.Every(s.opts.RateLimitDelay)
	}
	s.limiter = rate.NewLimiter(limit, 1)

	base.Logger().Info("Knowledge service initialized", loggingpkg.LogFields{
		"default_llm": s.opts.Model,
		"max_cost":    s.opts.MaxCostUSD.String(),
		"max_calls":   s.opts.MaxCalls,
	})
	return nil
}

// ExtendSchema adds the content_hash, source and knowledge_status columns.
func (s *Service) ExtendSchema(base store.Schema) store.Schema {
	return base.WithColumns(
		store.Column{Name: "content_hash", Type: "TEXT"},
		store.Column{Name: "source", Type: "TEXT"},
		store.Column{Name: "knowledge_status", Type: "TEXT"},
	).WithIndexes("content_hash", "knowledge_status")
}

// CallLLM estimates the cost of req, checks it against the session caps and
// the governance budgets, waits for the rate limiter and dispatches to the
// provider of the model family. The actual cost is added to the session and
// recorded with governance. Budget refusals are *errors.CostLimitError,
// provider failures *errors.LLMError.
func (s *Service) CallLLM(ctx context.Context, req Request) (Result, error) {
	model := req.Model
	if model == "" {
		model = s.opts.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	system := req.System
	if system == "" {
		system = DefaultSystemPrompt
	}
	logger := s.Logger()

	estimatedIn := llm.EstimateTokens(req.Prompt) + llm.EstimateTokens(system)
	estimatedOut := maxTokens / 2
	estimated, known := llm.Cost(model, estimatedIn, estimatedOut)
	if !known {
		logger.Warn("Unknown LLM model for cost estimation", loggingpkg.LogFields{"model": model})
	}

	if err := s.checkSession(estimated); err != nil {
		return Result{}, err
	}
	if g := s.Dependencies().Governance; g != nil {
		if d := g.CostDecision(ctx, ServiceName, llmOperation, estimated); !d.Allowed {
			return Result{}, &errspkg.CostLimitError{Service: ServiceName, Operation: llmOperation, Reason: d.Reason}
		}
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return Result{}, err
	}

	resp, err := s.clients.Complete(ctx, llm.Request{
		Model:     model,
		System:    system,
		Prompt:    req.Prompt,
		MaxTokens: maxTokens,
	})
	if err != nil {
		logger.Error("LLM call failed", err, loggingpkg.LogFields{"model": model})
		return Result{}, err
	}

	in, out := resp.InputTokens, resp.OutputTokens
	if in == 0 {
		in = estimatedIn
	}
	if out == 0 && resp.Text != "" {
		out = llm.EstimateTokens(resp.Text)
	}
	actual, _ := llm.Cost(model, in, out)

	s.mu.Lock()
	s.sessionCost = s.sessionCost.Add(actual)
	s.sessionCalls++
	sessionCost, sessionCalls := s.sessionCost, s.sessionCalls
	s.mu.Unlock()

	if g := s.Dependencies().Governance; g != nil {
		if err := g.RecordCost(ctx, ServiceName, llmOperation, actual, in, out, map[string]any{"model": model}); err != nil {
			logger.Warn("Cost record failed", loggingpkg.LogFields{"error": err.Error()})
		}
	}
	logger.Info("LLM call completed", loggingpkg.LogFields{
		"model":         model,
		"input_tokens":  in,
		"output_tokens": out,
		"cost":          actual.String(),
		"session_cost":  sessionCost.String(),
		"session_calls": sessionCalls,
	})
	return Result{Text: resp.Text, InputTokens: in, OutputTokens: out, CostUSD: actual, Model: model}, nil
}

func (s *Service) checkSession(estimated decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sessionCost.Add(estimated).GreaterThan(s.opts.MaxCostUSD) {
		return &errspkg.CostLimitError{
			Service:   ServiceName,
			Operation: llmOperation,
			Reason: fmt.Sprintf("request would exceed session cost limit (current $%s, estimated $%s, limit $%s)",
				s.sessionCost.StringFixed(4), estimated.StringFixed(4), s.opts.MaxCostUSD.StringFixed(2)),
		}
	}
	if s.opts.MaxCalls > 0 && s.sessionCalls >= s.opts.MaxCalls {
		return &errspkg.CostLimitError{
			Service:   ServiceName,
			Operation: llmOperation,
			Reason:    fmt.Sprintf("session call limit reached (%d calls)", s.opts.MaxCalls),
		}
	}
	return nil
}

// Process extracts a knowledge atom from record["content"]. Outcomes are
// written onto the record; Process itself only fails on a cancelled context.
func (s *Service) Process(ctx context.Context, record map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(record)+6)
	for k, v := range record {
		out[k] = v
	}

	raw, present := record["content"]
	if !present || raw == nil {
		out["knowledge_status"] = StatusSkipped
		out["knowledge_reason"] = ReasonNoContent
		return out, nil
	}
	content, ok := raw.(string)
	if !ok {
		content = fmt.Sprint(raw)
	}
	if content == "" {
		out["knowledge_status"] = StatusSkipped
		out["knowledge_reason"] = ReasonEmptyContent
		return out, nil
	}

	hash := ContentHash(content)
	out["content_hash"] = hash

	res, err := s.CallLLM(ctx, Request{Prompt: ExtractionPrompt(content)})
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil, err
	case errors.Is(err, errspkg.ErrCostLimit):
		s.Logger().Warn("Cost limit reached", loggingpkg.LogFields{"content_hash": hash, "reason": err.Error()})
		out["knowledge_status"] = StatusDeferred
		out["knowledge_reason"] = ReasonCostLimit
		return out, nil
	case err != nil:
		out["knowledge_status"] = StatusFailed
		out["knowledge_error"] = err.Error()
		return out, nil
	}

	extraction, err := ParseExtraction(res.Text)
	if err != nil {
		s.Logger().Error("LLM output is not JSON", err, loggingpkg.LogFields{"content_hash": hash})
		out["knowledge_status"] = StatusFailed
		out["knowledge_error"] = err.Error()
		return out, nil
	}

	out["knowledge_status"] = StatusProcessed
	out["extraction"] = extraction
	out["llm_model"] = res.Model
	out["llm_cost"] = res.CostUSD.InexactFloat64()
	out["llm_tokens"] = map[string]any{
		"input":  res.InputTokens,
		"output": res.OutputTokens,
	}
	return out, nil
}

// SessionStats returns the session counters and limits.
func (s *Service) SessionStats() SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionStats{
		SessionCost:     s.sessionCost,
		SessionCalls:    s.sessionCalls,
		MaxCost:         s.opts.MaxCostUSD,
		MaxCalls:        s.opts.MaxCalls,
		RemainingBudget: s.opts.MaxCostUSD.Sub(s.sessionCost),
		Model:           s.opts.Model,
	}
}

// ResetSession zeroes the session counters.
func (s *Service) ResetSession() {
	s.mu.Lock()
	s.sessionCost = decimal.Zero
	s.sessionCalls = 0
	s.mu.Unlock()
	s.Logger().Info("Session reset", nil)
}

// ContentHash is the 16 hex character identity of content.
func ContentHash(content string) string {
	return idspkg.HashHex([]byte(content), contentHashLength)
}

// ExtractionPrompt asks for a summary/entities/themes JSON object.
func ExtractionPrompt(content string) string {
	return `Analyze the following content and extract a structured knowledge atom in JSON format.
The JSON object should include:
- "summary": A concise summary of the content.
- "entities": A list of key people, places, and organizations.
- "themes": A list of the main themes or topics.

Content to analyze:
---
` + content + `
---
`
}

// ParseExtraction decodes model output as JSON, tolerating a surrounding
// markdown code fence.
func ParseExtraction(text string) (any, error) {
	body := strings.TrimSpace(text)
	if strings.HasPrefix(body, "```") {
		body = strings.TrimPrefix(body, "```")
		if nl := strings.IndexByte(body, '\n'); nl >= 0 {
			body = body[nl+1:]
		} else {
			body = strings.TrimPrefix(body, "json")
		}
		body = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(body), "```"))
	}
	if body == "" {
		return nil, errors.New("empty LLM response")
	}
	var v any
	if err := jsoncodec.Unmarshal([]byte(body), &v); err != nil {
		return nil, fmt.Errorf("decode LLM response: %w", err)
	}
	return v, nil
}
