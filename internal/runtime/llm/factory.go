package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	configpkg "github.com/drblury/holdflow/internal/runtime/config"
	errspkg "github.com/drblury/holdflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/holdflow/internal/runtime/logging"
	"github.com/drblury/holdflow/internal/runtime/secrets"
)

// FactoryOptions tunes ClientFactory.
type FactoryOptions struct {
	// MockMode forces mock providers regardless of the configured keys.
	MockMode         bool
	Timeout          time.Duration
	AnthropicBaseURL string
	GeminiBaseURL    string
	OpenAIBaseURL    string
	Logger           loggingpkg.ServiceLogger
}

// FactoryOptionsFromSettings copies the LLM section of the settings.
func FactoryOptionsFromSettings(cfg *configpkg.Config) FactoryOptions {
	return FactoryOptions{
		MockMode:         cfg.LLMMockMode,
		Timeout:          cfg.LLMTimeout,
		AnthropicBaseURL: cfg.AnthropicBaseURL,
		GeminiBaseURL:    cfg.GeminiBaseURL,
		OpenAIBaseURL:    cfg.OpenAIBaseURL,
	}
}

// ClientFactory resolves one cached provider per model family from the
// secret accessor. A key carrying the mock prefix selects a MockProvider.
type ClientFactory struct {
	secrets secrets.Accessor
	opts    FactoryOptions
	logger  loggingpkg.ServiceLogger

	mu        sync.Mutex
	providers map[Family]Provider
}

func NewClientFactory(accessor secrets.Accessor, opts FactoryOptions) *ClientFactory {
	logger := opts.Logger
	if logger == nil {
		logger = loggingpkg.Discard()
	}
	return &ClientFactory{
		secrets:   accessor,
		opts:      opts,
		logger:    logger.With(loggingpkg.LogFields{"component": "llm_client_factory"}),
		providers: map[Family]Provider{},
	}
}

// SetProvider installs p for family, replacing any cached provider.
func (f *ClientFactory) SetProvider(family Family, p Provider) {
	f.mu.Lock()
	f.providers[family] = p
	f.mu.Unlock()
}

// ProviderFor returns the provider serving model.
func (f *ClientFactory) ProviderFor(model string) (Provider, error) {
	family := FamilyOf(model)
	if family == FamilyUnknown {
		return nil, &errspkg.LLMError{Provider: "unknown", Model: model, Err: fmt.Errorf("unsupported LLM model: %s", model)}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.providers[family]; ok {
		return p, nil
	}
	p, err := f.build(family)
	if err != nil {
		return nil, &errspkg.LLMError{Provider: string(family), Model: model, Err: err}
	}
	f.providers[family] = p
	return p, nil
}

func (f *ClientFactory) build(family Family) (Provider, error) {
	if f.opts.MockMode {
		f.logger.Warn("using mock llm provider", loggingpkg.LogFields{"family": string(family), "reason": "mock_mode"})
		return &MockProvider{Family: family}, nil
	}

	keyName := map[Family]string{
		FamilyClaude: AnthropicKeyName,
		FamilyGemini: GoogleKeyName,
		FamilyOpenAI: OpenAIKeyName,
	}[family]
	var key string
	var ok bool
	if f.secrets != nil {
		key, ok = f.secrets.Secret(keyName)
	}
	if !ok {
		return nil, fmt.Errorf("%s not configured", keyName)
	}
	if secrets.IsMock(key) {
		f.logger.Warn("using mock llm provider", loggingpkg.LogFields{"family": string(family), "reason": "mock_key"})
		return &MockProvider{Family: family}, nil
	}

	switch family {
	case FamilyClaude:
		return NewAnthropicClient(key, f.opts.AnthropicBaseURL, f.opts.Timeout), nil
	case FamilyGemini:
		return NewGeminiClient(key, f.opts.GeminiBaseURL, f.opts.Timeout), nil
	default:
		return NewOpenAIClient(key, f.opts.OpenAIBaseURL, f.opts.Timeout), nil
	}
}

// Complete dispatches req to its provider. Every failure is an *LLMError.
func (f *ClientFactory) Complete(ctx context.Context, req Request) (Response, error) {
	p, err := f.ProviderFor(req.Model)
	if err != nil {
		return Response{}, err
	}
	resp, err := p.Complete(ctx, req)
	if err != nil {
		var llmErr *errspkg.LLMError
		if errors.As(err, &llmErr) {
			return Response{}, err
		}
		return Response{}, &errspkg.LLMError{Provider: p.Name(), Model: req.Model, Err: err}
	}
	return resp, nil
}

// Reset drops cached providers.
func (f *ClientFactory) Reset() {
	f.mu.Lock()
	f.providers = map[Family]Provider{}
	f.mu.Unlock()
}
