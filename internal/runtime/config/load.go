package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	errspkg "github.com/drblury/holdflow/internal/runtime/errors"
	pathspkg "github.com/drblury/holdflow/internal/runtime/paths"
)

const (
	// EnvPrefix prefixes every environment variable read by Load.
	EnvPrefix = "HOLDFLOW_"
	// EnvRoot points at the project root; data lives in <root>/data.
	EnvRoot = EnvPrefix + "ROOT"
	// EnvConfigFile points at an optional YAML settings file.
	EnvConfigFile = EnvPrefix + "CONFIG_FILE"
)

// LookupFunc mirrors os.LookupEnv.
type LookupFunc func(key string) (string, bool)

type setting struct {
	key   string
	apply func(c *Config, value string) error
}

// settings lists every key accepted from YAML (as written) and the
// environment (upper-cased, prefixed with HOLDFLOW_).
var settings = []setting{
	{"data_root", func(c *Config, v string) error { c.DataRoot = v; return nil }},
	{"services_root", func(c *Config, v string) error { c.ServicesRoot = v; return nil }},
	{"governance_root", func(c *Config, v string) error { c.GovernanceRoot = v; return nil }},
	{"default_llm_model", func(c *Config, v string) error { c.DefaultLLMModel = v; return nil }},
	{"session_max_cost_usd", decimalSetter(func(c *Config) *decimal.Decimal { return &c.SessionMaxCostUSD })},
	{"session_max_calls", intSetter(func(c *Config) *int { return &c.SessionMaxCalls })},
	{"rate_limit_delay", durationSetter(func(c *Config) *time.Duration { return &c.RateLimitDelay })},
	{"llm_mock_mode", boolSetter(func(c *Config) *bool { return &c.LLMMockMode })},
	{"llm_timeout", durationSetter(func(c *Config) *time.Duration { return &c.LLMTimeout })},
	{"anthropic_base_url", func(c *Config, v string) error { c.AnthropicBaseURL = v; return nil }},
	{"gemini_base_url", func(c *Config, v string) error { c.GeminiBaseURL = v; return nil }},
	{"openai_base_url", func(c *Config, v string) error { c.OpenAIBaseURL = v; return nil }},
	{"daily_budget_usd", decimalSetter(func(c *Config) *decimal.Decimal { return &c.DailyBudgetUSD })},
	{"monthly_budget_usd", decimalSetter(func(c *Config) *decimal.Decimal { return &c.MonthlyBudgetUSD })},
	{"per_run_budget_usd", decimalSetter(func(c *Config) *decimal.Decimal { return &c.PerRunBudgetUSD })},
	{"service_budgets", parseServiceBudgets},
	{"soft_limit_threshold", decimalSetter(func(c *Config) *decimal.Decimal { return &c.SoftLimitThreshold })},
	{"hard_limit_threshold", decimalSetter(func(c *Config) *decimal.Decimal { return &c.HardLimitThreshold })},
	{"soft_limit_action", func(c *Config, v string) error { c.SoftLimitAction = strings.ToLower(v); return nil }},
	{"hard_limit_action", func(c *Config, v string) error { c.HardLimitAction = strings.ToLower(v); return nil }},
	{"enforcement_mode", func(c *Config, v string) error { c.EnforcementMode = strings.ToLower(v); return nil }},
	{"enforce_hold_isolation", boolSetter(func(c *Config) *bool { return &c.EnforceHoldIsolation })},
	{"enforce_cost_limits", boolSetter(func(c *Config) *bool { return &c.EnforceCostLimits })},
	{"audit_all_operations", boolSetter(func(c *Config) *bool { return &c.AuditAllOperations })},
	{"audit_buffer_size", intSetter(func(c *Config) *int { return &c.AuditBufferSize })},
	{"secrets_dir", func(c *Config, v string) error { c.SecretsDir = v; return nil }},
	{"bridge", func(c *Config, v string) error { c.BridgeSystem = strings.ToLower(v); return nil }},
	{"kafka_brokers", func(c *Config, v string) error { c.KafkaBrokers = splitList(v); return nil }},
	{"kafka_consumer_group", func(c *Config, v string) error { c.KafkaConsumerGroup = v; return nil }},
	{"rabbitmq_url", func(c *Config, v string) error { c.RabbitMQURL = v; return nil }},
	{"nats_url", func(c *Config, v string) error { c.NATSURL = v; return nil }},
	{"http_server_address", func(c *Config, v string) error { c.HTTPServerAddress = v; return nil }},
	{"http_publisher_url", func(c *Config, v string) error { c.HTTPPublisherURL = v; return nil }},
	{"io_file", func(c *Config, v string) error { c.IOFile = v; return nil }},
	{"aws_region", func(c *Config, v string) error { c.AWSRegion = v; return nil }},
	{"aws_account_id", func(c *Config, v string) error { c.AWSAccountID = v; return nil }},
	{"aws_access_key_id", func(c *Config, v string) error { c.AWSAccessKeyID = v; return nil }},
	{"aws_secret_access_key", func(c *Config, v string) error { c.AWSSecretAccessKey = v; return nil }},
	{"aws_endpoint", func(c *Config, v string) error { c.AWSEndpoint = v; return nil }},
	{"retry_max_retries", intSetter(func(c *Config) *int { return &c.RetryMaxRetries })},
	{"retry_initial_interval", durationSetter(func(c *Config) *time.Duration { return &c.RetryInitialInterval })},
	{"retry_max_interval", durationSetter(func(c *Config) *time.Duration { return &c.RetryMaxInterval })},
	{"metrics_enabled", boolSetter(func(c *Config) *bool { return &c.MetricsEnabled })},
	{"metrics_port", intSetter(func(c *Config) *int { return &c.MetricsPort })},
	{"log_level", func(c *Config, v string) error { c.LogLevel = v; return nil }},
	{"log_format", func(c *Config, v string) error { c.LogFormat = v; return nil }},
}

var (
	currentMu sync.Mutex
	current   *Config
)

// Load reads the process environment.
func Load() (*Config, error) {
	return LoadWith(os.LookupEnv)
}

// LoadWith builds a Config from defaults, the YAML file named by
// HOLDFLOW_CONFIG_FILE and the environment seen through lookup, in that
// order. The result is validated.
func LoadWith(lookup LookupFunc) (*Config, error) {
	root, ok := lookup(EnvRoot)
	if !ok || root == "" {
		wd, err := os.Getwd()
		if err != nil {
			wd = "."
		}
		root = pathspkg.ProjectRoot(wd)
	}
	def := Default(root)
	cfg := Default(root)

	if file, ok := lookup(EnvConfigFile); ok && file != "" {
		if err := cfg.ApplyFile(file); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return nil, err
	}
	cfg.deriveRoots(def)

	if err := cfg.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}
	return cfg, nil
}

// Current returns the process-wide settings, loading them on first use.
func Current() (*Config, error) {
	currentMu.Lock()
	defer currentMu.Unlock()
	if current != nil {
		return current, nil
	}
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	current = cfg
	return current, nil
}

// SetCurrent replaces the process-wide settings.
func SetCurrent(cfg *Config) {
	currentMu.Lock()
	defer currentMu.Unlock()
	current = cfg
}

// ResetCurrent drops the cached settings so the next Current reloads.
func ResetCurrent() {
	SetCurrent(nil)
}

// ApplyEnv overlays HOLDFLOW_* variables.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	var errs []error
	for _, s := range settings {
		value, ok := lookup(EnvPrefix + strings.ToUpper(s.key))
		if !ok {
			continue
		}
		if err := s.apply(c, strings.TrimSpace(value)); err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, strings.ToUpper(s.key), err))
		}
	}
	return errspkg.NewConfigValidationError(errors.Join(errs...))
}

// ApplyFile overlays a YAML file whose keys match the setting names, for
// example daily_budget_usd or service_budgets (a mapping).
func (c *Config) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	var errs []error
	for _, s := range settings {
		value, ok := raw[s.key]
		if !ok || value == nil {
			continue
		}
		if err := s.apply(c, flattenYAML(value)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.key, err))
		}
	}
	return errspkg.NewConfigValidationError(errors.Join(errs...))
}

// deriveRoots re-derives the service and governance roots from an overridden
// data root unless they were overridden themselves.
func (c *Config) deriveRoots(def *Config) {
	if c.ServicesRoot == def.ServicesRoot || c.ServicesRoot == "" {
		c.ServicesRoot = filepath.Join(c.DataRoot, "services")
	}
	if c.GovernanceRoot == def.GovernanceRoot || c.GovernanceRoot == "" {
		c.GovernanceRoot = filepath.Join(c.DataRoot, "local")
	}
}

func flattenYAML(value any) string {
	switch v := value.(type) {
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, fmt.Sprint(item))
		}
		return strings.Join(parts, ",")
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(v))
		for _, k := range keys {
			parts = append(parts, k+"="+fmt.Sprint(v[k]))
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(v)
	}
}

// parseServiceBudgets reads "knowledge=2.50,relationship=0.25".
func parseServiceBudgets(c *Config, v string) error {
	budgets := make(map[string]decimal.Decimal)
	for _, pair := range splitList(v) {
		name, amount, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return fmt.Errorf("invalid service budget %q", pair)
		}
		d, err := decimal.NewFromString(strings.TrimSpace(amount))
		if err != nil {
			return fmt.Errorf("invalid service budget %q: %w", pair, err)
		}
		budgets[strings.TrimSpace(name)] = d
	}
	c.ServiceBudgetsUSD = budgets
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func decimalSetter(field func(*Config) *decimal.Decimal) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}

func intSetter(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func boolSetter(field func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}

// durationSetter accepts Go durations ("250ms") or plain seconds ("0.1").
func durationSetter(field func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		if d, err := time.ParseDuration(v); err == nil {
			*field(c) = d
			return nil
		}
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid duration %q", v)
		}
		*field(c) = time.Duration(secs * float64(time.Second))
		return nil
	}
}
