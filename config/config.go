// Package config loads the YAML configuration that drives system assembly.
// ${VAR} references are expanded from the environment before parsing, so API
// keys never need to live in the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/agentrelay/internal/backoff"
	"github.com/hupe1980/agentrelay/knowledge"
	"github.com/hupe1980/agentrelay/provider"
)

// Provider types understood by the assembly.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
	ProviderMock      = "mock"
)

// Agent types understood by the assembly.
const (
	AgentCoordinator = "coordinator"
	AgentBuilder     = "builder"
	AgentResearcher  = "researcher"
	AgentCreative    = "creative"
)

// Config is the complete system configuration.
type Config struct {
	Logging         LoggingConfig         `yaml:"logging"`
	Providers       []ProviderConfig      `yaml:"providers"`
	ProviderManager ProviderManagerConfig `yaml:"provider_manager"`
	Agents          []AgentConfig         `yaml:"agents"`
	Orchestrator    OrchestratorConfig    `yaml:"orchestrator"`
	RoutingRules    []RuleConfig          `yaml:"routing_rules"`
	Knowledge       KnowledgeConfig       `yaml:"knowledge"`
	Telemetry       TelemetryConfig       `yaml:"telemetry"`
	Memory          MemoryConfig          `yaml:"memory"`
	// MaxConcurrentRequests bounds in-flight requests; 0 means unlimited.
	MaxConcurrentRequests int `yaml:"max_concurrent_requests"`
}

// LoggingConfig selects log level and output format. Unknown levels fall
// back to info.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or text
}

// ProviderConfig describes one completion backend.
type ProviderConfig struct {
	Name              string        `yaml:"name"`
	Type              string        `yaml:"type"`
	Model             string        `yaml:"model,omitempty"`
	APIKey            string        `yaml:"api_key,omitempty"`
	BaseURL           string        `yaml:"base_url,omitempty"`
	Priority          int           `yaml:"priority"`
	CostWeight        float64       `yaml:"cost_weight"`
	Enabled           *bool         `yaml:"enabled,omitempty"`
	PromptCost        float64       `yaml:"prompt_cost"`
	CompletionCost    float64       `yaml:"completion_cost"`
	RateLimit         int           `yaml:"rate_limit"`
	RateLimitCooldown time.Duration `yaml:"rate_limit_cooldown"`
	// SupportsStreaming and Latency only apply to mock backends.
	SupportsStreaming *bool         `yaml:"supports_streaming,omitempty"`
	Latency           time.Duration `yaml:"latency,omitempty"`
}

// IsEnabled reports whether the backend is enabled (default true).
func (p ProviderConfig) IsEnabled() bool { return p.Enabled == nil || *p.Enabled }

// ManagerConfig returns the registration config for the backend manager.
func (p ProviderConfig) ManagerConfig() provider.Config {
	w := p.CostWeight
	if w <= 0 {
		w = 1
	}
	return provider.Config{Priority: p.Priority, CostWeight: w, Enabled: p.IsEnabled()}
}

// ProviderManagerConfig tunes backend selection and retry.
type ProviderManagerConfig struct {
	Strategy           string        `yaml:"strategy"`
	MaxRetries         int           `yaml:"max_retries"`
	EnableFallback     bool          `yaml:"enable_fallback"`
	RetryDelay         time.Duration `yaml:"retry_delay"`
	MaxRetryDelay      time.Duration `yaml:"max_retry_delay"`
	CallTimeout        time.Duration `yaml:"call_timeout"`
	HealthInterval     time.Duration `yaml:"health_interval"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
}

// AgentConfig enables one processing unit. Settings are applied through
// the unit's Configure.
type AgentConfig struct {
	ID       string         `yaml:"id"`
	Type     string         `yaml:"type"`
	Settings map[string]any `yaml:"settings,omitempty"`
}

// FallbackConfig mirrors orchestrator.FallbackPolicy.
type FallbackConfig struct {
	Enabled    bool                `yaml:"enabled"`
	MaxRetries int                 `yaml:"max_retries"`
	Backoff    string              `yaml:"backoff"`
	BaseDelay  time.Duration       `yaml:"base_delay"`
	MaxDelay   time.Duration       `yaml:"max_delay"`
	Agents     []string            `yaml:"fallback_agents"`
	PerAgent   map[string][]string `yaml:"per_agent,omitempty"`
}

// OrchestratorConfig tunes dispatch.
type OrchestratorConfig struct {
	Coordinator         string         `yaml:"coordinator"`
	HealthThreshold     float64        `yaml:"health_threshold"`
	ConfidenceThreshold float64        `yaml:"confidence_threshold"`
	HealthInterval      time.Duration  `yaml:"health_interval"`
	HighErrorRate       float64        `yaml:"high_error_rate"`
	HighLatency         time.Duration  `yaml:"high_latency"`
	Fallback            FallbackConfig `yaml:"fallback"`
}

// RuleConfig is a declarative routing rule. Exactly one of Pattern and
// Keywords is expected.
type RuleConfig struct {
	Name     string   `yaml:"name"`
	Pattern  string   `yaml:"pattern,omitempty"`
	Keywords []string `yaml:"keywords,omitempty"`
	Target   string   `yaml:"target"`
	Priority int      `yaml:"priority"`
}

// KnowledgeConfig seeds the shared retrieval index.
type KnowledgeConfig struct {
	Documents         []knowledge.Document `yaml:"documents"`
	CacheSize         int                  `yaml:"cache_size"`
	MaxResults        int                  `yaml:"max_results"`
	MinRelevanceScore float64              `yaml:"min_relevance_score"`
}

// TelemetryConfig selects the request record sink.
type TelemetryConfig struct {
	Driver    string `yaml:"driver"` // sqlite, memory or none
	DSN       string `yaml:"dsn"`
	QueueSize int    `yaml:"queue_size"`
}

// MemoryConfig bounds conversation history.
type MemoryConfig struct {
	MaxHistory  int `yaml:"max_history"`
	MaxSessions int `yaml:"max_sessions"`
}

// Default returns a configuration that runs without credentials: two mock
// backends, the four standard units and in-memory telemetry.
func Default() *Config {
	streaming := false
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Providers: []ProviderConfig{
			{Name: "mock-premium", Type: ProviderMock, Model: "mock-large", Priority: 2, CostWeight: 1, PromptCost: 0.002, CompletionCost: 0.002},
			{Name: "mock-economy", Type: ProviderMock, Model: "mock-small", Priority: 1, CostWeight: 1, PromptCost: 0.0008, CompletionCost: 0.0008, SupportsStreaming: &streaming},
		},
		ProviderManager: ProviderManagerConfig{
			Strategy:           string(provider.CostOptimized),
			MaxRetries:         2,
			EnableFallback:     true,
			RetryDelay:         200 * time.Millisecond,
			MaxRetryDelay:      5 * time.Second,
			CallTimeout:        30 * time.Second,
			HealthInterval:     time.Minute,
			ErrorRateThreshold: 0.2,
		},
		Agents: []AgentConfig{
			{ID: AgentCoordinator, Type: AgentCoordinator},
			{ID: AgentBuilder, Type: AgentBuilder},
			{ID: AgentResearcher, Type: AgentResearcher},
			{ID: AgentCreative, Type: AgentCreative},
		},
		Orchestrator: OrchestratorConfig{
			Coordinator:         AgentCoordinator,
			HealthThreshold:     0.1,
			ConfidenceThreshold: 0.3,
			HealthInterval:      30 * time.Second,
			HighErrorRate:       0.05,
			HighLatency:         10 * time.Second,
			Fallback: FallbackConfig{
				Enabled:    true,
				MaxRetries: 2,
				Backoff:    string(backoff.Exponential),
				BaseDelay:  100 * time.Millisecond,
				MaxDelay:   2 * time.Second,
				Agents:     []string{AgentCoordinator, AgentBuilder},
			},
		},
		Knowledge: KnowledgeConfig{CacheSize: knowledge.DefaultCacheSize, MaxResults: 3, MinRelevanceScore: 0.2},
		Telemetry: TelemetryConfig{Driver: "memory", QueueSize: 256},
		Memory:    MemoryConfig{MaxHistory: 20, MaxSessions: 1000},

		MaxConcurrentRequests: 64,
	}
}

// Load reads and parses the file at path. A missing file yields Default().
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse expands environment references in data, decodes it over Default()
// and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("logging.format: unknown format %q", c.Logging.Format)
	}

	if c.MaxConcurrentRequests < 0 {
		return errors.New("max_concurrent_requests must be non-negative")
	}

	if len(c.Providers) == 0 {
		return errors.New("providers: at least one provider is required")
	}
	seen := map[string]bool{}
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("providers[%d]: name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("providers[%d]: duplicate name %q", i, p.Name)
		}
		seen[p.Name] = true
		switch p.Type {
		case ProviderOpenAI, ProviderAnthropic, ProviderGemini, ProviderMock:
		default:
			return fmt.Errorf("providers[%d]: unknown type %q", i, p.Type)
		}
		if p.CostWeight < 0 || p.PromptCost < 0 || p.CompletionCost < 0 || p.RateLimit < 0 {
			return fmt.Errorf("providers[%d]: costs, weights and limits must be non-negative", i)
		}
	}

	if _, err := provider.ParseStrategy(c.ProviderManager.Strategy); err != nil {
		return fmt.Errorf("provider_manager.strategy: %w", err)
	}
	if c.ProviderManager.MaxRetries < 0 {
		return errors.New("provider_manager.max_retries must be non-negative")
	}

	agents := map[string]bool{}
	for i, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agents[%d]: id is required", i)
		}
		if agents[a.ID] {
			return fmt.Errorf("agents[%d]: duplicate id %q", i, a.ID)
		}
		agents[a.ID] = true
		switch a.Type {
		case AgentCoordinator, AgentBuilder, AgentResearcher, AgentCreative:
		default:
			return fmt.Errorf("agents[%d]: unknown type %q", i, a.Type)
		}
	}

	o := c.Orchestrator
	if o.HealthThreshold < 0 || o.HealthThreshold > 1 {
		return errors.New("orchestrator.health_threshold must be within [0,1]")
	}
	if o.ConfidenceThreshold < 0 || o.ConfidenceThreshold > 1 {
		return errors.New("orchestrator.confidence_threshold must be within [0,1]")
	}
	if _, err := backoff.Parse(o.Fallback.Backoff); err != nil {
		return fmt.Errorf("orchestrator.fallback.backoff: %w", err)
	}

	for i, r := range c.RoutingRules {
		if r.Target == "" {
			return fmt.Errorf("routing_rules[%d]: target is required", i)
		}
		if (r.Pattern == "") == (len(r.Keywords) == 0) {
			return fmt.Errorf("routing_rules[%d]: exactly one of pattern or keywords is required", i)
		}
		if r.Pattern != "" {
			if _, err := regexp.Compile(r.Pattern); err != nil {
				return fmt.Errorf("routing_rules[%d]: %w", i, err)
			}
		}
	}

	switch c.Telemetry.Driver {
	case "", "none", "memory", "sqlite":
	default:
		return fmt.Errorf("telemetry.driver: unknown driver %q", c.Telemetry.Driver)
	}
	if c.Telemetry.Driver == "sqlite" && c.Telemetry.DSN == "" {
		return errors.New("telemetry.dsn is required for the sqlite driver")
	}
	return nil
}
