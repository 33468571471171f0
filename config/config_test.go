package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Len(t, cfg.Providers, 2)
	assert.Equal(t, 30*time.Second, cfg.ProviderManager.CallTimeout)
	assert.Equal(t, 0.3, cfg.Orchestrator.ConfidenceThreshold)
}

func TestParse_OverridesDefaultsAndExpandsEnv(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-test")
	cfg, err := Parse([]byte(`
logging:
  level: debug
providers:
  - name: primary
    type: openai
    model: gpt-4o-mini
    api_key: ${TEST_OPENAI_KEY}
    priority: 5
    prompt_cost: 0.00015
    completion_cost: 0.0006
    rate_limit: 60
    rate_limit_cooldown: 1m
  - name: backup
    type: mock
    enabled: false
provider_manager:
  strategy: priority
  call_timeout: 10s
routing_rules:
  - name: calculators
    keywords: [calculator, converter]
    target: builder
    priority: 10
orchestrator:
  fallback:
    backoff: linear
    fallback_agents: [coordinator]
telemetry:
  driver: sqlite
  dsn: ":memory:"
`))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	require.Len(t, cfg.Providers, 2)
	p := cfg.Providers[0]
	assert.Equal(t, "sk-test", p.APIKey)
	assert.Equal(t, time.Minute, p.RateLimitCooldown)
	assert.True(t, p.IsEnabled())
	assert.Equal(t, 1.0, p.ManagerConfig().CostWeight)
	assert.False(t, cfg.Providers[1].IsEnabled())

	assert.Equal(t, "priority", cfg.ProviderManager.Strategy)
	assert.Equal(t, 10*time.Second, cfg.ProviderManager.CallTimeout)
	// untouched fields keep their defaults
	assert.Equal(t, 2, cfg.ProviderManager.MaxRetries)
	assert.Equal(t, 0.3, cfg.Orchestrator.ConfidenceThreshold)
	assert.Equal(t, "coordinator", cfg.Orchestrator.Coordinator)
	assert.Equal(t, 64, cfg.MaxConcurrentRequests)

	assert.Equal(t, "linear", cfg.Orchestrator.Fallback.Backoff)
	assert.Equal(t, []string{"coordinator"}, cfg.Orchestrator.Fallback.Agents)
	require.Len(t, cfg.RoutingRules, 1)
	assert.Equal(t, []string{"calculator", "converter"}, cfg.RoutingRules[0].Keywords)
	assert.Equal(t, "sqlite", cfg.Telemetry.Driver)
}

func TestValidate_Errors(t *testing.T) {
	cases := map[string]func(c *Config){
		"no providers":       func(c *Config) { c.Providers = nil },
		"duplicate provider": func(c *Config) { c.Providers[1].Name = c.Providers[0].Name },
		"unknown type":       func(c *Config) { c.Providers[0].Type = "llama" },
		"negative cost":      func(c *Config) { c.Providers[0].PromptCost = -1 },
		"bad strategy":       func(c *Config) { c.ProviderManager.Strategy = "cheapest" },
		"bad agent type":     func(c *Config) { c.Agents[0].Type = "oracle" },
		"duplicate agent":    func(c *Config) { c.Agents[1].ID = c.Agents[0].ID },
		"health threshold":   func(c *Config) { c.Orchestrator.HealthThreshold = 1.5 },
		"bad backoff":        func(c *Config) { c.Orchestrator.Fallback.Backoff = "fibonacci" },
		"rule no target":     func(c *Config) { c.RoutingRules = []RuleConfig{{Keywords: []string{"x"}}} },
		"rule both":          func(c *Config) { c.RoutingRules = []RuleConfig{{Target: "a", Pattern: "x", Keywords: []string{"x"}}} },
		"rule bad pattern":   func(c *Config) { c.RoutingRules = []RuleConfig{{Target: "a", Pattern: "("}} },
		"bad driver":         func(c *Config) { c.Telemetry.Driver = "postgres" },
		"sqlite without dsn": func(c *Config) { c.Telemetry = TelemetryConfig{Driver: "sqlite"} },
		"bad log format":     func(c *Config) { c.Logging.Format = "xml" },
		"negative limit":     func(c *Config) { c.MaxConcurrentRequests = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("memory:\n  max_history: 4\n"), 0o600))
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Memory.MaxHistory)

	require.NoError(t, os.WriteFile(path, []byte("providers: [\n"), 0o600))
	_, err = Load(path)
	assert.Error(t, err)
}
