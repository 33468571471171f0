// Package agentrelay is the system assembly: it wires completion backends, the
// shared resource manager, the processing units, conversation memory and the
// telemetry sink into one dispatcher and exposes a single request entry point.
//
// Most applications interact with this package by:
//  1. Loading a config.Config (or using config.Default())
//  2. Creating a System via New()
//  3. Calling ProcessRequest (or StreamRequest) per user message
//  4. Calling Shutdown once when done
//
// All defaults run without credentials against mock backends; production
// deployments configure real backends and typically a durable telemetry sink.
package agentrelay

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/hupe1980/agentrelay/agent"
	"github.com/hupe1980/agentrelay/config"
	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/internal/backoff"
	"github.com/hupe1980/agentrelay/knowledge"
	"github.com/hupe1980/agentrelay/logging"
	"github.com/hupe1980/agentrelay/memory"
	"github.com/hupe1980/agentrelay/orchestrator"
	"github.com/hupe1980/agentrelay/provider"
	"github.com/hupe1980/agentrelay/provider/anthropic"
	"github.com/hupe1980/agentrelay/provider/gemini"
	"github.com/hupe1980/agentrelay/provider/openai"
	"github.com/hupe1980/agentrelay/resource"
	"github.com/hupe1980/agentrelay/telemetry"
)

// ErrUnknownProviderType is returned for a backend type no factory handles.
var ErrUnknownProviderType = errors.New("unknown provider type")

// ErrUnknownAgentType is returned for a unit type the assembly cannot build.
var ErrUnknownAgentType = errors.New("unknown agent type")

// ProviderFactory builds a backend from its configuration.
type ProviderFactory func(ctx context.Context, pc config.ProviderConfig) (provider.Provider, error)

// Options configures the System.
type Options struct {
	// Config drives assembly (defaults to config.Default()).
	Config *config.Config

	// Logger (defaults to a RelayLogger built from Config.Logging writing to stderr)
	Logger logging.Logger

	// ProviderFactory overrides how configured backends are constructed.
	ProviderFactory ProviderFactory

	// Providers are registered in addition to the configured ones.
	Providers []ProviderRegistration

	// Agents are registered in addition to the configured units.
	Agents []core.Agent

	// Telemetry overrides the sink selected by Config.Telemetry.
	Telemetry telemetry.Sink

	// Memory overrides the in-memory conversation store.
	Memory memory.Store

	// MaxConcurrentRequests limits the number of requests that can execute
	// simultaneously. This prevents backend exhaustion and provides
	// backpressure: callers wait until a slot frees or their context ends.
	// Defaults to Config.MaxConcurrentRequests; 0 means unlimited.
	MaxConcurrentRequests int
}

// ProviderRegistration pairs a pre-built backend with its manager config.
type ProviderRegistration struct {
	Provider provider.Provider
	Config   provider.Config
}

// Status is a combined health snapshot.
type Status struct {
	Agents         map[string]core.UnitStatus `json:"agents"`
	Providers      map[string]provider.Status `json:"providers"`
	ResourcesReady bool                       `json:"resources_ready"`
}

// System is the assembled dispatch and resilience layer.
type System struct {
	cfg          *config.Config
	logger       logging.Logger
	providers    *provider.Manager
	resources    *resource.Manager
	orchestrator *orchestrator.Orchestrator
	memory       memory.Store
	sink         telemetry.Sink
	slots        *semaphore.Weighted

	closed  atomic.Bool
	streams sync.WaitGroup
}

// New assembles a System. Backends that fail to build abort assembly; so do
// invalid routing rules and unit settings.
func New(ctx context.Context, optFns ...func(o *Options)) (*System, error) {
	opts := Options{ProviderFactory: DefaultProviderFactory}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.ProviderFactory == nil {
		opts.ProviderFactory = DefaultProviderFactory
	}
	cfg := opts.Config
	if opts.Logger == nil {
		opts.Logger = logging.NewLogger(&logging.LoggerConfig{
			Level:     logging.ParseLevel(cfg.Logging.Level),
			Format:    cfg.Logging.Format,
			Output:    os.Stderr,
			Component: "agentrelay",
		})
	}

	s := &System{cfg: cfg, logger: opts.Logger}
	if opts.MaxConcurrentRequests == 0 {
		opts.MaxConcurrentRequests = cfg.MaxConcurrentRequests
	}
	if opts.MaxConcurrentRequests > 0 {
		s.slots = semaphore.NewWeighted(int64(opts.MaxConcurrentRequests))
	}

	mgr, err := s.buildProviders(ctx, opts)
	if err != nil {
		return nil, err
	}
	s.providers = mgr

	s.resources = resource.NewManager(
		resource.KnowledgeBuilder(cfg.Knowledge.Documents, func(o *knowledge.Options) {
			o.CacheSize = cfg.Knowledge.CacheSize
			o.Logger = scopedLogger(opts.Logger, "knowledge")
		}),
		func(o *resource.Options) { o.Logger = scopedLogger(opts.Logger, "resource") },
	)

	agents, err := s.buildAgents(opts)
	if err != nil {
		_ = mgr.Shutdown()
		return nil, err
	}

	rules, err := buildRules(cfg.RoutingRules)
	if err != nil {
		_ = mgr.Shutdown()
		return nil, err
	}
	fallback, err := buildFallback(cfg.Orchestrator.Fallback)
	if err != nil {
		_ = mgr.Shutdown()
		return nil, err
	}

	s.orchestrator = orchestrator.New(func(o *orchestrator.Options) {
		if cfg.Orchestrator.Coordinator != "" {
			o.Coordinator = cfg.Orchestrator.Coordinator
		}
		o.Rules = rules
		o.Fallback = fallback
		if cfg.Orchestrator.ConfidenceThreshold > 0 {
			o.ConfidenceThreshold = cfg.Orchestrator.ConfidenceThreshold
		}
		o.HealthInterval = cfg.Orchestrator.HealthInterval
		if cfg.Orchestrator.HighErrorRate > 0 {
			o.HighErrorRate = cfg.Orchestrator.HighErrorRate
		}
		if cfg.Orchestrator.HighLatency > 0 {
			o.HighLatency = cfg.Orchestrator.HighLatency
		}
		o.Logger = scopedLogger(opts.Logger, "orchestrator")
	})
	for _, a := range append(agents, opts.Agents...) {
		if err := s.orchestrator.RegisterAgent(a); err != nil {
			_ = s.orchestrator.Shutdown(ctx)
			_ = mgr.Shutdown()
			return nil, fmt.Errorf("failed to register agent %s: %w", a.ID(), err)
		}
	}

	s.memory = opts.Memory
	if s.memory == nil {
		s.memory = memory.NewInMemoryStore(func(o *memory.Options) {
			if cfg.Memory.MaxHistory > 0 {
				o.MaxTurns = cfg.Memory.MaxHistory
			}
			if cfg.Memory.MaxSessions > 0 {
				o.MaxSessions = cfg.Memory.MaxSessions
			}
		})
	}

	s.sink = opts.Telemetry
	if s.sink == nil {
		if s.sink, err = buildSink(cfg.Telemetry, scopedLogger(opts.Logger, "telemetry")); err != nil {
			_ = s.orchestrator.Shutdown(ctx)
			_ = mgr.Shutdown()
			return nil, err
		}
	}

	s.logger.Info("System assembled",
		"providers", len(mgr.Providers()),
		"agents", len(s.orchestrator.Agents()),
		"rules", len(rules),
		"telemetry", cfg.Telemetry.Driver,
	)
	return s, nil
}

func (s *System) buildProviders(ctx context.Context, opts Options) (*provider.Manager, error) {
	pm := s.cfg.ProviderManager
	strategy, err := provider.ParseStrategy(pm.Strategy)
	if err != nil {
		return nil, err
	}
	mgr := provider.NewManager(func(o *provider.ManagerOptions) {
		o.Strategy = strategy
		o.MaxRetries = pm.MaxRetries
		o.EnableFallback = pm.EnableFallback
		if pm.RetryDelay > 0 {
			o.RetryDelay = pm.RetryDelay
		}
		if pm.MaxRetryDelay > 0 {
			o.MaxRetryDelay = pm.MaxRetryDelay
		}
		if pm.CallTimeout > 0 {
			o.CallTimeout = pm.CallTimeout
		}
		o.HealthInterval = pm.HealthInterval
		if pm.ErrorRateThreshold > 0 {
			o.ErrorRateThreshold = pm.ErrorRateThreshold
		}
		o.Logger = scopedLogger(opts.Logger, "provider")
	})

	for _, pc := range s.cfg.Providers {
		p, err := opts.ProviderFactory(ctx, pc)
		if err != nil {
			_ = mgr.Shutdown()
			return nil, fmt.Errorf("failed to build provider %s: %w", pc.Name, err)
		}
		if err := mgr.RegisterProvider(p, pc.ManagerConfig()); err != nil {
			_ = mgr.Shutdown()
			return nil, err
		}
	}
	for _, reg := range opts.Providers {
		if err := mgr.RegisterProvider(reg.Provider, reg.Config); err != nil {
			_ = mgr.Shutdown()
			return nil, err
		}
	}
	return mgr, nil
}

func (s *System) buildAgents(opts Options) ([]core.Agent, error) {
	threshold := s.cfg.Orchestrator.HealthThreshold
	base := func(o *agent.Options) {
		if threshold > 0 {
			o.HealthThreshold = threshold
		}
		o.Logger = scopedLogger(opts.Logger, "agent")
	}

	primary, _ := s.providers.Primary()

	agents := make([]core.Agent, 0, len(s.cfg.Agents))
	for _, ac := range s.cfg.Agents {
		var a core.Agent
		switch strings.ToLower(ac.Type) {
		case config.AgentCoordinator:
			a = agent.NewCoordinator(ac.ID, s.providers, base)
		case config.AgentBuilder:
			a = agent.NewBuilder(ac.ID, s.providers, base)
		case config.AgentCreative:
			a = agent.NewCreative(ac.ID, s.providers, base)
		case config.AgentResearcher:
			a = agent.NewResearcher(ac.ID, s.providers, s.resources, func(o *agent.ResearcherOptions) {
				base(&o.Options)
				o.Primary = primary
				if s.cfg.Knowledge.MaxResults > 0 {
					o.MaxResults = s.cfg.Knowledge.MaxResults
				}
				if s.cfg.Knowledge.MinRelevanceScore > 0 {
					o.MinRelevanceScore = s.cfg.Knowledge.MinRelevanceScore
				}
			})
		default:
			return nil, fmt.Errorf("agent %s: %w: %q", ac.ID, ErrUnknownAgentType, ac.Type)
		}
		if len(ac.Settings) > 0 {
			if err := a.Configure(ac.Settings); err != nil {
				return nil, fmt.Errorf("agent %s: %w", ac.ID, err)
			}
		}
		agents = append(agents, a)
	}
	return agents, nil
}

func buildRules(rcs []config.RuleConfig) ([]orchestrator.Rule, error) {
	rules := make([]orchestrator.Rule, 0, len(rcs))
	for _, rc := range rcs {
		var cond orchestrator.Condition
		if rc.Pattern != "" {
			pc, err := orchestrator.NewPatternCondition(rc.Pattern)
			if err != nil {
				return nil, fmt.Errorf("routing rule %s: %w", rc.Name, err)
			}
			cond = pc
		} else {
			cond = orchestrator.KeywordCondition(rc.Keywords)
		}
		rules = append(rules, orchestrator.Rule{Name: rc.Name, Condition: cond, Target: rc.Target, Priority: rc.Priority})
	}
	return rules, nil
}

func buildFallback(fc config.FallbackConfig) (orchestrator.FallbackPolicy, error) {
	strategy, err := backoff.Parse(fc.Backoff)
	if err != nil {
		return orchestrator.FallbackPolicy{}, fmt.Errorf("orchestrator.fallback: %w", err)
	}
	return orchestrator.FallbackPolicy{
		Enabled:    fc.Enabled,
		MaxRetries: fc.MaxRetries,
		Backoff:    strategy,
		BaseDelay:  fc.BaseDelay,
		MaxDelay:   fc.MaxDelay,
		Agents:     fc.Agents,
		PerAgent:   fc.PerAgent,
	}, nil
}

func buildSink(tc config.TelemetryConfig, logger logging.Logger) (telemetry.Sink, error) {
	switch tc.Driver {
	case "sqlite":
		sink, err := telemetry.NewSQLiteSink(tc.DSN, func(o *telemetry.SQLiteOptions) {
			if tc.QueueSize > 0 {
				o.QueueSize = tc.QueueSize
			}
			o.Logger = logger
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open telemetry sink: %w", err)
		}
		return sink, nil
	case "memory":
		return telemetry.NewInMemorySink(0), nil
	default:
		return telemetry.NoOpSink{}, nil
	}
}

// DefaultProviderFactory builds the openai, anthropic, gemini and mock backends.
// Zero-valued settings keep each adapter's defaults.
func DefaultProviderFactory(ctx context.Context, pc config.ProviderConfig) (provider.Provider, error) {
	switch strings.ToLower(pc.Type) {
	case config.ProviderOpenAI:
		return openai.New(func(o *openai.Options) {
			o.Name = pc.Name
			if pc.Model != "" {
				o.Model = pc.Model
			}
			o.APIKey = pc.APIKey
			o.BaseURL = pc.BaseURL
			setCosts(&o.PromptCost, &o.CompletionCost, pc)
			setRateLimit(&o.RateLimit, &o.RateLimitCooldown, pc)
		}), nil
	case config.ProviderAnthropic:
		return anthropic.New(func(o *anthropic.Options) {
			o.Name = pc.Name
			if pc.Model != "" {
				o.Model = anthropic.Model(pc.Model)
			}
			o.APIKey = pc.APIKey
			setCosts(&o.PromptCost, &o.CompletionCost, pc)
			setRateLimit(&o.RateLimit, &o.RateLimitCooldown, pc)
		}), nil
	case config.ProviderGemini:
		return gemini.New(ctx, func(o *gemini.Options) {
			o.Name = pc.Name
			if pc.Model != "" {
				o.Model = pc.Model
			}
			o.APIKey = pc.APIKey
			setCosts(&o.PromptCost, &o.CompletionCost, pc)
			setRateLimit(&o.RateLimit, &o.RateLimitCooldown, pc)
		})
	case config.ProviderMock:
		return provider.NewMockProvider(pc.Name, func(o *provider.MockOptions) {
			if pc.Model != "" {
				o.Model = pc.Model
			}
			if pc.SupportsStreaming != nil {
				o.SupportsStreaming = *pc.SupportsStreaming
			}
			o.Latency = pc.Latency
			setCosts(&o.PromptCost, &o.CompletionCost, pc)
			setRateLimit(&o.RateLimit, &o.RateLimitCooldown, pc)
		}), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProviderType, pc.Type)
	}
}

func setCosts(prompt, completion *float64, pc config.ProviderConfig) {
	if pc.PromptCost > 0 {
		*prompt = pc.PromptCost
	}
	if pc.CompletionCost > 0 {
		*completion = pc.CompletionCost
	}
}

func setRateLimit(limit *int, cooldown *time.Duration, pc config.ProviderConfig) {
	if pc.RateLimit > 0 {
		*limit = pc.RateLimit
	}
	if pc.RateLimitCooldown > 0 {
		*cooldown = pc.RateLimitCooldown
	}
}

// ProcessRequest handles one user message. An empty sessionID starts an
// anonymous session. When rc carries no history the session's remembered
// turns are attached; caller-supplied history wins. Only infrastructure
// failures (shutdown, no units) are returned as errors.
func (s *System) ProcessRequest(ctx context.Context, content, sessionID string, rc *core.RequestContext) (*core.Response, error) {
	if s.closed.Load() {
		return nil, core.ErrShutdown
	}
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	req := core.NewRequest(sessionID, content, s.withHistory(ctx, sessionID, rc))

	start := time.Now()
	resp, err := s.orchestrator.RouteRequest(ctx, req)
	s.record(ctx, req, resp, err, time.Since(start))
	if err != nil {
		return nil, err
	}
	s.remember(ctx, req, resp.Content, resp.HasError())
	return resp, nil
}

// StreamRequest routes like ProcessRequest and streams the selected unit's
// completion. The returned channel is closed after the terminal chunk; the
// turn is remembered and recorded once the stream completes.
func (s *System) StreamRequest(ctx context.Context, content, sessionID string, rc *core.RequestContext) (<-chan provider.Chunk, error) {
	if s.closed.Load() {
		return nil, core.ErrShutdown
	}
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	req := core.NewRequest(sessionID, content, s.withHistory(ctx, sessionID, rc))

	start := time.Now()
	stream, err := s.orchestrator.StreamRequest(ctx, req)
	if err != nil {
		s.release()
		s.record(ctx, req, nil, err, time.Since(start))
		return nil, err
	}

	out := make(chan provider.Chunk, 16)
	s.streams.Add(1)
	go func() {
		defer s.streams.Done()
		defer s.release()
		defer close(out)

		var (
			sb      strings.Builder
			lastErr error
		)
		for chunk := range stream.Chunks {
			sb.WriteString(chunk.Content)
			if chunk.Err != nil {
				lastErr = chunk.Err
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				// Drain so the producer can finish.
				for range stream.Chunks {
				}
				lastErr = ctx.Err()
				s.finishStream(ctx, req, stream, "", lastErr, time.Since(start))
				return
			}
		}
		s.finishStream(ctx, req, stream, sb.String(), lastErr, time.Since(start))
	}()
	return out, nil
}

// acquire takes a request slot, waiting until one frees or ctx ends.
func (s *System) acquire(ctx context.Context) error {
	if s.slots == nil {
		return nil
	}
	if err := s.slots.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("waiting for a request slot: %w", err)
	}
	return nil
}

func (s *System) release() {
	if s.slots != nil {
		s.slots.Release(1)
	}
}

func (s *System) finishStream(ctx context.Context, req core.Request, stream *orchestrator.Stream, content string, err error, dur time.Duration) {
	resp := core.NewResponse(req, stream.AgentID, content, 0)
	resp.Metadata.SetString(core.KeyRoutedBy, stream.RoutedBy)
	if err != nil {
		resp.Metadata.SetString(core.KeyError, err.Error())
	}
	s.record(ctx, req, resp, nil, dur)
	s.remember(ctx, req, content, err != nil)
}

func (s *System) withHistory(ctx context.Context, sessionID string, rc *core.RequestContext) *core.RequestContext {
	if rc != nil && len(rc.History) > 0 {
		return rc
	}
	history, err := s.memory.History(ctx, sessionID)
	if err != nil {
		s.warnSession("Failed to load history", sessionID, "", err)
		return rc
	}
	if len(history) == 0 {
		return rc
	}
	out := &core.RequestContext{History: history}
	if rc != nil {
		out.Preferences = rc.Preferences
	}
	return out
}

// remember appends the exchange to the session. Failed answers are skipped
// so apologies never become conversation context.
func (s *System) remember(ctx context.Context, req core.Request, answer string, failed bool) {
	if failed || answer == "" {
		return
	}
	err := s.memory.Append(context.WithoutCancel(ctx), req.SessionID,
		core.Turn{Role: core.RoleUser, Content: req.Content},
		core.Turn{Role: core.RoleAssistant, Content: answer},
	)
	if err != nil {
		s.warnSession("Failed to store history", req.SessionID, req.ID, err)
	}
}

// scopedLogger tags l with component when it is a RelayLogger.
func scopedLogger(l logging.Logger, component string) logging.Logger {
	if rl, ok := l.(*logging.RelayLogger); ok {
		return rl.WithComponent(component)
	}
	return l
}

func (s *System) warnSession(msg, sessionID, requestID string, err error) {
	if rl, ok := s.logger.(*logging.RelayLogger); ok {
		rl.WithSession(sessionID, requestID).Warn(msg, "error", err)
		return
	}
	s.logger.Warn(msg, "session_id", sessionID, "request_id", requestID, "error", err)
}

func (s *System) record(ctx context.Context, req core.Request, resp *core.Response, err error, dur time.Duration) {
	rec := telemetry.Record{
		RequestID: req.ID,
		SessionID: req.SessionID,
		Duration:  dur,
		Timestamp: time.Now(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if resp != nil {
		rec.AgentID = resp.AgentID
		rec.Confidence = resp.Confidence
		rec.RoutedBy, _ = resp.Metadata.GetString(core.KeyRoutedBy)
		rec.Provider, _ = resp.Metadata.GetString(core.KeyProvider)
		rec.Model, _ = resp.Metadata.GetString(core.KeyModel)
		if tokens, ok := resp.Metadata.GetInt(core.KeyTotalTokens); ok {
			rec.TotalTokens = int(tokens)
		}
		rec.Fallback, _ = resp.Metadata.GetBool(core.KeyFallback)
		if msg, ok := resp.Metadata.GetString(core.KeyError); ok {
			rec.Degraded = true
			rec.Error = msg
		}
	}
	s.sink.Record(context.WithoutCancel(ctx), rec)
}

func (s *System) waitStreams(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.streams.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Orchestrator returns the dispatcher, e.g. to register additional units.
func (s *System) Orchestrator() *orchestrator.Orchestrator { return s.orchestrator }

// Providers returns the backend manager.
func (s *System) Providers() *provider.Manager { return s.providers }

// Resources returns the shared resource manager.
func (s *System) Resources() *resource.Manager { return s.resources }

// Memory returns the conversation store.
func (s *System) Memory() memory.Store { return s.memory }

// Telemetry returns the record sink.
func (s *System) Telemetry() telemetry.Sink { return s.sink }

// Config returns the configuration the System was assembled from.
func (s *System) Config() *config.Config { return s.cfg }

// Status returns unit and backend health.
func (s *System) Status() Status {
	return Status{
		Agents:         s.orchestrator.Statuses(),
		Providers:      s.providers.Status(),
		ResourcesReady: s.resources.Ready(),
	}
}

// Shutdown stops units, backends and shared resources, waits for open
// streams and flushes telemetry. It is idempotent.
func (s *System) Shutdown(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	if err := s.orchestrator.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("orchestrator: %w", err))
	}
	if err := s.waitStreams(ctx); err != nil {
		errs = append(errs, fmt.Errorf("streams: %w", err))
	}
	if err := s.providers.Shutdown(); err != nil {
		errs = append(errs, fmt.Errorf("providers: %w", err))
	}
	if err := s.resources.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("resources: %w", err))
	}
	if err := s.sink.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}
	return errors.Join(errs...)
}
