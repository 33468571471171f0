package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/logging"
	"github.com/hupe1980/agentrelay/provider"
)

var (
	// ErrNoGenerator is returned when a unit has no backend to call.
	ErrNoGenerator = errors.New("agent has no generator")
	// ErrInvalidSetting is returned by Configure for a known key with the wrong type.
	ErrInvalidSetting = errors.New("invalid agent setting")
)

// Generator is the backend surface a unit calls. *provider.Manager implements it.
type Generator interface {
	GenerateText(ctx context.Context, req provider.Request) (*provider.Response, error)
	StreamText(ctx context.Context, req provider.Request) (<-chan provider.Chunk, error)
}

// Specialization is the unit-specific processing step. ProcessRequest is the
// only step that calls a backend. It reports expected low quality with
// core.Degraded and failures with core.Fatal; it may also panic, which the
// base lifecycle recovers.
type Specialization interface {
	Type() string
	Apology() string
	ProcessRequest(ctx context.Context, req core.Request) core.Outcome
}

// Prompter is implemented by specializations that rewrite the user prompt,
// for example to inject retrieved context. Streaming uses it.
type Prompter interface {
	Prompt(ctx context.Context, req core.Request) string
}

// Cleaner is implemented by specializations holding resources released on Shutdown.
type Cleaner interface {
	Cleanup(ctx context.Context) error
}

// BaseAgent implements the uniform request lifecycle shared by every unit:
// shutdown gating, hooks, panic and error recovery into a low-confidence
// apology, and self-tracked health counters. Embed it in a concrete unit and
// pass the unit as the Specialization. All exported methods are
// goroutine-safe.
type BaseAgent struct {
	id     string
	spec   Specialization
	gen    Generator
	logger logging.Logger
	hooks  Hooks

	mu   sync.RWMutex
	opts Options

	shutdown     atomic.Bool
	requests     atomic.Int64
	errors       atomic.Int64
	totalLatency atomic.Int64 // nanoseconds
	lastActivity atomic.Int64 // unix nanoseconds
}

var _ core.Agent = (*BaseAgent)(nil)

// NewBaseAgent wires spec into the shared lifecycle.
func NewBaseAgent(id string, spec Specialization, gen Generator, opts Options) *BaseAgent {
	opts = buildOptions(opts, nil)
	return &BaseAgent{
		id:     id,
		spec:   spec,
		gen:    gen,
		logger: opts.Logger,
		hooks:  opts.Hooks,
		opts:   opts,
	}
}

// ID returns the unit identifier.
func (b *BaseAgent) ID() string { return b.id }

// Logger returns the unit's logger.
func (b *BaseAgent) Logger() logging.Logger { return b.logger }

// Settings returns a copy of the current tunables.
func (b *BaseAgent) Settings() Options {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.opts.clone()
}

// Process runs the full lifecycle for req. It returns an error only when the
// unit is shut down; every other failure becomes a response with confidence
// 0 and an error annotation.
func (b *BaseAgent) Process(ctx context.Context, req core.Request) (*core.Response, error) {
	if b.shutdown.Load() {
		return nil, fmt.Errorf("agent %s: %w", b.id, core.ErrShutdown)
	}
	start := time.Now()

	b.runHook("pre_process", func() {
		if b.hooks.PreProcess != nil {
			b.hooks.PreProcess(ctx, req)
		}
	})

	out := b.invoke(ctx, req)
	resp, failed := b.finalize(req, out, start)
	b.record(start, failed)

	b.runHook("post_process", func() {
		if b.hooks.PostProcess != nil {
			b.hooks.PostProcess(ctx, req, resp)
		}
	})
	return resp, nil
}

func (b *BaseAgent) invoke(ctx context.Context, req core.Request) (out core.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = core.Fatal(fmt.Errorf("panic in %s: %v", b.spec.Type(), r))
		}
	}()
	return b.spec.ProcessRequest(ctx, req)
}

func (b *BaseAgent) runHook(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("Agent hook panicked", "agent_id", b.id, "hook", name, "panic", r)
		}
	}()
	fn()
}

func (b *BaseAgent) finalize(req core.Request, out core.Outcome, start time.Time) (*core.Response, bool) {
	if (out.Kind == core.OutcomeSuccess || out.Kind == core.OutcomeDegraded) && out.Response == nil {
		out = core.Fatal(fmt.Errorf("%s returned no response", b.spec.Type()))
	}

	var (
		resp   *core.Response
		failed bool
	)
	switch out.Kind {
	case core.OutcomeSuccess:
		resp = out.Response
	case core.OutcomeDegraded:
		resp = out.Response
		resp.Metadata.SetString(core.KeyError, out.Reason)
		resp.Metadata.SetString(core.KeyDegradedReason, out.Reason)
	default:
		failed = true
		resp = b.apology(req)
		resp.Metadata.SetString(core.KeyError, out.Err.Error())
		resp.Metadata.SetString(core.KeyDegradedReason, "processing_error")
		b.logger.Warn("Agent processing failed", "agent_id", b.id, "request_id", req.ID, "error", out.Err)
	}

	resp.RequestID = req.ID
	resp.AgentID = b.id
	resp.Confidence = core.ClampConfidence(resp.Confidence)
	resp.Metadata.SetString(core.KeyAgentType, b.spec.Type())
	resp.Metadata.SetInt(core.KeyProcessingTime, time.Since(start).Milliseconds())
	return resp, failed
}

func (b *BaseAgent) apology(req core.Request) *core.Response {
	resp := core.NewResponse(req, b.id, b.spec.Apology(), 0)
	resp.Reasoning = "recovered from processing failure"
	return resp
}

func (b *BaseAgent) record(start time.Time, failed bool) {
	now := time.Now()
	b.requests.Add(1)
	if failed {
		b.errors.Add(1)
	}
	b.totalLatency.Add(int64(now.Sub(start)))
	b.lastActivity.Store(now.UnixNano())
}

// Status derives a health snapshot from the unit's counters.
func (b *BaseAgent) Status() core.UnitStatus {
	// errors first: requests is always incremented before errors.
	errs := b.errors.Load()
	reqs := b.requests.Load()
	rate := core.ErrorRate(errs, reqs)

	var avg time.Duration
	if reqs > 0 {
		avg = time.Duration(b.totalLatency.Load() / reqs)
	}
	var last time.Time
	if ns := b.lastActivity.Load(); ns > 0 {
		last = time.Unix(0, ns)
	}

	b.mu.RLock()
	threshold := b.opts.HealthThreshold
	b.mu.RUnlock()

	return core.UnitStatus{
		ID:                  b.id,
		IsHealthy:           !b.shutdown.Load() && rate < threshold,
		LastActivity:        last,
		RequestsProcessed:   reqs,
		ErrorCount:          errs,
		AverageResponseTime: avg,
		ErrorRate:           rate,
	}
}

// Configure merges settings over the current tunables. Known keys are type
// checked; unknown keys are kept in Options.Extra. On a type error nothing
// is applied.
func (b *BaseAgent) Configure(settings map[string]any) error {
	if b.shutdown.Load() {
		return fmt.Errorf("agent %s: %w", b.id, core.ErrShutdown)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	next := b.opts.clone()
	for key, v := range settings {
		var ok bool
		switch key {
		case "temperature":
			next.Temperature, ok = toFloat(v)
		case "max_tokens":
			next.MaxTokens, ok = toInt(v)
		case "max_history":
			next.MaxHistory, ok = toInt(v)
		case "health_threshold":
			next.HealthThreshold, ok = toFloat(v)
		case "model":
			next.Model, ok = v.(string)
		case "provider":
			next.Provider, ok = v.(string)
		case "system_prompt":
			var s string
			if s, ok = v.(string); ok {
				next.SystemPrompt = NewInstructionFromText(s)
			}
		default:
			next.Extra[key], ok = v, true
		}
		if !ok {
			return fmt.Errorf("%w: %s: unexpected type %T", ErrInvalidSetting, key, v)
		}
	}
	b.opts = next
	b.logger.Debug("Agent configured", "agent_id", b.id, "keys", len(settings))
	return nil
}

// Shutdown makes subsequent Process calls fail fast and runs the cleanup
// hook. Calling it again is a no-op.
func (b *BaseAgent) Shutdown(ctx context.Context) error {
	if !b.shutdown.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	if c, ok := b.spec.(Cleaner); ok {
		errs = append(errs, c.Cleanup(ctx))
	}
	if b.hooks.Cleanup != nil {
		errs = append(errs, b.hooks.Cleanup(ctx))
	}
	b.logger.Info("Agent shut down", "agent_id", b.id)
	return errors.Join(errs...)
}

// IsShutdown reports whether Shutdown was called.
func (b *BaseAgent) IsShutdown() bool { return b.shutdown.Load() }

// BuildRequest assembles the backend request for req with prompt as the final
// user message. Prior history is bounded by MaxHistory.
func (b *BaseAgent) BuildRequest(req core.Request, prompt string) (provider.Request, error) {
	opts := b.Settings()
	system, err := opts.SystemPrompt.Resolve(req)
	if err != nil {
		return provider.Request{}, fmt.Errorf("resolve system prompt: %w", err)
	}

	history := req.History()
	if opts.MaxHistory > 0 && len(history) > opts.MaxHistory {
		history = history[len(history)-opts.MaxHistory:]
	}
	msgs := make([]provider.Message, 0, len(history)+1)
	for _, t := range history {
		msgs = append(msgs, provider.Message{Role: toProviderRole(t.Role), Content: t.Content})
	}
	msgs = append(msgs, provider.Message{Role: provider.RoleUser, Content: prompt})

	preferred := opts.Provider
	if p, ok := req.Context.Preference("provider"); ok && p != "" {
		preferred = p
	}
	return provider.Request{
		Model:        opts.Model,
		SystemPrompt: system,
		Messages:     msgs,
		MaxTokens:    opts.MaxTokens,
		Temperature:  opts.Temperature,
		Provider:     preferred,
	}, nil
}

// Complete sends prompt to the backend and scores the completion. An empty
// completion is reported as degraded.
func (b *BaseAgent) Complete(ctx context.Context, req core.Request, prompt string, score Scorer) core.Outcome {
	if b.gen == nil {
		return core.Fatal(ErrNoGenerator)
	}
	preq, err := b.BuildRequest(req, prompt)
	if err != nil {
		return core.Fatal(err)
	}
	start := time.Now()
	presp, err := b.gen.GenerateText(ctx, preq)
	if err != nil {
		logging.LogBackendCall(b.logger, preq.Provider, preq.Model, 0, time.Since(start), false, err)
		return core.Fatal(fmt.Errorf("generate: %w", err))
	}
	logging.LogBackendCall(b.logger, presp.Provider, presp.Model, presp.Usage.TotalTokens, time.Since(start), true, nil)

	resp := core.NewResponse(req, b.id, presp.Content, score(req, presp.Content))
	annotateBackend(resp, presp)
	if strings.TrimSpace(presp.Content) == "" {
		return core.Degraded(resp, "empty completion")
	}
	return core.Success(resp)
}

func annotateBackend(resp *core.Response, presp *provider.Response) {
	resp.Metadata.SetString(core.KeyProvider, presp.Provider)
	resp.Metadata.SetString(core.KeyModel, presp.Model)
	resp.Metadata.SetInt(core.KeyPromptTokens, int64(presp.Usage.PromptTokens))
	resp.Metadata.SetInt(core.KeyCompletionTokens, int64(presp.Usage.CompletionTokens))
	resp.Metadata.SetInt(core.KeyTotalTokens, int64(presp.Usage.TotalTokens))
	if presp.Attempts > 0 {
		resp.Metadata.SetInt(core.KeyAttempts, int64(presp.Attempts))
	}
}

// Stream sends req to the backend as a stream. The request counts toward the
// unit's health once the stream ends.
func (b *BaseAgent) Stream(ctx context.Context, req core.Request) (<-chan provider.Chunk, error) {
	if b.shutdown.Load() {
		return nil, fmt.Errorf("agent %s: %w", b.id, core.ErrShutdown)
	}
	if b.gen == nil {
		return nil, ErrNoGenerator
	}
	start := time.Now()

	prompt := req.Content
	if p, ok := b.spec.(Prompter); ok {
		prompt = p.Prompt(ctx, req)
	}
	preq, err := b.BuildRequest(req, prompt)
	if err != nil {
		b.record(start, true)
		return nil, err
	}
	in, err := b.gen.StreamText(ctx, preq)
	if err != nil {
		b.record(start, true)
		return nil, fmt.Errorf("stream: %w", err)
	}

	out := make(chan provider.Chunk)
	go func() {
		defer close(out)
		failed := false
		defer func() { b.record(start, failed) }()
		for c := range in {
			if c.Err != nil {
				failed = true
			}
			select {
			case out <- c:
			case <-ctx.Done():
				failed = true
				return
			}
		}
	}()
	return out, nil
}

func toProviderRole(r core.Role) provider.Role {
	switch r {
	case core.RoleAssistant:
		return provider.RoleAssistant
	case core.RoleSystem:
		return provider.RoleSystem
	default:
		return provider.RoleUser
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}
