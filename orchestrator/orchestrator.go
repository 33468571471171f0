package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/internal/backoff"
	"github.com/hupe1980/agentrelay/logging"
)

// DefaultConfidenceThreshold is the confidence below which a response
// triggers fallback. A response at exactly the threshold does not.
const DefaultConfidenceThreshold = 0.3

// Options configures an Orchestrator.
type Options struct {
	// Strategy selects units. When nil a CapabilityStrategy is built from
	// Rules, Classifier and Coordinator.
	Strategy    RoutingStrategy
	Rules       []Rule
	Classifier  *KeywordClassifier
	Coordinator string

	Fallback            FallbackPolicy
	ConfidenceThreshold float64

	// HealthInterval is the background sweep period; 0 disables the sweep.
	HealthInterval time.Duration
	HighErrorRate  float64
	HighLatency    time.Duration

	Logger logging.Logger
}

// DefaultOptions returns the settings used by New.
func DefaultOptions() Options {
	return Options{
		Coordinator:         "coordinator",
		Fallback:            DefaultFallbackPolicy(),
		ConfidenceThreshold: DefaultConfidenceThreshold,
		HealthInterval:      30 * time.Second,
		HighErrorRate:       0.05,
		HighLatency:         10 * time.Second,
	}
}

func (o *Options) normalize() {
	if o.Fallback.Backoff == "" {
		o.Fallback.Backoff = backoff.Exponential
	}
	o.Fallback = o.Fallback.clone()
	o.Logger = logging.OrNoOp(o.Logger)
}

func (o Options) strategy() RoutingStrategy {
	if o.Strategy != nil {
		return o.Strategy
	}
	return NewCapabilityStrategy(o.Rules, o.Classifier, o.Coordinator)
}

// Orchestrator owns the registry of units and dispatches each request to one
// of them, recovering from failures and low-quality responses through the
// fallback policy.
//
// Per request the dispatcher moves through SELECTING, DISPATCHED and then
// either SUCCEEDED or FALLBACK_RETRY (back to DISPATCHED) until the fallback
// candidates are EXHAUSTED. Health is checked twice: at selection time from
// the unit's self-reported status, and after the call from the observed
// response quality.
//
// The registry is guarded by an RWMutex; routing reads a snapshot so
// registration never blocks in-flight requests. A background sweep logs
// units crossing the unhealthy, error-rate or latency thresholds. It only
// observes and never blocks request handling.
type Orchestrator struct {
	mu       sync.RWMutex
	agents   map[string]core.Agent
	opts     Options
	strategy RoutingStrategy
	logger   logging.Logger

	closed   atomic.Bool
	pending  sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New creates an Orchestrator and starts its health sweep.
func New(optFns ...func(o *Options)) *Orchestrator {
	opts := DefaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.normalize()

	o := &Orchestrator{
		agents:   make(map[string]core.Agent),
		opts:     opts,
		strategy: opts.strategy(),
		logger:   opts.Logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if opts.HealthInterval > 0 {
		go o.healthLoop(opts.HealthInterval)
	} else {
		close(o.done)
	}
	return o
}

// RegisterAgent adds a unit to the registry.
func (o *Orchestrator) RegisterAgent(a core.Agent) error {
	if o.closed.Load() {
		return core.ErrShutdown
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.agents[a.ID()]; exists {
		return fmt.Errorf("%w: %s", core.ErrDuplicateAgent, a.ID())
	}
	o.agents[a.ID()] = a
	o.logger.Info("Agent registered", "agent_id", a.ID())
	return nil
}

// UnregisterAgent removes a unit and shuts it down in the background.
// Shutdown failures are logged, not returned.
func (o *Orchestrator) UnregisterAgent(id string) error {
	o.mu.Lock()
	a, ok := o.agents[id]
	if ok {
		delete(o.agents, id)
	}
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrAgentNotFound, id)
	}

	o.pending.Add(1)
	go func() {
		defer o.pending.Done()
		if err := a.Shutdown(context.Background()); err != nil {
			o.log().Warn("Agent shutdown after unregister failed", "agent_id", id, "error", err)
		}
	}()
	o.log().Info("Agent unregistered", "agent_id", id)
	return nil
}

// Agents returns the registered units sorted by ID.
func (o *Orchestrator) Agents() []core.Agent {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]core.Agent, 0, len(o.agents))
	for _, a := range o.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Agent returns the unit registered under id.
func (o *Orchestrator) Agent(id string) (core.Agent, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	a, ok := o.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrAgentNotFound, id)
	}
	return a, nil
}

// AgentStatus returns the health snapshot of one unit.
func (o *Orchestrator) AgentStatus(id string) (core.UnitStatus, error) {
	a, err := o.Agent(id)
	if err != nil {
		return core.UnitStatus{}, err
	}
	return a.Status(), nil
}

// Statuses returns the health snapshot of every unit keyed by ID.
func (o *Orchestrator) Statuses() map[string]core.UnitStatus {
	agents := o.Agents()
	out := make(map[string]core.UnitStatus, len(agents))
	for _, a := range agents {
		out[a.ID()] = a.Status()
	}
	return out
}

// Configure applies optFns over the current options. The health sweep
// interval is fixed at construction.
func (o *Orchestrator) Configure(optFns ...func(o *Options)) error {
	if o.closed.Load() {
		return core.ErrShutdown
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	next := o.opts
	next.Fallback = next.Fallback.clone()
	for _, fn := range optFns {
		fn(&next)
	}
	next.normalize()
	o.opts = next
	o.strategy = next.strategy()
	o.logger = next.Logger
	return nil
}

// log returns the current logger; Configure may replace it.
func (o *Orchestrator) log() logging.Logger {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.logger
}

func (o *Orchestrator) snapshot() ([]core.Agent, Options, RoutingStrategy) {
	o.mu.RLock()
	opts, strategy := o.opts, o.strategy
	o.mu.RUnlock()
	return o.Agents(), opts, strategy
}

// RouteRequest selects a unit for req, dispatches it and applies the
// fallback policy when the call fails or the response is low quality.
func (o *Orchestrator) RouteRequest(ctx context.Context, req core.Request) (*core.Response, error) {
	if o.closed.Load() {
		return nil, core.ErrShutdown
	}
	agents, opts, strategy := o.snapshot()
	if len(agents) == 0 {
		return nil, core.ErrNoAgents
	}
	start := time.Now()

	sel := strategy.Select(agents, req)
	if sel == nil || sel.Agent == nil {
		return nil, core.ErrNoHealthyAgent
	}

	resp, err := o.dispatch(ctx, sel.Agent, req)
	if !o.needsFallback(opts, resp, err) {
		resp.Metadata.SetString(core.KeyRoutedBy, sel.Reason)
		logging.LogDispatch(o.log(), req.ID, sel.Agent.ID(), false, time.Since(start))
		return resp, nil
	}

	if !opts.Fallback.Enabled {
		if err != nil {
			return nil, err
		}
		resp.Metadata.SetString(core.KeyRoutedBy, sel.Reason)
		return resp, nil
	}
	return o.fallback(ctx, opts, agents, req, sel, resp, err, start)
}

func (o *Orchestrator) fallback(ctx context.Context, opts Options, agents []core.Agent, req core.Request,
	sel *Selection, primary *core.Response, primaryErr error, start time.Time,
) (*core.Response, error) {
	failed := sel.Agent.ID()
	lastErr := primaryErr
	if lastErr == nil {
		lastErr = lowQualityError(failed, primary)
	}
	degraded := primary
	if primaryErr != nil {
		degraded = nil
	}

	byID := make(map[string]core.Agent, len(agents))
	for _, a := range agents {
		byID[a.ID()] = a
	}

	attempt := 0
	for _, id := range opts.Fallback.candidates(failed) {
		if opts.Fallback.MaxRetries > 0 && attempt >= opts.Fallback.MaxRetries {
			break
		}
		a, ok := byID[id]
		if !ok || !a.Status().IsHealthy {
			continue
		}
		attempt++
		if err := backoff.Sleep(ctx, opts.Fallback.delay(attempt)); err != nil {
			lastErr = err
			break
		}

		o.log().Debug("Falling back", "request_id", req.ID, "from", failed, "to", id, "attempt", attempt)
		resp, err := o.dispatch(ctx, a, req)
		if !o.needsFallback(opts, resp, err) {
			resp.Metadata.SetBool(core.KeyFallback, true)
			resp.Metadata.SetString(core.KeyDelegatedFrom, failed)
			resp.Metadata.SetInt(core.KeyFallbackAttempt, int64(attempt))
			resp.Metadata.SetString(core.KeyRoutedBy, sel.Reason)
			logging.LogDispatch(o.log(), req.ID, id, true, time.Since(start))
			return resp, nil
		}
		if err != nil {
			lastErr = err
			continue
		}
		lastErr = lowQualityError(id, resp)
		if degraded == nil {
			degraded = resp
		}
	}

	if degraded != nil {
		degraded.Metadata.SetBool(core.KeyFallbackExhaust, true)
		degraded.Metadata.SetString(core.KeyRoutedBy, sel.Reason)
		o.log().Warn("Fallback exhausted, returning degraded response",
			"request_id", req.ID, "agent_id", degraded.AgentID, "attempts", attempt)
		return degraded, nil
	}
	o.log().Error("Dispatch exhausted", "request_id", req.ID, "agent_id", failed, "attempts", attempt, "error", lastErr)
	return nil, fmt.Errorf("%w: %w", core.ErrExhausted, lastErr)
}

// dispatch calls a.Process, converting panics and nil responses into errors.
func (o *Orchestrator) dispatch(ctx context.Context, a core.Agent, req core.Request) (resp *core.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp, err = nil, fmt.Errorf("agent %s panicked: %v", a.ID(), r)
		}
	}()
	resp, err = a.Process(ctx, req)
	if err == nil && resp == nil {
		err = fmt.Errorf("agent %s returned no response", a.ID())
	}
	if err != nil {
		o.log().Warn("Agent call failed", "agent_id", a.ID(), "request_id", req.ID, "error", err)
	}
	return resp, err
}

func (o *Orchestrator) needsFallback(opts Options, resp *core.Response, err error) bool {
	return err != nil || resp == nil || resp.Confidence < opts.ConfidenceThreshold || resp.HasError()
}

func lowQualityError(agentID string, resp *core.Response) error {
	if msg, ok := resp.Metadata.GetString(core.KeyError); ok && msg != "" {
		return fmt.Errorf("agent %s: %s", agentID, msg)
	}
	return fmt.Errorf("agent %s: low confidence %.2f", agentID, resp.Confidence)
}

// Shutdown stops the health sweep and shuts down every unit concurrently,
// waiting for all of them. Later calls are no-ops.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	if !o.closed.CompareAndSwap(false, true) {
		return nil
	}
	o.stopOnce.Do(func() { close(o.stop) })
	<-o.done

	agents := o.Agents()
	// errgroup reports only the first failure; errs keeps all of them.
	errs := make([]error, len(agents))
	var g errgroup.Group
	for i, a := range agents {
		g.Go(func() error {
			if err := a.Shutdown(ctx); err != nil {
				errs[i] = fmt.Errorf("%s: %w", a.ID(), err)
				return errs[i]
			}
			return nil
		})
	}
	err := g.Wait()
	o.pending.Wait()
	o.log().Info("Orchestrator shut down", "agents", len(agents))
	if err != nil {
		return errors.Join(errs...)
	}
	return nil
}
