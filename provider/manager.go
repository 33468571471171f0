package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/agentrelay/internal/backoff"
	"github.com/hupe1980/agentrelay/logging"
)

// Config is the per-backend registration configuration.
type Config struct {
	Priority   int     `yaml:"priority"`
	CostWeight float64 `yaml:"cost_weight"`
	Enabled    bool    `yaml:"enabled"`
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Strategy Strategy
	// MaxRetries is the number of additional attempts after the first one.
	MaxRetries int
	// EnableFallback lets a retry move to a different backend than the one that just failed.
	EnableFallback bool
	RetryDelay     time.Duration
	MaxRetryDelay  time.Duration
	// CallTimeout bounds every backend call. Zero disables the timeout.
	CallTimeout time.Duration
	// HealthInterval is the period of the background health sweep. Zero disables it.
	HealthInterval     time.Duration
	ErrorRateThreshold float64
	Logger             logging.Logger
}

// DefaultManagerOptions are the defaults applied by NewManager.
var DefaultManagerOptions = ManagerOptions{
	Strategy:           CostOptimized,
	MaxRetries:         2,
	EnableFallback:     true,
	RetryDelay:         200 * time.Millisecond,
	MaxRetryDelay:      5 * time.Second,
	CallTimeout:        30 * time.Second,
	HealthInterval:     time.Minute,
	ErrorRateThreshold: 0.2,
}

type entry struct {
	provider         Provider
	cfg              Config
	disabledAttempts atomic.Int64
}

func (e *entry) info() Info   { return e.provider.Info() }
func (e *entry) name() string { return e.provider.Info().Name }

// healthy must be called with the manager lock held.
func (e *entry) healthy() bool {
	return e.cfg.Enabled && e.provider.Status().IsAvailable
}

// Manager owns a set of interchangeable backends, picks one per call and
// retries on failure. It is safe for concurrent use.
type Manager struct {
	mu      sync.RWMutex
	entries []*entry
	byName  map[string]*entry
	opts    ManagerOptions
	logger  logging.Logger
	rr      atomic.Uint64

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewManager creates a Manager and starts its health sweep when configured.
func NewManager(optFns ...func(o *ManagerOptions)) *Manager {
	opts := DefaultManagerOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Strategy == "" {
		opts.Strategy = CostOptimized
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	m := &Manager{
		byName: make(map[string]*entry),
		opts:   opts,
		logger: logging.OrNoOp(opts.Logger),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if opts.HealthInterval > 0 {
		go m.healthLoop(opts.HealthInterval)
	} else {
		close(m.done)
	}
	return m
}

// RegisterProvider adds a backend. Names must be unique.
func (m *Manager) RegisterProvider(p Provider, cfg Config) error {
	name := p.Info().Name
	if name == "" {
		return fmt.Errorf("provider name must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byName[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateProvider, name)
	}
	e := &entry{provider: p, cfg: cfg}
	m.entries = append(m.entries, e)
	m.byName[name] = e
	m.logger.Info("Provider registered", "provider", name, "priority", cfg.Priority, "cost_weight", cfg.CostWeight, "enabled", cfg.Enabled)
	return nil
}

// Providers returns the registered backend names in registration order.
func (m *Manager) Providers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.entries))
	for _, e := range m.entries {
		names = append(names, e.name())
	}
	return names
}

// Provider returns a registered backend by name.
func (m *Manager) Provider(name string) (Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, name)
	}
	return e.provider, nil
}

// Primary returns the first healthy backend in registration order, or the
// first registered one when none is healthy.
func (m *Manager) Primary() (Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.entries) == 0 {
		return nil, ErrNoHealthyProvider
	}
	for _, e := range m.entries {
		if e.healthy() {
			return e.provider, nil
		}
	}
	return m.entries[0].provider, nil
}

// Enable re-enables a backend and restores its availability.
func (m *Manager) Enable(name string) error {
	return m.setEnabled(name, true)
}

// Disable stops a backend from being selected.
func (m *Manager) Disable(name string) error {
	return m.setEnabled(name, false)
}

func (m *Manager) setEnabled(name string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byName[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrProviderNotFound, name)
	}
	e.cfg.Enabled = enabled
	if enabled {
		if en, ok := e.provider.(Enabler); ok {
			en.SetAvailable(true)
		}
		e.disabledAttempts.Store(0)
	}
	return nil
}

// Status returns a status snapshot per backend.
func (m *Manager) Status() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Status, len(m.entries))
	for _, e := range m.entries {
		out[e.name()] = e.provider.Status()
	}
	return out
}

// Select returns the backend that would serve req, excluding the named backends.
func (m *Manager) Select(req Request, exclude map[string]bool) (Provider, Decision, error) {
	e, d, err := m.selectEntry(req, exclude)
	if err != nil {
		return nil, d, err
	}
	return e.provider, d, nil
}

func (m *Manager) selectEntry(req Request, exclude map[string]bool) (*entry, Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d := Decision{Strategy: m.opts.Strategy}
	if req.Provider != "" {
		if e, ok := m.byName[req.Provider]; ok && !exclude[req.Provider] {
			if e.healthy() {
				d.Provider, d.Preferred = e.name(), true
				d.Candidates = []string{e.name()}
				d.EstimatedCost = EstimateCost(e.info(), e.cfg, req)
				return e, d, nil
			}
			if !e.cfg.Enabled {
				e.disabledAttempts.Add(1)
			}
		}
	}

	candidates := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		if exclude[e.name()] || !e.healthy() {
			continue
		}
		candidates = append(candidates, e)
		d.Candidates = append(d.Candidates, e.name())
	}
	if len(candidates) == 0 {
		return nil, d, ErrNoHealthyProvider
	}
	var cursor uint64
	if m.opts.Strategy == RoundRobin {
		cursor = m.rr.Add(1) - 1
	}
	chosen, cost := choose(m.opts.Strategy, candidates, req, cursor)
	d.Provider, d.EstimatedCost = chosen.name(), cost
	return chosen, d, nil
}

// GenerateText selects a backend and executes req with retry. Every retry
// re-runs selection; with fallback enabled the backends that already failed
// are excluded. Fatal backend errors are never retried on the same backend.
func (m *Manager) GenerateText(ctx context.Context, req Request) (*Response, error) {
	attempts := m.opts.MaxRetries + 1
	exclude := make(map[string]bool)
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e, d, err := m.selectEntry(req, exclude)
		if err != nil {
			if lastErr != nil {
				return nil, fmt.Errorf("%w after %d attempt(s): %w", err, attempt-1, lastErr)
			}
			return nil, err
		}
		m.logger.Debug("Provider selected", "provider", d.Provider, "strategy", string(d.Strategy),
			"candidates", d.Candidates, "estimated_cost", d.EstimatedCost, "attempt", attempt)

		resp, err := m.call(ctx, e, req)
		if err == nil {
			resp.Provider = e.name()
			resp.Attempts = attempt
			return resp, nil
		}
		lastErr = err

		fatal := IsFatal(err)
		if fatal || m.opts.EnableFallback {
			exclude[e.name()] = true
		}
		if fatal {
			m.logger.Error("Provider failed fatally, marking unavailable", "provider", e.name(), "error", err)
			continue
		}
		if attempt < attempts {
			delay := backoff.Delay(backoff.Exponential, attempt, m.opts.RetryDelay, m.opts.MaxRetryDelay)
			if err := backoff.Sleep(ctx, delay); err != nil {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("all %d provider attempt(s) failed: %w", attempts, lastErr)
}

func (m *Manager) call(ctx context.Context, e *entry, req Request) (*Response, error) {
	cctx := ctx
	if m.opts.CallTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, m.opts.CallTimeout)
		defer cancel()
	}
	start := time.Now()
	resp, err := e.provider.GenerateText(cctx, req)
	if err == nil && resp == nil {
		err = fmt.Errorf("empty response")
	}
	if err != nil {
		var pe *Error
		if !errors.As(err, &pe) {
			err = NewError(e.name(), Transient, err)
		}
		if IsFatal(err) {
			if en, ok := e.provider.(Enabler); ok {
				en.SetAvailable(false)
			}
		}
		logging.LogBackendCall(m.logger, e.name(), e.info().Model, 0, time.Since(start), false, err)
		return nil, err
	}
	logging.LogBackendCall(m.logger, e.name(), resp.Model, resp.Usage.TotalTokens, time.Since(start), true, nil)
	return resp, nil
}

// StreamText streams a completion. When the selected backend does not
// advertise streaming, or opening its stream fails, it degrades to a single
// completion on that backend emitted as one terminal chunk. Only if that
// completion fails does it fall through to GenerateText.
func (m *Manager) StreamText(ctx context.Context, req Request) (<-chan Chunk, error) {
	e, _, err := m.selectEntry(req, nil)
	if err != nil {
		return nil, err
	}
	if !e.info().SupportsStreaming {
		return m.singleChunk(ctx, e, req)
	}

	cctx, cancel := ctx, context.CancelFunc(func() {})
	if m.opts.CallTimeout > 0 {
		cctx, cancel = context.WithTimeout(ctx, m.opts.CallTimeout)
	}
	in, err := e.provider.StreamText(cctx, req)
	if err != nil {
		cancel()
		m.logger.Warn("Stream open failed, degrading to single completion", "provider", e.name(), "error", err)
		return m.singleChunk(ctx, e, req)
	}

	out := make(chan Chunk, 16)
	name := e.name()
	go func() {
		defer close(out)
		defer cancel()
		for c := range in {
			c.Provider = name
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
			if c.Done || c.Err != nil {
				return
			}
		}
	}()
	return out, nil
}

func (m *Manager) singleChunk(ctx context.Context, e *entry, req Request) (<-chan Chunk, error) {
	resp, err := m.call(ctx, e, req)
	if err == nil {
		resp.Provider = e.name()
	} else {
		m.logger.Debug("Single completion failed, retrying through selection", "provider", e.name(), "error", err)
		if resp, err = m.GenerateText(ctx, req); err != nil {
			return nil, err
		}
	}
	out := make(chan Chunk, 1)
	out <- Chunk{Content: resp.Content, Done: true, Provider: resp.Provider}
	close(out)
	return out, nil
}

// HealthReport describes one backend flagged by the health sweep.
type HealthReport struct {
	Provider string
	Issue    string
	Status   Status
}

// Health issues reported by CheckHealth.
const (
	IssueDisabledAttempted = "disabled_but_attempted"
	IssueHighErrorRate     = "high_error_rate"
	IssueUnavailable       = "unavailable"
)

// CheckHealth evaluates every backend once and logs the flagged ones.
func (m *Manager) CheckHealth() []HealthReport {
	m.mu.RLock()
	entries := make([]*entry, len(m.entries))
	copy(entries, m.entries)
	enabled := make([]bool, len(m.entries))
	for i, e := range m.entries {
		enabled[i] = e.cfg.Enabled
	}
	m.mu.RUnlock()

	var reports []HealthReport
	for i, e := range entries {
		st := e.provider.Status()
		if !enabled[i] && e.disabledAttempts.Load() > 0 {
			reports = append(reports, HealthReport{Provider: e.name(), Issue: IssueDisabledAttempted, Status: st})
		}
		if enabled[i] && !st.IsAvailable {
			reports = append(reports, HealthReport{Provider: e.name(), Issue: IssueUnavailable, Status: st})
		}
		if m.opts.ErrorRateThreshold > 0 && st.ErrorRate > m.opts.ErrorRateThreshold {
			reports = append(reports, HealthReport{Provider: e.name(), Issue: IssueHighErrorRate, Status: st})
		}
	}
	for _, r := range reports {
		m.logger.Warn("Provider health issue", "provider", r.Provider, "issue", r.Issue,
			"error_rate", r.Status.ErrorRate, "response_time", r.Status.ResponseTime)
	}
	return reports
}

func (m *Manager) healthLoop(interval time.Duration) {
	defer close(m.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.CheckHealth()
		}
	}
}

// Shutdown stops the health sweep and closes backends that hold resources.
func (m *Manager) Shutdown() error {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done

	m.mu.RLock()
	defer m.mu.RUnlock()
	var errs []error
	for _, e := range m.entries {
		if c, ok := e.provider.(Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", e.name(), err))
			}
		}
	}
	return errors.Join(errs...)
}
