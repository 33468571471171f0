// Package resource owns the process-wide expensive collaborators shared by
// agents: the knowledge index and the primary backend handle.
//
// Construction is single-flight. Concurrent Initialize callers observe
// exactly one build and receive the same instance. A failed build leaves the
// manager uninitialized so the next call retries.
package resource

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/knowledge"
	"github.com/hupe1980/agentrelay/logging"
	"github.com/hupe1980/agentrelay/provider"
)

// Resources is the shared bundle handed to agents.
type Resources struct {
	Knowledge *knowledge.Index
	Backend   provider.Provider
}

// BuildFunc constructs the shared bundle. primary may be nil.
type BuildFunc func(ctx context.Context, primary provider.Provider) (*Resources, error)

type state int32

const (
	stateInit state = iota
	stateReady
	stateShutdown
)

// Options configures a Manager.
type Options struct {
	Logger logging.Logger
}

// Manager guards a single lazily built Resources value.
type Manager struct {
	build  BuildFunc
	logger logging.Logger
	group  singleflight.Group

	mu        sync.RWMutex
	state     state
	resources *Resources
	builds    atomic.Int64
}

// NewManager returns an uninitialized Manager that will use build.
func NewManager(build BuildFunc, optFns ...func(o *Options)) *Manager {
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Manager{build: build, logger: logging.OrNoOp(opts.Logger)}
}

// KnowledgeBuilder returns a BuildFunc that indexes docs and pairs the index
// with the primary backend.
func KnowledgeBuilder(docs []knowledge.Document, optFns ...func(o *knowledge.Options)) BuildFunc {
	return func(_ context.Context, primary provider.Provider) (*Resources, error) {
		idx, err := knowledge.NewIndex(docs, optFns...)
		if err != nil {
			return nil, err
		}
		return &Resources{Knowledge: idx, Backend: primary}, nil
	}
}

// Initialize builds the resources once. Callers arriving during a build wait
// for it and share its result. ctx cancellation releases only the waiting
// caller; the build itself runs to completion.
func (m *Manager) Initialize(ctx context.Context, primary provider.Provider) (*Resources, error) {
	m.mu.RLock()
	switch m.state {
	case stateReady:
		r := m.resources
		m.mu.RUnlock()
		return r, nil
	case stateShutdown:
		m.mu.RUnlock()
		return nil, core.ErrShutdown
	}
	m.mu.RUnlock()

	ch := m.group.DoChan("resources", func() (any, error) {
		m.mu.RLock()
		if m.state == stateReady {
			r := m.resources
			m.mu.RUnlock()
			return r, nil
		}
		m.mu.RUnlock()

		m.builds.Add(1)
		r, err := m.build(context.WithoutCancel(ctx), primary)
		if err != nil {
			m.logger.Warn("Shared resource initialization failed", "error", err)
			return nil, fmt.Errorf("failed to initialize shared resources: %w", err)
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.state == stateShutdown {
			closeResources(r)
			return nil, core.ErrShutdown
		}
		m.resources = r
		m.state = stateReady
		m.logger.Info("Shared resources initialized")
		return r, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Resources), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Resources returns the built bundle or core.ErrResourcesNotInitialized.
func (m *Manager) Resources() (*Resources, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch m.state {
	case stateReady:
		return m.resources, nil
	case stateShutdown:
		return nil, core.ErrShutdown
	default:
		return nil, core.ErrResourcesNotInitialized
	}
}

// Ready reports whether the bundle is built.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == stateReady
}

// Builds returns how many times the build function ran.
func (m *Manager) Builds() int64 { return m.builds.Load() }

// Reset releases the bundle and returns the manager to its uninitialized state.
func (m *Manager) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == stateShutdown {
		return core.ErrShutdown
	}
	err := closeResources(m.resources)
	m.resources = nil
	m.state = stateInit
	return err
}

// Shutdown releases the bundle. The manager cannot be reinitialized afterwards.
func (m *Manager) Shutdown(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == stateShutdown {
		return nil
	}
	err := closeResources(m.resources)
	m.resources = nil
	m.state = stateShutdown
	return err
}

func closeResources(r *Resources) error {
	if r == nil || r.Knowledge == nil {
		return nil
	}
	if err := r.Knowledge.Close(); err != nil && !errors.Is(err, knowledge.ErrClosed) {
		return err
	}
	return nil
}
