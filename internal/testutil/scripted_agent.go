package testutil

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hupe1980/agentrelay/core"
)

// ProcessFunc scripts a ScriptedAgent's response.
type ProcessFunc func(ctx context.Context, req core.Request) (*core.Response, error)

// ScriptedAgent is a core.Agent whose behaviour and health are set by the test.
type ScriptedAgent struct {
	id          string
	fn          ProcessFunc
	unhealthy   atomic.Bool
	closed      atomic.Bool
	calls       atomic.Int64
	shutdowns   atomic.Int64
	ShutdownErr error
	ShutdownHit chan struct{}
}

var _ core.Agent = (*ScriptedAgent)(nil)

// NewScriptedAgent creates a healthy agent that answers with fn.
func NewScriptedAgent(id string, fn ProcessFunc) *ScriptedAgent {
	return &ScriptedAgent{id: id, fn: fn, ShutdownHit: make(chan struct{}, 1)}
}

// Respond answers every request with content at the given confidence.
func Respond(agentID, content string, confidence float64) ProcessFunc {
	return func(_ context.Context, req core.Request) (*core.Response, error) {
		return core.NewResponse(req, agentID, content, confidence), nil
	}
}

// Fail returns err for every request.
func Fail(err error) ProcessFunc {
	return func(context.Context, core.Request) (*core.Response, error) { return nil, err }
}

// Sleep delays fn by d.
func Sleep(d time.Duration, fn ProcessFunc) ProcessFunc {
	return func(ctx context.Context, req core.Request) (*core.Response, error) {
		time.Sleep(d)
		return fn(ctx, req)
	}
}

func (a *ScriptedAgent) ID() string { return a.id }

func (a *ScriptedAgent) Process(ctx context.Context, req core.Request) (*core.Response, error) {
	if a.closed.Load() {
		return nil, core.ErrShutdown
	}
	a.calls.Add(1)
	return a.fn(ctx, req)
}

func (a *ScriptedAgent) Status() core.UnitStatus {
	return core.UnitStatus{
		ID:                a.id,
		IsHealthy:         !a.unhealthy.Load() && !a.closed.Load(),
		RequestsProcessed: a.calls.Load(),
	}
}

func (a *ScriptedAgent) Configure(map[string]any) error { return nil }

func (a *ScriptedAgent) Shutdown(context.Context) error {
	a.closed.Store(true)
	a.shutdowns.Add(1)
	select {
	case a.ShutdownHit <- struct{}{}:
	default:
	}
	return a.ShutdownErr
}

// SetHealthy overrides the reported health.
func (a *ScriptedAgent) SetHealthy(healthy bool) { a.unhealthy.Store(!healthy) }

// Calls returns how many times Process ran.
func (a *ScriptedAgent) Calls() int64 { return a.calls.Load() }

// Shutdowns returns how many times Shutdown ran.
func (a *ScriptedAgent) Shutdowns() int64 { return a.shutdowns.Load() }
