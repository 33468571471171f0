package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/knowledge"
	"github.com/hupe1980/agentrelay/provider"
	"github.com/hupe1980/agentrelay/resource"
)

type stubGenerator struct {
	mu      sync.Mutex
	content string
	err     error
	last    provider.Request
}

func (s *stubGenerator) GenerateText(_ context.Context, req provider.Request) (*provider.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = req
	if s.err != nil {
		return nil, s.err
	}
	return &provider.Response{
		Content:  s.content,
		Model:    "stub-model",
		Provider: "stub",
		Attempts: 1,
		Usage:    provider.Usage{PromptTokens: 5, CompletionTokens: 7, TotalTokens: 12},
	}, nil
}

func (s *stubGenerator) StreamText(_ context.Context, _ provider.Request) (<-chan provider.Chunk, error) {
	ch := make(chan provider.Chunk, 2)
	ch <- provider.Chunk{Content: s.content, Provider: "stub"}
	ch <- provider.Chunk{Done: true, Provider: "stub"}
	close(ch)
	return ch, nil
}

func (s *stubGenerator) lastRequest() provider.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func newMockManager(t *testing.T) *provider.Manager {
	t.Helper()
	m := provider.NewManager(func(o *provider.ManagerOptions) { o.HealthInterval = 0 })
	require.NoError(t, m.RegisterProvider(provider.NewMockProvider("mock"), provider.Config{Enabled: true, CostWeight: 1}))
	t.Cleanup(func() { _ = m.Shutdown() })
	return m
}

func TestCoordinator_ProcessAnnotatesResponse(t *testing.T) {
	c := NewCoordinator("coordinator", newMockManager(t))
	req := core.NewRequest("s1", "help me plan a landing page", nil)

	resp, err := c.Process(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, req.ID, resp.RequestID)
	assert.Equal(t, "coordinator", resp.AgentID)
	assert.Contains(t, resp.Content, "help me plan a landing page")
	assert.Greater(t, resp.Confidence, 0.3)
	assert.False(t, resp.HasError())

	p, _ := resp.Metadata.GetString(core.KeyProvider)
	assert.Equal(t, "mock", p)
	typ, _ := resp.Metadata.GetString(core.KeyAgentType)
	assert.Equal(t, TypeCoordinator, typ)
	assert.True(t, resp.Metadata.Has(core.KeyTotalTokens))
	assert.True(t, resp.Metadata.Has(core.KeyProcessingTime))

	st := c.Status()
	assert.Equal(t, int64(1), st.RequestsProcessed)
	assert.Equal(t, 0.0, st.ErrorRate)
	assert.True(t, st.IsHealthy)
	assert.False(t, st.LastActivity.IsZero())
}

func TestBaseAgent_FailureBecomesApology(t *testing.T) {
	gen := &stubGenerator{err: errors.New("upstream 503")}
	b := NewBuilder("builder", gen)
	req := core.NewRequest("s1", "build a timer", nil)

	resp, err := b.Process(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, req.ID, resp.RequestID)
	assert.Equal(t, 0.0, resp.Confidence)
	assert.Equal(t, b.Apology(), resp.Content)
	assert.True(t, resp.HasError())
	msg, _ := resp.Metadata.GetString(core.KeyError)
	assert.Contains(t, msg, "upstream 503")

	st := b.Status()
	assert.Equal(t, int64(1), st.ErrorCount)
	assert.Equal(t, 1.0, st.ErrorRate)
	assert.False(t, st.IsHealthy)
}

func TestBaseAgent_PanicIsRecovered(t *testing.T) {
	a := NewFuncAgent("boom", "test", nil, func(context.Context, *BaseAgent, core.Request) core.Outcome {
		panic("nil map write")
	})
	resp, err := a.Process(context.Background(), core.NewRequest("s", "x", nil))
	require.NoError(t, err)
	assert.Equal(t, 0.0, resp.Confidence)
	msg, _ := resp.Metadata.GetString(core.KeyError)
	assert.Contains(t, msg, "nil map write")
	assert.Equal(t, int64(1), a.Status().ErrorCount)
}

func TestBaseAgent_DegradedKeepsResponse(t *testing.T) {
	gen := &stubGenerator{content: "   "}
	c := NewCreative("creative", gen)
	resp, err := c.Process(context.Background(), core.NewRequest("s", "name my app", nil))
	require.NoError(t, err)
	assert.Equal(t, 0.0, resp.Confidence)
	reason, _ := resp.Metadata.GetString(core.KeyDegradedReason)
	assert.Equal(t, "empty completion", reason)
	assert.True(t, resp.HasError())
	// degraded is an expected outcome, not a unit failure
	assert.Equal(t, int64(0), c.Status().ErrorCount)
}

func TestBaseAgent_ErrorRateBoundary(t *testing.T) {
	newUnit := func(threshold float64) *FuncAgent {
		var n atomic.Int64
		return NewFuncAgent("u", "test", nil, func(_ context.Context, b *BaseAgent, req core.Request) core.Outcome {
			if n.Add(1) == 5 {
				return core.Fatal(errors.New("bad input"))
			}
			return core.Success(core.NewResponse(req, b.ID(), "fine answer that is long enough to score", 0.8))
		}, func(o *Options) { o.HealthThreshold = threshold })
	}

	for _, tc := range []struct {
		threshold float64
		healthy   bool
	}{
		{threshold: 0.1, healthy: false}, // exclusive: 0.1 is not < 0.1
		{threshold: 0.11, healthy: true},
	} {
		u := newUnit(tc.threshold)
		for i := 0; i < 10; i++ {
			_, err := u.Process(context.Background(), core.NewRequest("s", "q", nil))
			require.NoError(t, err)
		}
		st := u.Status()
		assert.Equal(t, int64(10), st.RequestsProcessed)
		assert.Equal(t, int64(1), st.ErrorCount)
		assert.InDelta(t, 0.1, st.ErrorRate, 1e-12)
		assert.Equal(t, tc.healthy, st.IsHealthy, "threshold %v", tc.threshold)
	}
}

func TestBaseAgent_ZeroRequestsIsHealthy(t *testing.T) {
	st := NewCoordinator("c", &stubGenerator{}).Status()
	assert.Equal(t, 0.0, st.ErrorRate)
	assert.True(t, st.IsHealthy)
	assert.True(t, st.LastActivity.IsZero())
}

func TestBaseAgent_ShutdownIsIdempotent(t *testing.T) {
	var cleanups atomic.Int64
	c := NewCoordinator("c", &stubGenerator{content: "ok"}, func(o *Options) {
		o.Hooks.Cleanup = func(context.Context) error {
			cleanups.Add(1)
			return nil
		}
	})
	require.NoError(t, c.Shutdown(context.Background()))
	require.NoError(t, c.Shutdown(context.Background()))
	assert.Equal(t, int64(1), cleanups.Load())

	_, err := c.Process(context.Background(), core.NewRequest("s", "x", nil))
	assert.ErrorIs(t, err, core.ErrShutdown)
	assert.ErrorIs(t, c.Configure(map[string]any{"temperature": 0.1}), core.ErrShutdown)
	assert.False(t, c.Status().IsHealthy)
	assert.Equal(t, int64(0), c.Status().RequestsProcessed)
}

func TestBaseAgent_Configure(t *testing.T) {
	c := NewCoordinator("c", &stubGenerator{})

	require.NoError(t, c.Configure(map[string]any{
		"temperature":   0.2,
		"max_tokens":    512.0,
		"system_prompt": "be brief",
		"future_knob":   []string{"a"},
	}))
	s := c.Settings()
	assert.Equal(t, 0.2, s.Temperature)
	assert.Equal(t, 512, s.MaxTokens)
	prompt, _ := s.SystemPrompt.Resolve(core.Request{})
	assert.Equal(t, "be brief", prompt)
	assert.Equal(t, []string{"a"}, s.Extra["future_knob"])

	// a later merge keeps earlier unknown keys
	require.NoError(t, c.Configure(map[string]any{"another": 1}))
	assert.Contains(t, c.Settings().Extra, "future_knob")

	err := c.Configure(map[string]any{"temperature": "hot", "max_tokens": 64})
	assert.ErrorIs(t, err, ErrInvalidSetting)
	assert.Equal(t, 512, c.Settings().MaxTokens)
	assert.Equal(t, 0.2, c.Settings().Temperature)
}

func TestBaseAgent_Hooks(t *testing.T) {
	var seen atomic.Bool
	c := NewCoordinator("c", &stubGenerator{content: "a perfectly reasonable answer here"}, func(o *Options) {
		o.Hooks.PreProcess = func(context.Context, core.Request) {
			seen.Store(true)
			panic("telemetry exploded")
		}
		o.Hooks.PostProcess = func(_ context.Context, _ core.Request, resp *core.Response) {
			resp.Metadata.SetString("reviewed_by", "post-hook")
		}
	})
	resp, err := c.Process(context.Background(), core.NewRequest("s", "hi", nil))
	require.NoError(t, err)
	assert.True(t, seen.Load())
	v, _ := resp.Metadata.GetString("reviewed_by")
	assert.Equal(t, "post-hook", v)
	assert.False(t, resp.HasError())
}

func TestBaseAgent_BuildRequest(t *testing.T) {
	gen := &stubGenerator{content: "answer"}
	c := NewCoordinator("c", gen, func(o *Options) {
		o.MaxHistory = 2
		o.Provider = "openai"
	})
	rc := &core.RequestContext{
		History: []core.Turn{
			{Role: core.RoleUser, Content: "first"},
			{Role: core.RoleAssistant, Content: "second"},
			{Role: core.RoleUser, Content: "third"},
		},
		Preferences: map[string]string{"provider": "anthropic"},
	}
	_, err := c.Process(context.Background(), core.NewRequest("s", "latest", rc))
	require.NoError(t, err)

	last := gen.lastRequest()
	require.Len(t, last.Messages, 3)
	assert.Equal(t, provider.RoleAssistant, last.Messages[0].Role)
	assert.Equal(t, "second", last.Messages[0].Content)
	assert.Equal(t, "latest", last.Messages[2].Content)
	assert.Equal(t, "anthropic", last.Provider)
	assert.NotEmpty(t, last.SystemPrompt)
	assert.Equal(t, 0.7, last.Temperature)
}

func TestResearcher_UsesSharedKnowledge(t *testing.T) {
	docs := []knowledge.Document{
		{ID: "timer", Title: "Countdown timer", Content: "Use setInterval to tick a countdown timer every second."},
	}
	rm := resource.NewManager(resource.KnowledgeBuilder(docs))
	t.Cleanup(func() { _ = rm.Shutdown(context.Background()) })

	gen := &stubGenerator{content: "Use setInterval with a one second delay and clear it at zero."}
	r := NewResearcher("researcher", gen, rm)

	resp, err := r.Process(context.Background(), core.NewRequest("s", "how do I build a countdown timer", nil))
	require.NoError(t, err)
	hits, _ := resp.Metadata.GetInt(core.KeyKnowledgeHits)
	assert.Equal(t, int64(1), hits)
	assert.Contains(t, gen.lastRequest().Messages[0].Content, "Reference material")
	assert.Equal(t, int64(1), rm.Builds())

	// a second request shares the same resources
	_, err = r.Process(context.Background(), core.NewRequest("s", "countdown timer again", nil))
	require.NoError(t, err)
	assert.Equal(t, int64(1), rm.Builds())
}

func TestResearcher_WithoutResources(t *testing.T) {
	gen := &stubGenerator{content: "A general answer with enough words to look confident."}
	r := NewResearcher("researcher", gen, nil)
	resp, err := r.Process(context.Background(), core.NewRequest("s", "what is css grid", nil))
	require.NoError(t, err)
	hits, _ := resp.Metadata.GetInt(core.KeyKnowledgeHits)
	assert.Equal(t, int64(0), hits)
	assert.Equal(t, "what is css grid", gen.lastRequest().Messages[0].Content)
}

func TestBaseAgent_Stream(t *testing.T) {
	b := NewBuilder("builder", newMockManager(t))
	ch, err := b.Stream(context.Background(), core.NewRequest("s", "make a clock", nil))
	require.NoError(t, err)

	var sb strings.Builder
	var done bool
	for c := range ch {
		require.NoError(t, c.Err)
		sb.WriteString(c.Content)
		done = done || c.Done
	}
	assert.True(t, done)
	assert.Equal(t, "Mock response to: make a clock", sb.String())
	assert.Eventually(t, func() bool { return b.Status().RequestsProcessed == 1 }, time.Second, 5*time.Millisecond)
}

func TestConfidence(t *testing.T) {
	assert.Equal(t, 0.0, BaseConfidence("   "))
	assert.InDelta(t, 0.5, BaseConfidence("ok"), 1e-9)
	assert.InDelta(t, 0.7, BaseConfidence("a short but not tiny reply"), 1e-9)
	assert.InDelta(t, 0.8, BaseConfidence(strings.Repeat("solid content ", 5)), 1e-9)
	assert.InDelta(t, 0.35, BaseConfidence("I don't know."), 1e-9)

	code := "Here is the component you asked for:\n```js\nconsole.log('hi')\n```\n- step one"
	assert.True(t, HasCodeBlock(code))
	assert.True(t, HasList(code))
	assert.True(t, HasList("1. first"))
	assert.False(t, HasList("2024 was a year"))
	assert.InDelta(t, 0.95, technicalScore(core.Request{}, code), 1e-9)
	assert.Equal(t, 0.0, technicalScore(core.Request{}, ""))
}
