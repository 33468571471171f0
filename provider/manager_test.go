package provider

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ Provider = (*MockProvider)(nil)
	_ Enabler  = (*MockProvider)(nil)
)

func newTestManager(t *testing.T, optFns ...func(o *ManagerOptions)) *Manager {
	t.Helper()
	fns := append([]func(o *ManagerOptions){func(o *ManagerOptions) {
		o.RetryDelay = time.Millisecond
		o.HealthInterval = 0
	}}, optFns...)
	m := NewManager(fns...)
	t.Cleanup(func() { _ = m.Shutdown() })
	return m
}

func userRequest(text string) Request {
	return Request{Messages: []Message{{Role: RoleUser, Content: text}}, MaxTokens: 1000}
}

func enabled() Config { return Config{Enabled: true, CostWeight: 1} }

func TestManager_CostOptimizedPicksCheapest(t *testing.T) {
	m := newTestManager(t)
	pricey := NewMockProvider("pricey", func(o *MockOptions) { o.PromptCost, o.CompletionCost = 0, 0.002 })
	cheap := NewMockProvider("cheap", func(o *MockOptions) { o.PromptCost, o.CompletionCost = 0, 0.0008 })
	require.NoError(t, m.RegisterProvider(pricey, enabled()))
	require.NoError(t, m.RegisterProvider(cheap, enabled()))

	req := userRequest("hello")
	assert.InDelta(t, 0.002, EstimateCost(pricey.Info(), enabled(), req), 1e-12)
	assert.InDelta(t, 0.0008, EstimateCost(cheap.Info(), enabled(), req), 1e-12)

	p, d, err := m.Select(req, nil)
	require.NoError(t, err)
	assert.Equal(t, "cheap", p.Info().Name)
	assert.Equal(t, CostOptimized, d.Strategy)
	assert.ElementsMatch(t, []string{"pricey", "cheap"}, d.Candidates)

	resp, err := m.GenerateText(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "cheap", resp.Provider)
	assert.Equal(t, 1, resp.Attempts)
}

func TestManager_CostWeightBiasesSelection(t *testing.T) {
	m := newTestManager(t)
	pricey := NewMockProvider("pricey", func(o *MockOptions) { o.PromptCost, o.CompletionCost = 0, 0.002 })
	cheap := NewMockProvider("cheap", func(o *MockOptions) { o.PromptCost, o.CompletionCost = 0, 0.0008 })
	require.NoError(t, m.RegisterProvider(pricey, Config{Enabled: true, CostWeight: 4}))
	require.NoError(t, m.RegisterProvider(cheap, enabled()))

	p, _, err := m.Select(userRequest("hello"), nil)
	require.NoError(t, err)
	assert.Equal(t, "pricey", p.Info().Name, "0.002/4 < 0.0008")
}

func TestManager_PriorityStrategy(t *testing.T) {
	m := newTestManager(t, func(o *ManagerOptions) { o.Strategy = Priority })
	require.NoError(t, m.RegisterProvider(NewMockProvider("low"), Config{Enabled: true, Priority: 1}))
	require.NoError(t, m.RegisterProvider(NewMockProvider("high"), Config{Enabled: true, Priority: 10}))
	require.NoError(t, m.RegisterProvider(NewMockProvider("off"), Config{Enabled: false, Priority: 99}))

	p, _, err := m.Select(userRequest("x"), nil)
	require.NoError(t, err)
	assert.Equal(t, "high", p.Info().Name)
}

func TestManager_RoundRobinRotates(t *testing.T) {
	m := newTestManager(t, func(o *ManagerOptions) { o.Strategy = RoundRobin })
	for _, n := range []string{"a", "b", "c"} {
		require.NoError(t, m.RegisterProvider(NewMockProvider(n), enabled()))
	}
	var got []string
	for i := 0; i < 6; i++ {
		p, _, err := m.Select(userRequest("x"), nil)
		require.NoError(t, err)
		got = append(got, p.Info().Name)
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, got)
}

func TestManager_PerformanceOptimizedPicksFastest(t *testing.T) {
	m := newTestManager(t, func(o *ManagerOptions) { o.Strategy = PerformanceOptimized })
	slow := NewMockProvider("slow", func(o *MockOptions) { o.Latency = 20 * time.Millisecond })
	fast := NewMockProvider("fast")
	require.NoError(t, m.RegisterProvider(slow, enabled()))
	require.NoError(t, m.RegisterProvider(fast, enabled()))

	_, err := slow.GenerateText(context.Background(), userRequest("warm"))
	require.NoError(t, err)
	_, err = fast.GenerateText(context.Background(), userRequest("warm"))
	require.NoError(t, err)

	p, _, err := m.Select(userRequest("x"), nil)
	require.NoError(t, err)
	assert.Equal(t, "fast", p.Info().Name)
}

func TestManager_RetryMovesToAnotherProvider(t *testing.T) {
	m := newTestManager(t, func(o *ManagerOptions) { o.Strategy = Priority })
	primary := NewMockProvider("primary")
	backup := NewMockProvider("backup")
	require.NoError(t, m.RegisterProvider(primary, Config{Enabled: true, Priority: 2}))
	require.NoError(t, m.RegisterProvider(backup, Config{Enabled: true, Priority: 1}))
	primary.FailNext(errors.New("503 upstream"))

	resp, err := m.GenerateText(context.Background(), userRequest("hi"))
	require.NoError(t, err)
	assert.Equal(t, "backup", resp.Provider)
	assert.Equal(t, 2, resp.Attempts)
	assert.Equal(t, int64(1), primary.Calls())
	assert.True(t, primary.Status().IsAvailable, "transient errors keep the backend available")
}

func TestManager_RetryWithoutFallbackReselects(t *testing.T) {
	m := newTestManager(t, func(o *ManagerOptions) {
		o.Strategy = Priority
		o.EnableFallback = false
	})
	only := NewMockProvider("only")
	require.NoError(t, m.RegisterProvider(only, enabled()))
	only.FailNext(errors.New("timeout"), errors.New("timeout"))

	resp, err := m.GenerateText(context.Background(), userRequest("hi"))
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Attempts)
}

func TestManager_FatalErrorDisablesProvider(t *testing.T) {
	m := newTestManager(t, func(o *ManagerOptions) { o.Strategy = Priority })
	bad := NewMockProvider("bad")
	good := NewMockProvider("good")
	require.NoError(t, m.RegisterProvider(bad, Config{Enabled: true, Priority: 5}))
	require.NoError(t, m.RegisterProvider(good, Config{Enabled: true, Priority: 1}))
	bad.FailNext(NewError("bad", Fatal, errors.New("401 unauthorized")))

	resp, err := m.GenerateText(context.Background(), userRequest("hi"))
	require.NoError(t, err)
	assert.Equal(t, "good", resp.Provider)
	assert.False(t, bad.Status().IsAvailable)

	// stays out of rotation until an operator re-enables it
	resp, err = m.GenerateText(context.Background(), userRequest("again"))
	require.NoError(t, err)
	assert.Equal(t, "good", resp.Provider)
	assert.Equal(t, int64(1), bad.Calls())

	require.NoError(t, m.Enable("bad"))
	assert.True(t, bad.Status().IsAvailable)
}

func TestManager_AllAttemptsFail(t *testing.T) {
	m := newTestManager(t, func(o *ManagerOptions) { o.MaxRetries = 1 })
	p := NewMockProvider("p")
	require.NoError(t, m.RegisterProvider(p, enabled()))
	p.FailNext(errors.New("boom"), errors.New("boom"))

	_, err := m.GenerateText(context.Background(), userRequest("hi"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoHealthyProvider, "second attempt finds nothing once p is excluded")
}

func TestManager_NoProviders(t *testing.T) {
	m := newTestManager(t)
	_, err := m.GenerateText(context.Background(), userRequest("hi"))
	assert.ErrorIs(t, err, ErrNoHealthyProvider)
	_, err = m.Primary()
	assert.ErrorIs(t, err, ErrNoHealthyProvider)
}

func TestManager_DuplicateRegistration(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.RegisterProvider(NewMockProvider("x"), enabled()))
	assert.ErrorIs(t, m.RegisterProvider(NewMockProvider("x"), enabled()), ErrDuplicateProvider)
}

func TestManager_PreferredProvider(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.RegisterProvider(NewMockProvider("cheap", func(o *MockOptions) { o.CompletionCost = 0 }), enabled()))
	require.NoError(t, m.RegisterProvider(NewMockProvider("chosen"), enabled()))
	require.NoError(t, m.RegisterProvider(NewMockProvider("off"), Config{Enabled: false}))

	req := userRequest("hi")
	req.Provider = "chosen"
	_, d, err := m.Select(req, nil)
	require.NoError(t, err)
	assert.Equal(t, "chosen", d.Provider)
	assert.True(t, d.Preferred)

	req.Provider = "off"
	_, d, err = m.Select(req, nil)
	require.NoError(t, err)
	assert.Equal(t, "cheap", d.Provider)

	reports := m.CheckHealth()
	require.Len(t, reports, 1)
	assert.Equal(t, "off", reports[0].Provider)
	assert.Equal(t, IssueDisabledAttempted, reports[0].Issue)
}

func TestManager_CheckHealthHighErrorRate(t *testing.T) {
	m := newTestManager(t, func(o *ManagerOptions) {
		o.MaxRetries = 0
		o.ErrorRateThreshold = 0.4
	})
	p := NewMockProvider("flaky")
	require.NoError(t, m.RegisterProvider(p, enabled()))
	p.FailNext(errors.New("boom"))
	_, _ = m.GenerateText(context.Background(), userRequest("a"))
	_, _ = m.GenerateText(context.Background(), userRequest("b"))

	reports := m.CheckHealth()
	require.Len(t, reports, 1)
	assert.Equal(t, IssueHighErrorRate, reports[0].Issue)
	assert.Equal(t, 0.5, reports[0].Status.ErrorRate)
}

func TestManager_StreamDegradesWithoutStreamingSupport(t *testing.T) {
	m := newTestManager(t)
	p := NewMockProvider("batch", func(o *MockOptions) { o.SupportsStreaming = false })
	require.NoError(t, m.RegisterProvider(p, enabled()))
	p.AddResponse("hi", "a complete answer")

	want, err := m.GenerateText(context.Background(), userRequest("hi"))
	require.NoError(t, err)

	ch, err := m.StreamText(context.Background(), userRequest("hi"))
	require.NoError(t, err)
	var chunks []Chunk
	for c := range ch {
		chunks = append(chunks, c)
	}
	require.Len(t, chunks, 1)
	assert.True(t, chunks[0].Done)
	assert.Equal(t, want.Content, chunks[0].Content)
	assert.Equal(t, "batch", chunks[0].Provider)
}

func TestManager_StreamDegradeStaysOnSelectedProvider(t *testing.T) {
	m := newTestManager(t, func(o *ManagerOptions) { o.Strategy = RoundRobin })
	a := NewMockProvider("a", func(o *MockOptions) { o.SupportsStreaming = false })
	b := NewMockProvider("b")
	require.NoError(t, m.RegisterProvider(a, enabled()))
	require.NoError(t, m.RegisterProvider(b, enabled()))

	ch, err := m.StreamText(context.Background(), userRequest("hi"))
	require.NoError(t, err)
	var chunks []Chunk
	for c := range ch {
		chunks = append(chunks, c)
	}
	require.Len(t, chunks, 1)
	assert.Equal(t, "a", chunks[0].Provider)
	assert.Equal(t, int64(1), a.Calls())
	assert.Zero(t, b.Calls())

	// One stream call advances the rotation once.
	p, _, err := m.Select(userRequest("x"), nil)
	require.NoError(t, err)
	assert.Equal(t, "b", p.Info().Name)
}

func TestManager_StreamDegradeRetriesThroughSelection(t *testing.T) {
	m := newTestManager(t, func(o *ManagerOptions) { o.Strategy = Priority })
	batch := NewMockProvider("batch", func(o *MockOptions) { o.SupportsStreaming = false })
	backup := NewMockProvider("backup", func(o *MockOptions) { o.SupportsStreaming = false })
	require.NoError(t, m.RegisterProvider(batch, Config{Enabled: true, Priority: 2}))
	require.NoError(t, m.RegisterProvider(backup, Config{Enabled: true, Priority: 1}))
	batch.FailNext(errors.New("503 upstream"), errors.New("503 upstream"))

	ch, err := m.StreamText(context.Background(), userRequest("hi"))
	require.NoError(t, err)
	c := <-ch
	assert.True(t, c.Done)
	assert.Equal(t, "backup", c.Provider)
	assert.Equal(t, int64(2), batch.Calls())
}

func TestManager_StreamPassthrough(t *testing.T) {
	m := newTestManager(t)
	p := NewMockProvider("live")
	require.NoError(t, m.RegisterProvider(p, enabled()))
	p.AddResponse("hi", "one two three")

	ch, err := m.StreamText(context.Background(), userRequest("hi"))
	require.NoError(t, err)
	var text string
	var last Chunk
	for c := range ch {
		text += c.Content
		last = c
	}
	assert.Equal(t, "one two three", text)
	assert.True(t, last.Done)
}

func TestManager_CallTimeout(t *testing.T) {
	m := newTestManager(t, func(o *ManagerOptions) {
		o.CallTimeout = 5 * time.Millisecond
		o.MaxRetries = 0
	})
	p := NewMockProvider("slow", func(o *MockOptions) { o.Latency = time.Second })
	require.NoError(t, m.RegisterProvider(p, enabled()))

	_, err := m.GenerateText(context.Background(), userRequest("hi"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, IsFatal(err))
}

func TestManager_ConcurrentGenerate(t *testing.T) {
	m := newTestManager(t, func(o *ManagerOptions) { o.Strategy = RoundRobin })
	a, b := NewMockProvider("a"), NewMockProvider("b")
	require.NoError(t, m.RegisterProvider(a, enabled()))
	require.NoError(t, m.RegisterProvider(b, enabled()))

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.GenerateText(context.Background(), userRequest("hi"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(40), a.Calls()+b.Calls())
	assert.Equal(t, int64(20), a.Calls())
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, CostOptimized, s)
	s, err = ParseStrategy("Round-Robin")
	require.NoError(t, err)
	assert.Equal(t, RoundRobin, s)
	_, err = ParseStrategy("random")
	assert.Error(t, err)
}
