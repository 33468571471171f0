package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ErrStreamingUnsupported is returned by backends that do not stream.
var ErrStreamingUnsupported = errors.New("streaming not supported")

// MockOptions configures a MockProvider.
type MockOptions struct {
	Model             string
	SupportsStreaming bool
	PromptCost        float64
	CompletionCost    float64
	Latency           time.Duration
	RateLimit         int
	RateLimitCooldown time.Duration
}

// MockProvider is a lightweight in-memory Provider useful for tests & examples.
type MockProvider struct {
	*Tracker
	name      string
	opts      MockOptions
	mu        sync.Mutex
	responses map[string]string
	failures  []error
	calls     atomic.Int64
}

// NewMockProvider constructs a MockProvider.
func NewMockProvider(name string, optFns ...func(o *MockOptions)) *MockProvider {
	opts := MockOptions{
		Model:             "mock-1",
		SupportsStreaming: true,
		PromptCost:        0.001,
		CompletionCost:    0.002,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &MockProvider{
		Tracker:   NewTracker(opts.RateLimit, opts.RateLimitCooldown),
		name:      name,
		opts:      opts,
		responses: make(map[string]string),
	}
}

// AddResponse registers a deterministic canned completion for an input prompt.
func (m *MockProvider) AddResponse(prompt, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[prompt] = response
}

// FailNext queues errors returned by the next calls, in order.
func (m *MockProvider) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, errs...)
}

// Calls returns how many generation calls reached the mock.
func (m *MockProvider) Calls() int64 { return m.calls.Load() }

// Info implements Provider.
func (m *MockProvider) Info() Info {
	return Info{
		Name:              m.name,
		Model:             m.opts.Model,
		SupportsStreaming: m.opts.SupportsStreaming,
		PromptCost:        m.opts.PromptCost,
		CompletionCost:    m.opts.CompletionCost,
	}
}

// GenerateText implements Provider.
func (m *MockProvider) GenerateText(ctx context.Context, req Request) (*Response, error) {
	if err := m.Acquire(ctx); err != nil {
		return nil, err
	}
	m.calls.Add(1)
	start := time.Now()
	resp, err := m.generate(ctx, req)
	m.Record(start, err)
	return resp, err
}

func (m *MockProvider) generate(ctx context.Context, req Request) (*Response, error) {
	if m.opts.Latency > 0 {
		select {
		case <-ctx.Done():
			return nil, NewError(m.name, Transient, ctx.Err())
		case <-time.After(m.opts.Latency):
		}
	}
	if err := m.nextFailure(); err != nil {
		return nil, err
	}
	if len(req.Messages) == 0 {
		return nil, NewError(m.name, Fatal, fmt.Errorf("no messages provided"))
	}
	input := req.Messages[len(req.Messages)-1].Content
	m.mu.Lock()
	full := m.responses[input]
	m.mu.Unlock()
	if full == "" {
		full = fmt.Sprintf("Mock response to: %s", input)
	}
	prompt := EstimatePromptTokens(req)
	completion := len(strings.Fields(full))
	return &Response{
		Content:      full,
		Model:        m.opts.Model,
		FinishReason: "stop",
		Usage:        Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion},
	}, nil
}

func (m *MockProvider) nextFailure() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.failures) == 0 {
		return nil
	}
	err := m.failures[0]
	m.failures = m.failures[1:]
	var pe *Error
	if err != nil && !errors.As(err, &pe) {
		err = NewError(m.name, Transient, err)
	}
	return err
}

// StreamText implements Provider; emits one chunk per word then a terminal chunk.
func (m *MockProvider) StreamText(ctx context.Context, req Request) (<-chan Chunk, error) {
	if !m.opts.SupportsStreaming {
		return nil, NewError(m.name, Fatal, ErrStreamingUnsupported)
	}
	resp, err := m.GenerateText(ctx, req)
	if err != nil {
		return nil, err
	}
	out := make(chan Chunk, 16)
	go func() {
		defer close(out)
		words := strings.SplitAfter(resp.Content, " ")
		for _, w := range words {
			select {
			case <-ctx.Done():
				select {
				case out <- Chunk{Err: ctx.Err(), Done: true, Provider: m.name}:
				default:
				}
				return
			case out <- Chunk{Content: w, Provider: m.name}:
			}
		}
		out <- Chunk{Done: true, Provider: m.name}
	}()
	return out, nil
}
