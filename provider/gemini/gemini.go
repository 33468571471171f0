// Package gemini provides a provider.Provider backed by Google's Gemini API
// through the google.golang.org/genai client.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/hupe1980/agentrelay/provider"
)

// Options configures the Gemini adapter.
type Options struct {
	Name              string
	Model             string
	APIKey            string
	Temperature       float32
	MaxTokens         int32
	PromptCost        float64
	CompletionCost    float64
	RateLimit         int
	RateLimitCooldown time.Duration
}

// Provider wraps genai GenerateContent behind provider.Provider.
type Provider struct {
	*provider.Tracker
	client *genai.Client
	opts   Options
}

// New creates a Gemini provider. An API key is required.
func New(ctx context.Context, optFns ...func(o *Options)) (*Provider, error) {
	opts := Options{
		Name:              "gemini",
		Model:             "gemini-2.0-flash",
		Temperature:       0.7,
		MaxTokens:         4096,
		PromptCost:        0.0001,
		CompletionCost:    0.0004,
		RateLimit:         60,
		RateLimitCooldown: time.Minute,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  opts.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &Provider{
		Tracker: provider.NewTracker(opts.RateLimit, opts.RateLimitCooldown),
		client:  client,
		opts:    opts,
	}, nil
}

// Info implements provider.Provider.
func (p *Provider) Info() provider.Info {
	return provider.Info{
		Name:              p.opts.Name,
		Model:             p.opts.Model,
		SupportsStreaming: true,
		PromptCost:        p.opts.PromptCost,
		CompletionCost:    p.opts.CompletionCost,
	}
}

// GenerateText implements provider.Provider.
func (p *Provider) GenerateText(ctx context.Context, req provider.Request) (*provider.Response, error) {
	if err := p.Acquire(ctx); err != nil {
		return nil, provider.NewError(p.opts.Name, provider.Transient, err)
	}
	start := time.Now()
	resp, err := p.generate(ctx, req)
	p.Record(start, err)
	return resp, err
}

func (p *Provider) generate(ctx context.Context, req provider.Request) (*provider.Response, error) {
	model, contents, cfg := p.buildRequest(req)
	result, err := p.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return nil, p.classify(err)
	}

	resp := &provider.Response{
		Content:      result.Text(),
		Model:        model,
		FinishReason: "stop",
	}
	if len(result.Candidates) > 0 && result.Candidates[0].FinishReason != "" {
		resp.FinishReason = strings.ToLower(string(result.Candidates[0].FinishReason))
	}
	if u := result.UsageMetadata; u != nil {
		resp.Usage = provider.Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
	return resp, nil
}

// StreamText implements provider.Provider.
func (p *Provider) StreamText(ctx context.Context, req provider.Request) (<-chan provider.Chunk, error) {
	if err := p.Acquire(ctx); err != nil {
		return nil, provider.NewError(p.opts.Name, provider.Transient, err)
	}
	model, contents, cfg := p.buildRequest(req)
	out := make(chan provider.Chunk, 32)
	start := time.Now()
	go func() {
		defer close(out)
		var streamErr error
		for result, err := range p.client.Models.GenerateContentStream(ctx, model, contents, cfg) {
			if err != nil {
				streamErr = p.classify(err)
				break
			}
			if text := result.Text(); text != "" {
				select {
				case out <- provider.Chunk{Content: text}:
				case <-ctx.Done():
				}
			}
		}
		p.Record(start, streamErr)
		select {
		case out <- provider.Chunk{Done: true, Err: streamErr}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

func (p *Provider) buildRequest(req provider.Request) (string, []*genai.Content, *genai.GenerateContentConfig) {
	model := p.opts.Model
	if req.Model != "" {
		model = req.Model
	}
	temperature := p.opts.Temperature
	if req.Temperature > 0 {
		temperature = float32(req.Temperature)
	}
	maxTokens := p.opts.MaxTokens
	if req.MaxTokens > 0 {
		maxTokens = int32(req.MaxTokens)
	}

	var system []string
	if req.SystemPrompt != "" {
		system = append(system, req.SystemPrompt)
	}
	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case provider.RoleSystem:
			system = append(system, m.Content)
		case provider.RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(temperature),
		MaxOutputTokens: maxTokens,
	}
	if len(system) > 0 {
		cfg.SystemInstruction = genai.NewContentFromText(strings.Join(system, "\n\n"), genai.RoleUser)
	}
	return model, contents, cfg
}

func (p *Provider) classify(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return provider.NewError(p.opts.Name, provider.KindForStatus(apiErr.Code), fmt.Errorf("gemini api error: %w", err))
	}
	return provider.NewError(p.opts.Name, provider.Transient, fmt.Errorf("gemini api error: %w", err))
}
