// Package anthropic provides a provider.Provider for the Anthropic Messages API.
// The adapter does not advertise streaming; the provider manager degrades
// stream requests to a single completion for it.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/hupe1980/agentrelay/provider"
)

// Model names an Anthropic model, e.g. "claude-3-5-haiku-latest".
type Model = anthropic.Model

// Options configures the Anthropic adapter.
type Options struct {
	Name              string
	Model             Model
	APIKey            string
	Temperature       float64
	MaxTokens         int64
	PromptCost        float64
	CompletionCost    float64
	RateLimit         int
	RateLimitCooldown time.Duration
}

// Provider wraps the Anthropic Messages API behind provider.Provider.
type Provider struct {
	*provider.Tracker
	client *anthropic.Client
	opts   Options
}

// New creates a new Anthropic provider using the official client.
func New(optFns ...func(o *Options)) *Provider {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}

	client := anthropic.NewClient(clientOpts...)

	return &Provider{
		Tracker: provider.NewTracker(opts.RateLimit, opts.RateLimitCooldown),
		client:  &client,
		opts:    opts,
	}
}

// NewFromClient creates a new Anthropic provider from an existing client.
func NewFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Provider {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Provider{
		Tracker: provider.NewTracker(opts.RateLimit, opts.RateLimitCooldown),
		client:  client,
		opts:    opts,
	}
}

func defaultOptions() Options {
	return Options{
		Name:              "anthropic",
		Model:             anthropic.ModelClaude3_5Sonnet20241022,
		Temperature:       0.7,
		MaxTokens:         4096,
		PromptCost:        0.003,
		CompletionCost:    0.015,
		RateLimit:         50,
		RateLimitCooldown: time.Minute,
	}
}

// Info implements provider.Provider.
func (p *Provider) Info() provider.Info {
	return provider.Info{
		Name:           p.opts.Name,
		Model:          string(p.opts.Model),
		PromptCost:     p.opts.PromptCost,
		CompletionCost: p.opts.CompletionCost,
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
	model := p.opts.Model
	if req.Model != "" {
		model = anthropic.Model(req.Model)
	}
	maxTokens := p.opts.MaxTokens
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}
	temperature := p.opts.Temperature
	if req.Temperature > 0 {
		temperature = req.Temperature
	}

	params := anthropic.MessageNewParams{
		Model:       model,
		Messages:    buildMessages(req.Messages),
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(temperature),
	}
	if system := systemPrompt(req); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return nil, provider.NewError(p.opts.Name, provider.KindForStatus(apiErr.StatusCode), fmt.Errorf("anthropic api error: %w", err))
		}
		return nil, provider.NewError(p.opts.Name, provider.Transient, fmt.Errorf("anthropic api error: %w", err))
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.AsText().Text)
		}
	}

	finishReason := "stop"
	if resp.StopReason != "" {
		finishReason = string(resp.StopReason)
	}

	return &provider.Response{
		Content:      text.String(),
		Model:        string(resp.Model),
		FinishReason: finishReason,
		Usage: provider.Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
	}, nil
}

// StreamText implements provider.Provider. Streaming is not advertised.
func (p *Provider) StreamText(context.Context, provider.Request) (<-chan provider.Chunk, error) {
	return nil, provider.NewError(p.opts.Name, provider.Fatal, provider.ErrStreamingUnsupported)
}

// buildMessages converts normalized messages to the Anthropic format. System
// messages are lifted into the system prompt by systemPrompt.
func buildMessages(msgs []provider.Message) []anthropic.MessageParam {
	messages := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		switch m.Role {
		case provider.RoleSystem:
			continue
		case provider.RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return messages
}

func systemPrompt(req provider.Request) string {
	parts := make([]string, 0, 2)
	if req.SystemPrompt != "" {
		parts = append(parts, req.SystemPrompt)
	}
	for _, m := range req.Messages {
		if m.Role == provider.RoleSystem && m.Content != "" {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}
