// Package openai provides an implementation of provider.Provider using the
// OpenAI Chat Completions API (including streaming). It adapts the normalized
// provider.Request into the SDK's message format and back.
package openai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/hupe1980/agentrelay/provider"
)

// Options configure the OpenAI adapter.
type Options struct {
	Name              string
	Model             string
	APIKey            string
	BaseURL           string
	Temperature       float64
	MaxTokens         int64
	PromptCost        float64 // per 1K tokens
	CompletionCost    float64 // per 1K tokens
	RateLimit         int
	RateLimitCooldown time.Duration
}

// Provider wraps the OpenAI Chat Completions API behind provider.Provider.
type Provider struct {
	*provider.Tracker
	client *openai.Client
	opts   Options
}

// New creates a new OpenAI provider using the official client.
func New(optFns ...func(o *Options)) *Provider {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	client := openai.NewClient(clientOpts...)
	return newProvider(&client, opts)
}

// NewFromClient creates a new OpenAI provider from an existing client.
func NewFromClient(client *openai.Client, optFns ...func(o *Options)) *Provider {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return newProvider(client, opts)
}

func defaultOptions() Options {
	return Options{
		Name:              "openai",
		Model:             openai.ChatModelGPT4oMini,
		Temperature:       0.7,
		MaxTokens:         4096,
		PromptCost:        0.00015,
		CompletionCost:    0.0006,
		RateLimit:         500,
		RateLimitCooldown: time.Minute,
	}
}

func newProvider(client *openai.Client, opts Options) *Provider {
	return &Provider{
		Tracker: provider.NewTracker(opts.RateLimit, opts.RateLimitCooldown),
		client:  client,
		opts:    opts,
	}
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
	resp, err := p.client.Chat.Completions.New(ctx, p.buildParams(req))
	if err != nil {
		return nil, p.classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, provider.NewError(p.opts.Name, provider.Transient, fmt.Errorf("no choices returned"))
	}
	ch0 := resp.Choices[0]
	return &provider.Response{
		Content:      ch0.Message.Content,
		Model:        resp.Model,
		FinishReason: ch0.FinishReason,
		Usage: provider.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

// StreamText implements provider.Provider.
func (p *Provider) StreamText(ctx context.Context, req provider.Request) (<-chan provider.Chunk, error) {
	if err := p.Acquire(ctx); err != nil {
		return nil, provider.NewError(p.opts.Name, provider.Transient, err)
	}
	start := time.Now()
	stream := p.client.Chat.Completions.NewStreaming(ctx, p.buildParams(req))
	out := make(chan provider.Chunk, 32)
	go func() {
		defer close(out)
		defer stream.Close()
		for stream.Next() {
			ck := stream.Current()
			for _, ch := range ck.Choices {
				if ch.Delta.Content == "" {
					continue
				}
				select {
				case out <- provider.Chunk{Content: ch.Delta.Content}:
				case <-ctx.Done():
				}
			}
		}
		err := stream.Err()
		if err != nil {
			err = p.classify(err)
		}
		p.Record(start, err)
		select {
		case out <- provider.Chunk{Done: true, Err: err}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

func (p *Provider) buildParams(req provider.Request) openai.ChatCompletionNewParams {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case provider.RoleSystem:
			messages = append(messages, openai.SystemMessage(m.Content))
		case provider.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}
	model := p.opts.Model
	if req.Model != "" {
		model = req.Model
	}
	temperature := p.opts.Temperature
	if req.Temperature > 0 {
		temperature = req.Temperature
	}
	maxTokens := p.opts.MaxTokens
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}
	return openai.ChatCompletionNewParams{
		Messages:            messages,
		Model:               model,
		Temperature:         openai.Float(temperature),
		MaxCompletionTokens: openai.Int(maxTokens),
	}
}

func (p *Provider) classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return provider.NewError(p.opts.Name, provider.KindForStatus(apiErr.StatusCode), fmt.Errorf("openai api error: %w", err))
	}
	return provider.NewError(p.opts.Name, provider.Transient, fmt.Errorf("openai api error: %w", err))
}
