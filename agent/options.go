package agent

import (
	"context"

	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/logging"
)

// DefaultHealthThreshold is the error rate at or above which a unit reports unhealthy.
const DefaultHealthThreshold = 0.1

// Hooks are optional lifecycle callbacks. PreProcess observes only;
// PostProcess may enrich the response metadata.
type Hooks struct {
	PreProcess  func(ctx context.Context, req core.Request)
	PostProcess func(ctx context.Context, req core.Request, resp *core.Response)
	Cleanup     func(ctx context.Context) error
}

// Options configures a unit. Every field except Hooks and Logger can be
// changed at runtime through Configure.
type Options struct {
	// Model overrides the backend's default model.
	Model string
	// Provider pins a preferred backend by name.
	Provider        string
	Temperature     float64
	MaxTokens       int
	SystemPrompt    Instruction
	HealthThreshold float64
	// MaxHistory bounds the conversation turns forwarded to the backend.
	MaxHistory int
	// Extra keeps settings this unit does not interpret.
	Extra  map[string]any
	Hooks  Hooks
	Logger logging.Logger
}

func (o Options) clone() Options {
	out := o
	out.Extra = make(map[string]any, len(o.Extra))
	for k, v := range o.Extra {
		out.Extra[k] = v
	}
	return out
}

func buildOptions(defaults Options, optFns []func(o *Options)) Options {
	opts := defaults
	if opts.HealthThreshold == 0 {
		opts.HealthThreshold = DefaultHealthThreshold
	}
	if opts.MaxHistory == 0 {
		opts.MaxHistory = 10
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)
	return opts.clone()
}
