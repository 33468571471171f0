package agent

import (
	"context"

	"github.com/hupe1980/agentrelay/core"
)

// Unit type names, also used as default IDs.
const (
	TypeCoordinator = "coordinator"
	TypeBuilder     = "builder"
	TypeResearcher  = "researcher"
	TypeCreative    = "creative"
)

// Coordinator is the general conversational unit and the dispatcher's default.
type Coordinator struct{ *BaseAgent }

// NewCoordinator creates a conversational unit backed by gen.
func NewCoordinator(id string, gen Generator, optFns ...func(o *Options)) *Coordinator {
	c := &Coordinator{}
	c.BaseAgent = NewBaseAgent(id, c, gen, buildOptions(Options{
		Temperature:  0.7,
		MaxTokens:    1000,
		SystemPrompt: NewInstructionFromText("You are a helpful assistant that helps people design and build small web tools. Answer clearly and ask for missing details."),
	}, optFns))
	return c
}

func (c *Coordinator) Type() string { return TypeCoordinator }

func (c *Coordinator) Apology() string {
	return "I'm sorry, I ran into a problem while working on your request. Please try again in a moment."
}

func (c *Coordinator) ProcessRequest(ctx context.Context, req core.Request) core.Outcome {
	return c.Complete(ctx, req, req.Content, conversationalScore)
}

// Builder handles practical and technical requests and favours structured output.
type Builder struct{ *BaseAgent }

// NewBuilder creates a technical unit backed by gen.
func NewBuilder(id string, gen Generator, optFns ...func(o *Options)) *Builder {
	b := &Builder{}
	b.BaseAgent = NewBaseAgent(id, b, gen, buildOptions(Options{
		Temperature:  0.3,
		MaxTokens:    2000,
		SystemPrompt: NewInstructionFromText("You are a senior engineer. Produce working, self-contained code with short explanations. Use fenced code blocks."),
	}, optFns))
	return b
}

func (b *Builder) Type() string { return TypeBuilder }

func (b *Builder) Apology() string {
	return "Sorry, I couldn't build that right now. Could you try again or describe the tool in a bit more detail?"
}

func (b *Builder) ProcessRequest(ctx context.Context, req core.Request) core.Outcome {
	return b.Complete(ctx, req, req.Content, technicalScore)
}

// Creative handles open-ended creative requests.
type Creative struct{ *BaseAgent }

// NewCreative creates a creative unit backed by gen.
func NewCreative(id string, gen Generator, optFns ...func(o *Options)) *Creative {
	c := &Creative{}
	c.BaseAgent = NewBaseAgent(id, c, gen, buildOptions(Options{
		Temperature:  0.9,
		MaxTokens:    1500,
		SystemPrompt: NewInstructionFromText("You are an imaginative designer. Offer original ideas, names and visual concepts."),
	}, optFns))
	return c
}

func (c *Creative) Type() string { return TypeCreative }

func (c *Creative) Apology() string {
	return "Sorry, my creative spark fizzled out on that one. Please try asking again."
}

func (c *Creative) ProcessRequest(ctx context.Context, req core.Request) core.Outcome {
	return c.Complete(ctx, req, req.Content, creativeScore)
}

// ProcessFunc is the specialized step of a FuncAgent.
type ProcessFunc func(ctx context.Context, b *BaseAgent, req core.Request) core.Outcome

// FuncAgent adapts a plain function to a unit with the full base lifecycle.
type FuncAgent struct {
	*BaseAgent
	kind    string
	apology string
	fn      ProcessFunc
}

// NewFuncAgent creates a unit of the given type whose specialized step is fn.
func NewFuncAgent(id, kind string, gen Generator, fn ProcessFunc, optFns ...func(o *Options)) *FuncAgent {
	f := &FuncAgent{kind: kind, apology: "Sorry, something went wrong while handling your request.", fn: fn}
	f.BaseAgent = NewBaseAgent(id, f, gen, buildOptions(Options{}, optFns))
	return f
}

func (f *FuncAgent) Type() string    { return f.kind }
func (f *FuncAgent) Apology() string { return f.apology }

func (f *FuncAgent) ProcessRequest(ctx context.Context, req core.Request) core.Outcome {
	return f.fn(ctx, f.BaseAgent, req)
}
