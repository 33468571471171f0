package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/knowledge"
	"github.com/hupe1980/agentrelay/provider"
	"github.com/hupe1980/agentrelay/resource"
)

// ResearcherOptions configures a Researcher.
type ResearcherOptions struct {
	Options
	// Primary is handed to the resource manager on first use.
	Primary           provider.Provider
	MaxResults        int
	MinRelevanceScore float64
}

// Researcher answers with material from the shared knowledge index.
// Retrieval is best-effort: without resources or hits it answers unaided.
type Researcher struct {
	*BaseAgent
	resources    *resource.Manager
	primary      provider.Provider
	maxResults   int
	minRelevance float64
}

// NewResearcher creates a retrieval-augmented unit. resources may be nil.
func NewResearcher(id string, gen Generator, resources *resource.Manager, optFns ...func(o *ResearcherOptions)) *Researcher {
	ropts := ResearcherOptions{
		Options: Options{
			Temperature:  0.5,
			MaxTokens:    1500,
			SystemPrompt: NewInstructionFromText("You are a research assistant. Ground answers in the provided reference material and say when it does not cover the question."),
		},
		MaxResults:        3,
		MinRelevanceScore: 0.2,
	}
	for _, fn := range optFns {
		fn(&ropts)
	}
	r := &Researcher{
		resources:    resources,
		primary:      ropts.Primary,
		maxResults:   ropts.MaxResults,
		minRelevance: ropts.MinRelevanceScore,
	}
	r.BaseAgent = NewBaseAgent(id, r, gen, buildOptions(ropts.Options, nil))
	return r
}

func (r *Researcher) Type() string { return TypeResearcher }

func (r *Researcher) Apology() string {
	return "Sorry, I couldn't look that up right now. Please try again shortly."
}

func (r *Researcher) ProcessRequest(ctx context.Context, req core.Request) core.Outcome {
	hits := r.lookup(ctx, req.Content)
	out := r.Complete(ctx, req, groundedPrompt(req.Content, hits), func(req core.Request, content string) float64 {
		score := BaseConfidence(content)
		if score > 0 && len(hits) > 0 {
			score += 0.1
		}
		return core.ClampConfidence(score)
	})
	if out.Response != nil {
		out.Response.Metadata.SetInt(core.KeyKnowledgeHits, int64(len(hits)))
	}
	return out
}

// Prompt returns the user prompt with retrieved material attached.
func (r *Researcher) Prompt(ctx context.Context, req core.Request) string {
	return groundedPrompt(req.Content, r.lookup(ctx, req.Content))
}

func (r *Researcher) lookup(ctx context.Context, query string) []knowledge.Result {
	if r.resources == nil {
		return nil
	}
	res, err := r.resources.Initialize(ctx, r.primary)
	if err != nil {
		r.Logger().Warn("Shared resources unavailable", "agent_id", r.ID(), "error", err)
		return nil
	}
	if res.Knowledge == nil {
		return nil
	}
	hits, err := res.Knowledge.Search(ctx, query, knowledge.SearchOptions{
		MaxResults:        r.maxResults,
		MinRelevanceScore: r.minRelevance,
	})
	if err != nil {
		r.Logger().Warn("Knowledge search failed", "agent_id", r.ID(), "error", err)
		return nil
	}
	return hits
}

func groundedPrompt(question string, hits []knowledge.Result) string {
	if len(hits) == 0 {
		return question
	}
	var sb strings.Builder
	sb.WriteString("Reference material:\n")
	for i, h := range hits {
		title := h.SourceMetadata["title"]
		if title == "" {
			title = h.ID
		}
		fmt.Fprintf(&sb, "[%d] %s: %s\n", i+1, title, h.Content)
	}
	sb.WriteString("\nQuestion: ")
	sb.WriteString(question)
	return sb.String()
}
