package orchestrator

import (
	"context"

	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/provider"
)

// Streamer is implemented by units that can stream their completion.
type Streamer interface {
	Stream(ctx context.Context, req core.Request) (<-chan provider.Chunk, error)
}

// Stream is a routed streaming response.
type Stream struct {
	AgentID  string
	RoutedBy string
	Chunks   <-chan provider.Chunk
}

// StreamRequest selects a unit like RouteRequest and streams its completion.
// When the unit cannot stream, or opening the stream fails, the request is
// routed normally and the full response is delivered as one terminal chunk.
func (o *Orchestrator) StreamRequest(ctx context.Context, req core.Request) (*Stream, error) {
	if o.closed.Load() {
		return nil, core.ErrShutdown
	}
	agents, _, strategy := o.snapshot()
	if len(agents) == 0 {
		return nil, core.ErrNoAgents
	}
	sel := strategy.Select(agents, req)
	if sel == nil || sel.Agent == nil {
		return nil, core.ErrNoHealthyAgent
	}

	if s, ok := sel.Agent.(Streamer); ok {
		ch, err := s.Stream(ctx, req)
		if err == nil {
			return &Stream{AgentID: sel.Agent.ID(), RoutedBy: sel.Reason, Chunks: ch}, nil
		}
		o.log().Warn("Stream open failed, routing without streaming", "agent_id", sel.Agent.ID(), "error", err)
	}

	resp, err := o.RouteRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	routedBy, _ := resp.Metadata.GetString(core.KeyRoutedBy)
	ch := make(chan provider.Chunk, 1)
	ch <- provider.Chunk{Content: resp.Content, Done: true}
	close(ch)
	return &Stream{AgentID: resp.AgentID, RoutedBy: routedBy, Chunks: ch}, nil
}
