package orchestrator

import (
	"time"

	"github.com/hupe1980/agentrelay/internal/backoff"
)

// FallbackPolicy controls unit-level recovery after a failed or low-quality
// response.
type FallbackPolicy struct {
	Enabled bool
	// MaxRetries caps fallback attempts per request; 0 tries every candidate.
	MaxRetries int
	Backoff    backoff.Strategy
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Agents is the ordered fallback list used for every unit.
	Agents []string
	// PerAgent overrides Agents for specific failing units.
	PerAgent map[string][]string
}

// DefaultFallbackPolicy enables fallback with exponential backoff.
func DefaultFallbackPolicy() FallbackPolicy {
	return FallbackPolicy{
		Enabled:    true,
		MaxRetries: 2,
		Backoff:    backoff.Exponential,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   2 * time.Second,
	}
}

// candidates returns the fallback order for failed, without failed itself.
func (p FallbackPolicy) candidates(failed string) []string {
	list := p.Agents
	if per, ok := p.PerAgent[failed]; ok {
		list = per
	}
	out := make([]string, 0, len(list))
	seen := map[string]bool{failed: true}
	for _, id := range list {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func (p FallbackPolicy) delay(attempt int) time.Duration {
	return backoff.Delay(p.Backoff, attempt, p.BaseDelay, p.MaxDelay)
}

func (p FallbackPolicy) clone() FallbackPolicy {
	out := p
	out.Agents = append([]string(nil), p.Agents...)
	if p.PerAgent != nil {
		out.PerAgent = make(map[string][]string, len(p.PerAgent))
		for k, v := range p.PerAgent {
			out.PerAgent[k] = append([]string(nil), v...)
		}
	}
	return out
}
