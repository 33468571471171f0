package provider

import (
	"fmt"
	"math"
	"strings"
)

// Strategy names a backend selection policy.
type Strategy string

const (
	// CostOptimized picks the backend with the lowest weighted estimated cost.
	CostOptimized Strategy = "cost-optimized"
	// PerformanceOptimized picks the backend with the lowest observed average latency.
	PerformanceOptimized Strategy = "performance-optimized"
	// RoundRobin rotates through healthy backends.
	RoundRobin Strategy = "round-robin"
	// Priority picks the backend with the highest configured priority.
	Priority Strategy = "priority"
)

// ParseStrategy parses a strategy name. The empty string maps to CostOptimized.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", CostOptimized:
		return CostOptimized, nil
	case PerformanceOptimized:
		return PerformanceOptimized, nil
	case RoundRobin:
		return RoundRobin, nil
	case Priority:
		return Priority, nil
	default:
		return "", fmt.Errorf("unknown provider strategy %q", s)
	}
}

// DefaultCompletionTokens is assumed when a request carries no MaxTokens.
const DefaultCompletionTokens = 1000

// EstimateCost estimates the cost of serving req on a backend described by
// info, divided by the configured cost weight. A larger weight makes a backend
// look cheaper.
func EstimateCost(info Info, cfg Config, req Request) float64 {
	completion := req.MaxTokens
	if completion <= 0 {
		completion = DefaultCompletionTokens
	}
	cost := float64(EstimatePromptTokens(req))/1000*info.PromptCost +
		float64(completion)/1000*info.CompletionCost
	weight := cfg.CostWeight
	if weight <= 0 {
		weight = 1
	}
	return cost / weight
}

// Decision records why a backend was chosen for a call.
type Decision struct {
	Provider      string
	Strategy      Strategy
	Candidates    []string
	EstimatedCost float64
	Preferred     bool
}

// choose applies strategy to the healthy candidates. rr is the round-robin cursor.
func choose(strategy Strategy, candidates []*entry, req Request, rr uint64) (*entry, float64) {
	if len(candidates) == 0 {
		return nil, 0
	}
	switch strategy {
	case PerformanceOptimized:
		best := candidates[0]
		bestRT := best.provider.Status().ResponseTime
		for _, c := range candidates[1:] {
			if rt := c.provider.Status().ResponseTime; rt < bestRT {
				best, bestRT = c, rt
			}
		}
		return best, EstimateCost(best.info(), best.cfg, req)
	case RoundRobin:
		c := candidates[rr%uint64(len(candidates))]
		return c, EstimateCost(c.info(), c.cfg, req)
	case Priority:
		best := candidates[0]
		for _, c := range candidates[1:] {
			if c.cfg.Priority > best.cfg.Priority {
				best = c
			}
		}
		return best, EstimateCost(best.info(), best.cfg, req)
	default:
		var best *entry
		bestCost := math.Inf(1)
		for _, c := range candidates {
			if cost := EstimateCost(c.info(), c.cfg, req); cost < bestCost {
				best, bestCost = c, cost
			}
		}
		return best, bestCost
	}
}
