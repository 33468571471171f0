package core

import "time"

// Response is produced exactly once per Request by the unit that ultimately
// handles it. Only Metadata is enriched after creation.
type Response struct {
	RequestID  string      `json:"request_id"`
	AgentID    string      `json:"agent_id"`
	Content    string      `json:"content"`
	Confidence float64     `json:"confidence"` // heuristic quality signal in [0,1], not a correctness measure
	Reasoning  string      `json:"reasoning,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
	Metadata   Annotations `json:"-"`
}

// NewResponse creates a Response answering req. Confidence is clamped to [0,1].
func NewResponse(req Request, agentID, content string, confidence float64) *Response {
	return &Response{
		RequestID:  req.ID,
		AgentID:    agentID,
		Content:    content,
		Confidence: ClampConfidence(confidence),
		Timestamp:  time.Now(),
	}
}

// HasError reports whether a hook marked the response with an explicit error.
func (r *Response) HasError() bool {
	return r != nil && r.Metadata.Has(KeyError)
}

// IsDelegated reports whether the response was produced by a fallback unit.
func (r *Response) IsDelegated() bool {
	if r == nil {
		return false
	}
	v, _ := r.Metadata.GetBool(KeyFallback)
	return v
}

// ClampConfidence limits c to [0,1].
func ClampConfidence(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	default:
		return c
	}
}
