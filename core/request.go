package core

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Turn is one message of a conversation history.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// RequestContext carries optional, caller-supplied conversation state.
// History is expected to be truncated by the caller.
type RequestContext struct {
	History     []Turn            `json:"history,omitempty"`
	Preferences map[string]string `json:"preferences,omitempty"`
}

// clone returns a deep copy so a Request never shares mutable state with its caller.
func (rc *RequestContext) clone() *RequestContext {
	if rc == nil {
		return nil
	}
	out := &RequestContext{}
	if len(rc.History) > 0 {
		out.History = make([]Turn, len(rc.History))
		copy(out.History, rc.History)
	}
	if len(rc.Preferences) > 0 {
		out.Preferences = make(map[string]string, len(rc.Preferences))
		for k, v := range rc.Preferences {
			out.Preferences[k] = v
		}
	}
	return out
}

// Preference returns a caller preference value.
func (rc *RequestContext) Preference(key string) (string, bool) {
	if rc == nil || rc.Preferences == nil {
		return "", false
	}
	v, ok := rc.Preferences[key]
	return v, ok
}

// Request is a single inbound call. It is created once per call and treated as
// immutable afterwards; pass it by value.
type Request struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Content   string          `json:"content"`
	Context   *RequestContext `json:"context,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewRequest creates a Request with a fresh ID. The context is deep-copied.
func NewRequest(sessionID, content string, rc *RequestContext) Request {
	return Request{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Content:   content,
		Context:   rc.clone(),
		Timestamp: time.Now(),
	}
}

// History returns the conversation history attached to the request (may be nil).
func (r Request) History() []Turn {
	if r.Context == nil {
		return nil
	}
	return r.Context.History
}
