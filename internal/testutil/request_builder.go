package testutil

import (
	"github.com/hupe1980/agentrelay/core"
)

// RequestBuilder helps construct requests with fluent chaining for tests.
// Example:
//
//	req := NewRequestBuilder("build a timer").Session("s1").User("hi").Assistant("hello").Build()
type RequestBuilder struct {
	sessionID   string
	content     string
	history     []core.Turn
	preferences map[string]string
}

// NewRequestBuilder creates a builder for a request with the given content.
func NewRequestBuilder(content string) *RequestBuilder {
	return &RequestBuilder{sessionID: "test-session", content: content}
}

// Session sets the session ID (chainable).
func (b *RequestBuilder) Session(id string) *RequestBuilder { b.sessionID = id; return b }

// User appends a user turn to the history (chainable).
func (b *RequestBuilder) User(content string) *RequestBuilder {
	b.history = append(b.history, core.Turn{Role: core.RoleUser, Content: content})
	return b
}

// Assistant appends an assistant turn to the history (chainable).
func (b *RequestBuilder) Assistant(content string) *RequestBuilder {
	b.history = append(b.history, core.Turn{Role: core.RoleAssistant, Content: content})
	return b
}

// Preference sets a caller preference (chainable).
func (b *RequestBuilder) Preference(key, value string) *RequestBuilder {
	if b.preferences == nil {
		b.preferences = map[string]string{}
	}
	b.preferences[key] = value
	return b
}

// Build returns a core.Request with a fresh ID.
func (b *RequestBuilder) Build() core.Request {
	var rc *core.RequestContext
	if len(b.history) > 0 || len(b.preferences) > 0 {
		rc = &core.RequestContext{History: b.history, Preferences: b.preferences}
	}
	return core.NewRequest(b.sessionID, b.content, rc)
}
