package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentrelay/provider"
)

var _ provider.Provider = (*Provider)(nil)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := anthropic.NewClient(
		option.WithBaseURL(srv.URL+"/"),
		option.WithAPIKey("test-key"),
		option.WithMaxRetries(0),
	)
	return NewFromClient(&client, func(o *Options) { o.RateLimit = 0 })
}

func TestProvider_GenerateText(t *testing.T) {
	var got map[string]any
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_1","type":"message","role":"assistant","model":"claude-3-5-sonnet-20241022",
			"content":[{"type":"text","text":"hi there"}],"stop_reason":"end_turn","stop_sequence":null,
			"usage":{"input_tokens":5,"output_tokens":2}}`))
	})

	resp, err := p.GenerateText(context.Background(), provider.Request{
		SystemPrompt: "be kind",
		Messages: []provider.Message{
			{Role: provider.RoleSystem, Content: "and brief"},
			{Role: provider.RoleUser, Content: "hello"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "hi there", resp.Content)
	assert.Equal(t, "end_turn", resp.FinishReason)
	assert.Equal(t, 7, resp.Usage.TotalTokens)

	msgs, ok := got["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, msgs, 1, "system messages are lifted out of the message list")
	assert.NotNil(t, got["system"])
}

func TestProvider_AuthErrorIsFatal(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`))
	})

	_, err := p.GenerateText(context.Background(), provider.Request{
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "hello"}},
	})
	require.Error(t, err)
	assert.True(t, provider.IsFatal(err))
	assert.False(t, p.Status().IsAvailable)
}

func TestProvider_DoesNotStream(t *testing.T) {
	p := New(func(o *Options) { o.APIKey = "k" })
	assert.False(t, p.Info().SupportsStreaming)
	_, err := p.StreamText(context.Background(), provider.Request{})
	assert.ErrorIs(t, err, provider.ErrStreamingUnsupported)
}

func TestSystemPrompt(t *testing.T) {
	got := systemPrompt(provider.Request{
		SystemPrompt: "a",
		Messages:     []provider.Message{{Role: provider.RoleSystem, Content: "b"}, {Role: provider.RoleUser, Content: "c"}},
	})
	assert.Equal(t, "a\n\nb", got)
}
