package gemini

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/hupe1980/agentrelay/provider"
)

var _ provider.Provider = (*Provider)(nil)

func TestNew_RequiresAPIKey(t *testing.T) {
	_, err := New(context.Background())
	assert.Error(t, err)
}

func TestBuildRequest(t *testing.T) {
	p, err := New(context.Background(), func(o *Options) { o.APIKey = "test-key" })
	require.NoError(t, err)

	model, contents, cfg := p.buildRequest(provider.Request{
		SystemPrompt: "be brief",
		Messages: []provider.Message{
			{Role: provider.RoleUser, Content: "hi"},
			{Role: provider.RoleAssistant, Content: "hello"},
			{Role: provider.RoleUser, Content: "what now"},
		},
		MaxTokens:   128,
		Temperature: 0.2,
	})
	assert.Equal(t, "gemini-2.0-flash", model)
	require.Len(t, contents, 3)
	assert.Equal(t, string(genai.RoleModel), contents[1].Role)
	assert.Equal(t, int32(128), cfg.MaxOutputTokens)
	require.NotNil(t, cfg.Temperature)
	assert.InDelta(t, 0.2, *cfg.Temperature, 1e-6)
	require.NotNil(t, cfg.SystemInstruction)

	info := p.Info()
	assert.Equal(t, "gemini", info.Name)
	assert.True(t, info.SupportsStreaming)
}
