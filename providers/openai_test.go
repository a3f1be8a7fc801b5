package providers

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIPrepareRequest(t *testing.T) {
	p := NewOpenAIProvider("sk-test", "gpt-4o-mini", nil)

	body, err := p.PrepareRequest(GenerateRequest{
		Prompt:       "Where is my order?",
		SystemPrompt: "Reply politely.",
		Temperature:  0.3,
		MaxTokens:    256,
	}, nil)
	require.NoError(t, err)

	var request map[string]any
	require.NoError(t, json.Unmarshal(body, &request))
	assert.Equal(t, "gpt-4o-mini", request["model"])
	assert.Equal(t, 0.3, request["temperature"])
	assert.Equal(t, float64(256), request["max_tokens"])

	messages, ok := request["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 2)
	system := messages[0].(map[string]any)
	assert.Equal(t, "system", system["role"])
	assert.Equal(t, "Reply politely.", system["content"])
}

func TestOpenAIPrepareRequestWithSchema(t *testing.T) {
	p := NewOpenAIProvider("sk-test", "gpt-4o-mini", nil)

	body, err := p.PrepareRequest(GenerateRequest{
		Prompt: "rewrite this",
		Schema: map[string]any{"type": "object"},
	}, nil)
	require.NoError(t, err)

	var request map[string]any
	require.NoError(t, json.Unmarshal(body, &request))
	format, ok := request["response_format"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "json_schema", format["type"])
}

func TestOpenAIParseResponse(t *testing.T) {
	p := NewOpenAIProvider("sk-test", "gpt-4o-mini", nil)

	content, err := p.ParseResponse([]byte(`{"choices": [{"message": {"content": "hello there"}}]}`))
	require.NoError(t, err)
	assert.Equal(t, "hello there", content)

	_, err = p.ParseResponse([]byte(`{"error": {"message": "invalid api key"}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid api key")

	_, err = p.ParseResponse([]byte(`{"choices": []}`))
	assert.Error(t, err)

	_, err = p.ParseResponse([]byte(`not json`))
	assert.Error(t, err)
}

func TestOpenAIParseLogProbsResponse(t *testing.T) {
	p := NewOpenAIProvider("sk-test", "gpt-4o-mini", nil)

	// The first echoed token always carries a null log-probability.
	body := []byte(`{"choices": [{"logprobs": {"token_logprobs": [null, -0.5, -1.2]}}]}`)
	probs, err := p.ParseLogProbsResponse(body)
	require.NoError(t, err)
	assert.Equal(t, []float64{-0.5, -1.2}, probs)

	_, err = p.ParseLogProbsResponse([]byte(`{"choices": []}`))
	assert.Error(t, err)
}

func TestOpenAIHeaders(t *testing.T) {
	p := NewOpenAIProvider("sk-test", "gpt-4o-mini", map[string]string{"X-Org": "draftlab"})

	headers := p.Headers()
	assert.Equal(t, "Bearer sk-test", headers["Authorization"])
	assert.Equal(t, "application/json", headers["Content-Type"])
	assert.Equal(t, "draftlab", headers["X-Org"])
}

func TestRegistry(t *testing.T) {
	registry := NewProviderRegistry()

	for _, name := range []string{"openai", "anthropic", "ollama", "mock"} {
		p, err := registry.Get(name, "key", "model", nil)
		require.NoError(t, err)
		assert.Equal(t, name, p.Name())
	}

	_, err := registry.Get("unknown", "key", "model", nil)
	assert.Error(t, err)
}

func TestRegistryFiltersToNamedProviders(t *testing.T) {
	registry := NewProviderRegistry("openai")

	_, err := registry.Get("openai", "key", "model", nil)
	require.NoError(t, err)

	_, err = registry.Get("anthropic", "key", "model", nil)
	assert.Error(t, err)
}

func TestRegistryRegisterCustom(t *testing.T) {
	registry := NewProviderRegistry("openai")
	registry.Register("custom", NewMockProvider)

	p, err := registry.Get("custom", "", "model", nil)
	require.NoError(t, err)
	assert.Equal(t, "mock", p.Name())
}

func TestMockProviderResponseQueue(t *testing.T) {
	p := NewMockProvider("", "mock-model", nil).(*MockProvider)
	p.SetResponses([]string{"first", "second"}, false)

	for _, want := range []string{"first", "second"} {
		got, err := p.ParseResponse(nil)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := p.ParseResponse(nil)
	assert.Error(t, err, "queue exhausted without looping")

	p.SetResponses([]string{"only"}, true)
	for i := 0; i < 3; i++ {
		got, err := p.ParseResponse(nil)
		require.NoError(t, err)
		assert.Equal(t, "only", got)
	}
}
