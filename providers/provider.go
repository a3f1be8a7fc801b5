// Package providers implements the text-generation provider interfaces used
// by the optimization loop. It supports OpenAI, Anthropic, and Ollama
// backends behind a unified interface, plus a mock provider for tests.
package providers

import (
	"github.com/draftlab/promptloop/config"
	"github.com/draftlab/promptloop/utils"
)

// Provider defines the interface all generation backends must implement.
// Request preparation and response parsing are split so the shared HTTP
// client in the llm package owns transport, timeouts, and retries.
type Provider interface {
	Name() string
	Endpoint() string
	Headers() map[string]string
	SetExtraHeaders(extraHeaders map[string]string)
	SetDefaultOptions(cfg *config.Config)
	SetOption(key string, value any)
	SetLogger(logger utils.Logger)

	PrepareRequest(req GenerateRequest, options map[string]any) ([]byte, error)
	ParseResponse(body []byte) (string, error)

	// Log-probability retrieval for perplexity-based scoring. Providers
	// that cannot serve it return false from SupportsLogProbabilities and
	// may return an error from the prepare/parse pair.
	SupportsLogProbabilities() bool
	LogProbsEndpoint() string
	PrepareLogProbsRequest(text string) ([]byte, error)
	ParseLogProbsResponse(body []byte) ([]float64, error)

	SupportsJSONSchema() bool
}

// GenerateRequest is a provider-neutral generation request.
type GenerateRequest struct {
	Prompt       string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
	// Schema, when non-nil, asks the provider for structured JSON output
	// conforming to the given JSON schema. Ignored by providers where
	// SupportsJSONSchema is false.
	Schema any
}

// ProviderConstructor builds a provider instance from credentials.
type ProviderConstructor func(apiKey, model string, extraHeaders map[string]string) Provider
