package providers

import (
	"encoding/json"
	"fmt"

	"github.com/draftlab/promptloop/config"
	"github.com/draftlab/promptloop/utils"
)

// AnthropicProvider implements the Provider interface for Anthropic's API.
type AnthropicProvider struct {
	apiKey       string
	model        string
	extraHeaders map[string]string
	options      map[string]any
	logger       utils.Logger
}

// NewAnthropicProvider creates a new Anthropic provider instance.
func NewAnthropicProvider(apiKey, model string, extraHeaders map[string]string) Provider {
	if extraHeaders == nil {
		extraHeaders = make(map[string]string)
	}
	return &AnthropicProvider{
		apiKey:       apiKey,
		model:        model,
		extraHeaders: extraHeaders,
		options:      make(map[string]any),
		logger:       utils.NewLogger(utils.LogLevelInfo),
	}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Endpoint() string {
	return "https://api.anthropic.com/v1/messages"
}

func (p *AnthropicProvider) SupportsJSONSchema() bool       { return false }
func (p *AnthropicProvider) SupportsLogProbabilities() bool { return false }
func (p *AnthropicProvider) LogProbsEndpoint() string       { return "" }
func (p *AnthropicProvider) SetLogger(logger utils.Logger)  { p.logger = logger }
func (p *AnthropicProvider) SetOption(key string, value any) {
	p.options[key] = value
}

func (p *AnthropicProvider) SetExtraHeaders(h map[string]string) {
	p.extraHeaders = h
}

func (p *AnthropicProvider) SetDefaultOptions(cfg *config.Config) {
	p.SetOption("temperature", cfg.Temperature)
	p.SetOption("max_tokens", cfg.MaxTokens)
}

func (p *AnthropicProvider) Headers() map[string]string {
	headers := map[string]string{
		"Content-Type":      "application/json",
		"x-api-key":         p.apiKey,
		"anthropic-version": "2023-06-01",
	}
	for key, value := range p.extraHeaders {
		headers[key] = value
	}
	return headers
}

func (p *AnthropicProvider) PrepareRequest(req GenerateRequest, options map[string]any) ([]byte, error) {
	request := map[string]any{
		"model": p.model,
		"messages": []map[string]any{
			{"role": "user", "content": req.Prompt},
		},
	}
	if req.SystemPrompt != "" {
		request["system"] = req.SystemPrompt
	}
	for k, v := range p.options {
		request[k] = v
	}
	if req.Temperature > 0 {
		request["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		request["max_tokens"] = req.MaxTokens
	}
	if _, ok := request["max_tokens"]; !ok {
		// max_tokens is mandatory on the messages endpoint.
		request["max_tokens"] = 1024
	}
	for k, v := range options {
		request[k] = v
	}

	reqJSON, err := json.Marshal(request)
	if err != nil {
		p.logger.Error("Failed to marshal request", "error", err)
		return nil, fmt.Errorf("marshaling anthropic request: %w", err)
	}
	return reqJSON, nil
}

func (p *AnthropicProvider) ParseResponse(body []byte) (string, error) {
	var response struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("parsing anthropic response: %w", err)
	}
	if response.Error != nil {
		return "", fmt.Errorf("anthropic API error: %s", response.Error.Message)
	}
	for _, block := range response.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("no text content in anthropic response")
}

func (p *AnthropicProvider) PrepareLogProbsRequest(string) ([]byte, error) {
	return nil, fmt.Errorf("anthropic does not expose token log-probabilities")
}

func (p *AnthropicProvider) ParseLogProbsResponse([]byte) ([]float64, error) {
	return nil, fmt.Errorf("anthropic does not expose token log-probabilities")
}
