package providers

import (
	"encoding/json"
	"fmt"

	"github.com/draftlab/promptloop/config"
	"github.com/draftlab/promptloop/utils"
)

// OpenAIProvider implements the Provider interface for OpenAI's API.
type OpenAIProvider struct {
	apiKey       string
	model        string
	extraHeaders map[string]string
	options      map[string]any
	logger       utils.Logger
}

// NewOpenAIProvider creates a new OpenAI provider instance.
func NewOpenAIProvider(apiKey, model string, extraHeaders map[string]string) Provider {
	if extraHeaders == nil {
		extraHeaders = make(map[string]string)
	}
	return &OpenAIProvider{
		apiKey:       apiKey,
		model:        model,
		extraHeaders: extraHeaders,
		options:      make(map[string]any),
		logger:       utils.NewLogger(utils.LogLevelInfo),
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Endpoint() string {
	return "https://api.openai.com/v1/chat/completions"
}

// LogProbsEndpoint uses the legacy completions endpoint, which can echo a
// given text with token log-probabilities attached.
func (p *OpenAIProvider) LogProbsEndpoint() string {
	return "https://api.openai.com/v1/completions"
}

func (p *OpenAIProvider) SupportsJSONSchema() bool         { return true }
func (p *OpenAIProvider) SupportsLogProbabilities() bool   { return true }
func (p *OpenAIProvider) SetLogger(logger utils.Logger)    { p.logger = logger }
func (p *OpenAIProvider) SetOption(key string, value any)  { p.options[key] = value }
func (p *OpenAIProvider) SetExtraHeaders(h map[string]string) {
	p.extraHeaders = h
}

func (p *OpenAIProvider) SetDefaultOptions(cfg *config.Config) {
	p.SetOption("temperature", cfg.Temperature)
	p.SetOption("max_tokens", cfg.MaxTokens)
}

func (p *OpenAIProvider) Headers() map[string]string {
	headers := map[string]string{
		"Content-Type":  "application/json",
		"Authorization": "Bearer " + p.apiKey,
	}
	for key, value := range p.extraHeaders {
		headers[key] = value
	}
	return headers
}

func (p *OpenAIProvider) PrepareRequest(req GenerateRequest, options map[string]any) ([]byte, error) {
	messages := []map[string]any{}
	if req.SystemPrompt != "" {
		messages = append(messages, map[string]any{"role": "system", "content": req.SystemPrompt})
	}
	messages = append(messages, map[string]any{"role": "user", "content": req.Prompt})

	request := map[string]any{
		"model":    p.model,
		"messages": messages,
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
	if req.Schema != nil {
		request["response_format"] = map[string]any{
			"type": "json_schema",
			"json_schema": map[string]any{
				"name":   "response",
				"schema": req.Schema,
			},
		}
	}
	for k, v := range options {
		request[k] = v
	}

	reqJSON, err := json.Marshal(request)
	if err != nil {
		p.logger.Error("Failed to marshal request", "error", err)
		return nil, fmt.Errorf("marshaling openai request: %w", err)
	}
	return reqJSON, nil
}

func (p *OpenAIProvider) ParseResponse(body []byte) (string, error) {
	var response struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("parsing openai response: %w", err)
	}
	if response.Error != nil {
		return "", fmt.Errorf("openai API error: %s", response.Error.Message)
	}
	if len(response.Choices) == 0 {
		return "", fmt.Errorf("empty response from openai")
	}
	return response.Choices[0].Message.Content, nil
}

// PrepareLogProbsRequest echoes the text back with log-probabilities and no
// new tokens, which prices the call at input tokens only.
func (p *OpenAIProvider) PrepareLogProbsRequest(text string) ([]byte, error) {
	request := map[string]any{
		"model":      p.model,
		"prompt":     text,
		"max_tokens": 0,
		"echo":       true,
		"logprobs":   0,
	}
	reqJSON, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("marshaling logprobs request: %w", err)
	}
	return reqJSON, nil
}

func (p *OpenAIProvider) ParseLogProbsResponse(body []byte) ([]float64, error) {
	var response struct {
		Choices []struct {
			Logprobs struct {
				TokenLogprobs []*float64 `json:"token_logprobs"`
			} `json:"logprobs"`
		} `json:"choices"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("parsing logprobs response: %w", err)
	}
	if response.Error != nil {
		return nil, fmt.Errorf("openai API error: %s", response.Error.Message)
	}
	if len(response.Choices) == 0 {
		return nil, fmt.Errorf("empty logprobs response")
	}

	raw := response.Choices[0].Logprobs.TokenLogprobs
	logProbs := make([]float64, 0, len(raw))
	for _, lp := range raw {
		// The first echoed token has a null log-probability.
		if lp != nil {
			logProbs = append(logProbs, *lp)
		}
	}
	return logProbs, nil
}
