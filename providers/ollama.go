package providers

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/draftlab/promptloop/config"
	"github.com/draftlab/promptloop/utils"
)

// OllamaProvider implements the Provider interface for a local Ollama
// server. The api key parameter is unused; the model parameter selects the
// local model.
type OllamaProvider struct {
	endpoint     string
	model        string
	extraHeaders map[string]string
	options      map[string]any
	logger       utils.Logger
}

// NewOllamaProvider creates a new Ollama provider instance.
func NewOllamaProvider(_, model string, extraHeaders map[string]string) Provider {
	if extraHeaders == nil {
		extraHeaders = make(map[string]string)
	}
	return &OllamaProvider{
		endpoint:     "http://localhost:11434",
		model:        model,
		extraHeaders: extraHeaders,
		options:      make(map[string]any),
		logger:       utils.NewLogger(utils.LogLevelInfo),
	}
}

func (p *OllamaProvider) Name() string { return "ollama" }

func (p *OllamaProvider) Endpoint() string {
	return strings.TrimSuffix(p.endpoint, "/") + "/api/generate"
}

func (p *OllamaProvider) SupportsJSONSchema() bool       { return false }
func (p *OllamaProvider) SupportsLogProbabilities() bool { return false }
func (p *OllamaProvider) LogProbsEndpoint() string       { return "" }
func (p *OllamaProvider) SetLogger(logger utils.Logger)  { p.logger = logger }

func (p *OllamaProvider) SetOption(key string, value any) {
	if key == "endpoint" {
		if endpoint, ok := value.(string); ok {
			p.endpoint = endpoint
			return
		}
	}
	p.options[key] = value
}

func (p *OllamaProvider) SetExtraHeaders(h map[string]string) {
	p.extraHeaders = h
}

func (p *OllamaProvider) SetDefaultOptions(cfg *config.Config) {
	if cfg.OllamaEndpoint != "" {
		p.endpoint = cfg.OllamaEndpoint
	}
	p.SetOption("temperature", cfg.Temperature)
}

func (p *OllamaProvider) Headers() map[string]string {
	headers := map[string]string{
		"Content-Type": "application/json",
	}
	for key, value := range p.extraHeaders {
		headers[key] = value
	}
	return headers
}

func (p *OllamaProvider) PrepareRequest(req GenerateRequest, options map[string]any) ([]byte, error) {
	opts := map[string]any{}
	for k, v := range p.options {
		opts[k] = v
	}
	if req.Temperature > 0 {
		opts["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		opts["num_predict"] = req.MaxTokens
	}
	for k, v := range options {
		opts[k] = v
	}

	request := map[string]any{
		"model":   p.model,
		"prompt":  req.Prompt,
		"stream":  false,
		"options": opts,
	}
	if req.SystemPrompt != "" {
		request["system"] = req.SystemPrompt
	}

	reqJSON, err := json.Marshal(request)
	if err != nil {
		p.logger.Error("Failed to marshal request", "error", err)
		return nil, fmt.Errorf("marshaling ollama request: %w", err)
	}
	return reqJSON, nil
}

func (p *OllamaProvider) ParseResponse(body []byte) (string, error) {
	var response struct {
		Response string `json:"response"`
		Error    string `json:"error"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("parsing ollama response: %w", err)
	}
	if response.Error != "" {
		return "", fmt.Errorf("ollama error: %s", response.Error)
	}
	return response.Response, nil
}

func (p *OllamaProvider) PrepareLogProbsRequest(string) ([]byte, error) {
	return nil, fmt.Errorf("ollama does not expose token log-probabilities")
}

func (p *OllamaProvider) ParseLogProbsResponse([]byte) ([]float64, error) {
	return nil, fmt.Errorf("ollama does not expose token log-probabilities")
}
