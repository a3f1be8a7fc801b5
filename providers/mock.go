package providers

import (
	"encoding/json"
	"errors"

	"github.com/draftlab/promptloop/config"
	"github.com/draftlab/promptloop/utils"
)

// MockProvider implements the Provider interface for testing. Responses are
// served from a configurable queue; the request body is ignored when
// parsing. Point its endpoint at an httptest server to exercise the full
// HTTP path.
type MockProvider struct {
	endpoint     string
	model        string
	extraHeaders map[string]string
	options      map[string]any
	logger       utils.Logger

	responseText  string
	shouldError   bool
	errorMsg      string
	responses     []string
	currentIndex  int
	loopResponses bool
	logProbs      []float64
}

// NewMockProvider creates a new mock provider instance for testing.
func NewMockProvider(_, model string, extraHeaders map[string]string) Provider {
	if extraHeaders == nil {
		extraHeaders = make(map[string]string)
	}
	return &MockProvider{
		endpoint:     "http://localhost/mock",
		model:        model,
		extraHeaders: extraHeaders,
		options:      make(map[string]any),
		logger:       utils.NewLogger(utils.LogLevelInfo),
		responseText: "This is a mock response",
		logProbs:     []float64{-0.5, -0.8, -0.3},
	}
}

// SetMockResponse configures the default response text.
func (p *MockProvider) SetMockResponse(response string) {
	p.responseText = response
}

// SetMockError configures the mock to fail parsing.
func (p *MockProvider) SetMockError(shouldError bool, errorMsg string) {
	p.shouldError = shouldError
	p.errorMsg = errorMsg
}

// SetResponses configures a queue of responses returned in sequence.
func (p *MockProvider) SetResponses(responses []string, loop bool) {
	p.responses = responses
	p.currentIndex = 0
	p.loopResponses = loop
}

// SetMockLogProbs configures the log-probabilities returned for perplexity
// scoring.
func (p *MockProvider) SetMockLogProbs(logProbs []float64) {
	p.logProbs = logProbs
}

func (p *MockProvider) Name() string                          { return "mock" }
func (p *MockProvider) Endpoint() string                      { return p.endpoint }
func (p *MockProvider) LogProbsEndpoint() string              { return p.endpoint }
func (p *MockProvider) SupportsJSONSchema() bool              { return true }
func (p *MockProvider) SupportsLogProbabilities() bool        { return true }
func (p *MockProvider) SetLogger(logger utils.Logger)         { p.logger = logger }
func (p *MockProvider) SetExtraHeaders(h map[string]string)   { p.extraHeaders = h }
func (p *MockProvider) SetDefaultOptions(cfg *config.Config)  {}

func (p *MockProvider) SetOption(key string, value any) {
	if key == "endpoint" {
		if endpoint, ok := value.(string); ok {
			p.endpoint = endpoint
			return
		}
	}
	p.options[key] = value
}

func (p *MockProvider) Headers() map[string]string {
	headers := map[string]string{
		"Content-Type": "application/json",
	}
	for k, v := range p.extraHeaders {
		headers[k] = v
	}
	return headers
}

func (p *MockProvider) PrepareRequest(req GenerateRequest, options map[string]any) ([]byte, error) {
	if p.shouldError {
		return nil, errors.New(p.errorMsg)
	}
	request := map[string]any{
		"model":  p.model,
		"prompt": req.Prompt,
	}
	for k, v := range options {
		request[k] = v
	}
	return json.Marshal(request)
}

func (p *MockProvider) ParseResponse([]byte) (string, error) {
	if p.shouldError {
		return "", errors.New(p.errorMsg)
	}
	return p.nextResponse()
}

func (p *MockProvider) nextResponse() (string, error) {
	if len(p.responses) == 0 {
		return p.responseText, nil
	}
	if p.currentIndex >= len(p.responses) {
		if !p.loopResponses {
			return "", errors.New("mock provider: response queue exhausted")
		}
		p.currentIndex = 0
	}
	response := p.responses[p.currentIndex]
	p.currentIndex++
	return response, nil
}

func (p *MockProvider) PrepareLogProbsRequest(text string) ([]byte, error) {
	if p.shouldError {
		return nil, errors.New(p.errorMsg)
	}
	return json.Marshal(map[string]any{"model": p.model, "prompt": text})
}

func (p *MockProvider) ParseLogProbsResponse([]byte) ([]float64, error) {
	if p.shouldError {
		return nil, errors.New(p.errorMsg)
	}
	return p.logProbs, nil
}
