// Package llm wraps a generation provider behind a retrying HTTP client
// with timeouts and typed errors.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"

	"github.com/draftlab/promptloop/config"
	"github.com/draftlab/promptloop/providers"
	"github.com/draftlab/promptloop/utils"
)

// LLM is the generation interface consumed by the optimization loop.
type LLM interface {
	Generate(ctx context.Context, req providers.GenerateRequest) (string, error)
	// GenerateWithSchema generates structured output and unmarshals it into
	// out, validating struct tags afterward. out must be a pointer.
	GenerateWithSchema(ctx context.Context, req providers.GenerateRequest, out any) error
	GetLogProbabilities(ctx context.Context, text string) ([]float64, error)
	SupportsLogProbabilities() bool
	GetLogger() utils.Logger
}

// LLMImpl is the HTTP-backed implementation of LLM.
type LLMImpl struct {
	Provider   providers.Provider
	client     *http.Client
	logger     utils.Logger
	validate   *validator.Validate
	MaxRetries int
	RetryDelay time.Duration
}

// NewLLM builds a client for the configured provider.
func NewLLM(cfg *config.Config, logger utils.Logger, registry *providers.ProviderRegistry) (LLM, error) {
	provider, err := registry.Get(cfg.Provider, cfg.APIKeys[cfg.Provider], cfg.Model, nil)
	if err != nil {
		return nil, err
	}
	provider.SetDefaultOptions(cfg)
	provider.SetLogger(logger)

	return &LLMImpl{
		Provider:   provider,
		client:     &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
		validate:   validator.New(),
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
	}, nil
}

func (l *LLMImpl) GetLogger() utils.Logger { return l.logger }

func (l *LLMImpl) SupportsLogProbabilities() bool {
	return l.Provider.SupportsLogProbabilities()
}

func (l *LLMImpl) Generate(ctx context.Context, req providers.GenerateRequest) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= l.MaxRetries; attempt++ {
		l.logger.Debug("Generating text", "provider", l.Provider.Name(), "attempt", attempt+1)

		result, err := l.attemptGenerate(ctx, req)
		if err == nil {
			return result, nil
		}
		lastErr = err
		l.logger.Warn("Generation attempt failed", "error", err, "attempt", attempt+1)

		if !retryable(err) {
			return "", err
		}
		if attempt < l.MaxRetries {
			if waitErr := l.wait(ctx, attempt); waitErr != nil {
				return "", NewLLMError(ErrorTypeTimeout, "canceled while waiting to retry", waitErr)
			}
		}
	}
	return "", NewLLMError(ErrorTypeProvider,
		fmt.Sprintf("failed to generate after %d attempts", l.MaxRetries+1), lastErr)
}

func (l *LLMImpl) GenerateWithSchema(ctx context.Context, req providers.GenerateRequest, out any) error {
	if l.Provider.SupportsJSONSchema() {
		schema := jsonschema.Reflect(out)
		req.Schema = schema
	}

	raw, err := l.Generate(ctx, req)
	if err != nil {
		return err
	}

	cleaned := utils.ExtractJSON(raw)
	if err := json.Unmarshal([]byte(cleaned), out); err != nil {
		return NewLLMError(ErrorTypeResponse, "structured response is not valid JSON", err)
	}
	if err := l.validate.Struct(out); err != nil {
		return NewLLMError(ErrorTypeResponse, "structured response failed validation", err)
	}
	return nil
}

func (l *LLMImpl) GetLogProbabilities(ctx context.Context, text string) ([]float64, error) {
	if !l.Provider.SupportsLogProbabilities() {
		return nil, NewLLMError(ErrorTypeInvalidInput,
			fmt.Sprintf("provider %s does not expose log-probabilities", l.Provider.Name()), nil)
	}

	var lastErr error
	for attempt := 0; attempt <= l.MaxRetries; attempt++ {
		logProbs, err := l.attemptLogProbs(ctx, text)
		if err == nil {
			return logProbs, nil
		}
		lastErr = err
		l.logger.Warn("Log-probability attempt failed", "error", err, "attempt", attempt+1)

		if !retryable(err) {
			return nil, err
		}
		if attempt < l.MaxRetries {
			if waitErr := l.wait(ctx, attempt); waitErr != nil {
				return nil, NewLLMError(ErrorTypeTimeout, "canceled while waiting to retry", waitErr)
			}
		}
	}
	return nil, NewLLMError(ErrorTypeProvider,
		fmt.Sprintf("failed to fetch log-probabilities after %d attempts", l.MaxRetries+1), lastErr)
}

func (l *LLMImpl) attemptGenerate(ctx context.Context, req providers.GenerateRequest) (string, error) {
	body, err := l.Provider.PrepareRequest(req, nil)
	if err != nil {
		return "", NewLLMError(ErrorTypeRequest, "failed to prepare request", err)
	}

	respBody, err := l.post(ctx, l.Provider.Endpoint(), body)
	if err != nil {
		return "", err
	}

	text, err := l.Provider.ParseResponse(respBody)
	if err != nil {
		return "", NewLLMError(ErrorTypeResponse, "failed to parse response", err)
	}
	return text, nil
}

func (l *LLMImpl) attemptLogProbs(ctx context.Context, text string) ([]float64, error) {
	body, err := l.Provider.PrepareLogProbsRequest(text)
	if err != nil {
		return nil, NewLLMError(ErrorTypeRequest, "failed to prepare logprobs request", err)
	}

	respBody, err := l.post(ctx, l.Provider.LogProbsEndpoint(), body)
	if err != nil {
		return nil, err
	}

	logProbs, err := l.Provider.ParseLogProbsResponse(respBody)
	if err != nil {
		return nil, NewLLMError(ErrorTypeResponse, "failed to parse logprobs response", err)
	}
	return logProbs, nil
}

func (l *LLMImpl) post(ctx context.Context, endpoint string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, NewLLMError(ErrorTypeRequest, "failed to create request", err)
	}
	for key, value := range l.Provider.Headers() {
		req.Header.Set(key, value)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, NewLLMError(ErrorTypeTimeout, "request canceled or timed out", err)
		}
		return nil, NewLLMError(ErrorTypeProvider, "request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewLLMError(ErrorTypeResponse, "failed to read response body", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, NewLLMError(ErrorTypeRateLimit, "rate limited by provider", nil)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, NewLLMError(ErrorTypeAuthentication,
			fmt.Sprintf("authentication failed with status %d", resp.StatusCode), nil)
	case resp.StatusCode != http.StatusOK:
		return nil, NewLLMError(ErrorTypeAPI,
			fmt.Sprintf("API error: status %d, body: %s", resp.StatusCode, string(respBody)), nil)
	}
	return respBody, nil
}

// retryable reports whether the call should be attempted again.
// Authentication and malformed-input failures never resolve by retrying.
func retryable(err error) bool {
	llmErr, ok := err.(*LLMError)
	if !ok {
		return true
	}
	switch llmErr.Type {
	case ErrorTypeAuthentication, ErrorTypeInvalidInput:
		return false
	}
	return true
}

// wait sleeps for the retry delay with exponential backoff, honoring ctx.
func (l *LLMImpl) wait(ctx context.Context, attempt int) error {
	delay := l.RetryDelay * time.Duration(1<<attempt)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}
