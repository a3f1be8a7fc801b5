package testcases

import (
	"context"
	"fmt"

	"github.com/draftlab/promptloop/llm"
	"github.com/draftlab/promptloop/providers"
	"github.com/draftlab/promptloop/types"
	"github.com/draftlab/promptloop/utils"
)

// SyntheticSource generates evaluation cases with a model when no dataset
// is supplied. The scenario describes the kind of drafts the lab produces,
// e.g. "short customer-support email replies".
type SyntheticSource struct {
	llm      llm.LLM
	scenario string
	logger   utils.Logger
}

// NewSyntheticSource creates a model-backed case generator.
func NewSyntheticSource(client llm.LLM, scenario string, logger utils.Logger) *SyntheticSource {
	return &SyntheticSource{llm: client, scenario: scenario, logger: logger}
}

type syntheticBatch struct {
	Cases []types.TestCase `json:"cases" validate:"required,min=1,dive"`
}

func (s *SyntheticSource) LoadEvaluationCases(ctx context.Context, datasetIDs []string, count int) ([]types.TestCase, error) {
	if len(datasetIDs) > 0 {
		return nil, fmt.Errorf("synthetic source does not serve dataset ids")
	}
	if count <= 0 {
		count = 5
	}

	prompt := fmt.Sprintf(`Generate %d test cases for evaluating a system prompt that produces %s.

Respond ONLY with a raw JSON object, no markdown formatting or backticks:
{
	"cases": [
		{"input": "the user request", "expected_output": "an ideal response", "context": "optional situational context"},
		...
	]
}

Make the inputs diverse in topic, tone, and difficulty. Expected outputs
should be realistic, high-quality responses.`, count, s.scenario)

	var batch syntheticBatch
	err := s.llm.GenerateWithSchema(ctx, providers.GenerateRequest{
		Prompt:      prompt,
		Temperature: 0.9,
	}, &batch)
	if err != nil {
		return nil, fmt.Errorf("generating synthetic cases: %w", err)
	}

	s.logger.Debug("Generated synthetic test cases", "requested", count, "got", len(batch.Cases))
	if len(batch.Cases) > count {
		batch.Cases = batch.Cases[:count]
	}
	return batch.Cases, nil
}
