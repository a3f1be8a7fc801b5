// Package evaluation runs prompts against test-case batches and performs
// pairwise statistical comparison between baseline and candidates.
package evaluation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/draftlab/promptloop/llm"
	"github.com/draftlab/promptloop/providers"
	"github.com/draftlab/promptloop/reward"
	"github.com/draftlab/promptloop/testcases"
	"github.com/draftlab/promptloop/types"
	"github.com/draftlab/promptloop/utils"
)

const maxSampleOutputs = 3

// Engine evaluates prompts over test batches with a bounded worker pool.
type Engine struct {
	llm          llm.LLM
	rewards      *reward.Aggregator
	source       testcases.Source
	logger       utils.Logger
	limiter      *rate.Limiter
	workers      int
	significance float64
}

type EngineOption func(*Engine)

// WithWorkers bounds in-flight generation calls during a batch.
func WithWorkers(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithRateLimit caps provider requests per second across the batch.
func WithRateLimit(rps float64, burst int) EngineOption {
	return func(e *Engine) {
		e.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithSignificanceThreshold overrides the default 0.05 bound below which an
// improvement counts as real.
func WithSignificanceThreshold(alpha float64) EngineOption {
	return func(e *Engine) {
		if alpha > 0 && alpha < 1 {
			e.significance = alpha
		}
	}
}

// NewEngine creates an evaluation engine.
func NewEngine(client llm.LLM, rewards *reward.Aggregator, source testcases.Source, logger utils.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		llm:          client,
		rewards:      rewards,
		source:       source,
		logger:       logger,
		limiter:      rate.NewLimiter(rate.Limit(5), 1),
		workers:      4,
		significance: 0.05,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type caseOutcome struct {
	index  int
	score  float64
	output string
	err    error
}

// EvaluatePromptPerformance runs the prompt over a test batch and averages
// per-case rewards into a performance score. Per-case failures are excluded
// from the average and counted in the error rate; a batch where every case
// fails (or an empty batch) returns *EvaluationFailedError.
func (e *Engine) EvaluatePromptPerformance(ctx context.Context, prompt types.Prompt, sampleSize int, datasetIDs []string) (types.EvaluationResult, error) {
	cases, err := e.source.LoadEvaluationCases(ctx, datasetIDs, sampleSize)
	if err != nil {
		return types.EvaluationResult{}, fmt.Errorf("loading evaluation cases: %w", err)
	}
	return e.evaluateOverCases(ctx, prompt, cases)
}

// evaluateOverCases scores a prompt over an already-loaded batch, so callers
// comparing prompts can hold the batch fixed across them.
func (e *Engine) evaluateOverCases(ctx context.Context, prompt types.Prompt, cases []types.TestCase) (types.EvaluationResult, error) {
	start := time.Now()

	if len(cases) == 0 {
		return types.EvaluationResult{}, &EvaluationFailedError{Reason: "empty test batch"}
	}

	outcomes := e.runBatch(ctx, prompt, cases)

	var scores []float64
	var samples []string
	failed := 0
	for _, outcome := range outcomes {
		if outcome.err != nil {
			failed++
			e.logger.Debug("Test case failed", "case", outcome.index, "error", outcome.err)
			continue
		}
		scores = append(scores, outcome.score)
		if len(samples) < maxSampleOutputs {
			samples = append(samples, outcome.output)
		}
	}

	if len(scores) == 0 {
		return types.EvaluationResult{}, &EvaluationFailedError{
			Reason:     "no successful evaluations",
			CasesTried: len(cases),
		}
	}

	sum := 0.0
	minScore, maxScore := scores[0], scores[0]
	for _, s := range scores {
		sum += s
		if s < minScore {
			minScore = s
		}
		if s > maxScore {
			maxScore = s
		}
	}
	performance := sum / float64(len(scores))

	return types.EvaluationResult{
		PromptID:         prompt.ID,
		PromptContent:    prompt.Content,
		PerformanceScore: performance,
		Metrics: map[string]float64{
			"min_case_score": minScore,
			"max_case_score": maxScore,
		},
		SampleOutputs:  samples,
		CaseScores:     scores,
		EvaluationTime: time.Since(start),
		TestCasesUsed:  len(cases),
		ErrorRate:      float64(failed) / float64(len(cases)),
	}, nil
}

// runBatch scores every case under the prompt with bounded concurrency.
// Results come back in case order.
func (e *Engine) runBatch(ctx context.Context, prompt types.Prompt, cases []types.TestCase) []caseOutcome {
	outcomes := make([]caseOutcome, len(cases))
	sem := make(chan struct{}, e.workers)
	var wg sync.WaitGroup

	for i, testCase := range cases {
		wg.Add(1)
		go func(i int, testCase types.TestCase) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			outcomes[i] = e.runCase(ctx, prompt, i, testCase)
		}(i, testCase)
	}
	wg.Wait()
	return outcomes
}

func (e *Engine) runCase(ctx context.Context, prompt types.Prompt, index int, testCase types.TestCase) caseOutcome {
	if err := e.limiter.Wait(ctx); err != nil {
		return caseOutcome{index: index, err: fmt.Errorf("rate limiter: %w", err)}
	}

	input := testCase.Input
	if testCase.Context != "" {
		input = testCase.Context + "\n\n" + testCase.Input
	}

	output, err := e.llm.Generate(ctx, providers.GenerateRequest{
		Prompt:       input,
		SystemPrompt: prompt.Content,
	})
	if err != nil {
		return caseOutcome{index: index, err: err}
	}

	score := e.rewards.ComputeReward(ctx, reward.Input{
		PromptContent:  prompt.Content,
		ActualOutput:   output,
		ExpectedOutput: testCase.ExpectedOutput,
		ExpectedWords:  len(strings.Fields(testCase.ExpectedOutput)),
	})
	return caseOutcome{index: index, score: score, output: output}
}

// ComparePromptCandidates evaluates the baseline and every candidate against
// one shared test batch, returning one comparison per candidate. The batch is
// loaded once for the whole comparison: with a generative case source, fresh
// batches per prompt would fold batch difficulty into the significance test.
// The winner is the candidate only when the improvement is positive and the
// significance measure falls below the accepted bound.
func (e *Engine) ComparePromptCandidates(ctx context.Context, baseline types.Prompt, candidates []types.Prompt, sampleSize int, datasetIDs []string) ([]types.ComparisonResult, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no candidates to compare")
	}

	cases, err := e.source.LoadEvaluationCases(ctx, datasetIDs, sampleSize)
	if err != nil {
		return nil, fmt.Errorf("loading evaluation cases: %w", err)
	}

	baselineResult, err := e.evaluateOverCases(ctx, baseline, cases)
	if err != nil {
		return nil, fmt.Errorf("evaluating baseline: %w", err)
	}

	results := make([]types.ComparisonResult, 0, len(candidates))
	for _, candidate := range candidates {
		candidateResult, err := e.evaluateOverCases(ctx, candidate, cases)
		if err != nil {
			// One failed candidate is not cycle-fatal; the caller sees a
			// comparison only for candidates that evaluated.
			e.logger.Warn("Candidate evaluation failed", "prompt_id", candidate.ID, "error", err)
			continue
		}
		results = append(results, e.compare(baselineResult, candidateResult))
	}

	if len(results) == 0 {
		return nil, &EvaluationFailedError{
			Reason:     "all candidate evaluations failed",
			CasesTried: len(candidates),
		}
	}
	return results, nil
}

func (e *Engine) compare(baseline, candidate types.EvaluationResult) types.ComparisonResult {
	improvement := 0.0
	if baseline.PerformanceScore > 0 {
		improvement = (candidate.PerformanceScore - baseline.PerformanceScore) / baseline.PerformanceScore * 100
	} else if candidate.PerformanceScore > 0 {
		improvement = 100
	}

	p := welchTTest(baseline.CaseScores, candidate.CaseScores)

	winner := types.WinnerTie
	switch {
	case improvement > 0 && p < e.significance:
		winner = types.WinnerCandidate
	case improvement < 0 && p < e.significance:
		winner = types.WinnerBaseline
	}

	return types.ComparisonResult{
		Baseline:                baseline,
		Candidate:               candidate,
		Improvement:             improvement,
		StatisticalSignificance: p,
		Winner:                  winner,
		ConfidenceLevel:         1 - p,
	}
}

// FindBestPrompt evaluates every candidate over one shared test batch and
// returns the one with the highest performance score.
func (e *Engine) FindBestPrompt(ctx context.Context, candidates []types.Prompt, sampleSize int, datasetIDs []string) (types.Prompt, types.EvaluationResult, error) {
	if len(candidates) == 0 {
		return types.Prompt{}, types.EvaluationResult{}, fmt.Errorf("empty candidate list")
	}

	cases, err := e.source.LoadEvaluationCases(ctx, datasetIDs, sampleSize)
	if err != nil {
		return types.Prompt{}, types.EvaluationResult{}, fmt.Errorf("loading evaluation cases: %w", err)
	}

	var best types.Prompt
	var bestResult types.EvaluationResult
	found := false

	for _, candidate := range candidates {
		result, err := e.evaluateOverCases(ctx, candidate, cases)
		if err != nil {
			e.logger.Warn("Candidate evaluation failed", "prompt_id", candidate.ID, "error", err)
			continue
		}
		if !found || result.PerformanceScore > bestResult.PerformanceScore {
			best = candidate
			bestResult = result
			found = true
		}
	}

	if !found {
		return types.Prompt{}, types.EvaluationResult{}, &EvaluationFailedError{
			Reason:     "all candidate evaluations failed",
			CasesTried: len(candidates),
		}
	}
	return best, bestResult, nil
}
