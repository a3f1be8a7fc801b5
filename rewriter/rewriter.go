// Package rewriter generates rewritten prompt candidates from feedback and
// performance history, and ranks them before full evaluation.
package rewriter

import (
	"context"
	"fmt"
	"sync"

	"github.com/draftlab/promptloop/llm"
	"github.com/draftlab/promptloop/providers"
	"github.com/draftlab/promptloop/reward"
	"github.com/draftlab/promptloop/types"
	"github.com/draftlab/promptloop/utils"
)

// Mode selects the candidate generation strategy.
type Mode string

const (
	// ModeConservative produces one minimal-risk edit at low temperature.
	ModeConservative Mode = "conservative"
	// ModeExploratory produces several diverse candidates at high
	// temperature.
	ModeExploratory Mode = "exploratory"
	// ModeHybrid produces the conservative candidate plus the exploratory
	// set.
	ModeHybrid Mode = "hybrid"
)

const (
	conservativeTemperature = 0.3
	exploratoryTemperature  = 1.0
	conservativeConfidence  = 0.9
	exploratoryConfidence   = 0.7
)

// Rewriter asks the generation provider for rewritten prompt candidates.
type Rewriter struct {
	llm          llm.LLM
	rewards      *reward.Aggregator
	logger       utils.Logger
	exploratoryN int
	queue        *TrainingQueue
}

type RewriterOption func(*Rewriter)

// WithExploratoryCandidates sets how many candidates exploratory mode
// generates (default 3).
func WithExploratoryCandidates(n int) RewriterOption {
	return func(r *Rewriter) {
		if n > 0 {
			r.exploratoryN = n
		}
	}
}

// WithTrainingBatchSize sets the queue size at which the orchestrator is
// expected to call Flush (default 10).
func WithTrainingBatchSize(n int) RewriterOption {
	return func(r *Rewriter) {
		if n > 0 {
			r.queue.batchSize = n
		}
	}
}

// NewRewriter creates a prompt rewriter.
func NewRewriter(client llm.LLM, rewards *reward.Aggregator, logger utils.Logger, opts ...RewriterOption) *Rewriter {
	r := &Rewriter{
		llm:          client,
		rewards:      rewards,
		logger:       logger,
		exploratoryN: 3,
		queue:        NewTrainingQueue(10),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// rewriteResponse is the structured output requested from the provider.
type rewriteResponse struct {
	Content   string `json:"content" validate:"required"`
	Reasoning string `json:"reasoning"`
}

// RewritePrompt generates candidates per the requested mode. Individual
// generation failures in exploratory mode are tolerated; an error is
// returned only when no candidate at all could be produced.
func (r *Rewriter) RewritePrompt(ctx context.Context, rctx types.RewriteContext, mode Mode) ([]types.RewriteCandidate, error) {
	switch mode {
	case ModeConservative:
		candidate, err := r.generateOne(ctx, rctx, conservativeGuidance, conservativeTemperature, conservativeConfidence)
		if err != nil {
			return nil, fmt.Errorf("conservative rewrite: %w", err)
		}
		return []types.RewriteCandidate{candidate}, nil

	case ModeExploratory:
		candidates := r.generateExploratory(ctx, rctx)
		if len(candidates) == 0 {
			return nil, fmt.Errorf("exploratory rewrite: all %d generation attempts failed", r.exploratoryN)
		}
		return candidates, nil

	case ModeHybrid:
		var candidates []types.RewriteCandidate
		conservative, err := r.generateOne(ctx, rctx, conservativeGuidance, conservativeTemperature, conservativeConfidence)
		if err != nil {
			r.logger.Warn("Conservative candidate failed in hybrid mode", "error", err)
		} else {
			candidates = append(candidates, conservative)
		}
		candidates = append(candidates, r.generateExploratory(ctx, rctx)...)
		if len(candidates) == 0 {
			return nil, fmt.Errorf("hybrid rewrite: all generation attempts failed")
		}
		return candidates, nil

	default:
		return nil, fmt.Errorf("unknown rewrite mode: %q", mode)
	}
}

// generateExploratory fires N independent generation calls concurrently.
// The calls share only read-only context, so no coordination beyond the
// wait group is needed.
func (r *Rewriter) generateExploratory(ctx context.Context, rctx types.RewriteContext) []types.RewriteCandidate {
	results := make([]*types.RewriteCandidate, r.exploratoryN)
	var wg sync.WaitGroup

	for i := 0; i < r.exploratoryN; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			candidate, err := r.generateOne(ctx, rctx, exploratoryGuidance, exploratoryTemperature, exploratoryConfidence)
			if err != nil {
				r.logger.Warn("Exploratory candidate failed", "index", i, "error", err)
				return
			}
			results[i] = &candidate
		}(i)
	}
	wg.Wait()

	var candidates []types.RewriteCandidate
	for _, c := range results {
		if c != nil {
			candidates = append(candidates, *c)
		}
	}
	return candidates
}

func (r *Rewriter) generateOne(ctx context.Context, rctx types.RewriteContext, guidance string, temperature, confidence float64) (types.RewriteCandidate, error) {
	metaPrompt, err := buildMetaPrompt(rctx, guidance)
	if err != nil {
		return types.RewriteCandidate{}, err
	}

	var response rewriteResponse
	err = r.llm.GenerateWithSchema(ctx, providers.GenerateRequest{
		Prompt:      metaPrompt,
		Temperature: temperature,
	}, &response)
	if err != nil {
		return types.RewriteCandidate{}, err
	}

	return types.RewriteCandidate{
		Content:     response.Content,
		Confidence:  confidence,
		Temperature: temperature,
		Reasoning:   response.Reasoning,
	}, nil
}

// SelectBestCandidate ranks candidates with the reward aggregator's cheap
// candidate scoring and returns the highest. Ties break in favor of the
// earliest candidate.
func (r *Rewriter) SelectBestCandidate(ctx context.Context, candidates []types.RewriteCandidate, in reward.Input) (types.RewriteCandidate, error) {
	if len(candidates) == 0 {
		return types.RewriteCandidate{}, fmt.Errorf("empty candidate list")
	}

	best := candidates[0]
	bestScore := r.rewards.EvaluateCandidate(ctx, best, in)
	for _, candidate := range candidates[1:] {
		score := r.rewards.EvaluateCandidate(ctx, candidate, in)
		if score > bestScore {
			best = candidate
			bestScore = score
		}
	}
	return best, nil
}

// UpdateFromFeedback records the reward of an old-to-new prompt transition
// in the training queue. It is total: malformed or absent feedback falls
// back to neutral scoring.
func (r *Rewriter) UpdateFromFeedback(oldPrompt, newPrompt string, feedback *types.FeedbackItem, taskPerformance float64) {
	transitionReward := (r.rewards.FeedbackReward(feedback) + clamp01(taskPerformance)) / 2

	r.queue.Append(TrainingExample{
		OldPrompt: oldPrompt,
		NewPrompt: newPrompt,
		Reward:    transitionReward,
	})
	r.logger.Debug("Recorded prompt transition", "reward", transitionReward, "queued", r.queue.Len())
}

// PendingExamples reports how many transitions are queued; the orchestrator
// calls Flush once this reaches the training batch size.
func (r *Rewriter) PendingExamples() int { return r.queue.Len() }

// BatchSize returns the configured training batch threshold.
func (r *Rewriter) BatchSize() int { return r.queue.batchSize }

// Flush runs one training step over the queued transitions and clears the
// queue. The default step persists high-reward transitions as reusable
// patterns; it is the hook point for a learned selection policy.
func (r *Rewriter) Flush() int {
	return r.queue.Flush(r.logger)
}

// Patterns returns the high-reward prompt patterns retained by past
// flushes, newest last.
func (r *Rewriter) Patterns() []Pattern {
	return r.queue.Patterns()
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
