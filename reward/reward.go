// Package reward combines independent scoring signals into one scalar
// reward in [0,1]. Every sub-scorer is total: internal failures and missing
// inputs degrade to a neutral 0.5 (or a documented per-signal fallback)
// rather than aborting scoring.
package reward

import (
	"context"
	"math"
	"strings"

	"github.com/draftlab/promptloop/types"
	"github.com/draftlab/promptloop/utils"
)

// LogProbSource supplies token log-probabilities for the perplexity signal.
// Satisfied by llm.LLM.
type LogProbSource interface {
	GetLogProbabilities(ctx context.Context, text string) ([]float64, error)
	SupportsLogProbabilities() bool
}

// Input carries everything a reward computation may consume. Any field may
// be zero; scoring degrades per signal instead of failing.
type Input struct {
	PromptContent  string
	ActualOutput   string
	ExpectedOutput string
	Feedback       *types.FeedbackItem
	Scenario       string
	// ExpectedWords constrains the length signal; 0 means unconstrained.
	ExpectedWords int
}

// Aggregator computes weighted multi-signal rewards.
type Aggregator struct {
	logProbs LogProbSource
	profiles *ProfileSet
	logger   utils.Logger
}

type AggregatorOption func(*Aggregator)

// WithLogProbSource enables the perplexity signal. Without it the signal
// scores neutral.
func WithLogProbSource(src LogProbSource) AggregatorOption {
	return func(a *Aggregator) {
		a.logProbs = src
	}
}

// WithProfiles installs scenario-specific weight overrides.
func WithProfiles(profiles *ProfileSet) AggregatorOption {
	return func(a *Aggregator) {
		a.profiles = profiles
	}
}

// NewAggregator creates a reward aggregator.
func NewAggregator(logger utils.Logger, opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{logger: logger}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ComputeReward returns the weighted aggregate of all signals, clamped to
// [0,1]. It never returns an error; broken signals degrade to neutral.
func (a *Aggregator) ComputeReward(ctx context.Context, in Input) float64 {
	weights := a.profiles.WeightsFor(in.Scenario)

	total := weights.ExactMatch*exactMatchReward(in.ExpectedOutput, in.ActualOutput) +
		weights.F1Score*lexicalF1Reward(in.ExpectedOutput, in.ActualOutput) +
		weights.Perplexity*a.perplexityReward(ctx, in.ActualOutput) +
		weights.HumanFeedback*humanFeedbackReward(in.Feedback) +
		weights.LengthAppropriateness*lengthReward(in.ActualOutput, in.ExpectedWords) +
		weights.SemanticSimilarity*semanticSimilarityReward(in.ExpectedOutput, in.ActualOutput)

	return clamp01(total)
}

// EvaluateCandidate ranks an unevaluated candidate cheaply: the aggregate
// reward scaled by the candidate's self-reported confidence.
func (a *Aggregator) EvaluateCandidate(ctx context.Context, candidate types.RewriteCandidate, in Input) float64 {
	in.ActualOutput = candidate.Content
	return a.ComputeReward(ctx, in) * candidate.Confidence
}

// exactMatchReward is 1.0 when the normalized outputs are equal, 0.0
// otherwise, including when either side is missing.
func exactMatchReward(expected, actual string) float64 {
	if expected == "" || actual == "" {
		return 0.0
	}
	if normalize(expected) == normalize(actual) {
		return 1.0
	}
	return 0.0
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// lexicalF1Reward is the token-set F1 over whitespace-split tokens.
// Both-empty scores 1.0; one-empty scores 0.0.
func lexicalF1Reward(expected, actual string) float64 {
	expectedTokens := tokenSet(expected)
	actualTokens := tokenSet(actual)

	if len(expectedTokens) == 0 && len(actualTokens) == 0 {
		return 1.0
	}
	if len(expectedTokens) == 0 || len(actualTokens) == 0 {
		return 0.0
	}

	common := 0
	for token := range actualTokens {
		if expectedTokens[token] {
			common++
		}
	}
	if common == 0 {
		return 0.0
	}

	precision := float64(common) / float64(len(actualTokens))
	recall := float64(common) / float64(len(expectedTokens))
	return 2 * precision * recall / (precision + recall)
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, token := range strings.Fields(normalize(s)) {
		set[token] = true
	}
	return set
}

// perplexityReward maps the average token log-probability of the actual
// output to [0,1] via the geometric-mean token probability (the inverse of
// perplexity). Provider errors and missing sources score neutral 0.5.
func (a *Aggregator) perplexityReward(ctx context.Context, actual string) float64 {
	if a.logProbs == nil || !a.logProbs.SupportsLogProbabilities() || actual == "" {
		return 0.5
	}

	logProbs, err := a.logProbs.GetLogProbabilities(ctx, actual)
	if err != nil || len(logProbs) == 0 {
		if err != nil {
			a.logger.Debug("Perplexity signal degraded to neutral", "error", err)
		}
		return 0.5
	}

	sum := 0.0
	for _, lp := range logProbs {
		sum += lp
	}
	avg := sum / float64(len(logProbs))
	return clamp01(math.Exp(avg))
}

// feedbackScorer maps each feedback action to its reward via the closed
// action dispatch. Accept earns a bonus of up to 0.2 when a majority of the
// itemized factor ratings were liked, capped at 1.2 before aggregation.
type feedbackScorer struct{}

func (feedbackScorer) HandleAccept(item types.FeedbackItem) float64 {
	score := 1.0
	if len(item.FactorRatings) > 0 {
		liked := 0
		for _, rating := range item.FactorRatings {
			if rating > 0.5 {
				liked++
			}
		}
		if liked*2 > len(item.FactorRatings) {
			score += 0.2 * float64(liked) / float64(len(item.FactorRatings))
		}
	}
	return math.Min(score, 1.2)
}

func (feedbackScorer) HandleReject(types.FeedbackItem) float64 { return 0.0 }
func (feedbackScorer) HandleEdit(types.FeedbackItem) float64   { return 0.6 }
func (feedbackScorer) HandleIgnore(types.FeedbackItem) float64 { return 0.5 }

func humanFeedbackReward(feedback *types.FeedbackItem) float64 {
	if feedback == nil {
		return 0.5
	}
	return types.DispatchAction[float64](feedbackScorer{}, *feedback)
}

// FeedbackReward exposes the human-feedback signal on its own, used by the
// rewriter to reward old-to-new prompt transitions. Total; nil feedback is
// neutral.
func (a *Aggregator) FeedbackReward(feedback *types.FeedbackItem) float64 {
	return humanFeedbackReward(feedback)
}

// lengthReward scores how well the output length fits the expected word
// count. Within 80%-120% of expected scores 1.0, degrading linearly to a
// 0.1 floor at double the expected length or near zero. No expectation
// means no constraint.
func lengthReward(actual string, expectedWords int) float64 {
	if expectedWords <= 0 {
		return 1.0
	}
	actualWords := len(strings.Fields(actual))
	ratio := float64(actualWords) / float64(expectedWords)

	switch {
	case ratio >= 0.8 && ratio <= 1.2:
		return 1.0
	case ratio > 2.0 || ratio <= 0:
		return 0.1
	case ratio > 1.2:
		return 1.0 - (ratio-1.2)/(2.0-1.2)*0.9
	default: // 0 < ratio < 0.8
		return math.Max(0.1, 1.0-(0.8-ratio)/0.8*0.9)
	}
}

// semanticSimilarityReward approximates semantic overlap with token-set
// Jaccard similarity. A real embedding model would do better; the signal is
// deliberately cheap since it runs on every test case.
func semanticSimilarityReward(expected, actual string) float64 {
	expectedTokens := tokenSet(expected)
	actualTokens := tokenSet(actual)

	if len(expectedTokens) == 0 && len(actualTokens) == 0 {
		return 1.0
	}
	if len(expectedTokens) == 0 || len(actualTokens) == 0 {
		return 0.0
	}

	intersection := 0
	for token := range actualTokens {
		if expectedTokens[token] {
			intersection++
		}
	}
	union := len(expectedTokens) + len(actualTokens) - intersection
	return float64(intersection) / float64(union)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0.5
	}
	return math.Max(0, math.Min(1, v))
}
