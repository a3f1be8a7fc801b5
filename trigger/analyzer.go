// Package trigger decides whether an optimization cycle may run at all,
// based on feedback volume and negativity, elapsed time, and a cost cap.
// Every gate failure is a structured "no trigger" reason, never an error;
// internal errors fail safe to "do not trigger".
package trigger

import (
	"context"
	"fmt"
	"time"

	"github.com/draftlab/promptloop/config"
	"github.com/draftlab/promptloop/store"
	"github.com/draftlab/promptloop/types"
	"github.com/draftlab/promptloop/utils"
)

// Gate refusal reasons reported in TriggerAnalysis.Reason.
const (
	ReasonMaxIterations        = "max_iterations_reached"
	ReasonDailyLimit           = "daily_limit_reached"
	ReasonCoolDown             = "cool_down_active"
	ReasonInsufficientFeedback = "insufficient_feedback"
	ReasonFeedbackAcceptable   = "feedback_acceptable"
	ReasonHighComputeCost      = "high_compute_cost"
	ReasonInternalError        = "internal_error"
)

// lowFactorRating is the bound below which an itemized factor rating
// counts as a complaint for issue-pattern detection.
const lowFactorRating = 0.4

// minPatternRepeats is how many recent items must flag the same factor
// before a consistent issue pattern triggers on its own.
const minPatternRepeats = 3

// Analyzer evaluates the trigger gates in order, short-circuiting on the
// first refusal.
type Analyzer struct {
	store     store.Store
	cfg       *config.Config
	estimator *CostEstimator
	logger    utils.Logger
	now       func() time.Time
}

type AnalyzerOption func(*Analyzer)

// WithClock overrides the time source, used in tests.
func WithClock(now func() time.Time) AnalyzerOption {
	return func(a *Analyzer) {
		a.now = now
	}
}

// NewAnalyzer creates a trigger analyzer.
func NewAnalyzer(st store.Store, cfg *config.Config, logger utils.Logger, opts ...AnalyzerOption) *Analyzer {
	a := &Analyzer{
		store:     st,
		cfg:       cfg,
		estimator: NewCostEstimator(),
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyze runs the gate sequence for the lab. It always returns a usable
// TriggerAnalysis; when any internal step errors, the decision is "do not
// trigger" with ReasonInternalError.
func (a *Analyzer) Analyze(ctx context.Context, lab types.Lab, activePrompt types.Prompt) types.TriggerAnalysis {
	analysis, err := a.analyze(ctx, lab, activePrompt)
	if err != nil {
		a.logger.Error("Trigger analysis failed; defaulting to no trigger", "lab", lab.ID, "error", err)
		return types.TriggerAnalysis{
			ShouldTrigger: false,
			Reason:        fmt.Sprintf("%s: %v", ReasonInternalError, err),
		}
	}
	return analysis
}

func (a *Analyzer) analyze(ctx context.Context, lab types.Lab, activePrompt types.Prompt) (types.TriggerAnalysis, error) {
	now := a.now().UTC()

	// Gate 0: lifetime iteration cap. Refused regardless of feedback.
	if lab.OptimizationIterations >= a.cfg.MaxIterationsPerLab {
		return refusal(fmt.Sprintf("%s: %d iterations completed", ReasonMaxIterations, lab.OptimizationIterations)), nil
	}

	// Gate 1: daily cap, respecting UTC date rollover.
	if lab.RunsTodayDate == now.Format("2006-01-02") && lab.RunsToday >= a.cfg.MaxOptimizationsPerDay {
		return refusal(fmt.Sprintf("%s: %d of %d runs used", ReasonDailyLimit, lab.RunsToday, a.cfg.MaxOptimizationsPerDay)), nil
	}

	// Gate 2: cool-down since the last optimization.
	if lab.LastOptimizedAt != nil {
		elapsed := now.Sub(*lab.LastOptimizedAt)
		if elapsed < a.cfg.CoolDown {
			return refusal(fmt.Sprintf("%s: %s of %s elapsed", ReasonCoolDown, elapsed.Round(time.Minute), a.cfg.CoolDown)), nil
		}
	}

	// Gate 3: enough recent feedback to act on.
	since := now.Add(-a.cfg.FeedbackWindow)
	items, err := a.store.Feedback().ListSince(ctx, lab.ID, since, 0)
	if err != nil {
		return types.TriggerAnalysis{}, fmt.Errorf("listing recent feedback: %w", err)
	}
	if len(items) < a.cfg.MinFeedbackCount {
		shortfall := a.cfg.MinFeedbackCount - len(items)
		return types.TriggerAnalysis{
			ShouldTrigger: false,
			Reason:        fmt.Sprintf("%s: %d more items needed (%d of %d)", ReasonInsufficientFeedback, shortfall, len(items), a.cfg.MinFeedbackCount),
			FeedbackCount: len(items),
		}, nil
	}

	negativeRatio := negativeFeedbackRatio(items)
	averageRating := averageItemRating(items)
	stage := StageFor(lab.OptimizationIterations)

	// Gate 4: is the feedback bad enough? Any one of the negativity
	// signals suffices; the ratio threshold tightens with the lab's stage.
	ratioThreshold := a.cfg.NegativeRatioThreshold * paramsFor(stage).negativeRatioScale
	negativityTriggered := negativeRatio >= ratioThreshold ||
		averageRating < a.cfg.LowRatingThreshold ||
		hasConsistentIssuePattern(items)

	if !negativityTriggered {
		return types.TriggerAnalysis{
			ShouldTrigger:         false,
			Reason:                fmt.Sprintf("%s: negative ratio %.2f below %.2f, average rating %.2f", ReasonFeedbackAcceptable, negativeRatio, ratioThreshold, averageRating),
			FeedbackCount:         len(items),
			NegativeFeedbackRatio: negativeRatio,
			AverageRating:         averageRating,
		}, nil
	}

	// Gate 5: estimated cost against estimated value. Dissatisfaction
	// covers both explicit rejections and low itemized ratings, so a
	// pattern-triggered cycle with few rejections still carries value.
	dissatisfaction := negativeRatio
	if lowRating := 1 - averageRating; lowRating > dissatisfaction {
		dissatisfaction = lowRating
	}
	cost := a.estimator.EstimateCycleCost(activePrompt.Content, a.cfg.ExploratoryCandidates, a.cfg.SampleSize)
	value := EstimateImprovementValue(dissatisfaction, stage)
	if value <= 0 || cost/value > a.cfg.CostBenefitCap {
		return types.TriggerAnalysis{
			ShouldTrigger:         false,
			Reason:                fmt.Sprintf("%s: estimated cost $%.4f vs value $%.4f exceeds cap %.1f", ReasonHighComputeCost, cost, value, a.cfg.CostBenefitCap),
			FeedbackCount:         len(items),
			NegativeFeedbackRatio: negativeRatio,
			AverageRating:         averageRating,
		}, nil
	}

	return types.TriggerAnalysis{
		ShouldTrigger:         true,
		Reason:                fmt.Sprintf("negative feedback ratio %.2f at stage %s", negativeRatio, stage),
		FeedbackCount:         len(items),
		NegativeFeedbackRatio: negativeRatio,
		AverageRating:         averageRating,
		FeedbackBatch:         items,
	}, nil
}

func refusal(reason string) types.TriggerAnalysis {
	return types.TriggerAnalysis{ShouldTrigger: false, Reason: reason}
}

func negativeFeedbackRatio(items []types.FeedbackItem) float64 {
	if len(items) == 0 {
		return 0
	}
	negative := 0
	for _, item := range items {
		if item.Action.Negative() {
			negative++
		}
	}
	return float64(negative) / float64(len(items))
}

// averageItemRating averages the itemized factor ratings, falling back to
// an action-implied rating for items without any.
func averageItemRating(items []types.FeedbackItem) float64 {
	if len(items) == 0 {
		return 0.5
	}
	total := 0.0
	for _, item := range items {
		total += itemRating(item)
	}
	return total / float64(len(items))
}

func itemRating(item types.FeedbackItem) float64 {
	if len(item.FactorRatings) > 0 {
		sum := 0.0
		for _, rating := range item.FactorRatings {
			sum += rating
		}
		return sum / float64(len(item.FactorRatings))
	}
	switch item.Action {
	case types.ActionAccept:
		return 1.0
	case types.ActionReject:
		return 0.0
	default:
		return 0.5
	}
}

// hasConsistentIssuePattern reports whether the same reasoning factor was
// rated low across enough recent items to indicate a systemic problem.
func hasConsistentIssuePattern(items []types.FeedbackItem) bool {
	lowCounts := make(map[string]int)
	for _, item := range items {
		for factor, rating := range item.FactorRatings {
			if rating < lowFactorRating {
				lowCounts[factor]++
				if lowCounts[factor] >= minPatternRepeats {
					return true
				}
			}
		}
	}
	return false
}
