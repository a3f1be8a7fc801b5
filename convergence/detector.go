// Package convergence decides whether further optimization of a lab's
// prompt is still worth its cost.
package convergence

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/draftlab/promptloop/confidence"
	"github.com/draftlab/promptloop/store"
	"github.com/draftlab/promptloop/types"
	"github.com/draftlab/promptloop/utils"
)

const (
	minUserConfidence     = 0.7
	minSystemConfidence   = 0.7
	minCombinedConfidence = 0.75
	maxSettledTrend       = 0.02
)

// factorWeights drive the confidence score. True factors contribute their
// weight; the score is the fraction of total weight satisfied, which makes
// it monotonic in the factor set.
var factorWeights = map[types.ConvergenceFactor]float64{
	types.FactorPerformancePlateau:       0.30,
	types.FactorConfidenceConvergence:    0.30,
	types.FactorFeedbackStability:        0.20,
	types.FactorMinimumIterationsReached: 0.10,
	types.FactorMinimumFeedbackReached:   0.10,
}

// Thresholds configures the detector's sub-checks.
type Thresholds struct {
	PlateauWindow       int
	PlateauEpsilon      float64
	StabilityWindow     int
	StabilityAcceptance float64
	MinIterations       int
	MinFeedback         int
}

// DefaultThresholds returns the detector defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		PlateauWindow:       5,
		PlateauEpsilon:      0.02,
		StabilityWindow:     15,
		StabilityAcceptance: 0.7,
		MinIterations:       3,
		MinFeedback:         10,
	}
}

// Detector assesses convergence from evaluation history, feedback, and
// confidence signals.
type Detector struct {
	store      store.Store
	tracker    confidence.Tracker
	logger     utils.Logger
	thresholds Thresholds
}

// NewDetector creates a convergence detector.
func NewDetector(st store.Store, tracker confidence.Tracker, logger utils.Logger, thresholds Thresholds) *Detector {
	return &Detector{store: st, tracker: tracker, logger: logger, thresholds: thresholds}
}

// AssessConvergence evaluates all factors and combines them. The overall
// flag requires both data floors plus a majority (two of three) of the
// signal factors, so adding a false factor can never flip the result to
// converged.
func (d *Detector) AssessConvergence(ctx context.Context, lab types.Lab) (types.ConvergenceAssessment, error) {
	factors := map[types.ConvergenceFactor]bool{}

	plateau, err := d.performancePlateau(ctx, lab.ID)
	if err != nil {
		return types.ConvergenceAssessment{}, fmt.Errorf("checking performance plateau: %w", err)
	}
	factors[types.FactorPerformancePlateau] = plateau

	confident, err := d.confidenceConverged(ctx, lab.ID)
	if err != nil {
		return types.ConvergenceAssessment{}, fmt.Errorf("checking confidence convergence: %w", err)
	}
	factors[types.FactorConfidenceConvergence] = confident

	stable, err := d.feedbackStable(ctx, lab.ID)
	if err != nil {
		return types.ConvergenceAssessment{}, fmt.Errorf("checking feedback stability: %w", err)
	}
	factors[types.FactorFeedbackStability] = stable

	factors[types.FactorMinimumIterationsReached] = lab.OptimizationIterations >= d.thresholds.MinIterations

	feedbackTotal, err := d.store.Feedback().CountByLab(ctx, lab.ID)
	if err != nil {
		return types.ConvergenceAssessment{}, fmt.Errorf("counting feedback: %w", err)
	}
	factors[types.FactorMinimumFeedbackReached] = feedbackTotal >= d.thresholds.MinFeedback

	floorsMet := factors[types.FactorMinimumIterationsReached] && factors[types.FactorMinimumFeedbackReached]
	signals := 0
	for _, f := range []types.ConvergenceFactor{
		types.FactorPerformancePlateau,
		types.FactorConfidenceConvergence,
		types.FactorFeedbackStability,
	} {
		if factors[f] {
			signals++
		}
	}
	converged := floorsMet && signals >= 2

	assessment := types.ConvergenceAssessment{
		Converged:       converged,
		ConfidenceScore: ConfidenceScore(factors),
		Factors:         factors,
	}
	assessment.Recommendations = d.GenerateRecommendations(lab, factors, converged)
	return assessment, nil
}

// ConfidenceScore is the weighted fraction of satisfied factors, in [0,1].
// It is monotone: flipping any factor from true to false never raises it.
func ConfidenceScore(factors map[types.ConvergenceFactor]bool) float64 {
	total := 0.0
	satisfied := 0.0
	for factor, weight := range factorWeights {
		total += weight
		if factors[factor] {
			satisfied += weight
		}
	}
	if total == 0 {
		return 0
	}
	return satisfied / total
}

// performancePlateau reports whether the last K evaluated prompt versions
// scored within epsilon of each other.
func (d *Detector) performancePlateau(ctx context.Context, labID string) (bool, error) {
	prompts, err := d.store.Prompts().ListByLab(ctx, labID)
	if err != nil {
		return false, err
	}

	var scores []float64
	for _, p := range prompts {
		if p.PerformanceScore != nil {
			scores = append(scores, *p.PerformanceScore)
		}
		if len(scores) == d.thresholds.PlateauWindow {
			break
		}
	}
	if len(scores) < d.thresholds.PlateauWindow {
		return false, nil
	}

	minScore, maxScore := scores[0], scores[0]
	for _, s := range scores[1:] {
		minScore = math.Min(minScore, s)
		maxScore = math.Max(maxScore, s)
	}
	return maxScore-minScore < d.thresholds.PlateauEpsilon, nil
}

// confidenceConverged checks the tracker's user and system confidence
// against fixed thresholds with a near-zero recent trend.
func (d *Detector) confidenceConverged(ctx context.Context, labID string) (bool, error) {
	signals, err := d.tracker.Signals(ctx, labID)
	if err != nil {
		return false, err
	}
	combined := (signals.UserConfidence + signals.SystemConfidence) / 2
	return signals.UserConfidence >= minUserConfidence &&
		signals.SystemConfidence >= minSystemConfidence &&
		combined >= minCombinedConfidence &&
		math.Abs(signals.Trend) <= maxSettledTrend, nil
}

// feedbackStable reports whether the acceptance ratio over the most recent
// M feedback items meets the stability threshold.
func (d *Detector) feedbackStable(ctx context.Context, labID string) (bool, error) {
	items, err := d.store.Feedback().ListSince(ctx, labID, time.Time{}, d.thresholds.StabilityWindow)
	if err != nil {
		return false, err
	}
	if len(items) == 0 {
		return false, nil
	}

	accepted := 0
	for _, item := range items {
		if item.Action == types.ActionAccept {
			accepted++
		}
	}
	return float64(accepted)/float64(len(items)) >= d.thresholds.StabilityAcceptance, nil
}

// CheckEarlyStoppingCriteria is the fast-fail guard: convergence may not be
// declared before the iteration and feedback floors are met, regardless of
// the other checks.
func (d *Detector) CheckEarlyStoppingCriteria(ctx context.Context, lab types.Lab) (bool, string, error) {
	if lab.OptimizationIterations < d.thresholds.MinIterations {
		return false, fmt.Sprintf("insufficient_iterations: %d of %d required",
			lab.OptimizationIterations, d.thresholds.MinIterations), nil
	}
	feedbackTotal, err := d.store.Feedback().CountByLab(ctx, lab.ID)
	if err != nil {
		return false, "", fmt.Errorf("counting feedback: %w", err)
	}
	if feedbackTotal < d.thresholds.MinFeedback {
		return false, fmt.Sprintf("insufficient_feedback: %d of %d required",
			feedbackTotal, d.thresholds.MinFeedback), nil
	}
	return true, "", nil
}

// GenerateRecommendations yields prioritized follow-up actions. A converged
// lab always receives a stop_optimization recommendation first.
func (d *Detector) GenerateRecommendations(lab types.Lab, factors map[types.ConvergenceFactor]bool, converged bool) []types.Recommendation {
	var recs []types.Recommendation

	if converged {
		recs = append(recs, types.Recommendation{
			Action:   "stop_optimization",
			Reason:   "performance, confidence, and feedback signals agree that further cycles are not worth their cost",
			Priority: 1,
		})
	}
	if !factors[types.FactorMinimumFeedbackReached] {
		recs = append(recs, types.Recommendation{
			Action:   "collect_more_feedback",
			Reason:   fmt.Sprintf("fewer than %d feedback items recorded; conclusions would be premature", d.thresholds.MinFeedback),
			Priority: len(recs) + 1,
		})
	}
	if !converged && factors[types.FactorPerformancePlateau] && !factors[types.FactorFeedbackStability] {
		recs = append(recs, types.Recommendation{
			Action:   "continue_exploring",
			Reason:   "performance has plateaued but users are still unhappy; exploratory rewrites may escape the plateau",
			Priority: len(recs) + 1,
		})
	}
	if len(recs) == 0 {
		recs = append(recs, types.Recommendation{
			Action:   "continue_exploring",
			Reason:   "signals have not settled; keep optimizing",
			Priority: 1,
		})
	}
	return recs
}
