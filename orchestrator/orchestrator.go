// Package orchestrator coordinates one optimization cycle end to end:
// trigger gate, candidate generation, evaluation, deployment rule, and
// persistence of the outcome.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/draftlab/promptloop/config"
	"github.com/draftlab/promptloop/confidence"
	"github.com/draftlab/promptloop/convergence"
	"github.com/draftlab/promptloop/evaluation"
	"github.com/draftlab/promptloop/rewriter"
	"github.com/draftlab/promptloop/store"
	"github.com/draftlab/promptloop/trigger"
	"github.com/draftlab/promptloop/types"
	"github.com/draftlab/promptloop/utils"
)

// recentFeedbackForContext is how many feedback items feed the rewrite
// meta-prompt.
const recentFeedbackForContext = 5

// Result is the outcome of a cycle that ran. A nil Result from
// CheckAndTriggerOptimization means the gates refused.
type Result struct {
	LabID           string                  `json:"lab_id"`
	Deployed        bool                    `json:"deployed"`
	Reason          string                  `json:"reason"`
	Improvement     float64                 `json:"improvement"`
	ConfidenceLevel float64                 `json:"confidence_level"`
	OldPrompt       types.Prompt            `json:"old_prompt"`
	NewPrompt       *types.Prompt           `json:"new_prompt,omitempty"`
	Comparison      *types.ComparisonResult `json:"comparison,omitempty"`
	Forced          bool                    `json:"forced"`
}

// Orchestrator runs optimization cycles for labs. Cycles for distinct labs
// run fully in parallel; cycles for the same lab are serialized by a
// per-lab lock, and the daily-counter claim in the store catches races
// across processes.
type Orchestrator struct {
	store       store.Store
	analyzer    *trigger.Analyzer
	rewriter    *rewriter.Rewriter
	engine      *evaluation.Engine
	detector    *convergence.Detector
	tracker     *confidence.EWMATracker
	cfg         *config.Config
	logger      utils.Logger
	labLocks    sync.Map // labID -> *sync.Mutex
	defaultMode rewriter.Mode
	datasetIDs  []string
	constraints types.RuntimeConstraints
	now         func() time.Time
}

type Option func(*Orchestrator)

// WithDefaultMode sets the rewrite mode used by gate-triggered cycles
// (default hybrid).
func WithDefaultMode(mode rewriter.Mode) Option {
	return func(o *Orchestrator) {
		o.defaultMode = mode
	}
}

// WithDatasetIDs pins evaluation to static datasets instead of synthetic
// cases.
func WithDatasetIDs(ids []string) Option {
	return func(o *Orchestrator) {
		o.datasetIDs = ids
	}
}

// WithConstraints applies runtime constraints to every rewrite context.
func WithConstraints(c types.RuntimeConstraints) Option {
	return func(o *Orchestrator) {
		o.constraints = c
	}
}

// WithTracker installs a confidence tracker fed with evaluation outcomes
// and with feedback that arrived since the previous cycle.
func WithTracker(t *confidence.EWMATracker) Option {
	return func(o *Orchestrator) {
		o.tracker = t
	}
}

// WithClock overrides the time source, used in tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// New creates an orchestrator.
func New(st store.Store, analyzer *trigger.Analyzer, rw *rewriter.Rewriter, engine *evaluation.Engine, detector *convergence.Detector, cfg *config.Config, logger utils.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:       st,
		analyzer:    analyzer,
		rewriter:    rw,
		engine:      engine,
		detector:    detector,
		cfg:         cfg,
		logger:      logger,
		defaultMode: rewriter.ModeHybrid,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) labLock(labID string) *sync.Mutex {
	lock, _ := o.labLocks.LoadOrStore(labID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// CheckAndTriggerOptimization runs the gate sequence and, on a genuine
// trigger, a full optimization cycle. A nil Result means no cycle ran; the
// refusal reason is logged, never returned as an error.
func (o *Orchestrator) CheckAndTriggerOptimization(ctx context.Context, labID string) (*Result, error) {
	lab, activePrompt, err := o.loadLab(ctx, labID)
	if err != nil {
		return nil, err
	}

	// Convergence gates future cycles. An error while checking fails safe
	// to "do not trigger": never spend compute on an error.
	if lab.Converged {
		o.logger.Info("Optimization skipped: lab has converged", "lab", labID)
		return nil, nil
	}
	assessment, err := o.detector.AssessConvergence(ctx, *lab)
	if err != nil {
		o.logger.Error("Convergence check failed; not triggering", "lab", labID, "error", err)
		return nil, nil
	}
	if assessment.Converged {
		o.markConverged(ctx, lab)
		return nil, nil
	}

	analysis := o.analyzer.Analyze(ctx, *lab, *activePrompt)
	if !analysis.ShouldTrigger {
		o.logger.Info("Optimization not triggered", "lab", labID, "reason", analysis.Reason)
		return nil, nil
	}

	return o.runCycle(ctx, lab, activePrompt, o.defaultMode, false, "")
}

// ForceOptimization bypasses the trigger gates but still honors a reached
// convergence unless overrideConvergence is set; an exercised override is
// recorded for audit with its justification.
func (o *Orchestrator) ForceOptimization(ctx context.Context, labID, reason string, overrideConvergence bool) (*Result, error) {
	lab, activePrompt, err := o.loadLab(ctx, labID)
	if err != nil {
		return nil, err
	}

	if lab.Converged && !overrideConvergence {
		return nil, fmt.Errorf("lab %s has converged; pass overrideConvergence to run anyway", labID)
	}
	if lab.Converged && overrideConvergence {
		o.logger.Warn("Convergence override exercised", "lab", labID, "justification", reason)
	}

	return o.runCycle(ctx, lab, activePrompt, o.defaultMode, true, reason)
}

// GetOptimizationStatus reports the lab's rate-limit state.
func (o *Orchestrator) GetOptimizationStatus(ctx context.Context, labID string) (types.OptimizationStatus, error) {
	lab, activePrompt, err := o.loadLab(ctx, labID)
	if err != nil {
		return types.OptimizationStatus{}, err
	}

	runsToday := lab.RunsToday
	if lab.RunsTodayDate != o.now().UTC().Format("2006-01-02") {
		runsToday = 0
	}

	analysis := o.analyzer.Analyze(ctx, *lab, *activePrompt)
	return types.OptimizationStatus{
		LastRun:    lab.LastOptimizedAt,
		RunsToday:  runsToday,
		DailyLimit: o.cfg.MaxOptimizationsPerDay,
		CanRunNow:  analysis.ShouldTrigger,
		Reason:     analysis.Reason,
	}, nil
}

// AssessConvergence exposes the detector's assessment for the host system.
func (o *Orchestrator) AssessConvergence(ctx context.Context, labID string) (types.ConvergenceAssessment, error) {
	lab, err := o.store.Labs().GetByID(ctx, labID)
	if err != nil {
		return types.ConvergenceAssessment{}, fmt.Errorf("loading lab: %w", err)
	}
	return o.detector.AssessConvergence(ctx, *lab)
}

func (o *Orchestrator) loadLab(ctx context.Context, labID string) (*types.Lab, *types.Prompt, error) {
	lab, err := o.store.Labs().GetByID(ctx, labID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading lab: %w", err)
	}
	activePrompt, err := o.store.Prompts().GetActive(ctx, labID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading active prompt: %w", err)
	}
	return lab, activePrompt, nil
}

func (o *Orchestrator) markConverged(ctx context.Context, lab *types.Lab) {
	lab.Converged = true
	if err := o.store.Labs().Update(ctx, lab); err != nil {
		o.logger.Error("Failed to persist convergence flag", "lab", lab.ID, "error", err)
	}
	o.logger.Info("Lab converged; future cycles stopped", "lab", lab.ID)
}

// runCycle executes one optimization cycle under the per-lab lock. The
// daily-counter claim doubles as a commit-time race check: a concurrent
// cycle that lost the race aborts silently as a skipped duplicate.
func (o *Orchestrator) runCycle(ctx context.Context, lab *types.Lab, activePrompt *types.Prompt, mode rewriter.Mode, forced bool, forceReason string) (*Result, error) {
	lock := o.labLock(lab.ID)
	lock.Lock()
	defer lock.Unlock()

	utcDate := o.now().UTC().Format("2006-01-02")
	claimed, err := o.store.Labs().TryIncrementRunsToday(ctx, lab.ID, utcDate, o.cfg.MaxOptimizationsPerDay)
	if err != nil {
		return nil, fmt.Errorf("claiming daily run slot: %w", err)
	}
	if !claimed {
		o.logger.Info("Cycle skipped: daily slot already claimed", "lab", lab.ID)
		return nil, nil
	}

	// The caller's snapshot may predate the lock; a cycle that just
	// finished could have deployed a new baseline. Re-read under the lock.
	lab, activePrompt, err = o.loadLab(ctx, lab.ID)
	if err != nil {
		return nil, err
	}

	o.feedUserConfidence(ctx, lab)

	rctx, err := o.buildRewriteContext(ctx, lab, activePrompt)
	if err != nil {
		return nil, o.recordFailure(ctx, lab, activePrompt, forced, forceReason, fmt.Errorf("building rewrite context: %w", err))
	}

	candidates, err := o.rewriter.RewritePrompt(ctx, rctx, mode)
	if err != nil {
		return nil, o.recordFailure(ctx, lab, activePrompt, forced, forceReason, fmt.Errorf("generating candidates: %w", err))
	}

	candidatePrompts := make([]types.Prompt, len(candidates))
	for i, candidate := range candidates {
		candidatePrompts[i] = types.Prompt{
			ID:        uuid.NewString(),
			LabID:     lab.ID,
			Content:   candidate.Content,
			Version:   activePrompt.Version + 1,
			CreatedAt: o.now().UTC(),
		}
	}

	comparisons, err := o.engine.ComparePromptCandidates(ctx, *activePrompt, candidatePrompts, o.cfg.SampleSize, o.datasetIDs)
	if err != nil {
		return nil, o.recordFailure(ctx, lab, activePrompt, forced, forceReason, fmt.Errorf("evaluating candidates: %w", err))
	}

	best := bestComparison(comparisons)
	result := &Result{
		LabID:           lab.ID,
		OldPrompt:       *activePrompt,
		Improvement:     best.Improvement,
		ConfidenceLevel: best.ConfidenceLevel,
		Comparison:      &best,
		Forced:          forced,
	}

	deploy := best.Winner == types.WinnerCandidate &&
		best.Improvement >= o.cfg.DeploymentThreshold &&
		best.ConfidenceLevel >= o.cfg.MinConfidenceLevel

	if deploy {
		newPrompt, err := o.deploy(ctx, lab, activePrompt, best)
		if err != nil {
			// A failed deployment must not leave two active prompts; the
			// promote is transactional, so failure means nothing changed.
			return nil, o.recordFailure(ctx, lab, activePrompt, forced, forceReason, fmt.Errorf("deploying candidate: %w", err))
		}
		result.Deployed = true
		result.NewPrompt = newPrompt
		result.Reason = fmt.Sprintf("candidate won with %.1f%% improvement at confidence %.2f", best.Improvement, best.ConfidenceLevel)
	} else {
		result.Reason = fmt.Sprintf("kept baseline: winner=%s improvement=%.1f%% confidence=%.2f", best.Winner, best.Improvement, best.ConfidenceLevel)
	}

	o.finishCycle(ctx, lab, activePrompt, result, best, forced, forceReason)
	return result, nil
}

func (o *Orchestrator) buildRewriteContext(ctx context.Context, lab *types.Lab, activePrompt *types.Prompt) (types.RewriteContext, error) {
	feedback, err := o.store.Feedback().ListSince(ctx, lab.ID, time.Time{}, recentFeedbackForContext)
	if err != nil {
		return types.RewriteContext{}, err
	}

	prompts, err := o.store.Prompts().ListByLab(ctx, lab.ID)
	if err != nil {
		return types.RewriteContext{}, err
	}
	// ListByLab is newest first; history reads older to newer.
	var history []float64
	for i := len(prompts) - 1; i >= 0; i-- {
		if prompts[i].PerformanceScore != nil {
			history = append(history, *prompts[i].PerformanceScore)
		}
	}

	return types.RewriteContext{
		Prompt:             *activePrompt,
		RecentFeedback:     feedback,
		PerformanceHistory: history,
		Scenario:           lab.Scenario,
		Constraints:        o.constraints,
	}, nil
}

// feedUserConfidence folds feedback that arrived since the previous cycle
// into the tracker, so each item is observed exactly once across cycles.
func (o *Orchestrator) feedUserConfidence(ctx context.Context, lab *types.Lab) {
	if o.tracker == nil {
		return
	}
	var since time.Time
	if lab.LastOptimizedAt != nil {
		since = *lab.LastOptimizedAt
	}
	items, err := o.store.Feedback().ListSince(ctx, lab.ID, since, 0)
	if err != nil {
		o.logger.Warn("Failed to load feedback for confidence tracking", "lab", lab.ID, "error", err)
		return
	}
	// ListSince is newest first; observe oldest first so the moving average
	// ends on the latest signal.
	for i := len(items) - 1; i >= 0; i-- {
		o.tracker.ObserveFeedback(lab.ID, items[i].Action)
	}
}

// deploy promotes the winning candidate atomically and records both sides'
// measured performance.
func (o *Orchestrator) deploy(ctx context.Context, lab *types.Lab, activePrompt *types.Prompt, best types.ComparisonResult) (*types.Prompt, error) {
	score := best.Candidate.PerformanceScore
	newPrompt := &types.Prompt{
		ID:               best.Candidate.PromptID,
		LabID:            lab.ID,
		Content:          best.Candidate.PromptContent,
		Version:          activePrompt.Version + 1,
		PerformanceScore: &score,
		CreatedAt:        o.now().UTC(),
	}

	if err := o.store.Prompts().PromoteVersion(ctx, lab.ID, newPrompt); err != nil {
		return nil, err
	}
	if err := o.store.Prompts().UpdatePerformance(ctx, activePrompt.ID, best.Baseline.PerformanceScore); err != nil {
		o.logger.Warn("Failed to record baseline performance", "prompt", activePrompt.ID, "error", err)
	}
	return newPrompt, nil
}

// finishCycle persists the outcome, updates lab counters, feeds the
// confidence tracker, and drives the rewriter's training queue.
func (o *Orchestrator) finishCycle(ctx context.Context, lab *types.Lab, activePrompt *types.Prompt, result *Result, best types.ComparisonResult, forced bool, forceReason string) {
	now := o.now().UTC()
	lab.OptimizationIterations++
	lab.LastOptimizedAt = &now
	if err := o.store.Labs().Update(ctx, lab); err != nil {
		o.logger.Error("Failed to update lab state", "lab", lab.ID, "error", err)
	}

	record := types.OptimizationRecord{
		ID:              uuid.NewString(),
		LabID:           lab.ID,
		OldPromptID:     activePrompt.ID,
		Deployed:        result.Deployed,
		Improvement:     result.Improvement,
		ConfidenceLevel: result.ConfidenceLevel,
		Reason:          result.Reason,
		Forced:          forced,
		ForceReason:     forceReason,
		CreatedAt:       now,
	}
	if result.NewPrompt != nil {
		record.NewPromptID = result.NewPrompt.ID
		record.PromptDiff = rewriter.Diff(activePrompt.Content, result.NewPrompt.Content)
	}
	if err := o.store.Runs().Create(ctx, &record); err != nil {
		o.logger.Error("Failed to record optimization run", "lab", lab.ID, "error", err)
	}

	if o.tracker != nil {
		o.tracker.ObserveEvaluation(lab.ID, best.Candidate.PerformanceScore)
	}

	if result.Deployed {
		o.rewriter.UpdateFromFeedback(activePrompt.Content, result.NewPrompt.Content, nil, best.Candidate.PerformanceScore)
		if o.rewriter.PendingExamples() >= o.rewriter.BatchSize() {
			o.rewriter.Flush()
		}
	}

	// Post-hoc convergence signal to stop future cycles early.
	assessment, err := o.detector.AssessConvergence(ctx, *lab)
	if err != nil {
		o.logger.Warn("Post-cycle convergence check failed", "lab", lab.ID, "error", err)
		return
	}
	if assessment.Converged {
		o.markConverged(ctx, lab)
	}
}

// recordFailure persists a cycle-fatal failure for the lab's history. No
// deployment occurs; the lab's iteration counter still advances since
// compute was spent.
func (o *Orchestrator) recordFailure(ctx context.Context, lab *types.Lab, activePrompt *types.Prompt, forced bool, forceReason string, cause error) error {
	now := o.now().UTC()
	lab.OptimizationIterations++
	lab.LastOptimizedAt = &now
	if err := o.store.Labs().Update(ctx, lab); err != nil {
		o.logger.Error("Failed to update lab state after failed cycle", "lab", lab.ID, "error", err)
	}

	record := types.OptimizationRecord{
		ID:          uuid.NewString(),
		LabID:       lab.ID,
		OldPromptID: activePrompt.ID,
		Reason:      fmt.Sprintf("cycle failed: %v", cause),
		Forced:      forced,
		ForceReason: forceReason,
		CreatedAt:   now,
	}
	if err := o.store.Runs().Create(ctx, &record); err != nil {
		o.logger.Error("Failed to record failed cycle", "lab", lab.ID, "error", err)
	}
	return cause
}

// bestComparison picks the comparison with the highest improvement,
// preferring candidate wins over ties.
func bestComparison(comparisons []types.ComparisonResult) types.ComparisonResult {
	best := comparisons[0]
	for _, c := range comparisons[1:] {
		if comparisonRank(c) > comparisonRank(best) ||
			(comparisonRank(c) == comparisonRank(best) && c.Improvement > best.Improvement) {
			best = c
		}
	}
	return best
}

func comparisonRank(c types.ComparisonResult) int {
	if c.Winner == types.WinnerCandidate {
		return 1
	}
	return 0
}
