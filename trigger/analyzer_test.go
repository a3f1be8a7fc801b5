package trigger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/draftlab/promptloop/config"
	"github.com/draftlab/promptloop/store"
	"github.com/draftlab/promptloop/types"
	"github.com/draftlab/promptloop/utils"
)

var fixedNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func newTestAnalyzer(t *testing.T, st store.Store) *Analyzer {
	t.Helper()
	cfg := config.NewConfig()
	return NewAnalyzer(st, cfg, utils.NewLogger(utils.LogLevelOff), WithClock(func() time.Time { return fixedNow }))
}

func seedFeedback(t *testing.T, st store.Store, labID string, actions ...types.FeedbackAction) {
	t.Helper()
	for i, action := range actions {
		err := st.Feedback().Create(context.Background(), &types.FeedbackItem{
			ID:        fmt.Sprintf("fb-%s-%d", action, i),
			LabID:     labID,
			Action:    action,
			CreatedAt: fixedNow.Add(-time.Hour),
		})
		require.NoError(t, err)
	}
}

func activePrompt() types.Prompt {
	return types.Prompt{ID: "p1", LabID: "lab1", Content: "Reply briefly and politely.", Version: 1, Active: true}
}

func TestAnalyzeTriggersOnNegativeFeedback(t *testing.T) {
	st := store.NewMemoryStore()
	seedFeedback(t, st, "lab1",
		types.ActionReject, types.ActionReject, types.ActionReject,
		types.ActionReject, types.ActionReject, types.ActionReject,
		types.ActionAccept, types.ActionAccept)

	analysis := newTestAnalyzer(t, st).Analyze(context.Background(), types.Lab{ID: "lab1"}, activePrompt())

	assert.True(t, analysis.ShouldTrigger)
	assert.Equal(t, 8, analysis.FeedbackCount)
	assert.InDelta(t, 0.75, analysis.NegativeFeedbackRatio, 1e-9)
	assert.Len(t, analysis.FeedbackBatch, 8)
}

func TestAnalyzeInsufficientFeedback(t *testing.T) {
	st := store.NewMemoryStore()
	seedFeedback(t, st, "lab1", types.ActionReject, types.ActionReject)

	analysis := newTestAnalyzer(t, st).Analyze(context.Background(), types.Lab{ID: "lab1"}, activePrompt())

	assert.False(t, analysis.ShouldTrigger)
	assert.Contains(t, analysis.Reason, ReasonInsufficientFeedback)
	assert.Contains(t, analysis.Reason, "3 more items needed")
	assert.Equal(t, 2, analysis.FeedbackCount)
}

func TestAnalyzeAcceptableFeedback(t *testing.T) {
	st := store.NewMemoryStore()
	seedFeedback(t, st, "lab1",
		types.ActionAccept, types.ActionAccept, types.ActionAccept,
		types.ActionAccept, types.ActionAccept, types.ActionAccept)

	analysis := newTestAnalyzer(t, st).Analyze(context.Background(), types.Lab{ID: "lab1"}, activePrompt())

	assert.False(t, analysis.ShouldTrigger)
	assert.Contains(t, analysis.Reason, ReasonFeedbackAcceptable)
	assert.Equal(t, 0.0, analysis.NegativeFeedbackRatio)
}

func TestAnalyzeMaxIterationsAlwaysRefuses(t *testing.T) {
	st := store.NewMemoryStore()
	// Overwhelmingly negative feedback still never beats the lifetime cap.
	actions := make([]types.FeedbackAction, 20)
	for i := range actions {
		actions[i] = types.ActionReject
	}
	seedFeedback(t, st, "lab1", actions...)

	lab := types.Lab{ID: "lab1", OptimizationIterations: 50}
	analysis := newTestAnalyzer(t, st).Analyze(context.Background(), lab, activePrompt())

	assert.False(t, analysis.ShouldTrigger)
	assert.Contains(t, analysis.Reason, ReasonMaxIterations)
}

func TestAnalyzeDailyLimit(t *testing.T) {
	st := store.NewMemoryStore()
	actions := make([]types.FeedbackAction, 20)
	for i := range actions {
		actions[i] = types.ActionReject
	}
	seedFeedback(t, st, "lab1", actions...)

	lab := types.Lab{ID: "lab1", RunsToday: 6, RunsTodayDate: fixedNow.Format("2006-01-02")}
	analysis := newTestAnalyzer(t, st).Analyze(context.Background(), lab, activePrompt())

	assert.False(t, analysis.ShouldTrigger)
	assert.Contains(t, analysis.Reason, ReasonDailyLimit)
}

func TestAnalyzeDailyLimitResetsOnRollover(t *testing.T) {
	st := store.NewMemoryStore()
	seedFeedback(t, st, "lab1",
		types.ActionReject, types.ActionReject, types.ActionReject,
		types.ActionReject, types.ActionReject, types.ActionReject)

	// Yesterday's exhausted counter does not block today.
	lab := types.Lab{ID: "lab1", RunsToday: 6, RunsTodayDate: fixedNow.AddDate(0, 0, -1).Format("2006-01-02")}
	analysis := newTestAnalyzer(t, st).Analyze(context.Background(), lab, activePrompt())

	assert.True(t, analysis.ShouldTrigger)
}

func TestAnalyzeCoolDown(t *testing.T) {
	st := store.NewMemoryStore()
	seedFeedback(t, st, "lab1",
		types.ActionReject, types.ActionReject, types.ActionReject,
		types.ActionReject, types.ActionReject, types.ActionReject)

	lastRun := fixedNow.Add(-30 * time.Minute)
	lab := types.Lab{ID: "lab1", LastOptimizedAt: &lastRun}
	analysis := newTestAnalyzer(t, st).Analyze(context.Background(), lab, activePrompt())

	assert.False(t, analysis.ShouldTrigger)
	assert.Contains(t, analysis.Reason, ReasonCoolDown)
}

func TestAnalyzeStageTightensRatioThreshold(t *testing.T) {
	st := store.NewMemoryStore()
	// Ratio 0.5 is enough during exploration but not at diminishing
	// returns, where the threshold scales to 0.6.
	seedFeedback(t, st, "lab1",
		types.ActionReject, types.ActionReject, types.ActionReject,
		types.ActionAccept, types.ActionAccept, types.ActionAccept)

	analyzer := newTestAnalyzer(t, st)

	early := analyzer.Analyze(context.Background(), types.Lab{ID: "lab1"}, activePrompt())
	assert.True(t, early.ShouldTrigger)

	late := analyzer.Analyze(context.Background(), types.Lab{ID: "lab1", OptimizationIterations: 35}, activePrompt())
	assert.False(t, late.ShouldTrigger)
	assert.Contains(t, late.Reason, ReasonFeedbackAcceptable)
}

func TestAnalyzeConsistentIssuePattern(t *testing.T) {
	st := store.NewMemoryStore()
	// All accepted, but the same factor keeps scoring low.
	for i := 0; i < 6; i++ {
		err := st.Feedback().Create(context.Background(), &types.FeedbackItem{
			ID:            fmt.Sprintf("fb-%d", i),
			LabID:         "lab1",
			Action:        types.ActionAccept,
			FactorRatings: map[string]float64{"tone": 0.2, "accuracy": 0.9},
			CreatedAt:     fixedNow.Add(-time.Hour),
		})
		require.NoError(t, err)
	}

	analysis := newTestAnalyzer(t, st).Analyze(context.Background(), types.Lab{ID: "lab1"}, activePrompt())

	assert.True(t, analysis.ShouldTrigger)
	assert.Equal(t, 0.0, analysis.NegativeFeedbackRatio)
}

func TestAnalyzeHighComputeCost(t *testing.T) {
	st := store.NewMemoryStore()
	seedFeedback(t, st, "lab1",
		types.ActionReject, types.ActionReject, types.ActionReject,
		types.ActionAccept, types.ActionAccept, types.ActionAccept)

	huge := activePrompt()
	huge.Content = strings.Repeat("verbose instruction text ", 2000)

	analysis := newTestAnalyzer(t, st).Analyze(context.Background(), types.Lab{ID: "lab1"}, huge)

	assert.False(t, analysis.ShouldTrigger)
	assert.Contains(t, analysis.Reason, ReasonHighComputeCost)
}

type failingFeedbackRepo struct {
	store.FeedbackRepo
}

func (failingFeedbackRepo) ListSince(context.Context, string, time.Time, int) ([]types.FeedbackItem, error) {
	return nil, errors.New("connection reset")
}

type failingStore struct {
	store.Store
}

func (s failingStore) Feedback() store.FeedbackRepo {
	return failingFeedbackRepo{s.Store.Feedback()}
}

func TestAnalyzeInternalErrorFailsSafe(t *testing.T) {
	st := failingStore{Store: store.NewMemoryStore()}

	analysis := newTestAnalyzer(t, st).Analyze(context.Background(), types.Lab{ID: "lab1"}, activePrompt())

	assert.False(t, analysis.ShouldTrigger)
	assert.Contains(t, analysis.Reason, ReasonInternalError)
}

func TestStageFor(t *testing.T) {
	assert.Equal(t, StageExploration, StageFor(0))
	assert.Equal(t, StageExploration, StageFor(4))
	assert.Equal(t, StageRefinement, StageFor(5))
	assert.Equal(t, StageOptimization, StageFor(15))
	assert.Equal(t, StageDiminishingReturns, StageFor(30))
}

func TestEstimateCycleCostGrowsWithPromptSize(t *testing.T) {
	estimator := NewCostEstimator()

	small := estimator.EstimateCycleCost("short prompt", 3, 10)
	large := estimator.EstimateCycleCost(strings.Repeat("long prompt text ", 500), 3, 10)

	assert.Greater(t, small, 0.0)
	assert.Greater(t, large, small)
}
