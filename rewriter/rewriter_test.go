package rewriter

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/draftlab/promptloop/providers"
	"github.com/draftlab/promptloop/reward"
	"github.com/draftlab/promptloop/types"
	"github.com/draftlab/promptloop/utils"
)

// schemaLLM answers GenerateWithSchema calls with canned rewrites and can
// fail a prefix of the calls.
type schemaLLM struct {
	content   string
	reasoning string
	failFirst int32
	calls     atomic.Int32
}

func (f *schemaLLM) Generate(context.Context, providers.GenerateRequest) (string, error) {
	return f.content, nil
}

func (f *schemaLLM) GenerateWithSchema(_ context.Context, _ providers.GenerateRequest, out any) error {
	n := f.calls.Add(1)
	if n <= f.failFirst {
		return errors.New("provider overloaded")
	}
	resp, ok := out.(*rewriteResponse)
	if !ok {
		return errors.New("unexpected output type")
	}
	resp.Content = f.content
	resp.Reasoning = f.reasoning
	return nil
}

func (f *schemaLLM) GetLogProbabilities(context.Context, string) ([]float64, error) {
	return nil, errors.New("not supported")
}

func (f *schemaLLM) SupportsLogProbabilities() bool { return false }

func (f *schemaLLM) GetLogger() utils.Logger { return utils.NewLogger(utils.LogLevelOff) }

func newTestRewriter(client *schemaLLM, opts ...RewriterOption) *Rewriter {
	logger := utils.NewLogger(utils.LogLevelOff)
	return NewRewriter(client, reward.NewAggregator(logger), logger, opts...)
}

func rewriteContext() types.RewriteContext {
	return types.RewriteContext{
		Prompt: types.Prompt{ID: "p1", LabID: "lab1", Content: "Reply to the customer.", Version: 1},
		RecentFeedback: []types.FeedbackItem{
			{Action: types.ActionReject, Reason: "too formal"},
			{Action: types.ActionAccept},
		},
		PerformanceHistory: []float64{0.55, 0.61},
		Scenario:           "support_reply",
	}
}

func TestRewritePromptConservative(t *testing.T) {
	client := &schemaLLM{content: "Reply warmly to the customer.", reasoning: "users found replies too formal"}
	r := newTestRewriter(client)

	candidates, err := r.RewritePrompt(context.Background(), rewriteContext(), ModeConservative)
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	assert.Equal(t, "Reply warmly to the customer.", candidates[0].Content)
	assert.Equal(t, conservativeConfidence, candidates[0].Confidence)
	assert.Equal(t, conservativeTemperature, candidates[0].Temperature)
	assert.NotEmpty(t, candidates[0].Reasoning)
}

func TestRewritePromptHybrid(t *testing.T) {
	client := &schemaLLM{content: "Rewritten prompt."}
	r := newTestRewriter(client, WithExploratoryCandidates(3))

	candidates, err := r.RewritePrompt(context.Background(), rewriteContext(), ModeHybrid)
	require.NoError(t, err)
	assert.Len(t, candidates, 4, "one conservative plus three exploratory")
}

func TestRewritePromptExploratoryToleratesPartialFailure(t *testing.T) {
	client := &schemaLLM{content: "Rewritten prompt.", failFirst: 2}
	r := newTestRewriter(client, WithExploratoryCandidates(3))

	candidates, err := r.RewritePrompt(context.Background(), rewriteContext(), ModeExploratory)
	require.NoError(t, err)
	assert.Len(t, candidates, 1)
	assert.Equal(t, exploratoryConfidence, candidates[0].Confidence)
}

func TestRewritePromptAllAttemptsFailed(t *testing.T) {
	client := &schemaLLM{content: "unused", failFirst: 100}
	r := newTestRewriter(client, WithExploratoryCandidates(3))

	_, err := r.RewritePrompt(context.Background(), rewriteContext(), ModeHybrid)
	assert.Error(t, err)

	_, err = r.RewritePrompt(context.Background(), rewriteContext(), ModeConservative)
	assert.Error(t, err)
}

func TestRewritePromptUnknownMode(t *testing.T) {
	r := newTestRewriter(&schemaLLM{content: "x"})
	_, err := r.RewritePrompt(context.Background(), rewriteContext(), "aggressive")
	assert.Error(t, err)
}

func TestSelectBestCandidate(t *testing.T) {
	r := newTestRewriter(&schemaLLM{})
	in := reward.Input{ExpectedOutput: "be concise and polite"}

	matching := types.RewriteCandidate{Content: "be concise and polite", Confidence: 0.9}
	unrelated := types.RewriteCandidate{Content: "something else entirely", Confidence: 0.9}

	best, err := r.SelectBestCandidate(context.Background(), []types.RewriteCandidate{unrelated, matching}, in)
	require.NoError(t, err)
	assert.Equal(t, matching.Content, best.Content)

	_, err = r.SelectBestCandidate(context.Background(), nil, in)
	assert.Error(t, err)
}

func TestSelectBestCandidateTiesKeepFirst(t *testing.T) {
	r := newTestRewriter(&schemaLLM{})
	in := reward.Input{ExpectedOutput: "target"}

	first := types.RewriteCandidate{Content: "target", Confidence: 0.8}
	second := types.RewriteCandidate{Content: "target", Confidence: 0.8}

	best, err := r.SelectBestCandidate(context.Background(), []types.RewriteCandidate{first, second}, in)
	require.NoError(t, err)
	assert.Equal(t, first, best)
}

func TestUpdateFromFeedbackAndFlush(t *testing.T) {
	r := newTestRewriter(&schemaLLM{}, WithTrainingBatchSize(3))
	assert.Equal(t, 3, r.BatchSize())

	// Accepted transition with strong task performance: reward 1.0.
	r.UpdateFromFeedback("old prompt", "good prompt", &types.FeedbackItem{Action: types.ActionAccept}, 1.0)
	// Rejected transition: reward 0.0.
	r.UpdateFromFeedback("old prompt", "bad prompt", &types.FeedbackItem{Action: types.ActionReject}, 0.0)
	// No feedback, middling performance: neutral, below the pattern bar.
	r.UpdateFromFeedback("old prompt", "meh prompt", nil, 0.5)

	assert.Equal(t, 3, r.PendingExamples())

	flushed := r.Flush()
	assert.Equal(t, 3, flushed)
	assert.Equal(t, 0, r.PendingExamples())

	patterns := r.Patterns()
	require.Len(t, patterns, 1, "only the high-reward transition is retained")
	assert.Equal(t, "good prompt", patterns[0].Prompt)
	assert.Equal(t, 1.0, patterns[0].Reward)
}

func TestDiff(t *testing.T) {
	diff := Diff("Reply briefly.\nBe polite.\n", "Reply briefly.\nBe warm and polite.\n")

	assert.Contains(t, diff, "--- previous")
	assert.Contains(t, diff, "+++ candidate")
	assert.Contains(t, diff, "-Be polite.")
	assert.Contains(t, diff, "+Be warm and polite.")
}

func TestBuildMetaPrompt(t *testing.T) {
	rctx := rewriteContext()
	rctx.Constraints = types.RuntimeConstraints{MaxLength: 150, Tone: "friendly"}

	metaPrompt, err := buildMetaPrompt(rctx, conservativeGuidance)
	require.NoError(t, err)

	assert.Contains(t, metaPrompt, "Reply to the customer.")
	assert.Contains(t, metaPrompt, "customer support email replies", "scenario template selected")
	assert.Contains(t, metaPrompt, "too formal")
	assert.Contains(t, metaPrompt, "0.55, 0.61")
	assert.Contains(t, metaPrompt, "under 150 words")
	assert.Contains(t, metaPrompt, "friendly tone")
	assert.Contains(t, metaPrompt, "minimal-risk edit")
}

func TestBuildMetaPromptFallsBackToGeneralTemplate(t *testing.T) {
	rctx := rewriteContext()
	rctx.Scenario = "unknown_scenario"
	rctx.RecentFeedback = nil

	metaPrompt, err := buildMetaPrompt(rctx, exploratoryGuidance)
	require.NoError(t, err)
	assert.Contains(t, metaPrompt, "improving a system prompt used to generate text drafts")
	assert.Contains(t, metaPrompt, "No recent feedback.")
}

func TestSummarizeFeedbackCapsReasons(t *testing.T) {
	items := make([]types.FeedbackItem, 8)
	for i := range items {
		items[i] = types.FeedbackItem{Action: types.ActionReject, Reason: "reason text"}
	}
	summary := summarizeFeedback(items)
	assert.Equal(t, 5, strings.Count(summary, "- [reject]"))
	assert.Contains(t, summary, "8 items: 0 accepted, 8 rejected")
}
