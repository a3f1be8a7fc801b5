package reward

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/draftlab/promptloop/types"
	"github.com/draftlab/promptloop/utils"
)

type stubLogProbs struct {
	probs    []float64
	err      error
	supports bool
}

func (s *stubLogProbs) GetLogProbabilities(context.Context, string) ([]float64, error) {
	return s.probs, s.err
}

func (s *stubLogProbs) SupportsLogProbabilities() bool { return s.supports }

func TestExactMatchReward(t *testing.T) {
	assert.Equal(t, 1.0, exactMatchReward("Hello World", "  hello world "))
	assert.Equal(t, 0.0, exactMatchReward("hello", "goodbye"))
	assert.Equal(t, 0.0, exactMatchReward("", "anything"))
	assert.Equal(t, 0.0, exactMatchReward("anything", ""))
}

func TestLexicalF1Reward(t *testing.T) {
	// 3 of 4 tokens shared on each side gives precision = recall = 0.75.
	f1 := lexicalF1Reward("the quick brown fox", "the quick red fox")
	assert.InDelta(t, 0.75, f1, 1e-9)

	assert.Equal(t, 1.0, lexicalF1Reward("", ""))
	assert.Equal(t, 0.0, lexicalF1Reward("expected words", ""))
	assert.Equal(t, 0.0, lexicalF1Reward("", "actual words"))
	assert.Equal(t, 0.0, lexicalF1Reward("alpha beta", "gamma delta"))
	assert.Equal(t, 1.0, lexicalF1Reward("same tokens", "same tokens"))
}

func TestPerplexityReward(t *testing.T) {
	logger := utils.NewLogger(utils.LogLevelOff)

	t.Run("no source scores neutral", func(t *testing.T) {
		a := NewAggregator(logger)
		assert.Equal(t, 0.5, a.perplexityReward(context.Background(), "text"))
	})

	t.Run("provider error scores neutral", func(t *testing.T) {
		a := NewAggregator(logger, WithLogProbSource(&stubLogProbs{supports: true, err: errors.New("boom")}))
		assert.Equal(t, 0.5, a.perplexityReward(context.Background(), "text"))
	})

	t.Run("average log-probability maps to probability", func(t *testing.T) {
		a := NewAggregator(logger, WithLogProbSource(&stubLogProbs{supports: true, probs: []float64{-1, -1, -1}}))
		got := a.perplexityReward(context.Background(), "text")
		assert.InDelta(t, math.Exp(-1), got, 1e-9)
	})

	t.Run("certain tokens score one", func(t *testing.T) {
		a := NewAggregator(logger, WithLogProbSource(&stubLogProbs{supports: true, probs: []float64{0, 0}}))
		assert.Equal(t, 1.0, a.perplexityReward(context.Background(), "text"))
	})
}

func TestHumanFeedbackReward(t *testing.T) {
	assert.Equal(t, 0.5, humanFeedbackReward(nil))
	assert.Equal(t, 1.0, humanFeedbackReward(&types.FeedbackItem{Action: types.ActionAccept}))
	assert.Equal(t, 0.0, humanFeedbackReward(&types.FeedbackItem{Action: types.ActionReject}))
	assert.Equal(t, 0.6, humanFeedbackReward(&types.FeedbackItem{Action: types.ActionEdit}))
	assert.Equal(t, 0.5, humanFeedbackReward(&types.FeedbackItem{Action: types.ActionIgnore}))
}

func TestHumanFeedbackRewardAcceptBonus(t *testing.T) {
	item := &types.FeedbackItem{
		Action: types.ActionAccept,
		FactorRatings: map[string]float64{
			"tone":     0.9,
			"accuracy": 0.8,
			"length":   0.2,
		},
	}
	// Two of three factors liked: bonus 0.2 * 2/3.
	assert.InDelta(t, 1.0+0.2*2.0/3.0, humanFeedbackReward(item), 1e-9)

	disliked := &types.FeedbackItem{
		Action:        types.ActionAccept,
		FactorRatings: map[string]float64{"tone": 0.1, "accuracy": 0.2},
	}
	assert.Equal(t, 1.0, humanFeedbackReward(disliked))
}

func TestLengthReward(t *testing.T) {
	tenWords := "one two three four five six seven eight nine ten"

	assert.Equal(t, 1.0, lengthReward(tenWords, 0), "no expectation means no constraint")
	assert.Equal(t, 1.0, lengthReward(tenWords, 10))
	assert.Equal(t, 1.0, lengthReward(tenWords, 9), "within the tolerance band")
	assert.Equal(t, 0.1, lengthReward(tenWords, 4), "more than double the expectation")
	assert.Less(t, lengthReward(tenWords, 7), 1.0)
	assert.Greater(t, lengthReward(tenWords, 7), 0.1)
	assert.Less(t, lengthReward("one two", 10), 1.0)
}

func TestSemanticSimilarityReward(t *testing.T) {
	assert.Equal(t, 1.0, semanticSimilarityReward("same words", "same words"))
	assert.Equal(t, 0.0, semanticSimilarityReward("alpha beta", "gamma delta"))
	// Intersection 2, union 5.
	assert.InDelta(t, 0.4, semanticSimilarityReward("a b c", "a b d e"), 1e-9)
	assert.Equal(t, 1.0, semanticSimilarityReward("", ""))
}

func TestComputeRewardBounds(t *testing.T) {
	a := NewAggregator(utils.NewLogger(utils.LogLevelOff))

	inputs := []Input{
		{},
		{ExpectedOutput: "hello", ActualOutput: "hello"},
		{ExpectedOutput: "hello", ActualOutput: "completely different text"},
		{ActualOutput: "output with no expectation", Feedback: &types.FeedbackItem{Action: types.ActionReject}},
		{ExpectedOutput: "x", ActualOutput: "x", Feedback: &types.FeedbackItem{Action: types.ActionAccept}},
	}
	for _, in := range inputs {
		got := a.ComputeReward(context.Background(), in)
		assert.GreaterOrEqual(t, got, 0.0)
		assert.LessOrEqual(t, got, 1.0)
	}
}

func TestComputeRewardOrdersByQuality(t *testing.T) {
	a := NewAggregator(utils.NewLogger(utils.LogLevelOff))
	ctx := context.Background()

	good := a.ComputeReward(ctx, Input{
		ExpectedOutput: "thanks for reaching out, your refund is on the way",
		ActualOutput:   "thanks for reaching out, your refund is on the way",
		Feedback:       &types.FeedbackItem{Action: types.ActionAccept},
	})
	bad := a.ComputeReward(ctx, Input{
		ExpectedOutput: "thanks for reaching out, your refund is on the way",
		ActualOutput:   "error processing request",
		Feedback:       &types.FeedbackItem{Action: types.ActionReject},
	})
	assert.Greater(t, good, bad)
}

func TestEvaluateCandidateScalesByConfidence(t *testing.T) {
	a := NewAggregator(utils.NewLogger(utils.LogLevelOff))
	ctx := context.Background()

	in := Input{ExpectedOutput: "be concise and polite"}
	high := a.EvaluateCandidate(ctx, types.RewriteCandidate{Content: "be concise and polite", Confidence: 0.9}, in)
	low := a.EvaluateCandidate(ctx, types.RewriteCandidate{Content: "be concise and polite", Confidence: 0.3}, in)
	assert.Greater(t, high, low)
	assert.InDelta(t, high/0.9, low/0.3, 1e-9)
}

func TestWeightsForFallbackChain(t *testing.T) {
	var nilSet *ProfileSet
	assert.Equal(t, DefaultWeights(), nilSet.WeightsFor("support_reply"))

	custom := types.RewardWeights{HumanFeedback: 1.0}
	set := &ProfileSet{
		Default:  &types.RewardWeights{F1Score: 1.0},
		Profiles: map[string]types.RewardWeights{"support_reply": custom},
	}
	assert.Equal(t, custom, set.WeightsFor("support_reply"))
	assert.Equal(t, types.RewardWeights{F1Score: 1.0}, set.WeightsFor("unknown_scenario"))
	assert.Equal(t, types.RewardWeights{F1Score: 1.0}, set.WeightsFor(""))
}

func TestLoadProfiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "weights.yaml")
	content := `default:
  exact_match: 0.1
  f1_score: 0.2
  perplexity: 0.1
  human_feedback: 0.4
  length_appropriateness: 0.1
  semantic_similarity: 0.1
profiles:
  sales_outreach:
    human_feedback: 0.6
    f1_score: 0.4
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	set, err := LoadProfiles(path)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, set.Default.HumanFeedback, 1e-9)
	assert.InDelta(t, 0.6, set.WeightsFor("sales_outreach").HumanFeedback, 1e-9)

	_, err = LoadProfiles(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
