package trigger

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Per-1K-token prices used for cycle cost estimation. Rough blended
// input/output prices; precision matters less than the order of magnitude
// the cost/benefit gate compares against.
const (
	pricePerThousandTokens = 0.002
	// valuePerImprovementPoint converts an expected improvement fraction
	// into the same currency as the cost estimate.
	valuePerImprovementPoint = 0.05
)

// CostEstimator prices an optimization cycle in tokens.
type CostEstimator struct {
	once     sync.Once
	encoding *tiktoken.Tiktoken
}

// NewCostEstimator creates a token-based cost estimator.
func NewCostEstimator() *CostEstimator {
	return &CostEstimator{}
}

// countTokens counts tokens with the cl100k_base encoding, falling back to
// a words*4/3 heuristic when the encoding is unavailable (offline hosts).
func (c *CostEstimator) countTokens(text string) int {
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			c.encoding = enc
		}
	})
	if c.encoding != nil {
		return len(c.encoding.Encode(text, nil, nil))
	}
	return len(strings.Fields(text)) * 4 / 3
}

// EstimateCycleCost estimates the cost of one full cycle: candidate
// generation plus evaluating each candidate and the baseline over the test
// batch. promptContent dominates the token count of every call.
func (c *CostEstimator) EstimateCycleCost(promptContent string, candidates, sampleSize int) float64 {
	promptTokens := c.countTokens(promptContent)

	// Each generation call carries the prompt plus meta-prompt overhead and
	// produces a rewrite of comparable size.
	generationTokens := candidates * (promptTokens*2 + 500)
	// Each evaluation call carries the prompt as system context per case,
	// for every candidate and the baseline.
	evaluationTokens := (candidates + 1) * sampleSize * (promptTokens + 300)

	totalTokens := generationTokens + evaluationTokens
	return float64(totalTokens) / 1000 * pricePerThousandTokens
}

// EstimateImprovementValue estimates the worth of the likely improvement
// from the observed negativity: more unhappy users means more value in
// fixing the prompt, discounted by the lab's stage.
func EstimateImprovementValue(negativeRatio float64, stage Stage) float64 {
	return negativeRatio * valuePerImprovementPoint * 100 * paramsFor(stage).expectedValueScale / 100
}
