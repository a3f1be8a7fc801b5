package trigger

// Stage classifies how far along a lab's optimization lineage is.
// Thresholds tighten with later stages: early on, small improvements
// justify spend; a mature prompt needs a steeper return.
type Stage string

const (
	StageExploration        Stage = "exploration"
	StageRefinement         Stage = "refinement"
	StageOptimization       Stage = "optimization"
	StageDiminishingReturns Stage = "diminishing_returns"
)

// stageParams scale the base thresholds per stage. These are configuration
// defaults rather than invariants.
type stageParams struct {
	// negativeRatioScale multiplies the configured negative-feedback
	// threshold; later stages demand more user pain before triggering.
	negativeRatioScale float64
	// expectedValueScale discounts the estimated value of an improvement;
	// later stages assume smaller achievable gains.
	expectedValueScale float64
}

var stageTable = map[Stage]stageParams{
	StageExploration:        {negativeRatioScale: 1.0, expectedValueScale: 1.0},
	StageRefinement:         {negativeRatioScale: 1.125, expectedValueScale: 0.8},
	StageOptimization:       {negativeRatioScale: 1.25, expectedValueScale: 0.6},
	StageDiminishingReturns: {negativeRatioScale: 1.5, expectedValueScale: 0.4},
}

// StageFor maps a lab's completed iteration count to its stage.
func StageFor(iterations int) Stage {
	switch {
	case iterations < 5:
		return StageExploration
	case iterations < 15:
		return StageRefinement
	case iterations < 30:
		return StageOptimization
	default:
		return StageDiminishingReturns
	}
}

func paramsFor(stage Stage) stageParams {
	if p, ok := stageTable[stage]; ok {
		return p
	}
	return stageTable[StageExploration]
}
