package reward

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/draftlab/promptloop/types"
)

// DefaultWeights returns the default signal weights, summing to 1.0.
func DefaultWeights() types.RewardWeights {
	return types.RewardWeights{
		ExactMatch:            0.15,
		F1Score:               0.20,
		Perplexity:            0.10,
		HumanFeedback:         0.30,
		LengthAppropriateness: 0.10,
		SemanticSimilarity:    0.15,
	}
}

// ProfileSet maps scenario tags to weight overrides.
type ProfileSet struct {
	Default  *types.RewardWeights           `yaml:"default"`
	Profiles map[string]types.RewardWeights `yaml:"profiles"`
}

// LoadProfiles reads a scenario weight-profile file. A typical file:
//
//	default:
//	  exact_match: 0.15
//	  f1_score: 0.20
//	  ...
//	profiles:
//	  support_reply:
//	    human_feedback: 0.5
//	    f1_score: 0.2
//	    ...
func LoadProfiles(path string) (*ProfileSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading weight profiles: %w", err)
	}
	var set ProfileSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("parsing weight profiles: %w", err)
	}
	return &set, nil
}

// WeightsFor resolves the weights for a scenario tag, falling back to the
// set default and then the library default.
func (s *ProfileSet) WeightsFor(scenario string) types.RewardWeights {
	if s != nil {
		if scenario != "" {
			if w, ok := s.Profiles[scenario]; ok {
				return w
			}
		}
		if s.Default != nil {
			return *s.Default
		}
	}
	return DefaultWeights()
}
