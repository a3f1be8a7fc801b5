// Package testcases supplies evaluation batches, either from static JSON
// datasets or generated on demand by a model.
package testcases

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/draftlab/promptloop/types"
)

// Source loads evaluation cases. When datasetIDs is empty the source may
// synthesize cases instead.
type Source interface {
	LoadEvaluationCases(ctx context.Context, datasetIDs []string, count int) ([]types.TestCase, error)
}

// StaticSource reads cases from JSON files named <id>.json under a root
// directory. Each file holds an array of test cases.
type StaticSource struct {
	Root string
}

// NewStaticSource creates a dataset-backed source rooted at dir.
func NewStaticSource(dir string) *StaticSource {
	return &StaticSource{Root: dir}
}

func (s *StaticSource) LoadEvaluationCases(_ context.Context, datasetIDs []string, count int) ([]types.TestCase, error) {
	if len(datasetIDs) == 0 {
		return nil, fmt.Errorf("static source requires at least one dataset id")
	}

	var cases []types.TestCase
	for _, id := range datasetIDs {
		path := filepath.Join(s.Root, id+".json")
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading dataset %s: %w", id, err)
		}
		var batch []types.TestCase
		if err := json.Unmarshal(data, &batch); err != nil {
			return nil, fmt.Errorf("parsing dataset %s: %w", id, err)
		}
		cases = append(cases, batch...)
	}

	if count > 0 && len(cases) > count {
		cases = cases[:count]
	}
	return cases, nil
}
