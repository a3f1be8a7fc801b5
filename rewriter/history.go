package rewriter

import (
	"sync"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/draftlab/promptloop/utils"
)

// highRewardThreshold is the reward above which a transition is retained as
// a reusable pattern on flush.
const highRewardThreshold = 0.7

// TrainingExample is one recorded old-to-new prompt transition.
type TrainingExample struct {
	OldPrompt string
	NewPrompt string
	Reward    float64
}

// Pattern is a retained high-reward transition, kept for similarity lookups
// by future selection policies.
type Pattern struct {
	Prompt string
	Reward float64
}

// TrainingQueue is an explicit bounded queue of transitions. Appending
// never triggers side effects; the owner decides when to Flush.
type TrainingQueue struct {
	mu        sync.Mutex
	examples  []TrainingExample
	patterns  []Pattern
	batchSize int
}

// NewTrainingQueue creates a queue with the given flush batch size.
func NewTrainingQueue(batchSize int) *TrainingQueue {
	return &TrainingQueue{batchSize: batchSize}
}

func (q *TrainingQueue) Append(example TrainingExample) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.examples = append(q.examples, example)
}

func (q *TrainingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.examples)
}

// Flush performs the training step over all queued examples and empties
// the queue, returning how many examples were processed. High-reward
// transitions become retained patterns.
func (q *TrainingQueue) Flush(logger utils.Logger) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	flushed := len(q.examples)
	retained := 0
	for _, example := range q.examples {
		if example.Reward > highRewardThreshold {
			q.patterns = append(q.patterns, Pattern{
				Prompt: example.NewPrompt,
				Reward: example.Reward,
			})
			retained++
		}
	}
	q.examples = q.examples[:0]

	logger.Info("Training step complete", "examples", flushed, "patterns_retained", retained)
	return flushed
}

// Patterns returns a copy of the retained patterns.
func (q *TrainingQueue) Patterns() []Pattern {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Pattern, len(q.patterns))
	copy(out, q.patterns)
	return out
}

// Diff renders a unified diff between two prompt versions, recorded with
// each deployment for audit.
func Diff(oldPrompt, newPrompt string) string {
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(oldPrompt),
		B:        difflib.SplitLines(newPrompt),
		FromFile: "previous",
		ToFile:   "candidate",
		Context:  2,
	})
	if err != nil {
		return ""
	}
	return diff
}
