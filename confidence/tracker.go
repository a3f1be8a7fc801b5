// Package confidence supplies the user/system confidence signals consumed
// by the convergence detector.
package confidence

import (
	"context"
	"sync"

	"github.com/draftlab/promptloop/types"
)

// Signals is one reading of a lab's confidence metrics. Trend is the recent
// direction of the combined confidence: near zero means settled.
type Signals struct {
	UserConfidence   float64 `json:"user_confidence"`
	SystemConfidence float64 `json:"system_confidence"`
	Trend            float64 `json:"trend"`
}

// Tracker supplies confidence signals for a lab.
type Tracker interface {
	Signals(ctx context.Context, labID string) (Signals, error)
}

// EWMATracker maintains per-lab confidence as exponentially weighted moving
// averages fed from feedback and evaluation outcomes. It is a minimal
// working tracker; hosts with their own confidence model implement Tracker
// instead.
type EWMATracker struct {
	mu    sync.Mutex
	alpha float64
	labs  map[string]*ewmaState
}

type ewmaState struct {
	user     float64
	system   float64
	prev     float64
	trend    float64
	hasPrev  bool
}

// NewEWMATracker creates a tracker with the given smoothing factor
// (0 < alpha <= 1; higher weighs recent observations more).
func NewEWMATracker(alpha float64) *EWMATracker {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.3
	}
	return &EWMATracker{alpha: alpha, labs: make(map[string]*ewmaState)}
}

// ObserveFeedback folds one feedback item into the lab's user confidence:
// accepts raise it, rejects and edits lower it.
func (t *EWMATracker) ObserveFeedback(labID string, action types.FeedbackAction) {
	var value float64
	switch action {
	case types.ActionAccept:
		value = 1.0
	case types.ActionEdit:
		value = 0.5
	case types.ActionIgnore:
		value = 0.4
	default:
		value = 0.0
	}
	t.observe(labID, func(s *ewmaState) {
		s.user = t.alpha*value + (1-t.alpha)*s.user
	})
}

// ObserveEvaluation folds one evaluation performance score into the lab's
// system confidence.
func (t *EWMATracker) ObserveEvaluation(labID string, performanceScore float64) {
	t.observe(labID, func(s *ewmaState) {
		s.system = t.alpha*performanceScore + (1-t.alpha)*s.system
	})
}

func (t *EWMATracker) observe(labID string, update func(*ewmaState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.labs[labID]
	if !ok {
		s = &ewmaState{user: 0.5, system: 0.5}
		t.labs[labID] = s
	}
	update(s)

	combined := (s.user + s.system) / 2
	if s.hasPrev {
		s.trend = combined - s.prev
	}
	s.prev = combined
	s.hasPrev = true
}

func (t *EWMATracker) Signals(_ context.Context, labID string) (Signals, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.labs[labID]
	if !ok {
		return Signals{UserConfidence: 0.5, SystemConfidence: 0.5}, nil
	}
	return Signals{
		UserConfidence:   s.user,
		SystemConfidence: s.system,
		Trend:            s.trend,
	}, nil
}

// StaticTracker returns fixed signals, useful in tests.
type StaticTracker struct {
	Value Signals
}

func (t *StaticTracker) Signals(context.Context, string) (Signals, error) {
	return t.Value, nil
}
