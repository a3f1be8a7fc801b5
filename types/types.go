// Package types holds the value types passed through the optimization loop.
// Durable storage for these lives behind the store package; everything here
// is plain data.
package types

import "time"

// Prompt is one immutable version of a lab's system prompt. Exactly one
// version per lab is active at any time.
type Prompt struct {
	ID               string     `json:"id"`
	LabID            string     `json:"lab_id"`
	Content          string     `json:"content"`
	Version          int        `json:"version"`
	Active           bool       `json:"active"`
	PerformanceScore *float64   `json:"performance_score,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// FeedbackItem is one user reaction to one generated draft. Immutable once
// created.
type FeedbackItem struct {
	ID            string             `json:"id"`
	LabID         string             `json:"lab_id"`
	Action        FeedbackAction     `json:"action"`
	Reason        string             `json:"reason,omitempty"`
	EditedContent string             `json:"edited_content,omitempty"`
	FactorRatings map[string]float64 `json:"factor_ratings,omitempty"`
	Scenario      string             `json:"scenario,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
}

// RewriteCandidate is an unvalidated rewritten prompt proposal. It exists
// only for the duration of one optimization cycle.
type RewriteCandidate struct {
	Content     string  `json:"content" validate:"required"`
	Confidence  float64 `json:"confidence" validate:"min=0,max=1"`
	Temperature float64 `json:"temperature"`
	Reasoning   string  `json:"reasoning"`
}

// EvaluationResult is the outcome of running one prompt over a test batch.
type EvaluationResult struct {
	PromptID         string             `json:"prompt_id"`
	PromptContent    string             `json:"prompt_content"`
	PerformanceScore float64            `json:"performance_score"`
	Metrics          map[string]float64 `json:"metrics,omitempty"`
	SampleOutputs    []string           `json:"sample_outputs,omitempty"`
	CaseScores       []float64          `json:"case_scores,omitempty"`
	EvaluationTime   time.Duration      `json:"evaluation_time"`
	TestCasesUsed    int                `json:"test_cases_used"`
	ErrorRate        float64            `json:"error_rate"`
}

// Winner identifies which side of an A/B comparison won.
type Winner string

const (
	WinnerBaseline  Winner = "baseline"
	WinnerCandidate Winner = "candidate"
	WinnerTie       Winner = "tie"
)

// ComparisonResult is a pairwise baseline-vs-candidate comparison.
// Winner is WinnerCandidate only when Improvement > 0 and
// StatisticalSignificance is below the accepted bound.
type ComparisonResult struct {
	Baseline                EvaluationResult `json:"baseline"`
	Candidate               EvaluationResult `json:"candidate"`
	Improvement             float64          `json:"improvement"`
	StatisticalSignificance float64          `json:"statistical_significance"`
	Winner                  Winner           `json:"winner"`
	ConfidenceLevel         float64          `json:"confidence_level"`
}

// TriggerAnalysis is the derived decision of the trigger gate. Never
// persisted.
type TriggerAnalysis struct {
	ShouldTrigger         bool           `json:"should_trigger"`
	Reason                string         `json:"reason"`
	FeedbackCount         int            `json:"feedback_count"`
	NegativeFeedbackRatio float64        `json:"negative_feedback_ratio"`
	AverageRating         float64        `json:"average_rating"`
	FeedbackBatch         []FeedbackItem `json:"-"`
}

// ConvergenceFactor names one sub-check of the convergence assessment.
type ConvergenceFactor string

const (
	FactorPerformancePlateau       ConvergenceFactor = "performance_plateau"
	FactorConfidenceConvergence    ConvergenceFactor = "confidence_convergence"
	FactorFeedbackStability        ConvergenceFactor = "feedback_stability"
	FactorMinimumIterationsReached ConvergenceFactor = "minimum_iterations_reached"
	FactorMinimumFeedbackReached   ConvergenceFactor = "minimum_feedback_reached"
)

// Recommendation is one ranked follow-up action from the convergence
// detector. Lower Priority means more urgent.
type Recommendation struct {
	Action   string `json:"action"`
	Reason   string `json:"reason"`
	Priority int    `json:"priority"`
}

// ConvergenceAssessment summarizes whether further optimization is judged
// worthwhile. Derived, not persisted.
type ConvergenceAssessment struct {
	Converged       bool                       `json:"converged"`
	ConfidenceScore float64                    `json:"confidence_score"`
	Factors         map[ConvergenceFactor]bool `json:"factors"`
	Recommendations []Recommendation           `json:"recommendations"`
}

// RewardWeights are the relative weights of the reward sub-signals. They are
// expected to sum to roughly 1.0 but are not renormalized.
type RewardWeights struct {
	ExactMatch            float64 `yaml:"exact_match" json:"exact_match"`
	F1Score               float64 `yaml:"f1_score" json:"f1_score"`
	Perplexity            float64 `yaml:"perplexity" json:"perplexity"`
	HumanFeedback         float64 `yaml:"human_feedback" json:"human_feedback"`
	LengthAppropriateness float64 `yaml:"length_appropriateness" json:"length_appropriateness"`
	SemanticSimilarity    float64 `yaml:"semantic_similarity" json:"semantic_similarity"`
}

// RuntimeConstraints are appended to the rewrite meta-prompt as directives.
type RuntimeConstraints struct {
	MaxLength int    `json:"max_length,omitempty"`
	Tone      string `json:"tone,omitempty"`
	Urgency   string `json:"urgency,omitempty"`
	Audience  string `json:"audience,omitempty"`
}

// RewriteContext carries everything the rewriter needs for one cycle.
type RewriteContext struct {
	Prompt             Prompt             `json:"prompt"`
	RecentFeedback     []FeedbackItem     `json:"recent_feedback"`
	PerformanceHistory []float64          `json:"performance_history"`
	Scenario           string             `json:"scenario,omitempty"`
	Constraints        RuntimeConstraints `json:"constraints"`
}

// TestCase is one input/expected pair supplied by a test-case source.
type TestCase struct {
	Input          string `json:"input"`
	ExpectedOutput string `json:"expected_output"`
	Context        string `json:"context,omitempty"`
}

// Lab is the per-tenant optimization state threaded through the trigger
// gate and orchestrator. It is read from and written back to the store,
// never kept as process-global state.
type Lab struct {
	ID                     string     `json:"id"`
	Name                   string     `json:"name"`
	Scenario               string     `json:"scenario,omitempty"`
	OptimizationIterations int        `json:"optimization_iterations"`
	RunsToday              int        `json:"runs_today"`
	RunsTodayDate          string     `json:"runs_today_date"` // UTC date "2006-01-02" the counter belongs to
	LastOptimizedAt        *time.Time `json:"last_optimized_at,omitempty"`
	Converged              bool       `json:"converged"`
	CreatedAt              time.Time  `json:"created_at"`
}

// OptimizationRecord is the persisted outcome of one cycle, successful or
// not.
type OptimizationRecord struct {
	ID              string    `json:"id"`
	LabID           string    `json:"lab_id"`
	OldPromptID     string    `json:"old_prompt_id"`
	NewPromptID     string    `json:"new_prompt_id,omitempty"`
	Deployed        bool      `json:"deployed"`
	Improvement     float64   `json:"improvement"`
	ConfidenceLevel float64   `json:"confidence_level"`
	Reason          string    `json:"reason"`
	Forced          bool      `json:"forced"`
	ForceReason     string    `json:"force_reason,omitempty"`
	PromptDiff      string    `json:"prompt_diff,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// OptimizationStatus is the read-only view exposed to the host system.
type OptimizationStatus struct {
	LastRun    *time.Time `json:"last_run,omitempty"`
	RunsToday  int        `json:"runs_today"`
	DailyLimit int        `json:"daily_limit"`
	CanRunNow  bool       `json:"can_run_now"`
	Reason     string     `json:"reason,omitempty"`
}
