// Package store defines the record-store interfaces consumed by the
// optimization loop and provides SQLite-backed and in-memory
// implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/draftlab/promptloop/types"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

type PromptRepo interface {
	Create(ctx context.Context, p *types.Prompt) error
	GetByID(ctx context.Context, id string) (*types.Prompt, error)
	// GetActive returns the single active prompt for the lab.
	GetActive(ctx context.Context, labID string) (*types.Prompt, error)
	// ListByLab returns all versions for the lab, newest first.
	ListByLab(ctx context.Context, labID string) ([]*types.Prompt, error)
	// PromoteVersion atomically deactivates the current active prompt and
	// inserts newPrompt as the active one. The lab must never be observed
	// with two active prompts.
	PromoteVersion(ctx context.Context, labID string, newPrompt *types.Prompt) error
	UpdatePerformance(ctx context.Context, id string, score float64) error
}

type FeedbackRepo interface {
	Create(ctx context.Context, f *types.FeedbackItem) error
	// ListSince returns feedback created at or after since, newest first,
	// capped at limit (0 means no cap).
	ListSince(ctx context.Context, labID string, since time.Time, limit int) ([]types.FeedbackItem, error)
	CountSince(ctx context.Context, labID string, since time.Time) (int, error)
	CountByLab(ctx context.Context, labID string) (int, error)
}

type LabRepo interface {
	Create(ctx context.Context, l *types.Lab) error
	GetByID(ctx context.Context, id string) (*types.Lab, error)
	Update(ctx context.Context, l *types.Lab) error
	// TryIncrementRunsToday bumps the lab's daily run counter for the given
	// UTC date, resetting it on date rollover. It returns false without
	// incrementing when the counter is already at max. The check and
	// increment are a single guarded update so concurrent cycles cannot
	// both claim the last slot.
	TryIncrementRunsToday(ctx context.Context, labID, utcDate string, max int) (bool, error)
}

type RunRepo interface {
	Create(ctx context.Context, r *types.OptimizationRecord) error
	ListByLab(ctx context.Context, labID string) ([]types.OptimizationRecord, error)
}

// Store bundles the repositories behind one handle.
type Store interface {
	Prompts() PromptRepo
	Feedback() FeedbackRepo
	Labs() LabRepo
	Runs() RunRepo
	Close() error
}
