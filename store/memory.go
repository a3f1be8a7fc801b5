package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/draftlab/promptloop/types"
)

// MemoryStore is an in-memory Store used in tests and as a reference for
// the atomicity semantics the SQLite store provides.
type MemoryStore struct {
	mu       sync.Mutex
	prompts  map[string]*types.Prompt
	feedback map[string]*types.FeedbackItem
	labs     map[string]*types.Lab
	runs     map[string]*types.OptimizationRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		prompts:  make(map[string]*types.Prompt),
		feedback: make(map[string]*types.FeedbackItem),
		labs:     make(map[string]*types.Lab),
		runs:     make(map[string]*types.OptimizationRecord),
	}
}

func (s *MemoryStore) Prompts() PromptRepo   { return (*memPromptRepo)(s) }
func (s *MemoryStore) Feedback() FeedbackRepo { return (*memFeedbackRepo)(s) }
func (s *MemoryStore) Labs() LabRepo         { return (*memLabRepo)(s) }
func (s *MemoryStore) Runs() RunRepo         { return (*memRunRepo)(s) }
func (s *MemoryStore) Close() error          { return nil }

type memPromptRepo MemoryStore

func (r *memPromptRepo) Create(_ context.Context, p *types.Prompt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *p
	r.prompts[p.ID] = &cp
	return nil
}

func (r *memPromptRepo) GetByID(_ context.Context, id string) (*types.Prompt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.prompts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *memPromptRepo) GetActive(_ context.Context, labID string) (*types.Prompt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.prompts {
		if p.LabID == labID && p.Active {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memPromptRepo) ListByLab(_ context.Context, labID string) ([]*types.Prompt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var prompts []*types.Prompt
	for _, p := range r.prompts {
		if p.LabID == labID {
			cp := *p
			prompts = append(prompts, &cp)
		}
	}
	sort.Slice(prompts, func(i, j int) bool { return prompts[i].Version > prompts[j].Version })
	return prompts, nil
}

func (r *memPromptRepo) PromoteVersion(_ context.Context, labID string, newPrompt *types.Prompt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.prompts {
		if p.LabID == labID && p.Active {
			p.Active = false
		}
	}
	cp := *newPrompt
	cp.Active = true
	r.prompts[cp.ID] = &cp
	newPrompt.Active = true
	return nil
}

func (r *memPromptRepo) UpdatePerformance(_ context.Context, id string, score float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.prompts[id]
	if !ok {
		return ErrNotFound
	}
	p.PerformanceScore = &score
	return nil
}

type memFeedbackRepo MemoryStore

func (r *memFeedbackRepo) Create(_ context.Context, f *types.FeedbackItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *f
	r.feedback[f.ID] = &cp
	return nil
}

func (r *memFeedbackRepo) ListSince(_ context.Context, labID string, since time.Time, limit int) ([]types.FeedbackItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var items []types.FeedbackItem
	for _, f := range r.feedback {
		if f.LabID == labID && !f.CreatedAt.Before(since) {
			items = append(items, *f)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (r *memFeedbackRepo) CountSince(ctx context.Context, labID string, since time.Time) (int, error) {
	items, err := r.ListSince(ctx, labID, since, 0)
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

func (r *memFeedbackRepo) CountByLab(_ context.Context, labID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, f := range r.feedback {
		if f.LabID == labID {
			count++
		}
	}
	return count, nil
}

type memLabRepo MemoryStore

func (r *memLabRepo) Create(_ context.Context, l *types.Lab) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *l
	r.labs[l.ID] = &cp
	return nil
}

func (r *memLabRepo) GetByID(_ context.Context, id string) (*types.Lab, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.labs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (r *memLabRepo) Update(_ context.Context, l *types.Lab) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.labs[l.ID]; !ok {
		return ErrNotFound
	}
	cp := *l
	r.labs[l.ID] = &cp
	return nil
}

func (r *memLabRepo) TryIncrementRunsToday(_ context.Context, labID, utcDate string, max int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.labs[labID]
	if !ok {
		return false, ErrNotFound
	}
	if l.RunsTodayDate != utcDate {
		l.RunsTodayDate = utcDate
		l.RunsToday = 1
		return true, nil
	}
	if l.RunsToday >= max {
		return false, nil
	}
	l.RunsToday++
	return true, nil
}

type memRunRepo MemoryStore

func (r *memRunRepo) Create(_ context.Context, rec *types.OptimizationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *rec
	r.runs[rec.ID] = &cp
	return nil
}

func (r *memRunRepo) ListByLab(_ context.Context, labID string) ([]types.OptimizationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var records []types.OptimizationRecord
	for _, rec := range r.runs {
		if rec.LabID == labID {
			records = append(records, *rec)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt.After(records[j].CreatedAt) })
	return records, nil
}
