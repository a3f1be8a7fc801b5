package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/draftlab/promptloop/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS labs (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	scenario TEXT NOT NULL DEFAULT '',
	optimization_iterations INTEGER NOT NULL DEFAULT 0,
	runs_today INTEGER NOT NULL DEFAULT 0,
	runs_today_date TEXT NOT NULL DEFAULT '',
	last_optimized_at TEXT,
	converged INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS prompts (
	id TEXT PRIMARY KEY,
	lab_id TEXT NOT NULL REFERENCES labs(id),
	content TEXT NOT NULL,
	version INTEGER NOT NULL,
	active INTEGER NOT NULL DEFAULT 0,
	performance_score REAL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_prompts_lab_active ON prompts(lab_id, active);
CREATE UNIQUE INDEX IF NOT EXISTS idx_prompts_lab_version ON prompts(lab_id, version);

CREATE TABLE IF NOT EXISTS feedback (
	id TEXT PRIMARY KEY,
	lab_id TEXT NOT NULL REFERENCES labs(id),
	action TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	edited_content TEXT NOT NULL DEFAULT '',
	factor_ratings TEXT NOT NULL DEFAULT '{}',
	scenario TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_feedback_lab_created ON feedback(lab_id, created_at);

CREATE TABLE IF NOT EXISTS optimization_runs (
	id TEXT PRIMARY KEY,
	lab_id TEXT NOT NULL REFERENCES labs(id),
	old_prompt_id TEXT NOT NULL,
	new_prompt_id TEXT NOT NULL DEFAULT '',
	deployed INTEGER NOT NULL DEFAULT 0,
	improvement REAL NOT NULL DEFAULT 0,
	confidence_level REAL NOT NULL DEFAULT 0,
	reason TEXT NOT NULL DEFAULT '',
	forced INTEGER NOT NULL DEFAULT 0,
	force_reason TEXT NOT NULL DEFAULT '',
	prompt_diff TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_lab_created ON optimization_runs(lab_id, created_at);
`

// SQLiteStore implements Store on a SQLite database.
type SQLiteStore struct {
	db       *sql.DB
	prompts  *sqlitePromptRepo
	feedback *sqliteFeedbackRepo
	labs     *sqliteLabRepo
	runs     *sqliteRunRepo
}

// OpenSQLite opens (creating if needed) the database at path and applies
// the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	// Serialized access avoids SQLITE_BUSY under concurrent lab cycles.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &SQLiteStore{
		db:       db,
		prompts:  &sqlitePromptRepo{db: db},
		feedback: &sqliteFeedbackRepo{db: db},
		labs:     &sqliteLabRepo{db: db},
		runs:     &sqliteRunRepo{db: db},
	}, nil
}

func (s *SQLiteStore) Prompts() PromptRepo   { return s.prompts }
func (s *SQLiteStore) Feedback() FeedbackRepo { return s.feedback }
func (s *SQLiteStore) Labs() LabRepo         { return s.labs }
func (s *SQLiteStore) Runs() RunRepo         { return s.runs }
func (s *SQLiteStore) Close() error          { return s.db.Close() }

type sqlitePromptRepo struct {
	db *sql.DB
}

func (r *sqlitePromptRepo) Create(ctx context.Context, p *types.Prompt) error {
	query := `INSERT INTO prompts (id, lab_id, content, version, active, performance_score, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, query,
		p.ID, p.LabID, p.Content, p.Version, boolToInt(p.Active), p.PerformanceScore,
		p.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting prompt: %w", err)
	}
	return nil
}

func (r *sqlitePromptRepo) GetByID(ctx context.Context, id string) (*types.Prompt, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, lab_id, content, version, active, performance_score, created_at
		 FROM prompts WHERE id = ?`, id)
	return scanPrompt(row)
}

func (r *sqlitePromptRepo) GetActive(ctx context.Context, labID string) (*types.Prompt, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, lab_id, content, version, active, performance_score, created_at
		 FROM prompts WHERE lab_id = ? AND active = 1`, labID)
	return scanPrompt(row)
}

func (r *sqlitePromptRepo) ListByLab(ctx context.Context, labID string) ([]*types.Prompt, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, lab_id, content, version, active, performance_score, created_at
		 FROM prompts WHERE lab_id = ? ORDER BY version DESC`, labID)
	if err != nil {
		return nil, fmt.Errorf("listing prompts: %w", err)
	}
	defer rows.Close()

	var prompts []*types.Prompt
	for rows.Next() {
		p, err := scanPromptRows(rows)
		if err != nil {
			return nil, err
		}
		prompts = append(prompts, p)
	}
	return prompts, rows.Err()
}

func (r *sqlitePromptRepo) PromoteVersion(ctx context.Context, labID string, newPrompt *types.Prompt) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning promote transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE prompts SET active = 0 WHERE lab_id = ? AND active = 1`, labID); err != nil {
		return fmt.Errorf("deactivating current prompt: %w", err)
	}

	newPrompt.Active = true
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO prompts (id, lab_id, content, version, active, performance_score, created_at)
		 VALUES (?, ?, ?, ?, 1, ?, ?)`,
		newPrompt.ID, labID, newPrompt.Content, newPrompt.Version, newPrompt.PerformanceScore,
		newPrompt.CreatedAt.UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("inserting promoted prompt: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing promote transaction: %w", err)
	}
	return nil
}

func (r *sqlitePromptRepo) UpdatePerformance(ctx context.Context, id string, score float64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE prompts SET performance_score = ? WHERE id = ?`, score, id)
	if err != nil {
		return fmt.Errorf("updating prompt performance: %w", err)
	}
	return nil
}

func scanPrompt(row *sql.Row) (*types.Prompt, error) {
	var p types.Prompt
	var active int
	var createdAt string
	err := row.Scan(&p.ID, &p.LabID, &p.Content, &p.Version, &active, &p.PerformanceScore, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning prompt: %w", err)
	}
	p.Active = active != 0
	p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &p, nil
}

func scanPromptRows(rows *sql.Rows) (*types.Prompt, error) {
	var p types.Prompt
	var active int
	var createdAt string
	if err := rows.Scan(&p.ID, &p.LabID, &p.Content, &p.Version, &active, &p.PerformanceScore, &createdAt); err != nil {
		return nil, fmt.Errorf("scanning prompt: %w", err)
	}
	p.Active = active != 0
	p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &p, nil
}

type sqliteFeedbackRepo struct {
	db *sql.DB
}

func (r *sqliteFeedbackRepo) Create(ctx context.Context, f *types.FeedbackItem) error {
	ratings, err := json.Marshal(f.FactorRatings)
	if err != nil {
		return fmt.Errorf("marshaling factor ratings: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO feedback (id, lab_id, action, reason, edited_content, factor_ratings, scenario, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.LabID, string(f.Action), f.Reason, f.EditedContent, string(ratings), f.Scenario,
		f.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting feedback: %w", err)
	}
	return nil
}

func (r *sqliteFeedbackRepo) ListSince(ctx context.Context, labID string, since time.Time, limit int) ([]types.FeedbackItem, error) {
	query := `SELECT id, lab_id, action, reason, edited_content, factor_ratings, scenario, created_at
		FROM feedback WHERE lab_id = ? AND created_at >= ? ORDER BY created_at DESC`
	args := []any{labID, since.UTC().Format(time.RFC3339)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing feedback: %w", err)
	}
	defer rows.Close()

	var items []types.FeedbackItem
	for rows.Next() {
		var f types.FeedbackItem
		var action, ratings, createdAt string
		if err := rows.Scan(&f.ID, &f.LabID, &action, &f.Reason, &f.EditedContent, &ratings, &f.Scenario, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning feedback: %w", err)
		}
		f.Action = types.FeedbackAction(action)
		if err := json.Unmarshal([]byte(ratings), &f.FactorRatings); err != nil {
			f.FactorRatings = nil
		}
		f.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		items = append(items, f)
	}
	return items, rows.Err()
}

func (r *sqliteFeedbackRepo) CountSince(ctx context.Context, labID string, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM feedback WHERE lab_id = ? AND created_at >= ?`,
		labID, since.UTC().Format(time.RFC3339)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting feedback: %w", err)
	}
	return count, nil
}

func (r *sqliteFeedbackRepo) CountByLab(ctx context.Context, labID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM feedback WHERE lab_id = ?`, labID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting feedback: %w", err)
	}
	return count, nil
}

type sqliteLabRepo struct {
	db *sql.DB
}

func (r *sqliteLabRepo) Create(ctx context.Context, l *types.Lab) error {
	var lastOptimized any
	if l.LastOptimizedAt != nil {
		lastOptimized = l.LastOptimizedAt.UTC().Format(time.RFC3339)
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO labs (id, name, scenario, optimization_iterations, runs_today, runs_today_date, last_optimized_at, converged, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.Name, l.Scenario, l.OptimizationIterations, l.RunsToday, l.RunsTodayDate,
		lastOptimized, boolToInt(l.Converged), l.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting lab: %w", err)
	}
	return nil
}

func (r *sqliteLabRepo) GetByID(ctx context.Context, id string) (*types.Lab, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, name, scenario, optimization_iterations, runs_today, runs_today_date, last_optimized_at, converged, created_at
		 FROM labs WHERE id = ?`, id)

	var l types.Lab
	var lastOptimized sql.NullString
	var converged int
	var createdAt string
	err := row.Scan(&l.ID, &l.Name, &l.Scenario, &l.OptimizationIterations, &l.RunsToday,
		&l.RunsTodayDate, &lastOptimized, &converged, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning lab: %w", err)
	}
	l.Converged = converged != 0
	l.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if lastOptimized.Valid {
		t, err := time.Parse(time.RFC3339, lastOptimized.String)
		if err == nil {
			l.LastOptimizedAt = &t
		}
	}
	return &l, nil
}

func (r *sqliteLabRepo) Update(ctx context.Context, l *types.Lab) error {
	var lastOptimized any
	if l.LastOptimizedAt != nil {
		lastOptimized = l.LastOptimizedAt.UTC().Format(time.RFC3339)
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE labs SET name = ?, scenario = ?, optimization_iterations = ?, runs_today = ?,
		 runs_today_date = ?, last_optimized_at = ?, converged = ? WHERE id = ?`,
		l.Name, l.Scenario, l.OptimizationIterations, l.RunsToday, l.RunsTodayDate,
		lastOptimized, boolToInt(l.Converged), l.ID,
	)
	if err != nil {
		return fmt.Errorf("updating lab: %w", err)
	}
	return nil
}

func (r *sqliteLabRepo) TryIncrementRunsToday(ctx context.Context, labID, utcDate string, max int) (bool, error) {
	// Single guarded update: rolls the counter over on a new date, refuses
	// the increment when today's counter is already at max.
	result, err := r.db.ExecContext(ctx,
		`UPDATE labs SET
			runs_today = CASE WHEN runs_today_date = ? THEN runs_today + 1 ELSE 1 END,
			runs_today_date = ?
		 WHERE id = ? AND (runs_today_date != ? OR runs_today < ?)`,
		utcDate, utcDate, labID, utcDate, max,
	)
	if err != nil {
		return false, fmt.Errorf("incrementing daily run counter: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking daily counter update: %w", err)
	}
	return affected > 0, nil
}

type sqliteRunRepo struct {
	db *sql.DB
}

func (r *sqliteRunRepo) Create(ctx context.Context, rec *types.OptimizationRecord) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO optimization_runs (id, lab_id, old_prompt_id, new_prompt_id, deployed, improvement,
		 confidence_level, reason, forced, force_reason, prompt_diff, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.LabID, rec.OldPromptID, rec.NewPromptID, boolToInt(rec.Deployed),
		rec.Improvement, rec.ConfidenceLevel, rec.Reason, boolToInt(rec.Forced),
		rec.ForceReason, rec.PromptDiff, rec.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting optimization run: %w", err)
	}
	return nil
}

func (r *sqliteRunRepo) ListByLab(ctx context.Context, labID string) ([]types.OptimizationRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, lab_id, old_prompt_id, new_prompt_id, deployed, improvement, confidence_level,
		 reason, forced, force_reason, prompt_diff, created_at
		 FROM optimization_runs WHERE lab_id = ? ORDER BY created_at DESC`, labID)
	if err != nil {
		return nil, fmt.Errorf("listing optimization runs: %w", err)
	}
	defer rows.Close()

	var records []types.OptimizationRecord
	for rows.Next() {
		var rec types.OptimizationRecord
		var deployed, forced int
		var createdAt string
		if err := rows.Scan(&rec.ID, &rec.LabID, &rec.OldPromptID, &rec.NewPromptID, &deployed,
			&rec.Improvement, &rec.ConfidenceLevel, &rec.Reason, &forced, &rec.ForceReason,
			&rec.PromptDiff, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning optimization run: %w", err)
		}
		rec.Deployed = deployed != 0
		rec.Forced = forced != 0
		rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
