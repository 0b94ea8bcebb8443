// Package ledger records verdicts and harness runs in SQLite so results can be
// queried across runs.
package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"skillforge/internal/logging"
	"skillforge/internal/types"

	_ "github.com/mattn/go-sqlite3"
)

// Ledger persists verdict rows and run summaries.
//
// Default location: reports/ledger.db under the workspace root.
type Ledger struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// VerdictRow is one recorded verdict.
type VerdictRow struct {
	ID           int64
	RunID        string // empty for single "process" invocations
	CompletionID string
	SkillID      string
	Model        string
	Variant      string
	Config       string // healing configuration
	Status       types.VerdictStatus
	Reason       types.FailureKind
	PassedLevels []int
	FailedLevels []int
	FiredRules   []string
	Artifact     string
	CreatedAt    time.Time
}

// RunKind distinguishes harness runs.
type RunKind string

const (
	RunAblation   RunKind = "ablation"
	RunRegression RunKind = "regression"
	RunBatch      RunKind = "batch"
)

// RunRow summarizes one harness run.
type RunRow struct {
	ID          string
	Kind        RunKind
	Config      string
	Total       int
	Passed      int
	Partial     int
	Failed      int
	Regressions int
	ReportPath  string
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Stats is an overview of the ledger.
type Stats struct {
	TotalVerdicts int
	ByStatus      map[types.VerdictStatus]int
	ByReason      map[types.FailureKind]int
	Runs          int
}

// Open creates or opens the ledger database at dbPath.
func Open(dbPath string) (*Ledger, error) {
	logging.Get(logging.CategoryLedger).Debug("Opening ledger at %s", dbPath)

	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			logging.LedgerError("Failed to create ledger directory: %v", err)
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		logging.LedgerError("Failed to open ledger at %s: %v", dbPath, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	l := &Ledger{db: db, dbPath: dbPath}
	if err := l.initialize(); err != nil {
		logging.LedgerError("Failed to initialize ledger schema: %v", err)
		db.Close()
		return nil, err
	}
	logging.Ledger("Ledger initialized at %s", dbPath)
	return l, nil
}

func (l *Ledger) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS verdicts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL DEFAULT '',
		completion_id TEXT NOT NULL,
		skill_id TEXT NOT NULL,
		model TEXT,
		variant TEXT,
		config TEXT NOT NULL,
		status TEXT NOT NULL,
		reason TEXT,
		passed_levels TEXT,
		failed_levels TEXT,
		fired_rules TEXT,
		artifact TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_verdicts_skill ON verdicts(skill_id);
	CREATE INDEX IF NOT EXISTS idx_verdicts_run ON verdicts(run_id);
	CREATE INDEX IF NOT EXISTS idx_verdicts_status ON verdicts(status);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		config TEXT,
		total INTEGER NOT NULL,
		passed INTEGER NOT NULL,
		partial INTEGER NOT NULL,
		failed INTEGER NOT NULL,
		regressions INTEGER NOT NULL DEFAULT 0,
		report_path TEXT,
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	`
	_, err := l.db.Exec(schema)
	return err
}

// Close closes the database.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Close()
}

// RecordVerdict appends a verdict row.
func (l *Ledger) RecordVerdict(r VerdictRow) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err := l.db.Exec(`
		INSERT INTO verdicts
		(run_id, completion_id, skill_id, model, variant, config, status, reason,
		 passed_levels, failed_levels, fired_rules, artifact, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.CompletionID, r.SkillID, r.Model, r.Variant, r.Config,
		string(r.Status), string(r.Reason),
		encode(r.PassedLevels), encode(r.FailedLevels), encode(r.FiredRules),
		r.Artifact, r.CreatedAt.UTC(),
	)
	if err != nil {
		logging.LedgerError("Failed to record verdict for %s: %v", r.SkillID, err)
		return fmt.Errorf("failed to record verdict: %w", err)
	}
	return nil
}

// RecordRun inserts or replaces a run summary.
func (l *Ledger) RecordRun(r RunRow) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.Exec(`
		INSERT OR REPLACE INTO runs
		(id, kind, config, total, passed, partial, failed, regressions, report_path, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, string(r.Kind), r.Config, r.Total, r.Passed, r.Partial, r.Failed,
		r.Regressions, r.ReportPath, r.StartedAt.UTC(), r.FinishedAt.UTC(),
	)
	if err != nil {
		logging.LedgerError("Failed to record run %s: %v", r.ID, err)
		return fmt.Errorf("failed to record run: %w", err)
	}
	logging.Ledger("Recorded %s run %s (%d/%d passed)", r.Kind, r.ID, r.Passed, r.Total)
	return nil
}

// LatestVerdicts returns the most recent verdict per skill, optionally limited
// to one healing configuration.
func (l *Ledger) LatestVerdicts(config string) (map[string]VerdictRow, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rows, err := l.db.Query(`
		SELECT id, run_id, completion_id, skill_id, model, variant, config, status, reason,
		       passed_levels, failed_levels, fired_rules, artifact, created_at
		FROM verdicts
		WHERE id IN (
			SELECT MAX(id) FROM verdicts WHERE (? = '' OR config = ?) GROUP BY skill_id
		)`, config, config)
	if err != nil {
		return nil, fmt.Errorf("failed to query verdicts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]VerdictRow)
	for rows.Next() {
		r, err := scanVerdict(rows)
		if err != nil {
			return nil, err
		}
		out[r.SkillID] = r
	}
	return out, rows.Err()
}

// VerdictsForRun returns the verdicts recorded under runID in insertion order.
func (l *Ledger) VerdictsForRun(runID string) ([]VerdictRow, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rows, err := l.db.Query(`
		SELECT id, run_id, completion_id, skill_id, model, variant, config, status, reason,
		       passed_levels, failed_levels, fired_rules, artifact, created_at
		FROM verdicts WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query verdicts: %w", err)
	}
	defer rows.Close()

	var out []VerdictRow
	for rows.Next() {
		r, err := scanVerdict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecentRuns returns up to limit runs, newest first.
func (l *Ledger) RecentRuns(limit int) ([]RunRow, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rows, err := l.db.Query(`
		SELECT id, kind, config, total, passed, partial, failed, regressions, report_path, started_at, finished_at
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var out []RunRow
	for rows.Next() {
		var r RunRow
		var kind string
		var config, report sql.NullString
		if err := rows.Scan(&r.ID, &kind, &config, &r.Total, &r.Passed, &r.Partial, &r.Failed,
			&r.Regressions, &report, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.Kind = RunKind(kind)
		r.Config = config.String
		r.ReportPath = report.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetStats summarizes the ledger.
func (l *Ledger) GetStats() (*Stats, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := &Stats{
		ByStatus: make(map[types.VerdictStatus]int),
		ByReason: make(map[types.FailureKind]int),
	}
	rows, err := l.db.Query(`SELECT status, COALESCE(reason, ''), COUNT(*) FROM verdicts GROUP BY status, reason`)
	if err != nil {
		return nil, fmt.Errorf("failed to query stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status, reason string
		var n int
		if err := rows.Scan(&status, &reason, &n); err != nil {
			return nil, fmt.Errorf("failed to scan stats: %w", err)
		}
		stats.TotalVerdicts += n
		stats.ByStatus[types.VerdictStatus(status)] += n
		if reason != "" {
			stats.ByReason[types.FailureKind(reason)] += n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := l.db.QueryRow(`SELECT COUNT(*) FROM runs`).Scan(&stats.Runs); err != nil {
		return nil, fmt.Errorf("failed to count runs: %w", err)
	}
	return stats, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanVerdict(s scanner) (VerdictRow, error) {
	var r VerdictRow
	var status string
	var model, variant, reason, passed, failed, fired, artifact sql.NullString
	if err := s.Scan(&r.ID, &r.RunID, &r.CompletionID, &r.SkillID, &model, &variant, &r.Config,
		&status, &reason, &passed, &failed, &fired, &artifact, &r.CreatedAt); err != nil {
		return r, fmt.Errorf("failed to scan verdict: %w", err)
	}
	r.Model = model.String
	r.Variant = variant.String
	r.Status = types.VerdictStatus(status)
	r.Reason = types.FailureKind(reason.String)
	r.Artifact = artifact.String
	if err := decode(passed, &r.PassedLevels); err != nil {
		return r, err
	}
	if err := decode(failed, &r.FailedLevels); err != nil {
		return r, err
	}
	if err := decode(fired, &r.FiredRules); err != nil {
		return r, err
	}
	return r, nil
}

func encode(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

func decode(s sql.NullString, v interface{}) error {
	if !s.Valid || s.String == "" || s.String == "null" {
		return nil
	}
	if err := json.Unmarshal([]byte(s.String), v); err != nil {
		return fmt.Errorf("failed to decode ledger column: %w", err)
	}
	return nil
}
