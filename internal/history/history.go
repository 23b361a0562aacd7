// Package history persists load test runs and per-session outcomes to a
// SQLite database in the output directory.
package history

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS load_test_runs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	argv TEXT NOT NULL,
	target_url TEXT NOT NULL,
	recording_path TEXT NOT NULL,
	workers INTEGER NOT NULL,
	started_at TIMESTAMP NOT NULL,
	completed_at TIMESTAMP,
	status TEXT NOT NULL,
	sessions_done INTEGER NOT NULL DEFAULT 0,
	sessions_failed INTEGER NOT NULL DEFAULT 0,
	avg_duration_ms REAL,
	min_duration_ms INTEGER,
	max_duration_ms INTEGER,
	p50_duration_ms INTEGER,
	p95_duration_ms INTEGER,
	p99_duration_ms INTEGER
);

CREATE TABLE IF NOT EXISTS load_test_sessions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id INTEGER NOT NULL REFERENCES load_test_runs(id) ON DELETE CASCADE,
	session_id INTEGER NOT NULL,
	worker_id INTEGER NOT NULL,
	iteration INTEGER NOT NULL,
	outcome TEXT NOT NULL,
	duration_ms INTEGER NOT NULL,
	failure TEXT,
	started_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_run ON load_test_sessions(run_id);
`

// Run is one process invocation.
type Run struct {
	ID            int64
	Argv          string
	TargetURL     string
	RecordingPath string
	Workers       int
	StartedAt     time.Time
	CompletedAt   *time.Time
	Status        string // "running", "completed"
	SessionsDone  int
	SessionsFail  int
	AvgDurationMs float64
	MinDurationMs int64
	MaxDurationMs int64
	P50DurationMs int64
	P95DurationMs int64
	P99DurationMs int64
}

// SessionRecord is the outcome of one replayed session.
type SessionRecord struct {
	RunID      int64
	SessionID  int
	WorkerID   int
	Iteration  int
	Outcome    string // "done" or "failed"
	DurationMs int64
	Failure    string
	StartedAt  time.Time
}

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// CreateRun inserts a run record and fills in its ID.
func (s *Store) CreateRun(run *Run) error {
	result, err := s.db.Exec(`
		INSERT INTO load_test_runs (argv, target_url, recording_path, workers, started_at, status)
		VALUES (?, ?, ?, ?, ?, ?)
	`, run.Argv, run.TargetURL, run.RecordingPath, run.Workers, run.StartedAt, run.Status)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	run.ID = id
	return nil
}

// FinishRun stores the final counters and latency summary.
func (s *Store) FinishRun(run *Run) error {
	_, err := s.db.Exec(`
		UPDATE load_test_runs
		SET completed_at = ?, status = ?, sessions_done = ?, sessions_failed = ?,
		    avg_duration_ms = ?, min_duration_ms = ?, max_duration_ms = ?,
		    p50_duration_ms = ?, p95_duration_ms = ?, p99_duration_ms = ?
		WHERE id = ?
	`, run.CompletedAt, run.Status, run.SessionsDone, run.SessionsFail,
		run.AvgDurationMs, run.MinDurationMs, run.MaxDurationMs,
		run.P50DurationMs, run.P95DurationMs, run.P99DurationMs, run.ID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return nil
}

// RecordSession appends one session outcome.
func (s *Store) RecordSession(rec *SessionRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO load_test_sessions (run_id, session_id, worker_id, iteration, outcome, duration_ms, failure, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.RunID, rec.SessionID, rec.WorkerID, rec.Iteration, rec.Outcome, rec.DurationMs, rec.Failure, rec.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to record session: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(id int64) (*Run, error) {
	run := &Run{}
	var completedAt sql.NullTime
	var avg sql.NullFloat64
	var minMs, maxMs, p50, p95, p99 sql.NullInt64

	err := s.db.QueryRow(`
		SELECT id, argv, target_url, recording_path, workers, started_at, completed_at, status,
		       sessions_done, sessions_failed, avg_duration_ms, min_duration_ms, max_duration_ms,
		       p50_duration_ms, p95_duration_ms, p99_duration_ms
		FROM load_test_runs WHERE id = ?
	`, id).Scan(&run.ID, &run.Argv, &run.TargetURL, &run.RecordingPath, &run.Workers,
		&run.StartedAt, &completedAt, &run.Status, &run.SessionsDone, &run.SessionsFail,
		&avg, &minMs, &maxMs, &p50, &p95, &p99)
	if err != nil {
		return nil, err
	}

	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	run.AvgDurationMs = avg.Float64
	run.MinDurationMs = minMs.Int64
	run.MaxDurationMs = maxMs.Int64
	run.P50DurationMs = p50.Int64
	run.P95DurationMs = p95.Int64
	run.P99DurationMs = p99.Int64
	return run, nil
}

// ListSessions returns all session records of a run in insertion order.
func (s *Store) ListSessions(runID int64) ([]*SessionRecord, error) {
	rows, err := s.db.Query(`
		SELECT run_id, session_id, worker_id, iteration, outcome, duration_ms, COALESCE(failure, ''), started_at
		FROM load_test_sessions WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*SessionRecord
	for rows.Next() {
		rec := &SessionRecord{}
		if err := rows.Scan(&rec.RunID, &rec.SessionID, &rec.WorkerID, &rec.Iteration,
			&rec.Outcome, &rec.DurationMs, &rec.Failure, &rec.StartedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
