// Package store persists runs and metrics in SQLite.
//
// SQLite manages its own locking for concurrent access: readers run in
// parallel, writers are serialized, and WAL mode keeps readers from
// blocking the writer. No application-level locks are needed on top.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nv259/tensor2struct/api"
	"github.com/nv259/tensor2struct/sysinfo"
)

// ErrNotFound is returned when a run ID does not exist.
var ErrNotFound = errors.New("run not found")

// Store wraps the SQLite connection.
type Store struct {
	conn *sql.DB
}

// Open opens (creating if needed) the tracker database at path.
func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{conn: conn}
	if err := s.init(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	return s, nil
}

// Close checkpoints the WAL and closes the connection.
func (s *Store) Close() error {
	_, _ = s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE);")
	return s.conn.Close()
}

func (s *Store) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		config TEXT NOT NULL DEFAULT '',
		host TEXT NOT NULL DEFAULT '',
		step INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS metrics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		step INTEGER NOT NULL,
		name TEXT NOT NULL,
		value REAL NOT NULL,
		logged_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_metrics_run_name_step ON metrics(run_id, name, step);
	`

	if _, err := s.conn.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// CreateRun inserts a new run. The ID must be unique.
func (s *Store) CreateRun(run api.Run) error {
	config := ""
	if len(run.Config) > 0 {
		config = string(run.Config)
	}

	host := ""
	if run.Host != nil {
		bts, err := json.Marshal(run.Host)
		if err != nil {
			return fmt.Errorf("marshal host: %w", err)
		}
		host = string(bts)
	}

	_, err := s.conn.Exec(`
		INSERT INTO runs (id, name, kind, config, host, step, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Name, run.Kind, config, host, run.Step, run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func scanRun(row interface{ Scan(...any) error }) (api.Run, error) {
	var run api.Run
	var config, host string

	err := row.Scan(&run.ID, &run.Name, &run.Kind, &config, &host, &run.Step, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return api.Run{}, err
	}

	if config != "" {
		run.Config = json.RawMessage(config)
	}
	if host != "" {
		var h sysinfo.Host
		if err := json.Unmarshal([]byte(host), &h); err == nil {
			run.Host = &h
		}
	}
	return run, nil
}

const runColumns = "id, name, kind, config, host, step, created_at, updated_at"

// GetRun returns a run by ID, or [ErrNotFound].
func (s *Store) GetRun(id string) (api.Run, error) {
	row := s.conn.QueryRow("SELECT "+runColumns+" FROM runs WHERE id = ?", id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return api.Run{}, ErrNotFound
	}
	if err != nil {
		return api.Run{}, fmt.Errorf("query run: %w", err)
	}
	return run, nil
}

// ListRuns returns all runs, most recently created first.
func (s *Store) ListRuns() ([]api.Run, error) {
	rows, err := s.conn.Query("SELECT " + runColumns + " FROM runs ORDER BY created_at DESC, id")
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []api.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// AddMetrics appends a batch of metrics to a run in one transaction and
// advances the run's latest step.
func (s *Store) AddMetrics(runID string, metrics []api.Metric) error {
	if _, err := s.GetRun(runID); err != nil {
		return err
	}
	if len(metrics) == 0 {
		return nil
	}

	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare("INSERT INTO metrics (run_id, step, name, value, logged_at) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	maxStep := 0
	for _, m := range metrics {
		if _, err := stmt.Exec(runID, m.Step, m.Name, m.Value, now); err != nil {
			return fmt.Errorf("insert metric: %w", err)
		}
		if m.Step > maxStep {
			maxStep = m.Step
		}
	}

	_, err = tx.Exec("UPDATE runs SET step = MAX(step, ?), updated_at = ? WHERE id = ?", maxStep, now, runID)
	if err != nil {
		return fmt.Errorf("update run step: %w", err)
	}

	return tx.Commit()
}

// Metrics returns a run's metric history ordered by step. A non-empty name
// restricts the result to that metric.
func (s *Store) Metrics(runID, name string) ([]api.Metric, error) {
	if _, err := s.GetRun(runID); err != nil {
		return nil, err
	}

	query := "SELECT run_id, step, name, value FROM metrics WHERE run_id = ?"
	args := []any{runID}
	if name != "" {
		query += " AND name = ?"
		args = append(args, name)
	}
	query += " ORDER BY step, name, id"

	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var metrics []api.Metric
	for rows.Next() {
		var m api.Metric
		if err := rows.Scan(&m.RunID, &m.Step, &m.Name, &m.Value); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		metrics = append(metrics, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate metrics: %w", err)
	}
	return metrics, nil
}
