/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package results

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore records sweep runs and their rows in a local database so past
// runs can be queried without trawling CSV files.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_journal=WAL&_sync=NORMAL&_foreign_keys=ON", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sweep_runs (
		id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		model TEXT NOT NULL,
		instances INTEGER NOT NULL,
		results_path TEXT,
		best_max_tokens INTEGER,
		best_concurrency INTEGER,
		best_throughput_tps REAL,
		status TEXT DEFAULT 'running'
	);

	CREATE TABLE IF NOT EXISTS sweep_rows (
		run_id TEXT NOT NULL REFERENCES sweep_runs(id),
		max_tokens INTEGER NOT NULL,
		concurrency INTEGER NOT NULL,
		throughput_tps REAL NOT NULL,
		total_tokens INTEGER NOT NULL,
		elapsed_s REAL NOT NULL,
		errors INTEGER NOT NULL,
		recorded_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sweep_rows_run ON sweep_rows(run_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// BeginRun registers a new sweep run and returns its id.
func (s *SQLiteStore) BeginRun(model string, instances int, resultsPath string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.Exec(
		`INSERT INTO sweep_runs (id, started_at, model, instances, results_path) VALUES (?, ?, ?, ?, ?)`,
		id, time.Now().UTC(), model, instances, resultsPath,
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert run: %w", err)
	}
	return id, nil
}

// RecordRow appends one grid cell result to the run.
func (s *SQLiteStore) RecordRow(runID string, r Row) error {
	_, err := s.db.Exec(
		`INSERT INTO sweep_rows (run_id, max_tokens, concurrency, throughput_tps, total_tokens, elapsed_s, errors, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, r.MaxTokens, r.Concurrency, r.ThroughputTPS, r.TotalTokens, r.ElapsedSeconds, r.Errors, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert row: %w", err)
	}
	return nil
}

// FinishRun marks the run complete and stores the best cell, if any.
func (s *SQLiteStore) FinishRun(runID string, bestMaxTokens, bestConcurrency int, bestThroughput float64, status string) error {
	_, err := s.db.Exec(
		`UPDATE sweep_runs SET completed_at = ?, best_max_tokens = ?, best_concurrency = ?, best_throughput_tps = ?, status = ?
		 WHERE id = ?`,
		time.Now().UTC(), bestMaxTokens, bestConcurrency, bestThroughput, status, runID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return nil
}

// RowCount returns how many rows a run recorded.
func (s *SQLiteStore) RowCount(runID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM sweep_rows WHERE run_id = ?`, runID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count rows: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
