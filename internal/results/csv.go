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

// Package results persists sweep rows. The CSV sink is the primary,
// durably-flushed record; the SQLite store is an optional secondary index
// over past runs.
package results

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Columns is the ordered CSV schema, one row per grid cell.
var Columns = []string{"max_tokens", "concurrency", "throughput_tps", "total_tokens", "elapsed_s", "errors"}

// Row is one grid cell result as persisted.
type Row struct {
	MaxTokens      int
	Concurrency    int
	ThroughputTPS  float64
	TotalTokens    int
	ElapsedSeconds float64
	Errors         int
}

// Path builds the conventional results file path:
// {baseDir}/{subdir}/{prefix}_{timestamp}.csv.
func Path(baseDir, subdir, prefix string, now time.Time) string {
	name := fmt.Sprintf("%s_%s.csv", prefix, now.Format("20060102_150405"))
	return filepath.Join(baseDir, subdir, name)
}

// CSVSink is an append-only result log. Every row is flushed and synced to
// storage immediately, so a crash mid-sweep loses at most the in-flight row.
type CSVSink struct {
	path string
	file *os.File
	w    *csv.Writer
}

// NewCSVSink creates the file (and parent directories) and writes the
// header row.
func NewCSVSink(path string) (*CSVSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create results directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create results file: %w", err)
	}

	s := &CSVSink{path: path, file: f, w: csv.NewWriter(f)}
	if err := s.w.Write(Columns); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	if err := s.sync(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the file the sink writes to.
func (s *CSVSink) Path() string { return s.path }

// WriteRow appends one row and forces it to storage.
func (s *CSVSink) WriteRow(r Row) error {
	record := []string{
		strconv.Itoa(r.MaxTokens),
		strconv.Itoa(r.Concurrency),
		strconv.FormatFloat(r.ThroughputTPS, 'f', 1, 64),
		strconv.Itoa(r.TotalTokens),
		strconv.FormatFloat(r.ElapsedSeconds, 'f', 2, 64),
		strconv.Itoa(r.Errors),
	}
	if err := s.w.Write(record); err != nil {
		return fmt.Errorf("failed to write row: %w", err)
	}
	return s.sync()
}

func (s *CSVSink) sync() error {
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return fmt.Errorf("failed to flush results: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync results: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying file.
func (s *CSVSink) Close() error {
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		_ = s.file.Close()
		return err
	}
	return s.file.Close()
}
