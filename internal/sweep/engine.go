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

// Package sweep drives the load generator across a grid of
// (request-size, concurrency) configurations against supervised backends,
// recording every cell durably and tracking the best-throughput cell.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/camerony/mlx-throughput-lab/internal/loadgen"
	"github.com/camerony/mlx-throughput-lab/internal/metrics"
	"github.com/camerony/mlx-throughput-lab/internal/results"
)

// Point is one grid cell descriptor, immutable once computed.
type Point struct {
	MaxTokens     int
	Concurrency   int
	TotalRequests int
}

// Grid enumerates the sweep configurations. The outer loop is over
// MaxTokensList, the inner over ConcurrencyList; that nesting order is
// preserved in results and progress output.
type Grid struct {
	MaxTokensList   []int
	ConcurrencyList []int

	// FixedRequests, when > 0, is the request count for every cell.
	// Otherwise each cell runs max(1, concurrency*RequestsMultiplier).
	FixedRequests      int
	RequestsMultiplier int
}

// Validate checks the grid dimensions.
func (g Grid) Validate() error {
	if len(g.MaxTokensList) == 0 {
		return fmt.Errorf("max tokens list is empty")
	}
	if len(g.ConcurrencyList) == 0 {
		return fmt.Errorf("concurrency list is empty")
	}
	for _, v := range g.MaxTokensList {
		if v < 1 {
			return fmt.Errorf("max tokens must be >= 1, got %d", v)
		}
	}
	for _, c := range g.ConcurrencyList {
		if c < 1 {
			return fmt.Errorf("concurrency must be >= 1, got %d", c)
		}
	}
	return nil
}

// Size is the number of grid cells.
func (g Grid) Size() int {
	return len(g.MaxTokensList) * len(g.ConcurrencyList)
}

func (g Grid) requestsFor(concurrency int) int {
	if g.FixedRequests > 0 {
		return g.FixedRequests
	}
	multiplier := g.RequestsMultiplier
	if multiplier < 1 {
		multiplier = 1
	}
	n := concurrency * multiplier
	if n < 1 {
		n = 1
	}
	return n
}

// Points materializes the grid in execution order.
func (g Grid) Points() []Point {
	points := make([]Point, 0, g.Size())
	for _, maxTokens := range g.MaxTokensList {
		for _, concurrency := range g.ConcurrencyList {
			points = append(points, Point{
				MaxTokens:     maxTokens,
				Concurrency:   concurrency,
				TotalRequests: g.requestsFor(concurrency),
			})
		}
	}
	return points
}

// Target is an acquired backend (or proxy over several backends) the sweep
// sends load to. Release must be safe to call exactly once per acquisition
// and runs on every exit path of the sweep.
type Target interface {
	BaseURL() string
	Release() error
}

// AcquireFunc provisions the sweep target. It is called once per sweep.
type AcquireFunc func(ctx context.Context) (Target, error)

// BatchRunner executes one batch; *loadgen.Generator is the production
// implementation.
type BatchRunner interface {
	RunBatch(ctx context.Context, spec loadgen.BatchSpec) (loadgen.BatchResult, error)
}

// Sink receives every cell row as it completes.
type Sink interface {
	WriteRow(r results.Row) error
}

// Best is the best-throughput cell seen so far. Ties keep the first cell
// encountered.
type Best struct {
	MaxTokens     int
	Concurrency   int
	ThroughputTPS float64
	Found         bool
}

// Summary is the outcome of one sweep run.
type Summary struct {
	Completed int
	Total     int
	Best      Best
	Elapsed   time.Duration
}

// Config configures one sweep run.
type Config struct {
	Grid        Grid
	Prompt      string
	Temperature float64

	// WarmupRequests are issued (and discarded) before the first cell to
	// avoid measuring cold-start latency.
	WarmupRequests int

	// CellPause is an optional settle delay between grid cells.
	CellPause time.Duration

	// ContinueOnError controls whether an acquisition or cell failure
	// aborts the sweep or degrades to zero-valued rows.
	ContinueOnError bool

	Acquire AcquireFunc
	Sinks   []Sink

	// OnCell observes each recorded cell; the CLI uses it to render the
	// console throughput matrix.
	OnCell func(p Point, r loadgen.BatchResult)

	Logger  *zap.SugaredLogger
	Metrics *metrics.Metrics
}

// Engine runs sweeps. It is single-threaded across grid cells so cells
// never share backend capacity.
type Engine struct {
	cfg    Config
	runner BatchRunner
}

// NewEngine validates the config and creates an engine.
func NewEngine(runner BatchRunner, cfg Config) (*Engine, error) {
	if runner == nil {
		return nil, fmt.Errorf("batch runner is required")
	}
	if cfg.Acquire == nil {
		return nil, fmt.Errorf("acquire function is required")
	}
	if err := cfg.Grid.Validate(); err != nil {
		return nil, fmt.Errorf("invalid grid: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	return &Engine{cfg: cfg, runner: runner}, nil
}

// Run acquires the target, executes every grid cell in order and releases
// the target on every exit path. The result file always holds exactly
// Grid.Size() rows: when acquisition fails under ContinueOnError the full
// grid is written as zero-valued rows.
func (e *Engine) Run(ctx context.Context) (Summary, error) {
	cfg := e.cfg
	points := cfg.Grid.Points()
	summary := Summary{Total: len(points)}
	start := time.Now()

	if cfg.Metrics != nil {
		cfg.Metrics.CellsTotal.Set(float64(len(points)))
	}

	target, err := cfg.Acquire(ctx)
	if err != nil {
		cfg.Logger.Errorw("target acquisition failed", "error", err)
		if !cfg.ContinueOnError || cancelled(err) {
			summary.Elapsed = time.Since(start)
			return summary, err
		}
		if zerr := e.recordZeroRows(points, &summary, start); zerr != nil {
			summary.Elapsed = time.Since(start)
			return summary, errors.Join(err, zerr)
		}
		summary.Elapsed = time.Since(start)
		return summary, nil
	}

	released := false
	release := func() {
		if released {
			return
		}
		released = true
		if rerr := target.Release(); rerr != nil {
			cfg.Logger.Errorw("target release failed", "error", rerr)
		}
	}
	defer release()

	if cfg.WarmupRequests > 0 {
		if err := e.warmup(ctx, target.BaseURL()); err != nil {
			cfg.Logger.Errorw("warmup failed", "error", err)
			release()
			if !cfg.ContinueOnError || cancelled(err) {
				summary.Elapsed = time.Since(start)
				return summary, err
			}
			if zerr := e.recordZeroRows(points, &summary, start); zerr != nil {
				summary.Elapsed = time.Since(start)
				return summary, errors.Join(err, zerr)
			}
			summary.Elapsed = time.Since(start)
			return summary, nil
		}
	}

	for i, point := range points {
		result, err := e.runner.RunBatch(ctx, loadgen.BatchSpec{
			BaseURL:       target.BaseURL(),
			Prompt:        cfg.Prompt,
			MaxTokens:     point.MaxTokens,
			Concurrency:   point.Concurrency,
			TotalRequests: point.TotalRequests,
			Temperature:   cfg.Temperature,
		})
		if err != nil {
			cfg.Logger.Errorw("cell failed",
				"maxTokens", point.MaxTokens, "concurrency", point.Concurrency, "error", err)
			// Cancellation is never degraded to zero rows: an interrupt
			// must stop the sweep regardless of the error policy.
			if !cfg.ContinueOnError || cancelled(err) {
				summary.Elapsed = time.Since(start)
				return summary, err
			}
			result = zeroResult(point)
		}
		if result.Errors > 0 && result.LastErr != nil {
			cfg.Logger.Warnw("cell completed with request errors",
				"maxTokens", point.MaxTokens, "concurrency", point.Concurrency,
				"errors", result.Errors, "lastError", result.LastErr)
		}

		if err := e.recordCell(point, result, &summary, start); err != nil {
			summary.Elapsed = time.Since(start)
			return summary, err
		}

		if cfg.CellPause > 0 && i < len(points)-1 {
			t := time.NewTimer(cfg.CellPause)
			select {
			case <-ctx.Done():
				t.Stop()
				summary.Elapsed = time.Since(start)
				return summary, ctx.Err()
			case <-t.C:
			}
		}
	}

	summary.Elapsed = time.Since(start)
	return summary, nil
}

// warmup issues discarded requests through the batch runner. A warmup where
// every request fails means the target never actually served traffic and is
// treated like an acquisition failure.
func (e *Engine) warmup(ctx context.Context, baseURL string) error {
	result, err := e.runner.RunBatch(ctx, loadgen.BatchSpec{
		BaseURL:       baseURL,
		Prompt:        "warmup",
		MaxTokens:     8,
		Concurrency:   1,
		TotalRequests: e.cfg.WarmupRequests,
		Temperature:   0.0,
	})
	if err != nil {
		return err
	}
	if result.Errors >= e.cfg.WarmupRequests {
		return fmt.Errorf("all %d warmup requests failed: %w", e.cfg.WarmupRequests, result.LastErr)
	}
	return nil
}

func (e *Engine) recordCell(point Point, result loadgen.BatchResult, summary *Summary, start time.Time) error {
	row := results.Row{
		MaxTokens:      point.MaxTokens,
		Concurrency:    point.Concurrency,
		ThroughputTPS:  result.ThroughputTPS,
		TotalTokens:    result.TotalTokens,
		ElapsedSeconds: result.ElapsedSeconds,
		Errors:         result.Errors,
	}
	for _, sink := range e.cfg.Sinks {
		if err := sink.WriteRow(row); err != nil {
			return fmt.Errorf("failed to record cell: %w", err)
		}
	}

	summary.Completed++
	// Strictly greater keeps the first cell on ties.
	if result.ThroughputTPS > summary.Best.ThroughputTPS {
		summary.Best = Best{
			MaxTokens:     point.MaxTokens,
			Concurrency:   point.Concurrency,
			ThroughputTPS: result.ThroughputTPS,
			Found:         true,
		}
	}

	if e.cfg.Metrics != nil {
		e.cfg.Metrics.CellsCompleted.Inc()
		e.cfg.Metrics.BestThroughput.Set(summary.Best.ThroughputTPS)
	}
	if e.cfg.OnCell != nil {
		e.cfg.OnCell(point, result)
	}

	e.cfg.Logger.Infof("progress %d/%d (%.1f%%) elapsed=%.1fs last=max_tokens=%d concurrency=%d",
		summary.Completed, summary.Total,
		float64(summary.Completed)/float64(summary.Total)*100,
		time.Since(start).Seconds(),
		point.MaxTokens, point.Concurrency)
	return nil
}

// cancelled reports whether err stems from context cancellation or an
// expired deadline.
func cancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// recordZeroRows writes a zero-valued row for every grid cell so the result
// file keeps full grid coverage when startup fails.
func (e *Engine) recordZeroRows(points []Point, summary *Summary, start time.Time) error {
	for _, point := range points {
		if err := e.recordCell(point, zeroResult(point), summary, start); err != nil {
			return err
		}
	}
	return nil
}

func zeroResult(point Point) loadgen.BatchResult {
	return loadgen.BatchResult{Errors: point.TotalRequests}
}
