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

package loadgen

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/camerony/mlx-throughput-lab/internal/metrics"
)

// BatchSpec describes one fixed-size batch of completion requests.
type BatchSpec struct {
	BaseURL       string
	Prompt        string
	MaxTokens     int
	Concurrency   int
	TotalRequests int
	Temperature   float64
}

// BatchResult aggregates one batch. Individual request failures are counted,
// never raised, so a batch always produces a result.
type BatchResult struct {
	ThroughputTPS  float64
	TotalTokens    int
	ElapsedSeconds float64
	Errors         int
	LastErr        error
}

// Generator runs request batches through a completion client.
type Generator struct {
	client  *Client
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
}

// NewGenerator creates a Generator. Metrics may be nil.
func NewGenerator(client *Client, logger *zap.SugaredLogger, m *metrics.Metrics) *Generator {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Generator{client: client, logger: logger, metrics: m}
}

// RunBatch dispatches spec.TotalRequests identical completion requests onto
// a pool of spec.Concurrency workers (clamped down to the request count).
// All requests are submitted before any result is awaited; elapsed time
// spans from first dispatch to last completion. The returned error is
// non-nil only when the context was cancelled before the batch drained —
// per-request failures end up in BatchResult.Errors instead.
func (g *Generator) RunBatch(ctx context.Context, spec BatchSpec) (BatchResult, error) {
	concurrency := spec.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	if concurrency > spec.TotalRequests {
		concurrency = spec.TotalRequests
	}

	reqBody := ChatRequest{
		Messages:    []ChatMessage{{Role: "user", Content: spec.Prompt}},
		MaxTokens:   spec.MaxTokens,
		Temperature: spec.Temperature,
		Stream:      false,
	}

	jobs := make(chan struct{}, spec.TotalRequests)
	for i := 0; i < spec.TotalRequests; i++ {
		jobs <- struct{}{}
	}
	close(jobs)

	var (
		mu          sync.Mutex
		totalTokens int
		errCount    int
		lastErr     error
		wg          sync.WaitGroup
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range jobs {
				resp, err := g.client.CompleteWithRetry(ctx, spec.BaseURL, reqBody)

				mu.Lock()
				if err != nil {
					errCount++
					lastErr = err
				} else {
					totalTokens += resp.CompletionTokenCount()
				}
				mu.Unlock()

				if g.metrics != nil {
					g.metrics.ObserveRequest(err == nil)
				}
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start).Seconds()

	result := BatchResult{
		TotalTokens:    totalTokens,
		ElapsedSeconds: elapsed,
		Errors:         errCount,
		LastErr:        lastErr,
	}
	if elapsed > 0 {
		result.ThroughputTPS = float64(totalTokens) / elapsed
	}

	if g.metrics != nil {
		g.metrics.ObserveBatch(result.ThroughputTPS, elapsed)
	}
	if lastErr != nil {
		g.logger.Warnw("batch finished with errors",
			"errors", errCount, "total", spec.TotalRequests, "lastError", lastErr)
	}

	if err := ctx.Err(); err != nil {
		return result, err
	}
	return result, nil
}
