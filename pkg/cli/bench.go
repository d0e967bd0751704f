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

package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/camerony/mlx-throughput-lab/internal/config"
	"github.com/camerony/mlx-throughput-lab/internal/loadgen"
	"github.com/camerony/mlx-throughput-lab/internal/server"
)

type benchOptions struct {
	url         string
	model       string
	prompt      string
	temperature float64
	maxTokens   int
	concurrency int
	requests    int
	serverArgs  string
	verbose     bool
}

// NewBenchCommand creates the bench command
func NewBenchCommand() *cobra.Command {
	opts := &benchOptions{}

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run a single request batch and report throughput",
		Long: `Run one batch of identical chat-completion requests at a fixed
concurrency level. Either point it at a running server with --url or
give it a model with --model and it will spawn one backend for the
duration of the batch.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.url, "url", "u", "", "Base URL of a running server (e.g. http://127.0.0.1:8080)")
	flags.StringVarP(&opts.model, "model", "m", "", "Model to spawn a backend for (ignored with --url)")
	flags.StringVarP(&opts.prompt, "prompt", "p", config.DefaultPrompt, "Prompt sent in every request")
	flags.Float64Var(&opts.temperature, "temperature", config.DefaultTemperature, "Sampling temperature")
	flags.IntVar(&opts.maxTokens, "max-tokens", 256, "max_tokens per request")
	flags.IntVarP(&opts.concurrency, "concurrency", "c", 1, "Concurrent requests")
	flags.IntVarP(&opts.requests, "requests", "r", 0, "Total requests (default = concurrency)")
	flags.StringVar(&opts.serverArgs, "server-args", "", "Extra backend arguments when spawning")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")

	return cmd
}

func runBench(opts *benchOptions) error {
	if opts.url == "" && opts.model == "" {
		return fmt.Errorf("either --url or --model is required")
	}
	if opts.concurrency < 1 {
		return fmt.Errorf("concurrency must be >= 1")
	}
	if opts.requests <= 0 {
		opts.requests = opts.concurrency
	}

	logger, err := newLogger(opts.verbose)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	baseURL := opts.url
	if baseURL == "" {
		sup, err := server.New(server.Config{
			ModelPath: opts.model,
			ExtraArgs: config.ParseArgs(opts.serverArgs),
			Logger:    logger,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Starting backend for %s...\n", opts.model)
		inst, err := sup.Acquire(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = inst.Release() }()
		baseURL = inst.BaseURL()
	}

	fmt.Printf("\n⚡ Benchmark\n")
	fmt.Printf("═══════════════════════════════════════════════════════════════\n")
	fmt.Printf("Endpoint:    %s\n", baseURL)
	fmt.Printf("Requests:    %d at concurrency %d\n", opts.requests, opts.concurrency)
	fmt.Printf("Max tokens:  %d\n", opts.maxTokens)
	fmt.Printf("═══════════════════════════════════════════════════════════════\n\n")

	client := loadgen.NewClient(loadgen.ClientConfig{Logger: logger})
	generator := loadgen.NewGenerator(client, logger, nil)

	start := time.Now()
	result, err := generator.RunBatch(ctx, loadgen.BatchSpec{
		BaseURL:       baseURL,
		Prompt:        opts.prompt,
		MaxTokens:     opts.maxTokens,
		Concurrency:   opts.concurrency,
		TotalRequests: opts.requests,
		Temperature:   opts.temperature,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Throughput:  %.1f tok/s\n", result.ThroughputTPS)
	fmt.Printf("Tokens:      %d\n", result.TotalTokens)
	fmt.Printf("Elapsed:     %.2fs (wall %.2fs)\n", result.ElapsedSeconds, time.Since(start).Seconds())
	if result.Errors > 0 {
		fmt.Printf("Errors:      %d/%d (last: %v)\n", result.Errors, opts.requests, result.LastErr)
	}
	return nil
}
