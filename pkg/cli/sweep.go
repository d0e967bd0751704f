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
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/camerony/mlx-throughput-lab/internal/config"
	"github.com/camerony/mlx-throughput-lab/internal/loadgen"
	"github.com/camerony/mlx-throughput-lab/internal/metrics"
	"github.com/camerony/mlx-throughput-lab/internal/platform"
	"github.com/camerony/mlx-throughput-lab/internal/proxy"
	"github.com/camerony/mlx-throughput-lab/internal/results"
	"github.com/camerony/mlx-throughput-lab/internal/server"
	"github.com/camerony/mlx-throughput-lab/internal/sweep"
)

type sweepOptions struct {
	configFile string
	verbose    bool

	model           string
	prompt          string
	temperature     float64
	maxTokensList   string
	concurrencyList string
	instances       int
	basePort        int
	host            string
	proxyPort       int
	nginxBin        string
	extraArgs       string
	requests        int
	multiplier      int
	warmup          int
	cellPause       time.Duration
	bindTimeout     time.Duration
	readyTimeout    time.Duration
	stagger         time.Duration
	continueOnError bool
	resultsDir      string
	dbPath          string
	metricsAddr     string
}

// NewSweepCommand creates the sweep command
func NewSweepCommand() *cobra.Command {
	cmd, _ := newSweepCommand()
	return cmd
}

func newSweepCommand() (*cobra.Command, *sweepOptions) {
	opts := &sweepOptions{}

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Sweep a request-size by concurrency grid and record throughput",
		Long: `Spawn backend instances behind a round-robin proxy, then run one
request batch per (max_tokens, concurrency) grid cell. Every cell is
appended to a CSV file as it completes; the best-throughput cell is
reported at the end.

Configuration is resolved in order: defaults, --config file, MLX_*
environment variables, then flags.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.configFile, "config", "f", "", "YAML config file")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")
	flags.StringVarP(&opts.model, "model", "m", "", "Model path or Hugging Face repo (required unless set via env/config)")
	flags.StringVarP(&opts.prompt, "prompt", "p", "", "Prompt sent in every request")
	flags.Float64Var(&opts.temperature, "temperature", config.DefaultTemperature, "Sampling temperature")
	flags.StringVar(&opts.maxTokensList, "max-tokens", "", "Comma-separated max_tokens values (default \""+config.DefaultMaxTokensList+"\")")
	flags.StringVar(&opts.concurrencyList, "concurrency", "", "Comma-separated concurrency levels (default \""+config.DefaultConcurrencyList+"\")")
	flags.IntVarP(&opts.instances, "instances", "n", config.DefaultInstances, "Backend instances to spawn")
	flags.IntVar(&opts.basePort, "base-port", config.DefaultBasePort, "First backend port (0 = OS assigned)")
	flags.StringVar(&opts.host, "host", config.DefaultHost, "Backend bind host")
	flags.IntVar(&opts.proxyPort, "proxy-port", config.DefaultProxyPort, "Proxy listen port")
	flags.StringVar(&opts.nginxBin, "nginx-bin", "", "nginx executable (default from NGINX_BIN or PATH)")
	flags.StringVar(&opts.extraArgs, "server-args", "", "Extra backend arguments, comma or space separated")
	flags.IntVar(&opts.requests, "requests", 0, "Fixed requests per cell (0 = concurrency * multiplier)")
	flags.IntVar(&opts.multiplier, "requests-multiplier", config.DefaultRequestsMultiplier, "Requests per concurrency slot")
	flags.IntVar(&opts.warmup, "warmup", config.DefaultWarmupRequests, "Warmup requests before the first cell")
	flags.DurationVar(&opts.cellPause, "cell-pause", 0, "Settle delay between grid cells")
	flags.DurationVar(&opts.bindTimeout, "bind-timeout", 0, "Backend port-bind timeout")
	flags.DurationVar(&opts.readyTimeout, "ready-timeout", 0, "Backend completion-readiness timeout")
	flags.DurationVar(&opts.stagger, "startup-stagger", 0, "Delay between backend spawns")
	flags.BoolVar(&opts.continueOnError, "continue-on-error", true, "Degrade failed cells to zero rows instead of aborting")
	flags.StringVarP(&opts.resultsDir, "results-dir", "o", config.DefaultResultsDir, "Directory for result files")
	flags.StringVar(&opts.dbPath, "db", "", "SQLite database to record runs in (optional)")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "Address to serve Prometheus metrics on (optional)")

	return cmd, opts
}

// resolveSweepConfig layers defaults, config file, environment and flags.
func resolveSweepConfig(cmd *cobra.Command, opts *sweepOptions) (config.Sweep, error) {
	cfg := config.DefaultSweep()
	if opts.configFile != "" {
		if err := cfg.LoadFile(opts.configFile); err != nil {
			return cfg, err
		}
	}
	cfg.ApplyEnv()

	flags := cmd.Flags()
	if flags.Changed("model") {
		cfg.Model = opts.model
	}
	if flags.Changed("prompt") {
		cfg.Prompt = opts.prompt
	}
	if flags.Changed("temperature") {
		cfg.Temperature = opts.temperature
	}
	if flags.Changed("max-tokens") {
		list, err := config.ParseIntList(opts.maxTokensList)
		if err != nil {
			return cfg, fmt.Errorf("invalid --max-tokens: %w", err)
		}
		cfg.MaxTokensList = list
	}
	if flags.Changed("concurrency") {
		list, err := config.ParseIntList(opts.concurrencyList)
		if err != nil {
			return cfg, fmt.Errorf("invalid --concurrency: %w", err)
		}
		cfg.ConcurrencyList = list
	}
	if flags.Changed("instances") {
		cfg.Instances = opts.instances
	}
	if flags.Changed("base-port") {
		cfg.BasePort = opts.basePort
	}
	if flags.Changed("host") {
		cfg.Host = opts.host
	}
	if flags.Changed("proxy-port") {
		cfg.ProxyPort = opts.proxyPort
	}
	if flags.Changed("nginx-bin") {
		cfg.NginxBin = opts.nginxBin
	}
	if flags.Changed("server-args") {
		cfg.ExtraArgs = config.ParseArgs(opts.extraArgs)
	}
	if flags.Changed("requests") {
		cfg.TotalRequests = opts.requests
	}
	if flags.Changed("requests-multiplier") {
		cfg.RequestsMultiplier = opts.multiplier
	}
	if flags.Changed("warmup") {
		cfg.WarmupRequests = opts.warmup
	}
	if flags.Changed("cell-pause") {
		cfg.CellPause = opts.cellPause
	}
	if flags.Changed("bind-timeout") {
		cfg.BindTimeout = opts.bindTimeout
	}
	if flags.Changed("ready-timeout") {
		cfg.ReadyTimeout = opts.readyTimeout
	}
	if flags.Changed("startup-stagger") {
		cfg.StartupStagger = opts.stagger
	}
	if flags.Changed("continue-on-error") {
		cfg.ContinueOnError = opts.continueOnError
	}
	if flags.Changed("results-dir") {
		cfg.ResultsDir = opts.resultsDir
	}
	if flags.Changed("db") {
		cfg.DBPath = opts.dbPath
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = opts.metricsAddr
	}

	return cfg, cfg.Validate()
}

// sqliteRowSink adapts the run-scoped SQLite store to the sweep sink.
type sqliteRowSink struct {
	store *results.SQLiteStore
	runID string
}

func (s *sqliteRowSink) WriteRow(r results.Row) error {
	return s.store.RecordRow(s.runID, r)
}

func runSweep(cmd *cobra.Command, opts *sweepOptions) error {
	cfg, err := resolveSweepConfig(cmd, opts)
	if err != nil {
		return err
	}

	logger, err := newLogger(opts.verbose)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		msrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := msrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Errorw("metrics server failed", "addr", cfg.MetricsAddr, "error", err)
			}
		}()
		defer func() { _ = msrv.Close() }()
		logger.Infow("serving metrics", "addr", cfg.MetricsAddr)
	}

	csvPath := results.Path(cfg.ResultsDir, "sweeps", "throughput", time.Now())
	csvSink, err := results.NewCSVSink(csvPath)
	if err != nil {
		return err
	}
	defer func() { _ = csvSink.Close() }()

	sinks := []sweep.Sink{csvSink}
	var store *results.SQLiteStore
	var runID string
	if cfg.DBPath != "" {
		store, err = results.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()
		runID, err = store.BeginRun(cfg.Model, cfg.Instances, csvPath)
		if err != nil {
			return err
		}
		sinks = append(sinks, &sqliteRowSink{store: store, runID: runID})
	}

	grid := sweep.Grid{
		MaxTokensList:      cfg.MaxTokensList,
		ConcurrencyList:    cfg.ConcurrencyList,
		FixedRequests:      cfg.TotalRequests,
		RequestsMultiplier: cfg.RequestsMultiplier,
	}

	host := platform.Detect()

	fmt.Printf("\n🧪 Throughput Sweep\n")
	fmt.Printf("═══════════════════════════════════════════════════════════════\n")
	fmt.Printf("Model:       %s\n", cfg.Model)
	fmt.Printf("Hardware:    %s\n", host.Summary())
	fmt.Printf("Instances:   %d\n", cfg.Instances)
	fmt.Printf("Max tokens:  %v\n", cfg.MaxTokensList)
	fmt.Printf("Concurrency: %v\n", cfg.ConcurrencyList)
	fmt.Printf("Grid cells:  %d\n", grid.Size())
	fmt.Printf("Results:     %s\n", csvPath)
	fmt.Printf("═══════════════════════════════════════════════════════════════\n\n")

	client := loadgen.NewClient(loadgen.ClientConfig{Logger: logger})
	generator := loadgen.NewGenerator(client, logger, m)
	matrix := newThroughputMatrix(cfg.MaxTokensList, cfg.ConcurrencyList)

	engine, err := sweep.NewEngine(generator, sweep.Config{
		Grid:            grid,
		Prompt:          cfg.Prompt,
		Temperature:     cfg.Temperature,
		WarmupRequests:  cfg.WarmupRequests,
		CellPause:       cfg.CellPause,
		ContinueOnError: cfg.ContinueOnError,
		Acquire: func(ctx context.Context) (sweep.Target, error) {
			return sweep.AcquireCluster(ctx, sweep.ClusterConfig{
				Server: server.Config{
					ModelPath:    cfg.Model,
					Host:         cfg.Host,
					ExtraArgs:    cfg.ExtraArgs,
					BindTimeout:  cfg.BindTimeout,
					ReadyTimeout: cfg.ReadyTimeout,
					Logger:       logger,
				},
				Instances:      cfg.Instances,
				BasePort:       cfg.BasePort,
				StartupStagger: cfg.StartupStagger,
				Proxy: proxy.Config{
					NginxBin:   cfg.NginxBin,
					ListenHost: cfg.Host,
					ListenPort: cfg.ProxyPort,
					Logger:     logger,
				},
				Logger: logger,
			})
		},
		Sinks: sinks,
		OnCell: func(p sweep.Point, r loadgen.BatchResult) {
			matrix.record(p, r)
			fmt.Printf("  max_tokens=%-5d concurrency=%-5d %8.1f tok/s  (%d tokens in %.2fs, %d errors)\n",
				p.MaxTokens, p.Concurrency, r.ThroughputTPS, r.TotalTokens, r.ElapsedSeconds, r.Errors)
		},
		Logger:  logger,
		Metrics: m,
	})
	if err != nil {
		return err
	}

	summary, runErr := engine.Run(ctx)

	matrix.print(os.Stdout)
	fmt.Printf("\nCompleted %d/%d cells in %.1fs\n", summary.Completed, summary.Total, summary.Elapsed.Seconds())
	if summary.Best.Found {
		fmt.Printf("🏆 Best: %.1f tok/s at max_tokens=%d concurrency=%d\n",
			summary.Best.ThroughputTPS, summary.Best.MaxTokens, summary.Best.Concurrency)
	} else {
		fmt.Printf("⚠️  No cell produced tokens\n")
	}
	fmt.Printf("Results written to %s\n", csvPath)

	if store != nil {
		status := "completed"
		if runErr != nil {
			status = "failed"
		}
		if err := store.FinishRun(runID, summary.Best.MaxTokens, summary.Best.Concurrency, summary.Best.ThroughputTPS, status); err != nil {
			logger.Errorw("failed to finalize run record", "error", err)
		}
	}

	return runErr
}
