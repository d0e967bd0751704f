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

// Package config holds the sweep configuration consumed by the core
// components. The CLI fills it from flags, MLX_* environment variables and
// an optional YAML file; the core never reads the environment itself.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults mirroring the conventional environment surface.
const (
	DefaultPrompt             = "Share three optimization tips for model serving."
	DefaultTemperature        = 0.3
	DefaultInstances          = 2
	DefaultBasePort           = 9000
	DefaultProxyPort          = 8088
	DefaultHost               = "127.0.0.1"
	DefaultRequestsMultiplier = 1
	DefaultWarmupRequests     = 2
	DefaultResultsDir         = "results"
	DefaultMaxTokensList      = "128,256,512,1024"
	DefaultConcurrencyList    = "1,2,4,8,16,32,64,128,256,512,1024"
)

// Sweep is the full configuration for one sweep run.
type Sweep struct {
	Model       string  `yaml:"model"`
	Prompt      string  `yaml:"prompt"`
	Temperature float64 `yaml:"temperature"`

	MaxTokensList   []int `yaml:"max_tokens"`
	ConcurrencyList []int `yaml:"concurrency"`

	Instances int    `yaml:"instances"`
	BasePort  int    `yaml:"base_port"`
	Host      string `yaml:"host"`

	ProxyPort int    `yaml:"proxy_port"`
	NginxBin  string `yaml:"nginx_bin"`

	BindTimeout    time.Duration `yaml:"bind_timeout"`
	ReadyTimeout   time.Duration `yaml:"ready_timeout"`
	StartupStagger time.Duration `yaml:"startup_stagger"`
	CellPause      time.Duration `yaml:"cell_pause"`

	// TotalRequests fixes the per-cell request count; 0 means derive it
	// from concurrency and RequestsMultiplier.
	TotalRequests      int `yaml:"total_requests"`
	RequestsMultiplier int `yaml:"requests_multiplier"`

	WarmupRequests  int  `yaml:"warmup_requests"`
	ContinueOnError bool `yaml:"continue_on_error"`

	ExtraArgs []string `yaml:"extra_args"`

	ResultsDir  string `yaml:"results_dir"`
	DBPath      string `yaml:"db_path"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// DefaultSweep returns the configuration with all defaults applied.
func DefaultSweep() Sweep {
	return Sweep{
		Prompt:             DefaultPrompt,
		Temperature:        DefaultTemperature,
		MaxTokensList:      mustParseIntList(DefaultMaxTokensList),
		ConcurrencyList:    mustParseIntList(DefaultConcurrencyList),
		Instances:          DefaultInstances,
		BasePort:           DefaultBasePort,
		Host:               DefaultHost,
		ProxyPort:          DefaultProxyPort,
		RequestsMultiplier: DefaultRequestsMultiplier,
		WarmupRequests:     DefaultWarmupRequests,
		ContinueOnError:    true,
		ResultsDir:         DefaultResultsDir,
	}
}

// LoadFile overlays a YAML config file onto c.
func (c *Sweep) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays the conventional MLX_* environment variables onto c.
func (c *Sweep) ApplyEnv() {
	if v := os.Getenv("MLX_MODEL_PATH"); v != "" {
		c.Model = v
	}
	if v := os.Getenv("MLX_PROMPT"); v != "" {
		c.Prompt = v
	}
	if v := os.Getenv("MLX_TEMPERATURE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Temperature = f
		}
	}
	if v := os.Getenv("MLX_MAX_TOKENS_LIST"); v != "" {
		if list, err := ParseIntList(v); err == nil && len(list) > 0 {
			c.MaxTokensList = list
		}
	}
	if v := os.Getenv("MLX_CONCURRENCY_LIST"); v != "" {
		if list, err := ParseIntList(v); err == nil && len(list) > 0 {
			c.ConcurrencyList = list
		}
	}
	if v := os.Getenv("MLX_SERVER_INSTANCES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Instances = n
		}
	}
	if v := os.Getenv("MLX_SERVER_BASE_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.BasePort = n
		}
	}
	if v := os.Getenv("MLX_SERVER_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("MLX_NGINX_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.ProxyPort = n
		}
	}
	if v := os.Getenv("NGINX_BIN"); v != "" {
		c.NginxBin = v
	}
	if v := os.Getenv("MLX_SERVER_BIND_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.BindTimeout = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("MLX_READY_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.ReadyTimeout = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("MLX_STARTUP_DELAY_S"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			c.StartupStagger = time.Duration(f * float64(time.Second))
		}
	}
	if v := os.Getenv("MLX_CELL_PAUSE_S"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			c.CellPause = time.Duration(f * float64(time.Second))
		}
	}
	if v := os.Getenv("MLX_NUM_REQUESTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.TotalRequests = n
		}
	}
	if v := os.Getenv("MLX_REQUESTS_MULTIPLIER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.RequestsMultiplier = n
		}
	}
	if v := os.Getenv("MLX_WARMUP_REQUESTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.WarmupRequests = n
		}
	}
	if v := os.Getenv("MLX_CONTINUE_ON_ERROR"); v != "" {
		c.ContinueOnError = ParseBool(v)
	}
	if v := os.Getenv("MLX_SERVER_ARGS"); v != "" {
		c.ExtraArgs = ParseArgs(v)
	}
	if v := os.Getenv("MLX_RESULTS_DIR"); v != "" {
		c.ResultsDir = v
	}
}

// Validate checks the invariants the sweep engine depends on.
func (c *Sweep) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("model is required (set MLX_MODEL_PATH or --model)")
	}
	if len(c.MaxTokensList) == 0 {
		return fmt.Errorf("max tokens list is empty")
	}
	if len(c.ConcurrencyList) == 0 {
		return fmt.Errorf("concurrency list is empty")
	}
	if c.Instances < 1 {
		return fmt.Errorf("instances must be >= 1, got %d", c.Instances)
	}
	if c.Temperature < 0 {
		return fmt.Errorf("temperature cannot be negative")
	}
	if c.RequestsMultiplier < 1 {
		return fmt.Errorf("requests multiplier must be >= 1, got %d", c.RequestsMultiplier)
	}
	if c.Instances > 1 && (c.ProxyPort <= 0 || c.ProxyPort > 65535) {
		return fmt.Errorf("proxy port %d out of range", c.ProxyPort)
	}
	return nil
}

// ParseIntList parses a comma- or space-separated list of integers.
func ParseIntList(raw string) ([]int, error) {
	parts := strings.Fields(strings.ReplaceAll(raw, ",", " "))
	values := make([]int, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid value %q: %w", p, err)
		}
		values = append(values, v)
	}
	return values, nil
}

func mustParseIntList(raw string) []int {
	values, err := ParseIntList(raw)
	if err != nil {
		panic(err)
	}
	return values
}

// ParseArgs splits extra backend arguments. Comma-separated values are
// split on commas, anything else on whitespace.
func ParseArgs(raw string) []string {
	if raw == "" {
		return nil
	}
	if strings.Contains(raw, ",") {
		parts := strings.Split(raw, ",")
		args := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				args = append(args, p)
			}
		}
		return args
	}
	return strings.Fields(raw)
}

// ParseBool treats "0", "false" and "no" (any case) as false, everything
// else as true.
func ParseBool(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "0", "false", "no":
		return false
	}
	return true
}
