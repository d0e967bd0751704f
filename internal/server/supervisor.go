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

package server

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Defaults for supervising a backend process.
const (
	DefaultHost           = "127.0.0.1"
	DefaultCommand        = "python3"
	DefaultBindTimeout    = 180 * time.Second
	DefaultReadyTimeout   = 120 * time.Second
	DefaultPollInterval   = 500 * time.Millisecond
	DefaultTerminateGrace = 10 * time.Second
	DefaultKillWait       = 5 * time.Second
)

// Config describes how to spawn and probe one backend instance.
type Config struct {
	// Command is the executable to spawn. Args are prepended to the
	// host/port/model arguments; the default runs `python3 -m mlx_lm server`.
	Command string
	Args    []string

	// ModelPath is a local model directory or a Hugging Face repo name.
	ModelPath string

	Host string
	// Port 0 asks the OS for an ephemeral port before spawning.
	Port int

	// ExtraArgs are appended to the backend command line. Retired
	// concurrency flags are filtered out (see FilterExtraArgs).
	ExtraArgs []string

	BindTimeout    time.Duration
	ReadyTimeout   time.Duration
	PollInterval   time.Duration
	TerminateGrace time.Duration
	KillWait       time.Duration

	HTTPClient *http.Client
	Logger     *zap.SugaredLogger
}

func (c Config) withDefaults() Config {
	if c.Command == "" {
		c.Command = DefaultCommand
	}
	if len(c.Args) == 0 && c.Command == DefaultCommand {
		c.Args = []string{"-m", "mlx_lm", "server"}
	}
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.BindTimeout <= 0 {
		c.BindTimeout = DefaultBindTimeout
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = DefaultReadyTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.TerminateGrace <= 0 {
		c.TerminateGrace = DefaultTerminateGrace
	}
	if c.KillWait <= 0 {
		c.KillWait = DefaultKillWait
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 5 * time.Second}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop().Sugar()
	}
	return c
}

// Validate checks the parts of the config the supervisor cannot default.
func (c Config) Validate() error {
	if c.ModelPath == "" {
		return fmt.Errorf("model path is required")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	return nil
}

// Supervisor spawns backend instances and drives them to readiness.
type Supervisor struct {
	cfg Config
}

// New creates a Supervisor. The config is validated and defaulted once here;
// every Acquire uses the same resolved config.
func New(cfg Config) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Supervisor{cfg: cfg.withDefaults()}, nil
}

// Acquire spawns one backend and returns it once it accepts completion
// requests. The caller owns the instance and must call Release on every
// exit path. On any startup failure the process is already terminated.
func (s *Supervisor) Acquire(ctx context.Context) (*Instance, error) {
	return s.acquireOn(ctx, s.cfg.Port)
}

func (s *Supervisor) acquireOn(ctx context.Context, port int) (*Instance, error) {
	cfg := s.cfg
	if port == 0 {
		p, err := pickPort(cfg.Host)
		if err != nil {
			return nil, fmt.Errorf("failed to pick port: %w", err)
		}
		port = p
	}

	args := append([]string{}, cfg.Args...)
	args = append(args,
		"--host", cfg.Host,
		"--port", strconv.Itoa(port),
		"--model", cfg.ModelPath,
	)
	args = append(args, FilterExtraArgs(cfg.ExtraArgs)...)

	cmd := exec.Command(cfg.Command, args...)
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start backend: %w", err)
	}

	inst := &Instance{
		Host:           cfg.Host,
		Port:           port,
		cmd:            cmd,
		terminateGrace: cfg.TerminateGrace,
		killWait:       cfg.KillWait,
		logger:         cfg.Logger,
		state:          StateStarting,
		waitDone:       make(chan struct{}),
	}
	go func() {
		inst.waitErr = cmd.Wait()
		close(inst.waitDone)
	}()

	cfg.Logger.Infow("backend starting", "host", cfg.Host, "port", port, "pid", cmd.Process.Pid)

	if err := s.waitForBind(ctx, inst); err != nil {
		inst.setState(StateFailed)
		_ = inst.Release()
		return nil, err
	}
	inst.setState(StatePortBound)

	if err := s.waitForCompletionReady(ctx, inst); err != nil {
		inst.setState(StateFailed)
		_ = inst.Release()
		return nil, err
	}
	inst.setState(StateRequestReady)

	cfg.Logger.Infow("backend ready", "host", cfg.Host, "port", port)
	inst.setState(StateRunning)
	return inst, nil
}

// waitForBind polls the status endpoint (with the models listing as a
// fallback) until the backend answers on its port. Any 2xx or 404 response
// counts as bound.
func (s *Supervisor) waitForBind(ctx context.Context, inst *Instance) error {
	deadline := time.Now().Add(s.cfg.BindTimeout)
	healthURL := inst.BaseURL() + "/health"
	modelsURL := inst.BaseURL() + "/v1/models"
	var lastErr error

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if inst.exited() {
			return &ProcessExitedError{Addr: inst.BaseURL(), Err: inst.waitErr}
		}

		for _, url := range []string{healthURL, modelsURL} {
			ok, err := s.probeBound(ctx, url)
			if ok {
				return nil
			}
			if err != nil {
				lastErr = err
			}
		}
		sleepCtx(ctx, s.cfg.PollInterval)
	}

	return &StartupTimeoutError{Addr: inst.BaseURL(), Timeout: s.cfg.BindTimeout, LastErr: lastErr}
}

func (s *Supervisor) probeBound(ctx context.Context, url string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return false, err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return true, nil
	}
	if resp.StatusCode == http.StatusNotFound {
		return true, nil
	}
	return false, fmt.Errorf("%s returned HTTP %d", url, resp.StatusCode)
}

// waitForCompletionReady issues minimal deterministic completion requests
// until one succeeds. A 503 means the model is still loading and is retried;
// any other non-2xx response is fatal.
func (s *Supervisor) waitForCompletionReady(ctx context.Context, inst *Instance) error {
	deadline := time.Now().Add(s.cfg.ReadyTimeout)
	url := inst.BaseURL() + "/v1/chat/completions"
	payload := []byte(`{"messages":[{"role":"user","content":"ping"}],"max_tokens":1,"temperature":0.0,"stream":false}`)
	var lastErr error

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if inst.exited() {
			return &ProcessExitedError{Addr: inst.BaseURL(), Err: inst.waitErr}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.cfg.HTTPClient.Do(req)
		if err != nil {
			lastErr = err
			sleepCtx(ctx, s.cfg.PollInterval)
			continue
		}
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode == http.StatusServiceUnavailable:
			lastErr = fmt.Errorf("HTTP 503: %s", strings.TrimSpace(string(body)))
			sleepCtx(ctx, s.cfg.PollInterval)
		default:
			return &ReadinessTimeoutError{
				Addr:    inst.BaseURL(),
				Timeout: s.cfg.ReadyTimeout,
				LastErr: fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
			}
		}
	}

	return &ReadinessTimeoutError{Addr: inst.BaseURL(), Timeout: s.cfg.ReadyTimeout, LastErr: lastErr}
}

// FilterExtraArgs drops the retired --decode-concurrency and
// --prompt-concurrency flags (and their values) from a backend argument
// list. Both `--flag value` and `--flag=value` forms are handled.
func FilterExtraArgs(args []string) []string {
	retired := map[string]bool{
		"--decode-concurrency": true,
		"--prompt-concurrency": true,
	}

	filtered := make([]string, 0, len(args))
	skipNext := false
	for _, arg := range args {
		if skipNext {
			skipNext = false
			continue
		}
		if retired[arg] {
			skipNext = true
			continue
		}
		if idx := strings.IndexByte(arg, '='); idx > 0 && retired[arg[:idx]] {
			continue
		}
		filtered = append(filtered, arg)
	}
	return filtered
}

// pickPort asks the OS for a free ephemeral port on host.
func pickPort(host string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer func() { _ = l.Close() }()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
