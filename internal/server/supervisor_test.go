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
	"context"
	"errors"
	"net"
	"net/http"
	"reflect"
	"strconv"
	"sync/atomic"
	"testing"
	"time"
)

func TestFilterExtraArgs(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want []string
	}{
		{
			name: "no retired flags",
			args: []string{"--trust-remote-code", "--max-kv-size", "4096"},
			want: []string{"--trust-remote-code", "--max-kv-size", "4096"},
		},
		{
			name: "flag with separate value",
			args: []string{"--decode-concurrency", "8", "--trust-remote-code"},
			want: []string{"--trust-remote-code"},
		},
		{
			name: "flag with equals value",
			args: []string{"--prompt-concurrency=4", "--max-kv-size", "4096"},
			want: []string{"--max-kv-size", "4096"},
		},
		{
			name: "both retired flags",
			args: []string{"--decode-concurrency", "8", "--prompt-concurrency=4"},
			want: []string{},
		},
		{
			name: "empty",
			args: nil,
			want: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FilterExtraArgs(tt.args)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("FilterExtraArgs(%v) = %v, want %v", tt.args, got, tt.want)
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	if err := (Config{ModelPath: "/models/test"}).Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
	if err := (Config{}).Validate(); err == nil {
		t.Error("missing model path accepted")
	}
	if err := (Config{ModelPath: "/models/test", Port: 70000}).Validate(); err == nil {
		t.Error("out-of-range port accepted")
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{ModelPath: "/models/test"}.withDefaults()
	if cfg.Command != "python3" {
		t.Errorf("default command = %q", cfg.Command)
	}
	if !reflect.DeepEqual(cfg.Args, []string{"-m", "mlx_lm", "server"}) {
		t.Errorf("default args = %v", cfg.Args)
	}
	if cfg.BindTimeout != DefaultBindTimeout {
		t.Errorf("bind timeout = %v", cfg.BindTimeout)
	}

	// A custom command must not inherit the default module args.
	custom := Config{ModelPath: "/models/test", Command: "llama-server"}.withDefaults()
	if len(custom.Args) != 0 {
		t.Errorf("custom command inherited args %v", custom.Args)
	}
}

func TestPickPort(t *testing.T) {
	port, err := pickPort("127.0.0.1")
	if err != nil {
		t.Fatalf("pickPort: %v", err)
	}
	if port <= 0 || port > 65535 {
		t.Fatalf("pickPort returned %d", port)
	}

	// The port must be immediately bindable.
	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatalf("picked port %d not bindable: %v", port, err)
	}
	_ = l.Close()
}

// fakeBackend serves the readiness endpoints on a fixed port so a dummy
// process can stand in for a real model server.
type fakeBackend struct {
	listener net.Listener
	port     int

	healthStatus atomic.Int32
	readyStatus  atomic.Int32
	readyProbes  atomic.Int32
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	b := &fakeBackend{listener: l, port: l.Addr().(*net.TCPAddr).Port}
	b.healthStatus.Store(http.StatusOK)
	b.readyStatus.Store(http.StatusOK)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(b.healthStatus.Load()))
	})
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		b.readyProbes.Add(1)
		status := int(b.readyStatus.Load())
		w.WriteHeader(status)
		if status == http.StatusOK {
			_, _ = w.Write([]byte(`{"usage":{"completion_tokens":1,"total_tokens":2}}`))
		}
	})

	srv := &http.Server{Handler: mux}
	go func() { _ = srv.Serve(l) }()
	t.Cleanup(func() { _ = srv.Close() })
	return b
}

func testSupervisor(t *testing.T, b *fakeBackend) *Supervisor {
	t.Helper()
	s, err := New(Config{
		Command:      "sh",
		// Extra supervisor args land in the script's positional params.
		Args:         []string{"-c", "sleep 60", "backend"},
		ModelPath:    "/models/test",
		Port:         b.port,
		BindTimeout:  5 * time.Second,
		ReadyTimeout: 5 * time.Second,
		PollInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestAcquireReachesRunning(t *testing.T) {
	b := newFakeBackend(t)
	s := testSupervisor(t, b)

	inst, err := s.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer func() { _ = inst.Release() }()

	if got := inst.State(); got != StateRunning {
		t.Errorf("state = %v, want %v", got, StateRunning)
	}
	if inst.BaseURL() != "http://127.0.0.1:"+strconv.Itoa(b.port) {
		t.Errorf("base url = %q", inst.BaseURL())
	}
}

func TestAcquireRetries503UntilReady(t *testing.T) {
	b := newFakeBackend(t)
	b.readyStatus.Store(http.StatusServiceUnavailable)
	s := testSupervisor(t, b)

	go func() {
		time.Sleep(150 * time.Millisecond)
		b.readyStatus.Store(http.StatusOK)
	}()

	inst, err := s.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer func() { _ = inst.Release() }()

	if probes := b.readyProbes.Load(); probes < 2 {
		t.Errorf("expected repeated readiness probes, got %d", probes)
	}
}

func TestAcquireFatalReadinessStatus(t *testing.T) {
	b := newFakeBackend(t)
	b.readyStatus.Store(http.StatusBadRequest)
	s := testSupervisor(t, b)

	_, err := s.Acquire(context.Background())
	if err == nil {
		t.Fatal("expected error for fatal readiness status")
	}
	var readyErr *ReadinessTimeoutError
	if !errors.As(err, &readyErr) {
		t.Fatalf("error type = %T, want *ReadinessTimeoutError", err)
	}
	// A non-503 failure is reported immediately, not retried to the deadline.
	if probes := b.readyProbes.Load(); probes != 1 {
		t.Errorf("readiness probes = %d, want 1", probes)
	}
}

func TestAcquireBindTimeout(t *testing.T) {
	// Nothing listens on the picked port.
	port, err := pickPort("127.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	s, err := New(Config{
		Command:      "sh",
		Args:         []string{"-c", "sleep 60", "backend"},
		ModelPath:    "/models/test",
		Port:         port,
		BindTimeout:  200 * time.Millisecond,
		PollInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = s.Acquire(context.Background())
	var timeoutErr *StartupTimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("error = %v, want *StartupTimeoutError", err)
	}
}

func TestAcquireDetectsEarlyExit(t *testing.T) {
	port, err := pickPort("127.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	s, err := New(Config{
		Command:      "true",
		ModelPath:    "/models/test",
		Port:         port,
		BindTimeout:  5 * time.Second,
		PollInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = s.Acquire(context.Background())
	var exitErr *ProcessExitedError
	if !errors.As(err, &exitErr) {
		t.Fatalf("error = %v, want *ProcessExitedError", err)
	}
}

func TestAcquireCancelled(t *testing.T) {
	port, err := pickPort("127.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	s, err := New(Config{
		Command:      "sh",
		Args:         []string{"-c", "sleep 60", "backend"},
		ModelPath:    "/models/test",
		Port:         port,
		BindTimeout:  30 * time.Second,
		PollInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	if _, err := s.Acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}

func TestReleaseTerminatesProcess(t *testing.T) {
	b := newFakeBackend(t)
	s := testSupervisor(t, b)

	inst, err := s.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if err := inst.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if got := inst.State(); got != StateStopped {
		t.Errorf("state = %v, want %v", got, StateStopped)
	}
	if !inst.exited() {
		t.Error("process still running after release")
	}

	// Second release is a no-op.
	if err := inst.Release(); err != nil {
		t.Errorf("repeated Release: %v", err)
	}
}

func TestAcquireMany(t *testing.T) {
	b1 := newFakeBackend(t)
	b2 := newFakeBackend(t)
	if b2.port != b1.port+1 {
		t.Skipf("listeners not contiguous (%d, %d)", b1.port, b2.port)
	}
	s := testSupervisor(t, b1)

	pool, err := s.AcquireMany(context.Background(), 2, b1.port, 0)
	if err != nil {
		t.Fatalf("AcquireMany: %v", err)
	}
	defer func() { _ = pool.Release() }()

	if len(pool.Instances) != 2 {
		t.Fatalf("pool size = %d, want 2", len(pool.Instances))
	}
	if pool.Instances[0].Port != b1.port || pool.Instances[1].Port != b1.port+1 {
		t.Errorf("ports = %d, %d", pool.Instances[0].Port, pool.Instances[1].Port)
	}
}

func TestAcquireManyPartialFailureReleasesAll(t *testing.T) {
	b := newFakeBackend(t)
	s, err := New(Config{
		Command:      "sh",
		Args:         []string{"-c", "sleep 60", "backend"},
		ModelPath:    "/models/test",
		BindTimeout:  300 * time.Millisecond,
		ReadyTimeout: 300 * time.Millisecond,
		PollInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}

	// First instance binds the fake backend's port; the second gets port+1
	// where nothing answers, so the whole acquisition must fail and the
	// first instance must be torn down.
	pool, err := s.AcquireMany(context.Background(), 2, b.port, 0)
	if err == nil {
		_ = pool.Release()
		t.Fatal("expected partial acquisition to fail")
	}
}

func TestAcquireManyRejectsZeroCount(t *testing.T) {
	b := newFakeBackend(t)
	s := testSupervisor(t, b)
	if _, err := s.AcquireMany(context.Background(), 0, 0, 0); err == nil {
		t.Fatal("expected error for count 0")
	}
}
