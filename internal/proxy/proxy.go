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

// Package proxy supervises an nginx load balancer in front of a set of
// backend instances. The nginx configuration is rendered into a private
// temporary directory and removed again on release.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Defaults for proxy supervision.
const (
	DefaultNginxBin       = "nginx"
	DefaultListenHost     = "127.0.0.1"
	DefaultBindTimeout    = 20 * time.Second
	DefaultPollInterval   = 200 * time.Millisecond
	DefaultTerminateGrace = 5 * time.Second
	DefaultKillWait       = 3 * time.Second
)

// BindTimeoutError is returned when nginx never opens its listening port.
type BindTimeoutError struct {
	Addr    string
	Timeout time.Duration
	LastErr error
}

func (e *BindTimeoutError) Error() string {
	return fmt.Sprintf("proxy port %s did not become ready within %s: %v", e.Addr, e.Timeout, e.LastErr)
}

func (e *BindTimeoutError) Unwrap() error { return e.LastErr }

// Endpoint is one upstream backend address.
type Endpoint struct {
	Host string
	Port int
}

// Config describes the proxy to start.
type Config struct {
	// NginxBin is the nginx executable; the NGINX_BIN environment variable
	// is the conventional override at the CLI layer.
	NginxBin string

	ListenHost string
	ListenPort int
	Backends   []Endpoint

	BindTimeout    time.Duration
	PollInterval   time.Duration
	TerminateGrace time.Duration
	KillWait       time.Duration

	Logger *zap.SugaredLogger
}

func (c Config) withDefaults() Config {
	if c.NginxBin == "" {
		c.NginxBin = DefaultNginxBin
	}
	if c.ListenHost == "" {
		c.ListenHost = DefaultListenHost
	}
	if c.BindTimeout <= 0 {
		c.BindTimeout = DefaultBindTimeout
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
	if c.Logger == nil {
		c.Logger = zap.NewNop().Sugar()
	}
	return c
}

// Proxy is a running nginx process routing round-robin across its backends.
type Proxy struct {
	Host string
	Port int

	cmd            *exec.Cmd
	confDir        string
	terminateGrace time.Duration
	killWait       time.Duration
	logger         *zap.SugaredLogger
	waitDone       chan struct{}

	mu       sync.Mutex
	released bool
}

// Start renders the round-robin configuration, spawns nginx and waits for
// its listening socket to accept connections. On failure the process and
// the temporary configuration directory are already cleaned up.
func Start(ctx context.Context, cfg Config) (*Proxy, error) {
	cfg = cfg.withDefaults()
	if len(cfg.Backends) == 0 {
		return nil, fmt.Errorf("proxy needs at least one backend")
	}
	if cfg.ListenPort <= 0 || cfg.ListenPort > 65535 {
		return nil, fmt.Errorf("listen port %d out of range", cfg.ListenPort)
	}
	if _, err := exec.LookPath(cfg.NginxBin); err != nil {
		return nil, fmt.Errorf("nginx binary not found (%s): %w", cfg.NginxBin, err)
	}

	confDir, err := os.MkdirTemp("", "mlxlab-nginx-")
	if err != nil {
		return nil, fmt.Errorf("failed to create config dir: %w", err)
	}
	confPath := filepath.Join(confDir, "nginx.conf")
	conf := RenderConfig(cfg.Backends, cfg.ListenHost, cfg.ListenPort, confDir)
	if err := os.WriteFile(confPath, []byte(conf), 0o644); err != nil {
		_ = os.RemoveAll(confDir)
		return nil, fmt.Errorf("failed to write nginx config: %w", err)
	}

	cmd := exec.Command(cfg.NginxBin, "-c", confPath, "-p", confDir, "-g", "daemon off;")
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		_ = os.RemoveAll(confDir)
		return nil, fmt.Errorf("failed to start nginx: %w", err)
	}

	p := &Proxy{
		Host:           cfg.ListenHost,
		Port:           cfg.ListenPort,
		cmd:            cmd,
		confDir:        confDir,
		terminateGrace: cfg.TerminateGrace,
		killWait:       cfg.KillWait,
		logger:         cfg.Logger,
		waitDone:       make(chan struct{}),
	}
	go func() {
		_ = cmd.Wait()
		close(p.waitDone)
	}()

	if err := waitForPort(ctx, cfg.ListenHost, cfg.ListenPort, cfg.BindTimeout, cfg.PollInterval); err != nil {
		_ = p.Release()
		return nil, err
	}

	cfg.Logger.Infow("proxy ready", "host", cfg.ListenHost, "port", cfg.ListenPort, "backends", len(cfg.Backends))
	return p, nil
}

// BaseURL returns the HTTP base URL of the proxy listener.
func (p *Proxy) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", p.Host, p.Port)
}

// Release terminates nginx (SIGTERM, then SIGKILL after the grace period)
// and removes the temporary configuration directory.
func (p *Proxy) Release() error {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return nil
	}
	p.released = true
	p.mu.Unlock()

	var termErr error
	select {
	case <-p.waitDone:
	default:
		if err := p.cmd.Process.Signal(syscall.SIGTERM); err == nil {
			select {
			case <-p.waitDone:
			case <-time.After(p.terminateGrace):
				p.logger.Warnw("proxy did not exit gracefully, killing", "pid", p.cmd.Process.Pid)
				_ = p.cmd.Process.Kill()
				select {
				case <-p.waitDone:
				case <-time.After(p.killWait):
					termErr = fmt.Errorf("nginx pid %d did not exit after kill", p.cmd.Process.Pid)
				}
			}
		}
	}

	rmErr := os.RemoveAll(p.confDir)
	return errors.Join(termErr, rmErr)
}

// RenderConfig produces a minimal nginx configuration routing round-robin
// across the given backends. Logs and the pid file stay inside dir so the
// proxy leaves nothing behind.
func RenderConfig(backends []Endpoint, listenHost string, listenPort int, dir string) string {
	var upstreams strings.Builder
	for _, b := range backends {
		fmt.Fprintf(&upstreams, "        server %s;\n", net.JoinHostPort(b.Host, strconv.Itoa(b.Port)))
	}

	return fmt.Sprintf(`worker_processes 1;
pid %[1]s/nginx.pid;
error_log %[1]s/error.log;
events { worker_connections 1024; }
http {
    access_log %[1]s/access.log;
    upstream mlx_backend {
%[2]s    }
    server {
        listen %[3]s:%[4]d;
        location / {
            proxy_pass http://mlx_backend;
            proxy_http_version 1.1;
            proxy_set_header Connection "";
        }
    }
}
`, dir, upstreams.String(), listenHost, listenPort)
}

// waitForPort polls raw TCP connectivity until the port accepts or the
// timeout elapses.
func waitForPort(ctx context.Context, host string, port int, timeout, interval time.Duration) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	deadline := time.Now().Add(timeout)
	var lastErr error

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		lastErr = err

		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}

	return &BindTimeoutError{Addr: addr, Timeout: timeout, LastErr: lastErr}
}
