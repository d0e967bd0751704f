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

// Package server supervises model-serving backend processes. A Supervisor
// spawns one backend, drives it through a two-stage readiness probe and
// guarantees termination on release; a Pool does the same for several
// instances at once.
package server

import (
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// State is the lifecycle state of a backend instance.
type State string

const (
	StateStarting     State = "Starting"
	StatePortBound    State = "PortBound"
	StateRequestReady State = "RequestReady"
	StateRunning      State = "Running"
	StateTerminating  State = "Terminating"
	StateStopped      State = "Stopped"
	StateFailed       State = "Failed"
)

// Instance is one running backend process. It is owned by the Supervisor
// that created it; callers interact with it through BaseURL and Release.
type Instance struct {
	Host string
	Port int

	cmd            *exec.Cmd
	terminateGrace time.Duration
	killWait       time.Duration
	logger         *zap.SugaredLogger

	mu       sync.Mutex
	state    State
	waitErr  error
	waitDone chan struct{}
	released bool
}

// BaseURL returns the HTTP base URL of the instance.
func (i *Instance) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", i.Host, i.Port)
}

// State returns the current lifecycle state.
func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

func (i *Instance) setState(s State) {
	i.mu.Lock()
	i.state = s
	i.mu.Unlock()
}

// exited reports whether the backend process has already exited.
func (i *Instance) exited() bool {
	select {
	case <-i.waitDone:
		return true
	default:
		return false
	}
}

// Release terminates the backend process: SIGTERM, then SIGKILL if it does
// not exit within the grace period. It is safe to call more than once and
// must run on every exit path of the owning scope.
func (i *Instance) Release() error {
	i.mu.Lock()
	if i.released {
		i.mu.Unlock()
		return nil
	}
	i.released = true
	i.state = StateTerminating
	i.mu.Unlock()

	if i.exited() {
		i.setState(StateStopped)
		return nil
	}

	i.logger.Debugw("terminating backend", "host", i.Host, "port", i.Port, "pid", i.cmd.Process.Pid)
	if err := i.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Process may have died between the exited check and the signal.
		i.setState(StateStopped)
		return nil
	}

	select {
	case <-i.waitDone:
		i.setState(StateStopped)
		return nil
	case <-time.After(i.terminateGrace):
	}

	i.logger.Warnw("backend did not exit gracefully, killing", "port", i.Port, "pid", i.cmd.Process.Pid)
	_ = i.cmd.Process.Kill()

	select {
	case <-i.waitDone:
		i.setState(StateStopped)
		return nil
	case <-time.After(i.killWait):
		i.setState(StateFailed)
		return fmt.Errorf("backend pid %d did not exit after kill", i.cmd.Process.Pid)
	}
}
