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
	"fmt"
	"time"
)

// StartupTimeoutError is returned when a backend never binds its port
// within the bind window.
type StartupTimeoutError struct {
	Addr    string
	Timeout time.Duration
	LastErr error
}

func (e *StartupTimeoutError) Error() string {
	return fmt.Sprintf("backend did not become ready at %s within %s: %v", e.Addr, e.Timeout, e.LastErr)
}

func (e *StartupTimeoutError) Unwrap() error { return e.LastErr }

// ReadinessTimeoutError is returned when a backend bound its port but never
// accepted a completion request within the ready window.
type ReadinessTimeoutError struct {
	Addr    string
	Timeout time.Duration
	LastErr error
}

func (e *ReadinessTimeoutError) Error() string {
	return fmt.Sprintf("backend at %s did not accept completions within %s: %v", e.Addr, e.Timeout, e.LastErr)
}

func (e *ReadinessTimeoutError) Unwrap() error { return e.LastErr }

// ProcessExitedError is returned when the backend process exits before
// reaching readiness.
type ProcessExitedError struct {
	Addr string
	Err  error
}

func (e *ProcessExitedError) Error() string {
	return fmt.Sprintf("backend process at %s exited during startup: %v", e.Addr, e.Err)
}

func (e *ProcessExitedError) Unwrap() error { return e.Err }
