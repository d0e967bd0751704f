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

package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestParseIntList(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []int
		wantErr bool
	}{
		{name: "comma separated", input: "128,256,512", want: []int{128, 256, 512}},
		{name: "space separated", input: "1 2 4", want: []int{1, 2, 4}},
		{name: "mixed separators", input: "1, 2, 4", want: []int{1, 2, 4}},
		{name: "single value", input: "64", want: []int{64}},
		{name: "empty", input: "", want: []int{}},
		{name: "garbage", input: "1,two,3", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseIntList(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{name: "empty", input: "", want: nil},
		{name: "comma separated", input: "--trust-remote-code,--max-kv-size,4096", want: []string{"--trust-remote-code", "--max-kv-size", "4096"}},
		{name: "whitespace separated", input: "--trust-remote-code --chat-template default", want: []string{"--trust-remote-code", "--chat-template", "default"}},
		{name: "comma with spaces", input: " --a , --b ", want: []string{"--a", "--b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseArgs(tt.input)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseBool(t *testing.T) {
	for _, falsy := range []string{"0", "false", "FALSE", "no", "No", " no "} {
		if ParseBool(falsy) {
			t.Errorf("ParseBool(%q) = true, want false", falsy)
		}
	}
	for _, truthy := range []string{"1", "true", "yes", "anything"} {
		if !ParseBool(truthy) {
			t.Errorf("ParseBool(%q) = false, want true", truthy)
		}
	}
}

func TestDefaultSweep(t *testing.T) {
	c := DefaultSweep()
	if c.Prompt == "" {
		t.Error("default prompt is empty")
	}
	if len(c.MaxTokensList) != 4 {
		t.Errorf("default max tokens list has %d entries, want 4", len(c.MaxTokensList))
	}
	if len(c.ConcurrencyList) != 11 {
		t.Errorf("default concurrency list has %d entries, want 11", len(c.ConcurrencyList))
	}
	if !c.ContinueOnError {
		t.Error("continue on error should default to true")
	}
	if c.Instances != 2 {
		t.Errorf("default instances = %d, want 2", c.Instances)
	}
}

func TestApplyEnvOverlay(t *testing.T) {
	t.Setenv("MLX_MODEL_PATH", "/models/test-4bit")
	t.Setenv("MLX_MAX_TOKENS_LIST", "64,128")
	t.Setenv("MLX_CONCURRENCY_LIST", "1 2")
	t.Setenv("MLX_SERVER_INSTANCES", "4")
	t.Setenv("MLX_CONTINUE_ON_ERROR", "no")
	t.Setenv("MLX_CELL_PAUSE_S", "1.5")
	t.Setenv("MLX_SERVER_ARGS", "--trust-remote-code,--max-kv-size,4096")

	c := DefaultSweep()
	c.ApplyEnv()

	if c.Model != "/models/test-4bit" {
		t.Errorf("model = %q", c.Model)
	}
	if !reflect.DeepEqual(c.MaxTokensList, []int{64, 128}) {
		t.Errorf("max tokens list = %v", c.MaxTokensList)
	}
	if !reflect.DeepEqual(c.ConcurrencyList, []int{1, 2}) {
		t.Errorf("concurrency list = %v", c.ConcurrencyList)
	}
	if c.Instances != 4 {
		t.Errorf("instances = %d", c.Instances)
	}
	if c.ContinueOnError {
		t.Error("continue on error should be disabled")
	}
	if c.CellPause != 1500*time.Millisecond {
		t.Errorf("cell pause = %v", c.CellPause)
	}
	if len(c.ExtraArgs) != 3 {
		t.Errorf("extra args = %v", c.ExtraArgs)
	}
}

func TestApplyEnvIgnoresInvalidValues(t *testing.T) {
	t.Setenv("MLX_SERVER_INSTANCES", "zero")
	t.Setenv("MLX_MAX_TOKENS_LIST", "a,b")

	c := DefaultSweep()
	c.ApplyEnv()

	if c.Instances != DefaultInstances {
		t.Errorf("instances = %d, want default %d", c.Instances, DefaultInstances)
	}
	if len(c.MaxTokensList) != 4 {
		t.Errorf("max tokens list overwritten by invalid env: %v", c.MaxTokensList)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sweep.yaml")
	data := []byte(`
model: /models/from-file
max_tokens: [128, 512]
concurrency: [8, 16]
instances: 3
results_dir: /tmp/out
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	c := DefaultSweep()
	if err := c.LoadFile(path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if c.Model != "/models/from-file" {
		t.Errorf("model = %q", c.Model)
	}
	if !reflect.DeepEqual(c.MaxTokensList, []int{128, 512}) {
		t.Errorf("max tokens list = %v", c.MaxTokensList)
	}
	if c.Instances != 3 {
		t.Errorf("instances = %d", c.Instances)
	}
	if c.ResultsDir != "/tmp/out" {
		t.Errorf("results dir = %q", c.ResultsDir)
	}
	// Fields absent from the file keep their prior values.
	if c.Prompt != DefaultPrompt {
		t.Errorf("prompt was clobbered: %q", c.Prompt)
	}
}

func TestLoadFileMissing(t *testing.T) {
	c := DefaultSweep()
	if err := c.LoadFile("/nonexistent/sweep.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadFileMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sweep.yaml")
	if err := os.WriteFile(path, []byte("model: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}
	c := DefaultSweep()
	if err := c.LoadFile(path); err == nil {
		t.Fatal("expected error for malformed yaml")
	}
}

func TestValidate(t *testing.T) {
	valid := DefaultSweep()
	valid.Model = "/models/test"
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Sweep)
	}{
		{"missing model", func(c *Sweep) { c.Model = "" }},
		{"empty max tokens", func(c *Sweep) { c.MaxTokensList = nil }},
		{"empty concurrency", func(c *Sweep) { c.ConcurrencyList = nil }},
		{"zero instances", func(c *Sweep) { c.Instances = 0 }},
		{"negative temperature", func(c *Sweep) { c.Temperature = -0.1 }},
		{"zero multiplier", func(c *Sweep) { c.RequestsMultiplier = 0 }},
		{"bad proxy port", func(c *Sweep) { c.Instances = 2; c.ProxyPort = 70000 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultSweep()
			c.Model = "/models/test"
			tt.mutate(&c)
			if err := c.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
