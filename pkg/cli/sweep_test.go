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
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/camerony/mlx-throughput-lab/internal/loadgen"
	"github.com/camerony/mlx-throughput-lab/internal/sweep"
)

func TestResolveSweepConfigFlagsWin(t *testing.T) {
	t.Setenv("MLX_MODEL_PATH", "/models/from-env")
	t.Setenv("MLX_SERVER_INSTANCES", "8")

	cmd, opts := newSweepCommand()
	if err := cmd.Flags().Set("model", "/models/from-flag"); err != nil {
		t.Fatal(err)
	}
	if err := cmd.Flags().Set("max-tokens", "64,128"); err != nil {
		t.Fatal(err)
	}

	cfg, err := resolveSweepConfig(cmd, opts)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.Model != "/models/from-flag" {
		t.Errorf("model = %q, flags must override env", cfg.Model)
	}
	if cfg.Instances != 8 {
		t.Errorf("instances = %d, env must apply when flag unset", cfg.Instances)
	}
	if !reflect.DeepEqual(cfg.MaxTokensList, []int{64, 128}) {
		t.Errorf("max tokens = %v", cfg.MaxTokensList)
	}
}

func TestResolveSweepConfigRequiresModel(t *testing.T) {
	cmd, opts := newSweepCommand()
	if _, err := resolveSweepConfig(cmd, opts); err == nil {
		t.Fatal("expected validation error without a model")
	}
}

func TestResolveSweepConfigBadList(t *testing.T) {
	cmd, opts := newSweepCommand()
	if err := cmd.Flags().Set("model", "/models/x"); err != nil {
		t.Fatal(err)
	}
	if err := cmd.Flags().Set("concurrency", "1,two"); err != nil {
		t.Fatal(err)
	}
	_, err := resolveSweepConfig(cmd, opts)
	if err == nil || !strings.Contains(err.Error(), "--concurrency") {
		t.Fatalf("error = %v, want concurrency parse failure", err)
	}
}

func TestResolveSweepConfigDurationFlag(t *testing.T) {
	cmd, opts := newSweepCommand()
	if err := cmd.Flags().Set("model", "/models/x"); err != nil {
		t.Fatal(err)
	}
	if err := cmd.Flags().Set("cell-pause", "1500ms"); err != nil {
		t.Fatal(err)
	}
	cfg, err := resolveSweepConfig(cmd, opts)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.CellPause != 1500*time.Millisecond {
		t.Errorf("cell pause = %v", cfg.CellPause)
	}
}

func TestSweepCommandFlagDefaults(t *testing.T) {
	cmd := NewSweepCommand()
	tests := []struct {
		flag string
		want string
	}{
		{"instances", "2"},
		{"base-port", "9000"},
		{"proxy-port", "8088"},
		{"continue-on-error", "true"},
		{"results-dir", "results"},
		{"warmup", "2"},
	}
	for _, tt := range tests {
		f := cmd.Flags().Lookup(tt.flag)
		if f == nil {
			t.Errorf("flag %q missing", tt.flag)
			continue
		}
		if f.DefValue != tt.want {
			t.Errorf("flag %q default = %q, want %q", tt.flag, f.DefValue, tt.want)
		}
	}
}

func TestThroughputMatrixPrint(t *testing.T) {
	m := newThroughputMatrix([]int{128, 1024}, []int{1, 16})
	m.record(sweep.Point{MaxTokens: 128, Concurrency: 1}, loadgen.BatchResult{ThroughputTPS: 55.25})
	m.record(sweep.Point{MaxTokens: 128, Concurrency: 16}, loadgen.BatchResult{ThroughputTPS: 410.0})
	m.record(sweep.Point{MaxTokens: 1024, Concurrency: 1}, loadgen.BatchResult{ThroughputTPS: 60.1})

	var buf strings.Builder
	m.print(&buf)
	out := buf.String()

	for _, want := range []string{"max_tokens \\ conc", "55.2", "410.0", "60.1", "128", "1024"} {
		if !strings.Contains(out, want) {
			t.Errorf("matrix missing %q:\n%s", want, out)
		}
	}
	// The unrecorded cell renders as a dash.
	if !strings.Contains(out, "-") {
		t.Errorf("matrix should mark the unrecorded cell:\n%s", out)
	}
}

func TestThroughputMatrixEmptyPrintsNothing(t *testing.T) {
	m := newThroughputMatrix([]int{128}, []int{1})
	var buf strings.Builder
	m.print(&buf)
	if buf.Len() != 0 {
		t.Errorf("empty matrix printed %q", buf.String())
	}
}
