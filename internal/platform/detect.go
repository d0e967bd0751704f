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

// Package platform reports host accelerator capabilities. MLX backends
// require Apple silicon with Metal; the lab records what it ran on so
// result files from different hosts stay comparable.
package platform

import (
	"fmt"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
)

// Host describes the machine a benchmark runs on.
type Host struct {
	OS   string
	Arch string

	Metal        bool
	GPUName      string
	GPUCores     int
	MetalVersion int
}

// Detect inspects the current host.
func Detect() Host {
	h := Host{
		OS:   runtime.GOOS,
		Arch: runtime.GOARCH,
	}
	if runtime.GOOS == "darwin" {
		h.Metal = detectMetal(&h)
	}
	return h
}

// detectMetal parses system_profiler display data for GPU name, core count
// and Metal version.
func detectMetal(h *Host) bool {
	cmd := exec.Command("system_profiler", "SPDisplaysDataType")
	output, err := cmd.Output()
	if err != nil {
		return false
	}

	outputStr := string(output)
	if !strings.Contains(outputStr, "Metal") {
		return false
	}

	for _, line := range strings.Split(outputStr, "\n") {
		line = strings.TrimSpace(line)

		if strings.HasPrefix(line, "Chipset Model:") {
			h.GPUName = strings.TrimSpace(strings.TrimPrefix(line, "Chipset Model:"))
		}
		if strings.HasPrefix(line, "Total Number of Cores:") {
			coresStr := strings.TrimSpace(strings.TrimPrefix(line, "Total Number of Cores:"))
			if cores, err := strconv.Atoi(coresStr); err == nil {
				h.GPUCores = cores
			}
		}
		if strings.HasPrefix(line, "Metal Support:") || strings.HasPrefix(line, "Metal:") {
			switch {
			case strings.Contains(line, "Metal 4"):
				h.MetalVersion = 4
			case strings.Contains(line, "Metal 3"):
				h.MetalVersion = 3
			case strings.Contains(line, "Metal 2"):
				h.MetalVersion = 2
			}
		}
	}
	return true
}

// Summary returns a one-line description for banners and run records.
func (h Host) Summary() string {
	if !h.Metal {
		return fmt.Sprintf("%s/%s (no Metal GPU detected)", h.OS, h.Arch)
	}
	s := h.GPUName
	if s == "" {
		s = "Metal GPU"
	}
	if h.GPUCores > 0 {
		s = fmt.Sprintf("%s (%d cores)", s, h.GPUCores)
	}
	if h.MetalVersion > 0 {
		s = fmt.Sprintf("%s, Metal %d", s, h.MetalVersion)
	}
	return s
}
