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
	"fmt"
	"io"
	"strconv"

	"github.com/camerony/mlx-throughput-lab/internal/loadgen"
	"github.com/camerony/mlx-throughput-lab/internal/sweep"
)

// throughputMatrix accumulates per-cell throughput for the console summary
// table: one row per max_tokens value, one column per concurrency level.
type throughputMatrix struct {
	maxTokensList   []int
	concurrencyList []int
	cells           map[[2]int]float64
}

func newThroughputMatrix(maxTokensList, concurrencyList []int) *throughputMatrix {
	return &throughputMatrix{
		maxTokensList:   maxTokensList,
		concurrencyList: concurrencyList,
		cells:           make(map[[2]int]float64, len(maxTokensList)*len(concurrencyList)),
	}
}

func (m *throughputMatrix) record(p sweep.Point, r loadgen.BatchResult) {
	m.cells[[2]int{p.MaxTokens, p.Concurrency}] = r.ThroughputTPS
}

// print renders the matrix with right-justified columns sized to fit the
// widest value in each column.
func (m *throughputMatrix) print(w io.Writer) {
	if len(m.cells) == 0 {
		return
	}

	header := "max_tokens \\ conc"
	rowLabelWidth := len(header)
	for _, mt := range m.maxTokensList {
		if l := len(strconv.Itoa(mt)); l > rowLabelWidth {
			rowLabelWidth = l
		}
	}

	colWidths := make([]int, len(m.concurrencyList))
	for i, c := range m.concurrencyList {
		colWidths[i] = len(strconv.Itoa(c))
		for _, mt := range m.maxTokensList {
			if l := len(m.cellText(mt, c)); l > colWidths[i] {
				colWidths[i] = l
			}
		}
	}

	fmt.Fprintf(w, "\nThroughput matrix (tok/s):\n")
	fmt.Fprintf(w, "%*s", rowLabelWidth, header)
	for i, c := range m.concurrencyList {
		fmt.Fprintf(w, "  %*d", colWidths[i], c)
	}
	fmt.Fprintln(w)

	for _, mt := range m.maxTokensList {
		fmt.Fprintf(w, "%*d", rowLabelWidth, mt)
		for i, c := range m.concurrencyList {
			fmt.Fprintf(w, "  %*s", colWidths[i], m.cellText(mt, c))
		}
		fmt.Fprintln(w)
	}
}

func (m *throughputMatrix) cellText(maxTokens, concurrency int) string {
	tps, ok := m.cells[[2]int{maxTokens, concurrency}]
	if !ok {
		return "-"
	}
	return strconv.FormatFloat(tps, 'f', 1, 64)
}
