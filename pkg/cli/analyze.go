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
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

type analyzeOptions struct {
	field string
	order string
	count int
}

// NewAnalyzeCommand creates the analyze command
func NewAnalyzeCommand() *cobra.Command {
	opts := &analyzeOptions{}

	cmd := &cobra.Command{
		Use:   "analyze <file.csv>",
		Short: "Sort and display a sweep result file",
		Long: `Read a sweep result CSV, sort it by a column and print the top
rows as an aligned table. Numeric columns sort numerically and are
right-justified.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalyze(cmd.OutOrStdout(), args[0], opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.field, "field", "throughput_tps", "Column to sort by")
	flags.StringVar(&opts.order, "order", "desc", "Sort order: asc or desc")
	flags.IntVar(&opts.count, "count", 5, "Number of rows to show")

	return cmd
}

func runAnalyze(w io.Writer, path string, opts *analyzeOptions) error {
	if opts.order != "asc" && opts.order != "desc" {
		return fmt.Errorf("invalid order %q, want asc or desc", opts.order)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if len(records) == 0 {
		return fmt.Errorf("%s is empty", path)
	}

	headers := records[0]
	rows := records[1:]

	fieldIdx := -1
	for i, h := range headers {
		if h == opts.field {
			fieldIdx = i
			break
		}
	}
	if fieldIdx < 0 {
		return fmt.Errorf("column %q not found (have %s)", opts.field, strings.Join(headers, ", "))
	}

	sort.SliceStable(rows, func(i, j int) bool {
		less := cellLess(rows[i][fieldIdx], rows[j][fieldIdx])
		if opts.order == "desc" {
			return cellLess(rows[j][fieldIdx], rows[i][fieldIdx])
		}
		return less
	})

	display := rows
	if opts.count > 0 && opts.count < len(display) {
		display = display[:opts.count]
	}

	// Widths account for every row in the file so truncating the display
	// does not shift columns between invocations.
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	headerCells := make([]string, len(headers))
	for i, h := range headers {
		headerCells[i] = fmt.Sprintf("%-*s", widths[i], h)
	}
	headerLine := strings.Join(headerCells, " | ")
	fmt.Fprintln(w, headerLine)
	fmt.Fprintln(w, strings.Repeat("-", len(headerLine)))

	for _, row := range display {
		cells := make([]string, len(row))
		for i, cell := range row {
			if _, err := strconv.ParseFloat(cell, 64); err == nil {
				cells[i] = fmt.Sprintf("%*s", widths[i], cell)
			} else {
				cells[i] = fmt.Sprintf("%-*s", widths[i], cell)
			}
		}
		fmt.Fprintln(w, strings.Join(cells, " | "))
	}
	return nil
}

// cellLess orders two CSV cells, numerically when both parse as numbers.
func cellLess(a, b string) bool {
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	if errA == nil && errB == nil {
		return fa < fb
	}
	return a < b
}
