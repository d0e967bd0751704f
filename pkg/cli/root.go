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

// Package cli implements the mlxlab command line interface.
package cli

import (
	"github.com/spf13/cobra"
)

// NewRootCommand creates the root command for the mlxlab CLI
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mlxlab",
		Short: "Throughput lab for local LLM inference backends",
		Long: `mlxlab measures the serving throughput of local LLM inference
backends. It spawns backend processes, fronts them with a round-robin
proxy, drives bounded-concurrency request batches and sweeps a
request-size by concurrency grid to find the best-throughput
configuration.`,
		SilenceUsage: true,
	}

	// Add subcommands
	cmd.AddCommand(NewSweepCommand())
	cmd.AddCommand(NewBenchCommand())
	cmd.AddCommand(NewAnalyzeCommand())
	cmd.AddCommand(NewVersionCommand())

	return cmd
}
