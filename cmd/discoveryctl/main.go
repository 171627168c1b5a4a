// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command discoveryctl is a thin HTTP client for discoveryd's control API
// (C8): define workflows from a file, launch executions, poll status, and
// tail the progress socket from a terminal.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/discoveryhq/discovery/pkg/discoveryerr"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		printError(err)
		os.Exit(1)
	}
}

// printError renders err the way the teacher's CLI renders errors: a
// user-friendly message and suggestion for anything that implements
// discoveryerr.UserVisibleError, the raw error otherwise.
func printError(err error) {
	var visible discoveryerr.UserVisibleError
	if !errors.As(err, &visible) || !visible.IsUserVisible() {
		fmt.Fprintln(os.Stderr, "error:", err)
		return
	}

	fmt.Fprintln(os.Stderr, "error:", visible.UserMessage())
	if suggestion := visible.Suggestion(); suggestion != "" {
		fmt.Fprintln(os.Stderr, "hint: "+suggestion)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "discoveryctl",
		Short:         "discoveryctl controls a Discovery workflow orchestrator daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newWorkflowCmd())
	cmd.AddCommand(newExecuteCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newNextCmd())
	cmd.AddCommand(newAvailableStepsCmd())
	cmd.AddCommand(newTailCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show discoveryctl version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("discoveryctl %s (commit: %s, built: %s)\n", version, commit, buildDate)
			return nil
		},
	}
}
