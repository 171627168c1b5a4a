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

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newExecuteCmd() *cobra.Command {
	var (
		async     bool
		inputFile string
	)
	cmd := &cobra.Command{
		Use:   "execute <workflow-id>",
		Short: "Launch an execution of a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{}
			if inputFile != "" {
				raw, err := os.ReadFile(inputFile)
				if err != nil {
					return fmt.Errorf("read input file: %w", err)
				}
				if err := json.Unmarshal(raw, &body); err != nil {
					return fmt.Errorf("parse input file: %w", err)
				}
			}

			path := fmt.Sprintf("/workflows/%s/execute", args[0])
			if async {
				path = fmt.Sprintf("/workflows/%s/execute-async", args[0])
			}

			var result map[string]any
			if err := apiRequest("POST", buildAPIURL(path, nil), body, &result); err != nil {
				return err
			}
			return printJSON(result)
		},
	}
	cmd.Flags().BoolVar(&async, "async", false, "Launch asynchronously and return immediately")
	cmd.Flags().StringVar(&inputFile, "input", "", "Path to a JSON file providing initial execution context")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status <execution-id>",
		Short: "Show an execution's current status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result map[string]any
			path := fmt.Sprintf("/executions/%s/status", args[0])
			if err := apiRequest("GET", buildAPIURL(path, nil), nil, &result); err != nil {
				return err
			}
			if asJSON {
				return printJSON(result)
			}
			printStatusSummary(result)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output the raw status response as JSON")
	return cmd
}

func printStatusSummary(status map[string]any) {
	id, _ := status["id"].(string)
	workflowName, _ := status["workflow_name"].(string)
	statusStr, _ := status["status"].(string)

	fmt.Printf("%s %s\n", bold.Render("execution"), id)
	fmt.Printf("%s %s\n", muted.Render("workflow:"), workflowName)
	fmt.Printf("%s %s\n", muted.Render("status:  "), styleForExecutionStatus(statusStr))

	progress, ok := status["progress"].(map[string]any)
	if !ok {
		return
	}
	completed, _ := progress["completed_steps"].(float64)
	total, _ := progress["total_steps"].(float64)
	pct, _ := progress["percentage"].(float64)
	fmt.Printf("%s %.0f/%.0f steps (%.0f%%)\n", muted.Render("progress:"), completed, total, pct)
}

func newNextCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "next <execution-id>",
		Short: "Advance a manual-mode execution by one step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result map[string]any
			path := fmt.Sprintf("/executions/%s/next", args[0])
			if err := apiRequest("POST", buildAPIURL(path, nil), nil, &result); err != nil {
				return err
			}
			return printJSON(result)
		},
	}
}

func newAvailableStepsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "available-steps",
		Short: "List the step handlers the configured worker currently exposes",
		RunE: func(cmd *cobra.Command, args []string) error {
			var result map[string]any
			if err := apiRequest("GET", buildAPIURL("/available-steps", nil), nil, &result); err != nil {
				return err
			}
			return printJSON(result)
		},
	}
}
