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
	"gopkg.in/yaml.v3"
)

func newWorkflowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Define and inspect workflow definitions",
	}
	cmd.AddCommand(newWorkflowCreateCmd())
	cmd.AddCommand(newWorkflowListCmd())
	cmd.AddCommand(newWorkflowStepsCmd())
	return cmd
}

func newWorkflowCreateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Define a new workflow from a YAML or JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file is required")
			}
			raw, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read workflow file: %w", err)
			}

			var body map[string]any
			if err := yaml.Unmarshal(raw, &body); err != nil {
				return fmt.Errorf("parse workflow file: %w", err)
			}

			var result map[string]any
			if err := apiRequest("POST", buildAPIURL("/workflows", nil), body, &result); err != nil {
				return err
			}
			return printJSON(result)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Path to the workflow definition (YAML or JSON)")
	return cmd
}

func newWorkflowListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List defined workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			var result []map[string]any
			if err := apiRequest("GET", buildAPIURL("/workflows", nil), nil, &result); err != nil {
				return err
			}
			return printJSON(result)
		},
	}
}

func newWorkflowStepsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "steps <workflow-id>",
		Short: "List a workflow's steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result []map[string]any
			path := fmt.Sprintf("/workflows/%s/steps", args[0])
			if err := apiRequest("GET", buildAPIURL(path, nil), nil, &result); err != nil {
				return err
			}
			return printJSON(result)
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
