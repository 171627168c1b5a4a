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
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	statusOK    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	statusWarn  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	statusError = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	muted       = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	bold        = lipgloss.NewStyle().Bold(true)
)

// isTTY reports whether stdout should receive color output: a real
// terminal, not piped, and not opted out via NO_COLOR/TERM=dumb.
func isTTY() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if termEnv := os.Getenv("TERM"); termEnv == "dumb" || termEnv == "" {
		return false
	}
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// styleForExecutionStatus colors an execution status the way the teacher's
// CLI colors run statuses: green for a clean terminal state, red for
// failure, default for anything still in flight. Falls back to plain text
// when stdout isn't a color-capable terminal.
func styleForExecutionStatus(status string) string {
	if !isTTY() {
		return status
	}
	switch status {
	case "completed":
		return statusOK.Render(status)
	case "failed":
		return statusError.Render(status)
	case "paused":
		return statusWarn.Render(status)
	default:
		return status
	}
}
