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

// Package domain holds the core Discovery entities: Workflow, Step,
// Execution, and StepExecution, plus the context-scrubbing helpers shared
// by the persistence gateway and the progress broker.
package domain

import "time"

// Mode selects whether an Execution advances on its own or waits for an
// operator to call the manual-advance endpoint.
type Mode string

const (
	ModeManual    Mode = "manual"
	ModeAutomatic Mode = "automatic"
)

// Workflow is a named, ordered collection of Steps.
type Workflow struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Mode      Mode      `json:"mode"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Step is a single action within a Workflow.
type Step struct {
	ID         string `json:"id"`
	WorkflowID string `json:"workflow_id"`
	Name       string `json:"name"`

	// Order determines default sequencing; unique within a workflow.
	Order int `json:"order"`

	// MaxVisits caps how many StepExecution rows this step may accumulate
	// within one execution.
	MaxVisits int `json:"max_visits"`

	// HandlerName is the worker-side identifier this step is invoked as.
	// When empty, EffectiveHandlerName falls back to Name, so the engine's
	// handler-to-step lookup degenerates to an identity map for workflows
	// that never set it. The sqlite gateway stores that effective value;
	// the in-memory gateway keeps the field as given.
	HandlerName string `json:"handler_name"`

	// IsTerminal marks this step as an explicit completion point: once a
	// StepExecution for it succeeds, the auto-completion rule's condition
	// (c) fires regardless of ordering or routing hints.
	IsTerminal bool `json:"is_terminal"`
}

// EffectiveHandlerName returns HandlerName, falling back to Name when no
// alias was set.
func (s *Step) EffectiveHandlerName() string {
	if s.HandlerName == "" {
		return s.Name
	}
	return s.HandlerName
}
