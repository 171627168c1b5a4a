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

package domain

import "time"

// ExecStatus is the lifecycle status of an Execution.
type ExecStatus string

const (
	ExecStatusRunning   ExecStatus = "running"
	ExecStatusCompleted ExecStatus = "completed"
	ExecStatusFailed    ExecStatus = "failed"
	ExecStatusPaused    ExecStatus = "paused"
)

// IsTerminal reports whether this status is a sink: completed or failed.
func (s ExecStatus) IsTerminal() bool {
	return s == ExecStatusCompleted || s == ExecStatusFailed
}

// StepStatus is the lifecycle status of a StepExecution.
type StepStatus string

const (
	StepStatusPending StepStatus = "pending"
	StepStatusRunning StepStatus = "running"
	StepStatusSuccess StepStatus = "success"
	StepStatusFailed  StepStatus = "failed"
	StepStatusSkipped StepStatus = "skipped"
)

// Execution is one run of one Workflow.
type Execution struct {
	ID         string     `json:"id"`
	WorkflowID string     `json:"workflow_id"`
	Status     ExecStatus `json:"status"`
	Mode       Mode       `json:"mode"`

	// CurrentStepID is the step the execution last entered, nil before the
	// first advance.
	CurrentStepID *string `json:"current_step_id,omitempty"`

	// Context is the mutable nested JSON document carrying inputs,
	// dynamic_properties, and the next_step_name routing hint.
	Context map[string]any `json:"context"`

	AdditionalData map[string]any `json:"additional_data,omitempty"`
	CustomStatus   string         `json:"custom_status,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StepExecution is one attempt of one Step within one Execution.
type StepExecution struct {
	ID          string     `json:"id"`
	StepID      string     `json:"step_id"`
	WorkflowID  string     `json:"workflow_id"`
	ExecutionID string     `json:"execution_id"`
	Status      StepStatus `json:"status"`

	// Attempt is 1-based: the Nth time this step has been entered within
	// this execution.
	Attempt int `json:"attempt"`

	// InputPayload and OutputPayload are scrubbed snapshots of the
	// context at entry and the handler response, respectively.
	InputPayload  map[string]any `json:"input_payload,omitempty"`
	OutputPayload map[string]any `json:"output_payload,omitempty"`

	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// ContextExecutionID reads the execution_id well-known key from a context
// document, returning "" if absent or of the wrong type.
func ContextExecutionID(ctx map[string]any) string {
	v, _ := ctx["execution_id"].(string)
	return v
}

// NextStepName reads the next_step_name routing hint, returning "" and
// false if unset.
func NextStepName(ctx map[string]any) (string, bool) {
	v, ok := ctx["next_step_name"]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// DynamicProperties returns the dynamic_properties sub-map, creating and
// installing one on ctx if absent.
func DynamicProperties(ctx map[string]any) map[string]any {
	raw, ok := ctx["dynamic_properties"]
	if !ok {
		dp := make(map[string]any)
		ctx["dynamic_properties"] = dp
		return dp
	}
	dp, ok := raw.(map[string]any)
	if !ok {
		dp = make(map[string]any)
		ctx["dynamic_properties"] = dp
	}
	return dp
}

// deleteMarker is a distinct, unexported type so DeleteKey can never be
// confused with a value a step handler's JSON response might legitimately
// carry.
type deleteMarker struct{}

// DeleteKey is a patch value that removes its key from base entirely
// instead of overwriting it. The engine uses this to clear
// next_step_name when a step response carries no routing hint.
var DeleteKey any = deleteMarker{}

// MergeContext applies patch on top of base, overwriting top-level keys.
// Nested maps under matching keys are merged one level deep (so
// dynamic_properties accumulates rather than being replaced wholesale);
// deeper nesting is replaced verbatim, matching the source's shallow-merge
// behavior for arbitrary step-authored sub-trees. A patch value equal to
// DeleteKey removes that key from base rather than setting it.
func MergeContext(base, patch map[string]any) {
	for k, v := range patch {
		if _, isDelete := v.(deleteMarker); isDelete {
			delete(base, k)
			continue
		}
		existing, ok := base[k]
		if !ok {
			base[k] = v
			continue
		}
		existingMap, existingIsMap := existing.(map[string]any)
		patchMap, patchIsMap := v.(map[string]any)
		if existingIsMap && patchIsMap {
			for pk, pv := range patchMap {
				existingMap[pk] = pv
			}
			continue
		}
		base[k] = v
	}
}
