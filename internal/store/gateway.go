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

// Package store defines the persistence gateway seam (C1) and its two
// implementations: an in-memory store for tests and single-process use,
// and a modernc.org/sqlite-backed store for durable deployments.
package store

import (
	"context"
	"time"

	"github.com/discoveryhq/discovery/internal/domain"
)

// ExecutionQuery parameters for listing an execution history page.
type ExecutionQuery struct {
	WorkflowID string
	Limit      int
	Offset     int
}

// ExecutionPage is one page of execution history plus the total matching
// count, used to build the API's pagination envelope.
type ExecutionPage struct {
	Executions []*domain.Execution
	Total      int
}

// Gateway is the typed persistence seam described by spec section 4.1.
// Every method wraps underlying driver failures in the pkg/discoveryerr
// taxonomy rather than returning raw SQL errors.
type Gateway interface {
	CreateWorkflow(ctx context.Context, wf *domain.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*domain.Workflow, error)
	ListWorkflows(ctx context.Context) ([]*domain.Workflow, error)
	UpdateWorkflow(ctx context.Context, wf *domain.Workflow) error
	// DeleteWorkflow rejects the call with a ConflictError if the workflow
	// has any non-terminal executions.
	DeleteWorkflow(ctx context.Context, id string) error

	CreateStep(ctx context.Context, step *domain.Step) error
	GetStep(ctx context.Context, id string) (*domain.Step, error)
	ListSteps(ctx context.Context, workflowID string) ([]*domain.Step, error)
	UpdateStep(ctx context.Context, step *domain.Step) error
	// DeleteStep rejects the call with a ConflictError if the step is the
	// current_step_id of a non-terminal execution.
	DeleteStep(ctx context.Context, id string) error

	CreateExecution(ctx context.Context, exec *domain.Execution) error
	GetExecution(ctx context.Context, id string) (*domain.Execution, error)
	ListExecutions(ctx context.Context, q ExecutionQuery) (*ExecutionPage, error)

	// SetCurrentStep updates current_step_id. Rejected on a terminal
	// execution.
	SetCurrentStep(ctx context.Context, executionID, stepID string) error

	// UpdateExecutionContext merges patch into the execution's stored
	// context (one level deep under matching keys, see
	// domain.MergeContext) and persists it atomically. Rejected on a
	// terminal execution.
	UpdateExecutionContext(ctx context.Context, executionID string, patch map[string]any) error

	// SetExecutionStatus transitions status (and, for terminal statuses,
	// clears current_step_id). Rejected if the execution is already
	// terminal.
	SetExecutionStatus(ctx context.Context, executionID string, status domain.ExecStatus) error

	// AppendStepExecution performs the transactional visit-cap claim
	// described in spec section 4.1: within one transaction it counts
	// existing StepExecution rows for (executionID, stepID); if the count
	// is already at step.MaxVisits it returns a discoveryerr.InvariantError
	// with code "max_visits_exceeded" and inserts nothing; otherwise it
	// inserts a new running row with attempt = count+1 and the given
	// scrubbed input snapshot.
	AppendStepExecution(ctx context.Context, exec *domain.Execution, step *domain.Step, scrubbedInput map[string]any, now time.Time) (*domain.StepExecution, error)

	// CompleteStepExecution finalizes a previously appended StepExecution
	// with a terminal status and scrubbed output snapshot.
	CompleteStepExecution(ctx context.Context, stepExecutionID string, status domain.StepStatus, scrubbedOutput map[string]any, finishedAt time.Time) error

	CountStepExecutions(ctx context.Context, executionID, stepID string) (int, error)
	ListStepExecutions(ctx context.Context, executionID string) ([]*domain.StepExecution, error)
}
