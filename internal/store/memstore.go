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

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/discoveryhq/discovery/internal/domain"
	"github.com/discoveryhq/discovery/pkg/discoveryerr"
)

// MemStore is an in-memory Gateway implementation. It is thread-safe: a
// single mutex guards all state, which is the in-process analogue of the
// sqlite gateway's single-connection transactions — it serializes the
// visit-cap claim in AppendStepExecution the same way a second writer
// would block on a locked sqlite database.
type MemStore struct {
	mu sync.Mutex

	workflows      map[string]*domain.Workflow
	steps          map[string]*domain.Step
	executions     map[string]*domain.Execution
	stepExecutions map[string]*domain.StepExecution
}

// NewMemStore creates an empty in-memory gateway.
func NewMemStore() *MemStore {
	return &MemStore{
		workflows:      make(map[string]*domain.Workflow),
		steps:          make(map[string]*domain.Step),
		executions:     make(map[string]*domain.Execution),
		stepExecutions: make(map[string]*domain.StepExecution),
	}
}

func (s *MemStore) CreateWorkflow(ctx context.Context, wf *domain.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if wf.Name == "" {
		return &discoveryerr.ValidationError{Field: "name", Message: "workflow name must not be empty"}
	}
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	wf.CreatedAt, wf.UpdatedAt = now, now

	cp := *wf
	s.workflows[wf.ID] = &cp
	return nil
}

func (s *MemStore) GetWorkflow(ctx context.Context, id string) (*domain.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[id]
	if !ok {
		return nil, &discoveryerr.NotFoundError{Resource: "workflow", ID: id}
	}
	cp := *wf
	return &cp, nil
}

func (s *MemStore) ListWorkflows(ctx context.Context) ([]*domain.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.Workflow, 0, len(s.workflows))
	for _, wf := range s.workflows {
		cp := *wf
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemStore) UpdateWorkflow(ctx context.Context, wf *domain.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workflows[wf.ID]; !ok {
		return &discoveryerr.NotFoundError{Resource: "workflow", ID: wf.ID}
	}
	wf.UpdatedAt = time.Now().UTC()
	cp := *wf
	s.workflows[wf.ID] = &cp
	return nil
}

func (s *MemStore) DeleteWorkflow(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workflows[id]; !ok {
		return &discoveryerr.NotFoundError{Resource: "workflow", ID: id}
	}
	for _, exec := range s.executions {
		if exec.WorkflowID == id && !exec.Status.IsTerminal() {
			return &discoveryerr.ConflictError{Resource: "workflow", Reason: "has non-terminal executions"}
		}
	}
	delete(s.workflows, id)
	for stepID, step := range s.steps {
		if step.WorkflowID == id {
			delete(s.steps, stepID)
		}
	}
	return nil
}

func (s *MemStore) CreateStep(ctx context.Context, step *domain.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workflows[step.WorkflowID]; !ok {
		return &discoveryerr.NotFoundError{Resource: "workflow", ID: step.WorkflowID}
	}
	if step.MaxVisits < 1 {
		return &discoveryerr.ValidationError{Field: "max_visits", Message: "must be >= 1"}
	}
	if step.ID == "" {
		step.ID = uuid.NewString()
	}
	cp := *step
	s.steps[step.ID] = &cp
	return nil
}

func (s *MemStore) GetStep(ctx context.Context, id string) (*domain.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	step, ok := s.steps[id]
	if !ok {
		return nil, &discoveryerr.NotFoundError{Resource: "step", ID: id}
	}
	cp := *step
	return &cp, nil
}

func (s *MemStore) ListSteps(ctx context.Context, workflowID string) ([]*domain.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.Step, 0)
	for _, step := range s.steps {
		if step.WorkflowID == workflowID {
			cp := *step
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemStore) UpdateStep(ctx context.Context, step *domain.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.steps[step.ID]; !ok {
		return &discoveryerr.NotFoundError{Resource: "step", ID: step.ID}
	}
	cp := *step
	s.steps[step.ID] = &cp
	return nil
}

func (s *MemStore) DeleteStep(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.steps[id]; !ok {
		return &discoveryerr.NotFoundError{Resource: "step", ID: id}
	}
	for _, exec := range s.executions {
		if exec.CurrentStepID != nil && *exec.CurrentStepID == id && !exec.Status.IsTerminal() {
			return &discoveryerr.ConflictError{Resource: "step", Reason: "is the current step of a running execution"}
		}
	}
	delete(s.steps, id)
	return nil
}

func (s *MemStore) CreateExecution(ctx context.Context, exec *domain.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workflows[exec.WorkflowID]; !ok {
		return &discoveryerr.NotFoundError{Resource: "workflow", ID: exec.WorkflowID}
	}
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	if exec.Context == nil {
		exec.Context = make(map[string]any)
	}
	exec.Context["execution_id"] = exec.ID
	now := time.Now().UTC()
	exec.CreatedAt, exec.UpdatedAt = now, now

	cp := *exec
	s.executions[exec.ID] = &cp
	return nil
}

func (s *MemStore) GetExecution(ctx context.Context, id string) (*domain.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getExecutionLocked(id)
}

func (s *MemStore) getExecutionLocked(id string) (*domain.Execution, error) {
	exec, ok := s.executions[id]
	if !ok {
		return nil, &discoveryerr.NotFoundError{Resource: "execution", ID: id}
	}
	cp := *exec
	cp.Context = deepCopyMap(exec.Context)
	return &cp, nil
}

func (s *MemStore) ListExecutions(ctx context.Context, q ExecutionQuery) (*ExecutionPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]*domain.Execution, 0)
	for _, exec := range s.executions {
		if q.WorkflowID != "" && exec.WorkflowID != q.WorkflowID {
			continue
		}
		cp := *exec
		matched = append(matched, &cp)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	total := len(matched)
	offset := q.Offset
	if offset > total {
		offset = total
	}
	end := offset + q.Limit
	if q.Limit <= 0 || end > total {
		end = total
	}
	return &ExecutionPage{Executions: matched[offset:end], Total: total}, nil
}

func (s *MemStore) SetCurrentStep(ctx context.Context, executionID, stepID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[executionID]
	if !ok {
		return &discoveryerr.NotFoundError{Resource: "execution", ID: executionID}
	}
	if exec.Status.IsTerminal() {
		return &discoveryerr.InvariantError{Code: "terminal_execution", Message: "cannot set current step on a terminal execution"}
	}
	exec.CurrentStepID = &stepID
	exec.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemStore) UpdateExecutionContext(ctx context.Context, executionID string, patch map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[executionID]
	if !ok {
		return &discoveryerr.NotFoundError{Resource: "execution", ID: executionID}
	}
	if exec.Status.IsTerminal() {
		return &discoveryerr.InvariantError{Code: "terminal_execution", Message: "cannot mutate context on a terminal execution"}
	}
	if exec.Context == nil {
		exec.Context = make(map[string]any)
	}
	domain.MergeContext(exec.Context, patch)
	exec.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemStore) SetExecutionStatus(ctx context.Context, executionID string, status domain.ExecStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[executionID]
	if !ok {
		return &discoveryerr.NotFoundError{Resource: "execution", ID: executionID}
	}
	if exec.Status.IsTerminal() {
		return &discoveryerr.InvariantError{Code: "terminal_execution", Message: "execution already in a terminal state"}
	}
	exec.Status = status
	if status.IsTerminal() {
		exec.CurrentStepID = nil
	}
	exec.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemStore) AppendStepExecution(ctx context.Context, exec *domain.Execution, step *domain.Step, scrubbedInput map[string]any, now time.Time) (*domain.StepExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	storedExec, ok := s.executions[exec.ID]
	if !ok {
		return nil, &discoveryerr.NotFoundError{Resource: "execution", ID: exec.ID}
	}
	if storedExec.Status.IsTerminal() {
		return nil, &discoveryerr.InvariantError{Code: "terminal_execution", Message: "cannot append a step execution to a terminal execution"}
	}

	count := s.countStepExecutionsLocked(exec.ID, step.ID)
	if count >= step.MaxVisits {
		return nil, &discoveryerr.InvariantError{Code: "max_visits_exceeded", Message: "step " + step.Name + " reached its visit cap"}
	}

	se := &domain.StepExecution{
		ID:           uuid.NewString(),
		StepID:       step.ID,
		WorkflowID:   step.WorkflowID,
		ExecutionID:  exec.ID,
		Status:       domain.StepStatusRunning,
		Attempt:      count + 1,
		InputPayload: scrubbedInput,
		StartedAt:    now,
	}
	s.stepExecutions[se.ID] = se

	storedExec.CurrentStepID = &step.ID
	storedExec.UpdatedAt = now

	cp := *se
	return &cp, nil
}

func (s *MemStore) CompleteStepExecution(ctx context.Context, stepExecutionID string, status domain.StepStatus, scrubbedOutput map[string]any, finishedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	se, ok := s.stepExecutions[stepExecutionID]
	if !ok {
		return &discoveryerr.NotFoundError{Resource: "step_execution", ID: stepExecutionID}
	}
	se.Status = status
	se.OutputPayload = scrubbedOutput
	se.FinishedAt = &finishedAt
	return nil
}

func (s *MemStore) CountStepExecutions(ctx context.Context, executionID, stepID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countStepExecutionsLocked(executionID, stepID), nil
}

func (s *MemStore) countStepExecutionsLocked(executionID, stepID string) int {
	count := 0
	for _, se := range s.stepExecutions {
		if se.ExecutionID == executionID && se.StepID == stepID {
			count++
		}
	}
	return count
}

func (s *MemStore) ListStepExecutions(ctx context.Context, executionID string) ([]*domain.StepExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.StepExecution, 0)
	for _, se := range s.stepExecutions {
		if se.ExecutionID == executionID {
			cp := *se
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			cp[k] = deepCopyMap(nested)
			continue
		}
		cp[k] = v
	}
	return cp
}
