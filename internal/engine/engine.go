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

// Package engine implements the workflow execution state machine (C4): one
// Advance call performs at most one step invocation (or, in automatic mode,
// loops through several) and returns once the execution reaches a terminal
// state or yields back to the caller.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/discoveryhq/discovery/internal/broker"
	"github.com/discoveryhq/discovery/internal/domain"
	"github.com/discoveryhq/discovery/internal/remote"
	"github.com/discoveryhq/discovery/internal/store"
	"github.com/discoveryhq/discovery/pkg/discoveryerr"
)

// Status is the outcome of one Advance call.
type Status string

const (
	// StatusTerminal means the execution reached completed or failed (in
	// this call or a previous one) and will not advance further.
	StatusTerminal Status = "terminal"

	// StatusStepAdvanced means one step ran successfully and the
	// execution is still running, waiting for the next manual-advance
	// call.
	StatusStepAdvanced Status = "step_advanced"
)

// Result reports what Advance did.
type Result struct {
	Status Status

	// Reason is a short, stable tag for logging and API responses:
	// "already_terminal", "workflow_completed", "max_visits_exceeded",
	// "step_error", or "" for a plain step_advanced.
	Reason string
}

// Engine drives Executions through their Workflow's Steps.
type Engine struct {
	store  store.Gateway
	remote remote.Client
	broker *broker.Broker
	logger *slog.Logger
}

// Config configures a new Engine. All fields are required except Logger.
type Config struct {
	Store  store.Gateway
	Remote remote.Client
	Broker *broker.Broker
	Logger *slog.Logger
}

// New builds an Engine from cfg.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:  cfg.Store,
		remote: cfg.Remote,
		broker: cfg.Broker,
		logger: logger,
	}
}

// Advance runs the state machine for executionID per spec section 4.4. In
// automatic mode it loops internally until the execution yields or reaches
// a terminal state; in manual mode it performs at most one step and
// returns step_advanced.
func (e *Engine) Advance(ctx context.Context, executionID string) (*Result, error) {
	for {
		exec, err := e.store.GetExecution(ctx, executionID)
		if err != nil {
			return nil, err
		}

		if exec.Status.IsTerminal() {
			return &Result{Status: StatusTerminal, Reason: "already_terminal"}, nil
		}

		steps, err := e.store.ListSteps(ctx, exec.WorkflowID)
		if err != nil {
			return nil, err
		}

		step, found := selectNextStep(exec, steps)
		if !found {
			if err := e.completeExecution(ctx, exec, "automatic_detection"); err != nil {
				return nil, err
			}
			return &Result{Status: StatusTerminal, Reason: "workflow_completed"}, nil
		}

		now := time.Now().UTC()
		scrubbedInput := domain.ScrubBase64Map(exec.Context)
		stepExec, err := e.store.AppendStepExecution(ctx, exec, step, scrubbedInput, now)
		if err != nil {
			var invErr *discoveryerr.InvariantError
			if errors.As(err, &invErr) && invErr.Code == "max_visits_exceeded" {
				e.failExecution(ctx, exec, "max_visits_exceeded", step.Name)
				return &Result{Status: StatusTerminal, Reason: "max_visits_exceeded"}, nil
			}
			return nil, err
		}

		// AppendStepExecution already set execution.current_step_id to step.ID
		// as part of its transactional claim.
		e.publish(exec.ID, "step_started", step.Name, string(domain.ExecStatusRunning), exec.Context)

		dispatchResult, dispatchErr := e.remote.Invoke(ctx, step.EffectiveHandlerName(), exec.Context, map[string]any{})
		finishedAt := time.Now().UTC()
		if dispatchErr != nil {
			errSnapshot := map[string]any{"error": dispatchErr.Error(), "step": step.Name}
			if completeErr := e.store.CompleteStepExecution(ctx, stepExec.ID, domain.StepStatusFailed, errSnapshot, finishedAt); completeErr != nil {
				e.logger.Error("engine: failed to record step failure", "error", completeErr, "execution_id", exec.ID, "step", step.Name)
			}
			e.failExecution(ctx, exec, "step_error", step.Name)
			return &Result{Status: StatusTerminal, Reason: "step_error"}, nil
		}

		patch := map[string]any{}
		for k, v := range dispatchResult.Context {
			patch[k] = v
		}
		if dispatchResult.Next != "" {
			patch["next_step_name"] = dispatchResult.Next
		} else {
			patch["next_step_name"] = domain.DeleteKey
		}

		if err := e.store.UpdateExecutionContext(ctx, exec.ID, patch); err != nil {
			return nil, err
		}
		if err := e.store.CompleteStepExecution(ctx, stepExec.ID, domain.StepStatusSuccess, domain.ScrubBase64Map(dispatchResult.Context), finishedAt); err != nil {
			return nil, err
		}

		exec, err = e.store.GetExecution(ctx, executionID)
		if err != nil {
			return nil, err
		}
		e.publish(exec.ID, "step_finished", step.Name, string(exec.Status), exec.Context)

		if autoCompleteReason, fires := checkAutoComplete(exec, step, steps); fires {
			if err := e.completeExecution(ctx, exec, autoCompleteReason); err != nil {
				return nil, err
			}
			return &Result{Status: StatusTerminal, Reason: "workflow_completed"}, nil
		}

		if exec.Mode == domain.ModeAutomatic {
			continue
		}
		return &Result{Status: StatusStepAdvanced}, nil
	}
}

// selectNextStep implements spec section 4.4 step 2.
func selectNextStep(exec *domain.Execution, steps []*domain.Step) (*domain.Step, bool) {
	if exec.CurrentStepID == nil {
		return firstByOrder(steps)
	}

	if name, ok := domain.NextStepName(exec.Context); ok && name != "" {
		return findByNameOrAlias(steps, name)
	}

	current := findByID(steps, *exec.CurrentStepID)
	if current == nil {
		return nil, false
	}
	return nextAfterOrder(steps, current.Order)
}

// checkAutoComplete implements the three conditions from spec section 4.4's
// auto-completion rule, evaluated against the execution's context as it
// stands immediately after the just-finished step's successful dispatch.
func checkAutoComplete(exec *domain.Execution, finished *domain.Step, steps []*domain.Step) (string, bool) {
	if finished.IsTerminal {
		return "automatic_detection", true
	}

	name, ok := domain.NextStepName(exec.Context)
	if !ok || name == "" {
		if finished.Order == maxOrder(steps) {
			return "automatic_detection", true
		}
		return "", false
	}

	if _, found := findByNameOrAlias(steps, name); !found {
		return "automatic_detection", true
	}
	return "", false
}

func firstByOrder(steps []*domain.Step) (*domain.Step, bool) {
	var best *domain.Step
	for _, s := range steps {
		if best == nil || s.Order < best.Order {
			best = s
		}
	}
	return best, best != nil
}

func nextAfterOrder(steps []*domain.Step, order int) (*domain.Step, bool) {
	var best *domain.Step
	for _, s := range steps {
		if s.Order <= order {
			continue
		}
		if best == nil || s.Order < best.Order {
			best = s
		}
	}
	return best, best != nil
}

func maxOrder(steps []*domain.Step) int {
	max := 0
	for i, s := range steps {
		if i == 0 || s.Order > max {
			max = s.Order
		}
	}
	return max
}

func findByID(steps []*domain.Step, id string) *domain.Step {
	for _, s := range steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// findByNameOrAlias resolves name against both a step's own Name and its
// EffectiveHandlerName, since context.next_step_name may carry either a
// step name or the worker-side handler alias that produced it.
func findByNameOrAlias(steps []*domain.Step, name string) (*domain.Step, bool) {
	for _, s := range steps {
		if s.Name == name || s.EffectiveHandlerName() == name {
			return s, true
		}
	}
	return nil, false
}

// completeExecution marks exec completed with the automatic-detection
// bookkeeping fields spec section 4.4 requires in context, then publishes
// workflow_completed.
func (e *Engine) completeExecution(ctx context.Context, exec *domain.Execution, reason string) error {
	patch := map[string]any{
		"auto_completed":    true,
		"completed_at":      time.Now().UTC().Format(time.RFC3339),
		"completion_reason": reason,
	}
	if err := e.store.UpdateExecutionContext(ctx, exec.ID, patch); err != nil {
		return err
	}
	if err := e.store.SetExecutionStatus(ctx, exec.ID, domain.ExecStatusCompleted); err != nil {
		return err
	}

	merged := exec.Context
	if merged == nil {
		merged = make(map[string]any)
	}
	domain.MergeContext(merged, patch)
	e.publish(exec.ID, "workflow_completed", "", string(domain.ExecStatusCompleted), merged)
	return nil
}

// failExecution transitions exec to failed and publishes eventType. Storage
// errors here are logged, not returned: the caller already has a terminal
// result to report and a failed transition is best-effort once the
// triggering failure has happened.
func (e *Engine) failExecution(ctx context.Context, exec *domain.Execution, eventType, stepName string) {
	if err := e.store.SetExecutionStatus(ctx, exec.ID, domain.ExecStatusFailed); err != nil {
		e.logger.Error("engine: failed to mark execution failed", "error", err, "execution_id", exec.ID)
	}
	e.publish(exec.ID, eventType, stepName, string(domain.ExecStatusFailed), exec.Context)
}

func (e *Engine) publish(executionID, eventType, stepName, status string, ctxDoc map[string]any) {
	if e.broker == nil {
		return
	}
	e.broker.Publish(broker.Event{
		Type:        eventType,
		ExecutionID: executionID,
		StepName:    stepName,
		Status:      status,
		Context:     ctxDoc,
	})
}
