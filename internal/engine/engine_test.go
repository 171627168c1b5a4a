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

package engine_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/discoveryhq/discovery/internal/broker"
	"github.com/discoveryhq/discovery/internal/domain"
	"github.com/discoveryhq/discovery/internal/engine"
	"github.com/discoveryhq/discovery/internal/remote"
	"github.com/discoveryhq/discovery/internal/store"
)

type fixture struct {
	store    store.Gateway
	remote   *remote.StubClient
	broker   *broker.Broker
	engine   *engine.Engine
	workflow *domain.Workflow
}

func newFixture(t *testing.T, mode domain.Mode) *fixture {
	t.Helper()
	s := store.NewMemStore()
	rc := remote.NewStubClient()
	b := broker.New(nil)
	e := engine.New(engine.Config{Store: s, Remote: rc, Broker: b})

	wf := &domain.Workflow{Name: "onboarding", Mode: mode}
	require.NoError(t, s.CreateWorkflow(context.Background(), wf))

	return &fixture{store: s, remote: rc, broker: b, engine: e, workflow: wf}
}

func (f *fixture) addStep(t *testing.T, name string, order, maxVisits int, isTerminal bool) *domain.Step {
	t.Helper()
	step := &domain.Step{WorkflowID: f.workflow.ID, Name: name, Order: order, MaxVisits: maxVisits, IsTerminal: isTerminal}
	require.NoError(t, f.store.CreateStep(context.Background(), step))
	return step
}

func (f *fixture) newExecution(t *testing.T) *domain.Execution {
	t.Helper()
	exec := &domain.Execution{WorkflowID: f.workflow.ID, Status: domain.ExecStatusRunning, Mode: f.workflow.Mode, Context: map[string]any{}}
	require.NoError(t, f.store.CreateExecution(context.Background(), exec))
	return exec
}

func TestEngine_Advance_AutomaticRunsToCompletionByOrder(t *testing.T) {
	f := newFixture(t, domain.ModeAutomatic)
	f.addStep(t, "fetch_user", 1, 3, false)
	f.addStep(t, "validate_user", 2, 3, false)
	exec := f.newExecution(t)

	ch, unsubscribe := f.broker.Subscribe(exec.ID)
	defer unsubscribe()

	result, err := f.engine.Advance(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusTerminal, result.Status)
	assert.Equal(t, "workflow_completed", result.Reason)

	got, err := f.store.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecStatusCompleted, got.Status)
	assert.Equal(t, true, got.Context["auto_completed"])
	assert.Nil(t, got.CurrentStepID)

	require.Len(t, f.remote.Invocations, 2)
	assert.Equal(t, "fetch_user", f.remote.Invocations[0].StepName)
	assert.Equal(t, "validate_user", f.remote.Invocations[1].StepName)

	var sawCompleted bool
drain:
	for {
		select {
		case msg := <-ch:
			if bytes.Contains(msg, []byte("workflow_completed")) {
				sawCompleted = true
			}
		default:
			break drain
		}
	}
	assert.True(t, sawCompleted)
}

func TestEngine_Advance_ManualModeAdvancesOneStepPerCall(t *testing.T) {
	f := newFixture(t, domain.ModeManual)
	f.addStep(t, "fetch_user", 1, 3, false)
	f.addStep(t, "validate_user", 2, 3, false)
	exec := f.newExecution(t)

	result, err := f.engine.Advance(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusStepAdvanced, result.Status)
	require.Len(t, f.remote.Invocations, 1)
	assert.Equal(t, "fetch_user", f.remote.Invocations[0].StepName)

	result, err = f.engine.Advance(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusStepAdvanced, result.Status)
	require.Len(t, f.remote.Invocations, 2)

	result, err = f.engine.Advance(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusTerminal, result.Status)
	assert.Equal(t, "workflow_completed", result.Reason)
}

func TestEngine_Advance_AlreadyTerminalIsNoop(t *testing.T) {
	f := newFixture(t, domain.ModeAutomatic)
	f.addStep(t, "fetch_user", 1, 3, false)
	exec := f.newExecution(t)
	require.NoError(t, f.store.SetExecutionStatus(context.Background(), exec.ID, domain.ExecStatusCompleted))

	result, err := f.engine.Advance(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusTerminal, result.Status)
	assert.Equal(t, "already_terminal", result.Reason)
	assert.Empty(t, f.remote.Invocations)
}

func TestEngine_Advance_RemoteFailureFailsExecution(t *testing.T) {
	f := newFixture(t, domain.ModeAutomatic)
	f.addStep(t, "fetch_user", 1, 3, false)
	exec := f.newExecution(t)

	f.remote.Default = func(stepName string, payload map[string]any) (*remote.StepResult, error) {
		return nil, errors.New("boom")
	}

	result, err := f.engine.Advance(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusTerminal, result.Status)
	assert.Equal(t, "step_error", result.Reason)

	got, err := f.store.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecStatusFailed, got.Status)
}

func TestEngine_Advance_MaxVisitsExceededFailsExecution(t *testing.T) {
	f := newFixture(t, domain.ModeAutomatic)
	f.addStep(t, "retry_step", 1, 1, false)
	exec := f.newExecution(t)

	// Every invocation routes back to itself, so the visit cap is the only
	// thing that can stop the loop.
	f.remote.Handlers["retry_step"] = func(payload map[string]any) (*remote.StepResult, error) {
		return &remote.StepResult{Next: "retry_step"}, nil
	}

	result, err := f.engine.Advance(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusTerminal, result.Status)
	assert.Equal(t, "max_visits_exceeded", result.Reason)

	got, err := f.store.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecStatusFailed, got.Status)
}

func TestEngine_Advance_RoutingHintJumpsOutOfOrder(t *testing.T) {
	f := newFixture(t, domain.ModeAutomatic)
	f.addStep(t, "fetch_user", 1, 3, false)
	f.addStep(t, "approve_user", 2, 3, false)
	f.addStep(t, "validate_user", 3, 3, true)
	exec := f.newExecution(t)

	f.remote.Handlers["fetch_user"] = func(payload map[string]any) (*remote.StepResult, error) {
		return &remote.StepResult{Next: "validate_user"}, nil
	}

	result, err := f.engine.Advance(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusTerminal, result.Status)

	require.Len(t, f.remote.Invocations, 2)
	assert.Equal(t, "fetch_user", f.remote.Invocations[0].StepName)
	assert.Equal(t, "validate_user", f.remote.Invocations[1].StepName)
}

func TestEngine_Advance_HandlerAliasResolvesRoutingHint(t *testing.T) {
	f := newFixture(t, domain.ModeAutomatic)
	step1 := f.addStep(t, "first_step", 1, 3, false)
	step1.HandlerName = "fetch_user"
	require.NoError(t, f.store.UpdateStep(context.Background(), step1))
	f.addStep(t, "second_step", 2, 3, true)
	exec := f.newExecution(t)

	f.remote.Handlers["fetch_user"] = func(payload map[string]any) (*remote.StepResult, error) {
		return &remote.StepResult{Next: "second_step"}, nil
	}

	result, err := f.engine.Advance(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusTerminal, result.Status)
	require.Len(t, f.remote.Invocations, 2)
	assert.Equal(t, "fetch_user", f.remote.Invocations[0].StepName)
}
